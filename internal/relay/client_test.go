package relay

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCarrier answers every frame on the server side of a pipe with the same
// packet id and the configured result code.
func fakeCarrier(t *testing.T, conn net.Conn, result string) {
	t.Helper()
	go func() {
		defer conn.Close()
		for {
			buf := make([]byte, PacketSize)
			if _, err := io.ReadFull(conn, buf); err != nil {
				return
			}
			req, err := Decode(buf)
			if err != nil {
				return
			}
			resp := Packet{
				PacketID:     req.PacketID,
				CompanyID:    req.CompanyID,
				Result:       result,
				SafetyNumber: req.SafetyNumber,
			}
			frame, err := resp.Encode()
			if err != nil {
				return
			}
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}()
}

func newTestClient(t *testing.T, result string) *Client {
	t.Helper()
	c := NewClient("carrier.test", 60001, "bidline1")
	c.Dial = func(addr string) (net.Conn, error) {
		client, server := net.Pipe()
		fakeCarrier(t, server, result)
		return client, nil
	}
	return c
}

func TestClientAssignNumber(t *testing.T) {
	c := newTestClient(t, "00")
	require.NoError(t, c.Login())
	assert.NoError(t, c.AssignNumber("050848960001", "01012345678"))
	assert.NoError(t, c.Close())
}

func TestClientSurfacesResultCode(t *testing.T) {
	c := newTestClient(t, "05")
	err := c.AssignNumber("070848960001", "01012345678")
	require.Error(t, err)
	var rerr *ResultError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "05", rerr.Code)
}

func TestClientUnassignTwiceIsNoError(t *testing.T) {
	c := newTestClient(t, "12")
	assert.NoError(t, c.UnassignNumber("050848960001"))
}

func TestClientReconnectsOnBrokenSocket(t *testing.T) {
	dials := 0
	c := NewClient("carrier.test", 60001, "bidline1")
	c.Dial = func(addr string) (net.Conn, error) {
		dials++
		client, server := net.Pipe()
		if dials == 1 {
			server.Close()
		} else {
			fakeCarrier(t, server, "00")
		}
		return client, nil
	}

	require.NoError(t, c.HealthCheck())
	assert.Equal(t, 2, dials)
}

func TestClientGivesUpAfterThreeAttempts(t *testing.T) {
	dials := 0
	c := NewClient("carrier.test", 60001, "bidline1")
	c.Dial = func(addr string) (net.Conn, error) {
		dials++
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	err := c.HealthCheck()
	require.Error(t, err)
	assert.Equal(t, 3, dials)
}
