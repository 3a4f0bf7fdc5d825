package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"bidline/internal/config"
	"bidline/internal/db"
	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/migrate"
	"bidline/internal/repo"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string { return map[string]string{"X-Actor-Id": id} }

func seedActors(t *testing.T, srv *testServer) {
	t.Helper()
	client := srv.Client()
	for _, body := range []map[string]any{
		{"id": "cust-1", "name": "Customer One", "mobile": "+15550000001"},
		{"id": "help-1", "name": "Helper One", "mobile": "+15550000002", "is_helper": true, "area_ids": []int64{1}},
	} {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actors", body, asActor("admin"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("create actor %v: %d %s", body["id"], res.StatusCode, string(data))
		}
	}
}

func TestMissionLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"type":        "remote",
		"content":     "Translate a contract",
		"amount_low":  1000,
		"amount_high": 2000,
	}, asActor("cust-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var mission MissionResponse
	if err := json.Unmarshal(data, &mission); err != nil {
		t.Fatalf("unmarshal mission: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+mission.ID+"/request", nil, asActor("cust-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("request mission: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"mission_id": mission.ID,
		"amount":     1500,
		"message":    "can start today",
	}, asActor("help-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit bid: %d %s", res.StatusCode, string(data))
	}
	var bid BidResponse
	if err := json.Unmarshal(data, &bid); err != nil {
		t.Fatalf("unmarshal bid: %v", err)
	}

	for _, step := range []string{"lock", "win", "finish"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids/"+bid.ID+"/"+step, nil, asActor("cust-1"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s bid: %d %s", step, res.StatusCode, string(data))
		}
	}
	var done BidResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal finished bid: %v", err)
	}
	if done.State != string(domain.StateDone) {
		t.Fatalf("expected done, got %s", done.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+mission.ID, nil, asActor("cust-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("view mission: %d %s", res.StatusCode, string(data))
	}
	var view MissionViewResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.Mission.State != string(domain.StateDone) {
		t.Fatalf("expected mission done, got %s", view.Mission.State)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids/"+bid.ID+"/reviews", map[string]any{
		"stars":   []int{5, 4},
		"content": "quick work",
	}, asActor("cust-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create review: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/"+mission.ID+"/timeline", nil, asActor("cust-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected timeline entries")
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions/nope", nil, asActor("cust-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions", map[string]any{
		"type":        "remote",
		"content":     "x",
		"amount_low":  1000,
		"amount_high": 2000,
	}, asActor("cust-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create mission: %d %s", res.StatusCode, string(data))
	}
	var mission MissionResponse
	_ = json.Unmarshal(data, &mission)
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/missions/"+mission.ID+"/request", nil, asActor("cust-1")); res.StatusCode != http.StatusOK {
		t.Fatalf("request: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"mission_id": mission.ID,
		"amount":     999,
	}, asActor("help-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range amount, got %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "amount_out_of_range" {
		t.Fatalf("expected amount_out_of_range, got %q", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids", map[string]any{
		"mission_id": mission.ID,
		"amount":     1500,
	}, asActor("help-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit bid: %d %s", res.StatusCode, string(data))
	}
	var bid BidResponse
	_ = json.Unmarshal(data, &bid)
	if res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids/"+bid.ID+"/win", nil, asActor("cust-1")); res.StatusCode != http.StatusOK {
		t.Fatalf("win: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/bids/"+bid.ID+"/win", nil, asActor("cust-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double win, got %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q", envelope.Error.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedActors(t, srv)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}

	key := "test-key-123"
	err := srv.Engine.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID:        "key-1",
		ActorID:   "cust-1",
		Name:      "test",
		KeyHash:   repo.HashAPIKey(key),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/missions", nil, map[string]string{"X-Api-Key": key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d %s", res.StatusCode, string(data))
	}
}
