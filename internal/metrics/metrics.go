// Package metrics exposes marketplace counters for Prometheus scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the marketplace's instruments. Each Collector carries its
// own registry so tests can build as many as they need.
type Collector struct {
	registry *prometheus.Registry

	missionsOpened  prometheus.Counter
	missionsDone    prometheus.Counter
	bidsSubmitted   prometheus.Counter
	bidsWon         prometheus.Counter
	rewardsGranted  prometheus.Counter
	relayFailures   prometheus.Counter
	sweepPasses     prometheus.Counter
	sweepRepairs    prometheus.Counter
	locksReleased   prometheus.Counter
	leasesActive    prometheus.Gauge
	missionsBidding prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}
	c.missionsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_missions_opened_total",
		Help: "Total number of missions opened for bidding",
	})
	c.missionsDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_missions_done_total",
		Help: "Total number of missions finished",
	})
	c.bidsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_bids_submitted_total",
		Help: "Total number of bids submitted",
	})
	c.bidsWon = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_bids_won_total",
		Help: "Total number of bids awarded",
	})
	c.rewardsGranted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_rewards_granted_total",
		Help: "Total number of reward ledger grants",
	})
	c.relayFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_relay_failures_total",
		Help: "Total number of failed masked-number carrier calls",
	})
	c.sweepPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_sweep_passes_total",
		Help: "Total number of completed reconciliation sweep passes",
	})
	c.sweepRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_sweep_repairs_total",
		Help: "Total number of drifted states repaired by the sweep",
	})
	c.locksReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bidline_locks_released_total",
		Help: "Total number of expired award locks released",
	})
	c.leasesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bidline_safety_leases_active",
		Help: "Current number of live masked-number leases",
	})
	c.missionsBidding = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bidline_missions_bidding",
		Help: "Current number of missions with an open bidding window",
	})

	c.registry.MustRegister(
		c.missionsOpened, c.missionsDone, c.bidsSubmitted, c.bidsWon,
		c.rewardsGranted, c.relayFailures, c.sweepPasses, c.sweepRepairs,
		c.locksReleased, c.leasesActive, c.missionsBidding,
	)
	return c
}

func (c *Collector) RecordMissionOpened()  { c.missionsOpened.Inc() }
func (c *Collector) RecordMissionDone()    { c.missionsDone.Inc() }
func (c *Collector) RecordBidSubmitted()   { c.bidsSubmitted.Inc() }
func (c *Collector) RecordBidWon()         { c.bidsWon.Inc() }
func (c *Collector) RecordRewardGranted()  { c.rewardsGranted.Inc() }
func (c *Collector) RecordRelayFailure()   { c.relayFailures.Inc() }
func (c *Collector) RecordSweepPass()      { c.sweepPasses.Inc() }
func (c *Collector) RecordSweepRepair()    { c.sweepRepairs.Inc() }
func (c *Collector) RecordLockReleased()   { c.locksReleased.Inc() }
func (c *Collector) SetActiveLeases(n int) { c.leasesActive.Set(float64(n)) }
func (c *Collector) SetBiddingCount(n int) { c.missionsBidding.Set(float64(n)) }

// Handler serves this collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
