// Package sweep is the periodic reconciliation loop: it releases expired
// award locks, observes bidding timeouts, repairs drifted stored states and
// keeps the masked-number book honest. Every step is per-entity: one bad row
// is logged and skipped, the pass always completes.
package sweep

import (
	"context"
	"log"
	"time"

	"bidline/internal/domain"
	"bidline/internal/engine"
	"bidline/internal/events"
	"bidline/internal/notify"
)

// Lessor is the slice of the number allocator the sweep needs for the
// carrier-side 30-day expiry.
type Lessor interface {
	Expire(ctx context.Context, cutoff time.Time) (int, error)
}

type Sweeper struct {
	Engine engine.Engine
	Lessor Lessor
	Logger *log.Logger
}

func New(e engine.Engine) *Sweeper {
	return &Sweeper{Engine: e}
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

// Report counts what one pass touched.
type Report struct {
	LocksReleased  int
	TimeoutsMarked int
	StatesRepaired int
	PairsRestored  int
	LeasesExpired  int
}

// Run executes a pass every config.SweepInterval until the context ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Engine.Config.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Pass(ctx)
		}
	}
}

// Pass runs one reconciliation round.
func (s *Sweeper) Pass(ctx context.Context) Report {
	var rep Report
	now := s.Engine.Now().UTC()

	rep.LocksReleased = s.releaseLocks(ctx, now)
	rep.TimeoutsMarked = s.observeTimeouts(ctx, now)
	rep.StatesRepaired = s.repairDrift(ctx)
	rep.PairsRestored = s.restoreMissingPairs(ctx)
	rep.LeasesExpired = s.expireLeases(ctx, now)
	s.updateGauges(ctx)

	if m := s.Engine.Metrics; m != nil {
		m.RecordSweepPass()
	}
	return rep
}

// releaseLocks clears award locks older than the TTL. The helper did not
// lose anything: an unlocked bid reads as applied again.
func (s *Sweeper) releaseLocks(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.Engine.Config.LockTTL())
	bids, err := s.Engine.Repo.ListExpiredLocks(ctx, cutoff.Format(time.RFC3339))
	if err != nil {
		s.logger().Printf("sweep: list expired locks: %v", err)
		return 0
	}
	released := 0
	for _, b := range bids {
		if _, err := s.Engine.UnlockBid(ctx, b.ID, "sweep"); err != nil {
			s.logger().Printf("sweep: release lock on bid %s: %v", b.ID, err)
			continue
		}
		released++
		if m := s.Engine.Metrics; m != nil {
			m.RecordLockReleased()
		}
	}
	return released
}

// observeTimeouts stamps timeout_seen on missions whose bidding deadline
// passed. The stamp makes the notification exactly-once; the projection was
// already timeout_canceled the moment the deadline lapsed.
func (s *Sweeper) observeTimeouts(ctx context.Context, now time.Time) int {
	missions, err := s.Engine.Repo.ListTimedOutBidding(ctx, now.Format(time.RFC3339))
	if err != nil {
		s.logger().Printf("sweep: list timed-out missions: %v", err)
		return 0
	}
	marked := 0
	for _, m := range missions {
		if err := s.markTimeout(ctx, m, now); err != nil {
			s.logger().Printf("sweep: mark timeout on mission %s: %v", m.ID, err)
			continue
		}
		marked++
		if s.Engine.Notifier != nil {
			s.Engine.Notifier.Send(notify.Recipient{UserID: m.CustomerID}, notify.TplMissionTimeout,
				[]any{m.Code}, map[string]string{"mission_id": m.ID})
		}
	}
	return marked
}

func (s *Sweeper) markTimeout(ctx context.Context, m domain.Mission, now time.Time) error {
	tx, err := s.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	m.TimeoutSeen = &now
	if err := s.Engine.Repo.UpdateMission(ctx, tx, m); err != nil {
		return err
	}
	if err := s.Engine.Events.Append(ctx, tx, "mission.timeout_observed", "mission", m.ID, "sweep", events.EventPayload{
		"bid_limit_at": m.BidLimitAt.Format(time.RFC3339),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = s.Engine.Reproject(ctx, m.ID)
	return err
}

// repairDrift re-projects every mission whose stored state can still move.
func (s *Sweeper) repairDrift(ctx context.Context) int {
	missions, err := s.Engine.Repo.ListMissionsByState(ctx,
		domain.StateBidding, domain.StateWaitingAssignee, domain.StateInAction)
	if err != nil {
		s.logger().Printf("sweep: list live missions: %v", err)
		return 0
	}
	repaired := 0
	for _, m := range missions {
		n, err := s.Engine.Reproject(ctx, m.ID)
		if err != nil {
			s.logger().Printf("sweep: reproject mission %s: %v", m.ID, err)
			continue
		}
		repaired += n
		for i := 0; i < n; i++ {
			if c := s.Engine.Metrics; c != nil {
				c.RecordSweepRepair()
			}
		}
	}
	return repaired
}

// restoreMissingPairs retries the masked-number allocation for awarded bids
// the fail-open path left without a live pair.
func (s *Sweeper) restoreMissingPairs(ctx context.Context) int {
	if s.Engine.Safety == nil {
		return 0
	}
	bids, err := s.Engine.Repo.ListInActionBids(ctx)
	if err != nil {
		s.logger().Printf("sweep: list awarded bids: %v", err)
		return 0
	}
	restored := 0
	for _, b := range bids {
		leases, err := s.Engine.Repo.ListActiveLeasesByBid(ctx, b.ID)
		if err != nil {
			s.logger().Printf("sweep: list leases for bid %s: %v", b.ID, err)
			continue
		}
		if len(leases) > 0 {
			continue
		}
		m, err := s.Engine.Repo.GetMission(ctx, b.MissionID)
		if err != nil {
			s.logger().Printf("sweep: load mission for bid %s: %v", b.ID, err)
			continue
		}
		customer, err := s.Engine.Repo.GetActor(ctx, m.CustomerID)
		if err != nil {
			s.logger().Printf("sweep: load customer for bid %s: %v", b.ID, err)
			continue
		}
		helper, err := s.Engine.Repo.GetActor(ctx, b.HelperID)
		if err != nil {
			s.logger().Printf("sweep: load helper for bid %s: %v", b.ID, err)
			continue
		}
		if err := s.Engine.Safety.AssignPair(ctx, b.ID, customer, helper); err != nil {
			s.logger().Printf("sweep: assign pair for bid %s: %v", b.ID, err)
			if c := s.Engine.Metrics; c != nil {
				c.RecordRelayFailure()
			}
			continue
		}
		restored++
	}
	return restored
}

// expireLeases releases leases the carrier will have recycled anyway.
func (s *Sweeper) expireLeases(ctx context.Context, now time.Time) int {
	if s.Lessor == nil {
		return 0
	}
	cutoff := now.Add(-s.Engine.Config.SafetyNumberMaxAge())
	n, err := s.Lessor.Expire(ctx, cutoff)
	if err != nil {
		s.logger().Printf("sweep: expire leases: %v", err)
	}
	return n
}

func (s *Sweeper) updateGauges(ctx context.Context) {
	c := s.Engine.Metrics
	if c == nil {
		return
	}
	if n, err := s.Engine.Repo.CountActiveLeases(ctx); err == nil {
		c.SetActiveLeases(n)
	} else {
		s.logger().Printf("sweep: count leases: %v", err)
	}
	if missions, err := s.Engine.Repo.ListMissionsByState(ctx, domain.StateBidding); err == nil {
		c.SetBiddingCount(len(missions))
	} else {
		s.logger().Printf("sweep: count bidding missions: %v", err)
	}
}
