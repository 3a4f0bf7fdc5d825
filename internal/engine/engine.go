// Package engine is the transactional core of the marketplace. Every
// operation runs in one database transaction together with its audit event;
// state columns are only ever written with a fresh projection.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"log"
	"time"

	"github.com/google/uuid"

	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/events"
	"bidline/internal/ledger"
	"bidline/internal/metrics"
	"bidline/internal/notify"
	"bidline/internal/payment"
	"bidline/internal/repo"
	"bidline/internal/state"
)

// Allocator is the masked-number surface the engine needs. Failures are
// logged and counted, never propagated into the lifecycle operation.
type Allocator interface {
	AssignPair(ctx context.Context, bidID string, customer, helper domain.Actor) error
	UnassignPair(ctx context.Context, bidID string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Ledger   *ledger.Service
	Payments payment.Gateway
	Notifier notify.Notifier
	Chat     notify.Chat
	Safety   Allocator
	Metrics  *metrics.Collector
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{DB: db},
		Ledger:   ledger.New(db),
		Payments: payment.NewLocal(r),
		Notifier: notify.LogNotifier{},
		Chat:     notify.LogChat{},
		Metrics:  metrics.NewCollector(),
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) newID() string { return uuid.NewString() }

// newCode generates the short human-facing mission code.
func newCode() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// The platform CSPRNG failing is not survivable.
		panic(err)
	}
	return hex.EncodeToString(b)
}

// notifySafe delivers without ever failing the caller.
func (e Engine) notifySafe(to notify.Recipient, template string, args []any, data map[string]string) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Send(to, template, args, data)
}

// assignSafetyPair allocates masked numbers fail-open: an outage is logged
// and counted, the bid proceeds without numbers and the sweep retries.
func (e Engine) assignSafetyPair(ctx context.Context, bid domain.Bid, mission domain.Mission) {
	if e.Safety == nil {
		return
	}
	customer, err := e.Repo.GetActor(ctx, mission.CustomerID)
	if err != nil {
		e.logger().Printf("safety: load customer for bid %s: %v", bid.ID, err)
		return
	}
	helper, err := e.Repo.GetActor(ctx, bid.HelperID)
	if err != nil {
		e.logger().Printf("safety: load helper for bid %s: %v", bid.ID, err)
		return
	}
	if err := e.Safety.AssignPair(ctx, bid.ID, customer, helper); err != nil {
		e.logger().Printf("safety: assign pair for bid %s: %v", bid.ID, err)
		if e.Metrics != nil {
			e.Metrics.RecordRelayFailure()
		}
	}
}

func (e Engine) unassignSafetyPair(ctx context.Context, bidID string) {
	if e.Safety == nil {
		return
	}
	if err := e.Safety.UnassignPair(ctx, bidID); err != nil {
		e.logger().Printf("safety: release pair for bid %s: %v", bidID, err)
		if e.Metrics != nil {
			e.Metrics.RecordRelayFailure()
		}
	}
}

// reprojectTx recomputes and stores the states of a mission and all its bids
// inside the caller's transaction. Returns how many rows drifted.
func (e Engine) reprojectTx(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return 0, err
	}
	bids, err := e.Repo.ListBidsByMissionTx(ctx, tx, missionID)
	if err != nil {
		return 0, err
	}
	now := e.now()
	drifted := 0
	for _, b := range bids {
		if s := state.ForBid(b, m, now); s != b.SavedState {
			b.SavedState = s
			if err := e.Repo.UpdateBid(ctx, tx, b); err != nil {
				return drifted, err
			}
			drifted++
		}
	}
	if s := state.ForMission(m, bids, now); s != m.SavedState {
		m.SavedState = s
		if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
			return drifted, err
		}
		drifted++
	}
	return drifted, nil
}

// Reproject recomputes stored states for one mission in its own transaction.
// The sweep uses it to repair drift.
func (e Engine) Reproject(ctx context.Context, missionID string) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := e.reprojectTx(ctx, tx, missionID)
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ActorCreateOptions are parameters for registering an actor.
type ActorCreateOptions struct {
	ID         string
	Name       string
	Mobile     string
	IsHelper   bool
	FeeRate    *int
	ReferrerID string
	AreaIDs    []int64
}

func (e Engine) CreateActor(ctx context.Context, opts ActorCreateOptions) (domain.Actor, error) {
	a := domain.Actor{
		ID:        opts.ID,
		Name:      opts.Name,
		Mobile:    opts.Mobile,
		IsHelper:  opts.IsHelper,
		FeeRate:   opts.FeeRate,
		AreaIDs:   opts.AreaIDs,
		CreatedAt: e.now(),
	}
	if a.ID == "" {
		a.ID = e.newID()
	}
	if opts.ReferrerID != "" {
		a.ReferrerID = &opts.ReferrerID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertActor(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "actor.created", "actor", a.ID, a.ID, events.EventPayload{
		"name": a.Name, "is_helper": a.IsHelper,
	}); err != nil {
		return a, err
	}
	return a, tx.Commit()
}

// Timeline returns the ordered audit feed for one entity.
func (e Engine) Timeline(ctx context.Context, kind, id string) ([]domain.Event, error) {
	return e.Repo.ListEventsByEntity(ctx, kind, id)
}
