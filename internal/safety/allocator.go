// Package safety allocates masked contact-number pairs for awarded bids.
// Allocation is fail-open: a carrier outage leaves the bid without numbers
// but never blocks the lifecycle operation that asked for them.
package safety

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"bidline/internal/config"
	"bidline/internal/domain"
	"bidline/internal/relay"
	"bidline/internal/repo"
)

// Allocator leases masked numbers through the carrier relay. The lease row
// is written before the relay call so a concurrent allocation can never pick
// the same number; a failed call leaves the row inert (no assigned_at).
type Allocator struct {
	Repo    repo.Repo
	Carrier relay.Carrier
	Config  config.Safety
	Now     func() time.Time

	// rand is swappable for deterministic tests.
	rand func() int
}

func New(r repo.Repo, carrier relay.Carrier, cfg config.Safety) *Allocator {
	return &Allocator{
		Repo:    r,
		Carrier: carrier,
		Config:  cfg,
		Now:     func() time.Time { return time.Now().UTC() },
		rand:    func() int { return rand.Intn(10000) },
	}
}

func (a *Allocator) now() time.Time {
	if a.Now != nil {
		return a.Now().UTC()
	}
	return time.Now().UTC()
}

func (a *Allocator) randomSuffix() string {
	r := a.rand
	if r == nil {
		r = func() int { return rand.Intn(10000) }
	}
	return fmt.Sprintf("%04d", r())
}

func (a *Allocator) rolePrefix(role domain.SafetyRole) string {
	return a.Config.NumberPrefix + a.Config.RolePrefix[string(role)]
}

// availableSuffix draws a random 4-digit suffix that no live or pending
// lease in the role's sub-range holds.
func (a *Allocator) availableSuffix(ctx context.Context, role domain.SafetyRole) (string, error) {
	prefix := a.rolePrefix(role)
	used, err := a.Repo.ActiveAssignedNumbers(ctx, prefix)
	if err != nil {
		return "", err
	}
	if len(used) >= 10000 {
		return "", fmt.Errorf("safety: sub-range %s exhausted", prefix)
	}
	for {
		suffix := a.randomSuffix()
		if !used[prefix+suffix] {
			return suffix, nil
		}
	}
}

// assignOne leases one masked number. The row is inserted first; only a
// successful relay call stamps assigned_at.
func (a *Allocator) assignOne(ctx context.Context, bidID string, actor domain.Actor, role domain.SafetyRole, suffix string) error {
	if actor.Mobile == "" {
		return fmt.Errorf("safety: actor %s has no mobile number", actor.ID)
	}
	n := domain.SafetyNumber{
		BidID:          bidID,
		UserID:         actor.ID,
		Role:           role,
		Number:         actor.Mobile,
		AssignedNumber: a.rolePrefix(role) + suffix,
		CreatedAt:      a.now(),
	}
	id, err := a.Repo.InsertSafetyNumber(ctx, nil, n)
	if err != nil {
		return err
	}
	if err := a.Carrier.AssignNumber(n.AssignedNumber, actor.Mobile); err != nil {
		return err
	}
	now := a.now()
	n.ID = id
	n.AssignedAt = &now
	return a.Repo.UpdateSafetyNumber(ctx, nil, n)
}

// AssignPair leases a customer and a helper number sharing one suffix, so
// the pair reads as two ends of the same line. Any failure is returned for
// logging but the pair the caller holds is simply absent, never partial and
// live on one side only in a way that blocks the bid.
func (a *Allocator) AssignPair(ctx context.Context, bidID string, customer, helper domain.Actor) error {
	suffix, err := a.availableSuffix(ctx, domain.RoleCustomer)
	if err != nil {
		return err
	}
	if err := a.Carrier.Login(); err != nil {
		return err
	}
	if err := a.assignOne(ctx, bidID, customer, domain.RoleCustomer, suffix); err != nil {
		return err
	}
	return a.assignOne(ctx, bidID, helper, domain.RoleHelper, suffix)
}

// UnassignPair releases every live lease on the bid. The local row is
// closed before the relay call: a number we believe released must never be
// reported as live even if the carrier call fails. Releasing an already
// released pair is a no-op.
func (a *Allocator) UnassignPair(ctx context.Context, bidID string) error {
	leases, err := a.Repo.ListActiveLeasesByBid(ctx, bidID)
	if err != nil {
		return err
	}
	if len(leases) == 0 {
		return nil
	}
	if err := a.Carrier.Login(); err != nil {
		return err
	}
	var firstErr error
	for _, n := range leases {
		now := a.now()
		n.UnassignedAt = &now
		if err := a.Repo.UpdateSafetyNumber(ctx, nil, n); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := a.Carrier.UnassignNumber(n.AssignedNumber); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Expire releases leases assigned before the cutoff. The carrier recycles
// numbers after 30 days regardless, so the local book must agree.
func (a *Allocator) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	leases, err := a.Repo.ListLeasesOlderThan(ctx, cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	if len(leases) == 0 {
		return 0, nil
	}
	if err := a.Carrier.Login(); err != nil {
		return 0, err
	}
	released := 0
	var firstErr error
	for _, n := range leases {
		now := a.now()
		n.UnassignedAt = &now
		if err := a.Repo.UpdateSafetyNumber(ctx, nil, n); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := a.Carrier.UnassignNumber(n.AssignedNumber); err != nil && firstErr == nil {
			firstErr = err
		}
		released++
	}
	return released, firstErr
}
