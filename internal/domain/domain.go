package domain

import "time"

// State is the shared state-code space for missions and bids. A mission in
// the execution phase delegates to its winning bid's state, so both entities
// draw from one closed set of codes.
type State string

const (
	StateDraft           State = "draft"
	StateBidding         State = "bidding"
	StateApplied         State = "applied"
	StateFailed          State = "failed"
	StateNotApplied      State = "not_applied"
	StateWaitingAssignee State = "waiting_assignee"
	StateInAction        State = "in_action"
	StateDone            State = "done"
	StateDoneAndCanceled State = "done_and_canceled"
	StateAdminCanceled   State = "admin_canceled"
	StateUserCanceled    State = "user_canceled"
	StateTimeoutCanceled State = "timeout_canceled"
	StateWonAndCanceled  State = "won_and_canceled"
	StateBidAndCanceled  State = "bid_and_canceled"
	StateUnknown         State = "unknown"
)

// Terminal reports whether no further lifecycle operation may move the
// entity out of this state (unfinish being the one sanctioned exception
// for done).
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateDoneAndCanceled, StateAdminCanceled, StateUserCanceled,
		StateTimeoutCanceled, StateWonAndCanceled, StateBidAndCanceled, StateFailed,
		StateNotApplied:
		return true
	}
	return false
}

// Canceled reports whether the state is one of the cancellation variants.
func (s State) Canceled() bool {
	switch s {
	case StateDoneAndCanceled, StateAdminCanceled, StateUserCanceled,
		StateTimeoutCanceled, StateWonAndCanceled, StateBidAndCanceled:
		return true
	}
	return false
}

// MissionKind distinguishes plain missions from composite parents and their
// per-area sub-jobs.
type MissionKind string

const (
	KindSingle MissionKind = "single"
	KindMulti  MissionKind = "multi"
	KindArea   MissionKind = "area"
)

// Mission is a customer's job request. State is never written directly; it
// is a cached projection of the timestamp facts below plus the bids.
type Mission struct {
	ID           string
	Code         string
	ParentID     *string
	Kind         MissionKind
	CustomerID   string
	TypeCode     string
	Content      string
	AreaID       *int64
	AmountLow    int64
	AmountHigh   int64
	ChargeRate   int
	DueAt        *time.Time
	CreatedAt    time.Time
	RequestedAt  *time.Time
	CanceledAt   *time.Time
	CancelDetail string
	BidClosedAt  *time.Time
	BidLimitAt   *time.Time
	TimeoutSeen  *time.Time
	SavedState   State
}

// Requested reports whether the mission left draft.
func (m Mission) Requested() bool { return m.RequestedAt != nil }

// TimedOut reports whether the bidding window has elapsed at the given time.
func (m Mission) TimedOut(now time.Time) bool {
	return m.BidLimitAt != nil && m.BidLimitAt.Before(now)
}

// Bid is one helper's priced offer against a mission.
type Bid struct {
	ID              string
	MissionID       string
	HelperID        string
	Amount          int64
	Message         string
	IsAssigned      bool
	DueAt           *time.Time
	AdjustedDueAt   *time.Time
	AppliedAt       *time.Time
	WonAt           *time.Time
	CanceledAt      *time.Time
	CanceledByAdmin bool
	DoneAt          *time.Time
	ChatClosedAt    *time.Time
	LockedAt        *time.Time
	CashEntryID     *int64
	PointEntryID    *int64
	CreatedAt       time.Time
	SavedState      State
}

// Locked reports whether an award lock is present, regardless of age. Lock
// expiry is the sweep's business, not the projection's.
func (b Bid) Locked() bool { return b.LockedAt != nil }

// ActiveDue is the due time in force: the renegotiated one if a reschedule
// was accepted, else the bid's own, else the caller falls back to the
// mission's.
func (b Bid) ActiveDue() *time.Time {
	if b.AdjustedDueAt != nil {
		return b.AdjustedDueAt
	}
	return b.DueAt
}

// InteractionKind is the type of a two-party request layered on a bid.
type InteractionKind string

const (
	InteractionCancel     InteractionKind = "cancel"
	InteractionReschedule InteractionKind = "reschedule"
	InteractionComplete   InteractionKind = "complete"
)

// InteractionState is the closed sub-protocol state machine.
type InteractionState string

const (
	InteractionRequested InteractionState = "requested"
	InteractionAccepted  InteractionState = "accepted"
	InteractionRejected  InteractionState = "rejected"
	InteractionCanceled  InteractionState = "canceled"
)

// Interaction is a request by one party on an awarded bid that the
// counterparty must accept or reject, or the requester withdraw.
type Interaction struct {
	ID          string
	BidID       string
	Kind        InteractionKind
	Detail      string
	CreatedBy   string
	RequestedAt time.Time
	AcceptedAt  *time.Time
	RejectedAt  *time.Time
	CanceledAt  *time.Time
}

// State derives the interaction state from its resolution timestamps.
func (i Interaction) State() InteractionState {
	switch {
	case i.CanceledAt != nil:
		return InteractionCanceled
	case i.AcceptedAt != nil:
		return InteractionAccepted
	case i.RejectedAt != nil:
		return InteractionRejected
	}
	return InteractionRequested
}

// Resolved reports whether the interaction reached a terminal state.
func (i Interaction) Resolved() bool { return i.State() != InteractionRequested }

// SafetyRole selects the masked-number sub-range a lease is drawn from.
type SafetyRole string

const (
	RoleCustomer SafetyRole = "customer"
	RoleHelper   SafetyRole = "helper"
	RoleNormal   SafetyRole = "normal"
)

// SafetyNumber is a masked-number lease tied to a bid. The row exists before
// the relay call succeeds; only AssignedAt marks it live.
type SafetyNumber struct {
	ID             int64
	BidID          string
	UserID         string
	Role           SafetyRole
	Number         string
	AssignedNumber string
	AssignedAt     *time.Time
	UnassignedAt   *time.Time
	CreatedAt      time.Time
}

// Active reports whether the lease is currently in use.
func (n SafetyNumber) Active() bool {
	return n.AssignedAt != nil && n.UnassignedAt == nil
}

// Actor is a marketplace participant. Helpers additionally carry a payout
// fee-rate override and the service areas they accept missions in.
type Actor struct {
	ID         string
	Name       string
	Mobile     string
	IsHelper   bool
	FeeRate    *int
	ReferrerID *string
	AreaIDs    []int64
	CreatedAt  time.Time
}

// Payment is one captured charge against a bid.
type Payment struct {
	ID         int64
	BidID      string
	Amount     int64
	CapturedAt time.Time
	ReversedAt *time.Time
}

// Review is a completed bid's two-category star rating.
type Review struct {
	ID        string
	BidID     string
	Stars     [2]int
	Content   string
	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Event is one row of the append-only audit trail.
type Event struct {
	ID         int64
	TS         time.Time
	Type       string
	EntityKind string
	EntityID   string
	ActorID    string
	Payload    string
}

// APIKey authenticates an actor on the HTTP API.
type APIKey struct {
	ID        string
	ActorID   string
	Name      string
	KeyHash   string
	CreatedAt time.Time
}
