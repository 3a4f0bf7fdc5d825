package server

import (
	"time"

	"bidline/internal/domain"
	"bidline/internal/engine"
)

// Request payloads

type CreateMissionRequest struct {
	ID         *string `json:"id,omitempty"`
	TypeCode   string  `json:"type" enum:"errand,delivery,remote"`
	Content    string  `json:"content,omitempty"`
	AreaIDs    []int64 `json:"area_ids,omitempty"`
	AmountLow  int64   `json:"amount_low"`
	AmountHigh int64   `json:"amount_high"`
	DueAt      *string `json:"due_at,omitempty" format:"date-time"`
}

type CancelMissionRequest struct {
	Detail string `json:"detail,omitempty"`
}

type AssignMissionRequest struct {
	HelperID string `json:"helper_id"`
}

type SubmitBidRequest struct {
	ID        *string `json:"id,omitempty"`
	MissionID string  `json:"mission_id"`
	Amount    int64   `json:"amount"`
	Message   string  `json:"message,omitempty"`
	DueAt     *string `json:"due_at,omitempty" format:"date-time"`
}

type AdminCancelRequest struct {
	Detail string `json:"detail,omitempty"`
}

type CreateInteractionRequest struct {
	Kind   string `json:"kind" enum:"cancel,reschedule,complete"`
	Detail string `json:"detail,omitempty"`
}

type CreateReviewRequest struct {
	Stars   [2]int `json:"stars"`
	Content string `json:"content,omitempty"`
}

type CreateActorRequest struct {
	ID         *string `json:"id,omitempty"`
	Name       string  `json:"name"`
	Mobile     string  `json:"mobile"`
	IsHelper   bool    `json:"is_helper,omitempty"`
	FeeRate    *int    `json:"fee_rate,omitempty"`
	ReferrerID string  `json:"referrer_id,omitempty"`
	AreaIDs    []int64 `json:"area_ids,omitempty"`
}

// Response payloads

type MissionResponse struct {
	ID           string  `json:"id"`
	Code         string  `json:"code"`
	ParentID     *string `json:"parent_id,omitempty"`
	Kind         string  `json:"kind" enum:"single,multi,area"`
	CustomerID   string  `json:"customer_id"`
	TypeCode     string  `json:"type"`
	Content      string  `json:"content,omitempty"`
	AreaID       *int64  `json:"area_id,omitempty"`
	AmountLow    int64   `json:"amount_low"`
	AmountHigh   int64   `json:"amount_high"`
	ChargeRate   int     `json:"charge_rate"`
	State        string  `json:"state"`
	CancelDetail string  `json:"cancel_detail,omitempty"`
	DueAt        *string `json:"due_at,omitempty" format:"date-time"`
	RequestedAt  *string `json:"requested_at,omitempty" format:"date-time"`
	BidLimitAt   *string `json:"bid_limit_at,omitempty" format:"date-time"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type BidResponse struct {
	ID            string  `json:"id"`
	MissionID     string  `json:"mission_id"`
	HelperID      string  `json:"helper_id"`
	Amount        int64   `json:"amount"`
	Message       string  `json:"message,omitempty"`
	IsAssigned    bool    `json:"is_assigned,omitempty"`
	State         string  `json:"state"`
	DueAt         *string `json:"due_at,omitempty" format:"date-time"`
	AdjustedDueAt *string `json:"adjusted_due_at,omitempty" format:"date-time"`
	AppliedAt     *string `json:"applied_at,omitempty" format:"date-time"`
	WonAt         *string `json:"won_at,omitempty" format:"date-time"`
	DoneAt        *string `json:"done_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type MissionViewResponse struct {
	Mission MissionResponse `json:"mission"`
	Bids    []BidResponse   `json:"bids"`
}

type InteractionResponse struct {
	ID          string `json:"id"`
	BidID       string `json:"bid_id"`
	Kind        string `json:"kind" enum:"cancel,reschedule,complete"`
	Detail      string `json:"detail,omitempty"`
	CreatedBy   string `json:"created_by"`
	State       string `json:"state" enum:"requested,accepted,rejected,canceled"`
	RequestedAt string `json:"requested_at" format:"date-time"`
}

type ReviewResponse struct {
	ID        string `json:"id"`
	BidID     string `json:"bid_id"`
	Stars     [2]int `json:"stars"`
	Content   string `json:"content,omitempty"`
	CreatedBy string `json:"created_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type ActorResponse struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	IsHelper  bool    `json:"is_helper,omitempty"`
	AreaIDs   []int64 `json:"area_ids,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func missionResponse(m domain.Mission) MissionResponse {
	return MissionResponse{
		ID:           m.ID,
		Code:         m.Code,
		ParentID:     m.ParentID,
		Kind:         string(m.Kind),
		CustomerID:   m.CustomerID,
		TypeCode:     m.TypeCode,
		Content:      m.Content,
		AreaID:       m.AreaID,
		AmountLow:    m.AmountLow,
		AmountHigh:   m.AmountHigh,
		ChargeRate:   m.ChargeRate,
		State:        string(m.SavedState),
		CancelDetail: m.CancelDetail,
		DueAt:        fmtTimePtr(m.DueAt),
		RequestedAt:  fmtTimePtr(m.RequestedAt),
		BidLimitAt:   fmtTimePtr(m.BidLimitAt),
		CreatedAt:    fmtTime(m.CreatedAt),
	}
}

func bidResponse(b domain.Bid) BidResponse {
	return BidResponse{
		ID:            b.ID,
		MissionID:     b.MissionID,
		HelperID:      b.HelperID,
		Amount:        b.Amount,
		Message:       b.Message,
		IsAssigned:    b.IsAssigned,
		State:         string(b.SavedState),
		DueAt:         fmtTimePtr(b.DueAt),
		AdjustedDueAt: fmtTimePtr(b.AdjustedDueAt),
		AppliedAt:     fmtTimePtr(b.AppliedAt),
		WonAt:         fmtTimePtr(b.WonAt),
		DoneAt:        fmtTimePtr(b.DoneAt),
		CreatedAt:     fmtTime(b.CreatedAt),
	}
}

func missionViewResponse(v engine.MissionView) MissionViewResponse {
	out := MissionViewResponse{Mission: missionResponse(v.Mission), Bids: []BidResponse{}}
	out.Mission.State = string(v.State)
	for _, bv := range v.Bids {
		br := bidResponse(bv.Bid)
		br.State = string(bv.State)
		out.Bids = append(out.Bids, br)
	}
	return out
}

func interactionResponse(i domain.Interaction) InteractionResponse {
	return InteractionResponse{
		ID:          i.ID,
		BidID:       i.BidID,
		Kind:        string(i.Kind),
		Detail:      i.Detail,
		CreatedBy:   i.CreatedBy,
		State:       string(i.State()),
		RequestedAt: fmtTime(i.RequestedAt),
	}
}

func reviewResponse(v domain.Review) ReviewResponse {
	return ReviewResponse{
		ID:        v.ID,
		BidID:     v.BidID,
		Stars:     v.Stars,
		Content:   v.Content,
		CreatedBy: v.CreatedBy,
		CreatedAt: fmtTime(v.CreatedAt),
		UpdatedAt: fmtTime(v.UpdatedAt),
	}
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:        a.ID,
		Name:      a.Name,
		IsHelper:  a.IsHelper,
		AreaIDs:   a.AreaIDs,
		CreatedAt: fmtTime(a.CreatedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         fmtTime(e.TS),
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

func mapMissions(items []domain.Mission) []MissionResponse {
	out := []MissionResponse{}
	for _, m := range items {
		out = append(out, missionResponse(m))
	}
	return out
}

func mapInteractions(items []domain.Interaction) []InteractionResponse {
	out := []InteractionResponse{}
	for _, i := range items {
		out = append(out, interactionResponse(i))
	}
	return out
}

func mapReviews(items []domain.Review) []ReviewResponse {
	out := []ReviewResponse{}
	for _, v := range items {
		out = append(out, reviewResponse(v))
	}
	return out
}

func mapEvents(items []domain.Event) []EventResponse {
	out := []EventResponse{}
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
