package engine_test

import (
	"errors"
	"testing"
	"time"

	"bidline/internal/engine"
)

func (env *testEnv) finished(t *testing.T) string {
	t.Helper()
	m := env.openMission(t)
	won := env.award(t, m.ID)
	if _, err := env.Engine.Finish(env.Ctx, won.ID, "cust-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return won.ID
}

func TestReviewOnCompletedBid(t *testing.T) {
	env := newTestEnv(t)
	bidID := env.finished(t)

	v, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: bidID, Stars: [2]int{5, 4}, Content: "quick and careful", ActorID: "cust-1",
	})
	if err != nil {
		t.Fatalf("create review: %v", err)
	}
	if v.Stars != [2]int{5, 4} {
		t.Fatalf("stars = %v", v.Stars)
	}

	// The helper reviews back; both coexist.
	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: bidID, Stars: [2]int{5, 5}, ActorID: "help-1",
	}); err != nil {
		t.Fatalf("helper review: %v", err)
	}
	all, err := env.Engine.ListReviews(env.Ctx, bidID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("reviews = %d, want 2", len(all))
	}
}

func TestReviewEditWindow(t *testing.T) {
	env := newTestEnv(t)
	bidID := env.finished(t)

	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: bidID, Stars: [2]int{3, 3}, ActorID: "cust-1",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Inside the window a repeat create rewrites in place.
	env.advance(24 * time.Hour)
	v, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: bidID, Stars: [2]int{5, 5}, Content: "upgraded", ActorID: "cust-1",
	})
	if err != nil {
		t.Fatalf("edit inside window: %v", err)
	}
	if v.Stars != [2]int{5, 5} {
		t.Fatalf("stars = %v, want rewritten", v.Stars)
	}
	all, err := env.Engine.ListReviews(env.Ctx, bidID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("reviews = %d, want 1", len(all))
	}

	env.advance(48 * time.Hour)
	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: bidID, Stars: [2]int{1, 1}, ActorID: "cust-1",
	}); !errors.Is(err, engine.ErrEditWindowClosed) {
		t.Fatalf("edit after window err = %v, want ErrEditWindowClosed", err)
	}
}

func TestReviewRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	m := env.openMission(t)
	won := env.award(t, m.ID)

	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: won.ID, Stars: [2]int{5, 5}, ActorID: "cust-1",
	}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("review before done err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.Engine.Finish(env.Ctx, won.ID, "cust-1"); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: won.ID, Stars: [2]int{6, 5}, ActorID: "cust-1",
	}); err == nil {
		t.Fatal("expected error for out-of-range stars")
	}
	if _, err := env.Engine.CreateReview(env.Ctx, engine.ReviewOptions{
		BidID: won.ID, Stars: [2]int{5, 5}, ActorID: "help-2",
	}); !errors.Is(err, engine.ErrNotCounterparty) {
		t.Fatalf("outsider review err = %v, want ErrNotCounterparty", err)
	}
}
