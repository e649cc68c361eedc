package orders

import (
	"context"
	"testing"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage/memory"
)

func TestSweepFailsStalePending(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	ctx := context.Background()

	stale, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 10})
	paid, _ := svc.Create(ctx, order.Order{UserID: "u1", Amount: 20})
	if _, err := store.TransitionOrder(ctx, paid.ID, order.StatusPending, order.StatusPaid, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}

	s := NewSweeper(store, svc, "@every 1h", time.Nanosecond, nil)
	time.Sleep(5 * time.Millisecond)
	s.sweep(ctx)

	got, _ := svc.Get(ctx, stale.ID)
	if got.Status != order.StatusFailed {
		t.Fatalf("expected stale order failed, got %s", got.Status)
	}
	got, _ = svc.Get(ctx, paid.ID)
	if got.Status != order.StatusPaid {
		t.Fatalf("paid order must be untouched, got %s", got.Status)
	}
}

func TestSweeperStartStop(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	s := NewSweeper(store, svc, "@every 1h", time.Minute, nil)

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// Second start is a no-op.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("repeat Start failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("repeat Stop failed: %v", err)
	}
}

func TestSweeperBadSchedule(t *testing.T) {
	store := memory.New()
	svc := New(store, nil)
	s := NewSweeper(store, svc, "not a schedule", time.Minute, nil)

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
