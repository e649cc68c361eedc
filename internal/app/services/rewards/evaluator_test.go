package rewards

import (
	"context"
	"errors"
	"testing"

	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/internal/app/storage/memory"
)

func TestRewardFor(t *testing.T) {
	store := memory.New()
	ev := New(store, 10, nil)
	ctx := context.Background()

	if _, err := ev.Record(ctx, "buyer", "inviter"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entry, err := ev.RewardFor(ctx, order.Order{ID: "o1", UserID: "buyer", Amount: 1000})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry == nil {
		t.Fatal("expected reward entry")
	}
	if entry.UserID != "inviter" {
		t.Fatalf("reward must go to the inviter, got %s", entry.UserID)
	}
	if entry.Amount != 100 {
		t.Fatalf("expected 10%% of 1000, got %d", entry.Amount)
	}
	if entry.Kind != ledger.KindReferralReward {
		t.Fatalf("unexpected kind %s", entry.Kind)
	}
}

func TestRewardForNoInviter(t *testing.T) {
	ev := New(memory.New(), 10, nil)

	entry, err := ev.RewardFor(context.Background(), order.Order{UserID: "loner", Amount: 1000})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no reward, got %+v", entry)
	}
}

func TestRewardForZeroPercent(t *testing.T) {
	store := memory.New()
	ev := New(store, 0, nil)
	ctx := context.Background()

	if _, err := ev.Record(ctx, "buyer", "inviter"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entry, err := ev.RewardFor(ctx, order.Order{UserID: "buyer", Amount: 1000})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no reward at 0%%, got %+v", entry)
	}
}

func TestRewardForRoundsToZero(t *testing.T) {
	store := memory.New()
	ev := New(store, 10, nil)
	ctx := context.Background()

	if _, err := ev.Record(ctx, "buyer", "inviter"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entry, err := ev.RewardFor(ctx, order.Order{UserID: "buyer", Amount: 9})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected no reward when it rounds to zero, got %+v", entry)
	}
}

func TestPercentClamped(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	if _, err := New(store, 10, nil).Record(ctx, "buyer", "inviter"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	over := New(store, 250, nil)
	entry, err := over.RewardFor(ctx, order.Order{UserID: "buyer", Amount: 100})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry == nil || entry.Amount != 100 {
		t.Fatalf("expected clamp to 100%%, got %+v", entry)
	}

	under := New(store, -5, nil)
	entry, err = under.RewardFor(ctx, order.Order{UserID: "buyer", Amount: 100})
	if err != nil {
		t.Fatalf("RewardFor failed: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected clamp to 0%%, got %+v", entry)
	}
}

func TestRecordFirstWriteWins(t *testing.T) {
	ev := New(memory.New(), 10, nil)
	ctx := context.Background()

	if _, err := ev.Record(ctx, "buyer", "alice"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	rel, err := ev.Record(ctx, "buyer", "mallory")
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rel.InviterID != "alice" {
		t.Fatalf("first write must win, got %s", rel.InviterID)
	}

	got, err := ev.Inviter(ctx, "buyer")
	if err != nil {
		t.Fatalf("Inviter failed: %v", err)
	}
	if got.InviterID != "alice" {
		t.Fatalf("unexpected inviter %s", got.InviterID)
	}

	if _, err := ev.Inviter(ctx, "stranger"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
