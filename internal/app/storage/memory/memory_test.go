package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopworks/creditcore/internal/app/domain/invite"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
)

func TestAppendEntryAndSum(t *testing.T) {
	s := New()
	ctx := context.Background()

	e1, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 100, Kind: ledger.KindPurchase})
	if err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	if e1.ID == "" {
		t.Fatal("expected generated entry ID")
	}
	if e1.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt to be set")
	}

	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: -40, Kind: ledger.KindAPIUsage}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	sum, err := s.SumForUser(ctx, "u1", time.Now().UTC())
	if err != nil {
		t.Fatalf("SumForUser failed: %v", err)
	}
	if sum != 60 {
		t.Fatalf("expected balance 60, got %d", sum)
	}
}

func TestAppendEntryDuplicateID(t *testing.T) {
	s := New()
	ctx := context.Background()

	e := ledger.Entry{ID: "fixed", UserID: "u1", Amount: 10, Kind: ledger.KindPurchase}
	if _, err := s.AppendEntry(ctx, e); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	if _, err := s.AppendEntry(ctx, e); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSumExcludesExpired(t *testing.T) {
	s := New()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 100, Kind: ledger.KindPurchase, ExpiresAt: &past}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 50, Kind: ledger.KindPurchase, ExpiresAt: &future}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	sum, err := s.SumForUser(ctx, "u1", time.Now().UTC())
	if err != nil {
		t.Fatalf("SumForUser failed: %v", err)
	}
	if sum != 50 {
		t.Fatalf("expected expired grant to be excluded, got %d", sum)
	}
}

func TestDebitUserInsufficient(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 30, Kind: ledger.KindPurchase}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	_, remaining, err := s.DebitUser(ctx, "u1", 31, ledger.KindAPIUsage)
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if remaining != 30 {
		t.Fatalf("expected balance 30 reported, got %d", remaining)
	}

	// The failed debit must not have written anything.
	sum, _ := s.SumForUser(ctx, "u1", time.Now().UTC())
	if sum != 30 {
		t.Fatalf("balance changed after rejected debit: %d", sum)
	}
}

func TestDebitUserIgnoresExpiredGrants(t *testing.T) {
	s := New()
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 100, Kind: ledger.KindPurchase, ExpiresAt: &past}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	if _, _, err := s.DebitUser(ctx, "u1", 1, ledger.KindAPIUsage); !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestDebitUserConcurrentNoOverdraft(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: 50, Kind: ledger.KindPurchase}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := s.DebitUser(ctx, "u1", 10, ledger.KindAPIUsage); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 {
		t.Fatalf("expected exactly 5 debits of 10 against 50, got %d", succeeded)
	}
	sum, _ := s.SumForUser(ctx, "u1", time.Now().UTC())
	if sum != 0 {
		t.Fatalf("expected balance 0, got %d", sum)
	}
}

func TestOrderLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, err := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 999, Currency: "USD", ProductID: "pack-100", Credits: 100})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if o.Status != order.StatusPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}

	o, err = s.AttachSession(ctx, o.ID, "sess_abc")
	if err != nil {
		t.Fatalf("AttachSession failed: %v", err)
	}
	if o.SessionRef != "sess_abc" {
		t.Fatalf("session not attached: %+v", o)
	}

	// The reference is immutable once set.
	if _, err := s.AttachSession(ctx, o.ID, "sess_other"); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := s.GetOrderBySessionRef(ctx, "sess_abc")
	if err != nil {
		t.Fatalf("GetOrderBySessionRef failed: %v", err)
	}
	if got.ID != o.ID {
		t.Fatalf("expected order %s, got %s", o.ID, got.ID)
	}

	o, err = s.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusPaid, nil)
	if err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}
	if o.Status != order.StatusPaid {
		t.Fatalf("expected paid, got %s", o.Status)
	}

	// Stale compare-and-set loses.
	if _, err := s.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusCancelled, nil); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAttachSessionDuplicateRef(t *testing.T) {
	s := New()
	ctx := context.Background()

	o1, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 1, Currency: "USD", ProductID: "p"})
	o2, _ := s.CreateOrder(ctx, order.Order{UserID: "u2", Amount: 1, Currency: "USD", ProductID: "p"})

	if _, err := s.AttachSession(ctx, o1.ID, "sess_1"); err != nil {
		t.Fatalf("AttachSession failed: %v", err)
	}
	if _, err := s.AttachSession(ctx, o2.ID, "sess_1"); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSettleOrderIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 999, Currency: "USD", ProductID: "pack-100", Credits: 100})

	grant := ledger.PurchaseGrant("u1", 100, nil)
	settled, err := s.SettleOrder(ctx, o.ID, "u1", "card", []ledger.Entry{grant})
	if err != nil {
		t.Fatalf("SettleOrder failed: %v", err)
	}
	if settled.Status != order.StatusPaid {
		t.Fatalf("expected paid, got %s", settled.Status)
	}
	if settled.PaidBy != "u1" || settled.PaymentDetail != "card" {
		t.Fatalf("payment fields not recorded: %+v", settled)
	}
	if settled.PaidAt.IsZero() {
		t.Fatal("expected PaidAt to be set")
	}

	// A second settlement with a fresh grant must write nothing.
	again, err := s.SettleOrder(ctx, o.ID, "u1", "card", []ledger.Entry{ledger.PurchaseGrant("u1", 100, nil)})
	if !errors.Is(err, storage.ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if again.Status != order.StatusPaid {
		t.Fatalf("expected existing paid order returned, got %+v", again)
	}

	sum, _ := s.SumForUser(ctx, "u1", time.Now().UTC())
	if sum != 100 {
		t.Fatalf("expected a single grant of 100, got %d", sum)
	}

	entries, _ := s.ListEntries(ctx, "u1", 0)
	if len(entries) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(entries))
	}
}

func TestSettleOrderRollsBackOnBadGrant(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.AppendEntry(ctx, ledger.Entry{ID: "taken", UserID: "u1", Amount: 1, Kind: ledger.KindPurchase}); err != nil {
		t.Fatalf("AppendEntry failed: %v", err)
	}
	o, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 999, Currency: "USD", ProductID: "p", Credits: 100})

	dup := ledger.PurchaseGrant("u1", 100, nil)
	dup.ID = "taken"
	if _, err := s.SettleOrder(ctx, o.ID, "u1", "", []ledger.Entry{dup}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetOrder(ctx, o.ID)
	if got.Status != order.StatusPending {
		t.Fatalf("order must stay pending after failed settlement, got %s", got.Status)
	}
}

func TestSettleOrderDuplicateGrantIDsInBatch(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 999, Currency: "USD", ProductID: "p", Credits: 100})

	first := ledger.PurchaseGrant("u1", 100, nil)
	second := ledger.ReferralReward("inviter", 10)
	second.ID = first.ID
	if _, err := s.SettleOrder(ctx, o.ID, "u1", "", []ledger.Entry{first, second}); !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := s.GetOrder(ctx, o.ID)
	if got.Status != order.StatusPending {
		t.Fatalf("order must stay pending after failed settlement, got %s", got.Status)
	}
	entries, _ := s.ListEntries(ctx, "u1", 0)
	if len(entries) != 0 {
		t.Fatalf("expected no ledger entries, got %d", len(entries))
	}
}

func TestSettleOrderTerminalStatus(t *testing.T) {
	s := New()
	ctx := context.Background()

	o, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 1, Currency: "USD", ProductID: "p"})
	if _, err := s.TransitionOrder(ctx, o.ID, order.StatusPending, order.StatusCancelled, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}

	if _, err := s.SettleOrder(ctx, o.ID, "u1", "", nil); !errors.Is(err, order.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestListStalePending(t *testing.T) {
	s := New()
	ctx := context.Background()

	stale, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 1, Currency: "USD", ProductID: "p"})
	fresh, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 1, Currency: "USD", ProductID: "p"})
	paid, _ := s.CreateOrder(ctx, order.Order{UserID: "u1", Amount: 1, Currency: "USD", ProductID: "p"})
	if _, err := s.TransitionOrder(ctx, paid.ID, order.StatusPending, order.StatusPaid, nil); err != nil {
		t.Fatalf("TransitionOrder failed: %v", err)
	}

	// Age the stale order under the lock the store uses.
	s.mu.Lock()
	aged := s.orders[stale.ID]
	aged.CreatedAt = time.Now().UTC().Add(-time.Hour)
	s.orders[stale.ID] = aged
	s.mu.Unlock()

	got, err := s.ListStalePending(ctx, time.Now().UTC().Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListStalePending failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != stale.ID {
		t.Fatalf("expected only %s, got %+v", stale.ID, got)
	}
	_ = fresh
}

func TestCreateInviteFirstWriteWins(t *testing.T) {
	s := New()
	ctx := context.Background()

	first, err := s.CreateInvite(ctx, invite.Relation{InviteeID: "bob", InviterID: "alice"})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	if first.InviterID != "alice" {
		t.Fatalf("unexpected inviter: %s", first.InviterID)
	}

	second, err := s.CreateInvite(ctx, invite.Relation{InviteeID: "bob", InviterID: "mallory"})
	if err != nil {
		t.Fatalf("CreateInvite failed: %v", err)
	}
	if second.InviterID != "alice" {
		t.Fatalf("first write must win, got inviter %s", second.InviterID)
	}

	rel, err := s.GetInviter(ctx, "bob")
	if err != nil {
		t.Fatalf("GetInviter failed: %v", err)
	}
	if rel.InviterID != "alice" {
		t.Fatalf("unexpected inviter: %s", rel.InviterID)
	}

	if _, err := s.GetInviter(ctx, "nobody"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEntriesNewestFirst(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEntry(ctx, ledger.Entry{UserID: "u1", Amount: int64(i + 1), Kind: ledger.KindPurchase}); err != nil {
			t.Fatalf("AppendEntry failed: %v", err)
		}
	}

	entries, err := s.ListEntries(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Amount != 3 || entries[1].Amount != 2 {
		t.Fatalf("expected newest first, got %+v", entries)
	}
}
