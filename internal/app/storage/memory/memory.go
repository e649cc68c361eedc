package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopworks/creditcore/internal/app/domain/apikey"
	"github.com/shopworks/creditcore/internal/app/domain/invite"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu              sync.RWMutex
	entriesByUser   map[string][]ledger.Entry
	entryIDs        map[string]struct{}
	orders          map[string]order.Order
	ordersBySession map[string]string
	invites         map[string]invite.Relation
	apiKeys         map[string]apikey.Key
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.InviteStore = (*Store)(nil)
var _ storage.APIKeyStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		entriesByUser:   make(map[string][]ledger.Entry),
		entryIDs:        make(map[string]struct{}),
		orders:          make(map[string]order.Order),
		ordersBySession: make(map[string]string),
		invites:         make(map[string]invite.Relation),
		apiKeys:         make(map[string]apikey.Key),
	}
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) AppendEntry(_ context.Context, e ledger.Entry) (ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendEntryLocked(e)
}

func (s *Store) appendEntryLocked(e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if _, exists := s.entryIDs[e.ID]; exists {
		return ledger.Entry{}, fmt.Errorf("ledger entry %s: %w", e.ID, storage.ErrConflict)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ExpiresAt = cloneTime(e.ExpiresAt)

	s.entryIDs[e.ID] = struct{}{}
	s.entriesByUser[e.UserID] = append(s.entriesByUser[e.UserID], e)
	return cloneEntry(e), nil
}

func (s *Store) DebitUser(_ context.Context, userID string, amount int64, kind ledger.Kind) (ledger.Entry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	balance := s.sumLocked(userID, now)
	if balance < amount {
		return ledger.Entry{}, balance, fmt.Errorf("user %s: have %d, need %d: %w",
			userID, balance, amount, storage.ErrInsufficientBalance)
	}

	e, err := s.appendEntryLocked(ledger.Entry{
		UserID:    userID,
		Amount:    -amount,
		Kind:      kind,
		CreatedAt: now,
	})
	if err != nil {
		return ledger.Entry{}, balance, err
	}
	return e, balance - amount, nil
}

func (s *Store) SumForUser(_ context.Context, userID string, asOf time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sumLocked(userID, asOf), nil
}

func (s *Store) sumLocked(userID string, asOf time.Time) int64 {
	var total int64
	for _, e := range s.entriesByUser[userID] {
		if !e.Expired(asOf) {
			total += e.Amount
		}
	}
	return total
}

func (s *Store) ListEntries(_ context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.entriesByUser[userID]
	result := make([]ledger.Entry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, cloneEntry(entries[i]))
	}
	return result, nil
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = order.NewNumber()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, fmt.Errorf("order %s: %w", o.ID, storage.ErrConflict)
	}
	if o.SessionRef != "" {
		if _, exists := s.ordersBySession[o.SessionRef]; exists {
			return order.Order{}, fmt.Errorf("session %s: %w", o.SessionRef, storage.ErrConflict)
		}
	}
	if o.Status == "" {
		o.Status = order.StatusPending
	}

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	s.orders[o.ID] = o
	if o.SessionRef != "" {
		s.ordersBySession[o.SessionRef] = o.ID
	}
	return o, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", id, storage.ErrNotFound)
	}
	return o, nil
}

func (s *Store) GetOrderBySessionRef(_ context.Context, ref string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ordersBySession[ref]
	if !ok {
		return order.Order{}, fmt.Errorf("session %s: %w", ref, storage.ErrNotFound)
	}
	return s.orders[id], nil
}

func (s *Store) ListOrders(_ context.Context, userID string) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if userID == "" || o.UserID == userID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) AttachSession(_ context.Context, orderID, ref string) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	if o.Status != order.StatusPending || o.SessionRef != "" {
		return order.Order{}, fmt.Errorf("order %s is %s with session %q: %w",
			orderID, o.Status, o.SessionRef, order.ErrInvalidTransition)
	}
	if _, exists := s.ordersBySession[ref]; exists {
		return order.Order{}, fmt.Errorf("session %s: %w", ref, storage.ErrConflict)
	}

	o.SessionRef = ref
	o.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = o
	s.ordersBySession[ref] = orderID
	return o, nil
}

func (s *Store) TransitionOrder(_ context.Context, orderID string, from, to order.Status, apply func(*order.Order)) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	if o.Status != from || !order.CanTransition(from, to) {
		return order.Order{}, fmt.Errorf("order %s: %s -> %s (current %s): %w",
			orderID, from, to, o.Status, order.ErrInvalidTransition)
	}

	o.Status = to
	if apply != nil {
		apply(&o)
	}
	o.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = o
	return o, nil
}

func (s *Store) ListStalePending(_ context.Context, olderThan time.Time) ([]order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if o.Status == order.StatusPending && o.CreatedAt.Before(olderThan) {
			result = append(result, o)
		}
	}
	return result, nil
}

// SettlementStore implementation ----------------------------------------------

func (s *Store) SettleOrder(_ context.Context, orderID, paidBy, detail string, grants []ledger.Entry) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return order.Order{}, fmt.Errorf("order %s: %w", orderID, storage.ErrNotFound)
	}
	switch o.Status {
	case order.StatusPaid, order.StatusActivated:
		return o, fmt.Errorf("order %s: %w", orderID, storage.ErrAlreadySettled)
	case order.StatusPending:
	default:
		return order.Order{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, order.ErrInvalidTransition)
	}

	// Validate all grants before touching anything so a bad entry cannot
	// leave the order paid with credits missing. IDs must be new and unique
	// within the batch.
	seen := make(map[string]struct{}, len(grants))
	for _, g := range grants {
		if g.ID == "" {
			continue
		}
		if _, exists := s.entryIDs[g.ID]; exists {
			return order.Order{}, fmt.Errorf("ledger entry %s: %w", g.ID, storage.ErrConflict)
		}
		if _, dup := seen[g.ID]; dup {
			return order.Order{}, fmt.Errorf("ledger entry %s: %w", g.ID, storage.ErrConflict)
		}
		seen[g.ID] = struct{}{}
	}

	now := time.Now().UTC()
	o.Status = order.StatusPaid
	o.PaidAt = now
	o.PaidBy = paidBy
	o.PaymentDetail = detail
	o.UpdatedAt = now
	s.orders[orderID] = o

	for _, g := range grants {
		if _, err := s.appendEntryLocked(g); err != nil {
			return order.Order{}, err
		}
	}
	return o, nil
}

// InviteStore implementation --------------------------------------------------

func (s *Store) CreateInvite(_ context.Context, rel invite.Relation) (invite.Relation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.invites[rel.InviteeID]; ok {
		return existing, nil
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	s.invites[rel.InviteeID] = rel
	return rel, nil
}

func (s *Store) GetInviter(_ context.Context, inviteeID string) (invite.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rel, ok := s.invites[inviteeID]
	if !ok {
		return invite.Relation{}, fmt.Errorf("invitee %s: %w", inviteeID, storage.ErrNotFound)
	}
	return rel, nil
}

// APIKeyStore implementation --------------------------------------------------

func (s *Store) CreateAPIKey(_ context.Context, k apikey.Key) (apikey.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if k.ID == "" {
		k.ID = uuid.NewString()
	} else if _, exists := s.apiKeys[k.ID]; exists {
		return apikey.Key{}, fmt.Errorf("api key %s: %w", k.ID, storage.ErrConflict)
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	k.SecretHash = append([]byte(nil), k.SecretHash...)

	s.apiKeys[k.ID] = k
	return cloneKey(k), nil
}

func (s *Store) GetAPIKey(_ context.Context, id string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return apikey.Key{}, fmt.Errorf("api key %s: %w", id, storage.ErrNotFound)
	}
	return cloneKey(k), nil
}

// Helpers ----------------------------------------------------------------------

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneEntry(e ledger.Entry) ledger.Entry {
	e.ExpiresAt = cloneTime(e.ExpiresAt)
	return e
}

func cloneKey(k apikey.Key) apikey.Key {
	k.SecretHash = append([]byte(nil), k.SecretHash...)
	return k
}
