// Package postgres implements the storage interfaces on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/shopworks/creditcore/internal/app/domain/apikey"
	"github.com/shopworks/creditcore/internal/app/domain/invite"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL. All
// multi-step mutations run in a single transaction with row locks.
type Store struct {
	db *sqlx.DB
}

var _ storage.LedgerStore = (*Store)(nil)
var _ storage.OrderStore = (*Store)(nil)
var _ storage.SettlementStore = (*Store)(nil)
var _ storage.InviteStore = (*Store)(nil)
var _ storage.APIKeyStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

// mapError converts driver-level failures into the shared sentinels so
// callers never import lib/pq.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%v: %w", err, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, storage.ErrConflict)
	}
	return err
}

// --- LedgerStore --------------------------------------------------------------

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_ledger_entries (id, user_id, amount, kind, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.UserID, e.Amount, e.Kind, toNullTimePtr(e.ExpiresAt), e.CreatedAt)
	if err != nil {
		return ledger.Entry{}, mapError(err)
	}
	return e, nil
}

func (s *Store) DebitUser(ctx context.Context, userID string, amount int64, kind ledger.Kind) (ledger.Entry, int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return ledger.Entry{}, 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	// Per-user lock row; concurrent debits for the same user serialize here.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_credit_users (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return ledger.Entry{}, 0, mapError(err)
	}
	if _, err := tx.ExecContext(ctx, `
		SELECT user_id FROM app_credit_users WHERE user_id = $1 FOR UPDATE
	`, userID); err != nil {
		return ledger.Entry{}, 0, mapError(err)
	}

	now := time.Now().UTC()
	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM app_ledger_entries
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now).Scan(&balance); err != nil {
		return ledger.Entry{}, 0, mapError(err)
	}

	if balance < amount {
		return ledger.Entry{}, balance, fmt.Errorf("user %s: have %d, need %d: %w",
			userID, balance, amount, storage.ErrInsufficientBalance)
	}

	e := ledger.Entry{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    -amount,
		Kind:      kind,
		CreatedAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO app_ledger_entries (id, user_id, amount, kind, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NULL, $5)
	`, e.ID, e.UserID, e.Amount, e.Kind, e.CreatedAt); err != nil {
		return ledger.Entry{}, 0, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return ledger.Entry{}, 0, err
	}
	return e, balance - amount, nil
}

func (s *Store) SumForUser(ctx context.Context, userID string, asOf time.Time) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM app_ledger_entries
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, userID, asOf).Scan(&total)
	return total, mapError(err)
}

func (s *Store) ListEntries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, kind, expires_at, created_at
		FROM app_ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Kind, &expiresAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		if expiresAt.Valid {
			t := expiresAt.Time.UTC()
			e.ExpiresAt = &t
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// --- OrderStore ---------------------------------------------------------------

const orderColumns = `id, user_id, amount, currency, product_id, credits,
	session_ref, status, paid_at, paid_by, payment_detail,
	billing_interval, period_start, period_end, created_at, updated_at`

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = order.NewNumber()
	}
	if o.Status == "" {
		o.Status = order.StatusPending
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_orders
			(id, user_id, amount, currency, product_id, credits,
			 session_ref, status, paid_at, paid_by, payment_detail,
			 billing_interval, period_start, period_end, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, o.ID, o.UserID, o.Amount, o.Currency, o.ProductID, o.Credits,
		toNullString(o.SessionRef), o.Status, toNullTime(o.PaidAt), o.PaidBy, o.PaymentDetail,
		o.Interval, toNullTime(o.PeriodStart), toNullTime(o.PeriodEnd), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return order.Order{}, mapError(err)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM app_orders
		WHERE id = $1
	`, id)
	o, err := scanOrder(row)
	return o, mapError(err)
}

func (s *Store) GetOrderBySessionRef(ctx context.Context, ref string) (order.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM app_orders
		WHERE session_ref = $1
	`, ref)
	o, err := scanOrder(row)
	return o, mapError(err)
}

func (s *Store) ListOrders(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM app_orders
		WHERE $1 = '' OR user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) AttachSession(ctx context.Context, orderID, ref string) (order.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.Status != order.StatusPending || o.SessionRef != "" {
		return order.Order{}, fmt.Errorf("order %s is %s with session %q: %w",
			orderID, o.Status, o.SessionRef, order.ErrInvalidTransition)
	}

	o.SessionRef = ref
	o.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE app_orders SET session_ref = $2, updated_at = $3 WHERE id = $1
	`, orderID, ref, o.UpdatedAt); err != nil {
		return order.Order{}, mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, mapError(err)
	}
	return o, nil
}

func (s *Store) TransitionOrder(ctx context.Context, orderID string, from, to order.Status, apply func(*order.Order)) (order.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.Order{}, err
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

	if err := updateOrder(ctx, tx, o); err != nil {
		return order.Order{}, mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

func (s *Store) ListStalePending(ctx context.Context, olderThan time.Time) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM app_orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
	`, order.StatusPending, olderThan)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var result []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// --- SettlementStore ----------------------------------------------------------

func (s *Store) SettleOrder(ctx context.Context, orderID, paidBy, detail string, grants []ledger.Entry) (order.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	switch o.Status {
	case order.StatusPaid, order.StatusActivated:
		return o, fmt.Errorf("order %s: %w", orderID, storage.ErrAlreadySettled)
	case order.StatusPending:
	default:
		return order.Order{}, fmt.Errorf("order %s is %s: %w", orderID, o.Status, order.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	o.Status = order.StatusPaid
	o.PaidAt = now
	o.PaidBy = paidBy
	o.PaymentDetail = detail
	o.UpdatedAt = now

	if err := updateOrder(ctx, tx, o); err != nil {
		return order.Order{}, mapError(err)
	}

	for _, g := range grants {
		if g.ID == "" {
			g.ID = uuid.NewString()
		}
		if g.CreatedAt.IsZero() {
			g.CreatedAt = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_ledger_entries (id, user_id, amount, kind, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, g.ID, g.UserID, g.Amount, g.Kind, toNullTimePtr(g.ExpiresAt), g.CreatedAt); err != nil {
			return order.Order{}, mapError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// --- InviteStore ----------------------------------------------------------------

func (s *Store) CreateInvite(ctx context.Context, rel invite.Relation) (invite.Relation, error) {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	// First write wins; a second attempt returns the stored relation.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO app_invites (invitee_id, inviter_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (invitee_id) DO NOTHING
	`, rel.InviteeID, rel.InviterID, rel.CreatedAt)
	if err != nil {
		return invite.Relation{}, mapError(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.GetInviter(ctx, rel.InviteeID)
	}
	return rel, nil
}

func (s *Store) GetInviter(ctx context.Context, inviteeID string) (invite.Relation, error) {
	var rel invite.Relation
	err := s.db.QueryRowContext(ctx, `
		SELECT invitee_id, inviter_id, created_at
		FROM app_invites
		WHERE invitee_id = $1
	`, inviteeID).Scan(&rel.InviteeID, &rel.InviterID, &rel.CreatedAt)
	if err != nil {
		return invite.Relation{}, mapError(err)
	}
	return rel, nil
}

// --- APIKeyStore ----------------------------------------------------------------

func (s *Store) CreateAPIKey(ctx context.Context, k apikey.Key) (apikey.Key, error) {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_api_keys (id, user_id, secret_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, k.ID, k.UserID, k.SecretHash, k.CreatedAt)
	if err != nil {
		return apikey.Key{}, mapError(err)
	}
	return k, nil
}

func (s *Store) GetAPIKey(ctx context.Context, id string) (apikey.Key, error) {
	var k apikey.Key
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, secret_hash, created_at
		FROM app_api_keys
		WHERE id = $1
	`, id).Scan(&k.ID, &k.UserID, &k.SecretHash, &k.CreatedAt)
	if err != nil {
		return apikey.Key{}, mapError(err)
	}
	return k, nil
}

// --- helpers --------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (order.Order, error) {
	var (
		o           order.Order
		sessionRef  sql.NullString
		paidAt      sql.NullTime
		periodStart sql.NullTime
		periodEnd   sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.UserID, &o.Amount, &o.Currency, &o.ProductID, &o.Credits,
		&sessionRef, &o.Status, &paidAt, &o.PaidBy, &o.PaymentDetail,
		&o.Interval, &periodStart, &periodEnd, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return order.Order{}, err
	}
	if sessionRef.Valid {
		o.SessionRef = sessionRef.String
	}
	if paidAt.Valid {
		o.PaidAt = paidAt.Time.UTC()
	}
	if periodStart.Valid {
		o.PeriodStart = periodStart.Time.UTC()
	}
	if periodEnd.Valid {
		o.PeriodEnd = periodEnd.Time.UTC()
	}
	return o, nil
}

func lockOrder(ctx context.Context, tx *sqlx.Tx, orderID string) (order.Order, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM app_orders
		WHERE id = $1
		FOR UPDATE
	`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return order.Order{}, mapError(err)
	}
	return o, nil
}

func updateOrder(ctx context.Context, tx *sqlx.Tx, o order.Order) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE app_orders
		SET status = $2, paid_at = $3, paid_by = $4, payment_detail = $5,
		    session_ref = $6, billing_interval = $7, period_start = $8,
		    period_end = $9, updated_at = $10
		WHERE id = $1
	`, o.ID, o.Status, toNullTime(o.PaidAt), o.PaidBy, o.PaymentDetail,
		toNullString(o.SessionRef), o.Interval, toNullTime(o.PeriodStart),
		toNullTime(o.PeriodEnd), o.UpdatedAt)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
