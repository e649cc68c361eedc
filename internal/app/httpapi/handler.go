// Package httpapi exposes the credit ledger and order lifecycle over REST.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	app "github.com/shopworks/creditcore/internal/app"
	"github.com/shopworks/creditcore/internal/app/domain/ledger"
	"github.com/shopworks/creditcore/internal/app/domain/order"
	"github.com/shopworks/creditcore/internal/app/services/settlement"
	"github.com/shopworks/creditcore/internal/app/storage"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the core REST API. Authentication,
// metrics and auditing are layered on by Wrap.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/payment", h.paymentWebhook)
	mux.HandleFunc("/orders", h.orders)
	mux.HandleFunc("/orders/", h.orderResources)
	mux.HandleFunc("/users/", h.userResources)
	mux.HandleFunc("/credits/consume", h.consumeCredits)
	mux.HandleFunc("/credits/adjust", h.adjustCredits)
	mux.HandleFunc("/invites", h.invites)
	return mux
}

// paymentWebhook receives signed provider events. The response code tells
// the provider whether to redeliver: 2xx never, 4xx never, 503 please retry.
func (h *handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	defer r.Body.Close()

	res, err := h.app.Settlement.Settle(r.Context(), settlement.Event{
		Body:      body,
		Signature: r.Header.Get(settlement.SignatureHeader),
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrBadSignature):
			writeError(w, http.StatusUnauthorized, err)
		case errors.Is(err, settlement.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, err)
		case errors.Is(err, settlement.ErrUnknownSession):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusServiceUnavailable, err)
		}
		return
	}

	status := "settled"
	if res.Duplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, struct {
		Status  string `json:"status"`
		OrderID string `json:"order_id"`
		Granted int64  `json:"granted"`
		Reward  int64  `json:"reward"`
	}{status, res.Order.ID, res.Granted, res.Reward})
}

func (h *handler) orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			UserID      string `json:"user_id"`
			Amount      int64  `json:"amount"`
			Currency    string `json:"currency"`
			ProductID   string `json:"product_id"`
			Credits     int64  `json:"credits"`
			Interval    string `json:"interval"`
			PeriodStart string `json:"period_start"`
			PeriodEnd   string `json:"period_end"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !callerMayAct(r, payload.UserID) {
			w.WriteHeader(http.StatusForbidden)
			return
		}

		o := order.Order{
			UserID:    payload.UserID,
			Amount:    payload.Amount,
			Currency:  payload.Currency,
			ProductID: payload.ProductID,
			Credits:   payload.Credits,
			Interval:  payload.Interval,
		}
		var err error
		if o.PeriodStart, err = parseTime(payload.PeriodStart); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("period_start must be RFC3339 timestamp"))
			return
		}
		if o.PeriodEnd, err = parseTime(payload.PeriodEnd); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("period_end must be RFC3339 timestamp"))
			return
		}

		created, err := h.app.Orders.Create(r.Context(), o)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			userID = callerUser(r)
		}
		if !callerMayAct(r, userID) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		list, err := h.app.Orders.List(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, list)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) orderResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/orders"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	orderID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		o, err := h.app.Orders.Get(r.Context(), orderID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		if !callerMayAct(r, o.UserID) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		writeJSON(w, http.StatusOK, o)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case "session":
		var payload struct {
			SessionRef string `json:"session_ref"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		h.authorizedTransition(w, r, orderID, func() (order.Order, error) {
			return h.app.Orders.AttachSession(r.Context(), orderID, payload.SessionRef)
		})

	case "activate":
		h.authorizedTransition(w, r, orderID, func() (order.Order, error) {
			return h.app.Orders.Activate(r.Context(), orderID, callerUser(r))
		})

	case "cancel":
		h.authorizedTransition(w, r, orderID, func() (order.Order, error) {
			return h.app.Orders.Cancel(r.Context(), orderID)
		})

	case "refund":
		if callerRole(r) != roleAdmin {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		o, err := h.app.Orders.Refund(r.Context(), orderID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, o)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// authorizedTransition checks the caller owns the order (or is admin) before
// applying the lifecycle change.
func (h *handler) authorizedTransition(w http.ResponseWriter, r *http.Request, orderID string, fn func() (order.Order, error)) {
	current, err := h.app.Orders.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !callerMayAct(r, current.UserID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	o, err := fn()
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *handler) userResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/users"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[0]

	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !callerMayAct(r, userID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch parts[1] {
	case "balance":
		balance, err := h.app.Credits.Balance(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			UserID  string `json:"user_id"`
			Balance int64  `json:"balance"`
		}{userID, balance})

	case "ledger":
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("limit must be a non-negative integer"))
				return
			}
			limit = parsed
		}
		entries, err := h.app.Credits.History(r.Context(), userID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// consumeCredits is the metered API-usage endpoint. The user is resolved
// from the presented API key by the auth middleware.
func (h *handler) consumeCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	userID := callerUser(r)
	if userID == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload struct {
		Amount int64  `json:"amount"`
		Kind   string `json:"kind"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	entry, remaining, err := h.app.Credits.Decrease(r.Context(), userID, payload.Amount, ledger.Kind(payload.Kind))
	if err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			_ = json.NewEncoder(w).Encode(struct {
				Error     string `json:"error"`
				Remaining int64  `json:"remaining"`
			}{err.Error(), remaining})
			return
		}
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		EntryID   string `json:"entry_id"`
		Remaining int64  `json:"remaining"`
	}{entry.ID, remaining})
}

// adjustCredits writes a manual correction entry, admin only.
func (h *handler) adjustCredits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if callerRole(r) != roleAdmin {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload struct {
		UserID    string `json:"user_id"`
		Amount    int64  `json:"amount"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var entry ledger.Entry
	var err error
	switch {
	case payload.Amount > 0:
		var expiresAt *time.Time
		if payload.ExpiresAt != "" {
			parsed, perr := time.Parse(time.RFC3339, payload.ExpiresAt)
			if perr != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("expires_at must be RFC3339 timestamp"))
				return
			}
			expiresAt = &parsed
		}
		entry, err = h.app.Credits.Increase(r.Context(), payload.UserID, payload.Amount, ledger.KindManualAdjustment, expiresAt)
	case payload.Amount < 0:
		entry, _, err = h.app.Credits.Decrease(r.Context(), payload.UserID, -payload.Amount, ledger.KindManualAdjustment)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("amount must not be zero"))
		return
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *handler) invites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var payload struct {
		InviteeID string `json:"invitee_id"`
		InviterID string `json:"inviter_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.InviteeID) == "" || strings.TrimSpace(payload.InviterID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invitee_id and inviter_id are required"))
		return
	}
	if payload.InviteeID == payload.InviterID {
		writeError(w, http.StatusBadRequest, fmt.Errorf("users cannot invite themselves"))
		return
	}
	if !callerMayAct(r, payload.InviteeID) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	rel, err := h.app.Rewards.Record(r.Context(), payload.InviteeID, payload.InviterID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, storage.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		// Unclassified errors are store or driver faults; the caller may retry.
		return http.StatusServiceUnavailable
	}
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(raw))
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
