package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/shopworks/creditcore/internal/app/domain/apikey"
	"github.com/shopworks/creditcore/internal/app/metrics"
	"github.com/shopworks/creditcore/internal/app/storage"
	"github.com/shopworks/creditcore/pkg/logger"
)

type ctxKey string

const (
	ctxUserKey  ctxKey = "user"
	ctxRoleKey  ctxKey = "role"
	ctxAuditKey ctxKey = "audit"
)

// auditIdentity is seeded into the request context before routing and
// filled by the auth layer, which otherwise only attaches identity to a
// derived request the outer audit wrapper never sees.
type auditIdentity struct {
	user string
	role string
}

func setAuditIdentity(r *http.Request, user, role string) {
	if ident, ok := r.Context().Value(ctxAuditKey).(*auditIdentity); ok {
		ident.user = user
		ident.role = role
	}
}

const roleAdmin = "admin"

func callerUser(r *http.Request) string {
	if v, ok := r.Context().Value(ctxUserKey).(string); ok {
		return v
	}
	return ""
}

func callerRole(r *http.Request) string {
	if v, ok := r.Context().Value(ctxRoleKey).(string); ok {
		return v
	}
	return ""
}

// callerMayAct reports whether the authenticated caller may act on the
// given user's resources.
func callerMayAct(r *http.Request, userID string) bool {
	if callerRole(r) == roleAdmin {
		return true
	}
	caller := callerUser(r)
	return caller != "" && caller == userID
}

// Claims is the JWT payload issued by the identity service.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Options configures the middleware stack layered over the API handler.
type Options struct {
	// JWTSecret verifies bearer tokens (HMAC).
	JWTSecret []byte
	// APIKeys resolves keys presented on /credits/consume and backs /apikeys.
	APIKeys storage.APIKeyStore
	// RequestsPerSecond / Burst bound per-caller request rates; zero disables.
	RequestsPerSecond float64
	Burst             int
	// AuditPath, when set, appends audit records as JSONL to this file.
	AuditPath string
	Log       *logger.Logger
}

// Wrap layers authentication, rate limiting, auditing, metrics and the
// operational endpoints (/healthz, /metrics, /audit, /apikeys) over the API.
func Wrap(api http.Handler, opts Options) (http.Handler, error) {
	log := opts.Log
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	var sink auditSink
	if opts.AuditPath != "" {
		fileSink, err := newFileAuditSink(opts.AuditPath)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		sink = fileSink
	}
	audit := newAuditLog(0, sink)

	m := &middleware{
		api:     api,
		secret:  opts.JWTSecret,
		apiKeys: opts.APIKeys,
		audit:   audit,
		log:     log,
	}
	if opts.RequestsPerSecond > 0 {
		m.limiter = newRateLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}

	var handler http.Handler = http.HandlerFunc(m.route)
	handler = m.recordAudit(handler)
	handler = metrics.InstrumentHandler(handler)
	return handler, nil
}

type middleware struct {
	api     http.Handler
	secret  []byte
	apiKeys storage.APIKeyStore
	limiter *rateLimiter
	audit   *auditLog
	log     *logger.Logger
}

func (m *middleware) route(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics":
		metrics.Handler().ServeHTTP(w, r)
		return
	}

	if m.limiter != nil && !m.limiter.allow(limitKey(r)) {
		writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
		return
	}

	switch {
	case strings.HasPrefix(r.URL.Path, "/webhooks/"):
		// Signature-authenticated; no bearer token involved.
		m.api.ServeHTTP(w, r)

	case r.URL.Path == "/credits/consume":
		m.withAPIKey(w, r, m.api)

	case r.URL.Path == "/apikeys":
		m.withJWT(w, r, http.HandlerFunc(m.issueAPIKey))

	case r.URL.Path == "/audit":
		m.withJWT(w, r, http.HandlerFunc(m.listAudit))

	default:
		m.withJWT(w, r, m.api)
	}
}

// withJWT authenticates a bearer token and forwards with identity in context.
func (m *middleware) withJWT(w http.ResponseWriter, r *http.Request, next http.Handler) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing authorization header"))
		return
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid authorization header format"))
		return
	}

	claims, err := m.validateToken(parts[1])
	if err != nil {
		m.log.WithError(err).Warn("token validation failed")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid token"))
		return
	}

	setAuditIdentity(r, claims.UserID, claims.Role)
	ctx := context.WithValue(r.Context(), ctxUserKey, claims.UserID)
	if claims.Role != "" {
		ctx = context.WithValue(ctx, ctxRoleKey, claims.Role)
	}
	next.ServeHTTP(w, r.WithContext(ctx))
}

func (m *middleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.New("invalid claims")
	}
	return claims, nil
}

// withAPIKey authenticates an "id.secret" key from the X-API-Key header and
// forwards with the key's user in context.
func (m *middleware) withAPIKey(w http.ResponseWriter, r *http.Request, next http.Handler) {
	raw := r.Header.Get("X-API-Key")
	if raw == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("missing api key"))
		return
	}
	id, secret, found := strings.Cut(raw, ".")
	if !found || id == "" || secret == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("malformed api key"))
		return
	}

	key, err := m.apiKeys.GetAPIKey(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unknown api key"))
		return
	}
	if bcrypt.CompareHashAndPassword(key.SecretHash, []byte(secret)) != nil {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid api key"))
		return
	}

	setAuditIdentity(r, key.UserID, "")
	ctx := context.WithValue(r.Context(), ctxUserKey, key.UserID)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// issueAPIKey mints a key for a user, admin only. The secret is returned
// once and only its bcrypt hash is stored.
func (m *middleware) issueAPIKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if callerRole(r) != roleAdmin {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	var payload struct {
		UserID string `json:"user_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.UserID) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id is required"))
		return
	}

	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	secret := hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	key, err := m.apiKeys.CreateAPIKey(r.Context(), apikey.Key{
		UserID:     payload.UserID,
		SecretHash: hash,
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	m.log.WithField("key_id", key.ID).
		WithField("user_id", key.UserID).
		Info("api key issued")
	writeJSON(w, http.StatusCreated, struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
		Key    string `json:"key"`
	}{key.ID, key.UserID, key.ID + "." + secret})
}

func (m *middleware) listAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if callerRole(r) != roleAdmin {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	writeJSON(w, http.StatusOK, m.audit.listLimit(limit))
}

// recordAudit captures one audit entry per request.
func (m *middleware) recordAudit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		ident := &auditIdentity{}
		r = r.WithContext(context.WithValue(r.Context(), ctxAuditKey, ident))
		rec := &auditRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.audit.add(auditEntry{
			Time:       time.Now().UTC(),
			User:       ident.user,
			Role:       ident.role,
			Path:       r.URL.Path,
			Method:     r.Method,
			Status:     rec.status,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
		})
	})
}

type auditRecorder struct {
	http.ResponseWriter
	status int
}

func (r *auditRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func limitKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		if id, _, found := strings.Cut(key, "."); found {
			return "key:" + id
		}
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return "ip:" + host
}

// rateLimiter keeps one token bucket per caller key.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newRateLimiter(r rate.Limit, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &rateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     r,
		burst:    burst,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	limiter, ok := rl.limiters[key]
	if !ok {
		// Bound the map; a flood of distinct callers must not grow it forever.
		if len(rl.limiters) > 10000 {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	rl.mu.Unlock()
	return limiter.Allow()
}
