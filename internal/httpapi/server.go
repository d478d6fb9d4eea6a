// Package httpapi exposes the webhook receiver, the OAuth connect flow and the
// admin API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/whooprelay/internal/dataapi"
	"github.com/agentworkforce/whooprelay/internal/ingest"
	"github.com/agentworkforce/whooprelay/internal/reconcile"
	"github.com/agentworkforce/whooprelay/internal/sink"
	"github.com/agentworkforce/whooprelay/internal/tokens"
)

const maxPendingOAuthStates = 10_000

type Ingester interface {
	Ingest(ctx context.Context, d ingest.Delivery) ingest.Outcome
	Status() ingest.Status
	DeadLetters() []ingest.DeadLetter
}

type Connector interface {
	AuthCodeURL(state string) (string, error)
	Connect(ctx context.Context, code string) (tokens.Record, error)
	Disconnect(ctx context.Context, userID int64) error
	Store() tokens.Store
}

type Reconciler interface {
	SweepResource(ctx context.Context, resource dataapi.Resource) (reconcile.SweepResult, error)
	Status() map[dataapi.Resource]reconcile.SweepResult
	Resources() []dataapi.Resource
	ForgetUser(ctx context.Context, userID int64) error
}

type Deps struct {
	Ingest     Ingester
	Tokens     Connector
	Reconciler Reconciler
	Hub        *sink.Hub
}

type ServerConfig struct {
	AdminJWTSecret string
	AdminAudience  string
	WebhookPath    string
	MaxBodyBytes   int64
	OAuthStateTTL  time.Duration
	// RateLimitMax caps admin requests per token subject per window; 0
	// disables the limit.
	RateLimitMax    int
	RateLimitWindow time.Duration
	Clock           clockwork.Clock
	Logger          logrus.FieldLogger
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	clock       clockwork.Clock
	log         logrus.FieldLogger
	metrics     http.Handler
	states      *expirable.LRU[string, struct{}]
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.AdminAudience == "" {
		cfg.AdminAudience = "whooprelay"
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = "/v1/webhooks/whoop"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.OAuthStateTTL <= 0 {
		cfg.OAuthStateTTL = 10 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:        deps,
		cfg:         cfg,
		clock:       clock,
		log:         logger.WithField("component", "httpapi"),
		metrics:     promhttp.Handler(),
		states:      expirable.NewLRU[string, struct{}](maxPendingOAuthStates, nil, cfg.OAuthStateTTL),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == s.cfg.WebhookPath && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
		return
	case r.URL.Path == "/v1/oauth/connect" && r.Method == http.MethodGet:
		s.handleOAuthConnect(w, r)
		return
	case r.URL.Path == "/v1/oauth/callback" && r.Method == http.MethodGet:
		s.handleOAuthCallback(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "status"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "dead-letters" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "dead_letters"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "admin" && parts[2] == "reconcile" && r.Method == http.MethodPost:
		requiredScope = scopeAdminWrite
		route = "reconcile"
	case len(parts) == 4 && parts[0] == "v1" && parts[1] == "users" && parts[3] == "connection" && r.Method == http.MethodDelete:
		requiredScope = scopeAdminWrite
		route = "disconnect"
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "updates" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = scopeAdminRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := ensureCorrelationID(w, r)
	claims, authErr := authorizeBearer(bearerHeader(r, route == "stream"), []byte(s.cfg.AdminJWTSecret), s.cfg.AdminAudience, requiredScope, s.clock.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, s.clock.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "status":
		s.handleAdminStatus(w, r, correlationID)
	case "dead_letters":
		s.handleAdminDeadLetters(w, r, correlationID)
	case "reconcile":
		s.handleAdminReconcile(w, r, correlationID)
	case "disconnect":
		s.handleDisconnect(w, r, parts[2], correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	}
}

// handleWebhook acknowledges every authentic delivery with 2xx, whatever
// happens downstream, so the provider never retries for our own failures.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if s.deps.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ingestion not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	outcome := s.deps.Ingest.Ingest(r.Context(), ingest.Delivery{
		Timestamp: r.Header.Get(ingest.TimestampHeader),
		Signature: r.Header.Get(ingest.SignatureHeader),
		Body:      body,
	})
	if outcome == ingest.OutcomeRejected {
		writeError(w, http.StatusForbidden, "forbidden", "invalid webhook signature", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(outcome), "correlationId": correlationID})
}

func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth not configured", correlationID)
		return
	}
	state := uuid.NewString()
	target, err := s.deps.Tokens.AuthCodeURL(state)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		return
	}
	s.states.Add(state, struct{}{})
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth not configured", correlationID)
		return
	}
	query := r.URL.Query()
	state := strings.TrimSpace(query.Get("state"))
	if state == "" || !s.states.Remove(state) {
		writeError(w, http.StatusBadRequest, "invalid_state", "unknown or expired oauth state", correlationID)
		return
	}
	if providerErr := strings.TrimSpace(query.Get("error")); providerErr != "" {
		writeError(w, http.StatusBadRequest, "authorization_denied", providerErr, correlationID)
		return
	}
	code := strings.TrimSpace(query.Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing code", correlationID)
		return
	}
	rec, err := s.deps.Tokens.Connect(r.Context(), code)
	if err != nil {
		s.log.WithError(err).WithField("correlation_id", correlationID).Warn("oauth connect failed")
		if errors.Is(err, tokens.ErrInvalidGrant) {
			writeError(w, http.StatusBadRequest, "invalid_grant", "authorization code rejected", correlationID)
			return
		}
		writeError(w, http.StatusBadGateway, "upstream_error", "could not complete authorization", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "connected",
		"userId":    rec.UserID,
		"scopes":    rec.Scopes,
		"expiresAt": rec.ExpiresAt,
	})
}

type userTokenSummary struct {
	UserID    int64        `json:"userId"`
	State     tokens.State `json:"state"`
	ExpiresAt time.Time    `json:"expiresAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
	LastError string       `json:"lastError,omitempty"`
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	resp := map[string]any{"correlationId": correlationID}
	if s.deps.Ingest != nil {
		resp["ingest"] = s.deps.Ingest.Status()
	}
	if s.deps.Reconciler != nil {
		sweeps := map[string]reconcile.SweepResult{}
		for resource, result := range s.deps.Reconciler.Status() {
			sweeps[resource.String()] = result
		}
		resp["reconcile"] = sweeps
	}
	if s.deps.Tokens != nil {
		records, err := s.deps.Tokens.Store().List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		states := map[tokens.State]int{}
		users := make([]userTokenSummary, 0, len(records))
		for _, rec := range records {
			states[rec.State]++
			users = append(users, userTokenSummary{
				UserID:    rec.UserID,
				State:     rec.State,
				ExpiresAt: rec.ExpiresAt,
				UpdatedAt: rec.UpdatedAt,
				LastError: rec.LastError,
			})
		}
		resp["tokens"] = map[string]any{"states": states, "users": users}
	}
	if s.deps.Hub != nil {
		resp["streamSubscribers"] = s.deps.Hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAdminDeadLetters(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if s.deps.Ingest == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ingestion not configured", correlationID)
		return
	}
	items := s.deps.Ingest.DeadLetters()
	writeJSON(w, http.StatusOK, map[string]any{
		"items":         items,
		"count":         len(items),
		"correlationId": correlationID,
	})
}

func (s *Server) handleAdminReconcile(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "reconciliation not configured", correlationID)
		return
	}
	resources := s.deps.Reconciler.Resources()
	if raw := strings.TrimSpace(r.URL.Query().Get("resource")); raw != "" {
		resource, err := dataapi.ParseResource(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		resources = []dataapi.Resource{resource}
	}
	results := make([]reconcile.SweepResult, 0, len(resources))
	for _, resource := range resources {
		result, err := s.deps.Reconciler.SweepResource(r.Context(), resource)
		switch {
		case errors.Is(err, reconcile.ErrSweepInProgress):
			writeError(w, http.StatusConflict, "sweep_in_progress", err.Error(), correlationID)
			return
		case err != nil && result.Resource == "":
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		results = append(results, result)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "correlationId": correlationID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, rawUserID, correlationID string) {
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid user id", correlationID)
		return
	}
	if s.deps.Tokens == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "oauth not configured", correlationID)
		return
	}
	if err := s.deps.Tokens.Disconnect(r.Context(), userID); err != nil {
		if errors.Is(err, tokens.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if s.deps.Reconciler != nil {
		if err := s.deps.Reconciler.ForgetUser(r.Context(), userID); err != nil {
			s.log.WithError(err).WithField("user_id", userID).Warn("failed to drop reconciliation cursors")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked", "userId": userID, "correlationId": correlationID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "update stream not configured", correlationID)
		return
	}
	s.deps.Hub.ServeHTTP(w, r)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

// ensureCorrelationID returns the caller's correlation id, minting one when
// absent, and echoes it on the response.
func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(getCorrelationID(r))
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
}

// bearerHeader reads the Authorization header; websocket clients that cannot
// set headers may pass ?access_token= instead.
func bearerHeader(r *http.Request, allowQuery bool) string {
	if h := r.Header.Get("Authorization"); h != "" || !allowQuery {
		return h
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
