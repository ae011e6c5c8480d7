package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

// DefaultJWTSecret is used when no secret is configured. It is only fit for
// local development.
const DefaultJWTSecret = "dev-secret"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *slog.Logger
	Now             func() time.Time
}

type Server struct {
	engine      *hookdb.Engine
	cfg         ServerConfig
	schemas     schemaSet
	rateLimiter *rateLimiter
	logger      *slog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
	sweptAt time.Time
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(engine *hookdb.Engine) *Server {
	return NewServerWithConfig(engine, ServerConfig{})
}

func NewServerWithConfig(engine *hookdb.Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = DefaultJWTSecret
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	schemas, err := compileRequestSchemas()
	if err != nil {
		panic("invariant violation: request schemas do not compile: " + err.Error())
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
		engine:      engine,
		cfg:         cfg,
		schemas:     schemas,
		rateLimiter: limiter,
		logger:      cfg.Logger.With("component", "httpapi"),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": s.engine.QueueDepth()})
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "integrations" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[1])
		return
	case len(parts) == 3 && parts[0] == "v1" && parts[1] == "service_integrations" && r.Method == http.MethodPost:
		s.handleWebhook(w, r, parts[2])
		return
	}

	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "organizations" || parts[3] != "integrations" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	orgKey := parts[2]

	var route string
	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		route = "list"
	case len(parts) == 5 && parts[4] == "create" && r.Method == http.MethodPost:
		route = "create"
	case len(parts) == 6 && parts[5] == "transition" && r.Method == http.MethodPost:
		route = "transition"
	case len(parts) == 7 && parts[5] == "transition" && r.Method == http.MethodPost:
		route = "transition_field"
	case len(parts) == 6 && parts[5] == "reset" && r.Method == http.MethodPost:
		route = "reset"
	case len(parts) == 6 && parts[5] == "backfill" && r.Method == http.MethodPost:
		route = "backfill"
	case len(parts) == 7 && parts[5] == "backfill" && parts[6] == "reset" && r.Method == http.MethodPost:
		route = "backfill_reset"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	now := s.cfg.Now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, orgKey, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		key := orgKey + "|" + claims.Subject
		if !s.rateLimiter.allow(key, now) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	org, err := s.engine.Store().OrganizationByKey(r.Context(), orgKey)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}

	switch route {
	case "list":
		s.handleList(w, r, org, correlationID)
	case "create":
		s.handleCreate(w, r, org, correlationID)
	case "transition":
		s.handleTransition(w, r, org, parts[4], "", correlationID)
	case "transition_field":
		s.handleTransition(w, r, org, parts[4], parts[6], correlationID)
	case "reset":
		s.handleReset(w, r, org, parts[4], hookdb.CreateMachine, correlationID)
	case "backfill":
		s.handleBackfill(w, r, org, parts[4], correlationID)
	case "backfill_reset":
		s.handleReset(w, r, org, parts[4], hookdb.BackfillMachine, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

// handleWebhook serves the unauthenticated ingress. The engine chooses the
// status; a returned error or a panic becomes a 500 while the webhook log
// keeps the unhandled sentinel.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request, opaqueID string) {
	correlationID := getCorrelationID(r)
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("webhook_panic", "opaque_id", opaqueID, "panic", rec, "stack", string(debug.Stack()))
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
		}
	}()

	resp, err := s.engine.HandleWebhook(r.Context(), opaqueID, hookdb.WebhookRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header.Clone(),
		Body:       body,
		ReceivedAt: s.cfg.Now().UTC(),
	})
	if err == nil && resp.Status == hookdb.WebhookStatusUnhandled {
		err = errors.New("verifier chose no response status")
	}
	if err != nil {
		s.logger.Error("webhook_failed", "opaque_id", opaqueID, "error", err)
		if errors.Is(err, hookdb.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
		return
	}
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, correlationID string) {
	all, err := s.engine.Store().ListIntegrations(r.Context(), org.ID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	items := make([]*hookdb.ServiceIntegration, 0, len(all))
	for _, sint := range all {
		if !sint.Deleted() {
			items = append(items, sint)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, correlationID string) {
	var req struct {
		ServiceName string `json:"service_name"`
	}
	if !s.decodeJSONBody(w, r, "create.json", correlationID, &req) {
		return
	}
	step, sint, err := s.engine.CreateIntegration(r.Context(), org, strings.TrimSpace(req.ServiceName))
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if sint == nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":          "unsupported_service",
			"message":       step.View().Output,
			"correlationId": correlationID,
			"state_machine": step.View(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_integration": sint,
		"state_machine":       step.View(),
	})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, opaqueID, field, correlationID string) {
	var req struct {
		Field string `json:"field"`
		Value string `json:"value"`
	}
	schema := "transition.json"
	if field != "" {
		schema = "transition_value.json"
	}
	if !s.decodeJSONBody(w, r, schema, correlationID, &req) {
		return
	}
	if field != "" {
		req.Field = field
	}
	sint, ok := s.lookupIntegration(w, r, org, opaqueID, correlationID)
	if !ok {
		return
	}
	step, err := s.engine.ProcessStateChange(r.Context(), sint, req.Field, req.Value)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, step.View())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, opaqueID string, m hookdb.Machine, correlationID string) {
	sint, ok := s.lookupIntegration(w, r, org, opaqueID, correlationID)
	if !ok {
		return
	}
	var (
		step hookdb.Step
		err  error
	)
	if m == hookdb.BackfillMachine {
		step, err = s.engine.ResetBackfill(r.Context(), sint)
	} else {
		step, err = s.engine.ResetCreate(r.Context(), sint)
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, step.View())
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, opaqueID, correlationID string) {
	var req struct {
		Incremental bool `json:"incremental"`
	}
	if !s.decodeJSONBody(w, r, "backfill.json", correlationID, &req) {
		return
	}
	sint, ok := s.lookupIntegration(w, r, org, opaqueID, correlationID)
	if !ok {
		return
	}
	step, err := s.engine.StartBackfill(r.Context(), sint, req.Incremental)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	status := http.StatusOK
	if step.Complete() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, step.View())
}

// lookupIntegration resolves a live integration of org. Integrations of
// other organizations are reported as missing.
func (s *Server) lookupIntegration(w http.ResponseWriter, r *http.Request, org *hookdb.Organization, opaqueID, correlationID string) (*hookdb.ServiceIntegration, bool) {
	sint, err := s.engine.Store().IntegrationByOpaqueID(r.Context(), opaqueID)
	if err == nil && (sint.OrganizationID != org.ID || sint.Deleted()) {
		err = hookdb.ErrNotFound
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return nil, false
	}
	return sint, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	var cfgErr *hookdb.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		body := map[string]any{
			"code":          "configuration_error",
			"message":       cfgErr.Message,
			"correlationId": correlationID,
		}
		if cfgErr.Step != nil {
			body["state_machine"] = cfgErr.Step.View()
		}
		writeJSON(w, http.StatusBadRequest, body)
	case errors.Is(err, hookdb.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, hookdb.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, hookdb.ErrPrecondition):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", err.Error(), correlationID)
	case errors.Is(err, hookdb.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
	default:
		s.logger.Error("request_failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
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

// decodeJSONBody validates the body against the named schema before
// decoding it into dst. An empty body is treated as {}.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, schema, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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
	r.sweepLocked(now)

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

// sweepLocked drops expired buckets at most once per window, so callers that
// stop sending do not keep their keys forever.
func (r *rateLimiter) sweepLocked(now time.Time) {
	if now.Sub(r.sweptAt) < r.window {
		return
	}
	r.sweptAt = now
	for key, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, key)
		}
	}
}
