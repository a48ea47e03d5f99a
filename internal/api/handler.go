package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/outbox"
	"github.com/opensource-finance/kestrel/internal/registry"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	registry   *registry.Registry
	evaluator  *engine.Evaluator
	dispatcher *outbox.Dispatcher
	bus        domain.EventBus
	store      domain.RulesetStore
	velocity   *velocity.Service
	metrics    *metrics.Metrics
	version    string
}

// NewHandler creates a new API handler.
func NewHandler(reg *registry.Registry, eval *engine.Evaluator, dispatcher *outbox.Dispatcher, bus domain.EventBus, store domain.RulesetStore, vel *velocity.Service, m *metrics.Metrics, version string) *Handler {
	return &Handler{
		registry:   reg,
		evaluator:  eval,
		dispatcher: dispatcher,
		bus:        bus,
		store:      store,
		velocity:   vel,
		metrics:    m,
		version:    version,
	}
}

// AuthResponse is the slim envelope returned on the AUTH path. The full
// decision travels through the outbox instead; the issuer link only needs
// the verdict.
type AuthResponse struct {
	Decision         string  `json:"decision"`
	EngineMode       string  `json:"engine_mode"`
	EngineErrorCode  string  `json:"engine_error_code,omitempty"`
	RulesetKey       string  `json:"ruleset_key"`
	RulesetVersion   int64   `json:"ruleset_version,omitempty"`
	DecisionID       string  `json:"decision_id"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

func slimAuthResponse(dec *domain.Decision) AuthResponse {
	return AuthResponse{
		Decision:         dec.Decision,
		EngineMode:       dec.EngineMode,
		EngineErrorCode:  dec.EngineErrorCode,
		RulesetKey:       dec.RulesetKey,
		RulesetVersion:   dec.RulesetVersion,
		DecisionID:       dec.DecisionID,
		ProcessingTimeMs: dec.ProcessingTimeMs,
	}
}

// EvaluateAuth handles POST /v1/evaluate/auth.
//
// AUTH never returns a 5xx for engine faults: a missing ruleset or an
// evaluation error becomes a FAIL_OPEN APPROVE in the response body. The
// only 503 is a latched-unavailable outbox, and even then the decision in
// the body is still FAIL_OPEN APPROVE.
func (h *Handler) EvaluateAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	replay := r.URL.Query().Get("replay") == "true"
	key := resolveRulesetKey(tx, domain.DefaultAuthRulesetKey)

	lookupStart := time.Now()
	rs := h.registry.GetWithFallback(tx.CountryCode, key)
	lookupMs := float64(time.Since(lookupStart).Nanoseconds()) / 1e6

	var dec *domain.Decision
	if rs == nil {
		dec = engine.NewErrorDecision(tx, domain.EvalAuth, key, domain.ErrCodeRulesetNotLoaded,
			"no ruleset registered for "+key)
	} else if replay {
		dec = h.evaluator.EvaluateReplay(ctx, tx, rs)
	} else {
		dec = h.evaluator.Evaluate(ctx, tx, rs)
	}
	if dec.TimingBreakdown == nil {
		dec.TimingBreakdown = &domain.TimingBreakdown{}
	}
	dec.TimingBreakdown.RulesetLookupTimeMs = lookupMs

	// Replays are re-examinations of past traffic; they must not emit
	// duplicate decision events.
	if !replay {
		enqueueStart := time.Now()
		h.dispatcher.EnqueueAuth(tx, dec)
		dec.TimingBreakdown.OutboxEnqueueTimeMs = float64(time.Since(enqueueStart).Nanoseconds()) / 1e6
	}

	resp := slimAuthResponse(dec)
	if !replay && h.dispatcher.Unavailable() {
		// A decision that cannot be durably recorded must not be acted on:
		// the 503 body carries a forced fail-open APPROVE regardless of
		// what the rules evaluated to.
		resp.Decision = domain.DecisionApprove
		resp.EngineMode = domain.ModeFailOpen
		resp.EngineErrorCode = domain.ErrCodeOutboxUnavailable
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// EvaluateMonitoring handles POST /v1/evaluate/monitoring.
//
// The request must carry the upstream decision; anything other than
// APPROVE or DECLINE (case-insensitive) is a 400. Everything past that
// point degrades instead of erroring.
func (h *Handler) EvaluateMonitoring(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tx, ok := decodeTransaction(w, r)
	if !ok {
		return
	}

	if domain.NormalizeDecision(tx.Decision) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error_code": "INVALID_REQUEST",
			"error":      "decision must be APPROVE or DECLINE",
		})
		return
	}

	replay := r.URL.Query().Get("replay") == "true"
	key := resolveRulesetKey(tx, domain.DefaultMonitoringRulesetKey)

	lookupStart := time.Now()
	rs := h.registry.GetWithFallback(tx.CountryCode, key)
	lookupMs := float64(time.Since(lookupStart).Nanoseconds()) / 1e6

	var dec *domain.Decision
	if rs == nil {
		dec = engine.NewErrorDecision(tx, domain.EvalMonitoring, key, domain.ErrCodeRulesetNotLoaded,
			"no ruleset registered for "+key)
	} else if replay {
		dec = h.evaluator.EvaluateReplay(ctx, tx, rs)
	} else {
		dec = h.evaluator.Evaluate(ctx, tx, rs)
	}
	if dec.TimingBreakdown == nil {
		dec.TimingBreakdown = &domain.TimingBreakdown{}
	}
	dec.TimingBreakdown.RulesetLookupTimeMs = lookupMs
	dec.TransactionContext = tx

	if !replay {
		h.publishMonitoring(tx, dec)
	}

	writeJSON(w, http.StatusOK, dec)
}

// publishMonitoring sends the decision event off the request path.
// MONITORING bypasses the outbox: a lost event costs analytics data, not
// money, so a failed publish is logged and counted but never a 5xx.
func (h *Handler) publishMonitoring(tx *domain.Transaction, dec *domain.Decision) {
	payload, err := json.Marshal(dec)
	if err != nil {
		slog.Error("failed to serialize monitoring decision",
			"transaction_id", tx.TransactionID,
			"error", err,
		)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := h.bus.Publish(ctx, domain.DecisionsTopic, tx.TransactionID, payload); err != nil {
			if h.metrics != nil {
				h.metrics.IncrementPublishFailure()
			}
			slog.Warn("failed to publish monitoring decision",
				"transaction_id", tx.TransactionID,
				"decision_id", dec.DecisionID,
				"error_code", domain.ErrCodeEventPublishFailed,
				"error", err,
			)
		}
	}()
}

// LoadRulesetRequest identifies one ruleset version.
type LoadRulesetRequest struct {
	Country string `json:"country"`
	Key     string `json:"key"`
	Version int64  `json:"version"`
}

// LoadRuleset handles POST /rulesets/load.
func (h *Handler) LoadRuleset(w http.ResponseWriter, r *http.Request) {
	var req LoadRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.Key == "" || req.Version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key and a positive version are required"})
		return
	}

	if err := h.registry.LoadAndRegister(r.Context(), req.Country, req.Key, req.Version); err != nil {
		if errors.Is(err, registry.ErrNotFound) || errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "LOADED",
		"country": req.Country,
		"key":     req.Key,
		"version": req.Version,
	})
}

// BulkLoadRequest lists ruleset versions to install.
type BulkLoadRequest struct {
	Entries []registry.BulkLoadEntry `json:"entries"`
}

// BulkLoad handles POST /rulesets/bulk-load.
func (h *Handler) BulkLoad(w http.ResponseWriter, r *http.Request) {
	var req BulkLoadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if len(req.Entries) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "entries are required"})
		return
	}

	loaded := h.registry.BulkLoad(r.Context(), req.Entries)
	writeJSON(w, http.StatusOK, map[string]int{
		"requested": len(req.Entries),
		"loaded":    loaded,
	})
}

// HotSwap handles POST /rulesets/hotswap.
func (h *Handler) HotSwap(w http.ResponseWriter, r *http.Request) {
	var req LoadRulesetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON request body"})
		return
	}
	if req.Key == "" || req.Version <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "key and a positive version are required"})
		return
	}

	result := h.registry.HotSwap(r.Context(), req.Country, req.Key, req.Version)

	status := http.StatusOK
	switch result.Status {
	case registry.SwapNotFound:
		status = http.StatusNotFound
	case registry.SwapStale:
		status = http.StatusConflict
	case registry.SwapLoadFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, result)
}

// RegistryStatus handles GET /rulesets/registry/status.
func (h *Handler) RegistryStatus(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"rulesets": infos,
	})
}

// CountryRulesets handles GET /rulesets/registry/{country}.
func (h *Handler) CountryRulesets(w http.ResponseWriter, r *http.Request) {
	country := chi.URLParam(r, "country")
	infos := h.registry.SnapshotCountry(country)
	writeJSON(w, http.StatusOK, map[string]any{
		"country":  country,
		"count":    len(infos),
		"rulesets": infos,
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.velocity != nil {
		if err := h.velocity.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func decodeTransaction(w http.ResponseWriter, r *http.Request) (*domain.Transaction, bool) {
	var tx domain.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error_code": "INVALID_REQUEST",
			"error":      "invalid JSON request body",
		})
		return nil, false
	}
	if tx.TransactionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error_code": "INVALID_REQUEST",
			"error":      "transaction_id is required",
		})
		return nil, false
	}
	return &tx, true
}

// resolveRulesetKey picks the evaluation-type default unless the
// transaction names a specific key.
func resolveRulesetKey(tx *domain.Transaction, fallback string) string {
	if tx.RulesetKey != "" {
		return tx.RulesetKey
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
