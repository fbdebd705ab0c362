package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelhq/kestrel/internal/blocklist"
	"github.com/kestrelhq/kestrel/internal/domain"
	"github.com/kestrelhq/kestrel/internal/policy"
	"github.com/kestrelhq/kestrel/internal/repository"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	blocklist *blocklist.Store
	policies  *policy.Engine
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, bl *blocklist.Store, policies *policy.Engine, version string) *Handler {
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		blocklist: bl,
		policies:  policies,
		version:   version,
	}
}

// Health returns liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// Ready pings every dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	checks := map[string]string{}
	healthy := true

	if err := h.repo.Ping(ctx); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := h.cache.Ping(ctx); err != nil {
		checks["cache"] = err.Error()
		healthy = false
	} else {
		checks["cache"] = "ok"
	}

	if err := h.bus.Ping(ctx); err != nil {
		checks["bus"] = err.Error()
		healthy = false
	} else {
		checks["bus"] = "ok"
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, checks)
}

// GetAnalysis returns the audit record for a transaction.
func (h *Handler) GetAnalysis(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "transactionId")

	analysis, err := h.repo.GetAnalysisByTransaction(r.Context(), txID)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		slog.Error("failed to load analysis", "tx_id", txID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
		return
	}

	writeJSON(w, http.StatusOK, analysis)
}

// blocklistRequest is the body for POST /blocklist.
type blocklistRequest struct {
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	Reason    string     `json:"reason"`
	Severity  string     `json:"severity"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// AddBlocklistEntry creates a blocklist entry.
func (h *Handler) AddBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	var req blocklistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	typ := domain.BlocklistType(req.Type)
	switch typ {
	case domain.BlocklistAccount, domain.BlocklistDevice, domain.BlocklistIP,
		domain.BlocklistRecipient, domain.BlocklistEmail, domain.BlocklistPhone:
	default:
		writeError(w, http.StatusBadRequest, "unknown blocklist type")
		return
	}

	entry := &domain.BlocklistEntry{
		Type:      typ,
		Value:     req.Value,
		Reason:    req.Reason,
		Severity:  req.Severity,
		Source:    req.Source,
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
	}

	if err := h.blocklist.Add(r.Context(), entry); err != nil {
		slog.Error("failed to add blocklist entry", "type", typ, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to add entry")
		return
	}

	// Never echo the plaintext back.
	entry.Value = ""
	writeJSON(w, http.StatusCreated, entry)
}

// DeactivateBlocklistEntry soft-deletes a blocklist entry.
func (h *Handler) DeactivateBlocklistEntry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.blocklist.Deactivate(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	if err != nil {
		slog.Error("failed to deactivate blocklist entry", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate entry")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

// policyRequest is the body for POST /policies.
type policyRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Enabled     bool    `json:"enabled"`
}

// CreatePolicy validates, persists, and loads a policy rule.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rule := &domain.PolicyRule{
		Name:        req.Name,
		Description: req.Description,
		Expression:  req.Expression,
		Weight:      req.Weight,
		Enabled:     req.Enabled,
	}
	if rule.Weight <= 0 {
		rule.Weight = 0.1
	}

	if err := h.policies.ValidateRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.repo.SavePolicyRule(r.Context(), rule); err != nil {
		slog.Error("failed to save policy", "name", rule.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save policy")
		return
	}

	if rule.Enabled {
		if err := h.policies.LoadRule(rule); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusCreated, rule)
}

// ReloadPolicies hot-reloads the policy set from the database.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := h.repo.ListPolicyRules(r.Context())
	if err != nil {
		slog.Error("failed to list policies", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list policies")
		return
	}

	if err := h.policies.ReloadRules(rules); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"loaded": h.policies.RuleCount()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
