package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mercator-hq/spendgate/pkg/budget"
	"mercator-hq/spendgate/pkg/budget/ingest"
	"mercator-hq/spendgate/pkg/budget/tenants"
	"mercator-hq/spendgate/pkg/security/auth"
	"mercator-hq/spendgate/pkg/telemetry/logging"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Signature"

// Audit listing bounds.
const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// Admission answers admission checks.
type Admission interface {
	Evaluate(ctx context.Context, tenantID string) budget.Decision
}

// EventIngestor accepts signed webhook bodies.
type EventIngestor interface {
	Ingest(ctx context.Context, rawBody []byte, signatureHeader string) (*ingest.AckResult, error)
}

// OverrideService manages budget overrides.
type OverrideService interface {
	ApplyOverride(ctx context.Context, tenantID string, amount float64, duration time.Duration, reason, actor string) (*budget.Override, error)
	RevokeOverride(ctx context.Context, overrideID, actor string) error
	ListOverrides(ctx context.Context, tenantID string) ([]*budget.Override, error)
}

// TenantService reads and writes tenant configuration.
type TenantService interface {
	Upsert(ctx context.Context, cfg budget.TenantConfig, actor string) (*budget.TenantConfig, error)
	Get(ctx context.Context, tenantID string) (*tenants.View, error)
}

// AuditReader lists audit entries, newest first.
type AuditReader interface {
	Query(ctx context.Context, tenantID string, limit int) ([]*budget.AuditEntry, error)
}

// AdmissionResponse is the body of GET /v1/admission/{tenant_id}.
type AdmissionResponse struct {
	TenantID       string      `json:"tenant_id"`
	Allowed        bool        `json:"allowed"`
	Warning        bool        `json:"warning"`
	PercentageUsed float64     `json:"percentage_used"`
	Reason         string      `json:"reason"`
	Band           budget.Band `json:"band"`
	Degraded       bool        `json:"degraded,omitempty"`
}

// OverrideRequest is the body of POST /v1/overrides. Duration is a Go
// duration string such as "2h" or "30m".
type OverrideRequest struct {
	TenantID string  `json:"tenant_id"`
	Amount   float64 `json:"amount"`
	Duration string  `json:"duration"`
	Reason   string  `json:"reason"`
}

// OverrideCreated is the body of a successful POST /v1/overrides.
type OverrideCreated struct {
	OverrideID string    `json:"override_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// OverrideView describes an override in listings.
type OverrideView struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Amount    float64   `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
}

// TenantConfigDTO is the wire form of a tenant configuration. Durations
// are Go duration strings.
type TenantConfigDTO struct {
	TenantID          string     `json:"tenant_id"`
	MaxBudget         float64    `json:"max_budget"`
	AlertThresholdPct float64    `json:"alert_threshold_pct"`
	GraceThresholdPct float64    `json:"grace_threshold_pct"`
	BudgetDuration    string     `json:"budget_duration,omitempty"`
	ResetAt           *time.Time `json:"reset_at,omitempty"`
	FailMode          string     `json:"fail_mode,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// TenantResponse is the body of GET /v1/tenants/{tenant_id}.
type TenantResponse struct {
	Config TenantConfigDTO    `json:"config"`
	State  *budget.SpendState `json:"state"`
}

func toConfigDTO(cfg *budget.TenantConfig) TenantConfigDTO {
	dto := TenantConfigDTO{
		TenantID:          cfg.TenantID,
		MaxBudget:         cfg.MaxBudget,
		AlertThresholdPct: cfg.AlertThresholdPct,
		GraceThresholdPct: cfg.GraceThresholdPct,
		FailMode:          string(cfg.FailMode),
	}
	if cfg.BudgetDuration > 0 {
		dto.BudgetDuration = cfg.BudgetDuration.String()
	}
	if !cfg.ResetAt.IsZero() {
		t := cfg.ResetAt.UTC()
		dto.ResetAt = &t
	}
	if !cfg.CreatedAt.IsZero() {
		t := cfg.CreatedAt.UTC()
		dto.CreatedAt = &t
	}
	if !cfg.UpdatedAt.IsZero() {
		t := cfg.UpdatedAt.UTC()
		dto.UpdatedAt = &t
	}
	return dto
}

func (dto TenantConfigDTO) toConfig() (budget.TenantConfig, error) {
	cfg := budget.TenantConfig{
		TenantID:          dto.TenantID,
		MaxBudget:         dto.MaxBudget,
		AlertThresholdPct: dto.AlertThresholdPct,
		GraceThresholdPct: dto.GraceThresholdPct,
		FailMode:          budget.FailMode(dto.FailMode),
	}
	if dto.BudgetDuration != "" {
		d, err := time.ParseDuration(dto.BudgetDuration)
		if err != nil {
			return cfg, budget.NewValidationError("budget_duration", fmt.Sprintf("invalid duration %q", dto.BudgetDuration))
		}
		cfg.BudgetDuration = d
	}
	if dto.ResetAt != nil {
		cfg.ResetAt = *dto.ResetAt
	}
	return cfg, nil
}

// handlers holds the route handlers and their collaborators.
type handlers struct {
	admission    Admission
	ingestor     EventIngestor
	overrides    OverrideService
	tenants      TenantService
	audit        AuditReader
	maxBodyBytes int64
	now          func() time.Time
}

// handleBudgetEvent serves POST /budget-events.
func (h *handlers) handleBudgetEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "failed to read request body")
		return
	}

	ack, err := h.ingestor.Ingest(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

// handleAdmission serves GET /v1/admission/{tenant_id}. It always answers
// 200; an unavailable backend yields the fail-mode decision.
func (h *handlers) handleAdmission(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.PathValue("tenant_id"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "tenant_id is required")
		return
	}

	d := h.admission.Evaluate(r.Context(), tenantID)
	writeJSON(w, http.StatusOK, AdmissionResponse{
		TenantID:       tenantID,
		Allowed:        d.Allowed,
		Warning:        d.Warning,
		PercentageUsed: d.PercentageUsed,
		Reason:         d.Reason,
		Band:           d.Band,
		Degraded:       d.Degraded,
	})
}

// handleCreateOverride serves POST /v1/overrides.
func (h *handlers) handleCreateOverride(w http.ResponseWriter, r *http.Request) {
	var req OverrideRequest
	if !decodeJSON(w, r, h.maxBodyBytes, &req) {
		return
	}

	duration, err := time.ParseDuration(strings.TrimSpace(req.Duration))
	if err != nil {
		writeErrorFor(w, r, budget.NewValidationError("duration", fmt.Sprintf("invalid duration %q", req.Duration)))
		return
	}

	ctx := logging.WithTenantID(r.Context(), req.TenantID)
	o, err := h.overrides.ApplyOverride(ctx, req.TenantID, req.Amount, duration, req.Reason, actorOf(r))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, OverrideCreated{OverrideID: o.ID, ExpiresAt: o.ExpiresAt.UTC()})
}

// handleRevokeOverride serves DELETE /v1/overrides/{override_id}.
func (h *handlers) handleRevokeOverride(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("override_id"))
	if err := h.overrides.RevokeOverride(r.Context(), id, actorOf(r)); err != nil {
		writeErrorFor(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListOverrides serves GET /v1/tenants/{tenant_id}/overrides.
func (h *handlers) handleListOverrides(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")
	list, err := h.overrides.ListOverrides(r.Context(), tenantID)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	now := h.now()
	views := make([]OverrideView, 0, len(list))
	for _, o := range list {
		views = append(views, OverrideView{
			ID:        o.ID,
			TenantID:  o.TenantID,
			Amount:    o.Amount,
			ExpiresAt: o.ExpiresAt.UTC(),
			Reason:    o.Reason,
			CreatedBy: o.CreatedBy,
			CreatedAt: o.CreatedAt.UTC(),
			Active:    o.Active(now),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"overrides": views})
}

// handlePutTenant serves PUT /v1/tenants/{tenant_id}.
func (h *handlers) handlePutTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant_id")

	var dto TenantConfigDTO
	if !decodeJSON(w, r, h.maxBodyBytes, &dto) {
		return
	}
	if dto.TenantID != "" && dto.TenantID != tenantID {
		writeErrorFor(w, r, budget.NewValidationError("tenant_id", "does not match the request path"))
		return
	}
	dto.TenantID = tenantID

	cfg, err := dto.toConfig()
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}

	ctx := logging.WithTenantID(r.Context(), tenantID)
	saved, err := h.tenants.Upsert(ctx, cfg, actorOf(r))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toConfigDTO(saved))
}

// handleGetTenant serves GET /v1/tenants/{tenant_id}.
func (h *handlers) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	view, err := h.tenants.Get(r.Context(), r.PathValue("tenant_id"))
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TenantResponse{Config: toConfigDTO(view.Config), State: view.State})
}

// handleAudit serves GET /v1/tenants/{tenant_id}/audit?limit=N.
func (h *handlers) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeErrorFor(w, r, budget.NewValidationError("limit", "must be a positive integer"))
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.audit.Query(r.Context(), r.PathValue("tenant_id"), limit)
	if err != nil {
		writeErrorFor(w, r, err)
		return
	}
	if entries == nil {
		entries = []*budget.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// decodeJSON reads a bounded JSON body into v. It writes a 400 and returns
// false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf("invalid JSON body: %v", err))
		return false
	}
	return true
}

// actorOf returns the actor resolved by the API key middleware.
func actorOf(r *http.Request) string {
	actor := auth.ActorFromContext(r.Context())
	if actor == "" {
		slog.WarnContext(r.Context(), "admin request without authenticated actor", "path", r.URL.Path)
	}
	return actor
}

// withActor copies the authenticated actor into the log context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := auth.ActorFromContext(r.Context()); actor != "" {
			r = r.WithContext(logging.WithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}
