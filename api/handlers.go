/*
handlers.go - HTTP API handlers for the blood-bank allocation engine

PURPOSE:
  Exposes the allocation engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to engine.Service.

ENDPOINTS:
  Blood types & stock:
    GET    /api/blood-types                    Types with donors, recipients, rarity
    GET    /api/stock                          Available units for all 8 types
    GET    /api/stock/{type}/compatible        Donor stock for a recipient, exact first

  Donations:
    POST   /api/donations                      Intake a collected unit
    GET    /api/donations                      Export units (?status=, ?blood_type=)

  Plans (two-phase routine issue):
    POST   /api/plans                          Phase 1: compute a plan (read-only)
    GET    /api/plans/{id}                     Show a cached plan
    POST   /api/plans/{id}/apply               Phase 2: commit the plan (one-shot)

  Emergency:
    POST   /api/emergency/issue-all            Take every available O- unit
    POST   /api/emergency/issue                Take up to N O- units

  Records:
    GET    /api/dispensations                  Dispensation log
    GET    /api/audit                          Audit trail (?action=)

  Scenarios:
    GET    /api/scenarios                      List demo stock sets
    POST   /api/scenarios/load                 Seed a demo stock set

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Service: engine facade over the configured store
  - Plans:   proposals waiting for approval
  - Metrics/Monitor: prometheus collectors and stock gauges

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (blood type, dates)
  3. Call engine.Service
  4. Update metrics
  5. Serialize response

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Unknown, expired or already applied plan
  - 500: Storage failures

SECURITY NOTE:
  No authentication. The X-Actor header names the audit actor.

SEE ALSO:
  - dto.go: Request/response data structures
  - plans.go: Plan cache
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *engine.Service
	Plans   *PlanCache
	Metrics *Metrics
	Monitor *StockMonitor

	now func() time.Time

	// Track the last loaded scenario
	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler over svc. The monitor is created but not
// started; the caller decides whether to run it in the background.
func NewHandler(svc *engine.Service) *Handler {
	metrics := NewMetrics()
	return &Handler{
		Service: svc,
		Plans:   NewPlanCache(DefaultPlanTTL, nil),
		Metrics: metrics,
		Monitor: NewStockMonitor(svc, metrics),
		now:     time.Now,
	}
}

// =============================================================================
// BLOOD TYPE & STOCK HANDLERS
// =============================================================================

// ListBloodTypes returns every type with its compatibility and rarity.
// GET /api/blood-types
func (h *Handler) ListBloodTypes(w http.ResponseWriter, r *http.Request) {
	model := h.Service.Model()
	all := bloodtype.All()
	dtos := make([]BloodTypeDTO, 0, len(all))
	for _, bt := range all {
		donors, err := model.Donors(bt)
		if err != nil {
			writeEngineError(w, "Failed to read compatibility", err)
			return
		}
		recipients, err := model.Recipients(bt)
		if err != nil {
			writeEngineError(w, "Failed to read compatibility", err)
			return
		}
		dtos = append(dtos, BloodTypeDTO{
			Type:      bt.String(),
			Donors:    typeNames(donors),
			CanGiveTo: typeNames(recipients),
			Rarity:    model.Rarity(bt),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStock returns available counts for all eight types.
// GET /api/stock
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	levels, err := h.Service.Stock(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to read stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockDTO(levels))
}

// GetCompatibleStock returns donor stock acceptable for a recipient.
// GET /api/stock/{type}/compatible
func (h *Handler) GetCompatibleStock(w http.ResponseWriter, r *http.Request) {
	recipient, err := bloodtype.Parse(chi.URLParam(r, "type"))
	if err != nil {
		writeEngineError(w, "Invalid blood type", err)
		return
	}
	levels, err := h.Service.CompatibleStock(r.Context(), recipient)
	if err != nil {
		writeEngineError(w, "Failed to read stock", err)
		return
	}
	writeJSON(w, http.StatusOK, toStockDTO(levels))
}

// =============================================================================
// DONATION HANDLERS
// =============================================================================

// CreateDonation takes in a newly collected unit.
// POST /api/donations
func (h *Handler) CreateDonation(w http.ResponseWriter, r *http.Request) {
	var req CreateDonationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	bt, err := bloodtype.Parse(req.BloodType)
	if err != nil {
		writeEngineError(w, "Invalid blood type", err)
		return
	}
	collectedAt, err := parseCollectedAt(req.CollectedAt, h.now())
	if err != nil {
		writeEngineError(w, "Invalid collection date", err)
		return
	}

	ctx := r.Context()
	donor := engine.DonorIdentity{NationalID: req.NationalID, Name: req.DonorName}.Normalize()
	id, err := h.Service.Intake(ctx, donor, bt, collectedAt)
	if err != nil {
		writeEngineError(w, "Failed to record donation", err)
		return
	}

	h.Metrics.observeIntake(bt.String())
	h.refreshStock(ctx)

	writeJSON(w, http.StatusCreated, toDonationDTO(engine.DonationUnit{
		ID:          id,
		Donor:       donor,
		BloodType:   bt,
		CollectedAt: collectedAt.UTC(),
		Status:      engine.StatusAvailable,
	}))
}

// ListDonations exports units in insertion order.
// GET /api/donations?status=available&blood_type=O-
func (h *Handler) ListDonations(w http.ResponseWriter, r *http.Request) {
	var (
		status engine.Status
		bt     bloodtype.BloodType
	)
	if s := r.URL.Query().Get("status"); s != "" {
		status = engine.Status(s)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "Invalid status filter", nil)
			return
		}
	}
	if s := r.URL.Query().Get("blood_type"); s != "" {
		var err error
		if bt, err = bloodtype.Parse(s); err != nil {
			writeEngineError(w, "Invalid blood type", err)
			return
		}
	}

	units, err := h.Service.Units(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list donations", err)
		return
	}

	dtos := make([]DonationDTO, 0, len(units))
	for _, u := range units {
		if status != "" && u.Status != status {
			continue
		}
		if bt != "" && u.BloodType != bt {
			continue
		}
		dtos = append(dtos, toDonationDTO(u))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// CreatePlan computes a routine plan and caches it for approval.
// Nothing is reserved: stock may change before the plan is applied.
// POST /api/plans
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	recipient, err := bloodtype.Parse(req.Recipient)
	if err != nil {
		writeEngineError(w, "Invalid blood type", err)
		return
	}

	plan, err := h.Service.PlanRoutine(r.Context(), recipient, req.Quantity)
	if err != nil {
		writeEngineError(w, "Failed to plan", err)
		return
	}
	h.Metrics.observePlan(plan)

	id, expiresAt := h.Plans.Put(plan)
	writeJSON(w, http.StatusCreated, toPlanDTO(id.String(), plan, expiresAt))
}

// GetPlan returns a cached plan without consuming it.
// GET /api/plans/{id}
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plan, expiresAt, err := h.Plans.Get(id)
	if err != nil {
		writeEngineError(w, "Plan not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(id, plan, expiresAt))
}

// ApplyPlan commits a cached plan. A plan can be applied once; the result
// reports units actually issued, which may be fewer than planned.
// POST /api/plans/{id}/apply
func (h *Handler) ApplyPlan(w http.ResponseWriter, r *http.Request) {
	var req ApplyPlanRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		writeEngineError(w, "Invalid mode", err)
		return
	}

	id := chi.URLParam(r, "id")
	plan, err := h.Plans.Take(id)
	if err != nil {
		writeEngineError(w, "Plan not found", err)
		return
	}

	ctx := r.Context()
	issued, err := h.Service.ApplyPlan(ctx, plan, mode)
	h.Metrics.observeIssued(mode, issued)
	h.refreshStock(ctx)
	if err != nil {
		writeEngineError(w, "Failed to apply plan", err)
		return
	}

	writeJSON(w, http.StatusOK, ApplyResultDTO{
		PlanID:    id,
		Mode:      string(mode),
		Planned:   plan.TotalToTake(),
		Issued:    issued,
		Requested: plan.Requested,
	})
}

// =============================================================================
// EMERGENCY HANDLERS
// =============================================================================

// IssueAllEmergency takes every available O- unit.
// POST /api/emergency/issue-all
func (h *Handler) IssueAllEmergency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	issued, err := h.Service.IssueAllEmergency(ctx)
	h.Metrics.observeIssued(engine.ModeEmergency, issued)
	h.refreshStock(ctx)
	if err != nil {
		writeEngineError(w, "Failed to issue emergency units", err)
		return
	}
	writeJSON(w, http.StatusOK, IssueResultDTO{BloodType: bloodtype.UniversalDonor.String(), Issued: issued})
}

// IssueEmergency takes up to the requested number of O- units.
// POST /api/emergency/issue
func (h *Handler) IssueEmergency(w http.ResponseWriter, r *http.Request) {
	var req EmergencyIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	issued, err := h.Service.IssueEmergency(ctx, req.Units)
	h.Metrics.observeIssued(engine.ModeEmergency, issued)
	h.refreshStock(ctx)
	if err != nil {
		writeEngineError(w, "Failed to issue emergency units", err)
		return
	}
	writeJSON(w, http.StatusOK, IssueResultDTO{BloodType: bloodtype.UniversalDonor.String(), Issued: issued})
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListDispensations exports the dispensation log in insertion order.
// GET /api/dispensations
func (h *Handler) ListDispensations(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Service.Dispensations(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list dispensations", err)
		return
	}
	dtos := make([]DispensationDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toDispensationDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListAudit exports the audit trail in insertion order.
// GET /api/audit?action=INTAKE
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	action := engine.AuditAction(strings.ToUpper(r.URL.Query().Get("action")))

	entries, err := h.Service.AuditEntries(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list audit entries", err)
		return
	}
	dtos := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		if action != "" && e.Action != action {
			continue
		}
		dtos = append(dtos, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// collectionLayouts are tried in order; date-only layouts mean midnight UTC.
var collectionLayouts = []string{
	"02/01/2006",
	"2006-01-02",
	time.RFC3339,
}

// parseCollectedAt reads a collection date. Empty input means now.
func parseCollectedAt(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return now.UTC(), nil
	}
	for _, layout := range collectionLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &engine.ValidationError{
		Field:  "collected_at",
		Value:  s,
		Reason: "expected DD/MM/YYYY, YYYY-MM-DD or RFC3339",
	}
}

// decodeOptional decodes a JSON body, treating an empty body as zero value.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// refreshStock updates the stock gauges after a mutation.
func (h *Handler) refreshStock(ctx context.Context) {
	if h.Monitor == nil {
		return
	}
	if _, _, err := h.Monitor.refresh(ctx); err != nil {
		log.Printf("[API] Failed to refresh stock gauges: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: errorCode(status)}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine and API errors onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, ErrPlanNotFound):
		writeError(w, http.StatusNotFound, message, err)
	case engine.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s: internal error", message), err)
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusInternalServerError:
		return "storage_failure"
	}
	return ""
}
