/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's types from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Blood types:   BloodTypeDTO
  Stock:         StockLevelDTO, StockDTO
  Donations:     CreateDonationRequest, DonationDTO
  Plans:         CreatePlanRequest, PlanDTO, PlanRowDTO, ApplyPlanRequest, ApplyResultDTO
  Emergency:     EmergencyIssueRequest, IssueResultDTO
  Records:       DispensationDTO, AuditEntryDTO
  Scenarios:     ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the engine, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// =============================================================================
// BLOOD TYPES & STOCK
// =============================================================================

// BloodTypeDTO describes one type and its compatibility.
type BloodTypeDTO struct {
	Type      string   `json:"type"`
	Donors    []string `json:"donors"`      // acceptable donor types, exact first
	CanGiveTo []string `json:"can_give_to"` // recipients this type may be given to
	Rarity    int      `json:"rarity"`
}

// StockLevelDTO is the available count for one type.
type StockLevelDTO struct {
	BloodType string          `json:"blood_type"`
	Available int             `json:"available"`
	Share     decimal.Decimal `json:"share"` // fraction of the listed total
}

// StockDTO wraps a list of stock levels.
type StockDTO struct {
	Stock []StockLevelDTO `json:"stock"`
	Total int             `json:"total"`
}

// =============================================================================
// DONATIONS
// =============================================================================

// CreateDonationRequest is the intake request body.
// CollectedAt accepts DD/MM/YYYY, YYYY-MM-DD or RFC3339; empty means now.
type CreateDonationRequest struct {
	NationalID  string `json:"national_id"`
	DonorName   string `json:"donor_name"`
	BloodType   string `json:"blood_type"`
	CollectedAt string `json:"collected_at"`
}

// DonationDTO represents a donation unit.
type DonationDTO struct {
	ID          int64  `json:"id"`
	NationalID  string `json:"national_id"`
	DonorName   string `json:"donor_name"`
	BloodType   string `json:"blood_type"`
	CollectedAt string `json:"collected_at"`
	Status      string `json:"status"`
}

// =============================================================================
// PLANS
// =============================================================================

// CreatePlanRequest asks for a routine plan.
type CreatePlanRequest struct {
	Recipient string `json:"recipient"`
	Quantity  int    `json:"quantity"`
}

// PlanRowDTO is one donor-type row.
type PlanRowDTO struct {
	DonorType           string `json:"donor_type"`
	AvailableAtPlanTime int    `json:"available_at_plan_time"`
	QuantityToTake      int    `json:"quantity_to_take"`
}

// PlanDTO represents a cached plan.
type PlanDTO struct {
	ID             string          `json:"id"`
	Recipient      string          `json:"recipient"`
	Requested      int             `json:"requested"`
	Rows           []PlanRowDTO    `json:"rows"`
	TotalToTake    int             `json:"total_to_take"`
	FullyFulfilled bool            `json:"fully_fulfilled"`
	Shortfall      int             `json:"shortfall"`
	Outcome        string          `json:"outcome"`
	Coverage       decimal.Decimal `json:"coverage"`
	PlannedAt      string          `json:"planned_at"`
	ExpiresAt      string          `json:"expires_at"`
}

// ApplyPlanRequest commits a cached plan. Empty mode means routine.
type ApplyPlanRequest struct {
	Mode string `json:"mode"`
}

// ApplyResultDTO reports what a commit actually issued.
type ApplyResultDTO struct {
	PlanID    string `json:"plan_id"`
	Mode      string `json:"mode"`
	Planned   int    `json:"planned"`
	Issued    int    `json:"issued"`
	Requested int    `json:"requested"`
}

// =============================================================================
// EMERGENCY
// =============================================================================

// EmergencyIssueRequest asks for up to Units O-negative units.
type EmergencyIssueRequest struct {
	Units int `json:"units"`
}

// IssueResultDTO reports an emergency issue.
type IssueResultDTO struct {
	BloodType string `json:"blood_type"`
	Issued    int    `json:"issued"`
}

// =============================================================================
// RECORDS
// =============================================================================

// DispensationDTO represents a dispensation record.
type DispensationDTO struct {
	ID          int64  `json:"id"`
	BloodType   string `json:"blood_type"`
	Quantity    int    `json:"quantity"`
	DispensedAt string `json:"dispensed_at"`
	Mode        string `json:"mode"`
}

// AuditEntryDTO represents an audit entry.
type AuditEntryDTO struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Details   map[string]any `json:"details"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo stock set.
type ScenarioDTO struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Stock       map[string]int `json:"stock"`
}

// LoadScenarioRequest selects a scenario to seed.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStockDTO(levels []engine.StockLevel) StockDTO {
	total := 0
	for _, l := range levels {
		total += l.Available
	}
	out := StockDTO{Stock: make([]StockLevelDTO, len(levels)), Total: total}
	for i, l := range levels {
		share := decimal.Zero
		if total > 0 {
			share = decimal.NewFromInt(int64(l.Available)).
				Div(decimal.NewFromInt(int64(total))).
				Round(4)
		}
		out.Stock[i] = StockLevelDTO{BloodType: l.BloodType.String(), Available: l.Available, Share: share}
	}
	return out
}

func toDonationDTO(u engine.DonationUnit) DonationDTO {
	return DonationDTO{
		ID:          int64(u.ID),
		NationalID:  u.Donor.NationalID,
		DonorName:   u.Donor.Name,
		BloodType:   u.BloodType.String(),
		CollectedAt: u.CollectedAt.Format(time.RFC3339),
		Status:      string(u.Status),
	}
}

func toPlanDTO(id string, p engine.Plan, expiresAt time.Time) PlanDTO {
	rows := make([]PlanRowDTO, len(p.Rows))
	for i, r := range p.Rows {
		rows[i] = PlanRowDTO{
			DonorType:           r.DonorType.String(),
			AvailableAtPlanTime: r.AvailableAtPlanTime,
			QuantityToTake:      r.QuantityToTake,
		}
	}
	return PlanDTO{
		ID:             id,
		Recipient:      p.Recipient.String(),
		Requested:      p.Requested,
		Rows:           rows,
		TotalToTake:    p.TotalToTake(),
		FullyFulfilled: p.FullyFulfilled,
		Shortfall:      p.Shortfall,
		Outcome:        string(p.Outcome()),
		Coverage:       p.Coverage(),
		PlannedAt:      p.PlannedAt.Format(time.RFC3339),
		ExpiresAt:      expiresAt.Format(time.RFC3339),
	}
}

func toDispensationDTO(rec engine.DispensationRecord) DispensationDTO {
	return DispensationDTO{
		ID:          rec.ID,
		BloodType:   rec.BloodType.String(),
		Quantity:    rec.Quantity,
		DispensedAt: rec.DispensedAt.Format(time.RFC3339),
		Mode:        string(rec.Mode),
	}
}

func toAuditEntryDTO(e engine.AuditEntry) AuditEntryDTO {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp.Format(time.RFC3339),
		Actor:     e.Actor,
		Action:    string(e.Action),
		Entity:    e.Entity,
		EntityID:  e.EntityID,
		Details:   details,
	}
}

func typeNames(types []bloodtype.BloodType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = t.String()
	}
	return out
}
