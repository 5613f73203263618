/*
Package engine provides the blood-bank allocation and inventory engine.

PURPOSE:
  Decides, for a recipient blood type and a requested quantity, which donor
  types to draw from, in what order and how much, then commits that
  decision against the inventory while keeping the dispensation log and the
  audit trail consistent with it.

KEY CONCEPTS IN THIS FILE (types.go):
  - DonationUnit:       one collected unit, owned by the store
  - Status:             available -> dispensed | emergency_dispensed (final)
  - Mode:               routine or emergency issue
  - Plan / PlanRow:     transient, unexecuted draw proposal
  - DispensationRecord: one persisted summary per donor-type group issued
  - AuditEntry:         append-only record of an inventory-affecting action

TWO-PHASE PROTOCOL:
  1. Planner.PlanRoutine: read-only projection over current counts
  2. Executor.ApplyPlan:  the only phase that mutates storage
  A caller can show the plan for approval between the two calls.

SEE ALSO:
  - planner.go:   Allocation planner
  - executor.go:  Plan executor
  - emergency.go: O-negative fast path
  - audit.go:     Append-only audit trail
  - store.go:     Storage collaborator interfaces
*/
package engine

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UnitID identifies a donation unit. Assigned monotonically by the store.
type UnitID int64

// =============================================================================
// STATUS & MODE
// =============================================================================

// Status is the lifecycle state of a donation unit.
// The only transition is available -> one of the dispensed states.
type Status string

const (
	StatusAvailable          Status = "available"
	StatusDispensed          Status = "dispensed"
	StatusEmergencyDispensed Status = "emergency_dispensed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusDispensed, StatusEmergencyDispensed:
		return true
	}
	return false
}

// Mode selects how units are issued.
type Mode string

const (
	ModeRoutine   Mode = "routine"
	ModeEmergency Mode = "emergency"
)

// ParseMode converts user input into a Mode. Empty input means routine.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if m == "" {
		return ModeRoutine, nil
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	return m, nil
}

func (m Mode) Validate() error {
	if m != ModeRoutine && m != ModeEmergency {
		return &ValidationError{Field: "mode", Value: string(m), Reason: "must be routine or emergency"}
	}
	return nil
}

// Status returns the terminal unit status for units issued under this mode.
func (m Mode) Status() Status {
	if m == ModeEmergency {
		return StatusEmergencyDispensed
	}
	return StatusDispensed
}

// =============================================================================
// DONATION UNIT
// =============================================================================

// DonorIdentity identifies who gave a unit.
type DonorIdentity struct {
	NationalID string // exactly 9 digits
	Name       string
}

var nationalIDPattern = regexp.MustCompile(`^\d{9}$`)

// Normalize trims surrounding whitespace from every field.
func (d DonorIdentity) Normalize() DonorIdentity {
	return DonorIdentity{
		NationalID: strings.TrimSpace(d.NationalID),
		Name:       strings.TrimSpace(d.Name),
	}
}

// Validate checks the identity fields. Call on a normalized identity.
func (d DonorIdentity) Validate() error {
	if !nationalIDPattern.MatchString(d.NationalID) {
		return &ValidationError{Field: "national_id", Value: d.NationalID, Reason: "must be exactly 9 digits"}
	}
	if d.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return nil
}

// DonationUnit is one collected blood unit.
// Created on intake, mutated only by a single status transition, never deleted.
type DonationUnit struct {
	ID          UnitID
	Donor       DonorIdentity
	BloodType   bloodtype.BloodType
	CollectedAt time.Time
	Status      Status
}

// =============================================================================
// PLAN - transient, never persisted
// =============================================================================

// PlanRow is one donor-type line of a plan.
type PlanRow struct {
	DonorType           bloodtype.BloodType
	AvailableAtPlanTime int // advisory only; re-checked at execution
	QuantityToTake      int
}

// Plan is an ordered, unexecuted draw proposal. The first row is always the
// exact recipient type.
type Plan struct {
	Recipient      bloodtype.BloodType
	Requested      int
	Rows           []PlanRow
	FullyFulfilled bool
	Shortfall      int
	PlannedAt      time.Time
}

// TotalToTake sums QuantityToTake across rows.
func (p Plan) TotalToTake() int {
	total := 0
	for _, r := range p.Rows {
		total += r.QuantityToTake
	}
	return total
}

// Coverage is the planned fraction of the request, rounded to 4 places.
func (p Plan) Coverage() decimal.Decimal {
	if p.Requested <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(p.TotalToTake())).
		Div(decimal.NewFromInt(int64(p.Requested))).
		Round(4)
}

// Outcome classifies the plan for display.
func (p Plan) Outcome() Outcome {
	switch {
	case p.FullyFulfilled:
		return OutcomeFulfilled
	case p.TotalToTake() > 0:
		return OutcomePartial
	default:
		return OutcomeUnfulfilled
	}
}

// Outcome is the caller-facing fulfilment state of a plan.
type Outcome string

const (
	OutcomeFulfilled   Outcome = "can_fulfill"
	OutcomePartial     Outcome = "partially_fulfilled"
	OutcomeUnfulfilled Outcome = "cannot_fulfill"
)

// =============================================================================
// DISPENSATION RECORD
// =============================================================================

// DispensationRecord summarises one donor-type group actually issued.
type DispensationRecord struct {
	ID          int64
	BloodType   bloodtype.BloodType
	Quantity    int
	DispensedAt time.Time
	Mode        Mode
}

// =============================================================================
// STOCK
// =============================================================================

// StockLevel is the available count for one blood type.
type StockLevel struct {
	BloodType bloodtype.BloodType
	Available int
}
