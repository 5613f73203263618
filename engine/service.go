package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// SERVICE - library surface for UI / CLI / HTTP collaborators
// =============================================================================

// Service wires the planner, executor, emergency issuer and audit trail
// over one Backend.
type Service struct {
	store     Backend
	model     *bloodtype.Model
	now       func() time.Time
	planner   *Planner
	executor  *Executor
	emergency *EmergencyIssuer
}

// Option configures a Service.
type Option func(*Service)

// WithModel replaces the built-in compatibility model.
func WithModel(m *bloodtype.Model) Option {
	return func(s *Service) {
		if m != nil {
			s.model = m
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService builds a Service over store.
func NewService(store Backend, opts ...Option) *Service {
	s := &Service{
		store: store,
		model: bloodtype.Default(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.planner = NewPlanner(s.model, store, s.now)
	s.executor = NewExecutor(store, s.model, s.now)
	s.emergency = NewEmergencyIssuer(s.executor)
	return s
}

// Model returns the compatibility model in use.
func (s *Service) Model() *bloodtype.Model { return s.model }

// =============================================================================
// INTAKE
// =============================================================================

// Intake validates and records a newly collected unit as available.
// A zero collectedAt means now. Nothing is written on invalid input.
func (s *Service) Intake(ctx context.Context, donor DonorIdentity, bt bloodtype.BloodType, collectedAt time.Time) (UnitID, error) {
	if err := bt.Validate(); err != nil {
		return 0, err
	}
	donor = donor.Normalize()
	if err := donor.Validate(); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	if collectedAt.IsZero() {
		collectedAt = now
	}
	collectedAt = collectedAt.UTC()
	if collectedAt.After(now) {
		return 0, &ValidationError{
			Field:  "collected_at",
			Value:  collectedAt.Format(time.RFC3339),
			Reason: "must not be in the future",
		}
	}

	actor := ActorFrom(ctx)
	var id UnitID
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		id, err = tx.AppendUnit(ctx, DonationUnit{
			Donor:       donor,
			BloodType:   bt,
			CollectedAt: collectedAt,
			Status:      StatusAvailable,
		})
		if err != nil {
			return WrapStorage("append unit", err)
		}

		trail := NewAuditTrail(tx, func() time.Time { return now })
		return trail.Record(ctx, actor, ActionIntake, EntityDonations, fmt.Sprint(id), map[string]any{
			"national_id":  donor.NationalID,
			"donor_name":   donor.Name,
			"blood_type":   string(bt),
			"collected_at": collectedAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		return 0, WrapStorage("intake", err)
	}
	return id, nil
}

// =============================================================================
// PLAN / APPLY / EMERGENCY
// =============================================================================

// PlanRoutine is phase 1: a read-only draw proposal.
func (s *Service) PlanRoutine(ctx context.Context, recipient bloodtype.BloodType, qty int) (Plan, error) {
	return s.planner.PlanRoutine(ctx, recipient, qty)
}

// ApplyPlan is phase 2: commits a plan and returns units actually issued.
func (s *Service) ApplyPlan(ctx context.Context, plan Plan, mode Mode) (int, error) {
	return s.executor.ApplyPlan(ctx, plan, mode)
}

// IssueAllEmergency takes every available O- unit.
func (s *Service) IssueAllEmergency(ctx context.Context) (int, error) {
	return s.emergency.IssueAll(ctx)
}

// IssueEmergency takes up to units O- units.
func (s *Service) IssueEmergency(ctx context.Context, units int) (int, error) {
	return s.emergency.Issue(ctx, units)
}

// =============================================================================
// STOCK
// =============================================================================

// CountAvailable returns the available units of bt.
func (s *Service) CountAvailable(ctx context.Context, bt bloodtype.BloodType) (int, error) {
	if err := bt.Validate(); err != nil {
		return 0, err
	}
	n, err := s.store.CountAvailable(ctx, bt)
	if err != nil {
		return 0, WrapStorage("count available", err)
	}
	return n, nil
}

// Stock returns available counts for all eight types in canonical order.
func (s *Service) Stock(ctx context.Context) ([]StockLevel, error) {
	return s.levels(ctx, bloodtype.All())
}

// CompatibleStock returns available counts for every donor type acceptable
// for recipient, exact match first.
func (s *Service) CompatibleStock(ctx context.Context, recipient bloodtype.BloodType) ([]StockLevel, error) {
	donors, err := s.model.Donors(recipient)
	if err != nil {
		return nil, err
	}
	return s.levels(ctx, donors)
}

func (s *Service) levels(ctx context.Context, types []bloodtype.BloodType) ([]StockLevel, error) {
	out := make([]StockLevel, 0, len(types))
	for _, bt := range types {
		n, err := s.CountAvailable(ctx, bt)
		if err != nil {
			return nil, err
		}
		out = append(out, StockLevel{BloodType: bt, Available: n})
	}
	return out, nil
}

// =============================================================================
// EXPORTS
// =============================================================================

// Units returns every unit ever taken in, in insertion order.
func (s *Service) Units(ctx context.Context) ([]DonationUnit, error) {
	units, err := s.store.ListUnits(ctx)
	return units, WrapStorage("list units", err)
}

// Dispensations returns every dispensation record in insertion order.
func (s *Service) Dispensations(ctx context.Context) ([]DispensationRecord, error) {
	recs, err := s.store.ListDispensations(ctx)
	return recs, WrapStorage("list dispensations", err)
}

// AuditEntries returns the full audit trail in insertion order.
func (s *Service) AuditEntries(ctx context.Context) ([]AuditEntry, error) {
	entries, err := s.store.ListAudit(ctx)
	return entries, WrapStorage("list audit", err)
}
