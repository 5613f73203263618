package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// EXECUTOR - phase 2, the only phase that writes
// =============================================================================

// Executor commits plans against a TxStore.
//
// ATOMICITY:
//   Each donor-type group (claim units + dispensation record + audit entry)
//   is one transaction. A multi-row plan is a sequence of such groups, so a
//   failure midway leaves earlier groups committed and reports the count
//   issued so far together with the error.
//
// RE-VALIDATION:
//   AvailableAtPlanTime is advisory. Availability is re-read inside each
//   group's transaction and the true count is issued, never more.
type Executor struct {
	store TxStore
	model *bloodtype.Model
	now   func() time.Time
}

// NewExecutor returns an executor over store. A nil model means bloodtype.Default().
func NewExecutor(store TxStore, model *bloodtype.Model, now func() time.Time) *Executor {
	if model == nil {
		model = bloodtype.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{store: store, model: model, now: now}
}

// ApplyPlan issues the plan's rows in order and returns the units actually issued.
// Rows with QuantityToTake == 0 are skipped. Fewer units than planned is not
// an error.
func (e *Executor) ApplyPlan(ctx context.Context, plan Plan, mode Mode) (int, error) {
	if err := e.validatePlan(plan, mode); err != nil {
		return 0, err
	}

	action := ActionIssueRoutine
	if mode == ModeEmergency {
		action = ActionIssueEmergency
	}

	total := 0
	for _, row := range plan.Rows {
		if row.QuantityToTake == 0 {
			continue
		}
		details := map[string]any{
			"planned": row.QuantityToTake,
		}
		if plan.Recipient != "" {
			details["recipient"] = string(plan.Recipient)
		}
		n, err := e.issue(ctx, row.DonorType, row.QuantityToTake, mode, action, details)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// validatePlan rejects malformed plans before anything is written.
func (e *Executor) validatePlan(plan Plan, mode Mode) error {
	if err := mode.Validate(); err != nil {
		return err
	}
	if plan.Recipient != "" {
		if err := plan.Recipient.Validate(); err != nil {
			return err
		}
	}
	for i, row := range plan.Rows {
		if err := row.DonorType.Validate(); err != nil {
			return err
		}
		if row.QuantityToTake < 0 {
			return &ValidationError{
				Field:  fmt.Sprintf("rows[%d].quantity_to_take", i),
				Value:  fmt.Sprint(row.QuantityToTake),
				Reason: "must not be negative",
			}
		}
		if plan.Recipient != "" && !e.model.CanDonate(row.DonorType, plan.Recipient) {
			return fmt.Errorf("%w: %s cannot be given to %s", ErrIncompatiblePlan, row.DonorType, plan.Recipient)
		}
	}
	return nil
}

// issue claims up to limit available units of bt in one transaction, writing
// one dispensation record and one audit entry if anything was claimed.
// limit <= 0 claims every available unit.
func (e *Executor) issue(ctx context.Context, bt bloodtype.BloodType, limit int, mode Mode, action AuditAction, extra map[string]any) (int, error) {
	actor := ActorFrom(ctx)
	issued := 0

	err := e.store.WithTx(ctx, func(tx Store) error {
		if limit <= 0 {
			n, err := tx.CountAvailable(ctx, bt)
			if err != nil {
				return WrapStorage("count available", err)
			}
			if n == 0 {
				return nil
			}
			limit = n
		}

		ids, err := tx.AvailableUnitIDs(ctx, bt, limit)
		if err != nil {
			return WrapStorage("fetch available units", err)
		}
		if len(ids) == 0 {
			return nil
		}

		taken, err := tx.MarkUnits(ctx, ids, mode.Status())
		if err != nil {
			return WrapStorage("mark units", err)
		}
		if len(taken) == 0 {
			return nil
		}

		now := e.now().UTC()
		recID, err := tx.AppendDispensation(ctx, DispensationRecord{
			BloodType:   bt,
			Quantity:    len(taken),
			DispensedAt: now,
			Mode:        mode,
		})
		if err != nil {
			return WrapStorage("append dispensation", err)
		}

		details := map[string]any{
			"donor_type": string(bt),
			"taken":      len(taken),
			"mode":       string(mode),
			"unit_ids":   unitIDsToInts(taken),
		}
		for k, v := range extra {
			details[k] = v
		}
		trail := NewAuditTrail(tx, func() time.Time { return now })
		if err := trail.Record(ctx, actor, action, EntityDispensations, fmt.Sprint(recID), details); err != nil {
			return err
		}

		issued = len(taken)
		return nil
	})
	if err != nil {
		return 0, WrapStorage("issue "+string(bt), err)
	}
	return issued, nil
}

func unitIDsToInts(ids []UnitID) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}
