package engine

import (
	"context"
	"sort"
	"time"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// PLANNER - phase 1, read-only
// =============================================================================

// Planner computes routine draw plans from current counts.
// It never touches individual units and never writes.
type Planner struct {
	model  *bloodtype.Model
	counts Counter
	now    func() time.Time
}

// NewPlanner returns a planner over counts. A nil model means bloodtype.Default().
func NewPlanner(model *bloodtype.Model, counts Counter, now func() time.Time) *Planner {
	if model == nil {
		model = bloodtype.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Planner{model: model, counts: counts, now: now}
}

// PlanRoutine proposes how to satisfy qty units for recipient.
//
// Policy:
//  1. Exact type first, as much as is available.
//  2. Remaining need is drawn from compatible alternatives ordered by
//     available count (desc), then rarity weight (desc): abundant, common
//     stock is spent before scarce stock.
//  3. Rows are emitted for every alternative visited, including ones with
//     no stock; the walk stops as soon as the need is met.
//
// The plan is valid only at PlannedAt. Shortfall > 0 is a normal outcome.
func (p *Planner) PlanRoutine(ctx context.Context, recipient bloodtype.BloodType, qty int) (Plan, error) {
	if err := recipient.Validate(); err != nil {
		return Plan{}, err
	}
	if qty <= 0 {
		return Plan{}, invalidQuantity("quantity", qty)
	}

	plan := Plan{
		Recipient: recipient,
		Requested: qty,
		PlannedAt: p.now().UTC(),
	}
	need := qty

	// 1) exact match
	available, err := p.counts.CountAvailable(ctx, recipient)
	if err != nil {
		return Plan{}, WrapStorage("count available", err)
	}
	take := min(available, need)
	plan.Rows = append(plan.Rows, PlanRow{DonorType: recipient, AvailableAtPlanTime: available, QuantityToTake: take})
	need -= take

	// 2) alternatives
	if need > 0 {
		alternatives, err := p.model.Alternatives(recipient)
		if err != nil {
			return Plan{}, err
		}

		stock := make(map[bloodtype.BloodType]int, len(alternatives))
		for _, bt := range alternatives {
			n, err := p.counts.CountAvailable(ctx, bt)
			if err != nil {
				return Plan{}, WrapStorage("count available", err)
			}
			stock[bt] = n
		}

		p.sortAlternatives(alternatives, stock)

		for _, bt := range alternatives {
			if need == 0 {
				break
			}
			take := min(stock[bt], need)
			plan.Rows = append(plan.Rows, PlanRow{DonorType: bt, AvailableAtPlanTime: stock[bt], QuantityToTake: take})
			need -= take
		}
	}

	plan.Shortfall = need
	plan.FullyFulfilled = need == 0
	return plan, nil
}

// sortAlternatives orders by (available desc, rarity weight desc).
// Ties keep compatibility-table order.
func (p *Planner) sortAlternatives(types []bloodtype.BloodType, stock map[bloodtype.BloodType]int) {
	sort.SliceStable(types, func(i, j int) bool {
		a, b := types[i], types[j]
		if stock[a] != stock[b] {
			return stock[a] > stock[b]
		}
		return p.model.Rarity(a) > p.model.Rarity(b)
	})
}
