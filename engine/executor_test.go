package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
	"github.com/warp/bloodbank-engine/engine/store"
)

// =============================================================================
// APPLY PLAN
// =============================================================================

func TestApplyPlan_IssuesPlannedUnits(t *testing.T) {
	// GIVEN: {O-:3, O+:5, A-:0, A+:10} and an approved plan for 12 A+
	// WHEN: Applying it in routine mode
	// THEN: 12 issued, one dispensation record and one audit entry per
	//       donor type actually drawn

	svc, _ := newTestService(t)
	seed(t, svc, exampleStock())
	ctx := engine.WithActor(context.Background(), "nurse-7")

	plan, err := svc.PlanRoutine(ctx, bloodtype.APos, 12)
	require.NoError(t, err)

	issued, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Equal(t, 12, issued)

	aPos, err := svc.CountAvailable(ctx, bloodtype.APos)
	require.NoError(t, err)
	assert.Zero(t, aPos)
	oPos, err := svc.CountAvailable(ctx, bloodtype.OPos)
	require.NoError(t, err)
	assert.Equal(t, 3, oPos)

	recs, err := svc.Dispensations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, bloodtype.APos, recs[0].BloodType)
	assert.Equal(t, 10, recs[0].Quantity)
	assert.Equal(t, engine.ModeRoutine, recs[0].Mode)
	assert.Equal(t, bloodtype.OPos, recs[1].BloodType)
	assert.Equal(t, 2, recs[1].Quantity)

	entries, err := svc.AuditEntries(ctx)
	require.NoError(t, err)
	issues := filterAudit(entries, engine.ActionIssueRoutine)
	require.Len(t, issues, 2)
	assert.Equal(t, "nurse-7", issues[0].Actor)
	assert.Equal(t, engine.EntityDispensations, issues[0].Entity)
	assert.Equal(t, "1", issues[0].EntityID)
	assert.Equal(t, "A+", issues[0].Details["donor_type"])
	assert.EqualValues(t, 10, issues[0].Details["taken"])
	assert.Equal(t, "routine", issues[0].Details["mode"])
	assert.Equal(t, "A+", issues[0].Details["recipient"])
}

func TestApplyPlan_FIFO(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, map[bloodtype.BloodType]int{bloodtype.BNeg: 4})
	ctx := context.Background()

	plan, err := svc.PlanRoutine(ctx, bloodtype.BNeg, 2)
	require.NoError(t, err)
	_, err = svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)

	units, err := svc.Units(ctx)
	require.NoError(t, err)
	require.Len(t, units, 4)
	// seed collects in ID order, so the two oldest are IDs 1 and 2
	assert.Equal(t, engine.StatusDispensed, units[0].Status)
	assert.Equal(t, engine.StatusDispensed, units[1].Status)
	assert.Equal(t, engine.StatusAvailable, units[2].Status)
	assert.Equal(t, engine.StatusAvailable, units[3].Status)
}

func TestApplyPlan_EmergencyModeMarksEmergencyDispensed(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, map[bloodtype.BloodType]int{bloodtype.APos: 2})
	ctx := context.Background()

	plan, err := svc.PlanRoutine(ctx, bloodtype.APos, 2)
	require.NoError(t, err)
	issued, err := svc.ApplyPlan(ctx, plan, engine.ModeEmergency)
	require.NoError(t, err)
	assert.Equal(t, 2, issued)

	units, err := svc.Units(ctx)
	require.NoError(t, err)
	for _, u := range units {
		assert.Equal(t, engine.StatusEmergencyDispensed, u.Status)
	}
	recs, err := svc.Dispensations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, engine.ModeEmergency, recs[0].Mode)

	entries, err := svc.AuditEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, filterAudit(entries, engine.ActionIssueEmergency), 1)
}

func TestApplyPlan_ConcurrentDrainBetweenPlanAndApply(t *testing.T) {
	// GIVEN: A plan for 12 A+ computed against {A+:10, O+:5, O-:3}
	// WHEN: Another caller takes 8 A+ and 4 O+ before the plan is applied
	// THEN: Only what is truly available is issued (2 A+ + 1 O+), no error

	svc, _ := newTestService(t)
	seed(t, svc, exampleStock())
	ctx := context.Background()

	plan, err := svc.PlanRoutine(ctx, bloodtype.APos, 12)
	require.NoError(t, err)

	drain := engine.Plan{Rows: []engine.PlanRow{
		{DonorType: bloodtype.APos, QuantityToTake: 8},
		{DonorType: bloodtype.OPos, QuantityToTake: 4},
	}}
	drained, err := svc.ApplyPlan(ctx, drain, engine.ModeRoutine)
	require.NoError(t, err)
	require.Equal(t, 12, drained)

	issued, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Equal(t, 3, issued)

	recs, err := svc.Dispensations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, 2, recs[2].Quantity)
	assert.Equal(t, 1, recs[3].Quantity)
}

func TestApplyPlan_NothingAvailableWritesNothing(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	plan := engine.Plan{
		Recipient: bloodtype.OPos,
		Rows:      []engine.PlanRow{{DonorType: bloodtype.OPos, AvailableAtPlanTime: 3, QuantityToTake: 3}},
	}
	issued, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Zero(t, issued)

	recs, err := svc.Dispensations(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
	entries, err := svc.AuditEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestApplyPlan_UnitsNeverIssuedTwice(t *testing.T) {
	// Round-trip: a transitioned unit never shows up in counts or later issues.
	svc, _ := newTestService(t)
	seed(t, svc, map[bloodtype.BloodType]int{bloodtype.ABNeg: 3})
	ctx := context.Background()

	plan, err := svc.PlanRoutine(ctx, bloodtype.ABNeg, 3)
	require.NoError(t, err)

	first, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Equal(t, 3, first)

	again, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Zero(t, again)

	n, err := svc.CountAvailable(ctx, bloodtype.ABNeg)
	require.NoError(t, err)
	assert.Zero(t, n)

	next, err := svc.PlanRoutine(ctx, bloodtype.ABNeg, 1)
	require.NoError(t, err)
	assert.Zero(t, next.TotalToTake())
}

func TestApplyPlan_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	seed(t, svc, exampleStock())
	ctx := context.Background()

	t.Run("bad mode", func(t *testing.T) {
		_, err := svc.ApplyPlan(ctx, engine.Plan{}, engine.Mode("urgent"))
		assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	})

	t.Run("bad donor type", func(t *testing.T) {
		plan := engine.Plan{Rows: []engine.PlanRow{{DonorType: "Q+", QuantityToTake: 1}}}
		_, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
		assert.ErrorIs(t, err, engine.ErrInvalidBloodType)
	})

	t.Run("negative take", func(t *testing.T) {
		plan := engine.Plan{Rows: []engine.PlanRow{{DonorType: bloodtype.APos, QuantityToTake: -1}}}
		_, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
		assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	})

	t.Run("incompatible row rejected before any write", func(t *testing.T) {
		plan := engine.Plan{
			Recipient: bloodtype.ONeg,
			Rows: []engine.PlanRow{
				{DonorType: bloodtype.ONeg, QuantityToTake: 1},
				{DonorType: bloodtype.APos, QuantityToTake: 1},
			},
		}
		issued, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
		assert.ErrorIs(t, err, engine.ErrIncompatiblePlan)
		assert.ErrorIs(t, err, engine.ErrInvalidRequest)
		assert.Zero(t, issued)

		n, err := svc.CountAvailable(ctx, bloodtype.ONeg)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})
}

func TestApplyPlan_ConcurrentCallersGetDisjointUnits(t *testing.T) {
	// GIVEN: 20 O- units
	// WHEN: 10 callers each apply a 5-unit plan at the same time
	// THEN: Exactly 20 issued in total and no unit appears in two issues

	svc, _ := newTestService(t)
	seed(t, svc, map[bloodtype.BloodType]int{bloodtype.ONeg: 20})
	ctx := context.Background()

	plan := engine.Plan{
		Recipient: bloodtype.ONeg,
		Rows:      []engine.PlanRow{{DonorType: bloodtype.ONeg, AvailableAtPlanTime: 20, QuantityToTake: 5}},
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
			assert.NoError(t, err)
			mu.Lock()
			total += n
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, total)

	entries, err := svc.AuditEntries(ctx)
	require.NoError(t, err)
	seen := map[int64]bool{}
	for _, e := range filterAudit(entries, engine.ActionIssueRoutine) {
		ids, ok := e.Details["unit_ids"].([]int64)
		require.True(t, ok)
		for _, id := range ids {
			require.False(t, seen[id], "unit %d issued twice", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 20)
}

// =============================================================================
// ATOMICITY
// =============================================================================

var errAuditDown = errors.New("audit table unavailable")

// failingAudit wraps a TxMemory so every audit append inside a transaction fails.
type failingAudit struct {
	*store.TxMemory
}

func (f *failingAudit) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return f.TxMemory.WithTx(ctx, func(s engine.Store) error {
		return fn(failingAuditView{Store: s})
	})
}

type failingAuditView struct {
	engine.Store
}

func (failingAuditView) AppendAudit(context.Context, engine.AuditEntry) (int64, error) {
	return 0, errAuditDown
}

func TestApplyPlan_AuditFailureRollsBackGroup(t *testing.T) {
	// GIVEN: A store whose audit writes fail
	// WHEN: Applying a plan
	// THEN: The error surfaces as a storage failure and neither the status
	//       change nor the dispensation record survives

	mem := store.NewTxMemory()
	healthy := engine.NewService(mem, engine.WithClock(fixedClock))
	seed(t, healthy, map[bloodtype.BloodType]int{bloodtype.APos: 3})

	broken := engine.NewService(&failingAudit{TxMemory: mem}, engine.WithClock(fixedClock))
	ctx := context.Background()

	plan, err := broken.PlanRoutine(ctx, bloodtype.APos, 2)
	require.NoError(t, err)

	issued, err := broken.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.Error(t, err)
	assert.Zero(t, issued)
	assert.ErrorIs(t, err, engine.ErrStorageFailure)
	assert.ErrorIs(t, err, errAuditDown)
	assert.True(t, engine.IsStorageFailure(err))

	n, err := healthy.CountAvailable(ctx, bloodtype.APos)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	recs, err := healthy.Dispensations(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestIntake_AuditFailureRollsBackUnit(t *testing.T) {
	mem := store.NewTxMemory()
	broken := engine.NewService(&failingAudit{TxMemory: mem}, engine.WithClock(fixedClock))
	ctx := context.Background()

	_, err := broken.Intake(ctx, donor, bloodtype.OPos, testNow)
	require.ErrorIs(t, err, engine.ErrStorageFailure)

	units, err := mem.ListUnits(ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
}

func filterAudit(entries []engine.AuditEntry, action engine.AuditAction) []engine.AuditEntry {
	var out []engine.AuditEntry
	for _, e := range entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
