// Package storetest holds the behaviour every engine.Backend must share.
// Each store package runs Run against its own constructor.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) engine.Backend

var base = time.Date(2025, time.January, 15, 8, 30, 0, 0, time.UTC)

var errAbort = errors.New("abort transaction")

// Run executes the contract suite against backends built by newBackend.
func Run(t *testing.T, newBackend Factory) {
	t.Run("AppendAssignsIncreasingIDs", func(t *testing.T) { testAppendIDs(t, newBackend(t)) })
	t.Run("AvailableIsFIFO", func(t *testing.T) { testFIFO(t, newBackend(t)) })
	t.Run("MarkIsConditional", func(t *testing.T) { testConditionalMark(t, newBackend(t)) })
	t.Run("CountsPerType", func(t *testing.T) { testCounts(t, newBackend(t)) })
	t.Run("RecordsKeepInsertionOrder", func(t *testing.T) { testRecords(t, newBackend(t)) })
	t.Run("TxRollback", func(t *testing.T) { testRollback(t, newBackend(t)) })
	t.Run("TxCommit", func(t *testing.T) { testCommit(t, newBackend(t)) })
	t.Run("ConcurrentClaimsAreDisjoint", func(t *testing.T) { testConcurrentClaims(t, newBackend(t)) })
	t.Run("ServiceRoundTrip", func(t *testing.T) { testServiceRoundTrip(t, newBackend(t)) })
}

func unit(bt bloodtype.BloodType, hoursAfterBase int) engine.DonationUnit {
	return engine.DonationUnit{
		Donor:       engine.DonorIdentity{NationalID: "123456789", Name: "Dana Levi"},
		BloodType:   bt,
		CollectedAt: base.Add(time.Duration(hoursAfterBase) * time.Hour),
		Status:      engine.StatusAvailable,
	}
}

func testAppendIDs(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	first, err := s.AppendUnit(ctx, unit(bloodtype.APos, 0))
	require.NoError(t, err)
	second, err := s.AppendUnit(ctx, unit(bloodtype.APos, 1))
	require.NoError(t, err)
	assert.Greater(t, second, first)

	units, err := s.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, first, units[0].ID)
	assert.Equal(t, "Dana Levi", units[0].Donor.Name)
	assert.Equal(t, "123456789", units[0].Donor.NationalID)
	assert.True(t, base.Equal(units[0].CollectedAt))
	assert.Equal(t, engine.StatusAvailable, units[0].Status)
}

func testFIFO(t *testing.T, s engine.Backend) {
	// GIVEN: Three O- units inserted out of collection order
	// WHEN: Asking for two available IDs
	// THEN: The two earliest collected come back, oldest first

	ctx := context.Background()
	late, err := s.AppendUnit(ctx, unit(bloodtype.ONeg, 48))
	require.NoError(t, err)
	early, err := s.AppendUnit(ctx, unit(bloodtype.ONeg, 0))
	require.NoError(t, err)
	mid, err := s.AppendUnit(ctx, unit(bloodtype.ONeg, 24))
	require.NoError(t, err)
	_, err = s.AppendUnit(ctx, unit(bloodtype.OPos, -100))
	require.NoError(t, err)

	ids, err := s.AvailableUnitIDs(ctx, bloodtype.ONeg, 2)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{early, mid}, ids)

	ids, err = s.AvailableUnitIDs(ctx, bloodtype.ONeg, 10)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{early, mid, late}, ids)

	ids, err = s.AvailableUnitIDs(ctx, bloodtype.ONeg, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testConditionalMark(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	a, err := s.AppendUnit(ctx, unit(bloodtype.BPos, 0))
	require.NoError(t, err)
	b, err := s.AppendUnit(ctx, unit(bloodtype.BPos, 1))
	require.NoError(t, err)

	taken, err := s.MarkUnits(ctx, []engine.UnitID{a}, engine.StatusDispensed)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{a}, taken)

	// a is no longer available, so only b transitions
	taken, err = s.MarkUnits(ctx, []engine.UnitID{a, b}, engine.StatusEmergencyDispensed)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{b}, taken)

	taken, err = s.MarkUnits(ctx, []engine.UnitID{a, b}, engine.StatusDispensed)
	require.NoError(t, err)
	assert.Empty(t, taken)

	units, err := s.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, engine.StatusDispensed, units[0].Status)
	assert.Equal(t, engine.StatusEmergencyDispensed, units[1].Status)
}

func testCounts(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.AppendUnit(ctx, unit(bloodtype.ABPos, i))
		require.NoError(t, err)
	}
	id, err := s.AppendUnit(ctx, unit(bloodtype.ABNeg, 0))
	require.NoError(t, err)
	_, err = s.MarkUnits(ctx, []engine.UnitID{id}, engine.StatusDispensed)
	require.NoError(t, err)

	n, err := s.CountAvailable(ctx, bloodtype.ABPos)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = s.CountAvailable(ctx, bloodtype.ABNeg)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = s.CountAvailable(ctx, bloodtype.OPos)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testRecords(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	first, err := s.AppendDispensation(ctx, engine.DispensationRecord{
		BloodType: bloodtype.APos, Quantity: 4, DispensedAt: base, Mode: engine.ModeRoutine,
	})
	require.NoError(t, err)
	second, err := s.AppendDispensation(ctx, engine.DispensationRecord{
		BloodType: bloodtype.ONeg, Quantity: 1, DispensedAt: base.Add(time.Minute), Mode: engine.ModeEmergency,
	})
	require.NoError(t, err)
	assert.Greater(t, second, first)

	recs, err := s.ListDispensations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, first, recs[0].ID)
	assert.Equal(t, bloodtype.APos, recs[0].BloodType)
	assert.Equal(t, 4, recs[0].Quantity)
	assert.Equal(t, engine.ModeRoutine, recs[0].Mode)
	assert.True(t, base.Equal(recs[0].DispensedAt))
	assert.Equal(t, engine.ModeEmergency, recs[1].Mode)

	_, err = s.AppendAudit(ctx, engine.AuditEntry{
		Timestamp: base, Actor: "system", Action: engine.ActionIssueRoutine,
		Entity: engine.EntityDispensations, EntityID: "1",
		Details: map[string]any{"taken": 4, "donor_type": "A+"},
	})
	require.NoError(t, err)
	_, err = s.AppendAudit(ctx, engine.AuditEntry{
		Timestamp: base, Actor: "clerk", Action: engine.ActionIntake, Entity: engine.EntityDonations,
	})
	require.NoError(t, err)

	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, engine.ActionIssueRoutine, entries[0].Action)
	assert.Equal(t, "1", entries[0].EntityID)
	assert.EqualValues(t, 4, entries[0].Details["taken"])
	assert.Equal(t, "A+", entries[0].Details["donor_type"])
	assert.True(t, base.Equal(entries[0].Timestamp))
	assert.Equal(t, "clerk", entries[1].Actor)
	assert.Empty(t, entries[1].EntityID)
}

func testRollback(t *testing.T, s engine.Backend) {
	// GIVEN: A transaction that claims a unit and writes a record, then fails
	// WHEN: The error propagates out of WithTx
	// THEN: Neither the claim nor the record is visible afterwards

	ctx := context.Background()
	id, err := s.AppendUnit(ctx, unit(bloodtype.APos, 0))
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx engine.Store) error {
		taken, err := tx.MarkUnits(ctx, []engine.UnitID{id}, engine.StatusDispensed)
		if err != nil {
			return err
		}
		if len(taken) != 1 {
			return errors.New("expected one unit")
		}
		if _, err := tx.AppendDispensation(ctx, engine.DispensationRecord{
			BloodType: bloodtype.APos, Quantity: 1, DispensedAt: base, Mode: engine.ModeRoutine,
		}); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	n, err := s.CountAvailable(ctx, bloodtype.APos)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	recs, err := s.ListDispensations(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func testCommit(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx engine.Store) error {
		id, err := tx.AppendUnit(ctx, unit(bloodtype.BNeg, 0))
		if err != nil {
			return err
		}
		ids, err := tx.AvailableUnitIDs(ctx, bloodtype.BNeg, 1)
		if err != nil {
			return err
		}
		if len(ids) != 1 || ids[0] != id {
			return errors.New("unit not visible inside its own transaction")
		}
		_, err = tx.AppendAudit(ctx, engine.AuditEntry{
			Timestamp: base, Actor: "system", Action: engine.ActionIntake, Entity: engine.EntityDonations,
		})
		return err
	})
	require.NoError(t, err)

	n, err := s.CountAvailable(ctx, bloodtype.BNeg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	entries, err := s.ListAudit(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func testConcurrentClaims(t *testing.T, s engine.Backend) {
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := s.AppendUnit(ctx, unit(bloodtype.ONeg, i))
		require.NoError(t, err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims = map[engine.UnitID]int{}
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx engine.Store) error {
				ids, err := tx.AvailableUnitIDs(ctx, bloodtype.ONeg, 3)
				if err != nil {
					return err
				}
				taken, err := tx.MarkUnits(ctx, ids, engine.StatusDispensed)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, id := range taken {
					claims[id]++
				}
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, claims, 12)
	for id, n := range claims {
		assert.Equal(t, 1, n, "unit %d claimed %d times", id, n)
	}
}

func testServiceRoundTrip(t *testing.T, s engine.Backend) {
	// The full engine over this backend: intake, plan, apply, emergency.
	ctx := engine.WithActor(context.Background(), "contract")
	now := base.Add(30 * 24 * time.Hour)
	svc := engine.NewService(s, engine.WithClock(func() time.Time { return now }))

	stock := map[bloodtype.BloodType]int{bloodtype.ONeg: 3, bloodtype.OPos: 5, bloodtype.APos: 10}
	h := 0
	for _, bt := range bloodtype.All() {
		for i := 0; i < stock[bt]; i++ {
			h++
			_, err := svc.Intake(ctx, engine.DonorIdentity{NationalID: "987654321", Name: "Avi"}, bt, base.Add(time.Duration(h)*time.Hour))
			require.NoError(t, err)
		}
	}

	plan, err := svc.PlanRoutine(ctx, bloodtype.APos, 12)
	require.NoError(t, err)
	require.True(t, plan.FullyFulfilled)

	issued, err := svc.ApplyPlan(ctx, plan, engine.ModeRoutine)
	require.NoError(t, err)
	assert.Equal(t, 12, issued)

	n, err := svc.IssueAllEmergency(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	levels, err := svc.Stock(ctx)
	require.NoError(t, err)
	total := 0
	for _, l := range levels {
		total += l.Available
	}
	assert.Equal(t, 3, total) // O+ 5 - 2

	recs, err := svc.Dispensations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)

	entries, err := svc.AuditEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 18+3)
	last := entries[len(entries)-1]
	assert.Equal(t, engine.ActionIssueEmergency, last.Action)
	assert.Equal(t, "contract", last.Actor)
	assert.Equal(t, "O-", last.Details["donor_type"])
}
