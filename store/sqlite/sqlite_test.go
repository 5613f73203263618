package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
	"github.com/warp/bloodbank-engine/engine/storetest"
	"github.com/warp/bloodbank-engine/store/sqlite"
)

var drivers = []string{sqlite.DriverMattn, sqlite.DriverModernc}

func newStore(t *testing.T, driver string) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewWithDriver(driver, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLite_Contract(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			storetest.Run(t, func(t *testing.T) engine.Backend {
				return newStore(t, driver)
			})
		})
	}
}

func TestSQLite_UnknownDriver(t *testing.T) {
	_, err := sqlite.NewWithDriver("sqlite4", ":memory:")
	assert.Error(t, err)
}

func TestSQLite_AppendOnlyTriggers(t *testing.T) {
	// GIVEN: A store with one unit, one dispensation and one audit entry
	// WHEN: Raw SQL tries to rewrite or delete history
	// THEN: The triggers abort every attempt

	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			store := newStore(t, driver)
			ctx := context.Background()
			now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

			svc := engine.NewService(store, engine.WithClock(func() time.Time { return now }))
			_, err := svc.Intake(ctx, engine.DonorIdentity{NationalID: "123456789", Name: "Dana"}, bloodtype.ONeg, now)
			require.NoError(t, err)
			_, err = svc.IssueAllEmergency(ctx)
			require.NoError(t, err)

			forbidden := []string{
				`UPDATE audit_log SET actor = 'mallory'`,
				`DELETE FROM audit_log`,
				`UPDATE dispensations SET quantity = 99`,
				`DELETE FROM dispensations`,
				`DELETE FROM donations`,
				`UPDATE donations SET status = 'available'`,
				`UPDATE donations SET blood_type = 'A+'`,
			}
			for _, stmt := range forbidden {
				_, err := store.DB().ExecContext(ctx, stmt)
				assert.Error(t, err, stmt)
			}

			entries, err := svc.AuditEntries(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 2)
			assert.Equal(t, engine.DefaultActor, entries[0].Actor)
		})
	}
}

func TestSQLite_ForwardTransitionAllowed(t *testing.T) {
	store := newStore(t, sqlite.DriverMattn)
	ctx := context.Background()

	id, err := store.AppendUnit(ctx, engine.DonationUnit{
		Donor:       engine.DonorIdentity{NationalID: "123456789", Name: "Dana"},
		BloodType:   bloodtype.APos,
		CollectedAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = store.MarkUnits(ctx, []engine.UnitID{id}, engine.StatusAvailable)
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	taken, err := store.MarkUnits(ctx, []engine.UnitID{id}, engine.StatusDispensed)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{id}, taken)
}

func TestSQLite_CheckConstraints(t *testing.T) {
	store := newStore(t, sqlite.DriverModernc)
	ctx := context.Background()

	_, err := store.AppendUnit(ctx, engine.DonationUnit{
		Donor:       engine.DonorIdentity{NationalID: "123456789", Name: "Dana"},
		BloodType:   "C+",
		CollectedAt: time.Now(),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrStorageFailure)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloodbank.db")
	ctx := context.Background()
	now := time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC)

	first, err := sqlite.New(path)
	require.NoError(t, err)
	svc := engine.NewService(first, engine.WithClock(func() time.Time { return now }))
	for i := 0; i < 3; i++ {
		_, err := svc.Intake(ctx, engine.DonorIdentity{NationalID: "123456789", Name: "Dana"}, bloodtype.BPos, now.Add(-time.Duration(i)*time.Hour))
		require.NoError(t, err)
	}
	require.NoError(t, first.Close())

	second, err := sqlite.New(path)
	require.NoError(t, err)
	defer second.Close()

	n, err := second.CountAvailable(ctx, bloodtype.BPos)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// FIFO survives the round trip through text timestamps
	ids, err := second.AvailableUnitIDs(ctx, bloodtype.BPos, 1)
	require.NoError(t, err)
	assert.Equal(t, []engine.UnitID{3}, ids)
}

func TestSQLite_IssueAllBeyondVariableLimit(t *testing.T) {
	// GIVEN: More O- units than SQLite accepts bound variables in one statement
	// WHEN: Issuing every O- unit in emergency mode
	// THEN: All of them are issued as one group, none are left available

	const units = 40000

	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			store := newStore(t, driver)
			ctx := context.Background()

			_, err := store.DB().ExecContext(ctx, `
				WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < ?)
				INSERT INTO donations (national_id, donor_name, blood_type, collected_at, status)
				SELECT '123456789', 'Dana', 'O-', '2025-01-01 08:00:00.000000', 'available' FROM n
			`, units)
			require.NoError(t, err)

			svc := engine.NewService(store)
			issued, err := svc.IssueAllEmergency(ctx)
			require.NoError(t, err)
			assert.Equal(t, units, issued)

			left, err := svc.CountAvailable(ctx, bloodtype.ONeg)
			require.NoError(t, err)
			assert.Equal(t, 0, left)

			recs, err := svc.Dispensations(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, units, recs[0].Quantity)
		})
	}
}

func TestSQLite_MarkUnitsBatchesLargeLists(t *testing.T) {
	store := newStore(t, sqlite.DriverMattn)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx, `
		WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i + 1 FROM n WHERE i < 1203)
		INSERT INTO donations (national_id, donor_name, blood_type, collected_at, status)
		SELECT '123456789', 'Dana', 'A+', '2025-01-01 08:00:00.000000', 'available' FROM n
	`)
	require.NoError(t, err)

	// Every other unit is already gone; the rest must come back in input order.
	ids := make([]engine.UnitID, 0, 1203)
	for id := engine.UnitID(1203); id >= 1; id-- {
		ids = append(ids, id)
	}
	var odd []engine.UnitID
	for _, id := range ids {
		if id%2 == 1 {
			odd = append(odd, id)
		}
	}
	_, err = store.MarkUnits(ctx, odd, engine.StatusDispensed)
	require.NoError(t, err)

	marked, err := store.MarkUnits(ctx, ids, engine.StatusEmergencyDispensed)
	require.NoError(t, err)
	require.Len(t, marked, 601)
	assert.Equal(t, engine.UnitID(1202), marked[0])
	assert.Equal(t, engine.UnitID(2), marked[600])
}
