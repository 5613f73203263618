/*
scenarios_test.go - Tests for demo stock loaders

PURPOSE:
	Tests that each scenario takes in exactly the stock it advertises,
	through the audited intake path.
*/
package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_EveryScenarioMatchesItsStock(t *testing.T) {
	for _, s := range scenarios {
		t.Run(s.ID, func(t *testing.T) {
			_, router := setupTestServer(t)
			loadScenario(t, router, s.ID)

			stock := stockOf(t, router)
			for bt, want := range s.Stock {
				assert.Equal(t, want, stock[bt], bt)
			}

			total := 0
			for _, n := range s.Stock {
				total += n
			}
			entries := decode[[]AuditEntryDTO](t, do(t, router, http.MethodGet, "/api/audit?action=INTAKE", nil))
			assert.Len(t, entries, total)
		})
	}
}

func TestLoadScenario_AddsToExistingStock(t *testing.T) {
	_, router := setupTestServer(t)

	loadScenario(t, router, "universal-only")
	loadScenario(t, router, "universal-only")

	assert.Equal(t, 12, stockOf(t, router)["O-"])
}

func TestLoadScenario_OldestUnitsFollowCanonicalOrder(t *testing.T) {
	_, router := setupTestServer(t)
	loadScenario(t, router, "textbook")

	units := decode[[]DonationDTO](t, do(t, router, http.MethodGet, "/api/donations", nil))
	require.Len(t, units, 18)
	for i := 1; i < len(units); i++ {
		assert.Less(t, units[i-1].CollectedAt, units[i].CollectedAt)
	}
	assert.Equal(t, "O+", units[0].BloodType)
	assert.Equal(t, "900000001", units[0].NationalID)
}

func TestCurrentScenario(t *testing.T) {
	_, router := setupTestServer(t)

	rec := do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())

	loadScenario(t, router, "balanced")

	rec = do(t, router, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "balanced", decode[ScenarioDTO](t, rec).ID)
}

func TestLoadScenario_Unknown(t *testing.T) {
	_, router := setupTestServer(t)

	rec := do(t, router, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "new-employee"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}
