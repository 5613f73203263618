/*
scenarios.go - Demo stock loaders for testing and demonstrations

PURPOSE:

	Provides pre-built stock sets that populate the inventory with realistic
	data for demos. Each scenario takes in synthetic donation units through
	the normal intake path, so every unit is validated and audited.

AVAILABLE SCENARIOS:

	textbook:       O-:3, O+:5, A-:0, A+:10 (the worked A+ example)
	universal-only: only O- units on the shelf
	balanced:       four units of every type
	shortage:       thin stock, rare negatives empty

HOW SCENARIOS WORK:
 1. Look up the scenario stock set
 2. Take in units type by type in canonical order, oldest first
 3. Record the scenario as current

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "textbook"}

NOTE:

	Units are never deleted, so loading a scenario adds to existing stock
	instead of replacing it. Use a fresh database for a clean demo.

SEE ALSO:
  - handlers.go: Intake endpoint used by the same flow
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "textbook",
		Name:        "Textbook Example",
		Description: "A+ request of 12 draws 10 A+ then 2 O+; a request of 25 leaves a shortfall",
		Stock:       map[string]int{"O-": 3, "O+": 5, "A-": 0, "A+": 10},
	},
	{
		ID:          "universal-only",
		Name:        "Universal Donor Only",
		Description: "Only O- on the shelf: every routine plan falls back to the universal donor",
		Stock:       map[string]int{"O-": 6},
	},
	{
		ID:          "balanced",
		Name:        "Balanced Shelf",
		Description: "Four units of every type",
		Stock: map[string]int{
			"O+": 4, "O-": 4, "A+": 4, "A-": 4,
			"B+": 4, "B-": 4, "AB+": 4, "AB-": 4,
		},
	},
	{
		ID:          "shortage",
		Name:        "Shortage",
		Description: "Thin stock with rare negatives empty: plans come back partial",
		Stock:       map[string]int{"O+": 2, "A+": 1, "B+": 1, "AB+": 1, "O-": 1},
	},
}

func findScenario(id string) (ScenarioDTO, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return ScenarioDTO{}, false
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the last loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s)
}

// LoadScenario takes in a predefined stock set.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	n, err := h.loadStock(ctx, s.Stock)
	h.refreshStock(ctx)
	if err != nil {
		writeEngineError(w, fmt.Sprintf("Failed to load scenario after %d units", n), err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario": s.ID, "units": n})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// loadStock takes in stock[type] units per type. Units are dated one hour
// apart ending an hour ago, so FIFO order follows canonical type order.
func (h *Handler) loadStock(ctx context.Context, stock map[string]int) (int, error) {
	total := 0
	for _, qty := range stock {
		total += qty
	}

	base := h.now().UTC().Add(-time.Duration(total+1) * time.Hour)
	n := 0
	for _, bt := range bloodtype.All() {
		for i := 0; i < stock[bt.String()]; i++ {
			n++
			donor := engine.DonorIdentity{
				NationalID: fmt.Sprintf("9%08d", n),
				Name:       fmt.Sprintf("Demo Donor %d", n),
			}
			if _, err := h.Service.Intake(ctx, donor, bt, base.Add(time.Duration(n)*time.Hour)); err != nil {
				return n - 1, err
			}
			h.Metrics.observeIntake(bt.String())
		}
	}
	return n, nil
}
