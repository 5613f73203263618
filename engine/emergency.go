package engine

import (
	"context"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// =============================================================================
// EMERGENCY ISSUER - O-negative fast path
// =============================================================================

// EmergencyIssuer bypasses compatibility selection entirely and draws from
// the universal donor bucket using the executor's primitives.
type EmergencyIssuer struct {
	exec *Executor
}

// NewEmergencyIssuer returns an issuer sharing exec's store and clock.
func NewEmergencyIssuer(exec *Executor) *EmergencyIssuer {
	return &EmergencyIssuer{exec: exec}
}

// IssueAll takes every currently available O- unit. Returns 0 (not an error)
// when the bucket is empty, in which case nothing is written.
func (e *EmergencyIssuer) IssueAll(ctx context.Context) (int, error) {
	return e.exec.issue(ctx, bloodtype.UniversalDonor, 0, ModeEmergency, ActionIssueEmergency,
		map[string]any{"scope": "all"})
}

// Issue takes up to units O- units, earliest collected first.
func (e *EmergencyIssuer) Issue(ctx context.Context, units int) (int, error) {
	if units <= 0 {
		return 0, invalidQuantity("units", units)
	}
	return e.exec.issue(ctx, bloodtype.UniversalDonor, units, ModeEmergency, ActionIssueEmergency,
		map[string]any{"scope": "bounded", "requested": units})
}
