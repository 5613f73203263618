/*
audit.go - Append-only audit trail

PURPOSE:
  Every inventory-affecting action leaves an AuditEntry: who, what, on
  which entity, with structured details.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: AuditTrail exposes Record and nothing else
  2. NEVER SILENT: a storage failure is returned to the caller, since the
     trail is a compliance record, not best-effort logging
  3. SAME TRANSACTION: the executor records through the transactional
     store, so an audit failure rolls back the status change it describes

ACTOR:
  The acting user travels in the context (WithActor). Operations invoked
  without one are attributed to DefaultActor.
*/
package engine

import (
	"context"
	"strings"
	"time"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditAction names what happened.
type AuditAction string

const (
	ActionIntake         AuditAction = "INTAKE"
	ActionIssueRoutine   AuditAction = "ISSUE_ROUTINE"
	ActionIssueEmergency AuditAction = "ISSUE_EMERGENCY"
)

// Audited entities.
const (
	EntityDonations     = "donations"
	EntityDispensations = "dispensations"
)

// AuditEntry records who did what when. Immutable once written.
type AuditEntry struct {
	ID        int64
	Timestamp time.Time
	Actor     string
	Action    AuditAction
	Entity    string
	EntityID  string // empty when the action has no single target
	Details   map[string]any
}

// =============================================================================
// ACTOR CONTEXT
// =============================================================================

// DefaultActor is used when the context carries no actor.
const DefaultActor = "system"

type actorKey struct{}

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, strings.TrimSpace(actor))
}

// ActorFrom returns the actor attached to ctx, or DefaultActor.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return DefaultActor
}

// =============================================================================
// AUDIT TRAIL
// =============================================================================

// AuditTrail appends entries through an AuditWriter.
type AuditTrail struct {
	w   AuditWriter
	now func() time.Time
}

// NewAuditTrail returns a trail writing to w. A nil clock means time.Now.
func NewAuditTrail(w AuditWriter, now func() time.Time) *AuditTrail {
	if now == nil {
		now = time.Now
	}
	return &AuditTrail{w: w, now: now}
}

// Record appends one entry. entityID may be empty.
func (a *AuditTrail) Record(ctx context.Context, actor string, action AuditAction, entity, entityID string, details map[string]any) error {
	if strings.TrimSpace(actor) == "" {
		actor = DefaultActor
	}
	if action == "" {
		return &ValidationError{Field: "action", Reason: "must not be empty"}
	}
	if entity == "" {
		return &ValidationError{Field: "entity", Reason: "must not be empty"}
	}
	if details == nil {
		details = map[string]any{}
	}

	_, err := a.w.AppendAudit(ctx, AuditEntry{
		Timestamp: a.now().UTC(),
		Actor:     actor,
		Action:    action,
		Entity:    entity,
		EntityID:  entityID,
		Details:   details,
	})
	return WrapStorage("append audit entry", err)
}
