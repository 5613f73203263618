/*
store.go - Storage collaborator interfaces

PURPOSE:
  Defines what the engine needs from persistence. The engine owns no
  state of its own; every count and every unit lives behind these
  interfaces.

KEY INTERFACES:
  Counter:     count-available-by-type (all the planner may touch)
  Store:       primitives used by the executor and intake
  TxStore:     Store + WithTx for atomic per-donor-type groups
  ExportStore: bulk retrieval in insertion order for export collaborators
  Backend:     everything a Service needs

ATOMIC CLAIM:
  MarkUnits is a conditional transition: only units still available are
  moved, and only the IDs actually moved are returned. Two callers racing
  for the same IDs therefore receive disjoint sets.

APPEND-ONLY:
  Units are never deleted. Dispensation records and audit entries are
  never updated or deleted. None of these interfaces expose such methods.

IMPLEMENTATIONS:
  - engine/store/memory.go:     in-memory, for tests and dev
  - store/sqlite/sqlite.go:     SQLite (mattn or modernc driver)
  - store/postgres/postgres.go: PostgreSQL via pgx
*/
package engine

import (
	"context"

	"github.com/warp/bloodbank-engine/bloodtype"
)

// Counter reports available stock. Read-only.
type Counter interface {
	CountAvailable(ctx context.Context, bt bloodtype.BloodType) (int, error)
}

// AuditWriter is the only write path into the audit table.
type AuditWriter interface {
	AppendAudit(ctx context.Context, entry AuditEntry) (int64, error)
}

// Store is the set of primitives the engine consumes.
type Store interface {
	Counter
	AuditWriter

	// AvailableUnitIDs returns up to limit available unit IDs of type bt,
	// earliest collected first.
	AvailableUnitIDs(ctx context.Context, bt bloodtype.BloodType, limit int) ([]UnitID, error)

	// MarkUnits moves the given units from available to status and returns
	// the IDs that were actually transitioned. Units no longer available are
	// skipped silently.
	MarkUnits(ctx context.Context, ids []UnitID, status Status) ([]UnitID, error)

	// AppendUnit persists a new unit and returns its assigned ID.
	AppendUnit(ctx context.Context, unit DonationUnit) (UnitID, error)

	// AppendDispensation persists a dispensation summary.
	AppendDispensation(ctx context.Context, rec DispensationRecord) (int64, error)
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, everything fn wrote is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// ExportStore returns everything in insertion order.
type ExportStore interface {
	ListUnits(ctx context.Context) ([]DonationUnit, error)
	ListDispensations(ctx context.Context) ([]DispensationRecord, error)
	ListAudit(ctx context.Context) ([]AuditEntry, error)
}

// Backend is a complete storage collaborator.
type Backend interface {
	TxStore
	ExportStore
}
