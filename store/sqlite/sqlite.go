/*
Package sqlite provides a SQLite-backed implementation of engine.Backend.

PURPOSE:
  Persists donation units, dispensation records and the audit trail in a
  single SQLite file. Two drivers are supported: mattn/go-sqlite3 (cgo, the
  default) and modernc.org/sqlite (pure Go, for cgo-free builds).

INTERFACES IMPLEMENTED:
  engine.TxStore:     counts, FIFO claims, appends, WithTx
  engine.ExportStore: full listings in insertion order

APPEND-ONLY ENFORCEMENT:
  Triggers make the database itself refuse what the engine never does:
  - No UPDATE or DELETE on audit_log
  - No UPDATE or DELETE on dispensations
  - No DELETE on donations
  - A donation's status only moves from 'available' to a dispensed state

KEY TABLES:
  donations:     one row per collected unit
  dispensations: one row per donor-type group issued
  audit_log:     compliance trail, details as JSON

INDEXES:
  - idx_donations_claim: (blood_type, status, collected_at, id), which
    serves both CountAvailable and the FIFO claim

CONCURRENCY:
  One open connection (SetMaxOpenConns(1)) plus a sync.RWMutex. WithTx takes
  the write lock, so a claim's read and conditional update cannot
  interleave with another claim. The conditional UPDATE re-checks
  status = 'available' regardless.

TIME FORMAT:
  Timestamps are stored as fixed-width UTC text (timeLayout) so that
  lexical order is chronological order.

USAGE:
  store, err := sqlite.New("./data/bloodbank.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := engine.NewService(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - engine/store.go: Interface definitions
  - engine/store/memory.go: In-memory implementation for testing
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// Driver names as registered with database/sql.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

const timeLayout = "2006-01-02 15:04:05.000000"

// Store implements engine.Backend using SQLite.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	driver string
}

// New creates a new SQLite store with the given database path using the
// mattn driver. Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	return NewWithDriver(DriverMattn, dbPath)
}

// NewWithDriver opens dbPath with the named driver (DriverMattn or DriverModernc).
func NewWithDriver(driver, dbPath string) (*Store, error) {
	dsn, err := buildDSN(driver, dbPath)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases are per connection; one connection also
	// serialises writers the way SQLite wants them.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, driver: driver}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func buildDSN(driver, dbPath string) (string, error) {
	switch driver {
	case DriverMattn:
		return dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", nil
	case DriverModernc:
		return dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", nil
	default:
		return "", fmt.Errorf("unknown sqlite driver %q (want %q or %q)", driver, DriverMattn, DriverModernc)
	}
}

// Driver reports which database/sql driver the store was opened with.
func (s *Store) Driver() string { return s.driver }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Donation units: mutated only by a single forward status transition
	CREATE TABLE IF NOT EXISTS donations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		national_id TEXT NOT NULL CHECK (length(national_id) = 9),
		donor_name TEXT NOT NULL CHECK (length(donor_name) > 0),
		blood_type TEXT NOT NULL CHECK (blood_type IN ('O+','O-','A+','A-','B+','B-','AB+','AB-')),
		collected_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available','dispensed','emergency_dispensed'))
	);

	-- Hot path: count and FIFO claim per type
	CREATE INDEX IF NOT EXISTS idx_donations_claim
		ON donations(blood_type, status, collected_at, id);

	-- Dispensations (append-only)
	CREATE TABLE IF NOT EXISTS dispensations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		blood_type TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		dispensed_at TEXT NOT NULL,
		mode TEXT NOT NULL CHECK (mode IN ('routine','emergency'))
	);

	-- Audit trail (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT,
		details_json TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_action
		ON audit_log(action);

	CREATE TRIGGER IF NOT EXISTS audit_log_no_update
	BEFORE UPDATE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS audit_log_no_delete
	BEFORE DELETE ON audit_log
	BEGIN
		SELECT RAISE(ABORT, 'audit_log is append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS dispensations_no_update
	BEFORE UPDATE ON dispensations
	BEGIN
		SELECT RAISE(ABORT, 'dispensations are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS dispensations_no_delete
	BEFORE DELETE ON dispensations
	BEGIN
		SELECT RAISE(ABORT, 'dispensations are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS donations_no_delete
	BEFORE DELETE ON donations
	BEGIN
		SELECT RAISE(ABORT, 'donation units are never deleted');
	END;

	CREATE TRIGGER IF NOT EXISTS donations_forward_only
	BEFORE UPDATE ON donations
	WHEN OLD.status <> 'available'
		OR NEW.status = 'available'
		OR NEW.id <> OLD.id
		OR NEW.national_id <> OLD.national_id
		OR NEW.donor_name <> OLD.donor_name
		OR NEW.blood_type <> OLD.blood_type
		OR NEW.collected_at <> OLD.collected_at
	BEGIN
		SELECT RAISE(ABORT, 'donation status only moves forward from available');
	END;
	`

	_, err := s.db.Exec(schema)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// STORE (engine.Store interface)
// =============================================================================

// CountAvailable counts available units of bt.
func (s *Store) CountAvailable(ctx context.Context, bt bloodtype.BloodType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countAvailable(ctx, s.db, bt)
}

// AvailableUnitIDs returns up to limit available IDs, earliest collected first.
func (s *Store) AvailableUnitIDs(ctx context.Context, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return availableUnitIDs(ctx, s.db, bt, limit)
}

// MarkUnits conditionally transitions ids to status and returns the ones
// that were still available.
// Large id lists are marked in batches, so the call runs in its own
// transaction to stay all-or-nothing.
func (s *Store) MarkUnits(ctx context.Context, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	var marked []engine.UnitID
	err := s.WithTx(ctx, func(tx engine.Store) error {
		var err error
		marked, err = tx.MarkUnits(ctx, ids, status)
		return err
	})
	return marked, err
}

// AppendUnit inserts a new donation unit.
func (s *Store) AppendUnit(ctx context.Context, u engine.DonationUnit) (engine.UnitID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendUnit(ctx, s.db, u)
}

// AppendDispensation inserts a dispensation record.
func (s *Store) AppendDispensation(ctx context.Context, rec engine.DispensationRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendDispensation(ctx, s.db, rec)
}

// AppendAudit inserts an audit entry.
func (s *Store) AppendAudit(ctx context.Context, e engine.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func countAvailable(ctx context.Context, db execer, bt bloodtype.BloodType) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM donations WHERE blood_type = ? AND status = 'available'`,
		string(bt),
	).Scan(&n)
	if err != nil {
		return 0, engine.WrapStorage("count available", err)
	}
	return n, nil
}

func availableUnitIDs(ctx context.Context, db execer, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM donations
		WHERE blood_type = ? AND status = 'available'
		ORDER BY collected_at ASC, id ASC
		LIMIT ?
	`, string(bt), limit)
	if err != nil {
		return nil, engine.WrapStorage("fetch available units", err)
	}
	defer rows.Close()

	var ids []engine.UnitID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, engine.WrapStorage("scan unit id", err)
		}
		ids = append(ids, engine.UnitID(id))
	}
	return ids, engine.WrapStorage("fetch available units", rows.Err())
}

func markUnits(ctx context.Context, db execer, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !status.Valid() || status == engine.StatusAvailable {
		return nil, &engine.ValidationError{Field: "status", Value: string(status), Reason: "must be a dispensed state"}
	}

	updated := make(map[engine.UnitID]bool, len(ids))
	for start := 0; start < len(ids); start += markBatchSize {
		end := min(start+markBatchSize, len(ids))
		if err := markBatch(ctx, db, ids[start:end], status, updated); err != nil {
			return nil, err
		}
	}
	return inputOrder(ids, updated), nil
}

// markBatchSize keeps each UPDATE well under SQLite's bound-variable limit
// (32766 since 3.32, 999 before). Batches share the caller's transaction.
const markBatchSize = 500

func markBatch(ctx context.Context, db execer, ids []engine.UnitID, status engine.Status, updated map[engine.UnitID]bool) error {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(status))
	for _, id := range ids {
		args = append(args, int64(id))
	}

	rows, err := db.QueryContext(ctx, `
		UPDATE donations SET status = ?
		WHERE status = 'available' AND id IN (`+placeholders+`)
		RETURNING id
	`, args...)
	if err != nil {
		return engine.WrapStorage("mark units", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return engine.WrapStorage("scan marked id", err)
		}
		updated[engine.UnitID(id)] = true
	}
	return engine.WrapStorage("mark units", rows.Err())
}

// inputOrder returns the ids present in set, in the caller's order.
// RETURNING gives no ordering guarantee.
func inputOrder(ids []engine.UnitID, set map[engine.UnitID]bool) []engine.UnitID {
	var out []engine.UnitID
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out
}

func appendUnit(ctx context.Context, db execer, u engine.DonationUnit) (engine.UnitID, error) {
	status := u.Status
	if status == "" {
		status = engine.StatusAvailable
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO donations (national_id, donor_name, blood_type, collected_at, status)
		VALUES (?, ?, ?, ?, ?)
	`,
		u.Donor.NationalID,
		u.Donor.Name,
		string(u.BloodType),
		formatTime(u.CollectedAt),
		string(status),
	)
	if err != nil {
		return 0, engine.WrapStorage("append unit", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, engine.WrapStorage("append unit", err)
	}
	return engine.UnitID(id), nil
}

func appendDispensation(ctx context.Context, db execer, rec engine.DispensationRecord) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO dispensations (blood_type, quantity, dispensed_at, mode)
		VALUES (?, ?, ?, ?)
	`,
		string(rec.BloodType),
		rec.Quantity,
		formatTime(rec.DispensedAt),
		string(rec.Mode),
	)
	if err != nil {
		return 0, engine.WrapStorage("append dispensation", err)
	}
	id, err := res.LastInsertId()
	return id, engine.WrapStorage("append dispensation", err)
}

func appendAudit(ctx context.Context, db execer, e engine.AuditEntry) (int64, error) {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return 0, engine.WrapStorage("encode audit details", err)
	}
	if e.Details == nil {
		detailsJSON = []byte("{}")
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (ts, actor, action, entity, entity_id, details_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		formatTime(e.Timestamp),
		e.Actor,
		string(e.Action),
		e.Entity,
		nullString(e.EntityID),
		string(detailsJSON),
	)
	if err != nil {
		return 0, engine.WrapStorage("append audit entry", err)
	}
	id, err := res.LastInsertId()
	return id, engine.WrapStorage("append audit entry", err)
}

// =============================================================================
// TRANSACTIONAL STORE (engine.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.WrapStorage("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return engine.WrapStorage("commit", sqlTx.Commit())
}

// txStore runs every operation on the open *sql.Tx. Going through s.db
// here would block on the single pooled connection.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CountAvailable(ctx context.Context, bt bloodtype.BloodType) (int, error) {
	return countAvailable(ctx, ts.tx, bt)
}

func (ts *txStore) AvailableUnitIDs(ctx context.Context, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	return availableUnitIDs(ctx, ts.tx, bt, limit)
}

func (ts *txStore) MarkUnits(ctx context.Context, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	return markUnits(ctx, ts.tx, ids, status)
}

func (ts *txStore) AppendUnit(ctx context.Context, u engine.DonationUnit) (engine.UnitID, error) {
	return appendUnit(ctx, ts.tx, u)
}

func (ts *txStore) AppendDispensation(ctx context.Context, rec engine.DispensationRecord) (int64, error) {
	return appendDispensation(ctx, ts.tx, rec)
}

func (ts *txStore) AppendAudit(ctx context.Context, e engine.AuditEntry) (int64, error) {
	return appendAudit(ctx, ts.tx, e)
}

// =============================================================================
// EXPORTS (engine.ExportStore interface)
// =============================================================================

// ListUnits returns every donation unit ordered by ID.
func (s *Store) ListUnits(ctx context.Context) ([]engine.DonationUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, national_id, donor_name, blood_type, collected_at, status
		FROM donations ORDER BY id ASC
	`)
	if err != nil {
		return nil, engine.WrapStorage("list units", err)
	}
	defer rows.Close()

	var units []engine.DonationUnit
	for rows.Next() {
		var (
			u           engine.DonationUnit
			id          int64
			bt, status  string
			collectedAt string
		)
		if err := rows.Scan(&id, &u.Donor.NationalID, &u.Donor.Name, &bt, &collectedAt, &status); err != nil {
			return nil, engine.WrapStorage("scan unit", err)
		}
		u.ID = engine.UnitID(id)
		u.BloodType = bloodtype.BloodType(bt)
		u.Status = engine.Status(status)
		if u.CollectedAt, err = parseTime(collectedAt); err != nil {
			return nil, engine.WrapStorage("parse collected_at", err)
		}
		units = append(units, u)
	}
	return units, engine.WrapStorage("list units", rows.Err())
}

// ListDispensations returns every dispensation record ordered by ID.
func (s *Store) ListDispensations(ctx context.Context) ([]engine.DispensationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, blood_type, quantity, dispensed_at, mode
		FROM dispensations ORDER BY id ASC
	`)
	if err != nil {
		return nil, engine.WrapStorage("list dispensations", err)
	}
	defer rows.Close()

	var recs []engine.DispensationRecord
	for rows.Next() {
		var (
			rec         engine.DispensationRecord
			bt, mode    string
			dispensedAt string
		)
		if err := rows.Scan(&rec.ID, &bt, &rec.Quantity, &dispensedAt, &mode); err != nil {
			return nil, engine.WrapStorage("scan dispensation", err)
		}
		rec.BloodType = bloodtype.BloodType(bt)
		rec.Mode = engine.Mode(mode)
		if rec.DispensedAt, err = parseTime(dispensedAt); err != nil {
			return nil, engine.WrapStorage("parse dispensed_at", err)
		}
		recs = append(recs, rec)
	}
	return recs, engine.WrapStorage("list dispensations", rows.Err())
}

// ListAudit returns the audit trail ordered by ID.
func (s *Store) ListAudit(ctx context.Context) ([]engine.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, actor, action, entity, entity_id, details_json
		FROM audit_log ORDER BY id ASC
	`)
	if err != nil {
		return nil, engine.WrapStorage("list audit", err)
	}
	defer rows.Close()

	var entries []engine.AuditEntry
	for rows.Next() {
		var (
			e           engine.AuditEntry
			ts, action  string
			entityID    sql.NullString
			detailsJSON string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &action, &e.Entity, &entityID, &detailsJSON); err != nil {
			return nil, engine.WrapStorage("scan audit entry", err)
		}
		e.Action = engine.AuditAction(action)
		e.EntityID = entityID.String
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, engine.WrapStorage("parse audit ts", err)
		}
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return nil, engine.WrapStorage("decode audit details", err)
		}
		entries = append(entries, e)
	}
	return entries, engine.WrapStorage("list audit", rows.Err())
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time interface checks
var (
	_ engine.Backend = (*Store)(nil)
	_ engine.Store   = (*txStore)(nil)
)
