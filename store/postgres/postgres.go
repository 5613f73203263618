// Package postgres provides a PostgreSQL-backed engine.Backend.
//
// Statements are built with squirrel using dollar placeholders and run
// through database/sql with the pgx driver. Unlike the SQLite store there is
// no process-wide lock: concurrent claims are kept disjoint by
// SELECT ... FOR UPDATE SKIP LOCKED followed by a conditional UPDATE.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

const (
	driverName = "pgx"
	defaultDSN = "postgres://localhost/bloodbank?sslmode=disable"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store implements engine.Backend on PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens dsn (defaultDSN when empty), pings it and applies the schema.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS donations (
		id BIGSERIAL PRIMARY KEY,
		national_id TEXT NOT NULL CHECK (national_id ~ '^[0-9]{9}$'),
		donor_name TEXT NOT NULL CHECK (length(donor_name) > 0),
		blood_type TEXT NOT NULL CHECK (blood_type IN ('O+','O-','A+','A-','B+','B-','AB+','AB-')),
		collected_at TIMESTAMPTZ NOT NULL,
		status TEXT NOT NULL DEFAULT 'available'
			CHECK (status IN ('available','dispensed','emergency_dispensed'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_donations_claim
		ON donations(blood_type, status, collected_at, id)`,
	`CREATE TABLE IF NOT EXISTS dispensations (
		id BIGSERIAL PRIMARY KEY,
		blood_type TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		dispensed_at TIMESTAMPTZ NOT NULL,
		mode TEXT NOT NULL CHECK (mode IN ('routine','emergency'))
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT,
		details JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
	`CREATE OR REPLACE FUNCTION bloodbank_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION '% is append-only', TG_TABLE_NAME;
	END;
	$$ LANGUAGE plpgsql`,
	`CREATE OR REPLACE FUNCTION bloodbank_forward_only() RETURNS trigger AS $$
	BEGIN
		IF OLD.status <> 'available'
			OR NEW.status = 'available'
			OR NEW.id <> OLD.id
			OR NEW.national_id <> OLD.national_id
			OR NEW.donor_name <> OLD.donor_name
			OR NEW.blood_type <> OLD.blood_type
			OR NEW.collected_at <> OLD.collected_at THEN
			RAISE EXCEPTION 'donation status only moves forward from available';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS audit_log_append_only ON audit_log`,
	`CREATE TRIGGER audit_log_append_only BEFORE UPDATE OR DELETE ON audit_log
		FOR EACH ROW EXECUTE FUNCTION bloodbank_append_only()`,
	`DROP TRIGGER IF EXISTS dispensations_append_only ON dispensations`,
	`CREATE TRIGGER dispensations_append_only BEFORE UPDATE OR DELETE ON dispensations
		FOR EACH ROW EXECUTE FUNCTION bloodbank_append_only()`,
	`DROP TRIGGER IF EXISTS donations_no_delete ON donations`,
	`CREATE TRIGGER donations_no_delete BEFORE DELETE ON donations
		FOR EACH ROW EXECUTE FUNCTION bloodbank_append_only()`,
	`DROP TRIGGER IF EXISTS donations_forward_only ON donations`,
	`CREATE TRIGGER donations_forward_only BEFORE UPDATE ON donations
		FOR EACH ROW EXECUTE FUNCTION bloodbank_forward_only()`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// runner is satisfied by both *sql.DB and *sql.Tx.
type runner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// QUERY BUILDERS
// =============================================================================

func countQuery(bt bloodtype.BloodType) sq.SelectBuilder {
	return psql.Select("COUNT(*)").
		From("donations").
		Where(sq.Eq{"blood_type": string(bt)}).
		Where(sq.Eq{"status": string(engine.StatusAvailable)})
}

func claimQuery(bt bloodtype.BloodType, limit int) sq.SelectBuilder {
	return psql.Select("id").
		From("donations").
		Where(sq.Eq{"blood_type": string(bt)}).
		Where(sq.Eq{"status": string(engine.StatusAvailable)}).
		OrderBy("collected_at ASC", "id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
}

// markBatchSize bounds the ids bound per UPDATE; postgres accepts at most
// 65535 parameters per statement.
const markBatchSize = 1000

func batchIDs(ids []engine.UnitID, size int) [][]engine.UnitID {
	var out [][]engine.UnitID
	for start := 0; start < len(ids); start += size {
		out = append(out, ids[start:min(start+size, len(ids))])
	}
	return out
}

func markQuery(ids []engine.UnitID, status engine.Status) sq.UpdateBuilder {
	raw := make([]int64, len(ids))
	for i, id := range ids {
		raw[i] = int64(id)
	}
	return psql.Update("donations").
		Set("status", string(status)).
		Where(sq.Eq{"id": raw}).
		Where(sq.Eq{"status": string(engine.StatusAvailable)}).
		Suffix("RETURNING id")
}

func insertUnitQuery(u engine.DonationUnit) sq.InsertBuilder {
	status := u.Status
	if status == "" {
		status = engine.StatusAvailable
	}
	return psql.Insert("donations").
		Columns("national_id", "donor_name", "blood_type", "collected_at", "status").
		Values(u.Donor.NationalID, u.Donor.Name, string(u.BloodType), u.CollectedAt.UTC(), string(status)).
		Suffix("RETURNING id")
}

func insertDispensationQuery(rec engine.DispensationRecord) sq.InsertBuilder {
	return psql.Insert("dispensations").
		Columns("blood_type", "quantity", "dispensed_at", "mode").
		Values(string(rec.BloodType), rec.Quantity, rec.DispensedAt.UTC(), string(rec.Mode)).
		Suffix("RETURNING id")
}

func insertAuditQuery(e engine.AuditEntry) (sq.InsertBuilder, error) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return sq.InsertBuilder{}, err
	}
	var entityID any
	if e.EntityID != "" {
		entityID = e.EntityID
	}
	return psql.Insert("audit_log").
		Columns("ts", "actor", "action", "entity", "entity_id", "details").
		Values(e.Timestamp.UTC(), e.Actor, string(e.Action), e.Entity, entityID, string(raw)).
		Suffix("RETURNING id"), nil
}

// =============================================================================
// OPERATIONS - shared by Store and txStore
// =============================================================================

func queryInt(ctx context.Context, db runner, b sq.Sqlizer, op string) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, engine.WrapStorage(op, err)
	}
	var n int64
	if err := db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, engine.WrapStorage(op, err)
	}
	return n, nil
}

func queryIDs(ctx context.Context, db runner, b sq.Sqlizer, op string) ([]engine.UnitID, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, engine.WrapStorage(op, err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage(op, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []engine.UnitID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, engine.WrapStorage(op, err)
		}
		ids = append(ids, engine.UnitID(id))
	}
	return ids, engine.WrapStorage(op, rows.Err())
}

func countAvailable(ctx context.Context, db runner, bt bloodtype.BloodType) (int, error) {
	n, err := queryInt(ctx, db, countQuery(bt), "count available")
	return int(n), err
}

func availableUnitIDs(ctx context.Context, db runner, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	if limit <= 0 {
		return nil, nil
	}
	return queryIDs(ctx, db, claimQuery(bt, limit), "fetch available units")
}

func markUnits(ctx context.Context, db runner, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if !status.Valid() || status == engine.StatusAvailable {
		return nil, &engine.ValidationError{Field: "status", Value: string(status), Reason: "must be a dispensed state"}
	}
	set := make(map[engine.UnitID]bool, len(ids))
	for _, batch := range batchIDs(ids, markBatchSize) {
		updated, err := queryIDs(ctx, db, markQuery(batch, status), "mark units")
		if err != nil {
			return nil, err
		}
		for _, id := range updated {
			set[id] = true
		}
	}
	var out []engine.UnitID
	for _, id := range ids {
		if set[id] {
			out = append(out, id)
			delete(set, id)
		}
	}
	return out, nil
}

func appendUnit(ctx context.Context, db runner, u engine.DonationUnit) (engine.UnitID, error) {
	id, err := queryInt(ctx, db, insertUnitQuery(u), "append unit")
	return engine.UnitID(id), err
}

func appendDispensation(ctx context.Context, db runner, rec engine.DispensationRecord) (int64, error) {
	return queryInt(ctx, db, insertDispensationQuery(rec), "append dispensation")
}

func appendAudit(ctx context.Context, db runner, e engine.AuditEntry) (int64, error) {
	b, err := insertAuditQuery(e)
	if err != nil {
		return 0, engine.WrapStorage("encode audit details", err)
	}
	return queryInt(ctx, db, b, "append audit entry")
}

// =============================================================================
// STORE
// =============================================================================

func (s *Store) CountAvailable(ctx context.Context, bt bloodtype.BloodType) (int, error) {
	return countAvailable(ctx, s.db, bt)
}

// AvailableUnitIDs outside a transaction only peeks: the row locks are
// released as soon as the statement finishes.
func (s *Store) AvailableUnitIDs(ctx context.Context, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	return availableUnitIDs(ctx, s.db, bt, limit)
}

func (s *Store) MarkUnits(ctx context.Context, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	var marked []engine.UnitID
	err := s.WithTx(ctx, func(tx engine.Store) error {
		var err error
		marked, err = tx.MarkUnits(ctx, ids, status)
		return err
	})
	return marked, err
}

func (s *Store) AppendUnit(ctx context.Context, u engine.DonationUnit) (engine.UnitID, error) {
	return appendUnit(ctx, s.db, u)
}

func (s *Store) AppendDispensation(ctx context.Context, rec engine.DispensationRecord) (int64, error) {
	return appendDispensation(ctx, s.db, rec)
}

func (s *Store) AppendAudit(ctx context.Context, e engine.AuditEntry) (int64, error) {
	return appendAudit(ctx, s.db, e)
}

// WithTx executes fn in a READ COMMITTED transaction.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.WrapStorage("begin transaction", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return engine.WrapStorage("commit", tx.Commit())
}

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
// EXPORTS
// =============================================================================

func (s *Store) ListUnits(ctx context.Context) ([]engine.DonationUnit, error) {
	query, args, err := psql.Select("id", "national_id", "donor_name", "blood_type", "collected_at", "status").
		From("donations").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, engine.WrapStorage("list units", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("list units", err)
	}
	defer func() { _ = rows.Close() }()

	var units []engine.DonationUnit
	for rows.Next() {
		var (
			u          engine.DonationUnit
			id         int64
			bt, status string
		)
		if err := rows.Scan(&id, &u.Donor.NationalID, &u.Donor.Name, &bt, &u.CollectedAt, &status); err != nil {
			return nil, engine.WrapStorage("scan unit", err)
		}
		u.ID = engine.UnitID(id)
		u.BloodType = bloodtype.BloodType(bt)
		u.Status = engine.Status(status)
		u.CollectedAt = u.CollectedAt.UTC()
		units = append(units, u)
	}
	return units, engine.WrapStorage("list units", rows.Err())
}

func (s *Store) ListDispensations(ctx context.Context) ([]engine.DispensationRecord, error) {
	query, args, err := psql.Select("id", "blood_type", "quantity", "dispensed_at", "mode").
		From("dispensations").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, engine.WrapStorage("list dispensations", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("list dispensations", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []engine.DispensationRecord
	for rows.Next() {
		var (
			rec      engine.DispensationRecord
			bt, mode string
		)
		if err := rows.Scan(&rec.ID, &bt, &rec.Quantity, &rec.DispensedAt, &mode); err != nil {
			return nil, engine.WrapStorage("scan dispensation", err)
		}
		rec.BloodType = bloodtype.BloodType(bt)
		rec.Mode = engine.Mode(mode)
		rec.DispensedAt = rec.DispensedAt.UTC()
		recs = append(recs, rec)
	}
	return recs, engine.WrapStorage("list dispensations", rows.Err())
}

func (s *Store) ListAudit(ctx context.Context) ([]engine.AuditEntry, error) {
	query, args, err := psql.Select("id", "ts", "actor", "action", "entity", "entity_id", "details").
		From("audit_log").OrderBy("id ASC").ToSql()
	if err != nil {
		return nil, engine.WrapStorage("list audit", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, engine.WrapStorage("list audit", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []engine.AuditEntry
	for rows.Next() {
		var (
			e        engine.AuditEntry
			ts       time.Time
			action   string
			entityID sql.NullString
			details  []byte
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &action, &e.Entity, &entityID, &details); err != nil {
			return nil, engine.WrapStorage("scan audit entry", err)
		}
		e.Timestamp = ts.UTC()
		e.Action = engine.AuditAction(action)
		e.EntityID = entityID.String
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, engine.WrapStorage("decode audit details", err)
		}
		entries = append(entries, e)
	}
	return entries, engine.WrapStorage("list audit", rows.Err())
}

// Compile-time interface checks
var (
	_ engine.Backend = (*Store)(nil)
	_ engine.Store   = (*txStore)(nil)
)
