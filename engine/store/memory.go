// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/bloodbank-engine/bloodtype"
	"github.com/warp/bloodbank-engine/engine"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu            sync.RWMutex
	units         []engine.DonationUnit // index = ID-1
	dispensations []engine.DispensationRecord
	audit         []engine.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{}
}

// CountAvailable counts units of bt still available.
func (m *Memory) CountAvailable(_ context.Context, bt bloodtype.BloodType) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countLocked(bt), nil
}

// AvailableUnitIDs returns up to limit available IDs, earliest collected first.
func (m *Memory) AvailableUnitIDs(_ context.Context, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.availableLocked(bt, limit), nil
}

// MarkUnits transitions available units to status. Append-only in spirit:
// a status only ever moves forward.
func (m *Memory) MarkUnits(_ context.Context, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markLocked(ids, status), nil
}

// AppendUnit stores a new unit and assigns the next ID.
func (m *Memory) AppendUnit(_ context.Context, u engine.DonationUnit) (engine.UnitID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendUnitLocked(u), nil
}

// AppendDispensation stores a dispensation record.
func (m *Memory) AppendDispensation(_ context.Context, rec engine.DispensationRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendDispensationLocked(rec), nil
}

// AppendAudit stores an audit entry. There is no way to change it afterwards.
func (m *Memory) AppendAudit(_ context.Context, e engine.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendAuditLocked(e), nil
}

func (m *Memory) ListUnits(_ context.Context) ([]engine.DonationUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.DonationUnit(nil), m.units...), nil
}

func (m *Memory) ListDispensations(_ context.Context) ([]engine.DispensationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]engine.DispensationRecord(nil), m.dispensations...), nil
}

func (m *Memory) ListAudit(_ context.Context) ([]engine.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]engine.AuditEntry, len(m.audit))
	for i, e := range m.audit {
		e.Details = copyDetails(e.Details)
		out[i] = e
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// locked helpers
// -----------------------------------------------------------------------------

func (m *Memory) countLocked(bt bloodtype.BloodType) int {
	n := 0
	for _, u := range m.units {
		if u.BloodType == bt && u.Status == engine.StatusAvailable {
			n++
		}
	}
	return n
}

func (m *Memory) availableLocked(bt bloodtype.BloodType, limit int) []engine.UnitID {
	if limit <= 0 {
		return nil
	}
	var candidates []engine.DonationUnit
	for _, u := range m.units {
		if u.BloodType == bt && u.Status == engine.StatusAvailable {
			candidates = append(candidates, u)
		}
	}
	// FIFO: earliest collected first, ID breaks ties
	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].CollectedAt.Equal(candidates[j].CollectedAt) {
			return candidates[i].CollectedAt.Before(candidates[j].CollectedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	ids := make([]engine.UnitID, len(candidates))
	for i, u := range candidates {
		ids[i] = u.ID
	}
	return ids
}

func (m *Memory) markLocked(ids []engine.UnitID, status engine.Status) []engine.UnitID {
	var taken []engine.UnitID
	for _, id := range ids {
		idx := int(id) - 1
		if idx < 0 || idx >= len(m.units) {
			continue
		}
		if m.units[idx].Status != engine.StatusAvailable {
			continue
		}
		m.units[idx].Status = status
		taken = append(taken, id)
	}
	return taken
}

func (m *Memory) appendUnitLocked(u engine.DonationUnit) engine.UnitID {
	u.ID = engine.UnitID(len(m.units) + 1)
	if u.Status == "" {
		u.Status = engine.StatusAvailable
	}
	m.units = append(m.units, u)
	return u.ID
}

func (m *Memory) appendDispensationLocked(rec engine.DispensationRecord) int64 {
	rec.ID = int64(len(m.dispensations) + 1)
	m.dispensations = append(m.dispensations, rec)
	return rec.ID
}

func (m *Memory) appendAuditLocked(e engine.AuditEntry) int64 {
	e.ID = int64(len(m.audit) + 1)
	e.Details = copyDetails(e.Details)
	m.audit = append(m.audit, e)
	return e.ID
}

func copyDetails(d map[string]any) map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, which makes every claim atomic.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()

	txStore := &txMemoryView{parent: tm}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	units         []engine.DonationUnit
	dispensations []engine.DispensationRecord
	audit         []engine.AuditEntry
}

func (tm *TxMemory) snapshot() memorySnapshot {
	return memorySnapshot{
		units:         append([]engine.DonationUnit(nil), tm.units...),
		dispensations: append([]engine.DispensationRecord(nil), tm.dispensations...),
		audit:         append([]engine.AuditEntry(nil), tm.audit...),
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.units = s.units
	tm.dispensations = s.dispensations
	tm.audit = s.audit
}

// txMemoryView runs against the parent while its lock is already held.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CountAvailable(_ context.Context, bt bloodtype.BloodType) (int, error) {
	return tv.parent.countLocked(bt), nil
}

func (tv *txMemoryView) AvailableUnitIDs(_ context.Context, bt bloodtype.BloodType, limit int) ([]engine.UnitID, error) {
	return tv.parent.availableLocked(bt, limit), nil
}

func (tv *txMemoryView) MarkUnits(_ context.Context, ids []engine.UnitID, status engine.Status) ([]engine.UnitID, error) {
	return tv.parent.markLocked(ids, status), nil
}

func (tv *txMemoryView) AppendUnit(_ context.Context, u engine.DonationUnit) (engine.UnitID, error) {
	return tv.parent.appendUnitLocked(u), nil
}

func (tv *txMemoryView) AppendDispensation(_ context.Context, rec engine.DispensationRecord) (int64, error) {
	return tv.parent.appendDispensationLocked(rec), nil
}

func (tv *txMemoryView) AppendAudit(_ context.Context, e engine.AuditEntry) (int64, error) {
	return tv.parent.appendAuditLocked(e), nil
}

var (
	_ engine.Backend = (*TxMemory)(nil)
	_ engine.Store   = (*txMemoryView)(nil)
)
