// Package store provides auxiliary ledger.AuditSink implementations.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// MEMORY AUDIT SINK - In-memory implementation (for testing/dev)
// =============================================================================

// ErrSinkUnavailable is returned by a Memory sink set to fail.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

type Memory struct {
	mu      sync.RWMutex
	records []ledger.AuditRecord
	failing bool
}

func NewMemory() *Memory {
	return &Memory{}
}

// LogAudit appends rec, or fails when the sink is set to fail.
func (m *Memory) LogAudit(_ context.Context, rec ledger.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return ErrSinkUnavailable
	}
	m.records = append(m.records, rec)
	return nil
}

// SetFailing toggles failure mode.
func (m *Memory) SetFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// Records returns a copy of everything logged so far.
func (m *Memory) Records() []ledger.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}

// ByTable returns records for one table, in log order.
func (m *Memory) ByTable(table string) []ledger.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.AuditRecord
	for _, r := range m.records {
		if r.Table == table {
			out = append(out, r)
		}
	}
	return out
}

// Reset drops all records.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
}
