package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditRecord is one entry of the generic audit trail kept by an external
// sink: who did what to which row, with before/after snapshots.
type AuditRecord struct {
	ID       string    `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Table    string    `json:"table"`
	RecordID string    `json:"record_id"`
	Before   any       `json:"before,omitempty"`
	After    any       `json:"after,omitempty"`
	At       time.Time `json:"at"`
}

// AuditSink receives audit records.
type AuditSink interface {
	LogAudit(ctx context.Context, rec AuditRecord) error
}

// auditor emits records best-effort once the surrounding unit of work has
// committed. A sink failure is logged and never reaches the caller.
type auditor struct {
	sink   AuditSink
	logger *slog.Logger
	now    func() time.Time
}

func (a auditor) record(ctx context.Context, s Store, actor, action, table, recordID string, before, after any) {
	if a.sink == nil {
		return
	}
	rec := AuditRecord{
		ID:       uuid.NewString(),
		Actor:    actor,
		Action:   action,
		Table:    table,
		RecordID: recordID,
		Before:   before,
		After:    after,
		At:       a.now().UTC(),
	}
	s.AfterCommit(func() {
		// Runs after commit, possibly after the request context is done.
		if err := a.sink.LogAudit(context.WithoutCancel(ctx), rec); err != nil {
			a.logger.Warn("audit log write failed",
				slog.String("action", action),
				slog.String("table", table),
				slog.String("record_id", recordID),
				slog.String("error", err.Error()))
		}
	})
}
