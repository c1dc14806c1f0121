package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// AUDIT LOG - default ledger.AuditSink
// =============================================================================

// LogAudit appends rec to audit_log. It is called after the business
// transaction committed and writes in its own statement.
func (s *Store) LogAudit(ctx context.Context, rec ledger.AuditRecord) error {
	before, err := encodeSnapshot(rec.Before)
	if err != nil {
		return err
	}
	after, err := encodeSnapshot(rec.After)
	if err != nil {
		return err
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, table_name, record_id, before_json, after_json, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Actor, rec.Action, rec.Table, rec.RecordID, before, after, formatTime(rec.At))
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func encodeSnapshot(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// AuditEntry is a stored audit row with raw JSON snapshots.
type AuditEntry struct {
	ID       string          `json:"id"`
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Table    string          `json:"table"`
	RecordID string          `json:"record_id"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	At       string          `json:"at"`
}

// ListAudit returns the trail of one record, oldest first.
func (s *Store) ListAudit(ctx context.Context, table, recordID string) ([]AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, actor, action, table_name, record_id, before_json, after_json, at
		FROM audit_log WHERE table_name = ? AND record_id = ?
		ORDER BY at
	`, table, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var (
			a             AuditEntry
			before, after sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Table, &a.RecordID, &before, &after, &a.At); err != nil {
			return nil, err
		}
		if before.Valid {
			a.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			a.After = json.RawMessage(after.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
