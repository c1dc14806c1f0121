package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/school-ledger/ledger"
)

// =============================================================================
// RESCALE - one-time repair of entries stored in cents x 100
// =============================================================================

// RescaleFilter selects candidate entries. At least one field must be set.
type RescaleFilter struct {
	RefPrefix string
	Since     *ledger.Date
	Divisor   int64
	DryRun    bool
	Actor     string
}

// RescaledEntry reports one entry the repair touched (or would touch).
type RescaledEntry struct {
	EntryID ledger.EntryID
	Ref     string
	Before  ledger.Money
	After   ledger.Money
}

// RescaleReport summarizes a run.
type RescaleReport struct {
	Scanned  int
	Rescaled []RescaledEntry
	// Skipped holds refs of entries with a line that does not divide exactly.
	Skipped []string
}

// RescaleEntries divides every line of each selected entry by f.Divisor.
// An entry is only touched when all of its lines divide exactly, so every
// entry stays balanced. The whole run is one transaction; with DryRun the
// transaction is rolled back after the report is built.
func (s *Store) RescaleEntries(ctx context.Context, f RescaleFilter) (RescaleReport, error) {
	var rep RescaleReport
	if f.RefPrefix == "" && f.Since == nil {
		return rep, fmt.Errorf("%w: ref prefix or since date is required", ledger.ErrValidation)
	}
	if f.Divisor <= 1 {
		f.Divisor = 100
	}
	if f.Actor == "" {
		f.Actor = ledger.SystemActor.ID
	}

	errDryRun := errors.New("dry run")
	err := s.withTx(ctx, func(ts *Store) error {
		where := []string{"1 = 1"}
		var args []any
		if f.RefPrefix != "" {
			where = append(where, "ref LIKE ? ESCAPE '\\'")
			args = append(args, escapeLike(f.RefPrefix)+"%")
		}
		if f.Since != nil {
			where = append(where, "entry_date >= ?")
			args = append(args, f.Since.String())
		}
		rows, err := ts.q.QueryContext(ctx,
			"SELECT id, ref FROM journal_entry WHERE "+strings.Join(where, " AND ")+" ORDER BY entry_date, id", args...)
		if err != nil {
			return fmt.Errorf("failed to select entries: %w", err)
		}
		type candidate struct {
			id  ledger.EntryID
			ref string
		}
		var cands []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.ref); err != nil {
				rows.Close()
				return err
			}
			cands = append(cands, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		ids := make([]ledger.EntryID, len(cands))
		for i, c := range cands {
			ids[i] = c.id
		}
		lines, err := ts.loadLines(ctx, ids)
		if err != nil {
			return err
		}

		rep.Scanned = len(cands)
		for _, c := range cands {
			ls := lines[c.id]
			if !divisible(ls, f.Divisor) {
				rep.Skipped = append(rep.Skipped, c.ref)
				continue
			}
			var before ledger.Money
			for _, l := range ls {
				before += l.Debit
			}
			if _, err := ts.q.ExecContext(ctx, `
				UPDATE journal_entry_line
				SET debit_amount = debit_amount / ?, credit_amount = credit_amount / ?
				WHERE entry_id = ?
			`, f.Divisor, f.Divisor, c.id); err != nil {
				return fmt.Errorf("failed to rescale entry %s: %w", c.ref, err)
			}
			re := RescaledEntry{EntryID: c.id, Ref: c.ref, Before: before, After: before / ledger.Money(f.Divisor)}
			rep.Rescaled = append(rep.Rescaled, re)

			if !f.DryRun {
				if err := ts.LogAudit(ctx, ledger.AuditRecord{
					ID:       uuid.NewString(),
					Actor:    f.Actor,
					Action:   "rescale",
					Table:    "journal_entry",
					RecordID: string(c.id),
					Before:   map[string]int64{"total_cents": int64(re.Before)},
					After:    map[string]int64{"total_cents": int64(re.After)},
					At:       time.Now().UTC(),
				}); err != nil {
					return err
				}
			}
		}
		if f.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !errors.Is(err, errDryRun) {
		return RescaleReport{}, err
	}
	return rep, nil
}

// divisible reports whether every amount in ls is a multiple of d.
// An entry without lines is never rescaled.
func divisible(ls []ledger.JournalLine, d int64) bool {
	if len(ls) == 0 {
		return false
	}
	for _, l := range ls {
		if int64(l.Debit)%d != 0 || int64(l.Credit)%d != 0 {
			return false
		}
	}
	return true
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
