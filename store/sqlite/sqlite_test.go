package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/ledger"
	"github.com/warp/school-ledger/postings"
	"github.com/warp/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccounts(t *testing.T, s *sqlite.Store) {
	t.Helper()
	now := time.Now().UTC()
	for _, a := range []ledger.Account{
		{Code: "1010", Name: "Cash", Type: ledger.AccountAsset, NormalBalance: ledger.NormalDebit, IsActive: true, CreatedAt: now},
		{Code: "4010", Name: "Tuition", Type: ledger.AccountRevenue, NormalBalance: ledger.NormalCredit, IsActive: true, CreatedAt: now},
	} {
		require.NoError(t, s.InsertAccount(context.Background(), a))
	}
}

func testEntry(id, ref string, date string, amount ledger.Money) ledger.JournalEntry {
	now := time.Now().UTC()
	return ledger.JournalEntry{
		ID:          ledger.EntryID(id),
		Ref:         ref,
		Date:        ledger.MustParseDate(date),
		FiscalYear:  2025,
		Type:        ledger.EntryIncome,
		Description: "test",
		IsPosted:    true,
		PostedAt:    &now,
		CreatedBy:   "tester",
		CreatedAt:   now,
		Lines: []ledger.JournalLine{
			{EntryID: ledger.EntryID(id), LineNo: 1, AccountCode: "1010", Debit: amount},
			{EntryID: ledger.EntryID(id), LineNo: 2, AccountCode: "4010", Credit: amount},
		},
	}
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestWithTx_RollbackDiscardsWritesAndHooks(t *testing.T) {
	// GIVEN: A transaction that inserts an entry and queues an after-commit hook
	// WHEN: The callback fails
	// THEN: Neither the entry nor the hook survive

	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()

	hookRan := false
	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		require.NoError(t, s.InsertEntry(ctx, testEntry("e-1", "JE-1", "2025-01-10", 100)))
		s.AfterCommit(func() { hookRan = true })
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	_, err = store.GetEntry(ctx, "e-1")
	assert.True(t, ledger.IsNotFound(err))
}

func TestWithTx_NestedCallsJoinOuterTransaction(t *testing.T) {
	// GIVEN: An inner WithTx that succeeds inside an outer one that fails
	// THEN: The inner write is rolled back with the outer transaction,
	//       and hooks run only after the outermost commit

	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()

	err := store.WithTx(ctx, func(outer ledger.Store) error {
		err := outer.WithTx(ctx, func(inner ledger.Store) error {
			return inner.InsertEntry(ctx, testEntry("e-1", "JE-1", "2025-01-10", 100))
		})
		require.NoError(t, err)
		return fmt.Errorf("outer fails")
	})
	require.Error(t, err)
	_, err = store.GetEntry(ctx, "e-1")
	assert.True(t, ledger.IsNotFound(err))

	var order []string
	err = store.WithTx(ctx, func(outer ledger.Store) error {
		outer.AfterCommit(func() { order = append(order, "outer") })
		return outer.WithTx(ctx, func(inner ledger.Store) error {
			inner.AfterCommit(func() { order = append(order, "inner") })
			order = append(order, "body")
			return nil
		})
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"body", "outer", "inner"}, order)
}

func TestAfterCommit_OutsideTransactionRunsNow(t *testing.T) {
	store := newTestStore(t)
	ran := false
	store.AfterCommit(func() { ran = true })
	assert.True(t, ran)
	assert.False(t, store.InTx())
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestInsertEntry_DuplicateRefAndKey(t *testing.T) {
	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()

	e := testEntry("e-1", "JE-1", "2025-01-10", 100)
	key := "fee:R-1"
	e.IdempotencyKey = &key
	require.NoError(t, store.InsertEntry(ctx, e))

	dupRef := testEntry("e-2", "JE-1", "2025-01-10", 100)
	err := store.InsertEntry(ctx, dupRef)
	var de *ledger.DuplicateEntryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ledger.EntryID("e-1"), de.ExistingID)

	dupKey := testEntry("e-3", "JE-3", "2025-01-10", 100)
	dupKey.IdempotencyKey = &key
	err = store.InsertEntry(ctx, dupKey)
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ledger.EntryID("e-1"), de.ExistingID)

	found, err := store.FindEntryByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "JE-1", found.Ref)
}

func TestListEntries_LoadsLinesBeyondOneChunk(t *testing.T) {
	// GIVEN: More entries than fit in one IN-list chunk
	// THEN: Every entry comes back with both of its lines

	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()

	const n = 620
	err := store.WithTx(ctx, func(s ledger.Store) error {
		for i := 0; i < n; i++ {
			if err := s.InsertEntry(ctx, testEntry(fmt.Sprintf("e-%04d", i), fmt.Sprintf("JE-%04d", i), "2025-01-10", ledger.Money(i+1))); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	entries, err := store.ListEntries(ctx, ledger.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, n)
	for _, e := range entries {
		require.Len(t, e.Lines, 2, e.Ref)
	}

	limited, err := store.ListEntries(ctx, ledger.EntryFilter{Limit: 10, Account: "4010"})
	require.NoError(t, err)
	assert.Len(t, limited, 10)
}

func TestAccountActivity_VoidScopes(t *testing.T) {
	// GIVEN: e-1 (100) and e-2 (40) posted to cash, then e-2 voided by a
	//       reversal dated 2025-01-12
	// WHEN: Activity is summed with and without ExcludeVoided
	// THEN: The default scope keeps both halves of the void, so the range
	//       ending before the reversal is unchanged; ExcludeVoided drops the pair

	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.InsertEntry(ctx, testEntry("e-1", "JE-1", "2025-01-10", 100)))
	require.NoError(t, store.InsertEntry(ctx, testEntry("e-2", "JE-2", "2025-01-11", 40)))

	rev := testEntry("r-2", "REV-JE-2", "2025-01-12", 40)
	rev.Type = ledger.EntryVoidReversal
	orig := ledger.EntryID("e-2")
	rev.ReversalOf = &orig
	rev.Lines[0].Debit, rev.Lines[0].Credit = 0, 40
	rev.Lines[1].Debit, rev.Lines[1].Credit = 40, 0
	require.NoError(t, store.InsertEntry(ctx, rev))
	require.NoError(t, store.MarkEntryVoided(ctx, "e-2", "mistake", "tester", now))

	err := store.MarkEntryVoided(ctx, "e-2", "again", "tester", now)
	assert.ErrorIs(t, err, ledger.ErrAlreadyVoided)

	debit, credit, err := store.AccountActivity(ctx, ledger.ActivityFilter{AccountCode: "1010"})
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(140), debit)
	assert.Equal(t, ledger.Money(40), credit)

	to := ledger.MustParseDate("2025-01-11")
	debit, credit, err = store.AccountActivity(ctx, ledger.ActivityFilter{AccountCode: "1010", To: &to})
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(140), debit)
	assert.Equal(t, ledger.Money(0), credit)

	debit, credit, err = store.AccountActivity(ctx, ledger.ActivityFilter{AccountCode: "1010", ExcludeVoided: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(100), debit)
	assert.Equal(t, ledger.Money(0), credit)

	from := ledger.MustParseDate("2025-01-11")
	debit, _, err = store.AccountActivity(ctx, ledger.ActivityFilter{AccountCode: "1010", From: &from, ExcludeVoided: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(0), debit)

	byAccount, err := store.ActivityByAccount(ctx, nil, &to)
	require.NoError(t, err)
	assert.Equal(t, [2]ledger.Money{140, 0}, byAccount["1010"])
}

// =============================================================================
// PERIODS, PAYROLL, AUDIT
// =============================================================================

func TestFiscalYearRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	span, err := store.FiscalYearRange(ctx, 2025)
	require.NoError(t, err)
	assert.Nil(t, span)

	for i, r := range [][2]string{{"2025-04-01", "2025-06-30"}, {"2025-01-01", "2025-03-31"}} {
		require.NoError(t, store.InsertPeriod(ctx, ledger.FinancialPeriod{
			ID: ledger.PeriodID(fmt.Sprintf("p-%d", i)), Name: r[0],
			StartDate: ledger.MustParseDate(r[0]), EndDate: ledger.MustParseDate(r[1]),
			FiscalYear: 2025, Status: ledger.PeriodOpen, CreatedAt: time.Now(),
		}))
	}
	span, err = store.FiscalYearRange(ctx, 2025)
	require.NoError(t, err)
	require.NotNil(t, span)
	assert.Equal(t, "2025-01-01", span.Start.String())
	assert.Equal(t, "2025-06-30", span.End.String())

	p, err := store.FindPeriodForDate(ctx, ledger.MustParseDate("2025-05-05"))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, ledger.PeriodID("p-0"), p.ID)
}

func TestPayrollRun_UniquePerLabel(t *testing.T) {
	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()
	require.NoError(t, store.InsertEntry(ctx, testEntry("e-1", "JE-1", "2025-01-31", 100)))

	run := postings.PayrollRun{
		ID: "run-1", PeriodLabel: "2025-01", Gross: 100, Net: 100, EntryID: "e-1",
		CreatedBy: "tester", CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertPayrollRun(ctx, run))

	run.ID = "run-2"
	err := store.InsertPayrollRun(ctx, run)
	assert.True(t, ledger.IsDuplicate(err))

	got, err := store.GetPayrollRunByLabel(ctx, "2025-01")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run-1", got.ID)
}

func TestDeletePayrollRun_FreesLabel(t *testing.T) {
	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()
	require.NoError(t, store.InsertEntry(ctx, testEntry("e-1", "JE-1", "2025-01-31", 100)))

	run := postings.PayrollRun{
		ID: "run-1", PeriodLabel: "2025-01", Gross: 100, Net: 100, EntryID: "e-1",
		CreatedBy: "tester", CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertPayrollRun(ctx, run))
	require.NoError(t, store.DeletePayrollRun(ctx, "run-1"))

	got, err := store.GetPayrollRunByLabel(ctx, "2025-01")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, store.DeletePayrollRun(ctx, "run-1"), ledger.ErrNotFound)

	run.ID = "run-2"
	require.NoError(t, store.InsertPayrollRun(ctx, run))
}

func TestSetEntryApproval_RejectionReleasesKeyAndRef(t *testing.T) {
	store := newTestStore(t)
	seedAccounts(t, store)
	ctx := context.Background()
	now := time.Now().UTC()

	e := testEntry("e-held", "INV-1", "2025-01-31", 100)
	e.IsPosted, e.PostedAt = false, nil
	e.RequiresApproval = true
	e.ApprovalStatus = ledger.ApprovalPending
	e.EnforceBudget = true
	key := "expense:INV-1"
	e.IdempotencyKey = &key
	require.NoError(t, store.InsertEntry(ctx, e))

	require.NoError(t, store.SetEntryApproval(ctx, "e-held", ledger.ApprovalRejected, false, now))

	got, err := store.GetEntry(ctx, "e-held")
	require.NoError(t, err)
	assert.Nil(t, got.IdempotencyKey)
	assert.Equal(t, "INV-1/REJECTED-E-HELD", got.Ref)
	assert.True(t, got.EnforceBudget)

	found, err := store.FindEntryByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, found)

	again := testEntry("e-again", "INV-1", "2025-01-31", 100)
	again.IdempotencyKey = &key
	require.NoError(t, store.InsertEntry(ctx, again))
}

func TestLogAudit_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.LogAudit(ctx, ledger.AuditRecord{
		ID: "a-1", Actor: "bursar", Action: "lock", Table: "financial_period", RecordID: "p-1",
		Before: map[string]string{"status": "OPEN"},
		After:  map[string]string{"status": "LOCKED"},
		At:     time.Now(),
	}))

	trail, err := store.ListAudit(ctx, "financial_period", "p-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.JSONEq(t, `{"status":"OPEN"}`, string(trail[0].Before))
	assert.JSONEq(t, `{"status":"LOCKED"}`, string(trail[0].After))
}

func TestNew_FileDatabaseReopens(t *testing.T) {
	// GIVEN: A file database with one account
	// WHEN: It is closed and reopened
	// THEN: Migrations are not re-applied destructively and the data survives

	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	seedAccounts(t, store)
	require.NoError(t, store.Close())

	store, err = sqlite.New(path)
	require.NoError(t, err)
	defer store.Close()

	accounts, err := store.ListAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestRescaleEntries_OnlyExactEntries(t *testing.T) {
	// GIVEN: two imported entries, one of which does not divide by 100
	s := newTestStore(t)
	seedAccounts(t, s)
	ctx := context.Background()
	require.NoError(t, s.InsertEntry(ctx, testEntry("e1", "IMP-1", "2025-02-01", 500000)))
	require.NoError(t, s.InsertEntry(ctx, testEntry("e2", "IMP-2", "2025-02-02", 12345)))
	require.NoError(t, s.InsertEntry(ctx, testEntry("e3", "FEE-1", "2025-02-03", 900)))

	// WHEN: a dry run is requested
	rep, err := s.RescaleEntries(ctx, sqlite.RescaleFilter{RefPrefix: "IMP-", DryRun: true})
	require.NoError(t, err)

	// THEN: the report lists the change but nothing is written
	assert.Equal(t, 2, rep.Scanned)
	require.Len(t, rep.Rescaled, 1)
	assert.Equal(t, ledger.Money(5000), rep.Rescaled[0].After)
	assert.Equal(t, []string{"IMP-2"}, rep.Skipped)
	e, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(500000), e.Lines[0].Debit)

	// WHEN: the run is applied
	_, err = s.RescaleEntries(ctx, sqlite.RescaleFilter{RefPrefix: "IMP-"})
	require.NoError(t, err)

	// THEN: only the exact entry changed and it is still balanced
	e, err = s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(5000), e.Lines[0].Debit)
	assert.Equal(t, ledger.Money(5000), e.Lines[1].Credit)
	e, err = s.GetEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(12345), e.Lines[0].Debit)
	e, err = s.GetEntry(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, ledger.Money(900), e.Lines[0].Debit)

	audit, err := s.ListAudit(ctx, "journal_entry", "e1")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "rescale", audit[0].Action)
}

func TestRescaleEntries_RequiresSelector(t *testing.T) {
	s := newTestStore(t)
	_, err := s.RescaleEntries(context.Background(), sqlite.RescaleFilter{})
	assert.True(t, ledger.IsValidation(err))
}
