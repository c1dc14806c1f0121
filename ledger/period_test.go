package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/ledger"
)

func TestNextPeriodStatus(t *testing.T) {
	tests := []struct {
		from    ledger.PeriodStatus
		action  ledger.PeriodAction
		want    ledger.PeriodStatus
		wantErr bool
	}{
		{ledger.PeriodOpen, ledger.ActionLock, ledger.PeriodLocked, false},
		{ledger.PeriodLocked, ledger.ActionUnlock, ledger.PeriodOpen, false},
		{ledger.PeriodLocked, ledger.ActionClose, ledger.PeriodClosed, false},
		{ledger.PeriodOpen, ledger.ActionClose, ledger.PeriodOpen, true},
		{ledger.PeriodOpen, ledger.ActionUnlock, ledger.PeriodOpen, true},
		{ledger.PeriodLocked, ledger.ActionLock, ledger.PeriodLocked, true},
		{ledger.PeriodClosed, ledger.ActionUnlock, ledger.PeriodClosed, true},
		{ledger.PeriodClosed, ledger.ActionLock, ledger.PeriodClosed, true},
		{ledger.PeriodClosed, ledger.ActionClose, ledger.PeriodClosed, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := ledger.NextPeriodStatus(tt.from, tt.action)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
				assert.True(t, ledger.IsPolicy(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPeriodService_Lifecycle(t *testing.T) {
	// GIVEN: An open Q1
	// WHEN: It is locked, unlocked, locked again and closed
	// THEN: Each step is recorded, and CLOSED is terminal

	f := newFixture(t)
	ctx := context.Background()

	p, err := f.periods.Lock(ctx, f.q1.ID, bursar)
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodLocked, p.Status)
	require.NotNil(t, p.LockedBy)
	assert.Equal(t, bursar.ID, *p.LockedBy)

	p, err = f.periods.Unlock(ctx, f.q1.ID, principal, "missed invoice")
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodOpen, p.Status)
	assert.Nil(t, p.LockedBy)

	_, err = f.periods.Close(ctx, f.q1.ID, principal)
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "an open period cannot be closed")

	_, err = f.periods.Lock(ctx, f.q1.ID, bursar)
	require.NoError(t, err)
	p, err = f.periods.Close(ctx, f.q1.ID, principal)
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodClosed, p.Status)
	require.NotNil(t, p.ClosedAt)

	_, err = f.periods.Unlock(ctx, f.q1.ID, principal, "please")
	var te *ledger.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, string(f.q1.ID), te.ID)

	hist, err := f.periods.History(ctx, f.q1.ID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, ledger.PeriodOpen, hist[0].PreviousStatus)
	assert.Equal(t, ledger.PeriodLocked, hist[0].NewStatus)
	require.NotNil(t, hist[1].Reason)
	assert.Equal(t, "missed invoice", *hist[1].Reason)
	assert.Equal(t, ledger.PeriodClosed, hist[3].NewStatus)

	assert.Len(t, f.sink.ByTable("financial_period"), 6, "2 creates + 4 transitions")
}

func TestPeriodService_UnknownPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.periods.Lock(context.Background(), "nope", bursar)
	assert.True(t, ledger.IsNotFound(err))
	assert.ErrorIs(t, err, ledger.ErrPeriodNotFound)
}

func TestCreatePeriod_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		start, end string
		want       error
	}{
		{"overlaps Q1 end", "2025-03-31", "2025-04-15", ledger.ErrPeriodOverlap},
		{"inside Q2", "2025-05-01", "2025-05-31", ledger.ErrPeriodOverlap},
		{"covers both", "2024-12-01", "2025-07-31", ledger.ErrPeriodOverlap},
		{"end before start", "2025-08-31", "2025-08-01", ledger.ErrInvalidEntry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.periods.CreatePeriod(ctx, tt.name, day(tt.start), day(tt.end), 2025, bursar)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, ledger.IsValidation(err))
		})
	}

	p, err := f.periods.CreatePeriod(ctx, "Q3 2025", day("2025-07-01"), day("2025-09-30"), 0, bursar)
	require.NoError(t, err)
	assert.Equal(t, 2025, p.FiscalYear, "fiscal year defaults to the start year")
	assert.Equal(t, ledger.PeriodOpen, p.Status)

	periods, err := f.periods.ListPeriods(ctx)
	require.NoError(t, err)
	require.Len(t, periods, 3)
	assert.Equal(t, "Q1 2025", periods[0].Name)
	assert.Equal(t, "Q3 2025", periods[2].Name)
}

func TestIsTransactionAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.periods.Lock(ctx, f.q1.ID, bursar)
	require.NoError(t, err)

	tests := []struct {
		date    string
		allowed bool
		period  string
	}{
		{"2025-01-01", false, "Q1 2025"},
		{"2025-03-31", false, "Q1 2025"},
		{"2025-04-01", true, "Q2 2025"},
		{"2025-06-30", true, "Q2 2025"},
		{"2025-07-01", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			a, err := f.periods.IsTransactionAllowed(ctx, day(tt.date))
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, a.Allowed)
			if tt.period == "" {
				assert.Nil(t, a.Period)
				assert.NotEmpty(t, a.Reason)
				return
			}
			require.NotNil(t, a.Period)
			assert.Equal(t, tt.period, a.Period.Name)
		})
	}
}

func TestLockExpired(t *testing.T) {
	// GIVEN: Today is 2025-04-10 and the grace period is 7 days
	// WHEN: The auto-lock sweep runs
	// THEN: Q1 (ended 2025-03-31) is locked by the system actor, Q2 stays open

	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2025, time.April, 10, 2, 0, 0, 0, time.UTC)

	locked, err := f.periods.LockExpired(ctx, 7, ledger.SystemActor)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	assert.Equal(t, f.q1.ID, locked[0].ID)
	require.NotNil(t, locked[0].LockedBy)
	assert.Equal(t, "system", *locked[0].LockedBy)

	q2, err := f.periods.GetPeriod(ctx, f.q2.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PeriodOpen, q2.Status)

	// a second sweep is a no-op
	locked, err = f.periods.LockExpired(ctx, 7, ledger.SystemActor)
	require.NoError(t, err)
	assert.Empty(t, locked)
}

func TestLockExpired_WithinGrace(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2025, time.April, 5, 0, 0, 0, 0, time.UTC)

	locked, err := f.periods.LockExpired(context.Background(), 7, ledger.SystemActor)
	require.NoError(t, err)
	assert.Empty(t, locked)
}
