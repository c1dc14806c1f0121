package ledger_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/school-ledger/ledger"
)

func TestApprovalWorkflow_RequiredLevels(t *testing.T) {
	base := ledger.ApprovalWorkflow{
		TransactionType: "expense",
		Level1Threshold: 1000, Level1Role: "bursar",
		Level2Threshold: 10000, Level2Role: "principal",
	}
	auto := base
	auto.AutoApproveBelowLevel1 = true
	dual := auto
	dual.RequiresDualApproval = true

	tests := []struct {
		name   string
		w      ledger.ApprovalWorkflow
		amount ledger.Money
		want   []int
	}{
		{"below l1, no auto approve", base, 999, []int{1}},
		{"below l1, auto approve", auto, 999, nil},
		{"at l1", auto, 1000, []int{1}},
		{"between", auto, 9999, []int{1}},
		{"at l2, single", auto, 10000, []int{2}},
		{"above l2, single", auto, 50000, []int{2}},
		{"between, dual", dual, 5000, []int{1, 2}},
		{"above l2, dual", dual, 50000, []int{1, 2}},
		{"below l1, dual auto", dual, 10, nil},
		{"negative amount uses magnitude", auto, -20000, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.w.RequiredLevels(tt.amount))
		})
	}
}

func TestApprovalWorkflow_Validate(t *testing.T) {
	ok := ledger.ApprovalWorkflow{
		TransactionType: "expense", Level1Threshold: 1, Level1Role: "bursar",
		Level2Threshold: 2, Level2Role: "principal",
	}
	require.NoError(t, ok.Validate())

	bad := []func(w *ledger.ApprovalWorkflow){
		func(w *ledger.ApprovalWorkflow) { w.TransactionType = "" },
		func(w *ledger.ApprovalWorkflow) { w.Level1Threshold = 2 },
		func(w *ledger.ApprovalWorkflow) { w.Level1Threshold = -1 },
		func(w *ledger.ApprovalWorkflow) { w.Level2Role = " " },
	}
	for i, mut := range bad {
		t.Run(fmt.Sprintf("case %d", i), func(t *testing.T) {
			w := ok
			mut(&w)
			assert.True(t, ledger.IsValidation(w.Validate()))
		})
	}
}

// openExpense posts an expense large enough to need approval and returns
// its request id.
func openExpense(t *testing.T, f *fixture, amount ledger.Money) ledger.RequestID {
	t.Helper()
	req := entry("2025-03-10", ledger.EntryExpense, supplies, cash, amount)
	req.CreatedBy = clerk.ID
	res := f.post(t, req)
	require.True(t, res.RequiresApproval)
	return *res.ApprovalRequestID
}

func TestApprove_ApproverRules(t *testing.T) {
	// GIVEN: A dual-approval expense workflow and a pending 20000 expense by the clerk
	// WHEN: Various actors try to approve
	// THEN: Self-approval, wrong roles and a repeated approver are refused

	f := newFixture(t)
	ctx := context.Background()
	f.workflow(t, ledger.ApprovalWorkflow{
		TransactionType: "expense", Level1Threshold: 1000, Level1Role: "bursar",
		Level2Threshold: 10000, Level2Role: "bursar", RequiresDualApproval: true,
		AutoApproveBelowLevel1: true,
	})
	id := openExpense(t, f, 20000)

	selfApprover := ledger.Actor{ID: clerk.ID, Role: "bursar"}
	_, err := f.approvals.Approve(ctx, id, selfApprover, "")
	assert.ErrorIs(t, err, ledger.ErrApprovalDenied, "requester cannot approve")

	_, err = f.approvals.Approve(ctx, id, principal, "")
	assert.ErrorIs(t, err, ledger.ErrApprovalDenied, "wrong role")

	ar, err := f.approvals.Approve(ctx, id, bursar, "level one")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApprovedLevel1, ar.Status)

	_, err = f.approvals.Approve(ctx, id, bursar, "level two")
	assert.ErrorIs(t, err, ledger.ErrApprovalDenied, "same person cannot sign both levels")

	ar, err = f.approvals.Approve(ctx, id, bursar2, "level two")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, ar.Status)
	require.NotNil(t, ar.Level2Approver)
	assert.Equal(t, bursar2.ID, *ar.Level2Approver)
	assert.NotNil(t, ar.CompletedAt)

	assert.Equal(t, ledger.Money(20000), f.balance(t, supplies))
}

func TestApprove_Level2Only(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.workflow(t, ledger.ApprovalWorkflow{
		TransactionType: "expense", Level1Threshold: 1000, Level1Role: "bursar",
		Level2Threshold: 10000, Level2Role: "principal", AutoApproveBelowLevel1: true,
	})
	id := openExpense(t, f, 15000)

	_, err := f.approvals.Approve(ctx, id, bursar, "")
	assert.ErrorIs(t, err, ledger.ErrApprovalDenied, "level 1 is not required above level 2")

	ar, err := f.approvals.Approve(ctx, id, principal, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, ar.Status)
	assert.Nil(t, ar.Level1Approver)
	assert.Equal(t, []int{2}, ar.RequiredLevels)
	assert.Equal(t, 2, ar.ApprovalLevel)
}

func TestReject_RequiresRoleAndReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.workflow(t, ledger.ApprovalWorkflow{
		TransactionType: "expense", Level1Threshold: 1000, Level1Role: "bursar",
		Level2Threshold: 10000, Level2Role: "principal", AutoApproveBelowLevel1: true,
	})
	id := openExpense(t, f, 5000)

	_, err := f.approvals.Reject(ctx, id, bursar, "")
	assert.True(t, ledger.IsValidation(err))

	_, err = f.approvals.Reject(ctx, id, clerk, "nope")
	assert.ErrorIs(t, err, ledger.ErrApprovalDenied)

	ar, err := f.approvals.Reject(ctx, id, bursar, "over quote")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, ar.Status)
	require.NotNil(t, ar.RejectionReason)
	assert.Equal(t, "over quote", *ar.RejectionReason)

	_, err = f.approvals.Cancel(ctx, id, clerk, "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition, "terminal requests stay terminal")
}

func TestListRequests_ByStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.workflow(t, ledger.ApprovalWorkflow{
		TransactionType: "expense", Level1Threshold: 1000, Level1Role: "bursar",
		Level2Threshold: 10000, Level2Role: "principal", AutoApproveBelowLevel1: true,
	})
	a := openExpense(t, f, 2000)
	_ = openExpense(t, f, 3000)
	_, err := f.approvals.Approve(ctx, a, bursar, "")
	require.NoError(t, err)

	pending, err := f.approvals.ListRequests(ctx, ledger.RequestPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := f.approvals.ListRequests(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = f.approvals.GetWorkflow(ctx, "salary")
	assert.ErrorIs(t, err, ledger.ErrWorkflowNotFound)
}
