package workflow

import (
	"context"

	"github.com/garyjia/expense-approval/internal/domain/entity"
	domainwf "github.com/garyjia/expense-approval/internal/domain/workflow"
)

// BuildExpenseStateMachine creates a lifecycle machine positioned at the
// expense's current status. The dispute guard reads the expense, so the one
// allowed dispute is enforced from persisted state.
func BuildExpenseStateMachine(exp *entity.Expense) (domainwf.StateMachine, error) {
	initial, err := domainwf.ParseState(exp.Status)
	if err != nil {
		return nil, err
	}

	notDisputed := func(context.Context) bool { return !exp.WasDisputed() }

	builder := domainwf.NewBuilder()

	// SUBMITTED: exactly one decision outcome
	builder.Configure(domainwf.StateSubmitted).
		Permit(domainwf.TriggerAutoApprove, domainwf.StateAutoApproved).
		Permit(domainwf.TriggerRequestReview, domainwf.StateManagerReview).
		Permit(domainwf.TriggerReject, domainwf.StateRejected).
		Permit(domainwf.TriggerFlag, domainwf.StateFlagged)

	// MANAGER_REVIEW: resolved by the approval chain
	builder.Configure(domainwf.StateManagerReview).
		Permit(domainwf.TriggerApprove, domainwf.StateApproved).
		Permit(domainwf.TriggerReject, domainwf.StateRejected)

	builder.Configure(domainwf.StateAutoApproved).
		Permit(domainwf.TriggerSettle, domainwf.StatePaid)

	builder.Configure(domainwf.StateApproved).
		Permit(domainwf.TriggerSettle, domainwf.StatePaid)

	builder.Configure(domainwf.StateRejected).
		PermitIf(domainwf.TriggerDispute, domainwf.StateDisputed, notDisputed).
		Permit(domainwf.TriggerOverride, domainwf.StateApproved)

	builder.Configure(domainwf.StateFlagged).
		PermitIf(domainwf.TriggerDispute, domainwf.StateDisputed, notDisputed)

	builder.Configure(domainwf.StateDisputed).
		Permit(domainwf.TriggerOverride, domainwf.StateApproved).
		Permit(domainwf.TriggerDenyDispute, domainwf.StateRejected)

	// PAID is terminal

	return builder.Build(initial), nil
}
