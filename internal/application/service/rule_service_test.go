package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

func TestRuleService_Lifecycle(t *testing.T) {
	h := newHarness(t, 0.5)
	ctx := context.Background()
	admin := h.employee("A001")

	created, err := h.rules.Create(ctx, admin, &entity.ApprovalRule{
		Name:              "travel",
		Category:          ptrTo(entity.CategoryTravel),
		RequiredApprovers: []entity.ApproverRole{entity.ApproverDirectManager},
		Priority:          20,
		Active:            true,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, entity.ApprovalSequential, created.ApprovalType)

	toggled, err := h.rules.Toggle(ctx, admin, created.ID)
	require.NoError(t, err)
	assert.False(t, toggled.Active)

	active, err := h.rules.List(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	updated, err := h.rules.Update(ctx, admin, created.ID, &entity.ApprovalRule{
		Name:              "travel v2",
		RequiredApprovers: []entity.ApproverRole{entity.ApproverDirectManager, entity.ApproverFinance},
		Priority:          5,
		Active:            true,
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, entity.ApprovalSequential, updated.ApprovalType)

	require.NoError(t, h.rules.Delete(ctx, admin, created.ID))
	_, err = h.rules.Get(ctx, created.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRuleService_RejectsBadInput(t *testing.T) {
	h := newHarness(t, 0.5)
	ctx := context.Background()

	_, err := h.rules.Create(ctx, h.employee("M001"), &entity.ApprovalRule{
		Name:              "nope",
		RequiredApprovers: []entity.ApproverRole{entity.ApproverFinance},
	})
	assert.ErrorIs(t, err, apperr.ErrAuthorization)

	bad := []*entity.ApprovalRule{
		{Name: "", RequiredApprovers: []entity.ApproverRole{entity.ApproverFinance}},
		{Name: "no approvers"},
		{Name: "bad role", RequiredApprovers: []entity.ApproverRole{"janitor"}},
		{Name: "bad range", RequiredApprovers: []entity.ApproverRole{entity.ApproverFinance},
			AmountMinCents: ptrTo(int64(500)), AmountMaxCents: ptrTo(int64(100))},
	}
	for _, rule := range bad {
		_, err := h.rules.Create(ctx, h.employee("A001"), rule)
		assert.ErrorIs(t, err, apperr.ErrValidation, rule.Name)
	}
}
