package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestType_IsValid(t *testing.T) {
	for _, typ := range AllTypes() {
		assert.True(t, typ.IsValid(), typ)
	}
	assert.False(t, Type("instance.created").IsValid())
	assert.False(t, Type("").IsValid())
	assert.Equal(t, "step.pending", TypeStepPending.String())
}

func TestNewEvent(t *testing.T) {
	evt := NewEvent(TypeExpenseDecided, "exp-1", map[string]interface{}{"status": "flagged"})

	require.NotEmpty(t, evt.ID)
	assert.Equal(t, evt.ID, evt.CorrelationID)
	assert.Equal(t, "exp-1", evt.ExpenseID)
	assert.Equal(t, "flagged", evt.GetPayloadString("status"))
	assert.False(t, evt.Timestamp.IsZero())
}

func TestEvent_Follow(t *testing.T) {
	first := NewEvent(TypeExpenseSubmitted, "exp-1", nil)
	second := first.Follow(TypeExpenseDecided, nil)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)
	assert.Equal(t, "exp-1", second.ExpenseID)
}

func TestEvent_WithPayloadIsImmutable(t *testing.T) {
	orig := NewEvent(TypeStepPending, "exp-1", map[string]interface{}{"step_order": 1})
	next := orig.WithPayload("approver_id", "mgr-1")

	assert.Equal(t, "", orig.GetPayloadString("approver_id"))
	assert.Equal(t, "mgr-1", next.GetPayloadString("approver_id"))
	assert.Equal(t, orig.ID, next.ID)
}

func TestEvent_PayloadGetters(t *testing.T) {
	evt := NewEvent(TypeExpenseSettled, "exp-1", map[string]interface{}{
		"int":     3,
		"int64":   int64(4),
		"float":   0.25,
		"wrong":   true,
		"fromint": 2,
	})

	assert.Equal(t, int64(3), evt.GetPayloadInt("int"))
	assert.Equal(t, int64(4), evt.GetPayloadInt("int64"))
	assert.Equal(t, int64(0), evt.GetPayloadInt("wrong"))
	assert.Equal(t, 0.25, evt.GetPayloadFloat("float"))
	assert.Equal(t, 2.0, evt.GetPayloadFloat("fromint"))
	assert.Equal(t, "", evt.GetPayloadString("int"))
	assert.Equal(t, int64(0), evt.GetPayloadInt("missing"))
}
