package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()

	assert.Equal(t, 0.3, th.AutoApprove)
	assert.Equal(t, 0.7, th.Reject)
	assert.Equal(t, int64(50000), th.MaxAutoApproveCents)
	assert.NoError(t, th.Validate())
}

func TestThresholds_Validate(t *testing.T) {
	tests := []struct {
		name          string
		mutate        func(th *Thresholds)
		errorContains string
	}{
		{"auto above one", func(th *Thresholds) { th.AutoApprove = 1.5 }, "auto-approve threshold must be between"},
		{"reject negative", func(th *Thresholds) { th.Reject = -0.1 }, "reject threshold must be between"},
		{"inverted", func(th *Thresholds) { th.AutoApprove, th.Reject = 0.8, 0.5 }, "must be below reject threshold"},
		{"equal", func(th *Thresholds) { th.AutoApprove, th.Reject = 0.5, 0.5 }, "must be below reject threshold"},
		{"zero max amount", func(th *Thresholds) { th.MaxAutoApproveCents = 0 }, "max auto-approve amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)
			err := th.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorContains)

			_, err = NewDecisionEngine(th)
			assert.Error(t, err)
		})
	}
}

func TestDecisionEngine_Decide(t *testing.T) {
	engine, err := NewDecisionEngine(DefaultThresholds())
	require.NoError(t, err)

	hard := ComplianceResult{Violations: []Violation{{Kind: ViolationReceiptMissing, Severity: SeverityHard, Message: "Receipt required"}}}
	soft := ComplianceResult{Violations: []Violation{{Kind: ViolationDuplicate, Severity: SeveritySoft, Message: "Possible duplicate"}}}
	warn := ComplianceResult{Violations: []Violation{{Kind: ViolationReceiptMissing, Severity: SeverityWarning, Message: "Receipt recommended"}}}

	tests := []struct {
		name        string
		amountCents int64
		risk        float64
		compliance  ComplianceResult
		want        string
	}{
		{"low risk small amount", 4500, 0.1, ComplianceResult{}, entity.StatusAutoApproved},
		{"auto threshold is inclusive", 4500, 0.3, ComplianceResult{}, entity.StatusAutoApproved},
		{"max amount is inclusive", 50000, 0.1, ComplianceResult{}, entity.StatusAutoApproved},
		{"warnings do not block auto approval", 4500, 0.1, warn, entity.StatusAutoApproved},
		{"amount above max", 50001, 0.1, ComplianceResult{}, entity.StatusManagerReview},
		{"risk just above auto", 4500, 0.3001, ComplianceResult{}, entity.StatusManagerReview},
		{"soft violation forces review", 4500, 0.1, soft, entity.StatusManagerReview},
		{"medium risk", 45000, 0.55, ComplianceResult{}, entity.StatusManagerReview},
		{"reject threshold is inclusive", 4500, 0.7, ComplianceResult{}, entity.StatusRejected},
		{"high risk", 4500, 0.85, soft, entity.StatusRejected},
		{"hard violation beats everything", 300000, 0.85, hard, entity.StatusFlagged},
		{"hard violation with low risk", 4500, 0.05, hard, entity.StatusFlagged},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := engine.Decide(tt.amountCents, Assessment{RiskScore: tt.risk, AnomalyScore: 0.2}, tt.compliance)
			assert.Equal(t, tt.want, d.Outcome)
			assert.NotEmpty(t, d.Reason)
		})
	}
}

func TestDecisionEngine_Reasons(t *testing.T) {
	engine, err := NewDecisionEngine(DefaultThresholds())
	require.NoError(t, err)

	rejected := engine.Decide(4500, Assessment{RiskScore: 0.85, AnomalyScore: 0.4}, ComplianceResult{})
	assert.Contains(t, rejected.Reason, "0.85")
	assert.Contains(t, rejected.Reason, "anomaly score 0.40")

	flagged := engine.Decide(300000, Assessment{RiskScore: 0.2}, ComplianceResult{Violations: []Violation{
		{Kind: ViolationReceiptMissing, Severity: SeverityHard, Message: "Receipt required for expenses over $1000.00"},
	}})
	assert.Contains(t, flagged.Reason, "Receipt required")
	assert.Len(t, flagged.Violations, 1)

	review := engine.Decide(60000, Assessment{RiskScore: 0.5}, ComplianceResult{})
	assert.Contains(t, review.Reason, "risk score 0.50 above auto-approve threshold")
	assert.Contains(t, review.Reason, "amount $600.00 above auto-approve limit")
}
