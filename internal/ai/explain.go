package ai

import (
	"fmt"
	"strings"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Explain writes a plain-language account of a decision for the submitter
func Explain(exp *entity.Expense, a Assessment, c ComplianceResult, d Decision) string {
	merchant := exp.Merchant
	if merchant == "" {
		merchant = "an unknown vendor"
	}
	category := strings.ReplaceAll(string(exp.Category), "_", " ")
	head := fmt.Sprintf("This %s %s expense from %s", entity.FormatCents(exp.AmountCents), category, merchant)

	var parts []string
	switch d.Outcome {
	case entity.StatusAutoApproved:
		parts = append(parts, head+" was approved automatically.")
	case entity.StatusManagerReview:
		parts = append(parts, head+" needs manager review.")
	default:
		parts = append(parts, head+" was held for investigation.")
	}

	var details []string
	if exp.HasReceipt {
		details = append(details, "receipt attached")
	}
	switch {
	case a.AnomalyScore > 0.6:
		details = append(details, fmt.Sprintf("spending deviates strongly from the usual pattern (anomaly %.0f%%)", a.AnomalyScore*100))
	case a.AnomalyScore > 0.3:
		details = append(details, fmt.Sprintf("spending pattern is slightly unusual (anomaly %.0f%%)", a.AnomalyScore*100))
	}
	for _, v := range c.Violations {
		details = append(details, "policy "+v.String())
	}
	for i, f := range a.Factors {
		if i == 3 {
			break
		}
		details = append(details, f)
	}
	if a.AICategory != "" && a.AICategory != exp.Category && a.CategoryConfidence >= 0.8 {
		details = append(details, fmt.Sprintf("description suggests %s rather than %s", a.AICategory, exp.Category))
	}
	if a.Degraded {
		details = append(details, "scored in degraded mode")
	}
	if len(details) > 0 {
		parts = append(parts, "Why: "+strings.Join(details, "; ")+".")
	}

	parts = append(parts, fmt.Sprintf("Overall risk: %.0f%% (%s).", a.RiskScore*100, a.RiskLevel))
	return strings.Join(parts, " ")
}
