package ai

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// policyScore is the transparent rule layer of the ensemble. It returns the
// score and the human-readable factors that raised it.
func policyScore(in ScoreInput, f features) (float64, []string) {
	exp := in.Expense
	score := 0.0
	var factors []string

	switch {
	case f.categoryDeviation > 3:
		score += 0.15
		norm := categoryNorms[exp.Category]
		factors = append(factors, fmt.Sprintf("Amount $%.2f is far above typical $%.0f-$%.0f for %s",
			f.amount, norm.low, norm.high, exp.Category))
	case f.categoryDeviation > 2:
		score += 0.06
	}

	if f.highRiskCategory {
		score += 0.04
		factors = append(factors, fmt.Sprintf("Category '%s' is higher-risk", exp.Category))
	}

	if !exp.HasReceipt && f.amount > 200 {
		score += 0.10
		factors = append(factors, fmt.Sprintf("No receipt for $%.2f expense", f.amount))
	}

	switch {
	case f.budgetUtilisation > 0.95:
		score += 0.12
		factors = append(factors, fmt.Sprintf("Budget %.0f%% utilized", f.budgetUtilisation*100))
	case f.budgetUtilisation > 0.8:
		score += 0.04
	}

	if f.unusualHour() {
		score += 0.06
		factors = append(factors, fmt.Sprintf("Unusual submission time: %d:00", f.hour))
	}

	switch {
	case f.ratioToAverage > 5:
		score += 0.12
		factors = append(factors, fmt.Sprintf("Amount is %.1fx above your average", f.ratioToAverage))
	case f.ratioToAverage > 3:
		score += 0.05
	}

	if f.vagueDescription && f.amount > 200 {
		score += 0.04
		factors = append(factors, "Short/vague description for high amount")
	}

	if in.Receipt != nil {
		s, rf := receiptSignals(exp, in.Receipt, f)
		score += s
		factors = append(factors, rf...)
	}

	return math.Min(score, 1), factors
}

// receiptSignals compares what the receipt says with what was submitted
func receiptSignals(exp *entity.Expense, r *entity.ReceiptEvidence, f features) (float64, []string) {
	score := 0.0
	var factors []string

	if r.TotalCents > 0 && exp.AmountCents > 0 {
		mismatch := math.Abs(float64(r.TotalCents-exp.AmountCents)) / float64(exp.AmountCents)
		switch {
		case mismatch > 0.5:
			score += 0.25
		case mismatch > 0.15:
			score += 0.12
		}
		if mismatch > 0.15 {
			factors = append(factors, fmt.Sprintf("Receipt amount (%s) differs from submitted amount (%s) by %.0f%%",
				entity.FormatCents(r.TotalCents), entity.FormatCents(exp.AmountCents), mismatch*100))
		}
	}

	if r.Merchant != "" && exp.Merchant != "" && !merchantsMatch(r.Merchant, exp.Merchant) {
		score += 0.10
		factors = append(factors, fmt.Sprintf("Receipt merchant '%s' doesn't match submitted merchant", r.Merchant))
	}

	if r.Date != nil {
		submitted := exp.SubmittedAt
		if submitted.IsZero() {
			submitted = time.Now()
		}
		gap := int(submitted.Sub(*r.Date).Hours() / 24)
		switch {
		case gap > 90:
			score += 0.15
			factors = append(factors, fmt.Sprintf("Receipt is %d days old, possible reused receipt", gap))
		case gap > 30:
			score += 0.06
			factors = append(factors, fmt.Sprintf("Receipt date is %d days ago", gap))
		}
	}

	if r.Confidence < 0.3 && f.amount > 200 {
		score += 0.06
		factors = append(factors, fmt.Sprintf("Low receipt quality (confidence: %.0f%%)", r.Confidence*100))
	}

	return score, factors
}

func merchantsMatch(a, b string) bool {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	return strings.Contains(a, b) || strings.Contains(b, a)
}
