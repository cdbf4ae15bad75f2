package ai

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

type failingModel struct{}

func (failingModel) Predict(f features) (float64, error) { return 0, errors.New("artifact corrupted") }
func (failingModel) Version() string                     { return "broken" }

func mealInput() ScoreInput {
	in := newInput(4500, entity.CategoryMeals, true)
	in.Expense.Merchant = "Chipotle"
	in.Expense.Description = "Team lunch at Chipotle"
	return in
}

func TestEnsemble_HeuristicPathIsDegraded(t *testing.T) {
	a := NewEnsemble(nil, nil).Score(context.Background(), mealInput())

	assert.True(t, a.Degraded)
	assert.Equal(t, entity.RiskLevelLow, a.RiskLevel)
	assert.InDelta(t, 0.003, a.RiskScore, 1e-9)
	assert.Equal(t, 0.02, a.Breakdown[LayerAmount])
	assert.Equal(t, 0.0, a.Breakdown[LayerAnomaly])
	assert.Equal(t, 0.0, a.Breakdown[LayerPolicy])
	assert.Equal(t, entity.CategoryMeals, a.AICategory)
	assert.Contains(t, a.ModelUsed, "heuristic_amount")
}

func TestEnsemble_ModelFailureFallsBack(t *testing.T) {
	a := NewEnsemble(failingModel{}, nil).Score(context.Background(), mealInput())

	assert.True(t, a.Degraded)
	assert.Equal(t, 0.02, a.Breakdown[LayerAmount])
}

func TestEnsemble_UsesLoadedModel(t *testing.T) {
	model := &LogisticModel{ModelVersion: "t1", Bias: 0, Weights: map[string]float64{"weekend": 1}}
	require.NoError(t, model.Validate())

	a := NewEnsemble(model, nil).Score(context.Background(), mealInput())

	assert.False(t, a.Degraded)
	assert.Equal(t, 0.5, a.Breakdown[LayerAmount])
	assert.Contains(t, a.ModelUsed, "logistic_t1")
}

func TestEnsemble_RobustZScoreAgainstHistory(t *testing.T) {
	in := mealInput()
	in.Expense.AmountCents = 50000
	for i, amt := range []int64{4000, 5000, 4500, 5500, 6000} {
		in.History.Recent = append(in.History.Recent, &entity.Expense{
			ID: string(rune('a' + i)), EmployeeID: "emp-1", AmountCents: amt, SubmittedAt: noon.Add(-time.Duration(i+1) * 48 * time.Hour),
		})
	}

	a := NewEnsemble(nil, nil).Score(context.Background(), in)

	assert.Greater(t, a.AnomalyScore, 0.9)
	assert.Contains(t, a.ModelUsed, "robust_zscore")
	assert.Contains(t, a.Factors, "Amount is 10.0x above your average")
}

func TestEnsemble_ScoresStayInUnitInterval(t *testing.T) {
	e := NewEnsemble(nil, nil)
	late := time.Date(2026, 10, 17, 23, 30, 0, 0, time.UTC) // Saturday night
	old := late.Add(-200 * 24 * time.Hour)

	for _, amt := range []int64{1, 4500, 45000, 300000, 5000000, 99999999} {
		for _, cat := range entity.Categories() {
			in := newInput(amt, cat, false)
			in.Expense.SubmittedAt = late
			in.Expense.Description = "x"
			in.History.MonthToDateCents = 900000
			in.Receipt = &entity.ReceiptEvidence{TotalCents: amt * 3, Merchant: "Other", Date: &old, Confidence: 0.1}

			a := e.Score(context.Background(), in)
			assert.GreaterOrEqual(t, a.RiskScore, 0.0)
			assert.LessOrEqual(t, a.RiskScore, 1.0)
			assert.GreaterOrEqual(t, a.AnomalyScore, 0.0)
			assert.LessOrEqual(t, a.AnomalyScore, 1.0)
		}
	}
}

func TestReceiptSignals(t *testing.T) {
	in := mealInput()
	in.Expense.AmountCents = 30000
	monthAgo := noon.Add(-45 * 24 * time.Hour)
	in.Receipt = &entity.ReceiptEvidence{TotalCents: 60000, Merchant: "Somewhere Else", Date: &monthAgo, Confidence: 0.9}

	score, factors := receiptSignals(in.Expense, in.Receipt, extractFeatures(in))

	assert.InDelta(t, 0.25+0.10+0.06, score, 1e-9)
	assert.Len(t, factors, 3)
}

func TestLoadLogisticModel(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"version":"v2","bias":-3,"weights":{"amount_log":0.4,"unusual_hour":0.8}}`), 0o600))
	m, err := LoadLogisticModel(good)
	require.NoError(t, err)
	assert.Equal(t, "v2", m.Version())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"version":"v3","weights":{"pca_v1":1}}`), 0o600))
	_, err = LoadLogisticModel(bad)
	assert.ErrorContains(t, err, "unknown model feature")

	_, err = LoadLogisticModel(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func TestRiskLevel(t *testing.T) {
	assert.Equal(t, entity.RiskLevelLow, RiskLevel(0.29))
	assert.Equal(t, entity.RiskLevelMedium, RiskLevel(0.3))
	assert.Equal(t, entity.RiskLevelMedium, RiskLevel(0.69))
	assert.Equal(t, entity.RiskLevelHigh, RiskLevel(0.7))
}
