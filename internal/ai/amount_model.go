package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
)

// AmountModel is the trained layer scoring an expense from amount and time signals
type AmountModel interface {
	Predict(f features) (float64, error)
	Version() string
}

// LogisticModel is a linear model over named features, loaded from a JSON artifact
type LogisticModel struct {
	ModelVersion string             `json:"version"`
	Bias         float64            `json:"bias"`
	Weights      map[string]float64 `json:"weights"`
}

var amountFeatures = map[string]func(f features) float64{
	"amount_log":      func(f features) float64 { return math.Log1p(f.amount) },
	"amount_sqrt":     func(f features) float64 { return math.Sqrt(f.amount) },
	"is_round_100":    func(f features) float64 { return boolf(math.Mod(f.amount, 100) == 0 && f.amount > 0) },
	"is_round_10":     func(f features) float64 { return boolf(math.Mod(f.amount, 10) == 0 && f.amount > 0) },
	"unusual_hour":    func(f features) float64 { return boolf(f.unusualHour()) },
	"weekend":         func(f features) float64 { return boolf(f.weekend) },
	"hour_sin":        func(f features) float64 { return math.Sin(2 * math.Pi * float64(f.hour) / 24) },
	"hour_cos":        func(f features) float64 { return math.Cos(2 * math.Pi * float64(f.hour) / 24) },
	"ratio_to_avg":    func(f features) float64 { return f.ratioToAverage },
	"category_dev":    func(f features) float64 { return f.categoryDeviation },
	"budget_utilised": func(f features) float64 { return f.budgetUtilisation },
}

var errEmptyModel = errors.New("model has no weights")

// LoadLogisticModel reads and validates a model artifact
func LoadLogisticModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	var m LogisticModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects artifacts referencing features this build cannot compute
func (m *LogisticModel) Validate() error {
	if len(m.Weights) == 0 {
		return errEmptyModel
	}
	for name := range m.Weights {
		if _, ok := amountFeatures[name]; !ok {
			return fmt.Errorf("unknown model feature %q", name)
		}
	}
	return nil
}

func (m *LogisticModel) Predict(f features) (float64, error) {
	z := m.Bias
	for name, w := range m.Weights {
		fn, ok := amountFeatures[name]
		if !ok {
			return 0, fmt.Errorf("unknown model feature %q", name)
		}
		z += w * fn(f)
	}
	p := sigmoid(z)
	if math.IsNaN(p) {
		return 0, errors.New("model produced NaN")
	}
	return p, nil
}

func (m *LogisticModel) Version() string {
	return m.ModelVersion
}

// heuristicAmountScore stands in for the trained layer when it is unavailable
func heuristicAmountScore(f features) float64 {
	score := 0.02
	switch {
	case f.amount > 5000:
		score += 0.25
	case f.amount > 2000:
		score += 0.15
	case f.amount > 1000:
		score += 0.08
	}
	if f.unusualHour() {
		score += 0.12
	}
	if f.weekend {
		score += 0.05
	}
	return math.Min(score, 1)
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
