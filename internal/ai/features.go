package ai

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// SpendingHistory is the employee context the model and policy checker see
type SpendingHistory struct {
	// MonthToDateCents is committed spend in the expense's month, excluding the expense itself
	MonthToDateCents int64

	// Recent holds the employee's recent expenses, excluding the expense itself
	Recent []*entity.Expense
}

// ScoreInput bundles everything scoring is a pure function of
type ScoreInput struct {
	Expense  *entity.Expense
	Employee *entity.Employee
	History  SpendingHistory
	Receipt  *entity.ReceiptEvidence
}

type categoryNorm struct {
	low, high float64
}

var categoryNorms = map[entity.Category]categoryNorm{
	entity.CategoryMeals:               {8, 75},
	entity.CategoryTravel:              {150, 800},
	entity.CategoryAccommodation:       {80, 350},
	entity.CategoryOfficeSupplies:      {10, 200},
	entity.CategorySoftware:            {10, 500},
	entity.CategoryEquipment:           {50, 2000},
	entity.CategoryTraining:            {30, 500},
	entity.CategoryClientEntertainment: {50, 500},
	entity.CategoryTransportation:      {5, 80},
	entity.CategoryMiscellaneous:       {5, 150},
}

var highRiskCategories = map[entity.Category]bool{
	entity.CategoryClientEntertainment: true,
	entity.CategoryEquipment:           true,
	entity.CategoryMiscellaneous:       true,
}

// features are the derived signals shared by every scoring layer
type features struct {
	amount            float64
	hour              int
	weekend           bool
	ratioToAverage    float64
	budgetUtilisation float64
	categoryDeviation float64
	highRiskCategory  bool
	vagueDescription  bool
	historyAmounts    []float64
}

func extractFeatures(in ScoreInput) features {
	exp := in.Expense
	at := exp.SubmittedAt
	if at.IsZero() {
		at = time.Now()
	}

	f := features{
		amount:           exp.Amount(),
		hour:             at.Hour(),
		weekend:          at.Weekday() == time.Saturday || at.Weekday() == time.Sunday,
		ratioToAverage:   1,
		highRiskCategory: highRiskCategories[exp.Category],
		vagueDescription: len(strings.TrimSpace(exp.Description)) < 10,
	}

	for _, h := range in.History.Recent {
		f.historyAmounts = append(f.historyAmounts, h.Amount())
	}
	if n := len(f.historyAmounts); n > 0 {
		var sum float64
		for _, a := range f.historyAmounts {
			sum += a
		}
		if avg := sum / float64(n); avg > 0 {
			f.ratioToAverage = f.amount / avg
		}
	}

	limit := int64(entity.DefaultMonthlyLimitCents)
	if in.Employee != nil {
		limit = in.Employee.MonthlyLimit()
	}
	f.budgetUtilisation = float64(in.History.MonthToDateCents) / float64(limit)

	norm, ok := categoryNorms[exp.Category]
	if !ok {
		norm = categoryNorm{5, 500}
	}
	mid := (norm.low + norm.high) / 2
	f.categoryDeviation = (f.amount - mid) / math.Max(mid, 1)

	return f
}

func (f features) unusualHour() bool {
	return f.hour < 5 || f.hour >= 22
}

// robustZ scores amount against history using median and MAD
func robustZ(amount float64, history []float64) (float64, bool) {
	if len(history) < 3 {
		return 0, false
	}
	med := median(history)
	dev := make([]float64, len(history))
	for i, h := range history {
		dev[i] = math.Abs(h - med)
	}
	mad := median(dev)
	if mad == 0 {
		// Identical history: fall back to a relative spread.
		mad = math.Max(med*0.1, 1)
	}
	return 0.6745 * (amount - med) / mad, true
}

func median(values []float64) float64 {
	s := append([]float64(nil), values...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
