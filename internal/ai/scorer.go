package ai

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Ensemble weights
const (
	WeightAmount  = 0.15
	WeightAnomaly = 0.35
	WeightPolicy  = 0.50
)

// Breakdown keys
const (
	LayerAmount  = "amount_model"
	LayerAnomaly = "anomaly"
	LayerPolicy  = "policy_engine"
)

// Assessment is the risk model's verdict on one expense
type Assessment struct {
	RiskScore          float64            `json:"risk_score"`
	AnomalyScore       float64            `json:"anomaly_score"`
	RiskLevel          string             `json:"risk_level"`
	AICategory         entity.Category    `json:"ai_category"`
	CategoryConfidence float64            `json:"category_confidence"`
	Breakdown          map[string]float64 `json:"breakdown"`
	Factors            []string           `json:"factors"`
	ModelUsed          string             `json:"model_used"`
	Degraded           bool               `json:"degraded"`
}

// RiskModel scores expenses. It never fails: when the trained layer is
// unavailable it degrades to heuristics and says so.
type RiskModel interface {
	Score(ctx context.Context, in ScoreInput) Assessment
}

// Ensemble is the three-layer risk model
type Ensemble struct {
	amount AmountModel
	logger *zap.Logger
}

// NewEnsemble builds the model. amount may be nil, in which case every
// assessment is degraded.
func NewEnsemble(amount AmountModel, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensemble{amount: amount, logger: logger}
}

func (e *Ensemble) Score(ctx context.Context, in ScoreInput) Assessment {
	f := extractFeatures(in)
	var models []string

	amountScore, degraded := e.amountLayer(f)
	if degraded {
		models = append(models, "heuristic_amount")
	} else {
		models = append(models, "logistic_"+e.amount.Version())
	}

	anomaly, method := anomalyScore(f)
	models = append(models, method)

	policy, factors := policyScore(in, f)
	models = append(models, "policy_engine")

	risk := clamp01(WeightAmount*amountScore + WeightAnomaly*anomaly + WeightPolicy*policy)
	guess := Categorize(in.Expense)

	return Assessment{
		RiskScore:          round4(risk),
		AnomalyScore:       round4(anomaly),
		RiskLevel:          RiskLevel(risk),
		AICategory:         guess.Category,
		CategoryConfidence: guess.Confidence,
		Breakdown: map[string]float64{
			LayerAmount:  round4(amountScore),
			LayerAnomaly: round4(anomaly),
			LayerPolicy:  round4(policy),
		},
		Factors:   factors,
		ModelUsed: strings.Join(models, " + "),
		Degraded:  degraded,
	}
}

func (e *Ensemble) amountLayer(f features) (float64, bool) {
	if e.amount == nil {
		return heuristicAmountScore(f), true
	}
	p, err := e.amount.Predict(f)
	if err != nil {
		e.logger.Warn("Amount model failed, using heuristic", zap.Error(err))
		return heuristicAmountScore(f), true
	}
	return clamp01(p), false
}

// RiskLevel buckets a risk score
func RiskLevel(score float64) string {
	switch {
	case score < 0.3:
		return entity.RiskLevelLow
	case score < 0.7:
		return entity.RiskLevelMedium
	default:
		return entity.RiskLevelHigh
	}
}
