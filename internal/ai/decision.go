package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Thresholds are the decision boundaries. All comparisons are closed:
// a score equal to a threshold takes that threshold's branch.
type Thresholds struct {
	AutoApprove         float64   // risk at or below may auto-approve
	Reject              float64   // risk at or above is rejected
	MaxAutoApproveCents int64     // amount at or below may auto-approve
	ConfigVersion       string    // recorded in decision audit details
	UpdatedAt           time.Time // when this config was loaded
}

// DefaultThresholds returns the standard decision boundaries
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoApprove:         0.3,
		Reject:              0.7,
		MaxAutoApproveCents: 50000,
		ConfigVersion:       "v1",
		UpdatedAt:           time.Now(),
	}
}

// Validate ensures thresholds are in range and ordered
func (t Thresholds) Validate() error {
	if t.AutoApprove < 0 || t.AutoApprove > 1 {
		return fmt.Errorf("auto-approve threshold must be between 0.0 and 1.0, got %.2f", t.AutoApprove)
	}
	if t.Reject < 0 || t.Reject > 1 {
		return fmt.Errorf("reject threshold must be between 0.0 and 1.0, got %.2f", t.Reject)
	}
	if t.AutoApprove >= t.Reject {
		return fmt.Errorf("auto-approve threshold must be below reject threshold (auto: %.2f, reject: %.2f)", t.AutoApprove, t.Reject)
	}
	if t.MaxAutoApproveCents <= 0 {
		return fmt.Errorf("max auto-approve amount must be positive, got %d", t.MaxAutoApproveCents)
	}
	return nil
}

// Decision is the decision engine's verdict
type Decision struct {
	Outcome    string      `json:"outcome"`
	Reason     string      `json:"reason"`
	Violations []Violation `json:"violations,omitempty"`
}

// DecisionEngine turns an assessment and compliance result into an outcome
type DecisionEngine struct {
	thresholds Thresholds
}

// NewDecisionEngine validates thresholds and builds the engine
func NewDecisionEngine(t Thresholds) (*DecisionEngine, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &DecisionEngine{thresholds: t}, nil
}

// Thresholds returns the active configuration
func (d *DecisionEngine) Thresholds() Thresholds {
	return d.thresholds
}

// Decide applies the checks in fixed order: hard violation, reject threshold,
// auto-approve conditions, then review.
func (d *DecisionEngine) Decide(amountCents int64, a Assessment, c ComplianceResult) Decision {
	t := d.thresholds

	if hard := c.Hard(); len(hard) > 0 {
		return Decision{
			Outcome:    entity.StatusFlagged,
			Reason:     "Flagged for hard policy violation: " + joinMessages(hard),
			Violations: hard,
		}
	}

	if a.RiskScore >= t.Reject {
		return Decision{
			Outcome: entity.StatusRejected,
			Reason: fmt.Sprintf("Rejected: risk score %.2f is at or above the reject threshold %.2f (anomaly score %.2f)",
				a.RiskScore, t.Reject, a.AnomalyScore),
		}
	}

	soft := c.Soft()
	if a.RiskScore <= t.AutoApprove && amountCents <= t.MaxAutoApproveCents && len(soft) == 0 {
		return Decision{
			Outcome: entity.StatusAutoApproved,
			Reason: fmt.Sprintf("Auto-approved: risk score %.2f within threshold %.2f, amount %s within %s, no policy violations",
				a.RiskScore, t.AutoApprove, entity.FormatCents(amountCents), entity.FormatCents(t.MaxAutoApproveCents)),
		}
	}

	var why []string
	if a.RiskScore > t.AutoApprove {
		why = append(why, fmt.Sprintf("risk score %.2f above auto-approve threshold %.2f", a.RiskScore, t.AutoApprove))
	}
	if amountCents > t.MaxAutoApproveCents {
		why = append(why, fmt.Sprintf("amount %s above auto-approve limit %s",
			entity.FormatCents(amountCents), entity.FormatCents(t.MaxAutoApproveCents)))
	}
	if len(soft) > 0 {
		why = append(why, "policy: "+joinMessages(soft))
	}
	return Decision{
		Outcome:    entity.StatusManagerReview,
		Reason:     "Manager review required: " + strings.Join(why, "; "),
		Violations: soft,
	}
}

func joinMessages(vs []Violation) string {
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.Message
	}
	return strings.Join(msgs, "; ")
}
