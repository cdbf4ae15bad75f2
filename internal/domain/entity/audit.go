package entity

import "time"

// AuditAction enumerates what an audit entry records
type AuditAction string

const (
	AuditDecisionMade     AuditAction = "decision_made"
	AuditChainCreated     AuditAction = "approval_chain_created"
	AuditStepApproved     AuditAction = "step_approved"
	AuditStepRejected     AuditAction = "step_rejected"
	AuditStepEscalated    AuditAction = "step_escalated"
	AuditDisputed         AuditAction = "disputed"
	AuditDisputeDenied    AuditAction = "dispute_denied"
	AuditOverridden       AuditAction = "overridden"
	AuditSettled          AuditAction = "settled"
	AuditSettlementFailed AuditAction = "settlement_failed"
)

// AuditEntry is an append-only record of something that happened to an expense
type AuditEntry struct {
	ID            int64       `json:"id"`
	ExpenseID     string      `json:"expense_id"`
	Actor         string      `json:"actor"`
	Action        AuditAction `json:"action"`
	FromStatus    string      `json:"from_status,omitempty"`
	ToStatus      string      `json:"to_status,omitempty"`
	RiskScore     *float64    `json:"risk_score,omitempty"`
	AnomalyScore  *float64    `json:"anomaly_score,omitempty"`
	ModelDegraded bool        `json:"model_degraded"`
	Memo          string      `json:"memo,omitempty"`
	TxRef         string      `json:"tx_ref,omitempty"`
	Details       string      `json:"details,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// IsOnChain reports whether the entry produced a ledger record
func (a *AuditEntry) IsOnChain() bool {
	return a.TxRef != ""
}

// AuditFilter narrows audit queries. Zero values mean no constraint.
type AuditFilter struct {
	ExpenseID  string
	EmployeeID string
	Actor      string
	Action     AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// AuditStats aggregates the audit trail
type AuditStats struct {
	TotalActions     int                 `json:"total_actions"`
	ByAction         map[AuditAction]int `json:"by_action"`
	AgentActions     int                 `json:"agent_actions"`
	HumanActions     int                 `json:"human_actions"`
	OnChainRecords   int                 `json:"on_chain_records"`
	OnChainFraction  float64             `json:"on_chain_fraction"`
	DegradedDecision int                 `json:"degraded_decisions"`
}
