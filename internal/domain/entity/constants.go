package entity

// Expense status values mirror the lifecycle states
const (
	StatusSubmitted     = "submitted"
	StatusAutoApproved  = "auto_approved"
	StatusManagerReview = "manager_review"
	StatusApproved      = "approved"
	StatusRejected      = "rejected"
	StatusFlagged       = "flagged"
	StatusDisputed      = "disputed"
	StatusPaid          = "paid"
)

// Risk levels
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// Settlement record status
const (
	SettlementInFlight  = "in_flight"
	SettlementConfirmed = "confirmed"
	SettlementFailed    = "failed"
	SettlementUnknown   = "unknown"
)

// SystemActor is the audit actor for actions taken by the engine itself
const SystemActor = "system"
