package entity

import "time"

// Settlement tracks the single ledger payout attempt for an expense
type Settlement struct {
	ExpenseID string    `json:"expense_id"`
	Status    string    `json:"status"`
	TxRef     string    `json:"tx_ref,omitempty"`
	Memo      string    `json:"memo"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NeedsReconcile reports whether a transfer may already have been broadcast
func (s *Settlement) NeedsReconcile() bool {
	if s == nil || s.TxRef == "" {
		return false
	}
	return s.Status == SettlementInFlight || s.Status == SettlementUnknown
}

// ReceiptEvidence is what could be read off an uploaded receipt
type ReceiptEvidence struct {
	TotalCents int64      `json:"total_cents"`
	Merchant   string     `json:"merchant,omitempty"`
	Date       *time.Time `json:"date,omitempty"`
	Confidence float64    `json:"confidence"`
	Text       string     `json:"-"`
}

// ParsedExpense is the advisory output of the text-understanding service
type ParsedExpense struct {
	AmountCents *int64    `json:"amount_cents,omitempty"`
	Merchant    string    `json:"merchant,omitempty"`
	Category    *Category `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
}
