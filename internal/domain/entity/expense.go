package entity

import (
	"fmt"
	"time"
)

// Category is the expense category chosen by the submitter
type Category string

const (
	CategoryMeals               Category = "meals"
	CategoryTravel              Category = "travel"
	CategoryAccommodation       Category = "accommodation"
	CategoryOfficeSupplies      Category = "office_supplies"
	CategorySoftware            Category = "software"
	CategoryEquipment           Category = "equipment"
	CategoryTraining            Category = "training"
	CategoryClientEntertainment Category = "client_entertainment"
	CategoryTransportation      Category = "transportation"
	CategoryMiscellaneous       Category = "miscellaneous"
)

var validCategories = map[Category]bool{
	CategoryMeals:               true,
	CategoryTravel:              true,
	CategoryAccommodation:       true,
	CategoryOfficeSupplies:      true,
	CategorySoftware:            true,
	CategoryEquipment:           true,
	CategoryTraining:            true,
	CategoryClientEntertainment: true,
	CategoryTransportation:      true,
	CategoryMiscellaneous:       true,
}

// IsValid returns true for known categories
func (c Category) IsValid() bool {
	return validCategories[c]
}

// Categories returns every known category in a stable order
func Categories() []Category {
	return []Category{
		CategoryMeals, CategoryTravel, CategoryAccommodation, CategoryOfficeSupplies,
		CategorySoftware, CategoryEquipment, CategoryTraining, CategoryClientEntertainment,
		CategoryTransportation, CategoryMiscellaneous,
	}
}

// Expense is a single reimbursement claim and everything decided about it.
// Amounts are stored in cents.
type Expense struct {
	ID          string    `json:"id"`
	EmployeeID  string    `json:"employee_id"`
	AmountCents int64     `json:"amount_cents"`
	Category    Category  `json:"category"`
	Merchant    string    `json:"merchant,omitempty"`
	Description string    `json:"description,omitempty"`
	HasReceipt  bool      `json:"has_receipt"`
	SubmittedAt time.Time `json:"submitted_at"`

	// Scoring
	RiskScore     float64  `json:"risk_score"`
	AnomalyScore  float64  `json:"anomaly_score"`
	RiskLevel     string   `json:"risk_level"`
	AICategory    Category `json:"ai_category"`
	ModelDegraded bool     `json:"model_degraded"`
	PolicyFlags   []string `json:"policy_flags,omitempty"`

	// Disposition
	Status         string `json:"status"`
	ApprovalReason string `json:"approval_reason"`

	// Settlement
	TxRef  string     `json:"tx_ref,omitempty"`
	Memo   string     `json:"memo,omitempty"`
	PaidAt *time.Time `json:"paid_at,omitempty"`

	// Dispute and override
	DisputeReason  string     `json:"dispute_reason,omitempty"`
	DisputedAt     *time.Time `json:"disputed_at,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Amount returns the amount in currency units
func (e *Expense) Amount() float64 {
	return CentsToAmount(e.AmountCents)
}

// WasDisputed reports whether the one allowed dispute has been used
func (e *Expense) WasDisputed() bool {
	return e.DisputedAt != nil
}

// IsSettled reports whether a transaction reference has been persisted
func (e *Expense) IsSettled() bool {
	return e.Status == StatusPaid && e.TxRef != ""
}

// SpendMonth is the calendar month the expense counts against
func (e *Expense) SpendMonth() string {
	return MonthKey(e.SubmittedAt)
}

// MonthKey formats a time as the YYYY-MM bucket used for monthly spend
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CentsToAmount converts cents to currency units
func CentsToAmount(cents int64) float64 {
	return float64(cents) / 100
}

// AmountToCents converts currency units to cents, rounding half away from zero
func AmountToCents(amount float64) int64 {
	if amount < 0 {
		return -int64(-amount*100 + 0.5)
	}
	return int64(amount*100 + 0.5)
}

// FormatCents renders cents as $1,234.56 without the thousands separator
func FormatCents(cents int64) string {
	return fmt.Sprintf("$%.2f", CentsToAmount(cents))
}

// ExpenseFilter narrows expense listings
type ExpenseFilter struct {
	Status     string
	EmployeeID string
	Limit      int
	Offset     int
}

// ExpenseStats aggregates expenses for the dashboard
type ExpenseStats struct {
	Total            int            `json:"total"`
	ByStatus         map[string]int `json:"by_status"`
	TotalAmountCents int64          `json:"total_amount_cents"`
	PaidAmountCents  int64          `json:"paid_amount_cents"`
	AverageRisk      float64        `json:"average_risk"`
	DegradedCount    int            `json:"degraded_count"`
}
