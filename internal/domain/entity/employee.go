package entity

// Role is an employee's position in the org directory
type Role string

const (
	RoleEmployee       Role = "employee"
	RoleManager        Role = "manager"
	RoleFinance        Role = "finance"
	RoleDepartmentHead Role = "department_head"
	RoleVP             Role = "vp"
	RoleCFO            Role = "cfo"
	RoleAdmin          Role = "admin"
)

// DefaultMonthlyLimitCents applies when the directory has no limit for an employee
const DefaultMonthlyLimitCents int64 = 500000

// Employee is a read-only directory record
type Employee struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Email             string `json:"email"`
	Department        string `json:"department"`
	Role              Role   `json:"role"`
	WalletAddress     string `json:"wallet_address"`
	MonthlyLimitCents int64  `json:"monthly_limit_cents"`
	ManagerID         string `json:"manager_id,omitempty"`
}

// IsAdmin reports whether the employee may take administrative actions
func (e *Employee) IsAdmin() bool {
	return e != nil && e.Role == RoleAdmin
}

// MonthlyLimit returns the configured limit or the default
func (e *Employee) MonthlyLimit() int64 {
	if e.MonthlyLimitCents <= 0 {
		return DefaultMonthlyLimitCents
	}
	return e.MonthlyLimitCents
}
