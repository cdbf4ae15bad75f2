package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/apperr"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const employeeColumns = `id, name, email, department, role, wallet_address, monthly_limit_cents, manager_id`

// EmployeeRepository is the SQLite-backed org directory
type EmployeeRepository struct {
	base
}

// NewEmployeeRepository creates a directory over the employees table
func NewEmployeeRepository(db *sql.DB, logger *zap.Logger) port.Directory {
	return &EmployeeRepository{base{db: db, logger: logger}}
}

// GetEmployee retrieves an employee by ID
func (r *EmployeeRepository) GetEmployee(ctx context.Context, id string) (*entity.Employee, error) {
	emp, err := r.queryOne(ctx, `SELECT `+employeeColumns+` FROM employees WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if emp == nil {
		return nil, apperr.NotFound("directory.GetEmployee", "employee %s not found", id)
	}
	return emp, nil
}

// GetManager returns the employee's manager, or nil at the top of the chart
func (r *EmployeeRepository) GetManager(ctx context.Context, employeeID string) (*entity.Employee, error) {
	query := `
		SELECT m.id, m.name, m.email, m.department, m.role, m.wallet_address, m.monthly_limit_cents, m.manager_id
		FROM employees e JOIN employees m ON m.id = e.manager_id
		WHERE e.id = ?
	`
	return r.queryOne(ctx, query, employeeID)
}

// ResolveRole returns a holder of role, preferring one in department
func (r *EmployeeRepository) ResolveRole(ctx context.Context, role entity.Role, department string) (*entity.Employee, error) {
	query := `SELECT ` + employeeColumns + ` FROM employees WHERE role = ? ORDER BY (department = ?) DESC, id LIMIT 1`
	return r.queryOne(ctx, query, string(role), department)
}

// Upsert stores a directory record. Used by the seeding command and tests.
func (r *EmployeeRepository) Upsert(ctx context.Context, emp *entity.Employee) error {
	var manager sql.NullString
	if emp.ManagerID != "" {
		manager = sql.NullString{String: emp.ManagerID, Valid: true}
	}
	query := `
		INSERT INTO employees (` + employeeColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, email = excluded.email, department = excluded.department,
			role = excluded.role, wallet_address = excluded.wallet_address,
			monthly_limit_cents = excluded.monthly_limit_cents, manager_id = excluded.manager_id
	`
	_, err := r.getExecutor(ctx).ExecContext(ctx, query,
		emp.ID, emp.Name, emp.Email, emp.Department, string(emp.Role),
		emp.WalletAddress, emp.MonthlyLimit(), manager,
	)
	if err != nil {
		r.logger.Error("Failed to upsert employee", zap.String("employee_id", emp.ID), zap.Error(err))
		return fmt.Errorf("failed to upsert employee: %w", err)
	}
	return nil
}

func (r *EmployeeRepository) queryOne(ctx context.Context, query string, args ...interface{}) (*entity.Employee, error) {
	var (
		emp     entity.Employee
		role    string
		manager sql.NullString
	)
	err := r.getExecutor(ctx).QueryRowContext(ctx, query, args...).Scan(
		&emp.ID,
		&emp.Name,
		&emp.Email,
		&emp.Department,
		&role,
		&emp.WalletAddress,
		&emp.MonthlyLimitCents,
		&manager,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to query directory", zap.Error(err))
		return nil, fmt.Errorf("failed to query directory: %w", err)
	}
	emp.Role = entity.Role(role)
	emp.ManagerID = manager.String
	return &emp, nil
}
