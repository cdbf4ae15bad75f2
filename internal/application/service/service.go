// Package service holds the application services that drive expenses from
// submission to settlement.
package service

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// Locker serialises work per key. Satisfied by *syncutil.KeyedMutex.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

var tracer = otel.Tracer("github.com/garyjia/expense-approval/internal/application/service")

func expenseLockKey(expenseID string) string { return "expense:" + expenseID }

func employeeLockKey(employeeID string) string { return "employee:" + employeeID }

func utcNow() time.Time { return time.Now().UTC() }

type nopLogger struct{}

func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

func orNop(l Logger) Logger {
	if l == nil {
		return nopLogger{}
	}
	return l
}

func requireText(s string) string {
	return strings.TrimSpace(s)
}
