package port

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/garyjia/expense-approval/internal/domain/entity"
)

// Directory is the read-only org directory. GetManager and ResolveRole return
// nil without error when nobody holds the position.
type Directory interface {
	GetEmployee(ctx context.Context, id string) (*entity.Employee, error)
	GetManager(ctx context.Context, employeeID string) (*entity.Employee, error)
	ResolveRole(ctx context.Context, role entity.Role, department string) (*entity.Employee, error)
}

// TxStatus is the ledger's view of a transaction
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
	TxNotFound  TxStatus = "not_found"
)

// TransferRequest is one payout to an employee wallet. OnSigned, when set, is
// called with the transaction reference before the transaction is submitted.
type TransferRequest struct {
	Reference   string
	To          string
	AmountCents int64
	Memo        entity.Memo
	OnSigned    func(txRef string)
}

// Ledger failure kinds. A timeout means the outcome is unknown and the
// transaction must be reconciled before any retry.
var (
	ErrLedgerTimeout     = errors.New("ledger call timed out")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrLedgerRejected    = errors.New("ledger rejected transfer")
)

// TransferError is returned by Ledger.TransferWithMemo. TxRef is set when the
// transaction may have reached the ledger; a definitive refusal carries none.
type TransferError struct {
	Op    string
	TxRef string
	Err   error
}

func (e *TransferError) Error() string {
	if e.TxRef != "" {
		return fmt.Sprintf("%s (tx %s): %v", e.Op, e.TxRef, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// TransferTxRef returns the transaction reference carried by err, if any
func TransferTxRef(err error) string {
	var te *TransferError
	if errors.As(err, &te) {
		return te.TxRef
	}
	return ""
}

// MayHaveBroadcast reports whether funds could have moved despite err
func MayHaveBroadcast(err error) bool {
	return TransferTxRef(err) != "" || errors.Is(err, ErrLedgerTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// TransferResult is returned once the ledger confirmed the transfer
type TransferResult struct {
	TxRef  string
	Status TxStatus
}

// Ledger is the payment rail. TransferWithMemo returns only after confirmation;
// errors may still carry a TxRef when the transaction was broadcast.
type Ledger interface {
	TransferWithMemo(ctx context.Context, req TransferRequest) (*TransferResult, error)
	GetTransaction(ctx context.Context, txRef string) (TxStatus, error)
}

// TextParser turns free text into advisory expense fields
type TextParser interface {
	Parse(ctx context.Context, text string) (*entity.ParsedExpense, error)
}

// ReceiptReader extracts evidence from an uploaded receipt document
type ReceiptReader interface {
	Read(ctx context.Context, data []byte) (*entity.ReceiptEvidence, error)
}

// Notifier delivers messages to people in the directory
type Notifier interface {
	// NotifyPending tells an approver that a step is waiting for them
	NotifyPending(ctx context.Context, approver *entity.Employee, exp *entity.Expense, step *entity.ApprovalStep) error

	// NotifyEmployee sends a plain message about the employee's own expense
	NotifyEmployee(ctx context.Context, employee *entity.Employee, message string) error
}

// AuditExporter renders audit entries as a downloadable document
type AuditExporter interface {
	Export(ctx context.Context, entries []*entity.AuditEntry, stats *entity.AuditStats, w io.Writer) error
}
