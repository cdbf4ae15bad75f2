package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
)

// SimulatedTx is one entry of the simulated book
type SimulatedTx struct {
	TxRef       string
	Reference   string
	To          string
	AmountCents int64
	Memo        string
	Status      port.TxStatus
	At          time.Time
}

// SimulatedLedger confirms every transfer instantly and remembers it.
// Hashes are derived from the request so they are stable across runs.
type SimulatedLedger struct {
	mu     sync.RWMutex
	book   map[string]*SimulatedTx
	seq    uint64
	logger *zap.Logger
	now    func() time.Time
}

var _ port.Ledger = (*SimulatedLedger)(nil)

// NewSimulatedLedger creates an empty simulated book
func NewSimulatedLedger(logger *zap.Logger) *SimulatedLedger {
	return &SimulatedLedger{
		book:   make(map[string]*SimulatedTx),
		logger: logger,
		now:    time.Now,
	}
}

// TransferWithMemo records the transfer as confirmed
func (l *SimulatedLedger) TransferWithMemo(ctx context.Context, req port.TransferRequest) (*port.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &port.TransferError{Op: "simulated.transfer", Err: fmt.Errorf("%w: %v", port.ErrLedgerUnavailable, err)}
	}
	if req.To == "" || req.AmountCents <= 0 {
		return nil, &port.TransferError{Op: "simulated.transfer", Err: fmt.Errorf("%w: invalid transfer", port.ErrLedgerRejected)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	compact := req.Memo.Compact()
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", req.Reference, req.To, req.AmountCents, compact, l.seq)))
	txRef := "0x" + hex.EncodeToString(sum[:])
	if req.OnSigned != nil {
		req.OnSigned(txRef)
	}

	l.book[txRef] = &SimulatedTx{
		TxRef:       txRef,
		Reference:   req.Reference,
		To:          req.To,
		AmountCents: req.AmountCents,
		Memo:        compact,
		Status:      port.TxConfirmed,
		At:          l.now(),
	}
	l.logger.Info("Simulated ledger transfer",
		zap.String("reference", req.Reference), zap.String("tx_ref", txRef), zap.String("memo", compact))

	return &port.TransferResult{TxRef: txRef, Status: port.TxConfirmed}, nil
}

// GetTransaction answers from the book
func (l *SimulatedLedger) GetTransaction(ctx context.Context, txRef string) (port.TxStatus, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tx, ok := l.book[txRef]
	if !ok {
		return port.TxNotFound, nil
	}
	return tx.Status, nil
}

// Transactions returns a snapshot of the book
func (l *SimulatedLedger) Transactions() []SimulatedTx {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]SimulatedTx, 0, len(l.book))
	for _, tx := range l.book {
		out = append(out, *tx)
	}
	return out
}
