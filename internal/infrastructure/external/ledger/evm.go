// Package ledger implements the payment rail used to settle approved expenses:
// an EVM token contract with a memo-carrying transfer, and an in-memory
// simulation for environments without an RPC endpoint.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
)

// payoutABI is the slice of the payout contract the engine calls
const payoutABI = `[
	{"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"},{"name":"memo","type":"bytes32"}],"name":"transferWithMemo","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"amount","type":"uint256"},{"indexed":false,"name":"memo","type":"bytes32"}],"name":"TransferWithMemo","type":"event"}
]`

const (
	// DefaultGasLimit is used when estimation fails
	DefaultGasLimit = uint64(120000)

	// DefaultTokenDecimals matches USDC-style stablecoins
	DefaultTokenDecimals = 6

	DefaultConfirmTimeout = 30 * time.Second
	DefaultPollInterval   = 2 * time.Second
)

// EthClient is the subset of ethclient.Client the ledger needs
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	Close()
}

// EVMConfig configures the on-chain ledger
type EVMConfig struct {
	RPCURL         string
	PrivateKey     string
	ChainID        int64
	TokenAddress   string
	TokenDecimals  int
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// Option configures the EVM ledger
type Option func(*EVMLedger)

// WithClient sets a custom Ethereum client
func WithClient(client EthClient) Option {
	return func(l *EVMLedger) {
		l.client = client
	}
}

// EVMLedger pays out through transferWithMemo on a token contract
type EVMLedger struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	from       common.Address
	chainID    *big.Int
	token      common.Address
	abi        abi.ABI
	unit       *big.Int
	cfg        EVMConfig
	logger     *zap.Logger

	// nonceMu serializes nonce assignment through broadcast
	nonceMu    sync.Mutex
	nextNonce  uint64
	nonceKnown bool
}

var _ port.Ledger = (*EVMLedger)(nil)

// NewEVMLedger creates the ledger and dials the RPC endpoint unless a client is supplied
func NewEVMLedger(cfg EVMConfig, logger *zap.Logger, opts ...Option) (*EVMLedger, error) {
	if err := validateEVMConfig(cfg); err != nil {
		return nil, err
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid ledger private key: %w", err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("invalid ledger private key: cannot derive public key")
	}

	parsed, err := abi.JSON(strings.NewReader(payoutABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payout ABI: %w", err)
	}

	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = DefaultTokenDecimals
	}
	if cfg.TokenDecimals < 2 {
		return nil, fmt.Errorf("token decimals must be at least 2, got %d", cfg.TokenDecimals)
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}

	l := &EVMLedger{
		privateKey: key,
		from:       crypto.PubkeyToAddress(*pub),
		chainID:    big.NewInt(cfg.ChainID),
		token:      common.HexToAddress(cfg.TokenAddress),
		abi:        parsed,
		unit:       new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(cfg.TokenDecimals-2)), nil),
		cfg:        cfg,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to dial ledger RPC: %w", err)
		}
		l.client = client
	}
	return l, nil
}

func validateEVMConfig(cfg EVMConfig) error {
	if cfg.RPCURL == "" {
		return errors.New("ledger rpc_url is required")
	}
	if len(strings.TrimPrefix(cfg.PrivateKey, "0x")) != 64 {
		return errors.New("ledger private_key must be 64 hex characters")
	}
	if cfg.ChainID == 0 {
		return errors.New("ledger chain_id is required")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return fmt.Errorf("ledger token_address %q is not an address", cfg.TokenAddress)
	}
	return nil
}

// Address returns the payer account
func (l *EVMLedger) Address() string {
	return l.from.Hex()
}

// TransferWithMemo signs, broadcasts and waits for the receipt. The tx hash is
// known before broadcast, so every failure that leaves the transaction possibly
// in flight carries it.
func (l *EVMLedger) TransferWithMemo(ctx context.Context, req port.TransferRequest) (*port.TransferResult, error) {
	if !common.IsHexAddress(req.To) {
		return nil, &port.TransferError{Op: "validate", Err: fmt.Errorf("%w: invalid recipient %q", port.ErrLedgerRejected, req.To)}
	}
	if req.AmountCents <= 0 {
		return nil, &port.TransferError{Op: "validate", Err: fmt.Errorf("%w: non-positive amount", port.ErrLedgerRejected)}
	}

	amount := new(big.Int).Mul(big.NewInt(req.AmountCents), l.unit)
	data, err := l.abi.Pack("transferWithMemo", common.HexToAddress(req.To), amount, req.Memo.CompactBytes())
	if err != nil {
		return nil, &port.TransferError{Op: "pack", Err: fmt.Errorf("%w: %v", port.ErrLedgerRejected, err)}
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &port.TransferError{Op: "gas_price", Err: unavailable(err)}
	}
	gasLimit, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: l.from, To: &l.token, Value: big.NewInt(0), Data: data})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	txRef, nonce, err := l.broadcast(ctx, req, data, gasPrice, gasLimit)
	if err != nil {
		return nil, err
	}
	l.logger.Info("Ledger transfer broadcast",
		zap.String("reference", req.Reference), zap.String("tx_ref", txRef), zap.Uint64("nonce", nonce))

	return l.waitForReceipt(ctx, txRef)
}

// broadcast assigns the nonce, signs and submits while holding nonceMu, so
// concurrent transfers never share a nonce. A node that answers with an RPC
// error refused the transaction and the returned error carries no TxRef.
func (l *EVMLedger) broadcast(ctx context.Context, req port.TransferRequest, data []byte, gasPrice *big.Int, gasLimit uint64) (string, uint64, error) {
	l.nonceMu.Lock()
	defer l.nonceMu.Unlock()

	nonce, err := l.client.PendingNonceAt(ctx, l.from)
	if err != nil {
		return "", 0, &port.TransferError{Op: "nonce", Err: unavailable(err)}
	}
	// the node's pending view can lag our own submissions
	if l.nonceKnown && l.nextNonce > nonce {
		nonce = l.nextNonce
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &l.token,
		Value:    big.NewInt(0),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.privateKey)
	if err != nil {
		return "", 0, &port.TransferError{Op: "sign", Err: fmt.Errorf("%w: %v", port.ErrLedgerRejected, err)}
	}
	txRef := signed.Hash().Hex()
	if req.OnSigned != nil {
		req.OnSigned(txRef)
	}

	err = l.client.SendTransaction(ctx, signed)
	if err != nil && isAlreadyKnown(err) {
		err = nil
	}
	if err == nil {
		l.nextNonce, l.nonceKnown = nonce+1, true
		return txRef, nonce, nil
	}

	// re-read from the node next time; a refused or lost nonce is reused
	l.nonceKnown = false
	l.logger.Warn("Ledger broadcast failed",
		zap.String("reference", req.Reference), zap.String("tx_ref", txRef), zap.Uint64("nonce", nonce), zap.Error(err))

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return "", nonce, &port.TransferError{Op: "send", Err: fmt.Errorf("%w: node refused tx: %v", port.ErrLedgerUnavailable, err)}
	}
	return "", nonce, &port.TransferError{Op: "send", TxRef: txRef, Err: l.classify(ctx, err)}
}

func isAlreadyKnown(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// unavailable wraps a failure that happened before anything was submitted
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", port.ErrLedgerUnavailable, err)
}

func (l *EVMLedger) waitForReceipt(ctx context.Context, txRef string) (*port.TransferResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	defer cancel()

	hash := common.HexToHash(txRef)
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, &port.TransferError{Op: "confirm", TxRef: txRef, Err: fmt.Errorf("%w: reverted in block %v", port.ErrLedgerRejected, receipt.BlockNumber)}
			}
			return &port.TransferResult{TxRef: txRef, Status: port.TxConfirmed}, nil
		}

		select {
		case <-ctx.Done():
			return nil, &port.TransferError{Op: "confirm", TxRef: txRef, Err: port.ErrLedgerTimeout}
		case <-ticker.C:
		}
	}
}

// GetTransaction reports the ledger's view of a previously broadcast transfer
func (l *EVMLedger) GetTransaction(ctx context.Context, txRef string) (port.TxStatus, error) {
	hash := common.HexToHash(txRef)

	receipt, err := l.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil && receipt != nil:
		if receipt.Status == types.ReceiptStatusSuccessful {
			return port.TxConfirmed, nil
		}
		return port.TxFailed, nil
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return "", &port.TransferError{Op: "receipt", TxRef: txRef, Err: l.classify(ctx, err)}
	}

	_, pending, err := l.client.TransactionByHash(ctx, hash)
	switch {
	case errors.Is(err, ethereum.NotFound):
		return port.TxNotFound, nil
	case err != nil:
		return "", &port.TransferError{Op: "lookup", TxRef: txRef, Err: l.classify(ctx, err)}
	case pending:
		return port.TxPending, nil
	}
	// Known but without a receipt yet
	return port.TxPending, nil
}

// Close releases the RPC connection
func (l *EVMLedger) Close() {
	if l.client != nil {
		l.client.Close()
	}
}

func (l *EVMLedger) classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", port.ErrLedgerTimeout, err)
	}
	return fmt.Errorf("%w: %v", port.ErrLedgerUnavailable, err)
}
