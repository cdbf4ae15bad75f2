package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/expense-approval/internal/application/port"
	"github.com/garyjia/expense-approval/internal/domain/entity"
)

const (
	tokenAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	payee     = "0xBcd4042DE499D14e55001CcbB24a551F3b954096"
)

// mockEthClient is a node whose pending nonce never advances on its own
type mockEthClient struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	sendErr  error
	nonceErr error
	nonce    uint64
	receipts map[common.Hash]*types.Receipt
	pending  map[common.Hash]bool
}

func newMockEthClient() *mockEthClient {
	return &mockEthClient{nonce: 7, receipts: map[common.Hash]*types.Receipt{}, pending: map[common.Hash]bool{}}
}

// rpcRefusal is a JSON-RPC error answer from the node
type rpcRefusal string

func (e rpcRefusal) Error() string  { return string(e) }
func (e rpcRefusal) ErrorCode() int { return -32000 }

func (m *mockEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, m.nonceErr
}

func (m *mockEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (m *mockEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 0, errors.New("estimation unsupported")
}

func (m *mockEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	return nil
}

func (m *mockEthClient) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockEthClient) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[hash] {
		return &types.Transaction{}, true, nil
	}
	return nil, false, ethereum.NotFound
}

func (m *mockEthClient) Close() {}

func (m *mockEthClient) sentNonces() []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uint64, 0, len(m.sent))
	for _, tx := range m.sent {
		out = append(out, tx.Nonce())
	}
	return out
}

func (m *mockEthClient) setSendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// mine attaches a receipt to every broadcast transaction
func (m *mockEthClient) mine(status uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.sent {
		m.receipts[tx.Hash()] = &types.Receipt{Status: status, BlockNumber: big.NewInt(42), TxHash: tx.Hash()}
	}
}

func newTestLedger(t *testing.T, client *mockEthClient) *EVMLedger {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	l, err := NewEVMLedger(EVMConfig{
		RPCURL:         "http://127.0.0.1:8545",
		PrivateKey:     hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:        31337,
		TokenAddress:   tokenAddr,
		ConfirmTimeout: 50 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, zap.NewNop(), WithClient(client))
	require.NoError(t, err)
	return l
}

func request() port.TransferRequest {
	return port.TransferRequest{
		Reference:   "exp-1",
		To:          payee,
		AmountCents: 4500,
		Memo: entity.Memo{
			RiskScore:   0.1,
			Category:    entity.CategoryMeals,
			Decision:    entity.StatusAutoApproved,
			AmountCents: 4500,
			Agent:       "AgentFin",
		},
	}
}

func TestNewEVMLedger_ValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  EVMConfig
	}{
		{"missing rpc", EVMConfig{PrivateKey: "00", ChainID: 1, TokenAddress: tokenAddr}},
		{"short key", EVMConfig{RPCURL: "x", PrivateKey: "abcd", ChainID: 1, TokenAddress: tokenAddr}},
		{"no chain", EVMConfig{RPCURL: "x", PrivateKey: string(make([]byte, 64)), TokenAddress: tokenAddr}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEVMLedger(tt.cfg, zap.NewNop(), WithClient(newMockEthClient()))
			assert.Error(t, err)
		})
	}
}

func TestEVMLedger_TransferEncodesMemoAndConfirms(t *testing.T) {
	client := newMockEthClient()
	l := newTestLedger(t, client)

	go func() {
		for {
			client.mu.Lock()
			n := len(client.sent)
			client.mu.Unlock()
			if n > 0 {
				client.mine(types.ReceiptStatusSuccessful)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	res, err := l.TransferWithMemo(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, port.TxConfirmed, res.Status)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	assert.Equal(t, res.TxRef, tx.Hash().Hex())
	assert.Equal(t, common.HexToAddress(tokenAddr), *tx.To())
	assert.Equal(t, DefaultGasLimit, tx.Gas())

	args, err := l.abi.Methods["transferWithMemo"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(payee), args[0].(common.Address))
	assert.Equal(t, big.NewInt(45_000_000), args[1].(*big.Int))
	memo := args[2].([32]byte)
	assert.Equal(t, "R=0.10|C=meal|D=auto|$45", string(memo[:len("R=0.10|C=meal|D=auto|$45")]))
}

func TestEVMLedger_FailuresCarryKnownTxRef(t *testing.T) {
	t.Run("no receipt before timeout", func(t *testing.T) {
		l := newTestLedger(t, newMockEthClient())
		_, err := l.TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerTimeout))
		assert.NotEmpty(t, port.TransferTxRef(err))
		assert.True(t, port.MayHaveBroadcast(err))
	})

	t.Run("reverted", func(t *testing.T) {
		client := newMockEthClient()
		l := newTestLedger(t, client)
		go func() {
			time.Sleep(10 * time.Millisecond)
			client.mine(types.ReceiptStatusFailed)
		}()
		_, err := l.TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerRejected))
	})

	t.Run("broadcast error", func(t *testing.T) {
		client := newMockEthClient()
		client.sendErr = errors.New("connection reset")
		_, err := newTestLedger(t, client).TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerUnavailable))
		assert.NotEmpty(t, port.TransferTxRef(err))
	})

	t.Run("node refusal", func(t *testing.T) {
		client := newMockEthClient()
		client.sendErr = rpcRefusal("insufficient funds for gas * price + value")
		_, err := newTestLedger(t, client).TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerUnavailable))
		assert.Empty(t, port.TransferTxRef(err))
		assert.False(t, port.MayHaveBroadcast(err))
	})

	t.Run("already known counts as broadcast", func(t *testing.T) {
		client := newMockEthClient()
		client.sendErr = rpcRefusal("already known")
		_, err := newTestLedger(t, client).TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerTimeout))
		assert.NotEmpty(t, port.TransferTxRef(err))
	})

	t.Run("pre-broadcast error", func(t *testing.T) {
		client := newMockEthClient()
		client.nonceErr = errors.New("dial tcp: refused")
		_, err := newTestLedger(t, client).TransferWithMemo(context.Background(), request())
		require.Error(t, err)
		assert.True(t, errors.Is(err, port.ErrLedgerUnavailable))
		assert.False(t, port.MayHaveBroadcast(err))
	})

	t.Run("bad recipient", func(t *testing.T) {
		req := request()
		req.To = "not-an-address"
		_, err := newTestLedger(t, newMockEthClient()).TransferWithMemo(context.Background(), req)
		assert.True(t, errors.Is(err, port.ErrLedgerRejected))
	})
}

func TestEVMLedger_OnSignedSeesRefBeforeSubmit(t *testing.T) {
	client := newMockEthClient()
	l := newTestLedger(t, client)

	var seen string
	req := request()
	req.OnSigned = func(txRef string) {
		client.mu.Lock()
		defer client.mu.Unlock()
		assert.Empty(t, client.sent)
		seen = txRef
	}

	_, err := l.TransferWithMemo(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, port.TransferTxRef(err), seen)
	assert.NotEmpty(t, seen)
}

func TestEVMLedger_ConcurrentTransfersUseDistinctNonces(t *testing.T) {
	client := newMockEthClient()
	l := newTestLedger(t, client)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// no receipts are mined; only the broadcast matters here
			_, _ = l.TransferWithMemo(context.Background(), request())
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []uint64{7, 8, 9, 10, 11, 12}, client.sentNonces())
}

func TestEVMLedger_RefusedSubmissionDoesNotBurnNonce(t *testing.T) {
	client := newMockEthClient()
	l := newTestLedger(t, client)
	ctx := context.Background()

	_, _ = l.TransferWithMemo(ctx, request())
	require.Equal(t, []uint64{7}, client.sentNonces())

	// the node catches up, then refuses the next submission
	client.mu.Lock()
	client.nonce = 8
	client.mu.Unlock()
	client.setSendErr(rpcRefusal("replacement transaction underpriced"))
	_, err := l.TransferWithMemo(ctx, request())
	require.Error(t, err)
	assert.Empty(t, port.TransferTxRef(err))

	client.setSendErr(nil)
	_, _ = l.TransferWithMemo(ctx, request())
	assert.Equal(t, []uint64{7, 8}, client.sentNonces())
}

func TestEVMLedger_GetTransaction(t *testing.T) {
	client := newMockEthClient()
	l := newTestLedger(t, client)
	ctx := context.Background()

	confirmed := common.HexToHash("0x01")
	failed := common.HexToHash("0x02")
	pending := common.HexToHash("0x03")
	client.receipts[confirmed] = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	client.receipts[failed] = &types.Receipt{Status: types.ReceiptStatusFailed}
	client.pending[pending] = true

	for ref, want := range map[string]port.TxStatus{
		confirmed.Hex():                port.TxConfirmed,
		failed.Hex():                   port.TxFailed,
		pending.Hex():                  port.TxPending,
		common.HexToHash("0x04").Hex(): port.TxNotFound,
	} {
		got, err := l.GetTransaction(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, want, got, ref)
	}
}

func TestSimulatedLedger_BookAnswersLookups(t *testing.T) {
	l := NewSimulatedLedger(zap.NewNop())
	ctx := context.Background()

	first, err := l.TransferWithMemo(ctx, request())
	require.NoError(t, err)
	second, err := l.TransferWithMemo(ctx, request())
	require.NoError(t, err)
	assert.NotEqual(t, first.TxRef, second.TxRef)
	assert.Len(t, first.TxRef, 66)

	status, err := l.GetTransaction(ctx, first.TxRef)
	require.NoError(t, err)
	assert.Equal(t, port.TxConfirmed, status)

	status, err = l.GetTransaction(ctx, "0xunknown")
	require.NoError(t, err)
	assert.Equal(t, port.TxNotFound, status)

	book := l.Transactions()
	require.Len(t, book, 2)
	assert.Equal(t, "R=0.10|C=meal|D=auto|$45", book[0].Memo)

	req := request()
	req.To = ""
	_, err = l.TransferWithMemo(ctx, req)
	assert.True(t, errors.Is(err, port.ErrLedgerRejected))
}
