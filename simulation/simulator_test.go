package simulation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/simulation/simtest"
)

var (
	testSender    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	testRecipient = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	testToken     = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	testNetwork   = &Network{Name: "test", ChainID: 1, NativeCurrency: NativeCurrency{Symbol: "ETH", Decimals: 18}}
)

func newTestSimulator(t *testing.T) (*Simulator, *simtest.Backend) {
	t.Helper()

	backend := simtest.NewBackend(100)
	logger, _ := test.NewNullLogger()
	return NewSimulator(backend, testNetwork, Limits{}, logger), backend
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func tokenTransfer(amount uint64) *Transaction {
	to := testToken
	return &Transaction{
		From:  testSender,
		To:    &to,
		Input: simtest.TransferCalldata(testRecipient, uint256.NewInt(amount)),
		Gas:   uint64Ptr(100_000),
	}
}

func valueTransfer(value uint64) *Transaction {
	to := testRecipient
	return &Transaction{
		From:         testSender,
		To:           &to,
		Value:        uint256.NewInt(value),
		Gas:          uint64Ptr(21_000),
		MaxFeePerGas: uint256.NewInt(2_000_000_000),
	}
}

func TestNewStateAnchorsToHead(t *testing.T) {
	sim, _ := newTestSimulator(t)

	state, err := sim.NewState(context.Background())
	require.NoError(t, err)

	assert.True(t, state.IsEmpty())
	assert.Equal(t, uint64(100), state.ParentNumber)
	assert.Equal(t, uint64(1_000_000_000), state.BaseFee.Uint64())
	assert.Equal(t, testNetwork, state.Network)
}

func TestAppendTransactionReturnsCandidateResult(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	first, result, err := sim.AppendTransaction(ctx, state, valueTransfer(5))
	require.NoError(t, err)
	require.True(t, result.Success())
	require.Len(t, result.Logs, 1)
	assert.Equal(t, simtest.EthTransferAddress, result.Logs[0].Address)

	second, result, err := sim.AppendTransaction(ctx, first, tokenTransfer(100))
	require.NoError(t, err)
	require.True(t, result.Success())
	require.Len(t, result.Logs, 1)
	assert.Equal(t, testToken, result.Logs[0].Address)

	// the original values are untouched
	assert.True(t, state.IsEmpty())
	assert.Equal(t, 1, first.TransactionCount())
	assert.Equal(t, 2, second.TransactionCount())
	assert.Len(t, first.LastBlock().Results, 1)

	// results of the whole last block are refreshed
	require.Len(t, second.LastBlock().Results, 2)
	assert.NotNil(t, second.LastBlock().Results[0])

	// the second request replays the first transaction before the candidate
	require.Equal(t, 2, backend.RequestCount())
	req := backend.Requests[1]
	assert.True(t, req.TraceTransfers)
	assert.False(t, req.Validation)
	require.Len(t, req.BlockStateCalls, 1)
	require.Len(t, req.BlockStateCalls[0].Calls, 2)
	assert.Equal(t, testSender, *req.BlockStateCalls[0].Calls[0].From)
	assert.Nil(t, req.BlockStateCalls[0].Calls[0].Nonce)
	assert.Equal(t, testToken, *req.BlockStateCalls[0].Calls[1].To)
}

func TestRevertIsAResultNotAnError(t *testing.T) {
	sim, _ := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	dead := common.HexToAddress("0xdead")
	_, result, err := sim.AppendTransaction(ctx, state, &Transaction{From: testSender, To: &dead})
	require.NoError(t, err)
	assert.Equal(t, CallStatusFailure, result.Status)
	require.NotNil(t, result.Error)
	assert.Equal(t, "execution reverted", result.Error.Message)
}

func TestRebuildFromReplaysIdentically(t *testing.T) {
	sim, _ := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	expected := []*CallResult{}
	for _, tx := range []*Transaction{valueTransfer(1), tokenTransfer(100), valueTransfer(7)} {
		var result *CallResult
		state, result, err = sim.AppendTransaction(ctx, state, tx)
		require.NoError(t, err)
		expected = append(expected, result)
	}
	state = state.WithNewBlock(nil)
	state, result, err := sim.AppendTransaction(ctx, state, tokenTransfer(3))
	require.NoError(t, err)
	expected = append(expected, result)

	rebuilt, err := sim.RebuildFrom(ctx, state, 4)
	require.NoError(t, err)
	assert.Equal(t, expected, rebuilt)

	partial, err := sim.RebuildFrom(ctx, state, 2)
	require.NoError(t, err)
	assert.Equal(t, expected[:2], partial)

	_, err = sim.RebuildFrom(ctx, state, 5)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestBatchCarriesOverridesPerBlock(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	state = state.WithAccountOverride(testSender, &AccountOverride{Balance: uint256.NewInt(10)})
	state, _, err = sim.AppendTransaction(ctx, state, valueTransfer(1))
	require.NoError(t, err)

	number := uint64(500)
	state = state.WithNewBlock(&BlockOverrides{Number: &number})
	state = state.WithAccountOverride(testRecipient, &AccountOverride{Code: []byte{0x60, 0x00}})
	_, _, err = sim.AppendTransaction(ctx, state, tokenTransfer(1))
	require.NoError(t, err)

	req := backend.Requests[len(backend.Requests)-1]
	require.Len(t, req.BlockStateCalls, 2)

	first := req.BlockStateCalls[0]
	require.Contains(t, first.StateOverrides, testSender)
	assert.Equal(t, uint64(10), (*uint256.Int)(first.StateOverrides[testSender].Balance).Uint64())
	assert.Len(t, first.Calls, 1)
	require.NotNil(t, first.BlockOverrides)
	assert.Equal(t, uint64(1_000_000_000), (*uint256.Int)(first.BlockOverrides.BaseFeePerGas).Uint64())

	second := req.BlockStateCalls[1]
	require.Contains(t, second.StateOverrides, testRecipient)
	assert.Equal(t, uint64(500), second.BlockOverrides.Number.ToInt().Uint64())
	assert.Len(t, second.Calls, 1)
}

func TestOverflowFailsLoudly(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	maxFee := new(uint256.Int).SetAllOne()
	tx := valueTransfer(1)
	tx.MaxFeePerGas = maxFee

	_, _, err = sim.AppendTransaction(ctx, state, tx)
	assert.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, 0, backend.RequestCount())
}

func TestLimitsAreEnforced(t *testing.T) {
	backend := simtest.NewBackend(1)
	logger, _ := test.NewNullLogger()
	sim := NewSimulator(backend, testNetwork, Limits{MaxCallsPerBlock: 1}, logger)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)
	state, _, err = sim.AppendTransaction(ctx, state, valueTransfer(1))
	require.NoError(t, err)

	_, _, err = sim.AppendTransaction(ctx, state, valueTransfer(1))
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestRemoteFailureRejectsEvaluation(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	backend.ExecuteError = errors.New("connection refused")
	_, _, err = sim.AppendTransaction(ctx, state, valueTransfer(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrongNetworkIsRejected(t *testing.T) {
	sim, _ := newTestSimulator(t)

	state := &State{Network: &Network{ChainID: 5}}
	_, _, err := sim.AppendTransaction(context.Background(), state, valueTransfer(1))
	assert.ErrorIs(t, err, ErrWrongNetwork)
}

func TestSyntheticHeader(t *testing.T) {
	sim, _ := newTestSimulator(t)
	ctx := context.Background()

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	head, err := sim.SyntheticHeader(ctx, state)
	require.NoError(t, err)
	assert.Nil(t, head)

	state, _, err = sim.AppendTransaction(ctx, state, valueTransfer(1))
	require.NoError(t, err)

	head, err = sim.SyntheticHeader(ctx, state)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, uint64(101), head.Number)
	assert.Equal(t, uint64(101), head.Header.Number.Uint64())
}

func TestEffectiveGasPrice(t *testing.T) {
	baseFee := uint256.NewInt(100)

	tests := []struct {
		name     string
		tx       *Transaction
		expected uint64
	}{
		{"legacy", &Transaction{GasPrice: uint256.NewInt(70)}, 70},
		{"tip fits", &Transaction{MaxFeePerGas: uint256.NewInt(200), MaxPriorityFeePerGas: uint256.NewInt(5)}, 105},
		{"capped by max fee", &Transaction{MaxFeePerGas: uint256.NewInt(102), MaxPriorityFeePerGas: uint256.NewInt(5)}, 102},
		{"no priority fee", &Transaction{MaxFeePerGas: uint256.NewInt(200)}, 100},
		{"no fee fields", &Transaction{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, err := tt.tx.EffectiveGasPrice(baseFee)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, price.Uint64())
		})
	}
}

func TestTransactionJSON(t *testing.T) {
	var tx Transaction
	err := json.Unmarshal([]byte(`{
		"from": "0x000000000000000000000000000000000000a11c",
		"to": "0x000000000000000000000000000000000000b0b0",
		"value": "0xde0b6b3a7640000",
		"data": "0xa9059cbb",
		"gas": "0x5208",
		"maxFeePerGas": "0x77359400",
		"chainId": "0x1"
	}`), &tx)
	require.NoError(t, err)

	assert.Equal(t, testSender, tx.From)
	assert.Equal(t, testRecipient, *tx.To)
	assert.Equal(t, "1000000000000000000", tx.Value.Dec())
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, tx.Input)
	assert.Equal(t, uint64(21000), *tx.Gas)
	assert.Equal(t, uint64(1), *tx.ChainID)
	assert.True(t, tx.IsDynamicFee())

	err = json.Unmarshal([]byte(`{"from":"0x000000000000000000000000000000000000a11c","input":"0x01","data":"0x02"}`), &tx)
	assert.Error(t, err)
}

func TestReplayedCallsPassNodeValidation(t *testing.T) {
	foreignChain := uint64(137)
	tests := []struct {
		name     string
		tx       func() *Transaction
		gasPrice *uint256.Int
		maxFee   *uint256.Int
		tip      *uint256.Int
	}{
		{
			name: "foreign chain id is not forwarded",
			tx: func() *Transaction {
				tx := valueTransfer(1)
				tx.ChainID = &foreignChain
				return tx
			},
			maxFee: uint256.NewInt(2_000_000_000),
		},
		{
			name: "tip clamped to max fee",
			tx: func() *Transaction {
				tx := valueTransfer(1)
				tx.MaxPriorityFeePerGas = uint256.NewInt(3_000_000_000)
				return tx
			},
			maxFee: uint256.NewInt(2_000_000_000),
			tip:    uint256.NewInt(2_000_000_000),
		},
		{
			name: "legacy price wins over dynamic fields",
			tx: func() *Transaction {
				tx := valueTransfer(1)
				tx.GasPrice = uint256.NewInt(1_500_000_000)
				tx.MaxPriorityFeePerGas = uint256.NewInt(1)
				return tx
			},
			gasPrice: uint256.NewInt(1_500_000_000),
		},
		{
			name: "max fee below base fee is dropped",
			tx: func() *Transaction {
				tx := valueTransfer(1)
				tx.MaxFeePerGas = uint256.NewInt(100)
				tx.MaxPriorityFeePerGas = uint256.NewInt(10)
				return tx
			},
		},
		{
			name: "legacy price below base fee is dropped",
			tx: func() *Transaction {
				tx := valueTransfer(1)
				tx.MaxFeePerGas = nil
				tx.GasPrice = uint256.NewInt(100)
				return tx
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim, backend := newTestSimulator(t)
			ctx := context.Background()

			state, err := sim.NewState(ctx)
			require.NoError(t, err)
			_, result, err := sim.AppendTransaction(ctx, state, tt.tx())
			require.NoError(t, err)
			assert.True(t, result.Success())

			require.Equal(t, 1, backend.RequestCount())
			call := backend.Requests[0].BlockStateCalls[0].Calls[0]
			assert.Nil(t, call.ChainID)
			assert.Equal(t, tt.gasPrice, (*uint256.Int)(call.GasPrice))
			assert.Equal(t, tt.maxFee, (*uint256.Int)(call.MaxFeePerGas))
			assert.Equal(t, tt.tip, (*uint256.Int)(call.MaxPriorityFeePerGas))
		})
	}
}

func TestNodeRejectsForeignChainID(t *testing.T) {
	backend := simtest.NewBackend(100)
	chainID := uint64(137)
	req := &rpc.SimulateRequest{
		BlockStateCalls: []*rpc.SimulateBlock{{
			Calls: []*rpc.CallArgs{{
				From:    &testSender,
				ChainID: (*hexutil.U256)(uint256.NewInt(chainID)),
			}},
		}},
	}

	_, err := backend.ExecuteBatch(context.Background(), req, nil)
	var rpcErr *rpc.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, rpcErr.Message, "chainId does not match")
}
