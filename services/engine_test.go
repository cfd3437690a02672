package services

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/txguard/cache"
	"github.com/ethpandaops/txguard/protectors"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/simulation/simtest"
	"github.com/ethpandaops/txguard/tokens"
	"github.com/ethpandaops/txguard/utils"
	"github.com/ethpandaops/txguard/visualizer"
)

var (
	sender    = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	recipient = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
	dai       = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	weth      = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead083c756cc2")

	testNetwork = &simulation.Network{
		Name:               "test",
		ChainID:            1,
		NativeCurrency:     simulation.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		WrappedNativeToken: weth,
	}
)

type engineFixture struct {
	backend *simtest.Backend
	sim     *simulation.Simulator
	engine  *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	backend := simtest.NewBackend(100)
	backend.Codes[dai] = []byte{0x60, 0x80}
	backend.Codes[weth] = []byte{0x60, 0x80}
	backend.Balances[sender] = new(uint256.Int).Mul(uint256.NewInt(10), utils.ETH)
	backend.CallFunc = func(msg ethereum.CallMsg) ([]byte, error) {
		if msg.To == nil || *msg.To != dai {
			return nil, errors.New("execution reverted")
		}
		switch common.Bytes2Hex(msg.Data) {
		case "95d89b41":
			return common.RightPadBytes([]byte("DAI"), 32), nil
		case "06fdde03":
			return common.RightPadBytes([]byte("Dai Stablecoin"), 32), nil
		case "313ce567":
			return common.LeftPadBytes([]byte{18}, 32), nil
		}
		return nil, errors.New("execution reverted")
	}

	sim := simulation.NewSimulator(backend, testNetwork, simulation.Limits{}, logger)
	registry := tokens.NewRegistry(backend, cache.NewLocalCache(1, logger), logger)

	return &engineFixture{
		backend: backend,
		sim:     sim,
		engine:  NewEngine(sim, protectors.NewPipeline(logger), registry, nil, logger),
	}
}

func transferTx(to common.Address, input []byte, value *uint256.Int) *simulation.Transaction {
	gas := uint64(100_000)
	return &simulation.Transaction{
		From:  sender,
		To:    &to,
		Input: input,
		Value: value,
		Gas:   &gas,
	}
}

func TestEvaluateTokenTransfer(t *testing.T) {
	f := newEngineFixture(t)
	amount := new(uint256.Int).Mul(uint256.NewInt(15), new(uint256.Int).Div(utils.ETH, uint256.NewInt(10)))
	tx := transferTx(dai, simtest.TransferCalldata(recipient, amount), nil)

	evaluation, state, err := f.engine.Evaluate(context.Background(), &EvaluationRequest{Candidate: tx})
	require.NoError(t, err)
	require.NotNil(t, state)

	assert.False(t, evaluation.Quarantine)
	assert.Empty(t, evaluation.QuarantineCodes)
	assert.True(t, evaluation.Result.Success())
	assert.Equal(t, 1, state.TransactionCount())

	require.Len(t, evaluation.VisualizerResults.TokenResults, 1)
	result := evaluation.VisualizerResults.TokenResults[0]
	assert.Equal(t, visualizer.ResultERC20Transfer, result.Type)
	assert.Equal(t, sender, result.From)
	assert.Equal(t, recipient, result.To)
	assert.Equal(t, "DAI", result.Symbol)
	require.NotNil(t, result.Decimals)
	assert.Equal(t, uint8(18), *result.Decimals)
	assert.Equal(t, "1.5 DAI", result.Display)

	assert.Empty(t, evaluation.VisualizerResults.EthBalanceChanges)
	assert.Empty(t, evaluation.TokenPrices)
}

func TestEvaluateNativeTransfer(t *testing.T) {
	f := newEngineFixture(t)
	tx := transferTx(recipient, nil, new(uint256.Int).Set(utils.ETH))

	evaluation, _, err := f.engine.Evaluate(context.Background(), &EvaluationRequest{Candidate: tx})
	require.NoError(t, err)

	changes := evaluation.VisualizerResults.EthBalanceChanges
	require.Len(t, changes, 2)
	assert.Equal(t, sender, changes[0].Address)
	assert.Equal(t, new(uint256.Int).Mul(uint256.NewInt(10), utils.ETH), changes[0].Before)
	assert.Equal(t, new(uint256.Int).Mul(uint256.NewInt(9), utils.ETH), changes[0].After)
	assert.Equal(t, recipient, changes[1].Address)
	assert.Equal(t, utils.ETH, changes[1].After)
	assert.Empty(t, evaluation.VisualizerResults.TokenResults)
}

func TestEvaluateStacksNativeBalances(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	eth := func(n uint64) *uint256.Int {
		return new(uint256.Int).Mul(uint256.NewInt(n), utils.ETH)
	}

	first, state, err := f.engine.Evaluate(ctx, &EvaluationRequest{
		Candidate: transferTx(recipient, nil, eth(1)),
	})
	require.NoError(t, err)

	second, _, err := f.engine.Evaluate(ctx, &EvaluationRequest{
		State:         state,
		Candidate:     transferTx(recipient, nil, eth(1)),
		PriorBalances: first.VisualizerResults.EthBalanceChanges,
	})
	require.NoError(t, err)

	changes := second.VisualizerResults.EthBalanceChanges
	require.Len(t, changes, 2)
	assert.Equal(t, sender, changes[0].Address)
	assert.Equal(t, eth(9), changes[0].Before)
	assert.Equal(t, eth(8), changes[0].After)
	assert.Equal(t, recipient, changes[1].Address)
	assert.Equal(t, eth(1), changes[1].Before)
	assert.Equal(t, eth(2), changes[1].After)
}

func TestEvaluateQuarantines(t *testing.T) {
	f := newEngineFixture(t)
	tx := transferTx(recipient, []byte{0x12, 0x34}, nil)

	evaluation, _, err := f.engine.Evaluate(context.Background(), &EvaluationRequest{Candidate: tx})
	require.NoError(t, err)

	assert.True(t, evaluation.Quarantine)
	assert.Equal(t, []protectors.Code{protectors.CodeEOACalldata}, evaluation.QuarantineCodes)
}

func TestEvaluateBuildsOnState(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	_, first, err := f.engine.Evaluate(ctx, &EvaluationRequest{Candidate: transferTx(recipient, nil, uint256.NewInt(1))})
	require.NoError(t, err)

	_, second, err := f.engine.Evaluate(ctx, &EvaluationRequest{State: first, Candidate: transferTx(recipient, nil, uint256.NewInt(2))})
	require.NoError(t, err)

	assert.Equal(t, 1, first.TransactionCount())
	assert.Equal(t, 2, second.TransactionCount())
}

func TestEvaluateRemoteFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.backend.ExecuteError = errors.New("connection refused")

	_, state, err := f.engine.Evaluate(context.Background(), &EvaluationRequest{Candidate: transferTx(recipient, nil, uint256.NewInt(1))})
	require.Error(t, err)
	assert.Nil(t, state)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestEvaluateRequiresCandidate(t *testing.T) {
	f := newEngineFixture(t)

	_, _, err := f.engine.Evaluate(context.Background(), &EvaluationRequest{})
	require.Error(t, err)
}
