package visualizer

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/txguard/simulation"
)

type staticBalances map[common.Address]*uint256.Int

func (b staticBalances) GetBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if balance, ok := b[addr]; ok {
		return new(uint256.Int).Set(balance), nil
	}
	return new(uint256.Int), nil
}

type failingBalances struct{}

func (failingBalances) GetBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return nil, errors.New("node down")
}

func ethTransferLog(from, to common.Address, amount uint64) *types.Log {
	return &types.Log{
		Address: EthTransferAddress,
		Topics:  []common.Hash{TopicTransfer, addrTopic(from), addrTopic(to)},
		Data:    word(amount),
	}
}

func TestEthBalanceChangesChargesGasFirst(t *testing.T) {
	balances := staticBalances{addrA: uint256.NewInt(1_000_000)}
	tx := &simulation.Transaction{
		From:         addrA,
		To:           &addrB,
		Value:        uint256.NewInt(500_000),
		MaxFeePerGas: uint256.NewInt(20),
	}
	result := &simulation.CallResult{
		Status:  simulation.CallStatusSuccess,
		GasUsed: 21_000,
		Logs:    []*types.Log{ethTransferLog(addrA, addrB, 500_000)},
	}

	// effective price is min(20, 10+0) = 10
	changes, err := EthBalanceChanges(context.Background(), balances, tx, uint256.NewInt(10), result)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	assert.Equal(t, addrA, changes[0].Address)
	assert.Equal(t, uint64(1_000_000), changes[0].Before.Uint64())
	assert.Equal(t, uint64(1_000_000-210_000-500_000), changes[0].After.Uint64())

	assert.Equal(t, addrB, changes[1].Address)
	assert.Equal(t, uint64(0), changes[1].Before.Uint64())
	assert.Equal(t, uint64(500_000), changes[1].After.Uint64())
}

func TestEthBalanceChangesNegative(t *testing.T) {
	balances := staticBalances{addrA: uint256.NewInt(100)}
	tx := &simulation.Transaction{From: addrA, To: &addrB}
	result := &simulation.CallResult{
		Status: simulation.CallStatusSuccess,
		Logs:   []*types.Log{ethTransferLog(addrA, addrB, 101)},
	}

	_, err := EthBalanceChanges(context.Background(), balances, tx, nil, result)
	assert.ErrorIs(t, err, ErrNegativeBalance)
}

func TestEthBalanceChangesIgnoresTokenLogsAndNetZero(t *testing.T) {
	balances := staticBalances{addrA: uint256.NewInt(100)}
	tx := &simulation.Transaction{From: addrA, To: &addrB}
	result := &simulation.CallResult{
		Status: simulation.CallStatusSuccess,
		Logs: []*types.Log{
			{Address: tokenAddr, Topics: []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)}, Data: word(50)},
			ethTransferLog(addrA, addrB, 30),
			ethTransferLog(addrB, addrA, 30),
		},
	}

	changes, err := EthBalanceChanges(context.Background(), balances, tx, nil, result)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestEthBalanceChangesReadFailure(t *testing.T) {
	tx := &simulation.Transaction{From: addrA, To: &addrB}
	result := &simulation.CallResult{Logs: []*types.Log{ethTransferLog(addrA, addrB, 1)}}

	_, err := EthBalanceChanges(context.Background(), failingBalances{}, tx, nil, result)
	assert.Error(t, err)
}
