package simulation

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlayResolvesOverridesFirst(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	slotA := common.HexToHash("0x01")
	slotB := common.HexToHash("0x02")

	backend.Balances[testSender] = uint256.NewInt(1000)
	backend.Nonces[testSender] = 9
	backend.Codes[testToken] = []byte{0xfe}
	backend.Storage[testToken] = map[common.Hash]common.Hash{
		slotA: common.HexToHash("0xaa"),
		slotB: common.HexToHash("0xbb"),
	}

	state, err := sim.NewState(ctx)
	require.NoError(t, err)

	overlay := sim.Overlay(state)

	balance, err := overlay.GetBalance(ctx, testSender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), balance.Uint64())

	nonce, err := overlay.GetTransactionCount(ctx, testSender)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), nonce)

	state = state.WithAccountOverride(testSender, &AccountOverride{
		Balance: uint256.NewInt(5),
		Nonce:   uint64Ptr(1),
	})
	state = state.WithAccountOverride(testToken, &AccountOverride{
		StateDiff: map[common.Hash]common.Hash{slotA: common.HexToHash("0x11")},
	})
	state = state.WithNewBlock(nil)
	state = state.WithAccountOverride(testSender, &AccountOverride{Balance: uint256.NewInt(6)})
	state = state.WithAccountOverride(testToken, &AccountOverride{Code: []byte{0x00}})

	overlay = sim.Overlay(state)
	readsBefore := backend.ReadCount

	// newest override wins
	balance, err = overlay.GetBalance(ctx, testSender)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), balance.Uint64())

	// falls back to an older block's override for a field the newest one leaves unset
	nonce, err = overlay.GetTransactionCount(ctx, testSender)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	code, err := overlay.GetCode(ctx, testToken)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00}, code)

	value, err := overlay.GetStorageAt(ctx, testToken, slotA)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x11"), value)

	assert.Equal(t, readsBefore, backend.ReadCount)

	// untouched slot and account fall through to the chain
	value, err = overlay.GetStorageAt(ctx, testToken, slotB)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xbb"), value)

	balance, err = overlay.GetBalance(ctx, testRecipient)
	require.NoError(t, err)
	assert.True(t, balance.IsZero())
	assert.Equal(t, readsBefore+2, backend.ReadCount)
}

func TestOverlayFullStorageReplacement(t *testing.T) {
	sim, backend := newTestSimulator(t)
	ctx := context.Background()

	slotA := common.HexToHash("0x01")
	slotB := common.HexToHash("0x02")
	backend.Storage[testToken] = map[common.Hash]common.Hash{slotB: common.HexToHash("0xbb")}

	state, err := sim.NewState(ctx)
	require.NoError(t, err)
	state = state.WithAccountOverride(testToken, &AccountOverride{
		State: map[common.Hash]common.Hash{slotA: common.HexToHash("0x42")},
	})

	overlay := sim.Overlay(state)

	value, err := overlay.GetStorageAt(ctx, testToken, slotA)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0x42"), value)

	// a full replacement hides slots it does not list
	value, err = overlay.GetStorageAt(ctx, testToken, slotB)
	require.NoError(t, err)
	assert.Equal(t, common.Hash{}, value)

	isContract, err := overlay.IsContract(ctx, testToken)
	require.NoError(t, err)
	assert.False(t, isContract)
}
