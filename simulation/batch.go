package simulation

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
)

// buildSimulateRequest turns the blocks of state into one eth_simulateV1
// request. Replayed calls keep the original sender and fee fields but no
// nonce, and validation stays off so the node does not check nonces or
// balances. Native transfers are traced as synthetic logs.
func buildSimulateRequest(state *State, limits Limits) (*rpc.SimulateRequest, error) {
	if limits.MaxBlocks > 0 && len(state.Blocks) > limits.MaxBlocks {
		return nil, fmt.Errorf("%w: %d blocks, limit %d", ErrLimitExceeded, len(state.Blocks), limits.MaxBlocks)
	}

	req := &rpc.SimulateRequest{
		BlockStateCalls: make([]*rpc.SimulateBlock, len(state.Blocks)),
		TraceTransfers:  true,
		Validation:      false,
	}

	for i, block := range state.Blocks {
		if limits.MaxCallsPerBlock > 0 && len(block.Transactions) > limits.MaxCallsPerBlock {
			return nil, fmt.Errorf("%w: %d calls in block %d, limit %d", ErrLimitExceeded, len(block.Transactions), i, limits.MaxCallsPerBlock)
		}

		for _, tx := range block.Transactions {
			// fails loudly on fee fields that could never be paid
			if _, err := tx.MaxCost(); err != nil {
				return nil, fmt.Errorf("transaction from %v: %w", tx.From, err)
			}
		}

		blockOverrides := wireBlockOverrides(block.BlockOverrides, state)
		var baseFee *uint256.Int
		if blockOverrides != nil && blockOverrides.BaseFeePerGas != nil {
			baseFee = (*uint256.Int)(blockOverrides.BaseFeePerGas)
		}

		wireBlock := &rpc.SimulateBlock{
			BlockOverrides: blockOverrides,
			StateOverrides: wireStateOverrides(block.StateOverrides),
			Calls:          make([]*rpc.CallArgs, len(block.Transactions)),
		}
		for j, tx := range block.Transactions {
			wireBlock.Calls[j] = tx.callArgs(baseFee)
		}
		req.BlockStateCalls[i] = wireBlock
	}

	return req, nil
}

// truncateState keeps the first upto transactions across all blocks,
// dropping later transactions and blocks.
func truncateState(state *State, upto int) (*State, error) {
	if upto < 0 || upto > state.TransactionCount() {
		return nil, fmt.Errorf("%w: %d of %d transactions", ErrIndexOutOfRange, upto, state.TransactionCount())
	}

	truncated := state.clone()
	truncated.Blocks = truncated.Blocks[:0]

	remaining := upto
	for _, block := range state.Blocks {
		if remaining == 0 && len(truncated.Blocks) > 0 {
			break
		}

		kept := block
		if len(block.Transactions) > remaining {
			kept = block.clone()
			kept.Transactions = kept.Transactions[:remaining]
			kept.Results = kept.Results[:remaining]
		}
		truncated.Blocks = append(truncated.Blocks, kept)
		remaining -= len(kept.Transactions)
	}

	return truncated, nil
}

func wireBlockOverrides(overrides *BlockOverrides, state *State) *rpc.BlockOverrides {
	wire := &rpc.BlockOverrides{}
	empty := true

	if state.BaseFee != nil {
		wire.BaseFeePerGas = (*hexutil.U256)(state.BaseFee)
		empty = false
	}

	if overrides != nil {
		if overrides.Number != nil {
			wire.Number = (*hexutil.Big)(new(big.Int).SetUint64(*overrides.Number))
		}
		wire.Time = (*hexutil.Uint64)(overrides.Time)
		wire.GasLimit = (*hexutil.Uint64)(overrides.GasLimit)
		wire.FeeRecipient = overrides.FeeRecipient
		wire.PrevRandao = overrides.PrevRandao
		if overrides.BaseFee != nil {
			wire.BaseFeePerGas = (*hexutil.U256)(overrides.BaseFee)
		}
		empty = false
	}

	if empty {
		return nil
	}
	return wire
}

func wireStateOverrides(overrides map[common.Address]*AccountOverride) rpc.StateOverride {
	if len(overrides) == 0 {
		return nil
	}

	wire := make(rpc.StateOverride, len(overrides))
	for addr, override := range overrides {
		account := &rpc.OverrideAccount{
			Nonce:     (*hexutil.Uint64)(override.Nonce),
			Balance:   (*hexutil.U256)(override.Balance),
			State:     override.State,
			StateDiff: override.StateDiff,
		}
		if override.Code != nil {
			code := hexutil.Bytes(override.Code)
			account.Code = &code
		}
		wire[addr] = account
	}
	return wire
}
