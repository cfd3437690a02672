package protectors

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/utils"
	"github.com/ethpandaops/txguard/visualizer"
)

// transferRecipient decodes the recipient of token transfer calldata.
func transferRecipient(input *Input) (common.Address, bool) {
	if input.Tx.To == nil {
		return common.Address{}, false
	}
	call, ok := utils.DecodeKnownCall(input.Tx.Input)
	if !ok {
		return common.Address{}, false
	}

	var value interface{}
	switch call.Method {
	case "transfer":
		value = call.Values[0]
	case "transferFrom", "safeTransferFrom", "safeBatchTransferFrom":
		value = call.Values[1]
	default:
		return common.Address{}, false
	}

	addr, ok := value.(common.Address)
	return addr, ok
}

// fungibleTransfers returns the ERC20 transfers in the call's logs.
func fungibleTransfers(input *Input) []*visualizer.TokenResult {
	if input.Result == nil {
		return nil
	}
	transfers := []*visualizer.TokenResult{}
	for _, log := range input.Result.Logs {
		results, ok, err := visualizer.Classify(log)
		if err != nil || !ok {
			continue
		}
		for _, result := range results {
			if result.Type == visualizer.ResultERC20Transfer {
				transfers = append(transfers, result)
			}
		}
	}
	return transfers
}

type sendToTokenContract struct{}

func (*sendToTokenContract) Name() string { return "send-to-token-contract" }

func (*sendToTokenContract) Check(ctx context.Context, input *Input) ([]Code, error) {
	if recipient, ok := transferRecipient(input); ok && recipient == *input.Tx.To {
		return []Code{CodeERC20SendToTokenContract}, nil
	}
	for _, transfer := range fungibleTransfers(input) {
		if transfer.To == transfer.Token {
			return []Code{CodeERC20SendToTokenContract}, nil
		}
	}
	return nil, nil
}

// sendToKnownToken flags tokens sent to the wrapped native token or to
// another token contract that the transaction touches.
type sendToKnownToken struct{}

func (*sendToKnownToken) Name() string { return "send-to-known-token" }

func (*sendToKnownToken) Check(ctx context.Context, input *Input) ([]Code, error) {
	known := map[common.Address]bool{}
	if input.State != nil && input.State.Network != nil && input.State.Network.WrappedNativeToken != (common.Address{}) {
		known[input.State.Network.WrappedNativeToken] = true
	}
	transfers := fungibleTransfers(input)
	for _, transfer := range transfers {
		known[transfer.Token] = true
	}

	if recipient, ok := transferRecipient(input); ok && recipient != *input.Tx.To && known[recipient] {
		return []Code{CodeERC20SendToKnownToken}, nil
	}
	for _, transfer := range transfers {
		if transfer.To != transfer.Token && known[transfer.To] {
			return []Code{CodeERC20SendToKnownToken}, nil
		}
	}
	return nil, nil
}

type sendToZeroAddress struct{}

func (*sendToZeroAddress) Name() string { return "send-to-zero-address" }

func (*sendToZeroAddress) Check(ctx context.Context, input *Input) ([]Code, error) {
	if recipient, ok := transferRecipient(input); ok && recipient == (common.Address{}) {
		return []Code{CodeTokenSendToZeroAddress}, nil
	}
	return nil, nil
}

// eoaApproval flags approvals granted to addresses without code. Revoking
// an approval is never flagged.
type eoaApproval struct{}

func (*eoaApproval) Name() string { return "eoa-approval" }

func (*eoaApproval) Check(ctx context.Context, input *Input) ([]Code, error) {
	if input.Tx.To == nil {
		return nil, nil
	}
	call, ok := utils.DecodeKnownCall(input.Tx.Input)
	if !ok {
		return nil, nil
	}

	var spender common.Address
	switch call.Method {
	case "approve", "increaseAllowance":
		amount, _ := call.Values[1].(*big.Int)
		if amount == nil || amount.Sign() == 0 {
			return nil, nil
		}
		spender, ok = call.Values[0].(common.Address)
	case "setApprovalForAll":
		approved, _ := call.Values[1].(bool)
		if !approved {
			return nil, nil
		}
		spender, ok = call.Values[0].(common.Address)
	default:
		return nil, nil
	}
	if !ok {
		return nil, nil
	}

	isContract, err := input.Overlay.IsContract(ctx, spender)
	if err != nil {
		return nil, fmt.Errorf("code of spender %v: %w", spender, err)
	}
	if !isContract {
		return []Code{CodeEOAApproval}, nil
	}
	return nil, nil
}

type eoaCalldata struct{}

func (*eoaCalldata) Name() string { return "eoa-calldata" }

func (*eoaCalldata) Check(ctx context.Context, input *Input) ([]Code, error) {
	if input.Tx.To == nil || len(input.Tx.Input) == 0 {
		return nil, nil
	}
	isContract, err := input.Overlay.IsContract(ctx, *input.Tx.To)
	if err != nil {
		return nil, fmt.Errorf("code of recipient %v: %w", *input.Tx.To, err)
	}
	if !isContract {
		return []Code{CodeEOACalldata}, nil
	}
	return nil, nil
}

// feeMismatch flags a priority fee above the fee cap and fee caps that
// cannot pay the base fee of the simulation.
type feeMismatch struct{}

func (*feeMismatch) Name() string { return "fee-mismatch" }

func (*feeMismatch) Check(ctx context.Context, input *Input) ([]Code, error) {
	tx := input.Tx
	var baseFee *uint256.Int
	if input.State != nil {
		baseFee = input.State.BaseFee
	}

	if tx.GasPrice != nil {
		if baseFee != nil && tx.GasPrice.Lt(baseFee) {
			return []Code{CodeFeeMismatch}, nil
		}
		return nil, nil
	}
	if tx.MaxFeePerGas == nil {
		return nil, nil
	}
	if tx.MaxPriorityFeePerGas != nil && tx.MaxPriorityFeePerGas.Gt(tx.MaxFeePerGas) {
		return []Code{CodeFeeMismatch}, nil
	}
	if baseFee != nil && tx.MaxFeePerGas.Lt(baseFee) {
		return []Code{CodeFeeMismatch}, nil
	}
	return nil, nil
}

type chainIDMismatch struct{}

func (*chainIDMismatch) Name() string { return "chain-id-mismatch" }

func (*chainIDMismatch) Check(ctx context.Context, input *Input) ([]Code, error) {
	if input.Tx.ChainID == nil || input.State == nil || input.State.Network == nil {
		return nil, nil
	}
	if *input.Tx.ChainID != input.State.Network.ChainID {
		return []Code{CodeChainIDMismatch}, nil
	}
	return nil, nil
}

type simulatedCallReverted struct{}

func (*simulatedCallReverted) Name() string { return "simulated-call-reverted" }

func (*simulatedCallReverted) Check(ctx context.Context, input *Input) ([]Code, error) {
	if input.Result != nil && !input.Result.Success() {
		return []Code{CodeSimulatedCallReverted}, nil
	}
	return nil, nil
}
