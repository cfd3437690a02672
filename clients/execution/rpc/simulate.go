package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SimulateRequest is the first parameter of eth_simulateV1.
type SimulateRequest struct {
	BlockStateCalls        []*SimulateBlock `json:"blockStateCalls"`
	TraceTransfers         bool             `json:"traceTransfers"`
	Validation             bool             `json:"validation"`
	ReturnFullTransactions bool             `json:"returnFullTransactions,omitempty"`
}

// SimulateBlock is one speculative block: overrides applied before the calls run.
type SimulateBlock struct {
	BlockOverrides *BlockOverrides `json:"blockOverrides,omitempty"`
	StateOverrides StateOverride   `json:"stateOverrides,omitempty"`
	Calls          []*CallArgs     `json:"calls"`
}

// CallArgs is a transaction executed as a plain call. Nonce is left unset
// for replayed calls so the node does not validate it.
type CallArgs struct {
	From                 *common.Address `json:"from,omitempty"`
	To                   *common.Address `json:"to,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.U256   `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.U256   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.U256   `json:"maxPriorityFeePerGas,omitempty"`
	Value                *hexutil.U256   `json:"value,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	Input                hexutil.Bytes   `json:"input,omitempty"`
	ChainID              *hexutil.U256   `json:"chainId,omitempty"`
}

// StateOverride maps accounts to the fields replaced before execution.
type StateOverride map[common.Address]*OverrideAccount

// OverrideAccount replaces parts of an account. State replaces the whole
// storage while StateDiff patches single slots; setting both is invalid.
type OverrideAccount struct {
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      *hexutil.Bytes              `json:"code,omitempty"`
	Balance   *hexutil.U256               `json:"balance,omitempty"`
	State     map[common.Hash]common.Hash `json:"state,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

// BlockOverrides replaces header fields of a simulated block.
type BlockOverrides struct {
	Number        *hexutil.Big    `json:"number,omitempty"`
	Time          *hexutil.Uint64 `json:"time,omitempty"`
	GasLimit      *hexutil.Uint64 `json:"gasLimit,omitempty"`
	FeeRecipient  *common.Address `json:"feeRecipient,omitempty"`
	PrevRandao    *common.Hash    `json:"prevRandao,omitempty"`
	BaseFeePerGas *hexutil.U256   `json:"baseFeePerGas,omitempty"`
}
