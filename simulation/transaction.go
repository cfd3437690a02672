package simulation

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/utils"
)

// Transaction is a candidate or pending transaction as requested by the
// caller. A nil To creates a contract.
type Transaction struct {
	From                 common.Address
	To                   *common.Address
	Value                *uint256.Int
	Input                []byte
	Gas                  *uint64
	GasPrice             *uint256.Int
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
	Nonce                *uint64
	ChainID              *uint64

	// Origin is the website that requested the transaction.
	Origin string
}

type transactionJSON struct {
	From                 common.Address  `json:"from"`
	To                   *common.Address `json:"to,omitempty"`
	Value                *hexutil.U256   `json:"value,omitempty"`
	Input                *hexutil.Bytes  `json:"input,omitempty"`
	Data                 *hexutil.Bytes  `json:"data,omitempty"`
	Gas                  *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice             *hexutil.U256   `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.U256   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.U256   `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                *hexutil.Uint64 `json:"nonce,omitempty"`
	ChainID              *hexutil.Uint64 `json:"chainId,omitempty"`
	Origin               string          `json:"origin,omitempty"`
}

func (tx *Transaction) MarshalJSON() ([]byte, error) {
	enc := transactionJSON{
		From:                 tx.From,
		To:                   tx.To,
		Value:                (*hexutil.U256)(tx.Value),
		Gas:                  (*hexutil.Uint64)(tx.Gas),
		GasPrice:             (*hexutil.U256)(tx.GasPrice),
		MaxFeePerGas:         (*hexutil.U256)(tx.MaxFeePerGas),
		MaxPriorityFeePerGas: (*hexutil.U256)(tx.MaxPriorityFeePerGas),
		Nonce:                (*hexutil.Uint64)(tx.Nonce),
		ChainID:              (*hexutil.Uint64)(tx.ChainID),
		Origin:               tx.Origin,
	}
	if tx.Input != nil {
		input := hexutil.Bytes(tx.Input)
		enc.Input = &input
	}
	return json.Marshal(&enc)
}

// UnmarshalJSON accepts the eth_sendTransaction parameter shape. Both input
// and the legacy data field are understood; they must agree when both are set.
func (tx *Transaction) UnmarshalJSON(input []byte) error {
	var dec transactionJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}

	if dec.Input != nil && dec.Data != nil && !bytesEqual(*dec.Input, *dec.Data) {
		return fmt.Errorf("both input and data set with different values")
	}

	*tx = Transaction{
		From:                 dec.From,
		To:                   dec.To,
		Value:                (*uint256.Int)(dec.Value),
		Gas:                  (*uint64)(dec.Gas),
		GasPrice:             (*uint256.Int)(dec.GasPrice),
		MaxFeePerGas:         (*uint256.Int)(dec.MaxFeePerGas),
		MaxPriorityFeePerGas: (*uint256.Int)(dec.MaxPriorityFeePerGas),
		Nonce:                (*uint64)(dec.Nonce),
		ChainID:              (*uint64)(dec.ChainID),
		Origin:               dec.Origin,
	}
	switch {
	case dec.Input != nil:
		tx.Input = *dec.Input
	case dec.Data != nil:
		tx.Input = *dec.Data
	}

	return nil
}

// IsDynamicFee reports whether the transaction uses EIP-1559 fee fields.
func (tx *Transaction) IsDynamicFee() bool {
	return tx.GasPrice == nil && (tx.MaxFeePerGas != nil || tx.MaxPriorityFeePerGas != nil)
}

// EffectiveGasPrice is the price per gas the sender pays at baseFee:
// gasPrice for legacy transactions, min(maxFee, baseFee+priorityFee) otherwise.
func (tx *Transaction) EffectiveGasPrice(baseFee *uint256.Int) (*uint256.Int, error) {
	if tx.GasPrice != nil {
		return utils.CloneUint256(tx.GasPrice), nil
	}
	if tx.MaxFeePerGas == nil && tx.MaxPriorityFeePerGas == nil {
		return new(uint256.Int), nil
	}

	priority := tx.MaxPriorityFeePerGas
	if priority == nil {
		priority = new(uint256.Int)
	}
	base := baseFee
	if base == nil {
		base = new(uint256.Int)
	}

	price, err := utils.SafeAdd(base, priority)
	if err != nil {
		return nil, err
	}
	if tx.MaxFeePerGas != nil && tx.MaxFeePerGas.Lt(price) {
		price.Set(tx.MaxFeePerGas)
	}

	return price, nil
}

// MaxCost is gas * feeCap + value, the most the sender can be charged.
func (tx *Transaction) MaxCost() (*uint256.Int, error) {
	feeCap := tx.GasPrice
	if feeCap == nil {
		feeCap = tx.MaxFeePerGas
	}

	cost := new(uint256.Int)
	if feeCap != nil && tx.Gas != nil {
		var err error
		cost, err = utils.SafeMul(feeCap, uint256.NewInt(*tx.Gas))
		if err != nil {
			return nil, err
		}
	}
	if tx.Value != nil {
		return utils.SafeAdd(cost, tx.Value)
	}
	return cost, nil
}

// callArgs builds the replayed call. The node rejects the whole batch on a
// foreign chainId or on fee fields it considers invalid, so the chain id is
// left out and fees are reduced to one consistent style; protectors judge
// the original fields. Fees that could never pay baseFee are dropped, which
// makes the node skip its fee checks for that call.
func (tx *Transaction) callArgs(baseFee *uint256.Int) *rpc.CallArgs {
	from := tx.From
	args := &rpc.CallArgs{
		From:  &from,
		To:    tx.To,
		Gas:   (*hexutil.Uint64)(tx.Gas),
		Value: (*hexutil.U256)(tx.Value),
		Input: tx.Input,
	}

	if tx.GasPrice != nil {
		if baseFee == nil || !tx.GasPrice.Lt(baseFee) {
			args.GasPrice = (*hexutil.U256)(tx.GasPrice)
		}
		return args
	}
	if tx.MaxFeePerGas == nil {
		args.MaxPriorityFeePerGas = (*hexutil.U256)(tx.MaxPriorityFeePerGas)
		return args
	}
	if baseFee != nil && tx.MaxFeePerGas.Lt(baseFee) {
		return args
	}

	args.MaxFeePerGas = (*hexutil.U256)(tx.MaxFeePerGas)
	if tip := tx.MaxPriorityFeePerGas; tip != nil {
		if tip.Gt(tx.MaxFeePerGas) {
			tip = tx.MaxFeePerGas
		}
		args.MaxPriorityFeePerGas = (*hexutil.U256)(tip)
	}
	return args
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

// SignedMessage is a signature request carried along with the simulation.
// It is not executed.
type SignedMessage struct {
	Signer  common.Address  `json:"signer"`
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
	Origin  string          `json:"origin,omitempty"`
}
