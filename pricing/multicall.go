package pricing

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const multicall3ABI = `[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`

var multicallABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(multicall3ABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// Caller issues a plain eth_call.
type Caller interface {
	Call(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Call3 is one sub call of aggregate3.
type Call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

// Result3 is the outcome of one aggregate3 sub call.
type Result3 struct {
	Success    bool
	ReturnData []byte
}

// PackAggregate3 encodes an aggregate3 call.
func PackAggregate3(calls []Call3) ([]byte, error) {
	return multicallABI.Pack("aggregate3", calls)
}

// UnpackAggregate3 decodes aggregate3 return data.
func UnpackAggregate3(data []byte) ([]Result3, error) {
	values, err := multicallABI.Unpack("aggregate3", data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected aggregate3 output count %d", len(values))
	}
	results := *abi.ConvertType(values[0], new([]Result3)).(*[]Result3)
	return results, nil
}

// UnpackAggregate3Calls decodes aggregate3 call data, the inverse of
// PackAggregate3.
func UnpackAggregate3Calls(data []byte) ([]Call3, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("short aggregate3 call data")
	}
	method := multicallABI.Methods["aggregate3"]
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}
	calls := *abi.ConvertType(values[0], new([]Call3)).(*[]Call3)
	return calls, nil
}

// PackAggregate3Results encodes aggregate3 return data.
func PackAggregate3Results(results []Result3) ([]byte, error) {
	return multicallABI.Methods["aggregate3"].Outputs.Pack(results)
}

func aggregate3(ctx context.Context, caller Caller, multicall common.Address, calls []Call3) ([]Result3, error) {
	data, err := PackAggregate3(calls)
	if err != nil {
		return nil, fmt.Errorf("pack aggregate3: %w", err)
	}

	output, err := caller.Call(ctx, ethereum.CallMsg{To: &multicall, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("aggregate3 call: %w", err)
	}

	results, err := UnpackAggregate3(output)
	if err != nil {
		return nil, fmt.Errorf("unpack aggregate3: %w", err)
	}
	if len(results) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(results), len(calls))
	}
	return results, nil
}
