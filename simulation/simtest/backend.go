// Package simtest provides an in-memory chain backend for tests of packages
// built on top of the simulator.
package simtest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
)

var (
	// EthTransferAddress is where nodes emit synthetic native transfer logs.
	EthTransferAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	TransferTopic      = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

// Backend is a fake chain. Reads are served from the maps, batched
// execution from Execute or, when nil, from a deterministic default that
// understands native value transfers and ERC20 transfer calldata.
type Backend struct {
	mutex sync.Mutex

	Head     *types.Header
	ChainID  uint64
	Balances map[common.Address]*uint256.Int
	Nonces   map[common.Address]uint64
	Codes    map[common.Address][]byte
	Storage  map[common.Address]map[common.Hash]common.Hash

	Execute  func(req *rpc.SimulateRequest, blockNumber *big.Int) ([]*rpc.SimulatedBlock, error)
	CallFunc func(msg ethereum.CallMsg) ([]byte, error)

	Requests     []*rpc.SimulateRequest
	CallMsgs     []ethereum.CallMsg
	ReadCount    int
	ExecuteError error
}

func NewBackend(headNumber uint64) *Backend {
	return &Backend{
		Head: &types.Header{
			Number:     new(big.Int).SetUint64(headNumber),
			Time:       1_700_000_000 + headNumber*12,
			GasLimit:   30_000_000,
			BaseFee:    big.NewInt(1_000_000_000),
			Difficulty: big.NewInt(0),
		},
		ChainID:  1,
		Balances: map[common.Address]*uint256.Int{},
		Nonces:   map[common.Address]uint64{},
		Codes:    map[common.Address][]byte{},
		Storage:  map[common.Address]map[common.Hash]common.Hash{},
	}
}

func (b *Backend) GetBlock(ctx context.Context, number *uint64) (*types.Header, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ReadCount++

	if b.Head == nil {
		return nil, errors.New("no head")
	}
	return types.CopyHeader(b.Head), nil
}

func (b *Backend) GetCode(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ReadCount++

	return common.CopyBytes(b.Codes[address]), nil
}

func (b *Backend) GetBalance(ctx context.Context, address common.Address, blockNumber *big.Int) (*uint256.Int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ReadCount++

	if balance, ok := b.Balances[address]; ok {
		return new(uint256.Int).Set(balance), nil
	}
	return new(uint256.Int), nil
}

func (b *Backend) GetTransactionCount(ctx context.Context, address common.Address, blockNumber *big.Int) (uint64, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ReadCount++

	return b.Nonces[address], nil
}

func (b *Backend) GetStorageAt(ctx context.Context, address common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.ReadCount++

	return b.Storage[address][slot], nil
}

func (b *Backend) Call(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mutex.Lock()
	b.CallMsgs = append(b.CallMsgs, msg)
	callFunc := b.CallFunc
	b.mutex.Unlock()

	if callFunc == nil {
		return nil, errors.New("no call handler")
	}
	return callFunc(msg)
}

func (b *Backend) ExecuteBatch(ctx context.Context, req *rpc.SimulateRequest, blockNumber *big.Int) ([]*rpc.SimulatedBlock, error) {
	b.mutex.Lock()
	b.Requests = append(b.Requests, req)
	execute := b.Execute
	execErr := b.ExecuteError
	head := b.Head
	chainID := b.ChainID
	b.mutex.Unlock()

	if execErr != nil {
		return nil, execErr
	}
	if execute != nil {
		return execute(req, blockNumber)
	}

	parentNumber := head.Number.Uint64()
	if blockNumber != nil {
		parentNumber = blockNumber.Uint64()
	}
	return DefaultExecute(req, chainID, parentNumber, head.Time)
}

// RequestCount returns the number of batched executions seen so far.
func (b *Backend) RequestCount() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return len(b.Requests)
}

// DefaultExecute fakes eth_simulateV1: every call succeeds, native value
// produces a synthetic transfer log and ERC20 transfer calldata produces a
// Transfer log of the called contract. Calls to 0xdead revert. Like the node,
// the whole request fails on a foreign chainId or on invalid fee fields.
func DefaultExecute(req *rpc.SimulateRequest, chainID uint64, parentNumber uint64, parentTime uint64) ([]*rpc.SimulatedBlock, error) {
	blocks := make([]*rpc.SimulatedBlock, len(req.BlockStateCalls))
	parentHash := common.BigToHash(new(big.Int).SetUint64(parentNumber))

	for i, wireBlock := range req.BlockStateCalls {
		number := parentNumber + uint64(i) + 1
		block := &rpc.SimulatedBlock{
			Number:     number,
			Hash:       crypto.Keccak256Hash(new(big.Int).SetUint64(number).Bytes()),
			ParentHash: parentHash,
			Timestamp:  parentTime + uint64(i+1)*12,
			GasLimit:   30_000_000,
			Calls:      make([]*rpc.SimulatedCall, len(wireBlock.Calls)),
		}
		if wireBlock.BlockOverrides != nil && wireBlock.BlockOverrides.BaseFeePerGas != nil {
			block.BaseFeePerGas = new(uint256.Int).Set((*uint256.Int)(wireBlock.BlockOverrides.BaseFeePerGas))
		}

		for j, call := range wireBlock.Calls {
			if err := validateCall(call, chainID, block.BaseFeePerGas); err != nil {
				return nil, err
			}
			block.Calls[j] = executeCall(call)
			block.GasUsed += block.Calls[j].GasUsed
		}

		block.Header = &types.Header{
			ParentHash: block.ParentHash,
			Number:     new(big.Int).SetUint64(number),
			GasLimit:   block.GasLimit,
			GasUsed:    block.GasUsed,
			Time:       block.Timestamp,
			Difficulty: big.NewInt(0),
		}
		if block.BaseFeePerGas != nil {
			block.Header.BaseFee = block.BaseFeePerGas.ToBig()
		}

		blocks[i] = block
		parentHash = block.Hash
	}

	return blocks, nil
}

func validateCall(call *rpc.CallArgs, chainID uint64, baseFee *uint256.Int) error {
	if call.ChainID != nil && (*uint256.Int)(call.ChainID).Uint64() != chainID {
		return &rpc.RPCError{Code: -32602, Message: fmt.Sprintf("chainId does not match node's (have=%v, want=%v)", (*uint256.Int)(call.ChainID), chainID)}
	}
	if call.GasPrice != nil && (call.MaxFeePerGas != nil || call.MaxPriorityFeePerGas != nil) {
		return &rpc.RPCError{Code: -32602, Message: "both gasPrice and (maxFeePerGas or maxPriorityFeePerGas) specified"}
	}

	feeCap := (*uint256.Int)(call.GasPrice)
	if call.MaxFeePerGas != nil {
		feeCap = (*uint256.Int)(call.MaxFeePerGas)
		if call.MaxPriorityFeePerGas != nil && (*uint256.Int)(call.MaxPriorityFeePerGas).Gt(feeCap) {
			return &rpc.RPCError{Code: -32602, Message: "max priority fee per gas higher than max fee per gas"}
		}
	}
	if feeCap != nil && !feeCap.IsZero() && baseFee != nil && feeCap.Lt(baseFee) {
		return &rpc.RPCError{Code: -38012, Message: "max fee per gas less than block base fee"}
	}
	return nil
}

func executeCall(call *rpc.CallArgs) *rpc.SimulatedCall {
	result := &rpc.SimulatedCall{
		Status:     types.ReceiptStatusSuccessful,
		ReturnData: []byte{},
		GasUsed:    21000 + uint64(len(call.Input))*16,
		Logs:       []*types.Log{},
	}

	var from common.Address
	if call.From != nil {
		from = *call.From
	}

	if call.To != nil && *call.To == common.HexToAddress("0xdead") {
		result.Status = types.ReceiptStatusFailed
		result.Error = &rpc.SimulatedCallError{Code: 3, Message: "execution reverted"}
		return result
	}

	if call.Value != nil && !(*uint256.Int)(call.Value).IsZero() && call.To != nil {
		result.Logs = append(result.Logs, &types.Log{
			Address: EthTransferAddress,
			Topics:  []common.Hash{TransferTopic, addressTopic(from), addressTopic(*call.To)},
			Data:    common.LeftPadBytes((*uint256.Int)(call.Value).Bytes(), 32),
		})
	}

	if call.To != nil && len(call.Input) == 68 && bytes.Equal(call.Input[:4], transferSelector) {
		recipient := common.BytesToAddress(call.Input[4:36])
		result.Logs = append(result.Logs, &types.Log{
			Address: *call.To,
			Topics:  []common.Hash{TransferTopic, addressTopic(from), addressTopic(recipient)},
			Data:    common.CopyBytes(call.Input[36:68]),
		})
		result.ReturnData = common.LeftPadBytes([]byte{1}, 32)
	}

	for i, log := range result.Logs {
		log.Index = uint(i)
	}

	return result
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// TransferCalldata encodes transfer(to, amount).
func TransferCalldata(to common.Address, amount *uint256.Int) []byte {
	data := append([]byte{}, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	return append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
}
