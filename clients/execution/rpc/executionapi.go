package rpc

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
)

type ExecutionClient struct {
	name       string
	endpoint   string
	headers    map[string]string
	timeout    time.Duration
	httpClient *http.Client
	requestID  atomic.Uint64
	rpcClient  *rpc.Client
	ethClient  *ethclient.Client
}

// NewExecutionClient is used to create a new execution client.
// A zero timeout disables the per-call deadline.
func NewExecutionClient(name, endpoint string, headers map[string]string, timeout time.Duration) (*ExecutionClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("empty endpoint for execution client %v", name)
	}

	client := &ExecutionClient{
		name:       name,
		endpoint:   endpoint,
		headers:    headers,
		timeout:    timeout,
		httpClient: &http.Client{},
	}

	return client, nil
}

func (ec *ExecutionClient) Initialize(ctx context.Context) error {
	if ec.ethClient != nil {
		return nil
	}

	rpcClient, err := rpc.DialContext(ctx, ec.endpoint)
	if err != nil {
		return err
	}

	for hKey, hVal := range ec.headers {
		rpcClient.SetHeader(hKey, hVal)
	}

	ec.rpcClient = rpcClient
	ec.ethClient = ethclient.NewClient(rpcClient)

	return nil
}

func (ec *ExecutionClient) Close() {
	if ec.rpcClient != nil {
		ec.rpcClient.Close()
	}
}

// withTimeout runs fn under the per-call deadline. If the deadline passed by
// the time fn returns, the failure is reported as TimeoutError even when the
// caller context was cancelled as well.
func (ec *ExecutionClient) withTimeout(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	callCtx := ctx
	if ec.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, ec.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil {
		return nil
	}

	if ec.timeout > 0 {
		if deadline, ok := callCtx.Deadline(); ok && !time.Now().Before(deadline) {
			return &TimeoutError{Method: method, Timeout: ec.timeout}
		}
	}

	return convertError(err)
}

func (ec *ExecutionClient) GetChainID(ctx context.Context) (uint64, error) {
	var chainID *big.Int
	err := ec.withTimeout(ctx, "eth_chainId", func(ctx context.Context) (err error) {
		chainID, err = ec.ethClient.ChainID(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !chainID.IsUint64() {
		return 0, &WireError{Path: "result", Err: fmt.Errorf("chain id %v out of range", chainID)}
	}

	return chainID.Uint64(), nil
}

func (ec *ExecutionClient) GetLatestHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := ec.withTimeout(ctx, "eth_getBlockByNumber", func(ctx context.Context) (err error) {
		header, err = ec.ethClient.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return header, nil
}

func (ec *ExecutionClient) GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	var header *types.Header
	err := ec.withTimeout(ctx, "eth_getBlockByNumber", func(ctx context.Context) (err error) {
		header, err = ec.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	if err != nil {
		return nil, err
	}

	return header, nil
}

func (ec *ExecutionClient) GetCodeAt(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := ec.withTimeout(ctx, "eth_getCode", func(ctx context.Context) (err error) {
		code, err = ec.ethClient.CodeAt(ctx, address, blockNumber)
		return err
	})
	return code, err
}

func (ec *ExecutionClient) GetNonceAt(ctx context.Context, wallet common.Address, blockNumber *big.Int) (uint64, error) {
	var nonce uint64
	err := ec.withTimeout(ctx, "eth_getTransactionCount", func(ctx context.Context) (err error) {
		nonce, err = ec.ethClient.NonceAt(ctx, wallet, blockNumber)
		return err
	})
	return nonce, err
}

func (ec *ExecutionClient) GetBalanceAt(ctx context.Context, wallet common.Address, blockNumber *big.Int) (*uint256.Int, error) {
	var balance hexutil.U256
	err := ec.withTimeout(ctx, "eth_getBalance", func(ctx context.Context) error {
		return ec.rpcClient.CallContext(ctx, &balance, "eth_getBalance", wallet, blockTagArg(blockNumber))
	})
	if err != nil {
		return nil, err
	}

	return (*uint256.Int)(&balance), nil
}

func (ec *ExecutionClient) GetStorageAt(ctx context.Context, address common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	var value []byte
	err := ec.withTimeout(ctx, "eth_getStorageAt", func(ctx context.Context) (err error) {
		value, err = ec.ethClient.StorageAt(ctx, address, slot, blockNumber)
		return err
	})
	if err != nil {
		return common.Hash{}, err
	}
	if len(value) > common.HashLength {
		return common.Hash{}, &WireError{Path: "result", Err: fmt.Errorf("storage value of %d bytes", len(value))}
	}

	return common.BytesToHash(value), nil
}

func (ec *ExecutionClient) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := ec.withTimeout(ctx, "eth_getLogs", func(ctx context.Context) (err error) {
		logs, err = ec.ethClient.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// CallContract executes a plain eth_call against real chain state.
func (ec *ExecutionClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := ec.withTimeout(ctx, "eth_call", func(ctx context.Context) (err error) {
		result, err = ec.ethClient.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SimulateV1 sends one eth_simulateV1 request and returns one result per
// requested block, in order.
func (ec *ExecutionClient) SimulateV1(ctx context.Context, req *SimulateRequest, blockNumber *big.Int) ([]*SimulatedBlock, error) {
	var blocks []*SimulatedBlock
	err := ec.withTimeout(ctx, "eth_simulateV1", func(ctx context.Context) (err error) {
		blocks, err = ec.fetchSimulatedBlocks(ctx, req, blockTagArg(blockNumber))
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(blocks) != len(req.BlockStateCalls) {
		return nil, &WireError{
			Path: "result",
			Err:  fmt.Errorf("expected %d blocks, got %d", len(req.BlockStateCalls), len(blocks)),
		}
	}
	for i, block := range blocks {
		if len(block.Calls) != len(req.BlockStateCalls[i].Calls) {
			return nil, &WireError{
				Path: fmt.Sprintf("result[%d].calls", i),
				Err:  fmt.Errorf("expected %d calls, got %d", len(req.BlockStateCalls[i].Calls), len(block.Calls)),
			}
		}
	}

	return blocks, nil
}

func blockTagArg(number *big.Int) string {
	if number == nil {
		return "latest"
	}
	return hexutil.EncodeBig(number)
}
