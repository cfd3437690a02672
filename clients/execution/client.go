package execution

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/utils"
)

type ClientStatus uint8

var (
	ClientStatusOnline  ClientStatus = 1
	ClientStatusOffline ClientStatus = 2
)

type ClientConfig struct {
	URL          string
	Name         string
	Headers      map[string]string
	Timeout      time.Duration
	PollInterval time.Duration
}

// Callbacks are invoked from the poll loop. OnNewBlock fires whenever the
// head advanced, OnError whenever a poll failed; the next tick is the retry.
type Callbacks struct {
	OnNewBlock func(header *types.Header, client *Client)
	OnError    func(err error, client *Client)
}

// Client is the typed chain access used by the simulation engine. All reads
// go to real chain state; the only state it keeps is the latest polled header.
type Client struct {
	endpointConfig  *ClientConfig
	callbacks       Callbacks
	clientCtx       context.Context
	clientCtxCancel context.CancelFunc
	rpcClient       *rpc.ExecutionClient
	logger          logrus.FieldLogger
	loopWg          sync.WaitGroup
	startOnce       sync.Once
	blockDispatcher utils.Dispatcher[*types.Header]
	latestHeader    atomic.Pointer[types.Header]
	lastError       atomic.Pointer[error]
	lastEvent       atomic.Int64
	isOnline        atomic.Bool
}

// restartDelay is the pause before a crashed poll loop is started again.
var restartDelay = 10 * time.Second

func NewClient(ctx context.Context, endpoint *ClientConfig, callbacks Callbacks, logger logrus.FieldLogger) (*Client, error) {
	rpcClient, err := rpc.NewExecutionClient(endpoint.Name, endpoint.URL, endpoint.Headers, endpoint.Timeout)
	if err != nil {
		return nil, err
	}

	if endpoint.PollInterval == 0 {
		endpoint.PollInterval = utils.DefaultPollInterval
	}

	client := &Client{
		endpointConfig: endpoint,
		callbacks:      callbacks,
		rpcClient:      rpcClient,
		logger:         logger.WithField("client", endpoint.Name),
	}
	client.clientCtx, client.clientCtxCancel = context.WithCancel(ctx)

	if err := rpcClient.Initialize(ctx); err != nil {
		client.clientCtxCancel()
		return nil, err
	}

	return client, nil
}

// Start launches the background poll loop. The first poll runs immediately.
func (client *Client) Start() {
	client.startOnce.Do(func() {
		client.loopWg.Add(1)
		go client.runClientLoop()
	})
}

// Stop cancels the poll loop and waits for it to exit.
func (client *Client) Stop() {
	client.clientCtxCancel()
	client.loopWg.Wait()
	client.rpcClient.Close()
}

func (client *Client) GetName() string {
	return client.endpointConfig.Name
}

func (client *Client) GetStatus() ClientStatus {
	if client.isOnline.Load() {
		return ClientStatusOnline
	}
	return ClientStatusOffline
}

func (client *Client) GetLastError() error {
	if err := client.lastError.Load(); err != nil {
		return *err
	}
	return nil
}

func (client *Client) GetLastEventTime() time.Time {
	return time.Unix(0, client.lastEvent.Load())
}

// LatestHeader returns the header of the most recent successful poll, or nil.
func (client *Client) LatestHeader() *types.Header {
	return client.latestHeader.Load()
}

// SubscribeBlockEvent returns a subscription receiving every new head.
func (client *Client) SubscribeBlockEvent(capacity int) *utils.Subscription[*types.Header] {
	return client.blockDispatcher.Subscribe(capacity, false)
}

// GetBlock returns the header at number, or the latest header for nil. The
// latest header is served from the poll cache when one is present.
func (client *Client) GetBlock(ctx context.Context, number *uint64) (*types.Header, error) {
	if number == nil {
		if header := client.latestHeader.Load(); header != nil {
			return header, nil
		}
		return client.rpcClient.GetLatestHeader(ctx)
	}

	return client.rpcClient.GetHeaderByNumber(ctx, *number)
}

func (client *Client) GetChainID(ctx context.Context) (uint64, error) {
	return client.rpcClient.GetChainID(ctx)
}

func (client *Client) GetCode(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error) {
	return client.rpcClient.GetCodeAt(ctx, address, blockNumber)
}

func (client *Client) GetBalance(ctx context.Context, address common.Address, blockNumber *big.Int) (*uint256.Int, error) {
	return client.rpcClient.GetBalanceAt(ctx, address, blockNumber)
}

func (client *Client) GetTransactionCount(ctx context.Context, address common.Address, blockNumber *big.Int) (uint64, error) {
	return client.rpcClient.GetNonceAt(ctx, address, blockNumber)
}

func (client *Client) GetStorageAt(ctx context.Context, address common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error) {
	return client.rpcClient.GetStorageAt(ctx, address, slot, blockNumber)
}

func (client *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return client.rpcClient.GetLogs(ctx, query)
}

// Call runs a plain eth_call.
func (client *Client) Call(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return client.rpcClient.CallContract(ctx, msg, blockNumber)
}

// ExecuteBatch sends the blocks as one eth_simulateV1 request and returns
// one result per block, each with one result per call, in input order.
func (client *Client) ExecuteBatch(ctx context.Context, req *rpc.SimulateRequest, blockNumber *big.Int) ([]*rpc.SimulatedBlock, error) {
	return client.rpcClient.SimulateV1(ctx, req, blockNumber)
}
