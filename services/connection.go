package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/ethpandaops/txguard/session"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/utils"
	"github.com/ethpandaops/txguard/visualizer"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrNotStreaming     = errors.New("connection does not support notifications")
)

type ConnectionConfig struct {
	RemoteAddr         string
	MaxPendingRequests int
	SendQueueSize      int

	// SendTimeout bounds how long a response waits for queue space before
	// the connection is given up.
	SendTimeout time.Duration

	// Streaming connections can receive notifications, e.g. subscription
	// deliveries and prompts.
	Streaming bool
}

// Connection is one caller session. It owns the simulation the caller
// builds up, the pending-request admission and the outbound message queue.
type Connection struct {
	id         string
	remoteAddr string
	streaming  bool
	logger     logrus.FieldLogger

	admission *semaphore.Weighted

	// simMutex serializes changes of the simulation so transactions are
	// appended in arrival order.
	simMutex sync.Mutex
	state    atomic.Pointer[simulation.State]
	balances atomic.Pointer[[]*visualizer.EthBalanceChange]

	gate *session.Gate

	sendQueue   chan []byte
	sendTimeout time.Duration
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

type subscriptionNotification struct {
	Jsonrpc string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  subscriptionResult `json:"params"`
}

type subscriptionResult struct {
	Subscription string      `json:"subscription"`
	Result       interface{} `json:"result"`
}

type promptNotification struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  promptPayload `json:"params"`
}

type promptPayload struct {
	ID      hexutil.Uint64     `json:"id"`
	Kind    session.PromptKind `json:"kind"`
	Payload interface{}        `json:"payload"`
}

func NewConnection(config *ConnectionConfig, logger logrus.FieldLogger) *Connection {
	maxPending := config.MaxPendingRequests
	if maxPending <= 0 {
		maxPending = utils.DefaultMaxPendingRequests
	}
	queueSize := config.SendQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	sendTimeout := config.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	id := string(gethrpc.NewID())
	conn := &Connection{
		id:         id,
		remoteAddr: config.RemoteAddr,
		streaming:  config.Streaming,
		logger: logger.WithFields(logrus.Fields{
			"module":     "connection",
			"connection": id,
		}),
		admission: semaphore.NewWeighted(int64(maxPending)),
		gate:      session.NewGate(),
		sendQueue:   make(chan []byte, queueSize),
		sendTimeout: sendTimeout,
		done:        make(chan struct{}),
	}

	go conn.forwardPrompts()

	return conn
}

func (conn *Connection) ID() string {
	return conn.id
}

func (conn *Connection) RemoteAddr() string {
	return conn.remoteAddr
}

func (conn *Connection) Gate() *session.Gate {
	return conn.gate
}

// Outbound returns the queue of encoded messages to write to the caller.
func (conn *Connection) Outbound() <-chan []byte {
	return conn.sendQueue
}

// Done is closed when the connection is closed.
func (conn *Connection) Done() <-chan struct{} {
	return conn.done
}

func (conn *Connection) IsClosed() bool {
	return conn.closed.Load()
}

// Close stops the prompt forwarder and rejects further sends. The outbound
// queue stays open; writers stop on Done.
func (conn *Connection) Close() {
	conn.closeOnce.Do(func() {
		conn.closed.Store(true)
		close(conn.done)
	})
}

// Admit waits for a free request slot. Waiting requests are admitted in
// arrival order. The returned function releases the slot.
func (conn *Connection) Admit(ctx context.Context) (func(), error) {
	if conn.closed.Load() {
		return nil, ErrConnectionClosed
	}
	if err := conn.admission.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			conn.admission.Release(1)
		})
	}, nil
}

// Send queues a response or prompt for the caller. It waits up to the send
// timeout for queue space; a caller that does not drain its queue in time
// loses the connection instead of a response it is waiting for.
func (conn *Connection) Send(msg interface{}) error {
	data, err := conn.encode(msg)
	if err != nil {
		return err
	}

	select {
	case conn.sendQueue <- data:
		return nil
	case <-conn.done:
		return ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(conn.sendTimeout)
	defer timer.Stop()

	select {
	case conn.sendQueue <- data:
		return nil
	case <-conn.done:
		return ErrConnectionClosed
	case <-timer.C:
		conn.logger.Warnf("send queue full for %v, closing connection", conn.sendTimeout)
		conn.Close()
		return ErrSendQueueFull
	}
}

// trySend queues msg without blocking. Notifications to a slow caller are
// dropped.
func (conn *Connection) trySend(msg interface{}) error {
	data, err := conn.encode(msg)
	if err != nil {
		return err
	}

	select {
	case conn.sendQueue <- data:
		return nil
	case <-conn.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

func (conn *Connection) encode(msg interface{}) ([]byte, error) {
	if conn.closed.Load() {
		return nil, ErrConnectionClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("could not encode message: %w", err)
	}
	return data, nil
}

// Notify delivers a subscription result.
func (conn *Connection) Notify(subscriptionID string, result interface{}) error {
	if !conn.streaming {
		return ErrNotStreaming
	}
	return conn.trySend(&subscriptionNotification{
		Jsonrpc: "2.0",
		Method:  "eth_subscription",
		Params: subscriptionResult{
			Subscription: subscriptionID,
			Result:       result,
		},
	})
}

// SimulationState returns the active simulation or nil.
func (conn *Connection) SimulationState() *simulation.State {
	return conn.state.Load()
}

// BalanceChanges returns the accumulated native balance changes of the
// active simulation.
func (conn *Connection) BalanceChanges() []*visualizer.EthBalanceChange {
	changes := conn.balances.Load()
	if changes == nil {
		return nil
	}
	return *changes
}

// Simulation returns the active simulation and its balance changes as one
// consistent pair.
func (conn *Connection) Simulation() (*simulation.State, []*visualizer.EthBalanceChange) {
	conn.simMutex.Lock()
	defer conn.simMutex.Unlock()
	return conn.state.Load(), conn.BalanceChanges()
}

// UpdateSimulation runs fn with the active simulation and stores the state
// it returns. Calls are serialized per connection.
func (conn *Connection) UpdateSimulation(fn func(current *simulation.State) (*simulation.State, []*visualizer.EthBalanceChange, error)) error {
	conn.simMutex.Lock()
	defer conn.simMutex.Unlock()

	next, changes, err := fn(conn.state.Load())
	if err != nil {
		return err
	}

	conn.state.Store(next)
	merged := mergeBalanceChanges(conn.BalanceChanges(), changes)
	conn.balances.Store(&merged)
	return nil
}

// ResetSimulation drops the active simulation.
func (conn *Connection) ResetSimulation() {
	conn.simMutex.Lock()
	defer conn.simMutex.Unlock()

	conn.state.Store(nil)
	conn.balances.Store(nil)
}

func (conn *Connection) forwardPrompts() {
	defer utils.HandleSubroutinePanic("connection.forwardPrompts")

	for {
		select {
		case <-conn.done:
			return
		case prompt := <-conn.gate.Requests():
			err := conn.Send(&promptNotification{
				Jsonrpc: "2.0",
				Method:  "txguard_prompt",
				Params: promptPayload{
					ID:      hexutil.Uint64(prompt.ID),
					Kind:    prompt.Kind,
					Payload: prompt.Payload,
				},
			})
			if err != nil {
				conn.logger.WithField("prompt", prompt.ID).Warnf("could not deliver prompt: %v", err)
				prompt.Abort(err)
			}
		}
	}
}

// mergeBalanceChanges folds next into prev. The first Before of an address
// is kept, After follows the latest change.
func mergeBalanceChanges(prev, next []*visualizer.EthBalanceChange) []*visualizer.EthBalanceChange {
	merged := make([]*visualizer.EthBalanceChange, 0, len(prev)+len(next))
	index := make(map[common.Address]int, len(prev)+len(next))

	for _, change := range prev {
		index[change.Address] = len(merged)
		merged = append(merged, change)
	}
	for _, change := range next {
		if i, ok := index[change.Address]; ok {
			merged[i] = &visualizer.EthBalanceChange{
				Address: change.Address,
				Before:  merged[i].Before,
				After:   change.After,
			}
			continue
		}
		index[change.Address] = len(merged)
		merged = append(merged, change)
	}
	return merged
}
