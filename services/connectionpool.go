package services

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/subscriptions"
	"github.com/ethpandaops/txguard/utils"
	"github.com/ethpandaops/txguard/visualizer"
)

// ConnectionPool tracks the open connections and fans out new chain heads.
type ConnectionPool struct {
	mutex       sync.RWMutex
	connections map[string]*Connection

	simulator     *simulation.Simulator
	subscriptions *subscriptions.Manager
	logger        logrus.FieldLogger
}

// NewConnectionPool creates a pool. With synthetic heads disabled
// subscribers only receive the real chain heads.
func NewConnectionPool(simulator *simulation.Simulator, syntheticHeads bool, logger logrus.FieldLogger) *ConnectionPool {
	pool := &ConnectionPool{
		connections: map[string]*Connection{},
		simulator:   simulator,
		logger:      logger.WithField("module", "connections"),
	}

	var synthesizer subscriptions.Synthesizer = simulator
	if !syntheticHeads {
		synthesizer = noSynthesizer{}
	}
	pool.subscriptions = subscriptions.NewManager(pool, synthesizer, logger)

	return pool
}

func (pool *ConnectionPool) Subscriptions() *subscriptions.Manager {
	return pool.subscriptions
}

func (pool *ConnectionPool) Add(conn *Connection) {
	pool.mutex.Lock()
	pool.connections[conn.ID()] = conn
	count := len(pool.connections)
	pool.mutex.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	pool.logger.WithField("connection", conn.ID()).Debugf("connection opened (%v open)", count)
}

// Remove closes conn and drops its subscriptions.
func (pool *ConnectionPool) Remove(conn *Connection) {
	pool.mutex.Lock()
	delete(pool.connections, conn.ID())
	count := len(pool.connections)
	pool.mutex.Unlock()

	conn.Close()
	removed := pool.subscriptions.RemoveConnection(conn.ID())

	metrics.ActiveConnections.Set(float64(count))
	pool.logger.WithField("connection", conn.ID()).Debugf("connection closed, %v subscriptions removed", removed)
}

func (pool *ConnectionPool) Get(id string) *Connection {
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()
	return pool.connections[id]
}

// Subscriber resolves a connection for subscription delivery.
func (pool *ConnectionPool) Subscriber(id string) (subscriptions.Subscriber, bool) {
	conn := pool.Get(id)
	if conn == nil || conn.IsClosed() {
		return nil, false
	}
	return conn, true
}

func (pool *ConnectionPool) Len() int {
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()
	return len(pool.connections)
}

func (pool *ConnectionPool) snapshot() []*Connection {
	pool.mutex.RLock()
	defer pool.mutex.RUnlock()

	conns := make([]*Connection, 0, len(pool.connections))
	for _, conn := range pool.connections {
		conns = append(conns, conn)
	}
	return conns
}

// OnNewBlock moves every active simulation onto header and re-delivers the
// head to the newHeads subscriptions.
func (pool *ConnectionPool) OnNewBlock(ctx context.Context, header *types.Header) {
	defer utils.HandleSubroutinePanic("ConnectionPool.OnNewBlock")

	for _, conn := range pool.snapshot() {
		err := conn.UpdateSimulation(func(current *simulation.State) (*simulation.State, []*visualizer.EthBalanceChange, error) {
			if current == nil {
				return nil, nil, nil
			}
			next, err := pool.simulator.Rebase(current, header)
			return next, nil, err
		})
		if err != nil {
			pool.logger.WithField("connection", conn.ID()).Warnf("could not rebase simulation: %v", err)
		}
	}

	pool.subscriptions.OnNewBlock(ctx, header)
}

type noSynthesizer struct{}

func (noSynthesizer) SyntheticHeader(ctx context.Context, state *simulation.State) (*rpc.SimulatedBlock, error) {
	return nil, nil
}
