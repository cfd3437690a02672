package subscriptions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/simulation"
)

type Kind string

const KindNewHeads Kind = "newHeads"

var ErrUnsupportedKind = errors.New("unsupported subscription kind")

// Record is one registered subscription.
type Record struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connectionId"`
	Kind         Kind            `json:"kind"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// Subscriber is the connection side of a subscription.
type Subscriber interface {
	Notify(subscriptionID string, result interface{}) error
	SimulationState() *simulation.State
}

// ConnectionLookup resolves live connections by id.
type ConnectionLookup interface {
	Subscriber(connectionID string) (Subscriber, bool)
}

// Synthesizer builds the header of the next simulated block of a state.
type Synthesizer interface {
	SyntheticHeader(ctx context.Context, state *simulation.State) (*rpc.SimulatedBlock, error)
}

// Manager keeps the subscription records and re-delivers new heads.
type Manager struct {
	mutex       sync.RWMutex
	records     map[string]*Record
	connections ConnectionLookup
	synthesizer Synthesizer
	logger      logrus.FieldLogger
}

func NewManager(connections ConnectionLookup, synthesizer Synthesizer, logger logrus.FieldLogger) *Manager {
	return &Manager{
		records:     map[string]*Record{},
		connections: connections,
		synthesizer: synthesizer,
		logger:      logger.WithField("module", "subscriptions"),
	}
}

func (m *Manager) Subscribe(connectionID string, kind Kind, params json.RawMessage) (*Record, error) {
	if kind != KindNewHeads {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKind, kind)
	}

	record := &Record{
		ID:           string(gethrpc.NewID()),
		ConnectionID: connectionID,
		Kind:         kind,
		Params:       params,
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.records[record.ID] = record
	return record, nil
}

// Unsubscribe removes a subscription owned by connectionID.
func (m *Manager) Unsubscribe(connectionID string, id string) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.records[id]
	if !ok || record.ConnectionID != connectionID {
		return false
	}
	delete(m.records, id)
	return true
}

// RemoveConnection drops every subscription of a closed connection.
func (m *Manager) RemoveConnection(connectionID string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	removed := 0
	for id, record := range m.records {
		if record.ConnectionID == connectionID {
			delete(m.records, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) Records() []*Record {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	records := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		records = append(records, record)
	}
	return records
}

// OnNewBlock delivers header to every newHeads subscription, followed by
// the synthetic next header when the owning connection has an active
// simulation. Each distinct state is synthesized once per call. Records of
// vanished connections are deleted.
func (m *Manager) OnNewBlock(ctx context.Context, header *types.Header) {
	synthetic := map[*simulation.State]*types.Header{}

	for _, record := range m.Records() {
		if record.Kind != KindNewHeads {
			continue
		}

		subscriber, ok := m.connections.Subscriber(record.ConnectionID)
		if !ok {
			m.mutex.Lock()
			delete(m.records, record.ID)
			m.mutex.Unlock()
			m.logger.WithField("subscription", record.ID).Debug("removed subscription of closed connection")
			continue
		}

		if err := subscriber.Notify(record.ID, header); err != nil {
			m.logger.WithField("subscription", record.ID).Debugf("failed delivering head: %v", err)
			continue
		}
		metrics.SubscriptionDeliveries.WithLabelValues("head").Inc()

		state := subscriber.SimulationState()
		if state == nil || state.IsEmpty() {
			continue
		}

		next, computed := synthetic[state]
		if !computed {
			next = m.synthesize(ctx, state)
			synthetic[state] = next
		}
		if next == nil {
			continue
		}

		if err := subscriber.Notify(record.ID, next); err != nil {
			m.logger.WithField("subscription", record.ID).Debugf("failed delivering synthetic head: %v", err)
			continue
		}
		metrics.SubscriptionDeliveries.WithLabelValues("synthetic_head").Inc()
	}
}

func (m *Manager) synthesize(ctx context.Context, state *simulation.State) *types.Header {
	block, err := m.synthesizer.SyntheticHeader(ctx, state)
	if err != nil {
		m.logger.Warnf("failed building synthetic head: %v", err)
		return nil
	}
	if block == nil {
		return nil
	}
	return block.Header
}
