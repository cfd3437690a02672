package simulation

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/utils"
)

var (
	ErrOverflow        = utils.ErrOverflow
	ErrEmptyState      = errors.New("simulation state is empty")
	ErrIndexOutOfRange = errors.New("transaction index out of range")
	ErrLimitExceeded   = errors.New("simulation limit exceeded")
	ErrWrongNetwork    = errors.New("state belongs to a different network")
)

// ChainBackend is the chain access the simulator needs. It is implemented
// by *execution.Client.
type ChainBackend interface {
	GetBlock(ctx context.Context, number *uint64) (*types.Header, error)
	GetCode(ctx context.Context, address common.Address, blockNumber *big.Int) ([]byte, error)
	GetBalance(ctx context.Context, address common.Address, blockNumber *big.Int) (*uint256.Int, error)
	GetTransactionCount(ctx context.Context, address common.Address, blockNumber *big.Int) (uint64, error)
	GetStorageAt(ctx context.Context, address common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error)
	ExecuteBatch(ctx context.Context, req *rpc.SimulateRequest, blockNumber *big.Int) ([]*rpc.SimulatedBlock, error)
}

// Limits bounds the size of one batched request. Zero means unlimited.
type Limits struct {
	MaxBlocks        int
	MaxCallsPerBlock int
}

type Simulator struct {
	backend ChainBackend
	network *Network
	limits  Limits
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewSimulator(backend ChainBackend, network *Network, limits Limits, logger logrus.FieldLogger) *Simulator {
	return &Simulator{
		backend: backend,
		network: network,
		limits:  limits,
		logger:  logger.WithField("module", "simulation"),
		now:     time.Now,
	}
}

func (s *Simulator) Network() *Network {
	return s.network
}

func (s *Simulator) Backend() ChainBackend {
	return s.backend
}

// NewState returns an empty state anchored to the latest known head.
func (s *Simulator) NewState(ctx context.Context) (*State, error) {
	return s.NewStateAt(ctx, nil)
}

// NewStateAt returns an empty state anchored to block number, or to the
// latest head when number is nil.
func (s *Simulator) NewStateAt(ctx context.Context, number *uint64) (*State, error) {
	header, err := s.backend.GetBlock(ctx, number)
	if err != nil {
		if number == nil {
			return nil, fmt.Errorf("could not load latest header: %w", err)
		}
		return nil, fmt.Errorf("could not load header %v: %w", *number, err)
	}

	state := &State{
		CreatedAt: s.now(),
		Network:   s.network,
	}
	return s.rebase(state, header)
}

// Rebase anchors state on header, keeping its speculative blocks.
func (s *Simulator) Rebase(state *State, header *types.Header) (*State, error) {
	return s.rebase(state, header)
}

func (s *Simulator) rebase(state *State, header *types.Header) (*State, error) {
	baseFee, err := utils.BigToUint256(header.BaseFee)
	if err != nil {
		return nil, fmt.Errorf("base fee of block %v: %w", header.Number, err)
	}
	return state.Rebase(header, baseFee), nil
}

// AppendTransaction executes tx on top of state and returns the new state
// together with the result of tx. Results of the other transactions in the
// last block are refreshed from the same response.
func (s *Simulator) AppendTransaction(ctx context.Context, state *State, tx *Transaction) (*State, *CallResult, error) {
	if err := s.checkNetwork(state); err != nil {
		return nil, nil, err
	}

	next := state.WithTransaction(tx)

	blocks, err := s.execute(ctx, next)
	if err != nil {
		return nil, nil, err
	}

	last := next.LastBlock()
	lastResults := blocks[len(blocks)-1].Calls
	for i, call := range lastResults {
		last.Results[i] = newCallResult(call)
	}

	result := last.Results[len(last.Results)-1]
	s.logger.WithFields(logrus.Fields{
		"from":    tx.From,
		"status":  result.Status,
		"gasUsed": result.GasUsed,
		"blocks":  len(next.Blocks),
	}).Debugf("simulated transaction")

	return next, result, nil
}

// AppendSignedMessage carries msg along with the simulation. Signed
// messages are not executed.
func (s *Simulator) AppendSignedMessage(state *State, msg *SignedMessage) *State {
	return state.WithSignedMessage(msg)
}

// RebuildFrom re-executes transactions 1..upto (counted across blocks) as
// one batch and returns their results in order.
func (s *Simulator) RebuildFrom(ctx context.Context, state *State, upto int) ([]*CallResult, error) {
	if err := s.checkNetwork(state); err != nil {
		return nil, err
	}

	truncated, err := truncateState(state, upto)
	if err != nil {
		return nil, err
	}
	if truncated.IsEmpty() {
		return []*CallResult{}, nil
	}

	blocks, err := s.execute(ctx, truncated)
	if err != nil {
		return nil, err
	}

	results := make([]*CallResult, 0, upto)
	for _, block := range blocks {
		for _, call := range block.Calls {
			results = append(results, newCallResult(call))
		}
	}
	return results, nil
}

// Refresh re-executes the whole state and returns a copy with the results
// of every block recomputed, e.g. after overrides changed.
func (s *Simulator) Refresh(ctx context.Context, state *State) (*State, error) {
	if state.IsEmpty() {
		return state, nil
	}
	if err := s.checkNetwork(state); err != nil {
		return nil, err
	}

	blocks, err := s.execute(ctx, state)
	if err != nil {
		return nil, err
	}

	refreshed := state.clone()
	for i, block := range refreshed.Blocks {
		clone := block.clone()
		for j, call := range blocks[i].Calls {
			clone.Results[j] = newCallResult(call)
		}
		refreshed.Blocks[i] = clone
	}
	return refreshed, nil
}

// SyntheticHeader replays state and returns the final simulated block,
// the speculative continuation of the real chain. It returns nil for an
// empty state.
func (s *Simulator) SyntheticHeader(ctx context.Context, state *State) (*rpc.SimulatedBlock, error) {
	if state.IsEmpty() {
		return nil, nil
	}

	blocks, err := s.execute(ctx, state)
	if err != nil {
		return nil, err
	}
	return blocks[len(blocks)-1], nil
}

func (s *Simulator) execute(ctx context.Context, state *State) ([]*rpc.SimulatedBlock, error) {
	req, err := buildSimulateRequest(state, s.limits)
	if err != nil {
		return nil, err
	}

	blocks, err := s.backend.ExecuteBatch(ctx, req, s.blockTag(state))
	if err != nil {
		return nil, fmt.Errorf("batched execution failed: %w", err)
	}
	if len(blocks) != len(state.Blocks) {
		return nil, fmt.Errorf("batched execution returned %d blocks for %d", len(blocks), len(state.Blocks))
	}
	for i, block := range blocks {
		if len(block.Calls) != len(state.Blocks[i].Transactions) {
			return nil, fmt.Errorf("batched execution returned %d results for %d calls in block %d", len(block.Calls), len(state.Blocks[i].Transactions), i)
		}
	}

	return blocks, nil
}

func (s *Simulator) blockTag(state *State) *big.Int {
	if state.ParentNumber == 0 {
		return nil
	}
	return new(big.Int).SetUint64(state.ParentNumber)
}

func (s *Simulator) checkNetwork(state *State) error {
	if state.Network != nil && s.network != nil && state.Network.ChainID != s.network.ChainID {
		return fmt.Errorf("%w: state chain %d, simulator chain %d", ErrWrongNetwork, state.Network.ChainID, s.network.ChainID)
	}
	return nil
}
