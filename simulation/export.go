package simulation

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ExportSnapshotVersion is bumped whenever the snapshot layout changes, so
// decisions memoized for an older layout no longer match.
const ExportSnapshotVersion = 1

// BalanceDelta is a native balance before and after the simulation.
type BalanceDelta struct {
	Address common.Address `json:"address"`
	Before  *hexutil.U256  `json:"before"`
	After   *hexutil.U256  `json:"after"`
}

func NewBalanceDelta(addr common.Address, before, after *uint256.Int) *BalanceDelta {
	return &BalanceDelta{
		Address: addr,
		Before:  (*hexutil.U256)(before),
		After:   (*hexutil.U256)(after),
	}
}

type exportAccountOverride struct {
	Balance   *hexutil.U256               `json:"balance,omitempty"`
	Nonce     *hexutil.Uint64             `json:"nonce,omitempty"`
	Code      *hexutil.Bytes              `json:"code,omitempty"`
	State     map[common.Hash]common.Hash `json:"state,omitempty"`
	StateDiff map[common.Hash]common.Hash `json:"stateDiff,omitempty"`
}

type exportBlock struct {
	StateOverrides map[common.Address]*exportAccountOverride `json:"stateOverrides,omitempty"`
	Transactions   []*Transaction                            `json:"transactions"`
}

// ExportSnapshot is the shareable description of a simulation stack.
type ExportSnapshot struct {
	Version        int              `json:"version"`
	ChainID        uint64           `json:"chainId"`
	Blocks         []*exportBlock   `json:"blocks"`
	SignedMessages []*SignedMessage `json:"signedMessages"`
	BalanceDeltas  []*BalanceDelta  `json:"balanceDeltas"`
}

// NewExportSnapshot captures the overrides, transactions and signed
// messages of state together with the observed balance deltas.
func NewExportSnapshot(state *State, deltas []*BalanceDelta) (*ExportSnapshot, error) {
	snapshot := &ExportSnapshot{
		Version:        ExportSnapshotVersion,
		Blocks:         make([]*exportBlock, len(state.Blocks)),
		SignedMessages: []*SignedMessage{},
		BalanceDeltas:  deltas,
	}
	if state.Network != nil {
		snapshot.ChainID = state.Network.ChainID
	}
	if snapshot.BalanceDeltas == nil {
		snapshot.BalanceDeltas = []*BalanceDelta{}
	}

	for i, block := range state.Blocks {
		exported := &exportBlock{
			Transactions: append([]*Transaction{}, block.Transactions...),
		}
		if len(block.StateOverrides) > 0 {
			exported.StateOverrides = make(map[common.Address]*exportAccountOverride, len(block.StateOverrides))
			for addr, override := range block.StateOverrides {
				exportedOverride := &exportAccountOverride{
					Balance:   (*hexutil.U256)(override.Balance),
					Nonce:     (*hexutil.Uint64)(override.Nonce),
					State:     override.State,
					StateDiff: override.StateDiff,
				}
				if override.Code != nil {
					code := hexutil.Bytes(override.Code)
					exportedOverride.Code = &code
				}
				exported.StateOverrides[addr] = exportedOverride
			}
		}
		snapshot.Blocks[i] = exported

		for _, msg := range block.SignedMessages {
			compacted, err := compactMessage(msg)
			if err != nil {
				return nil, err
			}
			snapshot.SignedMessages = append(snapshot.SignedMessages, compacted)
		}
	}

	return snapshot, nil
}

// Canonical returns the canonical JSON encoding: fixed field order,
// sorted map keys, no insignificant whitespace.
func (s *ExportSnapshot) Canonical() ([]byte, error) {
	return json.Marshal(s)
}

// Hash is the keccak256 content hash of the canonical encoding.
func (s *ExportSnapshot) Hash() (common.Hash, error) {
	encoded, err := s.Canonical()
	if err != nil {
		return common.Hash{}, fmt.Errorf("could not encode export snapshot: %w", err)
	}
	return crypto.Keccak256Hash(encoded), nil
}

func compactMessage(msg *SignedMessage) (*SignedMessage, error) {
	if len(msg.Payload) == 0 {
		return msg, nil
	}

	// payload objects are re-encoded to drop whitespace and order keys
	var payload interface{}
	decoder := json.NewDecoder(bytes.NewReader(msg.Payload))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("invalid signed message payload: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	compacted := *msg
	compacted.Payload = encoded
	return &compacted, nil
}
