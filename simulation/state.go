package simulation

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// AccountOverride replaces parts of an account for one simulated block.
// State replaces the whole storage, StateDiff only the listed slots.
type AccountOverride struct {
	Balance   *uint256.Int
	Nonce     *uint64
	Code      []byte
	State     map[common.Hash]common.Hash
	StateDiff map[common.Hash]common.Hash
}

// BlockOverrides replaces header fields of one simulated block.
type BlockOverrides struct {
	Number       *uint64
	Time         *uint64
	GasLimit     *uint64
	FeeRecipient *common.Address
	PrevRandao   *common.Hash
	BaseFee      *uint256.Int
}

// Block is one speculative block. Transactions execute in insertion order;
// Results[i] belongs to Transactions[i] once computed.
type Block struct {
	Transactions   []*Transaction
	SignedMessages []*SignedMessage
	StateOverrides map[common.Address]*AccountOverride
	BlockOverrides *BlockOverrides
	Results        []*CallResult
}

func (b *Block) clone() *Block {
	clone := &Block{
		Transactions:   append([]*Transaction(nil), b.Transactions...),
		SignedMessages: append([]*SignedMessage(nil), b.SignedMessages...),
		BlockOverrides: b.BlockOverrides,
		Results:        append([]*CallResult(nil), b.Results...),
	}
	if b.StateOverrides != nil {
		clone.StateOverrides = make(map[common.Address]*AccountOverride, len(b.StateOverrides))
		for addr, override := range b.StateOverrides {
			clone.StateOverrides[addr] = override
		}
	}
	return clone
}

// State is an immutable stack of simulated blocks on top of a real parent
// block. Every modifier returns a new State and leaves the receiver intact.
type State struct {
	Blocks       []*Block
	BaseFee      *uint256.Int
	CreatedAt    time.Time
	ParentNumber uint64
	ParentHash   common.Hash
	ParentTime   uint64
	Network      *Network
}

func (s *State) clone() *State {
	clone := *s
	clone.Blocks = append([]*Block(nil), s.Blocks...)
	return &clone
}

// withLastBlock returns a copy whose final block is a private clone the
// caller may modify. An empty state gets a fresh block.
func (s *State) withLastBlock() (*State, *Block) {
	clone := s.clone()
	if len(clone.Blocks) == 0 {
		block := &Block{}
		clone.Blocks = append(clone.Blocks, block)
		return clone, block
	}

	last := clone.Blocks[len(clone.Blocks)-1].clone()
	clone.Blocks[len(clone.Blocks)-1] = last
	return clone, last
}

// IsEmpty reports whether the state holds neither transactions, messages nor overrides.
func (s *State) IsEmpty() bool {
	return s == nil || len(s.Blocks) == 0
}

// TransactionCount is the number of transactions across all blocks.
func (s *State) TransactionCount() int {
	count := 0
	for _, block := range s.Blocks {
		count += len(block.Transactions)
	}
	return count
}

// Transactions returns all transactions in execution order.
func (s *State) Transactions() []*Transaction {
	txs := make([]*Transaction, 0, s.TransactionCount())
	for _, block := range s.Blocks {
		txs = append(txs, block.Transactions...)
	}
	return txs
}

// SignedMessages returns all carried signed messages in insertion order.
func (s *State) SignedMessages() []*SignedMessage {
	msgs := []*SignedMessage{}
	for _, block := range s.Blocks {
		msgs = append(msgs, block.SignedMessages...)
	}
	return msgs
}

// LastBlock returns the final block or nil.
func (s *State) LastBlock() *Block {
	if len(s.Blocks) == 0 {
		return nil
	}
	return s.Blocks[len(s.Blocks)-1]
}

// WithTransaction returns a new state with tx appended to the last block.
// Results of the new state are not computed; see Simulator.AppendTransaction.
func (s *State) WithTransaction(tx *Transaction) *State {
	clone, last := s.withLastBlock()
	last.Transactions = append(last.Transactions, tx)
	last.Results = append(last.Results, nil)
	return clone
}

// WithSignedMessage returns a new state carrying msg in the last block.
func (s *State) WithSignedMessage(msg *SignedMessage) *State {
	clone, last := s.withLastBlock()
	last.SignedMessages = append(last.SignedMessages, msg)
	return clone
}

// WithAccountOverride sets the override for addr in the last block,
// replacing a previous override of the same account there.
func (s *State) WithAccountOverride(addr common.Address, override *AccountOverride) *State {
	clone, last := s.withLastBlock()
	if last.StateOverrides == nil {
		last.StateOverrides = map[common.Address]*AccountOverride{}
	}
	last.StateOverrides[addr] = override
	return clone
}

// WithNewBlock returns a new state with an empty block appended.
func (s *State) WithNewBlock(overrides *BlockOverrides) *State {
	clone := s.clone()
	clone.Blocks = append(clone.Blocks, &Block{BlockOverrides: overrides})
	return clone
}

// Rebase anchors the same speculative blocks on a new real parent block.
func (s *State) Rebase(header *types.Header, baseFee *uint256.Int) *State {
	clone := s.clone()
	clone.ParentNumber = header.Number.Uint64()
	clone.ParentHash = header.Hash()
	clone.ParentTime = header.Time
	clone.BaseFee = baseFee
	return clone
}
