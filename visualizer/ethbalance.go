package visualizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/utils"
)

var ErrNegativeBalance = errors.New("balance would become negative")

// BalanceReader reads pre-simulation native balances, usually an Overlay.
type BalanceReader interface {
	GetBalance(ctx context.Context, addr common.Address) (*uint256.Int, error)
}

// runningBalances serves the After balance of earlier changes and falls
// back to reader for addresses they did not touch.
type runningBalances struct {
	known  map[common.Address]*uint256.Int
	reader BalanceReader
}

// WithPriorChanges layers the post balances of prior over reader. The
// Overlay only knows explicit overrides, so a stacked simulation reads its
// earlier transfers from here.
func WithPriorChanges(reader BalanceReader, prior []*EthBalanceChange) BalanceReader {
	if len(prior) == 0 {
		return reader
	}
	known := make(map[common.Address]*uint256.Int, len(prior))
	for _, change := range prior {
		if change.After != nil {
			known[change.Address] = change.After
		}
	}
	return &runningBalances{known: known, reader: reader}
}

func (b *runningBalances) GetBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if balance, ok := b.known[addr]; ok {
		return utils.CloneUint256(balance), nil
	}
	return b.reader.GetBalance(ctx, addr)
}

// EthBalanceChanges replays the synthetic native transfer logs of result
// over the balances read from reader. The sender pays gasUsed times the
// effective gas price at baseFee before any value moves. Addresses are
// returned in the order they were first touched.
func EthBalanceChanges(ctx context.Context, reader BalanceReader, tx *simulation.Transaction, baseFee *uint256.Int, result *simulation.CallResult) ([]*EthBalanceChange, error) {
	tracker := &balanceTracker{
		ctx:      ctx,
		reader:   reader,
		balances: map[common.Address]*EthBalanceChange{},
	}

	if result.GasUsed > 0 {
		price, err := tx.EffectiveGasPrice(baseFee)
		if err != nil {
			return nil, fmt.Errorf("effective gas price: %w", err)
		}
		fee, err := utils.SafeMul(price, uint256.NewInt(result.GasUsed))
		if err != nil {
			return nil, fmt.Errorf("gas fee: %w", err)
		}
		if !fee.IsZero() {
			if err := tracker.debit(tx.From, fee); err != nil {
				return nil, err
			}
		}
	}

	for _, log := range result.Logs {
		from, to, amount, ok := parseEthTransfer(log)
		if !ok {
			continue
		}
		if err := tracker.debit(from, amount); err != nil {
			return nil, err
		}
		if err := tracker.credit(to, amount); err != nil {
			return nil, err
		}
	}

	changes := make([]*EthBalanceChange, 0, len(tracker.order))
	for _, addr := range tracker.order {
		change := tracker.balances[addr]
		if change.Before.Eq(change.After) {
			continue
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func parseEthTransfer(log *types.Log) (from, to common.Address, amount *uint256.Int, ok bool) {
	if log.Address != EthTransferAddress || len(log.Topics) != 3 || log.Topics[0] != TopicTransfer {
		return
	}
	amount, ok = wordAt(log.Data, 0)
	if !ok {
		return
	}
	return topicAddress(log.Topics[1]), topicAddress(log.Topics[2]), amount, true
}

type balanceTracker struct {
	ctx      context.Context
	reader   BalanceReader
	balances map[common.Address]*EthBalanceChange
	order    []common.Address
}

func (t *balanceTracker) get(addr common.Address) (*EthBalanceChange, error) {
	if change, ok := t.balances[addr]; ok {
		return change, nil
	}

	balance, err := t.reader.GetBalance(t.ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("balance of %v: %w", addr, err)
	}
	change := &EthBalanceChange{
		Address: addr,
		Before:  balance,
		After:   utils.CloneUint256(balance),
	}
	t.balances[addr] = change
	t.order = append(t.order, addr)
	return change, nil
}

func (t *balanceTracker) debit(addr common.Address, amount *uint256.Int) error {
	change, err := t.get(addr)
	if err != nil {
		return err
	}
	after, err := utils.SafeSub(change.After, amount)
	if err != nil {
		return fmt.Errorf("%w: %v has %v, debit %v", ErrNegativeBalance, addr, change.After, amount)
	}
	change.After = after
	return nil
}

func (t *balanceTracker) credit(addr common.Address, amount *uint256.Int) error {
	change, err := t.get(addr)
	if err != nil {
		return err
	}
	after, err := utils.SafeAdd(change.After, amount)
	if err != nil {
		return fmt.Errorf("credit %v: %w", addr, err)
	}
	change.After = after
	return nil
}
