package simulation

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/utils"
)

// Overlay reads account state through the overrides of a simulation state.
// The newest override wins; accounts without one fall through to the real
// chain at the state's parent block.
type Overlay struct {
	state   *State
	backend ChainBackend
}

func (s *Simulator) Overlay(state *State) *Overlay {
	return NewOverlay(state, s.backend)
}

func NewOverlay(state *State, backend ChainBackend) *Overlay {
	return &Overlay{state: state, backend: backend}
}

func (o *Overlay) blockNumber() *big.Int {
	if o.state == nil || o.state.ParentNumber == 0 {
		return nil
	}
	return new(big.Int).SetUint64(o.state.ParentNumber)
}

// findOverride walks the blocks newest first and returns the first
// override of addr accepted by match.
func (o *Overlay) findOverride(addr common.Address, match func(*AccountOverride) bool) *AccountOverride {
	if o.state == nil {
		return nil
	}
	for i := len(o.state.Blocks) - 1; i >= 0; i-- {
		override := o.state.Blocks[i].StateOverrides[addr]
		if override != nil && match(override) {
			return override
		}
	}
	return nil
}

func (o *Overlay) GetBalance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	if override := o.findOverride(addr, func(ov *AccountOverride) bool { return ov.Balance != nil }); override != nil {
		return utils.CloneUint256(override.Balance), nil
	}
	return o.backend.GetBalance(ctx, addr, o.blockNumber())
}

func (o *Overlay) GetTransactionCount(ctx context.Context, addr common.Address) (uint64, error) {
	if override := o.findOverride(addr, func(ov *AccountOverride) bool { return ov.Nonce != nil }); override != nil {
		return *override.Nonce, nil
	}
	return o.backend.GetTransactionCount(ctx, addr, o.blockNumber())
}

func (o *Overlay) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	if override := o.findOverride(addr, func(ov *AccountOverride) bool { return ov.Code != nil }); override != nil {
		return common.CopyBytes(override.Code), nil
	}
	return o.backend.GetCode(ctx, addr, o.blockNumber())
}

// GetStorageAt resolves a slot against slot patches and full storage
// replacements. A full replacement hides every slot it does not list.
func (o *Overlay) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	override := o.findOverride(addr, func(ov *AccountOverride) bool {
		if _, ok := ov.StateDiff[slot]; ok {
			return true
		}
		return ov.State != nil
	})
	if override != nil {
		if value, ok := override.StateDiff[slot]; ok {
			return value, nil
		}
		return override.State[slot], nil
	}
	return o.backend.GetStorageAt(ctx, addr, slot, o.blockNumber())
}

// IsContract reports whether addr has code in the overlay.
func (o *Overlay) IsContract(ctx context.Context, addr common.Address) (bool, error) {
	code, err := o.GetCode(ctx, addr)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}
