package pricing

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/ethpandaops/txguard/utils"
)

var (
	selectorSlot0     = common.Hex2Bytes("3850c7bd") // slot0()
	selectorLiquidity = common.Hex2Bytes("1a686502") // liquidity()

	poolKeyArgs = mustArguments("address", "address", "uint24")

	// 2^64 and 2^128 as divisors of the squared Q64.96 price
	q64  = new(uint256.Int).Lsh(uint256.NewInt(1), 64)
	q128 = new(uint256.Int).Lsh(uint256.NewInt(1), 128)
	q192 = new(uint256.Int).Lsh(uint256.NewInt(1), 192)
)

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, typeName := range types {
		abiType, err := abi.NewType(typeName, "", nil)
		if err != nil {
			panic(err)
		}
		args[i] = abi.Argument{Type: abiType}
	}
	return args
}

// sortTokens returns the pair in pool order (token0 < token1).
func sortTokens(a, b common.Address) (common.Address, common.Address) {
	if bytes.Compare(a.Bytes(), b.Bytes()) < 0 {
		return a, b
	}
	return b, a
}

// PoolAddress derives the Uniswap V3 pool of a pair and fee tier with CREATE2.
func PoolAddress(factory common.Address, initCodeHash common.Hash, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	token0, token1 := sortTokens(tokenA, tokenB)
	encoded, err := poolKeyArgs.Pack(token0, token1, new(big.Int).SetUint64(uint64(fee)))
	if err != nil {
		return common.Address{}, fmt.Errorf("encode pool key: %w", err)
	}

	var salt [32]byte
	copy(salt[:], crypto.Keccak256(encoded))
	return crypto.CreateAddress2(factory, salt, initCodeHash.Bytes()), nil
}

// quotePrice converts sqrtPriceX96 of a pool into quote base units per one
// whole token. token0 is the lower address of the pair.
func quotePrice(sqrtPriceX96 *uint256.Int, tokenIsToken0 bool, tokenDecimals uint8) (*uint256.Int, error) {
	if sqrtPriceX96.IsZero() {
		return nil, fmt.Errorf("pool has no price")
	}
	unit, err := utils.Pow10(tokenDecimals)
	if err != nil {
		return nil, err
	}

	if tokenIsToken0 {
		// sqrt^2 / 2^192 is token1 per token0
		squared, overflow := new(uint256.Int).MulDivOverflow(sqrtPriceX96, sqrtPriceX96, q64)
		if overflow {
			return nil, utils.ErrOverflow
		}
		price, overflow := new(uint256.Int).MulDivOverflow(squared, unit, q128)
		if overflow {
			return nil, utils.ErrOverflow
		}
		return price, nil
	}

	// 2^192 / sqrt^2 is token0 per token1
	scaled, overflow := new(uint256.Int).MulDivOverflow(unit, q192, sqrtPriceX96)
	if overflow {
		return nil, utils.ErrOverflow
	}
	return scaled.Div(scaled, sqrtPriceX96), nil
}
