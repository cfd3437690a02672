package utils

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

var (
	// ErrOverflow is returned whenever a 256-bit operation would wrap.
	ErrOverflow = errors.New("uint256 overflow")
	// ErrUnderflow is returned when a subtraction would go below zero.
	ErrUnderflow = errors.New("uint256 underflow")
)

// SafeAdd returns a+b or ErrOverflow.
func SafeAdd(a, b *uint256.Int) (*uint256.Int, error) {
	res, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return res, nil
}

// SafeSub returns a-b or ErrUnderflow.
func SafeSub(a, b *uint256.Int) (*uint256.Int, error) {
	res, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, ErrUnderflow
	}
	return res, nil
}

// SafeMul returns a*b or ErrOverflow.
func SafeMul(a, b *uint256.Int) (*uint256.Int, error) {
	res, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, ErrOverflow
	}
	return res, nil
}

// BigToUint256 converts a non-negative big.Int, failing on values that do not fit.
func BigToUint256(b *big.Int) (*uint256.Int, error) {
	if b == nil {
		return nil, nil
	}
	if b.Sign() < 0 {
		return nil, ErrUnderflow
	}
	res, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrOverflow
	}
	return res, nil
}

// Pow10 returns 10^exp, which always fits for exp <= 77.
func Pow10(exp uint8) (*uint256.Int, error) {
	if exp > 77 {
		return nil, ErrOverflow
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(exp))), nil
}

// CloneUint256 returns a copy or nil.
func CloneUint256(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}
