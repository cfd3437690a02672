package utils

import (
	"time"

	"github.com/holiman/uint256"
)

var (
	GWEI = uint256.NewInt(1000000000)
	ETH  = new(uint256.Int).Mul(GWEI, GWEI)
)

const (
	DefaultPollInterval       = 12 * time.Second
	DefaultMaxPendingRequests = 20
	DefaultPriceMaxAge        = 60 * time.Second
)
