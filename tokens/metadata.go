package tokens

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/cache"
)

// ERC20/ERC721 function selectors
var (
	selectorName     = common.Hex2Bytes("06fdde03") // name()
	selectorSymbol   = common.Hex2Bytes("95d89b41") // symbol()
	selectorDecimals = common.Hex2Bytes("313ce567") // decimals()
)

const metadataCacheTTL = 24 * time.Hour

// Caller issues a plain eth_call.
type Caller interface {
	Call(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Metadata describes a token contract. Decimals is nil for contracts
// without a decimals() method, e.g. NFTs.
type Metadata struct {
	Address  common.Address `json:"address"`
	Name     string         `json:"name,omitempty"`
	Symbol   string         `json:"symbol,omitempty"`
	Decimals *uint8         `json:"decimals,omitempty"`
}

// Registry loads token metadata through the chain client and caches it.
type Registry struct {
	caller Caller
	cache  *cache.TieredCache
	logger logrus.FieldLogger
}

func NewRegistry(caller Caller, cache *cache.TieredCache, logger logrus.FieldLogger) *Registry {
	return &Registry{
		caller: caller,
		cache:  cache,
		logger: logger.WithField("module", "tokens"),
	}
}

func cacheKey(addr common.Address) string {
	return fmt.Sprintf("token:%v", addr.Hex())
}

// Get returns the metadata of a token. Failing method calls leave the
// corresponding field empty; only a failure of every call is an error.
func (r *Registry) Get(ctx context.Context, addr common.Address) (*Metadata, error) {
	metadata := &Metadata{}
	if r.cache != nil {
		err := r.cache.Get(ctx, cacheKey(addr), metadata)
		if err == nil {
			return metadata, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.WithField("token", addr).Debugf("metadata cache read failed: %v", err)
		}
	}

	metadata = &Metadata{Address: addr}
	var failed int

	name, err := r.callString(ctx, addr, selectorName)
	if err != nil {
		failed++
	}
	metadata.Name = name

	symbol, err := r.callString(ctx, addr, selectorSymbol)
	if err != nil {
		failed++
	}
	metadata.Symbol = symbol

	decimals, err := r.callDecimals(ctx, addr)
	if err != nil {
		failed++
	}
	metadata.Decimals = decimals

	if failed == 3 {
		return nil, fmt.Errorf("token metadata of %v: %w", addr, err)
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, cacheKey(addr), metadata, metadataCacheTTL); err != nil {
			r.logger.WithField("token", addr).Debugf("metadata cache write failed: %v", err)
		}
	}
	return metadata, nil
}

// Lookup loads the metadata of several tokens and skips the ones that fail.
func (r *Registry) Lookup(ctx context.Context, addrs []common.Address) map[common.Address]*Metadata {
	result := make(map[common.Address]*Metadata, len(addrs))
	for _, addr := range addrs {
		if _, ok := result[addr]; ok {
			continue
		}
		metadata, err := r.Get(ctx, addr)
		if err != nil {
			r.logger.WithField("token", addr).Debugf("skipping token: %v", err)
			continue
		}
		result[addr] = metadata
	}
	return result
}

func (r *Registry) callString(ctx context.Context, addr common.Address, selector []byte) (string, error) {
	result, err := r.caller.Call(ctx, ethereum.CallMsg{To: &addr, Data: selector}, nil)
	if err != nil {
		return "", err
	}
	return decodeString(result), nil
}

func (r *Registry) callDecimals(ctx context.Context, addr common.Address) (*uint8, error) {
	result, err := r.caller.Call(ctx, ethereum.CallMsg{To: &addr, Data: selectorDecimals}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) < 32 {
		return nil, nil
	}

	value := new(big.Int).SetBytes(result[:32])
	if !value.IsUint64() || value.Uint64() > 255 {
		return nil, nil
	}
	decimals := uint8(value.Uint64())
	return &decimals, nil
}

// decodeString decodes an abi encoded string or a null padded bytes32.
func decodeString(data []byte) string {
	if len(data) >= 64 {
		size := uint64(len(data))
		offset := new(big.Int).SetBytes(data[:32])
		// offset and length are untrusted, compare without adding
		if offset.IsUint64() && offset.Uint64() <= size-32 {
			start := offset.Uint64()
			length := new(big.Int).SetBytes(data[start : start+32])
			if length.IsUint64() && length.Uint64() > 0 && length.Uint64() <= size-start-32 {
				return sanitizeString(string(data[start+32 : start+32+length.Uint64()]))
			}
		}
	}

	if len(data) == 32 {
		end := 0
		for end < 32 && data[end] != 0 {
			end++
		}
		if end > 0 {
			return sanitizeString(string(data[:end]))
		}
	}

	return ""
}

// sanitizeString removes control characters and trims whitespace.
func sanitizeString(s string) string {
	result := strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(result)
}
