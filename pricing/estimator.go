package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/cache"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/utils"
)

var DefaultFeeTiers = []uint32{100, 500, 3000, 10000}

// TokenInfo identifies a token and the decimals its price is scaled by.
type TokenInfo struct {
	Address  common.Address
	Decimals uint8
}

// PriceEstimate is the price of one whole token in quote base units.
type PriceEstimate struct {
	Token     common.Address
	Quote     common.Address
	Price     *uint256.Int
	Decimals  uint8
	SampledAt time.Time
}

type priceEstimateJSON struct {
	Token     common.Address `json:"token"`
	Quote     common.Address `json:"quote"`
	Price     string         `json:"price"`
	Decimals  uint8          `json:"decimals"`
	SampledAt time.Time      `json:"sampledAt"`
}

func (p *PriceEstimate) MarshalJSON() ([]byte, error) {
	return json.Marshal(&priceEstimateJSON{
		Token:     p.Token,
		Quote:     p.Quote,
		Price:     p.Price.Dec(),
		Decimals:  p.Decimals,
		SampledAt: p.SampledAt,
	})
}

func (p *PriceEstimate) UnmarshalJSON(input []byte) error {
	var dec priceEstimateJSON
	if err := json.Unmarshal(input, &dec); err != nil {
		return err
	}
	price, err := uint256.FromDecimal(dec.Price)
	if err != nil {
		return fmt.Errorf("invalid price %q: %w", dec.Price, err)
	}
	*p = PriceEstimate{
		Token:     dec.Token,
		Quote:     dec.Quote,
		Price:     price,
		Decimals:  dec.Decimals,
		SampledAt: dec.SampledAt,
	}
	return nil
}

type Config struct {
	MaxAge   time.Duration
	FeeTiers []uint32
}

// Estimator prices tokens against Uniswap V3 pools of the configured network.
type Estimator struct {
	caller  Caller
	network *simulation.Network
	cache   *cache.TieredCache
	config  Config
	logger  logrus.FieldLogger
	now     func() time.Time
}

func NewEstimator(caller Caller, network *simulation.Network, priceCache *cache.TieredCache, config Config, logger logrus.FieldLogger) *Estimator {
	if len(config.FeeTiers) == 0 {
		config.FeeTiers = DefaultFeeTiers
	}
	return &Estimator{
		caller:  caller,
		network: network,
		cache:   priceCache,
		config:  config,
		logger:  logger.WithField("module", "pricing"),
		now:     time.Now,
	}
}

func cacheKey(quote, token common.Address) string {
	return fmt.Sprintf("price:%v:%v", quote.Hex(), token.Hex())
}

type poolCandidate struct {
	token   int
	pool    common.Address
	isToken bool
}

// Estimate prices tokens in quote. All uncached tokens are read with one
// aggregate3 call. Tokens without a liquid pool are left out of the result;
// an error is only returned when the multicall itself fails.
func (e *Estimator) Estimate(ctx context.Context, quote TokenInfo, tokens []TokenInfo) ([]*PriceEstimate, error) {
	estimates := make([]*PriceEstimate, 0, len(tokens))
	pending := make([]TokenInfo, 0, len(tokens))
	now := e.now()

	for _, token := range tokens {
		if token.Address == quote.Address {
			price, err := utils.Pow10(quote.Decimals)
			if err != nil {
				return nil, err
			}
			estimates = append(estimates, &PriceEstimate{
				Token:     token.Address,
				Quote:     quote.Address,
				Price:     price,
				Decimals:  token.Decimals,
				SampledAt: now,
			})
			continue
		}

		if cached := e.cached(ctx, quote, token, now); cached != nil {
			estimates = append(estimates, cached)
			continue
		}
		pending = append(pending, token)
	}

	if len(pending) == 0 {
		return estimates, nil
	}
	if !e.network.HasUniswapV3() || e.network.Multicall3 == (common.Address{}) {
		e.logger.Debugf("no pool factory or multicall configured, skipping %d tokens", len(pending))
		return estimates, nil
	}

	fetched, err := e.fetch(ctx, quote, pending, now)
	if err != nil {
		return estimates, err
	}

	for _, estimate := range fetched {
		if e.cache != nil {
			if err := e.cache.Set(ctx, cacheKey(quote.Address, estimate.Token), estimate, e.config.MaxAge); err != nil {
				e.logger.WithField("token", estimate.Token).Debugf("price cache write failed: %v", err)
			}
		}
		estimates = append(estimates, estimate)
	}
	return estimates, nil
}

// cached returns a cache entry only if its decimals match and it is
// younger than the max age.
func (e *Estimator) cached(ctx context.Context, quote, token TokenInfo, now time.Time) *PriceEstimate {
	if e.cache == nil {
		return nil
	}

	estimate := &PriceEstimate{}
	if err := e.cache.Get(ctx, cacheKey(quote.Address, token.Address), estimate); err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			e.logger.WithField("token", token.Address).Debugf("price cache read failed: %v", err)
		}
		return nil
	}
	if estimate.Decimals != token.Decimals {
		return nil
	}
	if e.config.MaxAge > 0 && now.Sub(estimate.SampledAt) >= e.config.MaxAge {
		return nil
	}
	return estimate
}

func (e *Estimator) fetch(ctx context.Context, quote TokenInfo, tokens []TokenInfo, now time.Time) ([]*PriceEstimate, error) {
	candidates := make([]poolCandidate, 0, len(tokens)*len(e.config.FeeTiers))
	calls := make([]Call3, 0, cap(candidates)*2)

	for i, token := range tokens {
		token0, _ := sortTokens(token.Address, quote.Address)
		for _, fee := range e.config.FeeTiers {
			pool, err := PoolAddress(e.network.UniswapV3Factory, e.network.UniswapV3InitCodeHash, token.Address, quote.Address, fee)
			if err != nil {
				return nil, err
			}
			candidates = append(candidates, poolCandidate{
				token:   i,
				pool:    pool,
				isToken: token0 == token.Address,
			})
			calls = append(calls,
				Call3{Target: pool, AllowFailure: true, CallData: selectorSlot0},
				Call3{Target: pool, AllowFailure: true, CallData: selectorLiquidity},
			)
		}
	}

	results, err := aggregate3(ctx, e.caller, e.network.Multicall3, calls)
	if err != nil {
		return nil, err
	}

	type best struct {
		liquidity *uint256.Int
		price     *uint256.Int
	}
	winners := make([]*best, len(tokens))

	for i, candidate := range candidates {
		slot0, liquidity := results[i*2], results[i*2+1]
		if !slot0.Success || !liquidity.Success || len(slot0.ReturnData) < 32 || len(liquidity.ReturnData) < 32 {
			continue
		}

		liq := new(uint256.Int).SetBytes32(liquidity.ReturnData[:32])
		if liq.IsZero() {
			continue
		}
		if winner := winners[candidate.token]; winner != nil && !liq.Gt(winner.liquidity) {
			continue
		}

		sqrtPrice := new(uint256.Int).SetBytes32(slot0.ReturnData[:32])
		price, err := quotePrice(sqrtPrice, candidate.isToken, tokens[candidate.token].Decimals)
		if err != nil {
			e.logger.WithFields(logrus.Fields{
				"token": tokens[candidate.token].Address,
				"pool":  candidate.pool,
			}).Debugf("skipping pool: %v", err)
			continue
		}
		winners[candidate.token] = &best{liquidity: liq, price: price}
	}

	estimates := make([]*PriceEstimate, 0, len(tokens))
	for i, winner := range winners {
		if winner == nil {
			e.logger.WithField("token", tokens[i].Address).Debug("no liquid pool")
			continue
		}
		estimates = append(estimates, &PriceEstimate{
			Token:     tokens[i].Address,
			Quote:     quote.Address,
			Price:     winner.price,
			Decimals:  tokens[i].Decimals,
			SampledAt: now,
		})
	}
	return estimates, nil
}
