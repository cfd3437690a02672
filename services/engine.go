package services

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/pricing"
	"github.com/ethpandaops/txguard/protectors"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/tokens"
	"github.com/ethpandaops/txguard/utils"
	"github.com/ethpandaops/txguard/visualizer"
)

const displayDigits = 6

// EvaluationRequest asks for the evaluation of Candidate on top of State.
// A nil State starts from an empty simulation at BlockTag, or at the latest
// head when BlockTag is nil.
type EvaluationRequest struct {
	State     *simulation.State
	Candidate *simulation.Transaction
	BlockTag  *uint64

	// PriorBalances are the accumulated native balance changes of State.
	PriorBalances []*visualizer.EthBalanceChange
}

// Evaluation is the verdict on one candidate transaction.
type Evaluation struct {
	Quarantine        bool                     `json:"quarantine"`
	QuarantineCodes   []protectors.Code        `json:"quarantineCodes"`
	VisualizerResults *visualizer.Results      `json:"visualizerResults"`
	TokenPrices       []*pricing.PriceEstimate `json:"tokenPrices"`
	Result            *simulation.CallResult   `json:"result"`
}

// Engine simulates candidate transactions and runs the protector pipeline
// and the visualizer over the outcome.
type Engine struct {
	simulator *simulation.Simulator
	pipeline  *protectors.Pipeline
	tokens    *tokens.Registry
	prices    *pricing.Estimator
	logger    logrus.FieldLogger
}

// NewEngine creates an engine. tokens and prices may be nil, in which case
// the results carry no token metadata or prices.
func NewEngine(simulator *simulation.Simulator, pipeline *protectors.Pipeline, tokenRegistry *tokens.Registry, prices *pricing.Estimator, logger logrus.FieldLogger) *Engine {
	return &Engine{
		simulator: simulator,
		pipeline:  pipeline,
		tokens:    tokenRegistry,
		prices:    prices,
		logger:    logger.WithField("module", "engine"),
	}
}

func (e *Engine) Simulator() *simulation.Simulator {
	return e.simulator
}

// Evaluate appends the candidate to the simulation and returns the verdict
// together with the new state. Errors mean the candidate could not be
// simulated at all, e.g. because the node failed, and the request may be
// retried.
func (e *Engine) Evaluate(ctx context.Context, req *EvaluationRequest) (*Evaluation, *simulation.State, error) {
	if req.Candidate == nil {
		return nil, nil, fmt.Errorf("missing candidate transaction")
	}

	state := req.State
	if state == nil {
		var err error
		state, err = e.simulator.NewStateAt(ctx, req.BlockTag)
		if err != nil {
			metrics.Evaluations.WithLabelValues("error").Inc()
			return nil, nil, err
		}
	}

	start := time.Now()
	next, result, err := e.simulator.AppendTransaction(ctx, state, req.Candidate)
	metrics.SimulationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Evaluations.WithLabelValues("error").Inc()
		return nil, nil, fmt.Errorf("simulation failed: %w", err)
	}

	evaluation := &Evaluation{
		Result:            result,
		VisualizerResults: &visualizer.Results{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		evaluation.QuarantineCodes = e.pipeline.Evaluate(gctx, req.Candidate, e.simulator, next, result)
		return nil
	})
	g.Go(func() error {
		evaluation.VisualizerResults.TokenResults = visualizer.ClassifyLogs(result.Logs, e.logger)
		return nil
	})
	g.Go(func() error {
		// balances before the candidate ran
		reader := visualizer.WithPriorChanges(e.simulator.Overlay(state), req.PriorBalances)
		changes, err := visualizer.EthBalanceChanges(gctx, reader, req.Candidate, next.BaseFee, result)
		if err != nil {
			e.logger.WithField("from", req.Candidate.From).Debugf("native balance changes unavailable: %v", err)
			return nil
		}
		evaluation.VisualizerResults.EthBalanceChanges = changes
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	evaluation.Quarantine = len(evaluation.QuarantineCodes) > 0
	if evaluation.VisualizerResults.EthBalanceChanges == nil {
		evaluation.VisualizerResults.EthBalanceChanges = []*visualizer.EthBalanceChange{}
	}

	metadata := e.describeTokens(ctx, evaluation.VisualizerResults.TokenResults)
	evaluation.TokenPrices = e.priceTokens(ctx, metadata)

	outcome := "accepted"
	if evaluation.Quarantine {
		outcome = "quarantined"
	}
	metrics.Evaluations.WithLabelValues(outcome).Inc()
	for _, code := range evaluation.QuarantineCodes {
		metrics.QuarantineCodes.WithLabelValues(string(code)).Inc()
	}

	e.logger.WithFields(logrus.Fields{
		"from":   req.Candidate.From,
		"to":     req.Candidate.To,
		"status": result.Status,
		"codes":  evaluation.QuarantineCodes,
		"tokens": len(evaluation.VisualizerResults.TokenResults),
	}).Debugf("evaluated transaction")

	return evaluation, next, nil
}

// describeTokens fills symbol, decimals and a display amount into the token
// results and returns the metadata of every token it could load.
func (e *Engine) describeTokens(ctx context.Context, results []*visualizer.TokenResult) map[common.Address]*tokens.Metadata {
	if e.tokens == nil || len(results) == 0 {
		return nil
	}

	addrs := make([]common.Address, 0, len(results))
	for _, result := range results {
		addrs = append(addrs, result.Token)
	}
	metadata := e.tokens.Lookup(ctx, addrs)

	for _, result := range results {
		info := metadata[result.Token]
		if info == nil {
			continue
		}
		result.Symbol = info.Symbol
		result.Decimals = info.Decimals
		if result.IsFungible() && result.Amount != nil && info.Decimals != nil {
			result.Display = utils.FormatTokenAmount(result.Amount, *info.Decimals, info.Symbol, displayDigits)
		}
	}
	return metadata
}

// priceTokens prices every fungible token with known decimals in the
// wrapped native token. Pricing failures only drop the prices.
func (e *Engine) priceTokens(ctx context.Context, metadata map[common.Address]*tokens.Metadata) []*pricing.PriceEstimate {
	network := e.simulator.Network()
	if e.prices == nil || len(metadata) == 0 || network.WrappedNativeToken == (common.Address{}) {
		return []*pricing.PriceEstimate{}
	}

	quote := pricing.TokenInfo{
		Address:  network.WrappedNativeToken,
		Decimals: network.NativeCurrency.Decimals,
	}
	infos := make([]pricing.TokenInfo, 0, len(metadata))
	for addr, info := range metadata {
		if info.Decimals == nil {
			continue
		}
		infos = append(infos, pricing.TokenInfo{Address: addr, Decimals: *info.Decimals})
	}
	slices.SortFunc(infos, func(a, b pricing.TokenInfo) int {
		return a.Address.Cmp(b.Address)
	})

	estimates, err := e.prices.Estimate(ctx, quote, infos)
	if err != nil {
		e.logger.Debugf("token prices unavailable: %v", err)
	}
	if estimates == nil {
		estimates = []*pricing.PriceEstimate{}
	}
	return estimates
}

// BalanceDeltas converts native balance changes into the form used by the
// export snapshot.
func BalanceDeltas(changes []*visualizer.EthBalanceChange) []*simulation.BalanceDelta {
	deltas := make([]*simulation.BalanceDelta, 0, len(changes))
	for _, change := range changes {
		deltas = append(deltas, simulation.NewBalanceDelta(change.Address, change.Before, change.After))
	}
	return deltas
}
