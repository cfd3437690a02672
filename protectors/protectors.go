package protectors

import (
	"context"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/utils"
)

// Code is a quarantine code attached to a transaction.
type Code string

const (
	CodeERC20SendToTokenContract Code = "ERC20_SEND_TO_TOKEN_CONTRACT"
	CodeERC20SendToKnownToken    Code = "ERC20_SEND_TO_KNOWN_TOKEN"
	CodeTokenSendToZeroAddress   Code = "TOKEN_SEND_TO_ZERO_ADDRESS"
	CodeEOAApproval              Code = "EOA_APPROVAL"
	CodeEOACalldata              Code = "EOA_CALLDATA"
	CodeFeeMismatch              Code = "FEE_MISMATCH"
	CodeChainIDMismatch          Code = "CHAIN_ID_MISMATCH"
	CodeSimulatedCallReverted    Code = "SIMULATED_CALL_REVERTED"
)

// Input is what every protector sees for one candidate transaction.
type Input struct {
	Tx      *simulation.Transaction
	State   *simulation.State
	Result  *simulation.CallResult
	Overlay CodeReader
}

// CodeReader answers whether an address holds code in the simulation.
type CodeReader interface {
	IsContract(ctx context.Context, addr common.Address) (bool, error)
}

// Protector inspects one transaction and its simulated effect. A protector
// that lacks the data to decide returns no code.
type Protector interface {
	Name() string
	Check(ctx context.Context, input *Input) ([]Code, error)
}

var defaultProtectors = []Protector{
	&sendToTokenContract{},
	&sendToKnownToken{},
	&sendToZeroAddress{},
	&eoaApproval{},
	&eoaCalldata{},
	&feeMismatch{},
	&chainIDMismatch{},
	&simulatedCallReverted{},
}

// Pipeline runs the protectors concurrently and unions their codes.
type Pipeline struct {
	logger     logrus.FieldLogger
	protectors []Protector
}

func NewPipeline(logger logrus.FieldLogger) *Pipeline {
	return newPipeline(logger, defaultProtectors)
}

func newPipeline(logger logrus.FieldLogger, protectors []Protector) *Pipeline {
	return &Pipeline{
		logger:     logger.WithField("module", "protectors"),
		protectors: protectors,
	}
}

// Evaluate returns the sorted, de-duplicated codes raised for tx. Errors and
// panics of single protectors are logged and drop only that protector.
func (p *Pipeline) Evaluate(ctx context.Context, tx *simulation.Transaction, sim *simulation.Simulator, state *simulation.State, result *simulation.CallResult) []Code {
	input := &Input{
		Tx:      tx,
		State:   state,
		Result:  result,
		Overlay: sim.Overlay(state),
	}
	return p.evaluate(ctx, input)
}

func (p *Pipeline) evaluate(ctx context.Context, input *Input) []Code {
	var (
		mutex sync.Mutex
		wg    sync.WaitGroup
		found = map[Code]bool{}
	)

	for _, protector := range p.protectors {
		wg.Add(1)
		go func(protector Protector) {
			defer wg.Done()
			defer utils.HandleSubroutinePanic("protector "+protector.Name(), func(err error) {
				p.logger.WithField("protector", protector.Name()).Warnf("protector crashed: %v", err)
			})

			codes, err := protector.Check(ctx, input)
			if err != nil {
				p.logger.WithField("protector", protector.Name()).Debugf("protector failed: %v", err)
				return
			}

			mutex.Lock()
			defer mutex.Unlock()
			for _, code := range codes {
				found[code] = true
			}
		}(protector)
	}
	wg.Wait()

	codes := make([]Code, 0, len(found))
	for code := range found {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	return codes
}
