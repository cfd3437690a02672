package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/session"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/subscriptions"
	"github.com/ethpandaops/txguard/visualizer"
)

// JSON-RPC error codes
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeServerError      = -32000
	CodeLimitExceeded    = -32005
	CodeUserRejected     = 4001
	CodeUnsupportedChain = 4902
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID      json.RawMessage `json:"id,omitempty"`
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      json.RawMessage `json:"id"`
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%v (code %d)", e.Message, e.Code)
}

func NewErrorResponse(id json.RawMessage, code int, message string) *RPCResponse {
	return &RPCResponse{
		ID:      requestID(id),
		Jsonrpc: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}
}

func requestID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// method costs against the call rate limit
var methodCosts = map[string]uint{
	"eth_sendTransaction":      5,
	"txguard_evaluate":         5,
	"txguard_exportSimulation": 2,
}

// MethodCost returns the rate limit cost of a method.
func MethodCost(method string) uint {
	if cost, ok := methodCosts[method]; ok {
		return cost
	}
	return 1
}

type methodHandler func(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error)

// Interceptor answers the JSON-RPC requests of a connection from its
// simulation instead of the chain.
type Interceptor struct {
	engine  *Engine
	pool    *ConnectionPool
	exports *ExportService
	logger  logrus.FieldLogger

	methods map[string]methodHandler
}

func NewInterceptor(engine *Engine, pool *ConnectionPool, exports *ExportService, logger logrus.FieldLogger) *Interceptor {
	ic := &Interceptor{
		engine:  engine,
		pool:    pool,
		exports: exports,
		logger:  logger.WithField("module", "interceptor"),
	}

	ic.methods = map[string]methodHandler{
		"eth_chainId":                  ic.chainID,
		"net_version":                  ic.netVersion,
		"eth_blockNumber":              ic.blockNumber,
		"eth_getBalance":               ic.getBalance,
		"eth_getCode":                  ic.getCode,
		"eth_getTransactionCount":      ic.getTransactionCount,
		"eth_getStorageAt":             ic.getStorageAt,
		"eth_sendTransaction":          ic.sendTransaction,
		"eth_signTypedData_v4":         ic.signTypedData,
		"personal_sign":                ic.personalSign,
		"eth_subscribe":                ic.subscribe,
		"eth_unsubscribe":              ic.unsubscribe,
		"wallet_switchEthereumChain":   ic.switchChain,
		"txguard_evaluate":             ic.evaluate,
		"txguard_resetSimulation":      ic.resetSimulation,
		"txguard_exportSimulation":     ic.exportSimulation,
		"txguard_respondPrompt":        ic.respondPrompt,
		"txguard_getSimulationState":   ic.getSimulationState,
		"txguard_getSimulationHistory": ic.getSimulationHistory,
	}

	return ic
}

// Handle processes one request. The request waits for a free admission
// slot of the connection first.
func (ic *Interceptor) Handle(ctx context.Context, conn *Connection, req *RPCRequest) *RPCResponse {
	if err := validateRequest(req); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidRequest, err.Error())
	}

	handler := ic.methods[req.Method]
	if handler == nil {
		return NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method '%s' is not supported", req.Method))
	}

	params, err := splitParams(req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	// prompt answers skip admission, the request waiting for the answer
	// may hold the last slot
	if req.Method != "txguard_respondPrompt" {
		release, err := conn.Admit(ctx)
		if err != nil {
			metrics.RejectedRequests.WithLabelValues("admission").Inc()
			return NewErrorResponse(req.ID, CodeServerError, fmt.Sprintf("request not admitted: %v", err))
		}
		defer release()
	}

	result, err := handler(ctx, conn, params)
	if err != nil {
		ic.logger.WithFields(logrus.Fields{
			"connection": conn.ID(),
			"method":     req.Method,
		}).Debugf("request failed: %v", err)
		return errorResponse(req.ID, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, fmt.Sprintf("could not encode result: %v", err))
	}

	return &RPCResponse{
		ID:      requestID(req.ID),
		Jsonrpc: "2.0",
		Result:  encoded,
	}
}

func validateRequest(req *RPCRequest) error {
	if req.Jsonrpc != "2.0" {
		return fmt.Errorf("unsupported jsonrpc version '%s'", req.Jsonrpc)
	}
	if req.Method == "" {
		return fmt.Errorf("missing method")
	}
	return nil
}

func splitParams(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var params []json.RawMessage
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("params must be an array: %v", err)
	}
	return params, nil
}

func invalidParams(format string, args ...interface{}) error {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// errorResponse maps handler errors onto JSON-RPC errors. Node errors keep
// their code.
func errorResponse(id json.RawMessage, err error) *RPCResponse {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return &RPCResponse{ID: requestID(id), Jsonrpc: "2.0", Error: rpcErr}
	}

	var nodeErr *rpc.RPCError
	if errors.As(err, &nodeErr) {
		converted := &RPCError{
			Code:    nodeErr.Code,
			Message: nodeErr.Message,
		}
		if len(nodeErr.Data) > 0 {
			converted.Data = nodeErr.Data
		}
		return &RPCResponse{ID: requestID(id), Jsonrpc: "2.0", Error: converted}
	}

	var timeoutErr *rpc.TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		return NewErrorResponse(id, CodeLimitExceeded, err.Error())
	case errors.Is(err, session.ErrPromptCancelled):
		return NewErrorResponse(id, CodeUserRejected, err.Error())
	}
	return NewErrorResponse(id, CodeServerError, err.Error())
}

func decodeParam(params []json.RawMessage, index int, name string, target interface{}) error {
	if index >= len(params) {
		return invalidParams("missing parameter %d (%s)", index, name)
	}
	if err := json.Unmarshal(params[index], target); err != nil {
		return invalidParams("invalid %s: %v", name, err)
	}
	return nil
}

// overlay returns a read view of the connection's simulation, or of the
// chain head when no simulation is active.
func (ic *Interceptor) overlay(ctx context.Context, conn *Connection) (*simulation.Overlay, error) {
	sim := ic.engine.Simulator()
	state := conn.SimulationState()
	if state == nil {
		var err error
		state, err = sim.NewState(ctx)
		if err != nil {
			return nil, err
		}
	}
	return sim.Overlay(state), nil
}

func (ic *Interceptor) chainID(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	return hexutil.Uint64(ic.engine.Simulator().Network().ChainID), nil
}

func (ic *Interceptor) netVersion(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	return fmt.Sprintf("%d", ic.engine.Simulator().Network().ChainID), nil
}

func (ic *Interceptor) blockNumber(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	state := conn.SimulationState()
	if state == nil {
		var err error
		state, err = ic.engine.Simulator().NewState(ctx)
		if err != nil {
			return nil, err
		}
	}
	return hexutil.Uint64(state.ParentNumber), nil
}

func (ic *Interceptor) getBalance(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := decodeParam(params, 0, "address", &addr); err != nil {
		return nil, err
	}
	overlay, err := ic.overlay(ctx, conn)
	if err != nil {
		return nil, err
	}
	balance, err := overlay.GetBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	return (*hexutil.U256)(balance), nil
}

func (ic *Interceptor) getCode(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := decodeParam(params, 0, "address", &addr); err != nil {
		return nil, err
	}
	overlay, err := ic.overlay(ctx, conn)
	if err != nil {
		return nil, err
	}
	code, err := overlay.GetCode(ctx, addr)
	if err != nil {
		return nil, err
	}
	return hexutil.Bytes(code), nil
}

func (ic *Interceptor) getTransactionCount(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var addr common.Address
	if err := decodeParam(params, 0, "address", &addr); err != nil {
		return nil, err
	}
	overlay, err := ic.overlay(ctx, conn)
	if err != nil {
		return nil, err
	}
	nonce, err := overlay.GetTransactionCount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return hexutil.Uint64(nonce), nil
}

func (ic *Interceptor) getStorageAt(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var (
		addr common.Address
		slot common.Hash
	)
	if err := decodeParam(params, 0, "address", &addr); err != nil {
		return nil, err
	}
	if err := decodeParam(params, 1, "slot", &slot); err != nil {
		return nil, err
	}
	overlay, err := ic.overlay(ctx, conn)
	if err != nil {
		return nil, err
	}
	return overlay.GetStorageAt(ctx, addr, slot)
}

func (ic *Interceptor) decodeTransaction(params []json.RawMessage) (*simulation.Transaction, error) {
	tx := &simulation.Transaction{}
	if err := decodeParam(params, 0, "transaction", tx); err != nil {
		return nil, err
	}
	if tx.From == (common.Address{}) {
		return nil, invalidParams("transaction is missing a sender")
	}
	return tx, nil
}

// sendTransaction appends the transaction to the connection's simulation
// and returns its evaluation.
func (ic *Interceptor) sendTransaction(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	tx, err := ic.decodeTransaction(params)
	if err != nil {
		return nil, err
	}

	var evaluation *Evaluation
	err = conn.UpdateSimulation(func(current *simulation.State) (*simulation.State, []*visualizer.EthBalanceChange, error) {
		result, next, err := ic.engine.Evaluate(ctx, &EvaluationRequest{
			State:         current,
			Candidate:     tx,
			PriorBalances: conn.BalanceChanges(),
		})
		if err != nil {
			return nil, nil, err
		}
		evaluation = result
		return next, result.VisualizerResults.EthBalanceChanges, nil
	})
	if err != nil {
		return nil, err
	}
	return evaluation, nil
}

// evaluate runs the transaction on top of the connection's simulation
// without keeping it. An optional block number starts a fresh simulation
// at that block.
func (ic *Interceptor) evaluate(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	tx, err := ic.decodeTransaction(params)
	if err != nil {
		return nil, err
	}

	state, balances := conn.Simulation()
	req := &EvaluationRequest{
		State:         state,
		Candidate:     tx,
		PriorBalances: balances,
	}
	if len(params) > 1 {
		var blockTag hexutil.Uint64
		if err := decodeParam(params, 1, "block number", &blockTag); err != nil {
			return nil, err
		}
		number := uint64(blockTag)
		req.State = nil
		req.PriorBalances = nil
		req.BlockTag = &number
	}

	evaluation, _, err := ic.engine.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return evaluation, nil
}

func (ic *Interceptor) appendSignedMessage(ctx context.Context, conn *Connection, msg *simulation.SignedMessage) (interface{}, error) {
	sim := ic.engine.Simulator()
	err := conn.UpdateSimulation(func(current *simulation.State) (*simulation.State, []*visualizer.EthBalanceChange, error) {
		if current == nil {
			var err error
			current, err = sim.NewState(ctx)
			if err != nil {
				return nil, nil, err
			}
		}
		return sim.AppendSignedMessage(current, msg), nil, nil
	})
	if err != nil {
		return nil, err
	}
	return len(conn.SimulationState().SignedMessages()), nil
}

// eth_signTypedData_v4 takes [signer, typedData]
func (ic *Interceptor) signTypedData(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var signer common.Address
	if err := decodeParam(params, 0, "signer", &signer); err != nil {
		return nil, err
	}
	if len(params) < 2 {
		return nil, invalidParams("missing typed data")
	}
	payload := params[1]
	// typed data is commonly sent as a JSON string
	var encoded string
	if json.Unmarshal(payload, &encoded) == nil {
		if !json.Valid([]byte(encoded)) {
			return nil, invalidParams("typed data is not valid JSON")
		}
		payload = json.RawMessage(encoded)
	}

	return ic.appendSignedMessage(ctx, conn, &simulation.SignedMessage{
		Signer:  signer,
		Method:  "eth_signTypedData_v4",
		Payload: payload,
	})
}

// personal_sign takes [message, signer]
func (ic *Interceptor) personalSign(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var signer common.Address
	if err := decodeParam(params, 1, "signer", &signer); err != nil {
		return nil, err
	}
	return ic.appendSignedMessage(ctx, conn, &simulation.SignedMessage{
		Signer:  signer,
		Method:  "personal_sign",
		Payload: params[0],
	})
}

func (ic *Interceptor) subscribe(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	if !conn.streaming {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "subscriptions need a streaming connection"}
	}

	var kind string
	if err := decodeParam(params, 0, "subscription kind", &kind); err != nil {
		return nil, err
	}
	var extra json.RawMessage
	if len(params) > 1 {
		extra = params[1]
	}

	record, err := ic.pool.Subscriptions().Subscribe(conn.ID(), subscriptions.Kind(kind), extra)
	if errors.Is(err, subscriptions.ErrUnsupportedKind) {
		return nil, invalidParams("%v", err)
	}
	if err != nil {
		return nil, err
	}
	return record.ID, nil
}

func (ic *Interceptor) unsubscribe(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var id string
	if err := decodeParam(params, 0, "subscription id", &id); err != nil {
		return nil, err
	}
	return ic.pool.Subscriptions().Unsubscribe(conn.ID(), id), nil
}

type switchChainParams struct {
	ChainID hexutil.Uint64 `json:"chainId"`
}

type chainChangePrompt struct {
	Current   hexutil.Uint64 `json:"current"`
	Requested hexutil.Uint64 `json:"requested"`
}

// switchChain asks the caller before leaving the simulated chain. The
// simulation is dropped when the caller agrees; the requested chain is
// still refused because only one network is simulated.
func (ic *Interceptor) switchChain(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var req switchChainParams
	if err := decodeParam(params, 0, "chain", &req); err != nil {
		return nil, err
	}

	current := ic.engine.Simulator().Network().ChainID
	if uint64(req.ChainID) == current {
		return nil, nil
	}
	if !conn.streaming {
		// prompts cannot reach the caller
		return nil, &RPCError{
			Code:    CodeUnsupportedChain,
			Message: fmt.Sprintf("chain %d is not simulated", uint64(req.ChainID)),
		}
	}

	approved, err := conn.Gate().Ask(ctx, session.PromptChainChange, &chainChangePrompt{
		Current:   hexutil.Uint64(current),
		Requested: req.ChainID,
	})
	if err != nil {
		return nil, err
	}
	if !approved {
		return nil, &RPCError{Code: CodeUserRejected, Message: "chain change rejected"}
	}

	conn.ResetSimulation()
	return nil, &RPCError{
		Code:    CodeUnsupportedChain,
		Message: fmt.Sprintf("chain %d is not simulated, simulation was reset", uint64(req.ChainID)),
	}
}

func (ic *Interceptor) resetSimulation(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	conn.ResetSimulation()
	return true, nil
}

func (ic *Interceptor) exportSimulation(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var origin string
	if len(params) > 0 {
		if err := decodeParam(params, 0, "origin", &origin); err != nil {
			return nil, err
		}
	}

	if !conn.streaming {
		return nil, &RPCError{Code: CodeMethodNotFound, Message: "export needs a streaming connection"}
	}

	result, err := ic.exports.Export(ctx, conn, strings.TrimSpace(origin))
	if errors.Is(err, ErrNothingToExport) {
		return nil, &RPCError{Code: CodeServerError, Message: err.Error()}
	}
	return result, err
}

func (ic *Interceptor) respondPrompt(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	var (
		id       hexutil.Uint64
		approved bool
	)
	if err := decodeParam(params, 0, "prompt id", &id); err != nil {
		return nil, err
	}
	if err := decodeParam(params, 1, "decision", &approved); err != nil {
		return nil, err
	}

	prompt := conn.Gate().Current()
	if prompt == nil || prompt.ID != uint64(id) {
		return false, nil
	}
	return prompt.Respond(approved), nil
}

type simulationStateInfo struct {
	ParentNumber   hexutil.Uint64                 `json:"parentNumber"`
	ParentHash     common.Hash                    `json:"parentHash"`
	Blocks         int                            `json:"blocks"`
	Transactions   int                            `json:"transactions"`
	SignedMessages int                            `json:"signedMessages"`
	BalanceChanges []*visualizer.EthBalanceChange `json:"balanceChanges"`
}

func (ic *Interceptor) getSimulationState(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	state := conn.SimulationState()
	if state == nil {
		return nil, nil
	}
	changes := conn.BalanceChanges()
	if changes == nil {
		changes = []*visualizer.EthBalanceChange{}
	}
	return &simulationStateInfo{
		ParentNumber:   hexutil.Uint64(state.ParentNumber),
		ParentHash:     state.ParentHash,
		Blocks:         len(state.Blocks),
		Transactions:   state.TransactionCount(),
		SignedMessages: len(state.SignedMessages()),
		BalanceChanges: changes,
	}, nil
}

type simulatedTransaction struct {
	Transaction *simulation.Transaction `json:"transaction"`
	Result      *simulation.CallResult  `json:"result"`
}

// getSimulationHistory lists the simulated transactions with their latest
// results in append order.
func (ic *Interceptor) getSimulationHistory(ctx context.Context, conn *Connection, params []json.RawMessage) (interface{}, error) {
	history := []*simulatedTransaction{}
	state := conn.SimulationState()
	if state == nil {
		return history, nil
	}
	for _, block := range state.Blocks {
		for i, tx := range block.Transactions {
			entry := &simulatedTransaction{Transaction: tx}
			if i < len(block.Results) {
				entry.Result = block.Results[i]
			}
			history = append(history, entry)
		}
	}
	return history, nil
}
