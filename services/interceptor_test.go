package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/txguard/cache"
	"github.com/ethpandaops/txguard/utils"
)

type interceptorFixture struct {
	*engineFixture
	pool        *ConnectionPool
	interceptor *Interceptor
	conn        *Connection
}

func newInterceptorFixture(t *testing.T) *interceptorFixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	f := newEngineFixture(t)
	pool := NewConnectionPool(f.sim, true, logger)
	exports := NewExportService(NewCacheDecisionStore(cache.NewLocalCache(1, logger)), logger)

	conn := newTestConnection(t, 4, 8)
	pool.Add(conn)

	return &interceptorFixture{
		engineFixture: f,
		pool:          pool,
		interceptor:   NewInterceptor(f.engine, pool, exports, logger),
		conn:          conn,
	}
}

func (f *interceptorFixture) call(t *testing.T, method string, params ...interface{}) *RPCResponse {
	t.Helper()

	encoded, err := json.Marshal(params)
	require.NoError(t, err)
	return f.interceptor.Handle(context.Background(), f.conn, &RPCRequest{
		ID:      json.RawMessage("1"),
		Jsonrpc: "2.0",
		Method:  method,
		Params:  encoded,
	})
}

func decodeResult(t *testing.T, res *RPCResponse, target interface{}) {
	t.Helper()

	require.Nil(t, res.Error, "unexpected error: %v", res.Error)
	require.NoError(t, json.Unmarshal(res.Result, target))
}

func txParam() map[string]interface{} {
	return map[string]interface{}{
		"from":  sender.Hex(),
		"to":    recipient.Hex(),
		"value": "0x1",
		"gas":   "0x5208",
	}
}

func TestInterceptorChainID(t *testing.T) {
	f := newInterceptorFixture(t)

	var chainID string
	decodeResult(t, f.call(t, "eth_chainId"), &chainID)
	assert.Equal(t, "0x1", chainID)

	var version string
	decodeResult(t, f.call(t, "net_version"), &version)
	assert.Equal(t, "1", version)
}

func TestInterceptorRejectsInvalidRequests(t *testing.T) {
	f := newInterceptorFixture(t)

	tests := []struct {
		name string
		req  *RPCRequest
		code int
	}{
		{
			name: "unknown method",
			req:  &RPCRequest{Jsonrpc: "2.0", Method: "eth_mining"},
			code: CodeMethodNotFound,
		},
		{
			name: "wrong version",
			req:  &RPCRequest{Jsonrpc: "1.0", Method: "eth_chainId"},
			code: CodeInvalidRequest,
		},
		{
			name: "params not an array",
			req:  &RPCRequest{Jsonrpc: "2.0", Method: "eth_getBalance", Params: json.RawMessage(`{"a":1}`)},
			code: CodeInvalidParams,
		},
		{
			name: "missing param",
			req:  &RPCRequest{Jsonrpc: "2.0", Method: "eth_getBalance", Params: json.RawMessage(`[]`)},
			code: CodeInvalidParams,
		},
		{
			name: "transaction without sender",
			req:  &RPCRequest{Jsonrpc: "2.0", Method: "eth_sendTransaction", Params: json.RawMessage(`[{"to":"0x000000000000000000000000000000000000b0b0"}]`)},
			code: CodeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.interceptor.Handle(context.Background(), f.conn, tt.req)
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.Equal(t, json.RawMessage("null"), res.ID)
		})
	}
}

func TestInterceptorReadsThroughOverlay(t *testing.T) {
	f := newInterceptorFixture(t)
	f.backend.Codes[recipient] = []byte{0xfe}

	var balance string
	decodeResult(t, f.call(t, "eth_getBalance", sender.Hex(), "latest"), &balance)
	assert.Equal(t, "0x8ac7230489e80000", balance)

	var code string
	decodeResult(t, f.call(t, "eth_getCode", recipient.Hex(), "latest"), &code)
	assert.Equal(t, "0xfe", code)

	var number string
	decodeResult(t, f.call(t, "eth_blockNumber"), &number)
	assert.Equal(t, "0x64", number)
}

func TestInterceptorSendTransactionBuildsSimulation(t *testing.T) {
	f := newInterceptorFixture(t)

	var evaluation struct {
		Quarantine bool `json:"quarantine"`
		Result     struct {
			Status string `json:"status"`
		} `json:"result"`
	}
	decodeResult(t, f.call(t, "eth_sendTransaction", txParam()), &evaluation)
	assert.False(t, evaluation.Quarantine)
	assert.Equal(t, "success", evaluation.Result.Status)

	decodeResult(t, f.call(t, "eth_sendTransaction", txParam()), &evaluation)
	assert.Equal(t, 2, f.conn.SimulationState().TransactionCount())

	var history []json.RawMessage
	decodeResult(t, f.call(t, "txguard_getSimulationHistory"), &history)
	assert.Len(t, history, 2)

	// evaluate does not keep the transaction
	decodeResult(t, f.call(t, "txguard_evaluate", txParam()), &evaluation)
	assert.Equal(t, 2, f.conn.SimulationState().TransactionCount())

	var reset bool
	decodeResult(t, f.call(t, "txguard_resetSimulation"), &reset)
	assert.True(t, reset)
	assert.Nil(t, f.conn.SimulationState())
}

func TestInterceptorAccumulatesBalanceChanges(t *testing.T) {
	f := newInterceptorFixture(t)
	eth := func(n uint64) *uint256.Int {
		return new(uint256.Int).Mul(uint256.NewInt(n), utils.ETH)
	}

	tx := txParam()
	tx["value"] = "0xde0b6b3a7640000"
	for i := 0; i < 2; i++ {
		var evaluation json.RawMessage
		decodeResult(t, f.call(t, "eth_sendTransaction", tx), &evaluation)
	}

	changes := f.conn.BalanceChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, sender, changes[0].Address)
	assert.Equal(t, eth(10), changes[0].Before)
	assert.Equal(t, eth(8), changes[0].After)
	assert.Equal(t, recipient, changes[1].Address)
	assert.Equal(t, eth(2), changes[1].After)

	// evaluate builds on the accumulated balances without keeping them
	var evaluation struct {
		VisualizerResults struct {
			EthBalanceChanges []struct {
				Before string `json:"before"`
				After  string `json:"after"`
			} `json:"ethBalanceChanges"`
		} `json:"visualizerResults"`
	}
	decodeResult(t, f.call(t, "txguard_evaluate", tx), &evaluation)
	require.Len(t, evaluation.VisualizerResults.EthBalanceChanges, 2)
	assert.Equal(t, eth(8).Dec(), evaluation.VisualizerResults.EthBalanceChanges[0].Before)
	assert.Equal(t, eth(7).Dec(), evaluation.VisualizerResults.EthBalanceChanges[0].After)
	assert.Equal(t, eth(8), f.conn.BalanceChanges()[0].After)
}

func TestInterceptorRemoteFailureIsServerError(t *testing.T) {
	f := newInterceptorFixture(t)
	f.backend.ExecuteError = fmt.Errorf("node unreachable")

	res := f.call(t, "eth_sendTransaction", txParam())
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeServerError, res.Error.Code)
	assert.Nil(t, f.conn.SimulationState())
}

func TestInterceptorSignedMessages(t *testing.T) {
	f := newInterceptorFixture(t)

	var count int
	decodeResult(t, f.call(t, "personal_sign", "0x68656c6c6f", sender.Hex()), &count)
	assert.Equal(t, 1, count)

	decodeResult(t, f.call(t, "eth_signTypedData_v4", sender.Hex(), `{"types":{},"message":{}}`), &count)
	assert.Equal(t, 2, count)

	messages := f.conn.SimulationState().SignedMessages()
	require.Len(t, messages, 2)
	assert.Equal(t, "personal_sign", messages[0].Method)
	assert.JSONEq(t, `{"types":{},"message":{}}`, string(messages[1].Payload))

	res := f.call(t, "eth_signTypedData_v4", sender.Hex(), "not json")
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidParams, res.Error.Code)
}

func TestInterceptorSubscriptions(t *testing.T) {
	f := newInterceptorFixture(t)

	var id string
	decodeResult(t, f.call(t, "eth_subscribe", "newHeads"), &id)
	assert.NotEmpty(t, id)
	assert.Len(t, f.pool.Subscriptions().Records(), 1)

	res := f.call(t, "eth_subscribe", "logs")
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeInvalidParams, res.Error.Code)

	var removed bool
	decodeResult(t, f.call(t, "eth_unsubscribe", id), &removed)
	assert.True(t, removed)
	assert.Empty(t, f.pool.Subscriptions().Records())
}

func TestInterceptorExportMemoizesDecision(t *testing.T) {
	f := newInterceptorFixture(t)

	res := f.call(t, "txguard_exportSimulation")
	require.NotNil(t, res.Error)

	decodeResult(t, f.call(t, "eth_sendTransaction", txParam()), &json.RawMessage{})

	done := make(chan *RPCResponse, 1)
	go func() {
		done <- f.call(t, "txguard_exportSimulation", "https://app.example")
	}()

	prompt := readMessage(t, f.conn)
	params := prompt["params"].(map[string]interface{})
	assert.Equal(t, "export_simulation", params["kind"])

	var answered bool
	decodeResult(t, f.call(t, "txguard_respondPrompt", "0x1", true), &answered)
	assert.True(t, answered)

	var first ExportResult
	decodeResult(t, <-done, &first)
	assert.True(t, first.Approved)
	assert.False(t, first.Memoized)
	require.NotNil(t, first.Snapshot)

	var second ExportResult
	decodeResult(t, f.call(t, "txguard_exportSimulation"), &second)
	assert.True(t, second.Approved)
	assert.True(t, second.Memoized)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestInterceptorSwitchChain(t *testing.T) {
	f := newInterceptorFixture(t)

	res := f.call(t, "wallet_switchEthereumChain", map[string]string{"chainId": "0x1"})
	require.Nil(t, res.Error)
	assert.Equal(t, json.RawMessage("null"), res.Result)

	decodeResult(t, f.call(t, "eth_sendTransaction", txParam()), &json.RawMessage{})

	tests := []struct {
		name     string
		approved bool
		code     int
		reset    bool
	}{
		{name: "rejected", approved: false, code: CodeUserRejected, reset: false},
		{name: "approved", approved: true, code: CodeUnsupportedChain, reset: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := make(chan *RPCResponse, 1)
			go func() {
				done <- f.call(t, "wallet_switchEthereumChain", map[string]string{"chainId": "0x5"})
			}()

			msg := readMessage(t, f.conn)
			params := msg["params"].(map[string]interface{})
			assert.Equal(t, "chain_change", params["kind"])
			require.True(t, f.conn.Gate().Current().Respond(tt.approved))

			res := <-done
			require.NotNil(t, res.Error)
			assert.Equal(t, tt.code, res.Error.Code)
			assert.Equal(t, tt.reset, f.conn.SimulationState() == nil)
		})
	}
}

func TestInterceptorPromptsNeedStreaming(t *testing.T) {
	f := newInterceptorFixture(t)

	logger, _ := test.NewNullLogger()
	f.conn = NewConnection(&ConnectionConfig{RemoteAddr: "127.0.0.1"}, logger)
	t.Cleanup(f.conn.Close)

	res := f.call(t, "wallet_switchEthereumChain", map[string]string{"chainId": "0x5"})
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeUnsupportedChain, res.Error.Code)

	res = f.call(t, "txguard_exportSimulation")
	require.NotNil(t, res.Error)
	assert.Equal(t, CodeMethodNotFound, res.Error.Code)
	assert.Nil(t, f.conn.Gate().Current())
}

func TestInterceptorPromptAnswerSkipsAdmission(t *testing.T) {
	f := newInterceptorFixture(t)
	f.conn = newTestConnection(t, 1, 8)
	f.pool.Add(f.conn)

	decodeResult(t, f.call(t, "eth_sendTransaction", txParam()), &json.RawMessage{})

	done := make(chan *RPCResponse, 1)
	go func() {
		done <- f.call(t, "txguard_exportSimulation")
	}()
	readMessage(t, f.conn)

	var answered bool
	decodeResult(t, f.call(t, "txguard_respondPrompt", "0x1", false), &answered)
	assert.True(t, answered)

	var result ExportResult
	decodeResult(t, <-done, &result)
	assert.False(t, result.Approved)
	assert.Nil(t, result.Snapshot)
}
