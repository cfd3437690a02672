package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newTestNode serves single JSON-RPC requests. The handler returns either
// a raw result document or an error object.
func newTestNode(t *testing.T, handler func(req *testRequest) (string, *RPCError)) *ExecutionClient {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req testRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, rpcErr := handler(&req)
		w.Header().Set("Content-Type", "application/json")
		if rpcErr != nil {
			errJSON, _ := json.Marshal(rpcErr)
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":` + string(errJSON) + `}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":` + result + `}`))
	}))
	t.Cleanup(server.Close)

	client, err := NewExecutionClient("test", server.URL, map[string]string{"X-Test": "1"}, 500*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, client.Initialize(context.Background()))
	t.Cleanup(client.Close)

	return client
}

const testSimulateResult = `[{
	"number": "0x10",
	"hash": "0x0000000000000000000000000000000000000000000000000000000000000abc",
	"parentHash": "0x0000000000000000000000000000000000000000000000000000000000000def",
	"timestamp": "0x6553f100",
	"gasLimit": "0x1c9c380",
	"gasUsed": "0xa410",
	"baseFeePerGas": "0x3b9aca00",
	"miner": "0x0000000000000000000000000000000000000000",
	"calls": [
		{
			"status": "0x1",
			"returnData": "0x0000000000000000000000000000000000000000000000000000000000000001",
			"gasUsed": "0x5208",
			"logs": [{
				"address": "0x6b175474e89094c44da98b954eedeac495271d0f",
				"topics": [
					"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
					"0x000000000000000000000000000000000000000000000000000000000000000a",
					"0x000000000000000000000000000000000000000000000000000000000000000b"
				],
				"data": "0x0000000000000000000000000000000000000000000000000000000000000064",
				"logIndex": "0x0"
			}]
		},
		{
			"status": "0x0",
			"returnData": "0x",
			"gasUsed": 21000,
			"logs": [],
			"error": {"code": 3, "message": "execution reverted", "data": "0x08c379a0"}
		}
	]
}]`

func TestSimulateV1DecodesBlocks(t *testing.T) {
	var gotMethod string
	var gotParams []json.RawMessage
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		gotMethod = req.Method
		gotParams = req.Params
		return testSimulateResult, nil
	})

	to := common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
	req := &SimulateRequest{
		BlockStateCalls: []*SimulateBlock{{
			Calls: []*CallArgs{{To: &to}, {To: &to}},
		}},
		TraceTransfers: true,
	}

	blocks, err := client.SimulateV1(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "eth_simulateV1", gotMethod)
	require.Len(t, gotParams, 2)
	assert.JSONEq(t, `"latest"`, string(gotParams[1]))

	require.Len(t, blocks, 1)
	block := blocks[0]
	assert.Equal(t, uint64(16), block.Number)
	assert.Equal(t, uint64(1_000_000_000), block.BaseFeePerGas.Uint64())
	require.NotNil(t, block.Header)
	assert.Equal(t, uint64(16), block.Header.Number.Uint64())

	require.Len(t, block.Calls, 2)
	assert.True(t, block.Calls[0].Success())
	assert.Equal(t, uint64(21000), block.Calls[0].GasUsed)
	require.Len(t, block.Calls[0].Logs, 1)
	assert.Equal(t, to, block.Calls[0].Logs[0].Address)
	assert.Len(t, block.Calls[0].Logs[0].Topics, 3)

	assert.False(t, block.Calls[1].Success())
	require.NotNil(t, block.Calls[1].Error)
	assert.Equal(t, 3, block.Calls[1].Error.Code)
	assert.Equal(t, []byte{0x08, 0xc3, 0x79, 0xa0}, block.Calls[1].Error.Data)
}

func TestSimulateV1ReportsFieldPath(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		return `[{"number":"0x1","hash":"0x0000000000000000000000000000000000000000000000000000000000000001",
			"timestamp":"0x1","gasLimit":"0x1","gasUsed":"0x1",
			"calls":[{"status":"0x1","returnData":"0x","gasUsed":"zzz"}]}]`, nil
	})

	req := &SimulateRequest{BlockStateCalls: []*SimulateBlock{{Calls: []*CallArgs{{}}}}}
	_, err := client.SimulateV1(context.Background(), req, nil)

	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, "result[0].calls[0].gasUsed", wireErr.Path)
}

func TestSimulateV1MissingField(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		return `[{"number":"0x1","hash":"0x0000000000000000000000000000000000000000000000000000000000000001",
			"timestamp":"0x1","gasLimit":"0x1","gasUsed":"0x1","calls":[{"status":"0x1","gasUsed":"0x1"}]}]`, nil
	})

	req := &SimulateRequest{BlockStateCalls: []*SimulateBlock{{Calls: []*CallArgs{{}}}}}
	_, err := client.SimulateV1(context.Background(), req, nil)

	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, "result[0].calls[0].returnData", wireErr.Path)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestSimulateV1CallCountMismatch(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		return testSimulateResult, nil
	})

	req := &SimulateRequest{BlockStateCalls: []*SimulateBlock{{Calls: []*CallArgs{{}}}}}
	_, err := client.SimulateV1(context.Background(), req, nil)

	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, "result[0].calls", wireErr.Path)
}

func TestNodeErrorIsTyped(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		return "", &RPCError{Code: -32601, Message: "the method eth_simulateV1 does not exist"}
	})

	req := &SimulateRequest{BlockStateCalls: []*SimulateBlock{{Calls: []*CallArgs{{}}}}}
	_, err := client.SimulateV1(context.Background(), req, nil)

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)

	_, err = client.GetCodeAt(context.Background(), common.Address{}, nil)
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestCallTimeout(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		time.Sleep(time.Second)
		return `"0x1"`, nil
	})

	_, err := client.GetBalanceAt(context.Background(), common.Address{}, nil)

	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "eth_getBalance", timeoutErr.Method)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTypedReads(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		switch req.Method {
		case "eth_getBalance":
			return `"0xde0b6b3a7640000"`, nil
		case "eth_getTransactionCount":
			return `"0x7"`, nil
		case "eth_getStorageAt":
			return `"0x000000000000000000000000000000000000000000000000000000000000002a"`, nil
		case "eth_chainId":
			return `"0x1"`, nil
		}
		return "", &RPCError{Code: -32601, Message: "not found"}
	})

	ctx := context.Background()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	balance, err := client.GetBalanceAt(ctx, addr, nil)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", balance.Dec())

	nonce, err := client.GetNonceAt(ctx, addr, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), nonce)

	value, err := client.GetStorageAt(ctx, addr, common.Hash{}, nil)
	require.NoError(t, err)
	assert.Equal(t, common.BigToHash(big.NewInt(42)), value)

	chainID, err := client.GetChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), chainID)
}

func TestRequestWithoutResult(t *testing.T) {
	err := decodeResultEnvelope(strings.NewReader(`{"jsonrpc":"2.0","id":1}`), func(*json.Decoder) error {
		return errors.New("must not be called")
	})

	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestSimulateV1NullResult(t *testing.T) {
	client := newTestNode(t, func(req *testRequest) (string, *RPCError) {
		return `null`, nil
	})

	req := &SimulateRequest{BlockStateCalls: []*SimulateBlock{{Calls: []*CallArgs{{}}}}}
	_, err := client.SimulateV1(context.Background(), req, nil)

	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, "result", wireErr.Path)
	assert.ErrorIs(t, err, ErrMissingField)
}
