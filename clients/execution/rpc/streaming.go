package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type simulateEnvelope struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// fetchSimulatedBlocks runs eth_simulateV1 and parses the blocks while the
// response is read. HTTP endpoints are decoded straight from the body;
// websocket and ipc endpoints go through the rpc client first.
func (ec *ExecutionClient) fetchSimulatedBlocks(ctx context.Context, params ...any) ([]*SimulatedBlock, error) {
	var blocks []*SimulatedBlock
	onResult := decodeSimulatedBlocks(&blocks)

	if !strings.HasPrefix(ec.endpoint, "http://") && !strings.HasPrefix(ec.endpoint, "https://") {
		var raw json.RawMessage
		if err := ec.rpcClient.CallContext(ctx, &raw, "eth_simulateV1", params...); err != nil {
			return nil, convertError(err)
		}
		if err := onResult(json.NewDecoder(bytes.NewReader(raw))); err != nil {
			return nil, err
		}
		return blocks, nil
	}

	body, err := ec.postSimulate(ctx, params)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	if err := decodeResultEnvelope(body, onResult); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (ec *ExecutionClient) postSimulate(ctx context.Context, params []any) (io.ReadCloser, error) {
	payload, err := json.Marshal(&simulateEnvelope{
		JSONRPC: "2.0",
		ID:      ec.requestID.Add(1),
		Method:  "eth_simulateV1",
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode eth_simulateV1 request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ec.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range ec.headers {
		req.Header.Set(key, value)
	}

	resp, err := ec.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("eth_simulateV1 returned http status %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	return resp.Body, nil
}

// decodeResultEnvelope walks a JSON-RPC response object. onResult gets the
// decoder positioned at the result value; an error member is returned as
// RPCError. A response without either is a WireError.
func decodeResultEnvelope(r io.Reader, onResult func(*json.Decoder) error) error {
	dec := json.NewDecoder(r)

	if tok, err := dec.Token(); err != nil {
		return &WireError{Path: "$", Err: err}
	} else if tok != json.Delim('{') {
		return &WireError{Path: "$", Err: fmt.Errorf("response is not an object: %v", tok)}
	}

	seenResult := false
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return &WireError{Path: "$", Err: err}
		}
		member, _ := tok.(string)

		switch member {
		case "result":
			if err := onResult(dec); err != nil {
				return err
			}
			seenResult = true
		case "error":
			nodeErr := &RPCError{}
			if err := dec.Decode(nodeErr); err != nil {
				return &WireError{Path: "error", Err: err}
			}
			return nodeErr
		default:
			var ignored json.RawMessage
			if err := dec.Decode(&ignored); err != nil {
				return &WireError{Path: member, Err: err}
			}
		}
	}

	if !seenResult {
		return &WireError{Path: "result", Err: ErrMissingField}
	}
	return nil
}

// decodeSimulatedBlocks parses the result array one block at a time so a
// malformed block is reported with its index and no raw copy is kept.
func decodeSimulatedBlocks(blocks *[]*SimulatedBlock) func(*json.Decoder) error {
	return func(dec *json.Decoder) error {
		tok, err := dec.Token()
		if err != nil {
			return &WireError{Path: "result", Err: err}
		}
		if tok == nil {
			return &WireError{Path: "result", Err: ErrMissingField}
		}
		if tok != json.Delim('[') {
			return &WireError{Path: "result", Err: fmt.Errorf("expected array, got %v", tok)}
		}

		for dec.More() {
			path := fmt.Sprintf("result[%d]", len(*blocks))

			var raw rawSimulatedBlock
			if err := dec.Decode(&raw); err != nil {
				return &WireError{Path: path, Err: err}
			}
			block, err := parseSimulatedBlock(path, raw)
			if err != nil {
				return err
			}
			*blocks = append(*blocks, block)
		}

		if _, err := dec.Token(); err != nil {
			return &WireError{Path: "result", Err: err}
		}
		return nil
	}
}
