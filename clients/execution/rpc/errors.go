package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ErrMissingField marks a required response field that was absent or null.
var ErrMissingField = errors.New("missing required field")

// TimeoutError is returned when the per-call timeout elapsed. It takes
// precedence over a concurrent cancellation of the caller context.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%v timed out after %v", e.Method, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// WireError describes a response that could not be decoded into the
// expected shape. Path points at the offending field, e.g. result[0].calls[2].gasUsed.
type WireError struct {
	Path string
	Err  error
}

func (e *WireError) Error() string {
	return fmt.Sprintf("malformed response at %v: %v", e.Path, e.Err)
}

func (e *WireError) Unwrap() error {
	return e.Err
}

// RPCError is an error object returned by the node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error (code %d): %s", e.Code, e.Message)
}

// convertError maps errors of the go-ethereum rpc client onto RPCError.
func convertError(err error) error {
	var rpcErr gethrpc.Error
	if !errors.As(err, &rpcErr) {
		return err
	}

	converted := &RPCError{
		Code:    rpcErr.ErrorCode(),
		Message: rpcErr.Error(),
	}

	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		if data, mErr := json.Marshal(dataErr.ErrorData()); mErr == nil {
			converted.Data = data
		}
	}

	return converted
}
