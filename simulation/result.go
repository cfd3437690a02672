package simulation

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ethpandaops/txguard/clients/execution/rpc"
)

type CallStatus string

const (
	CallStatusSuccess CallStatus = "success"
	CallStatusFailure CallStatus = "failure"
)

// CallResult is the outcome of one executed transaction. A revert is a
// failure result, not an error.
type CallResult struct {
	Status     CallStatus    `json:"status"`
	ReturnData hexutil.Bytes `json:"returnData"`
	GasUsed    uint64        `json:"gasUsed"`
	Logs       []*types.Log  `json:"logs"`
	Error      *CallError    `json:"error,omitempty"`
}

// CallError carries the revert code, message and raw revert data.
type CallError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Data    hexutil.Bytes `json:"data,omitempty"`
}

func (r *CallResult) Success() bool {
	return r.Status == CallStatusSuccess
}

func newCallResult(call *rpc.SimulatedCall) *CallResult {
	result := &CallResult{
		ReturnData: call.ReturnData,
		GasUsed:    call.GasUsed,
		Logs:       call.Logs,
	}
	if result.Logs == nil {
		result.Logs = []*types.Log{}
	}

	if call.Success() {
		result.Status = CallStatusSuccess
		return result
	}

	result.Status = CallStatusFailure
	result.Error = &CallError{}
	if call.Error != nil {
		result.Error.Code = call.Error.Code
		result.Error.Message = call.Error.Message
		result.Error.Data = call.Error.Data
	}
	return result
}
