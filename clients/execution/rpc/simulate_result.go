package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

type rawSimulatedBlock = json.RawMessage

// SimulatedBlock is one block of an eth_simulateV1 response.
type SimulatedBlock struct {
	Number        uint64
	Hash          common.Hash
	ParentHash    common.Hash
	Timestamp     uint64
	GasLimit      uint64
	GasUsed       uint64
	BaseFeePerGas *uint256.Int
	FeeRecipient  common.Address

	// Header is the full header when the node returned all header fields,
	// otherwise a header rebuilt from the fields above.
	Header *types.Header
	Calls  []*SimulatedCall
}

// SimulatedCall is the outcome of one call inside a simulated block.
type SimulatedCall struct {
	Status     uint64
	ReturnData []byte
	GasUsed    uint64
	Logs       []*types.Log
	Error      *SimulatedCallError
}

// Success reports whether the call executed without reverting.
func (c *SimulatedCall) Success() bool {
	return c.Status == types.ReceiptStatusSuccessful
}

// SimulatedCallError is the error object attached to a failed call.
type SimulatedCallError struct {
	Code    int
	Message string
	Data    []byte
}

func parseSimulatedBlock(path string, raw json.RawMessage) (*SimulatedBlock, error) {
	dec, err := newFieldDecoder(path, raw)
	if err != nil {
		return nil, err
	}

	block := &SimulatedBlock{}

	var number, timestamp, gasLimit, gasUsed quantity
	if err := dec.required("number", &number); err != nil {
		return nil, err
	}
	if err := dec.required("hash", &block.Hash); err != nil {
		return nil, err
	}
	if err := dec.required("timestamp", &timestamp); err != nil {
		return nil, err
	}
	if err := dec.required("gasLimit", &gasLimit); err != nil {
		return nil, err
	}
	if err := dec.required("gasUsed", &gasUsed); err != nil {
		return nil, err
	}
	if _, err := dec.optional("parentHash", &block.ParentHash); err != nil {
		return nil, err
	}
	if _, err := dec.optional("miner", &block.FeeRecipient); err != nil {
		return nil, err
	}

	var baseFee hexutil.U256
	if ok, err := dec.optional("baseFeePerGas", &baseFee); err != nil {
		return nil, err
	} else if ok {
		block.BaseFeePerGas = new(uint256.Int).Set((*uint256.Int)(&baseFee))
	}

	block.Number = uint64(number)
	block.Timestamp = uint64(timestamp)
	block.GasLimit = uint64(gasLimit)
	block.GasUsed = uint64(gasUsed)

	rawCalls, err := dec.array("calls", true)
	if err != nil {
		return nil, err
	}

	block.Calls = make([]*SimulatedCall, len(rawCalls))
	for i, rawCall := range rawCalls {
		call, err := parseSimulatedCall(fmt.Sprintf("%v.calls[%d]", path, i), rawCall)
		if err != nil {
			return nil, err
		}
		block.Calls[i] = call
	}

	var header types.Header
	if err := json.Unmarshal(raw, &header); err == nil {
		block.Header = &header
	} else {
		block.Header = &types.Header{
			ParentHash: block.ParentHash,
			Coinbase:   block.FeeRecipient,
			Number:     new(big.Int).SetUint64(block.Number),
			GasLimit:   block.GasLimit,
			GasUsed:    block.GasUsed,
			Time:       block.Timestamp,
		}
		if block.BaseFeePerGas != nil {
			block.Header.BaseFee = block.BaseFeePerGas.ToBig()
		}
	}

	return block, nil
}

func parseSimulatedCall(path string, raw json.RawMessage) (*SimulatedCall, error) {
	dec, err := newFieldDecoder(path, raw)
	if err != nil {
		return nil, err
	}

	var status, gasUsed quantity
	var returnData lenientBytes
	if err := dec.required("status", &status); err != nil {
		return nil, err
	}
	if err := dec.required("returnData", &returnData); err != nil {
		return nil, err
	}
	if err := dec.required("gasUsed", &gasUsed); err != nil {
		return nil, err
	}
	if status > 1 {
		return nil, &WireError{Path: path + ".status", Err: fmt.Errorf("unexpected status %d", status)}
	}

	call := &SimulatedCall{
		Status:     uint64(status),
		ReturnData: returnData,
		GasUsed:    uint64(gasUsed),
	}

	rawLogs, err := dec.array("logs", false)
	if err != nil {
		return nil, err
	}
	call.Logs = make([]*types.Log, len(rawLogs))
	for i, rawLog := range rawLogs {
		log, err := parseLog(fmt.Sprintf("%v.logs[%d]", path, i), rawLog)
		if err != nil {
			return nil, err
		}
		call.Logs[i] = log
	}

	var rawErr json.RawMessage
	if ok, err := dec.optional("error", &rawErr); err != nil {
		return nil, err
	} else if ok {
		callErr, err := parseCallError(path+".error", rawErr)
		if err != nil {
			return nil, err
		}
		call.Error = callErr
	}

	if !call.Success() && call.Error == nil {
		call.Error = &SimulatedCallError{Message: "execution reverted"}
	}

	return call, nil
}

func parseCallError(path string, raw json.RawMessage) (*SimulatedCallError, error) {
	dec, err := newFieldDecoder(path, raw)
	if err != nil {
		return nil, err
	}

	callErr := &SimulatedCallError{}
	if err := dec.required("code", &callErr.Code); err != nil {
		return nil, err
	}
	if err := dec.required("message", &callErr.Message); err != nil {
		return nil, err
	}

	var data lenientBytes
	if ok, err := dec.optional("data", &data); err != nil {
		return nil, err
	} else if ok {
		callErr.Data = data
	}

	return callErr, nil
}

func parseLog(path string, raw json.RawMessage) (*types.Log, error) {
	dec, err := newFieldDecoder(path, raw)
	if err != nil {
		return nil, err
	}

	log := &types.Log{}
	var data lenientBytes
	if err := dec.required("address", &log.Address); err != nil {
		return nil, err
	}
	if err := dec.required("topics", &log.Topics); err != nil {
		return nil, err
	}
	if err := dec.required("data", &data); err != nil {
		return nil, err
	}
	log.Data = data

	var blockNumber, txIndex, logIndex quantity
	if ok, err := dec.optional("blockNumber", &blockNumber); err != nil {
		return nil, err
	} else if ok {
		log.BlockNumber = uint64(blockNumber)
	}
	if ok, err := dec.optional("transactionIndex", &txIndex); err != nil {
		return nil, err
	} else if ok {
		log.TxIndex = uint(txIndex)
	}
	if ok, err := dec.optional("logIndex", &logIndex); err != nil {
		return nil, err
	} else if ok {
		log.Index = uint(logIndex)
	}
	if _, err := dec.optional("transactionHash", &log.TxHash); err != nil {
		return nil, err
	}
	if _, err := dec.optional("blockHash", &log.BlockHash); err != nil {
		return nil, err
	}

	return log, nil
}
