package visualizer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

// Event topic signatures
var (
	TopicTransfer        = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicApproval        = crypto.Keccak256Hash([]byte("Approval(address,address,uint256)"))
	TopicApprovalForAll  = crypto.Keccak256Hash([]byte("ApprovalForAll(address,address,bool)"))
	TopicTransferSingle  = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))
	TopicTransferBatch   = crypto.Keccak256Hash([]byte("TransferBatch(address,address,address,uint256[],uint256[])"))
	TopicDeposit         = crypto.Keccak256Hash([]byte("Deposit(address,uint256)"))
	TopicWithdrawal      = crypto.Keccak256Hash([]byte("Withdrawal(address,uint256)"))
	EthTransferAddress   = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")
	ErrMalformedLog      = errors.New("malformed log")
	maxBatchTransferSize = uint64(1024)
)

type logHandler func(log *types.Log) ([]*TokenResult, error)

var handlers = map[common.Hash]logHandler{
	TopicTransfer:       parseTransfer,
	TopicApproval:       parseApproval,
	TopicApprovalForAll: parseApprovalForAll,
	TopicTransferSingle: parseTransferSingle,
	TopicTransferBatch:  parseTransferBatch,
	TopicDeposit:        parseDeposit,
	TopicWithdrawal:     parseWithdrawal,
}

// Classify decodes one log by its first topic. Unknown signatures and the
// synthetic native transfer logs yield ok == false without an error. A
// known signature with malformed topics or data fails with ErrMalformedLog.
// TransferBatch yields one result per token id.
func Classify(log *types.Log) (results []*TokenResult, ok bool, err error) {
	if len(log.Topics) == 0 || log.Address == EthTransferAddress {
		return nil, false, nil
	}

	handler, found := handlers[log.Topics[0]]
	if !found {
		return nil, false, nil
	}

	results, err = handler(log)
	if err != nil {
		return nil, false, err
	}
	for _, result := range results {
		result.LogIndex = log.Index
	}
	return results, true, nil
}

// ClassifyLogs classifies logs in order and drops the ones that fail.
func ClassifyLogs(logs []*types.Log, logger logrus.FieldLogger) []*TokenResult {
	results := []*TokenResult{}
	for _, log := range logs {
		classified, ok, err := Classify(log)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"address":  log.Address,
				"topic":    log.Topics[0],
				"logIndex": log.Index,
			}).Debugf("skipping log: %v", err)
			continue
		}
		if ok {
			results = append(results, classified...)
		}
	}
	return results
}

func malformed(log *types.Log, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v at %v", ErrMalformedLog, fmt.Sprintf(format, args...), log.Address)
}

func topicAddress(topic common.Hash) common.Address {
	return common.BytesToAddress(topic[12:])
}

func topicUint(topic common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes32(topic[:])
}

func wordAt(data []byte, offset uint64) (*uint256.Int, bool) {
	if offset+32 < offset || uint64(len(data)) < offset+32 {
		return nil, false
	}
	return new(uint256.Int).SetBytes32(data[offset : offset+32]), true
}

// parseTransfer handles ERC20 Transfer(from, to, value) and ERC721
// Transfer(from, to, tokenId) which differ only in the indexed tokenId.
func parseTransfer(log *types.Log) ([]*TokenResult, error) {
	switch len(log.Topics) {
	case 3:
		amount, ok := wordAt(log.Data, 0)
		if !ok {
			return nil, malformed(log, "erc20 transfer data of %d bytes", len(log.Data))
		}
		return []*TokenResult{{
			Type:   ResultERC20Transfer,
			Token:  log.Address,
			From:   topicAddress(log.Topics[1]),
			To:     topicAddress(log.Topics[2]),
			Amount: amount,
		}}, nil
	case 4:
		return []*TokenResult{{
			Type:    ResultERC721Transfer,
			Token:   log.Address,
			From:    topicAddress(log.Topics[1]),
			To:      topicAddress(log.Topics[2]),
			TokenID: topicUint(log.Topics[3]),
		}}, nil
	default:
		return nil, malformed(log, "transfer with %d topics", len(log.Topics))
	}
}

func parseApproval(log *types.Log) ([]*TokenResult, error) {
	switch len(log.Topics) {
	case 3:
		amount, ok := wordAt(log.Data, 0)
		if !ok {
			return nil, malformed(log, "erc20 approval data of %d bytes", len(log.Data))
		}
		return []*TokenResult{{
			Type:   ResultERC20Approval,
			Token:  log.Address,
			From:   topicAddress(log.Topics[1]),
			To:     topicAddress(log.Topics[2]),
			Amount: amount,
		}}, nil
	case 4:
		return []*TokenResult{{
			Type:    ResultERC721Approval,
			Token:   log.Address,
			From:    topicAddress(log.Topics[1]),
			To:      topicAddress(log.Topics[2]),
			TokenID: topicUint(log.Topics[3]),
		}}, nil
	default:
		return nil, malformed(log, "approval with %d topics", len(log.Topics))
	}
}

func parseApprovalForAll(log *types.Log) ([]*TokenResult, error) {
	if len(log.Topics) != 3 {
		return nil, malformed(log, "approval for all with %d topics", len(log.Topics))
	}
	flag, ok := wordAt(log.Data, 0)
	if !ok {
		return nil, malformed(log, "approval for all data of %d bytes", len(log.Data))
	}

	approved := !flag.IsZero()
	return []*TokenResult{{
		Type:     ResultApprovalForAll,
		Token:    log.Address,
		From:     topicAddress(log.Topics[1]),
		To:       topicAddress(log.Topics[2]),
		Approved: &approved,
	}}, nil
}

// parseTransferSingle handles TransferSingle(operator, from, to, id, value).
func parseTransferSingle(log *types.Log) ([]*TokenResult, error) {
	if len(log.Topics) != 4 {
		return nil, malformed(log, "transfer single with %d topics", len(log.Topics))
	}
	id, okID := wordAt(log.Data, 0)
	value, okValue := wordAt(log.Data, 32)
	if !okID || !okValue {
		return nil, malformed(log, "transfer single data of %d bytes", len(log.Data))
	}

	operator := topicAddress(log.Topics[1])
	return []*TokenResult{{
		Type:     ResultERC1155Transfer,
		Token:    log.Address,
		Operator: &operator,
		From:     topicAddress(log.Topics[2]),
		To:       topicAddress(log.Topics[3]),
		TokenID:  id,
		Amount:   value,
	}}, nil
}

// parseTransferBatch handles TransferBatch(operator, from, to, ids[], values[]).
// Data layout: offset_ids | offset_values | ids_length | ids... | values_length | values...
func parseTransferBatch(log *types.Log) ([]*TokenResult, error) {
	if len(log.Topics) != 4 {
		return nil, malformed(log, "transfer batch with %d topics", len(log.Topics))
	}

	idsOffset, ok1 := wordAt(log.Data, 0)
	valuesOffset, ok2 := wordAt(log.Data, 32)
	if !ok1 || !ok2 || !idsOffset.IsUint64() || !valuesOffset.IsUint64() {
		return nil, malformed(log, "transfer batch header")
	}

	idsLength, ok1 := wordAt(log.Data, idsOffset.Uint64())
	valuesLength, ok2 := wordAt(log.Data, valuesOffset.Uint64())
	if !ok1 || !ok2 {
		return nil, malformed(log, "transfer batch array lengths")
	}
	if !idsLength.Eq(valuesLength) || !idsLength.IsUint64() || idsLength.Uint64() > maxBatchTransferSize {
		return nil, malformed(log, "transfer batch with %v ids and %v values", idsLength, valuesLength)
	}

	operator := topicAddress(log.Topics[1])
	from := topicAddress(log.Topics[2])
	to := topicAddress(log.Topics[3])

	count := idsLength.Uint64()
	results := make([]*TokenResult, 0, count)
	for i := uint64(0); i < count; i++ {
		id, okID := wordAt(log.Data, idsOffset.Uint64()+32+i*32)
		value, okValue := wordAt(log.Data, valuesOffset.Uint64()+32+i*32)
		if !okID || !okValue {
			return nil, malformed(log, "transfer batch truncated at entry %d", i)
		}
		results = append(results, &TokenResult{
			Type:     ResultERC1155Transfer,
			Token:    log.Address,
			Operator: &operator,
			From:     from,
			To:       to,
			TokenID:  id,
			Amount:   value,
		})
	}
	return results, nil
}

// parseDeposit handles the wrapped native Deposit(dst, wad).
func parseDeposit(log *types.Log) ([]*TokenResult, error) {
	if len(log.Topics) != 2 {
		return nil, malformed(log, "deposit with %d topics", len(log.Topics))
	}
	amount, ok := wordAt(log.Data, 0)
	if !ok {
		return nil, malformed(log, "deposit data of %d bytes", len(log.Data))
	}
	return []*TokenResult{{
		Type:   ResultNativeDeposit,
		Token:  log.Address,
		From:   topicAddress(log.Topics[1]),
		To:     topicAddress(log.Topics[1]),
		Amount: amount,
	}}, nil
}

// parseWithdrawal handles the wrapped native Withdrawal(src, wad).
func parseWithdrawal(log *types.Log) ([]*TokenResult, error) {
	if len(log.Topics) != 2 {
		return nil, malformed(log, "withdrawal with %d topics", len(log.Topics))
	}
	amount, ok := wordAt(log.Data, 0)
	if !ok {
		return nil, malformed(log, "withdrawal data of %d bytes", len(log.Data))
	}
	return []*TokenResult{{
		Type:   ResultNativeWithdraw,
		Token:  log.Address,
		From:   topicAddress(log.Topics[1]),
		To:     topicAddress(log.Topics[1]),
		Amount: amount,
	}}, nil
}
