package visualizer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	addrA     = common.HexToAddress("0x000000000000000000000000000000000000000a")
	addrB     = common.HexToAddress("0x000000000000000000000000000000000000000b")
	addrOp    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	tokenAddr = common.HexToAddress("0x6b175474e89094c44da98b954eedeac495271d0f")
)

func addrTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func word(v uint64) []byte {
	return common.LeftPadBytes(uint256.NewInt(v).Bytes(), 32)
}

func words(values ...uint64) []byte {
	data := []byte{}
	for _, v := range values {
		data = append(data, word(v)...)
	}
	return data
}

func TestClassifyERC20Transfer(t *testing.T) {
	log := &types.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)},
		Data:    word(100),
		Index:   3,
	}

	results, ok, err := Classify(log)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, results, 1)

	res := results[0]
	assert.Equal(t, ResultERC20Transfer, res.Type)
	assert.Equal(t, tokenAddr, res.Token)
	assert.Equal(t, addrA, res.From)
	assert.Equal(t, addrB, res.To)
	assert.Equal(t, uint64(100), res.Amount.Uint64())
	assert.Equal(t, uint(3), res.LogIndex)
	assert.True(t, res.IsFungible())
}

func TestClassifyKnownEvents(t *testing.T) {
	tests := []struct {
		name     string
		log      *types.Log
		expected ResultType
		check    func(t *testing.T, res *TokenResult)
	}{
		{
			name: "erc721 transfer",
			log: &types.Log{
				Topics: []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB), common.BigToHash(uint256.NewInt(7).ToBig())},
			},
			expected: ResultERC721Transfer,
			check: func(t *testing.T, res *TokenResult) {
				assert.Equal(t, uint64(7), res.TokenID.Uint64())
				assert.Nil(t, res.Amount)
			},
		},
		{
			name: "erc20 approval",
			log: &types.Log{
				Topics: []common.Hash{TopicApproval, addrTopic(addrA), addrTopic(addrB)},
				Data:   word(55),
			},
			expected: ResultERC20Approval,
			check: func(t *testing.T, res *TokenResult) {
				assert.Equal(t, uint64(55), res.Amount.Uint64())
			},
		},
		{
			name: "erc721 approval",
			log: &types.Log{
				Topics: []common.Hash{TopicApproval, addrTopic(addrA), addrTopic(addrB), common.BigToHash(uint256.NewInt(9).ToBig())},
			},
			expected: ResultERC721Approval,
			check: func(t *testing.T, res *TokenResult) {
				assert.Equal(t, uint64(9), res.TokenID.Uint64())
			},
		},
		{
			name: "approval for all",
			log: &types.Log{
				Topics: []common.Hash{TopicApprovalForAll, addrTopic(addrA), addrTopic(addrOp)},
				Data:   word(1),
			},
			expected: ResultApprovalForAll,
			check: func(t *testing.T, res *TokenResult) {
				require.NotNil(t, res.Approved)
				assert.True(t, *res.Approved)
				assert.Equal(t, addrOp, res.To)
			},
		},
		{
			name: "transfer single",
			log: &types.Log{
				Topics: []common.Hash{TopicTransferSingle, addrTopic(addrOp), addrTopic(addrA), addrTopic(addrB)},
				Data:   words(4, 20),
			},
			expected: ResultERC1155Transfer,
			check: func(t *testing.T, res *TokenResult) {
				require.NotNil(t, res.Operator)
				assert.Equal(t, addrOp, *res.Operator)
				assert.Equal(t, uint64(4), res.TokenID.Uint64())
				assert.Equal(t, uint64(20), res.Amount.Uint64())
			},
		},
		{
			name: "deposit",
			log: &types.Log{
				Topics: []common.Hash{TopicDeposit, addrTopic(addrA)},
				Data:   word(1000),
			},
			expected: ResultNativeDeposit,
			check: func(t *testing.T, res *TokenResult) {
				assert.Equal(t, addrA, res.To)
				assert.Equal(t, uint64(1000), res.Amount.Uint64())
			},
		},
		{
			name: "withdrawal",
			log: &types.Log{
				Topics: []common.Hash{TopicWithdrawal, addrTopic(addrA)},
				Data:   word(1000),
			},
			expected: ResultNativeWithdraw,
			check: func(t *testing.T, res *TokenResult) {
				assert.Equal(t, addrA, res.From)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.log.Address = tokenAddr
			results, ok, err := Classify(tt.log)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, results, 1)
			assert.Equal(t, tt.expected, results[0].Type)
			tt.check(t, results[0])
		})
	}
}

func TestClassifyTransferBatch(t *testing.T) {
	// ids at offset 64: [1, 2], values at offset 160: [10, 20]
	data := words(64, 160, 2, 1, 2, 2, 10, 20)
	log := &types.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{TopicTransferBatch, addrTopic(addrOp), addrTopic(addrA), addrTopic(addrB)},
		Data:    data,
	}

	results, ok, err := Classify(log)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, results, 2)

	assert.Equal(t, uint64(1), results[0].TokenID.Uint64())
	assert.Equal(t, uint64(10), results[0].Amount.Uint64())
	assert.Equal(t, uint64(2), results[1].TokenID.Uint64())
	assert.Equal(t, uint64(20), results[1].Amount.Uint64())

	// truncated values array
	log.Data = data[:len(data)-32]
	_, ok, err = Classify(log)
	assert.ErrorIs(t, err, ErrMalformedLog)
	assert.False(t, ok)
}

func TestClassifyUnknownAndMalformed(t *testing.T) {
	unknown := &types.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{common.HexToHash("0x1234")},
	}
	results, ok, err := Classify(unknown)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, results)

	noTopics := &types.Log{Address: tokenAddr}
	_, ok, err = Classify(noTopics)
	assert.NoError(t, err)
	assert.False(t, ok)

	synthetic := &types.Log{
		Address: EthTransferAddress,
		Topics:  []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)},
		Data:    word(1),
	}
	_, ok, err = Classify(synthetic)
	assert.NoError(t, err)
	assert.False(t, ok)

	truncated := &types.Log{
		Address: tokenAddr,
		Topics:  []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)},
		Data:    word(1)[:16],
	}
	_, ok, err = Classify(truncated)
	assert.ErrorIs(t, err, ErrMalformedLog)
	assert.False(t, ok)
}

func TestClassifyLogsSkipsFailures(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	logs := []*types.Log{
		{Address: tokenAddr, Topics: []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)}, Data: word(1)[:8]},
		{Address: tokenAddr, Topics: []common.Hash{TopicTransfer, addrTopic(addrA), addrTopic(addrB)}, Data: word(100)},
		{Address: tokenAddr, Topics: []common.Hash{common.HexToHash("0x99")}},
	}

	results := ClassifyLogs(logs, logger)
	require.Len(t, results, 1)
	assert.Equal(t, uint64(100), results[0].Amount.Uint64())

	require.Len(t, hook.AllEntries(), 1)
	assert.Equal(t, logrus.DebugLevel, hook.LastEntry().Level)
}
