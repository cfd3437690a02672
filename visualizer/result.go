package visualizer

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type ResultType string

const (
	ResultERC20Transfer   ResultType = "ERC20_TRANSFER"
	ResultERC20Approval   ResultType = "ERC20_APPROVAL"
	ResultERC721Transfer  ResultType = "ERC721_TRANSFER"
	ResultERC721Approval  ResultType = "ERC721_APPROVAL"
	ResultERC1155Transfer ResultType = "ERC1155_TRANSFER"
	ResultApprovalForAll  ResultType = "APPROVAL_FOR_ALL"
	ResultNativeDeposit   ResultType = "NATIVE_DEPOSIT"
	ResultNativeWithdraw  ResultType = "NATIVE_WITHDRAWAL"
)

// TokenResult is one decoded token event. Type selects which fields are
// meaningful: Amount for fungible movements, TokenID for NFTs (ERC1155
// carries both), Approved for approval-for-all. For approvals From is the
// owner and To the spender or operator.
type TokenResult struct {
	Type     ResultType
	Token    common.Address
	From     common.Address
	To       common.Address
	Operator *common.Address
	Amount   *uint256.Int
	TokenID  *uint256.Int
	Approved *bool
	LogIndex uint

	// filled in by the engine when token metadata is known
	Decimals *uint8
	Symbol   string
	Display  string
}

type tokenResultJSON struct {
	Type     ResultType      `json:"type"`
	Token    common.Address  `json:"token"`
	From     common.Address  `json:"from"`
	To       common.Address  `json:"to"`
	Operator *common.Address `json:"operator,omitempty"`
	Amount   string          `json:"amount,omitempty"`
	TokenID  string          `json:"tokenId,omitempty"`
	Approved *bool           `json:"approved,omitempty"`
	LogIndex uint            `json:"logIndex"`
	Decimals *uint8          `json:"decimals,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Display  string          `json:"display,omitempty"`
}

// MarshalJSON renders amounts as decimal strings.
func (r *TokenResult) MarshalJSON() ([]byte, error) {
	enc := tokenResultJSON{
		Type:     r.Type,
		Token:    r.Token,
		From:     r.From,
		To:       r.To,
		Operator: r.Operator,
		Approved: r.Approved,
		LogIndex: r.LogIndex,
		Decimals: r.Decimals,
		Symbol:   r.Symbol,
		Display:  r.Display,
	}
	if r.Amount != nil {
		enc.Amount = r.Amount.Dec()
	}
	if r.TokenID != nil {
		enc.TokenID = r.TokenID.Dec()
	}
	return json.Marshal(&enc)
}

// IsFungible reports whether the result moves or approves an amount of an
// ERC20 or wrapped native token.
func (r *TokenResult) IsFungible() bool {
	switch r.Type {
	case ResultERC20Transfer, ResultERC20Approval, ResultNativeDeposit, ResultNativeWithdraw:
		return true
	}
	return false
}

// EthBalanceChange is a native balance before and after the simulation.
type EthBalanceChange struct {
	Address common.Address
	Before  *uint256.Int
	After   *uint256.Int
}

func (c *EthBalanceChange) MarshalJSON() ([]byte, error) {
	return json.Marshal(&struct {
		Address common.Address `json:"address"`
		Before  string         `json:"before"`
		After   string         `json:"after"`
	}{
		Address: c.Address,
		Before:  c.Before.Dec(),
		After:   c.After.Dec(),
	})
}

// Results is the combined visualization of one evaluated transaction.
type Results struct {
	EthBalanceChanges []*EthBalanceChange `json:"ethBalanceChanges"`
	TokenResults      []*TokenResult      `json:"tokenResults"`
}
