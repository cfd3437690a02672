package simulation

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethpandaops/txguard/types"
	"github.com/ethpandaops/txguard/utils"
)

// NativeCurrency describes the chain's gas token.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
}

// Network is the immutable description of the chain a simulation targets.
type Network struct {
	Name                  string         `json:"name"`
	ChainID               uint64         `json:"chainId"`
	RPCEndpoint           string         `json:"-"`
	NativeCurrency        NativeCurrency `json:"nativeCurrency"`
	WrappedNativeToken    common.Address `json:"wrappedNativeToken"`
	Multicall3            common.Address `json:"multicall3"`
	UniswapV3Factory      common.Address `json:"uniswapV3Factory"`
	UniswapV3InitCodeHash common.Hash    `json:"uniswapV3InitCodeHash"`
}

// NetworkFromConfig builds the descriptor from a loaded network config.
func NetworkFromConfig(cfg *types.NetworkConfig, endpoint string) (*Network, error) {
	network := &Network{
		Name:        cfg.ConfigName,
		ChainID:     cfg.ChainID,
		RPCEndpoint: endpoint,
		NativeCurrency: NativeCurrency{
			Name:     cfg.NativeCurrencyName,
			Symbol:   cfg.NativeCurrencySymbol,
			Decimals: cfg.NativeCurrencyDecimals,
		},
	}

	var err error
	if network.WrappedNativeToken, err = parseConfigAddress("WRAPPED_NATIVE_TOKEN", cfg.WrappedNativeToken); err != nil {
		return nil, err
	}
	if network.Multicall3, err = parseConfigAddress("MULTICALL3_ADDRESS", cfg.Multicall3Address); err != nil {
		return nil, err
	}
	if network.UniswapV3Factory, err = parseConfigAddress("UNISWAP_V3_FACTORY", cfg.UniswapV3Factory); err != nil {
		return nil, err
	}

	if cfg.UniswapV3InitCodeHash != "" {
		hashBytes := common.FromHex(cfg.UniswapV3InitCodeHash)
		if len(hashBytes) != common.HashLength {
			return nil, fmt.Errorf("invalid UNISWAP_V3_INIT_CODE_HASH %q", cfg.UniswapV3InitCodeHash)
		}
		network.UniswapV3InitCodeHash = common.BytesToHash(hashBytes)
	}

	return network, nil
}

// HasUniswapV3 reports whether pool derivation is configured.
func (n *Network) HasUniswapV3() bool {
	return n.UniswapV3Factory != (common.Address{}) && n.UniswapV3InitCodeHash != (common.Hash{})
}

func parseConfigAddress(name, value string) (common.Address, error) {
	if value == "" {
		return common.Address{}, nil
	}
	addr, err := utils.ParseAddress(value)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %v: %w", name, err)
	}
	return addr, nil
}
