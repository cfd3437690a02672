package config

import (
	_ "embed"
)

// engine config
//
//go:embed default.config.yml
var DefaultConfigYml string

// network presets
//
//go:embed mainnet.network.yml
var MainnetNetworkYml string

//go:embed sepolia.network.yml
var SepoliaNetworkYml string

//go:embed base.network.yml
var BaseNetworkYml string
