package utils

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/txguard/config"
	"github.com/ethpandaops/txguard/types"
)

// Config is the globally accessible configuration
var Config *types.Config

// ReadConfig will process a configuration
func ReadConfig(cfg *types.Config, path string) error {
	err := readConfigFile(cfg, path)
	if err != nil {
		return err
	}

	err = readConfigEnv(cfg)
	if err != nil {
		return fmt.Errorf("error reading config from environment: %w", err)
	}

	var networkConfig types.NetworkConfig
	if cfg.Network.ConfigPath != "" {
		f, err := os.Open(cfg.Network.ConfigPath)
		if err != nil {
			return fmt.Errorf("error opening network config file %v: %w", cfg.Network.ConfigPath, err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		err = decoder.Decode(&networkConfig)
		if err != nil {
			return fmt.Errorf("error decoding network config file %v: %v", cfg.Network.ConfigPath, err)
		}
	}

	// load preset for known networks, explicitly configured values take precedence
	presetName := cfg.Network.Name
	if networkConfig.ConfigName != "" {
		presetName = networkConfig.ConfigName
	}

	var presetYml string
	switch presetName {
	case "mainnet":
		presetYml = config.MainnetNetworkYml
	case "sepolia":
		presetYml = config.SepoliaNetworkYml
	case "base":
		presetYml = config.BaseNetworkYml
	}

	if presetYml != "" {
		var preset types.NetworkConfig
		err = yaml.Unmarshal([]byte(presetYml), &preset)
		if err != nil {
			return err
		}

		err = mergo.Merge(&preset, networkConfig, mergo.WithOverride)
		if err != nil {
			return fmt.Errorf("error merging network preset: %v", err)
		}

		networkConfig = preset
	} else if cfg.Network.ConfigPath == "" {
		return fmt.Errorf("unknown network name %v and no network config path given", cfg.Network.Name)
	}

	err = mergo.Merge(&networkConfig, cfg.Network.Config, mergo.WithOverride)
	if err != nil {
		return fmt.Errorf("error merging inline network config: %v", err)
	}

	cfg.Network.Config = networkConfig
	cfg.Network.Name = networkConfig.ConfigName

	if cfg.Network.Config.ChainID == 0 {
		return fmt.Errorf("missing chain id in network config")
	}

	if cfg.ExecutionApi.Endpoint == "" {
		return fmt.Errorf("missing execution api endpoint (need an endpoint to run the simulation engine)")
	}

	applyConfigDefaults(cfg)

	logrus.WithFields(logrus.Fields{
		"network":       cfg.Network.Name,
		"chainId":       cfg.Network.Config.ChainID,
		"wrappedNative": cfg.Network.Config.WrappedNativeToken,
		"multicall3":    cfg.Network.Config.Multicall3Address,
	}).Infof("did init config")

	return nil
}

func applyConfigDefaults(cfg *types.Config) {
	if cfg.ExecutionApi.PollInterval == 0 {
		cfg.ExecutionApi.PollInterval = DefaultPollInterval
	}
	if cfg.Connections.MaxPendingRequests == 0 {
		cfg.Connections.MaxPendingRequests = DefaultMaxPendingRequests
	}
	if cfg.Connections.SendQueueSize == 0 {
		cfg.Connections.SendQueueSize = 64
	}
	if cfg.Pricing.MaxAge == 0 {
		cfg.Pricing.MaxAge = DefaultPriceMaxAge
	}
	if len(cfg.Pricing.FeeTiers) == 0 {
		cfg.Pricing.FeeTiers = []uint32{100, 500, 3000, 10000}
	}
	if cfg.Cache.LocalCacheSize == 0 {
		cfg.Cache.LocalCacheSize = 64
	}
	if cfg.Network.Config.NativeCurrencyDecimals == 0 {
		cfg.Network.Config.NativeCurrencyDecimals = 18
	}
}

func readConfigFile(cfg *types.Config, path string) error {
	if path == "" {
		return yaml.Unmarshal([]byte(config.DefaultConfigYml), cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file %v: %v", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(cfg)
	if err != nil {
		return fmt.Errorf("error decoding config file %v: %v", path, err)
	}

	return nil
}

func readConfigEnv(cfg *types.Config) error {
	return envconfig.Process("", cfg)
}
