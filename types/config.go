package types

import "time"

// Config is a struct to hold the configuration data
type Config struct {
	Logging struct {
		OutputLevel  string `yaml:"outputLevel" envconfig:"LOGGING_OUTPUT_LEVEL"`
		OutputStderr bool   `yaml:"outputStderr" envconfig:"LOGGING_OUTPUT_STDERR"`

		FilePath  string `yaml:"filePath" envconfig:"LOGGING_FILE_PATH"`
		FileLevel string `yaml:"fileLevel" envconfig:"LOGGING_FILE_LEVEL"`
	} `yaml:"logging"`

	Server struct {
		Port string `yaml:"port" envconfig:"SERVER_PORT"`
		Host string `yaml:"host" envconfig:"SERVER_HOST"`

		HttpReadTimeout  time.Duration `yaml:"httpReadTimeout" envconfig:"SERVER_HTTP_READ_TIMEOUT"`
		HttpWriteTimeout time.Duration `yaml:"httpWriteTimeout" envconfig:"SERVER_HTTP_WRITE_TIMEOUT"`
		HttpIdleTimeout  time.Duration `yaml:"httpIdleTimeout" envconfig:"SERVER_HTTP_IDLE_TIMEOUT"`
	} `yaml:"server"`

	Network struct {
		Name       string `yaml:"name" envconfig:"NETWORK_NAME"`
		ConfigPath string `yaml:"configPath" envconfig:"NETWORK_CONFIG_PATH"`

		Config NetworkConfig `yaml:"config"`
	} `yaml:"network"`

	ExecutionApi struct {
		Endpoint     string            `yaml:"endpoint" envconfig:"EXECUTIONAPI_ENDPOINT"`
		Headers      map[string]string `yaml:"headers"`
		Timeout      time.Duration     `yaml:"timeout" envconfig:"EXECUTIONAPI_TIMEOUT"`
		PollInterval time.Duration     `yaml:"pollInterval" envconfig:"EXECUTIONAPI_POLL_INTERVAL"`
	} `yaml:"executionapi"`

	Simulation struct {
		MaxBlocks             int  `yaml:"maxBlocks" envconfig:"SIMULATION_MAX_BLOCKS"`
		MaxCallsPerBlock      int  `yaml:"maxCallsPerBlock" envconfig:"SIMULATION_MAX_CALLS_PER_BLOCK"`
		DisableSyntheticHeads bool `yaml:"disableSyntheticHeads" envconfig:"SIMULATION_DISABLE_SYNTHETIC_HEADS"`
	} `yaml:"simulation"`

	Pricing struct {
		Enabled  bool          `yaml:"enabled" envconfig:"PRICING_ENABLED"`
		MaxAge   time.Duration `yaml:"maxAge" envconfig:"PRICING_MAX_AGE"`
		FeeTiers []uint32      `yaml:"feeTiers" envconfig:"PRICING_FEE_TIERS"`
	} `yaml:"pricing"`

	Cache struct {
		LocalCacheSize   int    `yaml:"localCacheSize" envconfig:"CACHE_LOCAL_CACHE_SIZE"`
		RedisCacheAddr   string `yaml:"redisCacheAddr" envconfig:"CACHE_REDIS_CACHE_ADDR"`
		RedisCachePrefix string `yaml:"redisCachePrefix" envconfig:"CACHE_REDIS_CACHE_PREFIX"`
	} `yaml:"cache"`

	Connections struct {
		MaxPendingRequests int           `yaml:"maxPendingRequests" envconfig:"CONNECTIONS_MAX_PENDING_REQUESTS"`
		SendQueueSize      int           `yaml:"sendQueueSize" envconfig:"CONNECTIONS_SEND_QUEUE_SIZE"`
		WriteTimeout       time.Duration `yaml:"writeTimeout" envconfig:"CONNECTIONS_WRITE_TIMEOUT"`
	} `yaml:"connections"`

	Api struct {
		Enabled     bool     `yaml:"enabled" envconfig:"API_ENABLED"`
		CorsOrigins []string `yaml:"corsOrigins" envconfig:"API_CORS_ORIGINS"`

		AuthSecret  string `yaml:"authSecret" envconfig:"API_AUTH_SECRET"`
		RequireAuth bool   `yaml:"requireAuth" envconfig:"API_REQUIRE_AUTH"`
	} `yaml:"api"`

	RateLimit struct {
		Enabled    bool `yaml:"enabled" envconfig:"RATELIMIT_ENABLED"`
		ProxyCount uint `yaml:"proxyCount" envconfig:"RATELIMIT_PROXY_COUNT"`
		Rate       uint `yaml:"rate" envconfig:"RATELIMIT_RATE"`
		Burst      uint `yaml:"burst" envconfig:"RATELIMIT_BURST"`
	} `yaml:"rateLimit"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" envconfig:"METRICS_ENABLED"`
		Public  bool   `yaml:"public" envconfig:"METRICS_PUBLIC"`
		Host    string `yaml:"host" envconfig:"METRICS_HOST"`
		Port    string `yaml:"port" envconfig:"METRICS_PORT"`
	} `yaml:"metrics"`

	Database DatabaseConfig `yaml:"database"`
}

// NetworkConfig describes the chain the engine simulates against.
type NetworkConfig struct {
	ConfigName  string `yaml:"CONFIG_NAME"`
	ChainID     uint64 `yaml:"CHAIN_ID"`
	DisplayName string `yaml:"DISPLAY_NAME"`

	NativeCurrencyName     string `yaml:"NATIVE_CURRENCY_NAME"`
	NativeCurrencySymbol   string `yaml:"NATIVE_CURRENCY_SYMBOL"`
	NativeCurrencyDecimals uint8  `yaml:"NATIVE_CURRENCY_DECIMALS"`

	WrappedNativeToken    string `yaml:"WRAPPED_NATIVE_TOKEN"`
	Multicall3Address     string `yaml:"MULTICALL3_ADDRESS"`
	UniswapV3Factory      string `yaml:"UNISWAP_V3_FACTORY"`
	UniswapV3InitCodeHash string `yaml:"UNISWAP_V3_INIT_CODE_HASH"`
}

type DatabaseConfig struct {
	Engine      string                     `yaml:"engine" envconfig:"DATABASE_ENGINE"`
	Sqlite      *SqliteDatabaseConfig      `yaml:"sqlite"`
	Pgsql       *PgsqlDatabaseConfig       `yaml:"pgsql"`
	PgsqlWriter *PgsqlWriterDatabaseConfig `yaml:"pgsqlWriter"`
}

type SqliteDatabaseConfig struct {
	File         string `yaml:"file" envconfig:"DATABASE_SQLITE_FILE"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_SQLITE_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_SQLITE_MAX_IDLE_CONNS"`
}

type PgsqlDatabaseConfig struct {
	Username     string `yaml:"user" envconfig:"DATABASE_PGSQL_USERNAME"`
	Password     string `yaml:"password" envconfig:"DATABASE_PGSQL_PASSWORD"`
	Name         string `yaml:"name" envconfig:"DATABASE_PGSQL_NAME"`
	Host         string `yaml:"host" envconfig:"DATABASE_PGSQL_HOST"`
	Port         string `yaml:"port" envconfig:"DATABASE_PGSQL_PORT"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_PGSQL_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_PGSQL_MAX_IDLE_CONNS"`
}

type PgsqlWriterDatabaseConfig struct {
	Username     string `yaml:"user" envconfig:"DATABASE_PGSQL_WRITER_USERNAME"`
	Password     string `yaml:"password" envconfig:"DATABASE_PGSQL_WRITER_PASSWORD"`
	Name         string `yaml:"name" envconfig:"DATABASE_PGSQL_WRITER_NAME"`
	Host         string `yaml:"host" envconfig:"DATABASE_PGSQL_WRITER_HOST"`
	Port         string `yaml:"port" envconfig:"DATABASE_PGSQL_WRITER_PORT"`
	MaxOpenConns int    `yaml:"maxOpenConns" envconfig:"DATABASE_PGSQL_WRITER_MAX_OPEN_CONNS"`
	MaxIdleConns int    `yaml:"maxIdleConns" envconfig:"DATABASE_PGSQL_WRITER_MAX_IDLE_CONNS"`
}
