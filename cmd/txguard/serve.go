package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/txguard/cache"
	"github.com/ethpandaops/txguard/clients/execution"
	"github.com/ethpandaops/txguard/db"
	"github.com/ethpandaops/txguard/handlers"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/pricing"
	"github.com/ethpandaops/txguard/protectors"
	"github.com/ethpandaops/txguard/services"
	"github.com/ethpandaops/txguard/simulation"
	"github.com/ethpandaops/txguard/tokens"
	txtypes "github.com/ethpandaops/txguard/types"
	"github.com/ethpandaops/txguard/utils"
)

// export decisions are kept for this long
const exportDecisionRetention = 90 * 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the simulation engine",
	Long:  "Connect to the execution node and serve the JSON-RPC and REST interfaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringP("config", "c", "", "Path to the config file, if empty string defaults will be used")
}

func runServe(configPath string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &txtypes.Config{}
	err := utils.ReadConfig(cfg, configPath)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	utils.Config = cfg

	logCloser, err := utils.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	logger := logrus.StandardLogger()
	logger.WithFields(logrus.Fields{
		"config":  configPath,
		"version": utils.GetBuildVersion(),
		"network": cfg.Network.Name,
	}).Printf("starting")

	tieredCache, err := cache.NewTieredCache(ctx, cfg.Cache.LocalCacheSize, cfg.Cache.RedisCacheAddr, cfg.Cache.RedisCachePrefix, logger)
	if err != nil {
		return fmt.Errorf("error initializing cache: %w", err)
	}

	var decisionStore services.DecisionStore
	if cfg.Database.Engine != "" {
		database, err := db.InitDB(ctx, &cfg.Database)
		if err != nil {
			return fmt.Errorf("error initializing database: %w", err)
		}
		defer database.Close()

		err = database.ApplyEmbeddedDbSchema(-2)
		if err != nil {
			return fmt.Errorf("error initializing db schema: %w", err)
		}

		go pruneExportDecisions(ctx, database, logger)
		decisionStore = database
	} else {
		decisionStore = services.NewCacheDecisionStore(tieredCache)
	}

	network, err := simulation.NetworkFromConfig(&cfg.Network.Config, cfg.ExecutionApi.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}

	client, err := execution.NewClient(ctx, &execution.ClientConfig{
		URL:          cfg.ExecutionApi.Endpoint,
		Name:         "execution",
		Headers:      cfg.ExecutionApi.Headers,
		Timeout:      cfg.ExecutionApi.Timeout,
		PollInterval: cfg.ExecutionApi.PollInterval,
	}, execution.Callbacks{
		OnError: func(err error, c *execution.Client) {
			logger.WithFields(logrus.Fields{
				"client":    c.GetName(),
				"lastEvent": c.GetLastEventTime().Format(time.RFC3339),
			}).Warnf("execution node poll failed: %v", err)
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("error initializing execution client: %w", err)
	}

	chainID, err := client.GetChainID(ctx)
	if err != nil {
		logger.Warnf("could not verify chain id of execution node: %v", err)
	} else if chainID != network.ChainID {
		return fmt.Errorf("execution node is on chain %v, expected %v", chainID, network.ChainID)
	}

	simulator := simulation.NewSimulator(client, network, simulation.Limits{
		MaxBlocks:        cfg.Simulation.MaxBlocks,
		MaxCallsPerBlock: cfg.Simulation.MaxCallsPerBlock,
	}, logger)

	var prices *pricing.Estimator
	if cfg.Pricing.Enabled {
		if network.HasUniswapV3() {
			prices = pricing.NewEstimator(client, network, tieredCache, pricing.Config{
				MaxAge:   cfg.Pricing.MaxAge,
				FeeTiers: cfg.Pricing.FeeTiers,
			}, logger)
		} else {
			logger.Warnf("pricing enabled but network %v has no uniswap v3 factory configured", network.Name)
		}
	}

	engine := services.NewEngine(simulator, protectors.NewPipeline(logger), tokens.NewRegistry(client, tieredCache, logger), prices, logger)
	pool := services.NewConnectionPool(simulator, !cfg.Simulation.DisableSyntheticHeads, logger)
	exports := services.NewExportService(decisionStore, logger)
	interceptor := services.NewInterceptor(engine, pool, exports, logger)

	if cfg.RateLimit.Enabled {
		err = services.StartCallRateLimiter(ctx, cfg.RateLimit.ProxyCount, cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		if err != nil {
			return fmt.Errorf("error starting call rate limiter: %w", err)
		}
	}

	if cfg.Metrics.Enabled && !cfg.Metrics.Public {
		err = metrics.StartMetricsServer(logger.WithField("module", "metrics"), cfg.Metrics.Host, cfg.Metrics.Port)
		if err != nil {
			return fmt.Errorf("error starting metrics server: %w", err)
		}
	}

	router := handlers.NewRouter(&handlers.RouterConfig{
		CorsOrigins:   cfg.Api.CorsOrigins,
		AuthSecret:    cfg.Api.AuthSecret,
		RequireAuth:   cfg.Api.RequireAuth,
		PublicMetrics: cfg.Metrics.Enabled && cfg.Metrics.Public,
		DisableREST:   !cfg.Api.Enabled,
		RPC: handlers.RPCHandlerConfig{
			MaxPendingRequests: cfg.Connections.MaxPendingRequests,
			SendQueueSize:      cfg.Connections.SendQueueSize,
			WriteTimeout:       cfg.Connections.WriteTimeout,
		},
	}, engine, interceptor, pool, services.GlobalCallRateLimiter, logger)

	webserver, err := startWebserver(cfg, router, logger)
	if err != nil {
		return fmt.Errorf("error starting webserver: %w", err)
	}

	go processHeads(ctx, client.SubscribeBlockEvent(16), pool)
	client.Start()

	utils.WaitForCtrlC()
	logger.Println("exiting...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webserver.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("error shutting down webserver: %v", err)
	}
	client.Stop()

	return nil
}

func startWebserver(cfg *txtypes.Config, handler http.Handler, logger logrus.FieldLogger) (*http.Server, error) {
	if cfg.Server.HttpWriteTimeout == 0 {
		cfg.Server.HttpWriteTimeout = time.Second * 60
	}
	if cfg.Server.HttpReadTimeout == 0 {
		cfg.Server.HttpReadTimeout = time.Second * 15
	}
	if cfg.Server.HttpIdleTimeout == 0 {
		cfg.Server.HttpIdleTimeout = time.Second * 60
	}
	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		WriteTimeout: cfg.Server.HttpWriteTimeout,
		ReadTimeout:  cfg.Server.HttpReadTimeout,
		IdleTimeout:  cfg.Server.HttpIdleTimeout,
		Handler:      handler,
	}

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return nil, err
	}

	logger.Printf("http server listening on %v", srv.Addr)
	go func() {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			utils.LogFatal(err, "error serving http", 0)
		}
	}()

	return srv, nil
}

// processHeads rebases the simulations and re-delivers heads outside of the
// poll loop, so a slow fan-out does not delay polling.
func processHeads(ctx context.Context, subscription *utils.Subscription[*types.Header], pool *services.ConnectionPool) {
	defer utils.HandleSubroutinePanic("processHeads")
	defer subscription.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case header := <-subscription.Channel():
			pool.OnNewBlock(ctx, header)
		}
	}
}

func pruneExportDecisions(ctx context.Context, database *db.Database, logger logrus.FieldLogger) {
	defer utils.HandleSubroutinePanic("pruneExportDecisions")

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		deleted, err := database.DeleteExportDecisionsBefore(ctx, time.Now().Add(-exportDecisionRetention).Unix())
		if err != nil && ctx.Err() == nil {
			utils.LogError(err, "error pruning export decisions", 0)
		} else if deleted > 0 {
			logger.Infof("pruned %v export decisions", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
