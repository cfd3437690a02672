package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/urfave/negroni"

	"github.com/ethpandaops/txguard/handlers/api"
	"github.com/ethpandaops/txguard/handlers/middleware"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/services"
)

type RouterConfig struct {
	CorsOrigins   []string
	AuthSecret    string
	RequireAuth   bool
	PublicMetrics bool
	DisableREST   bool
	RPC           RPCHandlerConfig
}

// NewRouter builds the http handler for the rpc endpoint, the REST api and
// the optional public metrics endpoint.
func NewRouter(config *RouterConfig, engine *services.Engine, interceptor *services.Interceptor, pool *services.ConnectionPool, ipLimiter *services.CallRateLimiter, logger logrus.FieldLogger) http.Handler {
	tokenAuth := middleware.NewTokenAuthMiddleware(config.AuthSecret, config.RequireAuth, logger)
	rateLimit := middleware.NewRateLimitMiddleware(ipLimiter, logger)
	cors := middleware.CorsMiddleware(config.CorsOrigins)

	router := mux.NewRouter()

	// rpc calls are rate limited per method inside the handler
	rpcConfig := config.RPC
	rpcConfig.CorsOrigins = config.CorsOrigins
	rpcHandler := NewRPCHandler(interceptor, pool, rateLimit, rpcConfig, logger)
	router.Handle("/rpc", tokenAuth.Middleware(cors(rpcHandler))).Methods("GET", "POST", "OPTIONS")

	if !config.DisableREST {
		middleware.SetEndpointCost("/api/v1/evaluate", services.MethodCost("txguard_evaluate"))

		apiHandler := api.NewAPIHandler(engine, logger)
		apiRouter := router.PathPrefix("/api/v1").Subrouter()
		apiRouter.HandleFunc("/evaluate", apiHandler.ApiEvaluateV1).Methods("POST", "OPTIONS")
		apiRouter.HandleFunc("/export/hash", apiHandler.ApiExportHashV1).Methods("POST", "OPTIONS")
		apiRouter.Use(middleware.CallCostMiddleware, tokenAuth.Middleware, cors, rateLimit.Middleware)
	}

	if config.PublicMetrics {
		router.Handle("/metrics", metrics.GetMetricsHandler())
	}

	n := negroni.New()
	n.Use(negroni.NewRecovery())
	n.UseHandler(router)
	return n
}
