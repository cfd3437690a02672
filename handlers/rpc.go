package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/handlers/middleware"
	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/services"
	"github.com/ethpandaops/txguard/utils"
)

const (
	maxMessageSize = 1024 * 1024
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

type RPCHandlerConfig struct {
	MaxPendingRequests int
	SendQueueSize      int
	WriteTimeout       time.Duration
	CorsOrigins        []string
}

// RPCHandler serves the JSON-RPC interface. Websocket connections keep
// their simulation and subscriptions for their lifetime, plain POST
// requests run on a throwaway connection.
type RPCHandler struct {
	interceptor *services.Interceptor
	pool        *services.ConnectionPool
	rateLimit   *middleware.RateLimitMiddleware
	config      RPCHandlerConfig
	upgrader    websocket.Upgrader
	logger      logrus.FieldLogger
}

func NewRPCHandler(interceptor *services.Interceptor, pool *services.ConnectionPool, rateLimit *middleware.RateLimitMiddleware, config RPCHandlerConfig, logger logrus.FieldLogger) *RPCHandler {
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}

	h := &RPCHandler{
		interceptor: interceptor,
		pool:        pool,
		rateLimit:   rateLimit,
		config:      config,
		logger:      logger.WithField("module", "rpc"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(r, h.config.CorsOrigins)
		},
	}
	return h
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case websocket.IsWebSocketUpgrade(r):
		h.serveWebsocket(w, r)
	case r.Method == http.MethodPost:
		h.servePost(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *RPCHandler) connectionConfig(r *http.Request, streaming bool) *services.ConnectionConfig {
	config := &services.ConnectionConfig{
		RemoteAddr:         middleware.GetClientIP(r),
		MaxPendingRequests: h.config.MaxPendingRequests,
		SendQueueSize:      h.config.SendQueueSize,
		SendTimeout:        h.config.WriteTimeout,
		Streaming:          streaming,
	}
	if tokenInfo := middleware.GetTokenInfo(r); tokenInfo != nil && tokenInfo.MaxPendingRequests > 0 {
		config.MaxPendingRequests = int(tokenInfo.MaxPendingRequests)
	}
	return config
}

// decodeRequests accepts a single request or a batch.
func decodeRequests(data []byte) ([]*services.RPCRequest, bool, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var batch []*services.RPCRequest
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, true, err
		}
		return batch, true, nil
	}

	req := &services.RPCRequest{}
	if err := json.Unmarshal(data, req); err != nil {
		return nil, false, err
	}
	return []*services.RPCRequest{req}, false, nil
}

// handle runs one request after checking the caller's rate limit.
func (h *RPCHandler) handle(ctx context.Context, r *http.Request, conn *services.Connection, req *services.RPCRequest) *services.RPCResponse {
	if err := h.rateLimit.Allow(r, services.MethodCost(req.Method)); err != nil {
		metrics.RejectedRequests.WithLabelValues("ratelimit").Inc()
		return services.NewErrorResponse(req.ID, services.CodeLimitExceeded, err.Error())
	}
	return h.interceptor.Handle(ctx, conn, req)
}

func (h *RPCHandler) servePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	requests, isBatch, err := decodeRequests(body)
	if err != nil || len(requests) == 0 {
		metrics.RejectedRequests.WithLabelValues("parse").Inc()
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, services.NewErrorResponse(nil, services.CodeParseError, "Parse error"), h.logger)
		return
	}

	conn := services.NewConnection(h.connectionConfig(r, false), h.logger)
	defer conn.Close()

	responses := make([]*services.RPCResponse, len(requests))
	for i, req := range requests {
		responses[i] = h.handle(r.Context(), r, conn, req)
	}

	if isBatch {
		writeJSON(w, responses, h.logger)
	} else {
		writeJSON(w, responses[0], h.logger)
	}
}

func writeJSON(w io.Writer, v interface{}, logger logrus.FieldLogger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("error writing response: %v", err)
	}
}

func (h *RPCHandler) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithField("client_ip", middleware.GetClientIP(r)).Debugf("websocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	conn := services.NewConnection(h.connectionConfig(r, true), h.logger)
	h.pool.Add(conn)

	ctx, cancel := context.WithCancel(context.Background())
	var inflight sync.WaitGroup

	defer func() {
		cancel()
		inflight.Wait()
		h.pool.Remove(conn)
	}()

	go h.writeLoop(ctx, ws, conn, cancel)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.WithField("connection", conn.ID()).Debugf("websocket read failed: %v", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(pongWait))

		requests, isBatch, err := decodeRequests(data)
		if err != nil || len(requests) == 0 {
			metrics.RejectedRequests.WithLabelValues("parse").Inc()
			h.send(conn, services.NewErrorResponse(nil, services.CodeParseError, "Parse error"))
			continue
		}

		// requests may wait for a prompt answer that arrives on this
		// connection, so they must not block the read loop
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			defer utils.HandleSubroutinePanic("RPCHandler.request")

			if !isBatch {
				h.send(conn, h.handle(ctx, r, conn, requests[0]))
				return
			}
			responses := make([]*services.RPCResponse, len(requests))
			for i, req := range requests {
				responses[i] = h.handle(ctx, r, conn, req)
			}
			h.send(conn, responses)
		}()
	}
}

func (h *RPCHandler) send(conn *services.Connection, msg interface{}) {
	if err := conn.Send(msg); err != nil && err != services.ErrConnectionClosed {
		h.logger.WithField("connection", conn.ID()).Warnf("could not send response: %v", err)
	}
}

func (h *RPCHandler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *services.Connection, cancel context.CancelFunc) {
	defer utils.HandleSubroutinePanic("RPCHandler.writeLoop")
	defer cancel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-conn.Done():
			ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "send queue full"), time.Now().Add(time.Second))
			ws.Close()
			return
		case data := <-conn.Outbound():
			ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.WithField("connection", conn.ID()).Debugf("websocket write failed: %v", err)
				ws.Close()
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}
