package middleware

import (
	"context"
	"net/http"
	"sync"
)

type callCostKey string

const (
	contextKeyCallCost callCostKey = "call_cost"
)

var (
	endpointCosts = make(map[string]uint)
	costMutex     sync.RWMutex
)

// SetEndpointCost sets the call cost for a specific endpoint path
func SetEndpointCost(path string, cost uint) {
	costMutex.Lock()
	defer costMutex.Unlock()
	endpointCosts[path] = cost
}

// CallCostMiddleware sets call costs based on endpoint mapping
func CallCostMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		costMutex.RLock()
		cost, exists := endpointCosts[r.URL.Path]
		costMutex.RUnlock()

		if !exists {
			cost = 1
		}

		ctx := context.WithValue(r.Context(), contextKeyCallCost, cost)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCallCost extracts the call cost from request context, defaults to 1
func GetCallCost(r *http.Request) uint {
	if cost, ok := r.Context().Value(contextKeyCallCost).(uint); ok {
		return cost
	}
	return 1
}
