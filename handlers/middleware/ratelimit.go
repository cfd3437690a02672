package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/txguard/metrics"
	"github.com/ethpandaops/txguard/services"
)

// burst of token limiters, large enough for the most expensive call
const minTokenBurst = 10

// rateLimitEntry represents a rate limiter for a specific token
type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware limits calls per client ip through the call rate
// limiter. Authenticated tokens carry their own limit; a token limit of 0
// means unlimited.
type RateLimitMiddleware struct {
	ipLimiter *services.CallRateLimiter
	logger    logrus.FieldLogger

	mutex         sync.Mutex
	tokenLimiters map[string]*rateLimitEntry
}

func NewRateLimitMiddleware(ipLimiter *services.CallRateLimiter, logger logrus.FieldLogger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		ipLimiter:     ipLimiter,
		logger:        logger.WithField("module", "ratelimit"),
		tokenLimiters: map[string]*rateLimitEntry{},
	}
}

func (m *RateLimitMiddleware) tokenLimiter(name string, limit uint) *rate.Limiter {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	for key, entry := range m.tokenLimiters {
		if now.Sub(entry.lastSeen) > 10*time.Minute {
			delete(m.tokenLimiters, key)
		}
	}

	key := fmt.Sprintf("%v:%v", name, limit)
	entry, exists := m.tokenLimiters[key]
	if !exists {
		burst := int(limit) * 2
		if burst < minTokenBurst {
			burst = minTokenBurst
		}
		entry = &rateLimitEntry{
			limiter: rate.NewLimiter(rate.Limit(limit)/60, burst),
		}
		m.tokenLimiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// Allow consumes cost calls of the budget of the caller of r.
func (m *RateLimitMiddleware) Allow(r *http.Request, cost uint) error {
	if m == nil {
		return nil
	}

	if tokenInfo := GetTokenInfo(r); tokenInfo != nil {
		if tokenInfo.RateLimit == 0 {
			return nil
		}
		limiter := m.tokenLimiter(tokenInfo.Name, tokenInfo.RateLimit)
		if !limiter.AllowN(time.Now(), int(cost)) {
			return fmt.Errorf("token rate limit exceeded")
		}
		return nil
	}

	return m.ipLimiter.CheckCallLimit(GetClientIP(r), cost)
}

// Middleware applies rate limiting to API requests
func (m *RateLimitMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}

		cost := GetCallCost(r)
		if err := m.Allow(r, cost); err != nil {
			metrics.RejectedRequests.WithLabelValues("ratelimit").Inc()
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Second).Unix(), 10))

			m.logger.WithFields(logrus.Fields{
				"client_ip": GetClientIP(r),
				"path":      r.URL.Path,
				"cost":      cost,
			}).Warn("API rate limit exceeded")

			APIErrorResponse(w, http.StatusTooManyRequests, "ERROR: rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
