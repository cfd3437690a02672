package services

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/ethpandaops/txguard/metrics"
)

// CallRateLimiter limits the calls per client ip. Costs let expensive
// methods consume more of the budget.
type CallRateLimiter struct {
	proxyCount uint
	rateLimit  uint
	burstLimit uint

	mutex    sync.Mutex
	visitors map[string]*callRateVisitor
}

type callRateVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	GlobalCallRateLimiter *CallRateLimiter

	rateLimiterVisitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txguard_call_rate_limiter_visitors_count",
		Help: "Number of visitors in the call rate limiter",
	})
	rateLimiterNewVisitors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txguard_call_rate_limiter_new_visitors_count",
		Help: "Number of new visitors in the call rate limiter",
	})
)

// StartCallRateLimiter starts the global call rate limiter.
func StartCallRateLimiter(ctx context.Context, proxyCount uint, rateLimit uint, burstLimit uint) error {
	if GlobalCallRateLimiter != nil {
		return nil
	}

	GlobalCallRateLimiter = NewCallRateLimiter(proxyCount, rateLimit, burstLimit)
	go GlobalCallRateLimiter.cleanupVisitors(ctx)

	metrics.AddPreCollectFn(func() {
		GlobalCallRateLimiter.mutex.Lock()
		defer GlobalCallRateLimiter.mutex.Unlock()

		rateLimiterVisitors.Set(float64(len(GlobalCallRateLimiter.visitors)))
	})

	return nil
}

func NewCallRateLimiter(proxyCount uint, rateLimit uint, burstLimit uint) *CallRateLimiter {
	if burstLimit < rateLimit {
		burstLimit = rateLimit
	}
	return &CallRateLimiter{
		proxyCount: proxyCount,
		rateLimit:  rateLimit,
		burstLimit: burstLimit,
		visitors:   map[string]*callRateVisitor{},
	}
}

// ClientIP returns the caller ip of r, honoring proxyCount trusted proxies
// in front of the server.
func (crl *CallRateLimiter) ClientIP(r *http.Request) string {
	var ip string

	if crl.proxyCount > 0 {
		forwardIps := strings.Split(r.Header.Get("X-Forwarded-For"), ", ")
		forwardIdx := len(forwardIps) - int(crl.proxyCount)
		if forwardIdx >= 0 {
			ip = strings.TrimSpace(forwardIps[forwardIdx])
		}
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr
		}
	}
	return ip
}

// CheckCallLimit consumes callCost calls of the budget of ip. A nil limiter
// allows everything.
func (crl *CallRateLimiter) CheckCallLimit(ip string, callCost uint) error {
	if crl == nil {
		return nil
	}
	if ip == "" {
		return fmt.Errorf("could not get visitor")
	}
	visitor := crl.getVisitor(ip)
	if !visitor.limiter.AllowN(time.Now(), int(callCost)) {
		return fmt.Errorf("call rate limit exceeded")
	}
	return nil
}

func (crl *CallRateLimiter) getVisitor(ip string) *callRateVisitor {
	crl.mutex.Lock()
	defer crl.mutex.Unlock()

	visitor := crl.visitors[ip]
	if visitor == nil {
		visitor = &callRateVisitor{
			limiter:  rate.NewLimiter(rate.Limit(crl.rateLimit), int(crl.burstLimit)),
			lastSeen: time.Now(),
		}
		crl.visitors[ip] = visitor

		rateLimiterNewVisitors.Inc()
	} else {
		visitor.lastSeen = time.Now()
	}
	return visitor
}

func (crl *CallRateLimiter) cleanupVisitors(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		crl.mutex.Lock()
		for ip, v := range crl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(crl.visitors, ip)
			}
		}
		crl.mutex.Unlock()
	}
}
