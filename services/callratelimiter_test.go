package services

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallRateLimiterCosts(t *testing.T) {
	crl := NewCallRateLimiter(0, 1, 10)

	require.NoError(t, crl.CheckCallLimit("10.0.0.1", MethodCost("eth_sendTransaction")))
	require.NoError(t, crl.CheckCallLimit("10.0.0.1", MethodCost("txguard_evaluate")))
	assert.Error(t, crl.CheckCallLimit("10.0.0.1", MethodCost("eth_chainId")))

	// budgets are per ip
	assert.NoError(t, crl.CheckCallLimit("10.0.0.2", 1))
}

func TestNilCallRateLimiterAllows(t *testing.T) {
	var crl *CallRateLimiter
	assert.NoError(t, crl.CheckCallLimit("10.0.0.1", 1000))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		proxyCount uint
		forwarded  string
		expected   string
	}{
		{name: "direct", proxyCount: 0, forwarded: "1.1.1.1", expected: "192.0.2.1"},
		{name: "one proxy", proxyCount: 1, forwarded: "1.1.1.1, 2.2.2.2", expected: "2.2.2.2"},
		{name: "two proxies", proxyCount: 2, forwarded: "1.1.1.1, 2.2.2.2", expected: "1.1.1.1"},
		{name: "missing header", proxyCount: 1, forwarded: "", expected: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			crl := NewCallRateLimiter(tt.proxyCount, 1, 1)
			req := httptest.NewRequest("POST", "/rpc", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.expected, crl.ClientIP(req))
		})
	}
}
