package types

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// APITokenClaims represents the JWT claims for API authentication
type APITokenClaims struct {
	Name               string   `json:"name"`
	RateLimit          uint     `json:"rate_limit,omitempty"`           // calls per minute, 0 = unlimited
	MaxPendingRequests uint     `json:"max_pending_requests,omitempty"` // per connection, 0 = global config
	CorsOrigins        []string `json:"cors_origins,omitempty"`         // allowed CORS origins, empty = use global config
	jwt.RegisteredClaims
}

// APITokenInfo contains information about an authenticated token
type APITokenInfo struct {
	Name               string
	RateLimit          uint
	MaxPendingRequests uint
	CorsOrigins        []string
	ExpiresAt          *time.Time
	IssuedAt           time.Time
}
