package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/types"
)

type contextKey string

const (
	contextKeyTokenInfo contextKey = "token_info"
)

// TokenAuthMiddleware handles JWT token authentication for API requests
type TokenAuthMiddleware struct {
	secret      string
	requireAuth bool
	logger      logrus.FieldLogger
}

func NewTokenAuthMiddleware(secret string, requireAuth bool, logger logrus.FieldLogger) *TokenAuthMiddleware {
	return &TokenAuthMiddleware{
		secret:      secret,
		requireAuth: requireAuth,
		logger:      logger.WithField("module", "auth"),
	}
}

// authenticateToken validates a JWT token and returns token information
func (m *TokenAuthMiddleware) authenticateToken(tokenString string) (*types.APITokenInfo, error) {
	if m.secret == "" {
		return nil, fmt.Errorf("authentication secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &types.APITokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(*types.APITokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	tokenInfo := &types.APITokenInfo{
		Name:               claims.Name,
		RateLimit:          claims.RateLimit,
		MaxPendingRequests: claims.MaxPendingRequests,
		CorsOrigins:        claims.CorsOrigins,
	}
	if claims.IssuedAt != nil {
		tokenInfo.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		tokenInfo.ExpiresAt = &claims.ExpiresAt.Time
	}
	return tokenInfo, nil
}

// bearerToken returns the token of the Authorization header or, for
// websocket upgrades where browsers cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) (string, bool, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, true, nil
		}
		return "", false, nil
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false, fmt.Errorf("invalid authorization header format")
	}
	return parts[1], true, nil
}

// Middleware processes JWT authentication and adds token info to request context
func (m *TokenAuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tokenInfo *types.APITokenInfo

		tokenString, found, err := bearerToken(r)
		if err != nil {
			APIErrorResponse(w, http.StatusUnauthorized, "ERROR: "+err.Error())
			return
		}
		if found {
			tokenInfo, err = m.authenticateToken(tokenString)
			if err != nil {
				m.logger.WithError(err).WithField("client_ip", GetClientIP(r)).Warn("API authentication failed")
				APIErrorResponse(w, http.StatusUnauthorized, "ERROR: invalid authentication token")
				return
			}

			m.logger.WithFields(logrus.Fields{
				"client_ip":  GetClientIP(r),
				"token_name": tokenInfo.Name,
			}).Debug("API request with valid token")
		}

		if m.requireAuth && tokenInfo == nil && r.Method != "OPTIONS" {
			m.logger.WithField("client_ip", GetClientIP(r)).Warn("API request rejected: authentication required")
			APIErrorResponse(w, http.StatusUnauthorized, "ERROR: authentication required")
			return
		}

		if tokenInfo != nil {
			r = r.WithContext(context.WithValue(r.Context(), contextKeyTokenInfo, tokenInfo))
		}

		next.ServeHTTP(w, r)
	})
}

// GetTokenInfo extracts token information from request context
func GetTokenInfo(r *http.Request) *types.APITokenInfo {
	if tokenInfo, ok := r.Context().Value(contextKeyTokenInfo).(*types.APITokenInfo); ok {
		return tokenInfo
	}
	return nil
}
