package middleware

import (
	"net/http"
	"regexp"
	"strings"
)

// CorsMiddleware allows the configured origins. Origins carried by an
// authenticated token replace the configured ones.
func CorsMiddleware(origins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowedOrigins := origins
			if tokenInfo := GetTokenInfo(r); tokenInfo != nil && len(tokenInfo.CorsOrigins) > 0 {
				allowedOrigins = tokenInfo.CorsOrigins
			}

			origin := r.Header.Get("Origin")
			if origin != "" {
				for _, allowed := range allowedOrigins {
					if matchOrigin(allowed, origin) {
						w.Header().Set("Access-Control-Allow-Origin", origin)
						w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
						w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
						w.Header().Add("Vary", "Origin")
						break
					}
				}
			}

			// Handle preflight requests
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func matchOrigin(pattern, origin string) bool {
	if pattern == "*" {
		return true
	}

	// Escape special regex chars except *
	pattern = regexp.QuoteMeta(pattern)
	pattern = strings.ReplaceAll(pattern, "\\*", ".*")
	pattern = "^" + pattern + "$"

	matched, err := regexp.MatchString(pattern, origin)
	if err != nil {
		return false
	}
	return matched
}

// OriginAllowed reports whether the Origin header of r matches one of the
// allowed origins. Requests without an Origin header are allowed.
func OriginAllowed(r *http.Request, origins []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if tokenInfo := GetTokenInfo(r); tokenInfo != nil && len(tokenInfo.CorsOrigins) > 0 {
		origins = tokenInfo.CorsOrigins
	}
	for _, allowed := range origins {
		if matchOrigin(allowed, origin) {
			return true
		}
	}
	return false
}
