// Package middleware adapts the validator to net/http handler chains.
// Routing itself stays with the embedding service; this package only
// extracts the bearer credential and client metadata and enforces the
// generic failure boundary.
package middleware

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/sigilium/tokencore"
	"github.com/sigilium/tokencore/token"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the validated claims attached by Guard.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*token.Claims)
	return claims, ok
}

// Guard wraps handlers with access-token validation. Failures answer 401
// with the generic external message (503 when storage is the problem) so
// no validation detail leaks to clients.
func Guard(validator *tokencore.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				http.Error(w, tokencore.ExternalMessage(tokencore.ErrNotReady), http.StatusUnauthorized)
				return
			}

			signed, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, tokencore.ExternalMessage(tokencore.ErrTokenMalformed), http.StatusUnauthorized)
				return
			}

			claims, err := validator.Validate(r.Context(), signed, clientIP(r), userAgent(r))
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, tokencore.ErrStoreUnavailable) {
					status = http.StatusServiceUnavailable
				}
				http.Error(w, tokencore.ExternalMessage(err), status)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}
	signed := value[len(bearer):]
	if signed == "" {
		return "", false
	}
	return signed, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func userAgent(r *http.Request) string {
	ua := r.UserAgent()
	if len(ua) > 500 {
		ua = ua[:500]
	}
	return ua
}
