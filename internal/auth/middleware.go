package auth

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

type contextKey int

const (
	ctxRemoteIP contextKey = iota
)

// RequestRemoteIP returns the client IP from the context, or "".
func RequestRemoteIP(ctx context.Context) string {
	v, _ := ctx.Value(ctxRemoteIP).(string)
	return v
}

// Middleware returns HTTP middleware that requires a valid API key as a
// Bearer token. Rejected requests get a 401 with a WWW-Authenticate
// challenge.
func Middleware(verifier *KeyVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)

			key, ok := bearerToken(r)
			if !ok {
				logger.Debug("control request without api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				// RFC 6750 Section 3.1: no error attribute when no token was provided.
				challenge(w, "")

				return
			}

			if !verifier.Verify(key) {
				logger.Warn("control request with invalid api key",
					slog.String("ip", ip),
					slog.String("path", r.URL.Path),
				)
				challenge(w, "invalid_token")

				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxRemoteIP, ip)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || key == "" {
		return "", false
	}

	return key, true
}

func remoteIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}

	return r.RemoteAddr
}

func challenge(w http.ResponseWriter, code string) {
	value := `Bearer realm="health-sync"`
	if code != "" {
		value += `, error="` + code + `"`
	}

	w.Header().Set("WWW-Authenticate", value)
	w.WriteHeader(http.StatusUnauthorized)
}
