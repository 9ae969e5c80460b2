package collector

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyHeader = "X-API-Key"

// authMiddleware enforces the API key when auth is enabled. Comparison is
// constant-time so key length and prefix never leak through timing.
func (c *Collector) authMiddleware(next http.Handler) http.Handler {
	if !c.cfg.AuthEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(c.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}
