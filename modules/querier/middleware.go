package querier

import (
	"crypto/subtle"
	"net/http"
)

const apiKeyHeader = "X-API-Key"

// authBypassPaths are probe and scrape endpoints that stay open.
var authBypassPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

func (q *Querier) authMiddleware(next http.Handler) http.Handler {
	if !q.cfg.AuthEnabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := authBypassPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get(apiKeyHeader)
		if subtle.ConstantTimeCompare([]byte(key), []byte(q.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware answers preflight requests and stamps CORS headers on
// responses to allowed origins.
func (q *Querier) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && q.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+apiKeyHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (q *Querier) originAllowed(origin string) bool {
	if _, ok := q.allowedOrigins["*"]; ok {
		return true
	}
	_, ok := q.allowedOrigins[origin]
	return ok
}
