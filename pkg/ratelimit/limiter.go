package ratelimit

import (
	"flag"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var throttledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "vantage",
	Name:      "collector_requests_throttled_total",
	Help:      "Requests rejected by the per-client rate limiter.",
})

// Paths exempt from rate limiting.
var bypassPaths = map[string]struct{}{
	"/health":  {},
	"/ready":   {},
	"/live":    {},
	"/metrics": {},
}

// Config sets the per-client request budget.
type Config struct {
	Enabled     bool          `yaml:"enabled"`
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.Enabled = true
	cfg.MaxRequests = 1000
	cfg.Window = time.Minute

	f.IntVar(&cfg.MaxRequests, prefix+".max-requests", cfg.MaxRequests, "Requests allowed per client per window.")
	f.DurationVar(&cfg.Window, prefix+".window", cfg.Window, "Rate limit window.")
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a token-bucket budget per client IP. Idle buckets are
// evicted so the map stays bounded by the active client set.
type Limiter struct {
	cfg    Config
	logger log.Logger

	mtx     sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

func New(cfg Config, logger log.Logger) *Limiter {
	return &Limiter{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow consumes one token for key. When the bucket is empty it returns
// false plus the wait until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	c, ok := l.clients[key]
	if !ok {
		c = &client{
			limiter: rate.NewLimiter(rate.Limit(float64(l.cfg.MaxRequests)/l.cfg.Window.Seconds()), l.cfg.MaxRequests),
		}
		l.clients[key] = c
	}
	c.lastSeen = l.now()

	if c.limiter.Allow() {
		return true, 0
	}
	r := c.limiter.Reserve()
	delay := r.Delay()
	r.Cancel()
	return false, delay
}

// Remaining reports how many whole tokens key has left.
func (l *Limiter) Remaining(key string) int {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	c, ok := l.clients[key]
	if !ok {
		return l.cfg.MaxRequests
	}
	return int(c.limiter.Tokens())
}

// Evict drops buckets idle for at least twice the window and returns how
// many were removed.
func (l *Limiter) Evict() int {
	l.mtx.Lock()
	defer l.mtx.Unlock()

	cutoff := l.now().Add(-2 * l.cfg.Window)
	evicted := 0
	for key, c := range l.clients {
		if c.lastSeen.Before(cutoff) || c.lastSeen.Equal(cutoff) {
			delete(l.clients, key)
			evicted++
		}
	}
	return evicted
}

// RunEviction evicts idle buckets every window until stop is closed.
func (l *Limiter) RunEviction(stop <-chan struct{}) {
	ticker := time.NewTicker(l.cfg.Window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Evict(); n > 0 {
				level.Debug(l.logger).Log("msg", "evicted idle rate limit buckets", "count", n)
			}
		case <-stop:
			return
		}
	}
}

// Middleware applies the limiter to every non-bypass route. Throttled
// requests get a 429 with a retry_after_seconds body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := bypassPaths[r.URL.Path]; ok {
			next.ServeHTTP(w, r)
			return
		}

		key := ClientIP(r)
		ok, retryAfter := l.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.cfg.MaxRequests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(l.Remaining(key)))
		if !ok {
			throttledTotal.Inc()
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate limit exceeded","retry_after_seconds":` + strconv.Itoa(secs) + `}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP resolves the client key: first X-Forwarded-For hop when present,
// otherwise the connection's remote address.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
