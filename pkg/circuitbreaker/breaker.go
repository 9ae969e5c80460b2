package circuitbreaker

import (
	"flag"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
)

var transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vantage",
	Name:      "collector_breaker_transitions_total",
	Help:      "Circuit breaker state transitions.",
}, []string{"name", "from", "to"})

// Config controls when the breaker opens and how it recovers.
type Config struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	SuccessThreshold uint32        `yaml:"success_threshold"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.FailureThreshold = 5
	cfg.OpenTimeout = 60 * time.Second
	cfg.SuccessThreshold = 2
}

// OpenError is returned while the breaker is open. RetryAfter is the time
// remaining until the next half-open probe is allowed.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.RetryAfter)
}

// CircuitBreaker guards the produce path: after FailureThreshold consecutive
// failures it fails fast for OpenTimeout, then lets SuccessThreshold probes
// through before closing again.
type CircuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	cfg      Config
	openedAt time.Time
	now      func() time.Time
}

func New(name string, cfg Config, logger log.Logger) *CircuitBreaker {
	b := &CircuitBreaker{cfg: cfg, now: time.Now}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		// MaxRequests doubles as the success threshold: a half-open
		// breaker closes once this many probes succeed.
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.openedAt = b.now()
			}
			transitionsTotal.WithLabelValues(name, from.String(), to.String()).Inc()
			level.Warn(logger).Log("msg", "circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// Execute runs fn through the breaker. While open it returns *OpenError
// without calling fn.
func (b *CircuitBreaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return b.openError()
	}
	return err
}

func (b *CircuitBreaker) openError() error {
	remaining := b.cfg.OpenTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return &OpenError{RetryAfter: remaining}
}

// State returns the current breaker state as a lowercase string for stats
// endpoints.
func (b *CircuitBreaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// IsOpen reports whether calls are currently being rejected.
func (b *CircuitBreaker) IsOpen() bool {
	return b.cb.State() == gobreaker.StateOpen
}
