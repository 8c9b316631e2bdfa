// Package circuitbreaker guards calls to the model provider. It wraps
// sony/gobreaker, counts outcomes with an OpenTelemetry counter and lets the
// caller decide which errors are the provider's fault.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

type Config struct {
	Name string
	// MaxRequests is how many trial calls a half-open breaker lets through.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// Below MinRequests calls the breaker trips after FailureThreshold
	// consecutive failures; from MinRequests on it trips at FailureRatio.
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// IsFailure reports whether err counts against the protected service.
	// Nil counts every error.
	IsFailure func(err error) bool
	// OnStateChange is called after each transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig suits one provider endpoint.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      2,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// ErrOpen matches every call the breaker refused to run.
var ErrOpen = errors.New("circuit breaker open")

// tripRule is the gobreaker ReadyToTrip for cfg.
func tripRule(cfg Config) func(gobreaker.Counts) bool {
	return func(c gobreaker.Counts) bool {
		if c.Requests < cfg.MinRequests {
			return c.ConsecutiveFailures >= cfg.FailureThreshold
		}
		return float64(c.TotalFailures)/float64(c.Requests) >= cfg.FailureRatio
	}
}

type CircuitBreaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker
	isFailure func(error) bool
	calls     metric.Int64Counter
}

func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	calls, err := otel.Meter("circuitbreaker").Int64Counter("circuit_breaker_calls_total",
		metric.WithDescription("Calls through a circuit breaker by result"))
	if err != nil {
		return nil, fmt.Errorf("circuit breaker counter: %w", err)
	}

	isFailure := cfg.IsFailure
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}
	b := &CircuitBreaker{name: cfg.Name, isFailure: isFailure, calls: calls}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: tripRule(cfg),
		IsSuccessful: func(err error) bool {
			return err == nil || !isFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker transition",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, stateOf(from), stateOf(to))
			}
		},
	})
	return b, nil
}

// Run calls fn unless the breaker is open. A refused call returns an error
// matching ErrOpen; otherwise fn's error is returned unchanged.
func (b *CircuitBreaker) Run(ctx context.Context, fn func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})

	result := "success"
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result = "rejected"
		err = fmt.Errorf("%s: %w", b.name, ErrOpen)
	case err != nil && b.isFailure(err):
		result = "failure"
	case err != nil:
		result = "ignored"
	}
	b.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("breaker", b.name),
		attribute.String("result", result)))
	return err
}

func (b *CircuitBreaker) State() State {
	return stateOf(b.cb.State())
}

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	}
	return StateClosed
}

// Manager hands out one breaker per name.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{breakers: make(map[string]*CircuitBreaker), logger: logger}
}

// GetOrCreate returns the breaker called name, building it from cfg the
// first time. Later calls ignore cfg.
func (m *Manager) GetOrCreate(name string, cfg Config) (*CircuitBreaker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b, nil
	}
	cfg.Name = name
	b, err := New(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.breakers[name] = b
	return b, nil
}

// HealthStatus describes one breaker for /debug/stats.
type HealthStatus struct {
	Name     string `json:"name"`
	State    State  `json:"state"`
	Requests uint32 `json:"requests"`
	Failures uint32 `json:"failures"`
	Healthy  bool   `json:"healthy"`
}

// GetHealthStatus lists every breaker, sorted by name.
func (m *Manager) GetHealthStatus() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HealthStatus, 0, len(m.breakers))
	for name, b := range m.breakers {
		counts := b.cb.Counts()
		state := b.State()
		out = append(out, HealthStatus{
			Name:     name,
			State:    state,
			Requests: counts.Requests,
			Failures: counts.TotalFailures,
			Healthy:  state != StateOpen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
