// Package breaker guards fallible remote calls with one circuit per
// operation key. A circuit opens after consecutive failures, short-circuits
// calls while open, and lets a bounded number of probe calls through once the
// recovery timeout has elapsed.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wolfeidau/offline-cache/telemetry"
)

// ErrCircuitOpen is returned when a call is short-circuited.
var ErrCircuitOpen = errors.New("Circuit OPEN") //nolint:staticcheck

// ErrPanic wraps a panic raised by a guarded operation.
var ErrPanic = errors.New("operation panicked")

// State is the circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold uint32

	// RecoveryTimeout is how long a circuit stays open before probing.
	RecoveryTimeout time.Duration

	// MonitoringPeriod is the window after which failure counts in the
	// closed state are cleared. Zero keeps counts until the next success.
	MonitoringPeriod time.Duration

	// HalfOpenMaxCalls is the number of probe calls allowed while half-open;
	// that many consecutive successes close the circuit.
	HalfOpenMaxCalls uint32

	// CallTimeout aborts a call that runs longer. Zero disables it.
	CallTimeout time.Duration

	// Logger for state transitions.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		MonitoringPeriod: 10 * time.Second,
		HalfOpenMaxCalls: 3,
		CallTimeout:      30 * time.Second,
		Logger:           slog.Default(),
	}
}

// CircuitState is a snapshot of one circuit.
type CircuitState struct {
	Key             string    `json:"key"`
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
	HalfOpenCalls   int       `json:"half_open_calls"`
}

type circuit struct {
	cb *gobreaker.CircuitBreaker[any]

	mu          sync.Mutex
	lastFailure time.Time
}

func (c *circuit) recordFailure(t time.Time) {
	c.mu.Lock()
	c.lastFailure = t
	c.mu.Unlock()
}

func (c *circuit) lastFailureTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// Breaker holds the circuits for every operation key. Circuits are created
// lazily and are safe for concurrent use; calls on different keys never
// contend.
type Breaker struct {
	config Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls == 0 {
		cfg.HalfOpenMaxCalls = def.HalfOpenMaxCalls
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		config:   cfg,
		logger:   cfg.Logger.With("component", "breaker"),
		now:      time.Now,
		circuits: make(map[string]*circuit),
	}
}

func (b *Breaker) circuit(key string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[key]; ok {
		return c
	}
	threshold := b.config.FailureThreshold
	c := &circuit{}
	c.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        key,
		MaxRequests: b.config.HalfOpenMaxCalls,
		Interval:    b.config.MonitoringPeriod,
		Timeout:     b.config.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Info("circuit state changed",
				"key", name,
				"from", fromGobreaker(from),
				"to", fromGobreaker(to),
			)
			telemetry.RecordBreakerTransition(context.Background(), name, string(fromGobreaker(from)), string(fromGobreaker(to)))
		},
	})
	b.circuits[key] = c
	return c
}

// Result is the outcome of a guarded call. When FromFallback is set, Data
// came from the fallback and Err holds the failure that triggered it.
type Result[T any] struct {
	Success      bool
	Data         T
	Err          error
	FromFallback bool
}

// Fallback produces a degraded result after cause prevented the operation.
type Fallback[T any] func(ctx context.Context, cause error) (T, error)

// Execute runs op under the circuit for key. It never panics: failures,
// timeouts, panics and short-circuits all resolve to a Result. When the
// circuit is open or op fails and fallback is non-nil, the fallback's value
// is returned flagged FromFallback.
func Execute[T any](ctx context.Context, b *Breaker, key string, op func(context.Context) (T, error), fallback Fallback[T]) Result[T] {
	c := b.circuit(key)

	v, err := c.cb.Execute(func() (any, error) {
		v, err := b.call(ctx, func(ctx context.Context) (any, error) { return op(ctx) })
		if err != nil {
			c.recordFailure(b.now())
		}
		return v, err
	})
	if err == nil {
		data, _ := v.(T)
		return Result[T]{Success: true, Data: data}
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		telemetry.RecordBreakerRejection(ctx, key)
		err = fmt.Errorf("%w: %s", ErrCircuitOpen, key)
	}

	if fallback == nil {
		return Result[T]{Err: err}
	}

	data, ferr := runFallback(ctx, fallback, err)
	if ferr != nil {
		return Result[T]{Err: errors.Join(err, fmt.Errorf("fallback: %w", ferr))}
	}
	return Result[T]{Success: true, Data: data, Err: err, FromFallback: true}
}

// call runs op, converting panics to errors and enforcing CallTimeout.
// A call abandoned on timeout keeps running in its goroutine until op
// observes ctx.
func (b *Breaker) call(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type outcome struct {
		v   any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanic, r)}
			}
		}()
		v, err := op(ctx)
		done <- outcome{v: v, err: err}
	}()

	select {
	case o := <-done:
		return o.v, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("guarded call aborted: %w", ctx.Err())
	}
}

func runFallback[T any](ctx context.Context, fallback Fallback[T], cause error) (data T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return fallback(ctx, cause)
}

// State returns a snapshot of the circuit for key, or false if no call has
// been made on key since the last reset.
func (b *Breaker) State(key string) (CircuitState, bool) {
	b.mu.Lock()
	c, ok := b.circuits[key]
	b.mu.Unlock()
	if !ok {
		return CircuitState{}, false
	}
	return snapshot(key, c), true
}

func snapshot(key string, c *circuit) CircuitState {
	state := fromGobreaker(c.cb.State())
	counts := c.cb.Counts()
	cs := CircuitState{
		Key:             key,
		State:           state,
		FailureCount:    int(counts.ConsecutiveFailures),
		LastFailureTime: c.lastFailureTime(),
	}
	if state == StateHalfOpen {
		cs.HalfOpenCalls = int(counts.Requests)
	}
	return cs
}

// States returns a snapshot of every circuit, sorted by key.
func (b *Breaker) States() []CircuitState {
	b.mu.Lock()
	keys := make([]string, 0, len(b.circuits))
	circuits := make(map[string]*circuit, len(b.circuits))
	for k, c := range b.circuits {
		keys = append(keys, k)
		circuits[k] = c
	}
	b.mu.Unlock()

	sort.Strings(keys)
	out := make([]CircuitState, 0, len(keys))
	for _, k := range keys {
		out = append(out, snapshot(k, circuits[k]))
	}
	return out
}

// Keys returns every key with a circuit, sorted.
func (b *Breaker) Keys() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.circuits))
	for k := range b.circuits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reset discards the circuit for key; the next call starts closed.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	delete(b.circuits, key)
	b.mu.Unlock()
}

// ResetAll discards every circuit.
func (b *Breaker) ResetAll() {
	b.mu.Lock()
	b.circuits = make(map[string]*circuit)
	b.mu.Unlock()
}

// IsHealthy reports whether calls on key are currently let through.
// Unknown keys are healthy.
func (b *Breaker) IsHealthy(key string) bool {
	st, ok := b.State(key)
	return !ok || st.State != StateOpen
}
