// Package resilience provides circuit breaker and retry primitives that isolate
// failures of individual policy sources.
package resilience

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state; calls flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen admits a single trial call.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default: 5.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before the next call is
	// admitted as a half-open trial. Default: 30s.
	ResetTimeout time.Duration

	// MonitoringPeriod bounds the rolling window of recent outcomes used for
	// reporting. It never drives transitions. Default: 60s.
	MonitoringPeriod time.Duration

	// ShouldTrip optionally decides whether an error counts as a failure.
	// If nil, every non-nil error counts.
	ShouldTrip func(err error) bool

	// OnStateChange is called with the breaker name when the circuit
	// transitions between states. It runs under the breaker lock.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: 60 * time.Second,
	}
}

type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker guards a single source. All state transitions happen under mu.
type CircuitBreaker struct {
	name  string
	cfg   CircuitBreakerConfig
	mu    sync.Mutex
	state CircuitState

	failureCount  int
	successCount  int
	nextAttemptAt time.Time
	trialInFlight bool
	recent        []outcome

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the given config.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MonitoringPeriod <= 0 {
		cfg.MonitoringPeriod = 60 * time.Second
	}
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		state:   CircuitClosed,
		nowFunc: time.Now,
	}
}

// Name returns the source this breaker guards.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Config returns the breaker configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig { return cb.cfg }

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen without
// calling fn when the circuit is open or a half-open trial is already running.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.recordResult(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := cb.allowRequest(); err != nil {
		return zero, err
	}

	val, err := fn(ctx)
	cb.recordResult(err)
	return val, err
}

// State returns the current circuit state. An open circuit past its reset
// timeout still reports OPEN; the transition happens on the next call.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit back to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.successCount = 0
	cb.trialInFlight = false
	cb.nextAttemptAt = time.Time{}
	cb.recent = nil
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

// BreakerStats is a point-in-time view of a breaker for health reporting.
type BreakerStats struct {
	Name                string        `json:"name"`
	State               CircuitState  `json:"state"`
	FailureCount        int           `json:"failure_count"`
	SuccessCount        int           `json:"success_count"`
	SuccessRate         float64       `json:"success_rate"`
	TotalRecentRequests int           `json:"total_recent_requests"`
	NextAttemptIn       time.Duration `json:"next_attempt_in"`
}

// Stats reports the breaker state and the rolling success rate over
// MonitoringPeriod. SuccessRate is 1 when there are no recent requests.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	cb.prune(now)

	var ok int
	for _, o := range cb.recent {
		if o.success {
			ok++
		}
	}
	rate := 1.0
	if len(cb.recent) > 0 {
		rate = float64(ok) / float64(len(cb.recent))
	}

	var next time.Duration
	if cb.state == CircuitOpen && now.Before(cb.nextAttemptAt) {
		next = cb.nextAttemptAt.Sub(now)
	}

	return BreakerStats{
		Name:                cb.name,
		State:               cb.state,
		FailureCount:        cb.failureCount,
		SuccessCount:        cb.successCount,
		SuccessRate:         rate,
		TotalRecentRequests: len(cb.recent),
		NextAttemptIn:       next,
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.nowFunc().Before(cb.nextAttemptAt) {
			return eris.Wrapf(ErrCircuitOpen, "source %s", cb.name)
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		return nil
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return eris.Wrapf(ErrCircuitOpen, "source %s: trial in progress", cb.name)
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.nowFunc()
	shouldTrip := cb.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil }
	}
	failed := err != nil && shouldTrip(err)

	cb.recent = append(cb.recent, outcome{at: now, success: !failed})
	cb.prune(now)

	if !failed {
		cb.successCount++
		cb.failureCount = 0
		if cb.state == CircuitHalfOpen {
			cb.trialInFlight = false
			cb.transition(CircuitClosed)
		}
		return
	}

	cb.failureCount++
	switch cb.state {
	case CircuitClosed:
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.nextAttemptAt = now.Add(cb.cfg.ResetTimeout)
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.trialInFlight = false
		cb.nextAttemptAt = now.Add(cb.cfg.ResetTimeout)
		cb.transition(CircuitOpen)
	}
}

// prune drops outcomes older than MonitoringPeriod. Caller holds mu.
func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitoringPeriod)
	i := 0
	for i < len(cb.recent) && cb.recent[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.recent = append(cb.recent[:0], cb.recent[i:]...)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.name, from, to)
	}
}

// ServiceBreakers is the explicit map of per-source breakers, owned by the
// orchestrator and created once at startup.
type ServiceBreakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
}

// NewServiceBreakers creates a registry whose unregistered sources get cfg.
func NewServiceBreakers(cfg CircuitBreakerConfig) *ServiceBreakers {
	return &ServiceBreakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
	}
}

// Register installs a breaker for source with a source-specific config,
// replacing any existing breaker.
func (sb *ServiceBreakers) Register(source string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.OnStateChange == nil {
		cfg.OnStateChange = sb.cfg.OnStateChange
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = sb.cfg.ShouldTrip
	}
	cb := NewCircuitBreaker(source, cfg)
	sb.mu.Lock()
	sb.breakers[source] = cb
	sb.mu.Unlock()
	return cb
}

// Get returns the circuit breaker for the named source, creating one with the
// default config if needed.
func (sb *ServiceBreakers) Get(source string) *CircuitBreaker {
	sb.mu.RLock()
	cb, ok := sb.breakers[source]
	sb.mu.RUnlock()
	if ok {
		return cb
	}

	sb.mu.Lock()
	defer sb.mu.Unlock()
	if cb, ok = sb.breakers[source]; ok {
		return cb
	}
	cb = NewCircuitBreaker(source, sb.cfg)
	sb.breakers[source] = cb
	return cb
}

// Len returns the number of registered breakers.
func (sb *ServiceBreakers) Len() int {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return len(sb.breakers)
}

// States returns a snapshot of all circuit breaker states.
func (sb *ServiceBreakers) States() map[string]CircuitState {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	states := make(map[string]CircuitState, len(sb.breakers))
	for name, cb := range sb.breakers {
		states[name] = cb.State()
	}
	return states
}

// Stats returns stats for every breaker sorted by source name.
func (sb *ServiceBreakers) Stats() []BreakerStats {
	sb.mu.RLock()
	all := make([]*CircuitBreaker, 0, len(sb.breakers))
	for _, cb := range sb.breakers {
		all = append(all, cb)
	}
	sb.mu.RUnlock()

	out := make([]BreakerStats, 0, len(all))
	for _, cb := range all {
		out = append(out, cb.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
