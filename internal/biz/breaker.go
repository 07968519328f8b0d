package biz

import (
	"sort"
	"sync"
	"time"

	"SessionGuard/internal/conf"
	"SessionGuard/internal/model"
	"SessionGuard/pkg/clock"

	"github.com/go-kratos/kratos/v2/log"
)

// Operation categories guarded by the breaker.
const (
	CategoryLogin        = "auth.login"
	CategoryValidate     = "auth.validate"
	CategoryRefresh      = "auth.refresh"
	CategoryProfileFetch = "profile.fetch"
)

const (
	defaultTripThreshold = 5
	defaultCooldown      = 30 * time.Second
)

// CircuitState is the state of one category's circuit.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// MarshalText renders the state by name in JSON payloads.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerConfig holds the trip policy for one category.
type BreakerConfig struct {
	TripThreshold int
	Cooldown      time.Duration
}

// CircuitSnapshot is a read-only copy of one circuit.
type CircuitSnapshot struct {
	Category            string       `json:"category"`
	State               CircuitState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	OpenedAt            time.Time    `json:"opened_at,omitempty"`
	RetryAt             time.Time    `json:"retry_at,omitempty"`
	ProbeInFlight       bool         `json:"probe_in_flight"`
	TripThreshold       int          `json:"trip_threshold"`
	Cooldown            string       `json:"cooldown"`
}

// CircuitListener observes circuit transitions. Callbacks run outside the
// breaker lock and must not block.
type CircuitListener interface {
	OnCircuitOpened(event model.CircuitOpenedEvent)
	OnCircuitRecovered(event model.CircuitRecoveredEvent)
}

type circuit struct {
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time // zero unless Open or HalfOpen
	probeInFlight       bool
}

// CircuitBreaker tracks one lazily created circuit per operation category.
//
// Cooldowns are deadlines compared against the injected clock when Allow is
// called; the breaker never schedules anything.
type CircuitBreaker struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	defaults  BreakerConfig
	overrides map[string]BreakerConfig
	listeners []CircuitListener
	clock     clock.Clock
	logger    *log.Helper
}

// NewCircuitBreaker creates a breaker from the resilience configuration.
func NewCircuitBreaker(c *conf.Resilience, clk clock.Clock, logger log.Logger) *CircuitBreaker {
	defaults := BreakerConfig{TripThreshold: defaultTripThreshold, Cooldown: defaultCooldown}
	overrides := make(map[string]BreakerConfig)

	if c != nil && c.Circuit != nil {
		if c.Circuit.TripThreshold > 0 {
			defaults.TripThreshold = c.Circuit.TripThreshold
		}
		if c.Circuit.Cooldown > 0 {
			defaults.Cooldown = c.Circuit.Cooldown
		}
		for _, o := range c.Circuit.Overrides {
			cfg := defaults
			if o.TripThreshold > 0 {
				cfg.TripThreshold = o.TripThreshold
			}
			if o.Cooldown > 0 {
				cfg.Cooldown = o.Cooldown
			}
			overrides[o.Category] = cfg
		}
	}

	return &CircuitBreaker{
		circuits:  make(map[string]*circuit),
		defaults:  defaults,
		overrides: overrides,
		clock:     clk,
		logger:    log.NewHelper(log.With(logger, "module", "biz/breaker")),
	}
}

// AddListener registers a transition observer.
func (b *CircuitBreaker) AddListener(l CircuitListener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// SetOverride replaces the policy for one category.
func (b *CircuitBreaker) SetOverride(category string, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.TripThreshold <= 0 {
		cfg.TripThreshold = b.defaults.TripThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = b.defaults.Cooldown
	}
	b.overrides[category] = cfg
}

// Allow reports whether a call for category may proceed.
//
// Once the cooldown of an Open circuit has elapsed the circuit moves to
// HalfOpen and exactly one caller is admitted as the probe. Everyone else is
// refused until the probe reports an outcome or is released.
func (b *CircuitBreaker) Allow(category string) bool {
	ok, _ := b.acquire(category)
	return ok
}

// acquire is Allow that also reports whether the caller became the probe.
func (b *CircuitBreaker) acquire(category string) (ok bool, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(category)
	switch c.state {
	case CircuitClosed:
		return true, false
	case CircuitOpen:
		if b.clock.Since(c.openedAt) < b.config(category).Cooldown {
			return false, false
		}
		c.state = CircuitHalfOpen
		c.probeInFlight = true
		b.logger.Infow("msg", "circuit half-open, admitting probe", "category", category)
		return true, true
	case CircuitHalfOpen:
		if c.probeInFlight {
			return false, false
		}
		c.probeInFlight = true
		return true, true
	}
	return false, false
}

// RecordSuccess reports a successful terminal outcome for category.
// A success arriving while the circuit is Open belongs to a call admitted
// before the trip and does not close it.
func (b *CircuitBreaker) RecordSuccess(category string) {
	b.recordSuccess(category, true)
}

// recordSuccess applies a success. Outcomes of calls that were not the
// half-open probe leave a HalfOpen circuit alone.
func (b *CircuitBreaker) recordSuccess(category string, probe bool) {
	b.mu.Lock()

	c := b.get(category)
	var recovered *model.CircuitRecoveredEvent
	switch {
	case c.state == CircuitClosed:
		c.consecutiveFailures = 0
	case c.state == CircuitHalfOpen && probe:
		now := b.clock.Now()
		recovered = &model.CircuitRecoveredEvent{
			ID:          model.NewEventID(),
			Category:    category,
			RecoveredAt: now,
			OpenFor:     now.Sub(c.openedAt),
		}
		c.state = CircuitClosed
		c.consecutiveFailures = 0
		c.openedAt = time.Time{}
		c.probeInFlight = false
	}
	listeners := b.listeners
	b.mu.Unlock()

	if recovered != nil {
		b.logger.Debugw("msg", "circuit recovered", "category", category, "open_for", recovered.OpenFor)
		for _, l := range listeners {
			l.OnCircuitRecovered(*recovered)
		}
	}
}

// RecordFailure reports a failed terminal outcome for category.
func (b *CircuitBreaker) RecordFailure(category string) {
	b.recordFailure(category, true)
}

// recordFailure applies a failure. A failure that was not the half-open
// probe is counted without reopening the circuit.
func (b *CircuitBreaker) recordFailure(category string, probe bool) {
	b.mu.Lock()

	c := b.get(category)
	cfg := b.config(category)
	c.consecutiveFailures++

	var opened *model.CircuitOpenedEvent
	switch {
	case c.state == CircuitClosed:
		if c.consecutiveFailures >= cfg.TripThreshold {
			opened = b.open(c, category, cfg, false)
		}
	case c.state == CircuitHalfOpen && probe:
		// 试探失败, cooldown restarts
		opened = b.open(c, category, cfg, true)
	}
	listeners := b.listeners
	b.mu.Unlock()

	if opened != nil {
		b.logger.Debugw("msg", "circuit opened",
			"category", category,
			"consecutive_failures", opened.ConsecutiveFailures,
			"retry_at", opened.RetryAt,
			"from_half_open", opened.FromHalfOpen)
		for _, l := range listeners {
			l.OnCircuitOpened(*opened)
		}
	}
}

// Release frees a half-open probe slot whose caller gave up without an
// outcome. The circuit stays HalfOpen so the next caller becomes the probe.
func (b *CircuitBreaker) Release(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[category]; ok && c.state == CircuitHalfOpen {
		c.probeInFlight = false
	}
}

// State returns the current state of category without creating it.
func (b *CircuitBreaker) State(category string) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[category]; ok {
		return c.state
	}
	return CircuitClosed
}

// RetryAfter returns how long until an Open circuit admits a probe.
func (b *CircuitBreaker) RetryAfter(category string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.circuits[category]
	if !ok || c.state != CircuitOpen {
		return 0
	}
	remaining := b.config(category).Cooldown - b.clock.Since(c.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// OpenedAt returns when category last opened, or the zero time.
func (b *CircuitBreaker) OpenedAt(category string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[category]; ok {
		return c.openedAt
	}
	return time.Time{}
}

// Snapshot returns every known circuit sorted by category.
func (b *CircuitBreaker) Snapshot() []CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]CircuitSnapshot, 0, len(b.circuits))
	for category, c := range b.circuits {
		cfg := b.config(category)
		s := CircuitSnapshot{
			Category:            category,
			State:               c.state,
			ConsecutiveFailures: c.consecutiveFailures,
			OpenedAt:            c.openedAt,
			ProbeInFlight:       c.probeInFlight,
			TripThreshold:       cfg.TripThreshold,
			Cooldown:            cfg.Cooldown.String(),
		}
		if !c.openedAt.IsZero() {
			s.RetryAt = c.openedAt.Add(cfg.Cooldown)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// OpenCategories lists the categories currently Open, sorted.
func (b *CircuitBreaker) OpenCategories() []string {
	var open []string
	for _, s := range b.Snapshot() {
		if s.State == CircuitOpen {
			open = append(open, s.Category)
		}
	}
	return open
}

// Reset closes one category's circuit.
func (b *CircuitBreaker) Reset(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.circuits, category)
	b.logger.Infow("msg", "circuit reset", "category", category)
}

// Clear drops every circuit. Overrides are kept.
func (b *CircuitBreaker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.circuits = make(map[string]*circuit)
}

// get must be called with b.mu held.
func (b *CircuitBreaker) get(category string) *circuit {
	c, ok := b.circuits[category]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.circuits[category] = c
	}
	return c
}

// config must be called with b.mu held.
func (b *CircuitBreaker) config(category string) BreakerConfig {
	if cfg, ok := b.overrides[category]; ok {
		return cfg
	}
	return b.defaults
}

// open must be called with b.mu held.
func (b *CircuitBreaker) open(c *circuit, category string, cfg BreakerConfig, fromHalfOpen bool) *model.CircuitOpenedEvent {
	now := b.clock.Now()
	c.state = CircuitOpen
	c.openedAt = now
	c.probeInFlight = false
	return &model.CircuitOpenedEvent{
		ID:                  model.NewEventID(),
		Category:            category,
		ConsecutiveFailures: c.consecutiveFailures,
		OpenedAt:            now,
		RetryAt:             now.Add(cfg.Cooldown),
		FromHalfOpen:        fromHalfOpen,
	}
}
