// Package service provides the lifecycle base embedded by every pipeline
// service: state transitions, subscription bookkeeping, counters and the
// health contract the orchestrator supervises.
package service

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zakaria-lahyani/quantronaute-sub000/internal/events"
)

// State describes the lifecycle stage of a service.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Canonical counter names shared by all services. Concrete services add
// their own keys next to these.
const (
	MetricEventsReceived  = "events_received"
	MetricEventsPublished = "events_published"
	MetricErrors          = "errors"
)

// DefaultErrorThreshold is the consecutive-failure count at which a running
// service reports unhealthy.
const DefaultErrorThreshold = 10

// HealthReport is the result of a health check.
type HealthReport struct {
	Service       string           `json:"service"`
	Status        State            `json:"status"`
	Healthy       bool             `json:"healthy"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	LastError     string           `json:"last_error,omitempty"`
	Metrics       map[string]int64 `json:"metrics"`
}

// Base carries the shared lifecycle state. Concrete services embed it and
// call MarkRunning/Shutdown from their own Start/Stop.
type Base struct {
	mu                sync.RWMutex
	name              string
	state             State
	startedAt         time.Time
	lastError         string
	consecutiveErrors int
	errorThreshold    int
	counters          map[string]int64
	subscriptions     []string

	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time
}

// NewBase creates a service base in the initializing state.
func NewBase(name string, bus *events.Bus, logger *zap.Logger) *Base {
	return &Base{
		name:           name,
		state:          StateInitializing,
		errorThreshold: DefaultErrorThreshold,
		counters:       make(map[string]int64),
		bus:            bus,
		logger:         logger.Named(name),
		now:            time.Now,
	}
}

// Name returns the service name.
func (b *Base) Name() string { return b.name }

// Logger returns the named logger for the service.
func (b *Base) Logger() *zap.Logger { return b.logger }

// Bus returns the event bus the service is wired to.
func (b *Base) Bus() *events.Bus { return b.bus }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetErrorThreshold overrides the consecutive-error count that flips the
// service to unhealthy.
func (b *Base) SetErrorThreshold(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > 0 {
		b.errorThreshold = n
	}
}

// SetClock overrides the time source. Used in tests.
func (b *Base) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// MarkRunning transitions the service to running. Valid from initializing,
// stopped and error; starting a running service is an error.
func (b *Base) MarkRunning() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateRunning {
		return fmt.Errorf("service %s already running", b.name)
	}

	b.state = StateRunning
	b.startedAt = b.now()
	b.consecutiveErrors = 0
	b.logger.Info("Service started")
	return nil
}

// Shutdown transitions the service to stopped and releases every recorded
// subscription. It is idempotent.
func (b *Base) Shutdown() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	alreadyStopped := b.state == StateStopped
	b.state = StateStopped
	b.mu.Unlock()

	for _, id := range subs {
		b.bus.Unsubscribe(id)
	}

	if !alreadyStopped {
		b.logger.Info("Service stopped", zap.Int("subscriptions_released", len(subs)))
	}
}

// Fail moves the service to the error state and records the cause.
func (b *Base) Fail(err error) {
	b.RecordError(err)
	b.mu.Lock()
	b.state = StateError
	b.mu.Unlock()
	b.logger.Error("Service entered error state", zap.Error(err))
}

// Subscribe registers a bus handler on behalf of the service. The
// subscription is recorded so Shutdown can release it, received events are
// counted, and handler failures update the error bookkeeping instead of
// escaping.
func (b *Base) Subscribe(eventType events.EventType, handler events.EventHandler) {
	sub := b.bus.Subscribe(eventType, func(e events.Event) error {
		b.IncCounter(MetricEventsReceived)
		if err := handler(e); err != nil {
			b.RecordError(err)
			return err
		}
		b.ResetErrorStreak()
		return nil
	})

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, sub.ID)
	b.mu.Unlock()
}

// Publish forwards an event to the bus and counts it.
func (b *Base) Publish(event events.Event) {
	b.IncCounter(MetricEventsPublished)
	b.bus.Publish(event)
}

// RecordError updates the error counters and remembers the message.
func (b *Base) RecordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[MetricErrors]++
	b.consecutiveErrors++
	if err != nil {
		b.lastError = err.Error()
	}
}

// ResetErrorStreak clears the consecutive-error count after a successful
// processing step. The total error counter is untouched.
func (b *Base) ResetErrorStreak() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveErrors = 0
}

// LastError returns the most recent recorded error message.
func (b *Base) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastError
}

// IncCounter increments a named counter by one.
func (b *Base) IncCounter(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name]++
}

// AddCounter increments a named counter by delta.
func (b *Base) AddCounter(name string, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[name] += delta
}

// CounterValue returns the current value of a named counter.
func (b *Base) CounterValue(name string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counters[name]
}

// Metrics returns a copy of all counters.
func (b *Base) Metrics() map[string]int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int64, len(b.counters))
	for k, v := range b.counters {
		out[k] = v
	}
	return out
}

// HealthCheck reports the supervision view of the service. A service is
// healthy while it is running and its consecutive-error count stays below
// the threshold.
func (b *Base) HealthCheck() HealthReport {
	b.mu.RLock()
	state := b.state
	consecutive := b.consecutiveErrors
	threshold := b.errorThreshold
	lastError := b.lastError
	startedAt := b.startedAt
	nowFn := b.now
	b.mu.RUnlock()

	uptime := 0.0
	if state == StateRunning && !startedAt.IsZero() {
		uptime = nowFn().Sub(startedAt).Seconds()
	}

	return HealthReport{
		Service:       b.name,
		Status:        state,
		Healthy:       state == StateRunning && consecutive < threshold,
		UptimeSeconds: uptime,
		LastError:     lastError,
		Metrics:       b.Metrics(),
	}
}
