package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/c360studio/v2icoord/model"
)

// ErrCircuitOpen is returned by Breaker while a vehicle's circuit is open.
var ErrCircuitOpen = errors.New("delivery circuit open")

// Sink is the transport a Breaker wraps. It matches alert.Transport.
type Sink interface {
	Enqueue(vehicleID string, a model.Alert) error
}

// DeliveryHealth tracks alert delivery to one vehicle.
type DeliveryHealth struct {
	// Available indicates if deliveries are currently attempted.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful delivery.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed delivery.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`
}

// BreakerConfig configures the per-vehicle circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long an open circuit rejects deliveries before
	// one is attempted again.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker stops delivering to vehicles whose deliveries keep failing, so a
// dead mailbox does not cost a failed attempt on every broadcast.
type Breaker struct {
	next   Sink
	config BreakerConfig
	clock  model.Clock

	mu       sync.Mutex
	statuses map[string]*DeliveryHealth
}

// NewBreaker wraps next. Zero config fields take their defaults.
func NewBreaker(next Sink, cfg BreakerConfig) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaults.RecoveryTimeout
	}
	return &Breaker{
		next:     next,
		config:   cfg,
		clock:    model.SystemClock,
		statuses: make(map[string]*DeliveryHealth),
	}
}

// WithClock replaces the clock used for recovery timing.
func (b *Breaker) WithClock(c model.Clock) *Breaker {
	if c != nil {
		b.clock = c
	}
	return b
}

// Enqueue delivers a unless the vehicle's circuit is open.
func (b *Breaker) Enqueue(vehicleID string, a model.Alert) error {
	if !b.Available(vehicleID) {
		return ErrCircuitOpen
	}
	if err := b.next.Enqueue(vehicleID, a); err != nil {
		b.markFailure(vehicleID)
		return err
	}
	b.markSuccess(vehicleID)
	return nil
}

// Available reports whether a delivery to vehicleID would be attempted. An
// open circuit becomes available again (half-open) after RecoveryTimeout.
func (b *Breaker) Available(vehicleID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	status, ok := b.statuses[vehicleID]
	if !ok || !status.CircuitOpen {
		return true
	}
	return b.clock().Sub(status.CircuitOpenedAt) >= b.config.RecoveryTimeout
}

func (b *Breaker) markSuccess(vehicleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := b.getOrCreateLocked(vehicleID)
	status.LastSuccess = b.clock()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
}

func (b *Breaker) markFailure(vehicleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	status := b.getOrCreateLocked(vehicleID)
	status.LastFailure = now
	status.FailureCount++

	// A failed half-open attempt reopens the circuit for another timeout
	if status.FailureCount >= b.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = now
		status.Available = false
	}
}

func (b *Breaker) getOrCreateLocked(vehicleID string) *DeliveryHealth {
	if status, ok := b.statuses[vehicleID]; ok {
		return status
	}
	status := &DeliveryHealth{Available: true}
	b.statuses[vehicleID] = status
	return status
}

// Health returns a copy of the delivery health for vehicleID, or nil if
// nothing was delivered to it yet.
func (b *Breaker) Health(vehicleID string) *DeliveryHealth {
	b.mu.Lock()
	defer b.mu.Unlock()

	if status, ok := b.statuses[vehicleID]; ok {
		cp := *status
		return &cp
	}
	return nil
}

// Reset clears the delivery health for vehicleID.
func (b *Breaker) Reset(vehicleID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.statuses, vehicleID)
}
