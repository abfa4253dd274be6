// Package alert fans hazard alerts out to every vehicle inside a geofence.
package alert

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/model"
)

// DefaultRadiusMeters is the geofence used when callers do not pick one.
const DefaultRadiusMeters = 1000.0

// DefaultHistory is how many alerts Recent can return.
const DefaultHistory = 256

// Transport delivers one alert to one vehicle. Delivery is best-effort: a
// failed Enqueue is logged and never retried.
type Transport interface {
	Enqueue(vehicleID string, a model.Alert) error
}

// Locator finds vehicles near a point. *registry.Registry satisfies it.
type Locator interface {
	FindWithinRadius(center model.Location, radiusMeters float64, excludeID string) []string
}

// SeverityFor maps an alert type to its severity, case-insensitively.
func SeverityFor(alertType string) model.Severity {
	switch strings.ToLower(strings.TrimSpace(alertType)) {
	case "emergency":
		return model.SeverityCritical
	case "accident", "hazard":
		return model.SeverityHigh
	case "construction", "weather":
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

// DeliveryFailure records a vehicle the transport could not reach.
type DeliveryFailure struct {
	VehicleID string `json:"vehicle_id"`
	Error     string `json:"error"`
}

// Result is a broadcast alert plus the deliveries that failed.
type Result struct {
	Alert    model.Alert       `json:"alert"`
	Failures []DeliveryFailure `json:"failures,omitempty"`
}

// Broadcaster sends alerts. Create one with NewBroadcaster.
type Broadcaster struct {
	vehicles  Locator
	transport Transport
	log       *commlog.Log
	clock     model.Clock
	logger    *slog.Logger

	seq atomic.Uint64

	mu      sync.RWMutex
	history []model.Alert
	next    int
	full    bool
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLog sets the communication log.
func WithLog(l *commlog.Log) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock sets the time source for alert timestamps and ids.
func WithClock(c model.Clock) Option {
	return func(b *Broadcaster) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithHistory sets how many recent alerts are retained.
func WithHistory(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.history = make([]model.Alert, n)
		}
	}
}

// NewBroadcaster creates a broadcaster. A nil transport drops deliveries.
func NewBroadcaster(vehicles Locator, transport Transport, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		vehicles:  vehicles,
		transport: transport,
		log:       commlog.New(commlog.DefaultCapacity),
		clock:     model.SystemClock,
		logger:    slog.Default(),
		history:   make([]model.Alert, DefaultHistory),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast builds an alert and enqueues it to every active vehicle within
// radiusMeters of center. The returned alert lists the vehicles it was
// addressed to, including any whose delivery failed.
func (b *Broadcaster) Broadcast(alertType, message string, center model.Location, radiusMeters float64) (Result, error) {
	alertType = strings.TrimSpace(alertType)
	if alertType == "" {
		return Result{}, model.NewValidationError("alert_type", "must not be empty")
	}
	if strings.TrimSpace(message) == "" {
		return Result{}, model.NewValidationError("message", "must not be empty")
	}
	if err := center.Validate(); err != nil {
		return Result{}, err
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) || math.IsInf(radiusMeters, 0) {
		return Result{}, model.NewValidationError("radius", "must be a non-negative number of meters")
	}

	now := b.clock()
	affected := b.vehicles.FindWithinRadius(center, radiusMeters, "")
	if affected == nil {
		affected = []string{}
	}

	a := model.Alert{
		ID:                 fmt.Sprintf("ALERT_%d_%d", now.UnixMilli(), b.seq.Add(1)),
		Type:               alertType,
		Message:            message,
		Center:             center,
		RadiusMeters:       radiusMeters,
		Severity:           SeverityFor(alertType),
		Timestamp:          now,
		NotifiedVehicleIDs: affected,
	}

	res := Result{Alert: a}
	if b.transport != nil {
		for _, id := range affected {
			if err := b.transport.Enqueue(id, a); err != nil {
				res.Failures = append(res.Failures, DeliveryFailure{VehicleID: id, Error: err.Error()})
				b.logger.Warn("Alert delivery failed", "alert_id", a.ID, "vehicle_id", id, "error", err)
			}
		}
	}

	b.remember(a)
	b.log.Append(commlog.EventAlertBroadcast, commlog.SystemEntity,
		fmt.Sprintf("%s alert sent to %d vehicles", alertType, len(affected)))
	b.logger.Info("Alert broadcast",
		"alert_id", a.ID,
		"type", alertType,
		"severity", a.Severity,
		"vehicles", len(affected),
		"failures", len(res.Failures))

	return res, nil
}

func (b *Broadcaster) remember(a model.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history[b.next] = a
	b.next = (b.next + 1) % len(b.history)
	if b.next == 0 {
		b.full = true
	}
}

// Recent returns up to n of the latest alerts, oldest first.
func (b *Broadcaster) Recent(n int) []model.Alert {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := b.next
	if b.full {
		size = len(b.history)
	}
	if n <= 0 || size == 0 {
		return nil
	}
	if n > size {
		n = size
	}

	out := make([]model.Alert, 0, n)
	start := b.next - n
	if start < 0 {
		start += len(b.history)
	}
	for i := 0; i < n; i++ {
		out = append(out, b.history[(start+i)%len(b.history)])
	}
	return out
}
