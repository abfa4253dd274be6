// Package commlog provides the bounded communication ledger shared by the V2I components.
//
// The log is a fixed-capacity ring: once full, every append evicts the oldest
// entry. It is in-memory only and offers no durability.
package commlog

import (
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/c360studio/v2icoord/model"
)

// DefaultCapacity is the number of entries retained before eviction.
const DefaultCapacity = 1000

// Event types written by the engine components.
const (
	EventVehicleRegistration   = "vehicle_registration"
	EventVehicleReregistration = "vehicle_reregistration"
	EventLocationUpdate        = "location_update"
	EventTelemetryUpdate       = "telemetry_update"
	EventVehicleDeactivated    = "vehicle_deactivated"
	EventPriorityRequest       = "priority_request"
	EventPriorityPreempted     = "priority_preempted"
	EventPriorityReleased      = "priority_released"
	EventAlertBroadcast        = "alert_broadcast"
	EventFlowOptimization      = "flow_optimization"
)

// SystemEntity is the entity id for entries not tied to a single vehicle.
const SystemEntity = "SYSTEM"

// Entry is one ledger record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	EntityID  string    `json:"entity_id"`
	Message   string    `json:"message"`
}

// Log is a capped ring of entries guarded by a single lock.
type Log struct {
	mu    sync.RWMutex
	buf   []Entry
	start int
	size  int
	clock model.Clock

	subMu sync.Mutex
	subs  map[chan Entry]struct{}
}

// New creates a log holding at most capacity entries (DefaultCapacity if <= 0).
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:   make([]Entry, capacity),
		clock: model.SystemClock,
		subs:  make(map[chan Entry]struct{}),
	}
}

// WithClock sets the time source for new entries.
func (l *Log) WithClock(c model.Clock) *Log {
	if c != nil {
		l.clock = c
	}
	return l
}

// Append records an event, evicting the oldest entry when full.
func (l *Log) Append(eventType, entityID, message string) Entry {
	e := Entry{
		Timestamp: l.clock(),
		EventType: eventType,
		EntityID:  entityID,
		Message:   message,
	}

	l.mu.Lock()
	idx := (l.start + l.size) % len(l.buf)
	l.buf[idx] = e
	if l.size < len(l.buf) {
		l.size++
	} else {
		l.start = (l.start + 1) % len(l.buf)
	}
	l.mu.Unlock()

	l.publish(e)
	return e
}

// Entries returns a copy of the retained entries, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, l.size)
	for i := 0; i < l.size; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Last returns up to n of the newest entries, oldest first.
func (l *Log) Last(n int) []Entry {
	entries := l.Entries()
	if n >= 0 && n < len(entries) {
		return entries[len(entries)-n:]
	}
	return entries
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.size
}

// Capacity returns the maximum number of retained entries.
func (l *Log) Capacity() int {
	return len(l.buf)
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	// EventType matches exactly.
	EventType string
	// Entity is a doublestar glob over entity ids, e.g. "AMB-*".
	Entity string
	// Since drops entries older than this instant.
	Since time.Time
}

// Query returns the retained entries matching f, oldest first.
func (l *Log) Query(f Filter) ([]Entry, error) {
	if f.Entity != "" && !doublestar.ValidatePattern(f.Entity) {
		return nil, model.NewValidationError("entity", "invalid glob pattern "+f.Entity)
	}

	var out []Entry
	for _, e := range l.Entries() {
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
			continue
		}
		if f.Entity != "" {
			ok, err := doublestar.Match(f.Entity, e.EntityID)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribe returns a channel receiving every new entry and a cancel func.
// Delivery never blocks Append: a full subscriber buffer drops the entry.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	l.subMu.Lock()
	l.subs[ch] = struct{}{}
	l.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, ch)
			l.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (l *Log) publish(e Entry) {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	for ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
