// Package registry owns the set of communicating vehicles and answers
// proximity queries over them.
//
// Mutations of a single vehicle id are serialized by a per-id lock. Records
// are immutable snapshots published through an atomic pointer, so readers
// never take a per-vehicle lock.
package registry

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/model"
)

// Config tunes attribute assignment.
type Config struct {
	EmergencyBandwidth Range   `yaml:"emergency_bandwidth_mbps" json:"emergency_bandwidth_mbps"`
	StandardBandwidth  Range   `yaml:"standard_bandwidth_mbps" json:"standard_bandwidth_mbps"`
	EmergencyLatency   Range   `yaml:"emergency_latency_ms" json:"emergency_latency_ms"`
	StandardLatency    Range   `yaml:"standard_latency_ms" json:"standard_latency_ms"`
	SignalStrength     Range   `yaml:"signal_strength_dbm" json:"signal_strength_dbm"`
	V2VRangeMeters     float64 `yaml:"v2v_range_meters" json:"v2v_range_meters"`
}

// DefaultConfig returns the standard allocation ranges.
func DefaultConfig() Config {
	return Config{
		EmergencyBandwidth: Range{Min: 200, Max: 300},
		StandardBandwidth:  Range{Min: 50, Max: 150},
		EmergencyLatency:   Range{Min: 5, Max: 15},
		StandardLatency:    Range{Min: 10, Max: 50},
		SignalStrength:     Range{Min: -70, Max: -50},
		V2VRangeMeters:     300,
	}
}

type slot struct {
	mu  sync.Mutex
	cur atomic.Pointer[model.Vehicle]
}

// Registry is the vehicle registry. Create one with New.
type Registry struct {
	mu    sync.RWMutex
	slots map[string]*slot

	cfg    Config
	policy Policy
	log    *commlog.Log
	clock  model.Clock
	logger *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfig overrides the allocation ranges.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithPolicy sets the attribute policy.
func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithLog sets the communication log the registry writes to.
func WithLog(l *commlog.Log) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock sets the time source for registration and update stamps.
func WithClock(c model.Clock) Option {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates an empty registry. Without WithPolicy it uses a policy seeded with 1.
func New(opts ...Option) *Registry {
	r := &Registry{
		slots:  make(map[string]*slot),
		cfg:    DefaultConfig(),
		policy: NewSeededPolicy(1),
		log:    commlog.New(commlog.DefaultCapacity),
		clock:  model.SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Log returns the communication log the registry writes to.
func (r *Registry) Log() *commlog.Log {
	return r.log
}

// Register creates or overwrites the record for id. Re-registering an existing
// id replaces the prior record and is logged as a re-registration.
func (r *Registry) Register(id string, vehicleType string, loc model.Location) (model.Vehicle, error) {
	if err := model.ValidateID("vehicle_id", id); err != nil {
		return model.Vehicle{}, err
	}
	t := model.ParseVehicleType(vehicleType)
	if t == "" {
		return model.Vehicle{}, model.NewValidationError("vehicle_type", "must not be empty")
	}
	if err := loc.Validate(); err != nil {
		return model.Vehicle{}, err
	}

	s := r.slotFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.cur.Load()
	now := r.clock()

	v := model.Vehicle{
		ID:                id,
		Type:              t,
		Location:          loc,
		PriorityLevel:     t.Priority(),
		Status:            model.StatusActive,
		RegisteredAt:      now,
		UpdatedAt:         now,
		SignalStrengthDbm: r.policy.Pick(r.cfg.SignalStrength),
	}
	if t.IsEmergency() {
		v.Mode = model.ModeV2I
		v.Slice = model.SliceURLLC
		v.BandwidthMbps = r.policy.Pick(r.cfg.EmergencyBandwidth)
		v.LatencyMs = r.policy.Pick(r.cfg.EmergencyLatency)
	} else {
		v.Mode = r.policy.Mode(t)
		v.Slice = r.policy.Slice(t)
		v.BandwidthMbps = r.policy.Pick(r.cfg.StandardBandwidth)
		v.LatencyMs = r.policy.Pick(r.cfg.StandardLatency)
	}
	s.cur.Store(&v)

	if prev != nil {
		r.log.Append(commlog.EventVehicleReregistration, id,
			fmt.Sprintf("Vehicle re-registered as %s, previous %s record overwritten", t, prev.Type))
		r.logger.Info("Vehicle re-registered", "vehicle_id", id, "type", t, "previous_type", prev.Type)
	} else {
		r.log.Append(commlog.EventVehicleRegistration, id, "Vehicle registered successfully")
		r.logger.Debug("Vehicle registered", "vehicle_id", id, "type", t, "priority", v.PriorityLevel)
	}

	return v, nil
}

// Restore loads an archived record as-is, without consulting the policy.
// An existing record for the same id is kept if it is newer.
func (r *Registry) Restore(v model.Vehicle) error {
	if err := model.ValidateID("vehicle_id", v.ID); err != nil {
		return err
	}
	if err := v.Location.Validate(); err != nil {
		return err
	}
	if v.Type == "" {
		return model.NewValidationError("vehicle_type", "must not be empty")
	}

	s := r.slotFor(v.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur := s.cur.Load(); cur != nil && cur.UpdatedAt.After(v.UpdatedAt) {
		return nil
	}
	v.PriorityLevel = v.Type.Priority()
	s.cur.Store(&v)
	return nil
}

// UpdateLocation moves a registered vehicle.
func (r *Registry) UpdateLocation(id string, loc model.Location) (model.Vehicle, error) {
	if err := loc.Validate(); err != nil {
		return model.Vehicle{}, err
	}
	v, err := r.mutate(id, func(v *model.Vehicle) {
		v.Location = loc
	})
	if err != nil {
		return model.Vehicle{}, err
	}
	r.log.Append(commlog.EventLocationUpdate, id, "Location updated to "+loc.String())
	return v, nil
}

// UpdateTelemetry records segment membership and speed, and refreshes the
// link measurements (signal strength, latency) through the policy.
// A nil speed leaves the previous reading in place.
func (r *Registry) UpdateTelemetry(id, segmentID string, speedKmh *float64) (model.Vehicle, error) {
	if segmentID != "" {
		if err := model.ValidateID("segment_id", segmentID); err != nil {
			return model.Vehicle{}, err
		}
	}
	if speedKmh != nil {
		if math.IsNaN(*speedKmh) || math.IsInf(*speedKmh, 0) {
			return model.Vehicle{}, model.NewValidationError("speed", "must be a finite number")
		}
		if *speedKmh < 0 {
			return model.Vehicle{}, model.NewValidationError("speed", "must not be negative")
		}
	}

	v, err := r.mutate(id, func(v *model.Vehicle) {
		v.SegmentID = segmentID
		if speedKmh != nil {
			speed := *speedKmh
			v.SpeedKmh = &speed
		}
		v.SignalStrengthDbm = r.policy.Pick(r.cfg.SignalStrength)
		if v.Type.IsEmergency() {
			v.LatencyMs = r.policy.Pick(r.cfg.EmergencyLatency)
		} else {
			v.LatencyMs = r.policy.Pick(r.cfg.StandardLatency)
		}
	})
	if err != nil {
		return model.Vehicle{}, err
	}
	r.log.Append(commlog.EventTelemetryUpdate, id, "Telemetry refreshed for segment "+segmentID)
	return v, nil
}

// Deactivate marks a vehicle inactive. The record is kept.
func (r *Registry) Deactivate(id string) (model.Vehicle, error) {
	v, err := r.mutate(id, func(v *model.Vehicle) {
		v.Status = model.StatusInactive
	})
	if err != nil {
		return model.Vehicle{}, err
	}
	r.log.Append(commlog.EventVehicleDeactivated, id, "Vehicle deactivated")
	return v, nil
}

// mutate applies fn to a copy of the current record under the vehicle's lock
// and publishes the copy.
func (r *Registry) mutate(id string, fn func(*model.Vehicle)) (model.Vehicle, error) {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if !ok {
		return model.Vehicle{}, model.NewNotFoundError("vehicle", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cur.Load()
	if cur == nil {
		return model.Vehicle{}, model.NewNotFoundError("vehicle", id)
	}
	next := *cur
	fn(&next)
	next.UpdatedAt = r.clock()
	s.cur.Store(&next)
	return next, nil
}

func (r *Registry) slotFor(id string) *slot {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.slots[id]; ok {
		return s
	}
	s = &slot{}
	r.slots[id] = s
	return s
}

// Get returns the current record for id.
func (r *Registry) Get(id string) (model.Vehicle, error) {
	r.mu.RLock()
	s, ok := r.slots[id]
	r.mu.RUnlock()
	if ok {
		if v := s.cur.Load(); v != nil {
			return *v, nil
		}
	}
	return model.Vehicle{}, model.NewNotFoundError("vehicle", id)
}

// List returns every registered vehicle sorted by id.
func (r *Registry) List() []model.Vehicle {
	out := r.snapshot()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns the active vehicles sorted by id.
func (r *Registry) Active() []model.Vehicle {
	return lo.Filter(r.List(), func(v model.Vehicle, _ int) bool { return v.Active() })
}

// Len returns the number of registered vehicles, active or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.slots)
}

// InSegment returns the active vehicles whose last telemetry placed them on segmentID.
func (r *Registry) InSegment(segmentID string) []model.Vehicle {
	var out []model.Vehicle
	for _, v := range r.snapshot() {
		if v.Active() && v.SegmentID == segmentID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) snapshot() []model.Vehicle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.Vehicle, 0, len(r.slots))
	for _, s := range r.slots {
		if v := s.cur.Load(); v != nil {
			out = append(out, *v)
		}
	}
	return out
}
