// Package engine owns the coordinator state and is the single entry point
// adapters call into. It wires the registry, predictor, signal coordinator,
// alert broadcaster and flow optimizer around one communication log, and
// records metrics and archive writes for each operation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/v2icoord/alert"
	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/flow"
	"github.com/c360studio/v2icoord/metrics"
	"github.com/c360studio/v2icoord/model"
	"github.com/c360studio/v2icoord/prediction"
	"github.com/c360studio/v2icoord/priority"
	"github.com/c360studio/v2icoord/registry"
	"github.com/c360studio/v2icoord/resolver"
	"github.com/c360studio/v2icoord/transport"
)

// Archive persists records outside the process. *storage.Store satisfies it.
type Archive interface {
	PutVehicle(ctx context.Context, v model.Vehicle) error
	PutAlert(ctx context.Context, a model.Alert) error
}

// VehicleSource lists archived vehicles for recovery. *storage.Store satisfies it.
type VehicleSource interface {
	ListVehicles(ctx context.Context) ([]model.Vehicle, error)
}

// Config sizes the engine's in-memory state.
type Config struct {
	Registry     registry.Config
	LogCapacity  int
	GrantHistory int
	AlertHistory int
	// Seed drives attribute assignment and improvement estimates.
	Seed uint64
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		Registry:     registry.DefaultConfig(),
		LogCapacity:  commlog.DefaultCapacity,
		GrantHistory: priority.DefaultHistoryLimit,
		AlertHistory: alert.DefaultHistory,
		Seed:         1,
	}
}

// Engine is the coordinator state object. Create one with New.
type Engine struct {
	log         *commlog.Log
	registry    *registry.Registry
	predictor   *prediction.Predictor
	coordinator *priority.Coordinator
	broadcaster *alert.Broadcaster
	optimizer   *flow.Optimizer

	metrics *metrics.Metrics
	archive Archive
	logger  *slog.Logger
}

type options struct {
	routes      priority.RouteResolver
	segments    flow.SegmentResolver
	transport   alert.Transport
	archive     Archive
	metrics     *metrics.Metrics
	policy      registry.Policy
	improvement flow.ImprovementPolicy
	clock       model.Clock
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

// WithRoutes sets the route resolver. Default: resolver.GridRouteResolver.
func WithRoutes(r priority.RouteResolver) Option {
	return func(o *options) { o.routes = r }
}

// WithSegments sets the segment resolver. Default: registry telemetry.
func WithSegments(s flow.SegmentResolver) Option {
	return func(o *options) { o.segments = s }
}

// WithTransport sets the alert transport. Default: an in-memory mailbox per vehicle.
func WithTransport(t alert.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithArchive sets where vehicles and alerts are persisted.
func WithArchive(a Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPolicy overrides the seeded attribute policy.
func WithPolicy(p registry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithImprovement overrides the seeded improvement policy.
func WithImprovement(p flow.ImprovementPolicy) Option {
	return func(o *options) { o.improvement = p }
}

// WithClock sets the time source for every component.
func WithClock(c model.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the structured logger for every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an engine from cfg.
func New(cfg Config, opts ...Option) *Engine {
	o := options{clock: model.SystemClock, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.policy == nil {
		o.policy = registry.NewSeededPolicy(cfg.Seed)
	}
	if o.improvement == nil {
		o.improvement = flow.SeededImprovement(cfg.Seed)
	}
	if o.routes == nil {
		o.routes = resolver.GridRouteResolver{}
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	log := commlog.New(cfg.LogCapacity).WithClock(o.clock)
	reg := registry.New(
		registry.WithConfig(cfg.Registry),
		registry.WithPolicy(o.policy),
		registry.WithLog(log),
		registry.WithClock(o.clock),
		registry.WithLogger(o.logger),
	)
	if o.segments == nil {
		o.segments = resolver.RegistrySegments{Registry: reg}
	}
	if o.transport == nil {
		o.transport = transport.NewMemory(transport.DefaultMailboxSize)
	}

	e := &Engine{
		log:       log,
		registry:  reg,
		predictor: prediction.New(prediction.WithClock(o.clock)),
		coordinator: priority.NewCoordinator(reg, o.routes,
			priority.WithLog(log),
			priority.WithClock(o.clock),
			priority.WithLogger(o.logger),
			priority.WithHistoryLimit(cfg.GrantHistory),
		),
		broadcaster: alert.NewBroadcaster(reg, o.transport,
			alert.WithLog(log),
			alert.WithClock(o.clock),
			alert.WithLogger(o.logger),
			alert.WithHistory(cfg.AlertHistory),
		),
		optimizer: flow.NewOptimizer(o.segments,
			flow.WithImprovement(o.improvement),
			flow.WithLog(log),
			flow.WithClock(o.clock),
			flow.WithLogger(o.logger),
		),
		metrics: o.metrics,
		archive: o.archive,
		logger:  o.logger,
	}

	e.metrics.RegisterSources(metrics.Sources{
		Vehicles:       reg.Len,
		ActiveVehicles: func() int { return len(reg.Active()) },
		ActiveGrants:   func() int { return len(e.coordinator.ActiveGrants()) },
		LogEntries:     log.Len,
	})
	return e
}

// Log returns the shared communication log.
func (e *Engine) Log() *commlog.Log { return e.log }

// Metrics returns the metrics sink.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// track starts timing op. Defer the returned func with the named error result.
func (e *Engine) track(op string) func(*error) {
	started := time.Now()
	return func(err *error) {
		e.metrics.ObserveOperation(op, started, model.ErrorCode(*err))
	}
}

func (e *Engine) archiveVehicle(ctx context.Context, v model.Vehicle) {
	if e.archive == nil {
		return
	}
	if err := e.archive.PutVehicle(ctx, v); err != nil {
		e.metrics.ArchiveFailures.Add(1)
		e.logger.Warn("Failed to archive vehicle", "vehicle_id", v.ID, "error", err)
	}
}

// RegisterVehicle registers or re-registers a vehicle.
func (e *Engine) RegisterVehicle(ctx context.Context, id, vehicleType string, loc model.Location) (v model.Vehicle, err error) {
	defer e.track("vehicle.register")(&err)

	_, lookupErr := e.registry.Get(id)
	existed := lookupErr == nil

	v, err = e.registry.Register(id, vehicleType, loc)
	if err != nil {
		return model.Vehicle{}, err
	}
	if existed {
		e.metrics.Reregistrations.Add(1)
	} else {
		e.metrics.Registrations.Add(1)
	}
	e.archiveVehicle(ctx, v)
	return v, nil
}

// UpdateLocation moves a vehicle.
func (e *Engine) UpdateLocation(ctx context.Context, id string, loc model.Location) (v model.Vehicle, err error) {
	defer e.track("vehicle.location")(&err)

	v, err = e.registry.UpdateLocation(id, loc)
	if err != nil {
		return model.Vehicle{}, err
	}
	e.archiveVehicle(ctx, v)
	return v, nil
}

// UpdateTelemetry records segment membership and speed.
func (e *Engine) UpdateTelemetry(ctx context.Context, id, segmentID string, speedKmh *float64) (v model.Vehicle, err error) {
	defer e.track("vehicle.telemetry")(&err)

	v, err = e.registry.UpdateTelemetry(id, segmentID, speedKmh)
	if err != nil {
		return model.Vehicle{}, err
	}
	e.archiveVehicle(ctx, v)
	return v, nil
}

// CompleteJourney deactivates a vehicle and releases any signal priority it holds.
func (e *Engine) CompleteJourney(ctx context.Context, id string) (v model.Vehicle, released int, err error) {
	defer e.track("vehicle.deactivate")(&err)

	v, err = e.registry.Deactivate(id)
	if err != nil {
		return model.Vehicle{}, 0, err
	}
	released = e.coordinator.Release(id)
	e.archiveVehicle(ctx, v)
	return v, released, nil
}

// Vehicle returns one vehicle.
func (e *Engine) Vehicle(id string) (model.Vehicle, error) {
	return e.registry.Get(id)
}

// Vehicles returns every registered vehicle sorted by id.
func (e *Engine) Vehicles() []model.Vehicle {
	return e.registry.List()
}

// V2VStatus reports a vehicle's V2V neighborhood.
func (e *Engine) V2VStatus(id string) (registry.V2VStatus, error) {
	return e.registry.V2VStatus(id)
}

// RequestPriority asks for signal priority along the vehicle's route.
func (e *Engine) RequestPriority(vehicleID string, destination model.Location) (resp priority.Response, err error) {
	defer e.track("priority.request")(&err)

	resp, err = e.coordinator.RequestPriority(vehicleID, destination)
	if err != nil {
		if model.IsPermissionDenied(err) {
			e.metrics.PermissionDenied.Add(1)
		}
		return priority.Response{}, err
	}
	e.metrics.PriorityRequests.Add(1)
	e.metrics.GrantsIssued.Add(uint64(len(resp.Grants)))
	e.metrics.GrantsQueued.Add(uint64(resp.Queued()))
	e.metrics.Preemptions.Add(uint64(len(resp.Preempted)))
	return resp, nil
}

// ReleasePriority ends a vehicle's grants early.
func (e *Engine) ReleasePriority(vehicleID string) int {
	return e.coordinator.Release(vehicleID)
}

// ActiveGrant returns the live grant at an intersection.
func (e *Engine) ActiveGrant(intersectionID string) (model.SignalGrant, bool) {
	return e.coordinator.ActiveGrant(intersectionID)
}

// ActiveGrants returns every live grant.
func (e *Engine) ActiveGrants() []model.SignalGrant {
	return e.coordinator.ActiveGrants()
}

// Grant looks up a grant by id.
func (e *Engine) Grant(id string) (model.SignalGrant, error) {
	return e.coordinator.Grant(id)
}

// BroadcastAlert sends an alert to every vehicle in the geofence and archives it.
func (e *Engine) BroadcastAlert(ctx context.Context, alertType, message string, center model.Location, radiusMeters float64) (res alert.Result, err error) {
	defer e.track("alert.broadcast")(&err)

	res, err = e.broadcaster.Broadcast(alertType, message, center, radiusMeters)
	if err != nil {
		return alert.Result{}, err
	}
	e.metrics.AlertsBroadcast.Add(1)
	e.metrics.VehiclesNotified.Add(uint64(res.Alert.VehiclesNotified()))
	e.metrics.DeliveryFailures.Add(uint64(len(res.Failures)))

	if e.archive != nil {
		if err := e.archive.PutAlert(ctx, res.Alert); err != nil {
			e.metrics.ArchiveFailures.Add(1)
			e.logger.Warn("Failed to archive alert", "alert_id", res.Alert.ID, "error", err)
		}
	}
	return res, nil
}

// RecentAlerts returns up to n of the latest alerts.
func (e *Engine) RecentAlerts(n int) []model.Alert {
	return e.broadcaster.Recent(n)
}

// OptimizeFlow recommends a strategy for a segment.
func (e *Engine) OptimizeFlow(segmentID string) (res flow.Result, err error) {
	defer e.track("flow.optimize")(&err)

	res, err = e.optimizer.Optimize(segmentID)
	if err != nil {
		return flow.Result{}, err
	}
	e.metrics.Optimizations.Add(1)
	return res, nil
}

// PredictDensity predicts traffic density at a location.
func (e *Engine) PredictDensity(loc model.Location, hour, day int, weather *prediction.Weather) (res prediction.Result, err error) {
	defer e.track("traffic.predict")(&err)

	if err = loc.Validate(); err != nil {
		return prediction.Result{}, err
	}
	e.metrics.Predictions.Add(1)
	return e.predictor.PredictDensity(loc.Lat, loc.Lng, hour, day, weather), nil
}

// PredictPattern predicts density for the coming hours.
func (e *Engine) PredictPattern(loc model.Location, hoursAhead int, forecast []prediction.Weather) (out []prediction.Result, err error) {
	defer e.track("traffic.pattern")(&err)

	if err = loc.Validate(); err != nil {
		return nil, err
	}
	out = e.predictor.PredictPattern(loc.Lat, loc.Lng, hoursAhead, forecast)
	e.metrics.Predictions.Add(uint64(len(out)))
	return out, nil
}

// Restore reloads archived vehicles into the registry. Records that fail
// validation are skipped and logged.
func (e *Engine) Restore(ctx context.Context, src VehicleSource) (int, error) {
	vehicles, err := src.ListVehicles(ctx)
	if err != nil {
		return 0, fmt.Errorf("load archived vehicles: %w", err)
	}
	restored := 0
	for _, v := range vehicles {
		if err := e.registry.Restore(v); err != nil {
			e.logger.Warn("Skipping archived vehicle", "vehicle_id", v.ID, "error", err)
			continue
		}
		restored++
	}
	e.logger.Info("Restored vehicles from archive", "count", restored)
	return restored, nil
}

// Snapshot is a point-in-time view for dashboards.
type Snapshot struct {
	Vehicles     []model.Vehicle     `json:"vehicles"`
	ActiveGrants []model.SignalGrant `json:"active_grants"`
	RecentAlerts []model.Alert       `json:"recent_alerts"`
	Log          []commlog.Entry     `json:"log"`
}

// Snapshot returns the current state. logEntries bounds the log tail.
func (e *Engine) Snapshot(logEntries int) Snapshot {
	return Snapshot{
		Vehicles:     e.registry.List(),
		ActiveGrants: e.coordinator.ActiveGrants(),
		RecentAlerts: e.broadcaster.Recent(alert.DefaultHistory),
		Log:          e.log.Last(logEntries),
	}
}
