// Package v2igateway exposes the coordination engine as a semstreams
// request/reply processor.
//
// Every operation is bound to an input port whose NATS subject defaults to
// the operation name under the configured prefix, e.g. "v2i.priority.request".
// Requests and replies are JSON; failed requests reply with ok=false and an
// error code from model.ErrorCode.
package v2igateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/v2icoord/alert"
	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/engine"
	"github.com/c360studio/v2icoord/model"
	"github.com/c360studio/v2icoord/prediction"
)

type handlerFunc func(ctx context.Context, data []byte) (any, error)

// Component implements the V2I gateway.
type Component struct {
	name       string
	config     Config
	engine     *engine.Engine
	natsClient *natsclient.Client
	logger     *slog.Logger
	clock      model.Clock
	handlers   map[string]handlerFunc
	// routes maps a request subject to its operation.
	routes map[string]string

	// Lifecycle
	running       bool
	startTime     time.Time
	mu            sync.RWMutex
	cancel        context.CancelFunc
	subscriptions []*natsclient.Subscription

	// Metrics
	requestsHandled atomic.Int64
	requestErrors   atomic.Int64
	panics          atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// Option configures a Component.
type Option func(*Component)

// WithClock sets the clock used for default prediction times.
func WithClock(c model.Clock) Option {
	return func(g *Component) {
		if c != nil {
			g.clock = c
		}
	}
}

// NewComponent creates a gateway over eng. deps.NATSClient may be nil for
// callers that only use Handle.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies, eng *engine.Engine, opts ...Option) (*Component, error) {
	var config Config
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	// Apply defaults if not specified
	defaults := DefaultConfig()
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = defaults.SubjectPrefix
	}
	if config.PatternHours == 0 {
		config.PatternHours = defaults.PatternHours
	}
	if config.Ports == nil {
		config.Ports = DefaultPorts(config.SubjectPrefix)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if eng == nil {
		return nil, fmt.Errorf("engine required")
	}

	c := &Component{
		name:       "v2i-gateway",
		config:     config,
		engine:     eng,
		natsClient: deps.NATSClient,
		logger:     deps.GetLogger(),
		clock:      model.SystemClock,
		routes:     make(map[string]string, len(config.Ports.Inputs)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, in := range config.Ports.Inputs {
		c.routes[in.Subject] = in.Name
	}
	c.handlers = map[string]handlerFunc{
		SubjectVehicleRegister:  c.handleRegister,
		SubjectVehicleLocation:  c.handleLocation,
		SubjectVehicleTelemetry: c.handleTelemetry,
		SubjectVehicleGet:       c.handleGet,
		SubjectVehicleComplete:  c.handleComplete,
		SubjectV2VStatus:        c.handleV2V,
		SubjectPriorityRequest:  c.handlePriority,
		SubjectPriorityRelease:  c.handleRelease,
		SubjectPriorityActive:   c.handleActiveGrants,
		SubjectAlertBroadcast:   c.handleAlert,
		SubjectFlowOptimize:     c.handleFlow,
		SubjectTrafficPredict:   c.handlePredict,
		SubjectTrafficPattern:   c.handlePattern,
		SubjectLogQuery:         c.handleLogQuery,
	}
	return c, nil
}

// Subjects returns the request subjects served, sorted.
func (c *Component) Subjects() []string {
	out := make([]string, 0, len(c.routes))
	for s := range c.routes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	c.logger.Debug("Initialized v2i-gateway",
		"subjects", len(c.routes),
		"pattern_hours", c.config.PatternHours)
	return nil
}

// Start subscribes to every input port subject.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	// Set running state while holding lock to prevent race condition
	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	subs := make([]*natsclient.Subscription, 0, len(c.routes))
	for _, subject := range c.Subjects() {
		sub, err := c.natsClient.SubscribeForRequests(subCtx, subject, c.requestHandler(subject))
		if err != nil {
			// Rollback running state on failure
			c.mu.Lock()
			c.running = false
			c.cancel = nil
			c.mu.Unlock()
			cancel()
			return fmt.Errorf("subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	c.mu.Lock()
	c.subscriptions = subs
	c.mu.Unlock()

	c.logger.Info("v2i-gateway started",
		"subjects", len(subs),
		"prefix", c.config.SubjectPrefix)
	return nil
}

// requestHandler binds subject to Handle, since request handlers are not
// told which subject they were delivered on.
func (c *Component) requestHandler(subject string) func(context.Context, []byte) ([]byte, error) {
	return func(ctx context.Context, data []byte) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return c.Handle(ctx, subject, data), nil
	}
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.subscriptions = nil
	c.running = false

	c.logger.Info("v2i-gateway stopped",
		"requests_handled", c.requestsHandled.Load(),
		"request_errors", c.requestErrors.Load(),
		"panics", c.panics.Load())
	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "processor",
		Description: "Request/reply gateway for V2I coordination",
		Version:     "1.0.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	ports := natsPorts(c.config.Ports.Inputs)
	for i := range ports {
		ports[i].Direction = component.DirectionInput
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	ports := natsPorts(c.config.Ports.Outputs)
	for i := range ports {
		ports[i].Direction = component.DirectionOutput
	}
	return ports
}

func natsPorts(defs []component.PortDefinition) []component.Port {
	ports := make([]component.Port, len(defs))
	for i, portDef := range defs {
		ports[i] = component.Port{
			Name:        portDef.Name,
			Required:    portDef.Required,
			Description: portDef.Description,
			Config: component.NATSPort{
				Subject: portDef.Subject,
			},
		}
	}
	return ports
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return gatewaySchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: 0,
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

// Stats counts requests since the component was created.
type Stats struct {
	RequestsHandled int64 `json:"requests_handled"`
	RequestErrors   int64 `json:"request_errors"`
	Panics          int64 `json:"panics"`
}

// Stats returns the request counters.
func (c *Component) Stats() Stats {
	return Stats{
		RequestsHandled: c.requestsHandled.Load(),
		RequestErrors:   c.requestErrors.Load(),
		Panics:          c.panics.Load(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}

// Handle processes one request and returns the encoded Reply. A panicking
// handler is answered with an internal error.
func (c *Component) Handle(ctx context.Context, subject string, data []byte) []byte {
	c.requestsHandled.Add(1)
	c.updateLastActivity()

	result, err := c.dispatch(ctx, subject, data)

	reply := Reply{OK: err == nil, Data: result}
	if err != nil {
		c.requestErrors.Add(1)
		code := model.ErrorCode(err)
		reply = Reply{Error: &ErrorBody{Code: code, Message: err.Error()}}
		if code == "internal" {
			c.logger.Error("Request failed", "subject", subject, "error", err)
		} else {
			c.logger.Debug("Request rejected", "subject", subject, "code", code, "error", err)
		}
	}

	out, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("Failed to encode reply", "subject", subject, "error", err)
		out, _ = json.Marshal(Reply{Error: &ErrorBody{Code: "internal", Message: "encode reply"}})
	}
	return out
}

func (c *Component) dispatch(ctx context.Context, subject string, data []byte) (result any, err error) {
	op, ok := c.routes[subject]
	if !ok {
		return nil, model.NewNotFoundError("subject", subject)
	}
	h, ok := c.handlers[op]
	if !ok {
		return nil, model.NewNotFoundError("operation", op)
	}

	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("Request handler panicked",
				"subject", subject,
				"panic", r,
				"stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("handler panic on %s", op)
		}
	}()
	return h(ctx, data)
}

func decode[T any](data []byte) (T, error) {
	var req T
	if len(data) == 0 {
		return req, model.NewValidationError("payload", "empty request body")
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return req, model.NewValidationError("payload", err.Error())
	}
	return req, nil
}

func (c *Component) handleRegister(ctx context.Context, data []byte) (any, error) {
	req, err := decode[RegisterRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.RegisterVehicle(ctx, req.VehicleID, req.VehicleType, req.Location)
}

func (c *Component) handleLocation(ctx context.Context, data []byte) (any, error) {
	req, err := decode[LocationRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.UpdateLocation(ctx, req.VehicleID, req.Location)
}

func (c *Component) handleTelemetry(ctx context.Context, data []byte) (any, error) {
	req, err := decode[TelemetryRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.UpdateTelemetry(ctx, req.VehicleID, req.SegmentID, req.SpeedKmh)
}

func (c *Component) handleGet(_ context.Context, data []byte) (any, error) {
	req, err := decode[VehicleRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.Vehicle(req.VehicleID)
}

func (c *Component) handleComplete(ctx context.Context, data []byte) (any, error) {
	req, err := decode[VehicleRequest](data)
	if err != nil {
		return nil, err
	}
	v, released, err := c.engine.CompleteJourney(ctx, req.VehicleID)
	if err != nil {
		return nil, err
	}
	return CompleteResponse{Vehicle: v, GrantsReleased: released}, nil
}

func (c *Component) handleV2V(_ context.Context, data []byte) (any, error) {
	req, err := decode[VehicleRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.V2VStatus(req.VehicleID)
}

func (c *Component) handlePriority(_ context.Context, data []byte) (any, error) {
	req, err := decode[PriorityRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.RequestPriority(req.VehicleID, req.Destination)
}

func (c *Component) handleRelease(_ context.Context, data []byte) (any, error) {
	req, err := decode[VehicleRequest](data)
	if err != nil {
		return nil, err
	}
	if err := model.ValidateID("vehicle_id", req.VehicleID); err != nil {
		return nil, err
	}
	return ReleaseResponse{VehicleID: req.VehicleID, GrantsReleased: c.engine.ReleasePriority(req.VehicleID)}, nil
}

func (c *Component) handleActiveGrants(context.Context, []byte) (any, error) {
	return c.engine.ActiveGrants(), nil
}

func (c *Component) handleAlert(ctx context.Context, data []byte) (any, error) {
	req, err := decode[AlertRequest](data)
	if err != nil {
		return nil, err
	}
	radius := alert.DefaultRadiusMeters
	if req.RadiusMeters != nil {
		radius = *req.RadiusMeters
	}
	return c.engine.BroadcastAlert(ctx, req.AlertType, req.Message, req.Location, radius)
}

func (c *Component) handleFlow(_ context.Context, data []byte) (any, error) {
	req, err := decode[FlowRequest](data)
	if err != nil {
		return nil, err
	}
	return c.engine.OptimizeFlow(req.SegmentID)
}

func (c *Component) handlePredict(_ context.Context, data []byte) (any, error) {
	req, err := decode[PredictRequest](data)
	if err != nil {
		return nil, err
	}
	now := c.clock()
	hour := now.Hour()
	if req.Hour != nil {
		hour = *req.Hour
	}
	day := prediction.Weekday(now)
	if req.Day != nil {
		day = *req.Day
	}
	return c.engine.PredictDensity(model.Location{Lat: req.Lat, Lng: req.Lng}, hour, day, req.Weather)
}

func (c *Component) handlePattern(_ context.Context, data []byte) (any, error) {
	req, err := decode[PatternRequest](data)
	if err != nil {
		return nil, err
	}
	hours := req.HoursAhead
	if hours == 0 {
		hours = c.config.PatternHours
	}
	return c.engine.PredictPattern(model.Location{Lat: req.Lat, Lng: req.Lng}, hours, req.Forecast)
}

func (c *Component) handleLogQuery(_ context.Context, data []byte) (any, error) {
	req := LogQuery{}
	if len(data) > 0 {
		var err error
		if req, err = decode[LogQuery](data); err != nil {
			return nil, err
		}
	}
	entries, err := c.engine.Log().Query(commlog.Filter{
		EventType: req.EventType,
		Entity:    req.Entity,
		Since:     req.Since,
	})
	if err != nil {
		return nil, err
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[len(entries)-req.Limit:]
	}
	if entries == nil {
		entries = []commlog.Entry{}
	}
	return entries, nil
}
