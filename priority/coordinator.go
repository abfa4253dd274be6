// Package priority arbitrates traffic-signal priority for emergency vehicles.
//
// Each intersection holds at most one active grant and a FIFO queue of pending
// requests. Expiry is lazy: an intersection's grant is checked whenever that
// intersection is read or claimed, never by a background sweep.
package priority

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/model"
)

// SecondsSavedPerIntersection is the travel time a grant is estimated to save.
const SecondsSavedPerIntersection = 30

// DefaultHistoryLimit bounds how many finished grants stay queryable by id.
const DefaultHistoryLimit = 10000

// RouteResolver maps a trip onto the ordered intersections it crosses.
type RouteResolver interface {
	Intersections(origin, destination model.Location) ([]string, error)
}

// RouteResolverFunc adapts a function to RouteResolver.
type RouteResolverFunc func(origin, destination model.Location) ([]string, error)

// Intersections calls f.
func (f RouteResolverFunc) Intersections(origin, destination model.Location) ([]string, error) {
	return f(origin, destination)
}

// VehicleSource looks up registered vehicles. *registry.Registry satisfies it.
type VehicleSource interface {
	Get(id string) (model.Vehicle, error)
}

// PendingRequest is a request waiting behind a higher-priority grant.
type PendingRequest struct {
	VehicleID   string    `json:"vehicle_id"`
	Priority    int       `json:"priority_level"`
	RequestedAt time.Time `json:"requested_at"`
	// Requeued is set when the request lost its grant to preemption.
	Requeued bool `json:"requeued,omitempty"`
}

// Outcome is the per-intersection result of a request.
type Outcome struct {
	IntersectionID string `json:"intersection_id"`
	GrantID        string `json:"grant_id,omitempty"`
	Status         string `json:"status"`
	QueuePosition  int    `json:"queue_position,omitempty"`
	HeldBy         string `json:"held_by,omitempty"`
}

// Outcome statuses.
const (
	OutcomeGranted = "granted"
	OutcomeQueued  = "queued"
)

// Response summarizes a priority request.
type Response struct {
	Status                string              `json:"status"`
	VehicleID             string              `json:"vehicle_id"`
	IntersectionsAffected int                 `json:"intersections_affected"`
	Grants                []model.SignalGrant `json:"grants"`
	Outcomes              []Outcome           `json:"outcomes"`
	Preempted             []model.SignalGrant `json:"preempted,omitempty"`
	EstimatedTimeSaved    int                 `json:"estimated_time_saved"`
}

// Queued returns the number of intersections where the request had to wait.
func (r Response) Queued() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == OutcomeQueued {
			n++
		}
	}
	return n
}

type intersection struct {
	mu      sync.Mutex
	active  *model.SignalGrant
	pending []PendingRequest
}

// Coordinator grants, queues and preempts signal priority.
type Coordinator struct {
	vehicles VehicleSource
	routes   RouteResolver
	log      *commlog.Log
	clock    model.Clock
	logger   *slog.Logger

	mu            sync.RWMutex
	intersections map[string]*intersection

	grantsMu     sync.RWMutex
	grants       map[string]model.SignalGrant
	finished     []string
	historyLimit int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLog sets the communication log.
func WithLog(l *commlog.Log) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock sets the time source used for grants and expiry.
func WithClock(clock model.Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHistoryLimit bounds the number of finished grants kept for lookup.
func WithHistoryLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

// NewCoordinator creates a coordinator over vehicles, resolving routes with routes.
func NewCoordinator(vehicles VehicleSource, routes RouteResolver, opts ...Option) *Coordinator {
	c := &Coordinator{
		vehicles:      vehicles,
		routes:        routes,
		log:           commlog.New(commlog.DefaultCapacity),
		clock:         model.SystemClock,
		logger:        slog.Default(),
		intersections: make(map[string]*intersection),
		grants:        make(map[string]model.SignalGrant),
		historyLimit:  DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestPriority asks for signal priority at every intersection between the
// vehicle's current location and destination. Only vehicles at or above
// model.PriorityClearance may ask.
//
// The call is not idempotent: repeating it issues fresh grants.
func (c *Coordinator) RequestPriority(vehicleID string, destination model.Location) (Response, error) {
	v, err := c.vehicles.Get(vehicleID)
	if err != nil {
		return Response{}, err
	}
	if !v.Active() {
		return Response{}, model.NewValidationError("vehicle_id", fmt.Sprintf("vehicle %q is inactive", vehicleID))
	}
	if v.PriorityLevel < model.PriorityClearance {
		return Response{}, &model.PermissionDeniedError{
			VehicleID: vehicleID,
			Priority:  v.PriorityLevel,
			Required:  model.PriorityClearance,
		}
	}
	if err := destination.Validate(); err != nil {
		return Response{}, err
	}

	route, err := c.routes.Intersections(v.Location, destination)
	if err != nil {
		return Response{}, fmt.Errorf("resolve route intersections: %w", err)
	}
	for _, id := range route {
		if err := model.ValidateID("intersection_id", id); err != nil {
			return Response{}, fmt.Errorf("resolver returned bad intersection: %w", err)
		}
	}

	resp := Response{
		Status:                OutcomeGranted,
		VehicleID:             vehicleID,
		IntersectionsAffected: len(route),
		Grants:                []model.SignalGrant{},
		Outcomes:              make([]Outcome, 0, len(route)),
		EstimatedTimeSaved:    len(route) * SecondsSavedPerIntersection,
	}

	for _, ixID := range route {
		outcome, grant, preempted := c.claim(ixID, v)
		resp.Outcomes = append(resp.Outcomes, outcome)
		if grant != nil {
			resp.Grants = append(resp.Grants, *grant)
		}
		if preempted != nil {
			resp.Preempted = append(resp.Preempted, *preempted)
		}
	}
	if len(route) > 0 && len(resp.Grants) == 0 {
		resp.Status = OutcomeQueued
	}

	c.log.Append(commlog.EventPriorityRequest, vehicleID,
		fmt.Sprintf("Priority granted for %d intersections (%d queued)", len(resp.Grants), resp.Queued()))
	c.logger.Info("Signal priority requested",
		"vehicle_id", vehicleID,
		"intersections", len(route),
		"granted", len(resp.Grants),
		"preempted", len(resp.Preempted))

	return resp, nil
}

// claim runs one intersection's arbitration under its lock.
func (c *Coordinator) claim(ixID string, v model.Vehicle) (Outcome, *model.SignalGrant, *model.SignalGrant) {
	ix := c.intersectionFor(ixID)
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := c.clock()
	c.expireLocked(ixID, ix, now)

	var preempted *model.SignalGrant
	if holder := ix.active; holder != nil {
		switch {
		case holder.VehicleID == v.ID:
			// Renewal: the old grant is superseded, nothing to requeue.
			c.finishLocked(ix, model.GrantPreempted)
		case holder.Priority <= v.PriorityLevel:
			old := *holder
			old.Status = model.GrantPreempted
			preempted = &old
			c.finishLocked(ix, model.GrantPreempted)
			// The preempted vehicle resumes first once the new grant ends.
			ix.pending = append([]PendingRequest{{
				VehicleID:   old.VehicleID,
				Priority:    old.Priority,
				RequestedAt: now,
				Requeued:    true,
			}}, removePending(ix.pending, old.VehicleID)...)
			c.log.Append(commlog.EventPriorityPreempted, old.VehicleID,
				fmt.Sprintf("Grant at %s preempted by %s", ixID, v.ID))
			c.logger.Info("Signal grant preempted",
				"intersection", ixID, "holder", old.VehicleID, "preemptor", v.ID)
		default:
			pos := c.enqueueLocked(ix, PendingRequest{VehicleID: v.ID, Priority: v.PriorityLevel, RequestedAt: now})
			return Outcome{
				IntersectionID: ixID,
				Status:         OutcomeQueued,
				QueuePosition:  pos,
				HeldBy:         holder.VehicleID,
			}, nil, nil
		}
	}

	ix.pending = removePending(ix.pending, v.ID)
	g := c.grantLocked(ixID, ix, v.ID, v.PriorityLevel, now)
	return Outcome{IntersectionID: ixID, GrantID: g.ID, Status: OutcomeGranted}, &g, preempted
}

// expireLocked retires an expired grant and promotes the next queued request.
// The promoted grant starts at now, so it always gets its full window.
func (c *Coordinator) expireLocked(ixID string, ix *intersection, now time.Time) {
	if ix.active == nil || !ix.active.ExpiredAt(now) {
		return
	}
	c.finishLocked(ix, model.GrantExpired)
	// The successor's window starts when the expiry is observed.
	c.promoteLocked(ixID, ix, now)
}

// promoteLocked grants the intersection to the first pending request whose
// vehicle is still registered and active.
func (c *Coordinator) promoteLocked(ixID string, ix *intersection, start time.Time) {
	for len(ix.pending) > 0 {
		next := ix.pending[0]
		ix.pending = ix.pending[1:]

		v, err := c.vehicles.Get(next.VehicleID)
		if err != nil || !v.Active() {
			continue
		}
		c.grantLocked(ixID, ix, next.VehicleID, v.PriorityLevel, start)
		c.logger.Debug("Pending priority request promoted", "intersection", ixID, "vehicle_id", next.VehicleID)
		return
	}
}

func (c *Coordinator) grantLocked(ixID string, ix *intersection, vehicleID string, priority int, at time.Time) model.SignalGrant {
	g := model.SignalGrant{
		ID:              "GRANT_" + uuid.NewString(),
		VehicleID:       vehicleID,
		IntersectionID:  ixID,
		Priority:        priority,
		GrantedAt:       at,
		DurationSeconds: int(model.GrantDuration / time.Second),
		Status:          model.GrantActive,
	}
	ix.active = &g

	c.grantsMu.Lock()
	c.grants[g.ID] = g
	c.grantsMu.Unlock()
	return g
}

// finishLocked moves the active grant to a terminal status.
func (c *Coordinator) finishLocked(ix *intersection, status model.GrantStatus) {
	g := *ix.active
	g.Status = status
	ix.active = nil

	c.grantsMu.Lock()
	defer c.grantsMu.Unlock()
	c.grants[g.ID] = g
	c.finished = append(c.finished, g.ID)
	for len(c.finished) > c.historyLimit {
		delete(c.grants, c.finished[0])
		c.finished = c.finished[1:]
	}
}

// enqueueLocked appends a request unless the vehicle is already waiting, and
// returns its 1-based queue position.
func (c *Coordinator) enqueueLocked(ix *intersection, req PendingRequest) int {
	for i, p := range ix.pending {
		if p.VehicleID == req.VehicleID {
			return i + 1
		}
	}
	ix.pending = append(ix.pending, req)
	return len(ix.pending)
}

func removePending(pending []PendingRequest, vehicleID string) []PendingRequest {
	out := pending[:0:0]
	for _, p := range pending {
		if p.VehicleID != vehicleID {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) intersectionFor(id string) *intersection {
	c.mu.RLock()
	ix, ok := c.intersections[id]
	c.mu.RUnlock()
	if ok {
		return ix
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if ix, ok = c.intersections[id]; ok {
		return ix
	}
	ix = &intersection{}
	c.intersections[id] = ix
	return ix
}

// ActiveGrant returns the live grant at an intersection, expiring it first if
// its time is up.
func (c *Coordinator) ActiveGrant(intersectionID string) (model.SignalGrant, bool) {
	c.mu.RLock()
	ix, ok := c.intersections[intersectionID]
	c.mu.RUnlock()
	if !ok {
		return model.SignalGrant{}, false
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	c.expireLocked(intersectionID, ix, c.clock())
	if ix.active == nil {
		return model.SignalGrant{}, false
	}
	return *ix.active, true
}

// ActiveGrants returns every live grant, sorted by intersection id.
func (c *Coordinator) ActiveGrants() []model.SignalGrant {
	var out []model.SignalGrant
	for _, id := range c.intersectionIDs() {
		if g, ok := c.ActiveGrant(id); ok {
			out = append(out, g)
		}
	}
	return out
}

// Pending returns the queue at an intersection, head first.
func (c *Coordinator) Pending(intersectionID string) []PendingRequest {
	c.mu.RLock()
	ix, ok := c.intersections[intersectionID]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	c.expireLocked(intersectionID, ix, c.clock())
	return append([]PendingRequest(nil), ix.pending...)
}

// Grant looks up a grant by id. Grants that finished long ago may have been
// dropped from history.
func (c *Coordinator) Grant(id string) (model.SignalGrant, error) {
	c.grantsMu.RLock()
	g, ok := c.grants[id]
	c.grantsMu.RUnlock()
	if !ok {
		return model.SignalGrant{}, model.NewNotFoundError("grant", id)
	}
	if g.Status == model.GrantActive {
		// Refresh through the intersection so lazy expiry applies.
		if active, ok := c.ActiveGrant(g.IntersectionID); ok && active.ID == id {
			return active, nil
		}
		c.grantsMu.RLock()
		g = c.grants[id]
		c.grantsMu.RUnlock()
	}
	return g, nil
}

// Release ends every active grant held by vehicleID and withdraws its queued
// requests, handing intersections to the next waiting vehicle. It returns the
// number of grants released.
func (c *Coordinator) Release(vehicleID string) int {
	released := 0
	for _, ixID := range c.intersectionIDs() {
		c.mu.RLock()
		ix := c.intersections[ixID]
		c.mu.RUnlock()

		ix.mu.Lock()
		now := c.clock()
		c.expireLocked(ixID, ix, now)
		ix.pending = removePending(ix.pending, vehicleID)
		if ix.active != nil && ix.active.VehicleID == vehicleID {
			c.finishLocked(ix, model.GrantExpired)
			c.promoteLocked(ixID, ix, now)
			released++
		}
		ix.mu.Unlock()
	}

	if released > 0 {
		c.log.Append(commlog.EventPriorityReleased, vehicleID,
			fmt.Sprintf("Released priority at %d intersections", released))
	}
	return released
}

func (c *Coordinator) intersectionIDs() []string {
	c.mu.RLock()
	ids := make([]string, 0, len(c.intersections))
	for id := range c.intersections {
		ids = append(ids, id)
	}
	c.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
