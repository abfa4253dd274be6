package model

import "time"

// GrantDuration is how long a signal priority grant stays active.
const GrantDuration = 120 * time.Second

// GrantStatus is the lifecycle state of a SignalGrant.
type GrantStatus string

const (
	GrantActive    GrantStatus = "active"
	GrantExpired   GrantStatus = "expired"
	GrantPreempted GrantStatus = "preempted"
)

// SignalGrant authorizes a vehicle to receive traffic-light priority at one intersection.
type SignalGrant struct {
	ID              string      `json:"grant_id"`
	VehicleID       string      `json:"vehicle_id"`
	IntersectionID  string      `json:"intersection_id"`
	Priority        int         `json:"priority_level"`
	GrantedAt       time.Time   `json:"granted_at"`
	DurationSeconds int         `json:"duration"`
	Status          GrantStatus `json:"status"`
}

// ExpiresAt returns the instant the grant stops being valid.
func (g SignalGrant) ExpiresAt() time.Time {
	return g.GrantedAt.Add(time.Duration(g.DurationSeconds) * time.Second)
}

// ExpiredAt reports whether the grant has run out at now. A grant is no
// longer valid at the instant it expires.
func (g SignalGrant) ExpiredAt(now time.Time) bool {
	return !now.Before(g.ExpiresAt())
}

// Severity ranks an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Alert is an immutable hazard notification for all vehicles inside a geofence.
type Alert struct {
	ID                 string    `json:"alert_id"`
	Type               string    `json:"alert_type"`
	Message            string    `json:"message"`
	Center             Location  `json:"location"`
	RadiusMeters       float64   `json:"radius"`
	Severity           Severity  `json:"severity"`
	Timestamp          time.Time `json:"timestamp"`
	NotifiedVehicleIDs []string  `json:"notified_vehicle_ids"`
}

// VehiclesNotified returns the number of vehicles the alert reached.
func (a Alert) VehiclesNotified() int {
	return len(a.NotifiedVehicleIDs)
}

// Clock supplies the current time; components take one so tests can pin it.
type Clock func() time.Time

// SystemClock returns time.Now.
func SystemClock() time.Time { return time.Now() }
