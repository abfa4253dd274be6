package v2igateway

import (
	"time"

	"github.com/c360studio/v2icoord/model"
	"github.com/c360studio/v2icoord/prediction"
)

// Request subjects, relative to Config.SubjectPrefix.
const (
	SubjectVehicleRegister  = "vehicle.register"
	SubjectVehicleLocation  = "vehicle.location"
	SubjectVehicleTelemetry = "vehicle.telemetry"
	SubjectVehicleGet       = "vehicle.get"
	SubjectVehicleComplete  = "vehicle.complete"
	SubjectV2VStatus        = "v2v.status"
	SubjectPriorityRequest  = "priority.request"
	SubjectPriorityRelease  = "priority.release"
	SubjectPriorityActive   = "priority.active"
	SubjectAlertBroadcast   = "alert.broadcast"
	SubjectFlowOptimize     = "flow.optimize"
	SubjectTrafficPredict   = "traffic.predict"
	SubjectTrafficPattern   = "traffic.pattern"
	SubjectLogQuery         = "log.query"
)

// RegisterRequest registers or re-registers a vehicle.
type RegisterRequest struct {
	VehicleID   string         `json:"vehicle_id"`
	VehicleType string         `json:"vehicle_type"`
	Location    model.Location `json:"location"`
}

// LocationRequest moves a vehicle.
type LocationRequest struct {
	VehicleID string         `json:"vehicle_id"`
	Location  model.Location `json:"location"`
}

// TelemetryRequest refreshes a vehicle's segment and speed.
type TelemetryRequest struct {
	VehicleID string   `json:"vehicle_id"`
	SegmentID string   `json:"segment_id"`
	SpeedKmh  *float64 `json:"speed,omitempty"`
}

// VehicleRequest addresses a single vehicle.
type VehicleRequest struct {
	VehicleID string `json:"vehicle_id"`
}

// CompleteResponse reports a finished journey.
type CompleteResponse struct {
	Vehicle        model.Vehicle `json:"vehicle"`
	GrantsReleased int           `json:"grants_released"`
}

// PriorityRequest asks for signal priority along a route.
type PriorityRequest struct {
	VehicleID   string         `json:"vehicle_id"`
	Destination model.Location `json:"destination"`
}

// ReleaseResponse reports released grants.
type ReleaseResponse struct {
	VehicleID      string `json:"vehicle_id"`
	GrantsReleased int    `json:"grants_released"`
}

// AlertRequest broadcasts an alert. A nil radius uses the default.
type AlertRequest struct {
	AlertType    string         `json:"alert_type"`
	Message      string         `json:"message"`
	Location     model.Location `json:"location"`
	RadiusMeters *float64       `json:"radius,omitempty"`
}

// FlowRequest optimizes a road segment.
type FlowRequest struct {
	SegmentID string `json:"segment_id"`
}

// PredictRequest predicts density at a point. Missing hour and day default
// to the current time.
type PredictRequest struct {
	Lat     float64             `json:"lat"`
	Lng     float64             `json:"lng"`
	Hour    *int                `json:"time_of_day,omitempty"`
	Day     *int                `json:"day_of_week,omitempty"`
	Weather *prediction.Weather `json:"weather,omitempty"`
}

// PatternRequest predicts density for the coming hours.
type PatternRequest struct {
	Lat        float64              `json:"lat"`
	Lng        float64              `json:"lng"`
	HoursAhead int                  `json:"hours_ahead,omitempty"`
	Forecast   []prediction.Weather `json:"weather_forecast,omitempty"`
}

// LogQuery selects communication log entries.
type LogQuery struct {
	EventType string    `json:"event_type,omitempty"`
	Entity    string    `json:"entity,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// Reply wraps every response.
type Reply struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a machine-readable code alongside the message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
