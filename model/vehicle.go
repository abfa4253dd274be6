// Package model holds the shared data model of the V2I coordination engine.
// Vehicles are owned by the registry; grants and alerts reference them by id only.
package model

import (
	"strings"
	"time"
)

// VehicleType classifies a registered vehicle.
type VehicleType string

const (
	VehicleCar        VehicleType = "car"
	VehicleMotorcycle VehicleType = "motorcycle"
	VehicleTruck      VehicleType = "truck"
	VehicleBus        VehicleType = "bus"
	VehicleAmbulance  VehicleType = "ambulance"
	VehicleFireTruck  VehicleType = "fire_truck"
	VehiclePolice     VehicleType = "police"
)

// DefaultPriority applies to vehicle types missing from PriorityLevels.
const DefaultPriority = 3

// PriorityClearance is the minimum priority level allowed to request signal priority.
const PriorityClearance = 8

// PriorityLevels maps vehicle types to their signal priority (0-10).
var PriorityLevels = map[VehicleType]int{
	VehicleAmbulance:  10,
	VehicleFireTruck:  10,
	VehiclePolice:     9,
	VehicleBus:        6,
	VehicleTruck:      4,
	VehicleCar:        3,
	VehicleMotorcycle: 3,
}

// ParseVehicleType normalizes a free-form type string ("Fire_Truck", " bus ").
func ParseVehicleType(s string) VehicleType {
	return VehicleType(strings.ToLower(strings.TrimSpace(s)))
}

// Priority returns the priority level for the vehicle type.
func (t VehicleType) Priority() int {
	if p, ok := PriorityLevels[t]; ok {
		return p
	}
	return DefaultPriority
}

// IsEmergency reports whether the type gets infrastructure-only communication
// on the low-latency slice.
func (t VehicleType) IsEmergency() bool {
	switch t {
	case VehicleAmbulance, VehicleFireTruck, VehiclePolice:
		return true
	}
	return false
}

// CommunicationMode is the link a vehicle uses to talk to the network.
type CommunicationMode string

const (
	ModeV2V CommunicationMode = "V2V"
	ModeV2I CommunicationMode = "V2I"
	ModeV2X CommunicationMode = "V2X"
)

// NetworkSlice is the 5G slice class assigned to a vehicle.
type NetworkSlice string

const (
	// SliceURLLC is ultra-reliable low-latency communication.
	SliceURLLC NetworkSlice = "URLLC"
	// SliceEMBB is enhanced mobile broadband.
	SliceEMBB NetworkSlice = "eMBB"
	// SliceMMTC is massive machine-type communication.
	SliceMMTC NetworkSlice = "mMTC"
)

// VehicleStatus tracks whether a vehicle is still participating.
type VehicleStatus string

const (
	StatusActive   VehicleStatus = "active"
	StatusInactive VehicleStatus = "inactive"
)

// Vehicle is a registered, communicating vehicle.
// Values are snapshots: mutate through the registry, never in place.
type Vehicle struct {
	ID                string            `json:"vehicle_id"`
	Type              VehicleType       `json:"vehicle_type"`
	Location          Location          `json:"location"`
	PriorityLevel     int               `json:"priority_level"`
	Mode              CommunicationMode `json:"communication_mode"`
	Slice             NetworkSlice      `json:"slice_type"`
	BandwidthMbps     int               `json:"bandwidth"`
	SignalStrengthDbm int               `json:"signal_strength"`
	LatencyMs         int               `json:"latency"`
	Status            VehicleStatus     `json:"status"`
	RegisteredAt      time.Time         `json:"registered_at"`
	UpdatedAt         time.Time         `json:"updated_at"`

	// SegmentID and SpeedKmh come from telemetry refreshes; SpeedKmh is nil
	// until the vehicle reports a speed.
	SegmentID string   `json:"segment_id,omitempty"`
	SpeedKmh  *float64 `json:"speed,omitempty"`
}

// Active reports whether the vehicle is still participating.
func (v Vehicle) Active() bool {
	return v.Status == StatusActive
}
