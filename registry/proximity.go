package registry

import (
	"math"
	"sort"

	"github.com/c360studio/v2icoord/model"
)

// FindWithinRadius returns the ids of active vehicles whose haversine distance
// from center is at most radiusMeters, sorted by id. excludeID, if non-empty,
// is never returned.
//
// This is a linear scan over the registry. It is fine for the expected scale
// (up to ~10^4 vehicles); a spatial index would replace it beyond that.
func (r *Registry) FindWithinRadius(center model.Location, radiusMeters float64, excludeID string) []string {
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil
	}

	var ids []string
	for _, v := range r.snapshot() {
		if !v.Active() || v.ID == excludeID {
			continue
		}
		if model.Distance(center, v.Location) <= radiusMeters {
			ids = append(ids, v.ID)
		}
	}
	sort.Strings(ids)
	return ids
}

// V2VStatus summarizes a vehicle's vehicle-to-vehicle link.
type V2VStatus struct {
	VehicleID         string                  `json:"vehicle_id"`
	Mode              model.CommunicationMode `json:"communication_mode"`
	NearbyVehicles    int                     `json:"nearby_vehicles"`
	ActiveConnections []string                `json:"v2v_active_connections"`
	SignalStrengthDbm int                     `json:"signal_strength"`
	LatencyMs         int                     `json:"latency"`
	BandwidthMbps     int                     `json:"bandwidth"`
	PacketLossPct     float64                 `json:"packet_loss"`
}

// V2VStatus reports the vehicles within V2V range of id.
func (r *Registry) V2VStatus(id string) (V2VStatus, error) {
	v, err := r.Get(id)
	if err != nil {
		return V2VStatus{}, err
	}

	nearby := r.FindWithinRadius(v.Location, r.cfg.V2VRangeMeters, id)
	if nearby == nil {
		nearby = []string{}
	}
	return V2VStatus{
		VehicleID:         id,
		Mode:              v.Mode,
		NearbyVehicles:    len(nearby),
		ActiveConnections: nearby,
		SignalStrengthDbm: v.SignalStrengthDbm,
		LatencyMs:         v.LatencyMs,
		BandwidthMbps:     v.BandwidthMbps,
		PacketLossPct:     math.Round(r.policy.PacketLoss()*100) / 100,
	}, nil
}
