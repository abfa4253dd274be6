// Package resolver provides the route and segment collaborators used when no
// external map service is wired in.
package resolver

import (
	"fmt"
	"math"

	"github.com/c360studio/v2icoord/flow"
	"github.com/c360studio/v2icoord/model"
	"github.com/c360studio/v2icoord/registry"
)

// Grid defaults.
const (
	DefaultCellDegrees      = 0.005
	DefaultMaxIntersections = 32
)

// GridRouteResolver treats every corner of a fixed lat/lng grid as an
// intersection and walks the grid from origin to destination, alternating
// latitude and longitude steps. The same trip always yields the same ids.
type GridRouteResolver struct {
	// CellDegrees is the grid spacing. Zero means DefaultCellDegrees.
	CellDegrees float64
	// MaxIntersections truncates long routes. Zero means DefaultMaxIntersections.
	MaxIntersections int
}

// Intersections returns the grid corners crossed after leaving the origin
// cell, in travel order.
func (g GridRouteResolver) Intersections(origin, destination model.Location) ([]string, error) {
	if err := origin.Validate(); err != nil {
		return nil, err
	}
	if err := destination.Validate(); err != nil {
		return nil, err
	}

	cell := g.CellDegrees
	if cell <= 0 {
		cell = DefaultCellDegrees
	}
	limit := g.MaxIntersections
	if limit <= 0 {
		limit = DefaultMaxIntersections
	}

	row, col := cellOf(origin.Lat, cell), cellOf(origin.Lng, cell)
	endRow, endCol := cellOf(destination.Lat, cell), cellOf(destination.Lng, cell)

	ids := []string{}
	for (row != endRow || col != endCol) && len(ids) < limit {
		dRow, dCol := abs(endRow-row), abs(endCol-col)
		if dRow >= dCol && dRow > 0 {
			row += sign(endRow - row)
		} else {
			col += sign(endCol - col)
		}
		ids = append(ids, IntersectionID(row, col))
	}
	return ids, nil
}

// IntersectionID names a grid corner.
func IntersectionID(row, col int) string {
	return fmt.Sprintf("INT_%d_%d", row, col)
}

func cellOf(deg, cell float64) int {
	return int(math.Floor(deg / cell))
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	default:
		return 0
	}
}

// RegistrySegments reads segment membership from vehicle telemetry.
type RegistrySegments struct {
	Registry *registry.Registry
}

// Members returns the active vehicles last reported on segmentID.
func (s RegistrySegments) Members(segmentID string) ([]flow.Member, error) {
	vehicles := s.Registry.InSegment(segmentID)
	out := make([]flow.Member, 0, len(vehicles))
	for _, v := range vehicles {
		out = append(out, flow.Member{VehicleID: v.ID, SpeedKmh: v.SpeedKmh})
	}
	return out, nil
}
