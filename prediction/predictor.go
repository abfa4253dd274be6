// Package prediction estimates traffic density, speed and congestion for a
// location and hour from historical patterns, location type and weather.
//
// The Predictor is a pure function of its inputs plus the injected clock used
// by PredictPattern. It holds no mutable state and is safe for concurrent use.
package prediction

import (
	"math"
	"time"

	"github.com/samber/lo"

	"github.com/c360studio/v2icoord/model"
)

// LocationType is the coarse land-use class inferred for a coordinate.
type LocationType string

const (
	LocationUrbanCenter LocationType = "urban_center"
	LocationResidential LocationType = "residential"
	LocationHighway     LocationType = "highway"
	LocationIndustrial  LocationType = "industrial"
	LocationRural       LocationType = "rural"
)

// CongestionLevel is the discretized band of predicted density.
type CongestionLevel string

const (
	CongestionFreeFlow CongestionLevel = "free_flow"
	CongestionLight    CongestionLevel = "light"
	CongestionModerate CongestionLevel = "moderate"
	CongestionHeavy    CongestionLevel = "heavy"
	CongestionSevere   CongestionLevel = "severe"
)

// Trend compares this hour's density with the next hour's.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendDecreasing Trend = "decreasing"
	TrendStable     Trend = "stable"
)

// Weather is optional per-call input. Zero fields are real readings, so
// callers without data should pass a nil *Weather instead.
type Weather struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Humidity    float64 `json:"humidity" yaml:"humidity"`
	Visibility  float64 `json:"visibility" yaml:"visibility"`
}

// Factors is the multiplier breakdown behind a prediction.
type Factors struct {
	TimeMultiplier     float64      `json:"time_multiplier"`
	LocationType       LocationType `json:"location_type"`
	LocationMultiplier float64      `json:"location_multiplier"`
	WeatherMultiplier  float64      `json:"weather_multiplier"`
	IsWeekend          bool         `json:"is_weekend"`
}

// Result is a transient prediction value.
type Result struct {
	Density         float64         `json:"density"`
	Confidence      float64         `json:"confidence"`
	PredictedSpeed  float64         `json:"predicted_speed"`
	CongestionLevel CongestionLevel `json:"congestion_level"`
	Trend           Trend           `json:"trend"`
	Factors         Factors         `json:"prediction_factors"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Predictor computes density predictions. The zero value is not usable; call New.
type Predictor struct {
	clock model.Clock
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithClock sets the wall clock PredictPattern anchors on.
func WithClock(c model.Clock) Option {
	return func(p *Predictor) {
		if c != nil {
			p.clock = c
		}
	}
}

// New creates a Predictor.
func New(opts ...Option) *Predictor {
	p := &Predictor{clock: model.SystemClock}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PredictDensity predicts traffic at (lat, lng) for an hour of the day and a
// day of the week (0 = Monday). Out-of-range hours and days wrap around; the
// result never fails.
func (p *Predictor) PredictDensity(lat, lng float64, timeOfDay, dayOfWeek int, weather *Weather) Result {
	hour := wrap(timeOfDay, 24)
	day := wrap(dayOfWeek, 7)

	locType := EstimateLocationType(lat, lng)
	weatherMul := weatherMultiplier(weather)
	density := round2(computeDensity(hour, day, locType, weatherMul))

	// Next hour through the same pipeline; 23:00 rolls into the next day.
	nextHour, nextDay := hour+1, day
	if nextHour == 24 {
		nextHour, nextDay = 0, (day+1)%7
	}
	next := round2(computeDensity(nextHour, nextDay, locType, weatherMul))

	maxSpeed := MaxSpeed(locType)
	speed := clamp(maxSpeed*(1-density/150), 10, maxSpeed)

	return Result{
		Density:         density,
		Confidence:      round2(confidence(weather != nil)),
		PredictedSpeed:  round2(speed),
		CongestionLevel: Classify(density),
		Trend:           trend(density, next),
		Factors: Factors{
			TimeMultiplier:     round2(timeMultiplier(hour)),
			LocationType:       locType,
			LocationMultiplier: round2(locationMultipliers[locType]),
			WeatherMultiplier:  round2(weatherMul),
			IsWeekend:          isWeekend(day),
		},
		Timestamp: p.clock(),
	}
}

func computeDensity(hour, day int, locType LocationType, weatherMul float64) float64 {
	pattern := weekdayPattern
	if isWeekend(day) {
		pattern = weekendPattern
	}
	d := pattern[hour] * timeMultiplier(hour) * locationMultipliers[locType] * weatherMul * 100
	return clamp(d, 0, 100)
}

func isWeekend(day int) bool {
	return day >= 5
}

// EstimateLocationType infers a location type from raw coordinates: mid
// latitudes are treated as urban centers, the tropics as rural.
func EstimateLocationType(lat, _ float64) LocationType {
	absLat := math.Abs(lat)
	switch {
	case absLat > 10 && absLat < 60:
		return LocationUrbanCenter
	case absLat < 10:
		return LocationRural
	default:
		return LocationResidential
	}
}

// MaxSpeed returns the free-flow speed in km/h for a location type.
func MaxSpeed(t LocationType) float64 {
	if t == LocationUrbanCenter {
		return 60
	}
	return 80
}

// Classify maps density onto congestion bands at 20, 40, 60 and 80.
func Classify(density float64) CongestionLevel {
	switch {
	case density < 20:
		return CongestionFreeFlow
	case density < 40:
		return CongestionLight
	case density < 60:
		return CongestionModerate
	case density < 80:
		return CongestionHeavy
	default:
		return CongestionSevere
	}
}

func weatherMultiplier(w *Weather) float64 {
	m := 1.0
	if w == nil {
		return m
	}
	if w.Visibility < 5 {
		m *= 1.2
	}
	if w.Temperature < 0 {
		m *= 1.3
	}
	if w.Humidity > 80 {
		m *= 1.1
	}
	return m
}

const (
	timeReliability   = 0.9
	locationPrecision = 0.85
)

func confidence(hasWeather bool) float64 {
	base := 0.7
	if hasWeather {
		base += 0.1
	}
	return math.Min(base*timeReliability*locationPrecision, 0.99)
}

func trend(now, next float64) Trend {
	switch {
	case next > now:
		return TrendIncreasing
	case next < now:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func timeMultiplier(hour int) float64 {
	if m, ok := timeMultipliers[hour]; ok {
		return m
	}
	return 0.5
}

func wrap(v, n int) int {
	v %= n
	if v < 0 {
		v += n
	}
	return v
}

func clamp(v, low, high float64) float64 {
	if math.IsNaN(v) {
		return low
	}
	return lo.Clamp(v, low, high)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
