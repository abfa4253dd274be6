// Package flow recommends signal timing and routing strategies for a road
// segment from the vehicles currently on it.
package flow

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/c360studio/v2icoord/commlog"
	"github.com/c360studio/v2icoord/model"
)

// DefaultSpeedKmh stands in for members that have not reported a speed.
const DefaultSpeedKmh = 50.0

// Thresholds and limits for strategy selection and green time.
const (
	RedistributeAbove  = 20
	AccelerateBelowKmh = 30.0
	FreeFlowAboveKmh   = 40.0
	BaseGreenSeconds   = 30
	MaxGreenSeconds    = 90
	SlowTrafficFactor  = 1.3
	maxDensityRatio    = 2.0
)

// Strategy is the recommended optimization.
type Strategy string

const (
	StrategyRedistribute Strategy = "redistribute"
	StrategyAccelerate   Strategy = "accelerate"
	StrategyMaintain     Strategy = "maintain"
)

// Action returns the operator-facing recommendation for s.
func (s Strategy) Action() string {
	switch s {
	case StrategyRedistribute:
		return "Suggest alternative routes to reduce density"
	case StrategyAccelerate:
		return "Adjust signal timing to improve flow"
	default:
		return "Current flow is optimal"
	}
}

// Member is one vehicle on a segment.
type Member struct {
	VehicleID string
	SpeedKmh  *float64
}

// SegmentResolver lists the vehicles on a segment.
type SegmentResolver interface {
	Members(segmentID string) ([]Member, error)
}

// SegmentResolverFunc adapts a function to SegmentResolver.
type SegmentResolverFunc func(segmentID string) ([]Member, error)

// Members calls f.
func (f SegmentResolverFunc) Members(segmentID string) ([]Member, error) {
	return f(segmentID)
}

// ImprovementPolicy estimates the flow improvement, in percent, an
// optimization is expected to yield. It must return a value in [minPct, maxPct].
type ImprovementPolicy func(minPct, maxPct int) int

// SeededImprovement returns a reproducible ImprovementPolicy.
func SeededImprovement(seed uint64) ImprovementPolicy {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed^0x6a09e667f3bcc909))
	return func(minPct, maxPct int) int {
		mu.Lock()
		defer mu.Unlock()
		return minPct + rng.IntN(maxPct-minPct+1)
	}
}

// Expected improvement bounds, in percent.
const (
	MinImprovementPct = 10
	MaxImprovementPct = 30
)

// Result is a segment optimization.
type Result struct {
	SegmentID              string    `json:"segment_id"`
	CurrentDensity         int       `json:"current_density"`
	AverageSpeed           float64   `json:"average_speed"`
	Strategy               Strategy  `json:"optimization_strategy"`
	RecommendedAction      string    `json:"recommended_action"`
	OptimalGreenTime       int       `json:"optimal_green_time"`
	ExpectedImprovementPct int       `json:"expected_improvement"`
	Timestamp              time.Time `json:"timestamp"`
}

// Optimizer analyzes segments. Create one with NewOptimizer.
type Optimizer struct {
	segments    SegmentResolver
	improvement ImprovementPolicy
	log         *commlog.Log
	clock       model.Clock
	logger      *slog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithImprovement sets the expected-improvement policy.
func WithImprovement(p ImprovementPolicy) Option {
	return func(o *Optimizer) {
		if p != nil {
			o.improvement = p
		}
	}
}

// WithLog sets the communication log.
func WithLog(l *commlog.Log) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock sets the time source for result timestamps.
func WithClock(c model.Clock) Option {
	return func(o *Optimizer) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewOptimizer creates an optimizer reading membership from segments.
func NewOptimizer(segments SegmentResolver, opts ...Option) *Optimizer {
	o := &Optimizer{
		segments:    segments,
		improvement: SeededImprovement(1),
		log:         commlog.New(commlog.DefaultCapacity),
		clock:       model.SystemClock,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Optimize recommends a strategy for segmentID. A segment with no vehicles
// yields an EmptySegmentError.
func (o *Optimizer) Optimize(segmentID string) (Result, error) {
	if err := model.ValidateID("segment_id", segmentID); err != nil {
		return Result{}, err
	}
	members, err := o.segments.Members(segmentID)
	if err != nil {
		return Result{}, fmt.Errorf("resolve segment %s: %w", segmentID, err)
	}
	if len(members) == 0 {
		return Result{}, &model.EmptySegmentError{SegmentID: segmentID}
	}

	speeds := lo.Map(members, func(m Member, _ int) float64 {
		if m.SpeedKmh == nil {
			return DefaultSpeedKmh
		}
		return *m.SpeedKmh
	})
	avgSpeed := stat.Mean(speeds, nil)
	density := len(members)

	strategy := ChooseStrategy(density, avgSpeed)
	res := Result{
		SegmentID:              segmentID,
		CurrentDensity:         density,
		AverageSpeed:           math.Round(avgSpeed*100) / 100,
		Strategy:               strategy,
		RecommendedAction:      strategy.Action(),
		OptimalGreenTime:       GreenTime(density, avgSpeed),
		ExpectedImprovementPct: o.improvement(MinImprovementPct, MaxImprovementPct),
		Timestamp:              o.clock(),
	}

	o.log.Append(commlog.EventFlowOptimization, segmentID, "Optimization: "+string(strategy))
	o.logger.Debug("Segment optimized",
		"segment_id", segmentID,
		"density", density,
		"avg_speed", res.AverageSpeed,
		"strategy", strategy)

	return res, nil
}

// ChooseStrategy picks the optimization for a segment's vehicle count and
// mean speed.
func ChooseStrategy(density int, avgSpeedKmh float64) Strategy {
	switch {
	case density > RedistributeAbove:
		return StrategyRedistribute
	case avgSpeedKmh < AccelerateBelowKmh:
		return StrategyAccelerate
	default:
		return StrategyMaintain
	}
}

// GreenTime is the recommended green phase in seconds: it scales with density
// up to twice the base, stretches for slow traffic, and is capped.
func GreenTime(density int, avgSpeedKmh float64) int {
	factor := 1.0
	if avgSpeedKmh <= FreeFlowAboveKmh {
		factor = SlowTrafficFactor
	}
	g := int(float64(BaseGreenSeconds) * math.Min(float64(density)/10, maxDensityRatio) * factor)
	return min(g, MaxGreenSeconds)
}
