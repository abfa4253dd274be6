package registry

import (
	"math/rand/v2"
	"sync"

	"github.com/c360studio/v2icoord/model"
)

// Range is an inclusive integer interval.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Policy assigns the communication attributes the registry does not derive
// from the vehicle type. Emergency overrides are applied by the registry
// after the policy runs, so a policy cannot break them.
type Policy interface {
	// Mode picks a communication mode for a non-emergency vehicle.
	Mode(t model.VehicleType) model.CommunicationMode
	// Slice picks eMBB or mMTC for a non-emergency vehicle.
	Slice(t model.VehicleType) model.NetworkSlice
	// Pick returns a value in r.
	Pick(r Range) int
	// PacketLoss returns a packet loss percentage in [0, 2].
	PacketLoss() float64
}

// SeededPolicy draws attributes from a seeded PCG source, so two registries
// built with the same seed assign identical attributes.
type SeededPolicy struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededPolicy creates a reproducible policy.
func NewSeededPolicy(seed uint64) *SeededPolicy {
	return &SeededPolicy{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

var (
	policyModes  = []model.CommunicationMode{model.ModeV2V, model.ModeV2I, model.ModeV2X}
	policySlices = []model.NetworkSlice{model.SliceEMBB, model.SliceMMTC}
)

func (p *SeededPolicy) Mode(model.VehicleType) model.CommunicationMode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return policyModes[p.rng.IntN(len(policyModes))]
}

func (p *SeededPolicy) Slice(model.VehicleType) model.NetworkSlice {
	p.mu.Lock()
	defer p.mu.Unlock()
	return policySlices[p.rng.IntN(len(policySlices))]
}

func (p *SeededPolicy) Pick(r Range) int {
	lo, hi := r.Min, r.Max
	if hi < lo {
		lo, hi = hi, lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + p.rng.IntN(hi-lo+1)
}

func (p *SeededPolicy) PacketLoss() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng.Float64() * 2
}

// FixedPolicy returns the same attributes every time. Pick returns the
// range minimum.
type FixedPolicy struct {
	FixedMode       model.CommunicationMode
	FixedSlice      model.NetworkSlice
	FixedPacketLoss float64
}

func (p FixedPolicy) Mode(model.VehicleType) model.CommunicationMode {
	if p.FixedMode == "" {
		return model.ModeV2V
	}
	return p.FixedMode
}

func (p FixedPolicy) Slice(model.VehicleType) model.NetworkSlice {
	if p.FixedSlice == "" {
		return model.SliceEMBB
	}
	return p.FixedSlice
}

func (p FixedPolicy) Pick(r Range) int {
	return min(r.Min, r.Max)
}

func (p FixedPolicy) PacketLoss() float64 {
	return p.FixedPacketLoss
}
