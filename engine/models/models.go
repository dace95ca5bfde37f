// Package models holds the data types shared across the DCC, the GORNA
// arbitrator, and the per-domain agents: the closed enumerations and
// value types that make up the negotiation protocol.
package models

import "time"

// AgentId is a closed enumeration used as a map key and priority-table
// index. Declaration order is also the deterministic tie-break order the
// arbitrator uses when sorting agents by priority.
type AgentId string

const (
	Renderer AgentId = "renderer"
	Physics  AgentId = "physics"
	Audio    AgentId = "audio"
	Asset    AgentId = "asset"
	Ecs      AgentId = "ecs"
)

// AgentOrder is the declaration order used to break priority ties
// deterministically: Renderer < Physics < Audio < Asset < Ecs.
var AgentOrder = []AgentId{Renderer, Physics, Audio, Asset, Ecs}

// AgentRank returns the index of id in AgentOrder, or len(AgentOrder) if
// the id is unknown (sorts unknown agents last).
func AgentRank(id AgentId) int {
	for i, a := range AgentOrder {
		if a == id {
			return i
		}
	}
	return len(AgentOrder)
}

// StrategyKind is the discriminant of the StrategyId tagged variant.
type StrategyKind string

const (
	LowPower        StrategyKind = "low_power"
	Balanced        StrategyKind = "balanced"
	HighPerformance StrategyKind = "high_performance"
	Custom          StrategyKind = "custom"
)

// StrategyId encodes the quality tier an agent should run at. Custom
// carries an opaque numeric id but every consumer falls back to the
// Balanced tier's behavior rather than preserving the id end-to-end.
type StrategyId struct {
	Kind   StrategyKind
	Custom uint32
}

func (s StrategyId) String() string {
	if s.Kind == Custom {
		return "custom"
	}
	return string(s.Kind)
}

// StrategyOption is returned by an agent's negotiation: the cost of
// running at a given strategy tier.
type StrategyOption struct {
	ID             StrategyId
	EstimatedTime  time.Duration
	EstimatedVRAM  uint64 // bytes
}

// ResourceConstraints carries optional caps an agent's negotiation must
// respect.
type ResourceConstraints struct {
	MaxVRAMBytes  *uint64
	MaxMemoryBytes *uint64
	MustRun       bool
}

// NegotiationRequest is handed to an agent's negotiate call.
type NegotiationRequest struct {
	TargetLatency  time.Duration
	PriorityWeight float32
	Constraints    ResourceConstraints
}

// NegotiationResponse is the ordered (cheapest-first, after solver sort)
// sequence of options an agent offers.
type NegotiationResponse struct {
	Options []StrategyOption
}

// ResourceBudget is issued by the arbitrator to an agent via apply_budget.
type ResourceBudget struct {
	StrategyID   StrategyId
	TimeLimit    time.Duration
	MemoryLimit  *uint64
	ExtraParams  map[string]any
}

// AgentStatus is polled each tick for death-spiral detection.
type AgentStatus struct {
	AgentID         AgentId
	HealthScore     float32 // in [0,1]
	CurrentStrategy StrategyId
	IsStalled       bool
	Message         string
}

// Phase is the engine's current macroscopic mode.
type Phase string

const (
	PhaseBoot       Phase = "boot"
	PhaseMenu       Phase = "menu"
	PhaseSimulation Phase = "simulation"
	PhaseBackground Phase = "background"
)

// ThermalState and BatteryState describe hardware pressure, consulted by
// the multiplier lookup in GORNA phase 1.
type ThermalState string

const (
	ThermalNominal    ThermalState = "nominal"
	ThermalThrottling ThermalState = "throttling"
	ThermalCritical   ThermalState = "critical"
)

type BatteryState string

const (
	BatteryNormal BatteryState = "normal"
	BatterySaver  BatteryState = "saver"
)

// Hardware is the hardware-pressure snapshot carried in Context.
type Hardware struct {
	Thermal       ThermalState
	Battery       BatteryState
	CPULoad       float32
	GPULoad       float32
	TotalVRAM     uint64
	AvailableVRAM uint64
}

// Context is the situational model shared read-mostly with the tick
// thread and exclusively written by the DCC.
type Context struct {
	Phase                  Phase
	Hardware               Hardware
	GlobalBudgetMultiplier float32
}

// AnalysisReport is produced by the heuristic engine each tick.
type AnalysisReport struct {
	NeedsNegotiation    bool
	SuggestedLatencyMs  float32
	DeathSpiralDetected bool
	Alerts              []string
}

// MetricId is a stable-hashable (namespace, name) pair plus optional
// ordered labels.
type MetricId struct {
	Namespace string
	Name      string
	Labels    []LabelPair
}

type LabelPair struct{ Key, Value string }

// Key returns a stable string suitable for map lookups.
func (m MetricId) Key() string {
	k := m.Namespace + "/" + m.Name
	for _, l := range m.Labels {
		k += "|" + l.Key + "=" + l.Value
	}
	return k
}

// MetricType discriminates the Metric tagged sum.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Metric is the tagged sum type for a single metric's current value.
type Metric struct {
	ID          MetricId
	Type        MetricType
	Description string
	Unit        string

	CounterValue uint64
	GaugeValue   float64

	Buckets      []float64
	Samples      []float64
	BucketCounts []uint64
}

// LaneKind is a closed enumeration of lane domains.
type LaneKind string

const (
	LaneRender  LaneKind = "render"
	LaneShadow  LaneKind = "shadow"
	LanePhysics LaneKind = "physics"
	LaneAudio   LaneKind = "audio"
	LaneAsset   LaneKind = "asset"
	LaneScene   LaneKind = "scene"
	LaneEcs     LaneKind = "ecs"
)

// GpuHook indexes the four timestamp query slots recorded by the profiler.
type GpuHook int

const (
	GpuFrameStart GpuHook = iota
	GpuMainPassBegin
	GpuMainPassEnd
	GpuFrameEnd
)
