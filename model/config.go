package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned by SimulationConfig.Validate.
var ErrInvalidConfig = errors.New("invalid simulation config")

// AgentType selects how nanobots decide while searching.
type AgentType string

const (
	// AgentRuleBased agents follow chemotaxis and local target selection only.
	AgentRuleBased AgentType = "rule-based"
	// AgentAdvisory agents consult the advisory policy while searching.
	AgentAdvisory AgentType = "advisory"
	// AgentHybrid makes the first half of the swarm advisory.
	AgentHybrid AgentType = "hybrid"
)

// ParseAgentType normalises s; empty means rule-based.
func ParseAgentType(s string) (AgentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "rule-based", "rule_based", "rulebased":
		return AgentRuleBased, nil
	case "advisory":
		return AgentAdvisory, nil
	case "hybrid":
		return AgentHybrid, nil
	default:
		return "", fmt.Errorf("%w: unknown agent_type %q", ErrInvalidConfig, s)
	}
}

// Queen modes accepted in SimulationConfig.QueenMode.
const (
	QueenModeHeuristic = "heuristic"
	QueenModeAdvisory  = "advisory"
)

// Limits enforced by Validate.
const (
	MaxNanobots       = 100
	MaxSteps          = 1000
	MaxComparisonStep = 500
)

// SimulationConfig is the flat option set for one run. Distances are in µm.
type SimulationConfig struct {
	DomainSize     float64 `json:"domain_size"`
	VoxelSize      float64 `json:"voxel_size"`
	Dimensionality int     `json:"dimensionality"`

	NumNanobots          int     `json:"n_nanobots"`
	TumorRadius          float64 `json:"tumor_radius"`
	NecroticCoreFraction float64 `json:"necrotic_core_fraction"`
	CellDensity          float64 `json:"cell_density"`
	VesselDensity        float64 `json:"vessel_density"`
	// VesselHeterogeneity modulates per-vessel oxygen supply with
	// coherent noise; zero gives every vessel the same supply.
	VesselHeterogeneity float64 `json:"vessel_heterogeneity"`

	// OxygenBoundary is the oxygen level (mmHg) held on the domain edges.
	OxygenBoundary float64 `json:"oxygen_boundary"`
	// DrugDiffusion is the drug diffusion coefficient in cm²/s.
	DrugDiffusion float64 `json:"drug_diffusion"`

	AgentType     AgentType `json:"agent_type"`
	UsePheromones bool      `json:"use_pheromones"`
	UseQueen      bool      `json:"use_queen"`
	QueenMode     string    `json:"queen_mode"`
	QueenInterval int       `json:"queen_interval"`

	MaxSteps int `json:"max_steps"`
	// CaptureInterval is the number of ticks between detailed snapshots.
	// Zero picks max(1, max_steps/20).
	CaptureInterval int `json:"capture_interval"`
	CellSampleSize  int `json:"cell_sample_size"`
	ComparisonSteps int `json:"comparison_steps"`

	Seed              int64 `json:"seed"`
	AdvisoryTimeoutMS int   `json:"advisory_timeout_ms"`
}

// DefaultSimulationConfig returns the reference scenario: a 600 µm square
// domain with a 200 µm tumor and ten rule-based nanobots.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		DomainSize:           600,
		VoxelSize:            10,
		Dimensionality:       2,
		NumNanobots:          10,
		TumorRadius:          200,
		NecroticCoreFraction: 0.25,
		CellDensity:          0.001,
		VesselDensity:        0.01,
		OxygenBoundary:       38,
		DrugDiffusion:        1e-7,
		AgentType:            AgentRuleBased,
		UsePheromones:        true,
		QueenMode:            QueenModeHeuristic,
		QueenInterval:        10,
		MaxSteps:             100,
		CellSampleSize:       100,
		ComparisonSteps:      100,
		Seed:                 42,
		AdvisoryTimeoutMS:    2000,
	}
}

// Validate rejects configurations that cannot be simulated. It reports
// every problem found, wrapped in ErrInvalidConfig.
func (c SimulationConfig) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !(c.DomainSize > 0) {
		add("domain_size must be positive, got %v", c.DomainSize)
	}
	if !(c.VoxelSize > 0) || c.VoxelSize >= c.DomainSize {
		add("voxel_size must be in (0, domain_size), got %v", c.VoxelSize)
	}
	if c.Dimensionality != 2 && c.Dimensionality != 3 {
		add("dimensionality must be 2 or 3, got %d", c.Dimensionality)
	}
	if c.NumNanobots < 1 || c.NumNanobots > MaxNanobots {
		add("n_nanobots must be in [1, %d], got %d", MaxNanobots, c.NumNanobots)
	}
	if !(c.TumorRadius > 0) || c.TumorRadius > c.DomainSize/2 {
		add("tumor_radius must be in (0, domain_size/2], got %v", c.TumorRadius)
	}
	if c.NecroticCoreFraction < 0 || c.NecroticCoreFraction >= 1 {
		add("necrotic_core_fraction must be in [0, 1), got %v", c.NecroticCoreFraction)
	}
	if c.CellDensity < 0 {
		add("cell_density must be non-negative, got %v", c.CellDensity)
	}
	if c.VesselDensity < 0 {
		add("vessel_density must be non-negative, got %v", c.VesselDensity)
	}
	if c.VesselHeterogeneity < 0 {
		add("vessel_heterogeneity must be non-negative, got %v", c.VesselHeterogeneity)
	}
	if c.OxygenBoundary < 0 {
		add("oxygen_boundary must be non-negative, got %v", c.OxygenBoundary)
	}
	if c.DrugDiffusion < 0 {
		add("drug_diffusion must be non-negative, got %v", c.DrugDiffusion)
	}
	if _, err := ParseAgentType(string(c.AgentType)); err != nil {
		add("unknown agent_type %q", c.AgentType)
	}
	switch strings.ToLower(c.QueenMode) {
	case "", QueenModeHeuristic, QueenModeAdvisory:
	default:
		add("unknown queen_mode %q", c.QueenMode)
	}
	if c.QueenInterval < 0 {
		add("queen_interval must be non-negative, got %d", c.QueenInterval)
	}
	if c.MaxSteps < 1 || c.MaxSteps > MaxSteps {
		add("max_steps must be in [1, %d], got %d", MaxSteps, c.MaxSteps)
	}
	if c.CaptureInterval < 0 {
		add("capture_interval must be non-negative, got %d", c.CaptureInterval)
	}
	if c.CellSampleSize < 0 {
		add("cell_sample_size must be non-negative, got %d", c.CellSampleSize)
	}
	if c.ComparisonSteps < 0 || c.ComparisonSteps > MaxComparisonStep {
		add("comparison_steps must be in [0, %d], got %d", MaxComparisonStep, c.ComparisonSteps)
	}
	if c.AdvisoryTimeoutMS < 0 {
		add("advisory_timeout_ms must be non-negative, got %d", c.AdvisoryTimeoutMS)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// EffectiveCaptureInterval resolves the automatic capture interval.
func (c SimulationConfig) EffectiveCaptureInterval() int {
	if c.CaptureInterval > 0 {
		return c.CaptureInterval
	}
	if n := c.MaxSteps / 20; n > 1 {
		return n
	}
	return 1
}

// EffectiveComparisonSteps is the tick count of each comparison leg:
// ComparisonSteps when set, otherwise MaxSteps, never above
// MaxComparisonStep.
func (c SimulationConfig) EffectiveComparisonSteps() int {
	n := c.ComparisonSteps
	if n <= 0 {
		n = c.MaxSteps
	}
	if n > MaxComparisonStep {
		n = MaxComparisonStep
	}
	return n
}

// AdvisoryTimeout bounds a single advisory call.
func (c SimulationConfig) AdvisoryTimeout() time.Duration {
	return time.Duration(c.AdvisoryTimeoutMS) * time.Millisecond
}

// NecroticCoreRadius is the absolute core radius in µm.
func (c SimulationConfig) NecroticCoreRadius() float64 {
	return c.TumorRadius * c.NecroticCoreFraction
}

// IsAdvisoryAgent reports whether agent index i of the swarm consults the
// advisory policy.
func (c SimulationConfig) IsAdvisoryAgent(i int) bool {
	switch c.AgentType {
	case AgentAdvisory:
		return true
	case AgentHybrid:
		return i < c.NumNanobots/2
	default:
		return false
	}
}
