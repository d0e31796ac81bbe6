package model

import "time"

// TumorStatistics compares the tumor before and after a run.
type TumorStatistics struct {
	InitialLivingCells int     `json:"initial_living_cells"`
	FinalLivingCells   int     `json:"final_living_cells"`
	CellsKilled        int     `json:"cells_killed"`
	KillRate           float64 `json:"kill_rate"`
	InitialHypoxic     int     `json:"initial_hypoxic"`
	FinalHypoxic       int     `json:"final_hypoxic"`
	ApoptoticCells     int     `json:"apoptotic_cells"`
	NecroticCells      int     `json:"necrotic_cells"`
}

// PerformanceSummary are the derived efficiency figures of a run.
type PerformanceSummary struct {
	// DrugEfficiency is cells killed per unit of drug delivered.
	DrugEfficiency float64 `json:"drug_efficiency"`
	// HypoxicReduction is the percentage drop in hypoxic cells.
	HypoxicReduction float64 `json:"hypoxic_reduction"`
}

// NewPerformanceSummary derives efficiency figures from run totals.
func NewPerformanceSummary(stats TumorStatistics, drugDelivered float64) PerformanceSummary {
	var p PerformanceSummary
	if drugDelivered > 0 {
		p.DrugEfficiency = float64(stats.CellsKilled) / drugDelivered
	}
	if stats.InitialHypoxic > 0 {
		p.HypoxicReduction = float64(stats.InitialHypoxic-stats.FinalHypoxic) / float64(stats.InitialHypoxic) * 100
	}
	return p
}

// NewTumorStatistics fills the derived fields from before/after counts.
func NewTumorStatistics(initialLiving, initialHypoxic int, final Metrics) TumorStatistics {
	s := TumorStatistics{
		InitialLivingCells: initialLiving,
		FinalLivingCells:   final.LivingCells,
		CellsKilled:        initialLiving - final.LivingCells,
		InitialHypoxic:     initialHypoxic,
		FinalHypoxic:       final.HypoxicCells,
		ApoptoticCells:     final.ApoptoticCells,
		NecroticCells:      final.NecroticCells,
	}
	if initialLiving > 0 {
		s.KillRate = float64(s.CellsKilled) / float64(initialLiving)
	}
	return s
}

// RunResult is the complete outcome of one simulation run.
type RunResult struct {
	RunID           string                  `json:"run_id"`
	Config          SimulationConfig        `json:"config"`
	ConfigHash      string                  `json:"config_hash,omitempty"`
	TotalSteps      int                     `json:"total_steps"`
	TotalTime       float64                 `json:"total_time"`
	FinalMetrics    Metrics                 `json:"final_metrics"`
	History         []StepSnapshot          `json:"history,omitempty"`
	TumorStatistics TumorStatistics         `json:"tumor_statistics"`
	Performance     PerformanceSummary      `json:"performance"`
	FinalFields     []FieldGrid             `json:"final_substrates,omitempty"`
	FieldSummaries  map[string]FieldSummary `json:"substrate_summary,omitempty"`
	EventLog        []string                `json:"event_log,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	FinishedAt      time.Time               `json:"finished_at"`
}

// StrategyOutcome is one leg of a comparison.
type StrategyOutcome struct {
	Name               string          `json:"name"`
	CellsKilled        int             `json:"cells_killed"`
	TotalDeliveries    int             `json:"total_deliveries"`
	TotalDrugDelivered float64         `json:"total_drug_delivered"`
	DrugEfficiency     float64         `json:"drug_efficiency"`
	HypoxicReduction   float64         `json:"hypoxic_reduction"`
	TumorStatistics    TumorStatistics `json:"tumor_statistics"`
}

// ComparisonResult contrasts a run with pheromone signalling against the
// same seed without it.
type ComparisonResult struct {
	Steps             int             `json:"steps"`
	Seed              int64           `json:"seed"`
	WithPheromones    StrategyOutcome `json:"with_pheromones"`
	WithoutPheromones StrategyOutcome `json:"without_pheromones"`
	// Improvement is the difference in cells killed (with minus without).
	Improvement int    `json:"improvement"`
	Winner      string `json:"winner"`
}

// NewStrategyOutcome summarises one comparison leg.
func NewStrategyOutcome(name string, r *RunResult) StrategyOutcome {
	return StrategyOutcome{
		Name:               name,
		CellsKilled:        r.TumorStatistics.CellsKilled,
		TotalDeliveries:    r.FinalMetrics.TotalDeliveries,
		TotalDrugDelivered: r.FinalMetrics.TotalDrugDelivered,
		DrugEfficiency:     r.Performance.DrugEfficiency,
		HypoxicReduction:   r.Performance.HypoxicReduction,
		TumorStatistics:    r.TumorStatistics,
	}
}
