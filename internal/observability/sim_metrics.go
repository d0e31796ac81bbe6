package observability

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/model"
)

// SimCollector exposes simulation-specific Prometheus metrics. Counters
// aggregate across every run; gauges reflect the most recent tick observed.
type SimCollector struct {
	gatherer prometheus.Gatherer

	Ticks            prometheus.Counter
	TickDuration     prometheus.Histogram
	SimulatedMinutes prometheus.Gauge
	Cells            *prometheus.GaugeVec
	Agents           *prometheus.GaugeVec
	Deliveries       prometheus.Counter
	DrugDelivered    prometheus.Counter
	CellsKilled      prometheus.Counter
	AdvisoryFailures prometheus.Counter
	StepErrors       prometheus.Counter
	Comparisons      *prometheus.CounterVec
}

// NewSimCollector registers simulation metrics against the provided registerer.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &SimCollector{gatherer: gatherer}
	var err error
	counter := func(name, help string) prometheus.Counter {
		if err != nil {
			return nil
		}
		var out prometheus.Counter
		out, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help}), name)
		return out
	}

	c.Ticks = counter("sim_ticks_total", "Simulation ticks executed across all runs.")
	c.Deliveries = counter("sim_deliveries_total", "Completed nanobot delivery runs.")
	c.DrugDelivered = counter("sim_drug_delivered_total", "Drug units released by nanobots.")
	c.CellsKilled = counter("sim_cells_killed_total", "Tumor cells killed by drug (apoptosis).")
	c.AdvisoryFailures = counter("sim_advisory_failures_total", "Advisory policy calls that failed or timed out.")
	c.StepErrors = counter("sim_step_errors_total", "Non-fatal problems recorded during ticks.")
	if err != nil {
		return nil, err
	}

	c.TickDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sim_tick_duration_seconds",
		Help:    "Wall-clock duration of one simulation tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}), "sim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	c.SimulatedMinutes, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sim_simulated_time_minutes",
		Help: "Simulated time of the most recently observed tick.",
	}), "sim_simulated_time_minutes")
	if err != nil {
		return nil, err
	}

	c.Cells, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_cells",
		Help: "Tumor cells per phase at the most recently observed tick.",
	}, []string{"phase"}), "sim_cells")
	if err != nil {
		return nil, err
	}

	c.Agents, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sim_agents",
		Help: "Nanobots per behavior state at the most recently observed tick.",
	}, []string{"state"}), "sim_agents")
	if err != nil {
		return nil, err
	}

	c.Comparisons, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sim_comparisons_total",
		Help: "Strategy comparisons, labeled by the winning strategy.",
	}, []string{"winner"}), "sim_comparisons_total")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ForRun returns a recorder for one engine. It converts the engine's
// cumulative totals into counter increments, so concurrent runs can share
// one collector.
func (c *SimCollector) ForRun() *RunRecorder {
	return &RunRecorder{c: c}
}

// ObserveComparison counts a finished strategy comparison.
func (c *SimCollector) ObserveComparison(res *model.ComparisonResult) {
	if c == nil || c.Comparisons == nil || res == nil {
		return
	}
	c.Comparisons.WithLabelValues(res.Winner).Inc()
}

// RunRecorder implements core.TickRecorder for a single run.
type RunRecorder struct {
	c *SimCollector

	mu         sync.Mutex
	deliveries int
	drug       float64
	killed     int
}

var _ core.TickRecorder = (*RunRecorder)(nil)

// RecordTick folds one engine tick into the shared metrics.
func (r *RunRecorder) RecordTick(s core.TickSample) {
	if r == nil || r.c == nil {
		return
	}
	c := r.c
	m := s.Metrics

	r.mu.Lock()
	dDeliveries := m.TotalDeliveries - r.deliveries
	dDrug := m.TotalDrugDelivered - r.drug
	dKilled := m.CellsKilled - r.killed
	r.deliveries, r.drug, r.killed = m.TotalDeliveries, m.TotalDrugDelivered, m.CellsKilled
	r.mu.Unlock()

	c.Ticks.Inc()
	c.TickDuration.Observe(s.Elapsed.Seconds())
	c.SimulatedMinutes.Set(m.Time)
	if dDeliveries > 0 {
		c.Deliveries.Add(float64(dDeliveries))
	}
	if dDrug > 0 {
		c.DrugDelivered.Add(dDrug)
	}
	if dKilled > 0 {
		c.CellsKilled.Add(float64(dKilled))
	}
	if s.AdvisoryFailures > 0 {
		c.AdvisoryFailures.Add(float64(s.AdvisoryFailures))
	}
	if s.Errors > 0 {
		c.StepErrors.Add(float64(s.Errors))
	}

	c.Cells.WithLabelValues("viable").Set(float64(m.ViableCells))
	c.Cells.WithLabelValues("hypoxic").Set(float64(m.HypoxicCells))
	c.Cells.WithLabelValues("necrotic").Set(float64(m.NecroticCells))
	c.Cells.WithLabelValues("apoptotic").Set(float64(m.ApoptoticCells))
	for state, n := range m.AgentsByState {
		c.Agents.WithLabelValues(state).Set(float64(n))
	}
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
