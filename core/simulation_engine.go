package core

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/model"
)

// Pheromone decay rates (1/min).
const (
	TrailDecay       = 0.1
	AlarmDecay       = 0.15
	RecruitmentDecay = 0.12
)

// vesselSourceFactor scales vessel oxygen supply into a per-tick source.
const vesselSourceFactor = 0.5

// EventSink receives notable simulation events. Failures are logged and
// never stop a run.
type EventSink interface {
	Record(e model.Event) error
}

// TickSample is what the engine reports to a TickRecorder after each tick.
type TickSample struct {
	Elapsed time.Duration
	Metrics model.Metrics
	Errors  int
	// Advisory failures observed this tick.
	AdvisoryFailures int
}

// TickRecorder observes per-tick engine metrics.
type TickRecorder interface {
	RecordTick(s TickSample)
}

// EngineOption customises a SimulationEngine.
type EngineOption func(*SimulationEngine)

func WithLogger(l logging.Logger) EngineOption {
	return func(e *SimulationEngine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAdvisor sets the policy consulted by advisory agents.
func WithAdvisor(p AdvisoryPolicy) EngineOption {
	return func(e *SimulationEngine) { e.advisor = p }
}

func WithEventSink(s EventSink) EngineOption {
	return func(e *SimulationEngine) { e.sink = s }
}

func WithMetricsRecorder(r TickRecorder) EngineOption {
	return func(e *SimulationEngine) { e.recorder = r }
}

// WithRand replaces the seeded random source.
func WithRand(r *rand.Rand) EngineOption {
	return func(e *SimulationEngine) {
		if r != nil {
			e.rng = r
		}
	}
}

// WithGeometry injects a prebuilt tumor instead of generating one.
func WithGeometry(g *TumorGeometry) EngineOption {
	return func(e *SimulationEngine) { e.Geometry = g }
}

// WithMicroenvironment injects a prebuilt microenvironment. It must already
// carry the substrates the agents use.
func WithMicroenvironment(m *Microenvironment) EngineOption {
	return func(e *SimulationEngine) { e.Micro = m }
}

// WithAgents injects the swarm instead of spawning one.
func WithAgents(agents []*NanobotAgent) EngineOption {
	return func(e *SimulationEngine) { e.Agents = agents }
}

// WithRunID tags events and log lines with a run identifier.
func WithRunID(id string) EngineOption {
	return func(e *SimulationEngine) { e.runID = id }
}

// SimulationEngine advances the tumor, the substrates and the swarm one tick
// at a time. It is not safe for concurrent use.
type SimulationEngine struct {
	Config   model.SimulationConfig
	Micro    *Microenvironment
	Geometry *TumorGeometry
	Agents   []*NanobotAgent
	Queen    *Queen

	advisor  AdvisoryPolicy
	rng      *rand.Rand
	sampler  *rand.Rand
	log      logging.Logger
	sink     EventSink
	recorder TickRecorder
	runID    string

	env              *AgentEnv
	tick             int
	errors           []string
	advisoryFailures int
	metrics          model.Metrics
	events           []model.Event
	queenReport      string
	started          bool

	initialLiving  int
	initialHypoxic int

	tickListeners []func(int)
}

// NewSimulationEngine validates cfg and builds the microenvironment, tumor
// and swarm it describes, in that order, from the configured seed.
func NewSimulationEngine(cfg model.SimulationConfig, opts ...EngineOption) (*SimulationEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &SimulationEngine{
		Config:      cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		sampler:     rand.New(rand.NewSource(cfg.Seed + 1)),
		log:         logging.Noop(),
		queenReport: "no queen active",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.runID != "" {
		e.log = e.log.With(logging.String("run_id", e.runID))
	}

	if e.Micro == nil {
		m, err := newMicroenvironment(cfg, e.log)
		if err != nil {
			return nil, err
		}
		e.Micro = m
	}
	if e.Geometry == nil {
		g, err := newGeometry(cfg, e.rng)
		if err != nil {
			return nil, err
		}
		e.Geometry = g
	}

	e.env = &AgentEnv{
		Micro:           e.Micro,
		Geometry:        e.Geometry,
		Advisor:         e.advisor,
		AdvisoryTimeout: cfg.AdvisoryTimeout(),
		Rand:            e.rng,
		Report:          e.recordError,
	}

	if e.Agents == nil {
		params := DefaultNanobotParams()
		e.Agents = make([]*NanobotAgent, 0, cfg.NumNanobots)
		for i := 0; i < cfg.NumNanobots; i++ {
			a := SpawnNanobot(i, params, e.env)
			a.Advisory = cfg.IsAdvisoryAgent(i)
			if !cfg.UsePheromones {
				a.DisablePheromones()
			}
			e.Agents = append(e.Agents, a)
		}
	}
	if e.advisor == nil && cfg.AgentType != model.AgentRuleBased {
		e.log.Warn(context.Background(), "advisory agents configured without an advisory policy; using chemotaxis only",
			logging.String("agent_type", string(cfg.AgentType)))
	}

	if cfg.UseQueen {
		mode, err := ParseQueenMode(cfg.QueenMode)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidConfig, err)
		}
		e.Queen = NewQueen(mode, cfg.QueenInterval)
		e.queenReport = e.Queen.Report()
	}

	counts := e.Geometry.CountByPhase()
	e.initialLiving = counts.Living()
	e.initialHypoxic = counts.Hypoxic
	e.updateMetrics()
	return e, nil
}

func newMicroenvironment(cfg model.SimulationConfig, log logging.Logger) (*Microenvironment, error) {
	size := cfg.DomainSize
	mc := MicroenvironmentConfig{
		Max:            Vec3{X: size, Y: size},
		Spacing:        Vec3{X: cfg.VoxelSize, Y: cfg.VoxelSize, Z: cfg.VoxelSize},
		Dimensionality: cfg.Dimensionality,
	}
	if cfg.Dimensionality == 3 {
		mc.Max.Z = size
	}
	m, err := NewMicroenvironment(mc, WithMicroenvironmentLogger(log))
	if err != nil {
		return nil, err
	}
	if _, err := m.AddOxygen(cfg.OxygenBoundary); err != nil {
		return nil, err
	}
	if _, err := m.AddDrug(cfg.DrugDiffusion); err != nil {
		return nil, err
	}
	for _, p := range []struct {
		name  string
		decay float64
	}{
		{SubstrateTrail, TrailDecay},
		{SubstrateAlarm, AlarmDecay},
		{SubstrateRecruitment, RecruitmentDecay},
	} {
		if _, err := m.AddPheromone(p.name, p.decay); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newGeometry(cfg model.SimulationConfig, rng *rand.Rand) (*TumorGeometry, error) {
	center := Vec3{X: cfg.DomainSize / 2, Y: cfg.DomainSize / 2}
	if cfg.Dimensionality == 3 {
		center.Z = cfg.DomainSize / 2
	}
	g := NewTumorGeometry(center, cfg.TumorRadius, cfg.NecroticCoreRadius(), cfg.VesselDensity)
	g.Heterogeneity = cfg.VesselHeterogeneity
	g.NoiseSeed = cfg.Seed
	if err := g.Generate(rng, cfg.CellDensity, cfg.Dimensionality); err != nil {
		return nil, err
	}
	return g, nil
}

// RegisterTickListener adds fn to be called with the tick number after each
// completed tick.
func (se *SimulationEngine) RegisterTickListener(fn func(int)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Tick is the number of completed ticks.
func (se *SimulationEngine) Tick() int { return se.tick }

// Errors returns the non-fatal problems recorded during the last tick.
func (se *SimulationEngine) Errors() []string {
	out := make([]string, len(se.errors))
	copy(out, se.errors)
	return out
}

// Metrics returns the counters as of the last completed tick.
func (se *SimulationEngine) Metrics() model.Metrics {
	m := se.metrics
	m.AgentsByState = make(map[string]int, len(se.metrics.AgentsByState))
	for k, v := range se.metrics.AgentsByState {
		m.AgentsByState[k] = v
	}
	return m
}

// QueenReport is the queen's latest status line.
func (se *SimulationEngine) QueenReport() string { return se.queenReport }

// InitialCounts returns the living and hypoxic cell counts before the first
// tick.
func (se *SimulationEngine) InitialCounts() (living, hypoxic int) {
	return se.initialLiving, se.initialHypoxic
}

// Events returns every event recorded so far.
func (se *SimulationEngine) Events() []model.Event {
	out := make([]model.Event, len(se.events))
	copy(out, se.events)
	return out
}

// Run executes ticks steps, stopping early if ctx is cancelled.
func (se *SimulationEngine) Run(ctx context.Context, ticks int) error {
	for i := 0; i < ticks; i++ {
		if err := se.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the simulation by one tick: cells read the substrates and
// deposit uptake, vessels deposit supply, the queen (when due) and then
// every agent act in creation order, the fields integrate and metrics are
// refreshed. It only returns an error when ctx is done.
func (se *SimulationEngine) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !se.started {
		se.started = true
		se.emit(model.Event{Type: model.EventRunStarted, AgentID: -1, CellID: -1,
			Detail: fmt.Sprintf("%d cells, %d vessels, %d nanobots", len(se.Geometry.Cells()), len(se.Geometry.Vessels()), len(se.Agents))})
	}

	start := time.Now()
	se.tick++
	se.errors = se.errors[:0]
	se.advisoryFailures = 0

	se.Micro.ResetAllAccumulators()
	se.updateCells()
	se.applyVesselSources()

	var guidance map[int]Vec3
	if se.Queen != nil && se.Queen.ShouldAct(se.tick) {
		guidance = se.Queen.Guide(se.Agents, se.Geometry)
		se.queenReport = se.Queen.Report()
	}

	for _, a := range se.Agents {
		rep := a.Step(ctx, se.env, guidance)
		se.recordAgentStep(a, rep)
	}

	se.Micro.Step()
	se.updateMetrics()

	if se.recorder != nil {
		se.recorder.RecordTick(TickSample{
			Elapsed:          time.Since(start),
			Metrics:          se.metrics,
			Errors:           len(se.errors),
			AdvisoryFailures: se.advisoryFailures,
		})
	}
	for _, fn := range se.tickListeners {
		fn(se.tick)
	}
	return nil
}

// Finish records the run completion event.
func (se *SimulationEngine) Finish() {
	se.emit(model.Event{Type: model.EventRunCompleted, AgentID: -1, CellID: -1,
		Detail: fmt.Sprintf("%d cells killed, %.1f drug delivered", se.metrics.CellsKilled, se.metrics.TotalDrugDelivered)})
}

func (se *SimulationEngine) updateCells() {
	m := se.Micro
	dt := m.Timestep()
	oxygen := m.Field(SubstrateOxygen)
	cells := se.Geometry.Cells()
	for i := range cells {
		c := &cells[i]
		if !c.Alive() {
			continue
		}
		o2 := m.ConcentrationAt(SubstrateOxygen, c.Position)
		drug := m.ConcentrationAt(SubstrateDrug, c.Position)
		if c.UpdateOxygenStatus(o2, dt) {
			se.cellKilled(c)
		}
		if c.AbsorbDrug(drug, dt) {
			se.cellKilled(c)
		}
		if oxygen != nil {
			oxygen.AddSink(m.PositionToVoxel(c.Position), c.OxygenConsumption()*dt)
		}
	}
}

func (se *SimulationEngine) applyVesselSources() {
	m := se.Micro
	oxygen := m.Field(SubstrateOxygen)
	drug := m.Field(SubstrateDrug)
	for _, v := range se.Geometry.Vessels() {
		voxel := m.PositionToVoxel(v.Position)
		if oxygen != nil {
			oxygen.AddSource(voxel, v.OxygenSupply*vesselSourceFactor)
		}
		if drug != nil && v.DrugSupply > 0 {
			drug.AddSource(voxel, v.DrugSupply)
		}
	}
}

func (se *SimulationEngine) recordAgentStep(a *NanobotAgent, rep StepReport) {
	if rep.AdvisoryFailed {
		se.advisoryFailures++
	}
	if rep.Delivered > 0 {
		se.emit(model.Event{
			Type:     model.EventDrugDelivered,
			AgentID:  a.ID,
			CellID:   rep.Cell,
			Position: toPoint(a.Position),
			Amount:   rep.Delivered,
		})
	}
	if rep.Killed {
		if c := se.Geometry.Cell(rep.Cell); c != nil {
			se.cellKilled(c)
		}
	}
	if rep.Reloaded {
		se.emit(model.Event{
			Type:     model.EventAgentReloaded,
			AgentID:  a.ID,
			CellID:   -1,
			Position: toPoint(a.Position),
			Amount:   a.Payload,
		})
	}
}

func (se *SimulationEngine) cellKilled(c *TumorCell) {
	se.emit(model.Event{
		Type:     model.EventCellKilled,
		AgentID:  -1,
		CellID:   c.ID,
		Position: toPoint(c.Position),
		Amount:   c.AccumulatedDrug(),
		Detail:   c.Cause().String(),
	})
}

func (se *SimulationEngine) recordError(msg string) {
	se.errors = append(se.errors, msg)
	se.log.Warn(context.Background(), msg, logging.Int("tick", se.tick))
}

func (se *SimulationEngine) emit(ev model.Event) {
	ev.RunID = se.runID
	ev.Tick = se.tick
	ev.Time = se.Micro.Time()
	ev.Timestamp = time.Now().UTC()
	se.events = append(se.events, ev)
	if se.sink == nil {
		return
	}
	if err := se.sink.Record(ev); err != nil {
		se.log.Warn(context.Background(), "event sink rejected event",
			logging.String("type", string(ev.Type)), logging.Err(err))
	}
}

func (se *SimulationEngine) updateMetrics() {
	counts := se.Geometry.CountByPhase()
	m := model.Metrics{
		Tick:           se.tick,
		Time:           se.Micro.Time(),
		ViableCells:    counts.Viable,
		HypoxicCells:   counts.Hypoxic,
		NecroticCells:  counts.Necrotic,
		ApoptoticCells: counts.Apoptotic,
		LivingCells:    counts.Living(),
		// Only drug-induced deaths count as kills.
		CellsKilled:   counts.Apoptotic,
		AgentsByState: make(map[string]int, len(AllBehaviorStates)),
	}
	for _, s := range AllBehaviorStates {
		m.AgentsByState[s.String()] = 0
	}
	for _, a := range se.Agents {
		m.TotalDeliveries += a.Deliveries
		m.TotalDrugDelivered += a.DrugDelivered
		m.AdvisoryCalls += a.AdvisoryCalls
		m.AgentsByState[a.State.String()]++
	}
	se.metrics = m
}

// SnapshotOptions selects the optional parts of a snapshot.
type SnapshotOptions struct {
	// Detail adds field grids and a sample of tumor cells.
	Detail bool
	// CellSample caps the number of cells included with Detail; zero or
	// negative includes every cell.
	CellSample int
	Vessels    bool
}

// Snapshot captures the current state. Cell samples are drawn from a
// dedicated random source so sampling never perturbs the simulation.
func (se *SimulationEngine) Snapshot(opts SnapshotOptions) model.StepSnapshot {
	s := model.StepSnapshot{
		Step:        se.tick,
		Time:        se.Micro.Time(),
		Agents:      make([]model.AgentState, 0, len(se.Agents)),
		Metrics:     se.Metrics(),
		QueenReport: se.queenReport,
		Errors:      se.Errors(),
	}
	for _, a := range se.Agents {
		s.Agents = append(s.Agents, model.AgentState{
			ID:            a.ID,
			Position:      *toPoint(a.Position),
			State:         a.State.String(),
			Payload:       a.Payload,
			TargetCell:    a.TargetCell,
			Deliveries:    a.Deliveries,
			DrugDelivered: a.DrugDelivered,
			Advisory:      a.Advisory,
		})
	}
	if opts.Vessels {
		for _, v := range se.Geometry.Vessels() {
			s.Vessels = append(s.Vessels, model.VesselState{
				ID:           v.ID,
				Position:     *toPoint(v.Position),
				OxygenSupply: v.OxygenSupply,
				SupplyRadius: v.SupplyRadius,
			})
		}
	}
	if opts.Detail {
		s.Cells = se.sampleCells(opts.CellSample)
		s.Fields = se.FieldGrids()
	}
	return s
}

func (se *SimulationEngine) sampleCells(n int) []model.CellState {
	cells := se.Geometry.Cells()
	idx := make([]int, len(cells))
	for i := range idx {
		idx[i] = i
	}
	if n > 0 && n < len(cells) {
		idx = se.sampler.Perm(len(cells))[:n]
		sort.Ints(idx)
	}
	out := make([]model.CellState, 0, len(idx))
	for _, i := range idx {
		c := &cells[i]
		out = append(out, model.CellState{
			ID:              c.ID,
			Position:        *toPoint(c.Position),
			Phase:           c.Phase().String(),
			Alive:           c.Alive(),
			AccumulatedDrug: c.AccumulatedDrug(),
			HypoxicDuration: c.HypoxicDuration(),
		})
	}
	return out
}

// FieldGrids returns the display plane of every substrate in registration
// order.
func (se *SimulationEngine) FieldGrids() []model.FieldGrid {
	summaries := se.Micro.Summary()
	names := se.Micro.FieldNames()
	out := make([]model.FieldGrid, 0, len(names))
	for _, name := range names {
		grid, err := se.Micro.Grid2D(name)
		if err != nil {
			continue
		}
		sum := summaries[name]
		out = append(out, model.FieldGrid{Name: name, Values: grid, Max: sum.Max, Mean: sum.Mean})
	}
	return out
}

// FieldSummaries returns whole-grid statistics per substrate.
func (se *SimulationEngine) FieldSummaries() map[string]model.FieldSummary {
	out := make(map[string]model.FieldSummary)
	for name, s := range se.Micro.Summary() {
		out[name] = model.FieldSummary{Mean: s.Mean, Max: s.Max, Min: s.Min, Std: s.Std}
	}
	return out
}

func toPoint(v Vec3) *model.Point {
	return &model.Point{X: v.X, Y: v.Y, Z: v.Z}
}
