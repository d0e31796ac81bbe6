// Package runner drives simulation engines to completion, recording step
// snapshots in the knowledge base and assembling run results.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/internal/eventlog"
	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
	"github.com/signalsfoundry/nanoswarm/timectrl"
)

// ProgressFunc is called after every tick of a recorded run.
type ProgressFunc func(tick, total int, m model.Metrics)

// Runner executes simulation runs. A Runner is safe for concurrent use; each
// run gets its own engine.
type Runner struct {
	store    *kb.KnowledgeBase
	metrics  *observability.SimCollector
	advisor  core.AdvisoryPolicy
	sink     core.EventSink
	log      logging.Logger
	progress ProgressFunc
	newID    func() string

	mode     timectrl.Mode
	interval time.Duration

	compareTimeout time.Duration
}

// Option customises a Runner.
type Option func(*Runner)

// WithKnowledgeBase records every run and its snapshots in store.
func WithKnowledgeBase(store *kb.KnowledgeBase) Option {
	return func(r *Runner) { r.store = store }
}

// WithSimCollector feeds per-tick metrics into c.
func WithSimCollector(c *observability.SimCollector) Option {
	return func(r *Runner) { r.metrics = c }
}

func WithAdvisor(p core.AdvisoryPolicy) Option {
	return func(r *Runner) { r.advisor = p }
}

// WithEventSink forwards engine events to sink. Failures are only logged.
func WithEventSink(sink core.EventSink) Option {
	return func(r *Runner) { r.sink = sink }
}

func WithLogger(l logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

func WithProgress(fn ProgressFunc) Option {
	return func(r *Runner) { r.progress = fn }
}

// WithPacing runs ticks through a real-time controller instead of back to
// back.
func WithPacing(mode timectrl.Mode, interval time.Duration) Option {
	return func(r *Runner) {
		r.mode = mode
		r.interval = interval
	}
}

// WithComparisonTimeout overrides DefaultComparisonTimeout.
func WithComparisonTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.compareTimeout = d
		}
	}
}

// WithIDGenerator replaces the UUID run ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// New constructs a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		log:            logging.Noop(),
		newID:          uuid.NewString,
		mode:           timectrl.Accelerated,
		compareTimeout: DefaultComparisonTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// KnowledgeBase returns the store runs are recorded in, if any.
func (r *Runner) KnowledgeBase() *kb.KnowledgeBase { return r.store }

type runSpec struct {
	id       string
	cfg      model.SimulationConfig
	steps    int
	record   bool
	progress ProgressFunc
	geometry *core.TumorGeometry
}

// Run executes cfg.MaxSteps ticks and returns the assembled result. When a
// knowledge base is configured the run and its snapshots are recorded there
// as they happen.
func (r *Runner) Run(ctx context.Context, cfg model.SimulationConfig) (*model.RunResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return r.execute(ctx, runSpec{
		id:       r.newID(),
		cfg:      cfg,
		steps:    cfg.MaxSteps,
		record:   true,
		progress: r.progress,
	})
}

// RunScenario runs sc.Config, starting from the scenario's hand-placed tumor
// when it lists one.
func (r *Runner) RunScenario(ctx context.Context, sc *core.TumorScenario) (*model.RunResult, error) {
	if sc == nil {
		return nil, errors.New("run scenario: nil scenario")
	}
	if err := sc.Config.Validate(); err != nil {
		return nil, err
	}
	return r.execute(ctx, runSpec{
		id:       r.newID(),
		cfg:      sc.Config,
		steps:    sc.Config.MaxSteps,
		record:   true,
		progress: r.progress,
		geometry: sc.Geometry,
	})
}

func (r *Runner) execute(ctx context.Context, spec runSpec) (*model.RunResult, error) {
	cfg := spec.cfg
	ctx, log := logging.WithRunLogger(ctx, r.log, spec.id)
	ctx, span := observability.StartRunSpan(ctx, spec.id, cfg, spec.steps)
	defer span.End()

	opts := []core.EngineOption{core.WithLogger(log), core.WithRunID(spec.id)}
	if r.advisor != nil {
		opts = append(opts, core.WithAdvisor(r.advisor))
	}
	if r.sink != nil {
		opts = append(opts, core.WithEventSink(r.sink))
	}
	if r.metrics != nil {
		opts = append(opts, core.WithMetricsRecorder(r.metrics.ForRun()))
	}
	if spec.geometry != nil {
		opts = append(opts, core.WithGeometry(spec.geometry.Clone()))
	}
	engine, err := core.NewSimulationEngine(cfg, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	record := spec.record && r.store != nil
	if record {
		if err := r.store.RegisterRun(spec.id, cfg); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	fail := func(err error) (*model.RunResult, error) {
		if record {
			if ferr := r.store.FailRun(spec.id, err); ferr != nil {
				log.Warn(ctx, "failed to mark run failed", logging.Err(ferr))
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "run failed", logging.Int("tick", engine.Tick()), logging.Err(err))
		return nil, err
	}

	log.Info(ctx, "run started",
		logging.Int("steps", spec.steps),
		logging.Int("cells", len(engine.Geometry.Cells())),
		logging.Int("vessels", len(engine.Geometry.Vessels())),
		logging.Int("nanobots", len(engine.Agents)),
	)

	result := &model.RunResult{
		RunID:      spec.id,
		Config:     cfg,
		ConfigHash: eventlog.ConfigHash(cfg),
		StartedAt:  time.Now().UTC(),
		History:    make([]model.StepSnapshot, 0, spec.steps),
	}
	capture := newCapturePlan(cfg, spec.steps)

	tc := timectrl.NewTickController(r.interval, r.mode)
	tc.AddListener(func(ctx context.Context, tick int) error {
		if err := engine.Step(ctx); err != nil {
			return err
		}
		snap := engine.Snapshot(capture.options(tick))
		result.History = append(result.History, snap)
		if record {
			if err := r.store.AppendSnapshot(spec.id, snap); err != nil {
				return fmt.Errorf("record snapshot %d: %w", tick, err)
			}
		}
		if spec.progress != nil {
			spec.progress(tick, spec.steps, snap.Metrics)
		}
		return nil
	})
	if err := tc.Run(ctx, spec.steps); err != nil {
		return fail(err)
	}
	engine.Finish()

	final := engine.Metrics()
	living, hypoxic := engine.InitialCounts()
	result.TotalSteps = engine.Tick()
	result.TotalTime = engine.Micro.Time()
	result.FinalMetrics = final
	result.TumorStatistics = model.NewTumorStatistics(living, hypoxic, final)
	result.Performance = model.NewPerformanceSummary(result.TumorStatistics, final.TotalDrugDelivered)
	result.FinalFields = engine.FieldGrids()
	result.FieldSummaries = engine.FieldSummaries()
	for _, ev := range engine.Events() {
		result.EventLog = append(result.EventLog, ev.String())
	}
	result.FinishedAt = time.Now().UTC()

	if record {
		if err := r.store.CompleteRun(spec.id, result); err != nil {
			return fail(err)
		}
	}

	span.SetAttributes(
		attribute.Int("run.cells_killed", result.TumorStatistics.CellsKilled),
		attribute.Int("run.deliveries", final.TotalDeliveries),
		attribute.Float64("run.drug_delivered", final.TotalDrugDelivered),
	)
	log.Info(ctx, "run completed",
		logging.Int("steps", result.TotalSteps),
		logging.Float("simulated_minutes", result.TotalTime),
		logging.Int("cells_killed", result.TumorStatistics.CellsKilled),
		logging.Int("deliveries", final.TotalDeliveries),
		logging.String("elapsed", result.FinishedAt.Sub(result.StartedAt).String()),
	)
	return result, nil
}

// capturePlan decides which parts of the state each tick's snapshot carries.
// Every tick records agents and metrics; field grids and sampled cells are
// added every interval ticks (starting with the first) and on the last tick.
// Vessels are static and only appear in the first snapshot.
type capturePlan struct {
	interval int
	last     int
	sample   int
}

func newCapturePlan(cfg model.SimulationConfig, steps int) capturePlan {
	return capturePlan{
		interval: cfg.EffectiveCaptureInterval(),
		last:     steps,
		sample:   cfg.CellSampleSize,
	}
}

func (p capturePlan) detail(tick int) bool {
	return (tick-1)%p.interval == 0 || tick == p.last
}

func (p capturePlan) options(tick int) core.SnapshotOptions {
	return core.SnapshotOptions{
		Detail:     p.detail(tick),
		CellSample: p.sample,
		Vessels:    tick == 1,
	}
}

// IsCancellation reports whether err came from a cancelled or expired
// context rather than from the simulation itself.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
