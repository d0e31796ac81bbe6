package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
	"github.com/signalsfoundry/nanoswarm/model"
)

// ErrComparisonTimeout is returned when the comparison legs do not finish
// within the runner's comparison timeout.
var ErrComparisonTimeout = errors.New("strategy comparison timed out")

// DefaultComparisonTimeout bounds a whole comparison in wall-clock time.
const DefaultComparisonTimeout = 60 * time.Second

const (
	StrategyWithPheromones    = "with_pheromones"
	StrategyWithoutPheromones = "without_pheromones"
	StrategyTie               = "tie"
)

// ComparisonConfigs derives the two legs of a strategy comparison from cfg:
// rule-based agents, no queen, identical seed, with and without pheromone
// signalling. Only the final state is captured in detail.
func ComparisonConfigs(cfg model.SimulationConfig) (with, without model.SimulationConfig) {
	base := cfg
	base.AgentType = model.AgentRuleBased
	base.UseQueen = false
	base.MaxSteps = cfg.EffectiveComparisonSteps()
	base.CaptureInterval = base.MaxSteps

	with, without = base, base
	with.UsePheromones = true
	without.UsePheromones = false
	return with, without
}

// Compare runs the pheromone and no-pheromone strategies concurrently from
// the same seed and reports which killed more cells. Comparison legs are
// not recorded in the knowledge base.
func (r *Runner) Compare(ctx context.Context, cfg model.SimulationConfig) (*model.ComparisonResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	withCfg, withoutCfg := ComparisonConfigs(cfg)

	ctx, span := observability.Tracer().Start(ctx, "runner.Compare", trace.WithAttributes(
		append(observability.ConfigAttributes(cfg), attribute.Int("compare.steps", withCfg.MaxSteps))...,
	))
	defer span.End()

	// The cause tells our own timeout apart from a deadline the caller set.
	ctx, cancel := context.WithTimeoutCause(ctx, r.compareTimeout, ErrComparisonTimeout)
	defer cancel()

	legs := []struct {
		name string
		cfg  model.SimulationConfig
	}{
		{StrategyWithPheromones, withCfg},
		{StrategyWithoutPheromones, withoutCfg},
	}
	results := make([]*model.RunResult, len(legs))
	errs := make([]error, len(legs))

	var wg sync.WaitGroup
	for i, leg := range legs {
		wg.Add(1)
		go func(i int, name string, cfg model.SimulationConfig) {
			defer wg.Done()
			results[i], errs[i] = r.execute(ctx, runSpec{
				id:    r.newID(),
				cfg:   cfg,
				steps: cfg.MaxSteps,
			})
			if errs[i] != nil {
				errs[i] = fmt.Errorf("%s: %w", name, errs[i])
				cancel()
			}
		}(i, leg.name, leg.cfg)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && errors.Is(context.Cause(ctx), ErrComparisonTimeout) {
			err = fmt.Errorf("%w after %s", ErrComparisonTimeout, r.compareTimeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	res := &model.ComparisonResult{
		Steps:             withCfg.MaxSteps,
		Seed:              cfg.Seed,
		WithPheromones:    model.NewStrategyOutcome(StrategyWithPheromones, results[0]),
		WithoutPheromones: model.NewStrategyOutcome(StrategyWithoutPheromones, results[1]),
	}
	res.Improvement = res.WithPheromones.CellsKilled - res.WithoutPheromones.CellsKilled
	switch {
	case res.Improvement > 0:
		res.Winner = StrategyWithPheromones
	case res.Improvement < 0:
		res.Winner = StrategyWithoutPheromones
	default:
		res.Winner = StrategyTie
	}
	if r.metrics != nil {
		r.metrics.ObserveComparison(res)
	}

	span.SetAttributes(attribute.String("compare.winner", res.Winner), attribute.Int("compare.improvement", res.Improvement))
	r.log.Info(ctx, "comparison completed",
		logging.Int("steps", res.Steps),
		logging.Int("killed_with_pheromones", res.WithPheromones.CellsKilled),
		logging.Int("killed_without_pheromones", res.WithoutPheromones.CellsKilled),
		logging.String("winner", res.Winner),
	)
	return res, nil
}
