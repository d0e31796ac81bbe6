package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/internal/advisory"
	"github.com/signalsfoundry/nanoswarm/internal/eventlog"
	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/runner"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
	"github.com/signalsfoundry/nanoswarm/timectrl"
)

// Options are the command-line settings of one invocation. Zero-valued
// overrides leave the loaded config untouched.
type Options struct {
	ConfigPath string
	Steps      int
	Nanobots   int
	AgentType  string
	Seed       int64
	Queen      bool

	NoPheromones bool
	Compare      bool

	OutputPath    string
	EventsPath    string
	ProgressEvery int
	TickInterval  time.Duration
}

func main() {
	var opts Options
	flag.StringVar(&opts.ConfigPath, "config", "", "JSON file holding a flat config or a scenario document")
	flag.IntVar(&opts.Steps, "steps", 0, "override max_steps")
	flag.IntVar(&opts.Nanobots, "nanobots", 0, "override n_nanobots")
	flag.StringVar(&opts.AgentType, "agent-type", "", "override agent_type (rule-based, advisory, hybrid)")
	flag.Int64Var(&opts.Seed, "seed", 0, "override the random seed")
	flag.BoolVar(&opts.Queen, "queen", false, "enable the queen coordinator")
	flag.BoolVar(&opts.NoPheromones, "no-pheromones", false, "disable pheromone signalling")
	flag.BoolVar(&opts.Compare, "compare", false, "compare strategies with and without pheromones instead of a single run")
	flag.StringVar(&opts.OutputPath, "out", "", "write the result JSON here ('-' for stdout)")
	flag.StringVar(&opts.EventsPath, "events", "", "append engine events as JSON lines to this file")
	flag.IntVar(&opts.ProgressEvery, "progress", 10, "print progress every N ticks (0 disables)")
	flag.DurationVar(&opts.TickInterval, "tick", 0, "pace ticks in real time at this interval (0 runs accelerated)")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, opts, os.Stdout, log); err != nil {
		fmt.Fprintf(os.Stderr, "simulator: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts Options, stdout io.Writer, log logging.Logger) error {
	sc, err := loadScenario(opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := applyOverrides(&sc.Config, opts); err != nil {
		return err
	}

	runnerOpts := []runner.Option{
		runner.WithKnowledgeBase(kb.NewKnowledgeBase()),
		runner.WithLogger(log),
	}
	if opts.TickInterval > 0 {
		runnerOpts = append(runnerOpts, runner.WithPacing(timectrl.RealTime, opts.TickInterval))
	}
	if opts.ProgressEvery > 0 {
		runnerOpts = append(runnerOpts, runner.WithProgress(progressPrinter(stdout, opts.ProgressEvery)))
	}

	if acfg := advisory.ConfigFromEnv(); acfg.Enabled() {
		client, err := advisory.NewClient(acfg, advisory.WithLogger(log))
		if err != nil {
			return err
		}
		runnerOpts = append(runnerOpts, runner.WithAdvisor(client))
		log.Info(ctx, "advisory endpoint configured", logging.String("model", client.Model()))
	}

	if opts.EventsPath != "" {
		f, err := os.OpenFile(opts.EventsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		defer f.Close()
		runnerOpts = append(runnerOpts, runner.WithEventSink(eventlog.NewBestEffort(eventlog.NewJSONLines(f), log)))
	}

	r := runner.New(runnerOpts...)

	if opts.Compare {
		fmt.Fprintf(stdout, "Comparing strategies: %d steps, %d nanobots, seed %d\n",
			sc.Config.EffectiveComparisonSteps(), sc.Config.NumNanobots, sc.Config.Seed)
		res, err := r.Compare(ctx, sc.Config)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "with pheromones: %d killed, without: %d killed, winner: %s (%+d)\n",
			res.WithPheromones.CellsKilled, res.WithoutPheromones.CellsKilled, res.Winner, res.Improvement)
		return writeJSON(stdout, opts.OutputPath, res)
	}

	fmt.Fprintf(stdout, "Starting simulation: %d steps, %d nanobots, agents %s, pheromones %v\n",
		sc.Config.MaxSteps, sc.Config.NumNanobots, sc.Config.AgentType, sc.Config.UsePheromones)
	res, err := r.RunScenario(ctx, sc)
	if err != nil {
		return err
	}
	st := res.TumorStatistics
	fmt.Fprintf(stdout, "Simulation complete: run %s, %.1f min simulated, %d/%d cells killed (%.1f%%), %d deliveries\n",
		res.RunID, res.TotalTime, st.CellsKilled, st.InitialLivingCells, st.KillRate*100, res.FinalMetrics.TotalDeliveries)
	return writeJSON(stdout, opts.OutputPath, res)
}

// loadScenario reads path as a scenario document when it has a "config" or
// "tumor" key and as a flat config otherwise. An empty path gives defaults.
func loadScenario(path string) (*core.TumorScenario, error) {
	if path == "" {
		return &core.TumorScenario{Config: model.DefaultSimulationConfig()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	_, hasConfig := keys["config"]
	_, hasTumor := keys["tumor"]
	if hasConfig || hasTumor {
		return core.LoadTumorScenario(bytes.NewReader(data))
	}

	cfg, err := core.LoadSimulationConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return &core.TumorScenario{Config: cfg}, nil
}

func applyOverrides(cfg *model.SimulationConfig, opts Options) error {
	if opts.Steps > 0 {
		cfg.MaxSteps = opts.Steps
	}
	if opts.Nanobots > 0 {
		cfg.NumNanobots = opts.Nanobots
	}
	if opts.AgentType != "" {
		at, err := model.ParseAgentType(opts.AgentType)
		if err != nil {
			return err
		}
		cfg.AgentType = at
	}
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	if opts.Queen {
		cfg.UseQueen = true
	}
	if opts.NoPheromones {
		cfg.UsePheromones = false
	}
	return cfg.Validate()
}

func progressPrinter(w io.Writer, every int) runner.ProgressFunc {
	return func(tick, total int, m model.Metrics) {
		if tick%every != 0 && tick != total {
			return
		}
		fmt.Fprintf(w, "[%4d/%d] t=%6.1f min living=%d killed=%d deliveries=%d drug=%.2f\n",
			tick, total, m.Time, m.LivingCells, m.CellsKilled, m.TotalDeliveries, m.TotalDrugDelivered)
	}
}

func writeJSON(stdout io.Writer, path string, v any) error {
	if path == "" {
		return nil
	}
	var w io.Writer = stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
