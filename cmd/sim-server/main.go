package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/nanoswarm/internal/advisory"
	"github.com/signalsfoundry/nanoswarm/internal/eventlog"
	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/nbi"
	"github.com/signalsfoundry/nanoswarm/internal/observability"
	"github.com/signalsfoundry/nanoswarm/internal/runner"
	"github.com/signalsfoundry/nanoswarm/internal/stream"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/timectrl"
)

// Config holds the server settings collected from flags.
type Config struct {
	ListenAddress string
	// HTTPAddress serves /metrics and the /ws/runs/{id} stream; empty
	// disables the HTTP listener.
	HTTPAddress string

	LogLevel  string
	LogFormat string

	// EventLogPath appends engine events as JSON lines when set.
	EventLogPath string

	TickInterval      time.Duration
	Accelerated       bool
	ComparisonTimeout time.Duration

	// MaxRuns caps the runs kept in memory; the oldest finished runs are
	// dropped first. Zero keeps every run.
	MaxRuns int
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.ListenAddress, "grpc-addr", ":50051", "TCP address the simulation gRPC server listens on")
	flag.StringVar(&cfg.HTTPAddress, "http-addr", ":9090", "HTTP address for /metrics and the snapshot websocket")
	flag.StringVar(&cfg.LogLevel, "log-level", "", "log level (debug, info, warn, error); defaults to LOG_LEVEL")
	flag.StringVar(&cfg.LogFormat, "log-format", "", "log format (json, text); defaults to LOG_FORMAT")
	flag.StringVar(&cfg.EventLogPath, "event-log", "", "append engine events as JSON lines to this file")
	flag.DurationVar(&cfg.TickInterval, "tick", 100*time.Millisecond, "wall-clock interval between ticks when not accelerated")
	flag.BoolVar(&cfg.Accelerated, "accelerated", true, "run ticks back to back instead of pacing them")
	flag.DurationVar(&cfg.ComparisonTimeout, "compare-timeout", runner.DefaultComparisonTimeout, "wall-clock limit for a strategy comparison")
	flag.IntVar(&cfg.MaxRuns, "max-runs", 100, "finished runs kept for GetRun/ListRuns before the oldest are dropped (0 keeps all)")
	flag.Parse()

	log := logging.NewFromEnv()
	if cfg.LogLevel != "" || cfg.LogFormat != "" {
		log = logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.ListenAddress), logging.Err(err))
		os.Exit(1)
	}
	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "simulation server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. It owns lis.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	reg := prometheus.NewRegistry()
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("rpc metrics: %w", err)
	}
	simMetrics, err := observability.NewSimCollector(reg)
	if err != nil {
		_ = lis.Close()
		return fmt.Errorf("simulation metrics: %w", err)
	}

	store := kb.NewKnowledgeBase(kb.WithMaxRuns(cfg.MaxRuns))
	unsubscribe := store.Subscribe(func(ev kb.Event) {
		if ev.Type != kb.EventSnapshotRecorded {
			rpcMetrics.SetRunCounts(runCounts(store))
		}
	})
	defer unsubscribe()

	runnerOpts, closeSinks, err := runnerOptions(ctx, cfg, log, store, simMetrics)
	if err != nil {
		_ = lis.Close()
		return err
	}
	defer closeSinks()
	r := runner.New(runnerOpts...)

	server := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.MaxSendMsgSize(nbi.MaxMessageBytes),
		grpc.ChainUnaryInterceptor(
			nbi.RequestLoggingUnaryServerInterceptor(log),
			nbi.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	nbi.RegisterSimulationServiceServer(server, nbi.NewSimulationService(r, log))

	var httpSrv *http.Server
	if cfg.HTTPAddress != "" {
		httpLis, err := net.Listen("tcp", cfg.HTTPAddress)
		if err != nil {
			_ = lis.Close()
			return fmt.Errorf("listen http: %w", err)
		}
		httpSrv = &http.Server{
			Handler:           newHTTPHandler(rpcMetrics, store, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(ctx, "http server exited", logging.Err(err))
			}
		}()
		log.Info(ctx, "serving metrics and snapshot stream", logging.String("addr", httpLis.Addr().String()))
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(lis)
	}()
	log.Info(ctx, "simulation gRPC server started", logging.String("addr", lis.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = err
	}

	log.Info(context.Background(), "shutting down simulation server")
	server.GracefulStop()
	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}
	if errors.Is(runErr, grpc.ErrServerStopped) {
		runErr = nil
	}
	return runErr
}

func runnerOptions(ctx context.Context, cfg Config, log logging.Logger, store *kb.KnowledgeBase, metrics *observability.SimCollector) ([]runner.Option, func(), error) {
	mode := timectrl.Accelerated
	if !cfg.Accelerated {
		mode = timectrl.RealTime
	}
	opts := []runner.Option{
		runner.WithKnowledgeBase(store),
		runner.WithSimCollector(metrics),
		runner.WithLogger(log),
		runner.WithPacing(mode, cfg.TickInterval),
		runner.WithComparisonTimeout(cfg.ComparisonTimeout),
	}
	closeFn := func() {}

	if acfg := advisory.ConfigFromEnv(); acfg.Enabled() {
		client, err := advisory.NewClient(acfg, advisory.WithLogger(log))
		if err != nil {
			return nil, closeFn, fmt.Errorf("advisory client: %w", err)
		}
		opts = append(opts, runner.WithAdvisor(client))
		log.Info(ctx, "advisory endpoint configured", logging.String("model", client.Model()))
	}

	if cfg.EventLogPath != "" {
		f, err := os.OpenFile(cfg.EventLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closeFn, fmt.Errorf("open event log: %w", err)
		}
		closeFn = func() { _ = f.Close() }
		opts = append(opts, runner.WithEventSink(eventlog.NewBestEffort(eventlog.NewJSONLines(f), log)))
		log.Info(ctx, "writing event log", logging.String("path", cfg.EventLogPath))
	}
	return opts, closeFn, nil
}

func newHTTPHandler(metrics *observability.RPCCollector, store *kb.KnowledgeBase, log logging.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(stream.Route, stream.NewHandler(store, stream.WithLogger(log)))
	return mux
}

func runCounts(store *kb.KnowledgeBase) map[string]int {
	counts := map[string]int{
		string(kb.StatusRunning):   0,
		string(kb.StatusCompleted): 0,
		string(kb.StatusFailed):    0,
	}
	for _, run := range store.ListRuns() {
		counts[string(run.Status)]++
	}
	return counts
}
