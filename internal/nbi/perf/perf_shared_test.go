//go:build perf || perf_large

package perf

import (
	"context"
	"fmt"
	"testing"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/internal/nbi"
	"github.com/signalsfoundry/nanoswarm/internal/nbi/types"
	"github.com/signalsfoundry/nanoswarm/internal/runner"
	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

type perfConfig struct {
	Nanobots        int
	Steps           int
	DomainSize      float64
	ComparisonSteps int
	StoredRuns      int
}

func (p perfConfig) simulation() model.SimulationConfig {
	cfg := model.DefaultSimulationConfig()
	cfg.NumNanobots = p.Nanobots
	cfg.MaxSteps = p.Steps
	cfg.DomainSize = p.DomainSize
	cfg.TumorRadius = p.DomainSize / 3
	cfg.ComparisonSteps = p.ComparisonSteps
	return cfg
}

func newService() (*nbi.SimulationService, *kb.KnowledgeBase) {
	store := kb.NewKnowledgeBase()
	r := runner.New(runner.WithKnowledgeBase(store))
	return nbi.NewSimulationService(r, logging.Noop()), store
}

func benchmarkRunSimulation(b *testing.B, cfg perfConfig) {
	ctx := context.Background()
	req, err := types.ConfigToStruct(cfg.simulation())
	if err != nil {
		b.Fatalf("ConfigToStruct: %v", err)
	}
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		svc, _ := newService()
		if _, err := svc.RunSimulation(ctx, req); err != nil {
			b.Fatalf("RunSimulation: %v", err)
		}
	}
}

func benchmarkCompareStrategies(b *testing.B, cfg perfConfig) {
	ctx := context.Background()
	req, err := types.ConfigToStruct(cfg.simulation())
	if err != nil {
		b.Fatalf("ConfigToStruct: %v", err)
	}
	svc, _ := newService()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := svc.CompareStrategies(ctx, req); err != nil {
			b.Fatalf("CompareStrategies: %v", err)
		}
	}
}

func benchmarkListRuns(b *testing.B, cfg perfConfig) {
	ctx := context.Background()
	svc, store := newService()
	sim := cfg.simulation()
	for i := 0; i < cfg.StoredRuns; i++ {
		id := fmt.Sprintf("run-%08x", i)
		if err := store.RegisterRun(id, sim); err != nil {
			b.Fatalf("RegisterRun(%s): %v", id, err)
		}
	}
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if _, err := svc.ListRuns(ctx, &emptypb.Empty{}); err != nil {
			b.Fatalf("ListRuns: %v", err)
		}
	}
}
