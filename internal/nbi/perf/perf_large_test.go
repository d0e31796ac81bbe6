//go:build perf_large

package perf

import "testing"

var largeConfig = perfConfig{
	Nanobots:        100,
	Steps:           200,
	DomainSize:      1000,
	ComparisonSteps: 200,
	StoredRuns:      10000,
}

func BenchmarkRunSimulationLarge(b *testing.B) {
	benchmarkRunSimulation(b, largeConfig)
}

func BenchmarkCompareStrategiesLarge(b *testing.B) {
	benchmarkCompareStrategies(b, largeConfig)
}

func BenchmarkListRunsLarge(b *testing.B) {
	benchmarkListRuns(b, largeConfig)
}
