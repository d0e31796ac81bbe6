package types

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/nanoswarm/kb"
	"github.com/signalsfoundry/nanoswarm/model"
)

func TestConfigFromStructDefaults(t *testing.T) {
	for _, in := range []*Struct{nil, {}} {
		cfg, err := ConfigFromStruct(in)
		if err != nil {
			t.Fatalf("ConfigFromStruct(%v) error = %v", in, err)
		}
		if cfg != model.DefaultSimulationConfig() {
			t.Fatalf("ConfigFromStruct(%v) = %+v, want defaults", in, cfg)
		}
	}
}

func TestConfigRoundTripKeepsSmallFloats(t *testing.T) {
	want := model.DefaultSimulationConfig()
	want.DrugDiffusion = 2.5e-8
	want.Seed = 1 << 40
	want.AgentType = model.AgentHybrid

	s, err := ConfigToStruct(want)
	if err != nil {
		t.Fatalf("ConfigToStruct() error = %v", err)
	}
	got, err := ConfigFromStruct(s)
	if err != nil {
		t.Fatalf("ConfigFromStruct() error = %v", err)
	}
	if got != want {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestConfigFromStructErrors(t *testing.T) {
	unknown, _ := structpb.NewStruct(map[string]any{"n_ants": 4})
	if _, err := ConfigFromStruct(unknown); !errors.Is(err, ErrDecode) {
		t.Fatalf("unknown field error = %v, want ErrDecode", err)
	}

	wrongType, _ := structpb.NewStruct(map[string]any{"max_steps": "many"})
	if _, err := ConfigFromStruct(wrongType); !errors.Is(err, ErrDecode) {
		t.Fatalf("wrong type error = %v, want ErrDecode", err)
	}

	invalid, _ := structpb.NewStruct(map[string]any{"max_steps": 5000})
	if _, err := ConfigFromStruct(invalid); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("invalid config error = %v, want ErrInvalidConfig", err)
	}
	if _, err := ConfigFromStruct(invalid); errors.Is(err, ErrDecode) {
		t.Fatalf("invalid config reported as decode error")
	}
}

func TestRunListToStruct(t *testing.T) {
	empty, err := RunListToStruct(nil)
	if err != nil {
		t.Fatalf("RunListToStruct(nil) error = %v", err)
	}
	if runs := empty.GetFields()["runs"].GetListValue(); runs == nil || len(runs.GetValues()) != 0 {
		t.Fatalf("empty listing = %v, want runs: []", empty)
	}

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s, err := RunListToStruct([]kb.RunSummary{{ID: "r1", Status: kb.StatusCompleted, CreatedAt: created, Snapshots: 3, CellsKilled: 2}})
	if err != nil {
		t.Fatalf("RunListToStruct() error = %v", err)
	}
	var back struct {
		Runs []kb.RunSummary `json:"runs"`
	}
	if err := FromStruct(s, &back); err != nil {
		t.Fatalf("FromStruct() error = %v", err)
	}
	if len(back.Runs) != 1 || back.Runs[0].ID != "r1" || !back.Runs[0].CreatedAt.Equal(created) || back.Runs[0].CellsKilled != 2 {
		t.Fatalf("decoded listing = %+v", back.Runs)
	}
}

func TestRunID(t *testing.T) {
	if got := RunIDFromStruct(RunIDToStruct("abc")); got != "abc" {
		t.Fatalf("RunIDFromStruct = %q, want abc", got)
	}
	if got := RunIDFromStruct(nil); got != "" {
		t.Fatalf("RunIDFromStruct(nil) = %q", got)
	}
	numeric, _ := structpb.NewStruct(map[string]any{"run_id": 7})
	if got := RunIDFromStruct(numeric); got != "" {
		t.Fatalf("numeric run_id = %q, want empty", got)
	}
}

func TestNilResultsRejected(t *testing.T) {
	if _, err := RunResultToStruct(nil); err == nil {
		t.Fatalf("RunResultToStruct(nil) succeeded")
	}
	if _, err := ComparisonToStruct(nil); err == nil {
		t.Fatalf("ComparisonToStruct(nil) succeeded")
	}
	if err := FromStruct(nil, &struct{}{}); !errors.Is(err, ErrDecode) {
		t.Fatalf("FromStruct(nil) error = %v, want ErrDecode", err)
	}
}
