package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/signalsfoundry/nanoswarm/model"
)

type failingSink struct{ err error }

func (f failingSink) Record(model.Event) error { return f.err }

func TestJSONLinesWritesOneObjectPerEvent(t *testing.T) {
	var buf bytes.Buffer
	sink := NewJSONLines(&buf)
	events := []model.Event{
		{Type: model.EventRunStarted, RunID: "r1", AgentID: -1, CellID: -1},
		{Type: model.EventDrugDelivered, RunID: "r1", Tick: 4, AgentID: 2, CellID: 7, Amount: 20, Position: &model.Point{X: 1, Y: 2}},
	}
	for _, ev := range events {
		if err := sink.Record(ev); err != nil {
			t.Fatalf("Record() error = %v", err)
		}
	}

	scanner := bufio.NewScanner(&buf)
	var lines int
	for scanner.Scan() {
		var got model.Event
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if got.Type != events[lines].Type || got.CellID != events[lines].CellID {
			t.Fatalf("line %d = %+v, want %+v", lines, got, events[lines])
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("wrote %d lines, want 2", lines)
	}
}

func TestMemoryByRun(t *testing.T) {
	mem := NewMemory()
	_ = mem.Record(model.Event{Type: model.EventRunStarted, RunID: "a"})
	_ = mem.Record(model.Event{Type: model.EventRunStarted, RunID: "b"})
	_ = mem.Record(model.Event{Type: model.EventRunCompleted, RunID: "a"})

	if got := len(mem.Events()); got != 3 {
		t.Fatalf("Events() len = %d, want 3", got)
	}
	byRun := mem.ByRun("a")
	if len(byRun) != 2 || byRun[1].Type != model.EventRunCompleted {
		t.Fatalf("ByRun(a) = %+v", byRun)
	}
}

func TestMultiTriesEverySink(t *testing.T) {
	boom := errors.New("boom")
	mem := NewMemory()
	multi := Multi{failingSink{err: boom}, nil, mem}

	err := multi.Record(model.Event{Type: model.EventCellKilled})
	if !errors.Is(err, boom) {
		t.Fatalf("Record() error = %v, want boom", err)
	}
	if len(mem.Events()) != 1 {
		t.Fatalf("downstream sink saw %d events, want 1", len(mem.Events()))
	}
}

func TestBestEffortSwallowsFailures(t *testing.T) {
	sink := NewBestEffort(failingSink{err: errors.New("ledger offline")}, nil)
	for i := 0; i < 3; i++ {
		if err := sink.Record(model.Event{Type: model.EventDrugDelivered}); err != nil {
			t.Fatalf("Record() error = %v, want nil", err)
		}
	}
	if sink.Failures() != 3 {
		t.Fatalf("Failures() = %d, want 3", sink.Failures())
	}
	if err := NewBestEffort(nil, nil).Record(model.Event{}); err != nil {
		t.Fatalf("nil sink Record() error = %v", err)
	}
}

func TestConfigHashIsStable(t *testing.T) {
	a := model.DefaultSimulationConfig()
	b := model.DefaultSimulationConfig()
	if ConfigHash(a) != ConfigHash(b) || len(ConfigHash(a)) != 64 {
		t.Fatalf("ConfigHash() not stable: %q vs %q", ConfigHash(a), ConfigHash(b))
	}
	b.Seed++
	if ConfigHash(a) == ConfigHash(b) {
		t.Fatalf("ConfigHash() ignored seed change")
	}
}
