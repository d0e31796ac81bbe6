// Package eventlog provides best-effort sinks for simulation events.
package eventlog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/signalsfoundry/nanoswarm/core"
	"github.com/signalsfoundry/nanoswarm/internal/logging"
	"github.com/signalsfoundry/nanoswarm/model"
)

// Sink receives simulation events. Record must be safe for concurrent use.
type Sink interface {
	Record(ev model.Event) error
}

var (
	_ core.EventSink = (*JSONLines)(nil)
	_ core.EventSink = (*Memory)(nil)
	_ core.EventSink = Multi(nil)
	_ core.EventSink = (*BestEffort)(nil)
)

// JSONLines writes one JSON object per event.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines wraps w. Writes are serialised.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

func (j *JSONLines) Record(ev model.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Memory keeps every event in order.
type Memory struct {
	mu     sync.Mutex
	events []model.Event
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(ev model.Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the recorded events.
func (m *Memory) Events() []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Event(nil), m.events...)
}

// ByRun returns the events recorded for runID.
func (m *Memory) ByRun(runID string) []model.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Event
	for _, ev := range m.events {
		if ev.RunID == runID {
			out = append(out, ev)
		}
	}
	return out
}

// Multi fans each event out to every sink. All sinks are tried; their
// errors are joined.
type Multi []Sink

func (m Multi) Record(ev model.Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BestEffort wraps a sink so failures are logged and counted but never
// returned. A failing sink must not affect a run.
type BestEffort struct {
	sink Sink
	log  logging.Logger

	mu       sync.Mutex
	failures int
}

func NewBestEffort(sink Sink, log logging.Logger) *BestEffort {
	if log == nil {
		log = logging.Noop()
	}
	return &BestEffort{sink: sink, log: log}
}

func (b *BestEffort) Record(ev model.Event) error {
	if b.sink == nil {
		return nil
	}
	if err := b.sink.Record(ev); err != nil {
		b.mu.Lock()
		b.failures++
		b.mu.Unlock()
		b.log.Warn(context.Background(), "event sink failed",
			logging.String("event", string(ev.Type)),
			logging.String("run_id", ev.RunID),
			logging.Err(err),
		)
	}
	return nil
}

// Failures returns how many events the wrapped sink rejected.
func (b *BestEffort) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// ConfigHash is a stable identifier for a run configuration: the hex
// SHA-256 of its JSON encoding.
func ConfigHash(cfg model.SimulationConfig) string {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
