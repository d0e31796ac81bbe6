package kb

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/nanoswarm/model"
)

var (
	// ErrRunNotFound is returned for unknown run IDs.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when a run ID is registered twice.
	ErrRunExists = errors.New("run already exists")
	// ErrRunFinished is returned when writing to a completed or failed run.
	ErrRunFinished = errors.New("run already finished")
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// Finished reports whether no more snapshots will be recorded.
func (s RunStatus) Finished() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EventType indicates what kind of change happened in the KB.
type EventType int

const (
	EventRunRegistered EventType = iota
	EventSnapshotRecorded
	EventRunFinished
	// EventRunEvicted is sent when a finished run is dropped to stay within
	// the retention limit.
	EventRunEvicted
)

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type     EventType
	RunID    string
	Status   RunStatus
	Snapshot *model.StepSnapshot
}

// RunRecord is everything stored about one run. Snapshots holds the step
// history; the stored Result does not repeat it.
type RunRecord struct {
	ID        string                 `json:"run_id"`
	Config    model.SimulationConfig `json:"config"`
	Status    RunStatus              `json:"status"`
	Error     string                 `json:"error,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Snapshots []model.StepSnapshot   `json:"snapshots,omitempty"`
	Result    *model.RunResult       `json:"result,omitempty"`
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	ID          string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Snapshots   int       `json:"snapshots"`
	CellsKilled int       `json:"cells_killed"`
}

// KnowledgeBase is an in-memory, thread-safe store of simulation runs.
type KnowledgeBase struct {
	mu sync.RWMutex

	runs    map[string]*RunRecord
	now     func() time.Time
	maxRuns int

	subs    map[int]func(Event)
	nextSub int
}

// Option configures a KnowledgeBase.
type Option func(*KnowledgeBase)

// WithMaxRuns keeps at most n runs. When a new run pushes the store over
// the limit the oldest finished runs are dropped; running runs are never
// dropped, so the store can exceed n while more than n runs are in flight.
// n <= 0 means unlimited.
func WithMaxRuns(n int) Option {
	return func(kb *KnowledgeBase) { kb.maxRuns = n }
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase(opts ...Option) *KnowledgeBase {
	kb := &KnowledgeBase{
		runs: make(map[string]*RunRecord),
		now:  time.Now,
		subs: make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(kb)
	}
	return kb
}

// RegisterRun adds a running record for id. It returns ErrRunExists if the
// ID is taken.
func (kb *KnowledgeBase) RegisterRun(id string, cfg model.SimulationConfig) error {
	if id == "" {
		return fmt.Errorf("register run: empty id")
	}
	kb.mu.Lock()
	if _, exists := kb.runs[id]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrRunExists, id)
	}
	now := kb.now()
	kb.runs[id] = &RunRecord{ID: id, Config: cfg, Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	evicted := kb.evict()
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventRunRegistered, RunID: id, Status: StatusRunning})
	notifyEvicted(subs, evicted)
	return nil
}

// AppendSnapshot records a step snapshot for a running run.
func (kb *KnowledgeBase) AppendSnapshot(id string, snap model.StepSnapshot) error {
	kb.mu.Lock()
	rec, err := kb.writable(id)
	if err != nil {
		kb.mu.Unlock()
		return err
	}
	rec.Snapshots = append(rec.Snapshots, snap)
	rec.UpdatedAt = kb.now()
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventSnapshotRecorded, RunID: id, Status: StatusRunning, Snapshot: &snap})
	return nil
}

// CompleteRun stores the final result and marks the run completed.
func (kb *KnowledgeBase) CompleteRun(id string, result *model.RunResult) error {
	return kb.finish(id, StatusCompleted, result, "")
}

// FailRun marks the run failed with cause.
func (kb *KnowledgeBase) FailRun(id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return kb.finish(id, StatusFailed, nil, msg)
}

func (kb *KnowledgeBase) finish(id string, status RunStatus, result *model.RunResult, msg string) error {
	kb.mu.Lock()
	rec, err := kb.writable(id)
	if err != nil {
		kb.mu.Unlock()
		return err
	}
	rec.Status = status
	if result != nil {
		stored := *result
		stored.History = nil
		rec.Result = &stored
	}
	rec.Error = msg
	rec.UpdatedAt = kb.now()
	evicted := kb.evict()
	subs := kb.subscribers()
	kb.mu.Unlock()

	notify(subs, Event{Type: EventRunFinished, RunID: id, Status: status})
	notifyEvicted(subs, evicted)
	return nil
}

// evict drops the oldest finished runs while the store is over its limit
// and returns their IDs. It must be called with kb.mu held.
func (kb *KnowledgeBase) evict() []string {
	if kb.maxRuns <= 0 || len(kb.runs) <= kb.maxRuns {
		return nil
	}
	finished := make([]*RunRecord, 0, len(kb.runs))
	for _, rec := range kb.runs {
		if rec.Status.Finished() {
			finished = append(finished, rec)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		if finished[i].CreatedAt.Equal(finished[j].CreatedAt) {
			return finished[i].ID < finished[j].ID
		}
		return finished[i].CreatedAt.Before(finished[j].CreatedAt)
	})
	var evicted []string
	for _, rec := range finished {
		if len(kb.runs) <= kb.maxRuns {
			break
		}
		delete(kb.runs, rec.ID)
		evicted = append(evicted, rec.ID)
	}
	return evicted
}

// writable must be called with kb.mu held.
func (kb *KnowledgeBase) writable(id string) (*RunRecord, error) {
	rec, ok := kb.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	if rec.Status.Finished() {
		return nil, fmt.Errorf("%w: %q is %s", ErrRunFinished, id, rec.Status)
	}
	return rec, nil
}

// GetRun returns a copy of the run record.
func (kb *KnowledgeBase) GetRun(id string) (RunRecord, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	rec, ok := kb.runs[id]
	if !ok {
		return RunRecord{}, fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	out := *rec
	out.Snapshots = append([]model.StepSnapshot(nil), rec.Snapshots...)
	return out, nil
}

// SnapshotsSince returns the snapshots recorded at or after index from and
// the current status, so a reader can poll for new entries.
func (kb *KnowledgeBase) SnapshotsSince(id string, from int) ([]model.StepSnapshot, RunStatus, error) {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	rec, ok := kb.runs[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrRunNotFound, id)
	}
	if from < 0 {
		from = 0
	}
	if from >= len(rec.Snapshots) {
		return nil, rec.Status, nil
	}
	return append([]model.StepSnapshot(nil), rec.Snapshots[from:]...), rec.Status, nil
}

// ListRuns returns every run, oldest first.
func (kb *KnowledgeBase) ListRuns() []RunSummary {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]RunSummary, 0, len(kb.runs))
	for _, rec := range kb.runs {
		s := RunSummary{
			ID:        rec.ID,
			Status:    rec.Status,
			CreatedAt: rec.CreatedAt,
			Snapshots: len(rec.Snapshots),
		}
		if rec.Result != nil {
			s.CellsKilled = rec.Result.TumorStatistics.CellsKilled
		}
		res = append(res, s)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res
}

// Subscribe registers a callback for KB events. It returns an unsubscribe
// function. Callbacks run outside the lock on the writer's goroutine.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextSub
	kb.nextSub++
	kb.subs[id] = fn

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		delete(kb.subs, id)
	}
}

// subscribers must be called with kb.mu held.
func (kb *KnowledgeBase) subscribers() []func(Event) {
	ids := make([]int, 0, len(kb.subs))
	for id := range kb.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, kb.subs[id])
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, sub := range subs {
		sub(ev)
	}
}

func notifyEvicted(subs []func(Event), ids []string) {
	for _, id := range ids {
		notify(subs, Event{Type: EventRunEvicted, RunID: id})
	}
}
