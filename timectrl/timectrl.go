package timectrl

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode describes how the TickController paces ticks.
type Mode int

const (
	// RealTime waits Interval of wall-clock time before each tick.
	RealTime Mode = iota
	// Accelerated runs ticks back to back as fast as listeners allow.
	Accelerated
)

func (m Mode) String() string {
	if m == RealTime {
		return "realtime"
	}
	return "accelerated"
}

// ParseMode accepts "realtime" or "accelerated"; empty means accelerated.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accelerated", "fast":
		return Accelerated, nil
	case "realtime", "real-time":
		return RealTime, nil
	default:
		return Accelerated, fmt.Errorf("unknown time mode %q", s)
	}
}

// Listener is invoked once per tick with the 1-based tick number. A
// non-nil error stops the controller.
type Listener func(ctx context.Context, tick int) error

// TickController drives a fixed number of simulation ticks and notifies
// registered listeners in registration order.
type TickController struct {
	mu       sync.RWMutex
	Interval time.Duration
	Mode     Mode

	// current is the last completed tick.
	current int

	listeners []Listener
}

// NewTickController constructs a controller. interval only matters in
// RealTime mode; a non-positive interval there behaves like Accelerated.
func NewTickController(interval time.Duration, mode Mode) *TickController {
	return &TickController{
		Interval: interval,
		Mode:     mode,
	}
}

// Current returns the last completed tick.
func (tc *TickController) Current() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.current
}

// AddListener registers a callback invoked on every tick.
func (tc *TickController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Run executes ticks ticks on the calling goroutine. It stops at the first
// listener error or when ctx is done, returning that error.
func (tc *TickController) Run(ctx context.Context, ticks int) error {
	tc.mu.RLock()
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.RUnlock()

	var pace <-chan time.Time
	if tc.Mode == RealTime && tc.Interval > 0 {
		ticker := time.NewTicker(tc.Interval)
		defer ticker.Stop()
		pace = ticker.C
	}

	for i := 0; i < ticks; i++ {
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		tick := tc.Current() + 1
		for _, fn := range listeners {
			if err := fn(ctx, tick); err != nil {
				return err
			}
		}

		tc.mu.Lock()
		tc.current = tick
		tc.mu.Unlock()
	}
	return nil
}

// Start runs the controller in a separate goroutine. The returned channel
// receives Run's result and is then closed.
func (tc *TickController) Start(ctx context.Context, ticks int) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, ticks)
	}()
	return done
}
