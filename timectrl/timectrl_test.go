package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTickControllerRunsListenersInOrder(t *testing.T) {
	tc := NewTickController(0, Accelerated)

	var calls []string
	var ticks []int
	tc.AddListener(func(_ context.Context, tick int) error {
		calls = append(calls, "a")
		ticks = append(ticks, tick)
		return nil
	})
	tc.AddListener(func(context.Context, int) error {
		calls = append(calls, "b")
		return nil
	})

	if err := tc.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if tc.Current() != 3 {
		t.Fatalf("Current() = %d, want 3", tc.Current())
	}
	if len(ticks) != 3 || ticks[0] != 1 || ticks[2] != 3 {
		t.Fatalf("ticks = %v, want [1 2 3]", ticks)
	}
	if len(calls) != 6 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("calls = %v, want a/b alternating", calls)
	}

	if err := tc.Run(context.Background(), 2); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if tc.Current() != 5 || ticks[len(ticks)-1] != 5 {
		t.Fatalf("Current() = %d after resuming, want 5", tc.Current())
	}
}

func TestTickControllerStopsOnListenerError(t *testing.T) {
	tc := NewTickController(0, Accelerated)
	boom := errors.New("boom")
	tc.AddListener(func(_ context.Context, tick int) error {
		if tick == 2 {
			return boom
		}
		return nil
	})
	if err := tc.Run(context.Background(), 5); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want boom", err)
	}
	if tc.Current() != 1 {
		t.Fatalf("Current() = %d, want 1", tc.Current())
	}
}

func TestTickControllerHonoursCancellation(t *testing.T) {
	tc := NewTickController(time.Hour, RealTime)
	ctx, cancel := context.WithCancel(context.Background())
	done := tc.Start(ctx, 10)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start() result = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("controller did not stop after cancel")
	}
	if tc.Current() != 0 {
		t.Fatalf("Current() = %d, want 0", tc.Current())
	}
}

func TestTickControllerRealTimePacing(t *testing.T) {
	tc := NewTickController(5*time.Millisecond, RealTime)
	tc.AddListener(func(context.Context, int) error { return nil })

	start := time.Now()
	if err := <-tc.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start() result = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("3 real-time ticks took %v, want at least 15ms", elapsed)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": Accelerated, "RealTime": RealTime, "accelerated": Accelerated} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseMode("warp"); err == nil {
		t.Errorf("ParseMode(warp) succeeded, want error")
	}
}
