package worker

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"luckybot/internal/runtime/signal"
)

// loopBody is the canonical wait/check loop used by the real workers.
func loopBody(wake *signal.Signal, cycles *int) Body {
	return func(w *Worker) error {
		w.Ready()
		for {
			wake.Wait(time.Second)
			if w.ShuttingDown() {
				return nil
			}
			*cycles++
			wake.Clear()
		}
	}
}

func TestLifecycleCleanStop(t *testing.T) {
	t.Parallel()
	shutdown := signal.New("shutdown")
	wake := signal.New("wake")

	var mu sync.Mutex
	var states []State
	cycles := 0
	w := New("loop", shutdown, loopBody(wake, &cycles),
		WithWake(wake),
		WithStateHook(func(_ string, s State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}),
	)
	if w.State() != Created {
		t.Fatalf("expected created, got %s", w.State())
	}

	w.Start()
	if !w.RunningSignal().Wait(time.Second) {
		t.Fatalf("worker never became ready")
	}
	if w.State() != Running {
		t.Fatalf("expected running, got %s", w.State())
	}

	wake.Set()
	time.Sleep(20 * time.Millisecond)

	if err := w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !shutdown.IsSet() || !w.StoppedSignal().IsSet() {
		t.Fatalf("expected shutdown and stopped to be set")
	}
	if w.State() != Stopped {
		t.Fatalf("expected stopped, got %s", w.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Running, Stopping, Stopped}
	if len(states) != len(want) {
		t.Fatalf("transitions: got %v want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions: got %v want %v", states, want)
		}
	}
}

func TestBodyErrorIsCapturedAndBroadcast(t *testing.T) {
	t.Parallel()
	shutdown := signal.New("shutdown")
	boom := errors.New("storage is gone")
	w := New("failing", shutdown, func(w *Worker) error {
		w.Ready()
		return boom
	})
	w.Start()

	if !shutdown.Wait(time.Second) {
		t.Fatalf("a failing worker must set shutdown")
	}
	if err := w.Merge(); !errors.Is(err, boom) {
		t.Fatalf("Merge: got %v want %v", err, boom)
	}
	if w.State() != Failed {
		t.Fatalf("expected failed, got %s", w.State())
	}
	// idempotent
	if err := w.Merge(); !errors.Is(err, boom) {
		t.Fatalf("second Merge: got %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	w := New("panicky", signal.New("shutdown"), func(w *Worker) error {
		panic("nil map")
	})
	w.Start()
	err := w.Merge()
	if err == nil || !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("unexpected error: %v", err)
	}
	if !w.StoppedSignal().IsSet() {
		t.Fatalf("stopped must be set after a panic")
	}
}

func TestMergeTimesOutOnHungWorker(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	defer close(release)

	w := New("hung", signal.New("shutdown"), func(w *Worker) error {
		w.Ready()
		<-release
		return nil
	}, WithTimeouts(20*time.Millisecond, 20*time.Millisecond))
	w.Start()
	w.RunningSignal().Wait(time.Second)

	err := w.Merge()
	if !errors.Is(err, ErrMergeTimeout) {
		t.Fatalf("expected ErrMergeTimeout, got %v", err)
	}
	if !strings.Contains(err.Error(), "hung") {
		t.Fatalf("error should name the worker: %v", err)
	}
}

func TestMergeUnstarted(t *testing.T) {
	t.Parallel()
	shutdown := signal.New("shutdown")
	w := New("idle", shutdown, func(w *Worker) error { return nil })
	if err := w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if !shutdown.IsSet() {
		t.Fatalf("Merge must set shutdown even when not started")
	}
}
