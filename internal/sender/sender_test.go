package sender

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"luckybot/internal/queue"
	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	"luckybot/internal/secret"
)

type harness struct {
	out            *queue.Outbound
	in             *queue.Inbound
	api            *fakeAPI
	sleeps         *sleepRecorder
	shutdown       *signal.Signal
	wake           *signal.Signal
	controllerWake *signal.Signal
	cycles         chan struct{}
	w              *worker.Worker
}

func newHarness(t *testing.T, errs ...error) *harness {
	t.Helper()
	ctx := context.Background()
	codec, err := secret.New(secret.NewKey(), nil)
	if err != nil {
		t.Fatalf("secret.New: %v", err)
	}
	dir := t.TempDir()
	out, err := queue.OpenOutbound(ctx, queue.Config{Path: filepath.Join(dir, "omq.sqlite3")}, codec)
	if err != nil {
		t.Fatalf("OpenOutbound: %v", err)
	}
	in, err := queue.OpenInbound(ctx, queue.Config{Path: filepath.Join(dir, "imq.sqlite3")}, codec)
	if err != nil {
		t.Fatalf("OpenInbound: %v", err)
	}
	t.Cleanup(func() {
		_ = out.Close()
		_ = in.Close()
	})

	h := &harness{
		out:            out,
		in:             in,
		api:            &fakeAPI{errs: errs},
		shutdown:       signal.New("shutdown"),
		wake:           signal.New("sender.wake"),
		controllerWake: signal.New("controller.wake"),
		cycles:         make(chan struct{}, 8),
	}
	h.sleeps = &sleepRecorder{}
	disp := NewDispatcher(h.api, DispatcherConfig{}, WithSleeper(h.sleeps.Sleep))
	s := New(disp, out, in, h.wake, h.controllerWake,
		WithWaitTimeout(5*time.Second),
		WithCycleHook(func() { h.cycles <- struct{}{} }),
	)
	h.w = worker.New("sender", h.shutdown, s.Body, worker.WithWake(h.wake))
	return h
}

func (h *harness) enqueue(t *testing.T, dest, text string) {
	t.Helper()
	if _, err := h.out.Enqueue(context.Background(), dest, []byte(text), false, time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func (h *harness) count(t *testing.T, c interface {
	Count(context.Context) (int, error)
}) int {
	t.Helper()
	n, err := c.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func TestSenderNoAccessRequestsRemoval(t *testing.T) {
	h := newHarness(t, apiErr(400, "Bad Request: chat not found"))
	h.enqueue(t, "42", "hello")

	h.w.Start()
	if !h.w.RunningSignal().Wait(5 * time.Second) {
		t.Fatalf("sender not ready")
	}

	if n := h.count(t, h.out); n != 0 {
		t.Fatalf("outbound count = %d, want 0", n)
	}
	msg, err := h.in.DequeueFirst(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("inbound dequeue = %v, %v", msg, err)
	}
	if string(msg.Payload) != "/sender delete 42" {
		t.Fatalf("directive = %q", msg.Payload)
	}
	if n := h.count(t, h.in); n != 1 {
		t.Fatalf("inbound count = %d, want 1", n)
	}
	if !h.controllerWake.IsSet() {
		t.Fatalf("controller wake not set")
	}
	if err := h.w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestSenderDeliversOnWake(t *testing.T) {
	h := newHarness(t)
	h.w.Start()
	if !h.w.RunningSignal().Wait(5 * time.Second) {
		t.Fatalf("sender not ready")
	}

	h.enqueue(t, "7", "first")
	h.enqueue(t, "8", "second")
	h.wake.Set()

	select {
	case <-h.cycles:
	case <-time.After(5 * time.Second):
		t.Fatalf("no drain cycle")
	}
	if got := h.api.Calls(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if h.api.texts[0] != "first" || h.api.texts[1] != "second" {
		t.Fatalf("texts = %v", h.api.texts)
	}
	if n := h.count(t, h.out); n != 0 {
		t.Fatalf("outbound count = %d", n)
	}
	if err := h.w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if h.w.State() != worker.Stopped {
		t.Fatalf("state = %s", h.w.State())
	}
}

func TestSenderStopsGentlyOnWrongToken(t *testing.T) {
	h := newHarness(t, apiErr(401, "Unauthorized"))
	h.enqueue(t, "42", "x")
	h.enqueue(t, "43", "y")

	h.w.Start()
	if !h.w.StoppedSignal().Wait(5 * time.Second) {
		t.Fatalf("sender did not stop")
	}
	if err := h.w.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	if !h.shutdown.IsSet() {
		t.Fatalf("shutdown not set")
	}
	// The failing message is removed; the next one waits for a later run.
	if n := h.count(t, h.out); n != 1 {
		t.Fatalf("outbound count = %d, want 1", n)
	}
	if h.api.Calls() != 1 {
		t.Fatalf("calls = %d", h.api.Calls())
	}
}

func TestSenderStopsGentlyOnRateLimit(t *testing.T) {
	h := newHarness(t, apiErr(429, "Too Many Requests"))
	h.enqueue(t, "42", "x")

	h.w.Start()
	if !h.w.StoppedSignal().Wait(5 * time.Second) {
		t.Fatalf("sender did not stop")
	}
	if err := h.w.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}
	if !h.shutdown.IsSet() {
		t.Fatalf("shutdown not set")
	}
	if h.api.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", h.api.Calls())
	}
	h.sleeps.mu.Lock()
	sleeps := append([]time.Duration(nil), h.sleeps.sleeps...)
	h.sleeps.mu.Unlock()
	if len(sleeps) != 2 || sleeps[0] != 10*time.Second || sleeps[1] != 10*time.Second {
		t.Fatalf("sleeps = %v", sleeps)
	}
	if n := h.count(t, h.out); n != 0 {
		t.Fatalf("outbound count = %d, want 0", n)
	}
}

func TestSenderShutdownDuringSendKeepsMessage(t *testing.T) {
	h := newHarness(t)
	h.api.inflight = make(chan struct{}, 1)
	h.enqueue(t, "42", "long note")

	h.w.Start()
	select {
	case <-h.api.inflight:
	case <-time.After(5 * time.Second):
		t.Fatalf("send never started")
	}
	h.shutdown.Set()

	if err := h.w.Merge(); err != nil {
		t.Fatalf("Merge = %v, want nil", err)
	}
	if h.w.State() != worker.Stopped {
		t.Fatalf("state = %s", h.w.State())
	}
	if n := h.count(t, h.out); n != 1 {
		t.Fatalf("outbound count = %d, message must stay queued", n)
	}
}

func TestSenderDropsUndefinedExternal(t *testing.T) {
	h := newHarness(t, apiErr(400, "Bad Request: can't parse entities"))
	h.enqueue(t, "42", "*broken")

	h.w.Start()
	if !h.w.RunningSignal().Wait(5 * time.Second) {
		t.Fatalf("sender not ready")
	}
	if n := h.count(t, h.out); n != 0 {
		t.Fatalf("outbound count = %d, want 0", n)
	}
	if h.api.Calls() != 3 {
		t.Fatalf("calls = %d, want 3", h.api.Calls())
	}
	if h.shutdown.IsSet() {
		t.Fatalf("shutdown set on a dropped message")
	}
	if err := h.w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestSenderLocalFailureIsFatal(t *testing.T) {
	h := newHarness(t, errors.New("telebot: connection reset"))
	h.enqueue(t, "42", "x")

	h.w.Start()
	if !h.w.StoppedSignal().Wait(5 * time.Second) {
		t.Fatalf("sender did not stop")
	}
	err := h.w.Merge()
	var de *DispatchError
	if !errors.As(err, &de) || de.Outcome != DispatcherError {
		t.Fatalf("Merge = %v, want DispatchError", err)
	}
	if h.w.State() != worker.Failed {
		t.Fatalf("state = %s", h.w.State())
	}
	if n := h.count(t, h.out); n != 1 {
		t.Fatalf("outbound count = %d, message must stay queued", n)
	}
}
