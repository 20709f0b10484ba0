package controller

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"luckybot/internal/queue"
	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	"luckybot/internal/secret"
	"luckybot/internal/storage"
)

type fakeRecipients struct {
	mu      sync.Mutex
	removed []int64
	err     error
}

func (f *fakeRecipients) RemoveRecipient(_ context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.removed = append(f.removed, chatID)
	return true, nil
}

type fakeHandler struct {
	mu       sync.Mutex
	payloads []string
	err      error
}

func (f *fakeHandler) Handle(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, string(payload))
	return f.err
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func openInbox(t *testing.T) *queue.Inbound {
	t.Helper()
	codec, err := secret.New(secret.NewKey(), nil)
	if err != nil {
		t.Fatalf("secret.New: %v", err)
	}
	in, err := queue.OpenInbound(context.Background(), queue.Config{Path: filepath.Join(t.TempDir(), "imq.sqlite3")}, codec)
	if err != nil {
		t.Fatalf("OpenInbound: %v", err)
	}
	t.Cleanup(func() { _ = in.Close() })
	return in
}

func enqueue(t *testing.T, in *queue.Inbound, payload string) {
	t.Helper()
	if _, err := in.Enqueue(context.Background(), []byte(payload), time.Time{}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func queued(t *testing.T, in *queue.Inbound) int {
	t.Helper()
	n, err := in.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	return n
}

func newWorker(in *queue.Inbound, users Recipients, h Handler, wake *signal.Signal, opts ...Option) *worker.Worker {
	c := New(in, users, h, wake, append([]Option{WithWaitTimeout(5 * time.Second)}, opts...)...)
	return worker.New("controller", signal.New("shutdown"), c.Body, worker.WithWake(wake))
}

func TestControllerDrainsDirectiveAndDomainBeforeReady(t *testing.T) {
	in := openInbox(t)
	enqueue(t, in, "/sender delete 42")
	enqueue(t, in, `{"update_id":1,"message":{"message_id":1,"date":1,"chat":{"id":42,"type":"private"},"text":"/ping"}}`)

	users := &fakeRecipients{}
	h := &fakeHandler{}
	w := newWorker(in, users, h, signal.New("controller.wake"))
	w.Start()
	if !w.RunningSignal().Wait(5 * time.Second) {
		t.Fatalf("controller not ready")
	}

	if len(users.removed) != 1 || users.removed[0] != 42 {
		t.Fatalf("removed = %v, want [42]", users.removed)
	}
	if h.count() != 1 {
		t.Fatalf("handler calls = %d, want 1", h.count())
	}
	if n := queued(t, in); n != 0 {
		t.Fatalf("inbound count = %d, want 0", n)
	}
	if err := w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestControllerHandlesOnWake(t *testing.T) {
	in := openInbox(t)
	wake := signal.New("controller.wake")
	cycles := make(chan struct{}, 4)
	h := &fakeHandler{}
	w := newWorker(in, &fakeRecipients{}, h, wake, WithCycleHook(func() { cycles <- struct{}{} }))
	w.Start()
	if !w.RunningSignal().Wait(5 * time.Second) {
		t.Fatalf("controller not ready")
	}

	enqueue(t, in, "a")
	enqueue(t, in, "b")
	wake.Set()
	select {
	case <-cycles:
	case <-time.After(5 * time.Second):
		t.Fatalf("no drain cycle")
	}
	h.mu.Lock()
	got := append([]string(nil), h.payloads...)
	h.mu.Unlock()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("payloads = %v", got)
	}
	if err := w.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}
}

func TestControllerHandlerErrorKeepsMessage(t *testing.T) {
	in := openInbox(t)
	enqueue(t, in, "boom")
	h := &fakeHandler{err: errors.New("handler bug")}
	w := newWorker(in, &fakeRecipients{}, h, signal.New("controller.wake"))
	w.Start()
	if !w.StoppedSignal().Wait(5 * time.Second) {
		t.Fatalf("controller did not stop")
	}

	var he *HandlerError
	if err := w.Merge(); !errors.As(err, &he) {
		t.Fatalf("Merge = %v, want HandlerError", err)
	}
	if !w.Shutdown().IsSet() {
		t.Fatalf("shutdown not set")
	}
	if n := queued(t, in); n != 1 {
		t.Fatalf("inbound count = %d, want 1", n)
	}
}

func TestControllerPropagatedErrorDeletesMessage(t *testing.T) {
	in := openInbox(t)
	enqueue(t, in, "/sender delete 9")
	users := &fakeRecipients{err: &storage.Error{Op: "remove_recipient", Err: errors.New("disk I/O error")}}
	w := newWorker(in, users, &fakeHandler{}, signal.New("controller.wake"))
	w.Start()
	if !w.StoppedSignal().Wait(5 * time.Second) {
		t.Fatalf("controller did not stop")
	}

	err := w.Merge()
	var se *storage.Error
	if !errors.As(err, &se) {
		t.Fatalf("Merge = %v, want storage.Error", err)
	}
	var he *HandlerError
	if errors.As(err, &he) {
		t.Fatalf("storage error was wrapped: %v", err)
	}
	if n := queued(t, in); n != 0 {
		t.Fatalf("inbound count = %d, want 0", n)
	}
}

func TestIsPropagated(t *testing.T) {
	if !IsPropagated(&queue.Error{Queue: "inbound", Op: "enqueue", Err: errors.New("x")}) {
		t.Fatalf("queue error not propagated")
	}
	if !IsPropagated(&storage.Error{Op: "x", Err: errors.New("x")}) {
		t.Fatalf("storage error not propagated")
	}
	if IsPropagated(errors.New("plain")) {
		t.Fatalf("plain error propagated")
	}
}
