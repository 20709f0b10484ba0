// Package worker runs a long-lived loop on its own goroutine with an explicit
// start/ready/stop handshake.
//
// Every worker owns a running and a stopped Signal and an error slot. The
// shutdown Signal is shared by all workers of a process and passed in.
package worker

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"luckybot/internal/runtime/signal"
	logx "luckybot/pkg/logx"
)

type State int32

const (
	Created State = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrMergeTimeout is returned by Merge when the worker goroutine does not exit in time.
var ErrMergeTimeout = errors.New("worker did not stop in time")

const (
	DefaultStopTimeout = 10 * time.Second
	DefaultJoinTimeout = 5 * time.Second
)

// Body is the worker loop. It must call w.Ready() after its one-time setup
// and before its first blocking wait, and return when w.ShuttingDown().
type Body func(w *Worker) error

type Option func(*Worker)

func WithLogger(log logx.Logger) Option {
	return func(w *Worker) { w.log = log }
}

// WithWake registers Signals the body may block on. Merge sets them so the
// body observes shutdown promptly.
func WithWake(sigs ...*signal.Signal) Option {
	return func(w *Worker) { w.wakes = append(w.wakes, sigs...) }
}

// WithTimeouts overrides the two Merge stages. Zero keeps the default.
func WithTimeouts(stop, join time.Duration) Option {
	return func(w *Worker) {
		if stop > 0 {
			w.stopTimeout = stop
		}
		if join > 0 {
			w.joinTimeout = join
		}
	}
}

// WithStateHook is called on every state transition (metrics).
func WithStateHook(fn func(name string, s State)) Option {
	return func(w *Worker) { w.hook = fn }
}

type Worker struct {
	name string
	body Body
	log  logx.Logger
	hook func(string, State)

	shutdown *signal.Signal
	running  *signal.Signal
	stopped  *signal.Signal
	wakes    []*signal.Signal

	stopTimeout time.Duration
	joinTimeout time.Duration

	state   atomic.Int32
	started atomic.Bool
	exited  chan struct{}

	errMu sync.Mutex
	err   error

	mergeOnce sync.Once
	mergeErr  error
}

func New(name string, shutdown *signal.Signal, body Body, opts ...Option) *Worker {
	if shutdown == nil {
		shutdown = signal.New("shutdown")
	}
	w := &Worker{
		name:        name,
		body:        body,
		log:         logx.Nop(),
		shutdown:    shutdown,
		running:     signal.New(name + ".running"),
		stopped:     signal.New(name + ".stopped"),
		stopTimeout: DefaultStopTimeout,
		joinTimeout: DefaultJoinTimeout,
		exited:      make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Worker) Name() string                  { return w.name }
func (w *Worker) Log() logx.Logger              { return w.log }
func (w *Worker) Shutdown() *signal.Signal      { return w.shutdown }
func (w *Worker) RunningSignal() *signal.Signal { return w.running }
func (w *Worker) StoppedSignal() *signal.Signal { return w.stopped }
func (w *Worker) State() State                  { return State(w.state.Load()) }

// ShuttingDown reports whether the shared shutdown Signal is set.
func (w *Worker) ShuttingDown() bool { return w.shutdown.IsSet() }

func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	if w.hook != nil {
		w.hook(w.name, s)
	}
}

func (w *Worker) transition(from, to State) {
	if w.state.CompareAndSwap(int32(from), int32(to)) && w.hook != nil {
		w.hook(w.name, to)
	}
}

// Ready marks the end of one-time setup.
func (w *Worker) Ready() {
	w.transition(Created, Running)
	w.running.Set()
	w.log.Debug("worker ready")
}

// Start launches the body once. Later calls are no-ops.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

func (w *Worker) run() {
	defer close(w.exited)
	defer w.stopped.Set()

	err := w.call()
	if err != nil {
		w.errMu.Lock()
		w.err = err
		w.errMu.Unlock()
		w.setState(Failed)
		w.log.Error("worker failed", logx.Err(err))
		// Siblings unwind on the shared shutdown.
		w.shutdown.Set()
		return
	}
	w.setState(Stopped)
	w.log.Debug("worker stopped")
}

func (w *Worker) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			w.log.Error("worker panicked", logx.Any("panic", r), logx.Stack(stack))
			err = fmt.Errorf("%s: panic: %v", w.name, r)
		}
	}()
	return w.body(w)
}

// Merge stops the worker and reaps it: it sets shutdown and every wake
// Signal, waits for the stopped Signal, then for the goroutine to exit.
// It returns the captured error, ErrMergeTimeout if the goroutine is still
// alive, or nil. Merge is idempotent.
func (w *Worker) Merge() error {
	w.mergeOnce.Do(func() { w.mergeErr = w.merge() })
	return w.mergeErr
}

func (w *Worker) merge() error {
	started := w.started.Load()
	if started {
		w.transition(Running, Stopping)
		w.transition(Created, Stopping)
	}
	w.shutdown.Set()
	for _, s := range w.wakes {
		s.Set()
	}
	if !started {
		return nil
	}

	w.stopped.Wait(w.stopTimeout)

	t := time.NewTimer(w.joinTimeout)
	defer t.Stop()
	select {
	case <-w.exited:
	case <-t.C:
		if err := w.Err(); err != nil {
			return err
		}
		return fmt.Errorf("%s: %w", w.name, ErrMergeTimeout)
	}
	return w.Err()
}
