package app

import (
	"errors"
	"time"

	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	logx "luckybot/pkg/logx"
)

const DefaultStartupTimeout = 30 * time.Second

var (
	// ErrStartupTimeout is the cause when a worker did not report ready in time.
	ErrStartupTimeout = errors.New("startup timeout")
	// ErrStartupInterrupted is the cause when shutdown was requested before
	// every worker reported ready.
	ErrStartupInterrupted = errors.New("startup interrupted")
)

// StartupError reports the worker whose readiness was being awaited when
// startup was abandoned.
type StartupError struct {
	Worker string
	Err    error
}

func (e *StartupError) Error() string {
	return "startup failed at " + e.Worker + ": " + e.Err.Error()
}

func (e *StartupError) Unwrap() error { return e.Err }

// Orchestrator starts workers in order, waits for each one to be ready,
// then blocks until shutdown and reaps them in reverse order.
type Orchestrator struct {
	shutdown *signal.Signal
	allReady *signal.Signal
	allDone  *signal.Signal

	startupTimeout time.Duration
	workers        []*worker.Worker
	log            logx.Logger
}

func NewOrchestrator(shutdown *signal.Signal, startupTimeout time.Duration, log logx.Logger, workers ...*worker.Worker) *Orchestrator {
	if startupTimeout <= 0 {
		startupTimeout = DefaultStartupTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{
		shutdown:       shutdown,
		allReady:       signal.New("all_ready"),
		allDone:        signal.New("all_done"),
		startupTimeout: startupTimeout,
		workers:        workers,
		log:            log,
	}
}

func (o *Orchestrator) Shutdown() *signal.Signal { return o.shutdown }
func (o *Orchestrator) AllReady() *signal.Signal { return o.allReady }
func (o *Orchestrator) AllDone() *signal.Signal  { return o.allDone }

// Run returns after every started worker has been merged. The error is a
// *StartupError when startup did not complete, otherwise the first worker
// error in reverse start order.
func (o *Orchestrator) Run() error {
	defer o.allDone.Set()

	started := make([]*worker.Worker, 0, len(o.workers))
	for _, w := range o.workers {
		begin := time.Now()
		w.Start()
		started = append(started, w)
		if cause := o.awaitReady(w); cause != nil {
			return o.abort(started, w.Name(), cause)
		}
		o.log.Info("worker ready", logx.String("worker", w.Name()), logx.Duration("took", time.Since(begin)))
	}

	o.allReady.Set()
	o.log.Info("all workers ready", logx.Int("workers", len(started)))

	<-o.shutdown.Done()
	o.log.Info("shutting down")
	return o.mergeAll(started)
}

func (o *Orchestrator) awaitReady(w *worker.Worker) error {
	t := time.NewTimer(o.startupTimeout)
	defer t.Stop()
	select {
	case <-w.RunningSignal().Done():
		return nil
	case <-w.StoppedSignal().Done():
		if err := w.Err(); err != nil {
			return err
		}
		return ErrStartupInterrupted
	case <-o.shutdown.Done():
		return ErrStartupInterrupted
	case <-t.C:
		return ErrStartupTimeout
	}
}

func (o *Orchestrator) abort(started []*worker.Worker, name string, cause error) error {
	o.log.Error("startup failed", logx.String("worker", name), logx.Err(cause))
	o.shutdown.Set()
	_ = o.mergeAll(started)

	// A worker that failed on its own explains the abort better than a
	// sentinel does.
	if errors.Is(cause, ErrStartupTimeout) || errors.Is(cause, ErrStartupInterrupted) {
		for _, w := range started {
			if err := w.Err(); err != nil {
				cause = err
				break
			}
		}
	}
	return &StartupError{Worker: name, Err: cause}
}

func (o *Orchestrator) mergeAll(started []*worker.Worker) error {
	var first error
	for i := len(started) - 1; i >= 0; i-- {
		w := started[i]
		err := w.Merge()
		if err == nil {
			o.log.Debug("worker merged", logx.String("worker", w.Name()))
			continue
		}
		o.log.Warn("worker stopped with error", logx.String("worker", w.Name()), logx.Err(err))
		if first == nil {
			first = err
		}
	}
	return first
}
