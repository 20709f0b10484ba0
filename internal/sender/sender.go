package sender

import (
	"context"
	"errors"
	"time"

	"luckybot/internal/controller"
	"luckybot/internal/queue"
	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	logx "luckybot/pkg/logx"
)

// Outbox is the consuming side of the outbound queue.
type Outbox interface {
	DequeueFirst(ctx context.Context) (*queue.Message, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// Inbox accepts compensating directives for the controller.
type Inbox interface {
	Enqueue(ctx context.Context, payload []byte, at time.Time) (int64, error)
}

type Recorder interface {
	Dispatched(outcome string, attempts int)
}

const DefaultWaitTimeout = 10 * time.Minute

var errStopGently = errors.New("sender stopped by api outcome")

type Option func(*Sender)

func WithLogger(log logx.Logger) Option {
	return func(s *Sender) { s.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(s *Sender) { s.rec = r }
}

// WithWaitTimeout bounds each idle wait on the wake Signal.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Sender) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithCycleHook runs after every drain in the serve loop (tests).
func WithCycleHook(fn func()) Option {
	return func(s *Sender) { s.afterCycle = fn }
}

// Sender drains the outbound queue through a Dispatcher.
//
// A message is deleted only after its outcome was handled; a fatal
// dispatch error leaves it queued for the next run.
type Sender struct {
	disp *Dispatcher
	out  Outbox
	in   Inbox

	wake           *signal.Signal
	controllerWake *signal.Signal

	log         logx.Logger
	rec         Recorder
	waitTimeout time.Duration
	afterCycle  func()
}

func New(disp *Dispatcher, out Outbox, in Inbox, wake, controllerWake *signal.Signal, opts ...Option) *Sender {
	s := &Sender{
		disp:           disp,
		out:            out,
		in:             in,
		wake:           wake,
		controllerWake: controllerWake,
		log:            logx.Nop(),
		waitTimeout:    DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wake is the Signal producers set after enqueueing outbound messages.
func (s *Sender) Wake() *signal.Signal { return s.wake }

// Body is the worker loop.
func (s *Sender) Body(w *worker.Worker) error {
	// Sends, pacing and backoff observe shutdown; queue work does not.
	sendCtx, cancel := w.Shutdown().Context(context.Background())
	defer cancel()

	s.wake.Clear()
	if err := s.drain(sendCtx, w); err != nil {
		return s.stop(w, err)
	}
	w.Ready()

	for !w.ShuttingDown() {
		s.wake.Wait(s.waitTimeout)
		if w.ShuttingDown() {
			break
		}
		s.wake.Clear()
		if err := s.drain(sendCtx, w); err != nil {
			return s.stop(w, err)
		}
		if s.afterCycle != nil {
			s.afterCycle()
		}
	}
	return nil
}

func (s *Sender) stop(w *worker.Worker, err error) error {
	if errors.Is(err, errStopGently) {
		w.Shutdown().Set()
		return nil
	}
	return err
}

func (s *Sender) drain(ctx context.Context, w *worker.Worker) error {
	for !w.ShuttingDown() {
		msg, err := s.out.DequeueFirst(context.Background())
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// deliver handles one message. It returns errStopGently for operator
// actionable outcomes and the dispatch error for fatal ones.
func (s *Sender) deliver(ctx context.Context, msg *queue.Message) error {
	res := s.disp.Send(ctx, msg.Destination, string(msg.Payload), msg.RichFormat)
	log := s.log.With(logx.Int64("msg_id", msg.ID), logx.Int("attempts", res.Attempts))

	if res.Interrupted {
		log.Info("delivery interrupted by shutdown, message kept")
		return nil
	}
	if s.rec != nil {
		s.rec.Dispatched(res.Outcome.String(), res.Attempts)
	}

	var stop error
	switch res.Outcome {
	case OK:
	case WrongCredential:
		log.Error("stopping the service: bot token rejected", logx.Err(res.Err))
		stop = errStopGently
	case Timeout:
		log.Warn("stopping the service: rate limit persists", logx.Err(res.Err))
		stop = errStopGently
	case UndefinedExternal:
		log.Warn("dropping undeliverable message; remove the recipient manually if this repeats", logx.Err(res.Err))
	case NoAccess:
		if _, err := s.in.Enqueue(context.Background(), controller.DeleteDirective(msg.Destination), time.Time{}); err != nil {
			return err
		}
		s.controllerWake.Set()
		log.Info("recipient unreachable, removal requested")
	default:
		log.Error("stopping the sender: dispatch failed", logx.Err(res.Err))
		return res.AsError()
	}

	if _, err := s.out.Delete(context.Background(), msg.ID); err != nil {
		return err
	}
	return stop
}
