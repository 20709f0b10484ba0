// Package controller drains the inbound queue. Internal directives are
// executed directly; everything else goes to the bot command handler.
package controller

import (
	"context"
	"errors"
	"time"

	"luckybot/internal/queue"
	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	logx "luckybot/pkg/logx"
)

// Inbox is the consuming side of the inbound queue.
type Inbox interface {
	DequeueFirst(ctx context.Context) (*queue.Message, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// Recipients is the data access needed by directives.
type Recipients interface {
	RemoveRecipient(ctx context.Context, chatID int64) (bool, error)
}

// Handler processes one domain payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

type HandlerFunc func(ctx context.Context, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) error { return f(ctx, payload) }

const DefaultWaitTimeout = 10 * time.Minute

type Option func(*Controller)

func WithLogger(log logx.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithWaitTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// WithCycleHook runs after every drain in the serve loop (tests).
func WithCycleHook(fn func()) Option {
	return func(c *Controller) { c.afterCycle = fn }
}

type Controller struct {
	in      Inbox
	users   Recipients
	handler Handler
	wake    *signal.Signal

	log         logx.Logger
	waitTimeout time.Duration
	afterCycle  func()
}

func New(in Inbox, users Recipients, handler Handler, wake *signal.Signal, opts ...Option) *Controller {
	c := &Controller{
		in:          in,
		users:       users,
		handler:     handler,
		wake:        wake,
		log:         logx.Nop(),
		waitTimeout: DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wake is the Signal producers set after enqueueing inbound messages.
func (c *Controller) Wake() *signal.Signal { return c.wake }

// Body is the worker loop. Messages left from a previous run are handled
// before the worker reports ready.
func (c *Controller) Body(w *worker.Worker) error {
	c.wake.Clear()
	if err := c.drain(w); err != nil {
		return err
	}
	w.Ready()

	for !w.ShuttingDown() {
		c.wake.Wait(c.waitTimeout)
		if w.ShuttingDown() {
			break
		}
		c.wake.Clear()
		if err := c.drain(w); err != nil {
			return err
		}
		if c.afterCycle != nil {
			c.afterCycle()
		}
	}
	return nil
}

func (c *Controller) drain(w *worker.Worker) error {
	ctx := context.Background()
	for !w.ShuttingDown() {
		msg, err := c.in.DequeueFirst(ctx)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}
		if err := c.process(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// process dispatches msg and deletes it unless the handler itself failed.
func (c *Controller) process(ctx context.Context, msg *queue.Message) error {
	err := c.dispatch(ctx, msg)
	var he *HandlerError
	if errors.As(err, &he) {
		c.log.Error("handler failed, message kept", logx.Int64("msg_id", msg.ID), logx.Err(err))
		return err
	}
	if _, derr := c.in.Delete(ctx, msg.ID); derr != nil {
		return derr
	}
	return err
}

func (c *Controller) dispatch(ctx context.Context, msg *queue.Message) error {
	switch cmd := ParseDirective(msg.Payload).(type) {
	case DeleteRecipient:
		removed, err := c.users.RemoveRecipient(ctx, cmd.ChatID)
		if err != nil {
			if IsPropagated(err) {
				return err
			}
			return &HandlerError{Err: err}
		}
		c.log.Info("recipient removed by directive", logx.Int64("msg_id", msg.ID), logx.Bool("existed", removed))
		return nil
	case Domain:
		err := c.handler.Handle(ctx, cmd.Payload)
		if err == nil || IsPropagated(err) {
			return err
		}
		return &HandlerError{Err: err}
	default:
		return &HandlerError{Err: errors.New("unknown command")}
	}
}
