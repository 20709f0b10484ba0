// Package updater delivers one random note per recipient in each of the two
// daily windows.
package updater

import (
	"context"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	"luckybot/internal/storage"
	logx "luckybot/pkg/logx"
)

// ErrNoEligibleContent means every note of a recipient is in its recent
// history. The recipient is skipped for the window.
var ErrNoEligibleContent = errors.New("no eligible content")

// Store is the data access used by a pass.
type Store interface {
	ClearAllFlags(ctx context.Context) error
	ListRecipientsWithContent(ctx context.Context) ([]storage.Recipient, error)
	GetContentFor(ctx context.Context, r storage.Recipient) ([]storage.Note, error)
	PushRecentHistory(ctx context.Context, userID int64, number int) (bool, error)
	SetWindowFlag(ctx context.Context, userID int64, w storage.Window) (bool, error)
}

type Outbox interface {
	Enqueue(ctx context.Context, destination string, text []byte, rich bool, at time.Time) (int64, error)
}

type Recorder interface {
	Delivered(window string)
}

// DefaultWaitTimeout exceeds the longest gap between boundaries (midnight
// is always one), so passes follow the window schedule and the cap only
// fires if a wake is lost.
const DefaultWaitTimeout = 25 * time.Hour

type Option func(*Updater)

func WithLogger(log logx.Logger) Option {
	return func(u *Updater) { u.log = log }
}

func WithRecorder(r Recorder) Option {
	return func(u *Updater) { u.rec = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// WithRand replaces the note picker; it must return a value in [0, n).
func WithRand(intN func(n int) int) Option {
	return func(u *Updater) { u.intN = intN }
}

// WithWaitTimeout caps each sleep between passes.
func WithWaitTimeout(d time.Duration) Option {
	return func(u *Updater) {
		if d > 0 {
			u.waitTimeout = d
		}
	}
}

// WithCycleHook runs after every pass in the serve loop (tests).
func WithCycleHook(fn func()) Option {
	return func(u *Updater) { u.afterCycle = fn }
}

type Updater struct {
	windows    *Windows
	store      Store
	out        Outbox
	wake       *signal.Signal
	senderWake *signal.Signal

	log         logx.Logger
	rec         Recorder
	now         func() time.Time
	intN        func(int) int
	waitTimeout time.Duration
	afterCycle  func()
}

func New(windows *Windows, store Store, out Outbox, wake, senderWake *signal.Signal, opts ...Option) *Updater {
	u := &Updater{
		windows:     windows,
		store:       store,
		out:         out,
		wake:        wake,
		senderWake:  senderWake,
		log:         logx.Nop(),
		now:         time.Now,
		intN:        rand.IntN,
		waitTimeout: DefaultWaitTimeout,
	}
	for _, o := range opts {
		o(u)
	}
	return u
}

// Run performs one pass for the window now falls into and returns how
// many notes were queued. Before the first window it only clears flags.
func (u *Updater) Run(ctx context.Context, now time.Time) (int, error) {
	win := u.windows.Current(now)
	if win == BeforeFirst {
		return 0, u.store.ClearAllFlags(ctx)
	}

	users, err := u.store.ListRecipientsWithContent(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range users {
		if r.Served(win.flag()) {
			continue
		}
		err := u.deliver(ctx, r, win)
		if errors.Is(err, ErrNoEligibleContent) {
			u.log.Warn("recipient has no eligible notes", logx.Int64("user_id", r.ID))
			continue
		}
		if err != nil {
			return sent, err
		}
		sent++
		if u.rec != nil {
			u.rec.Delivered(win.String())
		}
	}
	if sent > 0 {
		if u.senderWake != nil {
			u.senderWake.Set()
		}
		u.log.Info("notes queued", logx.String("window", win.String()), logx.Int("count", sent))
	}
	return sent, nil
}

func (u *Updater) deliver(ctx context.Context, r storage.Recipient, win Window) error {
	notes, err := u.store.GetContentFor(ctx, r)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		return ErrNoEligibleContent
	}
	note := notes[u.intN(len(notes))]
	if _, err := u.out.Enqueue(ctx, strconv.FormatInt(r.ChatID, 10), []byte(note.Text), false, time.Time{}); err != nil {
		return err
	}
	if _, err := u.store.PushRecentHistory(ctx, r.ID, note.Number); err != nil {
		return err
	}
	_, err = u.store.SetWindowFlag(ctx, r.ID, win.flag())
	return err
}

func (u *Updater) nextWait(now time.Time) time.Duration {
	return min(u.windows.Wait(now), u.waitTimeout)
}

// Body is the worker loop: a pass, then sleep until the next boundary.
func (u *Updater) Body(w *worker.Worker) error {
	ctx := context.Background()
	if _, err := u.Run(ctx, u.now()); err != nil {
		return err
	}
	w.Ready()

	for !w.ShuttingDown() {
		d := u.nextWait(u.now())
		u.log.Debug("next pass", logx.Duration("in", d))
		u.wake.Wait(d)
		if w.ShuttingDown() {
			break
		}
		u.wake.Clear()
		if _, err := u.Run(ctx, u.now()); err != nil {
			return err
		}
		if u.afterCycle != nil {
			u.afterCycle()
		}
	}
	return nil
}
