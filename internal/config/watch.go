package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "luckybot/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
)

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

var errWatcherBroken = errors.New("config watcher broken")

// Watch reloads the config on file changes until ctx is done.
//
// The parent directory is watched rather than the file so editors that
// replace the file on save are seen. A watcher that closes its channels is
// recreated after a jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir))

	reload := newDebouncer(reloadDebounce, func() { m.reload(ctx) })
	defer reload.stop()

	backoff := watchBackoffBase
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, reload.trigger)
		if err == nil {
			return nil
		}
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, watchBackoffMax)
		log.Warn("config watcher restarting", logx.Err(err), logx.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
	return nil
}

// watchOnce runs one fsnotify watcher. It returns nil when ctx is done.
func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, changed func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("file", file))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherBroken
			}
			if strings.EqualFold(filepath.Base(ev.Name), file) && ev.Op&reloadOps != 0 {
				changed()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherBroken
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// events were lost; the file may have changed
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				changed()
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

// reload publishes the file if it parses, differs from the committed
// config, and passes the validator.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	if m.same(cfg) {
		m.log.Debug("config unchanged")
		return
	}
	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Info("config published", logx.String("path", m.path))
}

// debouncer collapses bursts of triggers (editors write several events per
// save) into one call after a quiet period.
type debouncer struct {
	mu    sync.Mutex
	timer *time.Timer
	delay time.Duration
	fn    func()
}

func newDebouncer(delay time.Duration, fn func()) *debouncer {
	return &debouncer{delay: delay, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		d.timer = time.AfterFunc(d.delay, d.fn)
		return
	}
	d.timer.Reset(d.delay)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
