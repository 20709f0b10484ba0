// Package signal provides a named boolean flag that goroutines can block on.
//
// It is used for readiness handshakes, the process-wide shutdown broadcast
// and "work available" notifications between workers.
package signal

import (
	"context"
	"sync"
	"time"
)

type Signal struct {
	name string

	mu  sync.Mutex
	set bool
	// ch is closed while the flag is set and replaced on Clear.
	ch chan struct{}
}

func New(name string) *Signal {
	return &Signal{name: name, ch: make(chan struct{})}
}

func (s *Signal) Name() string { return s.name }

// Set raises the flag and releases every waiter. Setting a set flag is a no-op.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		return
	}
	s.set = true
	close(s.ch)
}

// Clear lowers the flag. Waiters that already returned are unaffected.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return
	}
	s.set = false
	s.ch = make(chan struct{})
}

func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel that is closed once the flag is set.
// After Clear a new channel is handed out.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the flag is set or timeout elapses, and reports whether
// the flag was set. A timeout <= 0 waits without bound.
func (s *Signal) Wait(timeout time.Duration) bool {
	ch := s.Done()
	if timeout <= 0 {
		<-ch
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return s.IsSet()
	}
}

// WaitContext is Wait bounded by ctx instead of a duration.
func (s *Signal) WaitContext(ctx context.Context) bool {
	select {
	case <-s.Done():
		return true
	case <-ctx.Done():
		return s.IsSet()
	}
}

// Context returns a context that is canceled when the flag is set or parent
// is done. Blocking calls that take a context use it to honor shutdown.
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := s.Done()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
