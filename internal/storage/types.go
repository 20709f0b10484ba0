package storage

import (
	"errors"
	"fmt"
	"time"
)

// DefaultRecentHistory is the size of the recently-delivered list and the
// note count above which that list is used to filter deliveries.
const DefaultRecentHistory = 10

var ErrClosed = errors.New("storage closed")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
	// RecentHistory overrides DefaultRecentHistory when > 0.
	RecentHistory int
}

// Window names one of the two per-day delivery flags.
type Window int

const (
	WindowFirst Window = iota + 1
	WindowSecond
)

func (w Window) column() (string, error) {
	switch w {
	case WindowFirst:
		return "got_first", nil
	case WindowSecond:
		return "got_second", nil
	default:
		return "", fmt.Errorf("unknown window %d", int(w))
	}
}

// Recipient is a user as seen by the delivery code.
type Recipient struct {
	ID         int64
	ChatID     int64
	NotesTotal int
	GotFirst   bool
	GotSecond  bool
}

// Served reports whether the flag for w is already set.
func (r Recipient) Served(w Window) bool {
	switch w {
	case WindowFirst:
		return r.GotFirst
	case WindowSecond:
		return r.GotSecond
	default:
		return false
	}
}

type Note struct {
	Number  int
	Text    string
	AddedAt time.Time
}

// Error is a genuine storage failure. Callers treat it as fatal.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "storage: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// Codec encrypts note texts and chat ids at rest.
type Codec interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Hasher derives the lookup key stored instead of the chat id.
type Hasher interface {
	Hash(id string) string
}
