package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "luckybot/pkg/logx"
)

// OpenDB opens a sqlite file tuned for a single writer. It is shared with
// the queue package so both use the same pragmas.
func OpenDB(path string, busy time.Duration) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; one connection also serializes
	// concurrent callers without application-level locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		_, _ = db.Exec("PRAGMA journal_mode = WAL")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	}
	return db, nil
}

// Open opens the store and creates the schema if needed.
func Open(ctx context.Context, cfg Config, codec Codec, hasher Hasher, log logx.Logger) (*SQLite, error) {
	if codec == nil || hasher == nil {
		return nil, errors.New("storage: codec and hasher are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	db, err := OpenDB(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, wrap("open", err)
	}
	recent := cfg.RecentHistory
	if recent <= 0 {
		recent = DefaultRecentHistory
	}
	st := &SQLite{db: db, codec: codec, hasher: hasher, log: log, recent: recent, now: time.Now}
	if err := st.SetUp(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
