// Package queue implements the durable FIFO mailboxes between workers.
//
// Both queues share one sqlite-backed table implementation; the outbound
// variant adds an encrypted destination and a rich-format flag. Payloads are
// encrypted before they are written and decrypted on read.
//
// Delivery is at-least-once: DequeueFirst does not remove anything, the
// consumer deletes a message only after its side effect is done.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"luckybot/internal/storage"
	logx "luckybot/pkg/logx"
)

// Codec is the encryption capability applied to payloads and destinations.
type Codec interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Observer receives counters for metrics.
type Observer interface {
	Enqueued(queue string)
	Deleted(queue string)
}

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// Message is one queued entry. Destination and RichFormat are only used by
// the outbound queue.
type Message struct {
	ID          int64
	Payload     []byte
	EnqueuedAt  int64
	Destination string
	RichFormat  bool
}

// Error is a storage or crypto failure inside a queue.
type Error struct {
	Queue string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("queue %s: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Option func(*table)

func WithLogger(log logx.Logger) Option {
	return func(t *table) { t.log = log }
}

func WithObserver(o Observer) Option {
	return func(t *table) { t.obs = o }
}

// WithClock replaces time.Now for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *table) { t.now = now }
}

type table struct {
	db       *sql.DB
	name     string
	outbound bool
	codec    Codec
	log      logx.Logger
	obs      Observer
	now      func() time.Time
}

func open(ctx context.Context, name string, outbound bool, cfg Config, codec Codec, opts []Option) (*table, error) {
	if codec == nil {
		return nil, &Error{Queue: name, Op: "open", Err: errors.New("codec is required")}
	}
	db, err := storage.OpenDB(cfg.Path, cfg.BusyTimeout)
	if err != nil {
		return nil, &Error{Queue: name, Op: "open", Err: err}
	}
	t := &table{db: db, name: name, outbound: outbound, codec: codec, log: logx.Nop(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	if err := t.SetUp(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func (t *table) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Queue: t.name, Op: op, Err: err}
}

// Name is the table name ("inbound" or "outbound").
func (t *table) Name() string { return t.name }

// SetUp creates the table if missing. It never drops data.
func (t *table) SetUp(ctx context.Context) error {
	extra := ""
	if t.outbound {
		extra = `,
		destination BLOB NOT NULL,
		rich_format INTEGER NOT NULL DEFAULT 0`
	}
	_, err := t.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+t.name+` (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		payload     BLOB    NOT NULL,
		enqueued_at INTEGER NOT NULL`+extra+`
	);
	CREATE INDEX IF NOT EXISTS idx_`+t.name+`_order ON `+t.name+`(enqueued_at, id);`)
	return t.fail("set_up", err)
}

// TearDown drops the table. It is a no-op when the table is already gone.
func (t *table) TearDown(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `DROP TABLE IF EXISTS `+t.name)
	return t.fail("tear_down", err)
}

func (t *table) Close() error { return t.db.Close() }

func (t *table) insert(ctx context.Context, payload []byte, at time.Time, dest string, rich bool) (int64, error) {
	if at.IsZero() {
		at = t.now()
	}
	enc, err := t.codec.Encrypt(payload)
	if err != nil {
		return 0, t.fail("enqueue", err)
	}

	var res sql.Result
	if t.outbound {
		encDest, err := t.codec.Encrypt([]byte(dest))
		if err != nil {
			return 0, t.fail("enqueue", err)
		}
		res, err = t.db.ExecContext(ctx,
			`INSERT INTO `+t.name+`(payload, enqueued_at, destination, rich_format) VALUES(?, ?, ?, ?)`,
			enc, at.Unix(), encDest, rich)
		if err != nil {
			return 0, t.fail("enqueue", err)
		}
	} else {
		res, err = t.db.ExecContext(ctx,
			`INSERT INTO `+t.name+`(payload, enqueued_at) VALUES(?, ?)`, enc, at.Unix())
		if err != nil {
			return 0, t.fail("enqueue", err)
		}
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, t.fail("enqueue", err)
	}
	if t.obs != nil {
		t.obs.Enqueued(t.name)
	}
	t.log.Debug("message enqueued", logx.Int64("id", id))
	return id, nil
}

// DequeueFirst returns the earliest message by (enqueued_at, id) without
// removing it, or nil when the queue is empty.
func (t *table) DequeueFirst(ctx context.Context) (*Message, error) {
	cols := `id, payload, enqueued_at`
	if t.outbound {
		cols += `, destination, rich_format`
	}
	row := t.db.QueryRowContext(ctx, `SELECT `+cols+` FROM `+t.name+` ORDER BY enqueued_at, id LIMIT 1`)

	var (
		m        Message
		enc      []byte
		encDest  []byte
		scanArgs = []any{&m.ID, &enc, &m.EnqueuedAt}
	)
	if t.outbound {
		scanArgs = append(scanArgs, &encDest, &m.RichFormat)
	}
	err := row.Scan(scanArgs...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, t.fail("dequeue", err)
	}

	if m.Payload, err = t.codec.Decrypt(enc); err != nil {
		return nil, t.fail("dequeue", fmt.Errorf("message %d: %w", m.ID, err))
	}
	if t.outbound {
		dest, err := t.codec.Decrypt(encDest)
		if err != nil {
			return nil, t.fail("dequeue", fmt.Errorf("message %d destination: %w", m.ID, err))
		}
		m.Destination = string(dest)
	}
	return &m, nil
}

// Delete removes a message. It returns false if the id no longer exists.
func (t *table) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := t.db.ExecContext(ctx, `DELETE FROM `+t.name+` WHERE id = ?`, id)
	if err != nil {
		return false, t.fail("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, t.fail("delete", err)
	}
	if n == 1 && t.obs != nil {
		t.obs.Deleted(t.name)
	}
	return n == 1, nil
}

// Count returns the number of queued messages.
func (t *table) Count(ctx context.Context) (int, error) {
	var n int
	err := t.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+t.name).Scan(&n)
	return n, t.fail("count", err)
}

// Inbound holds raw events from ingestion and internal directives.
type Inbound struct{ *table }

func OpenInbound(ctx context.Context, cfg Config, codec Codec, opts ...Option) (*Inbound, error) {
	t, err := open(ctx, "inbound", false, cfg, codec, opts)
	if err != nil {
		return nil, err
	}
	return &Inbound{t}, nil
}

// Enqueue stores payload. A zero at means now.
func (q *Inbound) Enqueue(ctx context.Context, payload []byte, at time.Time) (int64, error) {
	return q.insert(ctx, payload, at, "", false)
}

// Outbound holds messages waiting to be sent.
type Outbound struct{ *table }

func OpenOutbound(ctx context.Context, cfg Config, codec Codec, opts ...Option) (*Outbound, error) {
	t, err := open(ctx, "outbound", true, cfg, codec, opts)
	if err != nil {
		return nil, err
	}
	return &Outbound{t}, nil
}

// Enqueue stores text for destination. A zero at means now.
func (q *Outbound) Enqueue(ctx context.Context, destination string, text []byte, rich bool, at time.Time) (int64, error) {
	return q.insert(ctx, text, at, destination, rich)
}
