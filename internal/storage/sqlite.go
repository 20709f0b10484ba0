package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	logx "luckybot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type SQLite struct {
	db     *sql.DB
	codec  Codec
	hasher Hasher
	log    logx.Logger
	recent int
	now    func() time.Time
}

// RecentHistory is the configured history capacity and filter threshold.
func (s *SQLite) RecentHistory() int { return s.recent }

// SetUp creates the schema. It is idempotent and never drops data.
func (s *SQLite) SetUp(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return wrap("set_up", err)
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return wrap("set_up", err)
}

// TearDown drops every table. Tests only.
func (s *SQLite) TearDown(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DROP TABLE IF EXISTS last_notes; DROP TABLE IF EXISTS notes; DROP TABLE IF EXISTS users;`)
	return wrap("tear_down", err)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) hash(chatID int64) string {
	return s.hasher.Hash(strconv.FormatInt(chatID, 10))
}

func (s *SQLite) encryptChat(chatID int64) ([]byte, error) {
	return s.codec.Encrypt([]byte(strconv.FormatInt(chatID, 10)))
}

func (s *SQLite) decryptChat(b []byte) (int64, error) {
	p, err := s.codec.Decrypt(b)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(p), 10, 64)
}

// ---- users ----

// AddRecipient inserts a user. It returns false if the user already exists.
func (s *SQLite) AddRecipient(ctx context.Context, chatID int64) (bool, error) {
	enc, err := s.encryptChat(chatID)
	if err != nil {
		return false, wrap("add_recipient", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_hash, chat_id) VALUES(?, ?) ON CONFLICT(tg_hash) DO NOTHING`,
		s.hash(chatID), enc,
	)
	if err != nil {
		return false, wrap("add_recipient", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrap("add_recipient", err)
	}
	return n == 1, nil
}

// RemoveRecipient deletes a user with all notes and history.
// It returns false if the user does not exist.
func (s *SQLite) RemoveRecipient(ctx context.Context, chatID int64) (bool, error) {
	var removed bool
	err := s.tx(ctx, "remove_recipient", func(tx *sql.Tx) error {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE tg_hash = ?`, s.hash(chatID)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM last_notes WHERE user_id = ?`,
			`DELETE FROM notes WHERE user_id = ?`,
			`DELETE FROM users WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		removed = true
		return nil
	})
	return removed, err
}

// GetRecipient returns nil if the user does not exist.
func (s *SQLite) GetRecipient(ctx context.Context, chatID int64) (*Recipient, error) {
	rows, err := s.db.QueryContext(ctx, selectUsers+` WHERE tg_hash = ?`, s.hash(chatID))
	if err != nil {
		return nil, wrap("get_recipient", err)
	}
	list, err := s.scanRecipients(rows)
	if err != nil {
		return nil, wrap("get_recipient", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

// ListRecipientsWithContent returns every user that has at least one note.
func (s *SQLite) ListRecipientsWithContent(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, selectUsers+` WHERE notes_total > 0 ORDER BY id`)
	if err != nil {
		return nil, wrap("list_recipients", err)
	}
	list, err := s.scanRecipients(rows)
	return list, wrap("list_recipients", err)
}

// ListAllRecipients returns every user (admin broadcast).
func (s *SQLite) ListAllRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := s.db.QueryContext(ctx, selectUsers+` ORDER BY id`)
	if err != nil {
		return nil, wrap("list_all_recipients", err)
	}
	list, err := s.scanRecipients(rows)
	return list, wrap("list_all_recipients", err)
}

func (s *SQLite) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, wrap("count_users", err)
}

const selectUsers = `SELECT id, chat_id, notes_total, got_first, got_second FROM users`

func (s *SQLite) scanRecipients(rows *sql.Rows) ([]Recipient, error) {
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var (
			r   Recipient
			enc []byte
		)
		if err := rows.Scan(&r.ID, &enc, &r.NotesTotal, &r.GotFirst, &r.GotSecond); err != nil {
			return nil, err
		}
		chatID, err := s.decryptChat(enc)
		if err != nil {
			return nil, fmt.Errorf("user %d: %w", r.ID, err)
		}
		r.ChatID = chatID
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- delivery flags and history ----

// SetWindowFlag marks the user as served for w. It returns false if the
// user does not exist.
func (s *SQLite) SetWindowFlag(ctx context.Context, userID int64, w Window) (bool, error) {
	col, err := w.column()
	if err != nil {
		return false, wrap("set_window_flag", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET `+col+` = 1 WHERE id = ?`, userID)
	if err != nil {
		return false, wrap("set_window_flag", err)
	}
	n, err := res.RowsAffected()
	return n == 1, wrap("set_window_flag", err)
}

// ClearAllFlags resets both window flags. Rows already cleared are not touched.
func (s *SQLite) ClearAllFlags(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET got_first = 0, got_second = 0 WHERE got_first != 0 OR got_second != 0`)
	return wrap("clear_all_flags", err)
}

// PushRecentHistory records a delivered note number, evicting the oldest
// entries beyond capacity. Users with no more notes than the capacity keep
// no history, since nothing is filtered for them. It returns false if the
// user does not exist.
func (s *SQLite) PushRecentHistory(ctx context.Context, userID int64, number int) (bool, error) {
	ok := false
	err := s.tx(ctx, "push_recent_history", func(tx *sql.Tx) error {
		var total int
		err := tx.QueryRowContext(ctx, `SELECT notes_total FROM users WHERE id = ?`, userID).Scan(&total)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		if total <= s.recent {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO last_notes(user_id, number, added_at) VALUES(?, ?, ?)`,
			userID, number, s.now().Unix(),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM last_notes WHERE user_id = ? AND id NOT IN (
				SELECT id FROM last_notes WHERE user_id = ? ORDER BY id DESC LIMIT ?)`,
			userID, userID, s.recent,
		)
		return err
	})
	return ok, err
}

// RecentNumbers returns the user's recently delivered note numbers, oldest first.
func (s *SQLite) RecentNumbers(ctx context.Context, userID int64) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT number FROM last_notes WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, wrap("recent_numbers", err)
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, wrap("recent_numbers", err)
		}
		out = append(out, n)
	}
	return out, wrap("recent_numbers", rows.Err())
}

// GetContentFor returns the notes eligible for delivery: all of them when
// the user has no more than the history capacity, otherwise the notes not
// in the recent history.
func (s *SQLite) GetContentFor(ctx context.Context, r Recipient) ([]Note, error) {
	q := `SELECT number, text, added_at FROM notes WHERE user_id = ?`
	args := []any{r.ID}
	if r.NotesTotal > s.recent {
		q += ` AND number NOT IN (SELECT number FROM last_notes WHERE user_id = ?)`
		args = append(args, r.ID)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY number`, args...)
	if err != nil {
		return nil, wrap("get_content_for", err)
	}
	notes, err := s.scanNotes(rows)
	return notes, wrap("get_content_for", err)
}

// ---- notes ----

// AddNote stores a note and returns its per-user number. The user is created
// if missing.
func (s *SQLite) AddNote(ctx context.Context, chatID int64, text string) (int, error) {
	encText, err := s.codec.Encrypt([]byte(text))
	if err != nil {
		return 0, wrap("add_note", err)
	}
	encChat, err := s.encryptChat(chatID)
	if err != nil {
		return 0, wrap("add_note", err)
	}
	var number int
	err = s.tx(ctx, "add_note", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO users(tg_hash, chat_id) VALUES(?, ?) ON CONFLICT(tg_hash) DO NOTHING`,
			s.hash(chatID), encChat,
		); err != nil {
			return err
		}
		var userID int64
		if err := tx.QueryRowContext(ctx,
			`UPDATE users SET last_note = last_note + 1, notes_total = notes_total + 1
			 WHERE tg_hash = ? RETURNING id, last_note`, s.hash(chatID),
		).Scan(&userID, &number); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO notes(user_id, number, text, added_at) VALUES(?, ?, ?, ?)`,
			userID, number, encText, s.now().Unix(),
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return number, nil
}

// UpdateNote replaces a note's text. It returns false if no such note exists.
func (s *SQLite) UpdateNote(ctx context.Context, chatID int64, number int, text string) (bool, error) {
	enc, err := s.codec.Encrypt([]byte(text))
	if err != nil {
		return false, wrap("update_note", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET text = ? WHERE number = ? AND user_id = (SELECT id FROM users WHERE tg_hash = ?)`,
		enc, number, s.hash(chatID),
	)
	if err != nil {
		return false, wrap("update_note", err)
	}
	n, err := res.RowsAffected()
	return n == 1, wrap("update_note", err)
}

// DeleteNote removes a note. It returns false if no such note exists.
func (s *SQLite) DeleteNote(ctx context.Context, chatID int64, number int) (bool, error) {
	deleted := false
	err := s.tx(ctx, "delete_note", func(tx *sql.Tx) error {
		var userID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE tg_hash = ?`, s.hash(chatID)).Scan(&userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE user_id = ? AND number = ?`, userID, number)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM last_notes WHERE user_id = ? AND number = ?`, userID, number); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE users SET notes_total = notes_total - 1 WHERE id = ?`, userID)
		deleted = err == nil
		return err
	})
	return deleted, err
}

// GetNote returns nil if the note does not exist.
func (s *SQLite) GetNote(ctx context.Context, chatID int64, number int) (*Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.number, n.text, n.added_at FROM notes n JOIN users u ON u.id = n.user_id
		 WHERE u.tg_hash = ? AND n.number = ?`, s.hash(chatID), number)
	if err != nil {
		return nil, wrap("get_note", err)
	}
	notes, err := s.scanNotes(rows)
	if err != nil {
		return nil, wrap("get_note", err)
	}
	if len(notes) == 0 {
		return nil, nil
	}
	return &notes[0], nil
}

// ListNotes returns the user's notes ordered by number.
func (s *SQLite) ListNotes(ctx context.Context, chatID int64) ([]Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT n.number, n.text, n.added_at FROM notes n JOIN users u ON u.id = n.user_id
		 WHERE u.tg_hash = ? ORDER BY n.number`, s.hash(chatID))
	if err != nil {
		return nil, wrap("list_notes", err)
	}
	notes, err := s.scanNotes(rows)
	return notes, wrap("list_notes", err)
}

func (s *SQLite) scanNotes(rows *sql.Rows) ([]Note, error) {
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var (
			n     Note
			enc   []byte
			added int64
		)
		if err := rows.Scan(&n.Number, &enc, &added); err != nil {
			return nil, err
		}
		plain, err := s.codec.Decrypt(enc)
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", n.Number, err)
		}
		n.Text = string(plain)
		n.AddedAt = time.Unix(added, 0).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

// tx runs fn in one transaction; one operation is one transaction.
func (s *SQLite) tx(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}
