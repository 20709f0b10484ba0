package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"luckybot/internal/runtime/signal"
	"luckybot/internal/storage"
	logx "luckybot/pkg/logx"
)

// Store is the data access used by bot commands.
type Store interface {
	AddRecipient(ctx context.Context, chatID int64) (bool, error)
	RemoveRecipient(ctx context.Context, chatID int64) (bool, error)
	AddNote(ctx context.Context, chatID int64, text string) (int, error)
	UpdateNote(ctx context.Context, chatID int64, number int, text string) (bool, error)
	DeleteNote(ctx context.Context, chatID int64, number int) (bool, error)
	GetNote(ctx context.Context, chatID int64, number int) (*storage.Note, error)
	ListNotes(ctx context.Context, chatID int64) ([]storage.Note, error)
	ListAllRecipients(ctx context.Context) ([]storage.Recipient, error)
	CountUsers(ctx context.Context) (int, error)
}

// Outbox is the producing side of the outbound queue.
type Outbox interface {
	Enqueue(ctx context.Context, destination string, text []byte, rich bool, at time.Time) (int64, error)
}

// Counter reports a queue depth for admin statistics.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

const (
	helpText = "*Lucky Notes*\n\n" +
		"Save short notes and get one of them back at random twice a day.\n\n" +
		"/add <text> - save a note\n" +
		"/list - show your notes\n" +
		"/show <number> - show one note\n" +
		"/update <number> <text> - replace a note\n" +
		"/delete <number> [number...] - delete notes\n" +
		"/restart - forget everything and start over\n" +
		"/help - this message"

	helloText = "Hello, %s!\n\n%s"

	previewLen = 30
)

var (
	updateRe    = regexp.MustCompile(`(?s)^(\d+)\s+(.+)$`)
	numbersRe   = regexp.MustCompile(`\d+`)
	showRe      = regexp.MustCompile(`^(\d+)`)
	adminMailRe = regexp.MustCompile(`(?s)^mail\s+(.+)$`)
)

type BotConfig struct {
	Store  Store
	Outbox Outbox
	// SenderWake is set after every reply.
	SenderWake *signal.Signal
	// Shutdown is set by "/admin stop".
	Shutdown    *signal.Signal
	AdminChatID int64
	// Inbound and Outbound are reported by "/admin users". Optional.
	Inbound  Counter
	Outbound Counter
	Log      logx.Logger
}

// Bot handles Telegram updates carrying text commands. Replies are queued
// on the outbound queue, never sent directly.
type Bot struct {
	cfg BotConfig
	log logx.Logger
}

func NewBot(cfg BotConfig) *Bot {
	log := cfg.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bot{cfg: cfg, log: log}
}

// Handle decodes one update. Payloads that are not updates, and updates
// without a text message, are skipped. Only storage and queue failures
// are returned.
func (b *Bot) Handle(ctx context.Context, payload []byte) error {
	var upd tele.Update
	if err := json.Unmarshal(payload, &upd); err != nil {
		b.log.Warn("skipping undecodable payload", logx.Int("bytes", len(payload)))
		return nil
	}
	m := upd.Message
	if m == nil || m.Chat == nil {
		b.log.Debug("skipping update without message", logx.Int("update_id", upd.ID))
		return nil
	}
	cmd, rest := splitCommand(m.Text)
	b.log.Debug("command", logx.String("cmd", cmd), logx.Int("update_id", upd.ID))
	return b.route(ctx, m.Chat, cmd, rest)
}

// splitCommand returns the lowercased command without a "@bot" suffix,
// and the trimmed remainder. Plain text yields an empty command.
func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, tail, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(head, '\n'); i >= 0 {
		head, tail = head[:i], head[i+1:]+" "+tail
	}
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(tail)
}

func (b *Bot) route(ctx context.Context, chat *tele.Chat, cmd, rest string) error {
	id := chat.ID
	switch cmd {
	case "/start", "/restart":
		return b.start(ctx, chat)
	case "/ping":
		return b.reply(ctx, id, "pong", false)
	case "/add":
		if rest == "" {
			return b.help(ctx, id)
		}
		if _, err := b.cfg.Store.AddNote(ctx, id, rest); err != nil {
			return err
		}
		return b.reply(ctx, id, "Saved.", false)
	case "/update":
		return b.update(ctx, id, rest)
	case "/delete":
		return b.delete(ctx, id, rest)
	case "/list":
		return b.list(ctx, id)
	case "/show":
		return b.show(ctx, id, rest)
	case "/admin":
		return b.admin(ctx, id, rest)
	default:
		return b.help(ctx, id)
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, rich bool) error {
	if _, err := b.cfg.Outbox.Enqueue(ctx, strconv.FormatInt(chatID, 10), []byte(text), rich, time.Time{}); err != nil {
		return err
	}
	if b.cfg.SenderWake != nil {
		b.cfg.SenderWake.Set()
	}
	return nil
}

func (b *Bot) help(ctx context.Context, chatID int64) error {
	return b.reply(ctx, chatID, helpText, true)
}

func (b *Bot) start(ctx context.Context, chat *tele.Chat) error {
	if _, err := b.cfg.Store.RemoveRecipient(ctx, chat.ID); err != nil {
		return err
	}
	if _, err := b.cfg.Store.AddRecipient(ctx, chat.ID); err != nil {
		return err
	}
	name := chat.FirstName
	if name == "" {
		name = chat.Username
	}
	if name == "" {
		name = "friend"
	}
	return b.reply(ctx, chat.ID, fmt.Sprintf(helloText, name, helpText), false)
}

func (b *Bot) update(ctx context.Context, chatID int64, rest string) error {
	m := updateRe.FindStringSubmatch(rest)
	if m == nil {
		return b.help(ctx, chatID)
	}
	text := strings.TrimSpace(m[2])
	n, err := strconv.Atoi(m[1])
	ok := false
	if err == nil {
		ok, err = b.cfg.Store.UpdateNote(ctx, chatID, n, text)
		if err != nil {
			return err
		}
	}
	if !ok {
		return b.reply(ctx, chatID, "Error: wrong note number.", false)
	}
	return b.reply(ctx, chatID, "Updated.", false)
}

// delete removes every number found in rest. A storage failure still
// sends the partial report before it is returned.
func (b *Bot) delete(ctx context.Context, chatID int64, rest string) error {
	nums := numbersRe.FindAllString(rest, -1)
	if len(nums) == 0 {
		return b.help(ctx, chatID)
	}
	var report strings.Builder
	for _, s := range nums {
		n, err := strconv.Atoi(s)
		ok := false
		if err == nil {
			ok, err = b.cfg.Store.DeleteNote(ctx, chatID, n)
			if err != nil {
				if report.Len() > 0 {
					report.WriteString("Some internal error...\n")
					_ = b.reply(ctx, chatID, report.String(), false)
				}
				return err
			}
		}
		if ok {
			fmt.Fprintf(&report, "Note #%s - deleted\n", s)
		} else {
			fmt.Fprintf(&report, "Note #%s - not found\n", s)
		}
	}
	return b.reply(ctx, chatID, report.String(), false)
}

func (b *Bot) list(ctx context.Context, chatID int64) error {
	notes, err := b.cfg.Store.ListNotes(ctx, chatID)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		return b.reply(ctx, chatID, "Nothing.", false)
	}
	var sb strings.Builder
	sb.WriteString("Your notes:\n")
	for _, n := range notes {
		fmt.Fprintf(&sb, "#%d :: \"%s\"\n\n", n.Number, preview(n.Text))
	}
	return b.reply(ctx, chatID, sb.String(), false)
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(r[:previewLen])) + "..."
}

func (b *Bot) show(ctx context.Context, chatID int64, rest string) error {
	m := showRe.FindStringSubmatch(rest)
	if m == nil {
		return b.help(ctx, chatID)
	}
	var note *storage.Note
	if n, err := strconv.Atoi(m[1]); err == nil {
		note, err = b.cfg.Store.GetNote(ctx, chatID, n)
		if err != nil {
			return err
		}
	}
	if note == nil {
		return b.reply(ctx, chatID, "Number not found. Check the note number by calling /list.", false)
	}
	return b.reply(ctx, chatID, note.Text, false)
}

// admin commands are silently ignored outside the admin chat.
func (b *Bot) admin(ctx context.Context, chatID int64, rest string) error {
	if b.cfg.AdminChatID == 0 || chatID != b.cfg.AdminChatID {
		b.log.Info("admin command from a non-admin chat ignored")
		return nil
	}
	sub, _, _ := strings.Cut(rest, " ")
	switch strings.TrimSpace(sub) {
	case "stop":
		b.log.Warn("stop requested by admin")
		if err := b.reply(ctx, chatID, "Stopping.", false); err != nil {
			return err
		}
		if b.cfg.Shutdown != nil {
			b.cfg.Shutdown.Set()
		}
		return nil
	case "users":
		return b.stats(ctx, chatID)
	case "mail":
		m := adminMailRe.FindStringSubmatch(rest)
		if m == nil {
			return nil
		}
		return b.mail(ctx, chatID, strings.TrimSpace(m[1]))
	default:
		return b.reply(ctx, chatID, "Admin commands: stop, users, mail <text>", false)
	}
}

func (b *Bot) stats(ctx context.Context, chatID int64) error {
	users, err := b.cfg.Store.CountUsers(ctx)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("Users: %d", users)
	for _, q := range []struct {
		name string
		c    Counter
	}{{"inbound", b.cfg.Inbound}, {"outbound", b.cfg.Outbound}} {
		if q.c == nil {
			continue
		}
		n, err := q.c.Count(ctx)
		if err != nil {
			return err
		}
		text += fmt.Sprintf("\nQueue %s: %d", q.name, n)
	}
	return b.reply(ctx, chatID, text, false)
}

// mail queues text for every user. The text is sent with Markdown.
func (b *Bot) mail(ctx context.Context, chatID int64, text string) error {
	users, err := b.cfg.Store.ListAllRecipients(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if _, err := b.cfg.Outbox.Enqueue(ctx, strconv.FormatInt(u.ChatID, 10), []byte(text), true, time.Time{}); err != nil {
			return err
		}
	}
	b.log.Info("admin mail queued", logx.Int("users", len(users)))
	return b.reply(ctx, chatID, fmt.Sprintf("Mailed to %d users.", len(users)), false)
}
