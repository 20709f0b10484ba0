package adapter

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "luckybot/internal/transport"
	logx "luckybot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API base URL (empty: api.telegram.org).
	APIURL string
	// Timeout bounds a single HTTP request to the API.
	Timeout time.Duration
}

// Adapter sends messages and manages the webhook registration. Updates are
// not polled: they arrive through the receiver's webhook endpoint.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st := tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
		// No getMe on construction; the first real call validates the token.
		Offline: true,
	}
	if cfg.Timeout > 0 {
		st.Client = &http.Client{Timeout: cfg.Timeout}
	}
	b, err := tele.NewBot(st)
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// SetWebhook registers publicURL with the API, protected by secret.
func (a *Adapter) SetWebhook(ctx context.Context, publicURL, secret string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := a.bot.SetWebhook(&tele.Webhook{
		SecretToken: secret,
		Endpoint:    &tele.WebhookEndpoint{PublicURL: publicURL},
	})
	if err != nil {
		return classify(err)
	}
	a.log.Info("webhook registered", logx.String("url", publicURL))
	return nil
}

// RemoveWebhook unregisters the webhook; pending updates are kept.
func (a *Adapter) RemoveWebhook(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.RemoveWebhook(); err != nil {
		return classify(err)
	}
	a.log.Info("webhook removed")
	return nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries near the end of each window.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid extremely small chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText sends text, split into chunks when it exceeds the API limit.
// If a later chunk fails the earlier ones stay delivered.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := a.bot.Send(chat, chunk, &tele.SendOptions{
			ParseMode:             tele.ParseMode(opt.ParseMode),
			DisableWebPagePreview: opt.DisablePreview,
		})
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// Telebot renders every API-reported failure as "telegram: <text> (<code>)",
// whether it is a mapped *tele.Error, a flood error or an unmapped one.
// Local failures (network, json) are wrapped as "telebot: ...".
var apiErrRe = regexp.MustCompile(`^telegram: (.*) \((\d{3})\)$`)

var retryAfterRe = regexp.MustCompile(`(?i)retry after (\d+)`)

// classify converts telebot errors into *kit.APIError where the API
// reported the failure, and leaves local errors untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var te *tele.Error
	if errors.As(err, &te) {
		return &kit.APIError{
			Code:        te.Code,
			Description: describe(te),
			RetryAfter:  retryAfter(te.Description),
			Err:         err,
		}
	}
	m := apiErrRe.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[2])
	return &kit.APIError{Code: code, Description: m[1], RetryAfter: retryAfter(m[1]), Err: err}
}

func describe(te *tele.Error) string {
	if te.Description != "" {
		return te.Description
	}
	return te.Message
}

func retryAfter(desc string) time.Duration {
	m := retryAfterRe.FindStringSubmatch(desc)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}
