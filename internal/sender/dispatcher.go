// Package sender delivers queued outbound messages through the messaging
// API. The Dispatcher owns the per-message retry policy, and the Sender
// worker drains the outbound queue and reacts to each outcome.
package sender

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	kit "luckybot/internal/transport"
	logx "luckybot/pkg/logx"
)

// Outcome classifies one finished delivery.
type Outcome int

const (
	OK Outcome = iota
	// WrongCredential: the API rejected the bot token.
	WrongCredential
	// NoAccess: the recipient does not exist or blocked the bot.
	NoAccess
	// Timeout: rate limited on every attempt.
	Timeout
	// UndefinedExternal: any other API-reported failure, on every attempt.
	UndefinedExternal
	// DispatcherError: a local failure (network, encoding, bad destination).
	DispatcherError
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case WrongCredential:
		return "wrong_credential"
	case NoAccess:
		return "no_access"
	case Timeout:
		return "timeout"
	case UndefinedExternal:
		return "undefined_external"
	case DispatcherError:
		return "dispatcher_error"
	default:
		return "outcome(" + strconv.Itoa(int(o)) + ")"
	}
}

// Result is what Send returns. Attempts counts the API calls made.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
	// Interrupted is set when the context ended during pacing, backoff or
	// the API call itself, before the policy reached a verdict.
	Interrupted bool
}

// AsError returns nil for OK and a *DispatchError otherwise.
func (r Result) AsError() error {
	if r.Outcome == OK {
		return nil
	}
	return &DispatchError{Outcome: r.Outcome, Attempts: r.Attempts, Err: r.Err}
}

type DispatchError struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch %s after %d attempt(s)", e.Outcome, e.Attempts)
	}
	return fmt.Sprintf("dispatch %s after %d attempt(s): %v", e.Outcome, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const (
	DefaultAttempts       = 3
	DefaultRateLimitSleep = 10 * time.Second
	DefaultRetrySleep     = time.Second
)

type DispatcherConfig struct {
	Attempts       int
	RateLimitSleep time.Duration
	RetrySleep     time.Duration
	// RatePerSec paces API calls across all deliveries. Zero or less
	// disables pacing.
	RatePerSec float64
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Attempts <= 0 {
		c.Attempts = DefaultAttempts
	}
	if c.RateLimitSleep <= 0 {
		c.RateLimitSleep = DefaultRateLimitSleep
	}
	if c.RetrySleep <= 0 {
		c.RetrySleep = DefaultRetrySleep
	}
	return c
}

type DispatcherOption func(*Dispatcher)

func WithSleeper(s Sleeper) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = s }
}

func WithDispatchLogger(log logx.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = log }
}

// Dispatcher sends one message with bounded retries. It holds no
// per-message state and is safe for concurrent use.
type Dispatcher struct {
	api     kit.Sender
	cfg     DispatcherConfig
	sleep   Sleeper
	limiter *rate.Limiter
	log     logx.Logger
}

func NewDispatcher(api kit.Sender, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		api:   api,
		cfg:   cfg,
		sleep: sleepContext,
		log:   logx.Nop(),
	}
	if cfg.RatePerSec > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

var (
	wrongTokenRe = regexp.MustCompile(`(?i)unauthorized`)
	notFoundRe   = regexp.MustCompile(`(?i)not found`)
	blockedRe    = regexp.MustCompile(`(?i)kicked|blocked|deactivated`)
	floodRe      = regexp.MustCompile(`(?i)too many requests|retry after`)
)

// classify maps an API-reported failure to an outcome.
func classify(e *kit.APIError) Outcome {
	switch {
	case e.Code == 401 || wrongTokenRe.MatchString(e.Description):
		return WrongCredential
	case notFoundRe.MatchString(e.Description), blockedRe.MatchString(e.Description):
		return NoAccess
	case e.Code == 429 || floodRe.MatchString(e.Description):
		return Timeout
	default:
		return UndefinedExternal
	}
}

// Send delivers text to destination, a decimal chat id.
//
// Credential and access failures end after one attempt. Rate limits and
// other API failures are retried up to the attempt limit with a sleep in
// between. Local failures are not retried. A send cut short by ctx is
// reported as Interrupted.
func (d *Dispatcher) Send(ctx context.Context, destination, text string, rich bool) Result {
	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return Result{Outcome: DispatcherError, Err: fmt.Errorf("bad destination: %w", err)}
	}
	opt := &kit.SendOptions{DisablePreview: true}
	if rich {
		opt.ParseMode = "Markdown"
	}

	var res Result
	for attempt := 1; attempt <= d.cfg.Attempts; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				res.Err = err
				res.Interrupted = true
				if attempt == 1 {
					res.Outcome = DispatcherError
				}
				return res
			}
		}

		err := d.api.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt)
		res.Attempts = attempt
		if err == nil {
			return Result{Outcome: OK, Attempts: attempt}
		}

		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			d.log.Info("send canceled", logx.Int("attempt", attempt), logx.Err(err))
			return Result{Outcome: DispatcherError, Attempts: attempt, Err: err, Interrupted: true}
		}

		var apiErr *kit.APIError
		if !errors.As(err, &apiErr) {
			d.log.Error("local send failure", logx.Int("attempt", attempt), logx.Err(err))
			return Result{Outcome: DispatcherError, Attempts: attempt, Err: err}
		}

		res.Outcome = classify(apiErr)
		res.Err = err
		var pause time.Duration
		switch res.Outcome {
		case WrongCredential:
			d.log.Error("api rejected the bot token", logx.Int("code", apiErr.Code))
			return res
		case NoAccess:
			d.log.Warn("recipient unreachable", logx.Int("code", apiErr.Code))
			return res
		case Timeout:
			// The server hint may only lengthen the pause.
			pause = max(d.cfg.RateLimitSleep, apiErr.RetryAfter)
		default:
			pause = d.cfg.RetrySleep
		}

		if attempt == d.cfg.Attempts {
			break
		}
		d.log.Debug("retrying send",
			logx.String("outcome", res.Outcome.String()),
			logx.Int("attempt", attempt),
			logx.Duration("sleep", pause),
		)
		if err := d.sleep(ctx, pause); err != nil {
			res.Interrupted = true
			return res
		}
	}

	d.log.Warn("send attempts exhausted",
		logx.String("outcome", res.Outcome.String()),
		logx.Int("attempts", res.Attempts),
		logx.Err(res.Err),
	)
	return res
}
