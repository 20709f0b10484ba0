package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const defaultLogFile = "./luckybot.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alert   AlertConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertConfig forwards high-severity lines to an operator (the bot admin chat).
type AlertConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerMin int
}

// AlertSink delivers a rendered alert. Implementations must not log at
// alert level through the same Service, or they will feed themselves.
type AlertSink interface {
	Alert(ctx context.Context, text string) error
}

// Service owns the log outputs. Apply rebuilds them; loggers handed out
// earlier pick up the new outputs on their next line.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	al   *alerter
}

func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat

	s := &Service{al: newAlerter()}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{src: s.current} }

// SetAlertSink installs the alert destination. Alerts are dropped while no
// sink is set.
func (s *Service) SetAlertSink(sink AlertSink) { s.al.setSink(sink) }

// Apply swaps outputs and levels. It is safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.file
	s.file = nil

	var outs []io.Writer
	if cfg.Console {
		outs = append(outs, newConsoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			s.file = f
			outs = append(outs, zerolog.SyncWriter(f))
		}
	}
	s.al.configure(cfg.Alert)
	if cfg.Alert.Enabled {
		outs = append(outs, s.al)
	}
	if len(outs) == 0 {
		outs = append(outs, newConsoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outs...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if prev != nil {
		_ = prev.Close()
	}
}

func (s *Service) Close() error {
	s.al.stop()
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}

// alerter is a zerolog level writer that hands qualifying lines to a
// background goroutine. Writes never block.
type alerter struct {
	queue chan string

	mu       sync.Mutex
	sink     AlertSink
	limiter  *rate.Limiter
	minLevel zerolog.Level
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func newAlerter() *alerter {
	return &alerter{queue: make(chan string, 64), minLevel: zerolog.ErrorLevel}
}

func (a *alerter) setSink(sink AlertSink) {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()
}

func (a *alerter) configure(cfg AlertConfig) {
	perMin := max(1, cfg.RatePerMin)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.minLevel = parseLevel(cfg.MinLevel, zerolog.ErrorLevel)
	a.limiter = rate.NewLimiter(rate.Limit(float64(perMin)/60), perMin)
	if cfg.Enabled && a.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.run(ctx)
	}
}

func (a *alerter) stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
		a.wg.Wait()
	}
}

func (a *alerter) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-a.queue:
			a.mu.Lock()
			sink := a.sink
			a.mu.Unlock()
			if sink != nil {
				_ = sink.Alert(ctx, text)
			}
		}
	}
}

func (a *alerter) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.NoLevel, p)
}

func (a *alerter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	ok := a.sink != nil && level != zerolog.NoLevel && level >= a.minLevel && a.limiter.Allow()
	a.mu.Unlock()
	if !ok {
		return len(p), nil
	}
	if text := formatAlert(p); text != "" {
		select {
		case a.queue <- text:
		default:
		}
	}
	return len(p), nil
}

const (
	alertMax      = 3500
	alertFieldMax = 600
	alertStackMax = 900
)

// formatAlert renders a JSON log line as "[LEVEL] message" followed by one
// "- key=value" line per field, keys sorted, stack last.
func formatAlert(p []byte) string {
	raw := strings.TrimSpace(string(p))
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return truncate(raw, alertMax)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	keys := make([]string, 0, len(m))
	for k := range m {
		switch k {
		case "time", "level", "message", "stack":
		default:
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s=%s", k, truncate(fmt.Sprint(m[k]), alertFieldMax))
	}
	if st, ok := m["stack"]; ok {
		b.WriteString("\n- stack=\n" + truncate(fmt.Sprint(st), alertStackMax))
	}
	return truncate(b.String(), alertMax)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
