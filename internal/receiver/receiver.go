// Package receiver is the HTTP ingestion worker. Accepted webhook calls are
// stored on the inbound queue and the controller is woken.
package receiver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	logx "luckybot/pkg/logx"
)

const (
	DefaultAddr = "0.0.0.0:5000"
	DefaultPath = "/webhook"

	shutdownGrace = 5 * time.Second
)

type Config struct {
	Addr        string
	Path        string
	SecretToken string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// PprofToken enables /debug/pprof/ behind a bearer token.
	PprofToken string
	// PublicURL, when set, is registered as the webhook on start.
	PublicURL string
}

// Inbox is the producing side of the inbound queue.
type Inbox interface {
	Enqueue(ctx context.Context, payload []byte, at time.Time) (int64, error)
}

// Registrar manages the webhook registration with the messaging API.
type Registrar interface {
	SetWebhook(ctx context.Context, publicURL, secret string) error
	RemoveWebhook(ctx context.Context) error
}

type Recorder interface {
	Ingested(code int)
}

// Error is a receiver failure: binding, webhook registration or storing an
// accepted update.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "receiver: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

type Option func(*Receiver)

func WithLogger(log logx.Logger) Option {
	return func(r *Receiver) { r.log = log }
}

func WithRecorder(rec Recorder) Option {
	return func(r *Receiver) { r.rec = rec }
}

// WithMetrics serves h at GET /metrics.
func WithMetrics(h http.Handler) Option {
	return func(r *Receiver) { r.metrics = h }
}

func WithRegistrar(reg Registrar) Option {
	return func(r *Receiver) { r.registrar = reg }
}

// WithClock replaces time.Now for updates without a message date.
func WithClock(now func() time.Time) Option {
	return func(r *Receiver) { r.now = now }
}

type Receiver struct {
	cfg   Config
	inbox Inbox
	wake  *signal.Signal

	log       logx.Logger
	rec       Recorder
	metrics   http.Handler
	registrar Registrar
	now       func() time.Time

	// shutdown is set on enqueue failure; bound in Body.
	shutdown *signal.Signal

	mu     sync.Mutex
	addr   string
	failed error
	fail   chan struct{}
}

// New builds a receiver. controllerWake is set after every accepted update.
func New(cfg Config, inbox Inbox, controllerWake *signal.Signal, opts ...Option) *Receiver {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = DefaultPath
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		cfg.Path = "/" + cfg.Path
	}
	r := &Receiver{
		cfg:   cfg,
		inbox: inbox,
		wake:  controllerWake,
		log:   logx.Nop(),
		now:   time.Now,
		fail:  make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Addr is the bound listen address once the worker is ready.
func (r *Receiver) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Handler returns the HTTP routes. It is exposed for tests.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+r.cfg.Path, r.withRequestID(http.HandlerFunc(r.webhook)))
	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
	if r.metrics != nil {
		mux.Handle("GET /metrics", r.metrics)
	}
	if tok := strings.TrimSpace(r.cfg.PprofToken); tok != "" {
		registerPprof(mux, tok)
	}
	return mux
}

// failWith records the first enqueue failure and stops the process.
func (r *Receiver) failWith(err error) {
	r.mu.Lock()
	first := r.failed == nil
	if first {
		r.failed = &Error{Op: "enqueue", Err: err}
		close(r.fail)
	}
	sd := r.shutdown
	r.mu.Unlock()
	if sd != nil {
		sd.Set()
	}
}

func (r *Receiver) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failed
}

// Body is the worker loop: listen, register the webhook, serve until
// shutdown or a storage failure.
func (r *Receiver) Body(w *worker.Worker) error {
	r.mu.Lock()
	r.shutdown = w.Shutdown()
	r.mu.Unlock()

	ln, err := net.Listen("tcp", r.cfg.Addr)
	if err != nil {
		return &Error{Op: "listen", Err: err}
	}
	srv := &http.Server{
		Handler:      r.Handler(),
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
		IdleTimeout:  r.cfg.IdleTimeout,
	}
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	r.mu.Lock()
	r.addr = ln.Addr().String()
	r.mu.Unlock()

	registered := false
	if r.registrar != nil && r.cfg.PublicURL != "" {
		url := strings.TrimSuffix(r.cfg.PublicURL, "/") + r.cfg.Path
		if err := r.registrar.SetWebhook(context.Background(), url, r.cfg.SecretToken); err != nil {
			r.close(srv)
			return &Error{Op: "set_webhook", Err: err}
		}
		registered = true
	}

	r.log.Info("receiver listening", logx.String("addr", r.Addr()), logx.String("path", r.cfg.Path))
	w.Ready()

	var serveErr error
	select {
	case <-w.Shutdown().Done():
	case <-r.fail:
	case serveErr = <-served:
	}

	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if err := r.registrar.RemoveWebhook(ctx); err != nil {
			r.log.Warn("webhook removal failed", logx.Err(err))
		}
		cancel()
	}
	r.close(srv)

	if err := r.failure(); err != nil {
		return err
	}
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return &Error{Op: "serve", Err: serveErr}
	}
	return nil
}

func (r *Receiver) close(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	r.log.Info("receiver stopped")
}
