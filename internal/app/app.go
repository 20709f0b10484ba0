package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"luckybot/internal/config"
	"luckybot/internal/controller"
	"luckybot/internal/metrics"
	"luckybot/internal/queue"
	"luckybot/internal/receiver"
	"luckybot/internal/runtime/signal"
	"luckybot/internal/runtime/worker"
	"luckybot/internal/secret"
	"luckybot/internal/sender"
	"luckybot/internal/storage"
	telegram "luckybot/internal/transport/telegram/adapter"
	"luckybot/internal/updater"
	logx "luckybot/pkg/logx"
)

const (
	telegramTimeout   = 30 * time.Second
	defaultRatePerSec = 25
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service

	metrics  *metrics.Metrics
	store    *storage.SQLite
	inbound  *queue.Inbound
	outbound *queue.Outbound
	recv     *receiver.Receiver

	shutdown       *signal.Signal
	senderWake     *signal.Signal
	controllerWake *signal.Signal
	updaterWake    *signal.Signal

	orch *Orchestrator
}

// timeouts are the parsed runtime section.
type timeouts struct {
	startup, wait, stop, join time.Duration
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logConfig(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return config.Validate(c) })

	a := &App{
		cfgm:           cfgm,
		cfg:            cfg,
		log:            log.With(logx.String("comp", "app")),
		logs:           logs,
		metrics:        metrics.New(),
		shutdown:       signal.New("shutdown"),
		senderWake:     signal.New("sender.wake"),
		controllerWake: signal.New("controller.wake"),
		updaterWake:    signal.New("updater.wake"),
	}
	if err := a.build(context.Background(), log); err != nil {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, log logx.Logger) error {
	cfg := a.cfg

	rt, err := parseTimeouts(cfg.Runtime)
	if err != nil {
		return err
	}

	cph, err := loadCipher(cfg.Secrets)
	if err != nil {
		return err
	}

	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(ctx, storage.Config{
		Path:          cfg.Storage.Path,
		BusyTimeout:   busy,
		RecentHistory: cfg.Updater.RecentHistory,
	}, cph, cph, log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}

	qlog := log.With(logx.String("comp", "queue"))
	a.inbound, err = queue.OpenInbound(ctx, queue.Config{Path: cfg.Queue.InboundPath, BusyTimeout: busy}, cph,
		queue.WithLogger(qlog), queue.WithObserver(a.metrics))
	if err != nil {
		return err
	}
	a.outbound, err = queue.OpenOutbound(ctx, queue.Config{Path: cfg.Queue.OutboundPath, BusyTimeout: busy}, cph,
		queue.WithLogger(qlog), queue.WithObserver(a.metrics))
	if err != nil {
		return err
	}

	if cfg.Telegram.AdminChatID != 0 {
		a.logs.SetAlertSink(&alertSink{
			out:    a.outbound,
			chatID: cfg.Telegram.AdminChatID,
			wake:   a.senderWake,
		})
	}

	api, err := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		APIURL:  cfg.Telegram.APIURL,
		Timeout: telegramTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return err
	}

	sendWorker, err := a.buildSender(api, rt, log)
	if err != nil {
		return err
	}
	updWorker, err := a.buildUpdater(rt, log)
	if err != nil {
		return err
	}
	ctrlWorker := a.buildController(rt, log)
	recvWorker, err := a.buildReceiver(api, rt, log)
	if err != nil {
		return err
	}

	a.orch = NewOrchestrator(a.shutdown, rt.startup, log.With(logx.String("comp", "orchestrator")),
		sendWorker, updWorker, ctrlWorker, recvWorker)
	return nil
}

func (a *App) newWorker(name string, body worker.Body, rt timeouts, log logx.Logger, wakes ...*signal.Signal) *worker.Worker {
	return worker.New(name, a.shutdown, body,
		worker.WithLogger(log.With(logx.String("comp", name))),
		worker.WithWake(wakes...),
		worker.WithTimeouts(rt.stop, rt.join),
		worker.WithStateHook(a.metrics.WorkerState),
	)
}

func (a *App) buildSender(api *telegram.Adapter, rt timeouts, log logx.Logger) (*worker.Worker, error) {
	sc := a.cfg.Sender
	rateSleep, err := config.ParseDurationField("sender.rate_limit_sleep", sc.RateLimitSleep)
	if err != nil {
		return nil, err
	}
	retrySleep, err := config.ParseDurationField("sender.retry_sleep", sc.RetrySleep)
	if err != nil {
		return nil, err
	}
	perSec := sc.RatePerSec
	switch {
	case perSec == 0:
		perSec = defaultRatePerSec
	case perSec < 0:
		perSec = 0
	}

	slog := log.With(logx.String("comp", "sender"))
	disp := sender.NewDispatcher(api, sender.DispatcherConfig{
		Attempts:       sc.Attempts,
		RateLimitSleep: rateSleep,
		RetrySleep:     retrySleep,
		RatePerSec:     float64(perSec),
	}, sender.WithDispatchLogger(slog))

	s := sender.New(disp, a.outbound, a.inbound, a.senderWake, a.controllerWake,
		sender.WithLogger(slog),
		sender.WithRecorder(a.metrics),
		sender.WithWaitTimeout(rt.wait),
	)
	return a.newWorker("sender", s.Body, rt, log, a.senderWake), nil
}

func (a *App) buildUpdater(rt timeouts, log logx.Logger) (*worker.Worker, error) {
	uc := a.cfg.Updater
	tz := strings.TrimSpace(uc.Timezone)
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("updater.timezone: %w", err)
	}
	margin, err := config.ParseDurationOrDefault("updater.margin", uc.Margin, updater.DefaultMargin)
	if err != nil {
		return nil, err
	}
	first, second := config.WindowTimes(uc)
	windows, err := updater.NewWindows(first, second, loc, margin)
	if err != nil {
		return nil, err
	}

	u := updater.New(windows, a.store, a.outbound, a.updaterWake, a.senderWake,
		updater.WithLogger(log.With(logx.String("comp", "updater"))),
		updater.WithRecorder(a.metrics),
	)
	return a.newWorker("updater", u.Body, rt, log, a.updaterWake), nil
}

func (a *App) buildController(rt timeouts, log logx.Logger) *worker.Worker {
	clog := log.With(logx.String("comp", "controller"))
	bot := controller.NewBot(controller.BotConfig{
		Store:       a.store,
		Outbox:      a.outbound,
		SenderWake:  a.senderWake,
		Shutdown:    a.shutdown,
		AdminChatID: a.cfg.Telegram.AdminChatID,
		Inbound:     a.inbound,
		Outbound:    a.outbound,
		Log:         clog.With(logx.String("part", "bot")),
	})
	c := controller.New(a.inbound, a.store, bot, a.controllerWake,
		controller.WithLogger(clog),
		controller.WithWaitTimeout(rt.wait),
	)
	return a.newWorker("controller", c.Body, rt, log, a.controllerWake)
}

func (a *App) buildReceiver(api *telegram.Adapter, rt timeouts, log logx.Logger) (*worker.Worker, error) {
	rc := a.cfg.Receiver
	read, err := config.ParseDurationOrDefault("receiver.read_timeout", rc.ReadTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	write, err := config.ParseDurationOrDefault("receiver.write_timeout", rc.WriteTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	idle, err := config.ParseDurationOrDefault("receiver.idle_timeout", rc.IdleTimeout, 60*time.Second)
	if err != nil {
		return nil, err
	}

	a.recv = receiver.New(receiver.Config{
		Addr:         rc.Addr,
		Path:         rc.Path,
		SecretToken:  rc.SecretToken,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
		PprofToken:   rc.PprofToken,
		PublicURL:    a.cfg.Telegram.PublicURL,
	}, a.inbound, a.controllerWake,
		receiver.WithLogger(log.With(logx.String("comp", "receiver"))),
		receiver.WithRecorder(a.metrics),
		receiver.WithMetrics(a.metrics.Handler()),
		receiver.WithRegistrar(api),
	)
	return a.newWorker("receiver", a.recv.Body, rt, log), nil
}

// Ready is set once every worker has reported ready.
func (a *App) Ready() *signal.Signal { return a.orch.AllReady() }

// Stopping is set once shutdown has been requested by any source.
func (a *App) Stopping() *signal.Signal { return a.shutdown }

// Run blocks until ctx is done, a worker fails, or "/admin stop" is
// received. Resources are released before it returns.
func (a *App) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, a.shutdown.Set)
	defer stop()

	watchCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	sub := a.cfgm.Subscribe(1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	go func() {
		defer wg.Done()
		a.applyReloads(watchCtx, sub)
	}()

	a.log.Info("starting", logx.String("config", a.cfgm.Path()))
	err := a.orch.Run()
	if err != nil {
		a.log.Error("stopped with error", logx.Err(err))
	}

	a.step("config", time.Second, func(c context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() { wg.Wait(); close(done) }()
		select {
		case <-done:
		case <-c.Done():
			return c.Err()
		}
		a.cfgm.Unsubscribe(sub)
		return nil
	})
	a.closeResources()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) applyReloads(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs, restart := config.SummarizeConfigChange(a.cfg, next)
			a.logs.Apply(logConfig(next))
			a.log.Info("config reloaded", append(attrs, logx.String("sections", strings.Join(sections, ",")))...)
			if restart {
				a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(sections, ",")))
			}
			a.cfg = next
		}
	}
}

// step runs one close action with a deadline so a stuck resource cannot
// hold the process.
func (a *App) step(name string, timeout time.Duration, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

func (a *App) closeResources() {
	if a.logs != nil {
		a.logs.SetAlertSink(nil)
	}
	if a.inbound != nil {
		a.step("inbound", time.Second, func(context.Context) error { return a.inbound.Close() })
	}
	if a.outbound != nil {
		a.step("outbound", time.Second, func(context.Context) error { return a.outbound.Close() })
	}
	if a.store != nil {
		a.step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	}
}

func parseTimeouts(rc config.RuntimeConfig) (timeouts, error) {
	var (
		t   timeouts
		err error
	)
	if t.startup, err = config.ParseDurationOrDefault("runtime.startup_timeout", rc.StartupTimeout, DefaultStartupTimeout); err != nil {
		return t, err
	}
	if t.wait, err = config.ParseDurationOrDefault("runtime.wait_timeout", rc.WaitTimeout, controller.DefaultWaitTimeout); err != nil {
		return t, err
	}
	if t.stop, err = config.ParseDurationOrDefault("runtime.stop_timeout", rc.StopTimeout, worker.DefaultStopTimeout); err != nil {
		return t, err
	}
	if t.join, err = config.ParseDurationOrDefault("runtime.join_timeout", rc.JoinTimeout, worker.DefaultJoinTimeout); err != nil {
		return t, err
	}
	return t, nil
}

func loadCipher(sc config.SecretsConfig) (*secret.Cipher, error) {
	key, err := secret.LoadKey(sc.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("secrets.key_file: %w", err)
	}
	var hashKey []byte
	if strings.TrimSpace(sc.HashKeyFile) != "" {
		if hashKey, err = secret.LoadKey(sc.HashKeyFile); err != nil {
			return nil, fmt.Errorf("secrets.hash_key_file: %w", err)
		}
	}
	return secret.New(key, hashKey)
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled && cfg.Telegram.AdminChatID != 0,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerMin: cfg.Logging.Alert.RatePerMin,
		},
	}
}

// alertSink queues log alerts for the admin chat like any other reply.
type alertSink struct {
	out    *queue.Outbound
	chatID int64
	wake   *signal.Signal
}

func (s *alertSink) Alert(ctx context.Context, text string) error {
	if _, err := s.out.Enqueue(ctx, strconv.FormatInt(s.chatID, 10), []byte(text), false, time.Now()); err != nil {
		return err
	}
	s.wake.Set()
	return nil
}
