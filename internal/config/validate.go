package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks a parsed config. It is used on startup and as the hot
// reload gate, so it must not have side effects.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if strings.TrimSpace(cfg.Receiver.SecretToken) == "" {
		errs = append(errs, errors.New("receiver.secret_token is required"))
	}
	if strings.TrimSpace(cfg.Secrets.KeyFile) == "" {
		errs = append(errs, errors.New("secrets.key_file is required"))
	}
	for path, v := range map[string]string{
		"storage.path":        cfg.Storage.Path,
		"queue.inbound_path":  cfg.Queue.InboundPath,
		"queue.outbound_path": cfg.Queue.OutboundPath,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}

	for path, raw := range map[string]string{
		"receiver.read_timeout":   cfg.Receiver.ReadTimeout,
		"receiver.write_timeout":  cfg.Receiver.WriteTimeout,
		"receiver.idle_timeout":   cfg.Receiver.IdleTimeout,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"updater.margin":          cfg.Updater.Margin,
		"sender.rate_limit_sleep": cfg.Sender.RateLimitSleep,
		"sender.retry_sleep":      cfg.Sender.RetrySleep,
		"runtime.startup_timeout": cfg.Runtime.StartupTimeout,
		"runtime.wait_timeout":    cfg.Runtime.WaitTimeout,
		"runtime.stop_timeout":    cfg.Runtime.StopTimeout,
		"runtime.join_timeout":    cfg.Runtime.JoinTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	if cfg.Updater.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Updater.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("updater.timezone: %w", err))
		}
	}
	first, second := WindowTimes(cfg.Updater)
	h1, m1, err1 := ParseClock("updater.first", first)
	h2, m2, err2 := ParseClock("updater.second", second)
	if err1 != nil {
		errs = append(errs, err1)
	}
	if err2 != nil {
		errs = append(errs, err2)
	}
	if err1 == nil && err2 == nil && h1*60+m1 >= h2*60+m2 {
		errs = append(errs, errors.New("updater.first must be earlier than updater.second"))
	}
	if cfg.Updater.RecentHistory < 0 {
		errs = append(errs, errors.New("updater.recent_history must be >= 0"))
	}
	if cfg.Sender.Attempts < 0 {
		errs = append(errs, errors.New("sender.attempts must be >= 0"))
	}
	if cfg.Logging.Alert.Enabled && cfg.Telegram.AdminChatID == 0 {
		errs = append(errs, errors.New("logging.alert requires telegram.admin_chat_id"))
	}
	return errors.Join(errs...)
}

// WindowTimes returns the configured window start times with defaults applied.
func WindowTimes(u UpdaterConfig) (first, second string) {
	first, second = strings.TrimSpace(u.First), strings.TrimSpace(u.Second)
	if first == "" {
		first = "12:00"
	}
	if second == "" {
		second = "18:00"
	}
	return first, second
}
