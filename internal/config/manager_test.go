package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "telegram": {"token": "123:abc"},
  "logging": {"level": "info", "console": true},
  "receiver": {"secret_token": "s3cret"},
  "storage": {"path": "./data/data.sqlite3"},
  "queue": {"inbound_path": "./data/imq.sqlite3", "outbound_path": "./data/omq.sqlite3"},
  "secrets": {"key_file": "./resources/key"},
  "updater": {"first": "09:30", "second": "21:00"}
}`

const validYAML = `
telegram:
  token: "123:abc"
logging:
  level: debug
receiver:
  secret_token: s3cret
storage:
  path: ./data/data.sqlite3
queue:
  inbound_path: ./data/imq.sqlite3
  outbound_path: ./data/omq.sqlite3
secrets:
  key_file: ./resources/key
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadJSONAndYAML(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, file, body string
		wantLevel        string
	}{
		{"json", "config.json", validJSON, "info"},
		{"yaml", "config.yaml", validYAML, "debug"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewConfigManager(writeFile(t, tc.file, tc.body))
			m.SetEnvLookup(noEnv)
			cfg, err := m.Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if cfg.Logging.Level != tc.wantLevel {
				t.Fatalf("level: got %q want %q", cfg.Logging.Level, tc.wantLevel)
			}
			if m.Get() != cfg {
				t.Fatalf("Get should return the committed config")
			}
		})
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown":  `{"telegram": {"token": "x", "poll_timeout": "10s"}}`,
		"trailing": `{} {}`,
	}
	for name, body := range cases {
		m := NewConfigManager(writeFile(t, "c.json", body))
		if _, err := m.Parse(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.json", validJSON))
	m.SetEnvLookup(func(k string) (string, bool) {
		switch k {
		case EnvTelegramToken:
			return "999:env", true
		case EnvWebhookSecret:
			return " from-env ", true
		}
		return "", false
	})
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "999:env" || cfg.Receiver.SecretToken != "from-env" {
		t.Fatalf("env not applied: %+v %+v", cfg.Telegram, cfg.Receiver)
	}
	if cfg.Secrets.KeyFile != "./resources/key" {
		t.Fatalf("unset env must not override: %q", cfg.Secrets.KeyFile)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		m := NewConfigManager(writeFile(t, "config.json", validJSON))
		m.SetEnvLookup(noEnv)
		cfg, err := m.Parse()
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		return cfg
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"ok", func(*Config) {}, ""},
		{"no token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"bad duration", func(c *Config) { c.Runtime.StopTimeout = "soon" }, "runtime.stop_timeout"},
		{"bad clock", func(c *Config) { c.Updater.First = "25:00" }, "updater.first"},
		{"windows out of order", func(c *Config) { c.Updater.First, c.Updater.Second = "18:00", "12:00" }, "earlier"},
		{"alert without admin", func(c *Config) { c.Logging.Alert.Enabled = true }, "admin_chat_id"},
		{"bad timezone", func(c *Config) { c.Updater.Timezone = "Mars/Olympus" }, "updater.timezone"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := Validate(cfg)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, err := ParseClock("x", " 07:05 ")
	if err != nil || h != 7 || m != 5 {
		t.Fatalf("got %d:%d err=%v", h, m, err)
	}
	if _, _, err := ParseClock("x", "7pm"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	a := &Config{Logging: LoggingConfig{Level: "info"}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}}
	changed, attrs, restart := SummarizeConfigChange(a, b)
	if len(changed) != 1 || changed[0] != "logging" || restart {
		t.Fatalf("got changed=%v restart=%v", changed, restart)
	}
	if len(attrs) == 0 {
		t.Fatalf("expected attrs for logging change")
	}

	c := &Config{Logging: b.Logging, Updater: UpdaterConfig{First: "10:00"}}
	changed, _, restart = SummarizeConfigChange(b, c)
	if len(changed) != 1 || changed[0] != "updater" || !restart {
		t.Fatalf("got changed=%v restart=%v", changed, restart)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	path := writeFile(t, "config.json", validJSON)
	m := NewConfigManager(path)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error { return Validate(cfg) })
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx)
	}()

	// Give the watcher a moment to register the directory.
	time.Sleep(200 * time.Millisecond)
	updated := strings.Replace(validJSON, `"level": "info"`, `"level": "debug"`, 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case cfg := <-ch:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("unexpected level %q", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no config published")
	}

	cancel()
	<-done
}
