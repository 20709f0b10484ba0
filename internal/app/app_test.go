package app

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"luckybot/internal/config"
	"luckybot/internal/secret"
)

// fakeTelegram records sendMessage calls.
type fakeTelegram struct {
	mu   sync.Mutex
	sent []map[string]any
	got  chan struct{}
}

func newFakeTelegram() *fakeTelegram {
	return &fakeTelegram{got: make(chan struct{}, 16)}
}

func (f *fakeTelegram) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
		_, _ = io.WriteString(w, `{"ok":true,"result":true}`)
		return
	}
	var params map[string]any
	_ = json.NewDecoder(r.Body).Decode(&params)
	f.mu.Lock()
	f.sent = append(f.sent, params)
	f.mu.Unlock()
	select {
	case f.got <- struct{}{}:
	default:
	}
	_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
}

func (f *fakeTelegram) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

func writeTestConfig(t *testing.T, apiURL string, mutate func(map[string]any)) string {
	t.Helper()
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.hex")
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(secret.NewKey())), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := map[string]any{
		"telegram": map[string]any{"token": "123:abc", "api_url": apiURL},
		"logging":  map[string]any{"level": "error", "console": false},
		"receiver": map[string]any{"addr": "127.0.0.1:0", "secret_token": "s3cret"},
		"storage":  map[string]any{"path": filepath.Join(dir, "users.db")},
		"queue": map[string]any{
			"inbound_path":  filepath.Join(dir, "inbound.db"),
			"outbound_path": filepath.Join(dir, "outbound.db"),
		},
		"secrets": map[string]any{"key_file": keyPath},
		"runtime": map[string]any{"startup_timeout": "5s", "wait_timeout": "1s"},
	}
	if mutate != nil {
		mutate(cfg)
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func postUpdate(t *testing.T, addr, text string) {
	t.Helper()
	body := fmt.Sprintf(`{"update_id":1,"message":{"message_id":1,"date":%d,`+
		`"chat":{"id":42,"type":"private"},"from":{"id":42,"first_name":"Ann"},"text":%q}}`,
		time.Now().Unix(), text)
	req, err := http.NewRequest(http.MethodPost, "http://"+addr+"/webhook", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post update: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}
}

func TestAppPingRoundTrip(t *testing.T) {
	tg := newFakeTelegram()
	api := httptest.NewServer(tg)
	defer api.Close()

	a, err := NewApp(writeTestConfig(t, api.URL, nil))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	if !a.Ready().Wait(5 * time.Second) {
		t.Fatalf("app never became ready")
	}
	postUpdate(t, a.recv.Addr(), "/ping")

	select {
	case <-tg.got:
	case <-time.After(5 * time.Second):
		t.Fatalf("no message reached the API")
	}
	msgs := tg.messages()
	if got := fmt.Sprint(msgs[0]["text"]); got != "pong" {
		t.Fatalf("text = %q", got)
	}
	if got := fmt.Sprint(msgs[0]["chat_id"]); got != "42" {
		t.Fatalf("chat_id = %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestAppAdminStopEndsRun(t *testing.T) {
	tg := newFakeTelegram()
	api := httptest.NewServer(tg)
	defer api.Close()

	path := writeTestConfig(t, api.URL, func(cfg map[string]any) {
		cfg["telegram"].(map[string]any)["admin_chat_id"] = 42
	})
	a, err := NewApp(path)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	if !a.Ready().Wait(5 * time.Second) {
		t.Fatalf("app never became ready")
	}
	postUpdate(t, a.recv.Addr(), "/admin stop")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("Run did not return after /admin stop")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1", func(cfg map[string]any) {
		cfg["telegram"].(map[string]any)["token"] = ""
	})
	if _, err := NewApp(path); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestNewAppMissingKeyFile(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1", func(cfg map[string]any) {
		cfg["secrets"] = map[string]any{"key_file": filepath.Join(t.TempDir(), "absent")}
	})
	_, err := NewApp(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestLogConfigAlertNeedsAdmin(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.Alert.Enabled = true
	if logConfig(cfg).Alert.Enabled {
		t.Fatalf("alert must stay off without admin chat")
	}
	cfg.Telegram.AdminChatID = 7
	lc := logConfig(cfg)
	if !lc.Alert.Enabled || lc.Level != "debug" {
		t.Fatalf("unexpected log config %+v", lc)
	}
}

func TestParseTimeoutsDefaults(t *testing.T) {
	rt, err := parseTimeouts(config.RuntimeConfig{StartupTimeout: "2s"})
	if err != nil {
		t.Fatal(err)
	}
	if rt.startup != 2*time.Second || rt.wait != 10*time.Minute || rt.stop != 10*time.Second || rt.join != 5*time.Second {
		t.Fatalf("unexpected timeouts %+v", rt)
	}
	if _, err := parseTimeouts(config.RuntimeConfig{WaitTimeout: "soon"}); err == nil {
		t.Fatalf("expected parse error")
	}
}
