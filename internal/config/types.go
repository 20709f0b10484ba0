package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Receiver ReceiverConfig `json:"receiver"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Secrets  SecretsConfig  `json:"secrets"`
	Updater  UpdaterConfig  `json:"updater"`
	Sender   SenderConfig   `json:"sender"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminChatID enables /admin commands and log alerts for this chat.
	AdminChatID int64 `json:"admin_chat_id,omitempty"`
	// APIURL overrides the Bot API endpoint (tests, local bot api servers).
	APIURL string `json:"api_url,omitempty"`
	// PublicURL is the externally reachable base URL of the receiver.
	// When set, the webhook is registered on startup and removed on stop.
	PublicURL string `json:"public_url,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards error lines to telegram.admin_chat_id.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerMin int    `json:"rate_per_min,omitempty"`
}

// ReceiverConfig controls the webhook HTTP server.
//
// Defaults:
//   - addr: "0.0.0.0:5000"
//   - path: "/webhook"
//   - read_timeout: "10s", write_timeout: "10s", idle_timeout: "60s"
type ReceiverConfig struct {
	Addr        string `json:"addr,omitempty"`
	Path        string `json:"path,omitempty"`
	SecretToken string `json:"secret_token"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// PprofToken enables /debug/pprof/ behind a bearer token. Empty disables it.
	PprofToken string `json:"pprof_token,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type QueueConfig struct {
	InboundPath  string `json:"inbound_path"`
	OutboundPath string `json:"outbound_path"`
}

// SecretsConfig points at the encryption key material.
// KeyFile holds a 32-byte key (raw or hex); HashKeyFile is optional and
// defaults to the same key.
type SecretsConfig struct {
	KeyFile     string `json:"key_file"`
	HashKeyFile string `json:"hash_key_file,omitempty"`
}

// UpdaterConfig controls the daily delivery windows.
//
// Defaults: timezone "UTC", first "12:00", second "18:00",
// recent_history 10, margin "10s".
type UpdaterConfig struct {
	Timezone      string `json:"timezone,omitempty"`
	First         string `json:"first,omitempty"`
	Second        string `json:"second,omitempty"`
	RecentHistory int    `json:"recent_history,omitempty"`
	Margin        string `json:"margin,omitempty"`
}

// SenderConfig controls the outbound dispatcher.
//
// Defaults: attempts 3, rate_limit_sleep "10s", retry_sleep "1s",
// rate_per_sec 25 (0 keeps the default, negative disables pacing).
type SenderConfig struct {
	Attempts       int    `json:"attempts,omitempty"`
	RateLimitSleep string `json:"rate_limit_sleep,omitempty"`
	RetrySleep     string `json:"retry_sleep,omitempty"`
	RatePerSec     int    `json:"rate_per_sec,omitempty"`
}

// RuntimeConfig controls worker coordination timeouts.
//
// Defaults: startup_timeout "30s", wait_timeout "10m",
// stop_timeout "10s", join_timeout "5s". wait_timeout bounds the sender
// and controller idle waits; the updater sleeps until its next boundary.
type RuntimeConfig struct {
	StartupTimeout string `json:"startup_timeout,omitempty"`
	WaitTimeout    string `json:"wait_timeout,omitempty"`
	StopTimeout    string `json:"stop_timeout,omitempty"`
	JoinTimeout    string `json:"join_timeout,omitempty"`
}
