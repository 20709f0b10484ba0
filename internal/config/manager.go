package config

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"os"
	"sync"

	logx "luckybot/pkg/logx"
)

// ConfigManager owns the current config and fans reloads out to
// subscribers. Only Watch publishes; Load just commits.
type ConfigManager struct {
	path      string
	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv func(string) (string, bool)

	mu     sync.RWMutex
	cfg    *Config
	digest [sha256.Size]byte

	// subsMu is held while sending so Unsubscribe never closes a channel
	// that publish is writing to.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:      path,
		log:       logx.Nop(),
		lookupEnv: os.LookupEnv,
		subs:      make(map[chan *Config]struct{}),
	}
}

func (m *ConfigManager) Path() string { return m.path }

func (m *ConfigManager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the gate Watch applies before publishing a reload.
func (m *ConfigManager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// SetEnvLookup replaces os.LookupEnv (tests).
func (m *ConfigManager) SetEnvLookup(fn func(string) (string, bool)) { m.lookupEnv = fn }

// Parse reads and strictly decodes the file, then applies env overrides.
// It does not validate or commit.
func (m *ConfigManager) Parse() (*Config, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(m.path, data)
	if err != nil {
		return nil, err
	}
	applyEnv(cfg, m.lookupEnv)
	return cfg, nil
}

// Load parses, validates and commits the config file.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *ConfigManager) Commit(cfg *Config) {
	d := digest(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// same reports whether cfg matches the committed config byte for byte.
func (m *ConfigManager) same(cfg *Config) bool {
	d := digest(cfg)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg != nil && d == m.digest
}

func digest(cfg *Config) [sha256.Size]byte {
	b, _ := json.Marshal(cfg)
	return sha256.Sum256(b)
}

// Subscribe returns a channel that receives every published config. A slow
// subscriber only ever misses older configs, never the latest one.
func (m *ConfigManager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(1, buffer))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *ConfigManager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *ConfigManager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for !offer(ch, cfg) {
			// full: drop the stale head and retry
			select {
			case <-ch:
			default:
			}
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}
