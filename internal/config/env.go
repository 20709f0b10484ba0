package config

import (
	"os"
	"strings"
)

// Environment overrides for secrets, so they can stay out of the config file.
const (
	EnvTelegramToken = "LUCKYBOT_TELEGRAM_TOKEN"
	EnvWebhookSecret = "LUCKYBOT_WEBHOOK_SECRET"
	EnvKeyFile       = "LUCKYBOT_KEY_FILE"
)

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvTelegramToken); ok && strings.TrimSpace(v) != "" {
		cfg.Telegram.Token = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvWebhookSecret); ok && strings.TrimSpace(v) != "" {
		cfg.Receiver.SecretToken = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvKeyFile); ok && strings.TrimSpace(v) != "" {
		cfg.Secrets.KeyFile = strings.TrimSpace(v)
	}
}
