package config

import (
	"reflect"

	logx "luckybot/pkg/logx"
)

// hotSections can be applied without restarting the workers.
var hotSections = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed top-level sections, safe
// structured attrs for logging (never secrets), and whether any changed
// section needs a process restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, bool) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"receiver", oldCfg.Receiver, newCfg.Receiver},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"queue", oldCfg.Queue, newCfg.Queue},
		{"secrets", oldCfg.Secrets, newCfg.Secrets},
		{"updater", oldCfg.Updater, newCfg.Updater},
		{"sender", oldCfg.Sender, newCfg.Sender},
		{"runtime", oldCfg.Runtime, newCfg.Runtime},
	}

	changed := make([]string, 0, len(sections))
	restart := false
	for _, s := range sections {
		if reflect.DeepEqual(s.old, s.new) {
			continue
		}
		changed = append(changed, s.name)
		if !hotSections[s.name] {
			restart = true
		}
	}

	attrs := make([]logx.Field, 0, 6)
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Updater, newCfg.Updater) {
		first, second := WindowTimes(newCfg.Updater)
		attrs = append(attrs, logx.String("updater.first", first), logx.String("updater.second", second))
	}
	return changed, attrs, restart
}
