package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ralph/pkg/logx"
)

// summarizeChange returns the changed top-level sections plus safe
// structured attrs for logging. Credential values never appear here,
// only presence flags.
func summarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Loop, newCfg.Loop) {
		changed = append(changed, "loop")
		attrs = append(attrs,
			logx.String("loop.worker_command", newCfg.Loop.WorkerCommand),
			logx.Int("loop.max_iterations", newCfg.Loop.MaxIterations),
			logx.String("loop.iteration_delay", strings.TrimSpace(newCfg.Loop.IterationDelay)),
			logx.Int("loop.failure_streak", newCfg.Loop.FailureStreak),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		oldCh := oldCfg.Notify.Channels
		newCh := newCfg.Notify.Channels
		attrs = append(attrs,
			logx.Int("notify.rate_max", newCfg.Notify.RateMax),
			logx.Int("notify.retry_max", newCfg.Notify.RetryMax),
			logx.String("notify.batch_delay", strings.TrimSpace(newCfg.Notify.BatchDelay)),
			logx.Bool("notify.channels_changed", !reflect.DeepEqual(oldCh, newCh)),
			logx.Bool("notify.slack_set", newCh.SlackWebhookURL != ""),
			logx.Bool("notify.discord_set", newCh.DiscordWebhookURL != ""),
			logx.Bool("notify.telegram_set", newCh.Telegram.Token != "" && newCh.Telegram.ChatID != 0),
			logx.Bool("notify.email_set", newCh.Email.Transport != ""),
			logx.Bool("notify.script_set", newCh.Script.Path != ""),
		)
	}

	// Journal: nil means disabled.
	var oDriver, nDriver string
	var oPathSet, nPathSet bool
	if oldCfg.Journal != nil {
		oDriver = strings.TrimSpace(oldCfg.Journal.Driver)
		oPathSet = strings.TrimSpace(oldCfg.Journal.Path) != ""
	}
	if newCfg.Journal != nil {
		nDriver = strings.TrimSpace(newCfg.Journal.Driver)
		nPathSet = strings.TrimSpace(newCfg.Journal.Path) != ""
	}
	if oDriver != nDriver || oPathSet != nPathSet {
		changed = append(changed, "journal")
		attrs = append(attrs,
			logx.String("journal.driver", nDriver),
			logx.Bool("journal.path_set", nPathSet),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
