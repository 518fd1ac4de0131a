package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment variables overriding on-disk credentials. The environment
// always wins so secrets can be kept out of the config file entirely.
const (
	EnvSlackWebhook   = "RALPH_SLACK_WEBHOOK_URL"
	EnvDiscordWebhook = "RALPH_DISCORD_WEBHOOK_URL"
	EnvTelegramToken  = "RALPH_TELEGRAM_TOKEN"
	EnvTelegramChatID = "RALPH_TELEGRAM_CHAT_ID"
	EnvEmailAPIKey    = "RALPH_EMAIL_API_KEY"
	EnvEmailSMTPPass  = "RALPH_EMAIL_SMTP_PASS"
	EnvScriptPath     = "RALPH_SCRIPT_PATH"
)

// ApplyEnvDefaults overlays RALPH_* credentials onto a config built
// without a file, so env-only setups still get their channels.
func ApplyEnvDefaults(cfg *Config) { applyEnv(cfg) }

// applyEnv overlays RALPH_* credentials onto the decoded config.
func applyEnv(cfg *Config) {
	ch := &cfg.Notify.Channels
	if v := os.Getenv(EnvSlackWebhook); v != "" {
		ch.SlackWebhookURL = v
	}
	if v := os.Getenv(EnvDiscordWebhook); v != "" {
		ch.DiscordWebhookURL = v
	}
	if v := os.Getenv(EnvTelegramToken); v != "" {
		ch.Telegram.Token = v
	}
	if v := os.Getenv(EnvTelegramChatID); v != "" {
		if id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			ch.Telegram.ChatID = id
		}
	}
	if v := os.Getenv(EnvEmailAPIKey); v != "" {
		ch.Email.APIKey = v
	}
	if v := os.Getenv(EnvEmailSMTPPass); v != "" {
		ch.Email.SMTPPass = v
	}
	if v := os.Getenv(EnvScriptPath); v != "" {
		ch.Script.Path = v
	}
}

// hasInlineCredentials reports whether the on-disk file itself carries
// secrets (as opposed to receiving them from the environment).
func hasInlineCredentials(cfg *Config) bool {
	ch := cfg.Notify.Channels
	return ch.SlackWebhookURL != "" || ch.DiscordWebhookURL != "" ||
		ch.Telegram.Token != "" || ch.Email.APIKey != "" || ch.Email.SMTPPass != ""
}

// checkFileMode rejects a credential-bearing config file that is
// readable by group or other. Secrets supplied via RALPH_* env vars
// leave the file free to be world-readable.
func checkFileMode(path string, cfg *Config) error {
	if !hasInlineCredentials(cfg) {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}
	if perm := fi.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("config %s contains credentials but has mode %s; chmod 600 it or move secrets to RALPH_* env vars", path, perm)
	}
	return nil
}
