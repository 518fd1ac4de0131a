package channel

import (
	"fmt"
	"strings"
	"time"

	"ralph/internal/notify"
	"ralph/internal/validate"
	logx "ralph/pkg/logx"
)

// Config enumerates every destination an operator may configure. A
// destination is active when its required fields are present; partial
// configuration is skipped with a log line rather than treated as an
// error, so one bad channel never takes down the rest.
type Config struct {
	SlackWebhookURL   string
	DiscordWebhookURL string

	TelegramToken  string
	TelegramChatID int64

	Email EmailConfig

	ScriptPath    string
	ScriptTimeout time.Duration

	// Resolver overrides DNS resolution for webhook URL checks. Nil
	// uses the system resolver.
	Resolver validate.Resolver
}

// Build assembles the active channels and collects the credential
// strings that must never appear in logs or error text.
func Build(cfg Config, log logx.Logger) (channels []notify.Channel, secrets []string) {
	if cfg.SlackWebhookURL != "" {
		if err := validate.CheckURLResolve(cfg.SlackWebhookURL, cfg.Resolver); err != nil {
			log.Warn("slack webhook rejected", logx.Err(err))
		} else {
			channels = append(channels, newWebhook("slack", cfg.SlackWebhookURL, styleSlack, nil))
			secrets = append(secrets, cfg.SlackWebhookURL)
		}
	}

	if cfg.DiscordWebhookURL != "" {
		if err := validate.CheckURLResolve(cfg.DiscordWebhookURL, cfg.Resolver); err != nil {
			log.Warn("discord webhook rejected", logx.Err(err))
		} else {
			channels = append(channels, newWebhook("discord", cfg.DiscordWebhookURL, styleDiscord, nil))
			secrets = append(secrets, cfg.DiscordWebhookURL)
		}
	}

	switch {
	case cfg.TelegramToken != "" && cfg.TelegramChatID != 0:
		tg, err := NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, log)
		if err != nil {
			log.Warn("telegram channel unavailable", logx.Err(err))
		} else {
			channels = append(channels, tg)
			secrets = append(secrets, cfg.TelegramToken)
		}
	case cfg.TelegramToken != "" || cfg.TelegramChatID != 0:
		log.Debug("telegram partially configured, skipped",
			logx.Bool("token", cfg.TelegramToken != ""),
			logx.Bool("chat_id", cfg.TelegramChatID != 0))
	}

	if cfg.Email.Transport != "" {
		if err := checkEmail(cfg.Email); err != nil {
			log.Warn("email channel rejected", logx.Err(err))
		} else {
			channels = append(channels, NewEmail(cfg.Email, nil))
			if cfg.Email.APIKey != "" {
				secrets = append(secrets, cfg.Email.APIKey)
			}
			if cfg.Email.SMTPPass != "" {
				secrets = append(secrets, cfg.Email.SMTPPass)
			}
		}
	}

	if cfg.ScriptPath != "" {
		if _, err := validate.CheckPath(cfg.ScriptPath, validate.PathExecute, ""); err != nil {
			log.Warn("notification script rejected", logx.Err(err))
		} else {
			channels = append(channels, NewScript(cfg.ScriptPath, cfg.ScriptTimeout, log))
		}
	}

	return channels, secrets
}

func checkEmail(cfg EmailConfig) error {
	if err := validate.CheckEmail(cfg.From); err != nil {
		return err
	}
	for _, to := range cfg.To {
		if err := validate.CheckEmail(to); err != nil {
			return err
		}
	}
	switch cfg.Transport {
	case "smtp":
		return requireField("addr", cfg.SMTPAddr)
	case "sendgrid":
		return requireField("api_key", cfg.APIKey)
	case "mailgun":
		if err := requireField("api_key", cfg.APIKey); err != nil {
			return err
		}
		return requireField("domain", cfg.Domain)
	default:
		return fmt.Errorf("unknown email transport %q", cfg.Transport)
	}
}

func requireField(name, v string) error {
	if strings.TrimSpace(v) == "" {
		return fmt.Errorf("email: %s is required", name)
	}
	return nil
}
