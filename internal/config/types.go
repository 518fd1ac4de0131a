package config

// Config is the full on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Loop    LoopConfig    `json:"loop"`
	Notify  NotifyConfig  `json:"notify"`

	// Journal persists delivery outcomes. Nil means disabled.
	Journal *JournalConfig `json:"journal,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoopConfig controls the task loop: how the worker is invoked and when
// the loop gives up.
//
// Defaults (when fields are omitted/zero):
//   - worker_command: "claude"
//   - max_iterations: 0 (unlimited; the marker, the failure streak, or
//     the operator end the run)
//   - iteration_delay: "2s"
//   - progress_every: 5
//   - failure_streak: 3
//   - heartbeat_interval: "30s"
//   - lock_stale_after: "10m"
//   - worker_timeout: "0s" (disabled)
type LoopConfig struct {
	WorkerCommand string   `json:"worker_command,omitempty"`
	WorkerArgs    []string `json:"worker_args,omitempty"`

	MaxIterations  int    `json:"max_iterations,omitempty"`
	IterationDelay string `json:"iteration_delay,omitempty"`
	ProgressEvery  int    `json:"progress_every,omitempty"`
	FailureStreak  int    `json:"failure_streak,omitempty"`

	// WorkerTimeout bounds a single worker invocation. "0s" disables it.
	WorkerTimeout string `json:"worker_timeout,omitempty"`

	LockDir           string `json:"lock_dir,omitempty"` // default: os.TempDir()
	LockStaleAfter    string `json:"lock_stale_after,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

// NotifyConfig controls the dispatch pipeline and its channels.
//
// Defaults (when fields are omitted/zero):
//   - rate_max: 60 per rate_window "60s"
//   - batch_delay: "5m", batch_max: 10
//   - retry_max: 3, retry_base: "500ms", retry_max_delay: "10s"
//   - queue_size: 64, send_timeout: "10s"
type NotifyConfig struct {
	RateMax    int    `json:"rate_max,omitempty"`
	RateWindow string `json:"rate_window,omitempty"`

	BatchDelay string `json:"batch_delay,omitempty"`
	BatchMax   int    `json:"batch_max,omitempty"`

	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	QueueSize   int    `json:"queue_size,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`

	// DigestSchedule forces batch flushes on a schedule, e.g.
	// "cron:0 9 * * *" or "interval:6h". Empty disables it.
	DigestSchedule string `json:"digest_schedule,omitempty"`

	Channels ChannelsConfig `json:"channels"`
}

// ChannelsConfig declares the delivery destinations. A destination is
// active when its required fields are set. Credentials here may also
// arrive via RALPH_* environment variables, which take precedence.
type ChannelsConfig struct {
	SlackWebhookURL   string `json:"slack_webhook_url,omitempty"`
	DiscordWebhookURL string `json:"discord_webhook_url,omitempty"`

	Telegram TelegramChannel `json:"telegram"`
	Email    EmailChannel    `json:"email"`
	Script   ScriptChannel   `json:"script"`
}

type TelegramChannel struct {
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id,omitempty"`
}

// EmailChannel selects one of three transports: "smtp", "sendgrid",
// "mailgun". Empty transport disables email.
type EmailChannel struct {
	Transport string   `json:"transport,omitempty"`
	From      string   `json:"from,omitempty"`
	To        []string `json:"to,omitempty"`
	Subject   string   `json:"subject,omitempty"`

	SMTPAddr string `json:"smtp_addr,omitempty"` // host:port
	SMTPUser string `json:"smtp_user,omitempty"`
	SMTPPass string `json:"smtp_pass,omitempty"`

	APIKey string `json:"api_key,omitempty"`
	Domain string `json:"domain,omitempty"` // mailgun sending domain
}

type ScriptChannel struct {
	Path    string `json:"path,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "30s"
}

// JournalConfig controls the optional delivery journal.
//
// Example:
//
//	"journal": { "driver": "file", "path": "~/.ralph/journal.jsonl" }
type JournalConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
