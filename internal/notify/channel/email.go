package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"ralph/internal/notify"
)

// EmailConfig selects one of three delivery transports. Transport is
// "smtp", "sendgrid" or "mailgun"; the remaining fields apply per
// transport.
type EmailConfig struct {
	Transport string
	From      string
	To        []string
	Subject   string

	// smtp
	SMTPAddr string // host:port
	SMTPUser string
	SMTPPass string

	// sendgrid / mailgun
	APIKey string
	Domain string // mailgun sending domain
}

// Email delivers digests over one of the configured mail transports.
// Email is the slow channel: it opts into batching so routine progress
// arrives as periodic digests rather than one message per event.
type Email struct {
	cfg    EmailConfig
	client *http.Client
}

func NewEmail(cfg EmailConfig, client *http.Client) *Email {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Email{cfg: cfg, client: client}
}

func (e *Email) Name() string   { return "email" }
func (e *Email) Batching() bool { return true }

func (e *Email) Send(ctx context.Context, ev notify.Event) error {
	subject := e.cfg.Subject
	if subject == "" {
		subject = "ralph: " + ev.Severity.String()
	}
	body := ev.Render()

	switch e.cfg.Transport {
	case "smtp":
		return e.sendSMTP(subject, body)
	case "sendgrid":
		return e.sendSendGrid(ctx, subject, body)
	case "mailgun":
		return e.sendMailgun(ctx, subject, body)
	default:
		return notify.Fatal(fmt.Errorf("email: unknown transport %q", e.cfg.Transport))
	}
}

func (e *Email) sendSMTP(subject, body string) error {
	var auth smtp.Auth
	if e.cfg.SMTPUser != "" {
		host := e.cfg.SMTPAddr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", e.cfg.SMTPUser, e.cfg.SMTPPass, host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(e.cfg.SMTPAddr, auth, e.cfg.From, e.cfg.To, msg.Bytes()); err != nil {
		return fmt.Errorf("email: smtp: %w", err)
	}
	return nil
}

func (e *Email) sendSendGrid(ctx context.Context, subject, body string) error {
	type addr struct {
		Email string `json:"email"`
	}
	to := make([]addr, 0, len(e.cfg.To))
	for _, t := range e.cfg.To {
		to = append(to, addr{Email: t})
	}
	payload := map[string]any{
		"personalizations": []map[string]any{{"to": to}},
		"from":             addr{Email: e.cfg.From},
		"subject":          subject,
		"content": []map[string]string{
			{"type": "text/plain", "value": body},
		},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return notify.Fatal(fmt.Errorf("email: sendgrid payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"https://api.sendgrid.com/v3/mail/send", bytes.NewReader(raw))
	if err != nil {
		return notify.Fatal(fmt.Errorf("email: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email: sendgrid: %w", err)
	}
	defer resp.Body.Close()
	return classifyHTTP("email: sendgrid", resp.StatusCode)
}

func (e *Email) sendMailgun(ctx context.Context, subject, body string) error {
	form := url.Values{}
	form.Set("from", e.cfg.From)
	for _, t := range e.cfg.To {
		form.Add("to", t)
	}
	form.Set("subject", subject)
	form.Set("text", body)

	endpoint := fmt.Sprintf("https://api.mailgun.net/v3/%s/messages", e.cfg.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return notify.Fatal(fmt.Errorf("email: %w", err))
	}
	req.SetBasicAuth("api", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email: mailgun: %w", err)
	}
	defer resp.Body.Close()
	return classifyHTTP("email: mailgun", resp.StatusCode)
}
