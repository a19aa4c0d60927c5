package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"mercator-hq/spendgate/pkg/budget"
)

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger.With("channel", "log")}
}

// Name implements Channel.
func (c *LogChannel) Name() string { return "log" }

// Send implements Channel.
func (c *LogChannel) Send(ctx context.Context, msg Message) error {
	c.logger.LogAttrs(ctx, slog.LevelWarn, msg.Subject,
		slog.String("kind", string(msg.Kind)),
		slog.String("tenant_id", msg.TenantID),
		slog.String("band", string(msg.Band)),
		slog.Float64("percentage_used", msg.Snapshot.PercentageUsed),
		slog.String("body", msg.Body),
	)
	return nil
}

// WebhookConfig configures a chat webhook channel.
type WebhookConfig struct {
	// URL is the incoming-webhook endpoint (Slack-compatible).
	URL string

	// Timeout bounds a single delivery.
	// Default: 10 seconds
	Timeout time.Duration
}

// WebhookChannel posts notifications as JSON to a chat webhook. The payload
// carries a Slack-compatible "text" field plus the structured message.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel creates a WebhookChannel.
func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookChannel{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name implements Channel.
func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Text    string  `json:"text"`
	Message Message `json:"spendgate"`
}

// Send implements Channel.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(webhookPayload{
		Text:    fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
		Message: msg,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "spendgate-notifier/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook: %w", budget.ErrNotificationFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", budget.ErrNotificationFailed, resp.StatusCode)
	}
	return nil
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string

	// UseTLS dials with implicit TLS (port 465). Otherwise STARTTLS is used
	// when the server offers it.
	UseTLS bool

	// Timeout bounds connection setup.
	// Default: 10 seconds
	Timeout time.Duration
}

// EmailChannel sends notifications over SMTP.
type EmailChannel struct {
	cfg EmailConfig
}

// NewEmailChannel creates an EmailChannel.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &EmailChannel{cfg: cfg}
}

// Name implements Channel.
func (c *EmailChannel) Name() string { return "email" }

// Send implements Channel.
func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	if len(c.cfg.To) == 0 {
		return fmt.Errorf("%w: email: no recipients configured", budget.ErrNotificationFailed)
	}
	if err := c.send(ctx, buildEmail(c.cfg.From, c.cfg.To, msg)); err != nil {
		return fmt.Errorf("%w: email: %w", budget.ErrNotificationFailed, err)
	}
	return nil
}

func (c *EmailChannel) send(ctx context.Context, message []byte) error {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: c.cfg.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer client.Close()

	if !c.cfg.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	for _, rcpt := range c.cfg.To {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("set recipient: %w", err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("get writer: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		writer.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}

func buildEmail(from string, to []string, msg Message) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + strings.Join(to, ", ") + "\r\n")
	b.WriteString("Subject: " + msg.Subject + "\r\n")
	b.WriteString("Date: " + msg.Timestamp.UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
