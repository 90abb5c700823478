package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caretrail/auditcore/internal/domain/audit"
	"github.com/caretrail/auditcore/internal/domain/errors"
)

// Handler delivers raised alerts to one destination.
type Handler interface {
	Name() string
	// Accepts filters which alerts this handler cares about.
	Accepts(a *audit.Alert) bool
	Send(ctx context.Context, a *audit.Alert) error
}

// severityRank orders severities for minimum-severity filtering.
var severityRank = map[audit.Severity]int{
	audit.SeverityLow:      0,
	audit.SeverityMedium:   1,
	audit.SeverityHigh:     2,
	audit.SeverityCritical: 3,
}

func meetsMinimum(a *audit.Alert, min audit.Severity) bool {
	if min == "" {
		return true
	}
	return severityRank[a.Severity] >= severityRank[min]
}

// ConsoleHandler writes alerts to the structured log.
type ConsoleHandler struct {
	MinSeverity audit.Severity
	logger      *zap.Logger
}

func NewConsoleHandler(logger *zap.Logger, min audit.Severity) *ConsoleHandler {
	return &ConsoleHandler{MinSeverity: min, logger: logger}
}

func (h *ConsoleHandler) Name() string { return "console" }
func (h *ConsoleHandler) Accepts(a *audit.Alert) bool { return meetsMinimum(a, h.MinSeverity) }

func (h *ConsoleHandler) Send(_ context.Context, a *audit.Alert) error {
	h.logger.Warn("ALERT",
		zap.String("severity", string(a.Severity)),
		zap.String("source", a.Source),
		zap.String("title", a.Title),
		zap.String("description", a.Description),
		zap.String("organization_id", a.OrganizationID))
	return nil
}

// WebhookConfig tunes the webhook handler.
type WebhookConfig struct {
	URL         string         `koanf:"url"`
	MinSeverity audit.Severity `koanf:"min_severity"`
	// RatePerMinute throttles outbound posts; bursts of one.
	RatePerMinute int           `koanf:"rate_per_minute"`
	Timeout       time.Duration `koanf:"timeout"`
}

// WebhookHandler posts alerts as JSON, rate limited so an alert storm
// cannot hammer the receiving endpoint.
type WebhookHandler struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookHandler(cfg WebhookConfig) (*WebhookHandler, error) {
	if cfg.URL == "" {
		return nil, errors.NewConfigurationError("webhook url is required")
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 30
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookHandler{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1),
	}, nil
}

func (h *WebhookHandler) Name() string { return "webhook" }
func (h *WebhookHandler) Accepts(a *audit.Alert) bool { return meetsMinimum(a, h.cfg.MinSeverity) }

func (h *WebhookHandler) Send(ctx context.Context, a *audit.Alert) error {
	if err := h.limiter.Wait(ctx); err != nil {
		return errors.NewRateLimitError("webhook rate limit wait cancelled").WithCause(err)
	}

	body, err := json.Marshal(a)
	if err != nil {
		return errors.NewSerializationError("alert marshal failed").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return errors.NewConfigurationError("building webhook request failed").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return errors.NewNetworkError("webhook post failed").WithCause(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.NewNetworkError(
			fmt.Sprintf("webhook endpoint returned status %d", resp.StatusCode))
	}
	return nil
}

// EmailConfig tunes the SMTP handler.
type EmailConfig struct {
	Host        string         `koanf:"host"`
	Port        int            `koanf:"port"`
	From        string         `koanf:"from"`
	To          []string       `koanf:"to"`
	Username    string         `koanf:"username"`
	Password    string         `koanf:"password"`
	MinSeverity audit.Severity `koanf:"min_severity"`
}

// EmailHandler mails alerts; intended for CRITICAL escalation.
type EmailHandler struct {
	cfg  EmailConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailHandler(cfg EmailConfig) (*EmailHandler, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.NewConfigurationError("email handler requires host, from, and recipients")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = audit.SeverityCritical
	}
	return &EmailHandler{cfg: cfg, send: smtp.SendMail}, nil
}

func (h *EmailHandler) Name() string { return "email" }
func (h *EmailHandler) Accepts(a *audit.Alert) bool { return meetsMinimum(a, h.cfg.MinSeverity) }

func (h *EmailHandler) Send(_ context.Context, a *audit.Alert) error {
	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\n\r\n%s\r\n\r\nsource: %s\nalert id: %s\n",
		h.cfg.From, strings.Join(h.cfg.To, ", "),
		a.Severity, a.Title, a.Description, a.Source, a.ID)

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	if err := h.send(addr, auth, h.cfg.From, h.cfg.To, []byte(msg)); err != nil {
		return errors.NewNetworkError("alert email send failed").WithCause(err)
	}
	return nil
}
