// Package mail renders and delivers customer emails. Delivery tries
// the HTTP mail API first and falls back to SMTP with STARTTLS when
// credentials exist. Send failures are reported to the caller but are
// never fatal to a provisioning job.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/samber/lo"
	gomail "github.com/wneessen/go-mail"
)

// Attachment is a file carried with an email.
type Attachment struct {
	Filename string
	Content  []byte
}

// Sender delivers one templated email to a set of recipients.
type Sender interface {
	Send(ctx context.Context, kind Kind, to []string, data TemplateData, attachments ...Attachment) error
}

// Config selects the delivery paths. Empty APIBaseURL disables the
// HTTP path; empty SMTPHost disables the SMTP fallback.
type Config struct {
	From       string
	APIBaseURL string
	APIKey     string
	SMTPHost   string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
}

// Mailer is the production Sender.
type Mailer struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Sender = (*Mailer)(nil)

// New creates a Mailer.
func New(cfg Config, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Send renders the template and delivers it. Recipients are lowercased
// and deduplicated before sending.
func (m *Mailer) Send(ctx context.Context, kind Kind, to []string, data TemplateData, attachments ...Attachment) error {
	recipients := lo.Uniq(lo.FilterMap(to, func(addr string, _ int) (string, bool) {
		addr = strings.ToLower(strings.TrimSpace(addr))
		return addr, addr != ""
	}))
	if len(recipients) == 0 {
		return fmt.Errorf("send %s: no recipients", kind)
	}

	subject, text, html, err := Render(kind, data)
	if err != nil {
		return err
	}

	if m.cfg.APIBaseURL != "" {
		if err := m.sendHTTP(ctx, recipients, subject, text, html, attachments); err == nil {
			m.logger.Info("email sent", slog.String("kind", string(kind)), slog.String("via", "http"))
			return nil
		} else {
			m.logger.Warn("http mail delivery failed, trying smtp",
				slog.String("kind", string(kind)),
				slog.String("error", err.Error()))
		}
	}

	if m.cfg.SMTPHost != "" {
		if err := m.sendSMTP(ctx, recipients, subject, text, html, attachments); err != nil {
			return fmt.Errorf("send %s via smtp: %w", kind, err)
		}
		m.logger.Info("email sent", slog.String("kind", string(kind)), slog.String("via", "smtp"))
		return nil
	}

	return fmt.Errorf("send %s: no delivery path configured", kind)
}

type apiAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type apiRequest struct {
	From        string          `json:"from"`
	To          []string        `json:"to"`
	Subject     string          `json:"subject"`
	Text        string          `json:"text"`
	HTML        string          `json:"html"`
	Attachments []apiAttachment `json:"attachments,omitempty"`
}

func (m *Mailer) sendHTTP(ctx context.Context, to []string, subject, text, html string, attachments []Attachment) error {
	payload := apiRequest{
		From:    m.cfg.From,
		To:      to,
		Subject: subject,
		Text:    text,
		HTML:    html,
	}
	for _, a := range attachments {
		payload.Attachments = append(payload.Attachments, apiAttachment{
			Filename: a.Filename,
			Content:  base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIBaseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("mail API returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (m *Mailer) sendSMTP(ctx context.Context, to []string, subject, text, html string, attachments []Attachment) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return err
	}
	if err := msg.To(to...); err != nil {
		return err
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, text)
	msg.AddAlternativeString(gomail.TypeTextHTML, html)
	for _, a := range attachments {
		if err := msg.AttachReader(a.Filename, bytes.NewReader(a.Content)); err != nil {
			return err
		}
	}

	opts := []gomail.Option{
		gomail.WithPort(m.cfg.SMTPPort),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if m.cfg.SMTPUser != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.cfg.SMTPUser),
			gomail.WithPassword(m.cfg.SMTPPass),
		)
	}

	client, err := gomail.NewClient(m.cfg.SMTPHost, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// Noop is the Sender used when no mail path is configured; it logs and
// succeeds so provisioning is unaffected.
type Noop struct {
	Logger *slog.Logger
}

var _ Sender = (*Noop)(nil)

func (n *Noop) Send(_ context.Context, kind Kind, to []string, _ TemplateData, _ ...Attachment) error {
	if n.Logger != nil {
		n.Logger.Info("mail disabled, skipping send",
			slog.String("kind", string(kind)),
			slog.Int("recipients", len(to)))
	}
	return nil
}
