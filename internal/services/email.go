package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tradieflow/internal/config"
)

// EmailMessage is one outbound HTML email.
type EmailMessage struct {
	To      string
	Subject string
	HTML    string
}

// EmailSender is the email transport.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// EmailDeliveryError is a rejection reported by the transport. For HTTP, 4xx
// answers other than 429 are permanent. For SMTP, 5xx replies are permanent.
type EmailDeliveryError struct {
	StatusCode int
	Body       string
	SMTP       bool
}

func (e *EmailDeliveryError) Error() string {
	return fmt.Sprintf("email rejected with status %d: %s", e.StatusCode, e.Body)
}

func (e *EmailDeliveryError) Temporary() bool {
	if e.SMTP {
		return e.StatusCode < 500
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// NewEmailSender picks the transport named by cfg.Provider.
func NewEmailSender(cfg config.EmailConfig, logger *logrus.Logger) (EmailSender, error) {
	switch strings.ToLower(cfg.Provider) {
	case "sendgrid":
		if cfg.SendGrid.APIKey == "" {
			return nil, fmt.Errorf("email.sendgrid.api_key is required for the sendgrid provider")
		}
		return NewSendGridSender(cfg), nil
	case "smtp":
		if cfg.SMTP.Host == "" {
			return nil, fmt.Errorf("email.smtp.host is required for the smtp provider")
		}
		return NewSMTPSender(cfg), nil
	case "", "log":
		return NewLogEmailSender(logger), nil
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.Provider)
	}
}

// SendGridSender posts to the SendGrid v3 mail API.
type SendGridSender struct {
	apiKey   string
	baseURL  string
	from     string
	fromName string
	client   *http.Client
}

func NewSendGridSender(cfg config.EmailConfig) *SendGridSender {
	return &SendGridSender{
		apiKey:   cfg.SendGrid.APIKey,
		baseURL:  strings.TrimRight(cfg.SendGrid.BaseURL, "/"),
		from:     cfg.From,
		fromName: cfg.FromName,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridRequest struct {
	Personalizations []struct {
		To []sendGridAddress `json:"to"`
	} `json:"personalizations"`
	From    sendGridAddress `json:"from"`
	Subject string          `json:"subject"`
	Content []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"content"`
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	var payload sendGridRequest
	payload.Personalizations = make([]struct {
		To []sendGridAddress `json:"to"`
	}, 1)
	payload.Personalizations[0].To = []sendGridAddress{{Email: msg.To}}
	payload.From = sendGridAddress{Email: s.from, Name: s.fromName}
	payload.Subject = msg.Subject
	payload.Content = []struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	}{{Type: "text/html", Value: msg.HTML}}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sendgrid request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sendgrid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &EmailDeliveryError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return nil
}

// SMTPSender delivers over SMTP, with implicit TLS when configured.
type SMTPSender struct {
	cfg      config.SMTPConfig
	from     string
	fromName string
	timeout  time.Duration
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	smtpCfg := cfg.SMTP
	if smtpCfg.Port == 0 {
		smtpCfg.Port = 587
	}
	return &SMTPSender{cfg: smtpCfg, from: cfg.From, fromName: cfg.FromName, timeout: cfg.Timeout}
}

func (s *SMTPSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if s.cfg.TLS {
		conn = tls.Client(conn, &tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12})
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer client.Close()

	if !s.cfg.TLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
				return fmt.Errorf("smtp STARTTLS: %w", err)
			}
		}
	}
	if s.cfg.Username != "" && s.cfg.Password != "" {
		if err := client.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return smtpDeliveryError("smtp auth", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return smtpDeliveryError("smtp MAIL FROM", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return smtpDeliveryError("smtp RCPT TO "+msg.To, err)
	}
	w, err := client.Data()
	if err != nil {
		return smtpDeliveryError("smtp DATA", err)
	}
	if _, err := w.Write(buildMIMEMessage(s.from, s.fromName, msg)); err != nil {
		return fmt.Errorf("smtp write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return smtpDeliveryError("smtp close data", err)
	}
	return client.Quit()
}

// smtpDeliveryError keeps the server's reply code so the executor can tell a
// bounce from a transient failure.
func smtpDeliveryError(stage string, err error) error {
	var reply *textproto.Error
	if errors.As(err, &reply) {
		return &EmailDeliveryError{StatusCode: reply.Code, Body: stage + ": " + reply.Msg, SMTP: true}
	}
	return fmt.Errorf("%s: %w", stage, err)
}

func buildMIMEMessage(from, fromName string, msg EmailMessage) []byte {
	sender := (&mail.Address{Name: fromName, Address: from}).String()
	var b strings.Builder
	b.WriteString("From: " + sender + "\r\n")
	b.WriteString("To: " + headerValue(msg.To) + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", headerValue(msg.Subject)) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return []byte(b.String())
}

// headerValue folds a user supplied value onto one line.
func headerValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

// LogEmailSender only logs. Used in development when no transport is configured.
type LogEmailSender struct {
	logger *logrus.Logger
}

func NewLogEmailSender(logger *logrus.Logger) *LogEmailSender {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogEmailSender{logger: logger}
}

func (s *LogEmailSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
		"bytes":   len(msg.HTML),
	}).Info("email: delivery skipped, log provider configured")
	return nil
}
