package utils

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	FromEmail  string
	FromName   string
	RatePerSec float64
	MaxRetries uint64
}

type mailDialer interface {
	DialAndSend(m ...*gomail.Message) error
}

var messageTemplate = template.Must(template.New("message").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Subject}}</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .content { margin: 20px 0; }
    </style>
</head>
<body>
    <div class="content">
        {{range .Paragraphs}}<p>{{.}}</p>
        {{end}}
    </div>
</body>
</html>`))

// SMTPMailer delivers email messages over SMTP, throttled to RatePerSec and
// retrying transient SMTP failures.
type SMTPMailer struct {
	dialer  mailDialer
	from    string
	limiter *rate.Limiter
	retries uint64
}

func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host}
	return newSMTPMailer(d, cfg)
}

func newSMTPMailer(d mailDialer, cfg SMTPConfig) *SMTPMailer {
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	retries := cfg.MaxRetries
	if retries == 0 {
		retries = 2
	}

	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}
	return &SMTPMailer{
		dialer:  d,
		from:    from,
		limiter: rate.NewLimiter(limit, 1),
		retries: retries,
	}
}

// Send delivers msg and returns the generated Message-ID
func (m *SMTPMailer) Send(ctx context.Context, msg Message) (string, error) {
	if !IsEmailCapable(&msg.To) {
		return "", fmt.Errorf("invalid recipient address %q", msg.To)
	}

	body, err := renderMessage(msg)
	if err != nil {
		return "", err
	}

	from := msg.From
	if from == "" {
		from = m.from
	}

	id := uuid.NewString()
	gm := gomail.NewMessage()
	gm.SetHeader("From", from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetHeader("Message-ID", fmt.Sprintf("<%s@crmflow>", id))
	gm.SetHeader("Auto-Submitted", "auto-generated")
	gm.SetBody("text/plain", msg.Text)
	gm.AddAlternative("text/html", body)

	b := retry.WithMaxRetries(m.retries, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := m.dialer.DialAndSend(gm); err != nil {
			if isTemporaryError(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("send failed: %w", err)
	}
	return id, nil
}

func renderMessage(msg Message) (string, error) {
	var paragraphs []string
	for _, p := range strings.Split(msg.Text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	var buf bytes.Buffer
	err := messageTemplate.Execute(&buf, struct {
		Subject    string
		Paragraphs []string
	}{msg.Subject, paragraphs})
	if err != nil {
		return "", fmt.Errorf("failed to render message: %w", err)
	}
	return buf.String(), nil
}

func isTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// SMTP 4xx replies are transient
	errStr := strings.ToLower(err.Error())
	tempErrors := []string{
		"try again",
		"temporary",
		"421",
		"450",
		"451",
		"452",
	}
	for _, tempErr := range tempErrors {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}
	return false
}
