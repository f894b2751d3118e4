// Package sendgrid delivers email through the SendGrid v3 mail API.
package sendgrid

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fentz26/flowgate/internal/connectors"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	DefaultHost    = "https://api.sendgrid.com"
	DefaultTimeout = 30 * time.Second
	mailEndpoint   = "/v3/mail/send"
)

// Config configures the mailer.
type Config struct {
	APIKey string
	Host   string
	// Timeout bounds one send.
	Timeout time.Duration
}

// Mailer sends plain-text email.
type Mailer struct {
	apiKey string
	host   string
	client *rest.Client
}

var _ connectors.Mailer = (*Mailer)(nil)

// New creates a mailer. An empty API key is a configuration error.
func New(cfg Config) (*Mailer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("sendgrid: api key: %w", connectors.ErrNotConfigured)
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Mailer{
		apiKey: cfg.APIKey,
		host:   cfg.Host,
		client: &rest.Client{HTTPClient: &http.Client{Timeout: cfg.Timeout}},
	}, nil
}

// Send delivers email. Any status outside 2xx is returned as a *connectors.APIError.
func (m *Mailer) Send(ctx context.Context, email connectors.Email) (*connectors.EmailReceipt, error) {
	if email.To == "" || email.From == "" {
		return nil, fmt.Errorf("sendgrid: sender and recipient: %w", connectors.ErrNotConfigured)
	}

	message := mail.NewSingleEmail(
		mail.NewEmail("", email.From),
		email.Subject,
		mail.NewEmail("", email.To),
		email.Body,
		"",
	)

	request := sendgrid.GetRequest(m.apiKey, mailEndpoint, m.host)
	request.Method = http.MethodPost
	request.Body = mail.GetRequestBody(message)

	response, err := m.client.SendWithContext(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("sendgrid send: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &connectors.APIError{
			Service:    "sendgrid",
			StatusCode: response.StatusCode,
			Message:    response.Body,
		}
	}
	return &connectors.EmailReceipt{StatusCode: response.StatusCode}, nil
}
