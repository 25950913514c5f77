package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider delivers notifications through Brevo's transactional email API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a Brevo-backed provider.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger.With("provider", "brevo"),
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
	}
}

// brevoStatusError is a non-2xx response from Brevo.
type brevoStatusError struct {
	code int
}

func (e *brevoStatusError) Error() string {
	return fmt.Sprintf("brevo: HTTP %d", e.code)
}

// retryable reports whether a failed delivery may succeed later. A 4xx other
// than 429 means the payload or recipient was rejected.
func retryable(err error) bool {
	var se *brevoStatusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

type brevoSendRequest struct {
	Sender  brevoContact      `json:"sender"`
	To      []brevoContact    `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"htmlContent"`
	Text    string            `json:"textContent,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (b *BrevoProvider) payload(m *Message) ([]byte, error) {
	req := brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: m.To}},
		Subject: m.Subject,
		HTML:    m.HTML,
		Text:    m.Text,
	}
	if m.Kind != "" {
		req.Tags = []string{"profile-notifier", m.Kind}
		req.Headers = map[string]string{"X-Notification-Kind": m.Kind}
	}
	return json.Marshal(req)
}

// post makes one delivery attempt.
func (b *BrevoProvider) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			b.logger.Debug("Closing Brevo response body failed", "error", err)
		}
	}()

	if resp.StatusCode/100 != 2 {
		return &brevoStatusError{code: resp.StatusCode}
	}
	return nil
}

// Send delivers m, retrying transport failures, rate limiting and 5xx responses.
func (b *BrevoProvider) Send(ctx context.Context, m *Message) error {
	if b.apiKey == "" {
		return errors.New("brevo API key not configured")
	}
	body, err := b.payload(m)
	if err != nil {
		return fmt.Errorf("encode brevo payload: %w", err)
	}

	log := b.logger.With("to", m.To, "kind", m.Kind)
	start := time.Now()
	err = retry.Do(
		func() error { return b.post(ctx, body) },
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(2*time.Second),
		retry.Context(ctx),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Notification email attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver via brevo: %w", err)
	}
	log.Info("Notification email delivered", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
