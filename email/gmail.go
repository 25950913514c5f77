package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
)

// GmailProvider delivers notifications through the Gmail API as the
// authenticated account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
	from    *mail.Address // nil lets Gmail fill in the account address
}

// NewGmailProvider creates a Gmail-backed provider.
func NewGmailProvider(service *gmail.Service, fromAddr, fromName string, logger *slog.Logger) *GmailProvider {
	g := &GmailProvider{
		service: service,
		logger:  logger.With("provider", "gmail"),
	}
	if fromAddr != "" {
		g.from = &mail.Address{Name: fromName, Address: sanitizeEmailHeader(fromAddr)}
	}
	return g
}

// sanitizeEmailHeader drops control characters so a value cannot start a new header.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMessage renders m as a multipart/alternative RFC 5322 message with
// the plain text first, so clients that prefer HTML pick the last part.
func (g *GmailProvider) buildMessage(m *Message) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct{ ctype, content string }{
		{"text/plain; charset=utf-8", m.Text},
		{"text/html; charset=utf-8", m.HTML},
	}
	for _, p := range parts {
		if p.content == "" {
			continue
		}
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.ctype},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return "", err
		}
		qp := quotedprintable.NewWriter(w)
		if _, err := qp.Write([]byte(p.content)); err != nil {
			return "", err
		}
		if err := qp.Close(); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	if g.from != nil {
		fmt.Fprintf(&msg, "From: %s\r\n", g.from.String())
	}
	fmt.Fprintf(&msg, "To: %s\r\n", sanitizeEmailHeader(m.To))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", sanitizeEmailHeader(m.Subject)))
	if m.Kind != "" {
		fmt.Fprintf(&msg, "X-Notification-Kind: %s\r\n", sanitizeEmailHeader(m.Kind))
	}
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	msg.Write(body.Bytes())
	return msg.String(), nil
}

// Send delivers m. Every API error is retried since Gmail does not separate
// permanent from transient failures reliably.
func (g *GmailProvider) Send(ctx context.Context, m *Message) error {
	raw, err := g.buildMessage(m)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(raw))}

	log := g.logger.With("to", m.To, "kind", m.Kind)
	start := time.Now()
	err = retry.Do(
		func() error {
			_, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Notification email attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("deliver via gmail: %w", err)
	}
	log.Info("Notification email delivered", "duration_ms", time.Since(start).Milliseconds())
	return nil
}
