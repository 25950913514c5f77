// Package email delivers notifications as email via multiple providers.
package email

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"profile-notifier/pkg/watch"
)

const maxSubjectLen = 120

// Message kinds, passed to providers as a tag for their delivery reports.
const (
	kindMedia = "media"
	kindText  = "text"
)

// Message is one rendered notification email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string // plain-text alternative
	Kind    string
}

// Provider delivers a rendered Message.
type Provider interface {
	Send(ctx context.Context, m *Message) error
}

// Sender turns notifications into emails using a pluggable provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // For links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendRich emails the caption with the media embedded.
func (s *Sender) SendRich(ctx context.Context, target string, media watch.Attachment, caption string) error {
	u := strings.ToLower(strings.TrimSpace(media.URL))
	if !isSafeURL(u) || !(strings.HasPrefix(u, "https://") || strings.HasPrefix(u, "http://")) {
		return errors.New("media URL is not an absolute http(s) URL")
	}

	subject := subjectFrom(caption)
	s.logger.Info("Sending media email",
		"to", target,
		"subject", subject,
		"kind", media.Kind)

	return s.provider.Send(ctx, &Message{
		To:      target,
		Subject: subject,
		HTML:    s.formatMediaBody(media, caption),
		Text:    strings.TrimSpace(caption + "\n\n" + media.URL),
		Kind:    kindMedia,
	})
}

// SendText emails plain text.
func (s *Sender) SendText(ctx context.Context, target, text string) error {
	subject := subjectFrom(text)
	s.logger.Info("Sending text email",
		"to", target,
		"subject", subject)

	return s.provider.Send(ctx, &Message{
		To:      target,
		Subject: subject,
		HTML:    s.formatTextBody(text),
		Text:    strings.TrimSpace(text),
		Kind:    kindText,
	})
}

// subjectFrom uses the first non-empty line of text.
func subjectFrom(text string) string {
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxSubjectLen {
			line = string([]rune(line)[:maxSubjectLen-3]) + "..."
		}
		return line
	}
	return "Profile update"
}
