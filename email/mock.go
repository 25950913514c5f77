package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider records notification emails in memory. main falls back to it
// for local runs without Gmail credentials.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates an empty recorder.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger.With("provider", "mock")}
}

// Send records m.
func (p *MockProvider) Send(_ context.Context, m *Message) error {
	p.logger.Info("Notification email recorded, not sent",
		"to", m.To,
		"kind", m.Kind,
		"subject", m.Subject,
		"html_bytes", len(m.HTML))

	p.mu.Lock()
	p.sent = append(p.sent, *m)
	p.mu.Unlock()
	return nil
}

// Sent returns the recorded messages in delivery order.
func (p *MockProvider) Sent() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.sent...)
}
