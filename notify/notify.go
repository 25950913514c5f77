// Package notify fans a notification out to every subscriber of an identity.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"profile-notifier/pkg/watch"
)

var deliveriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "profile_notifier",
		Name:      "deliveries_total",
		Help:      "Notification delivery attempts per target",
	},
	[]string{"channel", "outcome"}, // outcome: "delivered", "duplicate", "unrecorded", "failed"
)

// Transport sends messages to one target. Errors are per call.
type Transport interface {
	SendRich(ctx context.Context, target string, media watch.Attachment, caption string) error
	SendText(ctx context.Context, target, text string) error
}

// Subscribers resolves the current targets of an identity.
type Subscribers interface {
	ListTargets(ctx context.Context, identity string) ([]string, error)
}

// Marker records confirmed deliveries of event notifications.
type Marker interface {
	MarkNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error)
}

// Channel is the delivery path used for a target.
type Channel string

const (
	Rich Channel = "rich"
	Text Channel = "text"
)

// Message is one notification about an identity.
type Message struct {
	Media    *watch.Attachment // Sent with the caption when set
	Event    *watch.EventRef   // Ledger record to mark on delivery; nil for profile changes
	Identity string
	Caption  string
	Text     string   // Text-only body; derived from Caption and Media when empty
	Targets  []string // Overrides the subscriber lookup when non-nil
}

func (m *Message) fallbackText() string {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	if m.Media != nil && m.Media.URL != "" && !strings.Contains(text, m.Media.URL) {
		text = strings.TrimSpace(text + "\n" + m.Media.URL)
	}
	return text
}

// Result is the outcome for one target.
type Result struct {
	Err       error
	Target    string
	Channel   Channel
	Delivered bool // Reached the target; Err may still be set when recording it failed
	Duplicate bool // Delivered, but the ledger already had the target
}

// Notifier delivers messages with a rich-to-text fallback per target.
type Notifier struct {
	transport   Transport
	subscribers Subscribers
	marker      Marker
	logger      *slog.Logger
}

// New creates a notifier. marker may be nil when no event messages are sent.
func New(transport Transport, subscribers Subscribers, marker Marker, logger *slog.Logger) *Notifier {
	return &Notifier{
		transport:   transport,
		subscribers: subscribers,
		marker:      marker,
		logger:      logger,
	}
}

// Notify delivers msg to each target independently. The error is only set when
// the target list could not be resolved; per-target failures are in the results.
func (n *Notifier) Notify(ctx context.Context, msg *Message) ([]Result, error) {
	targets := msg.Targets
	if targets == nil {
		var err error
		targets, err = n.subscribers.ListTargets(ctx, msg.Identity)
		if err != nil {
			return nil, fmt.Errorf("list subscribers: %w", err)
		}
	}

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		res := n.deliver(ctx, msg, target)
		results = append(results, res)

		outcome := "delivered"
		switch {
		case res.Err != nil && res.Delivered:
			outcome = "unrecorded"
		case res.Err != nil:
			outcome = "failed"
		case res.Duplicate:
			outcome = "duplicate"
		}
		deliveriesTotal.WithLabelValues(string(res.Channel), outcome).Inc()
	}
	return results, nil
}

func (n *Notifier) deliver(ctx context.Context, msg *Message, target string) Result {
	res := Result{Target: target, Channel: Text}

	sent := false
	if msg.Media != nil {
		res.Channel = Rich
		err := n.transport.SendRich(ctx, target, *msg.Media, msg.Caption)
		if err == nil {
			sent = true
		} else {
			n.logger.Warn("Rich delivery failed, falling back to text",
				"identity", msg.Identity,
				"target", target,
				"error", err)
			res.Channel = Text
		}
	}
	if !sent {
		if err := n.transport.SendText(ctx, target, msg.fallbackText()); err != nil {
			n.logger.Warn("Delivery failed",
				"identity", msg.Identity,
				"target", target,
				"channel", res.Channel,
				"error", err)
			res.Err = err
			return res
		}
	}
	res.Delivered = true

	if msg.Event != nil && n.marker != nil {
		added, err := n.marker.MarkNotified(ctx, *msg.Event, target)
		if err != nil {
			// The target stays pending and is sent the event again next cycle.
			n.logger.Error("Failed to record delivery, target will be retried",
				"identity", msg.Identity,
				"key", msg.Event.Key,
				"target", target,
				"error", err)
			res.Err = fmt.Errorf("record delivery: %w", err)
		} else if !added {
			res.Duplicate = true
		}
	}
	return res
}

// Failed counts the results that were not delivered or not recorded.
func Failed(results []Result) int {
	var n int
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Delivered counts the results that reached their target.
func Delivered(results []Result) int {
	var n int
	for _, r := range results {
		if r.Delivered {
			n++
		}
	}
	return n
}
