// Package ledger records which media events were seen and who was told about them.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"profile-notifier/pkg/watch"
)

// Store is the persistence the ledger needs. InsertEvent must be an atomic insert-if-absent.
type Store interface {
	InsertEvent(ctx context.Context, ev *watch.Event) (bool, error)
	GetEvent(ctx context.Context, ref watch.EventRef) (*watch.Event, error)
	AddNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error)
}

// Ledger makes event notification idempotent across retries and overlapping checks.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a ledger over store.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// ShouldProcess reports whether no record exists for ref yet.
func (l *Ledger) ShouldProcess(ctx context.Context, ref watch.EventRef) (bool, error) {
	ev, err := l.store.GetEvent(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("lookup event: %w", err)
	}
	return ev == nil, nil
}

// RecordSeen creates the record for ev if absent. It returns the stored record, which is the
// pre-existing one when ev was already recorded, and whether this call created it.
func (l *Ledger) RecordSeen(ctx context.Context, ev *watch.Event) (*watch.Event, bool, error) {
	if ev.FirstSeen.IsZero() {
		ev.FirstSeen = time.Now()
	}
	created, err := l.store.InsertEvent(ctx, ev)
	if err != nil {
		return nil, false, fmt.Errorf("insert event: %w", err)
	}
	if created {
		l.logger.Info("Event recorded",
			"type", ev.Type,
			"identity", ev.Identity,
			"key", ev.Key,
			"recipients", len(ev.Recipients))
		return ev, true, nil
	}

	existing, err := l.store.GetEvent(ctx, ev.Ref())
	if err != nil {
		return nil, false, fmt.Errorf("load existing event: %w", err)
	}
	if existing == nil {
		// Deleted between insert and load, e.g. by a cascade cleanup.
		return nil, false, fmt.Errorf("event %s/%s/%s vanished after insert conflict", ev.Type, ev.Identity, ev.Key)
	}
	return existing, false, nil
}

// MarkNotified records confirmed delivery to target and reports whether it was new.
func (l *Ledger) MarkNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error) {
	added, err := l.store.AddNotified(ctx, ref, target)
	if err != nil {
		return false, fmt.Errorf("add notified target: %w", err)
	}
	if !added {
		l.logger.Debug("Target already notified", "type", ref.Type, "identity", ref.Identity, "key", ref.Key, "target", target)
	}
	return added, nil
}

// Lookup returns the record for ref, or nil when none exists.
func (l *Ledger) Lookup(ctx context.Context, ref watch.EventRef) (*watch.Event, error) {
	ev, err := l.store.GetEvent(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("lookup event: %w", err)
	}
	return ev, nil
}
