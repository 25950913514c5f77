// Package track adds and removes subscriptions to tracked identities.
package track

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"profile-notifier/notify"
	"profile-notifier/pkg/watch"
	"profile-notifier/poll"
)

const initialCheckTimeout = 3 * time.Minute

var (
	// ErrAlreadyTracked means the target already follows the identity.
	ErrAlreadyTracked = errors.New("identity already tracked by this target")
	// ErrNotTracked means there is no such subscription.
	ErrNotTracked = errors.New("identity not tracked by this target")
	// ErrInvalidIdentity means the handle is not a valid identity.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Store is the subscription and history persistence used by the tracking flows.
type Store interface {
	AddSubscription(ctx context.Context, sub *watch.Subscription) (bool, error)
	RemoveSubscription(ctx context.Context, identity, target string) (bool, error)
	CountSubscribers(ctx context.Context, identity string) (int, error)
	DeleteHistory(ctx context.Context, identity string) error
	LatestSnapshot(ctx context.Context, identity string) (*watch.Snapshot, error)
}

// Checker is the part of the scheduler the tracking flows drive.
type Checker interface {
	MarkTracked(identity string)
	Forget(identity string)
	CheckProfile(ctx context.Context, identity string, opts poll.CheckOptions) error
}

// Notifier sends the welcome summary to a new subscriber.
type Notifier interface {
	Notify(ctx context.Context, msg *notify.Message) ([]notify.Result, error)
}

// Service implements the add and remove flows.
type Service struct {
	store    Store
	checker  Checker
	notifier Notifier
	logger   *slog.Logger
}

// New creates a tracking service.
func New(store Store, checker Checker, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{store: store, checker: checker, notifier: notifier, logger: logger}
}

// Normalize canonicalizes a handle and validates it.
func Normalize(raw string) (string, error) {
	id := watch.CanonicalIdentity(raw)
	if !watch.ValidIdentity(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidIdentity, raw)
	}
	return id, nil
}

// Add subscribes target to identity and returns the canonical identity.
// The first subscriber triggers an immediate profile check; later subscribers
// get a summary of the latest snapshot.
func (s *Service) Add(ctx context.Context, identity, target, creator string) (string, error) {
	id, err := Normalize(identity)
	if err != nil {
		return "", err
	}

	before, err := s.store.CountSubscribers(ctx, id)
	if err != nil {
		return "", fmt.Errorf("count subscribers: %w", err)
	}

	created, err := s.store.AddSubscription(ctx, &watch.Subscription{
		CreatedAt: time.Now(),
		Identity:  id,
		Target:    target,
		CreatedBy: creator,
	})
	if err != nil {
		return "", fmt.Errorf("add subscription: %w", err)
	}
	if !created {
		return id, ErrAlreadyTracked
	}
	s.logger.Info("Subscription added", "identity", id, "created_by", creator, "first", before == 0)

	if before == 0 {
		s.checker.MarkTracked(id)
		// Detached from the caller: once the snapshot is stored the summary must follow.
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initialCheckTimeout)
		defer cancel()
		if err := s.checker.CheckProfile(checkCtx, id, poll.CheckOptions{Force: true}); err != nil {
			s.logger.Warn("Initial profile check failed", "identity", id, "error", err)
		}
		return id, nil
	}

	snap, err := s.store.LatestSnapshot(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to load snapshot for summary", "identity", id, "error", err)
		return id, nil
	}
	if snap == nil {
		return id, nil
	}
	results, err := s.notifier.Notify(ctx, poll.SummaryMessage(snap, []string{target}))
	if err != nil || notify.Delivered(results) == 0 {
		s.logger.Warn("Failed to send tracking summary", "identity", id, "error", err)
	}
	return id, nil
}

// Remove unsubscribes target. Removing the last subscriber deletes the identity's history.
func (s *Service) Remove(ctx context.Context, identity, target string) (string, error) {
	id, err := Normalize(identity)
	if err != nil {
		return "", err
	}

	removed, err := s.store.RemoveSubscription(ctx, id, target)
	if err != nil {
		return "", fmt.Errorf("remove subscription: %w", err)
	}
	if !removed {
		return id, ErrNotTracked
	}

	remaining, err := s.store.CountSubscribers(ctx, id)
	if err != nil {
		return id, fmt.Errorf("count subscribers: %w", err)
	}
	s.logger.Info("Subscription removed", "identity", id, "remaining", remaining)
	if remaining > 0 {
		return id, nil
	}

	if err := s.store.DeleteHistory(ctx, id); err != nil {
		return id, fmt.Errorf("delete history: %w", err)
	}
	s.checker.Forget(id)
	s.logger.Info("Identity history deleted", "identity", id)
	return id, nil
}
