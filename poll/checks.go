package poll

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"profile-notifier/diff"
	"profile-notifier/notify"
	"profile-notifier/pkg/watch"
	"profile-notifier/scraper"
)

// CheckOptions tunes a single profile check.
type CheckOptions struct {
	Force bool // Send the first-observation summary even inside the grace window
}

// CheckProfile fetches identity's profile, stores it when something changed and
// notifies subscribers about the change.
func (s *Scheduler) CheckProfile(ctx context.Context, identity string, opts CheckOptions) error {
	prev, err := s.store.LatestSnapshot(ctx, identity)
	if err != nil {
		return fmt.Errorf("load latest snapshot: %w", err)
	}

	curr, err := s.fetcher.FetchProfile(ctx, identity)
	if errors.Is(err, scraper.ErrNotFound) {
		s.logger.Info("Identity not found at provider", "identity", identity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch profile: %w", err)
	}
	curr.Identity = identity

	// A failed avatar fetch keeps the last known hash so the next success compares against it.
	if prev != nil && curr.AvatarStatus == watch.HashFailed && prev.AvatarStatus != watch.HashFailed {
		curr.AvatarHash = prev.AvatarHash
		curr.AvatarStatus = prev.AvatarStatus
	}

	cs := diff.Diff(curr, prev)
	if cs.AvatarUnknown {
		s.logger.Info("Avatar comparison skipped", "identity", identity)
	}
	// A stored failed hash can never be compared, so the first usable hash replaces it silently.
	rebaseline := prev != nil && prev.AvatarStatus == watch.HashFailed && curr.AvatarStatus != watch.HashFailed
	if !cs.Changed && !rebaseline {
		s.logger.Debug("Profile unchanged", "identity", identity)
		return nil
	}

	if curr.CreatedAt.IsZero() {
		curr.CreatedAt = s.now()
	}
	if err := s.store.AppendSnapshot(ctx, curr); err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	s.logger.Info("Profile snapshot stored", "identity", identity, "signals", cs.Signals())
	if !cs.Changed {
		s.logger.Info("Avatar hash baseline restored", "identity", identity)
		return nil
	}

	var msg *notify.Message
	if cs.First {
		if !opts.Force && s.suppressor.Active(identity) {
			s.logger.Info("First observation inside grace window, not notifying", "identity", identity)
			return nil
		}
		msg = SummaryMessage(curr, nil)
	} else {
		msg = changeMessage(curr, cs)
	}

	results, err := s.notifier.Notify(ctx, msg)
	if err != nil {
		return fmt.Errorf("notify profile change: %w", err)
	}
	s.logger.Info("Profile notification sent",
		"identity", identity,
		"first", cs.First,
		"targets", len(results),
		"delivered", notify.Delivered(results))
	return nil
}

// CheckStory notifies subscribers about the current ephemeral item once per target.
func (s *Scheduler) CheckStory(ctx context.Context, identity string) error {
	item, err := s.fetcher.FetchStory(ctx, identity)
	if errors.Is(err, scraper.ErrNotFound) {
		s.logger.Info("Identity not found at provider", "identity", identity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch story: %w", err)
	}
	if item == nil {
		s.logger.Debug("No active story", "identity", identity)
		return nil
	}

	subs, err := s.store.ListTargets(ctx, identity)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	ev, err := s.resolveEvent(ctx, watch.Story, identity, item, subs)
	if err != nil {
		return err
	}
	return s.deliverEvent(ctx, ev, subs)
}

// CheckFeed notifies subscribers about new feed items. The first check of an
// identity records every current item without notifying, even when the feed is empty.
func (s *Scheduler) CheckFeed(ctx context.Context, identity string) error {
	items, err := s.fetcher.FetchFeed(ctx, identity)
	if errors.Is(err, scraper.ErrNotFound) {
		s.logger.Info("Identity not found at provider", "identity", identity)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch feed: %w", err)
	}

	baseline, err := s.ledger.Lookup(ctx, feedBaselineRef(identity))
	if err != nil {
		return err
	}

	var fresh []*watch.Media
	var existing []*watch.Event
	for _, item := range items {
		ref := watch.EventRef{Type: watch.Post, Identity: identity, Key: item.Key()}
		ev, err := s.ledger.Lookup(ctx, ref)
		if err != nil {
			return err
		}
		if ev == nil {
			fresh = append(fresh, item)
		} else {
			existing = append(existing, ev)
		}
	}

	if baseline == nil {
		for _, item := range fresh {
			if _, _, err := s.ledger.RecordSeen(ctx, s.newEvent(watch.Post, identity, item, nil)); err != nil {
				return err
			}
		}
		// The marker goes last so an interrupted pass is repeated silently.
		marker := &watch.Event{Type: watch.FeedBaseline, Identity: identity, Key: feedBaselineRef(identity).Key, FirstSeen: s.now()}
		if _, _, err := s.ledger.RecordSeen(ctx, marker); err != nil {
			return err
		}
		s.logger.Info("Feed baseline recorded", "identity", identity, "items", len(fresh))
		return nil
	}
	if len(fresh) == 0 && len(existing) == 0 {
		return nil
	}

	subs, err := s.store.ListTargets(ctx, identity)
	if err != nil {
		return fmt.Errorf("list subscribers: %w", err)
	}

	if over := len(fresh) - s.cfg.MaxPostsPerCycle; over > 0 {
		for _, item := range fresh[:over] {
			if _, _, err := s.ledger.RecordSeen(ctx, s.newEvent(watch.Post, identity, item, nil)); err != nil {
				return err
			}
		}
		s.logger.Warn("Too many new posts, older ones recorded without notifying",
			"identity", identity,
			"skipped", over,
			"limit", s.cfg.MaxPostsPerCycle)
		fresh = fresh[over:]
	}

	var errs []error
	for _, ev := range existing {
		if len(ev.Pending(subs)) == 0 {
			continue
		}
		errs = append(errs, s.deliverEvent(ctx, ev, subs))
	}
	for _, item := range fresh {
		ev, err := s.resolveEvent(ctx, watch.Post, identity, item, subs)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		errs = append(errs, s.deliverEvent(ctx, ev, subs))
	}
	return errors.Join(errs...)
}

func feedBaselineRef(identity string) watch.EventRef {
	return watch.EventRef{Type: watch.FeedBaseline, Identity: identity, Key: "feed"}
}

func (s *Scheduler) newEvent(t watch.EventType, identity string, item *watch.Media, recipients []string) *watch.Event {
	return &watch.Event{
		TakenAt:    item.TakenAt,
		FirstSeen:  s.now(),
		Type:       t,
		Identity:   identity,
		Key:        item.Key(),
		MediaRef:   item.Ref,
		MediaKind:  item.Kind,
		Caption:    item.Caption,
		Recipients: slices.Clone(recipients),
	}
}

// resolveEvent returns the stored record for item, creating it with the current
// subscribers as recipients when this is the first sighting.
func (s *Scheduler) resolveEvent(ctx context.Context, t watch.EventType, identity string, item *watch.Media, subs []string) (*watch.Event, error) {
	ref := watch.EventRef{Type: t, Identity: identity, Key: item.Key()}
	fresh, err := s.ledger.ShouldProcess(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !fresh {
		ev, err := s.ledger.Lookup(ctx, ref)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	ev, _, err := s.ledger.RecordSeen(ctx, s.newEvent(t, identity, item, subs))
	return ev, err
}

func (s *Scheduler) deliverEvent(ctx context.Context, ev *watch.Event, subs []string) error {
	pending := ev.Pending(subs)
	if len(pending) == 0 {
		s.logger.Debug("Event already delivered", "type", ev.Type, "identity", ev.Identity, "key", ev.Key)
		return nil
	}

	results, err := s.notifier.Notify(ctx, eventMessage(ev, pending))
	if err != nil {
		return fmt.Errorf("notify %s: %w", ev.Type, err)
	}
	failed := notify.Failed(results)
	s.logger.Info("Event notification sent",
		"type", ev.Type,
		"identity", ev.Identity,
		"key", ev.Key,
		"pending", len(pending),
		"delivered", notify.Delivered(results),
		"failed", failed)
	if failed > 0 {
		return fmt.Errorf("%s %s: %d of %d deliveries failed", ev.Type, ev.Key, failed, len(pending))
	}
	return nil
}
