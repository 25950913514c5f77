// Package storage persists subscriptions, snapshots and media events as JSON objects
// in Cloud Storage, or in a local directory during development.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"

	"profile-notifier/pkg/watch"
)

const maxCASAttempts = 5

// Store handles persistence for the monitoring engine.
type Store struct {
	backend backend
	logger  *slog.Logger
	salt    []byte
	mu      sync.Mutex // Serializes notified-set updates within this process
}

// New creates a store. A non-empty localPath selects the local filesystem backend,
// otherwise objects go to bucket through client.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	var b backend
	if localPath != "" {
		b = &localBackend{root: localPath}
	} else {
		b = &gcsBackend{client: client, bucket: bucket, logger: logger}
	}
	return &Store{
		backend: b,
		logger:  logger,
		salt:    salt,
	}
}

// targetToken derives a stable object name from a target without exposing it.
func (s *Store) targetToken(target string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(target))))
	return hex.EncodeToString(h.Sum(nil))
}

// checkIdentity keeps malformed identities such as "." or ".." from
// resolving to another identity's prefix in the local backend.
func checkIdentity(identity string) error {
	if !watch.ValidIdentity(identity) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}
	return nil
}

func subscriptionKey(identity, token string) string {
	return fmt.Sprintf("subs/%s/%s.json", identity, token)
}

func snapshotKey(snap *watch.Snapshot) string {
	// Zero padded so lexical order equals creation order.
	return fmt.Sprintf("snapshots/%s/%020d-%s.json", snap.Identity, snap.CreatedAt.UnixNano(), snap.ID)
}

func eventKey(ref watch.EventRef) string {
	return fmt.Sprintf("events/%s/%s/%s.json", ref.Type, ref.Identity, watch.ItemKey(ref.Key))
}

func (s *Store) readJSON(ctx context.Context, key string, v any) (int64, error) {
	data, gen, err := s.backend.read(ctx, key)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return gen, nil
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.ping(ctx)
}

// ListIdentities returns every identity with at least one subscriber, sorted.
func (s *Store) ListIdentities(ctx context.Context) ([]string, error) {
	keys, err := s.backend.list(ctx, "subs/")
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	var ids []string
	for _, k := range keys {
		parts := strings.Split(k, "/")
		if len(parts) != 3 {
			continue
		}
		ids = append(ids, parts[1])
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// ListTargets returns the subscriber targets of identity, sorted.
func (s *Store) ListTargets(ctx context.Context, identity string) ([]string, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	keys, err := s.backend.list(ctx, "subs/"+identity+"/")
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	targets := make([]string, 0, len(keys))
	for _, k := range keys {
		var sub watch.Subscription
		if _, err := s.readJSON(ctx, k, &sub); err != nil {
			if errors.Is(err, ErrNotExist) {
				continue
			}
			s.logger.Warn("Failed to load subscription", "key", k, "error", err)
			continue
		}
		targets = append(targets, sub.Target)
	}
	slices.Sort(targets)
	return targets, nil
}

// CountSubscribers returns the number of targets subscribed to identity.
func (s *Store) CountSubscribers(ctx context.Context, identity string) (int, error) {
	if err := checkIdentity(identity); err != nil {
		return 0, err
	}
	keys, err := s.backend.list(ctx, "subs/"+identity+"/")
	if err != nil {
		return 0, fmt.Errorf("list subscribers: %w", err)
	}
	return len(keys), nil
}

// AddSubscription stores sub and reports false when the pair already exists.
func (s *Store) AddSubscription(ctx context.Context, sub *watch.Subscription) (bool, error) {
	if err := checkIdentity(sub.Identity); err != nil {
		return false, err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal subscription: %w", err)
	}
	key := subscriptionKey(sub.Identity, s.targetToken(sub.Target))
	if err := s.backend.create(ctx, key, data); err != nil {
		if errors.Is(err, errExists) {
			return false, nil
		}
		return false, fmt.Errorf("create subscription: %w", err)
	}
	s.logger.Info("Subscription saved", "identity", sub.Identity, "target", sub.Target)
	return true, nil
}

// RemoveSubscription deletes the pair and reports whether it existed.
func (s *Store) RemoveSubscription(ctx context.Context, identity, target string) (bool, error) {
	if err := checkIdentity(identity); err != nil {
		return false, err
	}
	key := subscriptionKey(identity, s.targetToken(target))
	if _, _, err := s.backend.read(ctx, key); err != nil {
		if errors.Is(err, ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("load subscription: %w", err)
	}
	if err := s.backend.remove(ctx, key); err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	s.logger.Info("Subscription deleted", "identity", identity, "target", target)
	return true, nil
}

// DeleteHistory removes every snapshot and event stored for identity.
func (s *Store) DeleteHistory(ctx context.Context, identity string) error {
	if err := checkIdentity(identity); err != nil {
		return err
	}
	prefixes := []string{
		"snapshots/" + identity + "/",
		path.Join("events", string(watch.Story), identity) + "/",
		path.Join("events", string(watch.Post), identity) + "/",
		path.Join("events", string(watch.FeedBaseline), identity) + "/",
	}
	var removed int
	for _, prefix := range prefixes {
		keys, err := s.backend.list(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, k := range keys {
			if err := s.backend.remove(ctx, k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
			removed++
		}
	}
	s.logger.Info("History deleted", "identity", identity, "objects", removed)
	return nil
}

// LatestSnapshot returns the most recent snapshot of identity, or nil when none exists.
func (s *Store) LatestSnapshot(ctx context.Context, identity string) (*watch.Snapshot, error) {
	if err := checkIdentity(identity); err != nil {
		return nil, err
	}
	keys, err := s.backend.list(ctx, "snapshots/"+identity+"/")
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	var snap watch.Snapshot
	if _, err := s.readJSON(ctx, slices.Max(keys), &snap); err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// AppendSnapshot stores snap, assigning an id and timestamp when unset.
func (s *Store) AppendSnapshot(ctx context.Context, snap *watch.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.backend.write(ctx, snapshotKey(snap), data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// InsertEvent stores ev unless a record with the same ref exists, reporting whether it was created.
func (s *Store) InsertEvent(ctx context.Context, ev *watch.Event) (bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshal event: %w", err)
	}
	if err := s.backend.create(ctx, eventKey(ev.Ref()), data); err != nil {
		if errors.Is(err, errExists) {
			return false, nil
		}
		return false, fmt.Errorf("create event: %w", err)
	}
	return true, nil
}

// GetEvent loads the record for ref, or nil when none exists.
func (s *Store) GetEvent(ctx context.Context, ref watch.EventRef) (*watch.Event, error) {
	var ev watch.Event
	if _, err := s.readJSON(ctx, eventKey(ref), &ev); err != nil {
		if errors.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("load event: %w", err)
	}
	return &ev, nil
}

// AddNotified appends target to the notified set of ref and reports whether it was newly added.
func (s *Store) AddNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ref)
	for range maxCASAttempts {
		var ev watch.Event
		gen, err := s.readJSON(ctx, key, &ev)
		if err != nil {
			return false, fmt.Errorf("load event: %w", err)
		}
		if ev.HasNotified(target) {
			return false, nil
		}
		ev.Notified = append(ev.Notified, target)
		ev.ProcessedAt = time.Now()

		data, err := json.Marshal(&ev)
		if err != nil {
			return false, fmt.Errorf("marshal event: %w", err)
		}
		err = s.backend.replace(ctx, key, data, gen)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, errPrecondition) {
			return false, fmt.Errorf("update event: %w", err)
		}
		s.logger.Debug("Event changed concurrently, retrying", "key", key, "target", target)
	}
	return false, fmt.Errorf("update event %s: too many concurrent writers", key)
}

// CountEvents returns how many records of type t exist for identity.
func (s *Store) CountEvents(ctx context.Context, t watch.EventType, identity string) (int, error) {
	keys, err := s.backend.list(ctx, path.Join("events", string(t), identity)+"/")
	if err != nil {
		return 0, fmt.Errorf("list events: %w", err)
	}
	return len(keys), nil
}
