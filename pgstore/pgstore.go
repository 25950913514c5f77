// Package pgstore persists subscriptions, snapshots and media events in PostgreSQL.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"profile-notifier/pkg/watch"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	identity   TEXT NOT NULL,
	target     TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (identity, target)
);

CREATE TABLE IF NOT EXISTS snapshots (
	id            UUID PRIMARY KEY,
	identity      TEXT NOT NULL,
	display_name  TEXT NOT NULL DEFAULT '',
	biography     TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT NOT NULL DEFAULT '',
	avatar_hash   TEXT NOT NULL DEFAULT '',
	avatar_status TEXT NOT NULL DEFAULT 'none',
	private       BOOLEAN NOT NULL DEFAULT false,
	verified      BOOLEAN NOT NULL DEFAULT false,
	followers     BIGINT NOT NULL DEFAULT 0,
	following     BIGINT NOT NULL DEFAULT 0,
	posts         BIGINT NOT NULL DEFAULT 0,
	raw           JSONB,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS snapshots_identity_created_at ON snapshots (identity, created_at DESC);

CREATE TABLE IF NOT EXISTS media_events (
	type         TEXT NOT NULL,
	identity     TEXT NOT NULL,
	event_key    TEXT NOT NULL,
	media_ref    TEXT NOT NULL DEFAULT '',
	media_kind   TEXT NOT NULL DEFAULT '',
	caption      TEXT NOT NULL DEFAULT '',
	taken_at     TIMESTAMPTZ,
	first_seen   TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	recipients   TEXT[] NOT NULL DEFAULT '{}',
	notified     TEXT[] NOT NULL DEFAULT '{}',
	PRIMARY KEY (type, identity, event_key)
);
`

// Store implements the engine's persistence on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// New wraps an open database handle.
func New(db *sql.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) ListIdentities(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT identity FROM subscriptions ORDER BY identity`)
}

func (s *Store) ListTargets(ctx context.Context, identity string) ([]string, error) {
	return s.strings(ctx, `SELECT target FROM subscriptions WHERE identity = $1 ORDER BY target`, identity)
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) CountSubscribers(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscriptions WHERE identity = $1`, identity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// AddSubscription reports false when the pair already exists.
func (s *Store) AddSubscription(ctx context.Context, sub *watch.Subscription) (bool, error) {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (identity, target, created_by, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity, target) DO NOTHING`,
		sub.Identity, sub.Target, sub.CreatedBy, sub.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert subscription: %w", err)
	}
	return affected(res)
}

func (s *Store) RemoveSubscription(ctx context.Context, identity, target string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE identity = $1 AND target = $2`, identity, target)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return affected(res)
}

// DeleteHistory removes every snapshot and event of identity in one transaction.
func (s *Store) DeleteHistory(ctx context.Context, identity string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM media_events WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Info("History deleted", "identity", identity)
	return nil
}

// LatestSnapshot returns nil when identity has no snapshot.
func (s *Store) LatestSnapshot(ctx context.Context, identity string) (*watch.Snapshot, error) {
	var snap watch.Snapshot
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, identity, display_name, biography, avatar_url, avatar_hash, avatar_status,
		       private, verified, followers, following, posts, raw, created_at
		FROM snapshots
		WHERE identity = $1
		ORDER BY created_at DESC
		LIMIT 1`, identity).Scan(
		&snap.ID, &snap.Identity, &snap.DisplayName, &snap.Biography, &snap.AvatarURL, &snap.AvatarHash, &snap.AvatarStatus,
		&snap.Private, &snap.Verified, &snap.Followers, &snap.Following, &snap.Posts, &raw, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select snapshot: %w", err)
	}
	snap.Raw = raw
	return &snap, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap *watch.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now()
	}
	raw := sql.NullString{String: string(snap.Raw), Valid: len(snap.Raw) > 0}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, identity, display_name, biography, avatar_url, avatar_hash, avatar_status,
		                       private, verified, followers, following, posts, raw, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		snap.ID, snap.Identity, snap.DisplayName, snap.Biography, snap.AvatarURL, snap.AvatarHash, string(snap.AvatarStatus),
		snap.Private, snap.Verified, snap.Followers, snap.Following, snap.Posts, raw, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// InsertEvent reports false when a record with the same (type, identity, key) exists.
func (s *Store) InsertEvent(ctx context.Context, ev *watch.Event) (bool, error) {
	recipients := ev.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	notified := ev.Notified
	if notified == nil {
		notified = []string{}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO media_events (type, identity, event_key, media_ref, media_kind, caption,
		                          taken_at, first_seen, recipients, notified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (type, identity, event_key) DO NOTHING`,
		string(ev.Type), ev.Identity, ev.Key, ev.MediaRef, string(ev.MediaKind), ev.Caption,
		nullTime(ev.TakenAt), ev.FirstSeen, pq.Array(recipients), pq.Array(notified))
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	return affected(res)
}

// GetEvent returns nil when no record exists.
func (s *Store) GetEvent(ctx context.Context, ref watch.EventRef) (*watch.Event, error) {
	var ev watch.Event
	var takenAt, processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT type, identity, event_key, media_ref, media_kind, caption,
		       taken_at, first_seen, processed_at, recipients, notified
		FROM media_events
		WHERE type = $1 AND identity = $2 AND event_key = $3`,
		string(ref.Type), ref.Identity, ref.Key).Scan(
		&ev.Type, &ev.Identity, &ev.Key, &ev.MediaRef, &ev.MediaKind, &ev.Caption,
		&takenAt, &ev.FirstSeen, &processedAt, pq.Array(&ev.Recipients), pq.Array(&ev.Notified))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select event: %w", err)
	}
	ev.TakenAt = takenAt.Time
	ev.ProcessedAt = processedAt.Time
	return &ev, nil
}

// AddNotified appends target unless it is already present, reporting whether it was added.
func (s *Store) AddNotified(ctx context.Context, ref watch.EventRef, target string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE media_events
		SET notified = array_append(notified, $4::text), processed_at = now()
		WHERE type = $1 AND identity = $2 AND event_key = $3 AND NOT ($4::text = ANY(notified))`,
		string(ref.Type), ref.Identity, ref.Key, target)
	if err != nil {
		return false, fmt.Errorf("update event: %w", err)
	}
	return affected(res)
}

func (s *Store) CountEvents(ctx context.Context, t watch.EventType, identity string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM media_events WHERE type = $1 AND identity = $2`,
		string(t), identity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
