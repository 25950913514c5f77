// Package watch contains the core domain types for the profile notification service.
package watch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"slices"
	"strings"
	"time"
)

const maxIdentityLen = 64

// At least one letter or digit, so "." and ".." never name an identity.
var identityRegex = regexp.MustCompile(`^[a-z0-9._]*[a-z0-9][a-z0-9._]*$`)

// CanonicalIdentity normalizes a user supplied handle ("@Some.User " -> "some.user").
func CanonicalIdentity(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}

// ValidIdentity reports whether id is a canonical identity key.
func ValidIdentity(id string) bool {
	return len(id) <= maxIdentityLen && identityRegex.MatchString(id)
}

// ItemKey derives a stable key from a media reference when the provider gives no id.
func ItemKey(ref string) string {
	sum := sha256.Sum256([]byte(ref))
	return hex.EncodeToString(sum[:16])
}

// Subscription links one tracked identity to one notification target.
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	Identity  string    `json:"identity"`
	Target    string    `json:"target"`     // Opaque destination (email address for the email transport)
	CreatedBy string    `json:"created_by"` // Who added the subscription
}

// HashStatus records whether an avatar hash was computed.
type HashStatus string

const (
	HashNone   HashStatus = "none"   // No avatar on the profile
	HashOK     HashStatus = "ok"     // Avatar fetched and hashed
	HashFailed HashStatus = "failed" // Avatar present but fetching it failed
)

// Snapshot is one immutable observation of an identity's profile.
type Snapshot struct {
	CreatedAt    time.Time       `json:"created_at"`
	Raw          json.RawMessage `json:"raw,omitempty"`
	ID           string          `json:"id"`
	Identity     string          `json:"identity"`
	DisplayName  string          `json:"display_name"`
	Biography    string          `json:"biography"`
	AvatarURL    string          `json:"avatar_url"`
	AvatarHash   string          `json:"avatar_hash"`
	AvatarStatus HashStatus      `json:"avatar_status"`
	Followers    int64           `json:"followers"`
	Following    int64           `json:"following"`
	Posts        int64           `json:"posts"`
	Private      bool            `json:"private"`
	Verified     bool            `json:"verified"`
}

// MediaKind is the kind of a media item.
type MediaKind string

const (
	Photo MediaKind = "photo"
	Video MediaKind = "video"
)

// EventType discriminates the two kinds of media record.
type EventType string

const (
	Story EventType = "story" // Ephemeral media
	Post  EventType = "post"  // Feed media

	// FeedBaseline marks an identity whose feed was recorded on first observation.
	FeedBaseline EventType = "feed_baseline"
)

// Media is one item returned by a media fetch.
type Media struct {
	TakenAt time.Time
	ID      string // Provider id, may be empty
	Ref     string // URL of the media
	Kind    MediaKind
	Caption string
}

// Key returns the dedup key for the item.
func (m *Media) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return ItemKey(m.Ref)
}

// EventRef addresses one dedup record.
type EventRef struct {
	Type     EventType `json:"type"`
	Identity string    `json:"identity"`
	Key      string    `json:"key"`
}

// Event is a dedup ledger record for one story or post.
type Event struct {
	TakenAt     time.Time `json:"taken_at"`
	FirstSeen   time.Time `json:"first_seen"`
	ProcessedAt time.Time `json:"processed_at"`
	Type        EventType `json:"type"`
	Identity    string    `json:"identity"`
	Key         string    `json:"key"`
	MediaRef    string    `json:"media_ref"`
	MediaKind   MediaKind `json:"media_kind"`
	Caption     string    `json:"caption,omitempty"`
	Recipients  []string  `json:"recipients"` // Subscribers when the event was first recorded
	Notified    []string  `json:"notified"`   // Targets with confirmed delivery; only grows
}

// Ref returns the record's address.
func (e *Event) Ref() EventRef {
	return EventRef{Type: e.Type, Identity: e.Identity, Key: e.Key}
}

// HasNotified reports whether delivery to target was already confirmed.
func (e *Event) HasNotified(target string) bool {
	return slices.Contains(e.Notified, target)
}

// Pending returns the recipients that are still subscribed and not yet notified.
func (e *Event) Pending(subscribers []string) []string {
	var out []string
	for _, r := range e.Recipients {
		if slices.Contains(subscribers, r) && !e.HasNotified(r) {
			out = append(out, r)
		}
	}
	return out
}

// Attachment is media sent alongside a notification.
type Attachment struct {
	URL  string
	Kind MediaKind
}
