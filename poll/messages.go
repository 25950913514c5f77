package poll

import (
	"fmt"
	"strings"

	"profile-notifier/diff"
	"profile-notifier/notify"
	"profile-notifier/pkg/watch"
)

const maxCaptionRunes = 500

func displayHandle(snap *watch.Snapshot) string {
	if snap.DisplayName == "" {
		return "@" + snap.Identity
	}
	return fmt.Sprintf("@%s (%s)", snap.Identity, snap.DisplayName)
}

// SummaryMessage builds the "now tracking" notification for snap.
// Targets nil means every subscriber of the identity.
func SummaryMessage(snap *watch.Snapshot, targets []string) *notify.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Now tracking %s\n", displayHandle(snap))
	fmt.Fprintf(&b, "Followers: %d\nFollowing: %d\nPosts: %d", snap.Followers, snap.Following, snap.Posts)
	if snap.Verified {
		b.WriteString("\nVerified account")
	}
	if snap.Private {
		b.WriteString("\nPrivate account")
	}

	msg := &notify.Message{
		Identity: snap.Identity,
		Caption:  b.String(),
		Targets:  targets,
	}
	if snap.AvatarURL != "" {
		msg.Media = &watch.Attachment{URL: snap.AvatarURL, Kind: watch.Photo}
	}
	return msg
}

func changeMessage(snap *watch.Snapshot, cs diff.ChangeSet) *notify.Message {
	lines := append([]string{fmt.Sprintf("%s profile update", displayHandle(snap))}, cs.Lines(snap)...)
	msg := &notify.Message{
		Identity: snap.Identity,
		Caption:  strings.Join(lines, "\n"),
	}
	if cs.AvatarChanged && snap.AvatarURL != "" {
		msg.Media = &watch.Attachment{URL: snap.AvatarURL, Kind: watch.Photo}
	}
	return msg
}

func eventMessage(ev *watch.Event, targets []string) *notify.Message {
	var caption string
	switch ev.Type {
	case watch.Story:
		caption = fmt.Sprintf("New story from @%s", ev.Identity)
	default:
		caption = fmt.Sprintf("New post from @%s", ev.Identity)
		if c := truncate(strings.TrimSpace(ev.Caption), maxCaptionRunes); c != "" {
			caption += "\n" + c
		}
	}
	ref := ev.Ref()
	return &notify.Message{
		Media:    &watch.Attachment{URL: ev.MediaRef, Kind: ev.MediaKind},
		Event:    &ref,
		Identity: ev.Identity,
		Caption:  caption,
		Targets:  targets,
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
