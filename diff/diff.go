// Package diff compares two snapshots of the same identity.
package diff

import (
	"fmt"

	"profile-notifier/pkg/watch"
)

// ChangeSet is the structured difference between two snapshots.
type ChangeSet struct {
	OldName         string
	NewName         string
	FollowersDelta  int64
	FollowingDelta  int64
	PostsDelta      int64
	Changed         bool
	First           bool // No previous snapshot existed
	VerifiedChanged bool
	PrivateChanged  bool
	NameChanged     bool
	BioChanged      bool
	AvatarChanged   bool
	AvatarUnknown   bool // A hash attempt failed on one side, so the avatar was not compared
}

// Diff compares curr against prev. A nil prev is a first observation.
func Diff(curr, prev *watch.Snapshot) ChangeSet {
	if prev == nil {
		return ChangeSet{Changed: true, First: true}
	}

	cs := ChangeSet{
		FollowersDelta:  curr.Followers - prev.Followers,
		FollowingDelta:  curr.Following - prev.Following,
		PostsDelta:      curr.Posts - prev.Posts,
		VerifiedChanged: curr.Verified != prev.Verified,
		PrivateChanged:  curr.Private != prev.Private,
		NameChanged:     curr.DisplayName != prev.DisplayName,
		BioChanged:      curr.Biography != prev.Biography,
	}
	if cs.NameChanged {
		cs.OldName = prev.DisplayName
		cs.NewName = curr.DisplayName
	}

	// A failed hash says nothing about presence, so never compare it.
	if curr.AvatarStatus == watch.HashFailed || prev.AvatarStatus == watch.HashFailed {
		cs.AvatarUnknown = true
	} else {
		cs.AvatarChanged = status(curr) != status(prev) ||
			(status(curr) == watch.HashOK && curr.AvatarHash != prev.AvatarHash)
	}

	cs.Changed = cs.FollowersDelta != 0 ||
		cs.FollowingDelta != 0 ||
		cs.PostsDelta != 0 ||
		cs.VerifiedChanged ||
		cs.PrivateChanged ||
		cs.NameChanged ||
		cs.BioChanged ||
		cs.AvatarChanged
	return cs
}

// Snapshots written before hash tracking have no status.
func status(s *watch.Snapshot) watch.HashStatus {
	if s.AvatarStatus != "" {
		return s.AvatarStatus
	}
	if s.AvatarHash != "" {
		return watch.HashOK
	}
	return watch.HashNone
}

// Signals returns the names of the signals that are set.
func (cs ChangeSet) Signals() []string {
	var out []string
	if cs.First {
		out = append(out, "first")
	}
	if cs.FollowersDelta != 0 {
		out = append(out, "followers")
	}
	if cs.FollowingDelta != 0 {
		out = append(out, "following")
	}
	if cs.PostsDelta != 0 {
		out = append(out, "posts")
	}
	if cs.VerifiedChanged {
		out = append(out, "verified")
	}
	if cs.PrivateChanged {
		out = append(out, "private")
	}
	if cs.NameChanged {
		out = append(out, "name")
	}
	if cs.BioChanged {
		out = append(out, "bio")
	}
	if cs.AvatarChanged {
		out = append(out, "avatar")
	}
	return out
}

// Lines renders the change as human readable lines using the values in curr.
func (cs ChangeSet) Lines(curr *watch.Snapshot) []string {
	var lines []string
	if cs.FollowersDelta != 0 {
		lines = append(lines, fmt.Sprintf("Followers: %d (%+d)", curr.Followers, cs.FollowersDelta))
	}
	if cs.FollowingDelta != 0 {
		lines = append(lines, fmt.Sprintf("Following: %d (%+d)", curr.Following, cs.FollowingDelta))
	}
	if cs.PostsDelta != 0 {
		lines = append(lines, fmt.Sprintf("Posts: %d (%+d)", curr.Posts, cs.PostsDelta))
	}
	if cs.NameChanged {
		lines = append(lines, fmt.Sprintf("Name: %q -> %q", cs.OldName, cs.NewName))
	}
	if cs.BioChanged {
		lines = append(lines, "Biography updated")
	}
	if cs.VerifiedChanged {
		if curr.Verified {
			lines = append(lines, "Account is now verified")
		} else {
			lines = append(lines, "Account is no longer verified")
		}
	}
	if cs.PrivateChanged {
		if curr.Private {
			lines = append(lines, "Account is now private")
		} else {
			lines = append(lines, "Account is now public")
		}
	}
	if cs.AvatarChanged {
		switch status(curr) {
		case watch.HashNone:
			lines = append(lines, "Profile picture removed")
		default:
			lines = append(lines, "Profile picture changed")
		}
	}
	return lines
}
