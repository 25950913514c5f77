package poll

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// suppressor remembers when identities were first tracked, for a bounded time and count.
// It is in memory only and starts empty after a restart.
type suppressor struct {
	entries *expirable.LRU[string, time.Time]
	now     func() time.Time
	window  time.Duration
}

func newSuppressor(window time.Duration, maxEntries int, now func() time.Time) *suppressor {
	return &suppressor{
		entries: expirable.NewLRU[string, time.Time](maxEntries, nil, window),
		now:     now,
		window:  window,
	}
}

// Mark records identity as tracked now. When full the least recently marked entry goes first.
func (s *suppressor) Mark(identity string) {
	s.entries.Add(identity, s.now())
}

// Active reports whether identity is still inside its grace window.
func (s *suppressor) Active(identity string) bool {
	at, ok := s.entries.Peek(identity)
	if !ok {
		return false
	}
	if s.now().Sub(at) >= s.window {
		s.entries.Remove(identity)
		return false
	}
	return true
}

// Forget drops identity.
func (s *suppressor) Forget(identity string) {
	s.entries.Remove(identity)
}

func (s *suppressor) Len() int {
	return s.entries.Len()
}
