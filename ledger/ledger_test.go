package ledger

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"profile-notifier/pkg/watch"
	"profile-notifier/storage"
)

func newTestLedger(t *testing.T) (*Ledger, *storage.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := storage.New(nil, "", t.TempDir(), []byte("salt"), logger)
	return New(store, logger), store
}

func storyEvent() *watch.Event {
	return &watch.Event{
		Type:       watch.Story,
		Identity:   "alpha",
		Key:        "m1",
		MediaRef:   "https://cdn.example/m1.jpg",
		MediaKind:  watch.Photo,
		Recipients: []string{"a@example.com", "b@example.com"},
	}
}

func TestRecordSeenIdempotent(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	ok, err := l.ShouldProcess(ctx, storyEvent().Ref())
	if err != nil || !ok {
		t.Fatalf("ShouldProcess() before record = %v, %v, want true", ok, err)
	}

	rec, created, err := l.RecordSeen(ctx, storyEvent())
	if err != nil || !created {
		t.Fatalf("RecordSeen() = %v, %v", created, err)
	}
	if rec.FirstSeen.IsZero() {
		t.Error("RecordSeen() should stamp FirstSeen")
	}

	// A later observation with a different recipient list keeps the original record.
	again := storyEvent()
	again.Recipients = []string{"c@example.com"}
	rec2, created, err := l.RecordSeen(ctx, again)
	if err != nil {
		t.Fatalf("second RecordSeen() error = %v", err)
	}
	if created {
		t.Error("second RecordSeen() should not create a record")
	}
	if len(rec2.Recipients) != 2 {
		t.Errorf("second RecordSeen() returned recipients %v, want the original two", rec2.Recipients)
	}

	n, err := store.CountEvents(ctx, watch.Story, "alpha")
	if err != nil || n != 1 {
		t.Errorf("CountEvents() = %d, %v, want exactly one record", n, err)
	}

	ok, err = l.ShouldProcess(ctx, storyEvent().Ref())
	if err != nil || ok {
		t.Errorf("ShouldProcess() after record = %v, %v, want false", ok, err)
	}
}

func TestMarkNotifiedOncePerTarget(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)

	ev := storyEvent()
	if _, _, err := l.RecordSeen(ctx, ev); err != nil {
		t.Fatal(err)
	}

	trues := map[string]int{}
	for range 2 {
		for _, target := range ev.Recipients {
			added, err := l.MarkNotified(ctx, ev.Ref(), target)
			if err != nil {
				t.Fatalf("MarkNotified() error = %v", err)
			}
			if added {
				trues[target]++
			}
		}
	}
	for _, target := range ev.Recipients {
		if trues[target] != 1 {
			t.Errorf("MarkNotified(%s) returned true %d times, want 1", target, trues[target])
		}
	}

	rec, err := l.Lookup(ctx, ev.Ref())
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.Pending(ev.Recipients)) != 0 {
		t.Errorf("Pending() = %v, want none", rec.Pending(ev.Recipients))
	}
}
