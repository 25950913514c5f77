package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"profile-notifier/ledger"
	"profile-notifier/notify"
	"profile-notifier/pkg/watch"
	"profile-notifier/scraper"
	"profile-notifier/storage"
)

type fakeFetcher struct {
	mu       sync.Mutex
	profiles map[string]*watch.Snapshot
	stories  map[string]*watch.Media
	feeds    map[string][]*watch.Media
	block    chan struct{}
	started  chan string // Receives each identity whose profile fetch began
	fetched  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		profiles: make(map[string]*watch.Snapshot),
		stories:  make(map[string]*watch.Media),
		feeds:    make(map[string][]*watch.Media),
	}
}

func (f *fakeFetcher) FetchProfile(ctx context.Context, identity string) (*watch.Snapshot, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, identity)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- identity
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[identity]
	if !ok {
		return nil, scraper.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeFetcher) FetchStory(ctx context.Context, identity string) (*watch.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stories[identity], nil
}

func (f *fakeFetcher) FetchFeed(ctx context.Context, identity string) ([]*watch.Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeds[identity], nil
}

func (f *fakeFetcher) profileFetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.fetched)
}

func (f *fakeFetcher) setProfile(p *watch.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[p.Identity] = p
}

type sent struct {
	target  string
	channel notify.Channel
	body    string
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sent
	failRich bool
	failing  map[string]bool
}

func (f *fakeTransport) SendRich(ctx context.Context, target string, media watch.Attachment, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRich || f.failing[target] {
		return errors.New("rich unavailable")
	}
	f.sent = append(f.sent, sent{target: target, channel: notify.Rich, body: caption})
	return nil
}

func (f *fakeTransport) SendText(ctx context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[target] {
		return fmt.Errorf("mailbox %s unavailable", target)
	}
	f.sent = append(f.sent, sent{target: target, channel: notify.Text, body: text})
	return nil
}

func (f *fakeTransport) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

type fixture struct {
	sched     *Scheduler
	store     *storage.Store
	fetcher   *fakeFetcher
	transport *fakeTransport
	clock     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := storage.New(nil, "", t.TempDir(), []byte("salt"), logger)
	fetcher := newFakeFetcher()
	transport := &fakeTransport{failing: make(map[string]bool)}
	led := ledger.New(store, logger)
	notifier := notify.New(transport, store, led, logger)

	f := &fixture{
		store:     store,
		fetcher:   fetcher,
		transport: transport,
		clock:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.sched = New(Config{MaxPostsPerCycle: 2}, fetcher, store, led, notifier, logger)
	f.sched.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) subscribe(t *testing.T, identity string, targets ...string) {
	t.Helper()
	for _, target := range targets {
		if _, err := f.store.AddSubscription(context.Background(), &watch.Subscription{Identity: identity, Target: target}); err != nil {
			t.Fatalf("AddSubscription() error = %v", err)
		}
	}
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func TestCheckProfileNotifiesChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")

	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", DisplayName: "Alpha", Followers: 100, Following: 10, Posts: 3, AvatarStatus: watch.HashNone})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("first CheckProfile() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].body, "Now tracking @alpha (Alpha)") {
		t.Fatalf("first observation messages = %+v", msgs)
	}

	f.transport.reset()
	f.advance(time.Minute)
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("unchanged CheckProfile() error = %v", err)
	}
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Fatalf("unchanged profile sent %d messages", len(msgs))
	}

	f.advance(time.Minute)
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", DisplayName: "Alpha", Followers: 105, Following: 10, Posts: 3, AvatarStatus: watch.HashNone})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("changed CheckProfile() error = %v", err)
	}
	msgs = f.transport.messages()
	if len(msgs) != 1 {
		t.Fatalf("change messages = %d, want 1", len(msgs))
	}
	if msgs[0].channel != notify.Text {
		t.Errorf("channel = %s, want text for a counter change", msgs[0].channel)
	}
	if !strings.Contains(msgs[0].body, "Followers: 105 (+5)") {
		t.Errorf("body = %q", msgs[0].body)
	}

	latest, err := f.store.LatestSnapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if latest.Followers != 105 {
		t.Errorf("latest followers = %d, want 105", latest.Followers)
	}
}

func TestCheckProfileCarriesFailedAvatarHash(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")

	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: "https://cdn.example.com/a.jpg", AvatarHash: "h1", AvatarStatus: watch.HashOK})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	f.transport.reset()

	f.advance(time.Minute)
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: "https://cdn.example.com/a2.jpg", AvatarStatus: watch.HashFailed})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Fatalf("failed avatar hash produced %d messages", len(msgs))
	}

	f.advance(time.Minute)
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: "https://cdn.example.com/a3.jpg", AvatarHash: "h2", AvatarStatus: watch.HashOK})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || msgs[0].channel != notify.Rich || !strings.Contains(msgs[0].body, "Profile picture changed") {
		t.Fatalf("avatar change messages = %+v", msgs)
	}
}

func TestCheckProfileReplacesFailedBaseline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	avatar := "https://cdn.example.com/a.jpg"

	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: avatar, AvatarStatus: watch.HashFailed})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	f.transport.reset()

	f.advance(time.Minute)
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: avatar, AvatarHash: "h1", AvatarStatus: watch.HashOK})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Fatalf("restoring the hash baseline sent %d messages", len(msgs))
	}
	latest, err := f.store.LatestSnapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if latest.AvatarStatus != watch.HashOK || latest.AvatarHash != "h1" {
		t.Fatalf("latest avatar = %s/%q, want ok/h1", latest.AvatarStatus, latest.AvatarHash)
	}

	f.advance(time.Minute)
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarURL: avatar, AvatarHash: "h2", AvatarStatus: watch.HashOK})
	if err := f.sched.CheckProfile(ctx, "alpha", CheckOptions{}); err != nil {
		t.Fatalf("CheckProfile() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].body, "Profile picture changed") {
		t.Fatalf("avatar change messages = %+v", msgs)
	}
}

func TestCheckProfileSuppression(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		force   bool
		want    int
	}{
		{name: "inside window", elapsed: 30 * time.Second, want: 0},
		{name: "inside window forced", elapsed: 30 * time.Second, force: true, want: 1},
		{name: "after window", elapsed: 120 * time.Second, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)
			f.subscribe(t, "beta", "b@example.com")
			f.fetcher.setProfile(&watch.Snapshot{Identity: "beta", Followers: 1, AvatarStatus: watch.HashNone})

			f.sched.MarkTracked("beta")
			f.advance(tt.elapsed)
			if err := f.sched.CheckProfile(ctx, "beta", CheckOptions{Force: tt.force}); err != nil {
				t.Fatalf("CheckProfile() error = %v", err)
			}
			if got := len(f.transport.messages()); got != tt.want {
				t.Errorf("messages = %d, want %d", got, tt.want)
			}
			snap, err := f.store.LatestSnapshot(ctx, "beta")
			if err != nil {
				t.Fatalf("LatestSnapshot() error = %v", err)
			}
			if snap == nil {
				t.Error("first observation should always be stored")
			}
		})
	}
}

func TestCheckProfileNotFound(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "ghost", "a@example.com")
	if err := f.sched.CheckProfile(context.Background(), "ghost", CheckOptions{}); err != nil {
		t.Errorf("CheckProfile() for missing identity error = %v, want nil", err)
	}
}

func TestCheckStoryOncePerTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com", "b@example.com")
	f.fetcher.stories["alpha"] = &watch.Media{ID: "m1", Ref: "https://cdn.example.com/m1.jpg", Kind: watch.Photo}

	for range 2 {
		if err := f.sched.CheckStory(ctx, "alpha"); err != nil {
			t.Fatalf("CheckStory() error = %v", err)
		}
	}

	msgs := f.transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want one per target", len(msgs))
	}
	for _, m := range msgs {
		if m.channel != notify.Rich {
			t.Errorf("target %s channel = %s, want rich", m.target, m.channel)
		}
	}

	ev, err := f.store.GetEvent(ctx, watch.EventRef{Type: watch.Story, Identity: "alpha", Key: "m1"})
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if len(ev.Notified) != 2 {
		t.Errorf("notified = %v", ev.Notified)
	}
}

func TestCheckStoryRetriesOnlyFailedTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com", "b@example.com")
	f.fetcher.stories["alpha"] = &watch.Media{ID: "m1", Ref: "https://cdn.example.com/m1.jpg", Kind: watch.Photo}
	f.transport.failing["b@example.com"] = true

	if err := f.sched.CheckStory(ctx, "alpha"); err == nil {
		t.Error("CheckStory() with a failed target should report an error")
	}
	if msgs := f.transport.messages(); len(msgs) != 1 || msgs[0].target != "a@example.com" {
		t.Fatalf("first pass messages = %+v", msgs)
	}

	f.transport.reset()
	f.transport.failing["b@example.com"] = false
	if err := f.sched.CheckStory(ctx, "alpha"); err != nil {
		t.Fatalf("retry CheckStory() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || msgs[0].target != "b@example.com" {
		t.Fatalf("retry messages = %+v, want only b@example.com", msgs)
	}
}

func TestCheckStoryRichFallsBackToText(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	f.fetcher.stories["alpha"] = &watch.Media{ID: "m1", Ref: "https://cdn.example.com/m1.mp4", Kind: watch.Video}
	f.transport.failRich = true

	if err := f.sched.CheckStory(context.Background(), "alpha"); err != nil {
		t.Fatalf("CheckStory() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || msgs[0].channel != notify.Text {
		t.Fatalf("messages = %+v", msgs)
	}
	if !strings.Contains(msgs[0].body, "https://cdn.example.com/m1.mp4") {
		t.Errorf("text fallback %q should link the media", msgs[0].body)
	}
}

func TestCheckStoryNone(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	if err := f.sched.CheckStory(context.Background(), "alpha"); err != nil {
		t.Errorf("CheckStory() with no story error = %v", err)
	}
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Errorf("messages = %d, want 0", len(msgs))
	}
}

func post(id string, at time.Time) *watch.Media {
	return &watch.Media{ID: id, Ref: "https://cdn.example.com/" + id + ".jpg", Kind: watch.Photo, Caption: "caption " + id, TakenAt: at}
}

func TestCheckFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	base := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	f.fetcher.feeds["alpha"] = []*watch.Media{post("p1", base), post("p2", base.Add(time.Hour))}
	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("baseline CheckFeed() error = %v", err)
	}
	if msgs := f.transport.messages(); len(msgs) != 0 {
		t.Fatalf("baseline sent %d messages", len(msgs))
	}
	if n, _ := f.store.CountEvents(ctx, watch.Post, "alpha"); n != 2 {
		t.Fatalf("baseline recorded %d posts, want 2", n)
	}

	f.fetcher.feeds["alpha"] = append(f.fetcher.feeds["alpha"], post("p3", base.Add(2*time.Hour)))
	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("CheckFeed() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].body, "New post from @alpha") || !strings.Contains(msgs[0].body, "caption p3") {
		t.Fatalf("new post messages = %+v", msgs)
	}

	f.transport.reset()
	f.fetcher.feeds["alpha"] = append(f.fetcher.feeds["alpha"],
		post("p4", base.Add(3*time.Hour)),
		post("p5", base.Add(4*time.Hour)),
		post("p6", base.Add(5*time.Hour)))
	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("burst CheckFeed() error = %v", err)
	}
	msgs = f.transport.messages()
	if len(msgs) != 2 {
		t.Fatalf("burst messages = %d, want the limit of 2", len(msgs))
	}
	if strings.Contains(msgs[0].body, "caption p4") || strings.Contains(msgs[1].body, "caption p4") {
		t.Error("oldest post beyond the limit should be recorded silently")
	}
	if n, _ := f.store.CountEvents(ctx, watch.Post, "alpha"); n != 6 {
		t.Errorf("recorded posts = %d, want 6", n)
	}
}

func TestCheckFeedFirstPostAfterEmptyFeed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")

	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("empty CheckFeed() error = %v", err)
	}
	ev, err := f.store.GetEvent(ctx, watch.EventRef{Type: watch.FeedBaseline, Identity: "alpha", Key: "feed"})
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev == nil {
		t.Fatal("an empty feed should still be marked as baselined")
	}

	f.fetcher.feeds["alpha"] = []*watch.Media{post("p1", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC))}
	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("CheckFeed() error = %v", err)
	}
	msgs := f.transport.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].body, "caption p1") {
		t.Fatalf("first post messages = %+v", msgs)
	}
}

func TestCheckFeedBaselineDeletedWithHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")

	if err := f.sched.CheckFeed(ctx, "alpha"); err != nil {
		t.Fatalf("CheckFeed() error = %v", err)
	}
	if err := f.store.DeleteHistory(ctx, "alpha"); err != nil {
		t.Fatalf("DeleteHistory() error = %v", err)
	}
	ev, err := f.store.GetEvent(ctx, watch.EventRef{Type: watch.FeedBaseline, Identity: "alpha", Key: "feed"})
	if err != nil {
		t.Fatalf("GetEvent() error = %v", err)
	}
	if ev != nil {
		t.Error("baseline marker should be removed with the identity's history")
	}
}

func TestRunCycleGuard(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", AvatarStatus: watch.HashNone})
	f.fetcher.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		done <- f.sched.RunCycle(context.Background(), ProfileLoop)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !f.sched.busy[ProfileLoop].Load() {
		if time.Now().After(deadline) {
			t.Fatal("cycle never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := f.sched.RunCycle(context.Background(), ProfileLoop); !errors.Is(err, ErrCycleInProgress) {
		t.Errorf("overlapping RunCycle() error = %v, want ErrCycleInProgress", err)
	}
	if err := f.sched.RunCycle(context.Background(), StoryLoop); err != nil {
		t.Errorf("other loop RunCycle() error = %v", err)
	}

	close(f.fetcher.block)
	if err := <-done; err != nil {
		t.Errorf("RunCycle() error = %v", err)
	}
}

func TestRunCycleCountsErrors(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	f.subscribe(t, "beta", "b@example.com")
	f.fetcher.stories["alpha"] = &watch.Media{ID: "s1", Ref: "https://cdn.example.com/s1.jpg", Kind: watch.Photo}
	f.transport.failing["a@example.com"] = true

	if err := f.sched.RunCycle(context.Background(), StoryLoop); err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	st := f.sched.Status()
	var story LoopStatus
	for _, l := range st.Loops {
		if l.Loop == StoryLoop {
			story = l
		}
	}
	if story.Identities != 2 || story.Errors != 1 {
		t.Errorf("story status = %+v, want 2 identities and 1 error", story)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	if got := f.sched.State(); got != Stopped {
		t.Fatalf("initial state = %s", got)
	}

	if err := f.sched.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := f.sched.State(); got != Running {
		t.Errorf("state after Start() = %s, want running", got)
	}
	if err := f.sched.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	f.sched.Stop()
	if got := f.sched.State(); got != Stopped {
		t.Errorf("state after Stop() = %s, want stopped", got)
	}
	f.sched.Stop()
	if got := f.sched.State(); got != Stopped {
		t.Errorf("state after second Stop() = %s", got)
	}
}

func TestStopLetsInFlightCheckFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.subscribe(t, "alpha", "a@example.com")
	f.subscribe(t, "beta", "b@example.com")
	f.fetcher.setProfile(&watch.Snapshot{Identity: "alpha", Followers: 1, AvatarStatus: watch.HashNone})
	f.fetcher.setProfile(&watch.Snapshot{Identity: "beta", Followers: 2, AvatarStatus: watch.HashNone})
	f.fetcher.block = make(chan struct{})
	f.fetcher.started = make(chan string, 2)

	if err := f.sched.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The first pass runs right away, long before the 30m profile interval.
	select {
	case id := <-f.fetcher.started:
		if id != "alpha" {
			t.Fatalf("first profile fetch = %q, want alpha", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not run an immediate profile pass")
	}

	stopped := make(chan struct{})
	go func() {
		f.sched.Stop()
		close(stopped)
	}()

	// Stop holds the lifecycle lock while it waits for the loops.
	deadline := time.Now().Add(5 * time.Second)
	for f.sched.mu.TryLock() {
		f.sched.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatal("Stop() never began")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(f.fetcher.block)

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop() did not return")
	}

	if got := f.sched.State(); got != Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
	snap, err := f.store.LatestSnapshot(ctx, "alpha")
	if err != nil {
		t.Fatalf("LatestSnapshot() error = %v", err)
	}
	if snap == nil {
		t.Error("in-flight check should finish and store its snapshot")
	}
	if got := f.fetcher.profileFetches(); !slices.Equal(got, []string{"alpha"}) {
		t.Errorf("profile fetches = %v, want only alpha", got)
	}
}

func TestStartFailsWhenStoreUnreachable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store := storage.New(nil, "", filepath.Join(t.TempDir(), "missing"), []byte("salt"), logger)
	sched := New(Config{}, newFakeFetcher(), store, ledger.New(store, logger), notify.New(&fakeTransport{}, store, nil, logger), logger)

	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("Start() with unreachable store should fail")
	}
	if got := sched.State(); got != Stopped {
		t.Errorf("state = %s, want stopped", got)
	}
}

func TestParseLoop(t *testing.T) {
	for _, name := range []string{"profile", "story", "feed"} {
		if l, err := ParseLoop(name); err != nil || string(l) != name {
			t.Errorf("ParseLoop(%q) = %q, %v", name, l, err)
		}
	}
	if _, err := ParseLoop("reels"); err == nil {
		t.Error("ParseLoop(reels) should fail")
	}
}

func TestSuppressorEviction(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newSuppressor(time.Minute, 2, func() time.Time { return now })

	s.Mark("a")
	now = now.Add(time.Second)
	s.Mark("b")
	now = now.Add(time.Second)
	s.Mark("c")

	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
	if s.Active("a") {
		t.Error("oldest entry should be evicted when full")
	}
	if !s.Active("c") {
		t.Error("newest entry should be active")
	}

	now = now.Add(2 * time.Minute)
	if s.Active("b") {
		t.Error("entry should expire after the window")
	}
	s.Forget("c")
	if s.Len() != 0 {
		t.Errorf("Len() after expiry and Forget = %d", s.Len())
	}
}
