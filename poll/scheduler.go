// Package poll runs the profile, story and feed check loops over every tracked identity.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"profile-notifier/notify"
	"profile-notifier/pkg/watch"
)

// ErrCycleInProgress is returned when a loop's previous cycle has not finished.
var ErrCycleInProgress = errors.New("cycle already in progress")

// State is the scheduler lifecycle state.
type State int32

const (
	Stopped State = iota
	Initializing
	Running
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Running:
		return "running"
	default:
		return "stopped"
	}
}

// Loop names one of the independent check cycles.
type Loop string

const (
	ProfileLoop Loop = "profile"
	StoryLoop   Loop = "story"
	FeedLoop    Loop = "feed"
)

// Loops lists every loop in a stable order.
var Loops = []Loop{ProfileLoop, StoryLoop, FeedLoop}

// ParseLoop converts a loop name.
func ParseLoop(name string) (Loop, error) {
	for _, l := range Loops {
		if string(l) == name {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown loop %q", name)
}

// Fetcher reads provider data. It paces itself through the shared rate limiter.
type Fetcher interface {
	FetchProfile(ctx context.Context, identity string) (*watch.Snapshot, error)
	FetchStory(ctx context.Context, identity string) (*watch.Media, error)
	FetchFeed(ctx context.Context, identity string) ([]*watch.Media, error)
}

// Store is the persistence the scheduler reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	ListIdentities(ctx context.Context) ([]string, error)
	ListTargets(ctx context.Context, identity string) ([]string, error)
	LatestSnapshot(ctx context.Context, identity string) (*watch.Snapshot, error)
	AppendSnapshot(ctx context.Context, snap *watch.Snapshot) error
}

// Ledger deduplicates story and post events.
type Ledger interface {
	ShouldProcess(ctx context.Context, ref watch.EventRef) (bool, error)
	RecordSeen(ctx context.Context, ev *watch.Event) (*watch.Event, bool, error)
	Lookup(ctx context.Context, ref watch.EventRef) (*watch.Event, error)
}

// Notifier delivers messages to subscribers.
type Notifier interface {
	Notify(ctx context.Context, msg *notify.Message) ([]notify.Result, error)
}

// Config holds scheduler timing and limits.
type Config struct {
	ProfileInterval    time.Duration
	StoryInterval      time.Duration
	FeedInterval       time.Duration
	ItemDelay          time.Duration // Base pause between identities
	ItemJitter         time.Duration // Upper bound of the random part of the pause
	CheckTimeout       time.Duration // Bound on one identity's check
	PingTimeout        time.Duration
	ShutdownTimeout    time.Duration
	SuppressWindow     time.Duration
	SuppressMaxEntries int
	MaxPostsPerCycle   int
}

func (c *Config) setDefaults() {
	defaults := []struct {
		field *time.Duration
		value time.Duration
	}{
		{&c.ProfileInterval, 30 * time.Minute},
		{&c.StoryInterval, 15 * time.Minute},
		{&c.FeedInterval, 30 * time.Minute},
		{&c.CheckTimeout, 3 * time.Minute},
		{&c.PingTimeout, 10 * time.Second},
		{&c.ShutdownTimeout, 30 * time.Second},
		{&c.SuppressWindow, 90 * time.Second},
	}
	for _, d := range defaults {
		if *d.field <= 0 {
			*d.field = d.value
		}
	}
	if c.SuppressMaxEntries <= 0 {
		c.SuppressMaxEntries = 1000
	}
	if c.MaxPostsPerCycle <= 0 {
		c.MaxPostsPerCycle = 5
	}
}

func (c *Config) interval(l Loop) time.Duration {
	switch l {
	case StoryLoop:
		return c.StoryInterval
	case FeedLoop:
		return c.FeedInterval
	default:
		return c.ProfileInterval
	}
}

// LoopStatus describes the most recent cycle of a loop.
type LoopStatus struct {
	LastStart  time.Time `json:"last_start"`
	LastEnd    time.Time `json:"last_end"`
	Loop       Loop      `json:"loop"`
	LastError  string    `json:"last_error,omitempty"`
	Interval   string    `json:"interval"`
	Identities int       `json:"identities"`
	Errors     int       `json:"errors"`
	Busy       bool      `json:"busy"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State string       `json:"state"`
	Loops []LoopStatus `json:"loops"`
}

// Scheduler owns the poll loops and their lifecycle.
type Scheduler struct {
	cfg        Config
	fetcher    Fetcher
	store      Store
	ledger     Ledger
	notifier   Notifier
	logger     *slog.Logger
	suppressor *suppressor
	now        func() time.Time

	mu     sync.Mutex // Serializes Start and Stop
	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	busy     map[Loop]*atomic.Bool
	statusMu sync.Mutex
	status   map[Loop]*LoopStatus
}

// New creates a stopped scheduler.
func New(cfg Config, fetcher Fetcher, store Store, ledger Ledger, notifier Notifier, logger *slog.Logger) *Scheduler {
	cfg.setDefaults()
	s := &Scheduler{
		cfg:      cfg,
		fetcher:  fetcher,
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		busy:     make(map[Loop]*atomic.Bool),
		status:   make(map[Loop]*LoopStatus),
	}
	s.suppressor = newSuppressor(cfg.SuppressWindow, cfg.SuppressMaxEntries, func() time.Time { return s.now() })
	for _, l := range Loops {
		s.busy[l] = &atomic.Bool{}
		s.status[l] = &LoopStatus{Loop: l, Interval: cfg.interval(l).String()}
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	schedulerState.Set(float64(st))
	s.logger.Info("Scheduler state changed", "state", st.String())
}

// Start pings the store, then launches the loops with an immediate first pass.
// A failed ping leaves the scheduler stopped and returns the error.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Running {
		return nil
	}
	s.setState(Initializing)

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
	err := s.store.Ping(pingCtx)
	cancel()
	if err != nil {
		s.setState(Stopped)
		return fmt.Errorf("ping store: %w", err)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	s.cancel = cancelLoops
	s.done = make(chan struct{})
	s.setState(Running)

	g, gctx := errgroup.WithContext(loopCtx)
	for _, l := range Loops {
		g.Go(func() error {
			s.runLoop(gctx, g, l)
			return nil
		})
	}
	go func(done chan struct{}) {
		_ = g.Wait()
		close(done)
	}(s.done)

	s.logger.Info("Scheduler started",
		"profile_interval", s.cfg.ProfileInterval.String(),
		"story_interval", s.cfg.StoryInterval.String(),
		"feed_interval", s.cfg.FeedInterval.String())
	return nil
}

// Stop cancels the loops, lets in-flight checks finish up to the shutdown timeout,
// and moves to Stopped. Calling it when stopped does nothing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == Stopped {
		return
	}
	s.cancel()

	select {
	case <-s.done:
		s.logger.Info("Scheduler loops finished")
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("Timed out waiting for in-flight checks", "timeout", s.cfg.ShutdownTimeout.String())
	}
	s.setState(Stopped)
}

func (s *Scheduler) runLoop(ctx context.Context, g *errgroup.Group, l Loop) {
	ticker := time.NewTicker(s.cfg.interval(l))
	defer ticker.Stop()

	s.trigger(ctx, g, l)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(ctx, g, l)
		}
	}
}

// trigger starts a cycle in the background unless the previous one is still running.
func (s *Scheduler) trigger(ctx context.Context, g *errgroup.Group, l Loop) {
	if !s.busy[l].CompareAndSwap(false, true) {
		cyclesTotal.WithLabelValues(string(l), "skipped").Inc()
		s.logger.Warn("Previous cycle still running, skipping tick", "loop", l)
		return
	}
	g.Go(func() error {
		defer s.busy[l].Store(false)
		if err := s.cycle(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Cycle failed", "loop", l, "error", err)
		}
		return nil
	})
}

// RunCycle runs one cycle of loop synchronously.
func (s *Scheduler) RunCycle(ctx context.Context, l Loop) error {
	if !s.busy[l].CompareAndSwap(false, true) {
		cyclesTotal.WithLabelValues(string(l), "skipped").Inc()
		return ErrCycleInProgress
	}
	defer s.busy[l].Store(false)
	return s.cycle(ctx, l)
}

func (s *Scheduler) cycle(ctx context.Context, l Loop) error {
	start := s.now()
	s.updateStatus(l, func(st *LoopStatus) {
		st.LastStart = start
		st.Busy = true
	})

	identities, err := s.store.ListIdentities(ctx)
	if err != nil {
		cyclesTotal.WithLabelValues(string(l), "error").Inc()
		s.updateStatus(l, func(st *LoopStatus) {
			st.LastEnd = s.now()
			st.LastError = err.Error()
			st.Busy = false
		})
		return fmt.Errorf("list identities: %w", err)
	}

	s.logger.Info("Cycle starting", "loop", l, "identities", len(identities))

	var checked, failed int
	for i, id := range identities {
		if ctx.Err() != nil {
			s.logger.Info("Context cancelled, stopping cycle", "loop", l, "remaining", len(identities)-i)
			break
		}
		if i > 0 {
			if err := s.pause(ctx); err != nil {
				break
			}
		}

		if err := s.checkIdentity(ctx, l, id); err != nil {
			failed++
			identityChecksTotal.WithLabelValues(string(l), "error").Inc()
			s.logger.Warn("Identity check failed", "loop", l, "identity", id, "error", err)
			continue
		}
		checked++
		identityChecksTotal.WithLabelValues(string(l), "ok").Inc()
	}

	duration := s.now().Sub(start)
	cycleDuration.WithLabelValues(string(l)).Observe(duration.Seconds())
	cyclesTotal.WithLabelValues(string(l), "ok").Inc()
	s.updateStatus(l, func(st *LoopStatus) {
		st.LastEnd = s.now()
		st.Identities = len(identities)
		st.Errors = failed
		st.LastError = ""
		st.Busy = false
	})

	s.logger.Info("Cycle completed",
		"loop", l,
		"checked", checked,
		"failed", failed,
		"duration_ms", duration.Milliseconds())
	return nil
}

// checkIdentity runs on a context detached from loop cancellation so a stop
// never interrupts a check halfway through its writes.
func (s *Scheduler) checkIdentity(ctx context.Context, l Loop, identity string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CheckTimeout)
	defer cancel()

	switch l {
	case StoryLoop:
		return s.CheckStory(ctx, identity)
	case FeedLoop:
		return s.CheckFeed(ctx, identity)
	default:
		return s.CheckProfile(ctx, identity, CheckOptions{})
	}
}

// pause sleeps the jittered inter-identity delay.
func (s *Scheduler) pause(ctx context.Context) error {
	d := s.cfg.ItemDelay
	if s.cfg.ItemJitter > 0 {
		d += rand.N(s.cfg.ItemJitter)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Scheduler) updateStatus(l Loop, fn func(*LoopStatus)) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	fn(s.status[l])
}

// Status returns the state and the last cycle of each loop.
func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	st := Status{State: s.State().String()}
	for _, l := range Loops {
		st.Loops = append(st.Loops, *s.status[l])
	}
	return st
}

// MarkTracked starts the new-identity grace window for identity.
func (s *Scheduler) MarkTracked(identity string) {
	s.suppressor.Mark(identity)
}

// Forget drops per-identity in-memory state.
func (s *Scheduler) Forget(identity string) {
	s.suppressor.Forget(identity)
}
