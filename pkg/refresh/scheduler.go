// Package refresh runs the visibility-aware background refresh of the
// monitoring cache.
package refresh

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/sirupsen/logrus"
)

// Cache is the part of the monitoring controller the scheduler drives.
type Cache interface {
	Snapshot() monitoring.State
	RefreshSilently(ctx context.Context) error
}

// Result is the outcome of one staleness check.
type Result string

const (
	ResultRefreshed Result = "refreshed"
	ResultPartial   Result = "partial"
	ResultFresh     Result = "fresh"
	ResultHidden    Result = "hidden"
	ResultDiscarded Result = "discarded"
	ResultBusy      Result = "busy"
	ResultStopped   Result = "stopped"
)

// Phase is the scheduler state.
type Phase int

const (
	Stopped Phase = iota
	Running
)

func (p Phase) String() string {
	if p == Running {
		return "running"
	}
	return "stopped"
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler refreshes the cache silently when it is stale. It only runs
// while background refresh is enabled and the cache has been synced.
type Scheduler struct {
	cache      Cache
	visibility Visibility
	logger     *logrus.Entry
	now        func() time.Time

	mu         sync.Mutex
	phase      Phase
	generation uint64
	interval   time.Duration
	cancel     context.CancelFunc
	unwatch    func()
	done       chan struct{}

	// refreshing admits one silent refresh at a time.
	refreshing atomic.Bool
	cycles     sync.WaitGroup
}

// New creates a stopped scheduler.
func New(cache Cache, visibility Visibility, opts ...Option) *Scheduler {
	s := &Scheduler{
		cache:      cache,
		visibility: visibility,
		logger:     logrus.NewEntry(logrus.StandardLogger()),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current state.
func (s *Scheduler) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Reconcile starts or stops the scheduler to match the cache: it runs when
// background refresh is enabled and the data is synced. A changed interval
// restarts it.
func (s *Scheduler) Reconcile(ctx context.Context) {
	snapshot := s.cache.Snapshot()
	cfg := snapshot.BackgroundRefresh
	want := cfg.Enabled && snapshot.IsDataSynced

	s.mu.Lock()
	running := s.phase == Running
	sameInterval := s.interval == cfg.RefreshInterval
	s.mu.Unlock()

	switch {
	case want && running && sameInterval:
	case want:
		s.Start(ctx, cfg.RefreshInterval)
	case running:
		s.Stop()
	}
}

// Start runs the scheduler with the given tick period, replacing a running
// one. A check runs immediately, then on every tick and on every change to
// visible.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = monitoring.DefaultBackgroundRefresh().RefreshInterval
	}
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation++
	gen := s.generation
	loopCtx, cancel := context.WithCancel(ctx)
	wake := make(chan struct{}, 1)

	s.phase = Running
	s.interval = interval
	s.cancel = cancel
	s.done = make(chan struct{})
	s.unwatch = s.visibility.Watch(func(visible bool) {
		if !visible {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})

	s.logger.WithField("interval", interval).Debug("Background refresh started")
	go s.loop(loopCtx, gen, interval, wake, s.done)
}

// Stop cancels the ticker and the visibility listener. A refresh already
// in flight is left to finish; the cache drops its result if it was reset.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.phase == Stopped {
		s.mu.Unlock()
		return
	}
	s.phase = Stopped
	s.generation++
	cancel, unwatch, done := s.cancel, s.unwatch, s.done
	s.cancel, s.unwatch, s.done = nil, nil, nil
	s.interval = 0
	s.mu.Unlock()

	unwatch()
	cancel()
	<-done
	s.logger.Debug("Background refresh stopped")
}

// Wait blocks until in-flight refresh cycles have finished.
func (s *Scheduler) Wait() {
	s.cycles.Wait()
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, interval time.Duration, wake <-chan struct{}, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.check(ctx, gen)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx, gen)
		case <-wake:
			s.check(ctx, gen)
		}
	}
}

// Check runs one staleness check now and waits for the refresh it starts.
func (s *Scheduler) Check(ctx context.Context) Result {
	s.mu.Lock()
	gen := s.generation
	running := s.phase == Running
	s.mu.Unlock()
	if !running {
		return ResultStopped
	}

	result := make(chan Result, 1)
	if r, started := s.startCycle(ctx, gen, result); !started {
		return r
	}
	return <-result
}

func (s *Scheduler) check(ctx context.Context, gen uint64) {
	s.startCycle(ctx, gen, nil)
}

// startCycle evaluates staleness and, when stale, launches a silent
// refresh in its own goroutine so a stuck call never blocks the ticker.
func (s *Scheduler) startCycle(ctx context.Context, gen uint64, result chan<- Result) (Result, bool) {
	s.mu.Lock()
	current := s.phase == Running && s.generation == gen
	s.mu.Unlock()
	if !current {
		return ResultStopped, false
	}

	if !s.visibility.Visible() {
		s.record(ResultHidden)
		return ResultHidden, false
	}

	cfg := s.cache.Snapshot().BackgroundRefresh
	age := s.now().Sub(cfg.LastRefreshTime)
	if age < cfg.DataStaleThreshold {
		s.record(ResultFresh)
		return ResultFresh, false
	}

	if !s.refreshing.CompareAndSwap(false, true) {
		return ResultBusy, false
	}

	s.cycles.Add(1)
	// Stop does not cancel a refresh in flight.
	refreshCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.cycles.Done()
		defer s.refreshing.Store(false)

		r := s.refresh(refreshCtx, age)
		if result != nil {
			result <- r
		}
	}()
	return "", true
}

func (s *Scheduler) refresh(ctx context.Context, age time.Duration) Result {
	log := s.logger.WithField("age", age.Round(time.Second))
	err := s.cache.RefreshSilently(ctx)

	var r Result
	switch {
	case err == nil:
		r = ResultRefreshed
		log.Debug("Background refresh completed")
	case stderrors.Is(err, monitoring.ErrStale):
		r = ResultDiscarded
		log.Debug("Background refresh discarded after reset")
	default:
		r = ResultPartial
		log.WithError(err).Warn("Background refresh incomplete")
	}
	s.record(r)
	return r
}

func (s *Scheduler) record(r Result) {
	metrics.RefreshCycles.WithLabelValues(string(r)).Inc()
}
