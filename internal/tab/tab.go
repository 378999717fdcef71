// Package tab assembles one client tab: session manager, bus synchronizer,
// monitoring cache and background refresh, sharing a store and a bus with
// its siblings.
package tab

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/tabsync/config"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/logging"
	"github.com/grovetools/tabsync/pkg/bus"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/grovetools/tabsync/pkg/refresh"
	"github.com/grovetools/tabsync/pkg/session"
	"github.com/grovetools/tabsync/state"
	"github.com/sirupsen/logrus"
)

// Options are the collaborators of a tab. Store, Bus, Auth and API are
// required.
type Options struct {
	ID         string
	Store      state.Store
	Bus        bus.Bus
	Auth       session.AuthClient
	API        monitoring.API
	Visibility refresh.Visibility
	Config     *config.Config
	Logger     *logrus.Entry
	Clock      func() time.Time
}

// tokenSetter is implemented by API clients that send a bearer token.
type tokenSetter interface {
	SetTokenSource(fn func() string)
}

// Tab is one running client.
type Tab struct {
	ID        string
	Session   *session.Manager
	Sync      *session.Synchronizer
	Cache     *monitoring.Controller
	Scheduler *refresh.Scheduler

	bus        bus.Bus
	visibility refresh.Visibility
	logger     *logrus.Entry

	// opMu serializes cache restore and sync so a late restore cannot
	// overwrite freshly synced data.
	opMu sync.Mutex
	// autoSynced is set once a sync was attempted for the current login.
	autoSynced atomic.Bool

	changed   chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
	unwatch   []func()
	startOnce sync.Once
	closeOnce sync.Once
}

// New wires a tab. Nothing runs until Start.
func New(opts Options) (*Tab, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.InvalidInput("store", "required")
	case opts.Bus == nil:
		return nil, errors.InvalidInput("bus", "required")
	case opts.Auth == nil:
		return nil, errors.InvalidInput("auth", "required")
	case opts.API == nil:
		return nil, errors.InvalidInput("api", "required")
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	vis := opts.Visibility
	if vis == nil {
		vis = refresh.NewManualVisibility(true)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger("tab")
	}
	logger = logger.WithField("tab", id)

	sessionOpts := []session.Option{
		session.WithLogger(logger),
		session.WithExtendInterval(cfg.Session.ExtendInterval.Std()),
		session.WithSessionTTL(cfg.Session.TTL.Std()),
	}
	cacheOpts := []monitoring.Option{
		monitoring.WithLogger(logger),
		monitoring.WithBackgroundRefreshDefaults(RefreshSettings(cfg)),
	}
	schedOpts := []refresh.Option{refresh.WithLogger(logger)}
	if opts.Clock != nil {
		sessionOpts = append(sessionOpts, session.WithClock(opts.Clock))
		cacheOpts = append(cacheOpts, monitoring.WithClock(opts.Clock))
		schedOpts = append(schedOpts, refresh.WithClock(opts.Clock))
	}

	manager := session.NewManager(opts.Store, opts.Auth, sessionOpts...)
	cache := monitoring.NewController(opts.API, opts.Store, cacheOpts...)

	t := &Tab{
		ID:         id,
		Session:    manager,
		Sync:       session.NewSynchronizer(manager, opts.Bus, logger),
		Cache:      cache,
		Scheduler:  refresh.New(cache, vis, schedOpts...),
		bus:        opts.Bus,
		visibility: vis,
		logger:     logger,
		changed:    make(chan struct{}, 1),
	}

	if ts, ok := opts.API.(tokenSetter); ok {
		ts.SetTokenSource(func() string { return manager.Snapshot().AccessToken })
	}

	manager.OnLogout(func(ctx context.Context) {
		t.Scheduler.Stop()
		t.Cache.Reset()
		t.autoSynced.Store(false)
	})
	return t, nil
}

// RefreshSettings converts the refresh section of cfg into cache settings.
func RefreshSettings(cfg *config.Config) monitoring.BackgroundRefreshConfig {
	return monitoring.BackgroundRefreshConfig{
		Enabled:            cfg.Refresh.IsEnabled(),
		RefreshInterval:    cfg.Refresh.Interval.Std(),
		DataStaleThreshold: cfg.Refresh.StaleThreshold.Std(),
	}
}

// Start restores the session, asks siblings whether they are signed in and
// keeps the cache and scheduler following the session until Close.
func (t *Tab) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.cancel = cancel
		t.done = make(chan struct{})

		t.unwatch = append(t.unwatch,
			t.Session.Watch(func(session.Session) { t.signal() }),
			t.Cache.Subscribe(func(monitoring.State) { t.signal() }),
		)

		t.Sync.Start()
		t.Session.Initialize(runCtx)
		go t.run(runCtx)

		if err := t.Sync.RequestAuthCheck(runCtx); err != nil {
			t.logger.WithError(err).Warn("Failed to ask sibling tabs for their auth state")
		}
		t.signal()
		t.logger.Info("Tab started")
	})
}

func (t *Tab) signal() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *Tab) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.changed:
			t.reconcile(ctx)
		}
	}
}

// reconcile brings the cache and scheduler in line with the session. An
// authenticated tab restores the cache and, if nothing synced is stored,
// syncs once per login.
func (t *Tab) reconcile(ctx context.Context) {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	s := t.Session.Snapshot()
	if s.IsAuthenticated {
		if s.User == nil {
			t.Session.ResolveIdentity(ctx)
		}
		t.Cache.Restore(ctx)
		if !t.Cache.Snapshot().IsDataSynced && t.autoSynced.CompareAndSwap(false, true) {
			t.Cache.SyncAll(ctx)
		}
	}
	t.Scheduler.Reconcile(ctx)
}

// Login signs in and brings the cache up to date before returning.
func (t *Tab) Login(ctx context.Context, creds session.Credentials) error {
	if err := t.Session.Login(ctx, creds); err != nil {
		return err
	}
	t.reconcile(ctx)
	return nil
}

// SyncAll fetches every collection again and reports whether all of them
// arrived.
func (t *Tab) SyncAll(ctx context.Context) bool {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.Cache.SyncAll(ctx)
	return t.Cache.Snapshot().IsDataSynced
}

// Logout signs out this tab and its siblings.
func (t *Tab) Logout(ctx context.Context) {
	t.Session.Logout(ctx)
}

// SetVisible updates the visibility signal when the tab owns a manual one.
func (t *Tab) SetVisible(visible bool) bool {
	mv, ok := t.visibility.(*refresh.ManualVisibility)
	if ok {
		mv.Set(visible)
	}
	return ok
}

// ApplyConfig pushes reloaded refresh settings into the running cache.
func (t *Tab) ApplyConfig(cfg *config.Config) {
	t.Cache.ConfigureBackgroundRefresh(RefreshSettings(cfg))
	t.logger.Debug("Applied refresh settings")
}

// Close stops every goroutine of the tab and closes its bus endpoint.
func (t *Tab) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		for _, fn := range t.unwatch {
			fn()
		}
		t.Scheduler.Stop()
		t.Scheduler.Wait()
		t.Sync.Stop()
		t.Session.Close()
		t.Cache.Close()
		err = t.bus.Close()
		t.logger.Debug("Tab closed")
	})
	return err
}
