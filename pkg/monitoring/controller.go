package monitoring

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/grovetools/tabsync/pkg/alarms"
	"github.com/grovetools/tabsync/state"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrStale is returned by RefreshSilently when the cache was reset while
// the refresh was in flight and its results were dropped.
var ErrStale = errors.New(errors.ErrCodeInternal, "result discarded after monitoring reset")

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithBackgroundRefreshDefaults sets the scheduler settings used at start
// and after every reset.
func WithBackgroundRefreshDefaults(cfg BackgroundRefreshConfig) Option {
	return func(c *Controller) { c.refreshDefaults = cfg }
}

// WithQueueSize sets the persistence queue length.
func WithQueueSize(n int) Option {
	return func(c *Controller) { c.queueSize = n }
}

// Controller owns the monitoring cache of one tab. It is the only writer
// of its State; every change goes through Dispatch.
type Controller struct {
	api    API
	store  state.Store
	logger *logrus.Entry
	now    func() time.Time

	refreshDefaults BackgroundRefreshConfig
	queueSize       int
	persister       *Persister

	notifyMu sync.Mutex
	mu       sync.Mutex
	state    State

	// generation is bumped by Reset; completions started under an older
	// generation are dropped.
	generation atomic.Uint64
	restored   atomic.Bool

	subMu   sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64
}

// NewController creates a controller with an empty cache.
func NewController(api API, store state.Store, opts ...Option) *Controller {
	c := &Controller{
		api:             api,
		store:           store,
		logger:          logrus.NewEntry(logrus.StandardLogger()),
		now:             time.Now,
		refreshDefaults: DefaultBackgroundRefresh(),
		subs:            make(map[uint64]func(State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = Initial()
	c.state.BackgroundRefresh = c.refreshDefaults
	c.persister = NewPersister(store, c.logger, c.queueSize)
	return c
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive the state after every transition.
// fn must not call Dispatch.
func (c *Controller) Subscribe(fn func(State)) (cancel func()) {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

// Dispatch applies action and queues its persistence.
func (c *Controller) Dispatch(action Action) {
	c.dispatch(action, nil)
}

// dispatchIf applies action only if gen is still current.
func (c *Controller) dispatchIf(gen uint64, action Action) bool {
	return c.dispatch(action, &gen)
}

func (c *Controller) dispatch(action Action, gen *uint64) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if gen != nil && *gen != c.generation.Load() {
		c.mu.Unlock()
		c.logger.WithField("action", action.Type()).Debug("Discarding stale completion")
		return false
	}
	prev := c.state
	next := Reduce(prev, action)
	c.state = next
	c.persister.OnTransition(prev, next, action)
	c.mu.Unlock()

	c.subMu.Lock()
	fns := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
	return true
}

// Restore seeds the cache from the durable store. It runs once until the
// next Reset. Collections are only read when the sync flag is set, so a
// partial earlier sync is never resurrected.
func (c *Controller) Restore(ctx context.Context) {
	if !c.restored.CompareAndSwap(false, true) {
		return
	}
	gen := c.generation.Load()
	// Our own queued writes and removals land before the store is read.
	c.persister.Flush()

	var init InitializeFromStorage
	var refresh BackgroundRefreshConfig
	if ok, err := state.GetJSON(ctx, c.store, state.KeyBackgroundRefresh, &refresh); err != nil {
		c.logger.WithError(err).Warn("Failed to read background refresh settings")
	} else if ok {
		init.BackgroundRefresh = &refresh
	}

	synced, err := c.readSynced(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read sync flag, starting empty")
	}
	if synced {
		init.IsDataSynced = true
		reads := []struct {
			key    string
			target interface{}
		}{
			{state.KeyGroups, &init.Groups},
			{state.KeyItems, &init.Items},
			{state.KeyAlarms, &init.Alarms},
		}
		for _, r := range reads {
			if _, err := state.GetJSON(ctx, c.store, r.key, r.target); err != nil {
				c.logger.WithError(err).WithField("key", r.key).Warn("Failed to read cached collection, starting empty")
				init = InitializeFromStorage{BackgroundRefresh: init.BackgroundRefresh}
				break
			}
		}
	}

	if c.dispatchIf(gen, init) {
		c.logger.WithField("synced", init.IsDataSynced).Debug("Monitoring cache restored")
	}
}

func (c *Controller) readSynced(ctx context.Context) (bool, error) {
	var synced bool
	_, err := state.GetJSON(ctx, c.store, state.KeyDataSynced, &synced)
	return synced, err
}

// fetchInto runs one collection fetch. A visible fetch toggles the loading
// flag and records errors in the collection; a silent one only logs them.
func fetchInto[T any](ctx context.Context, c *Controller, gen uint64, kind Kind, silent bool,
	call func(context.Context) ([]T, error), loaded func([]T) Action) error {

	if !silent {
		c.dispatchIf(gen, Loading{Kind: kind})
	}

	data, err := call(ctx)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(kind.label()).Inc()
		c.logger.WithError(err).WithFields(logrus.Fields{
			"collection": kind.label(),
			"silent":     silent,
		}).Warn("Fetch failed")
		if !silent {
			c.dispatchIf(gen, Failed{Kind: kind, Err: err})
		}
		return err
	}

	if !c.dispatchIf(gen, loaded(data)) {
		return ErrStale
	}
	return nil
}

func (c *Controller) fetchGroups(ctx context.Context, gen uint64, silent bool) error {
	return fetchInto(ctx, c, gen, KindGroups, silent, c.api.GetGroups, func(d []Group) Action {
		return GroupsLoaded{Data: d, Silent: silent}
	})
}

func (c *Controller) fetchItems(ctx context.Context, gen uint64, silent bool) error {
	return fetchInto(ctx, c, gen, KindItems, silent, c.api.GetItems, func(d []Item) Action {
		return ItemsLoaded{Data: d, Silent: silent}
	})
}

func (c *Controller) fetchAlarms(ctx context.Context, gen uint64, filter AlarmFilter, silent bool) error {
	call := func(ctx context.Context) ([]Alarm, error) { return c.api.GetAlarms(ctx, filter) }
	return fetchInto(ctx, c, gen, KindAlarms, silent, call, func(d []Alarm) Action {
		return AlarmsLoaded{Data: d, Silent: silent}
	})
}

// FetchGroups reloads the groups. Errors end up in State.Groups.Error.
func (c *Controller) FetchGroups(ctx context.Context) {
	_ = c.fetchGroups(ctx, c.generation.Load(), false)
}

// FetchItems reloads the items.
func (c *Controller) FetchItems(ctx context.Context) {
	_ = c.fetchItems(ctx, c.generation.Load(), false)
}

// FetchAlarms reloads the alarms matching filter.
func (c *Controller) FetchAlarms(ctx context.Context, filter AlarmFilter) {
	_ = c.fetchAlarms(ctx, c.generation.Load(), filter, false)
}

// FetchValues loads the latest values of itemIDs.
func (c *Controller) FetchValues(ctx context.Context, itemIDs []string) {
	call := func(ctx context.Context) ([]Value, error) { return c.api.GetValues(ctx, itemIDs) }
	_ = fetchInto(ctx, c, c.generation.Load(), KindValues, false, call, func(d []Value) Action {
		return ValuesLoaded{Data: d}
	})
}

// fetchAll loads groups, items and alarms in parallel. Each fetch runs to
// completion; the first error is returned.
func (c *Controller) fetchAll(ctx context.Context, gen uint64, silent bool) error {
	var g errgroup.Group
	g.Go(func() error { return c.fetchGroups(ctx, gen, silent) })
	g.Go(func() error { return c.fetchItems(ctx, gen, silent) })
	g.Go(func() error { return c.fetchAlarms(ctx, gen, AlarmFilter{}, silent) })
	return g.Wait()
}

// SyncAll performs the initial full fetch. When every collection loaded the
// cache is marked synced and the refresh time is stamped.
func (c *Controller) SyncAll(ctx context.Context) {
	gen := c.generation.Load()
	if err := c.fetchAll(ctx, gen, false); err != nil {
		c.logger.WithError(err).Warn("Initial sync incomplete")
		return
	}
	if c.dispatchIf(gen, SetDataSynced{Synced: true}) {
		c.dispatchIf(gen, SetLastRefreshTime{At: c.now()})
		c.logger.Info("Monitoring data synced")
	}
}

// ForceRefresh re-fetches the collections with visible loading flags.
func (c *Controller) ForceRefresh(ctx context.Context) {
	gen := c.generation.Load()
	if err := c.fetchAll(ctx, gen, false); err != nil {
		c.logger.WithError(err).Warn("Forced refresh incomplete")
	}
	c.dispatchIf(gen, SetLastRefreshTime{At: c.now()})
}

// RefreshSilently re-fetches the collections without touching loading or
// error flags and records the refresh time, even after a partial failure.
// It returns ErrStale when the cache was reset meanwhile.
func (c *Controller) RefreshSilently(ctx context.Context) error {
	gen := c.generation.Load()
	err := c.fetchAll(ctx, gen, true)
	if !c.dispatchIf(gen, SetLastRefreshTime{At: c.now()}) {
		return ErrStale
	}
	return err
}

// FetchActiveAlarmCount resolves the number of active alarms on the cached
// items and their highest priority. Unlike the other fetches it returns
// its error; retry policy belongs to the caller.
func (c *Controller) FetchActiveAlarmCount(ctx context.Context) error {
	gen := c.generation.Load()
	items := c.Snapshot().Items.Data

	if len(items) == 0 {
		c.dispatchIf(gen, ActiveAlarmsFetchSuccess{Highest: alarms.PriorityNone, At: c.now()})
		return nil
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if item.ID != "" {
			ids = append(ids, item.ID)
		}
	}

	c.dispatchIf(gen, ActiveAlarmsFetchStart{})

	active, err := c.api.GetActiveAlarms(ctx, ids)
	if err != nil {
		return c.activeAlarmsFailed(gen, err)
	}
	if len(active) == 0 {
		c.dispatchIf(gen, ActiveAlarmsFetchSuccess{Highest: alarms.PriorityNone, At: c.now()})
		return nil
	}

	configs, err := c.api.GetAlarmConfigs(ctx, ids)
	if err != nil {
		return c.activeAlarmsFailed(gen, err)
	}

	count, highest := alarms.Resolve(active, configs)
	c.dispatchIf(gen, ActiveAlarmsFetchSuccess{Count: count, Highest: highest, At: c.now()})
	return nil
}

func (c *Controller) activeAlarmsFailed(gen uint64, err error) error {
	metrics.FetchErrors.WithLabelValues("active_alarms").Inc()
	c.logger.WithError(err).Warn("Active alarm count fetch failed")
	c.dispatchIf(gen, ActiveAlarmsFetchError{Err: err})
	return err
}

// Reset drops the cache and everything persisted for it, and lets Restore
// run again. It returns once the persisted keys are removed, so a Restore
// that follows cannot read the previous session's data. Fetches still in
// flight are discarded when they complete.
func (c *Controller) Reset() {
	c.generation.Add(1)
	defaults := c.refreshDefaults
	c.Dispatch(ResetMonitoring{BackgroundRefresh: &defaults})
	c.persister.Flush()
	c.restored.Store(false)
	c.logger.Debug("Monitoring cache reset")
}

// SetCurrentFolderID selects the group shown by the UI.
func (c *Controller) SetCurrentFolderID(id string) {
	c.Dispatch(SetCurrentFolderID{ID: id})
}

// ConfigureBackgroundRefresh replaces the scheduler settings.
func (c *Controller) ConfigureBackgroundRefresh(cfg BackgroundRefreshConfig) {
	c.Dispatch(SetBackgroundRefreshConfig{Config: cfg})
}

// StreamConnecting implements alarms.StatusListener.
func (c *Controller) StreamConnecting() {
	c.Dispatch(SetStreamStatus{Status: alarms.StreamConnecting})
}

// StreamConnected implements alarms.StatusListener.
func (c *Controller) StreamConnected() {
	c.Dispatch(SetStreamStatus{Status: alarms.StreamConnected})
}

// StreamFailed implements alarms.StatusListener.
func (c *Controller) StreamFailed(err error) {
	c.Dispatch(SetStreamStatus{Status: alarms.StreamError, Err: err})
}

// StreamDisconnected implements alarms.StatusListener.
func (c *Controller) StreamDisconnected() {
	c.Dispatch(SetStreamStatus{Status: alarms.StreamDisconnected})
}

// ApplyStreamUpdate implements alarms.StatusListener.
func (c *Controller) ApplyStreamUpdate(count int, highest alarms.Priority) {
	c.Dispatch(ActiveAlarmsStreamUpdate{Count: count, Highest: highest, At: c.now()})
}

// Flush waits for queued persistence writes.
func (c *Controller) Flush() {
	c.persister.Flush()
}

// Close flushes and stops the persister.
func (c *Controller) Close() {
	c.persister.Close()
}

var _ alarms.StatusListener = (*Controller)(nil)
