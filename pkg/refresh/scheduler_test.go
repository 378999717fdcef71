package refresh

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/grovetools/tabsync/pkg/monitoring"
	"github.com/grovetools/tabsync/state"
	"github.com/grovetools/tabsync/testutil"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeCache struct {
	mu    sync.Mutex
	state monitoring.State
	now   func() time.Time
	err   error
	gate  chan struct{}
	calls atomic.Int32
}

func newFakeCache(last time.Time) *fakeCache {
	s := monitoring.Initial()
	s.IsDataSynced = true
	s.BackgroundRefresh = monitoring.BackgroundRefreshConfig{
		Enabled:            true,
		RefreshInterval:    time.Hour,
		DataStaleThreshold: 5 * time.Minute,
		LastRefreshTime:    last,
	}
	return &fakeCache{state: s, now: func() time.Time { return epoch }}
}

func (f *fakeCache) Snapshot() monitoring.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCache) RefreshSilently(ctx context.Context) error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	f.state.BackgroundRefresh.LastRefreshTime = f.now()
	f.mu.Unlock()
	return f.err
}

func (f *fakeCache) update(fn func(*monitoring.State)) {
	f.mu.Lock()
	fn(&f.state)
	f.mu.Unlock()
}

func newScheduler(t *testing.T, cache Cache, vis Visibility) *Scheduler {
	t.Helper()
	s := New(cache, vis, WithClock(func() time.Time { return epoch }))
	t.Cleanup(func() {
		s.Stop()
		s.Wait()
	})
	return s
}

func TestStaleTickRefreshesOnce(t *testing.T) {
	cache := newFakeCache(epoch.Add(-5*time.Minute - time.Millisecond))
	vis := NewManualVisibility(true)
	s := newScheduler(t, cache, vis)

	s.Start(context.Background(), time.Hour)
	require.Eventually(t, func() bool { return cache.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	assert.Equal(t, epoch, cache.Snapshot().BackgroundRefresh.LastRefreshTime)

	// Now fresh: another check does nothing.
	assert.Equal(t, ResultFresh, s.Check(context.Background()))
	assert.Equal(t, int32(1), cache.calls.Load())
}

func TestHiddenMakesNoCalls(t *testing.T) {
	cache := newFakeCache(time.Time{})
	vis := NewManualVisibility(false)
	s := newScheduler(t, cache, vis)

	s.Start(context.Background(), 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, ResultHidden, s.Check(context.Background()))
	assert.Equal(t, int32(0), cache.calls.Load())
}

func TestBecomingVisibleTriggersCheck(t *testing.T) {
	cache := newFakeCache(time.Time{})
	vis := NewManualVisibility(false)
	s := newScheduler(t, cache, vis)

	s.Start(context.Background(), time.Hour)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), cache.calls.Load())

	vis.Set(true)
	require.Eventually(t, func() bool { return cache.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckResults(t *testing.T) {
	cache := newFakeCache(epoch.Add(-time.Hour))
	cache.gate = make(chan struct{})
	s := New(cache, NewManualVisibility(true), WithClock(func() time.Time { return epoch }))

	assert.Equal(t, ResultStopped, s.Check(context.Background()))

	s.Start(context.Background(), time.Hour)
	require.Eventually(t, func() bool { return cache.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, ResultBusy, s.Check(context.Background()), "one refresh at a time")

	// Stop does not wait for or cancel the refresh in flight.
	s.Stop()
	assert.Equal(t, Stopped, s.Phase())
	close(cache.gate)
	s.Wait()
	assert.Equal(t, epoch, cache.Snapshot().BackgroundRefresh.LastRefreshTime)
}

func TestPartialRefreshIsCounted(t *testing.T) {
	partial := metrics.RefreshCycles.WithLabelValues(string(ResultPartial))
	before := promtest.ToFloat64(partial)

	cache := newFakeCache(time.Time{})
	cache.err = errors.APIFailed(500, "down")
	s := newScheduler(t, cache, NewManualVisibility(true))

	s.Start(context.Background(), time.Hour)
	require.Eventually(t, func() bool { return cache.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	assert.Equal(t, before+1, promtest.ToFloat64(partial))
	assert.Equal(t, epoch, cache.Snapshot().BackgroundRefresh.LastRefreshTime)
}

func TestStopDetachesVisibility(t *testing.T) {
	cache := newFakeCache(time.Time{})
	vis := NewManualVisibility(false)
	s := newScheduler(t, cache, vis)

	s.Start(context.Background(), time.Hour)
	s.Stop()
	s.Stop()

	vis.Set(true)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), cache.calls.Load())
	vis.mu.Lock()
	assert.Empty(t, vis.listeners)
	vis.mu.Unlock()
}

func TestReconcile(t *testing.T) {
	cache := newFakeCache(epoch)
	s := newScheduler(t, cache, NewManualVisibility(true))
	ctx := context.Background()

	cache.update(func(st *monitoring.State) { st.IsDataSynced = false })
	s.Reconcile(ctx)
	assert.Equal(t, Stopped, s.Phase())

	cache.update(func(st *monitoring.State) { st.IsDataSynced = true })
	s.Reconcile(ctx)
	assert.Equal(t, Running, s.Phase())

	cache.update(func(st *monitoring.State) { st.BackgroundRefresh.Enabled = false })
	s.Reconcile(ctx)
	assert.Equal(t, Stopped, s.Phase())
	assert.Equal(t, int32(0), cache.calls.Load(), "data was fresh throughout")
}

func TestWithController(t *testing.T) {
	api := testutil.NewAPI()
	clock := func() time.Time { return epoch }
	c := monitoring.NewController(api, state.NewMemoryStore(), monitoring.WithClock(clock))
	defer c.Close()
	ctx := context.Background()

	c.SyncAll(ctx)
	c.Dispatch(monitoring.SetLastRefreshTime{At: epoch.Add(-10 * time.Minute)})
	api.ResetCalls()

	s := newScheduler(t, c, NewManualVisibility(true))
	s.Reconcile(ctx)
	require.Eventually(t, func() bool { return api.Calls() == 3 }, 2*time.Second, 5*time.Millisecond)
	s.Wait()

	assert.Equal(t, epoch, c.Snapshot().BackgroundRefresh.LastRefreshTime)

	c.Reset()
	s.Reconcile(ctx)
	assert.Equal(t, Stopped, s.Phase())
}
