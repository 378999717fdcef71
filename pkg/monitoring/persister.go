package monitoring

import (
	"context"
	"sync"
	"time"

	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/grovetools/tabsync/state"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize is the number of pending writes a Persister buffers.
const DefaultQueueSize = 64

type write struct {
	key    string
	value  interface{}
	remove bool
}

// Persister mirrors cache transitions into the durable store. Writes are
// applied by one goroutine in the order transitions were submitted.
type Persister struct {
	store  state.Store
	logger *logrus.Entry

	mu     sync.Mutex
	closed bool
	queue  chan write
	done   chan struct{}
}

// NewPersister starts a persister writing to store.
func NewPersister(store state.Store, logger *logrus.Entry, queueSize int) *Persister {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Persister{
		store:  store,
		logger: logger,
		queue:  make(chan write, queueSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

// OnTransition queues the writes implied by action. It never blocks; when
// the queue is full the write is dropped with a warning.
func (p *Persister) OnTransition(prev, next State, action Action) {
	for _, w := range writesFor(next, action) {
		p.enqueue(w)
	}
}

func writesFor(next State, action Action) []write {
	switch action.(type) {
	case GroupsLoaded:
		return []write{{key: state.KeyGroups, value: next.Groups.Data}}
	case ItemsLoaded:
		return []write{{key: state.KeyItems, value: next.Items.Data}}
	case AlarmsLoaded:
		return []write{{key: state.KeyAlarms, value: next.Alarms.Data}}
	case SetDataSynced:
		return []write{{key: state.KeyDataSynced, value: next.IsDataSynced}}
	case SetBackgroundRefreshConfig, SetLastRefreshTime:
		return []write{{key: state.KeyBackgroundRefresh, value: next.BackgroundRefresh}}
	case ClearAll:
		return removals(state.MonitoringKeys...)
	case ResetMonitoring:
		return removals(append(append([]string{}, state.MonitoringKeys...), state.KeyBackgroundRefresh)...)
	}
	return nil
}

func removals(keys ...string) []write {
	writes := make([]write, len(keys))
	for i, key := range keys {
		writes[i] = write{key: key, remove: true}
	}
	return writes
}

func (p *Persister) enqueue(w write) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- w:
	default:
		metrics.StorageErrors.WithLabelValues("queue_full").Inc()
		p.logger.WithField("key", w.key).Warn("Persistence queue full, dropping write")
	}
}

func (p *Persister) run() {
	defer close(p.done)
	ctx := context.Background()

	for w := range p.queue {
		if marker, ok := w.value.(chan struct{}); ok && w.key == "" {
			close(marker)
			continue
		}

		var err error
		if w.remove {
			err = p.store.Remove(ctx, w.key)
		} else {
			err = state.SetJSON(ctx, p.store, w.key, w.value)
		}
		if err != nil {
			p.logger.WithError(err).WithField("key", w.key).Warn("Failed to persist monitoring data")
		}
	}
}

// Close stops accepting writes and waits until the queued ones are applied.
func (p *Persister) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

// flushRetry is the pause between attempts to queue a flush marker while
// the queue is full.
const flushRetry = time.Millisecond

// Flush waits until every write queued so far has been applied. The lock is
// never held while waiting for queue space, so transitions keep flowing.
func (p *Persister) Flush() {
	marker := make(chan struct{})
	// An empty key never comes from writesFor.
	w := write{value: marker}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		select {
		case p.queue <- w:
			p.mu.Unlock()
			<-marker
			return
		default:
		}
		p.mu.Unlock()
		time.Sleep(flushRetry)
	}
}
