package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultInboxSize bounds the number of undelivered messages per endpoint.
const DefaultInboxSize = 256

// Hub is an in-process broadcast channel. Each tab joins with its own
// Endpoint; a Hub is an ordinary value, so tests create as many as they need.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	inboxSize int
	logger    *logrus.Entry
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithInboxSize sets the per-endpoint inbox capacity.
func WithInboxSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.inboxSize = n
		}
	}
}

// WithHubLogger sets the logger used by the hub and its endpoints.
func WithHubLogger(logger *logrus.Entry) HubOption {
	return func(h *Hub) { h.logger = logger }
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		endpoints: make(map[string]*Endpoint),
		inboxSize: DefaultInboxSize,
		logger:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join attaches a new endpoint. An empty id is replaced by a random one.
func (h *Hub) Join(id string) *Endpoint {
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		id:     id,
		hub:    h,
		inbox:  make(chan []byte, h.inboxSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: h.logger.WithField("tab", id),
	}

	h.mu.Lock()
	if old, exists := h.endpoints[id]; exists {
		h.mu.Unlock()
		old.Close()
		h.mu.Lock()
	}
	h.endpoints[id] = e
	h.mu.Unlock()

	go e.run()
	return e
}

// Len returns the number of joined endpoints.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.endpoints)
}

// Reset detaches and closes every endpoint.
func (h *Hub) Reset() {
	h.mu.Lock()
	endpoints := make([]*Endpoint, 0, len(h.endpoints))
	for _, e := range h.endpoints {
		endpoints = append(endpoints, e)
	}
	h.mu.Unlock()

	for _, e := range endpoints {
		e.Close()
	}
}

func (h *Hub) broadcast(from *Endpoint, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, e := range h.endpoints {
		if e == from {
			continue
		}
		select {
		case e.inbox <- data:
		default:
			// Non-blocking send so a stalled tab cannot stall its siblings.
			metrics.BusMessages.WithLabelValues("dropped", "overflow").Inc()
			h.logger.WithField("tab", id).Warn("Bus inbox full, dropping message")
		}
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[e.id] == e {
		delete(h.endpoints, e.id)
	}
}

// Endpoint is one tab's attachment to a Hub. It implements Bus.
type Endpoint struct {
	id       string
	hub      *Hub
	inbox    chan []byte
	handlers handlerSet
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	logger   *logrus.Entry
}

// ID returns the endpoint's tab id.
func (e *Endpoint) ID() string { return e.id }

// Publish implements Bus. The message is encoded before it leaves the
// endpoint, so receivers never share memory with the sender.
func (e *Endpoint) Publish(ctx context.Context, msg Message) error {
	if e.ctx.Err() != nil {
		return errors.BusFailed("publish", errors.New(errors.ErrCodeBus, "endpoint closed"))
	}
	if err := ctx.Err(); err != nil {
		return errors.BusFailed("publish", err)
	}

	data, err := Encode(msg)
	if err != nil {
		return errors.BusFailed("publish", err)
	}

	metrics.BusMessages.WithLabelValues("out", string(msg.Type)).Inc()
	e.hub.broadcast(e, data)
	return nil
}

// Subscribe implements Bus.
func (e *Endpoint) Subscribe(h Handler) func() {
	return e.handlers.add(h)
}

// Close implements Bus. It detaches from the hub and waits for the
// delivery goroutine to exit; undelivered messages are discarded.
// Close must not be called from a Handler.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		e.hub.leave(e)
		e.cancel()
		<-e.done
	})
	return nil
}

func (e *Endpoint) run() {
	defer close(e.done)
	for {
		select {
		case data := <-e.inbox:
			deliver(e.ctx, data, &e.handlers, e.logger)
		case <-e.ctx.Done():
			return
		}
	}
}
