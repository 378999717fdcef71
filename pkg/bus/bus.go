// Package bus carries the fixed cross-tab message vocabulary between tabs.
//
// A Bus never delivers a message back to its sender. Delivery is at most once
// per subscriber and in order per sender; there is no order across senders.
package bus

import (
	"context"
	"sync"

	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/sirupsen/logrus"
)

// Handler receives inbound messages. Handlers for one bus run sequentially.
type Handler func(ctx context.Context, msg Message)

// Bus is one tab's view of the cross-tab channel.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (unsubscribe func())
	Close() error
}

type subscription struct {
	id      uint64
	handler Handler
}

// handlerSet keeps subscribers in registration order.
type handlerSet struct {
	mu   sync.RWMutex
	next uint64
	subs []subscription
}

func (s *handlerSet) add(h Handler) func() {
	s.mu.Lock()
	s.next++
	id := s.next
	s.subs = append(s.subs, subscription{id: id, handler: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, sub := range s.subs {
				if sub.id == id {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *handlerSet) snapshot() []Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Handler, len(s.subs))
	for i, sub := range s.subs {
		out[i] = sub.handler
	}
	return out
}

// deliver decodes one frame and hands it to every handler.
// Malformed frames and unknown types are logged and dropped.
func deliver(ctx context.Context, data []byte, handlers *handlerSet, logger *logrus.Entry) {
	msg, err := Decode(data)
	if err != nil {
		metrics.BusMessages.WithLabelValues("dropped", "malformed").Inc()
		logger.WithError(err).Warn("Dropping malformed bus message")
		return
	}
	if !msg.Type.Known() {
		metrics.BusMessages.WithLabelValues("dropped", "unknown").Inc()
		logger.WithField("type", msg.Type).Debug("Ignoring unknown bus message type")
		return
	}

	metrics.BusMessages.WithLabelValues("in", string(msg.Type)).Inc()
	for _, h := range handlers.snapshot() {
		h(ctx, msg)
	}
}
