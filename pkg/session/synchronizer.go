package session

import (
	"context"
	"sync"

	"github.com/grovetools/tabsync/pkg/bus"
	"github.com/sirupsen/logrus"
)

// Synchronizer connects a Manager to the cross-tab bus. Inbound messages
// are applied to the manager; local logins, logouts and token refreshes
// are published. Changes applied from the bus are never re-published.
type Synchronizer struct {
	manager *Manager
	bus     bus.Bus
	logger  *logrus.Entry

	mu          sync.Mutex
	unsubscribe func()
}

// NewSynchronizer creates a stopped synchronizer.
func NewSynchronizer(manager *Manager, b bus.Bus, logger *logrus.Entry) *Synchronizer {
	if logger == nil {
		logger = manager.logger
	}
	return &Synchronizer{
		manager: manager,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to the bus. Calling Start twice is a no-op.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return
	}
	s.unsubscribe = s.bus.Subscribe(s.handle)
	s.manager.setPublisher(s.publish)
}

// Stop unsubscribes and detaches from the manager.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe == nil {
		return
	}
	s.unsubscribe()
	s.unsubscribe = nil
	s.manager.setPublisher(nil)
}

// RequestAuthCheck asks sibling tabs whether they are authenticated. A positive
// answer makes this tab re-read the store.
func (s *Synchronizer) RequestAuthCheck(ctx context.Context) error {
	return s.bus.Publish(ctx, bus.AuthCheckRequest())
}

func (s *Synchronizer) publish(ctx context.Context, msg bus.Message) {
	if err := s.bus.Publish(ctx, msg); err != nil {
		s.logger.WithError(err).WithField("type", msg.Type).Warn("Failed to publish session change")
	}
}

func (s *Synchronizer) handle(ctx context.Context, msg bus.Message) {
	log := s.logger.WithField("type", msg.Type)

	switch msg.Type {
	case bus.TypeLogin:
		tok, err := msg.Token()
		if err != nil {
			log.WithError(err).Warn("Ignoring malformed message")
			return
		}
		s.manager.applyRemoteLogin(ctx, tok)
		log.Debug("Adopted login from sibling tab")

	case bus.TypeLogout:
		s.manager.applyRemoteLogout(ctx)
		log.Debug("Applied logout from sibling tab")

	case bus.TypeTokenRefreshed:
		tok, err := msg.Token()
		if err != nil {
			log.WithError(err).Warn("Ignoring malformed message")
			return
		}
		if !s.manager.applyRemoteRefresh(ctx, tok) {
			log.Debug("Ignoring token refresh without a local user")
		}

	case bus.TypeAuthCheckRequest:
		s.publish(ctx, bus.AuthCheckResponse(s.manager.IsAuthenticated()))

	case bus.TypeAuthCheckResponse:
		check, err := msg.AuthCheck()
		if err != nil {
			log.WithError(err).Warn("Ignoring malformed message")
			return
		}
		if check.IsAuthenticated && !s.manager.IsAuthenticated() {
			if s.manager.adoptFromStore(ctx) {
				log.Debug("Adopted session from store after sibling check")
			}
		}

	default:
		log.Debug("Ignoring unknown message type")
	}
}
