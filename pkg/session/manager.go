package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/grovetools/tabsync/pkg/bus"
	"github.com/grovetools/tabsync/state"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultExtendInterval is the period of the expiry extension tick.
	DefaultExtendInterval = 5 * time.Minute

	// DefaultSessionTTL is how far each extension pushes the persisted expiry.
	DefaultSessionTTL = 24 * time.Hour
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *logrus.Entry) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithExtendInterval sets the expiry extension period.
func WithExtendInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.extendInterval = d
		}
	}
}

// WithSessionTTL sets the lifetime granted by each extension.
func WithSessionTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager is the session state machine of one tab. It is the only writer
// of the tab's Session.
type Manager struct {
	store  state.Store
	auth   AuthClient
	logger *logrus.Entry
	now    func() time.Time

	extendInterval time.Duration
	ttl            time.Duration

	mu           sync.RWMutex
	session      Session
	refreshToken string
	publisher    func(ctx context.Context, msg bus.Message)
	logoutHooks  []func(ctx context.Context)

	// authenticated mirrors session.IsAuthenticated for lock-free readers.
	authenticated atomic.Bool

	watchMu   sync.Mutex
	notifyMu  sync.Mutex
	watchers  map[uint64]func(Session)
	nextWatch uint64

	extendMu     sync.Mutex
	extendCancel context.CancelFunc
	extendDone   chan struct{}
}

// NewManager creates a manager in the Loading state.
func NewManager(store state.Store, auth AuthClient, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		auth:           auth,
		logger:         logrus.NewEntry(logrus.StandardLogger()),
		now:            time.Now,
		extendInterval: DefaultExtendInterval,
		ttl:            DefaultSessionTTL,
		session:        Session{IsLoading: true},
		watchers:       make(map[uint64]func(Session)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns a copy of the current session.
func (m *Manager) Snapshot() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.session
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// IsAuthenticated reads the current auth flag without locking.
func (m *Manager) IsAuthenticated() bool {
	return m.authenticated.Load()
}

// Watch registers fn to receive every new session snapshot.
func (m *Manager) Watch(fn func(Session)) (cancel func()) {
	m.watchMu.Lock()
	m.nextWatch++
	id := m.nextWatch
	m.watchers[id] = fn
	m.watchMu.Unlock()

	return func() {
		m.watchMu.Lock()
		delete(m.watchers, id)
		m.watchMu.Unlock()
	}
}

// OnLogout registers a hook run after every logout, local or remote.
func (m *Manager) OnLogout(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logoutHooks = append(m.logoutHooks, fn)
}

func (m *Manager) setPublisher(fn func(ctx context.Context, msg bus.Message)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publisher = fn
}

// announce publishes a local change to sibling tabs, if a synchronizer is attached.
func (m *Manager) announce(ctx context.Context, msg bus.Message) {
	m.mu.RLock()
	publish := m.publisher
	m.mu.RUnlock()
	if publish != nil {
		publish(ctx, msg)
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	snapshot := m.Snapshot()

	m.watchMu.Lock()
	fns := make([]func(Session), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.watchMu.Unlock()

	for _, fn := range fns {
		fn(snapshot)
	}
}

// set replaces the session under the lock and keeps the atomic flag in step.
func (m *Manager) set(s Session, refreshToken string) {
	m.mu.Lock()
	m.session = s
	m.refreshToken = refreshToken
	m.authenticated.Store(s.IsAuthenticated)
	m.mu.Unlock()
}

// Initialize restores the session from the durable store. It never fails:
// a store error or an expired session leaves the tab unauthenticated.
func (m *Manager) Initialize(ctx context.Context) {
	stored, err := m.readPersisted(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read persisted session, starting unauthenticated")
	}

	if stored.valid() {
		m.set(Session{
			User:            stored.user,
			AccessToken:     stored.accessToken,
			IsAuthenticated: true,
		}, stored.refreshToken)
		metrics.SessionEvents.WithLabelValues("restore").Inc()
		m.logger.WithField("user", stored.user.Name).Info("Session restored")
		m.startExtension()
	} else {
		if stored.expired(m.now()) {
			m.logger.Info("Persisted session expired, clearing")
			m.clearPersisted(ctx)
		}
		m.set(Session{}, "")
	}
	m.notify()
}

// Login authenticates through the auth collaborator. On failure the
// collaborator's error is returned wrapped as an AUTH_ERROR; errors.Unwrap
// reaches the original.
func (m *Manager) Login(ctx context.Context, creds Credentials) error {
	m.mu.Lock()
	m.session.IsLoading = true
	m.mu.Unlock()
	m.notify()

	res, err := m.auth.Login(ctx, creds)
	if err == nil && (res == nil || res.AccessToken == "" || res.User == nil) {
		err = errors.InvalidInput("login response", "missing user or access token")
	}
	if err != nil {
		m.mu.Lock()
		m.session.IsLoading = false
		m.mu.Unlock()
		m.notify()

		metrics.SessionEvents.WithLabelValues("login_failed").Inc()
		m.logger.WithError(err).Warn("Login failed")
		if errors.Is(err, errors.ErrCodeAuth) {
			return err
		}
		return errors.AuthFailed(err)
	}

	user := *res.User
	m.set(Session{
		User:            &user,
		AccessToken:     res.AccessToken,
		IsAuthenticated: true,
	}, res.RefreshToken)
	m.notify()

	m.persist(ctx, res.AccessToken, res.RefreshToken, &user)
	m.startExtension()

	metrics.SessionEvents.WithLabelValues("login").Inc()
	m.logger.WithField("user", user.Name).Info("Logged in")
	m.announce(ctx, bus.Login(res.AccessToken, res.RefreshToken))
	return nil
}

// Logout clears the session in memory and in the store, runs the logout
// hooks and tells sibling tabs. Calling it while unauthenticated clears the
// store again (hooks included) but announces nothing.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.RLock()
	wasActive := m.session.IsAuthenticated || m.session.AccessToken != ""
	m.mu.RUnlock()

	m.clear(ctx)
	m.runLogoutHooks(ctx)
	if !wasActive {
		return
	}

	metrics.SessionEvents.WithLabelValues("logout").Inc()
	m.logger.Info("Logged out")
	m.announce(ctx, bus.Logout())
}

// RefreshTokens exchanges the refresh token for a new pair and tells
// sibling tabs. A rejected refresh is returned as an AUTH_ERROR.
func (m *Manager) RefreshTokens(ctx context.Context) error {
	m.mu.RLock()
	refreshToken := m.refreshToken
	m.mu.RUnlock()

	if refreshToken == "" {
		if _, err := state.GetJSON(ctx, m.store, state.KeyRefreshToken, &refreshToken); err != nil {
			m.logger.WithError(err).Warn("Failed to read refresh token")
		}
	}
	if refreshToken == "" {
		return errors.AuthFailed(errors.InvalidInput("refresh token", "not available"))
	}

	pair, err := m.auth.Refresh(ctx, refreshToken)
	if err == nil && (pair == nil || pair.AccessToken == "") {
		err = errors.InvalidInput("refresh response", "missing access token")
	}
	if err != nil {
		metrics.SessionEvents.WithLabelValues("refresh_failed").Inc()
		if errors.Is(err, errors.ErrCodeAuth) {
			return err
		}
		return errors.AuthFailed(err)
	}

	m.mu.Lock()
	if !m.session.IsAuthenticated {
		// Logged out while the refresh was in flight.
		m.mu.Unlock()
		m.logger.Debug("Discarding token refresh for a closed session")
		return nil
	}
	m.session.AccessToken = pair.AccessToken
	m.refreshToken = pair.RefreshToken
	user := m.session.User
	m.mu.Unlock()
	m.notify()

	m.persist(ctx, pair.AccessToken, pair.RefreshToken, user)
	metrics.SessionEvents.WithLabelValues("refresh").Inc()
	m.announce(ctx, bus.TokenRefreshed(pair.AccessToken, pair.RefreshToken))
	return nil
}

// ResolveIdentity fills in the user of a session that was adopted from a
// sibling's token-only LOGIN. It reports whether a user is now known.
func (m *Manager) ResolveIdentity(ctx context.Context) bool {
	m.mu.RLock()
	needsUser := m.session.IsAuthenticated && m.session.User == nil
	hasUser := m.session.User != nil
	m.mu.RUnlock()
	if !needsUser {
		return hasUser
	}

	var user User
	ok, err := state.GetJSON(ctx, m.store, state.KeyUser, &user)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read persisted user")
		return false
	}
	if !ok {
		return false
	}

	m.mu.Lock()
	if !m.session.IsAuthenticated || m.session.User != nil {
		m.mu.Unlock()
		return m.session.User != nil
	}
	m.session.User = &user
	m.mu.Unlock()
	m.notify()

	m.logger.WithField("user", user.Name).Debug("Identity resolved from store")
	return true
}

// Close stops the expiry extension.
func (m *Manager) Close() {
	m.stopExtension()
}

// applyRemoteLogin adopts tokens announced by a sibling. A known user is
// kept; without one the tab becomes authenticated with a nil user until
// ResolveIdentity runs.
func (m *Manager) applyRemoteLogin(ctx context.Context, tok bus.TokenPayload) {
	m.mu.Lock()
	user := m.session.User
	m.session = Session{
		User:            user,
		AccessToken:     tok.AccessToken,
		IsAuthenticated: true,
	}
	m.refreshToken = tok.RefreshToken
	m.authenticated.Store(true)
	m.mu.Unlock()
	m.notify()

	if user != nil {
		m.persist(ctx, tok.AccessToken, tok.RefreshToken, user)
	}
	m.startExtension()
	metrics.SessionEvents.WithLabelValues("remote_login").Inc()
}

// applyRemoteLogout clears everything regardless of local state.
func (m *Manager) applyRemoteLogout(ctx context.Context) {
	m.clear(ctx)
	m.runLogoutHooks(ctx)
	metrics.SessionEvents.WithLabelValues("remote_logout").Inc()
}

// applyRemoteRefresh adopts a sibling's new tokens when a user is known.
func (m *Manager) applyRemoteRefresh(ctx context.Context, tok bus.TokenPayload) bool {
	m.mu.Lock()
	if m.session.User == nil {
		m.mu.Unlock()
		return false
	}
	m.session.AccessToken = tok.AccessToken
	m.refreshToken = tok.RefreshToken
	user := m.session.User
	m.mu.Unlock()
	m.notify()

	m.persist(ctx, tok.AccessToken, tok.RefreshToken, user)
	metrics.SessionEvents.WithLabelValues("remote_refresh").Inc()
	return true
}

// adoptFromStore re-reads the store and adopts a valid session if this
// tab is not authenticated yet.
func (m *Manager) adoptFromStore(ctx context.Context) bool {
	if m.IsAuthenticated() {
		return false
	}

	stored, err := m.readPersisted(ctx)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to re-read persisted session")
		return false
	}
	if !stored.valid() {
		return false
	}

	m.mu.Lock()
	if m.session.IsAuthenticated {
		m.mu.Unlock()
		return false
	}
	m.session = Session{
		User:            stored.user,
		AccessToken:     stored.accessToken,
		IsAuthenticated: true,
	}
	m.refreshToken = stored.refreshToken
	m.authenticated.Store(true)
	m.mu.Unlock()
	m.notify()

	m.startExtension()
	metrics.SessionEvents.WithLabelValues("adopt").Inc()
	return true
}

func (m *Manager) clear(ctx context.Context) {
	m.set(Session{}, "")
	m.stopExtension()
	m.clearPersisted(ctx)
	m.notify()
}

func (m *Manager) runLogoutHooks(ctx context.Context) {
	m.mu.RLock()
	hooks := append([]func(context.Context){}, m.logoutHooks...)
	m.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx)
	}
}

// storedSession is the session as found in the durable store.
type storedSession struct {
	accessToken  string
	refreshToken string
	user         *User
	expiresAt    time.Time
	now          time.Time
}

func (p storedSession) expired(now time.Time) bool {
	return !p.expiresAt.IsZero() && !now.Before(p.expiresAt)
}

func (p storedSession) valid() bool {
	return p.accessToken != "" && p.user != nil && !p.expired(p.now)
}

// readPersisted reads every session key. The first error is returned along
// with whatever was read, so a partial read never counts as valid.
func (m *Manager) readPersisted(ctx context.Context) (storedSession, error) {
	p := storedSession{now: m.now()}

	if _, err := state.GetJSON(ctx, m.store, state.KeyAccessToken, &p.accessToken); err != nil {
		return storedSession{now: p.now}, err
	}

	var user User
	ok, err := state.GetJSON(ctx, m.store, state.KeyUser, &user)
	if err != nil {
		return storedSession{now: p.now}, err
	}
	if ok {
		p.user = &user
	}

	if _, err := state.GetJSON(ctx, m.store, state.KeyRefreshToken, &p.refreshToken); err != nil {
		return storedSession{now: p.now}, err
	}
	if _, err := state.GetJSON(ctx, m.store, state.KeyExpiresAt, &p.expiresAt); err != nil {
		return storedSession{now: p.now}, err
	}
	return p, nil
}

// persist writes the session keys. Failures are logged, never returned.
func (m *Manager) persist(ctx context.Context, accessToken, refreshToken string, user *User) {
	writes := []struct {
		key   string
		value interface{}
	}{
		{state.KeyAccessToken, accessToken},
		{state.KeyRefreshToken, refreshToken},
		{state.KeyExpiresAt, m.now().Add(m.ttl)},
	}
	if user != nil {
		writes = append(writes, struct {
			key   string
			value interface{}
		}{state.KeyUser, user})
	}

	for _, w := range writes {
		if err := state.SetJSON(ctx, m.store, w.key, w.value); err != nil {
			m.logger.WithError(err).WithField("key", w.key).Warn("Failed to persist session")
		}
	}
}

func (m *Manager) clearPersisted(ctx context.Context) {
	if err := state.RemoveAll(ctx, m.store, state.SessionKeys...); err != nil {
		m.logger.WithError(err).Warn("Failed to clear persisted session")
	}
}

// startExtension starts the expiry tick if it is not running.
func (m *Manager) startExtension() {
	m.extendMu.Lock()
	defer m.extendMu.Unlock()
	if m.extendCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.extendCancel = cancel
	m.extendDone = done

	go m.extendLoop(ctx, done)
}

func (m *Manager) stopExtension() {
	m.extendMu.Lock()
	cancel, done := m.extendCancel, m.extendDone
	m.extendCancel, m.extendDone = nil, nil
	m.extendMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (m *Manager) extendLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.extendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.authenticated.Load() {
				continue
			}
			expiresAt := m.now().Add(m.ttl)
			if err := state.SetJSON(ctx, m.store, state.KeyExpiresAt, expiresAt); err != nil {
				m.logger.WithError(err).Warn("Failed to extend session expiry")
				continue
			}
			m.logger.WithField("expires_at", expiresAt.Format(time.RFC3339)).Debug("Session expiry extended")
		}
	}
}
