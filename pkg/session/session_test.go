package session

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/pkg/bus"
	"github.com/grovetools/tabsync/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	mu         sync.Mutex
	loginRes   *LoginResult
	loginErr   error
	refreshRes *TokenPair
	refreshErr error
	refreshed  []string
}

func (f *fakeAuth) Login(ctx context.Context, creds Credentials) (*LoginResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginRes, f.loginErr
}

func (f *fakeAuth) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, refreshToken)
	return f.refreshRes, f.refreshErr
}

func aliceLogin() *fakeAuth {
	return &fakeAuth{loginRes: &LoginResult{
		User:         &User{ID: 1, Name: "alice"},
		AccessToken:  "tok1",
		RefreshToken: "ref1",
	}}
}

// failingStore fails every operation.
type failingStore struct{}

func (failingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.StorageFailed("get", key, stderrors.New("disk on fire"))
}

func (failingStore) Set(ctx context.Context, key string, value []byte) error {
	return errors.StorageFailed("set", key, stderrors.New("disk on fire"))
}

func (failingStore) Remove(ctx context.Context, key string) error {
	return errors.StorageFailed("remove", key, stderrors.New("disk on fire"))
}

// tap is a sibling endpoint recording everything published by the tab under test.
type tap struct {
	ch chan bus.Message
}

func newTap(hub *bus.Hub) *tap {
	t := &tap{ch: make(chan bus.Message, 32)}
	hub.Join("tap").Subscribe(func(ctx context.Context, msg bus.Message) { t.ch <- msg })
	return t
}

func (tp *tap) next(t *testing.T) bus.Message {
	t.Helper()
	select {
	case msg := <-tp.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for published message")
		return bus.Message{}
	}
}

func (tp *tap) none(t *testing.T) {
	t.Helper()
	select {
	case msg := <-tp.ch:
		t.Fatalf("unexpected published message %s", msg.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

type fixture struct {
	store   *state.MemoryStore
	auth    *fakeAuth
	manager *Manager
	sync    *Synchronizer
	hub     *bus.Hub
	tap     *tap
}

func newFixture(t *testing.T, auth *fakeAuth, opts ...Option) *fixture {
	t.Helper()
	hub := bus.NewHub()
	tp := newTap(hub)
	store := state.NewMemoryStore()
	m := NewManager(store, auth, opts...)
	s := NewSynchronizer(m, hub.Join("tab"), nil)
	s.Start()

	t.Cleanup(func() {
		s.Stop()
		m.Close()
		hub.Reset()
	})
	return &fixture{store: store, auth: auth, manager: m, sync: s, hub: hub, tap: tp}
}

func seedSession(t *testing.T, store state.Store, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, state.SetJSON(ctx, store, state.KeyAccessToken, "tok0"))
	require.NoError(t, state.SetJSON(ctx, store, state.KeyRefreshToken, "ref0"))
	require.NoError(t, state.SetJSON(ctx, store, state.KeyUser, User{ID: 7, Name: "bob"}))
	require.NoError(t, state.SetJSON(ctx, store, state.KeyExpiresAt, expiresAt))
}

func TestInitializeEmptyStore(t *testing.T) {
	f := newFixture(t, aliceLogin())
	assert.Equal(t, StatusLoading, f.manager.Snapshot().Status())

	f.manager.Initialize(context.Background())

	s := f.manager.Snapshot()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Nil(t, s.User)
}

func TestInitializeRestoresSession(t *testing.T) {
	f := newFixture(t, aliceLogin())
	seedSession(t, f.store, time.Now().Add(time.Hour))

	f.manager.Initialize(context.Background())

	s := f.manager.Snapshot()
	assert.True(t, s.IsAuthenticated)
	assert.Equal(t, "tok0", s.AccessToken)
	require.NotNil(t, s.User)
	assert.Equal(t, "bob", s.User.Name)
	assert.True(t, f.manager.IsAuthenticated())
}

func TestInitializeClearsExpiredSession(t *testing.T) {
	f := newFixture(t, aliceLogin())
	seedSession(t, f.store, time.Now().Add(-time.Minute))

	f.manager.Initialize(context.Background())

	assert.False(t, f.manager.Snapshot().IsAuthenticated)
	keys, err := f.store.Keys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestInitializeTokenWithoutUser(t *testing.T) {
	f := newFixture(t, aliceLogin())
	require.NoError(t, state.SetJSON(context.Background(), f.store, state.KeyAccessToken, "tok0"))

	f.manager.Initialize(context.Background())
	assert.False(t, f.manager.Snapshot().IsAuthenticated)
}

func TestInitializeStoreFailure(t *testing.T) {
	m := NewManager(failingStore{}, aliceLogin())
	defer m.Close()

	m.Initialize(context.Background())

	s := m.Snapshot()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)

	require.NoError(t, f.manager.Login(ctx, Credentials{Username: "alice", Password: "x"}))

	s := f.manager.Snapshot()
	assert.True(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Equal(t, "tok1", s.AccessToken)
	require.NotNil(t, s.User)
	assert.Equal(t, int64(1), s.User.ID)
	assert.Equal(t, "alice", s.User.Name)

	msg := f.tap.next(t)
	assert.Equal(t, bus.TypeLogin, msg.Type)
	tok, err := msg.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok1", tok.AccessToken)
	assert.Equal(t, "ref1", tok.RefreshToken)

	var refresh string
	ok, err := state.GetJSON(ctx, f.store, state.KeyRefreshToken, &refresh)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ref1", refresh)

	var expires time.Time
	ok, err = state.GetJSON(ctx, f.store, state.KeyExpiresAt, &expires)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, expires.After(time.Now()))
}

func TestLoginFailureReturnsOriginalError(t *testing.T) {
	boom := stderrors.New("invalid credentials")
	f := newFixture(t, &fakeAuth{loginErr: boom})
	ctx := context.Background()
	f.manager.Initialize(ctx)

	err := f.manager.Login(ctx, Credentials{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeAuth))
	assert.True(t, stderrors.Is(err, boom), "the collaborator's error must stay reachable")

	s := f.manager.Snapshot()
	assert.False(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	f.tap.none(t)
}

func TestLoginFailureKeepsClassifiedAuthError(t *testing.T) {
	authErr := errors.AuthFailed(stderrors.New("401"))
	f := newFixture(t, &fakeAuth{loginErr: authErr})

	err := f.manager.Login(context.Background(), Credentials{})
	assert.Same(t, authErr, err)
}

func TestLoginRejectsIncompleteResponse(t *testing.T) {
	f := newFixture(t, &fakeAuth{loginRes: &LoginResult{AccessToken: "tok"}})

	err := f.manager.Login(context.Background(), Credentials{})
	assert.True(t, errors.Is(err, errors.ErrCodeAuth))
	assert.False(t, f.manager.IsAuthenticated())
}

func TestLogout(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)
	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.next(t)

	hooks := 0
	f.manager.OnLogout(func(context.Context) { hooks++ })

	f.manager.Logout(ctx)

	s := f.manager.Snapshot()
	assert.Equal(t, Session{}, s)
	assert.Equal(t, bus.TypeLogout, f.tap.next(t).Type)
	assert.Equal(t, 1, hooks)

	keys, err := f.store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Second logout clears storage again, hooks included, without a message.
	require.NoError(t, state.SetJSON(ctx, f.store, state.KeyAccessToken, "stale"))
	f.manager.Logout(ctx)
	assert.Equal(t, Session{}, f.manager.Snapshot())
	assert.Equal(t, 2, hooks)
	f.tap.none(t)
	keys, _ = f.store.Keys(ctx)
	assert.Empty(t, keys)
}

func TestWatch(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()

	var mu sync.Mutex
	var seen []Status
	cancel := f.manager.Watch(func(s Session) {
		mu.Lock()
		seen = append(seen, s.Status())
		mu.Unlock()
	})

	f.manager.Initialize(ctx)
	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	cancel()
	f.manager.Logout(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusUnauthenticated, StatusLoading, StatusAuthenticated}, seen)
}

func TestRefreshTokens(t *testing.T) {
	auth := aliceLogin()
	auth.refreshRes = &TokenPair{AccessToken: "tok2", RefreshToken: "ref2"}
	f := newFixture(t, auth)
	ctx := context.Background()
	f.manager.Initialize(ctx)
	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.next(t)

	require.NoError(t, f.manager.RefreshTokens(ctx))

	assert.Equal(t, []string{"ref1"}, auth.refreshed)
	assert.Equal(t, "tok2", f.manager.Snapshot().AccessToken)
	msg := f.tap.next(t)
	assert.Equal(t, bus.TypeTokenRefreshed, msg.Type)

	var refresh string
	_, err := state.GetJSON(ctx, f.store, state.KeyRefreshToken, &refresh)
	require.NoError(t, err)
	assert.Equal(t, "ref2", refresh)
}

func TestRefreshTokensRejected(t *testing.T) {
	auth := aliceLogin()
	auth.refreshErr = stderrors.New("expired")
	f := newFixture(t, auth)
	ctx := context.Background()
	require.NoError(t, f.manager.Login(ctx, Credentials{}))

	err := f.manager.RefreshTokens(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeAuth))
	assert.Equal(t, "tok1", f.manager.Snapshot().AccessToken)
}

func TestRefreshTokensWithoutToken(t *testing.T) {
	f := newFixture(t, aliceLogin())
	err := f.manager.RefreshTokens(context.Background())
	assert.True(t, errors.Is(err, errors.ErrCodeAuth))
	assert.Empty(t, f.auth.refreshed)
}

func TestExpiryExtension(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	f := newFixture(t, aliceLogin(),
		WithClock(clock),
		WithExtendInterval(10*time.Millisecond),
		WithSessionTTL(time.Hour))
	ctx := context.Background()
	require.NoError(t, f.manager.Login(ctx, Credentials{}))

	readExpiry := func() time.Time {
		var expires time.Time
		state.GetJSON(ctx, f.store, state.KeyExpiresAt, &expires)
		return expires
	}
	first := readExpiry()
	assert.True(t, first.Equal(clock().Add(time.Hour)), "expiry written at login")

	advance(time.Minute)
	require.Eventually(t, func() bool {
		return readExpiry().Equal(clock().Add(time.Hour))
	}, 2*time.Second, 5*time.Millisecond)

	f.manager.Logout(ctx)
	advance(time.Minute)
	time.Sleep(50 * time.Millisecond)
	_, ok, err := f.store.Get(ctx, state.KeyExpiresAt)
	require.NoError(t, err)
	assert.False(t, ok, "no extension after logout")
}

func TestRemoteLogoutIsTerminal(t *testing.T) {
	prior := []struct {
		name  string
		setup func(f *fixture)
	}{
		{"unauthenticated", func(f *fixture) { f.manager.Initialize(context.Background()) }},
		{"loading", func(f *fixture) {}},
		{"authenticated", func(f *fixture) {
			require.NoError(t, f.manager.Login(context.Background(), Credentials{}))
		}},
		{"token only", func(f *fixture) {
			f.sync.handle(context.Background(), bus.Login("tokX", "refX"))
		}},
	}

	for _, p := range prior {
		t.Run(p.name, func(t *testing.T) {
			f := newFixture(t, aliceLogin())
			p.setup(f)

			hooks := 0
			f.manager.OnLogout(func(context.Context) { hooks++ })

			ctx := context.Background()
			f.sync.handle(ctx, bus.Logout())
			once := f.manager.Snapshot()
			f.sync.handle(ctx, bus.Logout())
			twice := f.manager.Snapshot()

			assert.Nil(t, once.User)
			assert.Empty(t, once.AccessToken)
			assert.False(t, once.IsAuthenticated)
			assert.Equal(t, once, twice)
			assert.False(t, f.manager.IsAuthenticated())
			assert.Equal(t, 2, hooks)

			keys, err := f.store.Keys(ctx)
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestRemoteLoginKeepsUser(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.next(t)

	f.sync.handle(ctx, bus.Login("A", "R"))

	s := f.manager.Snapshot()
	require.NotNil(t, s.User)
	assert.Equal(t, "alice", s.User.Name)
	assert.Equal(t, "A", s.AccessToken)
	assert.True(t, s.IsAuthenticated)

	var refresh string
	state.GetJSON(ctx, f.store, state.KeyRefreshToken, &refresh)
	assert.Equal(t, "R", refresh)

	f.tap.none(t)
}

func TestRemoteLoginWithoutUser(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)

	f.sync.handle(ctx, bus.Login("A", "R"))

	s := f.manager.Snapshot()
	assert.True(t, s.IsAuthenticated)
	assert.Nil(t, s.User)
	assert.Equal(t, "A", s.AccessToken)

	assert.False(t, f.manager.ResolveIdentity(ctx), "nothing persisted yet")

	require.NoError(t, state.SetJSON(ctx, f.store, state.KeyUser, User{ID: 1, Name: "alice"}))
	assert.True(t, f.manager.ResolveIdentity(ctx))
	require.NotNil(t, f.manager.Snapshot().User)
	assert.Equal(t, "alice", f.manager.Snapshot().User.Name)
}

func TestRemoteTokenRefresh(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)

	f.sync.handle(ctx, bus.TokenRefreshed("A2", "R2"))
	assert.Equal(t, Session{}, f.manager.Snapshot(), "ignored without a user")

	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.next(t)
	f.sync.handle(ctx, bus.TokenRefreshed("A2", "R2"))
	assert.Equal(t, "A2", f.manager.Snapshot().AccessToken)
	f.tap.none(t)
}

func TestAuthCheckRequestIsAnswered(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)

	f.sync.handle(ctx, bus.AuthCheckRequest())
	msg := f.tap.next(t)
	require.Equal(t, bus.TypeAuthCheckResponse, msg.Type)
	p, err := msg.AuthCheck()
	require.NoError(t, err)
	assert.False(t, p.IsAuthenticated)

	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.next(t)
	f.sync.handle(ctx, bus.AuthCheckRequest())
	p, err = f.tap.next(t).AuthCheck()
	require.NoError(t, err)
	assert.True(t, p.IsAuthenticated)
}

func TestAuthCheckResponseAdoptsFromStore(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()
	f.manager.Initialize(ctx)

	f.sync.handle(ctx, bus.AuthCheckResponse(true))
	assert.False(t, f.manager.IsAuthenticated(), "remote claim alone is not trusted")

	seedSession(t, f.store, time.Now().Add(time.Hour))
	f.sync.handle(ctx, bus.AuthCheckResponse(false))
	assert.False(t, f.manager.IsAuthenticated())

	f.sync.handle(ctx, bus.AuthCheckResponse(true))
	s := f.manager.Snapshot()
	assert.True(t, s.IsAuthenticated)
	require.NotNil(t, s.User)
	assert.Equal(t, "bob", s.User.Name)
}

func TestRequestAuthCheckAndStop(t *testing.T) {
	f := newFixture(t, aliceLogin())
	ctx := context.Background()

	require.NoError(t, f.sync.RequestAuthCheck(ctx))
	assert.Equal(t, bus.TypeAuthCheckRequest, f.tap.next(t).Type)

	f.sync.Stop()
	f.sync.Stop()
	require.NoError(t, f.manager.Login(ctx, Credentials{}))
	f.tap.none(t)
}

func TestTwoTabsOverHub(t *testing.T) {
	hub := bus.NewHub()
	defer hub.Reset()
	store := state.NewMemoryStore()
	ctx := context.Background()

	newTab := func(id string) (*Manager, *Synchronizer) {
		m := NewManager(store, aliceLogin())
		s := NewSynchronizer(m, hub.Join(id), nil)
		s.Start()
		t.Cleanup(func() { s.Stop(); m.Close() })
		m.Initialize(ctx)
		return m, s
	}
	a, _ := newTab("a")
	b, _ := newTab("b")

	require.NoError(t, a.Login(ctx, Credentials{}))
	require.Eventually(t, b.IsAuthenticated, 2*time.Second, 5*time.Millisecond)
	assert.Nil(t, b.Snapshot().User, "token-only adoption leaves the user unresolved")
	assert.True(t, b.ResolveIdentity(ctx))

	b.Logout(ctx)
	require.Eventually(t, func() bool { return !a.IsAuthenticated() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, Session{}, a.Snapshot())
}
