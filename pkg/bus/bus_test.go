package bus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects delivered messages.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
	ch   chan Message
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Message, 64)}
}

func (r *recorder) handle(ctx context.Context, msg Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	r.ch <- msg
}

func (r *recorder) next(t *testing.T) Message {
	t.Helper()
	select {
	case msg := <-r.ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func (r *recorder) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-r.ch:
		t.Fatalf("unexpected message %s", msg.Type)
	case <-time.After(wait):
	}
}

func TestMessageWireFormat(t *testing.T) {
	data, err := Encode(Login("tok1", "ref1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LOGIN","payload":{"accessToken":"tok1","refreshToken":"ref1"}}`, string(data))

	data, err = Encode(Logout())
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"LOGOUT","payload":{}}`, string(data))

	msg, err := Decode([]byte(`{"type":"AUTH_CHECK_RESPONSE","payload":{"isAuthenticated":true}}`))
	require.NoError(t, err)
	p, err := msg.AuthCheck()
	require.NoError(t, err)
	assert.True(t, p.IsAuthenticated)

	_, err = Decode([]byte(`{"payload":{}}`))
	assert.Error(t, err)
}

func TestHubDeliversToOthersNotSender(t *testing.T) {
	hub := NewHub()
	defer hub.Reset()

	a, b, c := hub.Join("a"), hub.Join("b"), hub.Join("c")
	ra, rb, rc := newRecorder(), newRecorder(), newRecorder()
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)
	c.Subscribe(rc.handle)

	require.NoError(t, a.Publish(context.Background(), TokenRefreshed("t2", "r2")))

	for _, r := range []*recorder{rb, rc} {
		msg := r.next(t)
		assert.Equal(t, TypeTokenRefreshed, msg.Type)
		tok, err := msg.Token()
		require.NoError(t, err)
		assert.Equal(t, "t2", tok.AccessToken)
	}
	ra.none(t, 100*time.Millisecond)
}

func TestHubPreservesPerSenderOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Reset()

	a, b := hub.Join("a"), hub.Join("b")
	rb := newRecorder()
	b.Subscribe(rb.handle)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, Login("t1", "r1")))
	require.NoError(t, a.Publish(ctx, TokenRefreshed("t2", "r2")))
	require.NoError(t, a.Publish(ctx, Logout()))

	assert.Equal(t, TypeLogin, rb.next(t).Type)
	assert.Equal(t, TypeTokenRefreshed, rb.next(t).Type)
	assert.Equal(t, TypeLogout, rb.next(t).Type)
}

func TestUnknownTypesAreIgnored(t *testing.T) {
	hub := NewHub()
	defer hub.Reset()

	a, b := hub.Join("a"), hub.Join("b")
	rb := newRecorder()
	b.Subscribe(rb.handle)

	ctx := context.Background()
	require.NoError(t, a.Publish(ctx, Message{Type: "THEME_CHANGED"}))
	require.NoError(t, a.Publish(ctx, Logout()))

	assert.Equal(t, TypeLogout, rb.next(t).Type, "unknown type must be skipped, later messages still delivered")
}

func TestUnsubscribe(t *testing.T) {
	hub := NewHub()
	defer hub.Reset()

	a, b := hub.Join("a"), hub.Join("b")
	first, second := newRecorder(), newRecorder()
	unsubscribe := b.Subscribe(first.handle)
	b.Subscribe(second.handle)

	unsubscribe()
	unsubscribe()

	require.NoError(t, a.Publish(context.Background(), Logout()))
	second.next(t)
	first.none(t, 100*time.Millisecond)
}

func TestClosedEndpoint(t *testing.T) {
	hub := NewHub()
	a, b := hub.Join("a"), hub.Join("b")
	require.Equal(t, 2, hub.Len())

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, 1, hub.Len())

	err := b.Publish(context.Background(), Logout())
	assert.True(t, errors.Is(err, errors.ErrCodeBus))

	assert.NoError(t, a.Publish(context.Background(), Logout()), "publishing with no peers is fine")

	hub.Reset()
	assert.Equal(t, 0, hub.Len())
}

func TestJoinGeneratesID(t *testing.T) {
	hub := NewHub()
	defer hub.Reset()

	e := hub.Join("")
	assert.NotEmpty(t, e.ID())
	assert.NotEqual(t, e.ID(), hub.Join("").ID())
}

func TestWSBusThroughRelay(t *testing.T) {
	r := relay.New(nil)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx := context.Background()
	a, err := Dial(ctx, url, WithTabID("a"))
	require.NoError(t, err)
	defer a.Close()
	b, err := Dial(ctx, url, WithTabID("b"))
	require.NoError(t, err)
	defer b.Close()

	require.Eventually(t, func() bool { return r.Connections() == 2 }, 2*time.Second, 10*time.Millisecond)

	ra, rb := newRecorder(), newRecorder()
	a.Subscribe(ra.handle)
	b.Subscribe(rb.handle)

	require.NoError(t, a.Publish(ctx, AuthCheckRequest()))
	assert.Equal(t, TypeAuthCheckRequest, rb.next(t).Type)
	ra.none(t, 100*time.Millisecond)

	require.NoError(t, b.Publish(ctx, AuthCheckResponse(true)))
	msg := ra.next(t)
	p, err := msg.AuthCheck()
	require.NoError(t, err)
	assert.True(t, p.IsAuthenticated)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Dial(ctx, "ws://127.0.0.1:1/ws")
	assert.True(t, errors.Is(err, errors.ErrCodeBus))
}

func TestWSBusKeepaliveHoldsIdleConnection(t *testing.T) {
	r := relay.New(nil)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	b, err := Dial(context.Background(), url, WithKeepalive(50*time.Millisecond))
	require.NoError(t, err)
	defer b.Close()

	select {
	case <-b.Done():
		t.Fatal("idle connection dropped although the relay answers pings")
	case <-time.After(300 * time.Millisecond):
	}
	assert.NoError(t, b.Publish(context.Background(), Logout()))
}

func TestWSBusDropsSilentRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	release := make(chan struct{})
	defer close(release)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Never reads, so pings go unanswered.
		<-release
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	b, err := Dial(context.Background(), url, WithKeepalive(50*time.Millisecond))
	require.NoError(t, err)
	defer b.Close()

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent relay was not detected")
	}
	assert.Error(t, b.Publish(context.Background(), Logout()))
}
