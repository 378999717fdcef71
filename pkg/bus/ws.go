package bus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/grovetools/tabsync/errors"
	"github.com/grovetools/tabsync/internal/metrics"
	"github.com/sirupsen/logrus"
)

const (
	// Time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the relay.
	maxFrameSize = 64 * 1024

	// Time allowed between frames from the relay before the connection is
	// considered dead. Pings go out at nine tenths of this.
	defaultPongWait = 60 * time.Second
)

// WSBus connects a tab to a relay over a websocket. The relay forwards every
// frame to all other connections, so WSBus gives tabs in different processes
// the same contract as Endpoint.
type WSBus struct {
	conn     *websocket.Conn
	handlers handlerSet
	writeMu  sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
	pongWait time.Duration
	logger   *logrus.Entry
}

// DialOption configures Dial.
type DialOption func(*dialOptions)

type dialOptions struct {
	logger   *logrus.Entry
	header   http.Header
	dialer   *websocket.Dialer
	pongWait time.Duration
}

// WithDialLogger sets the logger for the connection.
func WithDialLogger(logger *logrus.Entry) DialOption {
	return func(o *dialOptions) { o.logger = logger }
}

// WithTabID sends the tab id to the relay in the X-Tabsync-Tab header.
func WithTabID(id string) DialOption {
	return func(o *dialOptions) { o.header.Set("X-Tabsync-Tab", id) }
}

// WithKeepalive sets how long the relay may stay silent before the connection
// is dropped. Pings are sent at nine tenths of d.
func WithKeepalive(d time.Duration) DialOption {
	return func(o *dialOptions) {
		if d > 0 {
			o.pongWait = d
		}
	}
}

// Dial connects to the relay at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...DialOption) (*WSBus, error) {
	o := dialOptions{
		logger:   logrus.NewEntry(logrus.StandardLogger()),
		header:   http.Header{},
		dialer:   websocket.DefaultDialer,
		pongWait: defaultPongWait,
	}
	for _, opt := range opts {
		opt(&o)
	}

	conn, _, err := o.dialer.DialContext(ctx, url, o.header)
	if err != nil {
		return nil, errors.BusFailed("dial", err).WithDetail("url", url)
	}
	conn.SetReadLimit(maxFrameSize)

	runCtx, cancel := context.WithCancel(context.Background())
	b := &WSBus{
		conn:     conn,
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pongWait: o.pongWait,
		logger:   o.logger.WithField("relay", url),
	}
	b.keepalive()
	go b.readLoop()
	go b.pingLoop()
	return b, nil
}

// Publish implements Bus.
func (b *WSBus) Publish(ctx context.Context, msg Message) error {
	if b.ctx.Err() != nil {
		return errors.BusFailed("publish", errors.New(errors.ErrCodeBus, "connection closed"))
	}

	data, err := Encode(msg)
	if err != nil {
		return errors.BusFailed("publish", err)
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.BusFailed("publish", err)
	}

	metrics.BusMessages.WithLabelValues("out", string(msg.Type)).Inc()
	return nil
}

// Subscribe implements Bus.
func (b *WSBus) Subscribe(h Handler) func() {
	return b.handlers.add(h)
}

// Done is closed when the connection to the relay ends. WSBus does not
// reconnect; a caller that sees Done close has stopped hearing its siblings.
func (b *WSBus) Done() <-chan struct{} { return b.done }

// Close implements Bus.
func (b *WSBus) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()

		b.writeMu.Lock()
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()

		err = b.conn.Close()
		<-b.done
	})
	return err
}

func (b *WSBus) readLoop() {
	defer close(b.done)
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if b.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.WithError(err).Warn("Relay connection lost")
			}
			b.cancel()
			return
		}
		b.conn.SetReadDeadline(time.Now().Add(b.pongWait))
		deliver(b.ctx, data, &b.handlers, b.logger)
	}
}

// keepalive pushes the read deadline out on every ping or pong from the relay.
func (b *WSBus) keepalive() {
	extend := func() { b.conn.SetReadDeadline(time.Now().Add(b.pongWait)) }
	extend()
	b.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	b.conn.SetPingHandler(func(appData string) error {
		extend()
		err := b.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
}

func (b *WSBus) pingLoop() {
	ticker := time.NewTicker(b.pongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
			b.logger.WithError(err).Debug("Ping to relay failed")
			return
		}
	}
}
