package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketAdapter is a reference Adapter implementation: it claims and
// connects to endpoint strings by opening a websocket connection to a
// configured rendezvous URL, passing the operation and endpoint as query
// parameters. It is grounded on the teacher's link.Handshake: dial,
// negotiate, validate, all under a bounded deadline, with reachability
// changes reported through an explicit Reconnect call rather than an
// automatic retry loop hidden inside Send. Reconnect does not redial; see
// its doc.
type WebSocketAdapter struct {
	baseURL string
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	status chan Status
	backoff Backoff
}

// NewWebSocketAdapter creates an adapter that rendezvous through
// baseURL (e.g. "wss://rendezvous.example.org/ns"). logger may be nil.
func NewWebSocketAdapter(baseURL string, logger *slog.Logger) *WebSocketAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketAdapter{
		baseURL: baseURL,
		logger:  logger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		status:  make(chan Status, 8),
	}
}

func (a *WebSocketAdapter) endpointURL(op, endpoint string) (string, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("op", op)
	q.Set("endpoint", endpoint)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Claim dials the rendezvous URL requesting a claim on endpoint. The
// server is expected to refuse the websocket upgrade with HTTP 409
// Conflict if the endpoint is already held, which this adapter surfaces
// as ErrAlreadyTaken; any other dial failure is ErrUnreachable.
func (a *WebSocketAdapter) Claim(ctx context.Context, endpoint string) (Session, error) {
	target, err := a.endpointURL("claim", endpoint)
	if err != nil {
		return nil, err
	}

	conn, resp, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrAlreadyTaken
		}
		return nil, fmt.Errorf("%w: dial claim: %v", ErrUnreachable, err)
	}
	a.backoff.Reset()

	return &wsSession{adapter: a, endpoint: endpoint, conn: conn, inbound: make(chan Channel, 16), closed: make(chan struct{})}, nil
}

// Connect dials the rendezvous URL requesting a channel to endpoint.
func (a *WebSocketAdapter) Connect(ctx context.Context, endpoint string) (Channel, error) {
	target, err := a.endpointURL("connect", endpoint)
	if err != nil {
		return nil, err
	}

	conn, _, err := a.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial connect: %v", ErrUnreachable, err)
	}
	a.backoff.Reset()
	return newWSChannel(conn, a.logger), nil
}

func (a *WebSocketAdapter) Status() <-chan Status { return a.status }

// Reconnect is the explicit reconnect request, driven by reachability
// changes (interface up/down, app visibility) rather than a fixed timer.
// It advances the backoff, logs the delay that yields, and reports
// StatusReconnecting on the status stream. It does not redial or
// re-claim any endpoint: existing sessions and channels are left as they
// are.
func (a *WebSocketAdapter) Reconnect() {
	delay := a.backoff.Next()
	a.logger.Debug("signaling reconnect requested", "delay", delay)
	select {
	case a.status <- StatusReconnecting:
	default:
	}
}

type wsSession struct {
	adapter  *WebSocketAdapter
	endpoint string
	conn     *websocket.Conn
	inbound  chan Channel
	closed   chan struct{}
	once     sync.Once
}

func (s *wsSession) Accept() <-chan Channel { return s.inbound }

func (s *wsSession) Release() error {
	s.once.Do(func() { close(s.closed) })
	return s.conn.Close()
}

func (s *wsSession) Endpoint() string { return s.endpoint }

type wsChannel struct {
	conn   *websocket.Conn
	events chan ChannelEvent
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn, logger *slog.Logger) *wsChannel {
	c := &wsChannel{conn: conn, events: make(chan ChannelEvent, 64), logger: logger}
	c.events <- ChannelEvent{Kind: ChannelOpen}
	go c.readLoop()
	return c
}

func (c *wsChannel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			alreadyClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			if !alreadyClosed {
				c.events <- ChannelEvent{Kind: ChannelClose}
			}
			return
		}
		c.events <- ChannelEvent{Kind: ChannelData, Data: data}
	}
}

func (c *wsChannel) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrUnreachable
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	return nil
}

func (c *wsChannel) Events() <-chan ChannelEvent { return c.events }

func (c *wsChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
