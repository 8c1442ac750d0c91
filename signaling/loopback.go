package signaling

import (
	"context"
	"sync"
)

// Loopback is an in-process signaling broker used by tests (and by the
// namespace/rendezvous/session test suites) to model the shared
// signaling service's flat, globally-unique endpoint namespace without a
// network. It enforces the uniqueness spec.md §5 requires of the real
// service: two claims on the same endpoint string can never both
// succeed, mirroring the teacher's circuit-ID-collision-avoidance claim
// loop (link.Link.ClaimCircID) generalized from a per-link map to one
// broker-wide map of endpoint strings.
type Loopback struct {
	mu       sync.Mutex
	claims   map[string]*loopbackSession
	status   chan Status
	closedCh chan struct{}
	once     sync.Once
}

// NewLoopback creates an empty broker. Multiple Adapter handles can share
// one Loopback (via NewHandle) to model multiple devices talking to the
// same signaling service.
func NewLoopback() *Loopback {
	return &Loopback{
		claims:   make(map[string]*loopbackSession),
		closedCh: make(chan struct{}),
	}
}

// NewHandle returns an Adapter bound to this broker, usable by one
// simulated device.
func (l *Loopback) NewHandle() *LoopbackAdapter {
	return &LoopbackAdapter{broker: l, status: make(chan Status, 8)}
}

type loopbackSession struct {
	broker   *Loopback
	endpoint string
	inbound  chan Channel
	closed   chan struct{}
	once     sync.Once
}

func (s *loopbackSession) Accept() <-chan Channel { return s.inbound }

func (s *loopbackSession) Release() error {
	s.broker.mu.Lock()
	if s.broker.claims[s.endpoint] == s {
		delete(s.broker.claims, s.endpoint)
	}
	s.broker.mu.Unlock()
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *loopbackSession) Endpoint() string { return s.endpoint }

// LoopbackAdapter is one device's handle onto a shared Loopback broker.
type LoopbackAdapter struct {
	broker *Loopback
	status chan Status
}

func (a *LoopbackAdapter) Claim(ctx context.Context, endpoint string) (Session, error) {
	a.broker.mu.Lock()
	defer a.broker.mu.Unlock()

	if _, taken := a.broker.claims[endpoint]; taken {
		return nil, ErrAlreadyTaken
	}
	sess := &loopbackSession{
		broker:   a.broker,
		endpoint: endpoint,
		inbound:  make(chan Channel, 16),
		closed:   make(chan struct{}),
	}
	a.broker.claims[endpoint] = sess
	return sess, nil
}

func (a *LoopbackAdapter) Connect(ctx context.Context, endpoint string) (Channel, error) {
	a.broker.mu.Lock()
	sess, ok := a.broker.claims[endpoint]
	a.broker.mu.Unlock()
	if !ok {
		return nil, ErrUnreachable
	}

	near, far := newLoopbackChannelPair()
	select {
	case sess.inbound <- far:
	case <-sess.closed:
		return nil, ErrUnreachable
	default:
		// Inbound buffer full: treat as unreachable rather than block the
		// caller's event loop (spec.md §5: the loop must never block on I/O).
		return nil, ErrUnreachable
	}
	near.open()
	far.open()
	return near, nil
}

func (a *LoopbackAdapter) Status() <-chan Status { return a.status }

func (a *LoopbackAdapter) Reconnect() {
	select {
	case a.status <- StatusOpen:
	default:
	}
}

// loopbackChannel is one end of an in-memory channel pair.
type loopbackChannel struct {
	peer   *loopbackChannel
	events chan ChannelEvent
	mu     sync.Mutex
	closed bool
}

func newLoopbackChannelPair() (a, b *loopbackChannel) {
	a = &loopbackChannel{events: make(chan ChannelEvent, 64)}
	b = &loopbackChannel{events: make(chan ChannelEvent, 64)}
	a.peer = b
	b.peer = a
	return a, b
}

func (c *loopbackChannel) open() {
	c.events <- ChannelEvent{Kind: ChannelOpen}
}

func (c *loopbackChannel) Send(payload []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrUnreachable
	}
	cp := append([]byte(nil), payload...)
	select {
	case c.peer.events <- ChannelEvent{Kind: ChannelData, Data: cp}:
		return nil
	default:
		return ErrUnreachable
	}
}

func (c *loopbackChannel) Events() <-chan ChannelEvent { return c.events }

func (c *loopbackChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case c.peer.events <- ChannelEvent{Kind: ChannelClose}:
	default:
	}
	c.events <- ChannelEvent{Kind: ChannelClose}
	return nil
}
