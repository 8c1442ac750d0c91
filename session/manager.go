// Package session implements the Session Manager of spec.md §4.6:
// persistent per-contact data channels, the hello handshake, E2E message
// envelopes, retry/backoff, and name-update broadcast.
package session

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/signaling"
	"github.com/smileytechness/peerns/wire"
)

// Retry/timeout constants, per spec.md §4.6 and §5's timer table.
const (
	MaxConnectRetries = 3
	RetryBaseDelay    = 5 * time.Second
	HelloTimeout      = 8 * time.Second

	// ReconnectFanout bounds ReconnectAll's concurrent connection
	// attempts, per SPEC_FULL.md §4.6.1 — don't open hundreds of
	// signaling channels in one tick on startup.
	ReconnectFanout = 8
)

// UpdateKind classifies a Manager update.
type UpdateKind int

const (
	UpdateMessageReceived UpdateKind = iota
	UpdateMessageDelivered
	UpdateContactUnreachable
)

// Update is one notable session-level event, for a controlplane or UI
// consumer to react to.
type Update struct {
	Kind         UpdateKind
	PersistentID string
	MessageID    string
}

// Deps bundles a Manager's external collaborators.
type Deps struct {
	Contacts     *contactstore.Store
	Adapter      signaling.Adapter
	Identity     *identity.Keypair
	PersistentID string // this device's own persistent ID; also its own signaling endpoint
	FriendlyName func() string
	Logger       *slog.Logger

	// OnFailure is called (outside Run's own goroutine) when a contact's
	// connection retries are exhausted, per spec.md §4.6: "the contact is
	// enqueued for rendezvous." Wired to rendezvous.Scheduler.Enqueue.
	OnFailure func(persistentID string)
}

type managerCmdKind int

const (
	mcSend managerCmdKind = iota
	mcConnect
	mcNameUpdate
	mcShutdown
)

type managerCmd struct {
	kind         managerCmdKind
	persistentID string
	content      string
	name         string
	done         chan struct{}
}

// inboundResult is the outcome of an accepted channel's inbound hello,
// performed off the main loop so Run never blocks waiting on a stranger.
type inboundResult struct {
	ch           signaling.Channel
	persistentID string
	theirPub     *ecdsa.PublicKey
	err          error
}

// Manager owns every peerSession and the device's own persistent
// signaling endpoint. Exactly one goroutine (Run) mutates the sessions
// map; every external call goes through cmds, the same command-channel
// shape namespace.Engine uses to keep state single-owner.
type Manager struct {
	contacts     *contactstore.Store
	adapter      signaling.Adapter
	identity     *identity.Keypair
	persistentID string
	friendlyName func() string
	logger       *slog.Logger
	onFailure    func(string)

	updates chan Update
	cmds    chan managerCmd

	sessions map[string]*peerSession
}

// New creates a Manager ready for Run.
func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Manager{
		contacts:     d.Contacts,
		adapter:      d.Adapter,
		identity:     d.Identity,
		persistentID: d.PersistentID,
		friendlyName: d.FriendlyName,
		logger:       d.Logger,
		onFailure:    d.OnFailure,
		updates:      make(chan Update, 64),
		cmds:         make(chan managerCmd, 64),
		sessions:     make(map[string]*peerSession),
	}
}

// Updates returns the Manager's status-update stream.
func (m *Manager) Updates() <-chan Update { return m.updates }

func (m *Manager) send(cmd managerCmd) {
	select {
	case m.cmds <- cmd:
	default:
		m.logger.Warn("session: command dropped, manager queue full", "kind", cmd.kind)
	}
}

// SendMessage enqueues content for delivery to persistentID, opening a
// session if none is active.
func (m *Manager) SendMessage(persistentID, content string) {
	m.send(managerCmd{kind: mcSend, persistentID: persistentID, content: content})
}

// Connect ensures a session toward persistentID exists and is (re)trying
// to connect — used to retrigger delivery after a rendezvous success.
func (m *Manager) Connect(persistentID string) {
	m.send(managerCmd{kind: mcConnect, persistentID: persistentID})
}

// NameUpdate broadcasts a new friendly name over every open session
// channel, per spec.md §4.6.
func (m *Manager) NameUpdate(name string) {
	m.send(managerCmd{kind: mcNameUpdate, name: name})
}

// Shutdown stops every session and releases the own-endpoint claim,
// returning once Run has finished unwinding.
func (m *Manager) Shutdown() {
	done := make(chan struct{})
	select {
	case m.cmds <- managerCmd{kind: mcShutdown, done: done}:
		<-done
	default:
	}
}

// ReconnectAll fans out one connect attempt per contact with chat
// history, bounded by ReconnectFanout, per SPEC_FULL.md §4.6.1. Each
// contact's outcome is independent (spec.md §7: "nothing is fatal to the
// process"), so this never cancels the group on a single failure.
func (m *Manager) ReconnectAll(ctx context.Context) {
	contacts := m.contacts.All()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ReconnectFanout)
	for _, c := range contacts {
		if len(c.History) == 0 {
			continue
		}
		pid := c.PersistentID
		g.Go(func() error {
			select {
			case <-gctx.Done():
			default:
				m.Connect(pid)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run claims the device's own persistent endpoint and drives the
// accept loop and command dispatch until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	sess, err := m.adapter.Claim(ctx, m.persistentID)
	if err != nil {
		m.logger.Error("session: failed to claim own persistent endpoint", "persistentID", m.persistentID, "err", err)
		return
	}
	defer sess.Release()

	inboundDone := make(chan inboundResult, 16)

	for {
		select {
		case <-ctx.Done():
			m.shutdownAll()
			return

		case cmd := <-m.cmds:
			if !m.handleManagerCmd(ctx, cmd) {
				return
			}

		case ch, ok := <-sess.Accept():
			if !ok {
				continue
			}
			go func() { inboundDone <- m.performInboundHello(ctx, ch) }()

		case res := <-inboundDone:
			m.handleInboundResult(ctx, res)
		}
	}
}

func (m *Manager) shutdownAll() {
	for pid, p := range m.sessions {
		p.shutdown()
		delete(m.sessions, pid)
	}
}

func (m *Manager) handleManagerCmd(ctx context.Context, cmd managerCmd) bool {
	switch cmd.kind {
	case mcSend:
		p := m.sessionFor(ctx, cmd.persistentID)
		p.enqueueSend(cmd.content)
	case mcConnect:
		p := m.sessionFor(ctx, cmd.persistentID)
		p.retryNow()
	case mcNameUpdate:
		for _, p := range m.sessions {
			p.sendNameUpdate(cmd.name)
		}
	case mcShutdown:
		m.shutdownAll()
		if cmd.done != nil {
			close(cmd.done)
		}
		return false
	}
	return true
}

// sessionFor returns the running peerSession for persistentID, starting
// one if none exists yet.
func (m *Manager) sessionFor(ctx context.Context, persistentID string) *peerSession {
	if p, ok := m.sessions[persistentID]; ok {
		return p
	}
	p := newPeerSession(persistentID, m)
	m.sessions[persistentID] = p
	go p.run(ctx)
	return p
}

// performInboundHello answers a freshly accepted channel's hello and
// identifies the contact it belongs to by public key. Runs off the main
// loop so a slow or malicious peer can't stall Run.
func (m *Manager) performInboundHello(ctx context.Context, ch signaling.Channel) inboundResult {
	hello := wire.Hello{Type: wire.KindHello, FriendlyName: m.friendlyName(), PublicKey: mustEncodeOwnKey(m.identity), TS: time.Now().Unix()}
	framed, err := signAndMarshalHello(m.identity, hello)
	if err != nil {
		return inboundResult{ch: ch, err: err}
	}
	if err := ch.Send(framed); err != nil {
		return inboundResult{ch: ch, err: err}
	}

	helloCtx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()
	events := ch.Events()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case signaling.ChannelClose, signaling.ChannelError:
				return inboundResult{ch: ch, err: errUnexpectedEvent}
			case signaling.ChannelData:
				return m.handleInboundHelloData(ch, ev.Data)
			}
			// ChannelOpen: keep waiting for the peer's hello.
		case <-helloCtx.Done():
			return inboundResult{ch: ch, err: helloCtx.Err()}
		}
	}
}

// handleInboundHelloData decodes and verifies the hello payload carried by
// a ChannelData event, identifying the contact it belongs to.
func (m *Manager) handleInboundHelloData(ch signaling.Channel, data []byte) inboundResult {
	env, err := wire.Decode(data)
	if err != nil || env.Kind != wire.KindHello {
		return inboundResult{ch: ch, err: errUnexpectedEvent}
	}
	var h wire.Hello
	if err := json.Unmarshal(env.Raw, &h); err != nil {
		return inboundResult{ch: ch, err: err}
	}
	theirPub, err := identity.DecodePublicKey(h.PublicKey)
	if err != nil {
		return inboundResult{ch: ch, err: err}
	}
	if err := verifyHello(theirPub, h); err != nil {
		return inboundResult{ch: ch, err: err}
	}
	c := m.contacts.FindByPublicKey(h.PublicKey, "")
	if c == nil {
		return inboundResult{ch: ch, err: errUnknownContact}
	}
	if h.FriendlyName != "" {
		c.FriendlyName = h.FriendlyName
	}
	c.OnNetwork = true
	c.LastSeen = time.Now()
	m.contacts.Put(c)
	return inboundResult{ch: ch, persistentID: c.PersistentID, theirPub: theirPub}
}

func (m *Manager) handleInboundResult(ctx context.Context, res inboundResult) {
	if res.err != nil {
		if res.ch != nil {
			res.ch.Close()
		}
		m.logger.Debug("session: inbound hello rejected", "err", res.err)
		return
	}
	key, err := identity.DeriveSharedKey(m.identity.Private, res.theirPub)
	if err != nil {
		res.ch.Close()
		return
	}
	p := m.sessionFor(ctx, res.persistentID)
	p.attach(res.ch, res.theirPub, &key)
}
