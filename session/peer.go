package session

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/metrics"
	"github.com/smileytechness/peerns/signaling"
	"github.com/smileytechness/peerns/wire"
)

var (
	errUnexpectedEvent = errors.New("session: unexpected event during hello")
	errUnknownContact  = errors.New("session: hello from unrecognized public key")
)

type peerCmdKind int

const (
	pcSend peerCmdKind = iota
	pcAttach
	pcRetry
	pcNameUpdate
	pcShutdown
)

type peerCmd struct {
	content   string
	ch        signaling.Channel
	theirPub  *ecdsa.PublicKey
	sharedKey *identity.SharedKey
	name      string
	kind      peerCmdKind
	done      chan struct{}
}

// peerSession is one contact's persistent channel: connect-with-retry,
// hello, queued send, and the message/ack/edit/delete/name-update event
// loop, per spec.md §4.6. One goroutine (run) owns all of its state.
type peerSession struct {
	persistentID string
	contacts     *contactstore.Store
	adapter      signaling.Adapter
	identity     *identity.Keypair
	friendlyName func() string
	logger       *slog.Logger
	onUpdate     func(Update)
	onFailure    func(string)

	cmds chan peerCmd

	ch             signaling.Channel
	sharedKey      *identity.SharedKey
	senderPub      *ecdsa.PublicKey
	queue          *sendQueue
	retryExhausted bool
}

func newPeerSession(persistentID string, m *Manager) *peerSession {
	return &peerSession{
		persistentID: persistentID,
		contacts:     m.contacts,
		adapter:      m.adapter,
		identity:     m.identity,
		friendlyName: m.friendlyName,
		logger:       m.logger,
		onUpdate: func(u Update) {
			select {
			case m.updates <- u:
			default:
				m.logger.Warn("session: update stream full, dropping update", "kind", u.Kind)
			}
		},
		onFailure: m.onFailure,
		cmds:      make(chan peerCmd, 32),
		queue:     newSendQueue(),
	}
}

func (p *peerSession) send(cmd peerCmd) {
	select {
	case p.cmds <- cmd:
	default:
		p.logger.Warn("session: command dropped, peer queue full", "persistentID", p.persistentID)
	}
}

func (p *peerSession) enqueueSend(content string) { p.send(peerCmd{kind: pcSend, content: content}) }
func (p *peerSession) retryNow()                  { p.send(peerCmd{kind: pcRetry}) }
func (p *peerSession) sendNameUpdate(name string) { p.send(peerCmd{kind: pcNameUpdate, name: name}) }

func (p *peerSession) attach(ch signaling.Channel, theirPub *ecdsa.PublicKey, key *identity.SharedKey) {
	p.send(peerCmd{kind: pcAttach, ch: ch, theirPub: theirPub, sharedKey: key})
}

func (p *peerSession) shutdown() {
	done := make(chan struct{})
	select {
	case p.cmds <- peerCmd{kind: pcShutdown, done: done}:
		<-done
	default:
	}
}

// run is the session's whole lifetime: reconnect-with-retry when idle,
// drain the send queue once connected, then service events until the
// channel dies or a command ends the session.
func (p *peerSession) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if p.ch == nil && !p.retryExhausted {
			if p.connectOutbound(ctx) {
				p.drainQueue()
			} else if ctx.Err() == nil {
				p.retryExhausted = true
				failed := len(p.queue.pendingSend())
				p.queue.failOutstanding()
				if failed > 0 {
					metrics.MessagesSent.WithLabelValues("failed").Add(float64(failed))
				}
				if p.onFailure != nil {
					p.onFailure(p.persistentID)
				}
			}
		}
		if !p.waitForEvent(ctx) {
			return
		}
	}
}

func (p *peerSession) channelEvents() <-chan signaling.ChannelEvent {
	if p.ch == nil {
		return nil
	}
	return p.ch.Events()
}

func (p *peerSession) waitForEvent(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		if p.ch != nil {
			p.ch.Close()
		}
		return false
	case cmd := <-p.cmds:
		return p.handleCmd(cmd)
	case ev, ok := <-p.channelEvents():
		if !ok {
			p.ch = nil
			return true
		}
		p.handleChannelEvent(ev)
		return true
	}
}

func (p *peerSession) handleCmd(cmd peerCmd) bool {
	switch cmd.kind {
	case pcSend:
		id := identity.NewUUID()
		p.queue.push(&QueuedMessage{ID: id, TS: time.Now().Unix(), Content: cmd.content, State: StateWaiting})
		if p.ch != nil {
			p.drainQueue()
		}
	case pcAttach:
		if p.ch != nil {
			p.ch.Close()
		}
		p.ch = cmd.ch
		p.sharedKey = cmd.sharedKey
		p.senderPub = cmd.theirPub
		p.retryExhausted = false
		p.drainQueue()
	case pcRetry:
		p.retryExhausted = false
	case pcNameUpdate:
		if p.ch == nil {
			return true
		}
		payload, err := json.Marshal(wire.NameUpdate{Type: wire.KindNameUpdate, Name: cmd.name})
		if err == nil {
			p.ch.Send(payload)
		}
	case pcShutdown:
		if p.ch != nil {
			p.ch.Close()
			p.ch = nil
		}
		if cmd.done != nil {
			close(cmd.done)
		}
		return false
	}
	return true
}

func (p *peerSession) handleChannelEvent(ev signaling.ChannelEvent) {
	switch ev.Kind {
	case signaling.ChannelClose, signaling.ChannelError:
		p.ch = nil
	case signaling.ChannelData:
		p.handleFrame(ev.Data)
	}
}

// connectOutbound tries to open a channel to this contact's persistent
// endpoint up to MaxConnectRetries times, 5s*attempt apart, per
// spec.md §4.6's retry/backoff rule.
func (p *peerSession) connectOutbound(ctx context.Context) bool {
	for attempt := 1; attempt <= MaxConnectRetries; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, HelloTimeout)
		ch, err := p.adapter.Connect(connectCtx, p.persistentID)
		cancel()
		if err == nil {
			if p.doOutboundHello(ctx, ch) {
				p.ch = ch
				return true
			}
			ch.Close()
		} else {
			p.logger.Debug("session: connect failed", "persistentID", p.persistentID, "attempt", attempt, "err", err)
		}
		if attempt == MaxConnectRetries {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * RetryBaseDelay):
		case <-ctx.Done():
			return false
		}
	}
	return false
}

func (p *peerSession) doOutboundHello(ctx context.Context, ch signaling.Channel) bool {
	hello := wire.Hello{Type: wire.KindHello, FriendlyName: p.friendlyName(), PublicKey: mustEncodeOwnKey(p.identity), TS: time.Now().Unix()}
	framed, err := signAndMarshalHello(p.identity, hello)
	if err != nil {
		return false
	}
	if err := ch.Send(framed); err != nil {
		return false
	}
	helloCtx, cancel := context.WithTimeout(ctx, HelloTimeout)
	defer cancel()
	events := ch.Events()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case signaling.ChannelData:
				return p.acceptPeerHello(ev.Data)
			case signaling.ChannelClose, signaling.ChannelError:
				return false
			}
			// ChannelOpen: the channel just finished connecting, keep
			// waiting for the peer's hello.
		case <-helloCtx.Done():
			return false
		}
	}
}

func (p *peerSession) acceptPeerHello(data []byte) bool {
	env, err := wire.Decode(data)
	if err != nil || env.Kind != wire.KindHello {
		return false
	}
	var h wire.Hello
	if err := json.Unmarshal(env.Raw, &h); err != nil {
		return false
	}
	theirPub, err := identity.DecodePublicKey(h.PublicKey)
	if err != nil {
		return false
	}
	if err := verifyHello(theirPub, h); err != nil {
		p.logger.Warn("session: hello signature invalid", "persistentID", p.persistentID)
		return false
	}
	key, err := identity.DeriveSharedKey(p.identity.Private, theirPub)
	if err != nil {
		return false
	}
	p.senderPub = theirPub
	p.sharedKey = &key
	p.reconcileContact(h)
	return true
}

func (p *peerSession) reconcileContact(h wire.Hello) {
	c := p.contacts.Get(p.persistentID)
	if c == nil {
		return
	}
	if c.PublicKey == "" {
		c.PublicKey = h.PublicKey
	}
	if h.FriendlyName != "" {
		c.FriendlyName = h.FriendlyName
	}
	c.OnNetwork = true
	c.LastSeen = time.Now()
	p.contacts.Put(c)
}

// drainQueue sends every still-waiting message over the open channel.
func (p *peerSession) drainQueue() {
	for _, m := range p.queue.pendingSend() {
		e2e, iv, ct, sig, plain, err := encodeContent(p.sharedKey, p.identity, m.Content)
		if err != nil {
			p.logger.Warn("session: encode failed", "persistentID", p.persistentID, "err", err)
			continue
		}
		msg := wire.Message{Type: wire.KindMessage, ID: m.ID, TS: m.TS, E2E: e2e, IV: iv, CT: ct, Sig: sig, Content: plain}
		framed, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := p.ch.Send(framed); err != nil {
			return
		}
		p.queue.markSent(m.ID)
		metrics.MessagesSent.WithLabelValues("sent").Inc()
	}
}

func (p *peerSession) handleFrame(data []byte) {
	env, err := wire.Decode(data)
	if err != nil {
		return
	}
	switch env.Kind {
	case wire.KindMessage:
		var m wire.Message
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		content, err := decodeContent(m.E2E, m.IV, m.CT, m.Sig, m.Content, p.sharedKey, p.senderPub)
		if err != nil {
			p.logger.Warn("session: message envelope error", "persistentID", p.persistentID, "err", err)
			metrics.MessagesReceived.WithLabelValues(envelopeOutcome(content)).Inc()
		} else {
			metrics.MessagesReceived.WithLabelValues("ok").Inc()
		}
		p.recordIncoming(m.ID, m.TS, content)
		ack, _ := json.Marshal(wire.MessageAck{Type: wire.KindMessageAck, ID: m.ID})
		if p.ch != nil {
			p.ch.Send(ack)
		}

	case wire.KindMessageAck:
		var a wire.MessageAck
		if err := json.Unmarshal(env.Raw, &a); err != nil {
			return
		}
		if p.queue.markDelivered(a.ID) {
			metrics.MessagesSent.WithLabelValues("delivered").Inc()
			if p.onUpdate != nil {
				p.onUpdate(Update{Kind: UpdateMessageDelivered, PersistentID: p.persistentID, MessageID: a.ID})
			}
		}

	case wire.KindMessageEdit:
		var m wire.MessageEdit
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		content, err := decodeContent(m.E2E, m.IV, m.CT, m.Sig, m.Content, p.sharedKey, p.senderPub)
		if err != nil {
			p.logger.Warn("session: edit envelope error", "persistentID", p.persistentID, "err", err)
		}
		p.applyEdit(m.ID, content)

	case wire.KindMessageDel:
		var m wire.MessageDelete
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return
		}
		p.applyDelete(m.ID)

	case wire.KindNameUpdate:
		var n wire.NameUpdate
		if err := json.Unmarshal(env.Raw, &n); err != nil {
			return
		}
		p.applyNameUpdate(n.Name)
	}
}

// recordIncoming appends a received message to the contact's history,
// idempotently (a redelivered frame after a reconnect must not duplicate).
func (p *peerSession) recordIncoming(id string, ts int64, content string) {
	c := p.contacts.Get(p.persistentID)
	if c == nil {
		return
	}
	for _, existing := range c.History {
		if existing.ID == id {
			return
		}
	}
	c.History = append(c.History, contactstore.ChatMessage{ID: id, TS: ts, FromMe: false, Content: content})
	p.contacts.Put(c)
	if p.onUpdate != nil {
		p.onUpdate(Update{Kind: UpdateMessageReceived, PersistentID: p.persistentID, MessageID: id})
	}
}

func (p *peerSession) applyEdit(id, content string) {
	c := p.contacts.Get(p.persistentID)
	if c == nil {
		return
	}
	for i := range c.History {
		if c.History[i].ID == id {
			c.History[i].Content = content
			p.contacts.Put(c)
			return
		}
	}
}

func (p *peerSession) applyDelete(id string) {
	c := p.contacts.Get(p.persistentID)
	if c == nil {
		return
	}
	for i := range c.History {
		if c.History[i].ID == id {
			c.History[i].Deleted = true
			c.History[i].Content = ""
			p.contacts.Put(c)
			return
		}
	}
}

func (p *peerSession) applyNameUpdate(name string) {
	c := p.contacts.Get(p.persistentID)
	if c == nil || name == "" {
		return
	}
	c.FriendlyName = name
	p.contacts.Put(c)
}

// signAndMarshalHello signs the canonical (signature-cleared) JSON
// encoding of h and returns the fully signed, marshaled frame.
func signAndMarshalHello(k *identity.Keypair, h wire.Hello) ([]byte, error) {
	h.Signature = ""
	payload, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	sig, err := k.Sign(payload)
	if err != nil {
		return nil, err
	}
	h.Signature = sig
	return json.Marshal(h)
}

// verifyHello checks h.Signature against its canonical (signature-
// cleared) JSON encoding, mirroring signAndMarshalHello.
func verifyHello(pub *ecdsa.PublicKey, h wire.Hello) error {
	sig := h.Signature
	h.Signature = ""
	payload, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return identity.Verify(pub, payload, sig)
}

func mustEncodeOwnKey(k *identity.Keypair) string {
	pk, _ := identity.EncodePublicKey(k.Public())
	return pk
}
