package rendezvous

import (
	"container/list"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/metrics"
	"github.com/smileytechness/peerns/namespace"
	"github.com/smileytechness/peerns/signaling"
	"github.com/smileytechness/peerns/wire"
)

// Sweep/initial-delay constants, per spec.md §4.5 and §5's timer table.
const (
	SweepInterval = 5 * time.Minute
	InitialDelay  = 30 * time.Second
)

// Deps bundles the Scheduler's collaborators.
type Deps struct {
	Contacts     *contactstore.Store
	Adapter      signaling.Adapter
	Identity     *identity.Keypair
	Prefix       string
	PersistentID string
	FriendlyName func() string
	DiscoveryUUID func() string
	Logger       *slog.Logger
}

// Scheduler is the FIFO, one-at-a-time rendezvous retry queue of
// spec.md §4.5.
type Scheduler struct {
	contacts      *contactstore.Store
	adapter       signaling.Adapter
	identity      *identity.Keypair
	prefix        string
	persistentID  func() string
	friendlyName  func() string
	discoveryUUID func() string
	logger        *slog.Logger

	queue   *list.List
	queued  map[string]bool
	enqueue chan string
}

// New creates a Scheduler ready for Run.
func New(d Deps) *Scheduler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	pid := d.PersistentID
	return &Scheduler{
		contacts:      d.Contacts,
		adapter:       d.Adapter,
		identity:      d.Identity,
		prefix:        d.Prefix,
		persistentID:  func() string { return pid },
		friendlyName:  d.FriendlyName,
		discoveryUUID: d.DiscoveryUUID,
		logger:        d.Logger,
		queue:         list.New(),
		queued:        make(map[string]bool),
		enqueue:       make(chan string, 64),
	}
}

// Enqueue adds a contact's persistent ID to the rendezvous queue, if
// it's not already queued. Safe to call from another goroutine (the
// Session Manager calls this on observed failure, per spec.md §1's data
// flow: "the Rendezvous Scheduler observes Session Manager failures").
func (s *Scheduler) Enqueue(persistentID string) {
	select {
	case s.enqueue <- persistentID:
	default:
		s.logger.Warn("rendezvous enqueue dropped: queue full", "persistentID", persistentID)
	}
}

// eligible reports whether c has a public key, is not pending, and is not
// currently on the network. It does not consult the Session Manager, so a
// contact whose persistent session is still being retried can be enqueued.
func eligible(c *contactstore.Contact) bool {
	return c.PublicKey != "" && c.Pending == contactstore.PendingNone && !c.OnNetwork
}

// Run drives the sweep timer and the one-at-a-time rendezvous loop until
// ctx is canceled. Per spec.md §4.5, only one rendezvous namespace is
// ever active: the inner drain loop processes the whole queue before
// going back to wait for the next trigger.
func (s *Scheduler) Run(ctx context.Context) {
	initial := time.NewTimer(InitialDelay)
	defer initial.Stop()
	var sweepTicker *time.Ticker
	defer func() {
		if sweepTicker != nil {
			sweepTicker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case pid := <-s.enqueue:
			s.pushUnique(pid)
		case <-initial.C:
			s.sweep()
			sweepTicker = time.NewTicker(SweepInterval)
		case <-tickerC(sweepTicker):
			s.sweep()
		}

		for s.queue.Len() > 0 {
			pid := s.popHead()
			s.runOne(ctx, pid)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func (s *Scheduler) pushUnique(pid string) {
	if s.queued[pid] {
		return
	}
	s.queued[pid] = true
	s.queue.PushBack(pid)
	metrics.RendezvousQueueLength.Set(float64(s.queue.Len()))
}

func (s *Scheduler) popHead() string {
	front := s.queue.Front()
	s.queue.Remove(front)
	pid := front.Value.(string)
	delete(s.queued, pid)
	metrics.RendezvousQueueLength.Set(float64(s.queue.Len()))
	return pid
}

// sweep scans the contact store for eligible contacts and enqueues them.
func (s *Scheduler) sweep() {
	for _, c := range s.contacts.All() {
		if eligible(c) {
			s.pushUnique(c.PersistentID)
		}
	}
}

// runOne spawns a rendezvous namespace for one contact and waits for
// either a successful rvz-exchange or the window deadline.
func (s *Scheduler) runOne(ctx context.Context, pid string) {
	c := s.contacts.Get(pid)
	if c == nil || !eligible(c) {
		return
	}

	theirPub, err := identity.DecodePublicKey(c.PublicKey)
	if err != nil {
		s.logger.Warn("rendezvous: bad contact public key", "persistentID", pid, "err", err)
		return
	}
	sharedKey, err := identity.DeriveSharedKey(s.identity.Private, theirPub)
	if err != nil {
		s.logger.Warn("rendezvous: shared key derivation failed", "persistentID", pid, "err", err)
		return
	}

	now := time.Now()
	slug := identity.RendezvousSlug(sharedKey, WindowIndex(now))
	cfg := namespace.NewRendezvousConfig(s.prefix, slug)

	rctx, cancel := context.WithTimeout(ctx, WindowDeadline(now))
	defer cancel()

	eng := namespace.New(namespace.Deps{
		Config:                cfg,
		Adapter:               s.adapter,
		Contacts:              s.contacts,
		Logger:                s.logger,
		DiscoveryUUID:         s.discoveryUUID(),
		FriendlyName:          s.friendlyName,
		PublicKeyB64:          func() string { pk, _ := identity.EncodePublicKey(&s.identity.Private.PublicKey); return pk },
		DiscoveryFrameHandler: s.respondExchange,
	})
	engineDone := make(chan struct{})
	go func() {
		eng.Run(rctx)
		close(engineDone)
	}()
	defer func() {
		cancel()
		<-engineDone
	}()

	for {
		select {
		case <-rctx.Done():
			s.logger.Debug("rendezvous window elapsed, requeuing", "persistentID", pid)
			metrics.RendezvousAttempts.WithLabelValues("timeout").Inc()
			s.pushUnique(pid)
			return

		case u, ok := <-eng.Updates():
			if !ok {
				return
			}
			if u.Kind != namespace.UpdateRegistryChanged {
				continue
			}
			for _, peer := range u.Peers {
				if peer.PublicKey != c.PublicKey {
					continue
				}
				if s.exchange(rctx, cfg.DiscoveryID(peer.DiscoveryID), c) {
					return
				}
			}
		}
	}
}

// exchange opens a channel to the matched peer's discovery ID and
// performs the signed rvz-exchange of spec.md §4.5, migrating the
// contact record if the persistent ID has changed.
func (s *Scheduler) exchange(ctx context.Context, peerDiscoveryID string, c *contactstore.Contact) bool {
	ch, err := s.adapter.Connect(ctx, peerDiscoveryID)
	if err != nil {
		return false
	}
	defer ch.Close()

	msg := wire.RvzExchange{
		Type:         wire.KindRvzExchange,
		PersistentID: s.persistentID(),
		FriendlyName: s.friendlyName(),
		PublicKey:    mustEncodeOwnKey(s.identity),
		TS:           time.Now().Unix(),
	}
	_, sig, err := signRvzExchange(s.identity, msg)
	if err != nil {
		return false
	}
	msg.Signature = sig
	framed, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	if err := ch.Send(framed); err != nil {
		return false
	}

	events := ch.Events()
	for {
		select {
		case ev := <-events:
			switch ev.Kind {
			case signaling.ChannelData:
				return s.handleExchangeReply(ev.Data, c)
			case signaling.ChannelClose, signaling.ChannelError:
				return false
			}
			// ChannelOpen: keep waiting for the peer's reply.
		case <-ctx.Done():
			return false
		}
	}
}

// respondExchange is the receive side of spec.md §4.5's rvz-exchange: it
// runs as the discoveryID channel handler of a rendezvous namespace's own
// engine, answering an incoming signed exchange from the contact it just
// matched with one of its own, migrating the contact record if its
// persistent ID has since changed.
func (s *Scheduler) respondExchange(ch signaling.Channel, frame []byte) {
	env, err := wire.Decode(frame)
	if err != nil || env.Kind != wire.KindRvzExchange {
		return
	}
	var in wire.RvzExchange
	if err := json.Unmarshal(env.Raw, &in); err != nil {
		return
	}
	theirPub, err := identity.DecodePublicKey(in.PublicKey)
	if err != nil {
		return
	}
	if err := verifyRvzExchange(theirPub, in); err != nil {
		s.logger.Warn("rendezvous: signature-invalid rvz-exchange received", "persistentID", in.PersistentID)
		return
	}

	if c := s.contacts.FindByPublicKey(in.PublicKey, ""); c != nil && in.PersistentID != "" && in.PersistentID != c.PersistentID {
		if err := s.contacts.Migrate(c.PersistentID, in.PersistentID); err != nil {
			s.logger.Warn("rendezvous: migrateContact failed on exchange receipt", "err", err)
		}
	}

	out := wire.RvzExchange{
		Type:         wire.KindRvzExchange,
		PersistentID: s.persistentID(),
		FriendlyName: s.friendlyName(),
		PublicKey:    mustEncodeOwnKey(s.identity),
		TS:           time.Now().Unix(),
	}
	_, sig, err := signRvzExchange(s.identity, out)
	if err != nil {
		return
	}
	out.Signature = sig
	framed, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := ch.Send(framed); err != nil {
		s.logger.Warn("rendezvous: reply send failed", "err", err)
	}
}

func (s *Scheduler) handleExchangeReply(data []byte, c *contactstore.Contact) bool {
	env, err := wire.Decode(data)
	if err != nil || env.Kind != wire.KindRvzExchange {
		return false
	}
	var reply wire.RvzExchange
	if err := json.Unmarshal(env.Raw, &reply); err != nil {
		return false
	}
	theirPub, err := identity.DecodePublicKey(reply.PublicKey)
	if err != nil {
		return false
	}
	if err := verifyRvzExchange(theirPub, reply); err != nil {
		s.logger.Warn("rendezvous: signature-invalid on rvz-exchange", "persistentID", reply.PersistentID)
		metrics.RendezvousAttempts.WithLabelValues("signature_invalid").Inc()
		return false
	}
	if reply.PersistentID != "" && reply.PersistentID != c.PersistentID {
		if err := s.contacts.Migrate(c.PersistentID, reply.PersistentID); err != nil {
			s.logger.Warn("rendezvous: migrateContact failed", "err", err)
			return false
		}
	}
	metrics.RendezvousAttempts.WithLabelValues("matched").Inc()
	return true
}

func mustEncodeOwnKey(k *identity.Keypair) string {
	pk, _ := identity.EncodePublicKey(&k.Private.PublicKey)
	return pk
}

// signRvzExchange signs the canonical (signature-cleared) JSON encoding
// of msg, returning that payload and the base64 signature.
func signRvzExchange(k *identity.Keypair, msg wire.RvzExchange) ([]byte, string, error) {
	msg.Signature = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, "", err
	}
	sig, err := k.Sign(payload)
	if err != nil {
		return nil, "", err
	}
	return payload, sig, nil
}

// verifyRvzExchange checks msg.Signature against the canonical
// (signature-cleared) JSON encoding of msg, mirroring signRvzExchange.
func verifyRvzExchange(pub *ecdsa.PublicKey, msg wire.RvzExchange) error {
	sig := msg.Signature
	msg.Signature = ""
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return identity.Verify(pub, payload, sig)
}
