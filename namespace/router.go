package namespace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smileytechness/peerns/registry"
	"github.com/smileytechness/peerns/signaling"
	"github.com/smileytechness/peerns/wire"
)

// newSelfRegistry builds a fresh registry.Registry holding exactly the
// self entry, per spec.md §4.4.4: a newly elected router starts from a
// clean table.
func newSelfRegistry(discoveryUUID, friendlyName, publicKey string) *registry.Registry {
	r := registry.New()
	r.Insert(&registry.Entry{
		DiscoveryID:  discoveryUUID,
		FriendlyName: friendlyName,
		PublicKey:    publicKey,
		IsMe:         true,
		LastSeen:     time.Now(),
	})
	return r
}

// inboundMsg is one event from an accepted or probed channel, fanned in
// to the router's single event loop.
type inboundMsg struct {
	ch signaling.Channel
	ev signaling.ChannelEvent
}

// funnelChannel forwards one channel's event stream into a shared
// fan-in channel until ctx is canceled or the channel's stream ends —
// the same reader-goroutine-per-connection shape the teacher uses for
// reading cells off a link.
func (e *Engine) funnelChannel(ctx context.Context, ch signaling.Channel, out chan<- inboundMsg) {
	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case out <- inboundMsg{ch: ch, ev: ev}:
			case <-ctx.Done():
				return
			}
			if ev.Kind == signaling.ChannelClose || ev.Kind == signaling.ChannelError {
				return
			}
		}
	}
}

// runRouter is the router's event loop: it accepts check-ins, answers
// pings, evicts stale entries, probes the reverse-connect peer slot, and
// (at level > 1) runs the monitor sweep for a freed lower level.
func (e *Engine) runRouter(ctx context.Context, level int, sess signaling.Session) levelResult {
	inbound := make(chan inboundMsg, 64)

	pingTicker := time.NewTicker(PingInterval)
	defer pingTicker.Stop()

	stopProbe := e.startPeerSlotProbe(ctx, inbound)
	defer stopProbe()

	var monitorC <-chan time.Time
	if level > 1 {
		t := time.NewTicker(MonitorInterval)
		defer t.Stop()
		monitorC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return levelShutdown

		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdShutdown:
				if cmd.done != nil {
					close(cmd.done)
				}
				return levelShutdown
			case cmdPause:
				e.paused = true
				return levelPaused
			}

		case ch, ok := <-sess.Accept():
			if !ok {
				return levelRestart
			}
			go e.funnelChannel(ctx, ch, inbound)

		case m := <-inbound:
			if res, done := e.handleRouterEvent(m); done {
				return res
			}

		case <-pingTicker.C:
			e.routerTick()

		case <-monitorC:
			if res, done := e.runMonitorSweep(ctx, level); done {
				return res
			}
		}
	}
}

// handleRouterEvent processes one fanned-in channel event. Its done
// result is always false: check-in, ping and close traffic never end the
// router lifetime, and migration is started by runMonitorSweep instead.
func (e *Engine) handleRouterEvent(m inboundMsg) (levelResult, bool) {
	switch m.ev.Kind {
	case signaling.ChannelClose, signaling.ChannelError:
		e.removeLinkFor(m.ch)
		return 0, false

	case signaling.ChannelData:
		env, err := wire.Decode(m.ev.Data)
		if err != nil {
			e.logger.Warn("router: undecodable frame", "err", err)
			return 0, false
		}
		switch env.Kind {
		case wire.KindCheckin:
			var c wire.Checkin
			if err := json.Unmarshal(env.Raw, &c); err != nil {
				return 0, false
			}
			e.handleCheckin(c, m.ch)
		case wire.KindPong:
			// liveness only; LastSeen already refreshed by checkin/pong
			// bookkeeping in handleCheckin for the common case. A
			// pong from an already-registered peer still refreshes it:
			if en := e.registry.Get(e.discoveryIDForChannel(m.ch)); en != nil {
				en.LastSeen = time.Now()
			}
		}
	}
	return 0, false
}

// handleCheckin inserts or refreshes a registry entry for a newly
// checked-in (or reconnected) peer, then rebroadcasts.
func (e *Engine) handleCheckin(c wire.Checkin, ch signaling.Channel) {
	e.links[c.DiscoveryID] = &peerLink{channel: ch}
	_, _ = e.registry.Insert(&registry.Entry{
		DiscoveryID:  c.DiscoveryID,
		FriendlyName: c.FriendlyName,
		PublicKey:    c.PublicKey,
		Conn:         ch,
		LastSeen:     time.Now(),
	})
	e.emit(Update{Kind: UpdateRegistryChanged, Peers: e.registry.Snapshot()})
	e.broadcastRegistry()
}

// discoveryIDForChannel finds which registry entry owns ch, if any.
func (e *Engine) discoveryIDForChannel(ch signaling.Channel) string {
	for id, l := range e.links {
		if l.channel == ch {
			return id
		}
	}
	return ""
}

// removeLinkFor evicts the registry entry whose connection is ch (it
// closed or errored out) and rebroadcasts.
func (e *Engine) removeLinkFor(ch signaling.Channel) {
	id := e.discoveryIDForChannel(ch)
	if id == "" {
		return
	}
	delete(e.links, id)
	e.registry.Remove(id)
	e.emit(Update{Kind: UpdateRegistryChanged, Peers: e.registry.Snapshot()})
	e.broadcastRegistry()
}

// routerTick runs the PING_IV cycle of spec.md §4.4.4: ping every link,
// evict anything that's gone quiet past TTL+grace, and broadcast if the
// eviction changed anything.
func (e *Engine) routerTick() {
	ping, _ := json.Marshal(wire.Ping{Type: wire.KindPing})
	for id, l := range e.links {
		if err := l.channel.Send(ping); err != nil {
			delete(e.links, id)
			e.registry.Remove(id)
		}
	}
	evicted := e.registry.EvictStale(time.Now(), RegistryTTL+RegistryTTLGrace)
	for _, id := range evicted {
		if l, ok := e.links[id]; ok {
			l.channel.Close()
			delete(e.links, id)
		}
	}
	if len(evicted) > 0 {
		e.emit(Update{Kind: UpdateRegistryChanged, Peers: e.registry.Snapshot()})
		e.broadcastRegistry()
	}
}

// broadcastRegistry sends the router's current peer list to every
// checked-in link, per spec.md §4.4.4.
func (e *Engine) broadcastRegistry() {
	msg := wire.Registry{Type: wire.KindRegistry, Peers: e.registry.BroadcastPeers()}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for id, l := range e.links {
		if err := l.channel.Send(payload); err != nil {
			e.logger.Warn("broadcast send failed", "discoveryID", id, "err", err)
		}
	}
}

// startPeerSlotProbe periodically attempts to connect out to this
// namespace's reverse-connect slot (spec.md §4.4.5): a joiner that
// exhausted ordinary join attempts claims that slot and waits there, so
// the router reaches in to welcome it rather than the other way around.
func (e *Engine) startPeerSlotProbe(ctx context.Context, inbound chan<- inboundMsg) func() {
	ticker := time.NewTicker(PeerSlotProbeInterval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ch, err := e.adapter.Connect(ctx, e.cfg.PeerSlotID())
				if err != nil {
					continue
				}
				welcome, _ := json.Marshal(wire.ReverseWelcome{Type: wire.KindReverseWelcome})
				if err := ch.Send(welcome); err != nil {
					ch.Close()
					continue
				}
				go e.funnelChannel(ctx, ch, inbound)
			}
		}
	}()
	return func() { close(done) }
}

// runMonitorSweep implements spec.md §4.4.6's monitor: a level>1 router
// periodically probes whether level 1 itself has freed up. If a connect
// opens, someone is there to rejoin, so the whole peer set migrates down
// to it. If the connect refuses, level 1 is empty and this router
// reclaims it directly rather than cascading down one level at a time.
func (e *Engine) runMonitorSweep(ctx context.Context, level int) (levelResult, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	probe, err := e.adapter.Connect(probeCtx, e.cfg.RouterID(1))
	cancel()
	if err != nil {
		e.nextLevel = 1
		return levelMigrate, true
	}
	probe.Close()

	migrate, _ := json.Marshal(wire.Migrate{Type: wire.KindMigrate, Level: 1})
	for _, l := range e.links {
		l.channel.Send(migrate)
	}
	select {
	case <-time.After(600 * time.Millisecond):
	case <-ctx.Done():
		return levelShutdown, true
	}
	e.nextLevel = 1
	return levelMigrate, true
}
