package namespace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/smileytechness/peerns/registry"
	"github.com/smileytechness/peerns/signaling"
	"github.com/smileytechness/peerns/wire"
)

// join implements spec.md §4.4.3: try to connect to the router endpoint
// up to MaxJoinAttempts times (each bounded by JoinTimeout, JoinRetryDelay
// apart), and on exhaustion fall back to the reverse-connect peer slot.
func (e *Engine) join(ctx context.Context, level int, routerID string) levelResult {
	e.joinStatus = JoinJoining
	defer func() { e.joinStatus = JoinIdle }()

	for attempt := 1; attempt <= MaxJoinAttempts; attempt++ {
		e.joinAttempt = attempt

		joinCtx, cancel := context.WithTimeout(ctx, JoinTimeout)
		ch, err := e.adapter.Connect(joinCtx, routerID)
		cancel()

		if err == nil {
			return e.servePeer(ctx, level, ch)
		}

		e.logger.Debug("join attempt failed", "level", level, "attempt", attempt, "err", err)
		select {
		case <-time.After(JoinRetryDelay):
		case <-ctx.Done():
			return levelShutdown
		}
	}

	e.joinStatus = JoinPeerSlot
	return e.attemptPeerSlot(ctx, level)
}

// servePeer sends the initial check-in on a freshly connected router
// channel, then services that channel (registry updates, pings, migrate
// instructions) until it closes. Returning always means the router
// connection is gone; the caller decides whether that's a restart or a
// migrate.
func (e *Engine) servePeer(ctx context.Context, level int, ch signaling.Channel) levelResult {
	checkin, _ := json.Marshal(wire.Checkin{
		Type:         wire.KindCheckin,
		DiscoveryID:  e.selfDiscoveryUUID,
		FriendlyName: e.friendlyName(),
		PublicKey:    e.publicKeyB64(),
	})
	if err := ch.Send(checkin); err != nil {
		ch.Close()
		return levelExhausted
	}

	e.routerChannel = ch
	e.setRole(RolePeer, level)
	e.claimDiscoveryID(ctx)

	var monitorC <-chan time.Time
	if level > 1 {
		t := time.NewTicker(MonitorInterval)
		defer t.Stop()
		monitorC = t.C
	}

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			ch.Close()
			return levelShutdown

		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdShutdown:
				ch.Close()
				if cmd.done != nil {
					close(cmd.done)
				}
				return levelShutdown
			case cmdPause:
				e.paused = true
				ch.Close()
				return levelPaused
			}

		case ev, ok := <-events:
			if !ok {
				e.routerChannel = nil
				return levelRestart
			}
			switch ev.Kind {
			case signaling.ChannelClose, signaling.ChannelError:
				e.routerChannel = nil
				return levelRestart
			case signaling.ChannelData:
				if res, done := e.handlePeerEvent(ch, ev.Data); done {
					return res
				}
			}

		case <-monitorC:
			if res, done := e.peerMonitorSweep(ctx, ch, level); done {
				return res
			}
		}
	}
}

// peerMonitorSweep is the peer-side half of spec.md §4.4.6's monitor: a
// peer joined at level > 1 periodically probes whether level 1 itself
// has freed up, and if a connect there opens, migrates itself down
// without waiting for its router to notice.
func (e *Engine) peerMonitorSweep(ctx context.Context, ch signaling.Channel, level int) (levelResult, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	probe, err := e.adapter.Connect(probeCtx, e.cfg.RouterID(1))
	cancel()
	if err != nil {
		return 0, false
	}
	probe.Close()

	ch.Close()
	e.routerChannel = nil
	e.nextLevel = 1
	return levelMigrate, true
}

// handlePeerEvent processes one frame received on the router channel.
func (e *Engine) handlePeerEvent(ch signaling.Channel, data []byte) (levelResult, bool) {
	env, err := wire.Decode(data)
	if err != nil {
		return 0, false
	}
	switch env.Kind {
	case wire.KindRegistry:
		var r wire.Registry
		if err := json.Unmarshal(env.Raw, &r); err != nil {
			return 0, false
		}
		self := e.registry.Self()
		if self == nil {
			self = &registry.Entry{
				DiscoveryID:  e.selfDiscoveryUUID,
				FriendlyName: e.friendlyName(),
				PublicKey:    e.publicKeyB64(),
				IsMe:         true,
			}
		}
		e.registry = registry.RebuildFromBroadcast(self, e.selfDiscoveryUUID, r.Peers, time.Now())
		e.resolveContacts()
		e.emit(Update{Kind: UpdateRegistryChanged, Peers: e.registry.Snapshot()})

	case wire.KindPing:
		pong, _ := json.Marshal(wire.Pong{Type: wire.KindPong})
		ch.Send(pong)

	case wire.KindMigrate:
		var m wire.Migrate
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return 0, false
		}
		ch.Close()
		e.nextLevel = m.Level
		e.emit(Update{Kind: UpdatePeerMigrated, Level: m.Level})
		return levelMigrate, true
	}
	return 0, false
}

// resolveContacts matches each registry entry against the contact store
// by public key, then by discovery UUID, marking contacts on-network and
// recording their current discovery ID — spec.md §4.4.7's peer-side
// merge finishing step that registry.RebuildFromBroadcast leaves to its
// caller. Every contact is reset to off-network first, so one that left
// the namespace since the last merge doesn't stay marked reachable
// forever (and so stays eligible for rendezvous recovery).
func (e *Engine) resolveContacts() {
	if e.contacts == nil {
		return
	}
	for _, c := range e.contacts.All() {
		c.OnNetwork = false
		e.contacts.Put(c)
	}
	for _, entry := range e.registry.Snapshot() {
		if entry.IsMe {
			continue
		}
		c := e.contacts.FindByPublicKey(entry.PublicKey, "")
		if c == nil && entry.DiscoveryID != "" {
			c = e.contacts.FindByDiscoveryUUID(entry.DiscoveryID, "")
		}
		if c == nil {
			continue
		}
		if c.PublicKey == "" && entry.PublicKey != "" {
			c.PublicKey = entry.PublicKey
		}
		c.OnNetwork = true
		c.NetworkDiscID = entry.DiscoveryID
		c.LastSeen = time.Now()
		e.contacts.Put(c)
	}
}
