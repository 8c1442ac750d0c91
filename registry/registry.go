// Package registry implements the per-namespace registry of discovery-ID
// entries: router-side dedup-on-insert, TTL eviction, and peer-side merge
// of a broadcast registry, per spec.md §3 and §4.4.7. A Registry belongs
// to exactly one namespace.Engine goroutine (spec.md §5's single-loop
// model) and so, unlike contactstore.Store, needs no lock of its own.
package registry

import (
	"time"

	"github.com/smileytechness/peerns/wire"
)

// ConnHandle is the router-side connection a peer checked in on. It's
// opaque to this package (namespace owns the concrete signaling.Channel).
type ConnHandle interface {
	Send(payload []byte) error
	Close() error
}

// Entry is one registry entry, keyed by DiscoveryID within a namespace.
type Entry struct {
	DiscoveryID  string
	FriendlyName string
	LastSeen     time.Time
	Conn         ConnHandle // router-side only; nil on the peer side
	IsMe         bool
	PersistentID string // set if a matching contact exists
	PublicKey    string // optional
}

// Registry is the in-memory table for one namespace.
type Registry struct {
	entries map[string]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Get returns the entry for discoveryID, or nil.
func (r *Registry) Get(discoveryID string) *Entry {
	return r.entries[discoveryID]
}

// Remove deletes the entry for discoveryID, if present.
func (r *Registry) Remove(discoveryID string) {
	delete(r.entries, discoveryID)
}

// Snapshot returns every entry, in no particular order.
func (r *Registry) Snapshot() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Self returns the isMe entry, or nil if none is set — violating the
// "exactly one isMe entry" invariant is a caller bug, not something this
// type tries to repair silently.
func (r *Registry) Self() *Entry {
	for _, e := range r.entries {
		if e.IsMe {
			return e
		}
	}
	return nil
}

// Insert adds or replaces e, enforcing the public-key-dedup invariant of
// spec.md §3: if another entry already carries e.PublicKey, the one with
// the older LastSeen is evicted. Insert refuses to evict e itself — if e
// is the older of the two, the existing entry is kept and ok is false.
func (r *Registry) Insert(e *Entry) (evictedID string, ok bool) {
	if e.PublicKey != "" {
		for id, existing := range r.entries {
			if id == e.DiscoveryID || existing.PublicKey != e.PublicKey {
				continue
			}
			if e.LastSeen.Before(existing.LastSeen) {
				return "", false
			}
			delete(r.entries, id)
			evictedID = id
			ok = true
		}
	}
	r.entries[e.DiscoveryID] = e
	return evictedID, true
}

// EvictStale removes every non-self entry whose LastSeen is older than
// now.Add(-ttl), per spec.md §4.4.4's PING_IV=60s/TTL=90s+10s-grace
// sweep. Returns the discovery IDs evicted.
func (r *Registry) EvictStale(now time.Time, ttl time.Duration) []string {
	var evicted []string
	for id, e := range r.entries {
		if e.IsMe {
			continue
		}
		if now.Sub(e.LastSeen) > ttl {
			delete(r.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// BroadcastPeers converts every non-self entry to the wire shape for a
// router's Registry broadcast.
func (r *Registry) BroadcastPeers() []wire.RegistryPeer {
	out := make([]wire.RegistryPeer, 0, len(r.entries))
	for _, e := range r.entries {
		if e.IsMe {
			continue
		}
		out = append(out, wire.RegistryPeer{
			DiscoveryID:  e.DiscoveryID,
			FriendlyName: e.FriendlyName,
			PublicKey:    e.PublicKey,
		})
	}
	return out
}
