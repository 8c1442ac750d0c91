package registry

import (
	"time"

	"github.com/smileytechness/peerns/wire"
)

// RebuildFromBroadcast implements the peer-side merge of spec.md §4.4.7:
// construct a new registry preserving only the self entry, then insert
// each broadcast peer (skipping the entry matching selfDiscoveryID),
// deduping by public key against entries already added. Contact
// resolution (matching a peer entry to a local contact, setting
// onNetwork/networkDiscID, re-deriving a shared key for a newly observed
// public key) is the namespace package's job, since it needs the contact
// store; this function only rebuilds the bookkeeping table.
func RebuildFromBroadcast(self *Entry, selfDiscoveryID string, peers []wire.RegistryPeer, now time.Time) *Registry {
	out := New()
	if self != nil {
		out.entries[self.DiscoveryID] = self
	}

	for _, p := range peers {
		if p.DiscoveryID == selfDiscoveryID {
			continue
		}
		out.Insert(&Entry{
			DiscoveryID:  p.DiscoveryID,
			FriendlyName: p.FriendlyName,
			PublicKey:    p.PublicKey,
			LastSeen:     now,
		})
	}
	return out
}
