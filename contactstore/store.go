// Package contactstore implements the durable map from a stable peer
// identity (persistent ID) to its contact record, per spec.md §4.3.
package contactstore

import (
	"sync"
	"time"
)

// PendingState is the handshake-pending status of a Contact.
type PendingState int

const (
	PendingNone PendingState = iota
	PendingOutgoing
	PendingIncoming
)

// ChatMessage is one entry in a Contact's chat history. Stable, globally
// unique ID; TS is set by the sender (spec.md §3 invariants).
type ChatMessage struct {
	ID        string
	TS        int64
	FromMe    bool
	Content   string
	Delivered bool
	Deleted   bool
}

// Contact is the record keyed by persistent ID, per spec.md §3.
type Contact struct {
	PersistentID    string
	FriendlyName    string
	DiscoveryID     string // optional, cached
	DiscoveryUUID   string
	PublicKey       string // optional until handshake; immutable once set
	OnNetwork       bool
	NetworkDiscID   string // optional
	LastSeen        time.Time
	Pending         PendingState
	PendingFP       string // pending-fingerprint, for incoming saves
	PendingVerified bool

	History []ChatMessage
}

// ContactMigration is emitted on Store.Migrate.
type ContactMigration struct {
	OldPersistentID string
	NewPersistentID string
}

// Store is the durable contactstore map. All mutation happens under mu;
// per spec.md §5 the namespace/session event loops are the only expected
// mutators, but the control-plane admin server (controlplane package)
// reads the store from its own goroutine, so unlike most of this system
// Store needs its own lock — mirrored from the lazily-cached shared-secret
// field lock in the retrieved meshcore-go ContactInfo type, sized to the
// one structure actually touched from more than one goroutine.
type Store struct {
	mu       sync.Mutex
	contacts map[string]*Contact
	dir      string

	migrations chan ContactMigration
}

// New creates an empty Store backed by dir for persistence (see persist.go).
// dir may be empty, in which case the store is memory-only (useful in tests).
func New(dir string) *Store {
	return &Store{
		contacts:   make(map[string]*Contact),
		dir:        dir,
		migrations: make(chan ContactMigration, 16),
	}
}

// Migrations returns the channel of contact-migrated events.
func (s *Store) Migrations() <-chan ContactMigration { return s.migrations }

// Put inserts or replaces the contact record under its PersistentID.
func (s *Store) Put(c *Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.PersistentID] = c
}

// Get returns the contact for persistentID, or nil if none.
func (s *Store) Get(persistentID string) *Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contacts[persistentID]
}

// Delete removes the contact for persistentID.
func (s *Store) Delete(persistentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, persistentID)
}

// All returns a snapshot slice of every contact, for sweeps/iteration.
func (s *Store) All() []*Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out
}

// FindByPublicKey returns the contact whose PublicKey equals pk, excluding
// the contact keyed by exclude (pass "" to exclude none). Returns nil if
// no match.
func (s *Store) FindByPublicKey(pk, exclude string) *Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, c := range s.contacts {
		if pid == exclude {
			continue
		}
		if c.PublicKey != "" && c.PublicKey == pk {
			return c
		}
	}
	return nil
}

// FindByDiscoveryUUID returns the contact whose DiscoveryUUID equals
// uuid, excluding the contact keyed by exclude (pass "" to exclude
// none). Returns nil if no match. Used as the fallback resolution step
// when no contact matches a registry entry's public key.
func (s *Store) FindByDiscoveryUUID(uuid, exclude string) *Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pid, c := range s.contacts {
		if pid == exclude {
			continue
		}
		if c.DiscoveryUUID != "" && c.DiscoveryUUID == uuid {
			return c
		}
	}
	return nil
}

// Migrate moves the contact record from oldPID to newPID, merging chat
// histories (dedup by ID, sort by TS) and moving the cached public key,
// then emits a ContactMigration event. Per spec.md §3 invariants, the
// public key itself does not change — only the key under which the
// record is stored.
func (s *Store) Migrate(oldPID, newPID string) error {
	s.mu.Lock()
	oldContact, ok := s.contacts[oldPID]
	if !ok {
		s.mu.Unlock()
		return ErrNoSuchContact
	}

	newContact, existsAtNew := s.contacts[newPID]
	if existsAtNew {
		newContact.History = mergeHistory(newContact.History, oldContact.History)
		if newContact.PublicKey == "" {
			newContact.PublicKey = oldContact.PublicKey
		}
	} else {
		newContact = oldContact
		newContact.PersistentID = newPID
	}
	delete(s.contacts, oldPID)
	s.contacts[newPID] = newContact
	s.mu.Unlock()

	select {
	case s.migrations <- ContactMigration{OldPersistentID: oldPID, NewPersistentID: newPID}:
	default:
	}
	return nil
}
