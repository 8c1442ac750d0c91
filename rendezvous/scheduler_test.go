package rendezvous

import (
	"context"
	"testing"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/signaling"
)

func TestEligible(t *testing.T) {
	cases := []struct {
		name string
		c    *contactstore.Contact
		want bool
	}{
		{"no public key", &contactstore.Contact{}, false},
		{"pending", &contactstore.Contact{PublicKey: "x", Pending: contactstore.PendingOutgoing}, false},
		{"on network", &contactstore.Contact{PublicKey: "x", OnNetwork: true}, false},
		{"eligible", &contactstore.Contact{PublicKey: "x"}, true},
	}
	for _, tc := range cases {
		if got := eligible(tc.c); got != tc.want {
			t.Errorf("%s: eligible=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSweepEnqueuesOnlyEligible(t *testing.T) {
	store := contactstore.New("")
	store.Put(&contactstore.Contact{PersistentID: "a", PublicKey: "pk-a"})
	store.Put(&contactstore.Contact{PersistentID: "b", PublicKey: "pk-b", OnNetwork: true})
	store.Put(&contactstore.Contact{PersistentID: "c"})

	s := New(Deps{Contacts: store})
	s.sweep()

	if s.queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1", s.queue.Len())
	}
	if got := s.popHead(); got != "a" {
		t.Fatalf("popHead() = %q, want %q", got, "a")
	}
}

func TestPushUniqueDedupes(t *testing.T) {
	s := New(Deps{Contacts: contactstore.New("")})
	s.pushUnique("x")
	s.pushUnique("x")
	if s.queue.Len() != 1 {
		t.Fatalf("queue.Len() = %d, want 1 after duplicate push", s.queue.Len())
	}
}

// TestRendezvousExchange runs two schedulers, each holding the other as a
// contact with a stale persistent ID, and checks that meeting inside the
// shared time-windowed namespace migrates both contact records to the
// other side's current persistent ID.
func TestRendezvousExchange(t *testing.T) {
	broker := signaling.NewLoopback()

	aliceKey, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bobKey, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}
	alicePub, err := identity.EncodePublicKey(aliceKey.Public())
	if err != nil {
		t.Fatalf("encode alice pub: %v", err)
	}
	bobPub, err := identity.EncodePublicKey(bobKey.Public())
	if err != nil {
		t.Fatalf("encode bob pub: %v", err)
	}

	aliceContacts := contactstore.New("")
	aliceContacts.Put(&contactstore.Contact{PersistentID: "bob-old", PublicKey: bobPub})

	bobContacts := contactstore.New("")
	bobContacts.Put(&contactstore.Contact{PersistentID: "alice-old", PublicKey: alicePub})

	alice := New(Deps{
		Contacts:      aliceContacts,
		Adapter:       broker.NewHandle(),
		Identity:      aliceKey,
		Prefix:        "pfx",
		PersistentID:  "alice-new",
		FriendlyName:  func() string { return "alice" },
		DiscoveryUUID: func() string { return "alice-uuid" },
	})
	bob := New(Deps{
		Contacts:      bobContacts,
		Adapter:       broker.NewHandle(),
		Identity:      bobKey,
		Prefix:        "pfx",
		PersistentID:  "bob-new",
		FriendlyName:  func() string { return "bob" },
		DiscoveryUUID: func() string { return "bob-uuid" },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() { alice.runOne(ctx, "bob-old"); done <- struct{}{} }()
	go func() { bob.runOne(ctx, "alice-old"); done <- struct{}{} }()

	timeout := time.After(4 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-timeout:
			t.Fatal("timed out waiting for both runOne calls to return")
		}
	}

	if got := aliceContacts.Get("bob-new"); got == nil {
		t.Fatal("alice's contact store was not migrated to bob-new")
	}
	if got := bobContacts.Get("alice-new"); got == nil {
		t.Fatal("bob's contact store was not migrated to alice-new")
	}
}
