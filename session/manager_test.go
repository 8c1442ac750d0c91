package session

import (
	"context"
	"testing"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/identity"
	"github.com/smileytechness/peerns/signaling"
)

func newTestManager(t *testing.T, broker *signaling.Loopback, persistentID, name string, onFailure func(string)) (*Manager, *contactstore.Store, *identity.Keypair) {
	t.Helper()
	kp, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	store := contactstore.New("")
	m := New(Deps{
		Contacts:     store,
		Adapter:      broker.NewHandle(),
		Identity:     kp,
		PersistentID: persistentID,
		FriendlyName: func() string { return name },
		OnFailure:    onFailure,
	})
	return m, store, kp
}

// TestMessageRoundTrip runs two Managers, each already holding the other as
// a contact, and checks that a sent message arrives, gets acked, and flips
// the sender's queued message to delivered.
func TestMessageRoundTrip(t *testing.T) {
	broker := signaling.NewLoopback()

	alice, aliceStore, aliceKey := newTestManager(t, broker, "alice-pid", "alice", nil)
	bob, bobStore, bobKey := newTestManager(t, broker, "bob-pid", "bob", nil)

	alicePub, err := identity.EncodePublicKey(aliceKey.Public())
	if err != nil {
		t.Fatalf("encode alice pub: %v", err)
	}
	bobPub, err := identity.EncodePublicKey(bobKey.Public())
	if err != nil {
		t.Fatalf("encode bob pub: %v", err)
	}

	aliceStore.Put(&contactstore.Contact{PersistentID: "bob-pid", PublicKey: bobPub})
	bobStore.Put(&contactstore.Contact{PersistentID: "alice-pid", PublicKey: alicePub})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go alice.Run(ctx)
	go bob.Run(ctx)

	// give both managers a moment to claim their endpoints before alice
	// dials out.
	time.Sleep(50 * time.Millisecond)

	alice.SendMessage("bob-pid", "hello bob")

	deadline := time.After(4 * time.Second)
	for {
		c := bobStore.Get("alice-pid")
		if c != nil && len(c.History) == 1 && c.History[0].Content == "hello bob" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to receive the message")
		case <-time.After(20 * time.Millisecond):
		}
	}

	deadline = time.After(4 * time.Second)
	for {
		select {
		case u := <-alice.Updates():
			if u.Kind == UpdateMessageDelivered && u.PersistentID == "bob-pid" {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for alice's message-delivered update")
		}
	}
}

// TestNameUpdateBroadcast checks that NameUpdate reaches every attached
// peer session and updates the remote side's contact record.
func TestNameUpdateBroadcast(t *testing.T) {
	broker := signaling.NewLoopback()

	alice, aliceStore, aliceKey := newTestManager(t, broker, "alice-pid2", "alice", nil)
	bob, bobStore, bobKey := newTestManager(t, broker, "bob-pid2", "bob", nil)

	alicePub, _ := identity.EncodePublicKey(aliceKey.Public())
	bobPub, _ := identity.EncodePublicKey(bobKey.Public())

	aliceStore.Put(&contactstore.Contact{PersistentID: "bob-pid2", PublicKey: bobPub})
	bobStore.Put(&contactstore.Contact{PersistentID: "alice-pid2", PublicKey: alicePub})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go alice.Run(ctx)
	go bob.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	alice.Connect("bob-pid2")

	deadline := time.After(2 * time.Second)
	for {
		c := bobStore.Get("alice-pid2")
		if c != nil && c.OnNetwork {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to see alice on network")
		case <-time.After(20 * time.Millisecond):
		}
	}

	alice.NameUpdate("Alice Renamed")

	deadline = time.After(2 * time.Second)
	for {
		c := bobStore.Get("alice-pid2")
		if c != nil && c.FriendlyName == "Alice Renamed" {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for bob to observe alice's renamed friendly name")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// TestRetryExhaustionFiresOnFailure checks that repeated failed connect
// attempts toward an endpoint nobody claims flips a queued message to
// failed and invokes onFailure.
func TestRetryExhaustionFiresOnFailure(t *testing.T) {
	broker := signaling.NewLoopback()

	failed := make(chan string, 1)
	alice, aliceStore, _ := newTestManager(t, broker, "alice-pid3", "alice", func(pid string) {
		select {
		case failed <- pid:
		default:
		}
	})

	unreachablePub, err := identity.NewKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	pub, _ := identity.EncodePublicKey(unreachablePub.Public())
	aliceStore.Put(&contactstore.Contact{PersistentID: "nobody-home", PublicKey: pub})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()

	go alice.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	alice.SendMessage("nobody-home", "are you there")

	// connectOutbound retries MaxConnectRetries times with a 5s*attempt
	// backoff between attempts, so failure surfaces around 15s in.
	select {
	case pid := <-failed:
		if pid != "nobody-home" {
			t.Fatalf("onFailure fired for %q, want %q", pid, "nobody-home")
		}
	case <-time.After(23 * time.Second):
		t.Fatal("timed out waiting for onFailure after retry exhaustion")
	}
}
