package namespace

import (
	"context"
	"testing"
	"time"

	"github.com/smileytechness/peerns/contactstore"
	"github.com/smileytechness/peerns/signaling"
)

func newTestEngine(t *testing.T, broker *signaling.Loopback, cfg Config, uuid, name, pubkey string) *Engine {
	t.Helper()
	return New(Deps{
		Config:        cfg,
		Adapter:       broker.NewHandle(),
		Contacts:      contactstore.New(""),
		DiscoveryUUID: uuid,
		FriendlyName:  func() string { return name },
		PublicKeyB64:  func() string { return pubkey },
	})
}

func runEngine(e *Engine, ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	return done
}

func waitForRole(t *testing.T, e *Engine, want Role, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case u := <-e.Updates():
			if u.Kind == UpdateRoleChanged && u.Role == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for role %v", want)
		}
	}
}

func waitForUpdateKind(t *testing.T, e *Engine, kind UpdateKind, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case u := <-e.Updates():
			if u.Kind == kind {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update kind %v", kind)
		}
	}
}

// TestTwoPeerElection covers spec.md §8's basic scenario: the first
// engine to claim the level-1 router endpoint becomes router, the
// second joins it and both see their registries populate.
func TestTwoPeerElection(t *testing.T) {
	broker := signaling.NewLoopback()
	cfg := NewCustomConfig("pfx", "study-group", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestEngine(t, broker, cfg, "uuid-a", "alice", "keyA")
	doneA := runEngine(a, ctx)
	waitForRole(t, a, RoleRouter, 2*time.Second)

	b := newTestEngine(t, broker, cfg, "uuid-b", "bob", "keyB")
	doneB := runEngine(b, ctx)
	waitForRole(t, b, RolePeer, 2*time.Second)

	waitForUpdateKind(t, a, UpdateRegistryChanged, 2*time.Second)
	waitForUpdateKind(t, b, UpdateRegistryChanged, 2*time.Second)

	a.Shutdown()
	<-doneA
	b.Shutdown()
	<-doneB

	if len(a.links) != 0 {
		t.Fatalf("expected router links cleared after shutdown, got %d", len(a.links))
	}
}

// TestFailoverRestartsElection covers spec.md §8's router-death
// scenario: when the router goes away, the surviving peer restarts its
// own election from level 1 and (since the slot is now free) becomes
// the new router.
func TestFailoverRestartsElection(t *testing.T) {
	broker := signaling.NewLoopback()
	cfg := NewCustomConfig("pfx", "study-group", false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newTestEngine(t, broker, cfg, "uuid-a", "alice", "keyA")
	doneA := runEngine(a, ctx)
	waitForRole(t, a, RoleRouter, 2*time.Second)

	b := newTestEngine(t, broker, cfg, "uuid-b", "bob", "keyB")
	_ = runEngine(b, ctx)
	waitForRole(t, b, RolePeer, 2*time.Second)

	a.Shutdown()
	<-doneA

	waitForRole(t, b, RoleRouter, FailoverJitterMax+2*time.Second)

	b.Shutdown()
}
