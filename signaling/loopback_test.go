package signaling

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackClaimUniqueness(t *testing.T) {
	broker := NewLoopback()
	a := broker.NewHandle()
	b := broker.NewHandle()
	ctx := context.Background()

	sessA, err := a.Claim(ctx, "pfx-203-0-113-7-1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	defer sessA.Release()

	if _, err := b.Claim(ctx, "pfx-203-0-113-7-1"); err != ErrAlreadyTaken {
		t.Fatalf("expected ErrAlreadyTaken, got %v", err)
	}
}

func TestLoopbackReleaseFreesEndpoint(t *testing.T) {
	broker := NewLoopback()
	a := broker.NewHandle()
	b := broker.NewHandle()
	ctx := context.Background()

	sessA, err := a.Claim(ctx, "pfx-ep")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := sessA.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}

	sessB, err := b.Claim(ctx, "pfx-ep")
	if err != nil {
		t.Fatalf("re-claim after release: %v", err)
	}
	defer sessB.Release()
}

func TestLoopbackConnectDeliversInbound(t *testing.T) {
	broker := NewLoopback()
	router := broker.NewHandle()
	peer := broker.NewHandle()
	ctx := context.Background()

	sess, err := router.Claim(ctx, "pfx-203-0-113-7-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer sess.Release()

	ch, err := peer.Connect(ctx, "pfx-203-0-113-7-1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()

	select {
	case ev := <-ch.Events():
		if ev.Kind != ChannelOpen {
			t.Fatalf("expected ChannelOpen, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer-side open event")
	}

	select {
	case inbound := <-sess.Accept():
		select {
		case ev := <-inbound.Events():
			if ev.Kind != ChannelOpen {
				t.Fatalf("expected ChannelOpen on router side, got %v", ev.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for router-side open event")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound channel")
	}
}

func TestLoopbackConnectUnreachableWithoutClaim(t *testing.T) {
	broker := NewLoopback()
	peer := broker.NewHandle()
	ctx := context.Background()

	if _, err := peer.Connect(ctx, "pfx-nobody-home"); err != ErrUnreachable {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestLoopbackSendReceive(t *testing.T) {
	broker := NewLoopback()
	router := broker.NewHandle()
	peer := broker.NewHandle()
	ctx := context.Background()

	sess, err := router.Claim(ctx, "pfx-r1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	defer sess.Release()

	peerCh, err := peer.Connect(ctx, "pfx-r1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer peerCh.Close()
	<-peerCh.Events() // open

	var routerCh Channel
	select {
	case routerCh = <-sess.Accept():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound channel")
	}
	<-routerCh.Events() // open

	if err := peerCh.Send([]byte(`{"type":"checkin"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case ev := <-routerCh.Events():
		if ev.Kind != ChannelData || string(ev.Data) != `{"type":"checkin"}` {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data")
	}
}
