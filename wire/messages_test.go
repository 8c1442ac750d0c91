package wire

import (
	"encoding/json"
	"testing"
)

func TestDecodeRoutesOnKind(t *testing.T) {
	msg := Message{Type: KindMessage, ID: "m1", TS: 100, Content: "hi"}
	frame, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != KindMessage {
		t.Fatalf("got kind %q, want %q", env.Kind, KindMessage)
	}

	var out Message
	if err := json.Unmarshal(env.Raw, &out); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if out.ID != "m1" || out.Content != "hi" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecodeUnknownKindStillParses(t *testing.T) {
	env, err := Decode([]byte(`{"type":"bogus","x":1}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kind != Kind("bogus") {
		t.Fatalf("got kind %q", env.Kind)
	}
}

func TestRegistryRoundTrip(t *testing.T) {
	reg := Registry{
		Type: KindRegistry,
		Peers: []RegistryPeer{
			{DiscoveryID: "pfx-abc", FriendlyName: "alice"},
			{DiscoveryID: "pfx-def", FriendlyName: "bob", PublicKey: "Zm9v"},
		},
	}
	b, err := json.Marshal(reg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Registry
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Peers) != 2 || out.Peers[1].PublicKey != "Zm9v" {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
