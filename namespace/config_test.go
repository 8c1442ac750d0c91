package namespace

import "testing"

func TestPublicConfigShapes(t *testing.T) {
	cfg, err := NewPublicConfig("pfx", "203.0.113.7")
	if err != nil {
		t.Fatalf("NewPublicConfig: %v", err)
	}
	if got, want := cfg.RouterID(1), "pfx-203-0-113-7-1"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
	if got, want := cfg.DiscoveryID("abc123"), "pfx-203-0-113-7-abc123"; got != want {
		t.Fatalf("DiscoveryID: got %q want %q", got, want)
	}
	if got, want := cfg.PeerSlotID(), "pfx-203-0-113-7-p1"; got != want {
		t.Fatalf("PeerSlotID: got %q want %q", got, want)
	}
}

func TestPublicConfigRejectsEmptyIP(t *testing.T) {
	if _, err := NewPublicConfig("pfx", ""); err == nil {
		t.Fatal("expected error for empty IP")
	}
}

func TestCustomConfigNonAdvanced(t *testing.T) {
	cfg := NewCustomConfig("pfx", "Study Group!", false)
	if got, want := cfg.RouterID(2), "pfx-ns-study-group-2"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
}

func TestCustomConfigAdvanced(t *testing.T) {
	cfg := NewCustomConfig("pfx", "MyExactSlug", true)
	if got, want := cfg.RouterID(3), "MyExactSlug-3"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
	if got, want := cfg.PeerSlotID(), "MyExactSlug-p1"; got != want {
		t.Fatalf("PeerSlotID: got %q want %q", got, want)
	}
}

func TestRendezvousConfigShapes(t *testing.T) {
	cfg := NewRendezvousConfig("pfx", "deadbeef01234567")
	if got, want := cfg.RouterID(1), "pfx-rvz-deadbeef01234567-1"; got != want {
		t.Fatalf("RouterID: got %q want %q", got, want)
	}
}
