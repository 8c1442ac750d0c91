package contactstore

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutGetDelete(t *testing.T) {
	s := New("")
	c := &Contact{PersistentID: "pfx-aaaa", FriendlyName: "alice"}
	s.Put(c)

	got := s.Get("pfx-aaaa")
	if got == nil || got.FriendlyName != "alice" {
		t.Fatalf("Get returned %+v", got)
	}

	s.Delete("pfx-aaaa")
	if s.Get("pfx-aaaa") != nil {
		t.Fatal("expected contact to be deleted")
	}
}

func TestFindByPublicKeyExcludes(t *testing.T) {
	s := New("")
	s.Put(&Contact{PersistentID: "p1", PublicKey: "K"})
	s.Put(&Contact{PersistentID: "p2", PublicKey: "K"})

	found := s.FindByPublicKey("K", "p1")
	if found == nil || found.PersistentID != "p2" {
		t.Fatalf("expected p2, got %+v", found)
	}

	found = s.FindByPublicKey("K", "p2")
	if found == nil || found.PersistentID != "p1" {
		t.Fatalf("expected p1, got %+v", found)
	}

	if s.FindByPublicKey("nope", "") != nil {
		t.Fatal("expected no match")
	}
}

func TestFindByDiscoveryUUIDExcludes(t *testing.T) {
	s := New("")
	s.Put(&Contact{PersistentID: "p1", DiscoveryUUID: "U"})
	s.Put(&Contact{PersistentID: "p2", DiscoveryUUID: "U"})

	found := s.FindByDiscoveryUUID("U", "p1")
	if found == nil || found.PersistentID != "p2" {
		t.Fatalf("expected p2, got %+v", found)
	}

	if s.FindByDiscoveryUUID("nope", "") != nil {
		t.Fatal("expected no match")
	}
}

func TestMigrateMergesHistoryAndEmitsEvent(t *testing.T) {
	s := New("")
	s.Put(&Contact{
		PersistentID: "old",
		PublicKey:    "K",
		History: []ChatMessage{
			{ID: "m1", TS: 100},
			{ID: "m2", TS: 300},
		},
	})
	s.Put(&Contact{
		PersistentID: "new",
		PublicKey:    "",
		History: []ChatMessage{
			{ID: "m3", TS: 200},
		},
	})

	if err := s.Migrate("old", "new"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	if s.Get("old") != nil {
		t.Fatal("expected old record to be gone")
	}
	merged := s.Get("new")
	if merged == nil {
		t.Fatal("expected merged record under new PID")
	}
	if merged.PublicKey != "K" {
		t.Fatalf("expected public key preserved, got %q", merged.PublicKey)
	}
	if len(merged.History) != 3 {
		t.Fatalf("expected 3 merged messages, got %d", len(merged.History))
	}
	for i := 1; i < len(merged.History); i++ {
		if merged.History[i-1].TS > merged.History[i].TS {
			t.Fatalf("history not sorted by ts: %+v", merged.History)
		}
	}

	select {
	case mig := <-s.Migrations():
		if mig.OldPersistentID != "old" || mig.NewPersistentID != "new" {
			t.Fatalf("unexpected migration event: %+v", mig)
		}
	default:
		t.Fatal("expected a migration event")
	}

	if found := s.FindByPublicKey("K", ""); found == nil || found.PersistentID != "new" {
		t.Fatalf("expected FindByPublicKey to resolve to new PID, got %+v", found)
	}
}

func TestMigrateUnknownOldPID(t *testing.T) {
	s := New("")
	if err := s.Migrate("ghost", "new"); err != ErrNoSuchContact {
		t.Fatalf("expected ErrNoSuchContact, got %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "data"))
	s.Put(&Contact{
		PersistentID: "pfx-1",
		FriendlyName: "bob",
		PublicKey:    "K",
		LastSeen:     time.Unix(1000, 0).UTC(),
		History:      []ChatMessage{{ID: "m1", TS: 1, Content: "hi"}},
	})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	s2 := New(filepath.Join(dir, "data"))
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got := s2.Get("pfx-1")
	if got == nil || got.FriendlyName != "bob" || len(got.History) != 1 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "nonexistent"))
	if err := s.Load(); err != nil {
		t.Fatalf("expected no error loading missing file, got %v", err)
	}
}
