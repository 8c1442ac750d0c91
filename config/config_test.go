package config

import (
	"path/filepath"
	"testing"
)

func TestLoadEnvDefaults(t *testing.T) {
	env, err := LoadEnv(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if env.Prefix != "pns" {
		t.Errorf("Prefix = %q, want default %q", env.Prefix, "pns")
	}
	if env.DataDir == "" {
		t.Error("DataDir should default to a non-empty path")
	}
}

func TestSettingsLoadMissingFile(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "settings.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Offline {
		t.Error("zero-value Settings should not be offline")
	}
	if s.LastRead == nil {
		t.Error("LastRead should be initialized even for a missing file")
	}
}

func TestSettingsSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "settings.yaml")

	s := &Settings{Offline: true, LastRead: map[string]int64{"pid-1": 42}}
	s.AddCustomNamespace("study-group", false)
	s.AddCustomNamespace("study-group", false) // dedup check

	if err := s.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.Offline {
		t.Error("loaded Settings should be offline")
	}
	if loaded.LastRead["pid-1"] != 42 {
		t.Errorf("LastRead[pid-1] = %d, want 42", loaded.LastRead["pid-1"])
	}
	if len(loaded.CustomNamespaces) != 1 {
		t.Fatalf("CustomNamespaces = %v, want exactly one entry", loaded.CustomNamespaces)
	}
	if loaded.CustomNamespaces[0].Name != "study-group" {
		t.Errorf("CustomNamespaces[0].Name = %q, want %q", loaded.CustomNamespaces[0].Name, "study-group")
	}
}
