// Package config loads peerns's environment overrides and its persisted
// per-user settings document, per spec.md §6's "per-user settings
// (offline flags, custom namespace list)" line.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Env holds the deployment-level overrides godotenv loads from a .env
// file (or the process environment, which always wins).
type Env struct {
	Prefix       string
	DataDir      string
	SignalingURL string
}

// LoadEnv runs godotenv.Load against path (if it exists; a missing .env
// file is not an error) and returns the resolved overrides, falling back
// to defaults for anything unset.
func LoadEnv(path string) (Env, error) {
	if _, err := os.Stat(path); err == nil {
		if err := godotenv.Load(path); err != nil {
			return Env{}, fmt.Errorf("load env file: %w", err)
		}
	}
	env := Env{
		Prefix:       os.Getenv("PEERNS_PREFIX"),
		DataDir:      os.Getenv("PEERNS_DATA_DIR"),
		SignalingURL: os.Getenv("PEERNS_SIGNALING_URL"),
	}
	if env.Prefix == "" {
		env.Prefix = "pns"
	}
	if env.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		env.DataDir = filepath.Join(home, ".peerns")
	}
	return env, nil
}

// CustomNamespace is one entry in a Settings document's custom namespace
// list (spec.md §4.4's Custom namespace kind).
type CustomNamespace struct {
	Name     string `yaml:"name"`
	Advanced bool   `yaml:"advanced"`
}

// Settings is the persisted per-user settings document: offline flag,
// custom namespace list, and last-read timestamps per contact, stored as
// YAML next to the contact store.
type Settings struct {
	Offline          bool              `yaml:"offline"`
	CustomNamespaces []CustomNamespace `yaml:"customNamespaces"`
	LastRead         map[string]int64  `yaml:"lastRead"`
}

// Load reads and parses the settings document at path. A missing file
// returns a zero-value Settings ready to be saved, not an error.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Settings{LastRead: make(map[string]int64)}, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if s.LastRead == nil {
		s.LastRead = make(map[string]int64)
	}
	return &s, nil
}

// Save writes s back to path as YAML, creating its parent directory if
// needed.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// MarkRead records unixTS as the last-read timestamp for persistentID.
func (s *Settings) MarkRead(persistentID string, unixTS int64) {
	if s.LastRead == nil {
		s.LastRead = make(map[string]int64)
	}
	s.LastRead[persistentID] = unixTS
}

// AddCustomNamespace appends a custom namespace entry if not already
// present (by name).
func (s *Settings) AddCustomNamespace(name string, advanced bool) {
	for _, ns := range s.CustomNamespaces {
		if ns.Name == name {
			return
		}
	}
	s.CustomNamespaces = append(s.CustomNamespaces, CustomNamespace{Name: name, Advanced: advanced})
}
