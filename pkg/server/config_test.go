package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuthHost != "eaccess.play.net" || cfg.AuthPort != 7910 {
		t.Errorf("auth defaults wrong: %+v", cfg)
	}
	if cfg.ScriptAPIPort != 8381 || cfg.WebPort != 8080 || cfg.GameCode != "DR" {
		t.Errorf("defaults wrong: %+v", cfg)
	}
	if cfg.HistoryRetention != 86400 || cfg.HistoryReplay != 50 {
		t.Errorf("history defaults wrong: %+v", cfg)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
game_port: 9000
character: Hennii
web_enabled: false
maps_dir: maps
settings_db: /var/lib/dr/settings.db
cors_origins:
  - https://dr.example.com
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GamePort != 9000 || cfg.Character != "Hennii" || cfg.WebEnabled {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	// Untouched keys keep defaults.
	if cfg.ScriptAPIPort != 8381 {
		t.Errorf("default lost: %d", cfg.ScriptAPIPort)
	}
	// Relative data paths resolve against the config file.
	if cfg.MapsDir != filepath.Join(dir, "maps") {
		t.Errorf("maps_dir = %q", cfg.MapsDir)
	}
	// Absolute paths stay put.
	if cfg.SettingsDB != "/var/lib/dr/settings.db" {
		t.Errorf("settings_db = %q", cfg.SettingsDB)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://dr.example.com" {
		t.Errorf("cors = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/config.yaml"); err == nil {
		t.Error("missing explicit config path should error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("game_port: [not a port"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("malformed yaml should error")
	}
}
