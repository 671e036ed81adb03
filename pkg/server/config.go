package server

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds gateway configuration, loaded from YAML with defaults
// and overridden by flags and environment in cmd/server.
type Config struct {
	// --- Game session ---
	GameHost  string `yaml:"game_host"`  // override of the host auth grants, for tunnels
	GamePort  int    `yaml:"game_port"`  // override of the granted port
	Account   string `yaml:"account"`    // login account (usually from env)
	Password  string `yaml:"password"`   // login password (usually from env)
	Character string `yaml:"character"`  // character to play
	GameCode  string `yaml:"game_code"`  // game instance code, e.g. DR
	AuthHost  string `yaml:"auth_host"`  // eaccess host
	AuthPort  int    `yaml:"auth_port"`  // eaccess port
	LichPath  string `yaml:"lich_path"`  // lich.rbw entry point, empty = connect directly

	// --- Script RPC ---
	ScriptAPIPort int `yaml:"script_api_port"`

	// --- Web ---
	WebEnabled   bool     `yaml:"web_enabled"`
	WebHost      string   `yaml:"web_host"`
	WebPort      int      `yaml:"web_port"`
	WebDomain    string   `yaml:"web_domain"` // Let's Encrypt domain, empty = self-signed
	WebStaticDir string   `yaml:"web_static_dir"`
	CORSOrigins  []string `yaml:"cors_origins"`
	TLSCert      string   `yaml:"tls_cert"`
	TLSKey       string   `yaml:"tls_key"`
	CertDir      string   `yaml:"cert_dir"`

	// --- Web auth ---
	AuthEnabled  bool   `yaml:"auth_enabled"`
	PasswordHash string `yaml:"password_hash"` // bcrypt hash of the UI password
	JWTSecret    string `yaml:"jwt_secret"`    // auto-generated if empty
	JWTExpiry    int    `yaml:"jwt_expiry"`    // seconds

	// --- Data ---
	MapsDir          string `yaml:"maps_dir"`
	LogsDir          string `yaml:"logs_dir"`
	SettingsDB       string `yaml:"settings_db"`
	HistoryDB        string `yaml:"history_db"`
	HistoryRetention int    `yaml:"history_retention"` // seconds
	HistoryReplay    int    `yaml:"history_replay"`    // lines per channel for new subscribers
}

// DefaultConfig returns a Config with development defaults.
func DefaultConfig() *Config {
	return &Config{
		GameCode:         "DR",
		AuthHost:         "eaccess.play.net",
		AuthPort:         7910,
		ScriptAPIPort:    8381,
		WebEnabled:       true,
		WebPort:          8080,
		WebStaticDir:     "frontend/dist",
		CertDir:          "certs",
		JWTExpiry:        86400,
		MapsDir:          "maps",
		LogsDir:          "logs",
		SettingsDB:       "data/settings.db",
		HistoryDB:        "data/history.db",
		HistoryRetention: 86400,
		HistoryReplay:    50,
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing
// path returns plain defaults so the gateway can run from env alone.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Data paths resolve relative to the config file.
	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.MapsDir, &cfg.LogsDir, &cfg.SettingsDB, &cfg.HistoryDB, &cfg.WebStaticDir, &cfg.CertDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return cfg, nil
}
