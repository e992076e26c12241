package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/petervdpas/nearchat/internal/identity"
	"github.com/petervdpas/nearchat/internal/proto"
	"github.com/petervdpas/nearchat/internal/util"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. NEARCHAT_P2P_LISTEN_PORT.
const EnvPrefix = "NEARCHAT"

// FileName is the config file inside a peer directory.
const FileName = "nearchat.json"

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Session  Session  `json:"session"`
	Profile  Profile  `json:"profile"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file" split_words:"true"`
	Backend string `json:"backend"`
	// Directory holding data.db, and identity.bolt for the bolt backend.
	DBPath string `json:"db_path" split_words:"true"`
}

type P2P struct {
	ListenPort    int    `json:"listen_port" split_words:"true"`
	ServiceID     string `json:"service_id" split_words:"true"`
	ServiceType   string `json:"service_type" split_words:"true"`
	Domain        string `json:"domain"`
	BrowseSeconds int    `json:"browse_seconds" split_words:"true"`
	OutboxSize    int    `json:"outbox_size" split_words:"true"`
}

type Session struct {
	MailboxSize int `json:"mailbox_size" split_words:"true"`
	// 0 leaves connection requests open until answered.
	DecisionTimeoutSec int    `json:"decision_timeout_seconds" envconfig:"DECISION_TIMEOUT_SECONDS"`
	FallbackPrefix     string `json:"fallback_prefix" split_words:"true"`
}

type Profile struct {
	// Display name. Empty keeps whatever the identity store holds.
	Label string `json:"label"`
}

type Viewer struct {
	// Empty disables the browser bridge.
	HTTPAddr string `json:"http_addr" split_words:"true"`
}

type Log struct {
	Level      string            `json:"level"`
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile: "data/identity.key",
			Backend: identity.BackendSQLite,
			DBPath:  "data",
		},
		P2P: P2P{
			ListenPort:    0,
			ServiceID:     proto.ServiceID,
			ServiceType:   proto.ServiceType,
			Domain:        proto.Domain,
			BrowseSeconds: 5,
			OutboxSize:    64,
		},
		Session: Session{
			MailboxSize:    64,
			FallbackPrefix: identity.DefaultFallbackPrefix,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:8787",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// DecisionTimeout converts the configured seconds.
func (s Session) DecisionTimeout() time.Duration {
	return time.Duration(s.DecisionTimeoutSec) * time.Second
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}
	switch c.Identity.Backend {
	case identity.BackendSQLite, identity.BackendBolt:
	default:
		return fmt.Errorf("identity.backend must be %q or %q", identity.BackendSQLite, identity.BackendBolt)
	}
	if strings.TrimSpace(c.Identity.DBPath) == "" {
		return errors.New("identity.db_path is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.ServiceID) == "" {
		return errors.New("p2p.service_id is required")
	}
	if !strings.HasPrefix(c.P2P.ServiceType, "_") || !strings.Contains(c.P2P.ServiceType, "._") {
		return errors.New("p2p.service_type must look like _name._tcp")
	}
	if !strings.HasSuffix(c.P2P.Domain, ".") {
		return errors.New("p2p.domain must end with a dot")
	}
	if c.P2P.BrowseSeconds <= 0 {
		return errors.New("p2p.browse_seconds must be > 0")
	}
	if c.P2P.OutboxSize <= 0 {
		return errors.New("p2p.outbox_size must be > 0")
	}

	// Session
	if c.Session.MailboxSize <= 0 {
		return errors.New("session.mailbox_size must be > 0")
	}
	if c.Session.DecisionTimeoutSec < 0 {
		return errors.New("session.decision_timeout_seconds must be >= 0")
	}
	if strings.TrimSpace(c.Session.FallbackPrefix) == "" {
		return errors.New("session.fallback_prefix is required")
	}

	// Profile
	if c.Profile.Label != "" {
		if _, err := identity.ValidateDisplayName(c.Profile.Label); err != nil {
			return fmt.Errorf("profile.label: %w", err)
		}
	}

	// Log
	for name, lvl := range c.Log.Subsystems {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(lvl) == "" {
			return errors.New("log.subsystems entries need a name and a level")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file without validation, starting from
// defaults so missing fields stay initialized.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// ApplyEnv loads envFile (a missing file is fine) into the process
// environment without overriding variables already set, then applies
// NEARCHAT_* overrides to cfg and validates the result.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return cfg.Validate()
}
