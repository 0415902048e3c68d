package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultProdID       = "-//calcodec//calcodec 1.0//EN"
	defaultUIDDomain    = "calcodec.local"
	defaultDatabase     = "./var/calcodec.db"
	defaultOutboxDir    = "./var/outbox"
	defaultFeedCacheDir = "./var/feed-cache"
	defaultSnapshotCron = "*/30 * * * *"
	defaultLogLevel     = "info"
)

// Cancellation transform modes.
const (
	CancelModePreserve = "preserve"
	CancelModeRebuild  = "rebuild"
)

// Feed is a foreign calendar whose event UIDs are reconciled into the
// identity registry.
type Feed struct {
	// ID is a stable identifier; it prefixes the internal ids minted for
	// the feed's events.
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// ProdID is written as the PRODID of every generated document.
	ProdID string `yaml:"prodid" json:"prodid"`

	// UIDDomain is the domain-like suffix of generated UIDs.
	UIDDomain string `yaml:"uid_domain" json:"uid_domain"`

	// CancelMode selects how cancellations are produced:
	//   - "preserve" (default): copy the original document forward
	//   - "rebuild": always emit the minimal document built from event data
	CancelMode string `yaml:"cancel_mode" json:"cancel_mode"`

	// Database is the SQLite file backing identities and event records.
	Database string `yaml:"database" json:"database"`

	// OutboxDir receives delivered documents.
	OutboxDir string `yaml:"outbox_dir" json:"outbox_dir"`

	// SnapshotCron schedules the periodic registry snapshot job. The same
	// schedule drives feed reconciliation in serve mode.
	SnapshotCron string `yaml:"snapshot_cron" json:"snapshot_cron"`

	Feeds        []Feed `yaml:"feeds" json:"feeds"`
	FeedCacheDir string `yaml:"feed_cache_dir" json:"feed_cache_dir"`

	// Listen is the address of the read-only status API started by serve.
	// Empty disables it.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`
	// BasicAuth, if set, protects every status endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		ProdID:       defaultProdID,
		UIDDomain:    defaultUIDDomain,
		CancelMode:   CancelModePreserve,
		Database:     defaultDatabase,
		OutboxDir:    defaultOutboxDir,
		SnapshotCron: defaultSnapshotCron,
		FeedCacheDir: defaultFeedCacheDir,
		LogLevel:     defaultLogLevel,
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.ProdID) == "" {
		c.ProdID = defaultProdID
	}
	c.UIDDomain = strings.Trim(strings.TrimSpace(c.UIDDomain), "@")
	if c.UIDDomain == "" {
		c.UIDDomain = defaultUIDDomain
	}
	switch strings.ToLower(c.CancelMode) {
	case CancelModePreserve, CancelModeRebuild:
		c.CancelMode = strings.ToLower(c.CancelMode)
	default:
		// Unknown or empty: keep the property-preserving transform.
		c.CancelMode = CancelModePreserve
	}
	if c.Database == "" {
		c.Database = defaultDatabase
	}
	if c.OutboxDir == "" {
		c.OutboxDir = defaultOutboxDir
	}
	if c.SnapshotCron == "" {
		c.SnapshotCron = defaultSnapshotCron
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.FeedCacheDir == "" {
		c.FeedCacheDir = defaultFeedCacheDir
	}
	c.Listen = strings.TrimSpace(c.Listen)
	if c.BasicAuth != nil && (c.BasicAuth.Username == "" || c.BasicAuth.Password == "") {
		c.BasicAuth = nil
	}

	feeds := c.Feeds[:0]
	for _, f := range c.Feeds {
		f.URL = strings.TrimSpace(f.URL)
		if f.URL == "" {
			continue
		}
		f.ID = strings.TrimSpace(f.ID)
		if f.ID == "" {
			f.ID = fmt.Sprintf("feed-%d", len(feeds)+1)
		}
		feeds = append(feeds, f)
	}
	c.Feeds = feeds
}

// ApplyEnv overrides fields from CALCODEC_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CALCODEC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CALCODEC_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("CALCODEC_UID_DOMAIN"); v != "" {
		c.UIDDomain = v
	}
	if v := os.Getenv("CALCODEC_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("CALCODEC_CANCEL_MODE"); v != "" {
		c.CancelMode = v
	}
	c.Normalize()
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read, unmarshalled and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration atomically (temp file + rename)
// with 0600 permissions, creating the parent directory if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return WriteFileAtomic(dir, path, data)
}

// WriteFileAtomic writes data to a temp file in dir and renames it over path.
func WriteFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".calcodec-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
