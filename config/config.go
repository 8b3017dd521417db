// Package config holds the peer daemon configuration.
//
// Configuration is read from a YAML file and overlaid on defaults; the
// daemon's flags override individual fields. Timer values are free within
// the documented relations — validation only rejects combinations that make
// the protocol unable to progress.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"flotilla"
)

// Duration is a time.Duration that YAML-decodes from strings like "500ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the full peer daemon configuration.
type Config struct {
	PeerID      string `yaml:"peer_id"`
	ShareDir    string `yaml:"share_dir"`
	DownloadDir string `yaml:"download_dir"`

	// ListenAddr is the TCP address the peer RPC server binds. The resolved
	// listener address becomes this peer's endpoint, so the host part must
	// be reachable by the rest of the cohort.
	ListenAddr   string `yaml:"listen_addr"`
	RegistryAddr string `yaml:"registry_addr"`

	// Bootstrap marks the designated bootstrap peer: when no tracker exists
	// anywhere it self-appoints as the tracker of epoch 1 instead of holding
	// an election.
	Bootstrap bool `yaml:"bootstrap"`

	// TotalPeers is the static cohort size N. The quorum is derived from it
	// and must be agreed across the cohort.
	TotalPeers int `yaml:"total_peers"`

	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
	DetectTimeoutMin  Duration `yaml:"detect_timeout_min"`
	DetectTimeoutMax  Duration `yaml:"detect_timeout_max"`
	ElectionTimeout   Duration `yaml:"election_timeout"`
	RescanInterval    Duration `yaml:"rescan_interval"`

	// MaxEpochSearch bounds the discovery scan over TRACKER_EPOCH_<n> names.
	MaxEpochSearch flotilla.Epoch `yaml:"max_epoch_search"`

	// ChunkSize is the byte size of a single download chunk.
	ChunkSize int `yaml:"chunk_size"`

	// MetricsAddr, when set, serves Prometheus metrics over HTTP.
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel string `yaml:"log_level"`
}

// Default returns the recommended configuration. Peer identity, directories
// and the registry address have no sensible defaults and stay empty.
func Default() Config {
	return Config{
		ListenAddr:        "127.0.0.1:0",
		TotalPeers:        5,
		HeartbeatInterval: Duration(500 * time.Millisecond),
		DetectTimeoutMin:  Duration(1500 * time.Millisecond),
		DetectTimeoutMax:  Duration(3 * time.Second),
		ElectionTimeout:   Duration(3 * time.Second),
		RescanInterval:    Duration(30 * time.Second),
		MaxEpochSearch:    100,
		ChunkSize:         1 << 20,
		LogLevel:          "info",
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Quorum is the vote count required to win an election: floor(N/2)+1.
func (c Config) Quorum() int { return c.TotalPeers/2 + 1 }

// Validate checks the configuration for relations the protocol depends on.
func (c Config) Validate() error {
	if c.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if c.ShareDir == "" {
		return errors.New("share_dir is required")
	}
	if c.RegistryAddr == "" {
		return errors.New("registry_addr is required")
	}
	if c.TotalPeers < 1 {
		return fmt.Errorf("total_peers must be at least 1, got %d", c.TotalPeers)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.DetectTimeoutMin <= 0 || c.DetectTimeoutMax < c.DetectTimeoutMin {
		return fmt.Errorf("detect timeout range [%v, %v] is invalid",
			c.DetectTimeoutMin.Std(), c.DetectTimeoutMax.Std())
	}
	if c.DetectTimeoutMin.Std() < c.HeartbeatInterval.Std() {
		return fmt.Errorf("detect_timeout_min %v is below heartbeat_interval %v: every heartbeat would race the detector",
			c.DetectTimeoutMin.Std(), c.HeartbeatInterval.Std())
	}
	if c.ElectionTimeout <= 0 {
		return errors.New("election_timeout must be positive")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1, got %d", c.ChunkSize)
	}
	return nil
}
