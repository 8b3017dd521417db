package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Default()
	cfg.PeerID = "alice"
	cfg.ShareDir = "/tmp/share"
	cfg.RegistryAddr = "127.0.0.1:9090"
	return cfg
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	raw := `
peer_id: alice
share_dir: /srv/share
registry_addr: 127.0.0.1:9090
heartbeat_interval: 250ms
detect_timeout_max: 4s
total_peers: 7
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PeerID != "alice" || cfg.ShareDir != "/srv/share" {
		t.Fatalf("identity fields = %q %q", cfg.PeerID, cfg.ShareDir)
	}
	if cfg.HeartbeatInterval.Std() != 250*time.Millisecond {
		t.Fatalf("heartbeat = %v", cfg.HeartbeatInterval.Std())
	}
	if cfg.DetectTimeoutMax.Std() != 4*time.Second {
		t.Fatalf("detect max = %v", cfg.DetectTimeoutMax.Std())
	}
	// Untouched fields keep their defaults.
	if cfg.ElectionTimeout.Std() != 3*time.Second {
		t.Fatalf("election timeout = %v", cfg.ElectionTimeout.Std())
	}
	if cfg.MaxEpochSearch != 100 {
		t.Fatalf("max epoch search = %d", cfg.MaxEpochSearch)
	}
	if cfg.TotalPeers != 7 {
		t.Fatalf("total peers = %d", cfg.TotalPeers)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	if err := os.WriteFile(path, []byte("heartbeat_interval: fast\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestQuorum(t *testing.T) {
	tests := []struct {
		n, want int
	}{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {7, 4},
	}
	for _, tt := range tests {
		cfg := Config{TotalPeers: tt.n}
		if got := cfg.Quorum(); got != tt.want {
			t.Errorf("quorum(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing peer id", func(c *Config) { c.PeerID = "" }},
		{"missing share dir", func(c *Config) { c.ShareDir = "" }},
		{"missing registry", func(c *Config) { c.RegistryAddr = "" }},
		{"zero cohort", func(c *Config) { c.TotalPeers = 0 }},
		{"inverted detect range", func(c *Config) { c.DetectTimeoutMax = c.DetectTimeoutMin / 2 }},
		{"detector races heartbeat", func(c *Config) { c.DetectTimeoutMin = c.HeartbeatInterval / 2 }},
		{"zero chunk", func(c *Config) { c.ChunkSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}
