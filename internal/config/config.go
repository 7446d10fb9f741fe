package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pairmeet/pairmeet/internal/util"
)

// Config is the on-disk configuration, stored as config.json inside a
// working directory.
type Config struct {
	Relay   Relay   `json:"relay"`
	Media   Media   `json:"media"`
	Quality Quality `json:"quality"`
}

type Relay struct {
	// Bind address for the relay server, e.g. "127.0.0.1:8787".
	Addr string `json:"addr"`

	// Public URL for join links (servers behind NAT or reverse proxies).
	// Empty means the bound address is used.
	ExternalURL string `json:"external_url"`

	// Room capacity. The negotiation model is pairwise, so the default is 2;
	// joins beyond this are rejected with a room_full error.
	MaxParticipants int `json:"max_participants"`
}

type Media struct {
	// STUN/TURN servers handed to the peer connection.
	ICEServers []string `json:"ice_servers"`

	// Caps for local camera capture.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`

	// Video encoder bitrate in bits per second.
	VideoBitRate int `json:"video_bitrate"`
}

type Quality struct {
	// Seconds between transport statistic samples while connected.
	IntervalSec int `json:"interval_seconds"`
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Relay: Relay{
			Addr:            "127.0.0.1:8787",
			MaxParticipants: 2,
		},
		Media: Media{
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
			MaxWidth:     1280,
			MaxHeight:    720,
			VideoBitRate: 1_500_000,
		},
		Quality: Quality{IntervalSec: 5},
	}
}

// Path returns the config file location inside dir.
func Path(dir string) string {
	return filepath.Join(dir, "config.json")
}

// Load reads the config from dir, creating it with defaults when missing.
// Unset fields fall back to defaults so hand-edited files stay valid.
func Load(dir string) (*Config, error) {
	path := Path(dir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(dir); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Save writes the config to dir as indented JSON.
func (c *Config) Save(dir string) error {
	return util.WriteJSONFile(Path(dir), c)
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Relay.Addr == "" {
		c.Relay.Addr = def.Relay.Addr
	}
	if c.Relay.MaxParticipants <= 0 {
		c.Relay.MaxParticipants = def.Relay.MaxParticipants
	}
	if len(c.Media.ICEServers) == 0 {
		c.Media.ICEServers = def.Media.ICEServers
	}
	if c.Media.MaxWidth <= 0 {
		c.Media.MaxWidth = def.Media.MaxWidth
	}
	if c.Media.MaxHeight <= 0 {
		c.Media.MaxHeight = def.Media.MaxHeight
	}
	if c.Media.VideoBitRate <= 0 {
		c.Media.VideoBitRate = def.Media.VideoBitRate
	}
	if c.Quality.IntervalSec <= 0 {
		c.Quality.IntervalSec = def.Quality.IntervalSec
	}
}
