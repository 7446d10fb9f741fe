package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.MaxParticipants != 2 {
		t.Fatalf("expected pairwise default of 2, got %d", cfg.Relay.MaxParticipants)
	}
	if cfg.Quality.IntervalSec != 5 {
		t.Fatalf("expected 5s quality interval, got %d", cfg.Quality.IntervalSec)
	}
	if len(cfg.Media.ICEServers) == 0 {
		t.Fatal("expected a default STUN server")
	}

	if _, err := os.Stat(Path(dir)); err != nil {
		t.Fatalf("config file should have been written: %v", err)
	}

	// Loading again reads the file we just wrote.
	again, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again.Relay.Addr != cfg.Relay.Addr {
		t.Fatalf("reload mismatch: %q vs %q", again.Relay.Addr, cfg.Relay.Addr)
	}
}

func TestLoadFillsPartialConfig(t *testing.T) {
	dir := t.TempDir()
	partial := `{"relay": {"addr": "0.0.0.0:9999"}}`
	if err := os.WriteFile(Path(dir), []byte(partial), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Relay.Addr != "0.0.0.0:9999" {
		t.Fatalf("explicit field lost: %q", cfg.Relay.Addr)
	}
	if cfg.Relay.MaxParticipants != 2 || cfg.Media.VideoBitRate != 1_500_000 {
		t.Fatalf("unset fields should get defaults: %+v", cfg)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 4)
	stop, err := Watch(dir, func(cfg *Config) { changed <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	cfg := Default()
	cfg.Relay.MaxParticipants = 4
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}

	select {
	case fresh := <-changed:
		if fresh.Relay.MaxParticipants != 4 {
			t.Fatalf("expected reloaded max of 4, got %d", fresh.Relay.MaxParticipants)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}
}

func TestWatchSurvivesRename(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err != nil {
		t.Fatal(err)
	}

	changed := make(chan *Config, 4)
	stop, err := Watch(dir, func(cfg *Config) { changed <- cfg })
	if err != nil {
		t.Fatal(err)
	}
	defer stop()

	// Editor-style save: write a temp file, rename it over the target.
	tmp := filepath.Join(dir, "config.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"relay": {"max_participants": 3}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, Path(dir)); err != nil {
		t.Fatal(err)
	}

	select {
	case fresh := <-changed:
		if fresh.Relay.MaxParticipants != 3 {
			t.Fatalf("expected reloaded max of 3, got %d", fresh.Relay.MaxParticipants)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed after rename")
	}
}
