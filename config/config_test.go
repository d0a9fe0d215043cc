package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, defaults map[string]any) *Store {
	t.Helper()
	return NewStoreAt("stock", filepath.Join(t.TempDir(), "stock"), defaults)
}

func TestLoadCreatesFileFromDefaults(t *testing.T) {
	s := testStore(t, map[string]any{
		"TWELVE_DATA_API_KEY": "",
		"default_timeout":     float64(10),
	})

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg["default_timeout"] != float64(10) {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
}

func TestLoadMergesDefaultsWithoutOverwriting(t *testing.T) {
	s := testStore(t, map[string]any{
		"api_base_url": "https://example.test/v1",
		"features": map[string]any{
			"use_setup_wizard":  true,
			"stream_chunk_size": float64(240),
		},
	})

	if err := s.Save(map[string]any{
		"api_base_url": "https://custom.test/v2",
		"features":     map[string]any{"use_setup_wizard": false},
	}); err != nil {
		t.Fatalf("save: %v", err)
	}

	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg["api_base_url"] != "https://custom.test/v2" {
		t.Fatalf("user value overwritten: %v", cfg["api_base_url"])
	}
	features := cfg["features"].(map[string]any)
	if features["use_setup_wizard"] != false {
		t.Fatalf("nested user value overwritten: %v", features)
	}
	if features["stream_chunk_size"] != float64(240) {
		t.Fatalf("nested default not merged: %v", features)
	}
}

func TestRequireCredential(t *testing.T) {
	s := testStore(t, nil)

	cfg := map[string]any{"TWELVE_DATA_API_KEY": ""}
	err := s.RequireCredential(cfg, "TWELVE_DATA_API_KEY", 11)
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}

	cfg["TWELVE_DATA_API_KEY"] = "  abcde12345abcde12345abcde  "
	if err := s.RequireCredential(cfg, "TWELVE_DATA_API_KEY", 11); err != nil {
		t.Fatalf("valid credential rejected: %v", err)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	s := testStore(t, nil)
	if err := os.MkdirAll(s.Dir(), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.Path(), []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestPaths(t *testing.T) {
	s := NewStoreAt("weather", "/tmp/base/weather", nil)
	if s.Path() != filepath.Join("/tmp/base/weather", "config.json") {
		t.Fatalf("config path mismatch: %s", s.Path())
	}
	if s.LogPath() != filepath.Join("/tmp/base/weather", "weather-plugin.log") {
		t.Fatalf("log path mismatch: %s", s.LogPath())
	}
}
