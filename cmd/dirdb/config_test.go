package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.yml")
		body := "root: /srv/data\ndatabase: prod\nlog_level: debug\ncompress: true\nhistory: true\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		cfg, err := loadConfig(path)
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if cfg.Root != "/srv/data" || cfg.Database != "prod" || cfg.LogLevel != "debug" || !cfg.Compress || !cfg.History {
			t.Errorf("loadConfig() = %+v", cfg)
		}
	})

	t.Run("explicit file missing", func(t *testing.T) {
		if _, err := loadConfig(filepath.Join(t.TempDir(), "gone.yml")); err == nil {
			t.Error("missing explicit config did not error")
		}
	})

	t.Run("implicit file missing", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, err := loadConfig("")
		if err != nil {
			t.Fatalf("loadConfig failed: %v", err)
		}
		if *cfg != (Config{}) {
			t.Errorf("loadConfig() = %+v, want zero config", cfg)
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cfg.yml")
		if err := os.WriteFile(path, []byte("root: [oops\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := loadConfig(path); err == nil {
			t.Error("malformed config did not error")
		}
	})
}
