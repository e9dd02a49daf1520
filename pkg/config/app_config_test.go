package config

import (
	"os"
	"path/filepath"
	"testing"

	yaml "github.com/jesseduffield/yaml"
)

func TestNewAppConfigCreatesConfigFile(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())

	conf, err := NewAppConfig("clarad-test", "v0.0.0", "deadbeef", "2026-01-01", "test", false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if conf.UserConfig.Watchdog.MaxRetries != 3 {
		t.Fatalf("expected default MaxRetries 3, got %d", conf.UserConfig.Watchdog.MaxRetries)
	}
	if conf.UserConfig.Images.FreshnessDays != 10 {
		t.Fatalf("expected default FreshnessDays 10, got %d", conf.UserConfig.Images.FreshnessDays)
	}

	if _, err := os.Stat(conf.ConfigFilename()); err != nil {
		t.Fatalf("expected config file to exist: %s", err)
	}
}

func TestWriteToUserConfigRoundTrips(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())

	conf, err := NewAppConfig("clarad-test", "v0.0.0", "deadbeef", "2026-01-01", "test", false)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	err = conf.WriteToUserConfig(func(uc *UserConfig) error {
		uc.Watchdog.MaxRetries = 7
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	content, err := os.ReadFile(conf.ConfigFilename())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	var sample UserConfig
	if err := yaml.Unmarshal(content, &sample); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if sample.Watchdog.MaxRetries != 7 {
		t.Fatalf("expected MaxRetries 7, got %d", sample.Watchdog.MaxRetries)
	}
}

func TestConfigDirHonorsEnvOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	t.Setenv("CONFIG_DIR", dir)

	got := configDir("clarad-test")
	if got != dir {
		t.Fatalf("expected %s, got %s", dir, got)
	}
}
