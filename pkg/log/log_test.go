package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/clara-ai/clarad/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNewLoggerCarriesBuildFields(t *testing.T) {
	cfg := &config.AppConfig{
		Version:   "v1.2.3",
		Commit:    "deadbeef",
		BuildDate: "2026-01-01",
		Debug:     false,
		ConfigDir: t.TempDir(),
	}

	entry := NewLogger(cfg)
	assert.Equal(t, "v1.2.3", entry.Data["version"])
	assert.Equal(t, "deadbeef", entry.Data["commit"])
	assert.Equal(t, logrus.InfoLevel, entry.Logger.Level)
}

func TestNewLoggerDebugModeTeesToFile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.AppConfig{Debug: true, ConfigDir: dir}

	entry := NewLogger(cfg)
	assert.Equal(t, logrus.DebugLevel, entry.Logger.Level)

	entry.Info("hello from test")

	content, err := os.ReadFile(filepath.Join(dir, "clarad.log"))
	assert.NoError(t, err)
	assert.Contains(t, string(content), "hello from test")
}

func TestGetLogLevelHonorsEnvOverride(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warning")
	assert.Equal(t, logrus.WarnLevel, getLogLevel(false))
}
