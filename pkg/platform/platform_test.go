package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Entry {
	return logrus.NewEntry(logrus.New())
}

func TestResourceGateModes(t *testing.T) {
	gates := DefaultGates("")

	assert.Equal(t, ModeCoreOnly, resourceGate(gates, 4, 2, 10))
	assert.Equal(t, ModeLite, resourceGate(gates, 8, 4, 20))
	assert.Equal(t, ModeFull, resourceGate(gates, 16, 8, 60))
}

func TestDeriveFeatureGatesCoreOnlyDisablesContainerServices(t *testing.T) {
	gates := deriveFeatureGates(ModeCoreOnly)
	assert.False(t, gates["comfyUI"])
	assert.False(t, gates["containerServices"])
	assert.False(t, gates["n8n"])
}

func TestDeriveFeatureGatesLiteDisablesOnlyComfyUI(t *testing.T) {
	gates := deriveFeatureGates(ModeLite)
	assert.False(t, gates["comfyUI"])
	assert.True(t, gates["containerServices"])
	assert.True(t, gates["n8n"])
}

func TestDeriveFeatureGatesFullEnablesEverything(t *testing.T) {
	gates := deriveFeatureGates(ModeFull)
	for name, enabled := range gates {
		assert.True(t, enabled, "expected %s enabled in full mode", name)
	}
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, -1, compareVersions("10.0", "10.1"))
	assert.Equal(t, 0, compareVersions("10.0.19041", "10.0.19041"))
	assert.Equal(t, 1, compareVersions("14.1", "12.0"))
	assert.Equal(t, -1, compareVersions("9", "10"))
}

func TestOSGateBelowMinimumFails(t *testing.T) {
	gates := DefaultGates("")
	supported, warnings, _, instructions := osGate(gates, "darwin", "10.0")
	assert.False(t, supported)
	assert.NotEmpty(t, warnings)
	assert.NotEmpty(t, instructions)
}

func TestOSGateMeetsMinimumButNotRecommended(t *testing.T) {
	gates := DefaultGates("")
	supported, warnings, recommendations, _ := osGate(gates, "darwin", "12.5")
	assert.True(t, supported)
	assert.Empty(t, warnings)
	assert.NotEmpty(t, recommendations)
}

func TestOSGateUnknownHostOSIsSupported(t *testing.T) {
	gates := DefaultGates("")
	supported, _, _, _ := osGate(gates, "plan9", "1.0")
	assert.True(t, supported)
}

func TestPlatformBinaryGateMissingDir(t *testing.T) {
	gates := DefaultGates(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.False(t, platformBinaryGate(gates))
}

func TestPlatformBinaryGateNoRequirement(t *testing.T) {
	gates := DefaultGates("")
	assert.True(t, platformBinaryGate(gates))
}

func TestPlatformBinaryGatePresentAndExecutable(t *testing.T) {
	dir := t.TempDir()
	binPath := filepath.Join(dir, "llama-server")
	assert.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	gates := DefaultGates(dir)
	assert.True(t, platformBinaryGate(gates))
}

func TestLoadOrProbeWritesAndReusesCache(t *testing.T) {
	dir := t.TempDir()
	log := testLogger()
	gates := DefaultGates("")

	origResource, origOSVersion := resourceProbe, osVersionProbe
	defer func() { resourceProbe, osVersionProbe = origResource, origOSVersion }()

	calls := 0
	resourceProbe = func() (float64, int, float64) {
		calls++
		return 32, 16, 200
	}
	osVersionProbe = func() (string, string) { return "14.0", "build" }

	first, err := LoadOrProbe(log, dir, gates, false)
	assert.NoError(t, err)
	assert.Equal(t, ModeFull, first.PerformanceMode)
	assert.Equal(t, 1, calls)

	second, err := LoadOrProbe(log, dir, gates, false)
	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "expected cached result to skip re-probing")
	assert.Equal(t, first.ProbedAt.Unix(), second.ProbedAt.Unix())

	third, err := LoadOrProbe(log, dir, gates, true)
	assert.NoError(t, err)
	assert.Equal(t, 2, calls, "force=true must re-probe")
	_ = third

	if _, err := os.Stat(filepath.Join(dir, cacheFile)); err != nil {
		t.Fatalf("expected cache file to exist: %s", err)
	}
}

func TestLoadOrProbeIgnoresStaleCache(t *testing.T) {
	dir := t.TempDir()
	log := testLogger()
	gates := DefaultGates("")

	origResource, origOSVersion := resourceProbe, osVersionProbe
	defer func() { resourceProbe, osVersionProbe = origResource, origOSVersion }()

	resourceProbe = func() (float64, int, float64) { return 32, 16, 200 }
	osVersionProbe = func() (string, string) { return "14.0", "build" }

	stale := cacheDocument{
		Capabilities: Capabilities{PerformanceMode: ModeCoreOnly, ProbedAt: time.Now().Add(-2 * time.Hour)},
		CachedAt:     time.Now().Add(-2 * time.Hour),
	}
	assert.NoError(t, writeCache(filepath.Join(dir, cacheFile), stale))

	got, err := LoadOrProbe(log, dir, gates, false)
	assert.NoError(t, err)
	assert.Equal(t, ModeFull, got.PerformanceMode, "stale cache must be ignored")
}
