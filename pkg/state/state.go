// Package state implements PersistentState (spec §4.I): the small set of
// on-disk artifacts under the user's config directory that survive process
// restarts — pull timestamps, the last auto-update-check time, the user's
// feature selection, and the generic atomic read/write helpers that
// mcp_config.json in pkg/mcp is built on (pkg/platform writes
// clara-system-config.yaml with its own helpers).
//
// Every read tolerates a missing or corrupt file by returning the caller's
// default; a corrupt or unreadable file is logged as a warning, a missing
// one is not. Every write serializes fully into memory
// first and renames into place, so a crash never leaves a partially-valid
// file on disk (spec §4.I).
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	yaml "github.com/jesseduffield/yaml"
	"github.com/sirupsen/logrus"
	"github.com/spkg/bom"
)

const (
	PullTimestampsFile  = "pull_timestamps.json"
	LastUpdateCheckFile = "last_update_check.json"
	FeaturesFile        = "clara-features.yaml"
)

// WriteJSONAtomic serializes v to JSON in memory, then renames it into place,
// so readers never observe a partially-written file.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

// WriteYAMLAtomic is WriteJSONAtomic's YAML counterpart, used for the
// round-trip-preserving clara-features.yaml.
func WriteYAMLAtomic(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadJSONLenient reads a JSON file into v, stripping a possible UTF-8 BOM
// (hand-edited config files on Windows commonly carry one, the same
// defensive posture the teacher takes in pkg/gui/view_helpers.go reading
// pasted clipboard/editor text). A missing or corrupt file is not an error:
// v is left untouched so the caller's zero-value/default stands, and a
// corrupt or unreadable (but not a missing) file logs a warning.
func ReadJSONLenient(log *logrus.Entry, path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("reading %s: %v", path, err)
		}
		return
	}
	clean := bom.Clean(data)
	if err := json.Unmarshal(clean, v); err != nil {
		log.Warnf("parsing %s: %v (using defaults)", path, err)
	}
}

// ReadYAMLLenient is ReadJSONLenient's YAML counterpart.
func ReadYAMLLenient(log *logrus.Entry, path string, v any) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("reading %s: %v", path, err)
		}
		return
	}
	clean := bom.Clean(data)
	if err := yaml.Unmarshal(clean, v); err != nil {
		log.Warnf("parsing %s: %v (using defaults)", path, err)
	}
}

// PullTimestamps maps image_ref to epoch_ms of the last successful pull
// (spec §3, PullTimestampFile). Monotonic per image_ref: Record never moves a
// ref's timestamp backwards.
type PullTimestamps struct {
	path string
	log  *logrus.Entry
	data map[string]int64
}

// LoadPullTimestamps reads pull_timestamps.json from configDir, tolerating a
// missing/corrupt file by starting from an empty map.
func LoadPullTimestamps(log *logrus.Entry, configDir string) *PullTimestamps {
	pt := &PullTimestamps{
		path: filepath.Join(configDir, PullTimestampsFile),
		log:  log,
		data: map[string]int64{},
	}
	ReadJSONLenient(log, pt.path, &pt.data)
	return pt
}

// LastPulledAt returns the recorded epoch-ms timestamp for imageRef, and
// whether one exists at all.
func (pt *PullTimestamps) LastPulledAt(imageRef string) (int64, bool) {
	v, ok := pt.data[imageRef]
	return v, ok
}

// ShouldPull implements spec §4.C's "should pull" throttle rule: pull if age
// >= freshnessDays or force is set.
func (pt *PullTimestamps) ShouldPull(imageRef string, freshnessDays int, force bool) bool {
	if force {
		return true
	}
	last, ok := pt.LastPulledAt(imageRef)
	if !ok {
		return true
	}
	age := time.Since(time.UnixMilli(last))
	return age >= time.Duration(freshnessDays)*24*time.Hour
}

// Record stamps imageRef with now, persisting immediately. Monotonic: a
// timestamp earlier than what's already recorded is ignored.
func (pt *PullTimestamps) Record(imageRef string, now time.Time) error {
	ms := now.UnixMilli()
	if existing, ok := pt.data[imageRef]; ok && existing >= ms {
		return nil
	}
	pt.data[imageRef] = ms
	return WriteJSONAtomic(pt.path, pt.data)
}

// lastUpdateCheckDoc is the on-disk shape of last_update_check.json.
type lastUpdateCheckDoc struct {
	Timestamp int64 `json:"timestamp"`
}

// LastUpdateCheck tracks the 1-hour auto-update-check throttle (spec §4.C).
type LastUpdateCheck struct {
	path string
}

func LoadLastUpdateCheck(configDir string) *LastUpdateCheck {
	return &LastUpdateCheck{path: filepath.Join(configDir, LastUpdateCheckFile)}
}

// Due reports whether an auto-update check is due: more than throttle since
// the last one (or none recorded yet).
func (l *LastUpdateCheck) Due(log *logrus.Entry, throttle time.Duration) bool {
	var doc lastUpdateCheckDoc
	ReadJSONLenient(log, l.path, &doc)
	if doc.Timestamp == 0 {
		return true
	}
	return time.Since(time.UnixMilli(doc.Timestamp)) >= throttle
}

// Stamp records now as the last-checked time.
func (l *LastUpdateCheck) Stamp(now time.Time) error {
	return WriteJSONAtomic(l.path, lastUpdateCheckDoc{Timestamp: now.UnixMilli()})
}

// SelectedFeatures mirrors clara-features.yaml's selectedFeatures block
// (spec §6).
type SelectedFeatures struct {
	ComfyUI   bool `yaml:"comfyUI"`
	N8n       bool `yaml:"n8n"`
	RagAndTTS bool `yaml:"ragAndTts"`
	ClaraCore bool `yaml:"claraCore"`
}

// FeatureSelection is the root document of clara-features.yaml.
type FeatureSelection struct {
	Version          string           `yaml:"version"`
	FirstTimeSetup   bool             `yaml:"firstTimeSetup"`
	SelectedFeatures SelectedFeatures `yaml:"selectedFeatures"`
	SetupTimestamp   *time.Time       `yaml:"setupTimestamp"`

	// Extra holds top-level keys this version of clarad doesn't know about,
	// so that round-tripping through Load/Save preserves them instead of
	// silently dropping them (testable property 8).
	Extra map[string]any `yaml:"-"`
}

// knownFeatureSelectionKeys lists the yaml keys FeatureSelection decodes
// itself, so UnmarshalYAML can route everything else into Extra.
var knownFeatureSelectionKeys = map[string]bool{
	"version": true, "firstTimeSetup": true, "selectedFeatures": true, "setupTimestamp": true,
}

// UnmarshalYAML decodes the known fields normally, then re-decodes into a
// plain map to capture any keys this version doesn't recognize.
func (fs *FeatureSelection) UnmarshalYAML(unmarshal func(any) error) error {
	type plain FeatureSelection
	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}
	*fs = FeatureSelection(p)

	var raw map[string]any
	if err := unmarshal(&raw); err != nil {
		return nil // best-effort; known fields already decoded above
	}
	for k, v := range raw {
		if !knownFeatureSelectionKeys[k] {
			if fs.Extra == nil {
				fs.Extra = map[string]any{}
			}
			fs.Extra[k] = v
		}
	}
	return nil
}

// MarshalYAML emits the known fields plus any preserved Extra keys.
func (fs FeatureSelection) MarshalYAML() (any, error) {
	out := map[string]any{
		"version":        fs.Version,
		"firstTimeSetup": fs.FirstTimeSetup,
		"selectedFeatures": fs.SelectedFeatures,
		"setupTimestamp": fs.SetupTimestamp,
	}
	for k, v := range fs.Extra {
		if !knownFeatureSelectionKeys[k] {
			out[k] = v
		}
	}
	return out, nil
}

// DefaultFeatureSelection is handed out on first run, before any setup
// wizard has completed.
func DefaultFeatureSelection() FeatureSelection {
	return FeatureSelection{
		Version:        "1",
		FirstTimeSetup: true,
		SelectedFeatures: SelectedFeatures{
			ClaraCore: true,
		},
	}
}

// LoadFeatureSelection reads clara-features.yaml, falling back to
// DefaultFeatureSelection on a missing or corrupt file.
func LoadFeatureSelection(log *logrus.Entry, configDir string) FeatureSelection {
	fs := DefaultFeatureSelection()
	path := filepath.Join(configDir, FeaturesFile)
	ReadYAMLLenient(log, path, &fs)
	return fs
}

// SaveFeatureSelection writes clara-features.yaml atomically.
func SaveFeatureSelection(configDir string, fs FeatureSelection) error {
	path := filepath.Join(configDir, FeaturesFile)
	return WriteYAMLAtomic(path, fs)
}

// Enabled reports whether featureKey (one of comfyUI/n8n/ragAndTts/claraCore)
// is selected.
func (fs FeatureSelection) Enabled(featureKey string) bool {
	switch featureKey {
	case "comfyUI":
		return fs.SelectedFeatures.ComfyUI
	case "n8n":
		return fs.SelectedFeatures.N8n
	case "ragAndTts":
		return fs.SelectedFeatures.RagAndTTS
	case "claraCore":
		return fs.SelectedFeatures.ClaraCore
	default:
		return false
	}
}

