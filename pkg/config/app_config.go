// Package config handles orchestrator-level configuration: build metadata,
// the on-disk config directory, and the tunables the rest of the system
// reads at startup. User-selected feature flags and the capability cache
// live in pkg/state, since they are persisted artifacts in their own right
// (spec §4.I), not static tunables.
package config

import (
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	yaml "github.com/jesseduffield/yaml"
)

// AppConfig is the root configuration object handed to every subsystem at
// construction time.
type AppConfig struct {
	Debug       bool   `long:"debug" env:"DEBUG" default:"false"`
	Version     string `long:"version" env:"VERSION" default:"unversioned"`
	Commit      string `long:"commit" env:"COMMIT"`
	BuildDate   string `long:"build-date" env:"BUILD_DATE"`
	Name        string `long:"name" env:"NAME" default:"clarad"`
	BuildSource string `long:"build-source" env:"BUILD_SOURCE" default:""`

	// ConfigDir is the orchestrator's config directory, "<user-config-dir>/clara"
	// by default (spec §6, "Persisted state layout").
	ConfigDir string

	UserConfig *UserConfig
}

// UserConfig holds the orchestrator's own tunables, distinct from the
// per-service FeatureSet selection and capability cache (pkg/state) and from
// individual MCPServerDefs (pkg/mcp). Field defaults mirror the constants
// named throughout spec §4.
type UserConfig struct {
	Watchdog        WatchdogConfig        `yaml:"watchdog,omitempty"`
	Images          ImagesConfig          `yaml:"images,omitempty"`
	ContainerEngine ContainerEngineConfig `yaml:"containerEngine,omitempty"`
	NativeBinary    NativeBinaryConfig    `yaml:"nativeBinary,omitempty"`
	Setup           SetupConfig           `yaml:"setup,omitempty"`
}

// WatchdogConfig mirrors the constants named in spec §4.F.
type WatchdogConfig struct {
	CheckIntervalSeconds   int `yaml:"checkIntervalSeconds,omitempty"`
	StartupGraceSeconds    int `yaml:"startupGraceSeconds,omitempty"`
	MaxRetries             int `yaml:"maxRetries,omitempty"`
	RetryDelaySeconds      int `yaml:"retryDelaySeconds,omitempty"`
	MaxNotifications       int `yaml:"maxNotifications,omitempty"`
	PostRestartWaitSeconds int `yaml:"postRestartWaitSeconds,omitempty"`
}

// ImagesConfig mirrors the throttle/freshness constants named in spec §4.C.
type ImagesConfig struct {
	UpdateCheckThrottleMinutes int `yaml:"updateCheckThrottleMinutes,omitempty"`
	FreshnessDays              int `yaml:"freshnessDays,omitempty"`
}

// ContainerEngineConfig lets the operator pin an explicit endpoint instead of
// relying on discovery (spec §6, "Environment variables consumed").
type ContainerEngineConfig struct {
	Host    string `yaml:"host,omitempty"`
	TLS     bool   `yaml:"tls,omitempty"`
	CertDir string `yaml:"certDir,omitempty"`
}

// NativeBinaryConfig controls the native LLM-serving binary update pipeline
// (spec §4.H).
type NativeBinaryConfig struct {
	ReleaseCatalogURL string `yaml:"releaseCatalogURL,omitempty"`
	InstallDirName    string `yaml:"installDirName,omitempty"`
}

// SetupConfig controls the overall setup timeout (spec §5).
type SetupConfig struct {
	TimeoutMinutes int `yaml:"timeoutMinutes,omitempty"`
}

// GetDefaultConfig returns the orchestrator's built-in defaults. NOTE: don't
// default a boolean to true, since false is the zero value and a user's
// omitted field would silently clobber it back to false on merge.
func GetDefaultConfig() UserConfig {
	return UserConfig{
		Watchdog: WatchdogConfig{
			CheckIntervalSeconds:   30,
			StartupGraceSeconds:    60,
			MaxRetries:             3,
			RetryDelaySeconds:      10,
			MaxNotifications:       3,
			PostRestartWaitSeconds: 15,
		},
		Images: ImagesConfig{
			UpdateCheckThrottleMinutes: 60,
			FreshnessDays:              10,
		},
		NativeBinary: NativeBinaryConfig{
			InstallDirName: "llamacpp-binaries",
		},
		Setup: SetupConfig{
			TimeoutMinutes: 10,
		},
	}
}

// NewAppConfig bootstraps the config directory and loads/creates the user
// config file.
func NewAppConfig(name, version, commit, date, buildSource string, debuggingFlag bool) (*AppConfig, error) {
	dir, err := findOrCreateConfigDir(name)
	if err != nil {
		return nil, err
	}

	userConfig, err := loadUserConfigWithDefaults(dir)
	if err != nil {
		return nil, err
	}

	return &AppConfig{
		Name:        name,
		Version:     version,
		Commit:      commit,
		BuildDate:   date,
		Debug:       debuggingFlag || os.Getenv("DEBUG") == "TRUE",
		BuildSource: buildSource,
		UserConfig:  userConfig,
		ConfigDir:   dir,
	}, nil
}

func configDir(projectName string) string {
	if envConfigDir := os.Getenv("CONFIG_DIR"); envConfigDir != "" {
		return envConfigDir
	}
	dirs := xdg.New("", projectName)
	return dirs.ConfigHome()
}

func findOrCreateConfigDir(projectName string) (string, error) {
	folder := configDir(projectName)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", err
	}
	return folder, nil
}

func loadUserConfigWithDefaults(configDir string) (*UserConfig, error) {
	base := GetDefaultConfig()
	return loadUserConfig(configDir, &base)
}

func loadUserConfig(configDir string, base *UserConfig) (*UserConfig, error) {
	fileName := filepath.Join(configDir, "config.yml")

	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			file, createErr := os.Create(fileName)
			if createErr != nil {
				return nil, createErr
			}
			file.Close()
		} else {
			return nil, err
		}
	}

	content, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(content, base); err != nil {
		return nil, err
	}

	return base, nil
}

// WriteToUserConfig allows you to set a value on the user config to be
// saved. If you set a zero-value, it may be dropped on the next load; fields
// use the omitempty yaml directive so we don't write a heap of zero values to
// the user's config.yml.
func (c *AppConfig) WriteToUserConfig(updateConfig func(*UserConfig) error) error {
	userConfig, err := loadUserConfig(c.ConfigDir, &UserConfig{})
	if err != nil {
		return err
	}

	if err := updateConfig(userConfig); err != nil {
		return err
	}

	file, err := os.OpenFile(c.ConfigFilename(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return err
	}
	defer file.Close()

	return yaml.NewEncoder(file).Encode(userConfig)
}

// ConfigFilename returns the path of the orchestrator's own config.yml,
// distinct from the feature-selection and capability-cache YAML files
// managed by pkg/state.
func (c *AppConfig) ConfigFilename() string {
	return filepath.Join(c.ConfigDir, "config.yml")
}
