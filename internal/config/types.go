package config

import (
	"os"
	"path/filepath"
	"time"
)

// Versions of the core library and remap framework this host build exposes
// to plugin packages.
const (
	DefaultCoreVersion      = "1.4.0"
	DefaultFrameworkVersion = "8.0.0"
	SchemaVersion           = "1.0.0"
)

// Config represents the host configuration document.
type Config struct {
	Version          string        `yaml:"version" validate:"required,semver"`
	CoreVersion      string        `yaml:"core_version" validate:"required,semver"`
	FrameworkVersion string        `yaml:"framework_version" validate:"required,semver"`
	PluginsDir       string        `yaml:"plugins_dir" validate:"required"`
	NativeDir        string        `yaml:"native_dir,omitempty"`
	ModuleCacheDir   string        `yaml:"module_cache_dir,omitempty"`
	ProfilesDir      string        `yaml:"profiles_dir" validate:"required"`
	DataDir          string        `yaml:"data_dir" validate:"required"`
	DefaultOutput    string        `yaml:"default_output,omitempty" validate:"omitempty,output_path"`
	ScanInterval     time.Duration `yaml:"scan_interval" validate:"gte=100ms,lte=1m"`
	MinTick          time.Duration `yaml:"min_tick" validate:"gte=0,lte=1s"`
	WatchProfiles    bool          `yaml:"watch_profiles"`
	Log              LogConfig     `yaml:"log"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level         string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	HumanReadable bool   `yaml:"human_readable"`
}

// Default returns the configuration used when no file is given. Paths are
// rooted at ~/.padmux.
func Default() *Config {
	root := defaultRoot()
	return &Config{
		Version:          SchemaVersion,
		CoreVersion:      DefaultCoreVersion,
		FrameworkVersion: DefaultFrameworkVersion,
		PluginsDir:       filepath.Join(root, "plugins"),
		ProfilesDir:      filepath.Join(root, "profiles"),
		DataDir:          root,
		ScanInterval:     time.Second,
		MinTick:          time.Millisecond,
		WatchProfiles:    true,
		Log: LogConfig{
			Level:         "info",
			HumanReadable: true,
		},
	}
}

// DatabasePath is where device settings are stored.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "padmux.db")
}

// ResolvedModuleCacheDir returns where code modules are staged for loading.
func (c *Config) ResolvedModuleCacheDir() string {
	if c.ModuleCacheDir != "" {
		return c.ModuleCacheDir
	}
	return filepath.Join(c.DataDir, "cache", "modules")
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".padmux"
	}
	return filepath.Join(home, ".padmux")
}

func expandHome(path string) string {
	if path == "~" || (len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == filepath.Separator)) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func (c *Config) expandPaths() {
	for _, p := range []*string{&c.PluginsDir, &c.NativeDir, &c.ModuleCacheDir, &c.ProfilesDir, &c.DataDir} {
		*p = expandHome(*p)
	}
}
