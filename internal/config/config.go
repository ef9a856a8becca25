// Package config loads consolevm settings from defaults, an optional YAML
// file and CONSOLEVM_* environment variables, in increasing priority.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"consolevm/pkg/logger"
)

// Config is the root of the configuration tree.
type Config struct {
	Log      logger.LogConfig `mapstructure:"log" yaml:"log"`
	Storage  StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Sandbox  SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	Stream   StreamConfig     `mapstructure:"stream" yaml:"stream"`
	Kernel   KernelConfig     `mapstructure:"kernel" yaml:"kernel"`
	Host     HostConfig       `mapstructure:"host" yaml:"host"`
	Autosave AutosaveConfig   `mapstructure:"autosave" yaml:"autosave"`
	ROM      ROMConfig        `mapstructure:"rom" yaml:"rom"`
}

// StorageConfig locates the sqlite database.
type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// SandboxConfig bounds script execution.
type SandboxConfig struct {
	// MaxTimeWithoutInterrupt aborts a script that runs this long without
	// reaching a blocking call. Zero disables the budget.
	MaxTimeWithoutInterrupt time.Duration `mapstructure:"max_time_without_interrupt" yaml:"max_time_without_interrupt"`
	// CheckInterval is the number of steps between governor checks.
	CheckInterval  int           `mapstructure:"check_interval" yaml:"check_interval"`
	WatchdogPeriod time.Duration `mapstructure:"watchdog_period" yaml:"watchdog_period"`
	MaxPrograms    int           `mapstructure:"max_programs" yaml:"max_programs"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout" yaml:"acquire_timeout"`
	MaxWriteSize   int64         `mapstructure:"max_write_size" yaml:"max_write_size"`
	// DebugArgs makes natives panic when they touch released arguments.
	DebugArgs bool `mapstructure:"debug_args" yaml:"debug_args"`
}

// StreamConfig configures linked streams between programs and consumers.
type StreamConfig struct {
	// MaxBuffered bounds unread bytes per stream; 0 means unbounded.
	MaxBuffered int `mapstructure:"max_buffered" yaml:"max_buffered"`
}

// KernelConfig configures device polling and program lookup.
type KernelConfig struct {
	DeviceScanInterval int      `mapstructure:"device_scan_interval" yaml:"device_scan_interval"`
	SystemPath         []string `mapstructure:"system_path" yaml:"system_path"`
}

// HostConfig configures the host tick loop and the local computer.
type HostConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	Hostname     string        `mapstructure:"hostname" yaml:"hostname"`
	Owner        string        `mapstructure:"owner" yaml:"owner"`
}

// AutosaveConfig schedules periodic snapshots.
type AutosaveConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule string `mapstructure:"schedule" yaml:"schedule"`
}

// ROMConfig names a host directory of scripts flashed into /rom.
type ROMConfig struct {
	Dir   string `mapstructure:"dir" yaml:"dir"`
	Watch bool   `mapstructure:"watch" yaml:"watch"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads the configuration. Priority: env > file > defaults. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("CONSOLEVM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				return nil, err
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the last loaded configuration.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// GetString returns a raw configuration value.
func GetString(key string) string {
	return viper.GetString(key)
}

// Set changes one value and persists it when a config file is in use.
func Set(key string, value any) error {
	mu.Lock()
	defer mu.Unlock()

	viper.Set(key, value)
	if configPath != "" {
		return save()
	}
	return nil
}

func save() error {
	if configPath == "" {
		return errors.New("config path not set")
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// SaveTo writes cfg as YAML to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Reset clears loaded state (tests).
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}
