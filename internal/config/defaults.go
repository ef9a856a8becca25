package config

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared with code that runs without a loaded config.
const (
	DefaultMaxTimeWithoutInterrupt = 7 * time.Second
	DefaultCheckInterval           = 20
	DefaultDeviceScanInterval      = 10
	DefaultTickInterval            = 50 * time.Millisecond
	DefaultMaxBuffered             = 1 << 20
)

// SetDefaults registers every default with viper.
func SetDefaults() {
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.traces", false)

	viper.SetDefault("storage.path", "~/.consolevm/data.db")

	viper.SetDefault("sandbox.max_time_without_interrupt", DefaultMaxTimeWithoutInterrupt)
	viper.SetDefault("sandbox.check_interval", DefaultCheckInterval)
	viper.SetDefault("sandbox.watchdog_period", 5*time.Millisecond)
	viper.SetDefault("sandbox.max_programs", 16)
	viper.SetDefault("sandbox.acquire_timeout", 2*time.Second)
	viper.SetDefault("sandbox.max_write_size", 1<<20)
	viper.SetDefault("sandbox.debug_args", false)

	viper.SetDefault("stream.max_buffered", DefaultMaxBuffered)

	viper.SetDefault("kernel.device_scan_interval", DefaultDeviceScanInterval)
	viper.SetDefault("kernel.system_path", []string{"bin"})

	viper.SetDefault("host.tick_interval", DefaultTickInterval)
	viper.SetDefault("host.hostname", "localhost")
	viper.SetDefault("host.owner", "admin")

	viper.SetDefault("autosave.enabled", true)
	viper.SetDefault("autosave.schedule", "@every 5m")

	viper.SetDefault("rom.dir", "")
	viper.SetDefault("rom.watch", false)
}
