package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/javanstorm/macosvm/internal/vm"
)

// EnvPrefix is the prefix of environment overrides, e.g. MACOSVM_MEMORY.
const EnvPrefix = "MACOSVM"

// Config holds all macosvm configuration.
type Config struct {
	// BundleDir is the directory holding the guest's artifacts.
	BundleDir string `mapstructure:"bundle_dir"`

	// SharedDir is the host directory shared read-write with the guest.
	// Empty disables the share.
	SharedDir string `mapstructure:"shared_dir"`

	// Memory is the guest memory policy, e.g. "4GiB". It is clamped to the
	// backend limits.
	Memory string `mapstructure:"memory"`

	// DiskSize is the size of a newly created disk image, e.g. "128GiB".
	DiskSize string `mapstructure:"disk_size"`

	// MACAddress is the link address of the guest's NAT interface.
	MACAddress string `mapstructure:"mac_address"`

	// LogLevel is the logrus level name.
	LogLevel string `mapstructure:"log_level"`

	// Timing prints a phase timing report after install and boot.
	Timing bool `mapstructure:"timing"`

	file string
}

// DefaultConfig returns a Config with the default policy.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{BundleDir: "VM.bundle", SharedDir: "VM Shared"}
	}

	return &Config{
		BundleDir:  paths.BundleDir,
		SharedDir:  paths.SharedDir,
		Memory:     units.BytesSize(float64(vm.DefaultMemorySize)),
		DiskSize:   units.BytesSize(float64(vm.DefaultDiskSize)),
		MACAddress: vm.DefaultMACAddress,
		LogLevel:   "info",
		Timing:     false,
	}
}

// Load reads configuration from defaults, an optional config file and the
// environment. configFile overrides the config.yaml lookup when set.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("bundle_dir", defaults.BundleDir)
	v.SetDefault("shared_dir", defaults.SharedDir)
	v.SetDefault("memory", defaults.Memory)
	v.SetDefault("disk_size", defaults.DiskSize)
	v.SetDefault("mac_address", defaults.MACAddress)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("timing", defaults.Timing)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if paths, err := GetPaths(); err == nil {
			v.AddConfigPath(paths.ConfigDir)
		}
	}

	// Environment variable support: MACOSVM_BUNDLE_DIR, MACOSVM_MEMORY, etc.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK - we use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.file = v.ConfigFileUsed()
	return cfg, nil
}

// MemoryBytes parses Memory.
func (c *Config) MemoryBytes() (uint64, error) {
	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("memory: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("memory: must be positive, got %q", c.Memory)
	}
	return uint64(n), nil
}

// DiskSizeBytes parses DiskSize.
func (c *Config) DiskSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.DiskSize)
	if err != nil {
		return 0, fmt.Errorf("disk_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("disk_size: must be positive, got %q", c.DiskSize)
	}
	return n, nil
}

// ControllerConfig converts the configuration into install/boot policy.
func (c *Config) ControllerConfig() (vm.ControllerConfig, error) {
	mem, err := c.MemoryBytes()
	if err != nil {
		return vm.ControllerConfig{}, err
	}
	disk, err := c.DiskSizeBytes()
	if err != nil {
		return vm.ControllerConfig{}, err
	}
	return vm.ControllerConfig{
		MemorySize: mem,
		DiskSize:   disk,
		SharedDir:  c.SharedDir,
		MACAddress: c.MACAddress,
	}, nil
}

// File returns the config file that was read, if any.
func (c *Config) File() string {
	return c.file
}
