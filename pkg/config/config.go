// Package config provides a reusable loader for kernel boot parameters and
// environment overrides. It is versioned so that applications can depend on
// a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/srcp/kernel/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified boot configuration for a kernel host.
type Config struct {
	Kernel struct {
		Version          string `mapstructure:"version" json:"version"`
		IdentityUsername string `mapstructure:"identity_username" json:"identity_username"`
		SigningEnabled   bool   `mapstructure:"signing_enabled" json:"signing_enabled"`
		LockDate         bool   `mapstructure:"lock_date" json:"lock_date"`
		LockMath         bool   `mapstructure:"lock_math" json:"lock_math"`
	} `mapstructure:"kernel" json:"kernel"`

	EventFabric struct {
		SigningEnabled bool `mapstructure:"signing_enabled" json:"signing_enabled"`
	} `mapstructure:"event_fabric" json:"event_fabric"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the default configuration file plus an environment-specific
// override, then merges in any `.env` values and environment variables. The
// resulting configuration is stored in AppConfig and returned.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of a .env file is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/kernel/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the KERNEL_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("KERNEL_ENV", ""))
}

// Defaults returns a Config populated with sane boot defaults, used when no
// config file is present — a bare kernel demo should still boot.
func Defaults() Config {
	var c Config
	c.Kernel.Version = "1.0.0"
	c.Kernel.IdentityUsername = "kernel-host"
	c.Kernel.SigningEnabled = true
	c.EventFabric.SigningEnabled = false
	c.Logging.Level = "info"
	return c
}
