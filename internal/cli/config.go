// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mobiletoly/go-twosync/twosync"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "TWOSYNC"

// Endpoint describes one store of a session
type Endpoint struct {
	Name   string `mapstructure:"name"`
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // text | json
	File       string `mapstructure:"file"`   // rotated with lumberjack when set
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SyncConfig mirrors twosync.Options and RunOptions
type SyncConfig struct {
	Profile                string `mapstructure:"profile"`
	Direction              string `mapstructure:"direction"`
	ConflictPolicy         string `mapstructure:"conflict_policy"`
	DeferForwardReferences bool   `mapstructure:"defer_forward_references"`
	Parallelism            int    `mapstructure:"parallelism"`
	IncludeIssueDetail     bool   `mapstructure:"include_issue_detail"`
	LogStageTimings        bool   `mapstructure:"log_stage_timings"`
}

// AuthConfig holds the principal token settings
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Token    string        `mapstructure:"token"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// MetricsConfig controls Prometheus export
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Config is the full CLI configuration, read from a YAML file, TWOSYNC_*
// environment variables and flags, in increasing precedence
type Config struct {
	Client  Endpoint      `mapstructure:"client"`
	Server  Endpoint      `mapstructure:"server"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Output  string        `mapstructure:"output"` // json | yaml
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.name", "client")
	v.SetDefault("client.driver", "sqlite")
	v.SetDefault("client.dsn", "client.db")
	v.SetDefault("server.name", "server")
	v.SetDefault("server.driver", "sqlite")
	v.SetDefault("server.dsn", "server.db")
	v.SetDefault("sync.profile", twosync.ProfileAll)
	v.SetDefault("sync.direction", string(twosync.Bidirectional))
	v.SetDefault("sync.conflict_policy", string(twosync.OverwriteAlways))
	v.SetDefault("sync.parallelism", 0)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("output", "json")
}

// flagKeys maps flag names to configuration keys
var flagKeys = map[string]string{
	"client-name":     "client.name",
	"client-driver":   "client.driver",
	"client-dsn":      "client.dsn",
	"server-name":     "server.name",
	"server-driver":   "server.driver",
	"server-dsn":      "server.dsn",
	"profile":         "sync.profile",
	"direction":       "sync.direction",
	"conflict-policy": "sync.conflict_policy",
	"defer-forward":   "sync.defer_forward_references",
	"parallelism":     "sync.parallelism",
	"issue-detail":    "sync.include_issue_detail",
	"stage-timings":   "sync.log_stage_timings",
	"secret":          "auth.secret",
	"token":           "auth.token",
	"ttl":             "auth.token_ttl",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"log-file":        "log.file",
	"metrics-file":    "metrics.textfile",
	"output":          "output",
}

// loadConfig reads configFile (optional) and applies env and flag overrides
func loadConfig(configFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}
	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			key, ok := flagKeys[f.Name]
			if !ok || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for _, ep := range []Endpoint{c.Client, c.Server} {
		switch ep.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("endpoint %s: unsupported driver %q", ep.Name, ep.Driver)
		}
		if ep.DSN == "" {
			return fmt.Errorf("endpoint %s: dsn is required", ep.Name)
		}
	}
	if c.Client.Name == c.Server.Name {
		return errors.New("client and server names must differ")
	}
	switch twosync.Direction(c.Sync.Direction) {
	case twosync.PullDown, twosync.PushUp, twosync.Bidirectional:
	default:
		return fmt.Errorf("%w: %q", twosync.ErrUnknownDirection, c.Sync.Direction)
	}
	switch twosync.ConflictPolicy(c.Sync.ConflictPolicy) {
	case twosync.OverwriteAlways, twosync.PreserveLocalEdits:
	default:
		return fmt.Errorf("%w: %q", twosync.ErrUnknownConflictPolicy, c.Sync.ConflictPolicy)
	}
	switch c.Output {
	case "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", c.Output)
	}
	return nil
}
