package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/heapdumper/internal/attach"
	"github.com/loykin/heapdumper/internal/heapdump"
	"github.com/loykin/heapdumper/internal/logger"
	"github.com/loykin/heapdumper/internal/metrics"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "HEAPDUMPER_CONFIG"

const envPrefix = "HEAPDUMPER"

// Config represents the TOML file. Every key can be overridden with
// HEAPDUMPER_<SECTION>_<KEY>, e.g. HEAPDUMPER_DUMP_LIVE_ONLY=true.
type Config struct {
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Dump    DumpConfig    `toml:"dump" mapstructure:"dump"`
	Attach  AttachConfig  `toml:"attach" mapstructure:"attach"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	Timestamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type DumpConfig struct {
	LiveOnly         bool          `toml:"live_only" mapstructure:"live_only"`
	FileMode         string        `toml:"file_mode" mapstructure:"file_mode"`
	TimestampCommand string        `toml:"timestamp_command" mapstructure:"timestamp_command"`
	Lock             bool          `toml:"lock" mapstructure:"lock"`
	Timeout          time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type AttachConfig struct {
	ManagementAgent bool          `toml:"management_agent" mapstructure:"management_agent"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
	ProcRoot        string        `toml:"proc_root" mapstructure:"proc_root"`
	TmpDir          string        `toml:"tmp_dir" mapstructure:"tmp_dir"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile    string `toml:"textfile" mapstructure:"textfile"`
	Pushgateway string `toml:"pushgateway" mapstructure:"pushgateway"`
	Job         string `toml:"job" mapstructure:"job"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("dump.live_only", false)
	v.SetDefault("dump.file_mode", heapdump.DefaultFileMode)
	v.SetDefault("dump.timestamp_command", heapdump.DefaultTimestampCommand)
	v.SetDefault("dump.lock", true)
	v.SetDefault("dump.timeout", time.Duration(0))

	v.SetDefault("attach.management_agent", true)
	v.SetDefault("attach.timeout", 30*time.Second)
	v.SetDefault("attach.proc_root", "/proc")
	v.SetDefault("attach.tmp_dir", "")

	v.SetDefault("history.dsn", "")

	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.pushgateway", "")
	v.SetDefault("metrics.job", "heapdumper")
}

// Load reads path (TOML) on top of the defaults and applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFromEnv loads the file named by $HEAPDUMPER_CONFIG, if any.
func LoadFromEnv() (*Config, error) {
	return Load(strings.TrimSpace(os.Getenv(EnvConfigPath)))
}

// Validate rejects malformed values.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if _, err := ParseFileMode(c.Dump.FileMode); err != nil {
		errs = append(errs, fmt.Errorf("dump.file_mode: %w", err))
	}
	if c.Dump.Timeout < 0 {
		errs = append(errs, errors.New("dump.timeout: must not be negative"))
	}
	if c.Attach.Timeout < 0 {
		errs = append(errs, errors.New("attach.timeout: must not be negative"))
	}
	return errors.Join(errs...)
}

// ParseFileMode accepts a chmod style octal mode such as "644" or "0640".
func ParseFileMode(s string) (os.FileMode, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > 4 {
		return 0, fmt.Errorf("invalid octal mode %q", s)
	}
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o7777 {
		return 0, fmt.Errorf("invalid octal mode %q", s)
	}
	return os.FileMode(n), nil
}

// Logger converts the log section.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      c.Log.Level,
			Format:     c.Log.Format,
			Color:      c.Log.Color,
			TimeStamps: c.Log.Timestamps,
			Source:     c.Log.Source,
		},
		File: logger.FileConfig{
			Path:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
			MaxAgeDays: c.Log.MaxAgeDays,
			Compress:   c.Log.Compress,
		},
	}
}

// DumpOptions converts the dump and attach sections.
func (c *Config) DumpOptions() heapdump.Options {
	return heapdump.Options{
		LiveOnly:         c.Dump.LiveOnly,
		FileMode:         strings.TrimSpace(c.Dump.FileMode),
		TimestampCommand: c.Dump.TimestampCommand,
		Lock:             c.Dump.Lock,
		AttachTimeout:    c.Attach.Timeout,
		Timeout:          c.Dump.Timeout,
	}
}

// AttachConfig converts the attach section.
func (c *Config) AttachConfig() attach.Config {
	return attach.Config{
		ProcRoot: c.Attach.ProcRoot,
		TempDir:  c.Attach.TmpDir,
	}
}

// MetricsConfig converts the metrics section.
func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		Textfile:    c.Metrics.Textfile,
		Pushgateway: c.Metrics.Pushgateway,
		Job:         c.Metrics.Job,
	}
}
