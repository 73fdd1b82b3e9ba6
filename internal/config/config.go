// Package config loads parabridge settings.
//
// Settings come from, in increasing priority: built-in defaults, the
// config.toml file in the parabridge home directory, and PARABRIDGE_*
// environment variables (PARABRIDGE_CONTROL_PORT overrides control.port).
// The home directory is $PARABRIDGE_HOME, or ~/.parabridge when unset.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "PARABRIDGE"

// FileName is the config file looked up in the home directory.
const FileName = "config.toml"

// Config is the resolved parabridge configuration.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Control   ControlConfig   `toml:"control"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Source    SourceConfig    `toml:"source"`
	Watch     WatchConfig     `toml:"watch"`
	Log       LogConfig       `toml:"log"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type ControlConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the host:port the daemon listens on.
func (c ControlConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type SchedulerConfig struct {
	Tick      time.Duration `toml:"tick"`
	FilePause time.Duration `toml:"file_pause"`
}

type SourceConfig struct {
	Codepage  string `toml:"codepage"`
	Extension string `toml:"extension"`
}

type WatchConfig struct {
	Enabled bool `toml:"enabled"`
	// FullScanEvery forces a full pass every N ticks while watching.
	FullScanEvery int `toml:"full_scan_every"`
}

type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Home returns the parabridge home directory.
func Home() (string, error) {
	if dir := os.Getenv(EnvPrefix + "_HOME"); dir != "" {
		return ExpandHome(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".parabridge"), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, path[1:]), nil
}

// Default returns the built-in configuration rooted at home.
func Default(home string) *Config {
	return &Config{
		Store:   StoreConfig{Path: filepath.Join(home, "settings.db")},
		Control: ControlConfig{Host: "127.0.0.1", Port: 17963},
		Scheduler: SchedulerConfig{
			Tick:      time.Second,
			FilePause: time.Second,
		},
		Source: SourceConfig{Codepage: "cp1251", Extension: ".db"},
		Watch:  WatchConfig{Enabled: false, FullScanEvery: 60},
		Log: LogConfig{
			File:       filepath.Join(home, "daemon.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// New returns a viper instance carrying defaults, the config file from
// home (if any) and environment overrides.
func New(home string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v, Default(home))

	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.SetConfigType("toml")
	v.AddConfigPath(home)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("control.host", d.Control.Host)
	v.SetDefault("control.port", d.Control.Port)
	v.SetDefault("scheduler.tick", d.Scheduler.Tick)
	v.SetDefault("scheduler.file_pause", d.Scheduler.FilePause)
	v.SetDefault("source.codepage", d.Source.Codepage)
	v.SetDefault("source.extension", d.Source.Extension)
	v.SetDefault("watch.enabled", d.Watch.Enabled)
	v.SetDefault("watch.full_scan_every", d.Watch.FullScanEvery)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
}

// Load resolves the configuration for the current environment.
func Load() (*Config, error) {
	home, err := Home()
	if err != nil {
		return nil, err
	}
	v, err := New(home)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes v into a Config and expands ~ in paths.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Store:   StoreConfig{Path: v.GetString("store.path")},
		Control: ControlConfig{Host: v.GetString("control.host"), Port: v.GetInt("control.port")},
		Scheduler: SchedulerConfig{
			Tick:      v.GetDuration("scheduler.tick"),
			FilePause: v.GetDuration("scheduler.file_pause"),
		},
		Source: SourceConfig{
			Codepage:  v.GetString("source.codepage"),
			Extension: v.GetString("source.extension"),
		},
		Watch: WatchConfig{
			Enabled:       v.GetBool("watch.enabled"),
			FullScanEvery: v.GetInt("watch.full_scan_every"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
	}

	var err error
	if cfg.Store.Path, err = ExpandHome(cfg.Store.Path); err != nil {
		return nil, err
	}
	if cfg.Log.File, err = ExpandHome(cfg.Log.File); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Control.Port <= 0 || c.Control.Port > 65535 {
		return fmt.Errorf("invalid control.port %d", c.Control.Port)
	}
	if c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be positive, got %s", c.Scheduler.Tick)
	}
	if c.Scheduler.FilePause < 0 {
		return fmt.Errorf("scheduler.file_pause must not be negative, got %s", c.Scheduler.FilePause)
	}
	if c.Source.Extension == "" {
		return errors.New("source.extension must not be empty")
	}
	return nil
}

// Encode writes cfg as TOML. Durations are written in Go duration syntax
// so the output can be read back as a config file.
func Encode(w io.Writer, cfg *Config) error {
	type scheduler struct {
		Tick      string `toml:"tick"`
		FilePause string `toml:"file_pause"`
	}
	out := struct {
		Store     StoreConfig   `toml:"store"`
		Control   ControlConfig `toml:"control"`
		Scheduler scheduler     `toml:"scheduler"`
		Source    SourceConfig  `toml:"source"`
		Watch     WatchConfig   `toml:"watch"`
		Log       LogConfig     `toml:"log"`
	}{
		Store:     cfg.Store,
		Control:   cfg.Control,
		Scheduler: scheduler{Tick: cfg.Scheduler.Tick.String(), FilePause: cfg.Scheduler.FilePause.String()},
		Source:    cfg.Source,
		Watch:     cfg.Watch,
		Log:       cfg.Log,
	}
	if err := toml.NewEncoder(w).Encode(out); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteDefault creates home/config.toml with the default settings. It
// refuses to overwrite an existing file.
func WriteDefault(home string) (string, error) {
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", home, err)
	}
	path := filepath.Join(home, FileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()
	if err := Encode(f, Default(home)); err != nil {
		return "", err
	}
	return path, nil
}
