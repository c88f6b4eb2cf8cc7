// Package config provides configuration management for caredesk
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	User      UserConfig      `mapstructure:"user"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
}

// BackendConfig configures the assistant backend client
type BackendConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// UserConfig identifies the user. An empty ID is generated at startup.
type UserConfig struct {
	ID         string `mapstructure:"id"`
	Name       string `mapstructure:"name"`
	PatientAge int    `mapstructure:"patient_age"` // 0 = not sent
}

// AudioConfig configures push-to-talk capture
type AudioConfig struct {
	SampleRate int           `mapstructure:"sample_rate"`
	MaxCapture time.Duration `mapstructure:"max_capture"`
}

// RealtimeConfig configures the live voice session
type RealtimeConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	EventBuffer      int  `mapstructure:"event_buffer"`
	AdaptiveStream   bool `mapstructure:"adaptive_stream"`
	Dynacast         bool `mapstructure:"dynacast"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

// SchedulerConfig configures background jobs
type SchedulerConfig struct {
	StatsInterval time.Duration `mapstructure:"stats_interval"`
}

// MonitorConfig configures the local observer endpoint. Empty Addr disables it.
type MonitorConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Dir     string `mapstructure:"dir"`
	Console bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "http://localhost:5000",
			Timeout: 30 * time.Second,
		},
		Audio: AudioConfig{
			SampleRate: 16000,
			MaxCapture: 60 * time.Second,
		},
		Realtime: RealtimeConfig{
			Enabled:          true,
			EventBuffer:      64,
			AdaptiveStream:   true,
			Dynacast:         true,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Scheduler: SchedulerConfig{
			StatsInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Console: false,
		},
	}
}

// Loader reads configuration from file and environment and keeps the
// underlying viper instance around for watching.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader. An empty path means ~/.caredesk/config.yaml.
func NewLoader(path string) *Loader {
	return &Loader{v: viper.New(), path: path}
}

// Load reads configuration from file and environment
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	// .env is optional; a missing file is not an error
	_ = godotenv.Load()

	l.setDefaults(cfg)

	if l.path != "" {
		l.v.SetConfigFile(l.path)
	} else {
		configDir, err := GetConfigDir()
		if err != nil {
			return cfg, err
		}
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return cfg, err
		}
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(configDir)
	}

	// Environment variable overrides
	l.v.SetEnvPrefix("CAREDESK")
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Legacy frontend variable
	if url := os.Getenv("REACT_APP_API_URL"); url != "" && os.Getenv("CAREDESK_BACKEND_BASE_URL") == "" {
		l.v.Set("backend.base_url", url)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(l.path != "" && os.IsNotExist(err)) {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := l.save(); err != nil {
			return cfg, err
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Watch reloads the configuration whenever the file changes and hands the
// fresh value to fn.
func (l *Loader) Watch(fn func(*Config, fsnotify.Event)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg := DefaultConfig()
		if err := l.v.Unmarshal(cfg); err != nil {
			return
		}
		fn(cfg, e)
	})
	l.v.WatchConfig()
}

// ConfigFile returns the file in use, if any
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

func (l *Loader) setDefaults(cfg *Config) {
	l.v.SetDefault("backend.base_url", cfg.Backend.BaseURL)
	l.v.SetDefault("backend.timeout", cfg.Backend.Timeout)
	l.v.SetDefault("user.id", cfg.User.ID)
	l.v.SetDefault("user.name", cfg.User.Name)
	l.v.SetDefault("user.patient_age", cfg.User.PatientAge)
	l.v.SetDefault("audio.sample_rate", cfg.Audio.SampleRate)
	l.v.SetDefault("audio.max_capture", cfg.Audio.MaxCapture)
	l.v.SetDefault("realtime.enabled", cfg.Realtime.Enabled)
	l.v.SetDefault("realtime.event_buffer", cfg.Realtime.EventBuffer)
	l.v.SetDefault("realtime.adaptive_stream", cfg.Realtime.AdaptiveStream)
	l.v.SetDefault("realtime.dynacast", cfg.Realtime.Dynacast)
	l.v.SetDefault("realtime.echo_cancellation", cfg.Realtime.EchoCancellation)
	l.v.SetDefault("realtime.noise_suppression", cfg.Realtime.NoiseSuppression)
	l.v.SetDefault("realtime.auto_gain_control", cfg.Realtime.AutoGainControl)
	l.v.SetDefault("scheduler.stats_interval", cfg.Scheduler.StatsInterval)
	l.v.SetDefault("monitor.addr", cfg.Monitor.Addr)
	l.v.SetDefault("log.level", cfg.Log.Level)
	l.v.SetDefault("log.dir", cfg.Log.Dir)
	l.v.SetDefault("log.console", cfg.Log.Console)
}

func (l *Loader) save() error {
	if l.path != "" {
		if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
			return err
		}
		return l.v.WriteConfigAs(l.path)
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return l.v.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".caredesk"), nil
}
