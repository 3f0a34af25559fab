package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Local   LocalConfig
	Remote  RemoteConfig
	Custom  CustomAPI
	Notify  NotifyConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level  string
	Format string
}

// LocalConfig controls the in-process QR encoder.
type LocalConfig struct {
	Enabled bool
	Size    int
}

// RemoteConfig carries secrets for the shipped remote endpoints.
type RemoteConfig struct {
	APINinjasKey string
}

// NotifyConfig configures the optional redis presenter.
type NotifyConfig struct {
	RedisURL     string
	RedisChannel string
}

const (
	DefaultPort         = 4100
	DefaultLocalSize    = 200
	DefaultRedisChannel = "qrpanel:delivered"
)

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Local: LocalConfig{
			Enabled: true,
			Size:    DefaultLocalSize,
		},
		Custom: CustomAPI{
			ShowSelectionButton: true,
			TimeoutMs:           DefaultTimeoutMs,
		},
		Notify: NotifyConfig{
			RedisChannel: DefaultRedisChannel,
		},
	}
}

// Load reads configuration from the YAML file backend
// ($XDG_CONFIG_HOME/qrpanel/config.yaml) and applies QRPANEL_* environment
// overrides on top.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadFromPath(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Custom.TimeoutMs == 0 {
		cfg.Custom.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Local.Size <= 0 {
		cfg.Local.Size = DefaultLocalSize
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "qrpanel-data"
		}
	}
	return filepath.Join(dir, "qrpanel")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "qrpanel", "config.yaml")
}
