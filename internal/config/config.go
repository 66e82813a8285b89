package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "fdm.yaml"

// Config holds the engine configuration. Zero values in the on-disk file
// fall back to the defaults.
type Config struct {
	DownloadDir            string        `yaml:"dir,omitempty"`
	DataDir                string        `yaml:"dataDir,omitempty"`
	TempDir                string        `yaml:"tempDir,omitempty"`
	MaxConcurrentDownloads int           `yaml:"maxConcurrentDownloads,omitempty"`
	DefaultSegments        int           `yaml:"segments,omitempty"`
	ChunkSize              int           `yaml:"chunkSize,omitempty"`
	ConnectTimeout         time.Duration `yaml:"connectTimeout,omitempty"`
	MaxRedirects           int           `yaml:"maxRedirects,omitempty"`
	MaxRetries             int           `yaml:"maxRetries,omitempty"`
	RetryDelay             time.Duration `yaml:"retryDelay,omitempty"`
	RetryBackoff           float64       `yaml:"retryBackoff,omitempty"`
	SpeedLimit             int64         `yaml:"speedLimit,omitempty"` // bytes/sec, 0 = unlimited
	SchedulerInterval      time.Duration `yaml:"schedulerInterval,omitempty"`
	UserAgent              string        `yaml:"userAgent,omitempty"`
}

// Load reads the configuration file from the XDG config directory and
// returns it merged over the defaults. A missing or empty file yields the
// defaults.
func Load() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := Default()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return nil, err
	}
	cfg, err := fc.toConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		DownloadDir:            zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		DataDir:                zeroOr(cfg.DataDir, defaults.DataDir),
		TempDir:                zeroOr(cfg.TempDir, defaults.TempDir),
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		DefaultSegments:        zeroOr(cfg.DefaultSegments, defaults.DefaultSegments),
		ChunkSize:              zeroOr(cfg.ChunkSize, defaults.ChunkSize),
		ConnectTimeout:         zeroOr(cfg.ConnectTimeout, defaults.ConnectTimeout),
		MaxRedirects:           zeroOr(cfg.MaxRedirects, defaults.MaxRedirects),
		MaxRetries:             zeroOr(cfg.MaxRetries, defaults.MaxRetries),
		RetryDelay:             zeroOr(cfg.RetryDelay, defaults.RetryDelay),
		RetryBackoff:           zeroOr(cfg.RetryBackoff, defaults.RetryBackoff),
		SpeedLimit:             zeroOr(cfg.SpeedLimit, defaults.SpeedLimit),
		SchedulerInterval:      zeroOr(cfg.SchedulerInterval, defaults.SchedulerInterval),
		UserAgent:              zeroOr(cfg.UserAgent, defaults.UserAgent),
	}, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DownloadDir:            downloadDir,
		DataDir:                dataDir,
		TempDir:                tempDir,
		MaxConcurrentDownloads: maxConcurrentDownloads,
		DefaultSegments:        defaultSegments,
		ChunkSize:              chunkSize,
		ConnectTimeout:         connectTimeout,
		MaxRedirects:           maxRedirects,
		MaxRetries:             maxRetries,
		RetryDelay:             retryDelay,
		RetryBackoff:           retryBackoff,
		SchedulerInterval:      schedulerInterval,
		UserAgent:              userAgent,
	}
}

// fileConfig mirrors Config for unmarshaling. Durations are strings in the
// file ("30s", "2m") and parsed with time.ParseDuration.
type fileConfig struct {
	DownloadDir            string  `yaml:"dir"`
	DataDir                string  `yaml:"dataDir"`
	TempDir                string  `yaml:"tempDir"`
	MaxConcurrentDownloads int     `yaml:"maxConcurrentDownloads"`
	DefaultSegments        int     `yaml:"segments"`
	ChunkSize              int     `yaml:"chunkSize"`
	ConnectTimeout         string  `yaml:"connectTimeout"`
	MaxRedirects           int     `yaml:"maxRedirects"`
	MaxRetries             int     `yaml:"maxRetries"`
	RetryDelay             string  `yaml:"retryDelay"`
	RetryBackoff           float64 `yaml:"retryBackoff"`
	SpeedLimit             int64   `yaml:"speedLimit"`
	SchedulerInterval      string  `yaml:"schedulerInterval"`
	UserAgent              string  `yaml:"userAgent"`
}

func (fc fileConfig) toConfig() (Config, error) {
	cfg := Config{
		DownloadDir:            fc.DownloadDir,
		DataDir:                fc.DataDir,
		TempDir:                fc.TempDir,
		MaxConcurrentDownloads: fc.MaxConcurrentDownloads,
		DefaultSegments:        fc.DefaultSegments,
		ChunkSize:              fc.ChunkSize,
		MaxRedirects:           fc.MaxRedirects,
		MaxRetries:             fc.MaxRetries,
		RetryBackoff:           fc.RetryBackoff,
		SpeedLimit:             fc.SpeedLimit,
		UserAgent:              fc.UserAgent,
	}

	for _, f := range []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{fc.ConnectTimeout, "connectTimeout", &cfg.ConnectTimeout},
		{fc.RetryDelay, "retryDelay", &cfg.RetryDelay},
		{fc.SchedulerInterval, "schedulerInterval", &cfg.SchedulerInterval},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return cfg, nil
}

func zeroOr[T any](val, fallback T) T {
	if reflect.ValueOf(&val).Elem().IsZero() {
		return fallback
	}

	return val
}
