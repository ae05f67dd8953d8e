// Package config loads the engine's runtime configuration from a YAML file
// (with environment variable overrides), mirroring the nested
// mapstructure-tagged viper setup the rest of the client stack uses.
package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/playola-fm/spin-engine/internal/platform"
)

// Config is the engine's full runtime configuration.
type Config struct {
	Debug bool `mapstructure:"debug"`

	API struct {
		BaseURL   string `mapstructure:"base_url"`
		RateLimit struct {
			RequestsPerSecond int `mapstructure:"requests_per_second"`
			BurstSize         int `mapstructure:"burst_size"`
		} `mapstructure:"rate_limit"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		Retries        int    `mapstructure:"retries"`
		UserAgent      string `mapstructure:"user_agent"`
	} `mapstructure:"api"`

	Schedule struct {
		RefreshIntervalSeconds int `mapstructure:"refresh_interval_seconds"`
		LookaheadSeconds       int `mapstructure:"lookahead_seconds"`
	} `mapstructure:"schedule"`

	Storage struct {
		DatabasePath    string `mapstructure:"database_path"`
		CacheDir        string `mapstructure:"cache_dir"`
		MaxCacheBytes   int64  `mapstructure:"max_cache_bytes"`
		EnableWAL       bool   `mapstructure:"enable_wal"`
	} `mapstructure:"storage"`

	Audio struct {
		SampleRate   int `mapstructure:"sample_rate"`
		BufferSize   int `mapstructure:"buffer_size"`
		VoicePoolCap int `mapstructure:"voice_pool_idle_cap"`
	} `mapstructure:"audio"`

	Download struct {
		MaxConcurrent int    `mapstructure:"max_concurrent"`
		ChunkBytes    int    `mapstructure:"chunk_bytes"`
		TempDir       string `mapstructure:"temp_dir"`
	} `mapstructure:"download"`

	Telemetry struct {
		Enabled          bool   `mapstructure:"enabled"`
		IntervalSeconds  int    `mapstructure:"interval_seconds"`
		BasicAuthUser    string `mapstructure:"basic_auth_user"`
		BasicAuthPass    string `mapstructure:"basic_auth_pass"`
	} `mapstructure:"telemetry"`

	Device struct {
		VendorID string `mapstructure:"vendor_id"`
	} `mapstructure:"device"`

	ErrorReporting struct {
		Level       string `mapstructure:"level"`
		ConsoleSink bool   `mapstructure:"console_sink"`
	} `mapstructure:"error_reporting"`
}

// Load reads config.yaml from configPath (or the platform config dir /
// ./configs / "." when empty), applies SPIN_-prefixed environment overrides,
// and fills in platform-appropriate defaults for anything unset.
func Load(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		configDir, err := platform.GetConfigDir()
		if err != nil {
			return nil, err
		}
		viper.AddConfigPath(configDir)
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("SPIN")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := ensureDirectories(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("debug", false)

	viper.SetDefault("api.base_url", "https://admin-api.playola.fm")
	viper.SetDefault("api.rate_limit.requests_per_second", 20)
	viper.SetDefault("api.rate_limit.burst_size", 5)
	viper.SetDefault("api.timeout_seconds", 30)
	viper.SetDefault("api.retries", 3)
	viper.SetDefault("api.user_agent", "spin-engine/1.0")

	viper.SetDefault("schedule.refresh_interval_seconds", 30)
	viper.SetDefault("schedule.lookahead_seconds", 360)

	dataDir, _ := platform.GetDataDir()
	audioDir, _ := platform.AudioFilesDir()

	viper.SetDefault("storage.database_path", filepath.Join(dataDir, "spin-engine.db"))
	viper.SetDefault("storage.cache_dir", audioDir)
	viper.SetDefault("storage.max_cache_bytes", 50*1024*1024)
	viper.SetDefault("storage.enable_wal", true)

	viper.SetDefault("audio.sample_rate", 44100)
	viper.SetDefault("audio.buffer_size", 4096)
	viper.SetDefault("audio.voice_pool_idle_cap", 8)

	viper.SetDefault("download.max_concurrent", 4)
	viper.SetDefault("download.chunk_bytes", 256*1024)
	viper.SetDefault("download.temp_dir", filepath.Join(audioDir, "tmp"))

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.interval_seconds", 10)

	viper.SetDefault("error_reporting.level", "Warning")
	viper.SetDefault("error_reporting.console_sink", true)
}

func ensureDirectories(cfg *Config) error {
	dirs := []string{
		filepath.Dir(cfg.Storage.DatabasePath),
		cfg.Storage.CacheDir,
		cfg.Download.TempDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	return nil
}

// Save persists the current viper state back to config.yaml in the
// platform config directory.
func (c *Config) Save() error {
	configDir, err := platform.GetConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return err
	}

	configFile := filepath.Join(configDir, "config.yaml")
	return viper.WriteConfigAs(configFile)
}
