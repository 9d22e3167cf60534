package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wbld/backend/pkg/publish"
)

// BuilderConfig captures runtime settings for the build service and CLI.
type BuilderConfig struct {
	ListenAddr      string         `mapstructure:"listen_addr"`
	StorageDir      string         `mapstructure:"storage_dir"`
	RepositoryURL   string         `mapstructure:"repository_url"`
	DefaultRevision string         `mapstructure:"default_revision"`
	PioBinary       string         `mapstructure:"pio_binary"`
	Jobs            int            `mapstructure:"jobs"`
	Verbose         bool           `mapstructure:"verbose"`
	BuildTimeout    time.Duration  `mapstructure:"build_timeout"`
	BaseURL         string         `mapstructure:"base_url"`
	RedisURL        string         `mapstructure:"redis_url"`
	DatabaseURL     string         `mapstructure:"database_url"`
	APIKey          string         `mapstructure:"api_key"`
	Publish         publish.Config `mapstructure:"publish"`
	LogLevel        string         `mapstructure:"log_level"`
	LogFormat       string         `mapstructure:"log_format"`
	Tracing         bool           `mapstructure:"tracing"`
}

// LoadBuilder loads builder configuration from defaults, files, and env vars.
func LoadBuilder() (BuilderConfig, error) {
	return load(viper.New(), "./configs")
}

func load(v *viper.Viper, paths ...string) (BuilderConfig, error) {
	v.SetConfigName("config")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("WBLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("storage_dir", filepath.Join(os.TempDir(), "wbld"))
	v.SetDefault("repository_url", "https://github.com/Aircoookie/WLED.git")
	v.SetDefault("default_revision", "main")
	v.SetDefault("pio_binary", "pio")
	v.SetDefault("jobs", 2)
	v.SetDefault("verbose", false)
	v.SetDefault("build_timeout", 30*time.Minute)
	v.SetDefault("base_url", "https://wbld.app")
	v.SetDefault("redis_url", "")
	v.SetDefault("database_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("publish.addr", "")
	v.SetDefault("publish.user", "")
	v.SetDefault("publish.password", "")
	v.SetDefault("publish.key_file", "")
	v.SetDefault("publish.known_hosts_file", "")
	v.SetDefault("publish.dir", "wbld")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("tracing", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return BuilderConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg BuilderConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return BuilderConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Jobs <= 0 {
		return BuilderConfig{}, fmt.Errorf("jobs must be positive, got %d", cfg.Jobs)
	}

	return cfg, nil
}
