// Package config loads agent configuration from a YAML file, environment
// variables, and built-in defaults, using viper the way netpulse does.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option recognized by the core, per spec.md §6.
type Config struct {
	ProcRoot           string        `mapstructure:"proc_root"`
	ContainerEndpoint  string        `mapstructure:"container_endpoint"`
	TLSVerify          bool          `mapstructure:"tls_verify"`
	CertPath           string        `mapstructure:"cert_path"`
	PlatformAPIKey     string        `mapstructure:"platform_api_key"`
	PlatformBaseURL    string        `mapstructure:"platform_base_url"`
	IncludeUDP         bool          `mapstructure:"include_udp"`
	IncludeSystemUDP   bool          `mapstructure:"include_system_udp"`
	CacheTimeoutMs     int           `mapstructure:"cache_timeout_ms"`
	DisableCache       bool          `mapstructure:"disable_cache"`
	ListenPort         int           `mapstructure:"listen_port"`
	SelfContainerName  string        `mapstructure:"self_container_name"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	LogLevel           string        `mapstructure:"log_level"`
	InspectConcurrency int           `mapstructure:"inspect_concurrency"`
}

// DefaultConfig returns configuration with sensible defaults, mirroring
// spec.md §6's documented default of 60000ms for cacheTimeoutMs.
func DefaultConfig() *Config {
	return &Config{
		ProcRoot:           "",
		ContainerEndpoint:  "",
		TLSVerify:          false,
		CertPath:           "",
		PlatformAPIKey:     "",
		IncludeUDP:         false,
		IncludeSystemUDP:   false,
		CacheTimeoutMs:     60000,
		DisableCache:       false,
		ListenPort:         8124,
		SelfContainerName:  "portracker",
		PollInterval:       30 * time.Second,
		LogLevel:           "info",
		InspectConcurrency: 16,
	}
}

// Load reads configuration from an optional YAML file at path, environment
// variables prefixed PORTRACKER_, and falls back to DefaultConfig for
// anything unset.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("portracker")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/portracker")
	}

	v.SetEnvPrefix("PORTRACKER")
	v.AutomaticEnv()

	v.SetDefault("proc_root", cfg.ProcRoot)
	v.SetDefault("container_endpoint", cfg.ContainerEndpoint)
	v.SetDefault("tls_verify", cfg.TLSVerify)
	v.SetDefault("cert_path", cfg.CertPath)
	v.SetDefault("platform_api_key", cfg.PlatformAPIKey)
	v.SetDefault("platform_base_url", cfg.PlatformBaseURL)
	v.SetDefault("include_udp", cfg.IncludeUDP)
	v.SetDefault("include_system_udp", cfg.IncludeSystemUDP)
	v.SetDefault("cache_timeout_ms", cfg.CacheTimeoutMs)
	v.SetDefault("disable_cache", cfg.DisableCache)
	v.SetDefault("listen_port", cfg.ListenPort)
	v.SetDefault("self_container_name", cfg.SelfContainerName)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("inspect_concurrency", cfg.InspectConcurrency)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, nil
}

// CacheTimeout returns CacheTimeoutMs as a time.Duration.
func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutMs) * time.Millisecond
}
