// Package config loads service configuration from defaults, an optional
// config file, and REBALANCER_-prefixed environment variables, in that
// order of increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type ProviderConfig struct {
	BaseURL       string
	HistoricalURL string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	SpotCacheTTL  time.Duration
	HistoryTTL    time.Duration
}

type RebalanceConfig struct {
	FeeRate     float64
	DefaultTopN int
}

type Config struct {
	Server    ServerConfig
	Provider  ProviderConfig
	Rebalance RebalanceConfig
	LogLevel  string
}

// Load reads configuration. path names a config file to require; empty
// means defaults plus environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", "15s")
	v.SetDefault("server.writeTimeout", "60s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.allowedOrigins", []string{"*"})

	v.SetDefault("provider.baseURL", "https://api.coingecko.com/api/v3")
	v.SetDefault("provider.historicalURL", "https://stcrypto9rc2a6.blob.core.windows.net/historical-data")
	v.SetDefault("provider.timeout", "15s")
	v.SetDefault("provider.maxRetries", 3)
	v.SetDefault("provider.maxConcurrent", 5)
	v.SetDefault("provider.spotCacheTTL", "5m")
	v.SetDefault("provider.historyTTL", "1h")

	v.SetDefault("rebalance.feeRate", 0.005)
	v.SetDefault("rebalance.defaultTopN", 15)

	v.SetDefault("logLevel", "info")

	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(stringsReplacer())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetDuration("server.readTimeout"),
			WriteTimeout:    v.GetDuration("server.writeTimeout"),
			ShutdownTimeout: v.GetDuration("server.shutdownTimeout"),
			AllowedOrigins:  v.GetStringSlice("server.allowedOrigins"),
		},
		Provider: ProviderConfig{
			BaseURL:       v.GetString("provider.baseURL"),
			HistoricalURL: v.GetString("provider.historicalURL"),
			Timeout:       v.GetDuration("provider.timeout"),
			MaxRetries:    v.GetInt("provider.maxRetries"),
			MaxConcurrent: v.GetInt("provider.maxConcurrent"),
			SpotCacheTTL:  v.GetDuration("provider.spotCacheTTL"),
			HistoryTTL:    v.GetDuration("provider.historyTTL"),
		},
		Rebalance: RebalanceConfig{
			FeeRate:     v.GetFloat64("rebalance.feeRate"),
			DefaultTopN: v.GetInt("rebalance.defaultTopN"),
		},
		LogLevel: v.GetString("logLevel"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Provider.MaxRetries < 1 {
		return fmt.Errorf("provider.maxRetries must be at least 1, got %d", c.Provider.MaxRetries)
	}
	if c.Provider.MaxConcurrent < 1 {
		return fmt.Errorf("provider.maxConcurrent must be at least 1, got %d", c.Provider.MaxConcurrent)
	}
	if c.Rebalance.FeeRate < 0 {
		return fmt.Errorf("rebalance.feeRate must not be negative, got %v", c.Rebalance.FeeRate)
	}
	if c.Rebalance.DefaultTopN < 1 {
		return fmt.Errorf("rebalance.defaultTopN must be at least 1, got %d", c.Rebalance.DefaultTopN)
	}
	return nil
}

// stringsReplacer maps nested keys to env var segments, so
// REBALANCER_SERVER_PORT overrides server.port.
func stringsReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}
