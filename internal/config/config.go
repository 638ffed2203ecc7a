package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env      string `mapstructure:"FRK_ENV"`
	HTTPAddr string `mapstructure:"FRK_HTTP_ADDR"`

	Frame    FrameConfig    `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	Rewards  RewardConfig   `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`
}

type FrameConfig struct {
	// Origin the wallet UI is served from; the only origin allowed on /v1/ui.
	WalletOrigin string `mapstructure:"FRK_WALLET_ORIGIN"`
	// Partner origins allowed to open a frame connection; "*" allows any.
	AllowedOrigins []string `mapstructure:"FRK_ALLOWED_ORIGINS"`
	// Per-request timeout on outbound frame calls. Zero disables it; the
	// protocol itself imposes none.
	RPCTimeout time.Duration `mapstructure:"FRK_RPC_TIMEOUT"`
	// Payload size above which responses are gzip-compressed on the wire.
	CompressionThreshold int `mapstructure:"FRK_COMPRESSION_THRESHOLD"`
}

type CacheConfig struct {
	RedisAddr string `mapstructure:"FRK_REDIS_ADDR"`
	// Upper bound on cached interaction session entries; the window's own
	// end always wins when shorter.
	SessionTTL time.Duration `mapstructure:"FRK_SESSION_CACHE_TTL"`
}

type RewardConfig struct {
	// Default displayed reward estimate in EUR when a product has no
	// configured table entry. Zero disables the estimate.
	DefaultEurReward float64 `mapstructure:"FRK_DEFAULT_EUR_REWARD"`
	// Endpoint receiving fire-and-forget wallet status backups; empty
	// disables the push.
	BackupURL string `mapstructure:"FRK_BACKUP_URL"`
}

type SecurityConfig struct {
	RateLimitRPM       int      `mapstructure:"FRK_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string `mapstructure:"FRK_CORS_ALLOWED_ORIGINS"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if !filepath.IsAbs(path) {
			if resolved, err := filepath.Abs(path); err == nil {
				abs = resolved
			}
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // ignore errors; env vars already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	viper.SetConfigType("env")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("FRK_ENV", "dev")
	viper.SetDefault("FRK_HTTP_ADDR", ":8080")
	viper.SetDefault("FRK_WALLET_ORIGIN", "http://localhost:3000")
	viper.SetDefault("FRK_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	viper.SetDefault("FRK_RPC_TIMEOUT", "0s")
	viper.SetDefault("FRK_COMPRESSION_THRESHOLD", 1024)
	viper.SetDefault("FRK_REDIS_ADDR", "127.0.0.1:6379")
	viper.SetDefault("FRK_SESSION_CACHE_TTL", "10m")
	viper.SetDefault("FRK_DEFAULT_EUR_REWARD", 0.0)
	viper.SetDefault("FRK_BACKUP_URL", "")
	viper.SetDefault("FRK_RATE_LIMIT_RPM", 120)
	viper.SetDefault("FRK_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")

	// Handle array parsing for comma-separated values
	if origins := viper.GetString("FRK_ALLOWED_ORIGINS"); origins != "" {
		viper.Set("FRK_ALLOWED_ORIGINS", strings.Split(origins, ","))
	}
	if origins := viper.GetString("FRK_CORS_ALLOWED_ORIGINS"); origins != "" {
		viper.Set("FRK_CORS_ALLOWED_ORIGINS", strings.Split(origins, ","))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Frame.WalletOrigin = strings.TrimRight(strings.TrimSpace(c.Frame.WalletOrigin), "/")
	for i, origin := range c.Frame.AllowedOrigins {
		c.Frame.AllowedOrigins[i] = strings.TrimRight(strings.TrimSpace(origin), "/")
	}
	for i, origin := range c.Security.CORSAllowedOrigins {
		c.Security.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
	}
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid FRK_ENV %q (must be dev or prod)", c.Env)
	}
	if c.Frame.WalletOrigin == "" {
		return fmt.Errorf("FRK_WALLET_ORIGIN is required")
	}
	if _, err := url.Parse(c.Frame.WalletOrigin); err != nil {
		return fmt.Errorf("invalid FRK_WALLET_ORIGIN: %w", err)
	}
	if len(c.Frame.AllowedOrigins) == 0 {
		return fmt.Errorf("FRK_ALLOWED_ORIGINS is required")
	}
	for _, origin := range c.Frame.AllowedOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid origin in FRK_ALLOWED_ORIGINS: %q", origin)
		}
	}
	if c.Frame.RPCTimeout < 0 {
		return fmt.Errorf("FRK_RPC_TIMEOUT must not be negative")
	}
	if c.Cache.SessionTTL <= 0 {
		return fmt.Errorf("FRK_SESSION_CACHE_TTL must be positive")
	}
	if c.Security.RateLimitRPM <= 0 {
		return fmt.Errorf("FRK_RATE_LIMIT_RPM must be positive")
	}
	if c.Rewards.BackupURL != "" {
		u, err := url.Parse(c.Rewards.BackupURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid FRK_BACKUP_URL: %q", c.Rewards.BackupURL)
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
