// Package config loads tsync settings from ~/.config/tsync/config.toml and
// TSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "config"
	configType = "toml"
	configDir  = "tsync"
	envPrefix  = "TSYNC"

	BackendTOML   = "toml"
	BackendPass   = "pass"
	BackendChain  = "chain"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type Config struct {
	BaseURL        string
	PushURL        string
	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	RefreshSkew    time.Duration
	Verbose        bool
	Tokens         Tokens
	Realtime       Realtime
	Cache          Cache
}

type Tokens struct {
	Backend       string
	Path          string
	PassPrefix    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

type Realtime struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	PollInterval time.Duration
	DialTimeout  time.Duration
}

type Cache struct {
	DefaultStaleAfter time.Duration
	StaleAfter        map[string]time.Duration
}

// Dir is where the config file and the default token file live.
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", configDir), nil
}

// Load reads the config file if present, then applies environment
// overrides. TSYNC_CONFIG names an explicit file.
func Load(cfg *viper.Viper) (Config, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	dir, err := Dir()
	if err != nil {
		return Config{}, err
	}

	setDefaults(cfg, dir)
	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if explicit := os.Getenv(envPrefix + "_CONFIG"); explicit != "" {
		cfg.SetConfigFile(explicit)
	} else {
		cfg.SetConfigName(configName)
		cfg.SetConfigType(configType)
		cfg.AddConfigPath(dir)
	}

	if err := cfg.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	staleAfter, err := durationMap(cfg.GetStringMapString("cache.stale_after"))
	if err != nil {
		return Config{}, err
	}

	out := Config{
		BaseURL:        cfg.GetString("base_url"),
		PushURL:        cfg.GetString("push_url"),
		RequestTimeout: cfg.GetDuration("request_timeout"),
		RefreshTimeout: cfg.GetDuration("refresh_timeout"),
		RefreshSkew:    cfg.GetDuration("refresh_skew"),
		Verbose:        cfg.GetBool("verbose"),
		Tokens: Tokens{
			Backend:       strings.ToLower(strings.TrimSpace(cfg.GetString("tokens.backend"))),
			Path:          cfg.GetString("tokens.path"),
			PassPrefix:    cfg.GetString("tokens.pass_prefix"),
			RedisAddr:     cfg.GetString("tokens.redis_addr"),
			RedisPassword: cfg.GetString("tokens.redis_password"),
			RedisDB:       cfg.GetInt("tokens.redis_db"),
			RedisPrefix:   cfg.GetString("tokens.redis_prefix"),
		},
		Realtime: Realtime{
			BaseDelay:    cfg.GetDuration("realtime.base_delay"),
			MaxDelay:     cfg.GetDuration("realtime.max_delay"),
			MaxAttempts:  cfg.GetInt("realtime.max_attempts"),
			PollInterval: cfg.GetDuration("realtime.poll_interval"),
			DialTimeout:  cfg.GetDuration("realtime.dial_timeout"),
		},
		Cache: Cache{
			DefaultStaleAfter: cfg.GetDuration("cache.default_stale_after"),
			StaleAfter:        staleAfter,
		},
	}

	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

func setDefaults(cfg *viper.Viper, dir string) {
	cfg.SetDefault("base_url", "http://localhost:5000/")
	cfg.SetDefault("push_url", "ws://localhost:5000/ws")
	cfg.SetDefault("request_timeout", 30*time.Second)
	cfg.SetDefault("refresh_timeout", 15*time.Second)
	cfg.SetDefault("refresh_skew", 30*time.Second)
	cfg.SetDefault("verbose", false)

	cfg.SetDefault("tokens.backend", BackendTOML)
	cfg.SetDefault("tokens.path", filepath.Join(dir, "tokens.toml"))
	cfg.SetDefault("tokens.pass_prefix", "tsync")
	cfg.SetDefault("tokens.redis_addr", "localhost:6379")
	cfg.SetDefault("tokens.redis_db", 0)
	cfg.SetDefault("tokens.redis_prefix", "tsync:")

	cfg.SetDefault("realtime.base_delay", 500*time.Millisecond)
	cfg.SetDefault("realtime.max_delay", 30*time.Second)
	cfg.SetDefault("realtime.max_attempts", 10)
	cfg.SetDefault("realtime.poll_interval", 30*time.Second)
	cfg.SetDefault("realtime.dial_timeout", 10*time.Second)

	cfg.SetDefault("cache.default_stale_after", 5*time.Minute)
	cfg.SetDefault("cache.stale_after", map[string]string{
		"notifications": "30s",
		"tasks":         "1m",
		"task":          "1m",
		"comments":      "1m",
	})
}

func (c Config) Validate() error {
	if err := validateURL("base_url", c.BaseURL, "http", "https"); err != nil {
		return err
	}
	if c.PushURL != "" {
		if err := validateURL("push_url", c.PushURL, "ws", "wss", "http", "https"); err != nil {
			return err
		}
	}

	switch c.Tokens.Backend {
	case BackendTOML, BackendChain:
		if strings.TrimSpace(c.Tokens.Path) == "" {
			return errors.New("tokens.path is empty")
		}
	case BackendPass, BackendMemory:
	case BackendRedis:
		if strings.TrimSpace(c.Tokens.RedisAddr) == "" {
			return errors.New("tokens.redis_addr is empty")
		}
	default:
		return fmt.Errorf("unsupported tokens.backend %q", c.Tokens.Backend)
	}

	if c.Realtime.MaxAttempts < 0 {
		return fmt.Errorf("realtime.max_attempts must not be negative, got %d", c.Realtime.MaxAttempts)
	}
	return nil
}

func validateURL(name string, raw string, schemes ...string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	for _, scheme := range schemes {
		if parsed.Scheme == scheme {
			if parsed.Host == "" {
				return fmt.Errorf("%s host is required", name)
			}
			return nil
		}
	}
	return fmt.Errorf("%s must use one of %s", name, strings.Join(schemes, ", "))
}

func durationMap(raw map[string]string) (map[string]time.Duration, error) {
	out := make(map[string]time.Duration, len(raw))
	for resource, value := range raw {
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("parse cache.stale_after.%s: %w", resource, err)
		}
		out[resource] = d
	}
	return out, nil
}
