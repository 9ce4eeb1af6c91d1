// Package config provides Viper-based configuration loading for the ladder bot.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the battle simulator stream settings.
type ServerConfig struct {
	// URL is the ws:// or wss:// simulator endpoint.
	URL string `mapstructure:"url"`
	// DialTimeout bounds the WebSocket handshake.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ReadLimit is the largest frame accepted, in bytes.
	ReadLimit int64 `mapstructure:"read_limit"`
}

// AuthConfig holds the login service settings.
type AuthConfig struct {
	// URL is the action endpoint that signs challenges.
	URL string `mapstructure:"url"`
	// Username is the ladder account name.
	Username string `mapstructure:"username"`
	// Password is the ladder account password.
	Password string `mapstructure:"password"`
	// Timeout bounds one login request.
	Timeout time.Duration `mapstructure:"timeout"`
}

// MatchmakingConfig selects what the bot searches for.
type MatchmakingConfig struct {
	// Format is the ladder format id, e.g. "gen71v1".
	Format string `mapstructure:"format"`
	// Team is the id of a team in TeamsDir.
	Team string `mapstructure:"team"`
	// TeamsDir is the directory holding team YAML files.
	TeamsDir string `mapstructure:"teams_dir"`
}

// PoolConfig holds session scheduling settings.
type PoolConfig struct {
	// MaxParallel is the number of battles kept running.
	MaxParallel int `mapstructure:"max_parallel"`
	// RetryInitial is the first wait after a provisioning failure; zero retries immediately.
	RetryInitial time.Duration `mapstructure:"retry_initial"`
	// RetryMax caps the provisioning retry wait.
	RetryMax time.Duration `mapstructure:"retry_max"`
}

// Handler kinds.
const (
	HandlerDefault = "default"
	HandlerLua     = "lua"
	HandlerAdvisor = "advisor"
)

// HandlerConfig selects and configures the battle decision handler.
type HandlerConfig struct {
	// Kind is one of "default", "lua" or "advisor".
	Kind string `mapstructure:"kind"`
	// Script is the Lua script path for the "lua" kind.
	Script string `mapstructure:"script"`
	// InstructionLimit caps Lua instructions per message; 0 uses the scripting default.
	InstructionLimit int `mapstructure:"instruction_limit"`
	// Model is the model name for the "advisor" kind.
	Model string `mapstructure:"model"`
	// MaxTokens caps each advisor completion.
	MaxTokens int64 `mapstructure:"max_tokens"`
	// APIKey authenticates advisor requests. Empty falls back to ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	Host string `mapstructure:"host"`
	// Port is the TCP port; 0 disables the endpoint.
	Port int `mapstructure:"port"`
}

// Enabled reports whether the health endpoint should be served.
func (h HealthConfig) Enabled() bool {
	return h.Port != 0
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Matchmaking MatchmakingConfig `mapstructure:"matchmaking"`
	Pool        PoolConfig        `mapstructure:"pool"`
	Handler     HandlerConfig     `mapstructure:"handler"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Health      HealthConfig      `mapstructure:"health"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateServer(c.Server) },
		func() error { return validateAuth(c.Auth) },
		func() error { return validateMatchmaking(c.Matchmaking) },
		func() error { return validatePool(c.Pool) },
		func() error { return validateHandler(c.Handler) },
		func() error { return validateLogging(c.Logging) },
		func() error { return validateHealth(c.Health) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if err := validateURL("server.url", s.URL, "ws", "wss"); err != nil {
		errs = append(errs, err.Error())
	}
	if s.DialTimeout < 0 {
		errs = append(errs, "server.dial_timeout must not be negative")
	}
	if s.ReadLimit < 0 {
		errs = append(errs, fmt.Sprintf("server.read_limit must be >= 0, got %d", s.ReadLimit))
	}
	return joinErrs(errs)
}

func validateAuth(a AuthConfig) error {
	var errs []string
	if err := validateURL("auth.url", a.URL, "http", "https"); err != nil {
		errs = append(errs, err.Error())
	}
	if strings.TrimSpace(a.Username) == "" {
		errs = append(errs, "auth.username must not be empty")
	}
	if a.Timeout < 0 {
		errs = append(errs, "auth.timeout must not be negative")
	}
	return joinErrs(errs)
}

func validateMatchmaking(m MatchmakingConfig) error {
	var errs []string
	if m.Format == "" {
		errs = append(errs, "matchmaking.format must not be empty")
	}
	if m.Team == "" {
		errs = append(errs, "matchmaking.team must not be empty")
	}
	if m.TeamsDir == "" {
		errs = append(errs, "matchmaking.teams_dir must not be empty")
	}
	return joinErrs(errs)
}

func validatePool(p PoolConfig) error {
	var errs []string
	if p.MaxParallel < 1 {
		errs = append(errs, fmt.Sprintf("pool.max_parallel must be >= 1, got %d", p.MaxParallel))
	}
	if p.RetryInitial < 0 {
		errs = append(errs, "pool.retry_initial must not be negative")
	}
	if p.RetryMax < 0 {
		errs = append(errs, "pool.retry_max must not be negative")
	}
	if p.RetryMax > 0 && p.RetryInitial > p.RetryMax {
		errs = append(errs, "pool.retry_initial must not exceed pool.retry_max")
	}
	return joinErrs(errs)
}

func validateHandler(h HandlerConfig) error {
	var errs []string
	switch h.Kind {
	case HandlerDefault:
	case HandlerLua:
		if h.Script == "" {
			errs = append(errs, "handler.script must not be empty for kind lua")
		}
	case HandlerAdvisor:
		if h.Model == "" {
			errs = append(errs, "handler.model must not be empty for kind advisor")
		}
		if h.MaxTokens < 1 {
			errs = append(errs, fmt.Sprintf("handler.max_tokens must be >= 1, got %d", h.MaxTokens))
		}
	default:
		errs = append(errs, fmt.Sprintf("handler.kind must be one of [default, lua, advisor], got %q", h.Kind))
	}
	if h.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("handler.instruction_limit must be >= 0, got %d", h.InstructionLimit))
	}
	return joinErrs(errs)
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if h.Port < 0 || h.Port > 65535 {
		return fmt.Errorf("health.port must be 0-65535, got %d", h.Port)
	}
	if h.Enabled() && h.Host == "" {
		return errors.New("health.host must not be empty when health.port is set")
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s must not be empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %v", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL with a host, got %q", key, strings.Join(schemes, "/"), raw)
}

func joinErrs(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LADDER_ prefix
	v.SetEnvPrefix("LADDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "ws://sim.smogon.com:8000/showdown/websocket")
	v.SetDefault("server.dial_timeout", "30s")
	v.SetDefault("server.read_limit", 1<<20)

	v.SetDefault("auth.url", "http://play.pokemonshowdown.com/action.php")
	// Declared so AutomaticEnv can override them from LADDER_AUTH_USERNAME and
	// LADDER_AUTH_PASSWORD even when the file omits them.
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.timeout", "30s")

	v.SetDefault("matchmaking.format", "gen71v1")
	v.SetDefault("matchmaking.team", "")
	v.SetDefault("matchmaking.teams_dir", "content/teams")

	v.SetDefault("pool.max_parallel", 1)
	v.SetDefault("pool.retry_initial", "1s")
	v.SetDefault("pool.retry_max", "1m")

	v.SetDefault("handler.kind", HandlerDefault)
	v.SetDefault("handler.instruction_limit", 100000)
	v.SetDefault("handler.model", "claude-sonnet-4-5")
	v.SetDefault("handler.max_tokens", 64)
	v.SetDefault("handler.api_key", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("health.host", "127.0.0.1")
	v.SetDefault("health.port", 0)
}
