package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "MIRRORBOT"
	defaultHTTPAddress        = "127.0.0.1:8090"
	defaultDatabasePath       = "mirrorbot.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultPollTimeoutSeconds = 25
	defaultAdminTokenTTL      = 60 * time.Minute
	defaultFlushDelay         = 2 * time.Second
	defaultFallbackDelay      = 5 * time.Second
	defaultPollInterval       = 30 * time.Second
	defaultRecentLimit        = 100
	defaultPlaceholder        = "хз"
	defaultUnknownSymbol      = "✡"
)

// legacyEnv lists environment names accepted alongside the prefixed ones.
var legacyEnv = map[string]string{
	"telegram.bot_token":     "API_TOKEN",
	"channels.first":         "CHANNEL1",
	"channels.second":        "CHANNEL2",
	"reactions.recent_limit": "MESSAGE_CHECK_FOR_REACTIONS_LIMIT",
}

// AppConfig captures runtime configuration for the mirror service.
type AppConfig struct {
	BotToken           string
	PollTimeoutSeconds int
	FirstChannel       int64
	SecondChannel      int64
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	HTTPAddress        string
	AdminSigningSecret string
	AdminTokenTTL      time.Duration
	FlushDelay         time.Duration
	FallbackDelay      time.Duration
	PollInterval       time.Duration
	RecentLimit        int
	Placeholder        string
	UnknownSymbol      string
	CustomEmoji        map[string]string
}

// AdminEnabled reports whether the admin HTTP API should be served.
func (c AppConfig) AdminEnabled() bool {
	return strings.TrimSpace(c.HTTPAddress) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	for key, legacyName := range legacyEnv {
		prefixed := envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = configViper.BindEnv(key, prefixed, legacyName)
	}

	configViper.SetDefault("telegram.poll_timeout_seconds", defaultPollTimeoutSeconds)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("admin.token_ttl_minutes", int(defaultAdminTokenTTL/time.Minute))
	configViper.SetDefault("mediagroup.flush_delay", defaultFlushDelay)
	configViper.SetDefault("mediagroup.fallback_delay", defaultFallbackDelay)
	configViper.SetDefault("reactions.poll_interval", defaultPollInterval)
	configViper.SetDefault("reactions.recent_limit", defaultRecentLimit)
	configViper.SetDefault("reactions.placeholder", defaultPlaceholder)
	configViper.SetDefault("reactions.unknown_symbol", defaultUnknownSymbol)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		BotToken:           strings.TrimSpace(configViper.GetString("telegram.bot_token")),
		PollTimeoutSeconds: configViper.GetInt("telegram.poll_timeout_seconds"),
		FirstChannel:       configViper.GetInt64("channels.first"),
		SecondChannel:      configViper.GetInt64("channels.second"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		HTTPAddress:        configViper.GetString("http.address"),
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
		FlushDelay:         configViper.GetDuration("mediagroup.flush_delay"),
		FallbackDelay:      configViper.GetDuration("mediagroup.fallback_delay"),
		PollInterval:       configViper.GetDuration("reactions.poll_interval"),
		RecentLimit:        configViper.GetInt("reactions.recent_limit"),
		Placeholder:        configViper.GetString("reactions.placeholder"),
		UnknownSymbol:      configViper.GetString("reactions.unknown_symbol"),
		CustomEmoji:        configViper.GetStringMapString("reactions.custom_emoji"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadAdmin parses only the settings needed to mint admin tokens.
func LoadAdmin(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		AdminSigningSecret: configViper.GetString("admin.signing_secret"),
		AdminTokenTTL:      time.Duration(configViper.GetInt("admin.token_ttl_minutes")) * time.Minute,
	}
	if strings.TrimSpace(cfg.AdminSigningSecret) == "" {
		return AppConfig{}, fmt.Errorf("admin.signing_secret is required")
	}
	if cfg.AdminTokenTTL <= 0 {
		return AppConfig{}, fmt.Errorf("admin.token_ttl_minutes must be positive")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.FirstChannel == 0 || c.SecondChannel == 0 {
		return fmt.Errorf("channels.first and channels.second are required")
	}
	if c.FirstChannel == c.SecondChannel {
		return fmt.Errorf("channels.first and channels.second must differ")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.PollTimeoutSeconds < 0 {
		return fmt.Errorf("telegram.poll_timeout_seconds must not be negative")
	}
	if c.FlushDelay <= 0 {
		return fmt.Errorf("mediagroup.flush_delay must be positive")
	}
	if c.FallbackDelay <= c.FlushDelay {
		return fmt.Errorf("mediagroup.fallback_delay must be greater than mediagroup.flush_delay")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("reactions.poll_interval must be positive")
	}
	if c.RecentLimit <= 0 {
		return fmt.Errorf("reactions.recent_limit must be positive")
	}
	if c.AdminEnabled() {
		if strings.TrimSpace(c.AdminSigningSecret) == "" {
			return fmt.Errorf("admin.signing_secret is required when http.address is set")
		}
		if c.AdminTokenTTL <= 0 {
			return fmt.Errorf("admin.token_ttl_minutes must be positive")
		}
	}
	return nil
}
