package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Plaza/internal/app/ratelimit"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PLAZA_PORT or
// PLAZA_RATE_LIMIT_MAX_MESSAGES.
const EnvPrefix = "PLAZA"

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	Secret     string        `mapstructure:"secret"`

	// DevMode admits dev- tokens and lets guests use recording and
	// proximity. Never enable it in production.
	DevMode        bool     `mapstructure:"dev_mode"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	APIBaseURL      string        `mapstructure:"api_base_url" validate:"omitempty,url"`
	APIKey          string        `mapstructure:"api_key"`
	AlertWebhookURL string        `mapstructure:"alert_webhook_url" validate:"omitempty,url"`
	DBPath          string        `mapstructure:"db_path" validate:"required"`
	AuthSecret      string        `mapstructure:"auth_secret"`
	ExternalTimeout time.Duration `mapstructure:"external_timeout" validate:"min=1ms"`
	MaxRoomSize     int           `mapstructure:"max_room_size" validate:"min=1"`

	RateLimit ratelimit.Config `mapstructure:"rate_limit"`

	OTelEndpoint string  `mapstructure:"otel_endpoint"`
	ConnectRate  float64 `mapstructure:"connect_rate" validate:"gt=0"`
	ConnectBurst int     `mapstructure:"connect_burst" validate:"min=1"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "")

	v.SetDefault("dev_mode", false)
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("api_base_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("alert_webhook_url", "")
	v.SetDefault("db_path", "plaza.db")
	v.SetDefault("auth_secret", "")
	v.SetDefault("external_timeout", "5s")
	v.SetDefault("max_room_size", 200)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("rate_limit.max_messages", rl.MaxMessages)
	v.SetDefault("rate_limit.window", rl.Window)
	v.SetDefault("rate_limit.max_duplicates", rl.MaxDuplicates)
	v.SetDefault("rate_limit.max_length", rl.MaxLength)

	v.SetDefault("otel_endpoint", "")
	v.SetDefault("connect_rate", 2.0)
	v.SetDefault("connect_burst", 10)
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of
// the defaults; PLAZA_* variables override both.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.DevMode && cfg.Mode == "release" {
		log.Warn().Str("module", "config").Msg("dev_mode is on in release mode")
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("static", cfg.StaticPath).Bool("dev", cfg.DevMode).Msg("config ready")
	return &cfg, nil
}
