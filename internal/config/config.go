package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	RealtimeEnabled     bool          `mapstructure:"REALTIME_ENABLED"`
	PollInterval        time.Duration `mapstructure:"POLL_INTERVAL"`
	ConfirmationTimeout time.Duration `mapstructure:"CONFIRMATION_TIMEOUT"`
	SweepInterval       time.Duration `mapstructure:"SWEEP_INTERVAL"`
	MQTTBrokerURL       string        `mapstructure:"MQTT_BROKER_URL"`
	MQTTClientID        string        `mapstructure:"MQTT_CLIENT_ID"`
	FCMCredentialsFile  string        `mapstructure:"FCM_CREDENTIALS_FILE"`
	FCMCredentialsB64   string        `mapstructure:"FCM_CREDENTIALS_BASE64"`
	PredictionAPIURL    string        `mapstructure:"PREDICTION_API_URL"`
	AssistantAPIURL     string        `mapstructure:"ASSISTANT_API_URL"`
	AssistantAPIKey     string        `mapstructure:"ASSISTANT_API_KEY"`
	AssistantModel      string        `mapstructure:"ASSISTANT_MODEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REALTIME_ENABLED", true)
	v.SetDefault("POLL_INTERVAL", "5s")
	v.SetDefault("CONFIRMATION_TIMEOUT", "5m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("MQTT_CLIENT_ID", "resqlink-server")
	v.SetDefault("ASSISTANT_MODEL", "gpt-4o-mini")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("REALTIME_ENABLED")
	v.BindEnv("POLL_INTERVAL")
	v.BindEnv("CONFIRMATION_TIMEOUT")
	v.BindEnv("SWEEP_INTERVAL")
	v.BindEnv("MQTT_BROKER_URL")
	v.BindEnv("MQTT_CLIENT_ID")
	v.BindEnv("FCM_CREDENTIALS_FILE")
	v.BindEnv("FCM_CREDENTIALS_BASE64")
	v.BindEnv("PREDICTION_API_URL")
	v.BindEnv("ASSISTANT_API_URL")
	v.BindEnv("ASSISTANT_API_KEY")
	v.BindEnv("ASSISTANT_MODEL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; roles come from X-Dev-Role.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a token verification source (signing key, JWKS URL or issuer) is required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"one of AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER must be set when ENV=%q", c.Env)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("CONFIRMATION_TIMEOUT must be positive, got %s", c.ConfirmationTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.SweepInterval > c.ConfirmationTimeout {
		return fmt.Errorf("SWEEP_INTERVAL (%s) must not exceed CONFIRMATION_TIMEOUT (%s)", c.SweepInterval, c.ConfirmationTimeout)
	}
	if c.FCMCredentialsFile != "" && c.FCMCredentialsB64 != "" {
		return fmt.Errorf("set only one of FCM_CREDENTIALS_FILE and FCM_CREDENTIALS_BASE64")
	}
	return nil
}

// PushEnabled reports whether push notification credentials are configured.
func (c *Config) PushEnabled() bool {
	return c.FCMCredentialsFile != "" || c.FCMCredentialsB64 != ""
}
