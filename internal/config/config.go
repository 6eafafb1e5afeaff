package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "SITESMITH"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "sitesmith.db"
	defaultLogLevel           = "info"
	defaultCookieName         = "app_session"
	defaultSessionIssuer      = "sitesmith-auth"
	defaultModelBaseURL       = "https://openrouter.ai/api/v1"
	defaultModelName          = "mistralai/devstral-2512:free"
	defaultModelTimeout       = 3 * time.Minute
	defaultCreditCost         = 5
	defaultStartingCredits    = 20
	defaultShutdownGrace      = 30 * time.Second
	defaultPaymentAppID       = "sitesmith"
	defaultPaymentCurrency    = "usd"
	defaultPublishPrefix      = "sites"
	defaultAllowedOriginsList = "http://localhost:5173"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabaseDriver string
	DatabaseDSN    string
	LogLevel       string

	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string

	Model      ModelConfig
	Generation GenerationConfig
	Payments   PaymentsConfig
	Publish    PublishConfig
}

// ModelConfig describes the OpenAI-compatible completion endpoint.
type ModelConfig struct {
	BaseURL string
	APIKey  string
	Name    string
	Timeout time.Duration
}

// GenerationConfig tunes the background generation pipeline.
type GenerationConfig struct {
	CreditCost          int
	StartingCredits     int
	SerializePerProject bool
	ShutdownGrace       time.Duration
}

// PaymentsConfig holds Stripe credentials and checkout redirect targets.
type PaymentsConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	AppID               string
	Currency            string
	SuccessURL          string
	CancelURL           string
}

// PublishConfig configures the optional S3 mirror of published sites.
type PublishConfig struct {
	Bucket        string
	Region        string
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Prefix        string
	PublicBaseURL string
	UsePathStyle  bool
}

// Enabled reports whether the S3 mirror has a bucket configured.
func (p PublishConfig) Enabled() bool {
	return strings.TrimSpace(p.Bucket) != ""
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOriginsList)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("model.base_url", defaultModelBaseURL)
	configViper.SetDefault("model.name", defaultModelName)
	configViper.SetDefault("model.timeout", defaultModelTimeout)
	configViper.SetDefault("generation.credit_cost", defaultCreditCost)
	configViper.SetDefault("generation.starting_credits", defaultStartingCredits)
	configViper.SetDefault("generation.serialize_per_project", true)
	configViper.SetDefault("generation.shutdown_grace", defaultShutdownGrace)
	configViper.SetDefault("payments.app_id", defaultPaymentAppID)
	configViper.SetDefault("payments.currency", defaultPaymentCurrency)
	configViper.SetDefault("publish.s3.prefix", defaultPublishPrefix)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetString("http.allowed_origins")),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("session.signing_secret"),
		SessionCookieName: configViper.GetString("session.cookie_name"),
		SessionIssuer:     configViper.GetString("session.issuer"),
		Model: ModelConfig{
			BaseURL: configViper.GetString("model.base_url"),
			APIKey:  configViper.GetString("model.api_key"),
			Name:    configViper.GetString("model.name"),
			Timeout: configViper.GetDuration("model.timeout"),
		},
		Generation: GenerationConfig{
			CreditCost:          configViper.GetInt("generation.credit_cost"),
			StartingCredits:     configViper.GetInt("generation.starting_credits"),
			SerializePerProject: configViper.GetBool("generation.serialize_per_project"),
			ShutdownGrace:       configViper.GetDuration("generation.shutdown_grace"),
		},
		Payments: PaymentsConfig{
			StripeSecretKey:     configViper.GetString("payments.stripe_secret_key"),
			StripeWebhookSecret: configViper.GetString("payments.stripe_webhook_secret"),
			AppID:               configViper.GetString("payments.app_id"),
			Currency:            configViper.GetString("payments.currency"),
			SuccessURL:          configViper.GetString("payments.success_url"),
			CancelURL:           configViper.GetString("payments.cancel_url"),
		},
		Publish: PublishConfig{
			Bucket:        configViper.GetString("publish.s3.bucket"),
			Region:        configViper.GetString("publish.s3.region"),
			Endpoint:      configViper.GetString("publish.s3.endpoint"),
			AccessKey:     configViper.GetString("publish.s3.access_key"),
			SecretKey:     configViper.GetString("publish.s3.secret_key"),
			Prefix:        configViper.GetString("publish.s3.prefix"),
			PublicBaseURL: configViper.GetString("publish.s3.public_base_url"),
			UsePathStyle:  configViper.GetBool("publish.s3.use_path_style"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.Model.APIKey) == "" {
		return fmt.Errorf("model.api_key is required")
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Generation.CreditCost <= 0 {
		return fmt.Errorf("generation.credit_cost must be positive")
	}
	if c.Generation.StartingCredits < 0 {
		return fmt.Errorf("generation.starting_credits must not be negative")
	}
	if c.Publish.Enabled() {
		if strings.TrimSpace(c.Publish.Region) == "" {
			return fmt.Errorf("publish.s3.region is required when publish.s3.bucket is set")
		}
		if strings.TrimSpace(c.Publish.PublicBaseURL) == "" {
			return fmt.Errorf("publish.s3.public_base_url is required when publish.s3.bucket is set")
		}
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
