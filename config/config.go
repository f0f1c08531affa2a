package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FlowType selects which OAuth flow the login controller runs.
type FlowType string

const (
	FlowCode     FlowType = "code"     // Authorization Code: response_type=code
	FlowImplicit FlowType = "implicit" // Implicit: response_type=id_token, form_post
)

// SignAlgorithm pins the ID token signing algorithm for a deployment.
type SignAlgorithm string

const (
	AlgHS256 SignAlgorithm = "HS256"
	AlgRS256 SignAlgorithm = "RS256"
)

// Config holds all configuration for the server. It is constructed
// once at startup and threaded through constructors; nothing reads
// options ambiently mid-flow.
// Tags use mapstructure for Viper unmarshalling.
type Config struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	PublicURL   string `mapstructure:"PUBLIC_URL"` // externally visible base URL of this service
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"` // empty disables the redis session cache
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogPretty   bool   `mapstructure:"LOG_PRETTY"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Identity provider settings. Domain is the bare auth domain
	// ("tenant.example.auth0.com"); issuer and endpoints derive from it.
	ProviderDomain string        `mapstructure:"PROVIDER_DOMAIN"`
	ClientID       string        `mapstructure:"CLIENT_ID"`
	ClientSecret   string        `mapstructure:"CLIENT_SECRET"`
	SignAlgorithm  SignAlgorithm `mapstructure:"SIGN_ALGORITHM"`
	Flow           FlowType      `mapstructure:"FLOW"`
	Scope          string        `mapstructure:"SCOPE"`
	Connection     string        `mapstructure:"CONNECTION"` // optional connection hint on authorize requests

	// Management API collaborator, used for the richer profile fetch in
	// the code flow. Falls back to sanitized ID token claims when unset
	// or unreachable.
	MgmtClientID     string `mapstructure:"MGMT_CLIENT_ID"`
	MgmtClientSecret string `mapstructure:"MGMT_CLIENT_SECRET"`
	MgmtAudience     string `mapstructure:"MGMT_AUDIENCE"`

	// Login behavior.
	DefaultRedirect string `mapstructure:"DEFAULT_REDIRECT"` // post-login destination fallback
	AutoLogin       bool   `mapstructure:"AUTO_LOGIN"`
	SingleLogout    bool   `mapstructure:"SINGLE_LOGOUT"`
	AllowSignup     bool   `mapstructure:"ALLOW_SIGNUP"`
	RememberSession bool   `mapstructure:"REMEMBER_SESSION"`

	// MaxAge, when positive, caps the accepted auth_time age of incoming
	// ID tokens.
	MaxAge time.Duration `mapstructure:"MAX_AGE"`

	// Email verification policy: enforced globally, except for subjects
	// whose strategy is listed in SkipEmailVerifyStrategies.
	RequireVerifiedEmail      bool     `mapstructure:"REQUIRE_VERIFIED_EMAIL"`
	SkipEmailVerifyStrategies []string `mapstructure:"SKIP_EMAIL_VERIFY_STRATEGIES"`

	// Durations.
	SessionTTL         time.Duration `mapstructure:"SESSION_TTL"`
	RememberSessionTTL time.Duration `mapstructure:"REMEMBER_SESSION_TTL"`
	StateTTL           time.Duration `mapstructure:"STATE_TTL"`
	JWKSCacheTTL       time.Duration `mapstructure:"JWKS_CACHE_TTL"`
	ProviderTimeout    time.Duration `mapstructure:"PROVIDER_TIMEOUT"`

	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`
	SecureCookies     bool   `mapstructure:"SECURE_COOKIES"`
}

// Issuer returns the expected ID token issuer, with the trailing slash
// the provider puts in the iss claim.
func (c *Config) Issuer() string {
	return fmt.Sprintf("https://%s/", c.ProviderDomain)
}

// RedirectURI returns the callback URL registered with the provider.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.PublicURL, "/") + "/auth/callback"
}

// LoadConfig reads configuration from file, environment variables, and
// defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/fedlogin/")
	v.AddConfigPath("$HOME/.fedlogin")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/fedlogin_dev")
	v.SetDefault("MONGO_DB_NAME", "fedlogin_dev")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("OTEL_SERVICE_NAME", "fedlogin-server")

	v.SetDefault("SIGN_ALGORITHM", string(AlgHS256))
	v.SetDefault("FLOW", string(FlowCode))
	v.SetDefault("SCOPE", "openid profile email")

	v.SetDefault("DEFAULT_REDIRECT", "/")
	v.SetDefault("AUTO_LOGIN", false)
	v.SetDefault("SINGLE_LOGOUT", false)
	v.SetDefault("ALLOW_SIGNUP", true)
	v.SetDefault("REMEMBER_SESSION", false)
	v.SetDefault("REQUIRE_VERIFIED_EMAIL", false)
	v.SetDefault("MAX_AGE", "0s")

	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("REMEMBER_SESSION_TTL", "336h") // 14 days
	v.SetDefault("STATE_TTL", "10m")
	v.SetDefault("JWKS_CACHE_TTL", "10m")
	v.SetDefault("PROVIDER_TIMEOUT", "10s")

	v.SetDefault("SESSION_COOKIE_NAME", "fedlogin_session")
	v.SetDefault("SECURE_COOKIES", true)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the login flow cannot run with.
func (c *Config) Validate() error {
	if c.ProviderDomain == "" {
		return fmt.Errorf("PROVIDER_DOMAIN is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("CLIENT_ID is required")
	}
	switch c.Flow {
	case FlowCode, FlowImplicit:
	default:
		return fmt.Errorf("FLOW must be %q or %q, got %q", FlowCode, FlowImplicit, c.Flow)
	}
	switch c.SignAlgorithm {
	case AlgHS256:
		if c.ClientSecret == "" {
			return fmt.Errorf("CLIENT_SECRET is required with HS256 token validation")
		}
	case AlgRS256:
	default:
		return fmt.Errorf("SIGN_ALGORITHM must be %q or %q, got %q", AlgHS256, AlgRS256, c.SignAlgorithm)
	}
	return nil
}
