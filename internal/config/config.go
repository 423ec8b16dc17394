package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	Gateway GatewayConfig
	PBX     PBXConfig
	Dialer  DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// Dashboard operator credential. User storage is out of scope for this
	// service; the dashboard authenticates with a single shared credential.
	DashboardUser     string
	DashboardPassword string
}

// GatewayConfig addresses the external multi-SIM voice/SMS gateway device.
type GatewayConfig struct {
	BaseURL  string
	Username string
	Password string

	// InsecureTLS skips certificate verification. LAN devices ship
	// self-signed certificates; never enable this for public hosts.
	InsecureTLS bool

	// CountryCode is the national prefix stripped from destination numbers
	// before handing them to the device (it expects local format).
	CountryCode string

	Timeout time.Duration
}

// PBXConfig addresses the local Asterisk CLI.
type PBXConfig struct {
	Bin     string
	UseSudo bool
	Timeout time.Duration
}

// DialerConfig tunes the call orchestrator.
type DialerConfig struct {
	// CountryCode is stripped from numbers dialed on the legacy leg.
	CountryCode string

	// DialTimeout bounds how long a call may sit in dialing/ringing before
	// it is torn down as failed.
	DialTimeout time.Duration

	// DefaultCampaign is passed to the cloud voice leg when the caller does
	// not select one.
	DefaultCampaign string

	// CloudVoiceURL is the base URL of the cloud voice control plane.
	CloudVoiceURL string
	// CloudVoiceToken is an optional bearer token for the control plane.
	CloudVoiceToken string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")
	c.Auth.DashboardUser = strings.TrimSpace(os.Getenv("DASHBOARD_USER"))
	c.Auth.DashboardPassword = os.Getenv("DASHBOARD_PASSWORD")

	c.Gateway.BaseURL = strings.TrimSpace(os.Getenv("GSM_GATEWAY_URL"))
	c.Gateway.Username = strings.TrimSpace(os.Getenv("GSM_GATEWAY_USERNAME"))
	c.Gateway.Password = os.Getenv("GSM_GATEWAY_PASSWORD")
	c.Gateway.InsecureTLS = mustBool("GSM_GATEWAY_INSECURE_TLS")
	c.Gateway.CountryCode = strings.TrimSpace(os.Getenv("GSM_GATEWAY_COUNTRY_CODE"))
	c.Gateway.Timeout = mustDuration("GSM_GATEWAY_TIMEOUT")

	c.PBX.Bin = strings.TrimSpace(os.Getenv("PBX_ASTERISK_BIN"))
	c.PBX.UseSudo = mustBool("PBX_USE_SUDO")
	c.PBX.Timeout = mustDuration("PBX_COMMAND_TIMEOUT")

	c.Dialer.CountryCode = strings.TrimSpace(os.Getenv("DIALER_COUNTRY_CODE"))
	c.Dialer.DialTimeout = mustDuration("DIALER_DIAL_TIMEOUT")
	c.Dialer.DefaultCampaign = strings.TrimSpace(os.Getenv("DIALER_DEFAULT_CAMPAIGN"))
	c.Dialer.CloudVoiceURL = strings.TrimSpace(os.Getenv("CLOUD_VOICE_URL"))
	c.Dialer.CloudVoiceToken = os.Getenv("CLOUD_VOICE_TOKEN")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.DashboardUser == "" {
		errs = append(errs, errors.New("DASHBOARD_USER is required"))
	}
	if c.Auth.DashboardPassword == "" {
		errs = append(errs, errors.New("DASHBOARD_PASSWORD is required"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Gateway.BaseURL == "" {
		errs = append(errs, errors.New("GSM_GATEWAY_URL is required"))
	} else if !strings.HasPrefix(c.Gateway.BaseURL, "http://") && !strings.HasPrefix(c.Gateway.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("GSM_GATEWAY_URL must be an http(s) URL, got %q", c.Gateway.BaseURL))
	}
	if c.Gateway.Username == "" {
		errs = append(errs, errors.New("GSM_GATEWAY_USERNAME is required"))
	}
	if c.Gateway.Password == "" {
		errs = append(errs, errors.New("GSM_GATEWAY_PASSWORD is required"))
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 15 * time.Second
	}

	if c.PBX.Bin == "" {
		c.PBX.Bin = "asterisk"
	}
	if c.PBX.Timeout <= 0 {
		c.PBX.Timeout = 10 * time.Second
	}

	if c.Dialer.DialTimeout <= 0 {
		// A leg that never answers must not pin the line forever.
		c.Dialer.DialTimeout = 45 * time.Second
	}
	if c.Dialer.DefaultCampaign == "" {
		c.Dialer.DefaultCampaign = "default"
	}
	if c.Dialer.CloudVoiceURL == "" {
		errs = append(errs, errors.New("CLOUD_VOICE_URL is required"))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func mustBool(key string) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
