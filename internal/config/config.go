package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppEnv   string `mapstructure:"app_env"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogLevel string `mapstructure:"log_level"`

	DatabaseDriver string `mapstructure:"database_driver"`
	DatabaseURL    string `mapstructure:"database_url"`

	RedisEnabled   bool   `mapstructure:"redis_enabled"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisKeyPrefix string `mapstructure:"redis_key_prefix"`

	JWTIssuer     string        `mapstructure:"jwt_issuer"`
	JWTAudience   string        `mapstructure:"jwt_audience"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	OwnerTokenTTL time.Duration `mapstructure:"owner_token_ttl"`

	FingerprintPepper    string        `mapstructure:"fingerprint_pepper"`
	SessionTokenTTL      time.Duration `mapstructure:"session_token_ttl"`
	CallbackBaseURL      string        `mapstructure:"callback_base_url"`
	LinkvertiseVerifyURL string        `mapstructure:"linkvertise_verify_url"`
	UpstreamTimeout      time.Duration `mapstructure:"upstream_timeout"`

	WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
	WebhookBuffer  int           `mapstructure:"webhook_buffer"`
	WebhookWorkers int           `mapstructure:"webhook_workers"`

	VisitorRateLimitRPM int      `mapstructure:"visitor_rate_limit_rpm"`
	OwnerRateLimitRPM   int      `mapstructure:"owner_rate_limit_rpm"`
	APIRateLimitRPM     int      `mapstructure:"api_rate_limit_rpm"`
	RateLimitFailOpen   bool     `mapstructure:"rate_limit_fail_open"`
	CORSOrigins         []string `mapstructure:"cors_origins"`
	BodyLimitBytes      int64    `mapstructure:"body_limit_bytes"`

	PublicCacheTTL   time.Duration `mapstructure:"public_cache_ttl"`
	NegativeCacheTTL time.Duration `mapstructure:"negative_cache_ttl"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	SessionIdleTTL   time.Duration `mapstructure:"session_idle_ttl"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`

	ShutdownHTTPDrainTimeout     time.Duration `mapstructure:"shutdown_http_drain_timeout"`
	ShutdownObservabilityTimeout time.Duration `mapstructure:"shutdown_observability_timeout"`

	OTELServiceName           string        `mapstructure:"otel_service_name"`
	OTELEnvironment           string        `mapstructure:"otel_environment"`
	OTELExporterOTLPEndpoint  string        `mapstructure:"otel_exporter_otlp_endpoint"`
	OTELExporterOTLPInsecure  bool          `mapstructure:"otel_exporter_otlp_insecure"`
	OTELMetricsEnabled        bool          `mapstructure:"otel_metrics_enabled"`
	OTELTracingEnabled        bool          `mapstructure:"otel_tracing_enabled"`
	OTELLogsEnabled           bool          `mapstructure:"otel_logs_enabled"`
	OTELMetricsExportInterval time.Duration `mapstructure:"otel_metrics_export_interval"`
	OTELTraceSamplingRatio    float64       `mapstructure:"otel_trace_sampling_ratio"`
}

// Defaults returns the baseline configuration keys. Every key that can be
// set from the environment must appear here.
func Defaults() map[string]any {
	return map[string]any{
		"app_env":   "development",
		"http_addr": ":8080",
		"log_level": "info",

		"database_driver": "sqlite",
		"database_url":    "file:keygate.db?_busy_timeout=5000",

		"redis_enabled":    false,
		"redis_addr":       "localhost:6379",
		"redis_password":   "",
		"redis_db":         0,
		"redis_key_prefix": "keygate",

		"jwt_issuer":      "keygate",
		"jwt_audience":    "keygate-owners",
		"jwt_secret":      "dev-only-secret-change-me-0123456789abcdef",
		"owner_token_ttl": "24h",

		"fingerprint_pepper":     "dev-only-pepper",
		"session_token_ttl":      "10m",
		"callback_base_url":      "http://localhost:8080",
		"linkvertise_verify_url": "https://publisher.linkvertise.com/api/v1/anti_bypassing",
		"upstream_timeout":       "5s",

		"webhook_timeout": "5s",
		"webhook_buffer":  256,
		"webhook_workers": 2,

		"visitor_rate_limit_rpm": 60,
		"owner_rate_limit_rpm":   120,
		"api_rate_limit_rpm":     600,
		"rate_limit_fail_open":   true,
		"cors_origins":           []string{},
		"body_limit_bytes":       int64(1 << 20),

		"public_cache_ttl":               "30s",
		"negative_cache_ttl":             "15s",
		"cleanup_interval":               "1m",
		"session_idle_ttl":               "24h",
		"shutdown_timeout":               "15s",
		"shutdown_http_drain_timeout":    "10s",
		"shutdown_observability_timeout": "5s",

		"otel_service_name":            "keygate",
		"otel_environment":             "development",
		"otel_exporter_otlp_endpoint":  "localhost:4317",
		"otel_exporter_otlp_insecure":  true,
		"otel_metrics_enabled":         false,
		"otel_tracing_enabled":         false,
		"otel_logs_enabled":            false,
		"otel_metrics_export_interval": "15s",
		"otel_trace_sampling_ratio":    1.0,
	}
}

type LoadOptions struct {
	// ConfigFile is an optional YAML file layered under the environment.
	ConfigFile string
	// Flags are bound by name with dashes mapped to underscores.
	Flags *pflag.FlagSet
}

func Load(opts LoadOptions) (*Config, error) {
	cfg, err := load(opts)
	profile := "unknown"
	if cfg != nil {
		profile = cfg.AppEnv
	}
	if err != nil {
		recordConfigLoad(context.Background(), profile, cfg, classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigLoad(context.Background(), profile, cfg, "none")
	return cfg, nil
}

func load(opts LoadOptions) (*Config, error) {
	v := viper.New()
	for key, value := range Defaults() {
		v.SetDefault(key, value)
	}
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("%w: %w", ErrConfigFile, err)
			}
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if _, known := Defaults()[key]; !known || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(key, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("%w: bind flags: %w", ErrConfigParse, bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfigParse, err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	if err := cfg.Validate(); err != nil {
		return &cfg, err
	}
	return &cfg, nil
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsProduction() bool {
	return normalizeConfigProfile(c.AppEnv) == "production" || normalizeConfigProfile(c.AppEnv) == "prod"
}

func (c *Config) Validate() error {
	var problems []string
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("DATABASE_DRIVER must be sqlite or postgres, got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.RedisEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		problems = append(problems, "REDIS_ADDR is required when REDIS_ENABLED")
	}
	if len(c.JWTSecret) < 32 {
		problems = append(problems, "JWT_SECRET must be at least 32 bytes")
	}
	if c.FingerprintPepper == "" {
		problems = append(problems, "FINGERPRINT_PEPPER is required")
	}
	if c.IsProduction() {
		if strings.HasPrefix(c.JWTSecret, "dev-only") {
			problems = append(problems, "JWT_SECRET must be overridden in production")
		}
		if strings.HasPrefix(c.FingerprintPepper, "dev-only") {
			problems = append(problems, "FINGERPRINT_PEPPER must be overridden in production")
		}
	}
	if c.SessionTokenTTL <= 0 {
		problems = append(problems, "SESSION_TOKEN_TTL must be positive")
	}
	if c.UpstreamTimeout <= 0 || c.WebhookTimeout <= 0 {
		problems = append(problems, "UPSTREAM_TIMEOUT and WEBHOOK_TIMEOUT must be positive")
	}
	if c.WebhookBuffer < 1 || c.WebhookWorkers < 1 {
		problems = append(problems, "WEBHOOK_BUFFER and WEBHOOK_WORKERS must be at least 1")
	}
	if c.VisitorRateLimitRPM < 1 || c.OwnerRateLimitRPM < 1 || c.APIRateLimitRPM < 1 {
		problems = append(problems, "rate limits must be at least 1 request per minute")
	}
	if c.ShutdownTimeout <= 0 || c.ShutdownHTTPDrainTimeout <= 0 || c.ShutdownObservabilityTimeout <= 0 {
		problems = append(problems, "shutdown timeouts must be positive")
	}
	if c.CleanupInterval <= 0 || c.SessionIdleTTL <= 0 {
		problems = append(problems, "CLEANUP_INTERVAL and SESSION_IDLE_TTL must be positive")
	}
	for name, raw := range map[string]string{"CALLBACK_BASE_URL": c.CallbackBaseURL, "LINKVERTISE_VERIFY_URL": c.LinkvertiseVerifyURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			problems = append(problems, name+" must be an absolute URL")
		}
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		problems = append(problems, "OTEL_TRACE_SAMPLING_RATIO must be within [0,1]")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}
