package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrConfigFile    = errors.New("read config file")
	ErrConfigParse   = errors.New("parse config")
	ErrConfigInvalid = errors.New("validate config")
)

var (
	configMetricsOnce sync.Once
	configLoads       metric.Int64Counter
)

// recordConfigLoad counts one Load call. cfg may be nil on failure.
func recordConfigLoad(ctx context.Context, profile string, cfg *Config, errorClass string) {
	configMetricsOnce.Do(func() {
		counter, err := otel.Meter("keygate/config").Int64Counter(
			"keygate.config.loads",
			metric.WithDescription("Configuration loads by profile and outcome"),
		)
		if err == nil {
			configLoads = counter
		}
	})
	if configLoads == nil {
		return
	}
	outcome := "success"
	if errorClass != "none" {
		outcome = "failure"
	}
	attrs := []attribute.KeyValue{
		attribute.String("profile", normalizeConfigProfile(profile)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", errorClass),
	}
	if cfg != nil {
		attrs = append(attrs,
			attribute.String("database_driver", cfg.DatabaseDriver),
			attribute.Bool("redis_enabled", cfg.RedisEnabled),
		)
	}
	configLoads.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func normalizeConfigProfile(profile string) string {
	v := strings.TrimSpace(strings.ToLower(profile))
	if v == "" {
		return "unknown"
	}
	return v
}

func classifyConfigLoadError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfigInvalid):
		return "validation"
	case errors.Is(err, ErrConfigParse):
		return "parse"
	case errors.Is(err, ErrConfigFile):
		return "file"
	default:
		return "load"
	}
}
