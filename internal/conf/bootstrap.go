// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment
// variables, with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/durationpb"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// BREAKWATER_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or BREAKWATER_DATA_DATABASE_SOURCE: MySQL connection string
//     for the audit log sink
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BREAKWATER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "BREAKWATER_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "BREAKWATER_DATA_REDIS_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: durationpb.New(v.GetDuration("server.http.timeout")),
			},
			Grpc: &Server_GRPC{
				Network: v.GetString("server.grpc.network"),
				Addr:    v.GetString("server.grpc.addr"),
				Timeout: durationpb.New(v.GetDuration("server.grpc.timeout")),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  durationpb.New(v.GetDuration("data.redis.read_timeout")),
				WriteTimeout: durationpb.New(v.GetDuration("data.redis.write_timeout")),
			},
		},
		Resilience: &Resilience{
			Breaker: &Resilience_Breaker{
				FailureThreshold: v.GetInt32("resilience.breaker.failure_threshold"),
				SuccessThreshold: v.GetInt32("resilience.breaker.success_threshold"),
				OpenDuration:     durationpb.New(v.GetDuration("resilience.breaker.open_duration")),
				CallTimeout:      durationpb.New(v.GetDuration("resilience.breaker.call_timeout")),
				MaxConcurrent:    v.GetInt32("resilience.breaker.max_concurrent"),
				MaxQueueDepth:    v.GetInt32("resilience.breaker.max_queue_depth"),
			},
			RateLimit: &Resilience_RateLimit{
				DefaultTier:       v.GetString("resilience.rate_limit.default_tier"),
				Tiers:             loadTiers(v, "resilience.rate_limit.tiers"),
				EndpointOverrides: loadEndpointOverrides(v),
				BanThreshold:      v.GetInt32("resilience.rate_limit.ban_threshold"),
				PermaBanThreshold: v.GetInt32("resilience.rate_limit.perma_ban_threshold"),
				TempBanDuration:   durationpb.New(v.GetDuration("resilience.rate_limit.temp_ban_duration")),
				DecayPerHour:      v.GetInt32("resilience.rate_limit.decay_per_hour"),
				IdleEviction:      durationpb.New(v.GetDuration("resilience.rate_limit.idle_eviction")),
			},
			EventBus: &Resilience_EventBus{
				MaxHandlersPerType:  v.GetInt32("resilience.event_bus.max_handlers_per_type"),
				HistorySize:         v.GetInt32("resilience.event_bus.history_size"),
				MaxPublishPerSecond: v.GetInt32("resilience.event_bus.max_publish_per_second"),
				HandlerTimeout:      durationpb.New(v.GetDuration("resilience.event_bus.handler_timeout")),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// loadTiers reads a tier map from the given key.
func loadTiers(v *viper.Viper, key string) map[string]*Resilience_TierLimits {
	tiers := make(map[string]*Resilience_TierLimits)
	for name := range v.GetStringMap(key) {
		prefix := key + "." + name
		tiers[name] = &Resilience_TierLimits{
			PerSecond: v.GetInt32(prefix + ".per_second"),
			PerMinute: v.GetInt32(prefix + ".per_minute"),
			PerHour:   v.GetInt32(prefix + ".per_hour"),
			PerDay:    v.GetInt32(prefix + ".per_day"),
			BurstSize: v.GetInt32(prefix + ".burst_size"),
		}
	}
	return tiers
}

// loadEndpointOverrides reads endpoint → tier → limit overrides.
func loadEndpointOverrides(v *viper.Viper) map[string]map[string]*Resilience_TierLimits {
	const key = "resilience.rate_limit.endpoint_overrides"
	overrides := make(map[string]map[string]*Resilience_TierLimits)
	for endpoint := range v.GetStringMap(key) {
		overrides[endpoint] = loadTiers(v, key+"."+endpoint)
	}
	return overrides
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", time.Minute)

	v.SetDefault("server.grpc.network", "tcp")
	v.SetDefault("server.grpc.addr", ":9000")
	v.SetDefault("server.grpc.timeout", time.Minute)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Breaker defaults
	v.SetDefault("resilience.breaker.failure_threshold", 5)
	v.SetDefault("resilience.breaker.success_threshold", 2)
	v.SetDefault("resilience.breaker.open_duration", 30*time.Second)
	v.SetDefault("resilience.breaker.call_timeout", 10*time.Second)
	v.SetDefault("resilience.breaker.max_concurrent", 10)
	v.SetDefault("resilience.breaker.max_queue_depth", 20)

	// Rate limit defaults
	v.SetDefault("resilience.rate_limit.default_tier", "free")
	v.SetDefault("resilience.rate_limit.ban_threshold", 10)
	v.SetDefault("resilience.rate_limit.perma_ban_threshold", 50)
	v.SetDefault("resilience.rate_limit.temp_ban_duration", time.Hour)
	v.SetDefault("resilience.rate_limit.decay_per_hour", 1)
	v.SetDefault("resilience.rate_limit.idle_eviction", time.Hour)
	v.SetDefault("resilience.rate_limit.tiers.free.per_second", 5)
	v.SetDefault("resilience.rate_limit.tiers.free.per_minute", 60)
	v.SetDefault("resilience.rate_limit.tiers.free.per_hour", 1000)
	v.SetDefault("resilience.rate_limit.tiers.free.per_day", 10000)
	v.SetDefault("resilience.rate_limit.tiers.free.burst_size", 10)

	// Event bus defaults
	v.SetDefault("resilience.event_bus.max_handlers_per_type", 50)
	v.SetDefault("resilience.event_bus.history_size", 200)
	v.SetDefault("resilience.event_bus.max_publish_per_second", 1000)
	v.SetDefault("resilience.event_bus.handler_timeout", 5*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and
// valid. It returns an error listing all missing or invalid fields.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (MYSQL_DSN)")
	}

	if bc.Resilience != nil && bc.Resilience.Breaker != nil {
		b := bc.Resilience.Breaker
		if b.FailureThreshold < 0 || b.SuccessThreshold < 0 {
			problems = append(problems, "resilience.breaker thresholds must not be negative")
		}
	}

	if bc.Resilience != nil && bc.Resilience.RateLimit != nil {
		rl := bc.Resilience.RateLimit
		if rl.BanThreshold > 0 && rl.PermaBanThreshold > 0 && rl.PermaBanThreshold <= rl.BanThreshold {
			problems = append(problems, "resilience.rate_limit.perma_ban_threshold must exceed ban_threshold")
		}
		if rl.DefaultTier != "" && rl.Tiers != nil {
			if _, ok := rl.Tiers[rl.DefaultTier]; !ok {
				problems = append(problems, fmt.Sprintf("resilience.rate_limit.default_tier %q has no tier definition", rl.DefaultTier))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
