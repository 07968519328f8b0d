// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with SESSIONGUARD_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required:
//   - AUTH_BASE_URL or SESSIONGUARD_AUTH_BASE_URL: remote auth service endpoint
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SESSIONGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("auth.base_url", "AUTH_BASE_URL", "SESSIONGUARD_AUTH_BASE_URL")
	_ = v.BindEnv("auth.api_key", "AUTH_API_KEY", "SESSIONGUARD_AUTH_API_KEY")
	_ = v.BindEnv("auth.jwt.secret", "JWT_SECRET", "SESSIONGUARD_AUTH_JWT_SECRET")
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "SESSIONGUARD_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "SESSIONGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.encryption_key", "SESSION_ENCRYPTION_KEY", "SESSIONGUARD_DATA_REDIS_ENCRYPTION_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	var overrides []CircuitOverride
	if err := v.UnmarshalKey("resilience.circuit.overrides", &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse resilience.circuit.overrides: %w", err)
	}

	bc := &Bootstrap{
		Server: &Server{
			Http: &Server_HTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Data_Redis{
				Network:       v.GetString("data.redis.network"),
				Addr:          v.GetString("data.redis.addr"),
				Password:      v.GetString("data.redis.password"),
				Db:            v.GetInt("data.redis.db"),
				ReadTimeout:   v.GetDuration("data.redis.read_timeout"),
				WriteTimeout:  v.GetDuration("data.redis.write_timeout"),
				SessionTTL:    v.GetDuration("data.redis.session_ttl"),
				EncryptionKey: v.GetString("data.redis.encryption_key"),
			},
		},
		Auth: &Auth{
			BaseURL:  v.GetString("auth.base_url"),
			APIKey:   v.GetString("auth.api_key"),
			ProxyURL: v.GetString("auth.proxy_url"),
			Timeout:  v.GetDuration("auth.timeout"),
			Jwt: &Auth_JWT{
				Secret: v.GetString("auth.jwt.secret"),
				Issuer: v.GetString("auth.jwt.issuer"),
			},
		},
		Resilience: &Resilience{
			Circuit: &Circuit{
				TripThreshold: v.GetInt("resilience.circuit.trip_threshold"),
				Cooldown:      v.GetDuration("resilience.circuit.cooldown"),
				Overrides:     overrides,
			},
			Retry: &Retry{
				MaxAttempts:    v.GetInt("resilience.retry.max_attempts"),
				BaseDelay:      v.GetDuration("resilience.retry.base_delay"),
				MaxDelay:       v.GetDuration("resilience.retry.max_delay"),
				AttemptTimeout: v.GetDuration("resilience.retry.attempt_timeout"),
			},
			Cache: &Cache{
				Capacity:   v.GetInt("resilience.cache.capacity"),
				ProfileTTL: v.GetDuration("resilience.cache.profile_ttl"),
				SessionTTL: v.GetDuration("resilience.cache.session_ttl"),
			},
			Session: &Session{
				FailureThreshold: v.GetInt("resilience.session.failure_threshold"),
			},
			Recorder: &Recorder{
				BufferSize:          v.GetInt("resilience.recorder.buffer_size"),
				CriticalSuccessRate: v.GetFloat64("resilience.recorder.critical_success_rate"),
				SlowThreshold:       v.GetDuration("resilience.recorder.slow_threshold"),
			},
		},
		Jobs: &Jobs{
			CacheSweep:     v.GetString("jobs.cache_sweep"),
			HealthReport:   v.GetString("jobs.health_report"),
			SessionRefresh: v.GetString("jobs.session_refresh"),
			RefreshWindow:  v.GetDuration("jobs.refresh_window"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 10*time.Second)

	// Data defaults
	// Note: data.database.source (MYSQL_DSN) is optional, audit events are only logged without it
	v.SetDefault("data.database.driver", "mysql")
	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.db", 0)
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.session_ttl", 7*24*time.Hour)

	// Auth defaults
	v.SetDefault("auth.timeout", 8*time.Second)

	// Resilience defaults
	v.SetDefault("resilience.circuit.trip_threshold", 5)
	v.SetDefault("resilience.circuit.cooldown", 30*time.Second)
	v.SetDefault("resilience.retry.max_attempts", 3)
	v.SetDefault("resilience.retry.base_delay", 250*time.Millisecond)
	v.SetDefault("resilience.retry.max_delay", 4*time.Second)
	v.SetDefault("resilience.retry.attempt_timeout", 8*time.Second)
	v.SetDefault("resilience.cache.capacity", 100)
	v.SetDefault("resilience.cache.profile_ttl", 60*time.Second)
	v.SetDefault("resilience.cache.session_ttl", 10*time.Second)
	v.SetDefault("resilience.session.failure_threshold", 3)
	v.SetDefault("resilience.recorder.buffer_size", 200)
	v.SetDefault("resilience.recorder.critical_success_rate", 0.8)
	v.SetDefault("resilience.recorder.slow_threshold", 2*time.Second)

	// Job defaults (cron with seconds)
	v.SetDefault("jobs.cache_sweep", "*/30 * * * * *")
	v.SetDefault("jobs.health_report", "0 * * * * *")
	v.SetDefault("jobs.session_refresh", "0 */5 * * * *")
	v.SetDefault("jobs.refresh_window", 10*time.Minute)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing every problem found.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Auth == nil || bc.Auth.BaseURL == "" {
		problems = append(problems, "auth.base_url (AUTH_BASE_URL) is required")
	}

	if r := bc.Resilience; r != nil {
		if r.Circuit != nil {
			if r.Circuit.TripThreshold <= 0 {
				problems = append(problems, "resilience.circuit.trip_threshold must be positive")
			}
			if r.Circuit.Cooldown <= 0 {
				problems = append(problems, "resilience.circuit.cooldown must be positive")
			}
			for i, o := range r.Circuit.Overrides {
				if o.Category == "" {
					problems = append(problems, fmt.Sprintf("resilience.circuit.overrides[%d].category is required", i))
				}
				if o.TripThreshold < 0 || o.Cooldown < 0 {
					problems = append(problems, fmt.Sprintf("resilience.circuit.overrides[%d] must not be negative", i))
				}
			}
		}
		if r.Retry != nil {
			if r.Retry.MaxAttempts <= 0 {
				problems = append(problems, "resilience.retry.max_attempts must be positive")
			}
			if r.Retry.BaseDelay <= 0 || r.Retry.MaxDelay < r.Retry.BaseDelay {
				problems = append(problems, "resilience.retry delays must satisfy 0 < base_delay <= max_delay")
			}
		}
		if r.Cache != nil {
			if r.Cache.Capacity <= 0 {
				problems = append(problems, "resilience.cache.capacity must be positive")
			}
			if r.Cache.ProfileTTL <= 0 || r.Cache.SessionTTL <= 0 {
				problems = append(problems, "resilience.cache TTLs must be positive")
			}
		}
		if r.Session != nil && r.Session.FailureThreshold <= 0 {
			problems = append(problems, "resilience.session.failure_threshold must be positive")
		}
		if r.Recorder != nil && (r.Recorder.CriticalSuccessRate < 0 || r.Recorder.CriticalSuccessRate > 1) {
			problems = append(problems, "resilience.recorder.critical_success_rate must be within [0, 1]")
		}
	}

	if bc.Jobs != nil && bc.Jobs.RefreshWindow < 0 {
		problems = append(problems, "jobs.refresh_window must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
