package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Env      string
	HTTPAddr string

	LogLevel  string
	LogFormat string

	DatabaseDriver       string
	DatabaseURL          string
	DatabaseMaxOpenConns int
	DatabaseMaxIdleConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTIssuer       string
	JWTAudience     string
	JWTAccessSecret string

	SessionInactivityWindow   time.Duration
	MaxActiveSessionsPerOwner int
	SessionCacheEnabled       bool
	SessionCacheTTL           time.Duration
	SessionCachePrefix        string
	SessionTombstoneTTL       time.Duration
	StoreTimeout              time.Duration
	CacheTimeout              time.Duration

	SweepInterval    time.Duration
	ExpiredRetention time.Duration
	SweepBatchSize   int

	SummaryThreshold   int
	SummaryWindow      int
	SummaryTimeout     time.Duration
	RecentHistoryLimit int

	WSAuthTimeout     time.Duration
	WSPingInterval    time.Duration
	WSReadTimeout     time.Duration
	WSWriteTimeout    time.Duration
	WSMaxMessageSize  int64
	WSSendBuffer      int
	WSAllowedOrigins  []string
	RoomRelayEnabled  bool
	RoomRelayChannel  string
	APIRateLimitRPM   int
	WSConnectRateRPM  int
	EnableOTelHTTP    bool
	ShutdownTimeout   time.Duration
	ShutdownHTTPDrain time.Duration

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELMetricsExportInterval time.Duration
	OTELTracingEnabled        bool
	OTELTraceSampleRatio      float64
	OTELLogsEnabled           bool
}

var defaults = map[string]any{
	"APP_ENV":                      "development",
	"HTTP_ADDR":                    ":8080",
	"LOG_LEVEL":                    "info",
	"LOG_FORMAT":                   "json",
	"DATABASE_DRIVER":              "postgres",
	"DATABASE_URL":                 "",
	"DATABASE_MAX_OPEN_CONNS":      25,
	"DATABASE_MAX_IDLE_CONNS":      5,
	"REDIS_ADDR":                   "localhost:6379",
	"REDIS_PASSWORD":               "",
	"REDIS_DB":                     0,
	"JWT_ISSUER":                   "chat-session-core",
	"JWT_AUDIENCE":                 "chat-clients",
	"JWT_ACCESS_SECRET":            "",
	"SESSION_INACTIVITY_WINDOW":    "30m",
	"SESSION_MAX_ACTIVE_PER_OWNER": 5,
	"SESSION_CACHE_ENABLED":        true,
	"SESSION_CACHE_TTL":            "1h",
	"SESSION_CACHE_PREFIX":         "session",
	"SESSION_TOMBSTONE_TTL":        "24h",
	"STORE_TIMEOUT":                "3s",
	"CACHE_TIMEOUT":                "250ms",
	"SWEEP_INTERVAL":               "1h",
	"EXPIRED_RETENTION":            "168h",
	"SWEEP_BATCH_SIZE":             500,
	"SUMMARY_THRESHOLD":            50,
	"SUMMARY_WINDOW":               10,
	"SUMMARY_TIMEOUT":              "10s",
	"RECENT_HISTORY_LIMIT":         20,
	"WS_AUTH_TIMEOUT":              "10s",
	"WS_PING_INTERVAL":             "30s",
	"WS_READ_TIMEOUT":              "60s",
	"WS_WRITE_TIMEOUT":             "10s",
	"WS_MAX_MESSAGE_SIZE":          65536,
	"WS_SEND_BUFFER":               256,
	"WS_ALLOWED_ORIGINS":           "*",
	"ROOM_RELAY_ENABLED":           false,
	"ROOM_RELAY_CHANNEL":           "chat:rooms:broadcast",
	"API_RATE_LIMIT_RPM":           600,
	"WS_CONNECT_RATE_LIMIT_RPM":    60,
	"OTEL_HTTP_ENABLED":            true,
	"SHUTDOWN_TIMEOUT":             "20s",
	"SHUTDOWN_HTTP_DRAIN_TIMEOUT":  "10s",
	"OTEL_SERVICE_NAME":            "realtime-chat-session-core",
	"OTEL_ENVIRONMENT":             "development",
	"OTEL_EXPORTER_OTLP_ENDPOINT":  "localhost:4317",
	"OTEL_EXPORTER_OTLP_INSECURE":  true,
	"OTEL_METRICS_ENABLED":         false,
	"OTEL_METRICS_EXPORT_INTERVAL": "15s",
	"OTEL_TRACING_ENABLED":         false,
	"OTEL_TRACE_SAMPLE_RATIO":      1.0,
	"OTEL_LOGS_ENABLED":            false,
}

// Load reads configuration from the environment and, when CONFIG_FILE is
// set, from that YAML file. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()
	cfg, err := load(v)
	env := v.GetString("APP_ENV")
	if cfg != nil {
		env = cfg.Env
	}
	recordLoad(context.Background(), env, err)
	return cfg, err
}

func load(v *viper.Viper) (*Config, error) {
	if file := strings.TrimSpace(v.GetString("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, &LoadError{Stage: stageFile, Key: file, Err: err}
		}
	}
	cfg, err := fromViper(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Env:                       v.GetString("APP_ENV"),
		HTTPAddr:                  v.GetString("HTTP_ADDR"),
		LogLevel:                  v.GetString("LOG_LEVEL"),
		LogFormat:                 v.GetString("LOG_FORMAT"),
		DatabaseDriver:            strings.ToLower(strings.TrimSpace(v.GetString("DATABASE_DRIVER"))),
		DatabaseURL:               v.GetString("DATABASE_URL"),
		DatabaseMaxOpenConns:      v.GetInt("DATABASE_MAX_OPEN_CONNS"),
		DatabaseMaxIdleConns:      v.GetInt("DATABASE_MAX_IDLE_CONNS"),
		RedisAddr:                 v.GetString("REDIS_ADDR"),
		RedisPassword:             v.GetString("REDIS_PASSWORD"),
		RedisDB:                   v.GetInt("REDIS_DB"),
		JWTIssuer:                 v.GetString("JWT_ISSUER"),
		JWTAudience:               v.GetString("JWT_AUDIENCE"),
		JWTAccessSecret:           v.GetString("JWT_ACCESS_SECRET"),
		MaxActiveSessionsPerOwner: v.GetInt("SESSION_MAX_ACTIVE_PER_OWNER"),
		SessionCacheEnabled:       v.GetBool("SESSION_CACHE_ENABLED"),
		SessionCachePrefix:        v.GetString("SESSION_CACHE_PREFIX"),
		SweepBatchSize:            v.GetInt("SWEEP_BATCH_SIZE"),
		SummaryThreshold:          v.GetInt("SUMMARY_THRESHOLD"),
		SummaryWindow:             v.GetInt("SUMMARY_WINDOW"),
		RecentHistoryLimit:        v.GetInt("RECENT_HISTORY_LIMIT"),
		WSMaxMessageSize:          v.GetInt64("WS_MAX_MESSAGE_SIZE"),
		WSSendBuffer:              v.GetInt("WS_SEND_BUFFER"),
		WSAllowedOrigins:          splitCSV(v.GetString("WS_ALLOWED_ORIGINS")),
		RoomRelayEnabled:          v.GetBool("ROOM_RELAY_ENABLED"),
		RoomRelayChannel:          v.GetString("ROOM_RELAY_CHANNEL"),
		APIRateLimitRPM:           v.GetInt("API_RATE_LIMIT_RPM"),
		WSConnectRateRPM:          v.GetInt("WS_CONNECT_RATE_LIMIT_RPM"),
		EnableOTelHTTP:            v.GetBool("OTEL_HTTP_ENABLED"),
		OTELServiceName:           v.GetString("OTEL_SERVICE_NAME"),
		OTELEnvironment:           v.GetString("OTEL_ENVIRONMENT"),
		OTELExporterOTLPEndpoint:  v.GetString("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTELExporterOTLPInsecure:  v.GetBool("OTEL_EXPORTER_OTLP_INSECURE"),
		OTELMetricsEnabled:        v.GetBool("OTEL_METRICS_ENABLED"),
		OTELTracingEnabled:        v.GetBool("OTEL_TRACING_ENABLED"),
		OTELTraceSampleRatio:      v.GetFloat64("OTEL_TRACE_SAMPLE_RATIO"),
		OTELLogsEnabled:           v.GetBool("OTEL_LOGS_ENABLED"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SESSION_INACTIVITY_WINDOW", &cfg.SessionInactivityWindow},
		{"SESSION_CACHE_TTL", &cfg.SessionCacheTTL},
		{"SESSION_TOMBSTONE_TTL", &cfg.SessionTombstoneTTL},
		{"STORE_TIMEOUT", &cfg.StoreTimeout},
		{"CACHE_TIMEOUT", &cfg.CacheTimeout},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"EXPIRED_RETENTION", &cfg.ExpiredRetention},
		{"SUMMARY_TIMEOUT", &cfg.SummaryTimeout},
		{"WS_AUTH_TIMEOUT", &cfg.WSAuthTimeout},
		{"WS_PING_INTERVAL", &cfg.WSPingInterval},
		{"WS_READ_TIMEOUT", &cfg.WSReadTimeout},
		{"WS_WRITE_TIMEOUT", &cfg.WSWriteTimeout},
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SHUTDOWN_HTTP_DRAIN_TIMEOUT", &cfg.ShutdownHTTPDrain},
		{"OTEL_METRICS_EXPORT_INTERVAL", &cfg.OTELMetricsExportInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(strings.TrimSpace(v.GetString(d.key)))
		if err != nil {
			return nil, &LoadError{Stage: stageParse, Key: d.key, Err: err}
		}
		*d.dst = parsed
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if len(c.JWTAccessSecret) < 32 {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be at least 32 bytes"))
	}
	if c.SessionInactivityWindow <= 0 {
		errs = append(errs, errors.New("SESSION_INACTIVITY_WINDOW must be positive"))
	}
	if c.MaxActiveSessionsPerOwner < 1 {
		errs = append(errs, errors.New("SESSION_MAX_ACTIVE_PER_OWNER must be >= 1"))
	}
	if c.SessionCacheEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when SESSION_CACHE_ENABLED=true"))
	}
	if c.SessionCacheEnabled && c.SessionTombstoneTTL < c.SessionCacheTTL {
		errs = append(errs, errors.New("SESSION_TOMBSTONE_TTL must be >= SESSION_CACHE_TTL when SESSION_CACHE_ENABLED=true"))
	}
	if c.RoomRelayEnabled && strings.TrimSpace(c.RedisAddr) == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when ROOM_RELAY_ENABLED=true"))
	}
	if c.StoreTimeout <= 0 || c.CacheTimeout <= 0 {
		errs = append(errs, errors.New("STORE_TIMEOUT and CACHE_TIMEOUT must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.ExpiredRetention < 0 {
		errs = append(errs, errors.New("EXPIRED_RETENTION must not be negative"))
	}
	if c.SummaryThreshold < 0 || c.SummaryWindow < 1 {
		errs = append(errs, errors.New("SUMMARY_THRESHOLD must be >= 0 and SUMMARY_WINDOW >= 1"))
	}
	if c.WSAuthTimeout <= 0 || c.WSPingInterval <= 0 || c.WSReadTimeout <= c.WSPingInterval {
		errs = append(errs, errors.New("WS_READ_TIMEOUT must exceed WS_PING_INTERVAL and WS_AUTH_TIMEOUT must be positive"))
	}
	if c.WSSendBuffer < 1 || c.WSMaxMessageSize < 1 {
		errs = append(errs, errors.New("WS_SEND_BUFFER and WS_MAX_MESSAGE_SIZE must be positive"))
	}
	if c.OTELTraceSampleRatio < 0 || c.OTELTraceSampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLE_RATIO must be within [0,1]"))
	}
	if len(errs) > 0 {
		return &LoadError{Stage: stageValidation, Err: errors.Join(errs...)}
	}
	return nil
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
