package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call relay service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool

	// PublicHost is the externally reachable host (no scheme) the carrier
	// connects back to for media streams.
	PublicHost string

	OpenAIAPIKey         string
	OpenAIRealtimeURL    string
	OpenAIRealtimeModel  string
	OpenAIVoice          string
	OpenAITemperature    float64
	RealtimeSettleDelay  time.Duration
	RealtimeGreetingWait time.Duration

	DefaultLanguage string
	DefaultPersona  string
	PersonaFile     string

	MaxCallDuration       time.Duration
	RelayFunctionsEnabled bool

	RecordCalls        bool
	RecordingsDir      string
	RecordingsS3Bucket string
	RecordingsS3Prefix string
	AWSRegion          string

	DatabaseURL string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromNumber string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "callrelay"),
		LogLevel:            envOrDefault("APP_LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("APP_LOG_FORMAT", "json"),
		AllowAnyOrigin:      true,
		PublicHost:          stringsTrimSpace("PUBLIC_HOST"),
		OpenAIAPIKey:        stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:   envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel: envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		OpenAIVoice:         envOrDefault("OPENAI_VOICE", "alloy"),
		OpenAITemperature:   0.8,
		// Give the socket a moment before the first session.update.
		RealtimeSettleDelay:  100 * time.Millisecond,
		RealtimeGreetingWait: 250 * time.Millisecond,
		DefaultLanguage:      envOrDefault("DEFAULT_LANGUAGE", "english"),
		DefaultPersona:       envOrDefault("DEFAULT_PERSONA", "support"),
		PersonaFile:          stringsTrimSpace("PERSONA_FILE"),
		RecordingsDir:        envOrDefault("RECORDINGS_DIR", "recordings"),
		RecordingsS3Bucket:   stringsTrimSpace("RECORDINGS_S3_BUCKET"),
		RecordingsS3Prefix:   stringsTrimSpace("RECORDINGS_S3_PREFIX"),
		AWSRegion:            envOrDefault("AWS_REGION", "us-east-1"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:     stringsTrimSpace("TWILIO_FROM_NUMBER"),
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeSettleDelay, err = durationFromEnv("REALTIME_SETTLE_DELAY", cfg.RealtimeSettleDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.RealtimeGreetingWait, err = durationFromEnv("REALTIME_GREETING_DELAY", cfg.RealtimeGreetingWait)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCallDuration, err = durationFromEnv("MAX_CALL_DURATION", cfg.MaxCallDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenAITemperature, err = floatFromEnv("OPENAI_TEMPERATURE", cfg.OpenAITemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayFunctionsEnabled, err = boolFromEnv("RELAY_FUNCTIONS_ENABLED", cfg.RelayFunctionsEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.RecordCalls, err = boolFromEnv("RECORD_CALLS", cfg.RecordCalls)
	if err != nil {
		return Config{}, err
	}

	if cfg.RealtimeSettleDelay < 0 || cfg.RealtimeGreetingWait < 0 {
		return Config{}, fmt.Errorf("REALTIME_SETTLE_DELAY and REALTIME_GREETING_DELAY must be >= 0")
	}
	if cfg.MaxCallDuration < 0 {
		return Config{}, fmt.Errorf("MAX_CALL_DURATION must be >= 0")
	}
	if cfg.OpenAITemperature < 0.6 || cfg.OpenAITemperature > 1.2 {
		return Config{}, fmt.Errorf("OPENAI_TEMPERATURE must be within [0.6, 1.2]")
	}
	if strings.Contains(cfg.PublicHost, "://") {
		return Config{}, fmt.Errorf("PUBLIC_HOST must be a bare host, got %q", cfg.PublicHost)
	}

	return cfg, nil
}

// TwilioConfigured reports whether outbound call placement has credentials.
func (c Config) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioFromNumber != ""
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
