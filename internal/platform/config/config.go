package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures everything the engine reads from the environment so main
// stays lean. Zero-config defaults run the engine fully in-memory, which is
// what development booths and unit tests use.
type Config struct {
	Addr          string
	LogLevel      string
	JWTSigningKey string

	// Engine policy knobs.
	SessionTimeout     time.Duration
	MaxAttempts        int
	SweeperInterval    time.Duration
	ConflictRetries    int
	VerifierRetries    int
	FaceThreshold      float64
	BiometricThreshold float64
	DocumentThreshold  float64

	// Remote verifier endpoints; empty endpoints fall back to the
	// deterministic local providers used by development booths.
	OTPCodeTTL        time.Duration
	FaceEndpoint      string
	BiometricEndpoint string
	DocumentEndpoint  string

	// Rate governor windows.
	IdentityRateLimit  int
	IdentityRateWindow time.Duration
	BoothRateLimit     int
	BoothRateWindow    time.Duration

	// Optional backing services; empty means in-memory.
	RedisURL     string
	PostgresDSN  string
	KafkaBrokers string
	AuditTopic   string
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	return Config{
		Addr:          envString("VERIFLOW_ADDR", ":8080"),
		LogLevel:      envString("VERIFLOW_LOG_LEVEL", "info"),
		JWTSigningKey: envString("VERIFLOW_JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),

		SessionTimeout:     envDuration("VERIFLOW_SESSION_TIMEOUT", 10*time.Minute),
		MaxAttempts:        envInt("VERIFLOW_MAX_ATTEMPTS", 3),
		SweeperInterval:    envDuration("VERIFLOW_SWEEPER_INTERVAL", 60*time.Second),
		ConflictRetries:    envInt("VERIFLOW_CONFLICT_RETRIES", 3),
		VerifierRetries:    envInt("VERIFLOW_VERIFIER_RETRIES", 2),
		FaceThreshold:      envFloat("VERIFLOW_FACE_THRESHOLD", 0.8),
		BiometricThreshold: envFloat("VERIFLOW_BIOMETRIC_THRESHOLD", 0.7),
		DocumentThreshold:  envFloat("VERIFLOW_DOCUMENT_THRESHOLD", 0.75),

		OTPCodeTTL:        envDuration("VERIFLOW_OTP_CODE_TTL", 5*time.Minute),
		FaceEndpoint:      os.Getenv("VERIFLOW_FACE_ENDPOINT"),
		BiometricEndpoint: os.Getenv("VERIFLOW_BIOMETRIC_ENDPOINT"),
		DocumentEndpoint:  os.Getenv("VERIFLOW_DOCUMENT_ENDPOINT"),

		IdentityRateLimit:  envInt("VERIFLOW_IDENTITY_RATE_LIMIT", 5),
		IdentityRateWindow: envDuration("VERIFLOW_IDENTITY_RATE_WINDOW", 24*time.Hour),
		BoothRateLimit:     envInt("VERIFLOW_BOOTH_RATE_LIMIT", 30),
		BoothRateWindow:    envDuration("VERIFLOW_BOOTH_RATE_WINDOW", time.Minute),

		RedisURL:     os.Getenv("VERIFLOW_REDIS_URL"),
		PostgresDSN:  os.Getenv("VERIFLOW_POSTGRES_DSN"),
		KafkaBrokers: os.Getenv("VERIFLOW_KAFKA_BROKERS"),
		AuditTopic:   envString("VERIFLOW_AUDIT_TOPIC", "veriflow.audit"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
