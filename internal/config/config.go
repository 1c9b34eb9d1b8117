package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	DynamoDB   DynamoDBConfig
	Redis      RedisConfig
	Postgres   PostgresConfig
	JWT        JWTConfig
	Session    SessionConfig
	Revocation RevocationConfig
	Ledger     LedgerConfig
	Users      UserStoreConfig
	TwoFactor  TwoFactorConfig
	Metrics    MetricsConfig
}

type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level string
}

type DynamoDBConfig struct {
	Endpoint     string
	Region       string
	TableName    string
	SubjectIndex string
}

type RedisConfig struct {
	Endpoint string
	Password string
	DB       int
}

type PostgresConfig struct {
	DSN string
}

type JWTConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	Audience      string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
}

type SessionConfig struct {
	TTL time.Duration
}

// Backend names accepted by the *_BACKEND variables.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
)

type RevocationConfig struct {
	Backend       string
	FallbackTTL   time.Duration
	FailOpen      bool
	SweepInterval time.Duration
}

type LedgerConfig struct {
	Backend       string
	SweepInterval time.Duration
}

type UserStoreConfig struct {
	Backend string
}

type TwoFactorConfig struct {
	Issuer          string
	BackupCodeCount int
	EnrollmentTTL   time.Duration
	MaxAttempts     int
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

const minSecretLength = 32

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:     getEnv("DYNAMODB_ENDPOINT", ""),
			Region:       getEnv("DYNAMODB_REGION", "us-east-1"),
			TableName:    getEnv("DYNAMODB_TABLE_NAME", "AuthTable"),
			SubjectIndex: getEnv("DYNAMODB_SUBJECT_INDEX", "GSI1"),
		},
		Redis: RedisConfig{
			Endpoint: getEnv("REDIS_ENDPOINT", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			DSN: getEnv("POSTGRES_DSN", ""),
		},
		JWT: JWTConfig{
			AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
			RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
			Issuer:        getEnv("JWT_ISSUER", "auth-service"),
			Audience:      getEnv("JWT_AUDIENCE", "auth-service-clients"),
			AccessExpiry:  getEnvAsDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvAsDuration("JWT_REFRESH_EXPIRY", 7*24*time.Hour),
		},
		Session: SessionConfig{
			TTL: getEnvAsDuration("SESSION_TTL", 7*24*time.Hour),
		},
		Revocation: RevocationConfig{
			Backend:       strings.ToLower(getEnv("REVOCATION_BACKEND", BackendRedis)),
			FallbackTTL:   getEnvAsDuration("REVOCATION_FALLBACK_TTL", 24*time.Hour),
			FailOpen:      getEnvAsBool("REVOCATION_FAIL_OPEN", false),
			SweepInterval: getEnvAsDuration("REVOCATION_SWEEP_INTERVAL", time.Minute),
		},
		Ledger: LedgerConfig{
			Backend:       strings.ToLower(getEnv("LEDGER_BACKEND", BackendDynamoDB)),
			SweepInterval: getEnvAsDuration("LEDGER_SWEEP_INTERVAL", time.Hour),
		},
		Users: UserStoreConfig{
			Backend: strings.ToLower(getEnv("USER_STORE_BACKEND", BackendDynamoDB)),
		},
		TwoFactor: TwoFactorConfig{
			Issuer:          getEnv("TWO_FACTOR_ISSUER", "AuthService"),
			BackupCodeCount: getEnvAsInt("TWO_FACTOR_BACKUP_CODES", 10),
			EnrollmentTTL:   getEnvAsDuration("TWO_FACTOR_ENROLLMENT_TTL", 10*time.Minute),
			MaxAttempts:     getEnvAsInt("TWO_FACTOR_MAX_ATTEMPTS", 5),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvAsBool("METRICS_ENABLED", true),
			Path:    getEnv("METRICS_PATH", "/metrics"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that the rest of the service relies on.
func (c *Config) Validate() error {
	if c.JWT.AccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET environment variable is required")
	}
	if c.JWT.RefreshSecret == "" {
		return fmt.Errorf("JWT_REFRESH_SECRET environment variable is required")
	}
	if len(c.JWT.AccessSecret) < minSecretLength || len(c.JWT.RefreshSecret) < minSecretLength {
		return fmt.Errorf("JWT secrets must be at least %d bytes (256 bits)", minSecretLength)
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return fmt.Errorf("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}
	if c.JWT.AccessExpiry <= 0 || c.JWT.RefreshExpiry <= 0 {
		return fmt.Errorf("JWT expiries must be positive")
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	switch c.Revocation.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unsupported REVOCATION_BACKEND %q", c.Revocation.Backend)
	}

	switch c.Ledger.Backend {
	case BackendMemory, BackendDynamoDB:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when LEDGER_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_BACKEND %q", c.Ledger.Backend)
	}

	switch c.Users.Backend {
	case BackendMemory, BackendDynamoDB:
	default:
		return fmt.Errorf("unsupported USER_STORE_BACKEND %q", c.Users.Backend)
	}

	// Revocation entries and enrollments must always carry an expiry, and the
	// sweepers hand these intervals to time.NewTicker.
	if c.Revocation.FallbackTTL <= 0 {
		return fmt.Errorf("REVOCATION_FALLBACK_TTL must be positive")
	}
	if c.Revocation.SweepInterval <= 0 {
		return fmt.Errorf("REVOCATION_SWEEP_INTERVAL must be positive")
	}
	if c.Ledger.SweepInterval <= 0 {
		return fmt.Errorf("LEDGER_SWEEP_INTERVAL must be positive")
	}
	if c.TwoFactor.EnrollmentTTL <= 0 {
		return fmt.Errorf("TWO_FACTOR_ENROLLMENT_TTL must be positive")
	}

	if c.TwoFactor.BackupCodeCount < 1 {
		return fmt.Errorf("TWO_FACTOR_BACKUP_CODES must be at least 1")
	}
	if c.TwoFactor.MaxAttempts < 1 {
		return fmt.Errorf("TWO_FACTOR_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// UsesDynamoDB reports whether any configured store needs a DynamoDB client.
func (c *Config) UsesDynamoDB() bool {
	return c.Ledger.Backend == BackendDynamoDB || c.Users.Backend == BackendDynamoDB
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
