package config

import (
	"errors"  // For validation errors
	"fmt"     // For error formatting
	"strings" // For list parsing
	"time"    // For durations

	"github.com/joho/godotenv" // For loading .env files
	"github.com/spf13/viper"   // For typed environment lookup with defaults
)

// Config holds the application configuration
type Config struct {
	AppPort     string   // Application port
	DBDriver    string   // Database driver: mysql or postgres
	DBUser      string   // Database user
	DBPassword  string   // Database password
	DBHost      string   // Database host
	DBPort      string   // Database port
	DBName      string   // Database name
	DatabaseURL string   // Full DSN, overrides the individual DB fields
	JWTSecret   string   // Secret for email verification tokens
	RedisAddr   string   // Redis server address
	RedisPass   string   // Redis password
	RedisDB     int      // Redis database number
	RabbitMQURL string   // RabbitMQ URL, events are only logged when empty
	IsProd      bool     // Is production environment
	LogLevel    string   // Logrus level name
	CORSOrigins []string // Allowed CORS origins

	DefaultCurrency      string // Currency of accounts opened at signup
	RequireVerifiedEmail bool   // Refuse login until the email is verified

	TokenTTL                time.Duration // Credential lifetime, 0 = never expires
	TokenLimitPerUser       int           // Max unexpired credentials per user, 0 = unlimited
	TokenAutoRefresh        bool          // Extend expiry on use
	TokenMinRefreshInterval time.Duration // Minimum expiry movement before a renewal is written
	TokenStorage            string        // hashed or plain
	LiveKeyPrefix           string        // Prefix of live secrets
	TestKeyPrefix           string        // Prefix of test secrets
	AuthHeaderPrefix        string        // Authorization header keyword

	LedgerMaxRetries int           // Retries after an optimistic lock conflict
	LoginRateLimit   int           // Login attempts per window and email
	LoginRateWindow  time.Duration // Login throttle window
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("REDIS_ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEFAULT_CURRENCY", "NGN")
	v.SetDefault("REQUIRE_VERIFIED_EMAIL", true)
	v.SetDefault("TOKEN_TTL", "0s")
	v.SetDefault("TOKEN_LIMIT_PER_USER", 4)
	v.SetDefault("TOKEN_AUTO_REFRESH", false)
	v.SetDefault("TOKEN_MIN_REFRESH_INTERVAL", "60s")
	v.SetDefault("TOKEN_STORAGE", "hashed")
	v.SetDefault("LIVE_KEY_PREFIX", "live_sk_")
	v.SetDefault("TEST_KEY_PREFIX", "test_sk_")
	v.SetDefault("AUTH_HEADER_PREFIX", "Token")
	v.SetDefault("LEDGER_MAX_RETRIES", 3)
	v.SetDefault("LOGIN_RATE_LIMIT", 10)
	v.SetDefault("LOGIN_RATE_WINDOW", "1m")
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // Load .env file if present
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		AppPort:     v.GetString("APP_PORT"),     // Application port
		DBDriver:    v.GetString("DB_DRIVER"),    // Database driver
		DBUser:      v.GetString("DB_USER"),      // Database user
		DBPassword:  v.GetString("DB_PASSWORD"),  // Database password
		DBHost:      v.GetString("DB_HOST"),      // Database host
		DBPort:      v.GetString("DB_PORT"),      // Database port
		DBName:      v.GetString("DB_NAME"),      // Database name
		DatabaseURL: v.GetString("DATABASE_URL"), // Full DSN
		JWTSecret:   v.GetString("JWT_SECRET"),   // Verification token secret
		RedisAddr:   v.GetString("REDIS_ADDR"),   // Redis server address
		RedisPass:   v.GetString("REDIS_PASS"),   // Redis password
		RedisDB:     v.GetInt("REDIS_DB"),        // Redis database number
		RabbitMQURL: v.GetString("RABBITMQ_URL"), // RabbitMQ URL
		IsProd:      v.GetBool("IS_PROD"),        // Is production environment
		LogLevel:    v.GetString("LOG_LEVEL"),    // Log level
		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),

		DefaultCurrency:      strings.ToUpper(v.GetString("DEFAULT_CURRENCY")),
		RequireVerifiedEmail: v.GetBool("REQUIRE_VERIFIED_EMAIL"),

		TokenTTL:                v.GetDuration("TOKEN_TTL"),
		TokenLimitPerUser:       v.GetInt("TOKEN_LIMIT_PER_USER"),
		TokenAutoRefresh:        v.GetBool("TOKEN_AUTO_REFRESH"),
		TokenMinRefreshInterval: v.GetDuration("TOKEN_MIN_REFRESH_INTERVAL"),
		TokenStorage:            strings.ToLower(v.GetString("TOKEN_STORAGE")),
		LiveKeyPrefix:           v.GetString("LIVE_KEY_PREFIX"),
		TestKeyPrefix:           v.GetString("TEST_KEY_PREFIX"),
		AuthHeaderPrefix:        v.GetString("AUTH_HEADER_PREFIX"),

		LedgerMaxRetries: v.GetInt("LEDGER_MAX_RETRIES"),
		LoginRateLimit:   v.GetInt("LOGIN_RATE_LIMIT"),
		LoginRateWindow:  v.GetDuration("LOGIN_RATE_WINDOW"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with
func (c *Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be mysql or postgres, got %q", c.DBDriver))
	}
	switch c.TokenStorage {
	case "hashed", "plain":
	default:
		errs = append(errs, fmt.Errorf("TOKEN_STORAGE must be hashed or plain, got %q", c.TokenStorage))
	}
	if c.LiveKeyPrefix == "" || c.TestKeyPrefix == "" || strings.HasPrefix(c.LiveKeyPrefix, c.TestKeyPrefix) || strings.HasPrefix(c.TestKeyPrefix, c.LiveKeyPrefix) {
		errs = append(errs, errors.New("LIVE_KEY_PREFIX and TEST_KEY_PREFIX must be non-empty and distinct"))
	}
	if c.IsProd && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required in production"))
	}
	if c.TokenTTL < 0 || c.TokenLimitPerUser < 0 || c.LedgerMaxRetries < 0 {
		errs = append(errs, errors.New("TOKEN_TTL, TOKEN_LIMIT_PER_USER and LEDGER_MAX_RETRIES must not be negative"))
	}
	if c.TokenTTL%time.Second != 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be a whole number of seconds, got %s", c.TokenTTL))
	}
	return errors.Join(errs...)
}

// MySQLDSN builds the DSN the same way for the server and the migrator
func (c *Config) MySQLDSN() string {
	return c.DBUser + ":" + c.DBPassword + "@tcp(" + c.DBHost + ":" + c.DBPort + ")/" + c.DBName + "?parseTime=true"
}

// PostgresDSN returns DATABASE_URL or a key/value DSN from the DB fields
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable", c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
