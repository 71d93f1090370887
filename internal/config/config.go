package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/gafsiahmed/biblio-managment-system/internal/cache"
	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
	"github.com/gafsiahmed/biblio-managment-system/internal/notify"
	"github.com/gafsiahmed/biblio-managment-system/internal/scheduler"
)

// Config is the process configuration. Precedence, lowest first: defaults,
// the YAML file named by BIBLIO_CONFIG, BIBLIO_* environment variables
// (a .env file in the working directory is loaded into the environment).
type Config struct {
	Env         string        `yaml:"env"`
	HTTPAddr    string        `yaml:"http_addr"`
	GRPCAddr    string        `yaml:"grpc_addr"`
	PGDSN       string        `yaml:"pg_dsn"`
	LockTimeout time.Duration `yaml:"lock_timeout"`

	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`

	RateLimitRPS float64  `yaml:"rate_limit_rps"`
	RateBurst    int      `yaml:"rate_burst"`
	CORSOrigins  []string `yaml:"cors_origins"`

	Redis       cache.RedisConfig  `yaml:"redis"`
	PositionTTL time.Duration      `yaml:"position_ttl"`
	Kafka       notify.KafkaConfig `yaml:"kafka"`

	Policy   lending.Policy     `yaml:"policy"`
	Schedule scheduler.Schedule `yaml:"schedule"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Env:          "production",
		HTTPAddr:     ":8080",
		GRPCAddr:     ":9090",
		LockTimeout:  2 * time.Second,
		TokenTTL:     time.Hour,
		RateLimitRPS: 20,
		RateBurst:    40,
		PositionTTL:  30 * time.Second,
		Kafka: notify.KafkaConfig{
			Topic:    "biblio.notifications",
			ClientID: "biblio",
			Acks:     "all",
			Retries:  3,
		},
		Policy:   lending.DefaultPolicy(),
		Schedule: scheduler.DefaultSchedule(),
	}
}

// Load builds the configuration from the environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("BIBLIO_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Env = getEnv("BIBLIO_ENV", c.Env)
	c.HTTPAddr = getEnv("BIBLIO_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("BIBLIO_GRPC_ADDR", c.GRPCAddr)
	c.PGDSN = getEnv("BIBLIO_PG_DSN", c.PGDSN)
	c.JWTSecret = getEnv("BIBLIO_JWT_SECRET", c.JWTSecret)
	c.Redis.Addr = getEnv("BIBLIO_REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("BIBLIO_REDIS_PASSWORD", c.Redis.Password)
	c.Kafka.Topic = getEnv("BIBLIO_KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.Acks = getEnv("BIBLIO_KAFKA_ACKS", c.Kafka.Acks)
	c.Schedule.Overdue = getEnv("BIBLIO_CRON_OVERDUE", c.Schedule.Overdue)
	c.Schedule.DueSoon = getEnv("BIBLIO_CRON_DUE_SOON", c.Schedule.DueSoon)
	c.Schedule.HoldExpiry = getEnv("BIBLIO_CRON_HOLD_EXPIRY", c.Schedule.HoldExpiry)
	c.Policy.Currency = getEnv("BIBLIO_CURRENCY", c.Policy.Currency)
	if v := getList("BIBLIO_KAFKA_BROKERS"); v != nil {
		c.Kafka.Brokers = v
	}
	if v := getList("BIBLIO_CORS_ORIGINS"); v != nil {
		c.CORSOrigins = v
	}

	var errs []error
	c.Redis.DB = getEnvAsInt("BIBLIO_REDIS_DB", c.Redis.DB, &errs)
	c.Kafka.Retries = getEnvAsInt("BIBLIO_KAFKA_RETRIES", c.Kafka.Retries, &errs)
	c.RateBurst = getEnvAsInt("BIBLIO_RATE_BURST", c.RateBurst, &errs)
	c.Policy.MaxRenewals = getEnvAsInt("BIBLIO_MAX_RENEWALS", c.Policy.MaxRenewals, &errs)
	c.Policy.FeePerDay = int64(getEnvAsInt("BIBLIO_FEE_PER_DAY", int(c.Policy.FeePerDay), &errs))
	c.Policy.FeeCap = int64(getEnvAsInt("BIBLIO_FEE_CAP", int(c.Policy.FeeCap), &errs))
	c.RateLimitRPS = getEnvAsFloat("BIBLIO_RATE_LIMIT_RPS", c.RateLimitRPS, &errs)
	c.LockTimeout = getEnvAsDuration("BIBLIO_LOCK_TIMEOUT", c.LockTimeout, &errs)
	c.TokenTTL = getEnvAsDuration("BIBLIO_TOKEN_TTL", c.TokenTTL, &errs)
	c.PositionTTL = getEnvAsDuration("BIBLIO_POSITION_TTL", c.PositionTTL, &errs)
	c.Policy.LoanPeriod = getEnvAsDuration("BIBLIO_LOAN_PERIOD", c.Policy.LoanPeriod, &errs)
	c.Policy.RenewalPeriod = getEnvAsDuration("BIBLIO_RENEWAL_PERIOD", c.Policy.RenewalPeriod, &errs)
	c.Policy.HoldWindow = getEnvAsDuration("BIBLIO_HOLD_WINDOW", c.Policy.HoldWindow, &errs)
	c.Policy.DueSoonWindow = getEnvAsDuration("BIBLIO_DUE_SOON_WINDOW", c.Policy.DueSoonWindow, &errs)
	return errors.Join(errs...)
}

// Validate checks cross-field rules.
func (c Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.LockTimeout <= 0 {
		return errors.New("lock timeout must be positive")
	}
	if !c.Development() && c.JWTSecret == "" {
		return errors.New("BIBLIO_JWT_SECRET is required outside development")
	}
	return nil
}

// Development reports whether dev-only surfaces (token minting, demo seed) are enabled.
func (c Config) Development() bool {
	return strings.EqualFold(c.Env, "development") || strings.EqualFold(c.Env, "dev")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsInt(key string, fallback int, errs *[]error) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getEnvAsFloat(key string, fallback float64, errs *[]error) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}

func getEnvAsDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return v
}
