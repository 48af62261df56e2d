package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds runtime settings. Sources are applied in order: defaults,
// optional YAML file named by DM_CONFIG_FILE, .env, process environment.
type Config struct {
	Port        string `yaml:"port"`
	GRPCPort    string `yaml:"grpc_port"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
	DebugRoutes bool   `yaml:"debug_routes"`

	DatabaseDSN string `yaml:"db_dsn"`

	AMQPURL         string `yaml:"amqp_url"`
	AMQPExchange    string `yaml:"amqp_exchange"`
	AuditRoutingKey string `yaml:"audit_routing_key"`

	OTLPEndpoint string `yaml:"otel_exporter_otlp_endpoint"`

	JWTSecret string `yaml:"auth_jwt_secret"`

	CloudinaryURL string `yaml:"cloudinary_url"`
	UploadFolder  string `yaml:"upload_folder"`

	PresenceTimeout    time.Duration `yaml:"presence_timeout"`
	PresenceSweepEvery time.Duration `yaml:"presence_sweep_every"`
	TypingInterval     time.Duration `yaml:"typing_rate"`
	HistoryPageSize    int           `yaml:"history_page_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:               "8083",
		GRPCPort:           "9083",
		Environment:        "dev",
		LogLevel:           "info",
		AMQPExchange:       "dm.events",
		AuditRoutingKey:    "audit.dm",
		UploadFolder:       "dm-attachments",
		PresenceTimeout:    60 * time.Second,
		PresenceSweepEvery: 15 * time.Second,
		TypingInterval:     time.Second,
		HistoryPageSize:    20,
	}
}

// Load builds the configuration from every source.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("DM_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	_ = godotenv.Load(".env")

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.DatabaseDSN = getEnv("DB_DSN", c.DatabaseDSN)
	c.AMQPURL = getEnv("AMQP_URL", c.AMQPURL)
	c.AMQPExchange = getEnv("AMQP_EXCHANGE", c.AMQPExchange)
	c.AuditRoutingKey = getEnv("AUDIT_ROUTING_KEY", c.AuditRoutingKey)
	c.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", c.OTLPEndpoint)
	c.JWTSecret = getEnv("AUTH_JWT_SECRET", c.JWTSecret)
	c.CloudinaryURL = getEnv("CLOUDINARY_URL", c.CloudinaryURL)
	c.UploadFolder = getEnv("UPLOAD_FOLDER", c.UploadFolder)

	var err error
	if c.DebugRoutes, err = envBool("DEBUG_ROUTES", c.DebugRoutes); err != nil {
		return err
	}
	if c.PresenceTimeout, err = envDuration("PRESENCE_TIMEOUT", c.PresenceTimeout); err != nil {
		return err
	}
	if c.PresenceSweepEvery, err = envDuration("PRESENCE_SWEEP_EVERY", c.PresenceSweepEvery); err != nil {
		return err
	}
	if c.TypingInterval, err = envDuration("TYPING_RATE", c.TypingInterval); err != nil {
		return err
	}
	if c.HistoryPageSize, err = envInt("HISTORY_PAGE_SIZE", c.HistoryPageSize); err != nil {
		return err
	}
	return nil
}

func (c Config) validate() error {
	if c.PresenceTimeout <= 0 {
		return fmt.Errorf("presence timeout must be positive, got %s", c.PresenceTimeout)
	}
	if c.PresenceSweepEvery <= 0 {
		return fmt.Errorf("presence sweep interval must be positive, got %s", c.PresenceSweepEvery)
	}
	if c.HistoryPageSize <= 0 || c.HistoryPageSize > 100 {
		return fmt.Errorf("history page size must be in 1..100, got %d", c.HistoryPageSize)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func envBool(key string, fallback bool) (bool, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
