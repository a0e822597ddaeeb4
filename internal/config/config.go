// Package config resolves digestd settings from defaults, an optional TOML
// file and the environment, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	HTTPPort          int
	SMTPPort          int
	SMTPIngestEnabled bool
	SMTPAuthEnabled   bool
	SMTPUsername      string
	SMTPPassword      string

	StoreDriver string
	DBPath      string
	RedisURL    string
	LockPath    string
	LockTTL     time.Duration

	RelayAddr     string
	RelayUsername string
	RelayPassword string

	ServerName       string
	ServerURL        string
	ServiceName      string
	DigestFrom       string
	DirectoryDomain  string
	DirectoryEntries string

	DrainInterval    time.Duration
	DispatchInterval time.Duration
	MaxAttempts      int
	DeadLetterLimit  int

	AuthSecret string
	// OperatorPassword gates /api/login. The operator API stays closed
	// while it is empty.
	OperatorPassword string
	AdminEmails      []string
	LogLevel         string
}

func Defaults() Config {
	return Config{
		HTTPPort:          3025,
		SMTPPort:          2025,
		SMTPIngestEnabled: true,
		SMTPAuthEnabled:   false,
		SMTPUsername:      "digestd",
		SMTPPassword:      "digestd",
		StoreDriver:       "sqlite",
		ServerName:        "localhost",
		ServiceName:       "digestd",
		DrainInterval:     time.Second,
		DispatchInterval:  time.Second,
		MaxAttempts:       300,
		DeadLetterLimit:   1000,
		LockTTL:           5 * time.Minute,
		LogLevel:          "info",
	}
}

// Load reads the environment over Defaults.
func Load() Config {
	return applyEnv(Defaults())
}

type fileConfig struct {
	HTTPPort          *int     `toml:"http_port"`
	SMTPPort          *int     `toml:"smtp_port"`
	SMTPIngestEnabled *bool    `toml:"smtp_ingest_enabled"`
	SMTPAuthEnabled   *bool    `toml:"smtp_auth_enabled"`
	SMTPUsername      *string  `toml:"smtp_username"`
	SMTPPassword      *string  `toml:"smtp_password"`
	StoreDriver       *string  `toml:"store_driver"`
	DBPath            *string  `toml:"db_path"`
	RedisURL          *string  `toml:"redis_url"`
	LockPath          *string  `toml:"lock_path"`
	LockTTL           *string  `toml:"lock_ttl"`
	RelayAddr         *string  `toml:"relay_addr"`
	RelayUsername     *string  `toml:"relay_username"`
	RelayPassword     *string  `toml:"relay_password"`
	ServerName        *string  `toml:"server_name"`
	ServerURL         *string  `toml:"server_url"`
	ServiceName       *string  `toml:"service_name"`
	DigestFrom        *string  `toml:"digest_from"`
	DirectoryDomain   *string  `toml:"directory_domain"`
	DirectoryEntries  *string  `toml:"directory_entries"`
	DrainInterval     *string  `toml:"drain_interval"`
	DispatchInterval  *string  `toml:"dispatch_interval"`
	MaxAttempts       *int     `toml:"max_attempts"`
	DeadLetterLimit   *int     `toml:"dead_letter_limit"`
	AuthSecret        *string  `toml:"auth_secret"`
	OperatorPassword  *string  `toml:"operator_password"`
	AdminEmails       []string `toml:"admin_emails"`
	LogLevel          *string  `toml:"log_level"`
}

// LoadFile layers the TOML file at path over Defaults, then the environment
// over that. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return applyEnv(cfg), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var file fileConfig
	if err := toml.Unmarshal(data, &file); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := file.apply(&cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return applyEnv(cfg), nil
}

func (f fileConfig) apply(cfg *Config) error {
	setInt(&cfg.HTTPPort, f.HTTPPort)
	setInt(&cfg.SMTPPort, f.SMTPPort)
	setBool(&cfg.SMTPIngestEnabled, f.SMTPIngestEnabled)
	setBool(&cfg.SMTPAuthEnabled, f.SMTPAuthEnabled)
	setString(&cfg.SMTPUsername, f.SMTPUsername)
	setString(&cfg.SMTPPassword, f.SMTPPassword)
	setString(&cfg.StoreDriver, f.StoreDriver)
	setString(&cfg.DBPath, f.DBPath)
	setString(&cfg.RedisURL, f.RedisURL)
	setString(&cfg.LockPath, f.LockPath)
	setString(&cfg.RelayAddr, f.RelayAddr)
	setString(&cfg.RelayUsername, f.RelayUsername)
	setString(&cfg.RelayPassword, f.RelayPassword)
	setString(&cfg.ServerName, f.ServerName)
	setString(&cfg.ServerURL, f.ServerURL)
	setString(&cfg.ServiceName, f.ServiceName)
	setString(&cfg.DigestFrom, f.DigestFrom)
	setString(&cfg.DirectoryDomain, f.DirectoryDomain)
	setString(&cfg.DirectoryEntries, f.DirectoryEntries)
	setInt(&cfg.MaxAttempts, f.MaxAttempts)
	setInt(&cfg.DeadLetterLimit, f.DeadLetterLimit)
	setString(&cfg.AuthSecret, f.AuthSecret)
	setString(&cfg.OperatorPassword, f.OperatorPassword)
	setString(&cfg.LogLevel, f.LogLevel)
	if f.AdminEmails != nil {
		cfg.AdminEmails = f.AdminEmails
	}
	if f.DrainInterval != nil {
		d, err := time.ParseDuration(*f.DrainInterval)
		if err != nil {
			return fmt.Errorf("drain_interval: %w", err)
		}
		cfg.DrainInterval = d
	}
	if f.LockTTL != nil {
		d, err := time.ParseDuration(*f.LockTTL)
		if err != nil {
			return fmt.Errorf("lock_ttl: %w", err)
		}
		cfg.LockTTL = d
	}
	if f.DispatchInterval != nil {
		d, err := time.ParseDuration(*f.DispatchInterval)
		if err != nil {
			return fmt.Errorf("dispatch_interval: %w", err)
		}
		cfg.DispatchInterval = d
	}
	return nil
}

func applyEnv(base Config) Config {
	return Config{
		HTTPPort:          getEnvInt("HTTP_PORT", base.HTTPPort),
		SMTPPort:          getEnvInt("SMTP_PORT", base.SMTPPort),
		SMTPIngestEnabled: getEnvBool("SMTP_INGEST_ENABLED", base.SMTPIngestEnabled),
		SMTPAuthEnabled:   getEnvBool("SMTP_AUTH_ENABLED", base.SMTPAuthEnabled),
		SMTPUsername:      getEnvString("SMTP_USERNAME", base.SMTPUsername),
		SMTPPassword:      getEnvString("SMTP_PASSWORD", base.SMTPPassword),
		StoreDriver:       getEnvString("STORE_DRIVER", base.StoreDriver),
		DBPath:            getEnvString("DB_PATH", base.DBPath),
		RedisURL:          getEnvString("REDIS_URL", base.RedisURL),
		LockPath:          getEnvString("LOCK_PATH", base.LockPath),
		LockTTL:           getEnvDuration("LOCK_TTL", base.LockTTL),
		RelayAddr:         getEnvString("RELAY_ADDR", base.RelayAddr),
		RelayUsername:     getEnvString("RELAY_USERNAME", base.RelayUsername),
		RelayPassword:     getEnvString("RELAY_PASSWORD", base.RelayPassword),
		ServerName:        getEnvString("SERVER_NAME", base.ServerName),
		ServerURL:         getEnvString("SERVER_URL", base.ServerURL),
		ServiceName:       getEnvString("SERVICE_NAME", base.ServiceName),
		DigestFrom:        getEnvString("DIGEST_FROM", base.DigestFrom),
		DirectoryDomain:   getEnvString("DIRECTORY_DOMAIN", base.DirectoryDomain),
		DirectoryEntries:  getEnvString("DIRECTORY_ENTRIES", base.DirectoryEntries),
		DrainInterval:     getEnvDuration("DRAIN_INTERVAL", base.DrainInterval),
		DispatchInterval:  getEnvDuration("DISPATCH_INTERVAL", base.DispatchInterval),
		MaxAttempts:       getEnvInt("MAX_ATTEMPTS", base.MaxAttempts),
		DeadLetterLimit:   getEnvInt("DEAD_LETTER_LIMIT", base.DeadLetterLimit),
		AuthSecret:        getEnvString("AUTH_SECRET", base.AuthSecret),
		OperatorPassword:  getEnvString("OPERATOR_PASSWORD", base.OperatorPassword),
		AdminEmails:       getEnvList("ADMIN_EMAILS", base.AdminEmails),
		LogLevel:          getEnvString("LOG_LEVEL", base.LogLevel),
	}
}

// From returns the digest sender address, postmaster@ServerName unless
// DIGEST_FROM is set.
func (c Config) From() string {
	if c.DigestFrom != "" {
		return c.DigestFrom
	}
	return "postmaster@" + c.ServerName
}

func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var list []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			list = append(list, trimmed)
		}
	}
	return list
}
