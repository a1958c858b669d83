// package config loads the application configuration from a JSON file with
// environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrConfigInvalid is returned when the loaded configuration cannot be used.
var ErrConfigInvalid = errors.New("config invalid")

// DefaultPath is used when GROUPSCAN_CONFIG is not set.
const DefaultPath = "config.json"

// Config holds all application configuration.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Database  DatabaseConfig  `json:"database"`
	Bot       BotConfig       `json:"bot"`
	Limits    LimitsConfig    `json:"limits"`
	Scan      ScanConfig      `json:"scan"`
	Retention RetentionConfig `json:"retention"`
	Server    ServerConfig    `json:"server"`
	NATS      NATSConfig      `json:"nats"`
	Redis     RedisConfig     `json:"redis"`
	Logging   LoggingConfig   `json:"logging"`
	Sessions  SessionsConfig  `json:"sessions"`

	// DatabaseURL overrides the DSN built from Database when set (DATABASE_URL).
	DatabaseURL string `json:"-"`
}

// TelegramConfig holds the personal account credentials.
type TelegramConfig struct {
	APIID       FlexInt `json:"api_id"`
	APIHash     string  `json:"api_hash"`
	PhoneNumber string  `json:"phone_number"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`

	MaxConns       int  `json:"max_conns"`
	MaxIdleMinutes int  `json:"max_idle_minutes"`
	LogQueries     bool `json:"log_queries"`
}

// BotConfig holds the optional bot credentials. Empty APIID/APIHash fall back
// to the telegram section.
type BotConfig struct {
	Token    string         `json:"token"`
	APIID    FlexInt        `json:"api_id"`
	APIHash  string         `json:"api_hash"`
	Workload WorkloadConfig `json:"workload"`
}

type WorkloadConfig struct {
	MaxMonitoredGroups          int `json:"max_monitored_groups"`
	MaxMonitoredMembersPerGroup int `json:"max_monitored_members_per_group"`
}

// LimitsConfig bounds account usage. Zero means unlimited.
type LimitsConfig struct {
	MaxAccounts         int     `json:"max_accounts"`
	MaxGroupsPerAccount int     `json:"max_groups_per_account"`
	MaxMessagesPerDay   int     `json:"max_messages_per_day"`
	DelayMin            float64 `json:"delay_min"`
	DelayMax            float64 `json:"delay_max"`
	Preset              string  `json:"preset"`
	DelayPreset         string  `json:"delay_preset"`
}

type ScanConfig struct {
	PageSize                int     `json:"page_size"`
	TransientRetries        int     `json:"transient_retries"`
	AccountRateLimitRetries int     `json:"account_rate_limit_retries"`
	MaxRetryAfterSeconds    int     `json:"max_retry_after_seconds"`
	MaxConcurrentJobs       int     `json:"max_concurrent_jobs"`
	PollIntervalMs          int     `json:"poll_interval_ms"`
	RequestsPerSecond       float64 `json:"requests_per_second"`
}

type RetentionConfig struct {
	Days             int    `json:"days"`
	Schedule         string `json:"schedule"`
	RescanSchedule   string `json:"rescan_schedule"`
	RescanAfterHours int    `json:"rescan_after_hours"`
}

type ServerConfig struct {
	Port int `json:"port"`
}

type NATSConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type RedisConfig struct {
	Addr       string `json:"addr"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	TTLMinutes int    `json:"ttl_minutes"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

type SessionsConfig struct {
	Dir string `json:"dir"`
}

// Default returns the configuration used for missing files and sections.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "root",
			Database: "telegram_db",
			SSLMode:  "disable",
		},
		Bot: BotConfig{
			Workload: WorkloadConfig{
				MaxMonitoredGroups:          50,
				MaxMonitoredMembersPerGroup: 100,
			},
		},
		Limits: LimitsConfig{
			MaxAccounts:         5,
			MaxGroupsPerAccount: 20,
			MaxMessagesPerDay:   100,
			DelayMin:            2,
			DelayMax:            5,
			Preset:              "standard",
			DelayPreset:         "normal",
		},
		Scan: ScanConfig{
			PageSize:                200,
			TransientRetries:        3,
			AccountRateLimitRetries: 1,
			MaxRetryAfterSeconds:    300,
			MaxConcurrentJobs:       2,
			PollIntervalMs:          100,
			RequestsPerSecond:       2.0,
		},
		Retention: RetentionConfig{
			Days:             30,
			Schedule:         "@daily",
			RescanSchedule:   "@every 6h",
			RescanAfterHours: 24,
		},
		Server:   ServerConfig{Port: 3100},
		NATS:     NATSConfig{Stream: "GROUPSCAN"},
		Redis:    RedisConfig{TTLMinutes: 720},
		Logging:  LoggingConfig{Level: "info", File: "./logs/groupscan.log"},
		Sessions: SessionsConfig{Dir: "./sessions"},
	}
}

// sections lists the top-level keys every saved file carries.
var sections = []string{
	"telegram", "database", "bot", "limits", "scan",
	"retention", "server", "nats", "redis", "logging", "sessions",
}

// Load reads the JSON file at path. A missing file or missing sections are
// filled from Default and written back. Environment overrides are applied
// afterwards and never persisted. The result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getEnv("GROUPSCAN_CONFIG", DefaultPath)
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		missing, err := decode(data, cfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		if len(missing) > 0 {
			if err := cfg.Save(path); err != nil {
				return nil, err
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates a config without touching the filesystem or
// the environment. It reports the sections Load would fill from defaults.
func Parse(data []byte) (*Config, []string, error) {
	cfg := Default()
	missing, err := decode(data, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, missing, err
	}
	return cfg, missing, nil
}

// decode unmarshals data over cfg and reports which sections were absent.
func decode(data []byte, cfg *Config) ([]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	var missing []string
	for _, s := range sections {
		if _, ok := raw[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing, nil
}

// Save writes the configuration atomically: temp file in the same directory,
// fsync, rename.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Validate checks fields required to start.
func (c *Config) Validate() error {
	var problems []string

	if c.Telegram.APIID <= 0 {
		problems = append(problems, "telegram.api_id is required")
	}
	if c.Telegram.APIHash == "" {
		problems = append(problems, "telegram.api_hash is required")
	}
	if c.DatabaseURL == "" && (c.Database.Host == "" || c.Database.Database == "") {
		problems = append(problems, "database.host and database.database are required")
	}
	if _, ok := LimitPresets[c.Limits.Preset]; c.Limits.Preset != "" && !ok {
		problems = append(problems, fmt.Sprintf("unknown limits.preset %q", c.Limits.Preset))
	}
	if _, ok := DelayPresets[c.Limits.DelayPreset]; c.Limits.DelayPreset != "" && !ok {
		problems = append(problems, fmt.Sprintf("unknown limits.delay_preset %q", c.Limits.DelayPreset))
	}
	if c.Limits.DelayMin < 0 || c.Limits.DelayMax < c.Limits.DelayMin {
		problems = append(problems, "limits.delay_min must be between 0 and limits.delay_max")
	}
	if c.Database.MaxConns < 0 || c.Database.MaxIdleMinutes < 0 {
		problems = append(problems, "database.max_conns and database.max_idle_minutes must not be negative")
	}
	if c.Bot.Token != "" && c.Bot.Workload.MaxMonitoredMembersPerGroup < 0 {
		problems = append(problems, "bot.workload.max_monitored_members_per_group must not be negative")
	}

	if len(problems) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for i, p := range problems {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(p)
	}
	return fmt.Errorf("%w: %s", ErrConfigInvalid, buf.String())
}

// URL returns the postgres DSN for the database section.
func (d DatabaseConfig) URL() string {
	port := d.Port
	if port == 0 {
		port = 5432
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:   "/" + d.Database,
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(d.SSLMode)
	}
	return u.String()
}

// MaxIdle returns the idle connection lifetime, zero for the driver default.
func (d DatabaseConfig) MaxIdle() time.Duration {
	return time.Duration(d.MaxIdleMinutes) * time.Minute
}

// DSN returns DATABASE_URL when set, the database section otherwise.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.Database.URL()
}

// BotCredentials returns the api id/hash the bot session should use.
func (c *Config) BotCredentials() (int, string) {
	id, hash := int(c.Bot.APIID), c.Bot.APIHash
	if id == 0 || hash == "" {
		return int(c.Telegram.APIID), c.Telegram.APIHash
	}
	return id, hash
}

// HasBot reports whether a bot token is configured.
func (c *Config) HasBot() bool {
	return c.Bot.Token != ""
}

// PollInterval returns how often paused scans re-check their flags.
func (c *Config) PollInterval() time.Duration {
	if c.Scan.PollIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(c.Scan.PollIntervalMs) * time.Millisecond
}

// MaxRetryAfter caps platform-mandated waits.
func (c *Config) MaxRetryAfter() time.Duration {
	if c.Scan.MaxRetryAfterSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.Scan.MaxRetryAfterSeconds) * time.Second
}

func (c *Config) applyEnv() {
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.Server.Port = getEnvInt("HTTP_PORT", c.Server.Port)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = getEnv("LOG_FILE", c.Logging.File)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Bot.Token = getEnv("TG_BOT_TOKEN", c.Bot.Token)
	c.Scan.RequestsPerSecond = getEnvFloat("TG_REQUESTS_PER_SECOND", c.Scan.RequestsPerSecond)
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
