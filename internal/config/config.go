// Package config handles application configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Quota storage backends.
const (
	QuotaBackendSQLite = "sqlite"
	QuotaBackendRedis  = "redis"
)

// Result storage backends.
const (
	ResultStoreMemory = "memory"
	ResultStoreS3     = "s3"
)

const insecureTokenSecret = "dev-download-secret-change-me"

// Governance holds the limits that gate admission and engine invocation.
// Field names mirror the YAML governance file.
type Governance struct {
	MaxQueryDurationSeconds int      `yaml:"maxQueryDurationSeconds"`
	MaxResultRows           int      `yaml:"maxResultRows"`
	MaxResultSizeMB         int      `yaml:"maxResultSizeMb"`
	AllowedEngines          []string `yaml:"allowedEngines"`
	AllowedFileTypes        []string `yaml:"allowedFileTypes"`
	MaxFileSizeMB           int      `yaml:"maxFileSizeMb"`
	QueriesPerHour          int      `yaml:"queriesPerHour"`
	QueriesPerDay           int      `yaml:"queriesPerDay"`
	ResultExpirationHours   int      `yaml:"resultExpirationHours"`
}

// DefaultGovernance returns the built-in limits.
func DefaultGovernance() Governance {
	return Governance{
		MaxQueryDurationSeconds: 300,
		MaxResultRows:           10000,
		MaxResultSizeMB:         100,
		AllowedEngines:          []string{"duckdb"},
		AllowedFileTypes:        []string{"csv", "parquet", "json"},
		MaxFileSizeMB:           100,
		QueriesPerHour:          60,
		QueriesPerDay:           500,
		ResultExpirationHours:   24,
	}
}

// MaxQueryDuration returns the per-query engine deadline.
func (g Governance) MaxQueryDuration() time.Duration {
	return time.Duration(g.MaxQueryDurationSeconds) * time.Second
}

// ResultExpiration returns the lifetime of stored results and download tokens.
func (g Governance) ResultExpiration() time.Duration {
	return time.Duration(g.ResultExpirationHours) * time.Hour
}

// MaxResultBytes returns the largest serialized result the vault accepts.
func (g Governance) MaxResultBytes() int64 {
	return int64(g.MaxResultSizeMB) * 1024 * 1024
}

// EngineAllowed reports whether name is in AllowedEngines.
func (g Governance) EngineAllowed(name string) bool {
	for _, e := range g.AllowedEngines {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// FileTypeAllowed reports whether name is in AllowedFileTypes.
func (g Governance) FileTypeAllowed(name string) bool {
	for _, f := range g.AllowedFileTypes {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}

// Validate checks that every bound is positive.
func (g Governance) Validate() error {
	switch {
	case g.MaxQueryDurationSeconds <= 0:
		return fmt.Errorf("maxQueryDurationSeconds must be positive")
	case g.MaxResultRows <= 0:
		return fmt.Errorf("maxResultRows must be positive")
	case g.MaxResultSizeMB <= 0:
		return fmt.Errorf("maxResultSizeMb must be positive")
	case g.QueriesPerHour <= 0:
		return fmt.Errorf("queriesPerHour must be positive")
	case g.QueriesPerDay <= 0:
		return fmt.Errorf("queriesPerDay must be positive")
	case g.ResultExpirationHours <= 0:
		return fmt.Errorf("resultExpirationHours must be positive")
	case len(g.AllowedEngines) == 0:
		return fmt.Errorf("allowedEngines must not be empty")
	}
	return nil
}

// S3Config holds object storage settings for the S3 result store.
type S3Config struct {
	KeyID    string
	Secret   string
	Endpoint string
	Region   string
	Bucket   string
	Prefix   string
}

// Complete reports whether every required S3 field is set.
func (s S3Config) Complete() bool {
	return s.KeyID != "" && s.Secret != "" && s.Endpoint != "" && s.Region != "" && s.Bucket != ""
}

// Config holds the configuration for the governance service.
type Config struct {
	ListenAddr    string // HTTP listen address (default ":8080")
	MetaDBPath    string // SQLite ledger/quota file
	DuckDBPath    string // database the duckdb engine queries ("" is in-memory)
	LogLevel      string // debug, info, warn, error (default "info")
	Env           string // "development" (default) or "production"
	JWTSecret     string // HS256 secret for caller identity
	PublicBaseURL string // prefix for download URLs ("" keeps them relative)

	DownloadTokenSecret string
	ReclaimSchedule     string // cron spec for the vault sweep (default "@hourly")

	QuotaBackend    string // sqlite or redis
	QuotaMaxRetries int    // optimistic-concurrency retries before a transient error
	RedisAddr       string
	RedisPassword   string
	RedisDB         int

	ResultStore string // memory or s3
	S3          S3Config

	RemoteEngineURL   string // compute agent base URL; enables the "remote" engine
	RemoteEngineToken string

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	Governance Governance

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables. The governance
// block starts from defaults, is overlaid by GOVERNANCE_CONFIG_FILE when set,
// and finally by individual GOV_* variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:          os.Getenv("LISTEN_ADDR"),
		MetaDBPath:          os.Getenv("META_DB_PATH"),
		DuckDBPath:          os.Getenv("DUCKDB_PATH"),
		LogLevel:            os.Getenv("LOG_LEVEL"),
		Env:                 os.Getenv("ENV"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		PublicBaseURL:       strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/"),
		DownloadTokenSecret: os.Getenv("DOWNLOAD_TOKEN_SECRET"),
		ReclaimSchedule:     os.Getenv("RECLAIM_SCHEDULE"),
		QuotaBackend:        strings.ToLower(os.Getenv("QUOTA_BACKEND")),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		ResultStore:         strings.ToLower(os.Getenv("RESULT_STORE")),
		RemoteEngineURL:     strings.TrimRight(os.Getenv("REMOTE_ENGINE_URL"), "/"),
		RemoteEngineToken:   os.Getenv("REMOTE_ENGINE_TOKEN"),
		S3: S3Config{
			KeyID:    os.Getenv("S3_KEY_ID"),
			Secret:   os.Getenv("S3_SECRET"),
			Endpoint: os.Getenv("S3_ENDPOINT"),
			Region:   os.Getenv("S3_REGION"),
			Bucket:   os.Getenv("S3_BUCKET"),
			Prefix:   os.Getenv("S3_PREFIX"),
		},
		Governance: DefaultGovernance(),
	}

	var err error
	if cfg.QuotaMaxRetries, err = intEnv("QUOTA_MAX_RETRIES", 10); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = intEnv("RATE_LIMIT_BURST", 200); err != nil {
		return nil, err
	}
	cfg.RateLimitRPS = 100
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPS: %w", err)
		}
		cfg.RateLimitRPS = f
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	if path := os.Getenv("GOVERNANCE_CONFIG_FILE"); path != "" {
		if err := loadGovernanceFile(path, &cfg.Governance); err != nil {
			return nil, err
		}
	}
	if err := applyGovernanceEnv(&cfg.Governance); err != nil {
		return nil, err
	}
	if err := cfg.Governance.Validate(); err != nil {
		return nil, fmt.Errorf("governance config: %w", err)
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetaDBPath == "" {
		cfg.MetaDBPath = "governance.sqlite"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ReclaimSchedule == "" {
		cfg.ReclaimSchedule = "@hourly"
	}
	if cfg.QuotaBackend == "" {
		cfg.QuotaBackend = QuotaBackendSQLite
	}
	if cfg.ResultStore == "" {
		cfg.ResultStore = ResultStoreMemory
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if cfg.DownloadTokenSecret == "" {
		cfg.DownloadTokenSecret = insecureTokenSecret
		cfg.Warnings = append(cfg.Warnings, "DOWNLOAD_TOKEN_SECRET not set, using insecure default")
	}
	if cfg.JWTSecret == "" {
		cfg.Warnings = append(cfg.Warnings, "JWT_SECRET not set, callers are identified by the X-User-ID header")
	}

	switch cfg.QuotaBackend {
	case QuotaBackendSQLite:
	case QuotaBackendRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when QUOTA_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unknown QUOTA_BACKEND %q", cfg.QuotaBackend)
	}
	switch cfg.ResultStore {
	case ResultStoreMemory:
	case ResultStoreS3:
		if !cfg.S3.Complete() {
			return nil, fmt.Errorf("S3_KEY_ID, S3_SECRET, S3_ENDPOINT, S3_REGION and S3_BUCKET are required when RESULT_STORE=s3")
		}
	default:
		return nil, fmt.Errorf("unknown RESULT_STORE %q", cfg.ResultStore)
	}
	if cfg.Governance.EngineAllowed("remote") && cfg.RemoteEngineURL == "" {
		cfg.Warnings = append(cfg.Warnings, "engine \"remote\" is allowed but REMOTE_ENGINE_URL is not set")
	}

	// Production mode: insecure defaults are fatal errors.
	if cfg.IsProduction() {
		if cfg.DownloadTokenSecret == insecureTokenSecret {
			return nil, fmt.Errorf("DOWNLOAD_TOKEN_SECRET must be set in production (ENV=production)")
		}
		if cfg.JWTSecret == "" {
			return nil, fmt.Errorf("JWT_SECRET must be set in production (ENV=production)")
		}
		if len(cfg.CORSAllowedOrigins) == 1 && cfg.CORSAllowedOrigins[0] == "*" {
			return nil, fmt.Errorf("CORS wildcard (*) is not allowed in production (ENV=production)")
		}
	}

	return cfg, nil
}

func loadGovernanceFile(path string, g *Governance) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled
	if err != nil {
		return fmt.Errorf("read governance config %s: %w", path, err)
	}
	var doc struct {
		Governance Governance `yaml:"governance"`
	}
	doc.Governance = *g
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse governance config %s: %w", path, err)
	}
	*g = doc.Governance
	return nil
}

func applyGovernanceEnv(g *Governance) error {
	ints := []struct {
		key string
		dst *int
	}{
		{"GOV_MAX_QUERY_DURATION_SECONDS", &g.MaxQueryDurationSeconds},
		{"GOV_MAX_RESULT_ROWS", &g.MaxResultRows},
		{"GOV_MAX_RESULT_SIZE_MB", &g.MaxResultSizeMB},
		{"GOV_MAX_FILE_SIZE_MB", &g.MaxFileSizeMB},
		{"GOV_QUERIES_PER_HOUR", &g.QueriesPerHour},
		{"GOV_QUERIES_PER_DAY", &g.QueriesPerDay},
		{"GOV_RESULT_EXPIRATION_HOURS", &g.ResultExpirationHours},
	}
	for _, it := range ints {
		v, err := intEnv(it.key, *it.dst)
		if err != nil {
			return err
		}
		*it.dst = v
	}
	if v := os.Getenv("GOV_ALLOWED_ENGINES"); v != "" {
		g.AllowedEngines = splitList(v)
	}
	if v := os.Getenv("GOV_ALLOWED_FILE_TYPES"); v != "" {
		g.AllowedFileTypes = splitList(v)
	}
	return nil
}

func intEnv(key string, defaultVal int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
