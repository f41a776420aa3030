package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tokligence/tokligence-credits/internal/hooks"
	"github.com/tokligence/tokligence-credits/internal/ledger"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/credits.ini"

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// CreditsConfig describes runtime options shared by creditsd and creditctl.
type CreditsConfig struct {
	Environment string
	HTTPAddress   string
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime int // minutes
	DBConnMaxIdleTime int // minutes
	LockTimeout       time.Duration

	AuthSecret    string
	AdminToken    string
	TokenTTL      time.Duration
	SecureCookies bool
	// ExposeChallengeCodes returns upgrade codes in the API response. Dev only.
	ExposeChallengeCodes bool

	Policy       ledger.Policy
	ActionPrices map[string]int64
	PolicyFile   string

	ResetSchedule  string
	ResetBatchSize int
	RunOnStart     bool

	CacheTTL  time.Duration
	CacheSize int
	RedisAddr string

	RateLimitRPS   float64
	RateLimitBurst int

	Hooks hooks.Config
}

// DefaultActionPrices is the stock price table.
func DefaultActionPrices() map[string]int64 {
	return map[string]int64{
		"image_analysis":   1,
		"image_generation": 2,
	}
}

// LoadCreditsConfig reads the current environment and loads the matching
// credits.ini, applying CREDITS_* environment overrides and the policy file.
func LoadCreditsConfig(root string) (CreditsConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return CreditsConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return CreditsConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}
	get := func(key string, fallback ...string) string {
		vals := append([]string{os.Getenv("CREDITS_" + strings.ToUpper(key)), merged[key]}, fallback...)
		return firstNonEmpty(vals...)
	}

	cfg := CreditsConfig{
		Environment:       s.Environment,
		HTTPAddress:       get("http_address", ":8090"),
		LogFileCLI:        get("log_file_cli", merged["log_file"]),
		LogFileDaemon:     get("log_file_daemon", merged["log_file"]),
		LogLevel:          strings.ToLower(get("log_level", "info")),
		DatabaseDriver:    strings.ToLower(get("database_driver", DriverSQLite)),
		DatabasePath:      get("database_path", DefaultDatabasePath()),
		DatabaseDSN:       get("database_dsn"),
		DBMaxOpenConns:    parseOptionalInt(get("db_max_open_conns"), 20),
		DBMaxIdleConns:    parseOptionalInt(get("db_max_idle_conns"), 5),
		DBConnMaxLifetime: parseOptionalInt(get("db_conn_max_lifetime"), 30),
		DBConnMaxIdleTime: parseOptionalInt(get("db_conn_max_idle_time"), 5),
		AuthSecret:        get("auth_secret", "tokligence-dev-secret"),
		AdminToken:        get("admin_token"),
		SecureCookies:     parseBool(get("secure_cookies")),
		PolicyFile:        get("policy_file"),
		ResetSchedule:     get("reset_schedule", "0 0 * * *"),
		ResetBatchSize:    parseOptionalInt(get("reset_batch_size"), 500),
		RunOnStart:        parseOptionalBool(get("reset_run_on_start"), true),
		CacheSize:         parseOptionalInt(get("cache_size"), 10000),
		RedisAddr:         get("redis_addr"),
		RateLimitBurst:    parseOptionalInt(get("rate_limit_burst"), 10),
		ActionPrices:      DefaultActionPrices(),
	}
	cfg.ExposeChallengeCodes = parseOptionalBool(get("expose_challenge_codes"), s.Environment == defaultEnv)

	durations := []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"lock_timeout", "2s", &cfg.LockTimeout},
		{"cache_ttl", "30s", &cfg.CacheTTL},
		{"token_ttl", "720h", &cfg.TokenTTL},
		{"anonymous_retention", "24h", &cfg.Policy.AnonymousRetention},
	}
	for _, d := range durations {
		v := get(d.key, d.fallback)
		dur, err := time.ParseDuration(v)
		if err != nil {
			return CreditsConfig{}, fmt.Errorf("invalid %s %q: %w", d.key, v, err)
		}
		*d.dst = dur
	}

	if cfg.Policy.AnonymousAllowance, err = parseInt64(get("anonymous_allowance", "10")); err != nil {
		return CreditsConfig{}, fmt.Errorf("invalid anonymous_allowance: %w", err)
	}
	if cfg.Policy.RegisteredAllowance, err = parseInt64(get("registered_allowance", "50")); err != nil {
		return CreditsConfig{}, fmt.Errorf("invalid registered_allowance: %w", err)
	}
	if v := get("rate_limit_rps", "5"); v != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return CreditsConfig{}, fmt.Errorf("invalid rate_limit_rps %q: %w", v, err)
		}
		cfg.RateLimitRPS = rps
	}

	cfg.Hooks = hooks.Config{
		Enabled:    parseBool(get("hooks_enabled")),
		ScriptPath: get("hooks_script_path"),
		ScriptArgs: parseCSV(get("hooks_script_args")),
		Env:        parseMap(get("hooks_script_env")),
	}
	if v := get("hooks_timeout"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return CreditsConfig{}, fmt.Errorf("invalid hooks_timeout %q: %w", v, err)
		}
		cfg.Hooks.Timeout = dur
	}
	if err := cfg.Hooks.Validate(); err != nil {
		return CreditsConfig{}, err
	}

	if cfg.PolicyFile != "" {
		path := cfg.PolicyFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		pf, err := LoadPolicyFile(path)
		if err != nil {
			return CreditsConfig{}, err
		}
		if err := pf.Apply(&cfg); err != nil {
			return CreditsConfig{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return CreditsConfig{}, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c CreditsConfig) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database_dsn required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported database_driver %q", c.DatabaseDriver)
	}
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	for action, price := range c.ActionPrices {
		if price <= 0 {
			return fmt.Errorf("action %q: price must be positive", action)
		}
	}
	if c.ResetBatchSize <= 0 {
		return fmt.Errorf("reset_batch_size must be positive")
	}
	return nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: firstNonEmpty(os.Getenv("CREDITS_ENV"), defaultEnv), Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := firstNonEmpty(os.Getenv("CREDITS_ENV"), values["environment"], defaultEnv)
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseInt64(v string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func parseCSV(input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(input, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseMap(input string) map[string]string {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	result := make(map[string]string)
	for _, entry := range strings.Split(input, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		if key = strings.TrimSpace(key); key != "" {
			result[key] = strings.TrimSpace(value)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// DefaultDatabasePath returns the fallback database location under the user's home directory.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "credits.db"
	}
	return filepath.Join(home, ".tokligence", "credits.db")
}
