package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"gridcollab/internal/collab"
)

type Database struct {
	User     string
	Password string
	Host     string
	Port     string
	Name     string
	SSLMode  string
}

// Enabled reports whether a database was configured at all.
func (d Database) Enabled() bool { return d.Host != "" }

// DSN builds the lib/pq connection string.
func (d Database) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     d.Host,
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + url.QueryEscape(d.SSLMode),
	}
	if d.Port != "" {
		u.Host = d.Host + ":" + d.Port
	}
	return u.String()
}

type Config struct {
	Port           string
	LogLevel       string
	JWTSecret      string
	AllowedOrigins []string
	DB             Database

	// DefaultRole is granted to users without a collaborator row.
	DefaultRole string

	ConflictWindow   time.Duration
	WindowCapacity   int
	OfflineRetention time.Duration
	SweepInterval    time.Duration

	Session collab.Settings
}

// Load reads .env when present and then the process environment.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from environment variables only. Every
// invalid value is reported, not just the first.
func FromEnv() (Config, error) {
	var errs error

	cfg := Config{
		Port:           env("PORT", "8080"),
		LogLevel:       env("LOG_LEVEL", "info"),
		JWTSecret:      env("JWT_SECRET", ""),
		AllowedOrigins: list(env("ALLOWED_ORIGINS", "")),
		DB: Database{
			User:     env("user", ""),
			Password: env("password", ""),
			Host:     env("host", ""),
			Port:     env("port", "5432"),
			Name:     env("dbname", "postgres"),
			SSLMode:  env("DB_SSLMODE", "require"),
		},
		DefaultRole: env("DEFAULT_ROLE", collab.RoleWriter),
	}

	cfg.ConflictWindow = duration("CONFLICT_WINDOW", collab.DefaultConflictWindow, &errs)
	cfg.WindowCapacity = integer("CONFLICT_WINDOW_CAPACITY", collab.DefaultWindowCapacity, &errs)
	cfg.OfflineRetention = duration("OFFLINE_RETENTION", 5*time.Minute, &errs)
	cfg.SweepInterval = duration("SWEEP_INTERVAL", 30*time.Second, &errs)

	defaults := collab.DefaultSettings()
	cfg.Session = defaults
	cfg.Session.MaxUsers = integer("SESSION_MAX_USERS", defaults.MaxUsers, &errs)
	cfg.Session.AllowAnonymous = boolean("SESSION_ALLOW_ANONYMOUS", defaults.AllowAnonymous, &errs)
	cfg.Session.ConflictResolution = collab.ConflictPolicy(env("SESSION_CONFLICT_RESOLUTION", string(defaults.ConflictResolution)))
	cfg.Session.AutoSaveIntervalSeconds = integer("SESSION_AUTOSAVE_INTERVAL", defaults.AutoSaveIntervalSeconds, &errs)

	return cfg, multierr.Append(errs, cfg.Validate())
}

// Validate checks values that parsed but make no sense together.
func (c Config) Validate() error {
	var errs error
	if c.ConflictWindow <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("CONFLICT_WINDOW must be positive"))
	}
	if c.WindowCapacity < 8 {
		errs = multierr.Append(errs, fmt.Errorf("CONFLICT_WINDOW_CAPACITY must be at least 8"))
	}
	if c.SweepInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("SWEEP_INTERVAL must be positive"))
	}
	if c.OfflineRetention < 0 {
		errs = multierr.Append(errs, fmt.Errorf("OFFLINE_RETENTION must not be negative"))
	}
	if c.Session.MaxUsers < 0 {
		errs = multierr.Append(errs, fmt.Errorf("SESSION_MAX_USERS must not be negative"))
	}
	if !c.Session.ConflictResolution.Valid() {
		errs = multierr.Append(errs, fmt.Errorf("SESSION_CONFLICT_RESOLUTION %q is not one of last-write-wins, merge, manual", c.Session.ConflictResolution))
	}
	if _, ok := collab.RolePermissions(c.DefaultRole); !ok {
		errs = multierr.Append(errs, fmt.Errorf("DEFAULT_ROLE %q is not a known role", c.DefaultRole))
	}
	return errs
}

func env(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func list(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func duration(key string, fallback time.Duration, errs *error) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func integer(key string, fallback int, errs *error) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func boolean(key string, fallback bool, errs *error) bool {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}
