// Package config resolves runtime settings: defaults, then an optional YAML
// file, then ADMINAUTH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"qazna.org/adminauth/internal/auth"
)

// Storage drivers understood by bootstrap.OpenPort.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBadger   = "badger"
	DriverRedis    = "redis"
)

const envPrefix = "ADMINAUTH_"

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	LogLevel string `yaml:"log_level"`

	// TrustedProxies are CIDRs or addresses allowed to set X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Storage   Storage   `yaml:"storage"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"login_rate_limit"`
	Bootstrap Bootstrap `yaml:"bootstrap"`
}

type Storage struct {
	Driver    string `yaml:"driver"`
	DSN       string `yaml:"dsn"`
	Dir       string `yaml:"dir"`
	Namespace string `yaml:"namespace"`
}

type Auth struct {
	MaxFailedAttempts int           `yaml:"max_failed_attempts"`
	LockoutDuration   time.Duration `yaml:"lockout_duration"`
	SessionMaxAge     time.Duration `yaml:"session_max_age"`
	SlidingSessions   bool          `yaml:"sliding_sessions"`
	AuditLogCap       int           `yaml:"audit_log_cap"`
	MinPasswordLength int           `yaml:"min_password_length"`
	Hasher            string        `yaml:"hasher"`
	PurgeInterval     time.Duration `yaml:"purge_interval"`
}

// RateLimit is the per-IP token bucket applied to the login route.
type RateLimit struct {
	Burst     int     `yaml:"burst"`
	PerSecond float64 `yaml:"per_second"`
}

// Bootstrap names the first administrator. Email empty skips it.
type Bootstrap struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"display_name"`
	Password    string `yaml:"password"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	def := auth.DefaultConfig()
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":9090",
		LogLevel: "info",
		Storage: Storage{
			Driver:    DriverMemory,
			Namespace: "adminauth",
		},
		Auth: Auth{
			MaxFailedAttempts: def.MaxFailedAttempts,
			LockoutDuration:   def.LockoutDuration,
			SessionMaxAge:     def.SessionMaxAge,
			AuditLogCap:       def.AuditLogCap,
			MinPasswordLength: def.MinPasswordLength,
			Hasher:            auth.HasherArgon2id,
			PurgeInterval:     10 * time.Minute,
		},
		RateLimit: RateLimit{Burst: 10, PerSecond: 1},
	}
}

// Load resolves configuration in priority order: defaults, file, env.
// A missing file at path is not an error; an empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	cfg.Auth.Hasher = strings.ToLower(strings.TrimSpace(cfg.Auth.Hasher))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honour.
func (c Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres, DriverSQLite, DriverRedis:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage driver %q requires dsn", c.Storage.Driver)
		}
	case DriverBadger:
		if c.Storage.Dir == "" {
			return fmt.Errorf("config: storage driver %q requires dir", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := auth.NewHasher(c.Auth.Hasher); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.AuthConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Auth.PurgeInterval <= 0 {
		return errors.New("config: purge_interval must be positive")
	}
	if c.RateLimit.Burst < 0 || c.RateLimit.PerSecond < 0 {
		return errors.New("config: login_rate_limit must not be negative")
	}
	for _, p := range c.TrustedProxies {
		if !validProxy(strings.TrimSpace(p)) {
			return fmt.Errorf("config: trusted_proxies entry %q is not an address or CIDR", p)
		}
	}
	if c.Bootstrap.Email != "" && c.Bootstrap.Password == "" {
		return errors.New("config: bootstrap password is required with bootstrap email")
	}
	return nil
}

func validProxy(v string) bool {
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

// AuthConfig projects the auth section onto auth.Config.
func (c Config) AuthConfig() auth.Config {
	return auth.Config{
		MaxFailedAttempts: c.Auth.MaxFailedAttempts,
		LockoutDuration:   c.Auth.LockoutDuration,
		SessionMaxAge:     c.Auth.SessionMaxAge,
		AuditLogCap:       c.Auth.AuditLogCap,
		SlidingExpiration: c.Auth.SlidingSessions,
		MinPasswordLength: c.Auth.MinPasswordLength,
	}
}

// BootstrapAdmin projects the bootstrap section.
func (c Config) BootstrapAdmin() auth.BootstrapAdmin {
	return auth.BootstrapAdmin{
		Email:       c.Bootstrap.Email,
		DisplayName: c.Bootstrap.DisplayName,
		Password:    c.Bootstrap.Password,
	}
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	env := envReader{lookup: lookup}
	env.str("HTTP_ADDR", &c.HTTPAddr)
	env.str("GRPC_ADDR", &c.GRPCAddr)
	env.str("LOG_LEVEL", &c.LogLevel)
	env.list("TRUSTED_PROXIES", &c.TrustedProxies)
	env.str("STORAGE_DRIVER", &c.Storage.Driver)
	env.str("STORAGE_DSN", &c.Storage.DSN)
	env.str("STORAGE_DIR", &c.Storage.Dir)
	env.str("STORAGE_NAMESPACE", &c.Storage.Namespace)
	env.int("MAX_FAILED_ATTEMPTS", &c.Auth.MaxFailedAttempts)
	env.duration("LOCKOUT_DURATION", &c.Auth.LockoutDuration)
	env.duration("SESSION_MAX_AGE", &c.Auth.SessionMaxAge)
	env.bool("SLIDING_SESSIONS", &c.Auth.SlidingSessions)
	env.int("AUDIT_LOG_CAP", &c.Auth.AuditLogCap)
	env.int("MIN_PASSWORD_LENGTH", &c.Auth.MinPasswordLength)
	env.str("HASHER", &c.Auth.Hasher)
	env.duration("PURGE_INTERVAL", &c.Auth.PurgeInterval)
	env.int("LOGIN_RATE_BURST", &c.RateLimit.Burst)
	env.float("LOGIN_RATE_PER_SECOND", &c.RateLimit.PerSecond)
	env.str("BOOTSTRAP_EMAIL", &c.Bootstrap.Email)
	env.str("BOOTSTRAP_NAME", &c.Bootstrap.DisplayName)
	env.str("BOOTSTRAP_PASSWORD", &c.Bootstrap.Password)
	return errors.Join(env.errs...)
}

// envReader overrides a field when ADMINAUTH_<name> is set and non-empty.
// Unparseable values are collected as errors.
type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	v, ok := r.lookup(envPrefix + name)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(name, raw string, err error) {
	r.errs = append(r.errs, fmt.Errorf("config: %s%s=%q: %w", envPrefix, name, raw, err))
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

// list splits a comma-separated value, dropping blanks.
func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (r *envReader) int(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = n
}

func (r *envReader) float(name string, dst *float64) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = f
}

func (r *envReader) bool(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(name, v, err)
		return
	}
	*dst = d
}
