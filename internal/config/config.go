// Package config loads the aadsync configuration.
//
// Sources are applied in order, later ones winning: built-in defaults, a
// YAML file, AADSYNC_ environment variables and finally command line
// overrides. Environment names use a double underscore for nesting, so
// AADSYNC_SYNC__MAX_USERS sets sync.max_users.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/unicef/INVENT/internal/aadsync"
	"github.com/unicef/INVENT/internal/directory"
	"github.com/unicef/INVENT/internal/jobqueue"
)

const EnvPrefix = "AADSYNC_"

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Backend  BackendConfig  `koanf:"backend" json:"backend" yaml:"backend"`
	Azure    AzureConfig    `koanf:"azure" json:"azure" yaml:"azure"`
	Graph    GraphConfig    `koanf:"graph" json:"graph" yaml:"graph"`
	Sync     SyncConfig     `koanf:"sync" json:"sync" yaml:"sync"`
	Store    StoreConfig    `koanf:"store" json:"store" yaml:"store"`
	Queue    QueueConfig    `koanf:"queue" json:"queue" yaml:"queue"`
	Worker   WorkerConfig   `koanf:"worker" json:"worker" yaml:"worker"`
	Schedule ScheduleConfig `koanf:"schedule" json:"schedule" yaml:"schedule"`
	HTTP     HTTPConfig     `koanf:"http" json:"http" yaml:"http"`
	Auth     AuthConfig     `koanf:"auth" json:"auth" yaml:"auth"`
	Log      LogConfig      `koanf:"log" json:"log" yaml:"log"`
}

// BackendConfig picks store and queue DSNs as a set. An explicit store.dsn
// or queue.dsn always wins over the profile.
type BackendConfig struct {
	// Profile is one of custom, memory, durable-local or production.
	Profile     string `koanf:"profile" json:"profile" yaml:"profile"`
	DataDir     string `koanf:"data_dir" json:"dataDir" yaml:"data_dir"`
	PostgresDSN string `koanf:"postgres_dsn" json:"-" yaml:"-"`
}

type AzureConfig struct {
	TenantID string `koanf:"tenant_id" json:"tenantId" yaml:"tenant_id"`
	ClientID string `koanf:"client_id" json:"clientId" yaml:"client_id"`
	// ClientSecret is a literal or a env://, file:// or awssm:// reference.
	ClientSecret string `koanf:"client_secret" json:"-" yaml:"-"`
	TokenURL     string `koanf:"token_url" json:"tokenUrl,omitempty" yaml:"token_url,omitempty"`
	Resource     string `koanf:"resource" json:"resource" yaml:"resource"`
}

type GraphConfig struct {
	InitialURL        string        `koanf:"initial_url" json:"initialUrl" yaml:"initial_url"`
	RequestsPerSecond float64       `koanf:"requests_per_second" json:"requestsPerSecond" yaml:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`
}

type SyncConfig struct {
	// MaxUsers caps each run. Zero or less means no cap.
	MaxUsers       int           `koanf:"max_users" json:"maxUsers" yaml:"max_users"`
	MaxRetries     int           `koanf:"max_retries" json:"maxRetries" yaml:"max_retries"`
	BaseDelay      time.Duration `koanf:"base_delay" json:"baseDelay" yaml:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay" json:"maxDelay" yaml:"max_delay"`
	AllowedDomains []string      `koanf:"allowed_domains" json:"allowedDomains" yaml:"allowed_domains"`
}

type StoreConfig struct {
	DSN string `koanf:"dsn" json:"dsn" yaml:"dsn"`
}

type QueueConfig struct {
	DSN      string `koanf:"dsn" json:"dsn" yaml:"dsn"`
	Capacity int    `koanf:"capacity" json:"capacity" yaml:"capacity"`
}

type WorkerConfig struct {
	Count       int           `koanf:"count" json:"count" yaml:"count"`
	MaxAttempts int           `koanf:"max_attempts" json:"maxAttempts" yaml:"max_attempts"`
	RetryDelay  time.Duration `koanf:"retry_delay" json:"retryDelay" yaml:"retry_delay"`
}

type ScheduleConfig struct {
	DailyAt  string        `koanf:"daily_at" json:"dailyAt" yaml:"daily_at"`
	Interval time.Duration `koanf:"interval" json:"interval" yaml:"interval"`
	Jitter   float64       `koanf:"jitter" json:"jitter" yaml:"jitter"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" json:"addr" yaml:"addr"`
	RateLimit       float64       `koanf:"rate_limit" json:"rateLimit" yaml:"rate_limit"`
	RateLimitBurst  int           `koanf:"rate_limit_burst" json:"rateLimitBurst" yaml:"rate_limit_burst"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdownTimeout" yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" json:"-" yaml:"-"`
}

type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level"`
	Format string `koanf:"format" json:"format" yaml:"format"`
}

// Defaults mirrors the behaviour of the scheduled job it replaces: a daily
// run at midnight UTC capped at 100 users.
func Defaults() map[string]any {
	return map[string]any{
		"azure.resource":            directory.DefaultResource,
		"graph.initial_url":         aadsync.DefaultInitialURL,
		"graph.requests_per_second": 0.0,
		"graph.timeout":             "30s",
		"sync.max_users":            100,
		"sync.max_retries":          aadsync.DefaultMaxRetries,
		"sync.base_delay":           aadsync.DefaultBaseDelay.String(),
		"sync.max_delay":            aadsync.DefaultMaxDelay.String(),
		"sync.allowed_domains":      aadsync.DefaultAllowedDomains,
		"backend.profile":           "durable-local",
		"backend.data_dir":          "data",
		"queue.capacity":            16,
		"worker.count":              jobqueue.DefaultWorkers,
		"worker.max_attempts":       jobqueue.DefaultMaxAttempts,
		"worker.retry_delay":        jobqueue.DefaultRetryDelay.String(),
		"schedule.daily_at":         "00:00",
		"schedule.jitter":           0.0,
		"http.addr":                 ":8080",
		"http.rate_limit":           5.0,
		"http.rate_limit_burst":     10,
		"http.shutdown_timeout":     "15s",
		"log.level":                 "info",
		"log.format":                "json",
	}
}

// Loader keeps the koanf instance so a watcher can reload the same sources.
type Loader struct {
	filePath  string
	envPrefix string
	overrides map[string]any
}

type Option func(*Loader)

func WithFile(path string) Option {
	return func(l *Loader) {
		l.filePath = strings.TrimSpace(path)
	}
}

// WithOverrides applies values above every other source, typically flags.
func WithOverrides(values map[string]any) Option {
	return func(l *Loader) {
		l.overrides = values
	}
}

func NewLoader(opts ...Option) *Loader {
	l := &Loader{envPrefix: EnvPrefix}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loader) FilePath() string {
	return l.filePath
}

// Load reads every source and validates the result.
func (l *Loader) Load() (Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if l.filePath != "" {
		if err := k.Load(file.Provider(l.filePath), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", l.filePath, err)
		}
	}
	if err := k.Load(env.Provider(l.envPrefix, ".", l.envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	if len(l.overrides) > 0 {
		if err := k.Load(mapProvider(l.overrides), nil); err != nil {
			return Config{}, fmt.Errorf("load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	// A comma separated env value arrives as a single string.
	if raw, ok := k.Get("sync.allowed_domains").(string); ok {
		cfg.Sync.AllowedDomains = splitList(raw)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps AADSYNC_SYNC__MAX_USERS to sync.max_users.
func (l *Loader) envKey(name string) string {
	name = strings.TrimPrefix(name, l.envPrefix)
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

func (c Config) Validate() error {
	var problems []string
	if _, _, err := c.ResolveDSNs(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Sync.MaxRetries <= 0 {
		problems = append(problems, "sync.max_retries must be positive")
	}
	if c.Sync.BaseDelay <= 0 {
		problems = append(problems, "sync.base_delay must be positive")
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		problems = append(problems, "sync.max_delay must not be below sync.base_delay")
	}
	if len(c.Sync.AllowedDomains) == 0 {
		problems = append(problems, "sync.allowed_domains must list at least one domain")
	}
	if c.Queue.Capacity <= 0 {
		problems = append(problems, "queue.capacity must be positive")
	}
	if c.Worker.Count <= 0 {
		problems = append(problems, "worker.count must be positive")
	}
	if c.Worker.MaxAttempts <= 0 {
		problems = append(problems, "worker.max_attempts must be positive")
	}
	if strings.TrimSpace(c.Schedule.DailyAt) != "" {
		if _, _, err := jobqueue.ParseDailyAt(c.Schedule.DailyAt); err != nil {
			problems = append(problems, "schedule.daily_at must be HH:MM")
		}
	}
	if c.Schedule.Interval < 0 {
		problems = append(problems, "schedule.interval must not be negative")
	}
	if c.Schedule.Jitter < 0 || c.Schedule.Jitter > 1 {
		problems = append(problems, "schedule.jitter must be between 0 and 1")
	}
	if c.Graph.RequestsPerSecond < 0 {
		problems = append(problems, "graph.requests_per_second must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		problems = append(problems, "log.format must be json or console")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateDirectory checks the settings a sync run needs. Commands that
// only read the store skip it.
func (c Config) ValidateDirectory() error {
	var problems []string
	if strings.TrimSpace(c.Azure.ClientID) == "" {
		problems = append(problems, "azure.client_id is required")
	}
	if strings.TrimSpace(c.Azure.ClientSecret) == "" {
		problems = append(problems, "azure.client_secret is required")
	}
	if strings.TrimSpace(c.Azure.TenantID) == "" && strings.TrimSpace(c.Azure.TokenURL) == "" {
		problems = append(problems, "azure.tenant_id or azure.token_url is required")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// ValidateServe checks the settings the HTTP API needs.
func (c Config) ValidateServe() error {
	if len(strings.TrimSpace(c.Auth.JWTSecret)) < 16 {
		return fmt.Errorf("%w: auth.jwt_secret must be at least 16 characters", ErrInvalid)
	}
	return nil
}

// ResolveDSNs returns the store and queue DSNs after applying the backend
// profile. A profile that leaves the queue unset yields an in-memory queue.
func (c Config) ResolveDSNs() (storeDSN, queueDSN string, err error) {
	profileStore, profileQueue, err := c.Backend.defaults()
	if err != nil {
		return "", "", err
	}
	storeDSN = strings.TrimSpace(c.Store.DSN)
	if storeDSN == "" {
		storeDSN = profileStore
	}
	queueDSN = strings.TrimSpace(c.Queue.DSN)
	if queueDSN == "" {
		queueDSN = profileQueue
	}
	if storeDSN == "" {
		return "", "", errors.New("store.dsn is required with the custom backend profile")
	}
	if queueDSN == "" {
		queueDSN = "memory://"
	}
	return storeDSN, queueDSN, nil
}

func (b BackendConfig) defaults() (storeDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(b.Profile))
	dataDir := strings.TrimSpace(b.DataDir)
	if dataDir == "" {
		dataDir = "data"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "durable-local", "local-durable", "local":
		return "file://" + filepath.Join(dataDir, "aadsync-store.json"),
			"file://" + filepath.Join(dataDir, "aadsync-queue.json"),
			nil
	case "sqlite":
		return "sqlite://" + filepath.Join(dataDir, "aadsync.db"),
			"file://" + filepath.Join(dataDir, "aadsync-queue.json"),
			nil
	case "production", "prod":
		dsn := strings.TrimSpace(b.PostgresDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("backend.postgres_dsn is required with the %s backend profile", profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported backend.profile: %s", profile)
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// mapProvider feeds dotted keys to koanf, which expects nested maps.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: map provider does not support ReadBytes")
}

func (m mapProvider) Read() (map[string]any, error) {
	return maps.Unflatten(m, "."), nil
}
