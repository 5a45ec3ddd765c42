package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
)

// DemoWorkspaceID selects API-key authentication against the public demo
// workspace instead of Azure AD credentials.
const DemoWorkspaceID = "DEMO_WORKSPACE"

// DefaultChunkSize is used when a stream sets neither chunk_size nor chunk_size_days.
const DefaultChunkSize = 24 * time.Hour

// Config holds all configuration for tap-loganalytics.
// Configuration comes from a YAML file with environment variable overrides.
// Secrets (state store passwords and DSNs) must only come from environment variables.
type Config struct {
	WorkspaceID string `yaml:"workspace_id" env:"LA_WORKSPACE_ID"`
	Cloud       string `yaml:"cloud" env:"LA_CLOUD" env-default:"public"`
	// Endpoint overrides the cloud's query endpoint (e.g. a private link host).
	Endpoint string `yaml:"endpoint" env:"LA_ENDPOINT" env-default:""`

	// StartDate is the earliest record time to sync when a stream has no
	// bookmark and no stream-level start_date. RFC 3339 or YYYY-MM-DD.
	StartDate string `yaml:"start_date" env:"LA_START_DATE" env-default:""`

	Concurrency int `yaml:"concurrency" env:"LA_CONCURRENCY" env-default:"4"`

	// LandingDelay is subtracted from "now" to form the range end, because
	// the most recent minutes of ingestion have usually not landed yet.
	LandingDelay string `yaml:"landing_delay" env:"LA_LANDING_DELAY" env-default:"5m"`

	// Schedule is a cron expression used by the schedule command.
	Schedule string `yaml:"schedule" env:"LA_SCHEDULE" env-default:""`

	// MetricsAddr enables a Prometheus /metrics listener when set.
	MetricsAddr string `yaml:"metrics_addr" env:"LA_METRICS_ADDR" env-default:""`

	Log       LogConfig       `yaml:"log"`
	State     StateConfig     `yaml:"state"`
	Query     QueryConfig     `yaml:"query"`
	Discovery DiscoveryConfig `yaml:"discovery"`

	Queries []StreamConfig `yaml:"queries"`

	Version string `yaml:"-"` // Set at load time, not from config
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LA_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LA_LOG_FORMAT" env-default:"json"`
}

// StateConfig selects where bookmarks are persisted between runs.
type StateConfig struct {
	// Backend is one of file, postgres, sqlite.
	Backend string `yaml:"backend" env:"LA_STATE_BACKEND" env-default:"file"`
	// Path is the state file (file backend) or database file (sqlite backend).
	Path string `yaml:"path" env:"LA_STATE_PATH" env-default:"state.json"`
	// DSN overrides Postgres for the postgres backend.
	DSN      string         `yaml:"-" env:"LA_STATE_DSN"` // Secret - not in YAML
	Postgres DatabaseConfig `yaml:"postgres"`
}

// DatabaseConfig holds PostgreSQL connection settings for the postgres state backend.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"tap"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"tap_state"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"4"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// QueryConfig tunes the query executor.
type QueryConfig struct {
	MaxRetries     int    `yaml:"max_retries" env:"LA_QUERY_MAX_RETRIES" env-default:"5"`
	InitialBackoff string `yaml:"initial_backoff" env:"LA_QUERY_INITIAL_BACKOFF" env-default:"1s"`
	MaxBackoff     string `yaml:"max_backoff" env:"LA_QUERY_MAX_BACKOFF" env-default:"30s"`
	AttemptTimeout string `yaml:"attempt_timeout" env:"LA_QUERY_ATTEMPT_TIMEOUT" env-default:"2m"`
	// MaxRows is the per-window row cap; Log Analytics returns at most 500000.
	MaxRows int `yaml:"max_rows" env:"LA_QUERY_MAX_ROWS" env-default:"500000"`
	// BreakerThreshold consecutive transient failures across all streams
	// open the workspace circuit for BreakerReset. Zero disables it.
	BreakerThreshold int    `yaml:"breaker_threshold" env:"LA_QUERY_BREAKER_THRESHOLD" env-default:"10"`
	BreakerReset     string `yaml:"breaker_reset" env:"LA_QUERY_BREAKER_RESET" env-default:"30s"`
}

// DiscoveryConfig controls schema sampling.
type DiscoveryConfig struct {
	SampleWindow string `yaml:"sample_window" env:"LA_DISCOVERY_SAMPLE_WINDOW" env-default:"1h"`
	SampleRows   int    `yaml:"sample_rows" env:"LA_DISCOVERY_SAMPLE_ROWS" env-default:"1000"`
}

// StreamConfig is one entry of the queries list as written in YAML.
// Durations accept Go syntax ("36h", "15m"); the *_days fields accept whole days.
type StreamConfig struct {
	Name           string   `yaml:"name"`
	Query          string   `yaml:"query"`
	PrimaryKeys    []string `yaml:"primary_keys"`
	ReplicationKey string   `yaml:"replication_key"`
	Timespan       string   `yaml:"timespan"`
	TimespanDays   *int     `yaml:"timespan_days"`
	ChunkSize      string   `yaml:"chunk_size"`
	ChunkSizeDays  *int     `yaml:"chunk_size_days"`
	StartDate      string   `yaml:"start_date"`
}

// Load reads configuration from path with environment variable overrides.
// An empty path reads environment variables only.
func Load(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
		return cfg, nil
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks global settings. The returned error joins one
// *apperrors.ConfigurationError per problem. Stream settings are checked by
// Streams so one broken stream does not stop the others.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, reason string) {
		errs = append(errs, apperrors.NewConfigurationError("", field, reason))
	}

	if strings.TrimSpace(c.WorkspaceID) == "" {
		add("workspace_id", "is required")
	}
	// An endpoint override still needs a known cloud for token scopes.
	if _, ok := clouds[strings.ToLower(c.Cloud)]; !ok && c.Cloud != "" {
		add("cloud", fmt.Sprintf("unknown cloud %q (must be public, government, or china)", c.Cloud))
	}
	if c.Concurrency < 1 {
		add("concurrency", "must be at least 1")
	}
	if d, err := parseDuration(c.LandingDelay); err != nil {
		add("landing_delay", err.Error())
	} else if d < 0 {
		add("landing_delay", "must not be negative")
	}
	if c.StartDate != "" {
		if _, err := ParseTime(c.StartDate); err != nil {
			add("start_date", err.Error())
		}
	}
	switch c.State.Backend {
	case "file", "sqlite", "postgres":
	default:
		add("state.backend", fmt.Sprintf("unknown backend %q (must be file, sqlite, or postgres)", c.State.Backend))
	}
	for _, f := range []struct{ field, value string }{
		{"query.initial_backoff", c.Query.InitialBackoff},
		{"query.max_backoff", c.Query.MaxBackoff},
		{"query.attempt_timeout", c.Query.AttemptTimeout},
		{"discovery.sample_window", c.Discovery.SampleWindow},
	} {
		if d, err := parseDuration(f.value); err != nil {
			add(f.field, err.Error())
		} else if d <= 0 {
			add(f.field, "must be positive")
		}
	}
	if c.Query.MaxRows < 1 {
		add("query.max_rows", "must be positive")
	}
	if c.Query.MaxRetries < 0 {
		add("query.max_retries", "must not be negative")
	}
	if c.Query.BreakerThreshold < 0 {
		add("query.breaker_threshold", "must not be negative")
	} else if c.Query.BreakerThreshold > 0 {
		if d, err := parseDuration(c.Query.BreakerReset); err != nil {
			add("query.breaker_reset", err.Error())
		} else if d <= 0 {
			add("query.breaker_reset", "must be positive")
		}
	}
	if len(c.Queries) == 0 {
		add("queries", "at least one query is required")
	}
	return errors.Join(errs...)
}

// Streams converts the queries list into immutable Stream values. Streams
// that fail validation are left out and reported in the joined error, so
// callers can still extract the valid ones.
func (c *Config) Streams() ([]Stream, error) {
	var globalStart *time.Time
	if c.StartDate != "" {
		if t, err := ParseTime(c.StartDate); err == nil {
			globalStart = &t
		}
	}

	var (
		streams []Stream
		errs    []error
		seen    = make(map[string]bool)
	)
	for i, sc := range c.Queries {
		s, streamErrs := sc.toStream(i, globalStart)
		if len(streamErrs) == 0 && seen[s.Name] {
			streamErrs = append(streamErrs, apperrors.NewConfigurationError(s.Name, "name", "duplicate stream name"))
		}
		if len(streamErrs) > 0 {
			errs = append(errs, streamErrs...)
			continue
		}
		seen[s.Name] = true
		streams = append(streams, s)
	}
	return streams, errors.Join(errs...)
}

func (sc StreamConfig) toStream(index int, globalStart *time.Time) (Stream, []error) {
	name := strings.TrimSpace(sc.Name)
	label := name
	if label == "" {
		label = fmt.Sprintf("queries[%d]", index)
	}

	var errs []error
	fail := func(field, reason string) {
		errs = append(errs, apperrors.NewConfigurationError(label, field, reason))
	}

	if name == "" {
		fail("name", "is required")
	}
	if strings.TrimSpace(sc.Query) == "" {
		fail("query", "is required")
	}

	s := Stream{
		Name:           name,
		Query:          sc.Query,
		PrimaryKeys:    append([]string(nil), sc.PrimaryKeys...),
		ReplicationKey: strings.TrimSpace(sc.ReplicationKey),
		ChunkSize:      DefaultChunkSize,
	}

	switch {
	case sc.ChunkSize != "":
		d, err := parseDuration(sc.ChunkSize)
		if err != nil {
			fail("chunk_size", err.Error())
		}
		s.ChunkSize = d
	case sc.ChunkSizeDays != nil:
		s.ChunkSize = time.Duration(*sc.ChunkSizeDays) * 24 * time.Hour
	}
	if s.ChunkSize <= 0 {
		fail("chunk_size", "must be positive")
	}

	switch {
	case sc.Timespan != "":
		d, err := parseDuration(sc.Timespan)
		if err != nil {
			fail("timespan", err.Error())
		} else if d <= 0 {
			fail("timespan", "must be positive")
		}
		s.Timespan = d
	case sc.TimespanDays != nil:
		if *sc.TimespanDays <= 0 {
			fail("timespan_days", "must be positive")
		}
		s.Timespan = time.Duration(*sc.TimespanDays) * 24 * time.Hour
	}

	if sc.StartDate != "" {
		t, err := ParseTime(sc.StartDate)
		if err != nil {
			fail("start_date", err.Error())
		} else {
			s.StartDate = &t
		}
	} else if globalStart != nil {
		t := *globalStart
		s.StartDate = &t
	}

	return s, errs
}

// LandingDelayDuration returns the parsed landing delay. Call after Validate.
func (c *Config) LandingDelayDuration() time.Duration {
	d, _ := parseDuration(c.LandingDelay)
	return d
}

// clouds lists the recognised sovereign cloud names.
var clouds = map[string]struct{}{
	"public":     {},
	"government": {},
	"china":      {},
}

// parseDuration parses Go duration syntax, rejecting empty input.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("duration is empty")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// MustDuration parses a duration that Validate has already accepted.
func MustDuration(s string) time.Duration {
	d, err := parseDuration(s)
	if err != nil {
		panic(err)
	}
	return d
}

// ParseTime accepts RFC 3339 timestamps (with or without fractional
// seconds) and plain dates, always returning UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q (expected RFC 3339 or YYYY-MM-DD)", s)
}
