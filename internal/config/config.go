package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/blackmichael/bbs/internal/domain"
)

// EnvPrefix prefixes every environment variable read by Load. Sections are
// separated by a double underscore: BBS_DATABASE__URL sets database.url.
const EnvPrefix = "BBS_"

// ConfigPathEnvVar names the config file when --config is not given.
const ConfigPathEnvVar = "BBS_CONFIG"

// Config holds all configuration for the indexer.
type Config struct {
	Database      DatabaseConfig       `koanf:"database"`
	PDS           PDSConfig            `koanf:"pds"`
	Subscriptions []SubscriptionConfig `koanf:"subscriptions" validate:"dive"`
	Ingest        IngestConfig         `koanf:"ingest"`
	Ledger        LedgerConfig         `koanf:"ledger"`
	HTTP          HTTPConfig           `koanf:"http"`
	Logging       LoggingConfig        `koanf:"logging"`
	Telemetry     TelemetryConfig      `koanf:"telemetry"`
}

// DatabaseConfig selects the relational store and bounds store retries.
type DatabaseConfig struct {
	// URL is a postgres:// URL or a SQLite path.
	URL          string `koanf:"url" validate:"required"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`

	// ApplyTimeout bounds the handling of one record, retries included.
	ApplyTimeout   time.Duration `koanf:"apply_timeout" validate:"gt=0"`
	RetryBudget    time.Duration `koanf:"retry_budget" validate:"gt=0"`
	RetryInitial   time.Duration `koanf:"retry_initial" validate:"gt=0"`
	RetryMax       time.Duration `koanf:"retry_max" validate:"gt=0"`
	BreakerTimeout time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// PDSConfig describes the default subscription and the stream and backfill
// tuning shared by all subscriptions.
type PDSConfig struct {
	URL         string   `koanf:"url" validate:"omitempty,url"`
	StreamURL   string   `koanf:"stream_url" validate:"omitempty,url"`
	Protocol    string   `koanf:"protocol" validate:"oneof=firehose jetstream"`
	Collections []string `koanf:"collections"`

	ConnectTimeout time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	ReadTimeout    time.Duration `koanf:"read_timeout" validate:"gte=0"`
	BackoffInitial time.Duration `koanf:"backoff_initial" validate:"gt=0"`
	BackoffMax     time.Duration `koanf:"backoff_max" validate:"gtefield=BackoffInitial"`

	PageTimeout    time.Duration `koanf:"page_timeout" validate:"gt=0"`
	PageSize       int           `koanf:"page_size" validate:"gte=1,lte=100"`
	PagesPerSecond float64       `koanf:"pages_per_second" validate:"gte=0"`

	// StartupRetries is how many times the startup check of the PDS is
	// retried before the process gives up.
	StartupRetries uint `koanf:"startup_retries"`

	// Compress requests zstd-compressed Jetstream messages, optionally
	// built with the dictionary at ZstdDictionary.
	Compress       bool   `koanf:"compress"`
	ZstdDictionary string `koanf:"zstd_dictionary" validate:"omitempty,file"`
}

// SubscriptionConfig declares one subscription. Empty fields fall back to
// the pds section.
type SubscriptionConfig struct {
	ID        string `koanf:"id" validate:"required"`
	PDSURL    string `koanf:"pds_url" validate:"required,url"`
	StreamURL string `koanf:"stream_url" validate:"omitempty,url"`
	Protocol  string `koanf:"protocol" validate:"omitempty,oneof=firehose jetstream"`
}

// IngestConfig tunes the pipelines.
type IngestConfig struct {
	QueueSize    int           `koanf:"queue_size" validate:"gte=1"`
	HeadWait     time.Duration `koanf:"head_wait" validate:"gt=0"`
	MaxCursorAge time.Duration `koanf:"max_cursor_age" validate:"gte=0"`
}

// LedgerConfig bounds the idempotency ledger. Positions are counted in
// different units per protocol, so each has its own margin.
type LedgerConfig struct {
	Retention time.Duration `koanf:"retention" validate:"gt=0"`

	// PositionMargin is in firehose sequence numbers.
	PositionMargin int64 `koanf:"position_margin" validate:"gte=0"`

	// TimeMargin applies to Jetstream, whose positions are microsecond
	// timestamps.
	TimeMargin time.Duration `koanf:"time_margin" validate:"gte=0"`

	PruneInterval time.Duration `koanf:"prune_interval" validate:"gt=0"`
}

// Margin returns the prune margin in the position unit of protocol.
func (c LedgerConfig) Margin(protocol domain.Protocol) int64 {
	if protocol == domain.ProtocolJetstream {
		return c.TimeMargin.Microseconds()
	}
	return c.PositionMargin
}

// HTTPConfig configures the ops server. An empty Addr disables it.
type HTTPConfig struct {
	Addr                  string   `koanf:"addr"`
	CORSOrigins           []string `koanf:"cors_origins"`
	ReadRequestsPerMinute int      `koanf:"read_requests_per_minute" validate:"gte=0"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// TelemetryConfig configures trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	ServiceName  string `koanf:"service_name" validate:"required"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:            "bbs.db",
			MaxOpenConns:   10,
			ApplyTimeout:   10 * time.Minute,
			RetryBudget:    5 * time.Minute,
			RetryInitial:   100 * time.Millisecond,
			RetryMax:       10 * time.Second,
			BreakerTimeout: 30 * time.Second,
		},
		PDS: PDSConfig{
			Protocol:       string(domain.ProtocolFirehose),
			ConnectTimeout: 10 * time.Second,
			ReadTimeout:    time.Minute,
			BackoffInitial: time.Second,
			BackoffMax:     time.Minute,
			PageTimeout:    30 * time.Second,
			PageSize:       100,
			PagesPerSecond: 5,
			StartupRetries: 5,
		},
		Ingest: IngestConfig{
			QueueSize:    1024,
			HeadWait:     10 * time.Second,
			MaxCursorAge: 72 * time.Hour,
		},
		Ledger: LedgerConfig{
			Retention:      7 * 24 * time.Hour,
			PositionMargin: 100000,
			TimeMargin:     time.Hour,
			PruneInterval:  time.Hour,
		},
		HTTP: HTTPConfig{
			Addr:                  ":8080",
			ReadRequestsPerMinute: 600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "bbs",
		},
	}
}

// Load layers struct defaults, the YAML file at path (or $BBS_CONFIG) and
// BBS_ environment variables, in that order. The result is not validated
// until Validate is called, so flags can still be applied.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Lists arrive from the environment as comma-separated strings.
	for _, key := range listPaths {
		if v, ok := k.Get(key).(string); ok {
			if err := k.Set(key, splitList(v)); err != nil {
				return nil, fmt.Errorf("set %s: %w", key, err)
			}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

var listPaths = []string{"pds.collections", "http.cors_origins"}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// envKey maps BBS_PDS__PAGE_SIZE to pds.page_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// ApplyFlags overrides the primary parameters given on the command line.
// Empty values leave the loaded configuration unchanged.
func (c *Config) ApplyFlags(db, pds, stream, protocol string) {
	if db != "" {
		c.Database.URL = db
	}
	if pds != "" {
		c.PDS.URL = pds
	}
	if stream != "" {
		c.PDS.StreamURL = stream
	}
	if protocol != "" {
		c.PDS.Protocol = protocol
	}
}

var validate = validator.New()

// Validate checks the configuration after flags have been applied.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.PDS.URL == "" && len(c.Subscriptions) == 0 {
		return errors.New("invalid config: a PDS url (--pds) or at least one subscription is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Subscriptions {
		if seen[s.ID] {
			return fmt.Errorf("invalid config: duplicate subscription id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ResolvedSubscriptions returns the configured subscriptions with defaults filled
// in. Without an explicit list, the pds section is the only subscription.
func (c *Config) ResolvedSubscriptions() ([]domain.Subscription, error) {
	list := c.Subscriptions
	if len(list) == 0 {
		list = []SubscriptionConfig{{PDSURL: c.PDS.URL, StreamURL: c.PDS.StreamURL}}
	}

	subs := make([]domain.Subscription, 0, len(list))
	for _, sc := range list {
		pds, err := url.Parse(sc.PDSURL)
		if err != nil || pds.Host == "" {
			return nil, fmt.Errorf("parse pds url %q: invalid", sc.PDSURL)
		}

		sub := domain.Subscription{
			ID:        domain.SubscriptionID(sc.ID),
			PDSURL:    strings.TrimRight(sc.PDSURL, "/"),
			StreamURL: sc.StreamURL,
			Protocol:  domain.Protocol(sc.Protocol),
		}
		if sub.ID == "" {
			sub.ID = domain.SubscriptionID(pds.Host)
		}
		if sub.Protocol == "" {
			sub.Protocol = domain.Protocol(c.PDS.Protocol)
		}
		if sub.StreamURL == "" {
			sub.StreamURL = defaultStreamURL(pds)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// defaultStreamURL is the PDS's own repository event stream.
func defaultStreamURL(pds *url.URL) string {
	u := *pds
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/xrpc/com.atproto.sync.subscribeRepos"
	u.RawQuery = ""
	return u.String()
}
