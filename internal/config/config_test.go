package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bbs/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "bbs.db", cfg.Database.URL)
	assert.Equal(t, string(domain.ProtocolFirehose), cfg.PDS.Protocol)
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Database.RetryBudget)

	// No PDS yet.
	assert.Error(t, cfg.Validate())

	cfg.ApplyFlags("postgres://localhost/bbs", "https://pds.example.com", "", "")
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  url: /var/lib/bbs.db
pds:
  url: https://pds.example.com
  page_size: 50
  read_timeout: 2m
ingest:
  queue_size: 16
subscriptions:
  - id: second
    pds_url: http://localhost:2583
    protocol: jetstream
`), 0o600))

	t.Setenv("BBS_INGEST__QUEUE_SIZE", "32")
	t.Setenv("BBS_PDS__COLLECTIONS", "app.bbs.post, app.bbs.comment")
	t.Setenv("BBS_LEDGER__RETENTION", "48h")
	t.Setenv("BBS_HTTP__CORS_ORIGINS", "https://bbs.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/var/lib/bbs.db", cfg.Database.URL)
	assert.Equal(t, 50, cfg.PDS.PageSize)
	assert.Equal(t, 2*time.Minute, cfg.PDS.ReadTimeout)
	assert.Equal(t, 32, cfg.Ingest.QueueSize)
	assert.Equal(t, 48*time.Hour, cfg.Ledger.Retention)
	assert.Equal(t, []string{"app.bbs.post", "app.bbs.comment"}, cfg.PDS.Collections)
	assert.Equal(t, []string{"https://bbs.test"}, cfg.HTTP.CORSOrigins)
	assert.Equal(t, 600, cfg.HTTP.ReadRequestsPerMinute)
	require.Len(t, cfg.Subscriptions, 1)
	assert.Equal(t, "second", cfg.Subscriptions[0].ID)
}

func TestLedgerMarginPerProtocol(t *testing.T) {
	t.Setenv(ConfigPathEnvVar, "")
	t.Setenv("BBS_LEDGER__TIME_MARGIN", "90s")
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, int64(100000), cfg.Ledger.Margin(domain.ProtocolFirehose))
	assert.Equal(t, int64(90_000_000), cfg.Ledger.Margin(domain.ProtocolJetstream))
}

var duplicateSubs = []SubscriptionConfig{
	{ID: "x", PDSURL: "https://a.example"},
	{ID: "x", PDSURL: "https://b.example"},
}

func TestValidateRejects(t *testing.T) {
	tests := map[string]func(c *Config){
		"protocol":     func(c *Config) { c.PDS.Protocol = "carrier-pigeon" },
		"page size":    func(c *Config) { c.PDS.PageSize = 1000 },
		"queue size":   func(c *Config) { c.Ingest.QueueSize = 0 },
		"log level":    func(c *Config) { c.Logging.Level = "loud" },
		"backoff":      func(c *Config) { c.PDS.BackoffMax = time.Millisecond },
		"pds url":      func(c *Config) { c.PDS.URL = "not a url" },
		"subscription": func(c *Config) { c.Subscriptions = []SubscriptionConfig{{ID: "x"}} },
		"duplicate":    func(c *Config) { c.Subscriptions = duplicateSubs },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.PDS.URL = "https://pds.example.com"
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSubscriptionsFromPDS(t *testing.T) {
	cfg := defaultConfig()
	cfg.ApplyFlags("", "https://pds.example.com/", "", "")

	subs, err := cfg.ResolvedSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.Subscription{
		ID:        "pds.example.com",
		PDSURL:    "https://pds.example.com",
		StreamURL: "wss://pds.example.com/xrpc/com.atproto.sync.subscribeRepos",
		Protocol:  domain.ProtocolFirehose,
	}, subs[0])
}

func TestSubscriptionsOverrides(t *testing.T) {
	cfg := defaultConfig()
	cfg.PDS.Protocol = string(domain.ProtocolJetstream)
	cfg.Subscriptions = []SubscriptionConfig{
		{ID: "local", PDSURL: "http://localhost:2583"},
		{ID: "js", PDSURL: "https://pds.example.com", StreamURL: "wss://jetstream.example.com/subscribe"},
	}

	subs, err := cfg.ResolvedSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "ws://localhost:2583/xrpc/com.atproto.sync.subscribeRepos", subs[0].StreamURL)
	assert.Equal(t, domain.ProtocolJetstream, subs[0].Protocol)
	assert.Equal(t, "wss://jetstream.example.com/subscribe", subs[1].StreamURL)
}
