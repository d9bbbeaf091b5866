// Package supervisor runs the indexer's long-lived services under a suture
// tree, restarting any that fail.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// Config tunes restart behaviour.
type Config struct {
	// FailureThreshold failures within the decay window put a supervisor
	// into FailureBackoff.
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration

	// ShutdownTimeout is how long each service gets to stop. Pipelines
	// finish their in-flight transaction within it.
	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
}

// Tree has two layers: ingest (pipelines and ledger maintenance) and ops
// (the HTTP server). A crash looping pipeline does not take /health down
// with it.
type Tree struct {
	root   *suture.Supervisor
	ingest *suture.Supervisor
	ops    *suture.Supervisor
}

// New builds the tree. Supervisor events are logged through logger.
func New(logger *slog.Logger, cfg Config) *Tree {
	cfg.setDefaults()

	hook := (&sutureslog.Handler{Logger: logger}).MustHook()
	spec := func(hook suture.EventHook) suture.Spec {
		return suture.Spec{
			EventHook:        hook,
			FailureThreshold: cfg.FailureThreshold,
			FailureDecay:     cfg.FailureDecay,
			FailureBackoff:   cfg.FailureBackoff,
			Timeout:          cfg.ShutdownTimeout,
		}
	}

	t := &Tree{
		root:   suture.New("bbs", spec(hook)),
		ingest: suture.New("ingest", spec(nil)),
		ops:    suture.New("ops", spec(nil)),
	}
	t.root.Add(t.ingest)
	t.root.Add(t.ops)
	return t
}

// AddIngest adds a pipeline or maintenance service.
func (t *Tree) AddIngest(svc suture.Service) suture.ServiceToken {
	return t.ingest.Add(svc)
}

// AddOps adds an operational service.
func (t *Tree) AddOps(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// UnstoppedServiceReport lists services that outlived the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
