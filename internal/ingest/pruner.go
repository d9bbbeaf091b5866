package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/metrics"
)

// PruneStore removes old ledger entries.
type PruneStore interface {
	PruneLedger(ctx context.Context, sub domain.SubscriptionID, olderThan time.Time, margin int64) (int64, error)
}

// PruneTarget is a subscription and its margin, in the position unit of
// the subscription's stream.
type PruneTarget struct {
	Subscription domain.SubscriptionID
	Margin       int64
}

// Pruner bounds the idempotency ledger. Entries older than the retention
// window whose position sits more than the target's margin below the
// cursor are removed; anything a reconnect could still redeliver is kept.
type Pruner struct {
	store     PruneStore
	targets   []PruneTarget
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner for targets.
func NewPruner(store PruneStore, targets []PruneTarget, interval, retention time.Duration, logger *slog.Logger) *Pruner {
	return &Pruner{
		store:     store,
		targets:   targets,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pruner) String() string { return "ledger-pruner" }

// Serve prunes immediately and then at every interval until ctx is
// cancelled.
func (p *Pruner) Serve(ctx context.Context) error {
	p.prune(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	cutoff := p.now().Add(-p.retention)
	for _, target := range p.targets {
		sub := target.Subscription
		deleted, err := p.store.PruneLedger(ctx, sub, cutoff, target.Margin)
		if err != nil {
			p.logger.Error("ledger prune failed", "subscription", string(sub), "error", err)
			continue
		}
		if deleted > 0 {
			metrics.LedgerPruned.WithLabelValues(string(sub)).Add(float64(deleted))
			p.logger.Info("ledger prune complete", "subscription", string(sub), "deleted", deleted)
		}
	}
}
