// Package backfill catches a subscription up on history through a paginated
// source, feeding the same decode and apply path as the live stream.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/metrics"
)

// Page is one page of historical records. Next resumes after this page and
// is empty on the last page.
type Page struct {
	Records []domain.RawRecord
	Next    string
}

// Source fetches historical pages. Fetching the same token twice must
// return the same records.
type Source interface {
	FetchPage(ctx context.Context, token string) (Page, error)
}

// Sink receives the records of a run in order. Both calls may block, which
// throttles the run to the speed of the consumer.
type Sink interface {
	Record(ctx context.Context, rec domain.RawRecord) error

	// PageDone is called after every record of a page has been handed to
	// Record. next is the token to resume from.
	PageDone(ctx context.Context, next string) error
}

// Config tunes page fetching.
type Config struct {
	// PageTimeout bounds a single page fetch.
	PageTimeout time.Duration

	// PagesPerSecond limits the request rate against the source.
	PagesPerSecond float64

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// RetryBudget is how long a failing page is retried before the run
	// fails. The run resumes from the last persisted token on restart.
	RetryBudget time.Duration
}

// Coordinator runs backfills for one subscription.
type Coordinator struct {
	sub     domain.SubscriptionID
	source  Source
	cfg     Config
	limiter *rate.Limiter
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewCoordinator creates a Coordinator reading from source.
func NewCoordinator(sub domain.SubscriptionID, source Source, cfg Config, logger *slog.Logger) *Coordinator {
	limit := rate.Inf
	if cfg.PagesPerSecond > 0 {
		limit = rate.Limit(cfg.PagesPerSecond)
	}
	return &Coordinator{
		sub:     sub,
		source:  source,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		tracer:  otel.Tracer("github.com/blackmichael/bbs/internal/backfill"),
		logger:  logger.With("subscription", string(sub)),
	}
}

// Run fetches pages from st.PageToken until the source is exhausted and
// hands every record to sink. It returns nil once the last page is done.
func (c *Coordinator) Run(ctx context.Context, st domain.BackfillState, sink Sink) error {
	ctx, span := c.tracer.Start(ctx, "backfill.run", trace.WithAttributes(
		attribute.String("subscription", string(c.sub)),
		attribute.String("run_id", st.RunID),
	))
	defer span.End()

	token := st.PageToken
	c.logger.Info("backfill started", "run_id", st.RunID, "resume", token != "")

	pages := 0
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		page, err := c.fetch(ctx, token)
		if err != nil {
			metrics.BackfillRuns.WithLabelValues(string(c.sub), "failed").Inc()
			return fmt.Errorf("fetch page: %w", err)
		}
		pages++
		metrics.BackfillPages.WithLabelValues(string(c.sub)).Inc()

		for _, rec := range page.Records {
			if err := sink.Record(ctx, rec); err != nil {
				return err
			}
		}
		if err := sink.PageDone(ctx, page.Next); err != nil {
			return err
		}

		if page.Next == "" {
			c.logger.Info("backfill source exhausted", "run_id", st.RunID, "pages", pages)
			span.SetAttributes(attribute.Int("pages", pages))
			return nil
		}
		token = page.Next
	}
}

func (c *Coordinator) fetch(ctx context.Context, token string) (Page, error) {
	bo := backoff.NewExponentialBackOff()
	if c.cfg.BackoffInitial > 0 {
		bo.InitialInterval = c.cfg.BackoffInitial
	}
	if c.cfg.BackoffMax > 0 {
		bo.MaxInterval = c.cfg.BackoffMax
	}

	op := func() (Page, error) {
		pageCtx := ctx
		if c.cfg.PageTimeout > 0 {
			var cancel context.CancelFunc
			pageCtx, cancel = context.WithTimeout(ctx, c.cfg.PageTimeout)
			defer cancel()
		}
		return c.source.FetchPage(pageCtx, token)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(bo),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("backfill page failed, retrying", "error", err, "backoff", wait)
		}),
	}
	if c.cfg.RetryBudget > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.cfg.RetryBudget))
	}
	return backoff.Retry(ctx, op, opts...)
}
