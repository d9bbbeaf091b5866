package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/firehose"
	"github.com/blackmichael/bbs/internal/metrics"
)

const savepointApply = "apply"

// errLedgerRace means a concurrent transaction recorded the same key first.
// The transaction is retried and takes the duplicate path.
var errLedgerRace = errors.New("ledger entry recorded concurrently")

// MaterializerConfig bounds store retries.
type MaterializerConfig struct {
	RetryInitial time.Duration
	RetryMax     time.Duration

	// RetryBudget is the total time a transaction is retried while the
	// store is unavailable before the error is surfaced.
	RetryBudget time.Duration

	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// Materializer applies decoded events to the relational model. Every call
// is one transaction covering the dedup check, the domain mutation, the
// ledger entry and the cursor advance.
type Materializer struct {
	store   domain.TxRunner
	ledger  Ledger
	cfg     MaterializerConfig
	breaker *gobreaker.CircuitBreaker[domain.Outcome]
	tracer  trace.Tracer
	logger  *slog.Logger
	now     func() time.Time
}

// NewMaterializer creates a Materializer over store.
func NewMaterializer(store domain.TxRunner, ledger Ledger, cfg MaterializerConfig, logger *slog.Logger) *Materializer {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 10 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 5 * time.Minute
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	m := &Materializer{
		store:  store,
		ledger: ledger,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/blackmichael/bbs/internal/ingest"),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	m.breaker = gobreaker.NewCircuitBreaker[domain.Outcome](gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logger.Warn("store circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return m
}

// Apply applies one event and, when cur is not nil, advances the cursor in
// the same transaction. An inconsistent event is committed (ledger and
// cursor) without its domain effect and reported as *domain.ApplyError.
// Errors wrapping domain.ErrStoreUnavailable mean nothing was committed.
func (m *Materializer) Apply(ctx context.Context, sub domain.SubscriptionID, env domain.Envelope, cur *domain.CursorUpdate) (domain.Outcome, error) {
	ctx, span := m.tracer.Start(ctx, "materializer.apply", trace.WithAttributes(
		attribute.String("subscription", string(sub)),
		attribute.String("event.kind", string(env.Event.Kind())),
		attribute.String("event.key", string(env.Key)),
	))
	defer span.End()

	start := time.Now()
	var detail error
	var moved bool
	outcome, err := m.execute(ctx, "apply", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		detail, moved = nil, false

		apply, err := m.ledger.ShouldApply(ctx, tx, env.Key)
		if err != nil {
			return 0, err
		}
		if !apply {
			moved, err = advance(ctx, tx, sub, cur, m.now())
			return domain.OutcomeDuplicate, err
		}

		if err := tx.Savepoint(ctx, savepointApply); err != nil {
			return 0, err
		}
		outcome, err := env.Event.Accept(&applier{ctx: ctx, tx: tx, now: m.now()})
		switch {
		case err == nil:
			if err := tx.Release(ctx, savepointApply); err != nil {
				return 0, err
			}
		case errors.Is(err, domain.ErrInconsistent), errors.Is(err, domain.ErrConstraintViolation):
			if rbErr := tx.RollbackTo(ctx, savepointApply); rbErr != nil {
				return 0, rbErr
			}
			outcome, detail = domain.OutcomeInconsistent, err
		default:
			return 0, err
		}

		entry := domain.DedupEntry{Key: env.Key, SubscriptionID: sub, AppliedAt: m.now()}
		if cur != nil {
			entry.Position = cur.Position
		}
		recorded, err := m.ledger.RecordApplied(ctx, tx, entry)
		if err != nil {
			return 0, err
		}
		if !recorded {
			return 0, errLedgerRace
		}

		moved, err = advance(ctx, tx, sub, cur, m.now())
		return outcome, err
	})
	metrics.ApplyDuration.WithLabelValues(string(sub)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply failed")
		return 0, err
	}

	span.SetAttributes(attribute.String("outcome", outcome.String()))
	metrics.EventsApplied.WithLabelValues(string(sub), outcome.String()).Inc()
	if moved {
		metrics.CursorPosition.WithLabelValues(string(sub)).Set(float64(cur.Position))
	}

	if outcome == domain.OutcomeInconsistent {
		m.logger.Warn("skipping inconsistent event",
			"subscription", string(sub),
			"kind", string(env.Event.Kind()),
			"key", string(env.Key),
			"error", detail,
		)
		return outcome, &domain.ApplyError{Key: env.Key, Kind: env.Event.Kind(), Reason: detail.Error()}
	}
	if outcome == domain.OutcomeDuplicate {
		m.logger.Debug("skipping duplicate event", "subscription", string(sub), "key", string(env.Key))
	}
	return outcome, nil
}

// Advance moves the cursor past a record that carries no event.
func (m *Materializer) Advance(ctx context.Context, sub domain.SubscriptionID, cur domain.CursorUpdate) error {
	_, err := m.execute(ctx, "advance", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		_, err := advance(ctx, tx, sub, &cur, m.now())
		return domain.OutcomeApplied, err
	})
	return err
}

// DeadLetter stores a malformed record and, when cur is not nil, advances
// the cursor past it in the same transaction.
func (m *Materializer) DeadLetter(ctx context.Context, sub domain.SubscriptionID, rec domain.RawRecord, reason string, cur *domain.CursorUpdate) error {
	dl := domain.DeadLetter{
		ID:             firehose.DeadLetterID(sub, rec.Payload),
		SubscriptionID: sub,
		Position:       rec.Position,
		Format:         rec.Format,
		Reason:         reason,
		Payload:        rec.Payload,
		ReceivedAt:     rec.ReceivedAt,
	}
	if cur != nil {
		dl.Position = cur.Position
	}
	if dl.ReceivedAt.IsZero() {
		dl.ReceivedAt = m.now()
	}

	_, err := m.execute(ctx, "dead_letter", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		if err := tx.InsertDeadLetter(ctx, dl); err != nil {
			return 0, err
		}
		_, err := advance(ctx, tx, sub, cur, m.now())
		return domain.OutcomeApplied, err
	})
	if err == nil {
		metrics.DeadLetters.WithLabelValues(string(sub)).Inc()
	}
	return err
}

// TouchCursor marks the subscription's stream as reachable now without
// moving its position.
func (m *Materializer) TouchCursor(ctx context.Context, sub domain.SubscriptionID) error {
	_, err := m.execute(ctx, "touch_cursor", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		return domain.OutcomeApplied, tx.TouchCursor(ctx, sub, m.now())
	})
	return err
}

// SaveBackfill persists backfill progress.
func (m *Materializer) SaveBackfill(ctx context.Context, st domain.BackfillState) error {
	_, err := m.execute(ctx, "save_backfill", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		return domain.OutcomeApplied, tx.SaveBackfill(ctx, st)
	})
	return err
}

// CompleteBackfill marks the run complete and moves the cursor to just
// before the first live record held back during the run.
func (m *Materializer) CompleteBackfill(ctx context.Context, st domain.BackfillState, cur *domain.CursorUpdate) error {
	_, err := m.execute(ctx, "complete_backfill", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		if err := tx.SaveBackfill(ctx, st); err != nil {
			return 0, err
		}
		_, err := advance(ctx, tx, st.SubscriptionID, cur, m.now())
		return domain.OutcomeApplied, err
	})
	return err
}

// RequireBackfill forces a re-backfill after a stream gap: the cursor is
// dropped and a new run is scheduled.
func (m *Materializer) RequireBackfill(ctx context.Context, sub domain.SubscriptionID) error {
	st := domain.BackfillState{
		SubscriptionID: sub,
		RunID:          uuid.NewString(),
		Status:         domain.BackfillRequired,
		StartedAt:      m.now(),
	}
	_, err := m.execute(ctx, "require_backfill", func(ctx context.Context, tx domain.Tx) (domain.Outcome, error) {
		if err := tx.ResetCursor(ctx, sub); err != nil {
			return 0, err
		}
		return domain.OutcomeApplied, tx.SaveBackfill(ctx, st)
	})
	return err
}

// execute runs fn in a transaction behind the circuit breaker, retrying
// with exponential backoff while the store is unavailable.
func (m *Materializer) execute(ctx context.Context, name string, fn func(ctx context.Context, tx domain.Tx) (domain.Outcome, error)) (domain.Outcome, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInitial
	bo.MaxInterval = m.cfg.RetryMax

	op := func() (domain.Outcome, error) {
		out, err := m.breaker.Execute(func() (domain.Outcome, error) {
			var out domain.Outcome
			err := m.store.WithTx(ctx, func(tx domain.Tx) error {
				var err error
				out, err = fn(ctx, tx)
				return err
			})
			return out, err
		})
		if err != nil && !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(m.cfg.RetryBudget),
		backoff.WithNotify(func(err error, wait time.Duration) {
			metrics.StoreRetries.Inc()
			m.logger.Error("store transaction failed, retrying", "op", name, "error", err, "backoff", wait)
		}),
	)
	if err != nil {
		if retryable(err) && !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return out, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrStoreUnavailable) ||
		errors.Is(err, gobreaker.ErrOpenState) ||
		errors.Is(err, gobreaker.ErrTooManyRequests) ||
		errors.Is(err, errLedgerRace)
}

func advance(ctx context.Context, tx domain.CursorTx, sub domain.SubscriptionID, cur *domain.CursorUpdate, now time.Time) (bool, error) {
	if cur == nil || cur.Position <= 0 {
		return false, nil
	}
	return tx.AdvanceCursor(ctx, sub, cur.Position, now)
}
