package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackmichael/bbs/internal/backfill"
	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/metrics"
)

// LiveSource produces live stream records. Run blocks on out when the
// consumer falls behind and calls connected after each handshake. A
// positive from is the position to resume after instead of the stored
// cursor.
type LiveSource interface {
	Run(ctx context.Context, from int64, out chan<- domain.RawRecord, connected func()) error
}

// Decoder turns raw records into events.
type Decoder interface {
	Decode(rec domain.RawRecord) (domain.Decoded, error)
}

// Backfiller replays history for a run starting at its saved page token.
type Backfiller interface {
	Run(ctx context.Context, st domain.BackfillState, sink backfill.Sink) error
}

// PipelineConfig tunes one subscription's pipeline.
type PipelineConfig struct {
	// QueueSize bounds each producer queue.
	QueueSize int

	// HeadWait is how long backfill waits for the live stream to connect
	// before starting anyway.
	HeadWait time.Duration

	// ApplyTimeout bounds the handling of one record, retries included. It
	// is not cut short by shutdown.
	ApplyTimeout time.Duration

	// MaxCursorAge forces a re-backfill when the stored cursor was last
	// advanced or connected longer ago, since the stream can no longer
	// replay from it. Zero disables the check.
	MaxCursorAge time.Duration
}

// Pipeline moves one subscription's records from its producers to the
// materializer. A single consumer applies records in arrival order. While a
// backfill runs, live records are held back behind it.
type Pipeline struct {
	sub        domain.Subscription
	store      domain.Store
	mat        *Materializer
	dec        Decoder
	live       LiveSource
	backfiller Backfiller
	locks      *KeyedMutex
	cfg        PipelineConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline wires a pipeline for sub. backfiller may be nil, in which case
// the subscription only follows the live stream.
func NewPipeline(sub domain.Subscription, store domain.Store, mat *Materializer, dec Decoder, live LiveSource, backfiller Backfiller, locks *KeyedMutex, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.HeadWait <= 0 {
		cfg.HeadWait = 10 * time.Second
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Minute
	}
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &Pipeline{
		sub:        sub,
		store:      store,
		mat:        mat,
		dec:        dec,
		live:       live,
		backfiller: backfiller,
		locks:      locks,
		cfg:        cfg,
		logger:     logger.With("subscription", string(sub.ID)),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pipeline) String() string {
	return "pipeline(" + string(p.sub.ID) + ")"
}

type backfillItem struct {
	rec  domain.RawRecord
	next string
	page bool
	done bool
}

type channelSink struct {
	ch chan<- backfillItem
}

func (s channelSink) Record(ctx context.Context, rec domain.RawRecord) error {
	return s.send(ctx, backfillItem{rec: rec})
}

func (s channelSink) PageDone(ctx context.Context, next string) error {
	return s.send(ctx, backfillItem{next: next, page: true})
}

func (s channelSink) send(ctx context.Context, item backfillItem) error {
	select {
	case s.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the pipeline until ctx is cancelled or a record forces a
// restart. A returned error wrapping domain.ErrStreamGap means a re-backfill
// has been scheduled for the next run.
func (p *Pipeline) Serve(ctx context.Context) error {
	st, backfilling, err := p.prepareBackfill(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	// An interrupted run resumes the stream at the head it held, so live
	// records that arrived during the backfill are replayed.
	var from int64
	if backfilling && st.Target > 1 {
		from = st.Target - 1
		p.logger.Info("resuming live stream at backfill target", "target", st.Target)
	}

	liveCh := make(chan domain.RawRecord, p.cfg.QueueSize)
	errCh := make(chan error, 2)
	connected := make(chan struct{})
	var once sync.Once

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := p.live.Run(ctx, from, liveCh, func() {
			p.touchCursor(ctx)
			once.Do(func() { close(connected) })
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("live stream: %w", err)
		}
	}()

	var bfCh chan backfillItem
	if backfilling {
		bfCh = make(chan backfillItem, p.cfg.QueueSize)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Start once the live head is known, so nothing falls between
			// the snapshot and the first held live record.
			select {
			case <-connected:
			case <-time.After(p.cfg.HeadWait):
				p.logger.Warn("live stream not connected, starting backfill without head")
			case <-ctx.Done():
				return
			}
			sink := channelSink{ch: bfCh}
			if err := p.backfiller.Run(ctx, st, sink); err != nil {
				if ctx.Err() == nil {
					errCh <- fmt.Errorf("backfill: %w", err)
				}
				return
			}
			_ = sink.send(ctx, backfillItem{done: true})
		}()
	}

	return p.consume(ctx, st, liveCh, bfCh, errCh)
}

// prepareBackfill decides whether this run backfills and persists the run
// state before any record flows.
func (p *Pipeline) prepareBackfill(ctx context.Context) (domain.BackfillState, bool, error) {
	if p.backfiller == nil {
		return domain.BackfillState{}, false, nil
	}

	st, found, err := p.store.Backfill(ctx, p.sub.ID)
	if err != nil {
		return st, false, fmt.Errorf("load backfill state: %w", err)
	}

	if found && st.Status == domain.BackfillComplete {
		stale, err := p.cursorStale(ctx)
		if err != nil {
			return st, false, err
		}
		if !stale {
			return st, false, nil
		}
		found = false
	}

	switch {
	case !found:
		st = domain.BackfillState{
			SubscriptionID: p.sub.ID,
			RunID:          uuid.NewString(),
			StartedAt:      p.now(),
		}
	case st.Status == domain.BackfillRequired:
		st.StartedAt = p.now()
		st.Target = 0
	case st.Status == domain.BackfillRunning:
		p.logger.Info("resuming backfill", "run_id", st.RunID, "records", st.Records)
	}
	st.Status = domain.BackfillRunning
	st.CompletedAt = time.Time{}

	if err := p.mat.SaveBackfill(ctx, st); err != nil {
		return st, false, fmt.Errorf("save backfill state: %w", err)
	}
	return st, true, nil
}

func (p *Pipeline) cursorStale(ctx context.Context) (bool, error) {
	if p.cfg.MaxCursorAge <= 0 {
		return false, nil
	}
	cur, found, err := p.store.Cursor(ctx, p.sub.ID)
	if err != nil {
		return false, fmt.Errorf("load cursor: %w", err)
	}
	if !found {
		return false, nil
	}
	age := p.now().Sub(cur.UpdatedAt)
	if age <= p.cfg.MaxCursorAge {
		return false, nil
	}
	p.logger.Warn("cursor too old to resume, scheduling backfill", "position", cur.Position, "age", age)
	return true, nil
}

// touchCursor records a successful connection so an idle stream does not
// age the cursor into a re-backfill.
func (p *Pipeline) touchCursor(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ApplyTimeout)
	defer cancel()
	if err := p.mat.TouchCursor(ctx, p.sub.ID); err != nil {
		p.logger.Warn("failed to refresh cursor timestamp", "error", err)
	}
}

func (p *Pipeline) consume(ctx context.Context, st domain.BackfillState, liveCh <-chan domain.RawRecord, bfCh <-chan backfillItem, errCh <-chan error) error {
	sub := string(p.sub.ID)
	var held *domain.RawRecord

	for {
		metrics.QueueDepth.WithLabelValues(sub, "live").Set(float64(len(liveCh)))

		if bfCh != nil {
			metrics.QueueDepth.WithLabelValues(sub, "backfill").Set(float64(len(bfCh)))

			// Only the head of the live stream is taken while backfilling.
			// The rest waits in liveCh, which pushes back on the client.
			var live <-chan domain.RawRecord
			if held == nil {
				live = liveCh
				select {
				case rec := <-liveCh:
					held = &rec
					if err := p.holdHead(ctx, &st, rec); err != nil {
						return err
					}
					continue
				default:
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-errCh:
				return err
			case rec := <-live:
				held = &rec
				if err := p.holdHead(ctx, &st, rec); err != nil {
					return err
				}
			case item := <-bfCh:
				switch {
				case item.done:
					if err := p.completeBackfill(ctx, &st, held); err != nil {
						return err
					}
					bfCh = nil
					metrics.QueueDepth.WithLabelValues(sub, "backfill").Set(0)
					if held != nil {
						rec := *held
						held = nil
						if err := p.handle(ctx, rec, true); err != nil {
							return err
						}
					}
				case item.page:
					st.PageToken = item.next
					// The last page is recorded together with completion.
					if item.next == "" {
						continue
					}
					if err := p.saveProgress(ctx, st); err != nil {
						return err
					}
				default:
					st.Records++
					if err := p.handle(ctx, item.rec, false); err != nil {
						return err
					}
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case rec := <-liveCh:
			if err := p.handle(ctx, rec, false); err != nil {
				return err
			}
		}
	}
}

// holdHead persists the position of the first live record held back, so a
// restart before completion replays the stream from there.
func (p *Pipeline) holdHead(ctx context.Context, st *domain.BackfillState, rec domain.RawRecord) error {
	p.logger.Debug("holding live head until backfill completes", "position", rec.Position)
	if rec.Position <= 0 || (st.Target > 0 && st.Target <= rec.Position) {
		return nil
	}
	st.Target = rec.Position
	return p.saveProgress(ctx, *st)
}

func (p *Pipeline) saveProgress(ctx context.Context, st domain.BackfillState) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ApplyTimeout)
	defer cancel()
	if err := p.mat.SaveBackfill(ctx, st); err != nil {
		return fmt.Errorf("save backfill progress: %w", err)
	}
	return nil
}

// completeBackfill marks the run complete. The cursor moves to just before
// the live head held by this run or an interrupted earlier one, so a restart
// resumes at the head.
func (p *Pipeline) completeBackfill(ctx context.Context, st *domain.BackfillState, held *domain.RawRecord) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ApplyTimeout)
	defer cancel()

	st.Status = domain.BackfillComplete
	st.PageToken = ""
	st.CompletedAt = p.now()

	if held != nil && held.Position > 0 && (st.Target == 0 || held.Position < st.Target) {
		st.Target = held.Position
	}
	var cur *domain.CursorUpdate
	if st.Target > 1 {
		cur = &domain.CursorUpdate{Position: st.Target - 1}
	}
	if err := p.mat.CompleteBackfill(ctx, *st, cur); err != nil {
		return fmt.Errorf("complete backfill: %w", err)
	}

	metrics.BackfillRuns.WithLabelValues(string(p.sub.ID), "complete").Inc()
	p.logger.Info("backfill complete",
		"run_id", st.RunID,
		"records", st.Records,
		"target", st.Target,
		"duration", st.CompletedAt.Sub(st.StartedAt),
	)
	return nil
}

// handle decodes and applies one record. afterBackfill is set for the held
// live head, whose gap report the finished backfill already covers.
func (p *Pipeline) handle(ctx context.Context, rec domain.RawRecord, afterBackfill bool) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ApplyTimeout)
	defer cancel()

	unlock := p.locks.Lock(p.sub.ID)
	defer unlock()

	live := rec.Format != domain.FormatSnapshot
	decoded, err := p.dec.Decode(rec)
	if err != nil {
		return p.handleDecodeError(ctx, rec, err, afterBackfill)
	}

	pos := decoded.Position
	if pos == 0 {
		pos = rec.Position
	}

	if len(decoded.Envelopes) == 0 {
		if live && pos > 0 {
			return p.mat.Advance(ctx, p.sub.ID, domain.CursorUpdate{Position: pos})
		}
		return nil
	}

	last := len(decoded.Envelopes) - 1
	for i, env := range decoded.Envelopes {
		var cur *domain.CursorUpdate
		if live && i == last && pos > 0 {
			cur = &domain.CursorUpdate{Position: pos}
		}
		_, err := p.mat.Apply(ctx, p.sub.ID, env, cur)
		var applyErr *domain.ApplyError
		if errors.As(err, &applyErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("apply %s: %w", env.Key, err)
		}
	}
	return nil
}

func (p *Pipeline) handleDecodeError(ctx context.Context, rec domain.RawRecord, err error, afterBackfill bool) error {
	var de *domain.DecodeError
	if !errors.As(err, &de) {
		de = domain.Malformed(rec.Position, "decode", err)
	}
	metrics.DecodeFailures.WithLabelValues(string(p.sub.ID), de.Kind.String()).Inc()

	live := rec.Format != domain.FormatSnapshot
	pos := de.Position
	if pos == 0 {
		pos = rec.Position
	}
	var cur *domain.CursorUpdate
	if live && pos > 0 {
		cur = &domain.CursorUpdate{Position: pos}
	}

	switch de.Kind {
	case domain.DecodeUnsupported:
		p.logger.Debug("skipping unsupported record", "position", pos, "reason", de.Reason)
		if cur == nil {
			return nil
		}
		return p.mat.Advance(ctx, p.sub.ID, *cur)

	case domain.DecodeStreamGap:
		if afterBackfill {
			p.logger.Info("ignoring stream gap covered by backfill", "position", pos)
			return nil
		}
		p.logger.Warn("stream gap detected, scheduling backfill", "position", pos, "reason", de.Reason)
		if err := p.mat.RequireBackfill(ctx, p.sub.ID); err != nil {
			return fmt.Errorf("schedule backfill: %w", err)
		}
		return fmt.Errorf("%s: %w", p.sub.ID, de)

	default:
		p.logger.Warn("dead-lettering malformed record", "position", pos, "format", string(rec.Format), "error", de)
		if err := p.mat.DeadLetter(ctx, p.sub.ID, rec, de.Error(), cur); err != nil {
			return fmt.Errorf("dead letter: %w", err)
		}
		return nil
	}
}
