package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/bbs/internal/domain"
)

// GetPost retrieves a post by its AT-URI.
func (s *Store) GetPost(ctx context.Context, id string) (domain.Post, bool, error) {
	return scanPost(s.db.QueryRowContext(ctx, s.dialect.rebind(selectPost), id))
}

// GetAuthor retrieves an author by DID.
func (s *Store) GetAuthor(ctx context.Context, id string) (domain.Author, bool, error) {
	var (
		a       domain.Author
		status  string
		profile []byte
		updated int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT author_id, handle, status, status_revision, handle_revision,
		       profile, profile_cid, profile_revision, updated_at
		FROM authors WHERE author_id = ?`), id,
	).Scan(&a.ID, &a.Handle, &status, &a.StatusRevision, &a.HandleRevision,
		&profile, &a.ProfileCID, &a.ProfileRevision, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Author{}, false, nil
	}
	if err != nil {
		return domain.Author{}, false, fmt.Errorf("query author: %w", classify(err))
	}
	a.Status = domain.AuthorStatus(status)
	a.Profile = profile
	a.UpdatedAt = fromMillis(updated)
	return a, true, nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, id string) (domain.Thread, bool, error) {
	var (
		t        domain.Thread
		activity int64
	)
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`
		SELECT thread_id, root_post_id, section_id, last_activity_at
		FROM threads WHERE thread_id = ?`), id,
	).Scan(&t.ID, &t.RootPostID, &t.SectionID, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Thread{}, false, nil
	}
	if err != nil {
		return domain.Thread{}, false, fmt.Errorf("query thread: %w", classify(err))
	}
	t.LastActivityAt = fromMillis(activity)
	return t, true, nil
}

// ListThreads returns threads ordered by most recent activity.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]domain.Thread, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT thread_id, root_post_id, section_id, last_activity_at
		FROM threads
		ORDER BY last_activity_at DESC, thread_id DESC
		LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query threads (limit=%d): %w", limit, classify(err))
	}
	defer rows.Close()

	var threads []domain.Thread
	for rows.Next() {
		var (
			t        domain.Thread
			activity int64
		)
		if err := rows.Scan(&t.ID, &t.RootPostID, &t.SectionID, &activity); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.LastActivityAt = fromMillis(activity)
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return threads, nil
}

// ThreadPosts returns the root post and every post in the thread, oldest
// first. Deleted posts are included so replies keep their context.
func (s *Store) ThreadPosts(ctx context.Context, threadID string) ([]domain.Post, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT post_id, cid, author_id, thread_id, parent_id, section_id, title, body,
		       revision, like_count, deleted, created_at, updated_at
		FROM posts
		WHERE post_id = ? OR thread_id = ?
		ORDER BY created_at ASC, post_id ASC`), threadID, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread posts (thread=%s): %w", threadID, classify(err))
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		p, _, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread posts: %w", err)
	}
	return posts, nil
}

// ListCursors returns the cursor of every subscription.
func (s *Store) ListCursors(ctx context.Context) ([]domain.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT subscription_id, position, updated_at FROM cursors ORDER BY subscription_id`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", classify(err))
	}
	defer rows.Close()

	var cursors []domain.Cursor
	for rows.Next() {
		c, _, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}

// ListBackfills returns the backfill state of every subscription.
func (s *Store) ListBackfills(ctx context.Context) ([]domain.BackfillState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subscription_id, run_id, status, page_token, target, records, started_at, completed_at
		FROM backfills ORDER BY subscription_id`)
	if err != nil {
		return nil, fmt.Errorf("query backfills: %w", classify(err))
	}
	defer rows.Close()

	var states []domain.BackfillState
	for rows.Next() {
		st, _, err := scanBackfill(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// ListDeadLetters returns dead-lettered records, newest first. An empty sub
// lists every subscription.
func (s *Store) ListDeadLetters(ctx context.Context, sub domain.SubscriptionID, limit int) ([]domain.DeadLetter, error) {
	query := `
		SELECT id, subscription_id, position, format, reason, payload, received_at
		FROM dead_letters`
	args := []any{}
	if sub != "" {
		query += ` WHERE subscription_id = ?`
		args = append(args, string(sub))
	}
	query += ` ORDER BY received_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", classify(err))
	}
	defer rows.Close()

	var letters []domain.DeadLetter
	for rows.Next() {
		var (
			dl               domain.DeadLetter
			subID, format    string
			receivedAtMillis int64
		)
		if err := rows.Scan(&dl.ID, &subID, &dl.Position, &format, &dl.Reason, &dl.Payload, &receivedAtMillis); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.SubscriptionID = domain.SubscriptionID(subID)
		dl.Format = domain.RecordFormat(format)
		dl.ReceivedAt = fromMillis(receivedAtMillis)
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// LedgerSize returns the number of ledger entries held for a subscription.
func (s *Store) LedgerSize(ctx context.Context, sub domain.SubscriptionID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT COUNT(*) FROM applied_events WHERE subscription_id = ?`), string(sub)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ledger: %w", classify(err))
	}
	return n, nil
}

// PruneLedger removes ledger entries applied before olderThan whose position
// trails the subscription's cursor by more than margin. Returns the number
// of rows deleted.
func (s *Store) PruneLedger(ctx context.Context, sub domain.SubscriptionID, olderThan time.Time, margin int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(`
		DELETE FROM applied_events
		WHERE subscription_id = ?
		  AND applied_at < ?
		  AND position < (SELECT position FROM cursors WHERE subscription_id = ?) - ?`),
		string(sub), toMillis(olderThan), string(sub), margin,
	)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", classify(err))
	}
	n, err := affected(res)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	return n, nil
}

// ResetSubscription forces a re-backfill: the cursor is removed and the
// backfill is marked required with a fresh run. This is the only operation
// that moves a cursor backwards.
func (s *Store) ResetSubscription(ctx context.Context, sub domain.SubscriptionID, runID string, at time.Time) error {
	return s.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.ResetCursor(ctx, sub); err != nil {
			return err
		}
		return tx.SaveBackfill(ctx, domain.BackfillState{
			SubscriptionID: sub,
			RunID:          runID,
			Status:         domain.BackfillRequired,
			StartedAt:      at,
		})
	})
}
