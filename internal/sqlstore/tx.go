package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/blackmichael/bbs/internal/domain"
)

const (
	selectCursor = `SELECT subscription_id, position, updated_at FROM cursors WHERE subscription_id = ?`

	selectBackfill = `
		SELECT subscription_id, run_id, status, page_token, target, records, started_at, completed_at
		FROM backfills WHERE subscription_id = ?`

	selectPost = `
		SELECT post_id, cid, author_id, thread_id, parent_id, section_id, title, body,
		       revision, like_count, deleted, created_at, updated_at
		FROM posts WHERE post_id = ?`

	selectLike = `
		SELECT like_id, cid, author_id, subject_id, revision, deleted, created_at, updated_at
		FROM likes WHERE like_id = ?`
)

// sqlTx implements domain.Tx on a database/sql transaction.
type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

var _ domain.Tx = (*sqlTx)(nil)

func (t *sqlTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
	if err != nil {
		return 0, classify(err)
	}
	return affected(res)
}

func (t *sqlTx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}

func (t *sqlTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "SAVEPOINT "+name)
	return err
}

func (t *sqlTx) RollbackTo(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "ROLLBACK TO SAVEPOINT "+name)
	return err
}

func (t *sqlTx) Release(ctx context.Context, name string) error {
	_, err := t.exec(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

// GetCursor retrieves the cursor within the transaction.
func (t *sqlTx) GetCursor(ctx context.Context, sub domain.SubscriptionID) (domain.Cursor, bool, error) {
	return scanCursor(t.queryRow(ctx, selectCursor, string(sub)))
}

// AdvanceCursor upserts the cursor only when pos moves it forward.
func (t *sqlTx) AdvanceCursor(ctx context.Context, sub domain.SubscriptionID, pos int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		INSERT INTO cursors (subscription_id, position, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE
		SET position = excluded.position, updated_at = excluded.updated_at
		WHERE cursors.position < excluded.position`,
		string(sub), pos, toMillis(at),
	)
	if err != nil {
		return false, fmt.Errorf("advance cursor: %w", err)
	}
	return n > 0, nil
}

// TouchCursor sets the cursor's updated_at without moving its position.
func (t *sqlTx) TouchCursor(ctx context.Context, sub domain.SubscriptionID, at time.Time) error {
	if _, err := t.exec(ctx, `UPDATE cursors SET updated_at = ? WHERE subscription_id = ?`,
		toMillis(at), string(sub)); err != nil {
		return fmt.Errorf("touch cursor: %w", err)
	}
	return nil
}

func (t *sqlTx) ResetCursor(ctx context.Context, sub domain.SubscriptionID) error {
	if _, err := t.exec(ctx, `DELETE FROM cursors WHERE subscription_id = ?`, string(sub)); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	return nil
}

func (t *sqlTx) LedgerContains(ctx context.Context, key domain.EventKey) (bool, error) {
	var one int
	err := t.queryRow(ctx, `SELECT 1 FROM applied_events WHERE event_key = ?`, string(key)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", classify(err))
	}
	return true, nil
}

func (t *sqlTx) LedgerInsert(ctx context.Context, e domain.DedupEntry) (bool, error) {
	n, err := t.exec(ctx, `
		INSERT INTO applied_events (event_key, subscription_id, position, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_key) DO NOTHING`,
		string(e.Key), string(e.SubscriptionID), e.Position, toMillis(e.AppliedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) GetPost(ctx context.Context, id string) (domain.Post, bool, error) {
	return scanPost(t.queryRow(ctx, selectPost, id))
}

func (t *sqlTx) InsertPost(ctx context.Context, p domain.Post) error {
	_, err := t.exec(ctx, `
		INSERT INTO posts (post_id, cid, author_id, thread_id, parent_id, section_id, title, body,
		                   revision, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.CID, p.AuthorID, nullString(p.ThreadID), p.ParentID, p.SectionID, p.Title, p.Body,
		p.Revision, p.Deleted, toMillis(p.CreatedAt), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (t *sqlTx) ReplacePost(ctx context.Context, p domain.Post) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE posts
		SET cid = ?, title = ?, body = ?, revision = ?, deleted = ?, updated_at = ?
		WHERE post_id = ? AND revision < ?`,
		p.CID, p.Title, p.Body, p.Revision, false, toMillis(p.UpdatedAt),
		p.ID, p.Revision,
	)
	if err != nil {
		return false, fmt.Errorf("replace post: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) EditPost(ctx context.Context, id, cid, title, body string, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE posts
		SET cid = ?, title = ?, body = ?, revision = ?, updated_at = ?
		WHERE post_id = ? AND revision < ?`,
		cid, title, body, rev, toMillis(at),
		id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("edit post: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) MarkPostDeleted(ctx context.Context, id string, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE posts
		SET deleted = ?, revision = ?, updated_at = ?
		WHERE post_id = ? AND revision < ?`,
		true, rev, toMillis(at),
		id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) AddLikes(ctx context.Context, postID string, delta int64) error {
	if _, err := t.exec(ctx, `UPDATE posts SET like_count = like_count + ? WHERE post_id = ?`, delta, postID); err != nil {
		return fmt.Errorf("count likes: %w", err)
	}
	return nil
}

func (t *sqlTx) GetLike(ctx context.Context, id string) (domain.Like, bool, error) {
	var (
		l                domain.Like
		created, updated int64
	)
	err := t.queryRow(ctx, selectLike, id).Scan(&l.ID, &l.CID, &l.AuthorID, &l.SubjectID, &l.Revision, &l.Deleted,
		&created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Like{}, false, nil
	}
	if err != nil {
		return domain.Like{}, false, fmt.Errorf("scan like: %w", classify(err))
	}
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return l, true, nil
}

func (t *sqlTx) InsertLike(ctx context.Context, l domain.Like) error {
	_, err := t.exec(ctx, `
		INSERT INTO likes (like_id, cid, author_id, subject_id, revision, deleted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.CID, l.AuthorID, l.SubjectID, l.Revision, l.Deleted, toMillis(l.CreatedAt), toMillis(l.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert like: %w", err)
	}
	return nil
}

func (t *sqlTx) ReplaceLike(ctx context.Context, l domain.Like) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE likes
		SET cid = ?, subject_id = ?, revision = ?, deleted = ?, created_at = ?, updated_at = ?
		WHERE like_id = ? AND revision < ?`,
		l.CID, l.SubjectID, l.Revision, false, toMillis(l.CreatedAt), toMillis(l.UpdatedAt),
		l.ID, l.Revision,
	)
	if err != nil {
		return false, fmt.Errorf("replace like: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) MarkLikeDeleted(ctx context.Context, id string, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE likes
		SET deleted = ?, revision = ?, updated_at = ?
		WHERE like_id = ? AND revision < ?`,
		true, rev, toMillis(at),
		id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("delete like: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) ThreadExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := t.queryRow(ctx, `SELECT 1 FROM threads WHERE thread_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query thread: %w", classify(err))
	}
	return true, nil
}

func (t *sqlTx) InsertThread(ctx context.Context, th domain.Thread) error {
	_, err := t.exec(ctx, `
		INSERT INTO threads (thread_id, root_post_id, section_id, last_activity_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id) DO NOTHING`,
		th.ID, th.RootPostID, th.SectionID, toMillis(th.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	return nil
}

func (t *sqlTx) TouchThread(ctx context.Context, id string, at time.Time) error {
	_, err := t.exec(ctx, `
		UPDATE threads SET last_activity_at = ?
		WHERE thread_id = ? AND last_activity_at < ?`,
		toMillis(at), id, toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return nil
}

func (t *sqlTx) EnsureAuthor(ctx context.Context, id string, at time.Time) error {
	_, err := t.exec(ctx, `
		INSERT INTO authors (author_id, handle, status, status_revision, handle_revision, updated_at)
		VALUES (?, '', ?, 0, 0, ?)
		ON CONFLICT (author_id) DO NOTHING`,
		id, string(domain.AuthorActive), toMillis(at),
	)
	if err != nil {
		return fmt.Errorf("ensure author: %w", err)
	}
	return nil
}

func (t *sqlTx) SetAuthorStatus(ctx context.Context, id string, status domain.AuthorStatus, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE authors SET status = ?, status_revision = ?, updated_at = ?
		WHERE author_id = ? AND status_revision < ?`,
		string(status), rev, toMillis(at), id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("set author status: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) SetAuthorHandle(ctx context.Context, id, handle string, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE authors SET handle = ?, handle_revision = ?, updated_at = ?
		WHERE author_id = ? AND handle_revision < ?`,
		handle, rev, toMillis(at), id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("set author handle: %w", err)
	}
	return n > 0, nil
}

func (t *sqlTx) SetAuthorProfile(ctx context.Context, id, cid string, record []byte, rev int64, at time.Time) (bool, error) {
	n, err := t.exec(ctx, `
		UPDATE authors SET profile = ?, profile_cid = ?, profile_revision = ?, updated_at = ?
		WHERE author_id = ? AND profile_revision < ?`,
		nullBytes(record), cid, rev, toMillis(at), id, rev,
	)
	if err != nil {
		return false, fmt.Errorf("set author profile: %w", err)
	}
	return n > 0, nil
}

// InsertDeadLetter stores a record once; redelivery of the same payload is
// ignored.
func (t *sqlTx) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	_, err := t.exec(ctx, `
		INSERT INTO dead_letters (id, subscription_id, position, format, reason, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		dl.ID, string(dl.SubscriptionID), dl.Position, string(dl.Format), dl.Reason, dl.Payload,
		toMillis(dl.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

func (t *sqlTx) SaveBackfill(ctx context.Context, s domain.BackfillState) error {
	_, err := t.exec(ctx, `
		INSERT INTO backfills (subscription_id, run_id, status, page_token, target, records, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id) DO UPDATE
		SET run_id = excluded.run_id, status = excluded.status, page_token = excluded.page_token,
		    target = excluded.target, records = excluded.records,
		    started_at = excluded.started_at, completed_at = excluded.completed_at`,
		string(s.SubscriptionID), s.RunID, string(s.Status), s.PageToken, s.Target, s.Records,
		toMillis(s.StartedAt), toMillis(s.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("save backfill: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCursor(row rowScanner) (domain.Cursor, bool, error) {
	var (
		c       domain.Cursor
		sub     string
		updated int64
	)
	err := row.Scan(&sub, &c.Position, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Cursor{}, false, nil
	}
	if err != nil {
		return domain.Cursor{}, false, fmt.Errorf("scan cursor: %w", classify(err))
	}
	c.SubscriptionID = domain.SubscriptionID(sub)
	c.UpdatedAt = fromMillis(updated)
	return c, true, nil
}

func scanBackfill(row rowScanner) (domain.BackfillState, bool, error) {
	var (
		s                  domain.BackfillState
		sub, status        string
		started, completed int64
	)
	err := row.Scan(&sub, &s.RunID, &status, &s.PageToken, &s.Target, &s.Records, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.BackfillState{}, false, nil
	}
	if err != nil {
		return domain.BackfillState{}, false, fmt.Errorf("scan backfill: %w", classify(err))
	}
	s.SubscriptionID = domain.SubscriptionID(sub)
	s.Status = domain.BackfillStatus(status)
	s.StartedAt = fromMillis(started)
	s.CompletedAt = fromMillis(completed)
	return s, true, nil
}

func scanPost(row rowScanner) (domain.Post, bool, error) {
	var (
		p                domain.Post
		threadID         sql.NullString
		created, updated int64
	)
	err := row.Scan(&p.ID, &p.CID, &p.AuthorID, &threadID, &p.ParentID, &p.SectionID, &p.Title, &p.Body,
		&p.Revision, &p.LikeCount, &p.Deleted, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Post{}, false, nil
	}
	if err != nil {
		return domain.Post{}, false, fmt.Errorf("scan post: %w", classify(err))
	}
	p.ThreadID = threadID.String
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	return p, true, nil
}
