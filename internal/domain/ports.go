package domain

import (
	"context"
	"time"
)

// CursorReader reads the stored cursor for a subscription. found is false
// when the subscription has never advanced.
type CursorReader interface {
	Cursor(ctx context.Context, sub SubscriptionID) (c Cursor, found bool, err error)
}

// BackfillReader reads persisted backfill progress.
type BackfillReader interface {
	Backfill(ctx context.Context, sub SubscriptionID) (s BackfillState, found bool, err error)
}

// TxRunner runs fn inside a single store transaction. The transaction commits
// when fn returns nil and rolls back otherwise.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Store is the port the ingestion pipeline depends on.
type Store interface {
	TxRunner
	CursorReader
	BackfillReader
}

// Tx is the set of operations available inside a store transaction.
type Tx interface {
	CursorTx
	LedgerTx
	PostTx
	AuthorTx
	LikeTx

	// Savepoint and RollbackTo bracket the domain mutation of a single event
	// so it can be undone without aborting the enclosing transaction.
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error

	InsertDeadLetter(ctx context.Context, dl DeadLetter) error
	SaveBackfill(ctx context.Context, s BackfillState) error
}

// CursorTx reads and advances cursors inside a transaction.
type CursorTx interface {
	GetCursor(ctx context.Context, sub SubscriptionID) (Cursor, bool, error)

	// AdvanceCursor moves the cursor to pos if pos is greater than the stored
	// position. It reports whether the cursor moved.
	AdvanceCursor(ctx context.Context, sub SubscriptionID, pos int64, at time.Time) (bool, error)

	// TouchCursor refreshes the cursor's timestamp without moving it. It is
	// a no-op when the subscription has no cursor.
	TouchCursor(ctx context.Context, sub SubscriptionID, at time.Time) error

	// ResetCursor removes the cursor so the stream restarts from live. Only
	// a forced re-backfill does this.
	ResetCursor(ctx context.Context, sub SubscriptionID) error
}

// LedgerTx reads and writes idempotency ledger rows.
type LedgerTx interface {
	LedgerContains(ctx context.Context, key EventKey) (bool, error)

	// LedgerInsert records an applied key. It reports false when the key was
	// already present, which happens when a concurrent transaction won.
	LedgerInsert(ctx context.Context, e DedupEntry) (bool, error)
}

// PostTx mutates posts and threads.
type PostTx interface {
	GetPost(ctx context.Context, id string) (Post, bool, error)
	InsertPost(ctx context.Context, p Post) error

	// ReplacePost overwrites content, clears the deleted flag and sets the
	// revision when rev is greater than the stored revision.
	ReplacePost(ctx context.Context, p Post) (bool, error)

	// EditPost overwrites content when rev is greater than the stored
	// revision.
	EditPost(ctx context.Context, id, cid, title, body string, rev int64, at time.Time) (bool, error)

	// MarkPostDeleted sets the deleted flag when rev is greater than the
	// stored revision.
	MarkPostDeleted(ctx context.Context, id string, rev int64, at time.Time) (bool, error)

	ThreadExists(ctx context.Context, id string) (bool, error)
	InsertThread(ctx context.Context, t Thread) error

	// TouchThread moves last_activity_at forward to at, never backwards.
	TouchThread(ctx context.Context, id string, at time.Time) error

	// AddLikes adjusts the like count of a post by delta.
	AddLikes(ctx context.Context, postID string, delta int64) error
}

// LikeTx mutates likes.
type LikeTx interface {
	GetLike(ctx context.Context, id string) (Like, bool, error)
	InsertLike(ctx context.Context, l Like) error

	// ReplaceLike overwrites the like and clears the deleted flag when rev is
	// greater than the stored revision.
	ReplaceLike(ctx context.Context, l Like) (bool, error)

	// MarkLikeDeleted sets the deleted flag when rev is greater than the
	// stored revision.
	MarkLikeDeleted(ctx context.Context, id string, rev int64, at time.Time) (bool, error)
}

// AuthorTx mutates authors.
type AuthorTx interface {
	// EnsureAuthor creates an active author row when none exists.
	EnsureAuthor(ctx context.Context, id string, at time.Time) error

	// SetAuthorStatus writes status when rev is greater than the stored
	// status revision.
	SetAuthorStatus(ctx context.Context, id string, status AuthorStatus, rev int64, at time.Time) (bool, error)

	// SetAuthorHandle writes handle when rev is greater than the stored
	// handle revision.
	SetAuthorHandle(ctx context.Context, id, handle string, rev int64, at time.Time) (bool, error)

	// SetAuthorProfile writes the profile record when rev is greater than
	// the stored profile revision. A nil record clears it.
	SetAuthorProfile(ctx context.Context, id, cid string, record []byte, rev int64, at time.Time) (bool, error)
}
