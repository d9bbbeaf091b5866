package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/sqlstore"
)

const testSub = domain.SubscriptionID("test")

var (
	testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	discard  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	s, err := sqlstore.Open(context.Background(), "sqlite:"+filepath.Join(t.TempDir(), "bbs.db"), sqlstore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testMaterializer(store domain.TxRunner, ledger Ledger) *Materializer {
	return NewMaterializer(store, ledger, MaterializerConfig{
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
		RetryBudget:  time.Second,
	}, discard)
}

func rootPost(id string, rev int64) domain.Envelope {
	return domain.Envelope{
		Key: domain.EventKey(fmt.Sprintf("create|%s|%d", id, rev)),
		Event: domain.PostCreated{
			PostID:    id,
			CID:       "cid-" + id,
			AuthorID:  "did:plc:alice",
			SectionID: "1",
			Title:     "hello",
			Body:      "first",
			Revision:  rev,
			CreatedAt: testTime,
		},
	}
}

func comment(id, thread string, rev int64, at time.Time) domain.Envelope {
	return domain.Envelope{
		Key: domain.EventKey(fmt.Sprintf("create|%s|%d", id, rev)),
		Event: domain.PostCreated{
			PostID:    id,
			CID:       "cid-" + id,
			AuthorID:  "did:plc:bob",
			ThreadID:  thread,
			ParentID:  thread,
			SectionID: "1",
			Body:      "a comment",
			Revision:  rev,
			CreatedAt: at,
		},
	}
}

func edit(id, body string, rev int64) domain.Envelope {
	return domain.Envelope{
		Key: domain.EventKey(fmt.Sprintf("edit|%s|%d", id, rev)),
		Event: domain.PostEdited{
			PostID:   id,
			CID:      "cid-" + body,
			AuthorID: "did:plc:alice",
			Body:     body,
			Revision: rev,
			EditedAt: testTime.Add(time.Duration(rev) * time.Minute),
		},
	}
}

func at(pos int64) *domain.CursorUpdate {
	return &domain.CursorUpdate{Position: pos}
}

func TestApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	env := rootPost("at://alice/app.bbs.post/1", 10)

	out, err := m.Apply(ctx, testSub, env, at(100))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	out, err = m.Apply(ctx, testSub, env, at(101))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, out)

	posts, err := store.ThreadPosts(ctx, "at://alice/app.bbs.post/1")
	require.NoError(t, err)
	assert.Len(t, posts, 1)

	size, err := store.LedgerSize(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	// A duplicate still moves the cursor past its record.
	cur, found, err := store.Cursor(ctx, testSub)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(101), cur.Position)
}

func TestApplyRevisionOrdering(t *testing.T) {
	orders := [][]int64{{2, 1, 3}, {3, 1, 2}, {1, 2, 3}, {3, 2, 1}}
	bodies := map[int64]string{1: "a", 2: "b", 3: "c"}

	for _, ledger := range []Ledger{DurableLedger{}, DisabledLedger{}} {
		for _, order := range orders {
			t.Run(fmt.Sprintf("%T/%v", ledger, order), func(t *testing.T) {
				ctx := context.Background()
				store := openStore(t)
				m := testMaterializer(store, ledger)

				id := "at://alice/app.bbs.post/1"
				_, err := m.Apply(ctx, testSub, rootPost(id, 0), nil)
				require.NoError(t, err)

				for _, rev := range order {
					_, err := m.Apply(ctx, testSub, edit(id, bodies[rev], rev), nil)
					require.NoError(t, err)
				}

				post, found, err := store.GetPost(ctx, id)
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, "c", post.Body)
				assert.Equal(t, int64(3), post.Revision)
			})
		}
	}
}

func TestApplyStaleEdit(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	id := "at://alice/app.bbs.post/1"
	_, err := m.Apply(ctx, testSub, rootPost(id, 5), nil)
	require.NoError(t, err)

	out, err := m.Apply(ctx, testSub, edit(id, "old", 5), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)

	out, err = m.Apply(ctx, testSub, edit(id, "new", 6), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
}

func TestApplyThreadRootDerivation(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	root := "at://alice/app.bbs.post/1"
	_, err := m.Apply(ctx, testSub, rootPost(root, 1), nil)
	require.NoError(t, err)

	thread, found, err := store.GetThread(ctx, root)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, root, thread.RootPostID)
	assert.True(t, thread.LastActivityAt.Equal(testTime))

	later := testTime.Add(time.Hour)
	c := "at://bob/app.bbs.comment/1"
	out, err := m.Apply(ctx, testSub, comment(c, root, 2, later), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	post, found, err := store.GetPost(ctx, c)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, root, post.ThreadID)
	assert.Equal(t, root, post.ParentID)

	thread, _, err = store.GetThread(ctx, root)
	require.NoError(t, err)
	assert.True(t, thread.LastActivityAt.Equal(later))

	threads, err := store.ListThreads(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, threads, 1)

	author, found, err := store.GetAuthor(ctx, "did:plc:bob")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.AuthorActive, author.Status)
}

func TestApplyInconsistentThread(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	env := comment("at://bob/app.bbs.comment/1", "at://alice/app.bbs.post/missing", 1, testTime)

	out, err := m.Apply(ctx, testSub, env, at(7))
	var applyErr *domain.ApplyError
	require.ErrorAs(t, err, &applyErr)
	assert.ErrorIs(t, err, domain.ErrInconsistent)
	assert.Equal(t, domain.OutcomeInconsistent, out)
	assert.Equal(t, env.Key, applyErr.Key)

	_, found, err := store.GetPost(ctx, "at://bob/app.bbs.comment/1")
	require.NoError(t, err)
	assert.False(t, found)

	// The ledger entry and cursor commit even though the mutation did not.
	cur, _, err := store.Cursor(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cur.Position)

	out, err = m.Apply(ctx, testSub, env, at(7))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, out)
}

func TestApplyEditOfMissingPostIsInconsistent(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	_, err := m.Apply(ctx, testSub, edit("at://alice/app.bbs.post/none", "x", 1), nil)
	assert.ErrorIs(t, err, domain.ErrInconsistent)
}

func TestApplyDeleteThenRecreate(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	id := "at://alice/app.bbs.post/1"
	_, err := m.Apply(ctx, testSub, rootPost(id, 1), nil)
	require.NoError(t, err)

	del := domain.Envelope{
		Key:   "delete|1|2",
		Event: domain.PostDeleted{PostID: id, AuthorID: "did:plc:alice", Revision: 2, DeletedAt: testTime},
	}
	out, err := m.Apply(ctx, testSub, del, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	post, _, err := store.GetPost(ctx, id)
	require.NoError(t, err)
	assert.True(t, post.Deleted)

	// An older snapshot of the post does not resurrect it.
	out, err = m.Apply(ctx, testSub, rootPost(id, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeDuplicate, out)

	out, err = m.Apply(ctx, testSub, rootPost(id, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	post, _, err = store.GetPost(ctx, id)
	require.NoError(t, err)
	assert.False(t, post.Deleted)
	assert.Equal(t, int64(3), post.Revision)
}

func TestApplyAuthorEvents(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	status := func(s domain.AuthorStatus, rev int64) domain.Envelope {
		return domain.Envelope{
			Key:   domain.EventKey(fmt.Sprintf("status|%d", rev)),
			Event: domain.AuthorStatusChanged{AuthorID: "did:plc:carol", Status: s, Revision: rev, ChangedAt: testTime},
		}
	}

	out, err := m.Apply(ctx, testSub, status(domain.AuthorSuspended, 20), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	out, err = m.Apply(ctx, testSub, status(domain.AuthorActive, 10), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)

	handle := domain.Envelope{
		Key:   "handle|5",
		Event: domain.AuthorHandleChanged{AuthorID: "did:plc:carol", Handle: "carol.test", Revision: 5, ChangedAt: testTime},
	}
	out, err = m.Apply(ctx, testSub, handle, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	author, found, err := store.GetAuthor(ctx, "did:plc:carol")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.AuthorSuspended, author.Status)
	assert.Equal(t, "carol.test", author.Handle)
}

func like(id, subject string, rev int64) domain.Envelope {
	return domain.Envelope{
		Key: domain.EventKey(fmt.Sprintf("like|%s|%d", id, rev)),
		Event: domain.LikeCreated{
			LikeID:    id,
			CID:       fmt.Sprintf("cid-like-%d", rev),
			AuthorID:  "did:plc:bob",
			SubjectID: subject,
			Revision:  rev,
			CreatedAt: testTime,
		},
	}
}

func unlike(id string, rev int64) domain.Envelope {
	return domain.Envelope{
		Key:   domain.EventKey(fmt.Sprintf("unlike|%s|%d", id, rev)),
		Event: domain.LikeDeleted{LikeID: id, AuthorID: "did:plc:bob", Revision: rev, DeletedAt: testTime},
	}
}

func TestApplyLikes(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	first := "at://alice/app.bbs.post/1"
	second := "at://alice/app.bbs.post/2"
	likeID := "at://bob/app.bbs.like/1"
	_, err := m.Apply(ctx, testSub, rootPost(first, 1), nil)
	require.NoError(t, err)
	_, err = m.Apply(ctx, testSub, rootPost(second, 1), nil)
	require.NoError(t, err)

	likes := func(id string) int64 {
		t.Helper()
		p, found, err := store.GetPost(ctx, id)
		require.NoError(t, err)
		require.True(t, found)
		return p.LikeCount
	}

	out, err := m.Apply(ctx, testSub, like(likeID, first, 5), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	assert.Equal(t, int64(1), likes(first))

	// An older listing of the like changes nothing.
	out, err = m.Apply(ctx, testSub, like(likeID, first, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)
	assert.Equal(t, int64(1), likes(first))

	// Re-pointed at a newer revision, the count moves with it.
	out, err = m.Apply(ctx, testSub, like(likeID, second, 6), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	assert.Equal(t, int64(0), likes(first))
	assert.Equal(t, int64(1), likes(second))

	out, err = m.Apply(ctx, testSub, unlike(likeID, 6), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)

	out, err = m.Apply(ctx, testSub, unlike(likeID, 7), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	assert.Equal(t, int64(0), likes(second))

	// A delete applied twice at rising revisions counts once.
	out, err = m.Apply(ctx, testSub, unlike(likeID, 8), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	assert.Equal(t, int64(0), likes(second))

	// A stale create does not resurrect the deleted like.
	out, err = m.Apply(ctx, testSub, like(likeID, second, 3), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)
	assert.Equal(t, int64(0), likes(second))

	out, err = m.Apply(ctx, testSub, like(likeID, second, 9), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	assert.Equal(t, int64(1), likes(second))
}

func TestApplyLikeInconsistencies(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	out, err := m.Apply(ctx, testSub, like("at://bob/app.bbs.like/1", "at://alice/app.bbs.post/missing", 1), nil)
	assert.ErrorIs(t, err, domain.ErrInconsistent)
	assert.Equal(t, domain.OutcomeInconsistent, out)

	out, err = m.Apply(ctx, testSub, unlike("at://bob/app.bbs.like/none", 2), nil)
	assert.ErrorIs(t, err, domain.ErrInconsistent)
	assert.Equal(t, domain.OutcomeInconsistent, out)
}

func TestApplyProfile(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	profile := func(record string, rev int64) domain.Envelope {
		ev := domain.ProfileUpdated{AuthorID: "did:plc:dave", Revision: rev, UpdatedAt: testTime}
		if record != "" {
			ev.CID = fmt.Sprintf("cid-profile-%d", rev)
			ev.Record = []byte(record)
		}
		return domain.Envelope{Key: domain.EventKey(fmt.Sprintf("profile|%d", rev)), Event: ev}
	}

	out, err := m.Apply(ctx, testSub, profile(`{"displayName":"Dave"}`, 10), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	out, err = m.Apply(ctx, testSub, profile(`{"displayName":"Old"}`, 9), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)

	author, found, err := store.GetAuthor(ctx, "did:plc:dave")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"displayName":"Dave"}`, string(author.Profile))
	assert.Equal(t, "cid-profile-10", author.ProfileCID)

	out, err = m.Apply(ctx, testSub, profile("", 11), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
	author, _, err = store.GetAuthor(ctx, "did:plc:dave")
	require.NoError(t, err)
	assert.Nil(t, author.Profile)
	assert.Equal(t, int64(11), author.ProfileRevision)
}

// flakyRunner commits nothing for the first failures transactions: the
// work runs and is then rolled back, as if the process died before commit.
type flakyRunner struct {
	domain.TxRunner
	failures atomic.Int32
}

func (f *flakyRunner) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	return f.TxRunner.WithTx(ctx, func(tx domain.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		if f.failures.Add(-1) >= 0 {
			return fmt.Errorf("%w: connection reset", domain.ErrStoreUnavailable)
		}
		return nil
	})
}

func TestApplyCrashConsistency(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	runner := &flakyRunner{TxRunner: store}
	runner.failures.Store(2)
	m := testMaterializer(runner, DurableLedger{})

	id := "at://alice/app.bbs.post/1"
	out, err := m.Apply(ctx, testSub, rootPost(id, 1), at(50))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)

	size, err := store.LedgerSize(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	cur, _, err := store.Cursor(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(50), cur.Position)
}

func TestApplyStoreUnavailableCommitsNothing(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	runner := &flakyRunner{TxRunner: store}
	runner.failures.Store(1 << 20)
	m := NewMaterializer(runner, DurableLedger{}, MaterializerConfig{
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
		RetryBudget:  50 * time.Millisecond,
	}, discard)

	id := "at://alice/app.bbs.post/1"
	_, err := m.Apply(ctx, testSub, rootPost(id, 1), at(50))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable))

	_, found, err := store.GetPost(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = store.Cursor(ctx, testSub)
	require.NoError(t, err)
	assert.False(t, found)

	// Restart: the same record applies cleanly.
	m = testMaterializer(store, DurableLedger{})
	out, err := m.Apply(ctx, testSub, rootPost(id, 1), at(50))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplied, out)
}

func TestDeadLetterOnce(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	rec := domain.RawRecord{Format: domain.FormatJetstream, Position: 9, Payload: []byte("{not json"), ReceivedAt: testTime}
	require.NoError(t, m.DeadLetter(ctx, testSub, rec, "bad json", at(9)))
	require.NoError(t, m.DeadLetter(ctx, testSub, rec, "bad json", at(9)))

	dls, err := store.ListDeadLetters(ctx, testSub, 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, "bad json", dls[0].Reason)
	assert.Equal(t, rec.Payload, dls[0].Payload)

	cur, _, err := store.Cursor(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(9), cur.Position)
}

func TestRequireBackfillResetsCursor(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	require.NoError(t, m.Advance(ctx, testSub, domain.CursorUpdate{Position: 40}))
	require.NoError(t, m.RequireBackfill(ctx, testSub))

	_, found, err := store.Cursor(ctx, testSub)
	require.NoError(t, err)
	assert.False(t, found)

	st, found, err := store.Backfill(ctx, testSub)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.BackfillRequired, st.Status)
	assert.NotEmpty(t, st.RunID)
}
