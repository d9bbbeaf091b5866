package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/metrics"
)

func TestPrunerRemovesOldEntriesBelowMargin(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	for i, pos := range []int64{100, 200, 300} {
		_, err := m.Apply(ctx, testSub, rootPost(fmt.Sprintf("at://alice/app.bbs.post/%d", i), int64(i+1)), at(pos))
		require.NoError(t, err)
	}

	p := NewPruner(store, []PruneTarget{{Subscription: testSub, Margin: 150}}, time.Hour, time.Hour, discard)
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	before := testutil.ToFloat64(metrics.LedgerPruned.WithLabelValues(string(testSub)))
	p.prune(ctx)

	size, err := store.LedgerSize(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size, "entries within the margin of the cursor are kept")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.LedgerPruned.WithLabelValues(string(testSub))))

	// Redelivery of a pruned event falls back to the revision guard.
	out, err := m.Apply(ctx, testSub, rootPost("at://alice/app.bbs.post/0", 1), at(100))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeStale, out)
}

func TestPrunerKeepsRecentEntries(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	m := testMaterializer(store, DurableLedger{})

	_, err := m.Apply(ctx, testSub, rootPost("at://alice/app.bbs.post/1", 1), at(100))
	require.NoError(t, err)
	_, err = m.Apply(ctx, testSub, rootPost("at://alice/app.bbs.post/2", 2), at(100000))
	require.NoError(t, err)

	p := NewPruner(store, []PruneTarget{{Subscription: testSub}}, time.Hour, 24*time.Hour, discard)
	p.prune(ctx)

	size, err := store.LedgerSize(ctx, testSub)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)
}

type marginRecorder map[domain.SubscriptionID]int64

func (m marginRecorder) PruneLedger(_ context.Context, sub domain.SubscriptionID, _ time.Time, margin int64) (int64, error) {
	m[sub] = margin
	return 0, nil
}

func TestPrunerUsesMarginPerSubscription(t *testing.T) {
	seen := marginRecorder{}
	p := NewPruner(seen, []PruneTarget{
		{Subscription: "relay", Margin: 100000},
		{Subscription: "jetstream", Margin: time.Hour.Microseconds()},
	}, time.Hour, time.Hour, discard)
	p.prune(context.Background())

	assert.Equal(t, int64(100000), seen["relay"])
	assert.Equal(t, int64(3_600_000_000), seen["jetstream"])
}

type failingPruneStore struct {
	calls int
}

func (f *failingPruneStore) PruneLedger(context.Context, domain.SubscriptionID, time.Time, int64) (int64, error) {
	f.calls++
	return 0, errors.New("database is locked")
}

func TestPrunerServeUntilCancelled(t *testing.T) {
	store := &failingPruneStore{}
	p := NewPruner(store, []PruneTarget{{Subscription: "a"}, {Subscription: "b"}}, 10*time.Millisecond, time.Hour, discard)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()

	err := p.Serve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, store.calls, 4, "failures are logged and pruning continues")
	assert.Equal(t, "ledger-pruner", p.String())
}
