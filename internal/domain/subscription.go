package domain

import "time"

// SubscriptionID names one logical stream subscription, typically one PDS.
type SubscriptionID string

// Protocol selects the wire format of the live stream.
type Protocol string

const (
	// ProtocolFirehose is com.atproto.sync.subscribeRepos (CBOR frames).
	ProtocolFirehose Protocol = "firehose"

	// ProtocolJetstream is the JSON Jetstream projection of the firehose.
	ProtocolJetstream Protocol = "jetstream"
)

// Subscription is the per-subscription context threaded through the stream
// client, the backfill coordinator and the materializer.
type Subscription struct {
	ID        SubscriptionID
	PDSURL    string
	StreamURL string
	Protocol  Protocol
}

// Cursor is the last position applied for a subscription.
type Cursor struct {
	SubscriptionID SubscriptionID
	Position       int64
	UpdatedAt      time.Time
}

// CursorUpdate asks the materializer to move the cursor forward in the same
// transaction as the event it accompanies. A nil *CursorUpdate leaves the
// cursor untouched.
type CursorUpdate struct {
	Position int64
}

// BackfillStatus tracks the lifecycle of a historical catch-up run.
type BackfillStatus string

const (
	BackfillRequired BackfillStatus = "required"
	BackfillRunning  BackfillStatus = "running"
	BackfillComplete BackfillStatus = "complete"
)

// BackfillState is the persisted progress of a backfill run. PageToken is
// opaque to everything but the history source that produced it.
type BackfillState struct {
	SubscriptionID SubscriptionID
	RunID          string
	Status         BackfillStatus
	PageToken      string
	Target         int64
	Records        int64
	StartedAt      time.Time
	CompletedAt    time.Time
}

// DedupEntry is one row of the idempotency ledger.
type DedupEntry struct {
	Key            EventKey
	SubscriptionID SubscriptionID
	Position       int64
	AppliedAt      time.Time
}
