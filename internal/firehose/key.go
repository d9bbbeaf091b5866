package firehose

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/blackmichael/bbs/internal/domain"
)

// recordKey derives the dedup key of a record event from its remote
// identity and revision. The same event delivered live, replayed after a
// reconnect, or listed by a backfill page yields the same key.
func recordKey(kind domain.EventKind, uri string, rev int64, cid string) domain.EventKey {
	return hashKey(string(kind), uri, strconv.FormatInt(rev, 10), cid)
}

// accountKey derives the dedup key of an account or identity event.
func accountKey(kind domain.EventKind, did string, seq int64) domain.EventKey {
	return hashKey(string(kind), did, strconv.FormatInt(seq, 10))
}

func hashKey(parts ...string) domain.EventKey {
	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return domain.EventKey(hex.EncodeToString(sum[:]))
}

// DeadLetterID identifies a dead-lettered payload for a subscription, so a
// redelivered malformed record is stored once.
func DeadLetterID(sub domain.SubscriptionID, payload []byte) string {
	h := blake3.New()
	h.Write([]byte(sub))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
