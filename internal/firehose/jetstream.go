package firehose

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bbs/internal/domain"
)

// jetstreamEvent is the raw JSON structure from Jetstream.
type jetstreamEvent struct {
	DID      string             `json:"did"`
	TimeUS   int64              `json:"time_us"`
	Kind     string             `json:"kind"`
	Commit   *jetstreamCommit   `json:"commit,omitempty"`
	Account  *jetstreamAccount  `json:"account,omitempty"`
	Identity *jetstreamIdentity `json:"identity,omitempty"`
}

// jetstreamCommit is the raw commit data from Jetstream.
type jetstreamCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid"`
}

type jetstreamAccount struct {
	Active bool   `json:"active"`
	DID    string `json:"did"`
	Seq    int64  `json:"seq"`
	Status string `json:"status,omitempty"`
	Time   string `json:"time"`
}

type jetstreamIdentity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// jetstreamPosition extracts time_us without decoding the rest.
func jetstreamPosition(payload []byte) (int64, error) {
	var head struct {
		TimeUS int64 `json:"time_us"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return 0, fmt.Errorf("unmarshal event: %w", err)
	}
	return head.TimeUS, nil
}

func decodeJetstream(rec domain.RawRecord) (domain.Decoded, error) {
	var ev jetstreamEvent
	if err := json.Unmarshal(rec.Payload, &ev); err != nil {
		return domain.Decoded{}, domain.Malformed(rec.Position, "unmarshal jetstream event", err)
	}
	pos := ev.TimeUS
	if pos <= 0 || ev.DID == "" {
		return domain.Decoded{}, domain.Malformed(rec.Position, "jetstream event without did or time_us", nil)
	}
	at := time.UnixMicro(ev.TimeUS).UTC()

	switch ev.Kind {
	case "commit":
		if ev.Commit == nil {
			return domain.Decoded{}, domain.Malformed(pos, "commit event without commit", nil)
		}
		c := ev.Commit
		if !isMaterialized(c.Collection) {
			return domain.Decoded{}, domain.Unsupported(pos, "collection "+c.Collection)
		}
		rev, err := ParseTID(c.Rev)
		if err != nil {
			return domain.Decoded{}, domain.Malformed(pos, "commit rev", err)
		}
		op := recordOp{
			action:     c.Operation,
			did:        ev.DID,
			collection: c.Collection,
			rkey:       c.RKey,
			cid:        c.CID,
			rev:        rev,
			at:         at,
			position:   pos,
		}
		if len(c.Record) > 0 {
			record := c.Record
			op.decode = func(v any) error { return json.Unmarshal(record, v) }
		}
		env, err := recordEnvelope(op)
		if err != nil {
			return domain.Decoded{}, err
		}
		return domain.Decoded{Position: pos, Envelopes: []domain.Envelope{env}}, nil

	case "account":
		a := ev.Account
		if a == nil || a.Seq <= 0 {
			return domain.Decoded{}, domain.Malformed(pos, "account event without seq", nil)
		}
		env := statusEnvelope(ev.DID, a.Active, a.Status, a.Seq, parseTime(a.Time, at))
		return domain.Decoded{Position: pos, Envelopes: []domain.Envelope{env}}, nil

	case "identity":
		id := ev.Identity
		if id == nil || id.Seq <= 0 {
			return domain.Decoded{}, domain.Malformed(pos, "identity event without seq", nil)
		}
		if id.Handle == "" {
			return domain.Decoded{}, domain.Unsupported(pos, "identity event without handle")
		}
		env := handleEnvelope(ev.DID, id.Handle, id.Seq, parseTime(id.Time, at))
		return domain.Decoded{Position: pos, Envelopes: []domain.Envelope{env}}, nil
	}
	return domain.Decoded{}, domain.Unsupported(pos, "event kind "+ev.Kind)
}
