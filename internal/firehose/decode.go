package firehose

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bbs/internal/domain"
)

// SnapshotRecord is the payload of a backfill record: one record as listed
// from a repository, stamped with the repository revision at listing time.
type SnapshotRecord struct {
	DID        string          `json:"did"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Rev        string          `json:"rev"`
	Value      json.RawMessage `json:"value"`
}

// Marshal encodes the snapshot record as a RawRecord payload.
func (r SnapshotRecord) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Decoder turns raw records into domain events. It is pure: it never
// touches storage or the network.
type Decoder struct{}

// NewDecoder returns a Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decodes rec. Failures are *domain.DecodeError; their Position is
// set whenever the record's stream position could be read.
func (d *Decoder) Decode(rec domain.RawRecord) (domain.Decoded, error) {
	switch rec.Format {
	case domain.FormatFirehose:
		return decodeFrame(rec)
	case domain.FormatJetstream:
		return decodeJetstream(rec)
	case domain.FormatSnapshot:
		return decodeSnapshot(rec)
	}
	return domain.Decoded{}, domain.Malformed(rec.Position, fmt.Sprintf("record format %q", rec.Format), nil)
}

// PositionOf reads the stream position of a live payload. Firehose error
// frames are returned as *ErrorFrame.
func PositionOf(format domain.RecordFormat, payload []byte) (int64, error) {
	switch format {
	case domain.FormatFirehose:
		return framePosition(payload)
	case domain.FormatJetstream:
		return jetstreamPosition(payload)
	}
	return 0, nil
}

func decodeSnapshot(rec domain.RawRecord) (domain.Decoded, error) {
	var s SnapshotRecord
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return domain.Decoded{}, domain.Malformed(0, "unmarshal snapshot record", err)
	}
	if !isMaterialized(s.Collection) {
		return domain.Decoded{}, domain.Unsupported(0, "collection "+s.Collection)
	}
	rev, err := ParseTID(s.Rev)
	if err != nil {
		return domain.Decoded{}, domain.Malformed(0, "snapshot rev", err)
	}
	op := recordOp{
		action:     "create",
		did:        s.DID,
		collection: s.Collection,
		rkey:       s.RKey,
		cid:        s.CID,
		rev:        rev,
		at:         rec.ReceivedAt,
	}
	if len(s.Value) > 0 {
		value := s.Value
		op.decode = func(v any) error { return json.Unmarshal(value, v) }
	}
	env, err := recordEnvelope(op)
	if err != nil {
		return domain.Decoded{}, err
	}
	return domain.Decoded{Envelopes: []domain.Envelope{env}}, nil
}
