package firehose

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"

	"github.com/blackmichael/bbs/internal/domain"
)

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("firehose: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrorFrame is an op -1 frame sent by the server before it closes the
// stream.
type ErrorFrame struct {
	Name    string
	Message string
}

func (e *ErrorFrame) Error() string {
	return fmt.Sprintf("stream error frame %s: %s", e.Name, e.Message)
}

type frameHeader struct {
	Op   int64  `cbor:"op"`
	Type string `cbor:"t"`
}

type errorBody struct {
	Error   string `cbor:"error"`
	Message string `cbor:"message"`
}

type commitBody struct {
	Seq    int64    `cbor:"seq"`
	Repo   string   `cbor:"repo"`
	Rev    string   `cbor:"rev"`
	TooBig bool     `cbor:"tooBig"`
	Blocks []byte   `cbor:"blocks"`
	Ops    []repoOp `cbor:"ops"`
	Time   string   `cbor:"time"`
}

type repoOp struct {
	Action string   `cbor:"action"`
	Path   string   `cbor:"path"`
	CID    *cidLink `cbor:"cid"`
}

type accountBody struct {
	Seq    int64  `cbor:"seq"`
	DID    string `cbor:"did"`
	Active bool   `cbor:"active"`
	Status string `cbor:"status"`
	Time   string `cbor:"time"`
}

type identityBody struct {
	Seq    int64   `cbor:"seq"`
	DID    string  `cbor:"did"`
	Handle *string `cbor:"handle"`
	Time   string  `cbor:"time"`
}

type infoBody struct {
	Name    string `cbor:"name"`
	Message string `cbor:"message"`
}

// cidLink is a DAG-CBOR link: tag 42 around the link bytes.
type cidLink struct {
	cid.Cid
}

func (c *cidLink) UnmarshalCBOR(data []byte) error {
	var tag cbor.RawTag
	if err := decMode.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Number != 42 {
		return fmt.Errorf("cid link: unexpected tag %d", tag.Number)
	}
	var raw []byte
	if err := decMode.Unmarshal(tag.Content, &raw); err != nil {
		return fmt.Errorf("cid link: %w", err)
	}
	parsed, err := parseLink(raw)
	if err != nil {
		return err
	}
	c.Cid = parsed
	return nil
}

// readFrame splits a binary stream message into its header and body.
func readFrame(payload []byte) (frameHeader, cbor.RawMessage, error) {
	dec := decMode.NewDecoder(bytes.NewReader(payload))
	var h frameHeader
	if err := dec.Decode(&h); err != nil {
		return frameHeader{}, nil, fmt.Errorf("frame header: %w", err)
	}
	var body cbor.RawMessage
	if err := dec.Decode(&body); err != nil {
		return frameHeader{}, nil, fmt.Errorf("frame body: %w", err)
	}
	return h, body, nil
}

// framePosition extracts the sequence number of a frame without decoding
// the commit. Error frames are returned as *ErrorFrame.
func framePosition(payload []byte) (int64, error) {
	h, body, err := readFrame(payload)
	if err != nil {
		return 0, err
	}
	if h.Op == -1 {
		var eb errorBody
		_ = decMode.Unmarshal(body, &eb)
		return 0, &ErrorFrame{Name: eb.Error, Message: eb.Message}
	}
	var seq struct {
		Seq int64 `cbor:"seq"`
	}
	if err := decMode.Unmarshal(body, &seq); err != nil {
		return 0, fmt.Errorf("frame seq: %w", err)
	}
	return seq.Seq, nil
}

func decodeFrame(rec domain.RawRecord) (domain.Decoded, error) {
	h, body, err := readFrame(rec.Payload)
	if err != nil {
		return domain.Decoded{}, domain.Malformed(rec.Position, "frame", err)
	}
	if h.Op == -1 {
		var eb errorBody
		_ = decMode.Unmarshal(body, &eb)
		return domain.Decoded{}, domain.Malformed(rec.Position, "error frame "+eb.Error, nil)
	}
	if h.Op != 1 {
		return domain.Decoded{}, domain.Malformed(rec.Position, fmt.Sprintf("frame op %d", h.Op), nil)
	}

	switch h.Type {
	case "#commit":
		var c commitBody
		if err := decMode.Unmarshal(body, &c); err != nil {
			return domain.Decoded{}, domain.Malformed(rec.Position, "commit body", err)
		}
		return decodeCommit(c, rec.ReceivedAt)

	case "#account":
		var a accountBody
		if err := decMode.Unmarshal(body, &a); err != nil {
			return domain.Decoded{}, domain.Malformed(rec.Position, "account body", err)
		}
		if a.DID == "" || a.Seq <= 0 {
			return domain.Decoded{}, domain.Malformed(a.Seq, "account event without did or seq", nil)
		}
		env := statusEnvelope(a.DID, a.Active, a.Status, a.Seq, parseTime(a.Time, rec.ReceivedAt))
		return domain.Decoded{Position: a.Seq, Envelopes: []domain.Envelope{env}}, nil

	case "#identity":
		var id identityBody
		if err := decMode.Unmarshal(body, &id); err != nil {
			return domain.Decoded{}, domain.Malformed(rec.Position, "identity body", err)
		}
		if id.DID == "" || id.Seq <= 0 {
			return domain.Decoded{}, domain.Malformed(id.Seq, "identity event without did or seq", nil)
		}
		if id.Handle == nil || *id.Handle == "" {
			return domain.Decoded{}, domain.Unsupported(id.Seq, "identity event without handle")
		}
		env := handleEnvelope(id.DID, *id.Handle, id.Seq, parseTime(id.Time, rec.ReceivedAt))
		return domain.Decoded{Position: id.Seq, Envelopes: []domain.Envelope{env}}, nil

	case "#info":
		var info infoBody
		if err := decMode.Unmarshal(body, &info); err != nil {
			return domain.Decoded{}, domain.Malformed(rec.Position, "info body", err)
		}
		if info.Name == "OutdatedCursor" {
			return domain.Decoded{}, &domain.DecodeError{
				Kind:     domain.DecodeStreamGap,
				Position: rec.Position,
				Reason:   info.Message,
			}
		}
		return domain.Decoded{}, domain.Unsupported(rec.Position, "info "+info.Name)
	}

	var seq struct {
		Seq int64 `cbor:"seq"`
	}
	_ = decMode.Unmarshal(body, &seq)
	return domain.Decoded{}, domain.Unsupported(seq.Seq, "frame type "+h.Type)
}

func decodeCommit(c commitBody, received time.Time) (domain.Decoded, error) {
	if c.Repo == "" || c.Seq <= 0 {
		return domain.Decoded{}, domain.Malformed(c.Seq, "commit without repo or seq", nil)
	}
	rev, err := ParseTID(c.Rev)
	if err != nil {
		return domain.Decoded{}, domain.Malformed(c.Seq, "commit rev", err)
	}

	var blocks map[string][]byte
	at := parseTime(c.Time, received)
	out := domain.Decoded{Position: c.Seq}

	for _, op := range c.Ops {
		collection, rkey, ok := strings.Cut(op.Path, "/")
		if !ok {
			return domain.Decoded{}, domain.Malformed(c.Seq, fmt.Sprintf("op path %q", op.Path), nil)
		}
		if !isMaterialized(collection) {
			continue
		}

		ro := recordOp{
			action:     op.Action,
			did:        c.Repo,
			collection: collection,
			rkey:       rkey,
			rev:        rev,
			at:         at,
			position:   c.Seq,
		}
		if op.CID != nil {
			ro.cid = op.CID.String()
		}

		if op.Action == "create" || op.Action == "update" {
			if op.CID == nil {
				return domain.Decoded{}, domain.Malformed(c.Seq, op.Action+" op without cid", nil)
			}
			if c.TooBig {
				return domain.Decoded{}, domain.Malformed(c.Seq, "commit too big to carry blocks", nil)
			}
			if blocks == nil {
				blocks, err = readBlocks(c.Blocks)
				if err != nil {
					return domain.Decoded{}, domain.Malformed(c.Seq, "commit blocks", err)
				}
			}
			block, found := blocks[op.CID.KeyString()]
			if !found {
				return domain.Decoded{}, domain.Malformed(c.Seq, "record block missing for "+op.Path, nil)
			}
			ro.decode = func(v any) error { return decMode.Unmarshal(block, v) }
		}

		env, err := recordEnvelope(ro)
		var de *domain.DecodeError
		if errors.As(err, &de) && de.Kind == domain.DecodeUnsupported {
			continue
		}
		if err != nil {
			return domain.Decoded{}, err
		}
		out.Envelopes = append(out.Envelopes, env)
	}

	if len(out.Envelopes) == 0 {
		return domain.Decoded{}, domain.Unsupported(c.Seq, "commit has no bulletin board ops")
	}
	return out, nil
}
