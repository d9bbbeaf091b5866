package firehose

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/bbs/internal/domain"
)

// Bulletin board collections.
const (
	CollectionPost    = "app.bbs.post"
	CollectionComment = "app.bbs.comment"
	CollectionReply   = "app.bbs.reply"
	CollectionLike    = "app.bbs.like"
	CollectionProfile = "app.actor.profile"
)

// profileKey is the only record key an actor profile may have.
const profileKey = "self"

// Collections are the materialized collections in the order a backfill
// must list them: threads before the comments and replies that reference
// them, and posts before the likes of them.
var Collections = []string{CollectionPost, CollectionComment, CollectionReply, CollectionLike, CollectionProfile}

// postRecord is app.bbs.post: the root of a thread.
type postRecord struct {
	SectionID string `json:"section_id"`
	Title     string `json:"title"`
	Text      string `json:"text"`
	Created   string `json:"created"`
}

// commentRecord is app.bbs.comment: an answer to a root post.
type commentRecord struct {
	SectionID string `json:"section_id"`
	Post      string `json:"post"`
	Text      string `json:"text"`
	Created   string `json:"created"`
	Edited    string `json:"edited,omitempty"`
}

// replyRecord is app.bbs.reply: an answer to a comment.
type replyRecord struct {
	SectionID string `json:"section_id"`
	Post      string `json:"post"`
	Comment   string `json:"comment"`
	To        string `json:"to,omitempty"`
	Text      string `json:"text"`
	Created   string `json:"created"`
}

// likeRecord is app.bbs.like.
type likeRecord struct {
	To      string `json:"to"`
	Created string `json:"created,omitempty"`
}

// recordOp is a single create, update or delete of a repository record,
// independent of the wire format it arrived in.
type recordOp struct {
	action     string
	did        string
	collection string
	rkey       string
	cid        string
	rev        int64
	at         time.Time
	position   int64

	// decode unmarshals the record body. Nil for deletes.
	decode func(v any) error
}

func (op recordOp) uri() string {
	return "at://" + op.did + "/" + op.collection + "/" + op.rkey
}

func isMaterialized(collection string) bool {
	switch collection {
	case CollectionPost, CollectionComment, CollectionReply, CollectionLike, CollectionProfile:
		return true
	}
	return false
}

// content is the format-independent body of a post-like record.
type content struct {
	sectionID string
	title     string
	text      string
	threadID  string
	parentID  string
	created   time.Time
}

// recordEnvelope maps a record operation to a domain event.
func recordEnvelope(op recordOp) (domain.Envelope, error) {
	if !isMaterialized(op.collection) {
		return domain.Envelope{}, domain.Unsupported(op.position, "collection "+op.collection)
	}
	if op.did == "" || op.rkey == "" {
		return domain.Envelope{}, domain.Malformed(op.position, "record op without repo or rkey", nil)
	}

	switch op.collection {
	case CollectionLike:
		return likeEnvelope(op)
	case CollectionProfile:
		return profileEnvelope(op)
	}

	uri := op.uri()
	switch op.action {
	case "create":
		c, err := decodeContent(op)
		if err != nil {
			return domain.Envelope{}, err
		}
		created := c.created
		if created.IsZero() {
			created = op.at
		}
		ev := domain.PostCreated{
			PostID:    uri,
			CID:       op.cid,
			AuthorID:  op.did,
			ThreadID:  c.threadID,
			ParentID:  c.parentID,
			SectionID: c.sectionID,
			Title:     c.title,
			Body:      c.text,
			Revision:  op.rev,
			CreatedAt: created,
		}
		return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, op.cid), Event: ev}, nil

	case "update":
		c, err := decodeContent(op)
		if err != nil {
			return domain.Envelope{}, err
		}
		ev := domain.PostEdited{
			PostID:   uri,
			CID:      op.cid,
			AuthorID: op.did,
			Title:    c.title,
			Body:     c.text,
			Revision: op.rev,
			EditedAt: op.at,
		}
		return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, op.cid), Event: ev}, nil

	case "delete":
		ev := domain.PostDeleted{
			PostID:    uri,
			AuthorID:  op.did,
			Revision:  op.rev,
			DeletedAt: op.at,
		}
		return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, ""), Event: ev}, nil
	}
	return domain.Envelope{}, domain.Malformed(op.position, "unknown action "+op.action, nil)
}

// likeEnvelope maps a like operation. An update re-points the like and is
// applied as a create at the newer revision.
func likeEnvelope(op recordOp) (domain.Envelope, error) {
	uri := op.uri()
	switch op.action {
	case "create", "update":
		if op.decode == nil {
			return domain.Envelope{}, domain.Malformed(op.position, "record body missing for "+uri, nil)
		}
		var r likeRecord
		if err := op.decode(&r); err != nil {
			return domain.Envelope{}, domain.Malformed(op.position, "decode "+op.collection, err)
		}
		if !strings.HasPrefix(r.To, "at://") {
			return domain.Envelope{}, domain.Malformed(op.position, fmt.Sprintf("like subject %q", r.To), nil)
		}
		ev := domain.LikeCreated{
			LikeID:    uri,
			CID:       op.cid,
			AuthorID:  op.did,
			SubjectID: r.To,
			Revision:  op.rev,
			CreatedAt: parseTime(r.Created, op.at),
		}
		return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, op.cid), Event: ev}, nil

	case "delete":
		ev := domain.LikeDeleted{
			LikeID:    uri,
			AuthorID:  op.did,
			Revision:  op.rev,
			DeletedAt: op.at,
		}
		return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, ""), Event: ev}, nil
	}
	return domain.Envelope{}, domain.Malformed(op.position, "unknown action "+op.action, nil)
}

// profileEnvelope maps a profile operation. The record is kept as opaque
// JSON; a delete clears it.
func profileEnvelope(op recordOp) (domain.Envelope, error) {
	if op.rkey != profileKey {
		return domain.Envelope{}, domain.Unsupported(op.position, "profile record key "+op.rkey)
	}
	uri := op.uri()
	ev := domain.ProfileUpdated{
		AuthorID:  op.did,
		CID:       op.cid,
		Revision:  op.rev,
		UpdatedAt: op.at,
	}
	switch op.action {
	case "create", "update":
		if op.decode == nil {
			return domain.Envelope{}, domain.Malformed(op.position, "record body missing for "+uri, nil)
		}
		var r map[string]any
		if err := op.decode(&r); err != nil {
			return domain.Envelope{}, domain.Malformed(op.position, "decode "+op.collection, err)
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return domain.Envelope{}, domain.Malformed(op.position, "encode "+op.collection, err)
		}
		ev.Record = raw
	case "delete":
		ev.CID = ""
	default:
		return domain.Envelope{}, domain.Malformed(op.position, "unknown action "+op.action, nil)
	}
	return domain.Envelope{Key: recordKey(ev.Kind(), uri, op.rev, ev.CID), Event: ev}, nil
}

func decodeContent(op recordOp) (content, error) {
	if op.decode == nil {
		return content{}, domain.Malformed(op.position, "record body missing for "+op.uri(), nil)
	}

	var c content
	var created string
	switch op.collection {
	case CollectionPost:
		var r postRecord
		if err := op.decode(&r); err != nil {
			return content{}, domain.Malformed(op.position, "decode "+op.collection, err)
		}
		c = content{sectionID: r.SectionID, title: r.Title, text: r.Text}
		created = r.Created

	case CollectionComment:
		var r commentRecord
		if err := op.decode(&r); err != nil {
			return content{}, domain.Malformed(op.position, "decode "+op.collection, err)
		}
		if !strings.HasPrefix(r.Post, "at://") {
			return content{}, domain.Malformed(op.position, fmt.Sprintf("comment post reference %q", r.Post), nil)
		}
		c = content{sectionID: r.SectionID, text: r.Text, threadID: r.Post, parentID: r.Post}
		created = r.Created

	case CollectionReply:
		var r replyRecord
		if err := op.decode(&r); err != nil {
			return content{}, domain.Malformed(op.position, "decode "+op.collection, err)
		}
		if !strings.HasPrefix(r.Post, "at://") || !strings.HasPrefix(r.Comment, "at://") {
			return content{}, domain.Malformed(op.position, fmt.Sprintf("reply references %q %q", r.Post, r.Comment), nil)
		}
		c = content{sectionID: r.SectionID, text: r.Text, threadID: r.Post, parentID: r.Comment}
		created = r.Created
	}

	if _, err := strconv.Atoi(c.sectionID); err != nil {
		return content{}, domain.Malformed(op.position, fmt.Sprintf("section_id %q", c.sectionID), err)
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return content{}, domain.Malformed(op.position, fmt.Sprintf("created %q", created), err)
	}
	c.created = t.UTC()
	return c, nil
}

// accountStatus maps the account event fields to an author status.
func accountStatus(active bool, status string) domain.AuthorStatus {
	if active {
		return domain.AuthorActive
	}
	switch domain.AuthorStatus(status) {
	case domain.AuthorSuspended, domain.AuthorTakendown, domain.AuthorDeactivated, domain.AuthorDeleted:
		return domain.AuthorStatus(status)
	}
	return domain.AuthorInactive
}

func statusEnvelope(did string, active bool, status string, seq int64, at time.Time) domain.Envelope {
	ev := domain.AuthorStatusChanged{
		AuthorID:  did,
		Status:    accountStatus(active, status),
		Revision:  seq,
		ChangedAt: at,
	}
	return domain.Envelope{Key: accountKey(ev.Kind(), did, seq), Event: ev}
}

func handleEnvelope(did, handle string, seq int64, at time.Time) domain.Envelope {
	ev := domain.AuthorHandleChanged{
		AuthorID:  did,
		Handle:    handle,
		Revision:  seq,
		ChangedAt: at,
	}
	return domain.Envelope{Key: accountKey(ev.Kind(), did, seq), Event: ev}
}

func parseTime(s string, fallback time.Time) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	return fallback
}
