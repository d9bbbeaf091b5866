package domain

import "time"

// RecordFormat identifies how a RawRecord payload is encoded.
type RecordFormat string

const (
	FormatFirehose  RecordFormat = "firehose"
	FormatJetstream RecordFormat = "jetstream"
	FormatSnapshot  RecordFormat = "snapshot"
)

// RawRecord is one undecoded record as delivered by a producer. Position is
// the stream position when the producer could determine it, zero otherwise.
type RawRecord struct {
	Format     RecordFormat
	Position   int64
	Payload    []byte
	ReceivedAt time.Time
}

// EventKey identifies an event by its remote identity and revision. Two
// deliveries of the same event always produce the same key.
type EventKey string

// Envelope pairs a decoded event with its dedup key.
type Envelope struct {
	Key   EventKey
	Event Event
}

// Decoded is the result of decoding one raw record. A single record (a
// repository commit) may carry several events.
type Decoded struct {
	Position  int64
	Envelopes []Envelope
}

// EventKind names an event variant.
type EventKind string

const (
	KindPostCreated         EventKind = "post_created"
	KindPostEdited          EventKind = "post_edited"
	KindPostDeleted         EventKind = "post_deleted"
	KindAuthorStatusChanged EventKind = "author_status_changed"
	KindAuthorHandleChanged EventKind = "author_handle_changed"
	KindLikeCreated         EventKind = "like_created"
	KindLikeDeleted         EventKind = "like_deleted"
	KindProfileUpdated      EventKind = "profile_updated"
)

// Event is the closed set of decoded events. The set is sealed by an
// unexported method; handlers implement EventVisitor, so adding a variant
// breaks every handler at compile time until it is handled.
type Event interface {
	Kind() EventKind
	Accept(v EventVisitor) (Outcome, error)
	sealed()
}

// EventVisitor handles every Event variant.
type EventVisitor interface {
	VisitPostCreated(e PostCreated) (Outcome, error)
	VisitPostEdited(e PostEdited) (Outcome, error)
	VisitPostDeleted(e PostDeleted) (Outcome, error)
	VisitAuthorStatusChanged(e AuthorStatusChanged) (Outcome, error)
	VisitAuthorHandleChanged(e AuthorHandleChanged) (Outcome, error)
	VisitLikeCreated(e LikeCreated) (Outcome, error)
	VisitLikeDeleted(e LikeDeleted) (Outcome, error)
	VisitProfileUpdated(e ProfileUpdated) (Outcome, error)
}

// Outcome is what applying an event did to the materialized state.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
	OutcomeStale
	OutcomeInconsistent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeStale:
		return "stale"
	case OutcomeInconsistent:
		return "inconsistent"
	default:
		return "unknown"
	}
}

// PostCreated creates a post. An empty ThreadID makes the post the root of a
// new thread.
type PostCreated struct {
	PostID    string
	CID       string
	AuthorID  string
	ThreadID  string
	ParentID  string
	SectionID string
	Title     string
	Body      string
	Revision  int64
	CreatedAt time.Time
}

// PostEdited replaces the content of an existing post.
type PostEdited struct {
	PostID   string
	CID      string
	AuthorID string
	Title    string
	Body     string
	Revision int64
	EditedAt time.Time
}

// PostDeleted soft-deletes a post.
type PostDeleted struct {
	PostID    string
	AuthorID  string
	Revision  int64
	DeletedAt time.Time
}

// AuthorStatusChanged reports an account status transition.
type AuthorStatusChanged struct {
	AuthorID  string
	Status    AuthorStatus
	Revision  int64
	ChangedAt time.Time
}

// AuthorHandleChanged reports a new handle for an account.
type AuthorHandleChanged struct {
	AuthorID  string
	Handle    string
	Revision  int64
	ChangedAt time.Time
}

// LikeCreated records a like of a post.
type LikeCreated struct {
	LikeID    string
	CID       string
	AuthorID  string
	SubjectID string
	Revision  int64
	CreatedAt time.Time
}

// LikeDeleted withdraws a like.
type LikeDeleted struct {
	LikeID    string
	AuthorID  string
	Revision  int64
	DeletedAt time.Time
}

// ProfileUpdated replaces an author's profile record. A nil Record means
// the profile was deleted.
type ProfileUpdated struct {
	AuthorID  string
	CID       string
	Record    []byte
	Revision  int64
	UpdatedAt time.Time
}

func (PostCreated) Kind() EventKind         { return KindPostCreated }
func (PostEdited) Kind() EventKind          { return KindPostEdited }
func (PostDeleted) Kind() EventKind         { return KindPostDeleted }
func (AuthorStatusChanged) Kind() EventKind { return KindAuthorStatusChanged }
func (AuthorHandleChanged) Kind() EventKind { return KindAuthorHandleChanged }
func (LikeCreated) Kind() EventKind         { return KindLikeCreated }
func (LikeDeleted) Kind() EventKind         { return KindLikeDeleted }
func (ProfileUpdated) Kind() EventKind      { return KindProfileUpdated }

func (e PostCreated) Accept(v EventVisitor) (Outcome, error) { return v.VisitPostCreated(e) }
func (e PostEdited) Accept(v EventVisitor) (Outcome, error)  { return v.VisitPostEdited(e) }
func (e PostDeleted) Accept(v EventVisitor) (Outcome, error) { return v.VisitPostDeleted(e) }
func (e AuthorStatusChanged) Accept(v EventVisitor) (Outcome, error) {
	return v.VisitAuthorStatusChanged(e)
}
func (e AuthorHandleChanged) Accept(v EventVisitor) (Outcome, error) {
	return v.VisitAuthorHandleChanged(e)
}
func (e LikeCreated) Accept(v EventVisitor) (Outcome, error)    { return v.VisitLikeCreated(e) }
func (e LikeDeleted) Accept(v EventVisitor) (Outcome, error)    { return v.VisitLikeDeleted(e) }
func (e ProfileUpdated) Accept(v EventVisitor) (Outcome, error) { return v.VisitProfileUpdated(e) }

func (PostCreated) sealed()         {}
func (PostEdited) sealed()          {}
func (PostDeleted) sealed()         {}
func (AuthorStatusChanged) sealed() {}
func (AuthorHandleChanged) sealed() {}
func (LikeCreated) sealed()         {}
func (LikeDeleted) sealed()         {}
func (ProfileUpdated) sealed()      {}
