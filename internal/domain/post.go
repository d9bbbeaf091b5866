package domain

import "time"

// Post is a materialized bulletin board post. Root posts, comments and
// replies are all posts; they differ only in ThreadID and ParentID.
type Post struct {
	// ID is the AT-URI of the record (at://did/collection/rkey).
	ID string

	// CID is the content identifier of the record version last applied.
	CID string

	AuthorID string

	// ThreadID is empty for root posts. The thread of a root post has the
	// root post's ID.
	ThreadID string

	// ParentID is the post a comment or reply answers. Empty for root posts.
	ParentID string

	SectionID string
	Title     string
	Body      string

	// Revision is the revision of the event that last changed this post.
	Revision int64

	// LikeCount counts the live likes whose subject is this post.
	LikeCount int64

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Thread is derived from posts. It is created with its root post and its
// LastActivityAt moves forward as posts referencing it are materialized.
type Thread struct {
	ID             string
	RootPostID     string
	SectionID      string
	LastActivityAt time.Time
}

// AuthorStatus is the account status reported by the PDS.
type AuthorStatus string

const (
	AuthorActive      AuthorStatus = "active"
	AuthorSuspended   AuthorStatus = "suspended"
	AuthorTakendown   AuthorStatus = "takendown"
	AuthorDeactivated AuthorStatus = "deactivated"
	AuthorDeleted     AuthorStatus = "deleted"
	AuthorInactive    AuthorStatus = "inactive"
)

// Author is a repository owner. Status, handle and profile carry
// independent revisions so that stale events never overwrite newer ones.
type Author struct {
	ID             string
	Handle         string
	Status         AuthorStatus
	StatusRevision int64
	HandleRevision int64

	// Profile is the app.actor.profile record as JSON, nil when the author
	// has none.
	Profile         []byte
	ProfileCID      string
	ProfileRevision int64

	UpdatedAt time.Time
}

// Like is a like of a post. Deleted likes are kept so a stale create can
// not resurrect them.
type Like struct {
	ID        string
	CID       string
	AuthorID  string
	SubjectID string
	Revision  int64
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeadLetter is a raw record that could not be decoded. It is kept verbatim
// so it can be inspected and replayed by an operator.
type DeadLetter struct {
	ID             string
	SubscriptionID SubscriptionID
	Position       int64
	Format         RecordFormat
	Reason         string
	Payload        []byte
	ReceivedAt     time.Time
}
