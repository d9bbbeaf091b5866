package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/blackmichael/bbs/internal/domain"
)

// applier carries out the per-kind policy of each event inside the
// materializer's transaction. Revision guards are strict: an event whose
// revision is not greater than the stored one is stale.
type applier struct {
	ctx context.Context
	tx  domain.Tx
	now time.Time
}

var _ domain.EventVisitor = (*applier)(nil)

func inconsistent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInconsistent, fmt.Sprintf(format, args...))
}

func (a *applier) VisitPostCreated(e domain.PostCreated) (domain.Outcome, error) {
	if e.ThreadID != "" {
		exists, err := a.tx.ThreadExists(a.ctx, e.ThreadID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return domain.OutcomeInconsistent, inconsistent("thread %s does not exist", e.ThreadID)
		}
	}

	if err := a.tx.EnsureAuthor(a.ctx, e.AuthorID, a.now); err != nil {
		return 0, err
	}

	post := domain.Post{
		ID:        e.PostID,
		CID:       e.CID,
		AuthorID:  e.AuthorID,
		ThreadID:  e.ThreadID,
		ParentID:  e.ParentID,
		SectionID: e.SectionID,
		Title:     e.Title,
		Body:      e.Body,
		Revision:  e.Revision,
		CreatedAt: e.CreatedAt,
		UpdatedAt: a.now,
	}

	existing, found, err := a.tx.GetPost(a.ctx, e.PostID)
	if err != nil {
		return 0, err
	}
	if found {
		// The same post listed by a backfill and seen live, or recreated
		// under the same record key.
		replaced, err := a.tx.ReplacePost(a.ctx, post)
		if err != nil {
			return 0, err
		}
		if !replaced {
			return domain.OutcomeStale, nil
		}
		return domain.OutcomeApplied, a.tx.TouchThread(a.ctx, threadOf(existing), e.CreatedAt)
	}

	if err := a.tx.InsertPost(a.ctx, post); err != nil {
		return 0, err
	}
	if e.ThreadID == "" {
		err = a.tx.InsertThread(a.ctx, domain.Thread{
			ID:             e.PostID,
			RootPostID:     e.PostID,
			SectionID:      e.SectionID,
			LastActivityAt: e.CreatedAt,
		})
	} else {
		err = a.tx.TouchThread(a.ctx, e.ThreadID, e.CreatedAt)
	}
	if err != nil {
		return 0, err
	}
	return domain.OutcomeApplied, nil
}

func (a *applier) VisitPostEdited(e domain.PostEdited) (domain.Outcome, error) {
	existing, found, err := a.tx.GetPost(a.ctx, e.PostID)
	if err != nil {
		return 0, err
	}
	if !found {
		return domain.OutcomeInconsistent, inconsistent("edited post %s does not exist", e.PostID)
	}

	edited, err := a.tx.EditPost(a.ctx, e.PostID, e.CID, e.Title, e.Body, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !edited {
		return domain.OutcomeStale, nil
	}
	return domain.OutcomeApplied, a.tx.TouchThread(a.ctx, threadOf(existing), e.EditedAt)
}

func (a *applier) VisitPostDeleted(e domain.PostDeleted) (domain.Outcome, error) {
	_, found, err := a.tx.GetPost(a.ctx, e.PostID)
	if err != nil {
		return 0, err
	}
	if !found {
		return domain.OutcomeInconsistent, inconsistent("deleted post %s does not exist", e.PostID)
	}

	deleted, err := a.tx.MarkPostDeleted(a.ctx, e.PostID, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return domain.OutcomeStale, nil
	}
	return domain.OutcomeApplied, nil
}

func (a *applier) VisitAuthorStatusChanged(e domain.AuthorStatusChanged) (domain.Outcome, error) {
	if err := a.tx.EnsureAuthor(a.ctx, e.AuthorID, a.now); err != nil {
		return 0, err
	}
	changed, err := a.tx.SetAuthorStatus(a.ctx, e.AuthorID, e.Status, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !changed {
		return domain.OutcomeStale, nil
	}
	return domain.OutcomeApplied, nil
}

func (a *applier) VisitAuthorHandleChanged(e domain.AuthorHandleChanged) (domain.Outcome, error) {
	if err := a.tx.EnsureAuthor(a.ctx, e.AuthorID, a.now); err != nil {
		return 0, err
	}
	changed, err := a.tx.SetAuthorHandle(a.ctx, e.AuthorID, e.Handle, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !changed {
		return domain.OutcomeStale, nil
	}
	return domain.OutcomeApplied, nil
}

func (a *applier) VisitLikeCreated(e domain.LikeCreated) (domain.Outcome, error) {
	if _, found, err := a.tx.GetPost(a.ctx, e.SubjectID); err != nil {
		return 0, err
	} else if !found {
		return domain.OutcomeInconsistent, inconsistent("liked post %s does not exist", e.SubjectID)
	}
	if err := a.tx.EnsureAuthor(a.ctx, e.AuthorID, a.now); err != nil {
		return 0, err
	}

	like := domain.Like{
		ID:        e.LikeID,
		CID:       e.CID,
		AuthorID:  e.AuthorID,
		SubjectID: e.SubjectID,
		Revision:  e.Revision,
		CreatedAt: e.CreatedAt,
		UpdatedAt: a.now,
	}
	existing, found, err := a.tx.GetLike(a.ctx, e.LikeID)
	if err != nil {
		return 0, err
	}
	if !found {
		if err := a.tx.InsertLike(a.ctx, like); err != nil {
			return 0, err
		}
		return domain.OutcomeApplied, a.tx.AddLikes(a.ctx, e.SubjectID, 1)
	}

	replaced, err := a.tx.ReplaceLike(a.ctx, like)
	if err != nil {
		return 0, err
	}
	if !replaced {
		return domain.OutcomeStale, nil
	}
	if !existing.Deleted {
		if existing.SubjectID == e.SubjectID {
			return domain.OutcomeApplied, nil
		}
		if err := a.tx.AddLikes(a.ctx, existing.SubjectID, -1); err != nil {
			return 0, err
		}
	}
	return domain.OutcomeApplied, a.tx.AddLikes(a.ctx, e.SubjectID, 1)
}

func (a *applier) VisitLikeDeleted(e domain.LikeDeleted) (domain.Outcome, error) {
	existing, found, err := a.tx.GetLike(a.ctx, e.LikeID)
	if err != nil {
		return 0, err
	}
	if !found {
		return domain.OutcomeInconsistent, inconsistent("deleted like %s does not exist", e.LikeID)
	}

	deleted, err := a.tx.MarkLikeDeleted(a.ctx, e.LikeID, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !deleted {
		return domain.OutcomeStale, nil
	}
	if existing.Deleted {
		return domain.OutcomeApplied, nil
	}
	return domain.OutcomeApplied, a.tx.AddLikes(a.ctx, existing.SubjectID, -1)
}

func (a *applier) VisitProfileUpdated(e domain.ProfileUpdated) (domain.Outcome, error) {
	if err := a.tx.EnsureAuthor(a.ctx, e.AuthorID, a.now); err != nil {
		return 0, err
	}
	changed, err := a.tx.SetAuthorProfile(a.ctx, e.AuthorID, e.CID, e.Record, e.Revision, a.now)
	if err != nil {
		return 0, err
	}
	if !changed {
		return domain.OutcomeStale, nil
	}
	return domain.OutcomeApplied, nil
}

// threadOf returns the thread a post belongs to. A root post is its own
// thread.
func threadOf(p domain.Post) string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	return p.ID
}
