package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type kindRecorder struct {
	seen []EventKind
}

func (r *kindRecorder) VisitPostCreated(e PostCreated) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func (r *kindRecorder) VisitPostEdited(e PostEdited) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeStale, nil
}

func (r *kindRecorder) VisitPostDeleted(e PostDeleted) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func (r *kindRecorder) VisitAuthorStatusChanged(e AuthorStatusChanged) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func (r *kindRecorder) VisitAuthorHandleChanged(e AuthorHandleChanged) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeInconsistent, nil
}

func (r *kindRecorder) VisitLikeCreated(e LikeCreated) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func (r *kindRecorder) VisitLikeDeleted(e LikeDeleted) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func (r *kindRecorder) VisitProfileUpdated(e ProfileUpdated) (Outcome, error) {
	r.seen = append(r.seen, e.Kind())
	return OutcomeApplied, nil
}

func TestEventDispatch(t *testing.T) {
	events := []Event{
		PostCreated{PostID: "p"},
		PostEdited{PostID: "p"},
		PostDeleted{PostID: "p"},
		AuthorStatusChanged{AuthorID: "a", Status: AuthorSuspended},
		AuthorHandleChanged{AuthorID: "a", Handle: "a.test"},
	}

	r := &kindRecorder{}
	var outcomes []Outcome
	for _, e := range events {
		o, err := e.Accept(r)
		require.NoError(t, err)
		outcomes = append(outcomes, o)
	}

	assert.Equal(t, []EventKind{
		KindPostCreated,
		KindPostEdited,
		KindPostDeleted,
		KindAuthorStatusChanged,
		KindAuthorHandleChanged,
	}, r.seen)
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeStale, OutcomeApplied, OutcomeApplied, OutcomeInconsistent}, outcomes)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "applied", OutcomeApplied.String())
	assert.Equal(t, "duplicate", OutcomeDuplicate.String())
	assert.Equal(t, "stale", OutcomeStale.String())
	assert.Equal(t, "inconsistent", OutcomeInconsistent.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}

func TestDecodeErrorUnwrap(t *testing.T) {
	cause := errors.New("unexpected EOF")

	malformed := fmt.Errorf("decode: %w", Malformed(7, "frame header", cause))
	assert.ErrorIs(t, malformed, ErrMalformed)
	assert.ErrorIs(t, malformed, cause)
	assert.NotErrorIs(t, malformed, ErrUnsupportedKind)

	var de *DecodeError
	require.ErrorAs(t, malformed, &de)
	assert.Equal(t, int64(7), de.Position)
	assert.Equal(t, DecodeMalformed, de.Kind)

	unsupported := Unsupported(8, "collection app.bbs.section")
	assert.ErrorIs(t, unsupported, ErrUnsupportedKind)
	assert.Equal(t, "decode unsupported: collection app.bbs.section", unsupported.Error())

	gap := &DecodeError{Kind: DecodeStreamGap, Reason: "outdated cursor"}
	assert.ErrorIs(t, gap, ErrStreamGap)
}

func TestApplyErrorIsInconsistent(t *testing.T) {
	err := fmt.Errorf("apply: %w", &ApplyError{Key: "k", Kind: KindPostEdited, Reason: "post not found"})
	assert.ErrorIs(t, err, ErrInconsistent)
	assert.Contains(t, err.Error(), "post_edited")
}
