package firehose

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// ParseTID decodes a timestamp identifier (the rev of a repository commit)
// into an integer that sorts the same way the TID strings do.
func ParseTID(s string) (int64, error) {
	tid, err := syntax.ParseTID(s)
	if err != nil {
		return 0, fmt.Errorf("tid %q: %w", s, err)
	}
	return int64(tid.Integer()), nil
}

// FormatTID is the inverse of ParseTID.
func FormatTID(v int64) string {
	return syntax.NewTIDFromInteger(uint64(v)).String()
}
