// File: internal/targeting/errors.go
package targeting

import (
	"errors"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

var (
	// ErrMalformedDocument means the XML could not be parsed even with recovery.
	ErrMalformedDocument = xmltree.ErrMalformedDocument
	// ErrTargetNotFound means no strategy produced a candidate.
	ErrTargetNotFound = errors.New("target not found")
	// ErrAmbiguousMatch means the text strategy found several candidates, none of them
	// cleared the confidence threshold, and no later strategy produced a candidate.
	ErrAmbiguousMatch = errors.New("ambiguous match")
)

// NeedsReview reports whether err is one of the expected per-item outcomes that should
// be flagged for a human instead of treated as a failure of the run.
func NeedsReview(err error) bool {
	return errors.Is(err, ErrTargetNotFound) || errors.Is(err, ErrAmbiguousMatch)
}
