// File: internal/targeting/normalize.go
package targeting

import (
	"strings"
	"unicode"
)

// Signals is the cleaned form of an Observation. Fields ending in Fold are lower-cased
// copies used only for comparisons; the other fields keep the original case.
type Signals struct {
	CommentID       string
	VisibleText     string
	VisibleTextFold string
	Href            string
	Context         string
	ContextFold     string
	ElementType     string
	HasIndirection  bool
	AncestorTags    []string
	CommentType     CommentType
	Offsets         *Offsets
}

// Normalize cleans every field of an Observation. It is pure and idempotent.
// An empty visible text is valid input; with HasIndirection set it simply means the
// rendered text came from a reusable key and never appears literally in the source.
func Normalize(o Observation) Signals {
	s := Signals{
		CommentID:      strings.TrimSpace(o.CommentID),
		VisibleText:    CollapseSpace(o.VisibleText),
		Href:           strings.TrimSpace(o.Href),
		Context:        CollapseSpace(o.SurroundingContext),
		ElementType:    strings.ToLower(strings.TrimSpace(o.ElementType)),
		HasIndirection: o.HasIndirection,
		AncestorTags:   pathTags(o.AncestorPath),
		CommentType:    CommentType(strings.ToLower(strings.TrimSpace(string(o.CommentType)))),
	}
	s.VisibleTextFold = strings.ToLower(s.VisibleText)
	s.ContextFold = strings.ToLower(s.Context)

	if s.ElementType == string(CommentTypeUnknown) {
		s.ElementType = ""
	}
	if s.CommentType == "" {
		s.CommentType = CommentTypeUnknown
	}
	if o.ByteOffsets.Valid() {
		off := *o.ByteOffsets
		s.Offsets = &off
	}
	return s
}

// CollapseSpace trims s and replaces every run of whitespace with a single space.
func CollapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// pathTags extracts lower-cased tag names from a coarse DOM path such as
// "div[0] > li[2] > p[0]".
func pathTags(path string) []string {
	return strings.FieldsFunc(strings.ToLower(path), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
}

// words returns the deduplicated, lower-cased word set of s.
func words(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}
