// File: internal/targeting/observation.go
package targeting

// CommentType is the kind of change a reviewer comment is inferred to request.
type CommentType string

const (
	CommentTypeUnknown    CommentType = "unknown"
	CommentTypeLink       CommentType = "link"
	CommentTypeText       CommentType = "text"
	CommentTypeNewContent CommentType = "new_content"
)

// Offsets is a byte range into the raw XML reported by the editor's annotation service.
type Offsets struct {
	Start int64 `json:"start_offset" yaml:"start_offset"`
	End   int64 `json:"end_offset" yaml:"end_offset"`
}

// Valid reports whether the range is non-negative and not inverted.
func (o *Offsets) Valid() bool {
	return o != nil && o.Start >= 0 && o.End >= o.Start
}

// Observation describes one commented span as it was seen in the rendered page.
// It is produced once per comment event and treated as immutable afterwards.
type Observation struct {
	CommentID          string      `json:"comment_id,omitempty" yaml:"comment_id"`
	VisibleText        string      `json:"visible_text" yaml:"visible_text"`
	Href               string      `json:"href,omitempty" yaml:"href"`
	SurroundingContext string      `json:"context" yaml:"context"`
	ElementType        string      `json:"element_type,omitempty" yaml:"element_type"`
	HasIndirection     bool        `json:"has_conkeyref" yaml:"has_conkeyref"`
	AncestorPath       string      `json:"parent_path" yaml:"parent_path"`
	CommentType        CommentType `json:"comment_type,omitempty" yaml:"comment_type"`
	ByteOffsets        *Offsets    `json:"xml_offsets,omitempty" yaml:"xml_offsets"`
}

// NewContentObservation is used when no highlighted span exists on the page, which
// happens when a reviewer asks for content that is not there yet.
func NewContentObservation(commentID string) Observation {
	return Observation{
		CommentID:   commentID,
		ElementType: "unknown",
		CommentType: CommentTypeNewContent,
	}
}

// WithOffsets returns a copy of o carrying the given annotation offsets.
func (o Observation) WithOffsets(off *Offsets) Observation {
	if off != nil {
		cp := *off
		o.ByteOffsets = &cp
	}
	return o
}
