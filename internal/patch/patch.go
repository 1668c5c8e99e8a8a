// File: internal/patch/patch.go
package patch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/docfix-cli/internal/llmutil"
)

// ErrGenerationFailed covers every failure to obtain a usable replacement. Callers
// skip the item and never apply anything.
var ErrGenerationFailed = errors.New("patch generation failed")

// Request is what the generator needs to rewrite one fragment.
type Request struct {
	FragmentXML string
	CommentText string
	// TargetPath and VisibleText point the model at the element inside the fragment
	// the reviewer highlighted.
	TargetPath  string
	VisibleText string
}

// Patch is the generator's answer.
type Patch struct {
	ReplacementXML string `json:"replacement_xml"`
	Rationale      string `json:"rationale"`
	// AlreadyApplied is set when the model reports the requested change is already
	// present, in which case ReplacementXML equals the input fragment.
	AlreadyApplied bool `json:"already_applied"`
}

// Generator turns a fragment and a reviewer comment into a replacement fragment.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Patch, error)
}

const systemPrompt = `You are an expert technical writer for the SAP Help Portal. You update DITA XML
content so that it resolves reviewer comments while keeping SAP documentation standards.
Rules:
- Change only what the comment asks for. Keep every id, conkeyref, keyref and href you do not need to change.
- Return the complete fragment with the same root element you were given.
- If the requested change is already present, return the fragment unchanged and set already_applied to true.
Respond with a JSON object: {"replacement_xml": string, "rationale": string, "already_applied": boolean}.`

// BuildPrompt renders the user prompt for req.
func BuildPrompt(req Request) string {
	var sb strings.Builder
	sb.WriteString("Reviewer comment:\n")
	sb.WriteString(strings.TrimSpace(req.CommentText))
	sb.WriteString("\n\n")
	if req.VisibleText != "" {
		fmt.Fprintf(&sb, "Highlighted text on the page: %q\n", req.VisibleText)
	}
	if req.TargetPath != "" {
		fmt.Fprintf(&sb, "Highlighted element (path in the full topic): %s\n", req.TargetPath)
	}
	sb.WriteString("\nExisting XML fragment:\n")
	sb.WriteString(req.FragmentXML)
	sb.WriteString("\n")
	return sb.String()
}

var alreadyPatterns = []string{"already implemented", "already exists", "already present", "already applied"}

// ParseReply decodes a model reply and validates it against the original fragment.
// The replacement must be well-formed XML rooted at the same element as the input.
func ParseReply(reply, originalFragment string) (*Patch, error) {
	p, err := llmutil.ParseJSONResponse[Patch](reply)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	p.ReplacementXML = strings.TrimSpace(p.ReplacementXML)
	p.Rationale = strings.TrimSpace(p.Rationale)

	lower := strings.ToLower(p.Rationale)
	for _, phrase := range alreadyPatterns {
		if strings.Contains(lower, phrase) {
			p.AlreadyApplied = true
			break
		}
	}
	if p.AlreadyApplied && p.ReplacementXML == "" {
		p.ReplacementXML = strings.TrimSpace(originalFragment)
	}

	if err := sameRoot(p.ReplacementXML, originalFragment); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	return p, nil
}

// sameRoot checks that replacement parses strictly and has the original's root tag.
func sameRoot(replacement, original string) error {
	if replacement == "" {
		return errors.New("replacement_xml is empty")
	}
	repl := etree.NewDocument()
	if err := repl.ReadFromString(replacement); err != nil {
		return fmt.Errorf("replacement is not well-formed XML: %v", err)
	}
	if repl.Root() == nil {
		return errors.New("replacement has no root element")
	}
	orig := etree.NewDocument()
	orig.ReadSettings.Permissive = true
	if err := orig.ReadFromString(original); err != nil || orig.Root() == nil {
		return nil
	}
	if got, want := repl.Root().FullTag(), orig.Root().FullTag(); got != want {
		return fmt.Errorf("replacement root <%s> does not match fragment root <%s>", got, want)
	}
	return nil
}
