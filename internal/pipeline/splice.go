// File: internal/pipeline/splice.go
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// ErrInvalidSplice is returned when a replacement cannot be put back into the document
// without breaking it.
var ErrInvalidSplice = errors.New("replacement cannot be spliced")

// Splice replaces the element at fragmentPath in document with replacement and returns
// the new document text. Bytes outside the replaced element are kept exactly as they
// were, so the prolog, entities and formatting of the rest of the topic survive.
func Splice(document, fragmentPath, replacement string) (string, error) {
	tree, err := xmltree.Parse(document)
	if err != nil {
		return "", err
	}
	target, err := tree.Resolve(fragmentPath)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSplice, err)
	}

	repl := stripDeclaration(strings.TrimSpace(replacement))
	rt, err := xmltree.Parse(repl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSplice, err)
	}
	if rt.Recovered() {
		return "", fmt.Errorf("%w: replacement is not well-formed", ErrInvalidSplice)
	}
	if got, want := rt.Root().FullTag(), target.FullTag(); got != want {
		return "", fmt.Errorf("%w: replacement root <%s> does not match <%s>", ErrInvalidSplice, got, want)
	}

	var out string
	if span, ok := tree.Span(target); ok {
		out = document[:span.Start] + repl + document[span.End:]
	} else {
		parent := target.Parent()
		idx := target.Index()
		parent.RemoveChildAt(idx)
		parent.InsertChildAt(idx, rt.Root().Copy())
		if out, err = tree.String(); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidSplice, err)
		}
	}

	check, err := xmltree.Parse(out)
	if err != nil || (check.Recovered() && !tree.Recovered()) {
		return "", fmt.Errorf("%w: result is not well-formed", ErrInvalidSplice)
	}
	return out, nil
}

func stripDeclaration(s string) string {
	if strings.HasPrefix(s, "<?xml") {
		if end := strings.Index(s, "?>"); end >= 0 {
			return strings.TrimSpace(s[end+2:])
		}
	}
	return s
}
