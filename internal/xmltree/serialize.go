// File: internal/xmltree/serialize.go
package xmltree

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

const indentUnit = "  "

// Serialize renders the subtree rooted at e with two-space indentation. Only
// element-only content is re-indented; mixed content (text next to inline elements,
// as in a DITA paragraph) is written exactly as parsed so no whitespace is added to
// prose. The tree itself is left untouched.
func (t *Tree) Serialize(e *etree.Element) (string, error) {
	return SerializeElement(e)
}

// SerializeElement is Serialize for an element that is not tied to a Tree.
func SerializeElement(e *etree.Element) (string, error) {
	cp := e.Copy()
	indent(cp, 0)
	doc := etree.NewDocumentWithRoot(cp)
	s, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("failed to serialize <%s>: %w", e.FullTag(), err)
	}
	return s, nil
}

func indent(e *etree.Element, depth int) {
	mixed := isMixed(e)
	if !mixed && len(e.ChildElements()) > 0 {
		for i := len(e.Child) - 1; i >= 0; i-- {
			if cd, ok := e.Child[i].(*etree.CharData); ok && cd.IsWhitespace() {
				e.RemoveChildAt(i)
			}
		}
		for i := len(e.Child) - 1; i >= 0; i-- {
			e.InsertChildAt(i, etree.NewText("\n"+strings.Repeat(indentUnit, depth+1)))
		}
		e.CreateText("\n" + strings.Repeat(indentUnit, depth))
	}
	for _, c := range e.ChildElements() {
		indent(c, depth+1)
	}
}

// isMixed reports whether e has non-whitespace character data next to its children.
func isMixed(e *etree.Element) bool {
	for _, tok := range e.Child {
		if cd, ok := tok.(*etree.CharData); ok && !cd.IsWhitespace() {
			return true
		}
	}
	return false
}
