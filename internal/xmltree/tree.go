// File: internal/xmltree/tree.go
package xmltree

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// ErrMalformedDocument is returned when no element tree can be recovered from the input.
var ErrMalformedDocument = errors.New("malformed document")

// Span is the byte range an element occupies in the source text, end exclusive.
type Span struct {
	Start int64
	End   int64
}

// Tree is a parsed XML document plus the bookkeeping needed to address its elements.
// A Tree is built per call and must not be shared between goroutines that mutate it.
type Tree struct {
	doc       *etree.Document
	elements  []*etree.Element
	order     map[*etree.Element]int
	spans     []Span
	recovered bool
}

// Parse reads XML text into a Tree. Parsing is permissive: HTML entities such as
// &nbsp; are resolved and unquoted attributes are accepted. Markup errors are repaired
// the way a recovering parser would: an end tag closes every element opened after its
// matching start tag, an end tag with no open match is dropped, elements still open at
// the end of the input are closed there, and content after the document element is
// ignored. Only input that yields no root element at all is rejected.
func Parse(text string) (*Tree, error) {
	b := newBuilder(text)
	err := b.run()
	root := b.doc.Root()
	if root == nil {
		if err == nil {
			err = errors.New("no root element")
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	t := &Tree{
		doc:       b.doc,
		order:     make(map[*etree.Element]int),
		recovered: b.recovered || err != nil,
	}
	t.index(root)
	if len(b.spans) == len(t.elements) {
		t.spans = b.spans
	}
	return t, nil
}

// index records every element in document (pre-)order.
func (t *Tree) index(e *etree.Element) {
	t.order[e] = len(t.elements)
	t.elements = append(t.elements, e)
	for _, c := range e.ChildElements() {
		t.index(c)
	}
}

// Root returns the document element.
func (t *Tree) Root() *etree.Element { return t.doc.Root() }

// Recovered reports whether the input needed repair to produce this tree.
func (t *Tree) Recovered() bool { return t.recovered }

// Elements returns all elements in document order. The slice must not be modified.
func (t *Tree) Elements() []*etree.Element { return t.elements }

// Position returns the document-order index of e, or -1 if e is not part of the tree.
func (t *Tree) Position(e *etree.Element) int {
	if i, ok := t.order[e]; ok {
		return i
	}
	return -1
}

// Contains reports whether e belongs to this tree.
func (t *Tree) Contains(e *etree.Element) bool {
	_, ok := t.order[e]
	return ok
}

// FindByTag returns all elements whose tag equals name, in document order.
// The comparison is case-insensitive and accepts either the local or the prefixed name.
func (t *Tree) FindByTag(name string) []*etree.Element {
	var out []*etree.Element
	for _, e := range t.elements {
		if tagMatches(e, name) {
			out = append(out, e)
		}
	}
	return out
}

func tagMatches(e *etree.Element, name string) bool {
	return strings.EqualFold(e.Tag, name) || strings.EqualFold(e.FullTag(), name)
}

// HasAttr reports whether e carries an attribute with the given key.
func HasAttr(e *etree.Element, key string) bool {
	return e.SelectAttr(key) != nil
}

// Text returns the character data of e and all its descendants, concatenated in
// document order.
func Text(e *etree.Element) string {
	var sb strings.Builder
	writeText(&sb, e)
	return sb.String()
}

func writeText(sb *strings.Builder, e *etree.Element) {
	for _, tok := range e.Child {
		switch v := tok.(type) {
		case *etree.CharData:
			sb.WriteString(v.Data)
		case *etree.Element:
			writeText(sb, v)
		}
	}
}

// Ancestor walks up at most k parent links from e, stopping at the document element.
func (t *Tree) Ancestor(e *etree.Element, k int) *etree.Element {
	root := t.Root()
	cur := e
	for i := 0; i < k && cur != root; i++ {
		p := cur.Parent()
		if p == nil || !t.Contains(p) {
			break
		}
		cur = p
	}
	return cur
}

// Depth returns the number of parent links between e and the document element.
func (t *Tree) Depth(e *etree.Element) int {
	d := 0
	for cur := e; cur != t.Root(); d++ {
		cur = cur.Parent()
		if cur == nil {
			return -1
		}
	}
	return d
}

// PathOf returns an addressing expression for e of the form /tag[i]/tag[j],
// where each index is the 1-based position among siblings with the same tag.
// Indices are always written so the expression never depends on sibling counts.
func (t *Tree) PathOf(e *etree.Element) string {
	var segs []string
	for cur := e; cur != nil; {
		parent := cur.Parent()
		idx := 1
		if parent != nil {
			for _, sib := range parent.ChildElements() {
				if sib == cur {
					break
				}
				if sib.FullTag() == cur.FullTag() {
					idx++
				}
			}
		}
		segs = append(segs, cur.FullTag()+"["+strconv.Itoa(idx)+"]")
		if cur == t.Root() {
			break
		}
		cur = parent
	}
	var sb strings.Builder
	for i := len(segs) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(segs[i])
	}
	return sb.String()
}

// Resolve evaluates a path produced by PathOf and returns the element it addresses.
func (t *Tree) Resolve(path string) (*etree.Element, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", path)
	}
	segs := strings.Split(path[1:], "/")
	if len(segs) == 0 || segs[0] == "" {
		return nil, fmt.Errorf("path %q is empty", path)
	}

	var cur *etree.Element
	for i, seg := range segs {
		tag, idx, err := parseSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", path, err)
		}
		if i == 0 {
			root := t.Root()
			if root.FullTag() != tag || idx != 1 {
				return nil, fmt.Errorf("path %q does not start at root <%s>", path, root.FullTag())
			}
			cur = root
			continue
		}
		next := nthChild(cur, tag, idx)
		if next == nil {
			return nil, fmt.Errorf("path %q: no %s[%d] under %s", path, tag, idx, t.PathOf(cur))
		}
		cur = next
	}
	return cur, nil
}

func parseSegment(seg string) (string, int, error) {
	open := strings.IndexByte(seg, '[')
	if open <= 0 || !strings.HasSuffix(seg, "]") {
		return "", 0, fmt.Errorf("malformed segment %q", seg)
	}
	idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || idx < 1 {
		return "", 0, fmt.Errorf("malformed index in segment %q", seg)
	}
	return seg[:open], idx, nil
}

func nthChild(parent *etree.Element, tag string, idx int) *etree.Element {
	n := 0
	for _, c := range parent.ChildElements() {
		if c.FullTag() != tag {
			continue
		}
		n++
		if n == idx {
			return c
		}
	}
	return nil
}

// String renders the whole document, prolog included.
func (t *Tree) String() (string, error) {
	return t.doc.WriteToString()
}

// Span returns the source byte range of e. An element closed implicitly during
// recovery ends where the tag that closed it begins.
func (t *Tree) Span(e *etree.Element) (Span, bool) {
	i := t.Position(e)
	if i < 0 || t.spans == nil || i >= len(t.spans) {
		return Span{}, false
	}
	return t.spans[i], true
}
