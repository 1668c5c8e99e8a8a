// File: internal/xmltree/builder.go
package xmltree

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"github.com/beevik/etree"
)

// builder turns a raw token stream into an etree document, repairing mismatched and
// missing end tags as it goes. It records the source span of every element it keeps,
// in creation order, which is the document order of the finished tree.
type builder struct {
	text      string
	dec       *xml.Decoder
	doc       *etree.Document
	stack     []*etree.Element
	open      []int
	spans     []Span
	skip      int
	recovered bool
}

func newBuilder(text string) *builder {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	return &builder{text: text, dec: dec, doc: etree.NewDocument()}
}

// run consumes the whole input. A decoder error ends the stream early; whatever was
// built up to that point is kept and the error is returned for the caller to judge.
func (b *builder) run() error {
	for {
		before := b.dec.InputOffset()
		tok, err := b.dec.RawToken()
		if err != nil {
			b.closeAll(int64(len(b.text)))
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		switch v := tok.(type) {
		case xml.StartElement:
			b.start(v, before)
		case xml.EndElement:
			b.end(v, before)
		case xml.CharData:
			if b.skip > 0 {
				continue
			}
			cd := b.parent().CreateText("")
			cd.SetData(string(v))
		case xml.Comment:
			if b.skip == 0 {
				b.parent().CreateComment(string(v))
			}
		case xml.ProcInst:
			if b.skip == 0 {
				b.parent().CreateProcInst(v.Target, string(v.Inst))
			}
		case xml.Directive:
			if b.skip == 0 {
				b.parent().CreateDirective(string(v))
			}
		}
	}
}

func (b *builder) parent() *etree.Element {
	if n := len(b.stack); n > 0 {
		return b.stack[n-1]
	}
	return &b.doc.Element
}

func (b *builder) start(v xml.StartElement, at int64) {
	if b.skip > 0 || (len(b.stack) == 0 && b.doc.Root() != nil) {
		// A second top-level element is not part of the document.
		b.skip++
		b.recovered = true
		return
	}
	e := b.parent().CreateElement(qualified(v.Name))
	for _, a := range v.Attr {
		e.CreateAttr(qualified(a.Name), a.Value)
	}
	b.stack = append(b.stack, e)
	b.open = append(b.open, len(b.spans))
	b.spans = append(b.spans, Span{Start: at, End: int64(len(b.text))})
}

func (b *builder) end(v xml.EndElement, at int64) {
	if b.skip > 0 {
		b.skip--
		return
	}
	name := qualified(v.Name)
	match := -1
	for i := len(b.stack) - 1; i >= 0; i-- {
		if b.stack[i].FullTag() == name {
			match = i
			break
		}
	}
	if match < 0 {
		b.recovered = true
		return
	}
	// Elements above the match were never closed; they end where this tag begins.
	for len(b.stack)-1 > match {
		b.pop(at)
		b.recovered = true
	}
	b.pop(b.dec.InputOffset())
}

func (b *builder) pop(at int64) {
	n := len(b.stack) - 1
	b.spans[b.open[n]].End = at
	b.stack = b.stack[:n]
	b.open = b.open[:n]
}

func (b *builder) closeAll(at int64) {
	if len(b.stack) > 0 {
		b.recovered = true
	}
	for len(b.stack) > 0 {
		b.pop(at)
	}
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}
