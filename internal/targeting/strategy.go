// File: internal/targeting/strategy.go
package targeting

import (
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// Method tags reported with every resolution.
const (
	MethodIdentifier        = "identifier-attribute"
	MethodOffsets           = "annotation-offsets"
	MethodHrefExact         = "href-exact"
	MethodXrefIndirection   = "xref-with-indirection"
	MethodXrefFirst         = "xref-first"
	MethodElementText       = "element-text-match"
	MethodElementFirst      = "element-first"
	MethodSingleText        = "single-text-match"
	MethodDisambiguatedText = "disambiguated-text-match"
	MethodIndirectionAttr   = "indirection-attribute"
	MethodListItemFallback  = "list-item-fallback"
)

// methodConfidence is the score reported for methods that do not compute one.
var methodConfidence = map[string]float64{
	MethodIdentifier:       1.0,
	MethodOffsets:          0.95,
	MethodHrefExact:        1.0,
	MethodXrefIndirection:  0.7,
	MethodXrefFirst:        0.4,
	MethodElementText:      0.8,
	MethodElementFirst:     0.5,
	MethodSingleText:       0.9,
	MethodIndirectionAttr:  0.4,
	MethodListItemFallback: 0.2,
}

// Candidate is one element proposed by a strategy.
type Candidate struct {
	Element *etree.Element
	Method  string
	Score   float64
}

func candidate(e *etree.Element, method string) Candidate {
	return Candidate{Element: e, Method: method, Score: methodConfidence[method]}
}

// Strategy is one step of the locator chain. Find returns candidates in document order.
// A strategy that yields one candidate ends the chain. When Disambiguate is set and
// several candidates are returned, the chain ends only if context scoring picks one
// above the threshold; otherwise it moves on to the next strategy.
type Strategy struct {
	Name         string
	Applies      func(s *Signals) bool
	Find         func(t *xmltree.Tree, s *Signals) []Candidate
	Disambiguate bool
}

var linkVocabulary = map[string]struct{}{
	"link": {}, "links": {}, "linked": {}, "hyperlink": {}, "hyperlinks": {},
	"url": {}, "urls": {}, "href": {},
}

var listTags = map[string]struct{}{"li": {}, "ul": {}, "ol": {}}

// DefaultChain returns the strategies in priority order, most specific first.
func DefaultChain(opts Options) []Strategy {
	chain := []Strategy{identifierStrategy(opts)}
	if opts.UseOffsets {
		chain = append(chain, offsetStrategy())
	}
	return append(chain,
		linkStrategy(opts),
		elementTypeStrategy(),
		literalTextStrategy(),
		indirectionStrategy(opts),
		listItemStrategy(opts),
	)
}

func identifierStrategy(opts Options) Strategy {
	return Strategy{
		Name:    "identifier",
		Applies: func(s *Signals) bool { return s.CommentID != "" },
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			for _, e := range t.Elements() {
				if a := e.SelectAttr(opts.IdentifierAttr); a != nil && a.Value == s.CommentID {
					return []Candidate{candidate(e, MethodIdentifier)}
				}
			}
			for _, e := range t.Elements() {
				for _, a := range e.Attr {
					if a.Value == s.CommentID {
						return []Candidate{candidate(e, MethodIdentifier)}
					}
				}
			}
			return nil
		},
	}
}

// offsetStrategy picks the deepest element whose source span covers the annotation
// range. Elements are indexed in pre-order, so the last covering element is the deepest.
func offsetStrategy() Strategy {
	return Strategy{
		Name:    "offsets",
		Applies: func(s *Signals) bool { return s.Offsets != nil },
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			var best *etree.Element
			for _, e := range t.Elements() {
				span, ok := t.Span(e)
				if !ok {
					return nil
				}
				if span.Start <= s.Offsets.Start && s.Offsets.End <= span.End {
					best = e
				}
			}
			if best == nil {
				return nil
			}
			return []Candidate{candidate(best, MethodOffsets)}
		},
	}
}

func linkStrategy(opts Options) Strategy {
	return Strategy{
		Name: "link",
		Applies: func(s *Signals) bool {
			if s.Href != "" || s.CommentType == CommentTypeLink {
				return true
			}
			for w := range words(s.ContextFold + " " + s.VisibleTextFold) {
				if _, ok := linkVocabulary[strings.Trim(w, ".,;:!?()\"'")]; ok {
					return true
				}
			}
			return false
		},
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			xrefs := t.FindByTag(opts.LinkTag)
			if len(xrefs) == 0 {
				return nil
			}
			if s.Href != "" {
				for _, x := range xrefs {
					if x.SelectAttrValue("href", "") == s.Href {
						return []Candidate{candidate(x, MethodHrefExact)}
					}
				}
			}
			if s.HasIndirection {
				for _, x := range xrefs {
					if hasIndirectDescendant(x, opts.IndirectionAttr) {
						return []Candidate{candidate(x, MethodXrefIndirection)}
					}
				}
			}
			return []Candidate{candidate(xrefs[0], MethodXrefFirst)}
		},
	}
}

func hasIndirectDescendant(e *etree.Element, attr string) bool {
	for _, c := range e.ChildElements() {
		if xmltree.HasAttr(c, attr) || hasIndirectDescendant(c, attr) {
			return true
		}
	}
	return false
}

func elementTypeStrategy() Strategy {
	return Strategy{
		Name:    "element-type",
		Applies: func(s *Signals) bool { return s.ElementType != "" },
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			elems := t.FindByTag(s.ElementType)
			if len(elems) == 0 {
				return nil
			}
			// A single element is checked too; the pick is the same but the method
			// records that the text confirmed it.
			if s.VisibleTextFold != "" {
				for _, e := range elems {
					if strings.Contains(foldedText(e), s.VisibleTextFold) {
						return []Candidate{candidate(e, MethodElementText)}
					}
				}
			}
			return []Candidate{candidate(elems[0], MethodElementFirst)}
		},
	}
}

// literalTextStrategy collects the innermost elements whose text contains the visible
// text. An element is skipped when its child elements already hold every occurrence,
// so wrappers never compete with the elements that actually carry the span. An element
// with an occurrence of its own stays a candidate next to its matching children.
func literalTextStrategy() Strategy {
	return Strategy{
		Name:         "literal-text",
		Applies:      func(s *Signals) bool { return s.VisibleTextFold != "" },
		Disambiguate: true,
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			v := s.VisibleTextFold
			counts := make(map[*etree.Element]int)
			for _, e := range t.Elements() {
				if n := strings.Count(foldedText(e), v); n > 0 {
					counts[e] = n
				}
			}

			var out []Candidate
			for _, e := range t.Elements() {
				n := counts[e]
				if n == 0 {
					continue
				}
				inChildren := 0
				for _, c := range e.ChildElements() {
					inChildren += counts[c]
				}
				if inChildren < n {
					out = append(out, candidate(e, MethodSingleText))
				}
			}
			return out
		},
	}
}

func indirectionStrategy(opts Options) Strategy {
	return Strategy{
		Name:    "indirection",
		Applies: func(s *Signals) bool { return s.HasIndirection },
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			for _, e := range t.Elements() {
				if xmltree.HasAttr(e, opts.IndirectionAttr) {
					return []Candidate{candidate(e, MethodIndirectionAttr)}
				}
			}
			return nil
		},
	}
}

func listItemStrategy(opts Options) Strategy {
	return Strategy{
		Name: "list-item",
		Applies: func(s *Signals) bool {
			for _, tag := range s.AncestorTags {
				if _, ok := listTags[tag]; ok {
					return true
				}
			}
			return false
		},
		Find: func(t *xmltree.Tree, s *Signals) []Candidate {
			items := t.FindByTag(opts.ListItemTag)
			if len(items) == 0 {
				return nil
			}
			return []Candidate{candidate(items[0], MethodListItemFallback)}
		},
	}
}

// foldedText is the whitespace-collapsed, lower-cased full text of e.
func foldedText(e *etree.Element) string {
	return strings.ToLower(CollapseSpace(xmltree.Text(e)))
}
