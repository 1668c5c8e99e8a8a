// File: internal/targeting/resolver_test.go
package targeting

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// contextWords builds n distinct filler words c01..cNN.
func contextWords(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("c%02d", i+1)
	}
	return out
}

// resolveInTree resolves obs against a fresh tree and returns the tree too, so tests
// can re-evaluate the path against the very same element objects.
func resolveInTree(t *testing.T, r *Resolver, xml string, obs Observation) (*xmltree.Tree, *Resolution, error) {
	t.Helper()
	tree, err := xmltree.Parse(xml)
	require.NoError(t, err)
	res, err := r.ResolveTree(tree, obs)
	return tree, res, err
}

// -- Scenarios --

func TestResolve_ElementTypeWithText(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><p id="p1">Old text</p></topic>`

	tree, res, err := resolveInTree(t, r, xml, Observation{VisibleText: "Old text", ElementType: "p"})
	require.NoError(t, err)

	assert.Equal(t, MethodElementText, res.Method)
	assert.Equal(t, "/topic[1]/p[1]", res.PathToTarget)
	assert.True(t, strings.HasPrefix(res.FragmentXML, "<topic>"), "fragment should include the topic wrapper")
	assert.Contains(t, res.FragmentXML, `<p id="p1">Old text</p>`)

	el, err := tree.Resolve(res.PathToTarget)
	require.NoError(t, err)
	assert.Equal(t, "p1", el.SelectAttrValue("id", ""))
}

func TestResolve_IdentifierBeatsText(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body>
		<p>Old text appears here first.</p>
		<p>See <xref data-id="42" href="https://help.sap.com/x">the guide</xref>.</p>
		<p>Old text again.</p>
	</body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{CommentID: "42", VisibleText: "Old text"})
	require.NoError(t, err)
	assert.Equal(t, MethodIdentifier, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/p[2]/xref[1]", res.PathToTarget)
}

func TestResolve_IdentifierInAnyAttribute(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><p id="abc">one</p><p otherprops="c-9">two</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{CommentID: "c-9"})
	require.NoError(t, err)
	assert.Equal(t, MethodIdentifier, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/p[2]", res.PathToTarget)
}

func TestResolve_IdentifierCanonicalAttributeFirst(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	// The id attribute on the first p holds the same value, but data-id is checked first.
	xml := `<topic><body><p id="7">one</p><p data-id="7">two</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{CommentID: "7"})
	require.NoError(t, err)
	assert.Equal(t, "/topic[1]/body[1]/p[2]", res.PathToTarget)
}

// -- Link Strategy --

func TestResolve_LinkStrategy(t *testing.T) {
	xml := `<topic><body><ul>
		<li><p><xref href="https://a.example" scope="external">A</xref></p></li>
		<li><p><xref href="https://b.example" scope="external"><pname conkeyref="lib/KEY-B"/></xref></p></li>
		<li><p><xref href="https://c.example" scope="external">C</xref></p></li>
	</ul></body></topic>`
	r := NewResolver(DefaultOptions(), nil)

	tests := []struct {
		name   string
		obs    Observation
		method string
		path   string
	}{
		{
			name:   "exact href",
			obs:    Observation{Href: "https://c.example"},
			method: MethodHrefExact,
			path:   "/topic[1]/body[1]/ul[1]/li[3]/p[1]/xref[1]",
		},
		{
			name:   "indirection child preferred when href unknown",
			obs:    Observation{Href: "https://moved.example", HasIndirection: true},
			method: MethodXrefIndirection,
			path:   "/topic[1]/body[1]/ul[1]/li[2]/p[1]/xref[1]",
		},
		{
			name:   "link vocabulary falls back to first xref",
			obs:    Observation{SurroundingContext: "This link is broken."},
			method: MethodXrefFirst,
			path:   "/topic[1]/body[1]/ul[1]/li[1]/p[1]/xref[1]",
		},
		{
			name:   "link comment type",
			obs:    Observation{CommentType: CommentTypeLink},
			method: MethodXrefFirst,
			path:   "/topic[1]/body[1]/ul[1]/li[1]/p[1]/xref[1]",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, res, err := resolveInTree(t, r, xml, tc.obs)
			require.NoError(t, err)
			assert.Equal(t, tc.method, res.Method)
			assert.Equal(t, tc.path, res.PathToTarget)
		})
	}
}

func TestResolve_LinkStrategySkippedWithoutXrefs(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><p>Check the URL settings.</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{
		VisibleText:        "URL settings",
		SurroundingContext: "Check the URL settings.",
	})
	require.NoError(t, err)
	assert.Equal(t, MethodSingleText, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
}

// -- Element Type Strategy --

func TestResolve_ElementTypeNarrowing(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><note>First note</note><note>Second <b>important</b> note</note></body></topic>`

	t.Run("narrows by visible text", func(t *testing.T) {
		_, res, err := resolveInTree(t, r, xml, Observation{ElementType: "NOTE", VisibleText: "second important"})
		require.NoError(t, err)
		assert.Equal(t, MethodElementText, res.Method)
		assert.Equal(t, "/topic[1]/body[1]/note[2]", res.PathToTarget)
	})

	t.Run("first when text does not narrow", func(t *testing.T) {
		_, res, err := resolveInTree(t, r, xml, Observation{ElementType: "note", VisibleText: "absent"})
		require.NoError(t, err)
		assert.Equal(t, MethodElementFirst, res.Method)
		assert.Equal(t, "/topic[1]/body[1]/note[1]", res.PathToTarget)
	})

	t.Run("unknown element type is ignored", func(t *testing.T) {
		_, res, err := resolveInTree(t, r, xml, Observation{ElementType: "unknown", VisibleText: "First note"})
		require.NoError(t, err)
		assert.Equal(t, MethodSingleText, res.Method)
	})
}

// -- Literal Text & Disambiguation --

func TestResolve_LiteralTextPrefersInnermost(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><p>Click   <uicontrol>Save</uicontrol> now</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{VisibleText: "click save\n now"})
	require.NoError(t, err)
	assert.Equal(t, MethodSingleText, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
}

func TestResolve_AmbiguityThreshold(t *testing.T) {
	ctx := contextWords(20)
	para := func(n int) string {
		return "<p>shared phrase " + strings.Join(ctx[:n], " ") + "</p>"
	}
	obs := Observation{VisibleText: "shared phrase", SurroundingContext: strings.Join(ctx, " ")}
	r := NewResolver(DefaultOptions(), nil)

	t.Run("scores 0.40 and 0.45 are rejected", func(t *testing.T) {
		xml := "<topic><body>" + para(8) + para(9) + "</body></topic>"
		_, _, err := resolveInTree(t, r, xml, obs)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAmbiguousMatch)
		assert.True(t, NeedsReview(err))
	})

	t.Run("score above threshold wins", func(t *testing.T) {
		xml := "<topic><body>" + para(8) + para(11) + "</body></topic>"
		_, res, err := resolveInTree(t, r, xml, obs)
		require.NoError(t, err)
		assert.Equal(t, MethodDisambiguatedText, res.Method)
		assert.Equal(t, "/topic[1]/body[1]/p[2]", res.PathToTarget)
		assert.InDelta(t, 0.55, res.Score, 1e-9)
	})

	t.Run("tie keeps document order", func(t *testing.T) {
		xml := "<topic><body>" + para(12) + para(12) + "</body></topic>"
		_, res, err := resolveInTree(t, r, xml, obs)
		require.NoError(t, err)
		assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
	})

	t.Run("later strategy rescues ambiguity", func(t *testing.T) {
		xml := "<topic><body>" + para(8) + para(9) + `<p><ph conkeyref="lib/K"/></p></body></topic>`
		rescued := obs
		rescued.HasIndirection = true
		_, res, err := resolveInTree(t, r, xml, rescued)
		require.NoError(t, err)
		assert.Equal(t, MethodIndirectionAttr, res.Method)
		assert.Equal(t, "/topic[1]/body[1]/p[3]/ph[1]", res.PathToTarget)
	})
}

func TestContextScore(t *testing.T) {
	ctx := strings.Join(contextWords(20), " ")
	assert.InDelta(t, 0.40, ContextScore(strings.Join(contextWords(8), " "), ctx), 1e-9)
	assert.InDelta(t, 0.45, ContextScore(strings.Join(contextWords(9), " "), ctx), 1e-9)
	assert.Equal(t, 0.0, ContextScore("anything", ""))
	// Duplicates and case are ignored on both sides.
	assert.InDelta(t, 1.0, ContextScore("Alpha BETA", "alpha alpha beta"), 1e-9)
}

// -- Indirection & Structural Fallbacks --

func TestResolve_IndirectionOnly(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><p>Intro</p><p>Use <ph conkeyref="loio123/PRODUCT-LONG"/> today.</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{HasIndirection: true})
	require.NoError(t, err)
	assert.Equal(t, MethodIndirectionAttr, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/p[2]/ph[1]", res.PathToTarget)
}

func TestResolve_ListItemFallback(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><ol><li>one</li><li>two</li></ol></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{AncestorPath: "div[0] > ol[3] > li[1]"})
	require.NoError(t, err)
	assert.Equal(t, MethodListItemFallback, res.Method)
	assert.Equal(t, "/topic[1]/body[1]/ol[1]/li[1]", res.PathToTarget)

	// "link" in a path must not be read as "li".
	_, _, err = resolveInTree(t, r, xml, Observation{AncestorPath: "link[0] > div[1]"})
	assert.ErrorIs(t, err, ErrTargetNotFound)
}

func TestResolve_OffsetHint(t *testing.T) {
	xml := `<topic><body><p>aaa</p><p>bbb <b>ccc</b></p></body></topic>`
	start := int64(strings.Index(xml, "bbb"))
	obs := Observation{VisibleText: "aaa", ByteOffsets: &Offsets{Start: start, End: start + 3}}

	t.Run("disabled by default", func(t *testing.T) {
		_, res, err := resolveInTree(t, NewResolver(DefaultOptions(), nil), xml, obs)
		require.NoError(t, err)
		assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
	})

	t.Run("enabled picks deepest covering element", func(t *testing.T) {
		opts := DefaultOptions()
		opts.UseOffsets = true
		_, res, err := resolveInTree(t, NewResolver(opts, nil), xml, obs)
		require.NoError(t, err)
		assert.Equal(t, MethodOffsets, res.Method)
		assert.Equal(t, "/topic[1]/body[1]/p[2]", res.PathToTarget)
	})

	t.Run("out of range offsets do not apply", func(t *testing.T) {
		opts := DefaultOptions()
		opts.UseOffsets = true
		far := Observation{VisibleText: "aaa", ByteOffsets: &Offsets{Start: 10_000, End: 10_010}}
		_, res, err := resolveInTree(t, NewResolver(opts, nil), xml, far)
		require.NoError(t, err)
		assert.Equal(t, MethodSingleText, res.Method)
	})
}

// -- Failures --

func TestResolve_Failures(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)

	t.Run("not found", func(t *testing.T) {
		_, err := r.Resolve(`<topic><p>text</p></topic>`, Observation{VisibleText: "missing words"})
		assert.ErrorIs(t, err, ErrTargetNotFound)
		assert.True(t, NeedsReview(err))
	})

	t.Run("empty observation", func(t *testing.T) {
		_, err := r.Resolve(`<topic/>`, Observation{})
		assert.ErrorIs(t, err, ErrTargetNotFound)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := r.Resolve("   ", Observation{VisibleText: "x"})
		assert.ErrorIs(t, err, ErrMalformedDocument)
		assert.False(t, NeedsReview(err))
	})

	t.Run("unclosed markup is recovered", func(t *testing.T) {
		res, err := r.Resolve(`<topic><body><p>Old text</p>`, Observation{VisibleText: "Old text"})
		require.NoError(t, err)
		assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
	})
}

// -- Properties --

func TestResolve_FragmentDepth(t *testing.T) {
	xml := `<a><b><c><d><e><f id="t">deep</f></e></d></c></b></a>`
	obs := Observation{CommentID: "t"}

	tests := []struct {
		depth    int
		rootPath string
		prefix   string
	}{
		{depth: 2, rootPath: "/a[1]/b[1]/c[1]/d[1]", prefix: "<d>"},
		{depth: 0, rootPath: "/a[1]/b[1]/c[1]/d[1]/e[1]/f[1]", prefix: `<f id="t">`},
		{depth: 5, rootPath: "/a[1]", prefix: "<a>"},
		{depth: 9, rootPath: "/a[1]", prefix: "<a>"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("k=%d", tc.depth), func(t *testing.T) {
			opts := DefaultOptions()
			opts.AncestorDepth = tc.depth
			_, res, err := resolveInTree(t, NewResolver(opts, nil), xml, obs)
			require.NoError(t, err)
			assert.Equal(t, tc.rootPath, res.FragmentPath)
			assert.Equal(t, "/a[1]/b[1]/c[1]/d[1]/e[1]/f[1]", res.PathToTarget, "path must address the target, not the ancestor")
			assert.True(t, strings.HasPrefix(res.FragmentXML, tc.prefix), res.FragmentXML)
		})
	}
}

func TestResolve_PathValidity(t *testing.T) {
	xml := `<topic><body>
		<p>alpha</p><note>beta</note><p>gamma <xref href="u">delta</xref></p>
		<ul><li>one</li><li>two <ph conkeyref="k/1"/></li></ul>
	</body></topic>`
	observations := []Observation{
		{VisibleText: "gamma"},
		{ElementType: "note"},
		{Href: "u"},
		{HasIndirection: true},
		{AncestorPath: "ul > li"},
		{VisibleText: "two"},
	}
	r := NewResolver(DefaultOptions(), nil)
	for i, obs := range observations {
		t.Run(fmt.Sprintf("observation %d", i), func(t *testing.T) {
			tree, err := xmltree.Parse(xml)
			require.NoError(t, err)
			sig := Normalize(obs)
			c, err := r.Locate(tree, &sig)
			require.NoError(t, err)

			res, err := r.ResolveTree(tree, obs)
			require.NoError(t, err)
			got, err := tree.Resolve(res.PathToTarget)
			require.NoError(t, err)
			assert.Same(t, c.Element, got)
		})
	}
}

func TestResolve_Deterministic(t *testing.T) {
	xml := `<topic><body><p>Repeat me</p><section><p>Repeat me please</p></section></body></topic>`
	obs := Observation{VisibleText: "Repeat me", SurroundingContext: "Repeat me please now"}
	r := NewResolver(DefaultOptions(), nil)

	first, err := r.Resolve(xml, obs)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := r.Resolve(xml, obs)
		require.NoError(t, err)
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("resolution changed on run %d (-first +again):\n%s", i, diff)
		}
	}
}

func TestNewResolver_Defaults(t *testing.T) {
	r := NewResolver(Options{AncestorDepth: -1}, nil)
	opts := r.Options()
	assert.Equal(t, DefaultAncestorDepth, opts.AncestorDepth)
	assert.Equal(t, DefaultConfidenceThreshold, opts.ConfidenceThreshold)
	assert.Equal(t, "data-id", opts.IdentifierAttr)
	assert.Equal(t, "conkeyref", opts.IndirectionAttr)
	assert.Equal(t, "xref", opts.LinkTag)
	assert.Equal(t, "li", opts.ListItemTag)
}

func TestNewResolver_ZeroDepthIsTargetOnly(t *testing.T) {
	xml := `<topic><body><p>Old text</p></body></topic>`
	obs := Observation{VisibleText: "Old text", ElementType: "p"}

	res, err := NewResolver(Options{}, nil).Resolve(xml, obs)
	require.NoError(t, err)
	assert.Equal(t, "<p>Old text</p>", strings.TrimSpace(res.FragmentXML))
	assert.Equal(t, res.PathToTarget, res.FragmentPath)

	res, err = NewResolver(DefaultOptions(), nil).Resolve(xml, obs)
	require.NoError(t, err)
	assert.Equal(t, "/topic[1]", res.FragmentPath)
	assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
}

func TestResolve_LiteralTextKeepsParentWithOwnOccurrence(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><body><p>alpha <b>alpha</b> beta</p></body></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{VisibleText: "alpha", SurroundingContext: "alpha alpha beta"})
	require.NoError(t, err)
	assert.Equal(t, MethodDisambiguatedText, res.Method, "p and b both carry the text")
	assert.Equal(t, "/topic[1]/body[1]/p[1]", res.PathToTarget)
	assert.InDelta(t, 1.0, res.Score, 1e-9)

	_, res, err = resolveInTree(t, r, xml, Observation{VisibleText: "alpha", SurroundingContext: "unrelated words only"})
	require.ErrorIs(t, err, ErrAmbiguousMatch)
	assert.Nil(t, res)
}

func TestResolve_RecoversFromMismatchedEndTag(t *testing.T) {
	r := NewResolver(DefaultOptions(), nil)
	xml := `<topic><p>one</p><p>two <b>bad</p><p>three</p></topic>`

	_, res, err := resolveInTree(t, r, xml, Observation{VisibleText: "three"})
	require.NoError(t, err)
	assert.Equal(t, MethodSingleText, res.Method)
	assert.Equal(t, "/topic[1]/p[3]", res.PathToTarget)
}
