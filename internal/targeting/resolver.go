// File: internal/targeting/resolver.go
package targeting

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// Options tunes the locator and the fragment builder.
type Options struct {
	// AncestorDepth is how many parents above the target the fragment starts.
	// Zero is a valid depth and makes the fragment the target itself; only a negative
	// value falls back to DefaultAncestorDepth. Start from DefaultOptions to get 2.
	AncestorDepth       int
	ConfidenceThreshold float64
	// IdentifierAttr is checked before any other attribute when matching a comment ID.
	IdentifierAttr string
	// IndirectionAttr marks elements whose content is pulled from a reusable key.
	IndirectionAttr string
	LinkTag         string
	ListItemTag     string
	// UseOffsets enables the annotation offset hint right after the identifier match.
	UseOffsets bool
}

// DefaultOptions returns the settings used for DITA topics.
func DefaultOptions() Options {
	return Options{
		AncestorDepth:       DefaultAncestorDepth,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		IdentifierAttr:      "data-id",
		IndirectionAttr:     "conkeyref",
		LinkTag:             "xref",
		ListItemTag:         "li",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.AncestorDepth < 0 {
		o.AncestorDepth = d.AncestorDepth
	}
	if o.ConfidenceThreshold <= 0 {
		o.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if o.IdentifierAttr == "" {
		o.IdentifierAttr = d.IdentifierAttr
	}
	if o.IndirectionAttr == "" {
		o.IndirectionAttr = d.IndirectionAttr
	}
	if o.LinkTag == "" {
		o.LinkTag = d.LinkTag
	}
	if o.ListItemTag == "" {
		o.ListItemTag = d.ListItemTag
	}
	return o
}

// Resolution is the result of locating a commented span.
type Resolution struct {
	FragmentXML  string  `json:"fragment_xml"`
	PathToTarget string  `json:"path_to_target"`
	FragmentPath string  `json:"fragment_path"`
	Method       string  `json:"method"`
	Score        float64 `json:"score"`
}

// Resolver runs the strategy chain. It holds no per-call state and is safe for
// concurrent use; every call parses its own tree.
type Resolver struct {
	opts   Options
	chain  []Strategy
	logger *zap.Logger
}

// NewResolver builds a resolver with the default strategy chain. A nil logger is
// replaced with a no-op logger.
func NewResolver(opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Resolver{
		opts:   opts,
		chain:  DefaultChain(opts),
		logger: logger.Named("resolver"),
	}
}

// Options returns the effective settings.
func (r *Resolver) Options() Options { return r.opts }

// Resolve parses xmlText and locates the element the observation points at.
func (r *Resolver) Resolve(xmlText string, obs Observation) (*Resolution, error) {
	tree, err := xmltree.Parse(xmlText)
	if err != nil {
		return nil, err
	}
	if tree.Recovered() {
		r.logger.Warn("XML needed recovery; resolving against the partial tree.",
			zap.String("comment_id", obs.CommentID))
	}
	return r.ResolveTree(tree, obs)
}

// ResolveTree locates the target in an already parsed tree and builds its fragment.
func (r *Resolver) ResolveTree(tree *xmltree.Tree, obs Observation) (*Resolution, error) {
	sig := Normalize(obs)
	c, err := r.Locate(tree, &sig)
	if err != nil {
		return nil, err
	}

	frag, err := BuildFragment(tree, c.Element, r.opts.AncestorDepth)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Resolved comment target.",
		zap.String("comment_id", sig.CommentID),
		zap.String("method", c.Method),
		zap.Float64("score", c.Score),
		zap.String("path", frag.PathToTarget),
	)
	return &Resolution{
		FragmentXML:  frag.XML,
		PathToTarget: frag.PathToTarget,
		FragmentPath: frag.PathToRoot,
		Method:       c.Method,
		Score:        c.Score,
	}, nil
}

// Locate walks the chain and returns the first defensible candidate.
func (r *Resolver) Locate(tree *xmltree.Tree, sig *Signals) (Candidate, error) {
	ambiguous := 0
	for _, st := range r.chain {
		if !st.Applies(sig) {
			continue
		}
		cands := st.Find(tree, sig)
		switch {
		case len(cands) == 0:
			r.logger.Debug("Strategy found nothing.", zap.String("strategy", st.Name))
			continue
		case len(cands) == 1 || !st.Disambiguate:
			return cands[0], nil
		}

		best, ok := Disambiguate(cands, sig.Context, r.opts.ConfidenceThreshold)
		if ok {
			return best, nil
		}
		ambiguous = len(cands)
		r.logger.Debug("Disambiguation below threshold; continuing.",
			zap.String("strategy", st.Name),
			zap.Int("candidates", len(cands)),
			zap.Float64("best_score", best.Score),
		)
	}
	if ambiguous > 0 {
		return Candidate{}, fmt.Errorf("%w: %d candidates for %q, none above %.2f",
			ErrAmbiguousMatch, ambiguous, sig.VisibleText, r.opts.ConfidenceThreshold)
	}
	return Candidate{}, fmt.Errorf("%w: no strategy matched comment %q", ErrTargetNotFound, sig.CommentID)
}
