// File: internal/targeting/fragment.go
package targeting

import (
	"fmt"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/docfix-cli/internal/xmltree"
)

// DefaultAncestorDepth is how many parent levels a fragment includes above the target.
const DefaultAncestorDepth = 2

// Fragment is the editable context cut around a resolved target.
type Fragment struct {
	// XML is the serialized ancestor subtree.
	XML string
	// PathToTarget addresses the target itself, never the ancestor.
	PathToTarget string
	// PathToRoot addresses the ancestor the fragment was cut from.
	PathToRoot string
}

// BuildFragment climbs k parents from target, stopping at the document element, and
// serializes that ancestor's subtree.
func BuildFragment(t *xmltree.Tree, target *etree.Element, k int) (Fragment, error) {
	if !t.Contains(target) {
		return Fragment{}, fmt.Errorf("target <%s> does not belong to the tree", target.FullTag())
	}
	if k < 0 {
		k = 0
	}
	anc := t.Ancestor(target, k)
	xml, err := t.Serialize(anc)
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		XML:          xml,
		PathToTarget: t.PathOf(target),
		PathToRoot:   t.PathOf(anc),
	}, nil
}
