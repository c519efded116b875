package filter

import (
	"subscription-proxy/domain"
)

// Node is one point in the filter tree. The edge leading to a node narrows the
// match by the node's criterion; the root has none.
type Node struct {
	criterion   domain.Criterion
	subscribers map[string]struct{}
	inclusions  map[string]*Node
	exclusions  map[string]*Node
}

func newNode(c domain.Criterion) *Node {
	return &Node{
		criterion:   c,
		subscribers: map[string]struct{}{},
		inclusions:  map[string]*Node{},
		exclusions:  map[string]*Node{},
	}
}

// IsEmpty reports whether the node holds no subscribers and no children.
func (n *Node) IsEmpty() bool {
	return len(n.subscribers) == 0 && len(n.inclusions) == 0 && len(n.exclusions) == 0
}

// child returns the node at the end of the edge for c, creating it if needed.
func (n *Node) child(c domain.Criterion) *Node {
	edges := n.inclusions
	if c.Comparator == domain.Ne {
		edges = n.exclusions
	}
	key := c.Key()
	next, ok := edges[key]
	if !ok {
		next = newNode(c)
		edges[key] = next
	}
	return next
}

// remove drops id from this node and every descendant, detaching children
// that end up empty. It reports whether this node is now empty.
func (n *Node) remove(id string) bool {
	delete(n.subscribers, id)
	for key, c := range n.inclusions {
		if c.remove(id) {
			delete(n.inclusions, key)
		}
	}
	for key, c := range n.exclusions {
		if c.remove(id) {
			delete(n.exclusions, key)
		}
	}
	return n.IsEmpty()
}

// match collects subscribers of every node reachable from n along edges that
// accept doc. An inclusion edge is taken when its criterion matches; an
// exclusion edge when it does not.
func (n *Node) match(doc domain.Document, out map[string]struct{}) {
	for id := range n.subscribers {
		out[id] = struct{}{}
	}
	for _, c := range n.inclusions {
		if c.criterion.Matches(doc) {
			c.match(doc, out)
		}
	}
	for _, c := range n.exclusions {
		if !c.criterion.Matches(doc) {
			c.match(doc, out)
		}
	}
}

// reachable reports whether any subscriber sits at n or below it.
func (n *Node) reachable() bool {
	if len(n.subscribers) > 0 {
		return true
	}
	for _, c := range n.inclusions {
		if c.reachable() {
			return true
		}
	}
	for _, c := range n.exclusions {
		if c.reachable() {
			return true
		}
	}
	return false
}
