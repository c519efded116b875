// Package filter indexes subscribers by their match criteria so that finding
// the subscribers interested in a record walks a tree instead of scanning
// every subscription.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"subscription-proxy/domain"
)

// Order controls how a subscriber's criteria are laid out along the tree.
type Order int

const (
	// OrderAsDeclared keeps criteria in the order the subscription declared
	// them. Duplicates are kept.
	OrderAsDeclared Order = iota
	// OrderCanonical sorts criteria and collapses duplicates, so equivalent
	// subscriptions share nodes regardless of how they were written.
	OrderCanonical
)

func (o Order) String() string {
	if o == OrderCanonical {
		return "canonical"
	}
	return "declared"
}

// ParseOrder reads an Order from its String form.
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "declared":
		return OrderAsDeclared, nil
	case "canonical":
		return OrderCanonical, nil
	}
	return OrderAsDeclared, fmt.Errorf("unknown filter order %q", s)
}

// Option configures an Index.
type Option func(*Index)

// WithOrder sets the criterion ordering policy.
func WithOrder(o Order) Option {
	return func(ix *Index) { ix.order = o }
}

// Index is the concurrency-safe filter tree. Insert and Remove hold the write
// lock for their whole duration, so a Match never sees a partial prune.
type Index struct {
	mu     sync.RWMutex
	root   *Node
	order  Order
	placed map[string]*domain.Subscriber
}

// NewIndex returns an empty index.
func NewIndex(opts ...Option) *Index {
	ix := &Index{
		root:   newNode(domain.Criterion{}),
		placed: map[string]*domain.Subscriber{},
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Order returns the ordering policy in effect.
func (ix *Index) Order() Order { return ix.order }

// Insert places sub at the node reached by walking its criteria. A subscriber
// already in the index is moved.
func (ix *Index) Insert(sub *domain.Subscriber) {
	if sub == nil || sub.ID == "" {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if _, ok := ix.placed[sub.ID]; ok {
		ix.root.remove(sub.ID)
	}
	n := ix.root
	for _, c := range ix.arrange(sub.Criteria) {
		n = n.child(c)
	}
	n.subscribers[sub.ID] = struct{}{}
	ix.placed[sub.ID] = sub
}

// Remove drops the subscriber and prunes every node left empty. It reports
// whether the whole index is now empty.
func (ix *Index) Remove(id string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.placed, id)
	return ix.root.remove(id)
}

// Match returns the sorted ids of subscribers interested in content.
func (ix *Index) Match(content []byte) ([]string, error) {
	doc, err := domain.ParseDocument(content)
	if err != nil {
		return nil, err
	}
	return ix.MatchDocument(doc), nil
}

// MatchDocument is Match for an already decoded document.
func (ix *Index) MatchDocument(doc domain.Document) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	found := map[string]struct{}{}
	ix.root.match(doc, found)
	ids := make([]string, 0, len(found))
	for id := range found {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MatchSubscribers returns the subscribers interested in doc, ordered by id.
func (ix *Index) MatchSubscribers(doc domain.Document) []*domain.Subscriber {
	ids := ix.MatchDocument(doc)

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*domain.Subscriber, 0, len(ids))
	for _, id := range ids {
		if sub, ok := ix.placed[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}

// Get returns the subscriber registered under id.
func (ix *Index) Get(id string) (*domain.Subscriber, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	sub, ok := ix.placed[id]
	return sub, ok
}

// IsEmpty reports whether the root holds nothing.
func (ix *Index) IsEmpty() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.root.IsEmpty()
}

// Len is the number of subscribers in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.placed)
}

// Walk visits every node depth first, inclusions before exclusions, with the
// criteria leading to it and its subscriber ids. Edges are visited in key order.
func (ix *Index) Walk(fn func(path []domain.Criterion, n *Node, subscribers []string)) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	walk(ix.root, nil, fn)
}

func walk(n *Node, path []domain.Criterion, fn func([]domain.Criterion, *Node, []string)) {
	ids := make([]string, 0, len(n.subscribers))
	for id := range n.subscribers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fn(path, n, ids)
	for _, edges := range []map[string]*Node{n.inclusions, n.exclusions} {
		keys := make([]string, 0, len(edges))
		for k := range edges {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := edges[k]
			walk(c, append(append([]domain.Criterion(nil), path...), c.criterion), fn)
		}
	}
}

func (ix *Index) arrange(criteria []domain.Criterion) []domain.Criterion {
	if ix.order != OrderCanonical {
		return criteria
	}
	out := append([]domain.Criterion(nil), criteria...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	dedup := out[:0]
	for _, c := range out {
		if len(dedup) > 0 && c == dedup[len(dedup)-1] {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}
