package domain

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Comparator is the test a Criterion applies.
type Comparator string

const (
	Eq Comparator = "eq"
	Ne Comparator = "ne"
)

// Criterion is one field-path test narrowing subscriber interest.
type Criterion struct {
	Path       string
	Comparator Comparator
	Value      string
}

// Key identifies the edge the criterion occupies in a filter tree. The
// comparator is not part of the key; eq and ne edges live in separate maps.
func (c Criterion) Key() string {
	return c.Path + "=" + c.Value
}

func (c Criterion) String() string {
	if c.Comparator == Ne {
		return c.Path + ":not=" + c.Value
	}
	return c.Path + "=" + c.Value
}

// Document is a decoded JSON resource that criteria can be evaluated against.
type Document struct {
	root any
}

// ParseDocument decodes content once for repeated criterion evaluation.
func ParseDocument(content []byte) (Document, error) {
	var root any
	if err := sonic.Unmarshal(content, &root); err != nil {
		return Document{}, err
	}
	return Document{root: root}, nil
}

// Matches reports whether the value at Path equals Value, ignoring the
// comparator. Arrays along the path match if any element matches.
func (c Criterion) Matches(doc Document) bool {
	return matchPath(doc.root, strings.Split(c.Path, "."), c.Value)
}

// Holds applies the comparator: Matches for eq, its negation for ne.
func (c Criterion) Holds(doc Document) bool {
	if c.Comparator == Ne {
		return !c.Matches(doc)
	}
	return c.Matches(doc)
}

func matchPath(node any, path []string, want string) bool {
	if arr, ok := node.([]any); ok {
		for _, el := range arr {
			if matchPath(el, path, want) {
				return true
			}
		}
		return false
	}
	if len(path) == 0 {
		return matchValue(node, want)
	}
	obj, ok := node.(map[string]any)
	if !ok {
		return false
	}
	child, ok := obj[path[0]]
	if !ok {
		return false
	}
	return matchPath(child, path[1:], want)
}

func matchValue(v any, want string) bool {
	switch x := v.(type) {
	case string:
		return x == want
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64) == want
	case bool:
		return strconv.FormatBool(x) == want
	case map[string]any:
		// References and codings compare on their identifying member.
		for _, k := range []string{"reference", "code", "value"} {
			if s, ok := x[k]; ok && matchValue(s, want) {
				return true
			}
		}
	}
	return false
}

// ParseCriteria parses a subscription criteria string of the form
// "Type?path=value&other:not=value". The resource type becomes the first
// criterion. Declaration order is preserved.
func ParseCriteria(s string) ([]Criterion, error) {
	s = strings.TrimSpace(s)
	typ, query, _ := strings.Cut(s, "?")
	if typ == "" || strings.ContainsAny(typ, "/=&") {
		return nil, Errorf(KindValidation, "criteria %q must start with a resource type", s)
	}
	out := []Criterion{{Path: "resourceType", Comparator: Eq, Value: typ}}
	if query == "" {
		return out, nil
	}
	for _, part := range strings.Split(query, "&") {
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" {
			return nil, Errorf(KindValidation, "criteria term %q is not name=value", part)
		}
		var err error
		if k, err = url.QueryUnescape(k); err != nil {
			return nil, Wrap(KindValidation, err, "criteria name")
		}
		if v, err = url.QueryUnescape(v); err != nil {
			return nil, Wrap(KindValidation, err, "criteria value")
		}
		out = append(out, newCriterion(k, v))
	}
	return out, nil
}

// ParseParams turns simple search parameters into criteria. Parameters
// starting with an underscore are result controls and are skipped. Keys are
// taken in sorted order.
func ParseParams(params url.Values) []Criterion {
	keys := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "_") {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []Criterion
	for _, k := range keys {
		for _, v := range params[k] {
			out = append(out, newCriterion(k, v))
		}
	}
	return out
}

// HoldsAll reports whether every criterion holds for doc.
func HoldsAll(criteria []Criterion, doc Document) bool {
	for _, c := range criteria {
		if !c.Holds(doc) {
			return false
		}
	}
	return true
}

func newCriterion(name, value string) Criterion {
	if path, ok := strings.CutSuffix(name, ":not"); ok {
		return Criterion{Path: path, Comparator: Ne, Value: value}
	}
	return Criterion{Path: name, Comparator: Eq, Value: value}
}
