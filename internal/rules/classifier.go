package rules

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"capaudit/internal/capability"
	"capaudit/internal/demangle"
)

// DefaultCacheSize bounds the number of memoized path classifications.
const DefaultCacheSize = 1 << 16

// Result is the classification of one path. Default is set when no rule
// matched and Caps fell back to Any.
type Result struct {
	Caps     capability.Set
	Rule     int
	Pattern  string
	HandleIO bool
	Default  bool
}

type cachedMatch struct {
	m  Match
	ok bool
}

// Classifier classifies demangled paths against a table. It is safe for
// concurrent use; package-scoped views made with ForPackage share its cache.
type Classifier struct {
	base           *Table
	scope          *Table
	chargeHandleIO bool
	cacheSize      int
	cache          *lru.Cache[string, cachedMatch]
}

// ClassifierOption configures NewClassifier.
type ClassifierOption func(*Classifier)

// WithChargeHandleIO makes handle_io rules inert: operations on an open
// handle fall back to their enclosing rule, or to Any.
func WithChargeHandleIO(charge bool) ClassifierOption {
	return func(c *Classifier) { c.chargeHandleIO = charge }
}

// WithCacheSize sets the LRU size. Values below 1 use DefaultCacheSize.
func WithCacheSize(n int) ClassifierOption {
	return func(c *Classifier) { c.cacheSize = n }
}

// NewClassifier returns a classifier over t.
func NewClassifier(t *Table, opts ...ClassifierOption) (*Classifier, error) {
	c := &Classifier{base: t, cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(c)
	}
	if c.cacheSize < 1 {
		c.cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, cachedMatch](c.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("rules: cache: %w", err)
	}
	c.cache = cache
	return c, nil
}

// ForPackage returns a view of c that also treats the given namespaces as
// None, exactly as if the table had been derived with WithNamespaces.
func (c *Classifier) ForPackage(namespaces ...string) *Classifier {
	view := *c
	view.scope = (*Table)(nil).WithNamespaces(namespaces...)
	return &view
}

// Classify returns the capabilities of the symbol at p.
func (c *Classifier) Classify(p demangle.Path) Result {
	base, baseOK := c.baseMatch(p)
	scoped, scopedOK := c.scope.match(p.Segments, c.chargeHandleIO)

	m, ok := base, baseOK
	// Namespace rules are declared first, so they win ties.
	if scopedOK && (!baseOK || scoped.Specificity >= base.Specificity) {
		m, ok = scoped, true
	}
	if !ok {
		return Result{Caps: capability.Any, Rule: -1, Default: true}
	}
	return Result{
		Caps:     m.Caps,
		Rule:     m.Rule,
		Pattern:  m.Pattern,
		HandleIO: m.HandleIO,
	}
}

func (c *Classifier) baseMatch(p demangle.Path) (Match, bool) {
	key := p.String()
	if hit, ok := c.cache.Get(key); ok {
		return hit.m, hit.ok
	}
	m, ok := c.base.match(p.Segments, c.chargeHandleIO)
	c.cache.Add(key, cachedMatch{m: m, ok: ok})
	return m, ok
}
