// Package rules maps demangled symbol paths to capability sets through a
// human-editable rule table, defaulting to Any for anything unrecognized.
package rules

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	_ "embed"

	"gopkg.in/yaml.v3"

	"capaudit/internal/capability"
)

//go:embed default_rules.yaml
var defaultRules []byte

// ErrMalformedRule is returned when a rule entry cannot be compiled.
var ErrMalformedRule = errors.New("malformed rule")

// Rule assigns Caps to every symbol matched by one of its patterns.
type Rule struct {
	Caps     capability.Set `yaml:"caps"`
	Patterns []string       `yaml:"patterns"`
	HandleIO bool           `yaml:"handle_io,omitempty"`
}

// File is the on-disk shape of a rule table.
type File struct {
	Rules []Rule `yaml:"rules"`
}

type rawRule struct {
	Caps     []string `yaml:"caps"`
	Patterns []string `yaml:"patterns"`
	HandleIO bool     `yaml:"handle_io"`
}

type pattern struct {
	text  string
	segs  []string
	rule  int
	order int
}

// Match is the winning pattern for a path.
type Match struct {
	Rule        int
	Pattern     string
	Specificity int
	Caps        capability.Set
	HandleIO    bool
}

// Table is a compiled, immutable rule table.
type Table struct {
	rules    []Rule
	patterns []pattern
	byHead   map[string][]int
	globbed  []int
}

var defaultTable = sync.OnceValue(func() *Table {
	t, err := Parse(defaultRules, "default_rules.yaml")
	if err != nil {
		panic(err)
	}
	return t
})

// Default returns the built-in table.
func Default() *Table { return defaultTable() }

// Load reads and compiles a rule table file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read: %w", err)
	}
	return Parse(data, path)
}

// Parse compiles YAML rule table data. source names the data in errors.
func Parse(data []byte, source string) (*Table, error) {
	var raw struct {
		Rules []rawRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("rules: %s: parse: %w", source, err)
	}
	rules := make([]Rule, 0, len(raw.Rules))
	for i, r := range raw.Rules {
		caps, err := capability.ParseList(r.Caps)
		if err != nil {
			return nil, fmt.Errorf("rules: %s: rule %d: %w: %w", source, i, ErrMalformedRule, err)
		}
		rules = append(rules, Rule{Caps: caps, Patterns: r.Patterns, HandleIO: r.HandleIO})
	}
	t, err := compile(rules)
	if err != nil {
		return nil, fmt.Errorf("rules: %s: %w", source, err)
	}
	return t, nil
}

// New compiles rules into a table.
func New(rules []Rule) (*Table, error) {
	return compile(rules)
}

func compile(rules []Rule) (*Table, error) {
	t := &Table{rules: rules, byHead: make(map[string][]int)}
	for i, r := range rules {
		if len(r.Patterns) == 0 {
			return nil, fmt.Errorf("rule %d: no patterns: %w", i, ErrMalformedRule)
		}
		for _, text := range r.Patterns {
			segs, err := compilePattern(text)
			if err != nil {
				return nil, fmt.Errorf("rule %d pattern %q: %w: %w", i, text, ErrMalformedRule, err)
			}
			t.add(pattern{text: text, segs: segs, rule: i})
		}
	}
	return t, nil
}

func (t *Table) add(p pattern) {
	p.order = len(t.patterns)
	t.patterns = append(t.patterns, p)
	if isLiteral(p.segs[0]) {
		t.byHead[p.segs[0]] = append(t.byHead[p.segs[0]], p.order)
	} else {
		t.globbed = append(t.globbed, p.order)
	}
}

func compilePattern(text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty pattern")
	}
	segs := strings.Split(text, "::")
	// Symbol names lose their leading underscores when demangled.
	segs[0] = strings.TrimLeft(segs[0], "_")
	for _, seg := range segs {
		if seg == "" {
			return nil, errors.New("empty segment")
		}
		if prefix, ok := strings.CutSuffix(seg, "/**"); ok {
			if !isLiteral(prefix) {
				return nil, fmt.Errorf("segment %q: only a literal prefix may precede /**", seg)
			}
			continue
		}
		if _, err := path.Match(seg, ""); err != nil {
			return nil, fmt.Errorf("segment %q: %w", seg, err)
		}
	}
	return segs, nil
}

func isLiteral(seg string) bool {
	return !strings.ContainsAny(seg, `*?[\`)
}

// segmentMatch matches one pattern segment. "*" matches any segment and a
// trailing "/**" matches an import path and everything below it.
func segmentMatch(pat, seg string) bool {
	if pat == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pat, "/**"); ok {
		return seg == prefix || strings.HasPrefix(seg, prefix+"/")
	}
	ok, _ := path.Match(pat, seg)
	return ok
}

func (p pattern) matches(segs []string) bool {
	if len(p.segs) > len(segs) {
		return false
	}
	for i, ps := range p.segs {
		if !segmentMatch(ps, segs[i]) {
			return false
		}
	}
	return true
}

// Match returns the most specific pattern matching the leading segments of
// segs. Ties go to the pattern declared first.
func (t *Table) Match(segs []string) (Match, bool) {
	return t.match(segs, false)
}

func (t *Table) match(segs []string, skipHandleIO bool) (Match, bool) {
	if t == nil || len(segs) == 0 {
		return Match{}, false
	}
	best := -1
	consider := func(idx int) {
		p := t.patterns[idx]
		if skipHandleIO && t.rules[p.rule].HandleIO {
			return
		}
		if !p.matches(segs) {
			return
		}
		if best < 0 || len(p.segs) > len(t.patterns[best].segs) ||
			(len(p.segs) == len(t.patterns[best].segs) && p.order < t.patterns[best].order) {
			best = idx
		}
	}
	for _, idx := range t.byHead[segs[0]] {
		consider(idx)
	}
	for _, idx := range t.globbed {
		consider(idx)
	}
	if best < 0 {
		return Match{}, false
	}
	p := t.patterns[best]
	r := t.rules[p.rule]
	return Match{
		Rule:        p.rule,
		Pattern:     p.text,
		Specificity: len(p.segs),
		Caps:        r.Caps,
		HandleIO:    r.HandleIO,
	}, true
}

// Rules returns the table's rules in declaration order.
func (t *Table) Rules() []Rule {
	return append([]Rule(nil), t.rules...)
}

// Extend returns a table with extra's rules declared ahead of t's, so they
// win ties against the rules they refine.
func (t *Table) Extend(extra *Table) *Table {
	if extra == nil || len(extra.rules) == 0 {
		return t
	}
	merged, err := compile(append(extra.Rules(), t.rules...))
	if err != nil {
		// Both inputs already compiled.
		panic(err)
	}
	return merged
}

// WithNamespaces returns a derived table whose first rule maps the given
// namespaces (a package's own and its dependencies') to None. Their real
// behavior reaches the package through propagation instead.
func (t *Table) WithNamespaces(namespaces ...string) *Table {
	ns := Rule{Caps: capability.None}
	for _, n := range namespaces {
		if _, err := compilePattern(n); err == nil {
			ns.Patterns = append(ns.Patterns, n)
		}
	}
	if len(ns.Patterns) == 0 {
		return t
	}
	var rules []Rule
	if t != nil {
		rules = t.rules
	}
	derived, err := compile(append([]Rule{ns}, rules...))
	if err != nil {
		panic(err)
	}
	return derived
}

// MarshalYAML writes the table back in its file form.
func (t *Table) MarshalYAML() (any, error) {
	return File{Rules: t.rules}, nil
}
