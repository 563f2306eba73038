// Package policy compares effective capability sets against an allow-list
// and reports the packages that exceed it.
package policy

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"capaudit/internal/capability"
	"capaudit/internal/graph"
)

// AllPackages is the pattern matching every package.
const AllPackages = "*"

var validate = validator.New()

// Baseline is the allowance the default policy grants every package.
var Baseline = capability.Of(capability.Alloc, capability.Panic, capability.Time)

// Rule allows Caps for every package matching one of Packages.
type Rule struct {
	Packages []string       `yaml:"packages" validate:"min=1,dive,required"`
	Caps     capability.Set `yaml:"caps"`
}

// Policy is an ordered list of rules.
type Policy struct {
	Rules []Rule `yaml:"rules" validate:"dive"`
}

// Default returns the baseline policy.
func Default() *Policy {
	return &Policy{Rules: []Rule{{Packages: []string{AllPackages}, Caps: Baseline}}}
}

// Load reads a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return p, nil
}

// Parse parses and validates policy YAML.
func Parse(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	for i, r := range p.Rules {
		for _, pat := range r.Packages {
			if _, err := path.Match(pat, ""); err != nil {
				return nil, fmt.Errorf("rule %d: package pattern %q: %w", i, pat, err)
			}
		}
	}
	return &p, nil
}

// Allowed returns the union of every rule matching id.
func (p *Policy) Allowed(id graph.Identity) capability.Set {
	allowed := capability.None
	for _, r := range p.Rules {
		for _, pat := range r.Packages {
			if Matches(pat, id) {
				allowed = allowed.Union(r.Caps)
				break
			}
		}
	}
	return allowed
}

// Matches reports whether a package pattern names id. A pattern is a name
// glob, optionally followed by "@" and a version glob that only matches
// versioned packages. A name glob ending in "/**" matches an import path
// and everything below it.
func Matches(pattern string, id graph.Identity) bool {
	if pattern == AllPackages {
		return true
	}
	namePat, versionPat, versioned := strings.Cut(pattern, "@")
	if !matchName(namePat, id.Name) {
		return false
	}
	if !versioned {
		return true
	}
	if id.Version == "" {
		return false
	}
	ok, _ := path.Match(versionPat, id.Version)
	return ok
}

func matchName(pat, name string) bool {
	prefix, ok := strings.CutSuffix(pat, "/**")
	if !ok {
		ok, _ := path.Match(pat, name)
		return ok
	}
	n := strings.Count(prefix, "/") + 1
	segs := strings.SplitN(name, "/", n+1)
	if len(segs) < n {
		return false
	}
	ok, _ = path.Match(prefix, strings.Join(segs[:n], "/"))
	return ok
}

// Evidence maps a package key to capability name to sample symbols.
type Evidence map[string]map[string][]string

// Violation is one package whose effective set exceeds its allowance.
type Violation struct {
	Package   string         `yaml:"package" json:"package"`
	Exceeding capability.Set `yaml:"exceeding" json:"exceeding"`
	Effective capability.Set `yaml:"effective" json:"effective"`
	Allowed   capability.Set `yaml:"allowed" json:"allowed"`
	// Symbols samples the package's own symbols behind each exceeding
	// capability.
	Symbols map[string][]string `yaml:"symbols,omitempty" json:"symbols,omitempty"`
	// Via names the direct dependencies that brought each exceeding
	// capability.
	Via map[string][]string `yaml:"via,omitempty" json:"via,omitempty"`
}

// Evaluate checks every node of g against p. Nodes that only run at build
// time (see graph.Node.Runtime) are skipped. Violations are sorted by
// package key. It reads g and evidence only.
func Evaluate(g *graph.Graph, p *Policy, evidence Evidence) []Violation {
	var out []Violation
	for _, n := range g.Nodes() {
		if !n.Runtime() {
			continue
		}
		allowed := p.Allowed(n.ID)
		if n.Effective.SubsetOf(allowed) {
			continue
		}
		exceeding := n.Effective.Minus(allowed)
		v := Violation{
			Package:   n.Key(),
			Exceeding: exceeding,
			Effective: n.Effective,
			Allowed:   allowed,
			Symbols:   pick(evidence[n.Key()], exceeding),
			Via:       pick(g.Contributors(n.Key()), exceeding),
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out
}

// pick keeps the entries of m whose capability is in caps. For Any every
// entry is kept.
func pick(m map[string][]string, caps capability.Set) map[string][]string {
	out := make(map[string][]string)
	for name, vals := range m {
		if len(vals) == 0 {
			continue
		}
		keep := caps.IsAny()
		if !keep && name != "*" {
			if c, err := capability.Parse(name); err == nil {
				keep = caps.Contains(c)
			}
		}
		if keep {
			out[name] = vals
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Scaffold renders a commented policy file granting baseline to every
// package.
func Scaffold(baseline capability.Set) []byte {
	var b strings.Builder
	b.WriteString(`# capaudit policy
#
# Each rule allows a set of capabilities to the packages it names. A package
# may use the union of every rule that matches it; anything more is reported
# by 'capaudit check'.
#
# Package patterns are "name" or "name@version", with * ? [...] globs.
# A * stops at "/"; end a name with "/**" to match an import path and
# everything below it, as in "github.com/acme/**".
# The pattern "*" matches every package.
#
# Capabilities:
`)
	for _, c := range capability.All() {
		fmt.Fprintf(&b, "#   %-9s %s\n", c, c.Description())
	}
	fmt.Fprintf(&b, "#   %-9s %s\n", "*", "anything at all")
	b.WriteString(`#
# Example:
#
#   - packages: ["tokio", "mio@1.*"]
#     caps: [net, thread]
`)
	caps := strings.Join(baseline.Names(), ", ")
	if baseline.IsAny() {
		caps = `"*"`
	}
	fmt.Fprintf(&b, "rules:\n  - packages: [\"*\"]\n    caps: [%s]\n", caps)
	return []byte(b.String())
}
