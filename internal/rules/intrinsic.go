package rules

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"capaudit/internal/capability"
	"capaudit/internal/demangle"
	"capaudit/internal/symbol"
)

// EvidenceSamples is how many example symbols are kept per capability.
const EvidenceSamples = 5

// Intrinsic summarizes the symbols of one package: the union of their
// classifications plus sampled evidence for each capability.
type Intrinsic struct {
	Caps capability.Set `yaml:"caps" json:"caps"`
	// Evidence maps a capability name ("*" for Any) to sampled symbols.
	Evidence map[string][]string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	// Unmatched samples symbols no rule covered.
	Unmatched      []string `yaml:"unmatched,omitempty" json:"unmatched,omitempty"`
	UnmatchedCount int      `yaml:"unmatched_count,omitempty" json:"unmatched_count,omitempty"`
	// AnyPattern is the first rule pattern that classified a symbol as Any.
	AnyPattern string `yaml:"any_pattern,omitempty" json:"any_pattern,omitempty"`
	// Fallbacks samples names no demangling scheme recognized.
	Fallbacks     []string `yaml:"fallbacks,omitempty" json:"fallbacks,omitempty"`
	FallbackCount int      `yaml:"fallback_count,omitempty" json:"fallback_count,omitempty"`
	Symbols       int      `yaml:"symbols" json:"symbols"`
}

// AnyReason explains why Caps is Any, or returns "" when it is not.
func (in Intrinsic) AnyReason() string {
	if !in.Caps.IsAny() {
		return ""
	}
	switch {
	case in.UnmatchedCount > 0 && len(in.Unmatched) > 0:
		return fmt.Sprintf("unmatched symbol %s", in.Unmatched[0])
	case in.AnyPattern != "":
		return fmt.Sprintf("opaque symbol rule %q", in.AnyPattern)
	}
	return "capabilities cover every class"
}

// Intrinsic classifies every distinct record name and folds the results.
func (c *Classifier) Intrinsic(records []symbol.Record) Intrinsic {
	// Fixed seed: the same inputs always sample the same evidence.
	rng := rand.New(rand.NewPCG(0x5eed, 0xcafe))
	evidence := make(map[string]*reservoir)
	unmatched := &reservoir{n: EvidenceSamples, rng: rng}
	fallbacks := &reservoir{n: EvidenceSamples, rng: rng}

	in := Intrinsic{Caps: capability.None}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		in.Symbols++

		p, ok := demangle.Demangle(r.Name)
		if !ok {
			fallbacks.add(r.Name)
		}
		res := c.Classify(p)
		in.Caps = in.Caps.Union(res.Caps)

		shown := p.String()
		if res.Default {
			unmatched.add(r.Name)
		} else if res.Caps.IsAny() && in.AnyPattern == "" {
			in.AnyPattern = res.Pattern
		}
		for _, name := range res.Caps.Names() {
			sample, ok := evidence[name]
			if !ok {
				sample = &reservoir{n: EvidenceSamples, rng: rng}
				evidence[name] = sample
			}
			sample.add(shown)
		}
	}

	if len(evidence) > 0 {
		in.Evidence = make(map[string][]string, len(evidence))
		for name, sample := range evidence {
			in.Evidence[name] = sample.sorted()
		}
	}
	in.Unmatched, in.UnmatchedCount = unmatched.sorted(), unmatched.seen
	in.Fallbacks, in.FallbackCount = fallbacks.sorted(), fallbacks.seen
	return in
}

// reservoir keeps a uniform random sample of at most n items from a stream
// (Algorithm R).
type reservoir struct {
	n     int
	seen  int
	items []string
	rng   *rand.Rand
}

func (r *reservoir) add(item string) {
	r.seen++
	if len(r.items) < r.n {
		r.items = append(r.items, item)
		return
	}
	if j := r.rng.IntN(r.seen); j < r.n {
		r.items[j] = item
	}
}

func (r *reservoir) sorted() []string {
	if len(r.items) == 0 {
		return nil
	}
	out := append([]string(nil), r.items...)
	sort.Strings(out)
	return out
}
