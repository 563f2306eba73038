package graph

import (
	"fmt"
	"slices"
)

// DepKind says how a dependent uses a dependency.
type DepKind string

const (
	// DepNormal is linked into the dependent.
	DepNormal DepKind = "normal"
	// DepBuild is compiled for and run by the dependent's build script.
	DepBuild DepKind = "build"
	// DepDev is only used by the dependent's tests, examples and benchmarks.
	DepDev DepKind = "dev"
	// DepProcMacro is loaded by the compiler while building the dependent.
	DepProcMacro DepKind = "proc-macro"
)

// DepKinds lists every kind in display order.
var DepKinds = []DepKind{DepNormal, DepBuild, DepDev, DepProcMacro}

// ParseDepKind parses a kind name. The empty string means DepNormal.
func ParseDepKind(s string) (DepKind, error) {
	if s == "" {
		return DepNormal, nil
	}
	k := DepKind(s)
	if !slices.Contains(DepKinds, k) {
		return "", fmt.Errorf("graph: unknown dependency kind %q", s)
	}
	return k, nil
}

// Kind returns the kind of the edge from n to dep. Edges added without a
// kind, and missing edges, are normal.
func (n *Node) Kind(dep string) DepKind {
	if k, ok := n.kinds[dep]; ok {
		return k
	}
	return DepNormal
}

// NormalDeps returns the dependencies linked into n.
func (n *Node) NormalDeps() []string {
	out := make([]string, 0, len(n.Deps))
	for _, d := range n.Deps {
		if n.Kind(d) == DepNormal {
			out = append(out, d)
		}
	}
	return out
}

// Runtime reports whether n is reached from a root through normal edges
// only, so its code runs on users' machines. Nodes whose reach was never
// computed count as runtime.
func (n *Node) Runtime() bool {
	return len(n.Reach) == 0 || slices.Contains(n.Reach, DepNormal)
}

// reachVia is the kind a dependency is reached as, given the edge kind and
// the way its dependent is reached.
func reachVia(edge, dependent DepKind) DepKind {
	switch {
	case dependent == DepProcMacro:
		return DepProcMacro
	case edge == DepNormal:
		return dependent
	}
	return edge
}

// ComputeReach sets every node's Reach: the kinds of path from a root (a
// node nothing depends on) to it. Roots are reached as DepNormal.
func (g *Graph) ComputeReach() error {
	order, err := g.TopoOrder()
	if err != nil {
		return err
	}
	reach := make(map[string]map[DepKind]bool, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		n := order[i]
		kinds := reach[n.Key()]
		if len(kinds) == 0 {
			kinds = map[DepKind]bool{DepNormal: true}
		}
		n.Reach = n.Reach[:0]
		for _, k := range DepKinds {
			if kinds[k] {
				n.Reach = append(n.Reach, k)
			}
		}
		for _, d := range n.Deps {
			if reach[d] == nil {
				reach[d] = make(map[DepKind]bool)
			}
			for k := range kinds {
				reach[d][reachVia(n.Kind(d), k)] = true
			}
		}
	}
	return nil
}
