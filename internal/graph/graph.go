// Package graph holds the package dependency DAG of one analysis run and
// folds intrinsic capability sets into effective ones in topological order.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"capaudit/internal/capability"
)

var (
	// ErrCyclicDependency is returned when the dependency graph has a cycle.
	ErrCyclicDependency = errors.New("cyclic dependency detected")
	// ErrDanglingDependency is returned when a node depends on a key that
	// was never added.
	ErrDanglingDependency = errors.New("dangling dependency")
	// ErrUnknownNode is returned when an edge starts at a missing node.
	ErrUnknownNode = errors.New("unknown node")
)

// Identity is the primary key of a package: two nodes with equal keys are
// the same package.
type Identity struct {
	Name     string   `yaml:"name" json:"name"`
	Version  string   `yaml:"version,omitempty" json:"version,omitempty"`
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`
	Target   string   `yaml:"target,omitempty" json:"target,omitempty"`
}

// Key returns the canonical string form name@version[f1,f2]#target, with
// empty parts omitted and features sorted and deduplicated.
func (id Identity) Key() string {
	var b strings.Builder
	b.WriteString(id.Name)
	if id.Version != "" {
		b.WriteByte('@')
		b.WriteString(id.Version)
	}
	if feats := normalizeFeatures(id.Features); len(feats) > 0 {
		b.WriteByte('[')
		b.WriteString(strings.Join(feats, ","))
		b.WriteByte(']')
	}
	if id.Target != "" {
		b.WriteByte('#')
		b.WriteString(id.Target)
	}
	return b.String()
}

// NameVersion returns name@version, or the bare name without a version.
func (id Identity) NameVersion() string {
	if id.Version == "" {
		return id.Name
	}
	return id.Name + "@" + id.Version
}

func (id Identity) String() string { return id.Key() }

func normalizeFeatures(features []string) []string {
	out := make([]string, 0, len(features))
	for _, f := range features {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

// Node is one package in the graph.
type Node struct {
	ID        Identity
	Intrinsic capability.Set
	Effective capability.Set
	// Edge is set when the package's own analysis could not account for its
	// behavior and Intrinsic was forced to Any.
	Edge       bool
	EdgeReason string
	// Deps holds the keys of direct dependencies of every kind in insertion
	// order. Only normal edges carry capabilities.
	Deps []string
	// Reach lists how the node is reached from the roots; see ComputeReach.
	Reach []DepKind

	kinds map[string]DepKind

	Artifacts   []string
	Namespaces  []string
	BuildScript bool
}

// Key returns the node's identity key.
func (n *Node) Key() string { return n.ID.Key() }

// SetIntrinsic records the package's own capabilities. An Any set flags the
// node as an edge package explained by reason; anything narrower clears it.
func (n *Node) SetIntrinsic(caps capability.Set, reason string) {
	n.Intrinsic = caps
	n.Edge = caps.IsAny()
	n.EdgeReason = ""
	if n.Edge {
		n.EdgeReason = reason
	}
}

// Graph is an arena of nodes addressed by identity key.
type Graph struct {
	nodes map[string]*Node
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// AddNode returns the node for id, creating it if needed. added reports
// whether the node is new.
func (g *Graph) AddNode(id Identity) (n *Node, added bool) {
	id.Features = normalizeFeatures(id.Features)
	key := id.Key()
	if n, ok := g.nodes[key]; ok {
		return n, false
	}
	n = &Node{ID: id}
	g.nodes[key] = n
	return n, true
}

// AddEdge records that from depends on to as kind; an empty kind is
// DepNormal. The target need not exist yet; TopoOrder rejects dependencies
// that never appear. Adding an existing edge again as normal makes it normal.
func (g *Graph) AddEdge(from, to string, kind DepKind) error {
	n, ok := g.nodes[from]
	if !ok {
		return fmt.Errorf("graph: add edge %s -> %s: %w", from, to, ErrUnknownNode)
	}
	if kind == "" {
		kind = DepNormal
	}
	if !slices.Contains(n.Deps, to) {
		n.Deps = append(n.Deps, to)
		if kind != DepNormal {
			if n.kinds == nil {
				n.kinds = make(map[string]DepKind)
			}
			n.kinds[to] = kind
		}
		return nil
	}
	if kind == DepNormal {
		delete(n.kinds, to)
	}
	return nil
}

// Node returns the node with the given key, or nil.
func (g *Graph) Node(key string) *Node { return g.nodes[key] }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Nodes returns every node sorted by key.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// CycleError names the nodes that sit on or between dependency cycles.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("graph: %s among %s", ErrCyclicDependency, strings.Join(e.Nodes, ", "))
}

func (e *CycleError) Unwrap() error { return ErrCyclicDependency }

// TopoOrder returns the nodes with every dependency ahead of its dependents.
// Ready nodes are taken in key order so the result is deterministic.
func (g *Graph) TopoOrder() ([]*Node, error) {
	nodes := g.Nodes()
	pending := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, d := range n.Deps {
			if _, ok := g.nodes[d]; !ok {
				return nil, fmt.Errorf("graph: %s depends on %s: %w", n.Key(), d, ErrDanglingDependency)
			}
			dependents[d] = append(dependents[d], n.Key())
		}
		pending[n.Key()] = len(n.Deps)
	}

	var queue []string
	for _, n := range nodes {
		if pending[n.Key()] == 0 {
			queue = append(queue, n.Key())
		}
	}
	order := make([]*Node, 0, len(nodes))
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		order = append(order, g.nodes[key])
		for _, dep := range dependents[key] {
			if pending[dep]--; pending[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) == len(nodes) {
		return order, nil
	}
	return nil, &CycleError{Nodes: cycleMembers(g, pending)}
}

// cycleMembers trims the nodes Kahn's algorithm left behind down to those
// on a cycle, dropping dependents that merely hang off one.
func cycleMembers(g *Graph, pending map[string]int) []string {
	left := make(map[string]bool)
	for key, p := range pending {
		if p > 0 {
			left[key] = true
		}
	}
	for changed := true; changed; {
		changed = false
		needed := make(map[string]bool, len(left))
		for key := range left {
			for _, d := range g.nodes[key].Deps {
				if left[d] {
					needed[d] = true
				}
			}
		}
		for key := range left {
			if !needed[key] {
				delete(left, key)
				changed = true
			}
		}
	}
	out := make([]string, 0, len(left))
	for key := range left {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Contributors maps each capability name a node inherits ("*" for Any) to
// the sorted keys of the normal direct dependencies that brought it.
func (g *Graph) Contributors(key string) map[string][]string {
	n := g.nodes[key]
	if n == nil {
		return nil
	}
	out := make(map[string][]string)
	for _, d := range n.NormalDeps() {
		dep := g.nodes[d]
		if dep == nil {
			continue
		}
		for _, name := range dep.Effective.Inherited().Names() {
			out[name] = append(out[name], d)
		}
	}
	for name := range out {
		sort.Strings(out[name])
	}
	return out
}
