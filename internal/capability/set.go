package capability

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	allBits uint16 = 1<<numCapabilities - 1
	anyBit  uint16 = 1 << 15
)

// Set is an immutable set of capabilities. The zero value is None.
//
// A set collapses to Any whenever it would hold every enumerated capability,
// and Any absorbs everything it is joined with.
type Set struct {
	bits uint16
}

var (
	// None is the empty set, the identity of Union.
	None = Set{}
	// Any is the universal set, absorbing under Union.
	Any = Set{bits: anyBit}
)

// Of builds a set from individual capabilities.
func Of(caps ...Capability) Set {
	var bits uint16
	for _, c := range caps {
		if c < numCapabilities {
			bits |= 1 << c
		}
	}
	return normalize(bits)
}

func normalize(bits uint16) Set {
	if bits&anyBit != 0 || bits&allBits == allBits {
		return Any
	}
	return Set{bits: bits & allBits}
}

// IsAny reports whether s is the universal set.
func (s Set) IsAny() bool { return s.bits&anyBit != 0 }

// IsEmpty reports whether s is None.
func (s Set) IsEmpty() bool { return s.bits == 0 }

// Contains reports whether c is in s. Any contains everything.
func (s Set) Contains(c Capability) bool {
	return s.IsAny() || (c < numCapabilities && s.bits&(1<<c) != 0)
}

// Union returns s ∪ o.
func (s Set) Union(o Set) Set {
	if s.IsAny() || o.IsAny() {
		return Any
	}
	return normalize(s.bits | o.bits)
}

// With returns s ∪ {c}.
func (s Set) With(c Capability) Set { return s.Union(Of(c)) }

// Minus returns the members of s not in o. Removing anything from Any, other
// than Any itself, leaves Any: the universal set has no finite remainder.
func (s Set) Minus(o Set) Set {
	if o.IsAny() {
		return None
	}
	if s.IsAny() {
		return Any
	}
	return Set{bits: s.bits &^ o.bits}
}

// Inherited is the part of s a dependent picks up through propagation.
func (s Set) Inherited() Set {
	if s.IsAny() {
		return Any
	}
	bits := s.bits
	for _, c := range All() {
		if !c.Contagious() {
			bits &^= 1 << c
		}
	}
	return Set{bits: bits}
}

// SubsetOf reports whether every member of s is in o.
func (s Set) SubsetOf(o Set) bool {
	if o.IsAny() {
		return true
	}
	if s.IsAny() {
		return false
	}
	return s.bits&^o.bits == 0
}

// Equal reports whether s and o hold the same members.
func (s Set) Equal(o Set) bool { return s.bits == o.bits }

// Slice returns the members of s in declaration order. Any yields every
// enumerated capability.
func (s Set) Slice() []Capability {
	if s.IsAny() {
		return All()
	}
	var out []Capability
	for _, c := range All() {
		if s.bits&(1<<c) != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Names returns the canonical member names, or ["*"] for Any.
func (s Set) Names() []string {
	if s.IsAny() {
		return []string{"*"}
	}
	caps := s.Slice()
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = c.String()
	}
	return out
}

func (s Set) String() string {
	switch {
	case s.IsAny():
		return "*"
	case s.IsEmpty():
		return "none"
	}
	return strings.Join(s.Names(), ", ")
}

// ParseList parses a list of names into a set. "*" and "any" mean Any;
// "none" contributes nothing.
func ParseList(list []string) (Set, error) {
	var s Set
	for _, name := range list {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "*", "any":
			return Any, nil
		case "none", "":
			continue
		}
		c, err := Parse(name)
		if err != nil {
			return None, err
		}
		s = s.With(c)
	}
	return s, nil
}

// ParseCSV parses a comma-separated list such as "net, fs".
func ParseCSV(csv string) (Set, error) {
	if strings.TrimSpace(csv) == "" {
		return None, nil
	}
	return ParseList(strings.Split(csv, ","))
}

// MarshalYAML encodes s as a flow sequence of names.
func (s Set) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
	for _, n := range s.Names() {
		node.Content = append(node.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: n})
	}
	return node, nil
}

// UnmarshalYAML accepts a sequence of names or a single scalar.
func (s *Set) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	switch value.Kind {
	case yaml.ScalarNode:
		list = []string{value.Value}
	case yaml.SequenceNode:
		if err := value.Decode(&list); err != nil {
			return err
		}
	default:
		return fmt.Errorf("capability: line %d: expected a list of capabilities", value.Line)
	}
	parsed, err := ParseList(list)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = parsed
	return nil
}

// MarshalJSON encodes s as an array of names.
func (s Set) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// UnmarshalJSON decodes an array of names.
func (s *Set) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	parsed, err := ParseList(list)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
