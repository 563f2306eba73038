// Package symbol extracts symbol records from compiled artifacts (ELF, Mach-O,
// PE objects and executables, ar archives) and from Go source packages.
package symbol

import (
	"errors"
	"fmt"
)

// ErrUnsupportedFormat is returned when an artifact cannot be parsed as any
// supported container.
var ErrUnsupportedFormat = errors.New("unsupported artifact format")

// UnsupportedFormatError names the artifact that could not be parsed.
type UnsupportedFormatError struct {
	Path  string
	Cause error
}

func (e *UnsupportedFormatError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("symbol: %s: %v: %v", e.Path, ErrUnsupportedFormat, e.Cause)
	}
	return fmt.Sprintf("symbol: %s: %v", e.Path, ErrUnsupportedFormat)
}

func (e *UnsupportedFormatError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrUnsupportedFormat, e.Cause}
	}
	return []error{ErrUnsupportedFormat}
}

// Scope is the visibility of a symbol.
type Scope int

const (
	ScopeUnknown Scope = iota
	ScopeLocal
	ScopeLinkage
	ScopeDynamic
)

func (s Scope) String() string {
	switch s {
	case ScopeLocal:
		return "local"
	case ScopeLinkage:
		return "linkage"
	case ScopeDynamic:
		return "dynamic"
	}
	return "unknown"
}

// Kind is what a symbol names.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindData
	KindSection
	KindFile
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindData:
		return "data"
	case KindSection:
		return "section"
	case KindFile:
		return "file"
	case KindTLS:
		return "tls"
	}
	return "unknown"
}

// Record is one symbol found in an artifact. Defined is false for symbols
// the artifact references but expects another object to provide.
type Record struct {
	Name     string `yaml:"name" json:"name"`
	Defined  bool   `yaml:"defined" json:"defined"`
	Artifact string `yaml:"artifact" json:"artifact"`
	Scope    Scope  `yaml:"-" json:"-"`
	Kind     Kind   `yaml:"-" json:"-"`
}

// Filter selects which records a scan yields. The zero value drops
// local-scope symbols and everything that is not code.
type Filter struct {
	IncludeLocal    bool `yaml:"include_local"`
	IncludeAllKinds bool `yaml:"include_all_kinds"`
}

// Keep reports whether r passes the filter.
func (f Filter) Keep(r Record) bool {
	if r.Name == "" {
		return false
	}
	if !f.IncludeLocal && r.Scope == ScopeLocal {
		return false
	}
	if !f.IncludeAllKinds && r.Kind != KindText && r.Kind != KindUnknown {
		return false
	}
	return true
}
