// Package demangle turns raw linker symbol names into structured paths
// (`std::net::TcpStream::connect`, `net::Dial`, `open`) that the rule table can
// match segment by segment.
package demangle

import (
	"strings"

	"github.com/ianlancetaylor/demangle"
)

// Scheme records which mangling convention a name was decoded from.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeC
	SchemeItanium
	SchemeRustLegacy
	SchemeRustV0
	SchemeGo
)

func (s Scheme) String() string {
	switch s {
	case SchemeC:
		return "c"
	case SchemeItanium:
		return "itanium"
	case SchemeRustLegacy:
		return "rust-legacy"
	case SchemeRustV0:
		return "rust-v0"
	case SchemeGo:
		return "go"
	}
	return "unknown"
}

// QualifierKind distinguishes generic instantiations from trait impls.
type QualifierKind int

const (
	Generic QualifierKind = iota
	TraitImpl
)

// Qualifier carries the parts of a demangled name that are not path
// segments: generic arguments and, for `<T as Trait>::f`, the trait.
type Qualifier struct {
	Kind  QualifierKind
	Trait string
	Args  string
}

// Path is a demangled symbol name.
type Path struct {
	Segments  []string
	Qualifier *Qualifier
	Scheme    Scheme
}

func (p Path) String() string {
	return strings.Join(p.Segments, "::")
}

// Demangle decodes raw into a Path. The second result is false when no
// scheme recognized the name; the path then holds raw as its only segment.
// Demangle never fails and is deterministic.
func Demangle(raw string) (Path, bool) {
	fallback := Path{Segments: []string{raw}}
	name := strings.TrimSpace(raw)
	if name == "" {
		return fallback, false
	}
	// ELF symbol versions: memcpy@GLIBC_2.14, memcpy@@GLIBC_2.2.5.
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}

	mangled := name
	if strings.HasPrefix(mangled, "__Z") || strings.HasPrefix(mangled, "__R") {
		// Mach-O prepends an underscore to every C-level name.
		mangled = mangled[1:]
	}

	switch {
	case strings.HasPrefix(mangled, "_Z"):
		if p, ok := itanium(mangled); ok {
			return p, true
		}
		return fallback, false
	case isRustV0(mangled):
		if text, err := demangle.ToString(mangled, demangle.NoParams, demangle.NoClones); err == nil {
			if p, ok := nonEmpty(finish(structure(text), SchemeRustV0)); ok {
				return p, true
			}
		}
	}

	if p, ok := goPath(name); ok {
		return p, true
	}

	if c := strings.TrimLeft(name, "_"); isCIdent(c) {
		return Path{Segments: []string{c}, Scheme: SchemeC}, true
	}
	return fallback, false
}

func itanium(mangled string) (Path, bool) {
	scheme := SchemeItanium
	text, ok := "", false
	if looksRustLegacy(mangled) {
		scheme = SchemeRustLegacy
		// Legacy components are exact length-prefixed byte strings; the
		// Itanium reader takes the `_` of `6_print` as a separator.
		text, ok = manualNested(mangled)
	}
	if !ok {
		var err error
		text, err = demangle.ToString(mangled, demangle.NoParams, demangle.NoClones)
		if err != nil {
			return Path{}, false
		}
	}
	text = specialName(text)
	if scheme == SchemeRustLegacy || strings.Contains(text, "$") {
		text = decodeRustEscapes(text)
	}
	return nonEmpty(finish(structure(text), scheme))
}

// nonEmpty rejects a decoded path with no segments or an empty one.
func nonEmpty(p Path) (Path, bool) {
	if len(p.Segments) == 0 {
		return Path{}, false
	}
	for _, seg := range p.Segments {
		if seg == "" {
			return Path{}, false
		}
	}
	return p, true
}

// isRustV0 reports whether name is a Rust v0 symbol: `_R`, an optional
// encoding version, then a path tag.
func isRustV0(name string) bool {
	if !strings.HasPrefix(name, "_R") || len(name) < 3 {
		return false
	}
	rest := strings.TrimLeft(name[2:], "0123456789")
	return rest != "" && strings.ContainsRune("CMXYNIB", rune(rest[0]))
}

func looksRustLegacy(name string) bool {
	if strings.Contains(name, "$") {
		return true
	}
	// Legacy Rust ends every path with a 17-byte hash segment: 17h<16 hex>E.
	i := strings.LastIndex(name, "17h")
	if i < 0 || len(name) < i+3+16+1 {
		return false
	}
	return isHex(name[i+3:i+3+16]) && name[i+3+16] == 'E'
}

// cxxSpecial lists Itanium special-name prefixes whose subject is the
// interesting path.
var cxxSpecial = []string{
	"construction vtable for ",
	"typeinfo name for ",
	"typeinfo for ",
	"vtable for ",
	"VTT for ",
	"guard variable for ",
	"TLS init function for ",
	"TLS wrapper function for ",
	"non-virtual thunk to ",
	"virtual thunk to ",
	"covariant return thunk to ",
}

func specialName(text string) string {
	for _, prefix := range cxxSpecial {
		if rest, ok := strings.CutPrefix(text, prefix); ok {
			return rest
		}
	}
	return text
}

// finish applies the cleanups shared by every mangled scheme.
func finish(p Path, scheme Scheme) Path {
	p.Scheme = scheme
	for i, seg := range p.Segments {
		// Rust v0 crate disambiguators: mycrate[4d2].
		if open := strings.LastIndexByte(seg, '['); open > 0 && strings.HasSuffix(seg, "]") && isHex(seg[open+1:len(seg)-1]) {
			p.Segments[i] = seg[:open]
		}
	}
	if n := len(p.Segments); n > 1 && isRustHash(p.Segments[n-1]) {
		p.Segments = p.Segments[:n-1]
	}
	if len(p.Segments) > 0 {
		p.Segments[0] = strings.TrimLeft(p.Segments[0], "_")
		if p.Segments[0] == "" {
			p.Segments = p.Segments[1:]
		}
	}
	return p
}

func isRustHash(seg string) bool {
	return len(seg) == 17 && seg[0] == 'h' && isHex(seg[1:])
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func isCIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_', 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z':
		case '0' <= c && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
