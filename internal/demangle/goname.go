package demangle

import (
	"net/url"
	"strings"
)

// goPath decodes a Go linker symbol: `net.Dial`, `os.(*File).Read`,
// `gopkg.in/yaml%2ev3.Marshal`, `slices.Sort[go.shape.int]`, `type:*os.File`.
// The import path is kept as a single segment.
func goPath(name string) (Path, bool) {
	for _, prefix := range []string{"type:", "go:"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			return Path{Segments: []string{prefix[:len(prefix)-1], rest}, Scheme: SchemeGo}, true
		}
	}

	head := name
	if i := strings.IndexAny(head, "(["); i >= 0 {
		head = head[:i]
	}
	slash := strings.LastIndexByte(head, '/')
	dot := strings.IndexByte(head[slash+1:], '.')
	if dot <= 0 {
		return Path{}, false
	}
	pkgEnd := slash + 1 + dot
	pkg, rest := name[:pkgEnd], name[pkgEnd+1:]
	if !isImportPath(pkg) || rest == "" {
		return Path{}, false
	}
	if unescaped, err := url.PathUnescape(pkg); err == nil {
		pkg = unescaped
	}

	p := Path{Segments: []string{pkg}, Scheme: SchemeGo}
	var args []string
	for _, part := range splitGoSelector(rest) {
		part, a := cutTypeArgs(part)
		if a != "" {
			args = append(args, a)
		}
		part = strings.TrimSuffix(part, "-fm")
		part = strings.TrimPrefix(part, "(")
		part = strings.TrimSuffix(part, ")")
		part = strings.TrimPrefix(part, "*")
		if part != "" {
			p.Segments = append(p.Segments, part)
		}
	}
	if len(args) > 0 {
		p.Qualifier = &Qualifier{Kind: Generic, Args: strings.Join(args, ", ")}
	}
	return p, len(p.Segments) > 1
}

func isImportPath(pkg string) bool {
	c := pkg[0]
	if !(c == '_' || 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z') {
		return false
	}
	for i := 0; i < len(pkg); i++ {
		c := pkg[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		case strings.IndexByte("_-./~%", c) >= 0:
		default:
			return false
		}
	}
	return true
}

// splitGoSelector splits on '.' outside parentheses and brackets.
func splitGoSelector(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth = max(depth-1, 0)
		case '.':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// cutTypeArgs removes a bracketed instantiation list such as
// `[go.shape.int]`.
func cutTypeArgs(s string) (string, string) {
	open := strings.IndexByte(s, '[')
	if open < 0 {
		return s, ""
	}
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[:open] + s[i+1:], s[open+1 : i]
			}
		}
	}
	return s[:open], s[open+1:]
}
