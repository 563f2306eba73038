package demangle

import "strings"

// structure splits demangled text such as
// `<std::io::Cursor<T> as std::io::Read>::read` into path segments and a
// qualifier.
func structure(text string) Path {
	if strings.HasPrefix(strings.TrimLeft(text, "_"), "<") {
		text = strings.TrimLeft(text, "_")
	}
	segs, q := qualified(text)
	return Path{Segments: segs, Qualifier: q}
}

func qualified(text string) ([]string, *Qualifier) {
	parts := splitTop(text)
	var (
		segs []string
		q    *Qualifier
		args []string
	)
	if len(parts) > 0 && isBracketed(parts[0]) {
		self, trait := splitAs(parts[0][1 : len(parts[0])-1])
		head, selfQ := selfSegments(self)
		if selfQ != nil && selfQ.Args != "" {
			args = append(args, selfQ.Args)
		}
		if trait != "" {
			traitSegs, traitArgs := stripAll(splitTop(trait))
			q = &Qualifier{Kind: TraitImpl, Trait: strings.Join(traitSegs, "::")}
			args = append(args, traitArgs...)
			if len(head) == 0 {
				head = traitSegs
			}
		}
		if len(head) == 0 {
			head = []string{parts[0]}
		}
		segs = append(segs, head...)
		parts = parts[1:]
	}
	for _, p := range parts {
		if strings.HasPrefix(p, "<") {
			// Turbofish: f::<T>.
			args = append(args, strings.TrimSuffix(strings.TrimPrefix(p, "<"), ">"))
			continue
		}
		name, a := stripGenerics(p)
		if a != "" {
			args = append(args, a)
		}
		if name != "" {
			segs = append(segs, name)
		}
	}
	if len(args) > 0 {
		if q == nil {
			q = &Qualifier{Kind: Generic}
		}
		q.Args = strings.Join(args, ", ")
	}
	return segs, q
}

// selfSegments reduces the self type of an impl to a path when it has one.
// Tuples, function pointers and the like yield no segments.
func selfSegments(t string) ([]string, *Qualifier) {
	t = strings.TrimSpace(t)
	for {
		trimmed := t
		for _, prefix := range []string{"dyn ", "impl ", "&mut ", "&", "*const ", "*mut ", "mut "} {
			trimmed = strings.TrimPrefix(trimmed, prefix)
		}
		if trimmed == t {
			break
		}
		t = strings.TrimSpace(trimmed)
	}
	switch {
	case t == "":
		return nil, nil
	case strings.HasPrefix(t, "["):
		inner := strings.TrimSuffix(t[1:], "]")
		if i := indexTop(inner, ";"); i >= 0 {
			inner = inner[:i]
		}
		return selfSegments(inner)
	case strings.HasPrefix(t, "("), strings.HasPrefix(t, "fn("), strings.HasPrefix(t, "extern "), strings.HasPrefix(t, "unsafe "):
		return nil, nil
	}
	return qualified(t)
}

func isBracketed(seg string) bool {
	if len(seg) < 2 || seg[0] != '<' || seg[len(seg)-1] != '>' {
		return false
	}
	return matchingClose(seg, 0) == len(seg)-1
}

// splitAs splits `T as Trait` at its top-level " as ".
func splitAs(s string) (self, trait string) {
	if i := indexTop(s, " as "); i >= 0 {
		return s[:i], s[i+len(" as "):]
	}
	return s, ""
}

func stripAll(parts []string) ([]string, []string) {
	var segs, args []string
	for _, p := range parts {
		name, a := stripGenerics(p)
		if a != "" {
			args = append(args, a)
		}
		if name != "" {
			segs = append(segs, name)
		}
	}
	return segs, args
}

// stripGenerics removes top-level <...> groups from a segment and returns
// their contents.
func stripGenerics(seg string) (string, string) {
	if strings.HasPrefix(seg, "operator") || !strings.Contains(seg, "<") {
		return seg, ""
	}
	var name strings.Builder
	var args []string
	for i := 0; i < len(seg); i++ {
		if seg[i] != '<' {
			name.WriteByte(seg[i])
			continue
		}
		end := matchingClose(seg, i)
		if end < 0 {
			name.WriteString(seg[i:])
			break
		}
		args = append(args, strings.TrimSpace(seg[i+1:end]))
		i = end
	}
	return strings.TrimSpace(name.String()), strings.Join(args, ", ")
}

// matchingClose returns the index of the bracket closing the one at open,
// or -1.
func matchingClose(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '<', '(', '[', '{':
			depth++
		case '>':
			if i > 0 && s[i-1] == '-' {
				continue
			}
			depth--
		case ')', ']', '}':
			depth--
		}
		if depth == 0 {
			return i
		}
	}
	return -1
}

// splitTop splits s on "::" outside any bracket pair.
func splitTop(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '(', '[', '{':
			depth++
		case '>':
			if i > 0 && s[i-1] == '-' {
				continue
			}
			depth = max(depth-1, 0)
		case ')', ']', '}':
			depth = max(depth-1, 0)
		case ':':
			if depth == 0 && i+1 < len(s) && s[i+1] == ':' {
				parts = append(parts, s[start:i])
				start = i + 2
				i++
			}
		}
	}
	parts = append(parts, s[start:])
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// indexTop is strings.Index restricted to depth zero.
func indexTop(s, sub string) int {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '<', '(', '[', '{':
			depth++
			continue
		case '>':
			if i == 0 || s[i-1] != '-' {
				depth = max(depth-1, 0)
			}
			continue
		case ')', ']', '}':
			depth = max(depth-1, 0)
			continue
		}
		if depth == 0 && strings.HasPrefix(s[i:], sub) {
			return i
		}
	}
	return -1
}
