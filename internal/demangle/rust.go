package demangle

import (
	"strconv"
	"strings"
)

var rustEscapes = map[string]string{
	"BP": "*",
	"C":  ",",
	"RF": "&",
	"LT": "<",
	"GT": ">",
	"LP": "(",
	"RP": ")",
	"SP": "@",
}

// decodeRustEscapes rewrites legacy Rust identifier escapes ($LT$, $u20$,
// `..` for `::`) into their source form.
func decodeRustEscapes(s string) string {
	// An identifier starting with '$' is emitted with a leading underscore.
	s = strings.ReplaceAll(s, "::_$", "::$")
	if strings.HasPrefix(s, "_$") {
		s = s[1:]
	}

	var b strings.Builder
	for {
		start := strings.IndexByte(s, '$')
		if start < 0 {
			break
		}
		end := strings.IndexByte(s[start+1:], '$')
		if end < 0 {
			break
		}
		b.WriteString(s[:start])
		for _, part := range strings.Split(s[start+1:start+1+end], ",") {
			b.WriteString(decodeEscape(part))
		}
		s = s[start+1+end+1:]
	}
	b.WriteString(s)

	out := strings.ReplaceAll(b.String(), " .> ", " -> ")
	return strings.ReplaceAll(out, "..", "::")
}

func decodeEscape(part string) string {
	if hex, ok := strings.CutPrefix(part, "u"); ok {
		if n, err := strconv.ParseUint(hex, 16, 32); err == nil {
			return string(rune(n))
		}
		return part
	}
	if r, ok := rustEscapes[part]; ok {
		return r
	}
	return part
}

// manualNested decodes the length-prefixed components of an `_ZN` name. The
// components must end at the nested-name terminator `E`; a length that
// overruns or misaligns the name rejects it. Bytes after the `E`, such as a
// Mach-O `$tlv$init` suffix, are ignored.
func manualNested(name string) (string, bool) {
	input, ok := strings.CutPrefix(name, "_ZN")
	if !ok {
		return "", false
	}
	var components []string
	for input != "" && isDigit(input[0]) {
		n := 0
		for n < len(input) && isDigit(input[n]) {
			n++
		}
		length, err := strconv.Atoi(input[:n])
		if err != nil || length == 0 || len(input)-n < length {
			return "", false
		}
		components = append(components, input[n:n+length])
		input = input[n+length:]
	}
	if len(components) == 0 || !strings.HasPrefix(input, "E") {
		return "", false
	}
	return strings.Join(components, "::"), true
}

func isDigit(c byte) bool { return '0' <= c && c <= '9' }
