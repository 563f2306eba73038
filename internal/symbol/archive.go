package symbol

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	arMagic      = "!<arch>\n"
	arHeaderSize = 60
)

// archive walks the members of a Unix ar archive (.a, .rlib, .lib) without
// reading them into memory. Both the GNU ("//" long-name table, "/N"
// references) and BSD ("#1/N" inline names) naming variants are handled.
type archive struct {
	r         io.ReaderAt
	size      int64
	off       int64
	longNames []byte
}

type member struct {
	Name string
	Data *io.SectionReader
}

func newArchive(r io.ReaderAt, size int64) *archive {
	return &archive{r: r, size: size, off: int64(len(arMagic))}
}

// next returns the following member, or io.EOF after the last one.
// Symbol tables and the long-name table are consumed internally but still
// returned so callers see every entry.
func (a *archive) next() (member, error) {
	if a.off >= a.size {
		return member{}, io.EOF
	}
	var hdr [arHeaderSize]byte
	if _, err := a.r.ReadAt(hdr[:], a.off); err != nil {
		if err == io.EOF && a.off+1 >= a.size {
			// Trailing pad byte.
			return member{}, io.EOF
		}
		return member{}, fmt.Errorf("symbol: archive header at %d: %w", a.off, err)
	}
	if string(hdr[58:60]) != "`\n" {
		return member{}, fmt.Errorf("symbol: archive header at %d: bad terminator", a.off)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(hdr[48:58])), 10, 64)
	if err != nil || size < 0 {
		return member{}, fmt.Errorf("symbol: archive header at %d: bad size %q", a.off, hdr[48:58])
	}

	dataOff := a.off + arHeaderSize
	if dataOff+size > a.size {
		return member{}, fmt.Errorf("symbol: archive member at %d: truncated", a.off)
	}
	a.off = dataOff + size + size%2

	raw := strings.TrimRight(string(hdr[0:16]), " ")
	name := raw
	switch {
	case raw == "//":
		a.longNames = make([]byte, size)
		if _, err := a.r.ReadAt(a.longNames, dataOff); err != nil {
			return member{}, fmt.Errorf("symbol: archive long names: %w", err)
		}
	case raw == "/" || raw == "/SYM64/":
		// Symbol index.
	case strings.HasPrefix(raw, "#1/"):
		n, err := strconv.ParseInt(raw[3:], 10, 64)
		if err != nil || n > size {
			return member{}, fmt.Errorf("symbol: archive member at %d: bad BSD name %q", dataOff-arHeaderSize, raw)
		}
		buf := make([]byte, n)
		if _, err := a.r.ReadAt(buf, dataOff); err != nil {
			return member{}, fmt.Errorf("symbol: archive BSD name: %w", err)
		}
		name = string(bytes.TrimRight(buf, "\x00"))
		dataOff += n
		size -= n
	case strings.HasPrefix(raw, "/") && len(raw) > 1:
		idx, err := strconv.Atoi(raw[1:])
		if err != nil || idx >= len(a.longNames) {
			return member{}, fmt.Errorf("symbol: archive member at %d: bad long name %q", dataOff-arHeaderSize, raw)
		}
		end := bytes.IndexByte(a.longNames[idx:], '\n')
		if end < 0 {
			end = len(a.longNames) - idx
		}
		name = strings.TrimSuffix(string(a.longNames[idx:idx+end]), "/")
	default:
		name = strings.TrimSuffix(raw, "/")
	}
	return member{Name: name, Data: io.NewSectionReader(a.r, dataOff, size)}, nil
}

// skipMember reports whether a member can never hold object code.
func skipMember(name string) bool {
	switch name {
	case "/", "//", "/SYM64/", "__.SYMDEF", "__.SYMDEF SORTED", "__.SYMDEF_64", "lib.rmeta", "rust.metadata.bin":
		return true
	}
	return strings.HasSuffix(name, ".rmeta")
}
