package symbol

import (
	"bytes"
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// Option configures Open.
type Option func(*Scanner)

// WithFilter replaces the default record filter.
func WithFilter(f Filter) Option {
	return func(s *Scanner) { s.filter = f }
}

// Scanner is a lazy, non-restartable sequence of records from one artifact.
// Archive members are parsed one at a time as the sequence advances.
//
//	sc, err := symbol.Open(path)
//	...
//	defer sc.Close()
//	for sc.Scan() {
//		rec := sc.Record()
//	}
//	if err := sc.Err(); err != nil { ... }
type Scanner struct {
	path   string
	filter Filter
	file   *os.File
	next   func() ([]Record, error)

	buf  []Record
	cur  Record
	err  error
	done bool
}

// Open prepares a scan of the artifact at path. The container type is
// detected from its leading bytes; anything unrecognized yields an
// *UnsupportedFormatError.
func Open(path string, opts ...Option) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("symbol: open: %w", err)
	}
	s := &Scanner{path: path, file: f}
	for _, opt := range opts {
		opt(s)
	}

	var magic [8]byte
	n, _ := io.ReadFull(f, magic[:])
	head := magic[:n]

	switch {
	case bytes.Equal(head, []byte(arMagic)):
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("symbol: stat: %w", err)
		}
		ar := newArchive(f, st.Size())
		s.next = func() ([]Record, error) { return s.nextMember(ar) }
	default:
		recs, err := objectSymbols(f, path)
		if err != nil {
			f.Close()
			return nil, err
		}
		s.next = func() ([]Record, error) {
			s.next = nil
			return recs, nil
		}
	}
	return s, nil
}

// Scan advances to the next record that passes the filter.
func (s *Scanner) Scan() bool {
	if s.done {
		return false
	}
	for {
		for len(s.buf) > 0 {
			r := s.buf[0]
			s.buf = s.buf[1:]
			if s.filter.Keep(r) {
				s.cur = r
				return true
			}
		}
		if s.next == nil {
			s.done = true
			return false
		}
		batch, err := s.next()
		if err == io.EOF {
			s.done = true
			return false
		}
		if err != nil {
			s.err = err
			s.done = true
			return false
		}
		s.buf = batch
	}
}

// Record returns the record produced by the last successful Scan.
func (s *Scanner) Record() Record { return s.cur }

// Err returns the first error encountered during the scan.
func (s *Scanner) Err() error { return s.err }

// Close releases the underlying file.
func (s *Scanner) Close() error {
	s.done = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Scanner) nextMember(ar *archive) ([]Record, error) {
	for {
		m, err := ar.next()
		if err != nil {
			return nil, err
		}
		if skipMember(m.Name) {
			continue
		}
		artifact := s.path + "(" + m.Name + ")"
		var magic [4]byte
		if _, err := m.Data.ReadAt(magic[:], 0); err != nil {
			return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
		}
		if !isObjectMagic(magic[:]) {
			// LLVM bitcode, Go export data and anything else we cannot read
			// would hide its imports.
			return nil, &UnsupportedFormatError{Path: artifact, Cause: errNotObject}
		}
		return objectSymbols(m.Data, artifact)
	}
}

// ---------------------------------------------------------------------------
// Object containers
// ---------------------------------------------------------------------------

var (
	elfMagic    = []byte("\x7fELF")
	peMagic     = []byte("MZ")
	machoMagics = [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe},
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe},
	}
	fatMagic = []byte{0xca, 0xfe, 0xba, 0xbe}
)

var (
	errNotObject     = errors.New("archive member is not a native object")
	errNoSymbolTable = errors.New("no symbol table")
)

func isObjectMagic(b []byte) bool {
	if bytes.HasPrefix(b, elfMagic) || bytes.HasPrefix(b, peMagic) || bytes.HasPrefix(b, fatMagic) {
		return true
	}
	for _, m := range machoMagics {
		if bytes.HasPrefix(b, m) {
			return true
		}
	}
	// Bare COFF objects start with a machine type; amd64 and arm64.
	return bytes.HasPrefix(b, []byte{0x64, 0x86}) || bytes.HasPrefix(b, []byte{0x64, 0xaa})
}

func objectSymbols(r io.ReaderAt, artifact string) ([]Record, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
	}
	switch {
	case bytes.HasPrefix(magic[:], elfMagic):
		f, err := elf.NewFile(r)
		if err != nil {
			return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
		}
		return elfSymbols(f, artifact)
	case bytes.Equal(magic[:], fatMagic):
		ff, err := macho.NewFatFile(r)
		if err != nil {
			return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
		}
		var recs []Record
		for _, arch := range ff.Arches {
			arecs, err := machoSymbols(arch.File, artifact)
			if err != nil {
				return nil, err
			}
			recs = append(recs, arecs...)
		}
		return recs, nil
	}
	for _, m := range machoMagics {
		if bytes.Equal(magic[:], m) {
			f, err := macho.NewFile(r)
			if err != nil {
				return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
			}
			return machoSymbols(f, artifact)
		}
	}
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
	}
	return peSymbols(f, artifact)
}

// elfSymbols reads the static and dynamic tables. Either may be absent, but
// not both: a fully stripped object reveals nothing about what it calls.
func elfSymbols(f *elf.File, artifact string) ([]Record, error) {
	static, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
	}
	dynamic, derr := f.DynamicSymbols()
	if derr != nil && !errors.Is(derr, elf.ErrNoSymbols) {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: derr}
	}
	if err != nil && derr != nil {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: errNoSymbolTable}
	}

	var recs []Record
	add := func(syms []elf.Symbol, dynamic bool) {
		for _, sym := range syms {
			r := Record{
				Name:     sym.Name,
				Defined:  sym.Section != elf.SHN_UNDEF,
				Artifact: artifact,
				Kind:     elfKind(elf.ST_TYPE(sym.Info)),
			}
			switch {
			case elf.ST_BIND(sym.Info) == elf.STB_LOCAL:
				r.Scope = ScopeLocal
			case dynamic:
				r.Scope = ScopeDynamic
			default:
				r.Scope = ScopeLinkage
			}
			recs = append(recs, r)
		}
	}
	add(static, false)
	add(dynamic, true)
	return recs, nil
}

func elfKind(t elf.SymType) Kind {
	switch t {
	case elf.STT_FUNC, elf.STT_GNU_IFUNC:
		return KindText
	case elf.STT_OBJECT, elf.STT_COMMON:
		return KindData
	case elf.STT_SECTION:
		return KindSection
	case elf.STT_FILE:
		return KindFile
	case elf.STT_TLS:
		return KindTLS
	}
	return KindUnknown
}

const (
	machoStab = 0xe0
	machoType = 0x0e
	machoExt  = 0x01
	machoUndf = 0x00
	machoSect = 0x0e
)

func machoSymbols(f *macho.File, artifact string) ([]Record, error) {
	if f.Symtab == nil {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: errNoSymbolTable}
	}
	var recs []Record
	for _, sym := range f.Symtab.Syms {
		r := Record{Name: sym.Name, Artifact: artifact}
		if sym.Type&machoStab != 0 {
			r.Scope = ScopeLocal
			r.Kind = KindFile
			recs = append(recs, r)
			continue
		}
		if sym.Type&machoExt != 0 {
			r.Scope = ScopeLinkage
		} else {
			r.Scope = ScopeLocal
		}
		switch sym.Type & machoType {
		case machoUndf:
			r.Defined = false
		case machoSect:
			r.Defined = true
			r.Kind = KindData
			if i := int(sym.Sect) - 1; i >= 0 && i < len(f.Sections) && f.Sections[i].Name == "__text" {
				r.Kind = KindText
			}
		default:
			r.Defined = true
		}
		recs = append(recs, r)
	}
	return recs, nil
}

const (
	coffClassExternal = 2
	coffClassStatic   = 3
	coffFunctionType  = 0x20
)

func peSymbols(f *pe.File, artifact string) ([]Record, error) {
	var recs []Record
	for _, sym := range f.Symbols {
		r := Record{Name: sym.Name, Artifact: artifact, Defined: sym.SectionNumber > 0}
		switch sym.StorageClass {
		case coffClassExternal:
			r.Scope = ScopeLinkage
		case coffClassStatic:
			r.Scope = ScopeLocal
		}
		if sym.Type&0xf0 == coffFunctionType {
			r.Kind = KindText
		}
		recs = append(recs, r)
	}
	imports, err := f.ImportedSymbols()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: err}
	}
	for _, imp := range imports {
		name, _, _ := strings.Cut(imp, ":")
		recs = append(recs, Record{Name: name, Artifact: artifact, Scope: ScopeDynamic})
	}
	if len(recs) == 0 {
		return nil, &UnsupportedFormatError{Path: artifact, Cause: errNoSymbolTable}
	}
	return recs, nil
}
