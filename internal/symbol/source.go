package symbol

import (
	"context"
	"os"
	"path/filepath"
)

// Source produces symbol records for one kind of artifact.
type Source interface {
	// Name returns the source's short identifier (e.g. "binary").
	Name() string

	// Accepts reports whether the source can read the artifact at path.
	Accepts(path string) bool

	// Symbols returns the filtered records of the artifact.
	Symbols(ctx context.Context, path string, f Filter) ([]Record, error)
}

// Sources lists the built-in sources in the order Collect tries them.
func Sources() []Source {
	return []Source{GoPackage{}, Binary{}}
}

// Collect reads the artifact at path with the first source that accepts it.
func Collect(ctx context.Context, path string, f Filter) ([]Record, string, error) {
	for _, src := range Sources() {
		if src.Accepts(path) {
			recs, err := src.Symbols(ctx, path, f)
			return recs, src.Name(), err
		}
	}
	return nil, "", &UnsupportedFormatError{Path: path}
}

// Binary reads compiled objects, executables and archives.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) Accepts(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (Binary) Symbols(ctx context.Context, path string, f Filter) ([]Record, error) {
	sc, err := Open(path, WithFilter(f))
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	var recs []Record
	for sc.Scan() {
		recs = append(recs, sc.Record())
		if len(recs)%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// GoPackage reads a Go package directory through its type-checked source.
type GoPackage struct{}

func (GoPackage) Name() string { return "go" }

func (GoPackage) Accepts(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	matches, _ := filepath.Glob(filepath.Join(path, "*.go"))
	return len(matches) > 0
}

func (GoPackage) Symbols(ctx context.Context, path string, f Filter) ([]Record, error) {
	recs, err := GoSource(ctx, path)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if f.Keep(r) {
			out = append(out, r)
		}
	}
	return out, nil
}
