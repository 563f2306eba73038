package attest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"capaudit/internal/frontmatter"
)

// Document is one attestation file: the signed record plus the auditor's
// free-form markdown notes.
type Document struct {
	Attestation
	Notes string
	Path  string
}

// Store is a directory of attestation documents (*.md).
type Store struct {
	Dir string
}

// Load reads every document in the store. Documents that fail to parse are
// reported in the joined error; the rest are still returned. A missing
// directory holds no documents.
func (s *Store) Load() ([]Document, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("attest: read store: %w", err)
	}
	var (
		docs []Document
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".md" {
			continue
		}
		path := filepath.Join(s.Dir, e.Name())
		doc, err := readDocument(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, errors.Join(errs...)
}

func readDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("attest: %s: %w", path, err)
	}
	var doc Document
	notes, err := frontmatter.Decode(data, &doc.Attestation)
	if err != nil {
		return Document{}, fmt.Errorf("attest: %s: %w", path, err)
	}
	doc.Notes = notes
	doc.Path = path
	return doc, nil
}

// ForPackage returns the documents attesting the package with the given
// identity key.
func (s *Store) ForPackage(key string) ([]Document, error) {
	docs, err := s.Load()
	var out []Document
	for _, d := range docs {
		if d.Package.Key() == key {
			out = append(out, d)
		}
	}
	return out, err
}

// Write stores a signed attestation with notes and returns its path. The
// file name is derived from the package key, signer and issue time, so
// re-attesting never overwrites an older claim.
func (s *Store) Write(a Attestation, notes string) (string, error) {
	if a.Signature == "" {
		return "", fmt.Errorf("attest: write %s: unsigned attestation", a.Package.Key())
	}
	if err := a.Validate(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("attest: create store: %w", err)
	}
	data, err := frontmatter.Write(a, notes)
	if err != nil {
		return "", fmt.Errorf("attest: write %s: %w", a.Package.Key(), err)
	}
	name := fmt.Sprintf("%s--%s--%s.md",
		fileSafe(a.Package.Key()), fileSafe(a.Signer), a.IssuedAt.UTC().Format("20060102T150405Z"))
	path := filepath.Join(s.Dir, name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("attest: %s already exists", path)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("attest: write %s: %w", path, err)
	}
	return path, nil
}

func fileSafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_', r == '@':
			return r
		}
		return '_'
	}, s)
}
