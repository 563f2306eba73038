package symbol

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HashArtifact returns the hex SHA-256 of the artifact at path. A directory
// (a source tree) hashes the sorted list of its files' relative paths and
// content hashes; vendor, testdata and dot directories are skipped.
func HashArtifact(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("symbol: hash: %w", err)
	}
	if !info.IsDir() {
		return hashFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if p != path && (name == "vendor" || name == "testdata" || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("symbol: hash: walk: %w", err)
	}
	sort.Strings(files)

	h := sha256.New()
	for _, f := range files {
		sum, err := hashFile(f)
		if err != nil {
			return "", err
		}
		rel, err := filepath.Rel(path, f)
		if err != nil {
			return "", fmt.Errorf("symbol: hash: %w", err)
		}
		fmt.Fprintf(h, "%s %s\n", sum, filepath.ToSlash(rel))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("symbol: hash: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("symbol: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashArtifacts combines the hashes of several artifacts into one. A single
// artifact hashes exactly as HashArtifact does.
func HashArtifacts(paths []string) (string, error) {
	if len(paths) == 1 {
		return HashArtifact(paths[0])
	}
	lines := make([]string, 0, len(paths))
	for _, p := range paths {
		sum, err := HashArtifact(p)
		if err != nil {
			return "", err
		}
		lines = append(lines, sum+" "+filepath.Base(p)+"\n")
	}
	sort.Strings(lines)
	h := sha256.New()
	for _, l := range lines {
		io.WriteString(h, l)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
