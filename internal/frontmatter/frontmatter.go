// Package frontmatter reads and writes markdown documents that open with a
// YAML block between --- lines: a machine-readable record followed by
// free-form notes for human reviewers.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingOpen is returned when a document does not start with ---.
	ErrMissingOpen = errors.New("frontmatter: missing opening --- delimiter")
	// ErrMissingClose is returned when the --- block is never closed.
	ErrMissingClose = errors.New("frontmatter: missing closing --- delimiter")
)

// Parse splits a document into its raw YAML block and body. CRLF line
// endings are accepted.
func Parse(data []byte) (front, body []byte, err error) {
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	rest, ok := bytes.CutPrefix(data, []byte("---\n"))
	if !ok {
		return nil, nil, ErrMissingOpen
	}
	if bytes.HasPrefix(rest, []byte("---")) {
		return nil, bytes.TrimPrefix(bytes.TrimPrefix(rest, []byte("---")), []byte("\n")), nil
	}
	idx := bytes.Index(rest, []byte("\n---"))
	if idx < 0 {
		return nil, nil, ErrMissingClose
	}
	front = rest[:idx+1]
	body = rest[idx+len("\n---"):]
	body = bytes.TrimPrefix(body, []byte("\n"))
	return front, body, nil
}

// Decode parses data, unmarshals the YAML block into v and returns the body.
// Unknown fields in the block are rejected.
func Decode(data []byte, v any) (string, error) {
	front, body, err := Parse(data)
	if err != nil {
		return "", err
	}
	dec := yaml.NewDecoder(bytes.NewReader(front))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return "", fmt.Errorf("frontmatter: decode: %w", err)
	}
	return string(body), nil
}

// Write renders v as the YAML block followed by body.
func Write(v any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("frontmatter: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("frontmatter: encode: %w", err)
	}
	buf.WriteString("---\n")
	buf.WriteString(body)
	return buf.Bytes(), nil
}
