package frontmatter_test

import (
	"errors"
	"strings"
	"testing"

	"capaudit/internal/frontmatter"
)

type record struct {
	Package string   `yaml:"package"`
	Caps    []string `yaml:"caps"`
}

func TestWriteThenDecode(t *testing.T) {
	in := record{Package: "libz@1.3", Caps: []string{"fs"}}
	notes := "# Audit\n\nOnly opens the configured dictionary file.\n"

	data, err := frontmatter.Write(in, notes)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !strings.HasPrefix(string(data), "---\npackage: libz@1.3\n") {
		t.Errorf("unexpected document head:\n%s", data)
	}

	var out record
	body, err := frontmatter.Decode(data, &out)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if body != notes {
		t.Errorf("body = %q, want %q", body, notes)
	}
	if out.Package != in.Package || len(out.Caps) != 1 || out.Caps[0] != "fs" {
		t.Errorf("record = %+v, want %+v", out, in)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantFront string
		wantBody  string
		wantErr   error
	}{
		{"basic", "---\na: 1\n---\nbody\n", "a: 1\n", "body\n", nil},
		{"crlf", "---\r\na: 1\r\n---\r\nbody\r\n", "a: 1\n", "body\n", nil},
		{"empty block", "---\n---\nbody", "", "body", nil},
		{"no body", "---\na: 1\n---\n", "a: 1\n", "", nil},
		{"missing open", "a: 1\n", "", "", frontmatter.ErrMissingOpen},
		{"missing close", "---\na: 1\n", "", "", frontmatter.ErrMissingClose},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			front, body, err := frontmatter.Parse([]byte(tt.doc))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if string(front) != tt.wantFront {
				t.Errorf("front = %q, want %q", front, tt.wantFront)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var out record
	_, err := frontmatter.Decode([]byte("---\npackage: x\nsignature_typo: y\n---\n"), &out)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}
