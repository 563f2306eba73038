package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"capaudit/internal/capability"
	"capaudit/internal/graph"
	"capaudit/internal/policy"
)

// Kind classifies a diagnostic.
type Kind string

const (
	KindUnsupportedArtifact   Kind = "UnsupportedArtifactFormat"
	KindDemangleFallback      Kind = "DemangleFallback"
	KindSignatureInvalid      Kind = "SignatureInvalid"
	KindHashMismatch          Kind = "HashMismatch"
	KindAttestationApplied    Kind = "AttestationApplied"
	KindAttestationUnreadable Kind = "AttestationUnreadable"
	KindArtifactDenied        Kind = "ArtifactDenied"
	KindEdgePackage           Kind = "EdgePackage"
)

// Severity ranks diagnostics.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
)

// Diagnostic reports an input that was degraded, rejected or noteworthy.
// Diagnostics are distinct from policy violations: they say what could not
// be analyzed, not what exceeds an allowance.
type Diagnostic struct {
	Package  string   `yaml:"package,omitempty" json:"package,omitempty"`
	Kind     Kind     `yaml:"kind" json:"kind"`
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message" json:"message"`
}

// PackageReport is the outcome for one package.
type PackageReport struct {
	Package   string              `yaml:"package" json:"package"`
	Intrinsic capability.Set      `yaml:"intrinsic" json:"intrinsic"`
	Effective capability.Set      `yaml:"effective" json:"effective"`
	Edge      bool                `yaml:"edge,omitempty" json:"edge,omitempty"`
	Reason    string              `yaml:"reason,omitempty" json:"reason,omitempty"`
	Attested  string              `yaml:"attested_by,omitempty" json:"attested_by,omitempty"`
	Hash      string              `yaml:"hash,omitempty" json:"hash,omitempty"`
	Symbols   int                 `yaml:"symbols" json:"symbols"`
	Evidence  map[string][]string `yaml:"evidence,omitempty" json:"evidence,omitempty"`
	Unmatched []string            `yaml:"unmatched,omitempty" json:"unmatched,omitempty"`
	Via       map[string][]string `yaml:"via,omitempty" json:"via,omitempty"`
	Deps      []string            `yaml:"deps,omitempty" json:"deps,omitempty"`
	// DepKinds holds the kind of every dependency that is not normal.
	DepKinds map[string]graph.DepKind `yaml:"dep_kinds,omitempty" json:"dep_kinds,omitempty"`
	// Reach lists how the package is reached from the roots. Packages not
	// reached as normal only run at build time and are exempt from policy.
	Reach []graph.DepKind `yaml:"reach,omitempty" json:"reach,omitempty"`
}

// BuildTimeOnly reports whether no normal path reaches the package.
func (p PackageReport) BuildTimeOnly() bool {
	return len(p.Reach) > 0 && !slices.Contains(p.Reach, graph.DepNormal)
}

// Report is the structured result of a run.
type Report struct {
	Packages    []PackageReport    `yaml:"packages" json:"packages"`
	Violations  []policy.Violation `yaml:"violations" json:"violations"`
	Diagnostics []Diagnostic       `yaml:"diagnostics" json:"diagnostics"`
}

// OK reports whether no package exceeds its allowance.
func (r *Report) OK() bool { return len(r.Violations) == 0 }

// Package returns the report for the package with key, or nil.
func (r *Report) Package(key string) *PackageReport {
	for i := range r.Packages {
		if r.Packages[i].Package == key {
			return &r.Packages[i]
		}
	}
	return nil
}

// Diagnosed returns the diagnostics of the given kind.
func (r *Report) Diagnosed(kind Kind) []Diagnostic {
	var out []Diagnostic
	for _, d := range r.Diagnostics {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func (r *Report) sortDiagnostics() {
	sort.SliceStable(r.Diagnostics, func(i, j int) bool {
		a, b := r.Diagnostics[i], r.Diagnostics[j]
		if a.Package != b.Package {
			return a.Package < b.Package
		}
		return a.Kind < b.Kind
	})
}

// Formats lists the accepted Render formats.
var Formats = []string{"text", "yaml", "json", "mermaid"}

// Render writes the report in format: text, yaml, json or mermaid.
func (r *Report) Render(w io.Writer, format string) error {
	switch format {
	case "", "text":
		return r.renderText(w)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("analysis: render yaml: %w", err)
		}
		return enc.Close()
	case "mermaid":
		return r.renderMermaid(w)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("analysis: render json: %w", err)
		}
		return nil
	}
	return fmt.Errorf("analysis: unknown format %q (want %s)", format, strings.Join(Formats, ", "))
}

func (r *Report) renderText(w io.Writer) error {
	var b strings.Builder
	width := 0
	for _, p := range r.Packages {
		width = max(width, len(p.Package))
	}
	b.WriteString("Packages:\n")
	for _, p := range r.Packages {
		marker := " "
		switch {
		case p.Attested != "":
			marker = "~"
		case p.Edge:
			marker = "!"
		}
		fmt.Fprintf(&b, "  %s %-*s  %s", marker, width, p.Package, p.Effective)
		if p.BuildTimeOnly() {
			reach := make([]string, len(p.Reach))
			for i, k := range p.Reach {
				reach[i] = string(k)
			}
			fmt.Fprintf(&b, "  (%s only)", strings.Join(reach, ", "))
		}
		b.WriteByte('\n')
	}

	if len(r.Diagnostics) > 0 {
		b.WriteString("\nDiagnostics:\n")
		for _, d := range r.Diagnostics {
			pkg := d.Package
			if pkg == "" {
				pkg = "-"
			}
			fmt.Fprintf(&b, "  %-7s %s: %s: %s\n", d.Severity, pkg, d.Kind, d.Message)
		}
	}

	if len(r.Violations) == 0 {
		b.WriteString("\nNo policy violations.\n")
	} else {
		fmt.Fprintf(&b, "\n%d policy violation(s):\n", len(r.Violations))
		for _, v := range r.Violations {
			fmt.Fprintf(&b, "  %s uses [%s], allowed [%s]\n", v.Package, v.Exceeding, v.Allowed)
			writeGrouped(&b, "via", v.Via)
			writeGrouped(&b, "symbols", v.Symbols)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeGrouped(b *strings.Builder, label string, m map[string][]string) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "      %s %s: %s\n", name, label, strings.Join(m[name], ", "))
	}
}

// renderMermaid draws the dependency graph with each package's effective
// set. Edge packages and violators are styled.
func (r *Report) renderMermaid(w io.Writer) error {
	var b strings.Builder
	b.WriteString("graph LR\n")
	ids := make(map[string]string, len(r.Packages))
	for i, p := range r.Packages {
		ids[p.Package] = fmt.Sprintf("p%d", i)
	}
	for _, p := range r.Packages {
		fmt.Fprintf(&b, "  %s[\"%s<br/>%s\"]\n", ids[p.Package], p.Package, p.Effective)
	}

	type edge struct {
		from, to string
		kind     graph.DepKind
	}
	var edges []edge
	for _, p := range r.Packages {
		for _, d := range p.Deps {
			if _, ok := ids[d]; ok {
				edges = append(edges, edge{p.Package, d, p.DepKinds[d]})
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].to < edges[j].to
	})
	for _, e := range edges {
		if e.kind == "" {
			fmt.Fprintf(&b, "  %s --> %s\n", ids[e.from], ids[e.to])
		} else {
			fmt.Fprintf(&b, "  %s -.->|%s| %s\n", ids[e.from], e.kind, ids[e.to])
		}
	}

	b.WriteString("  classDef edge stroke:#c00,stroke-width:2px\n")
	b.WriteString("  classDef violation fill:#fdd\n")
	for _, p := range r.Packages {
		if p.Edge {
			fmt.Fprintf(&b, "  class %s edge\n", ids[p.Package])
		}
	}
	for _, v := range r.Violations {
		if id, ok := ids[v.Package]; ok {
			fmt.Fprintf(&b, "  class %s violation\n", id)
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
