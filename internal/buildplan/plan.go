// Package buildplan reads the build collaborator's description of one
// analysis run (package identities, artifacts and dependency edges) and
// turns it into a dependency graph.
package buildplan

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"capaudit/internal/graph"
)

var validate = validator.New()

// ErrAmbiguousDependency is returned when a dependency reference names more
// than one package.
var ErrAmbiguousDependency = errors.New("ambiguous dependency reference")

// Package is one compiled package of the plan.
type Package struct {
	Name     string   `yaml:"name" json:"name" validate:"required"`
	Version  string   `yaml:"version,omitempty" json:"version,omitempty"`
	Features []string `yaml:"features,omitempty" json:"features,omitempty"`
	Target   string   `yaml:"target,omitempty" json:"target,omitempty"`
	// Artifacts are compiled objects, archives or Go package directories.
	// Relative paths are resolved against the plan file's directory.
	Artifacts   []string `yaml:"artifacts" json:"artifacts" validate:"min=1,dive,required"`
	BuildScript bool     `yaml:"build_script,omitempty" json:"build_script,omitempty"`
	// Namespace is the symbol namespace the package's own code lives under.
	// It defaults to the name with "-" replaced by "_".
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	// Deps reference direct dependencies by identity key, name@version, or
	// a bare name when that is unique.
	Deps []Dep `yaml:"deps,omitempty" json:"deps,omitempty" validate:"dive"`
}

// Dep is one dependency edge. In a plan file it is either the bare
// reference, a normal dependency, or a mapping:
//
//	deps:
//	  - serde
//	  - {ref: cc, kind: build}
type Dep struct {
	Ref  string        `yaml:"ref" json:"ref" validate:"required"`
	Kind graph.DepKind `yaml:"kind,omitempty" json:"kind,omitempty" validate:"omitempty,oneof=normal build dev proc-macro"`
}

func (d *Dep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*d = Dep{Ref: node.Value}
		return nil
	}
	type plain Dep
	return node.Decode((*plain)(d))
}

func (d Dep) MarshalYAML() (any, error) {
	if d.Kind == "" || d.Kind == graph.DepNormal {
		return d.Ref, nil
	}
	type plain Dep
	return plain(d), nil
}

// Identity returns the package's graph identity.
func (p Package) Identity() graph.Identity {
	return graph.Identity{Name: p.Name, Version: p.Version, Features: p.Features, Target: p.Target}
}

// Plan is the full description of one run.
type Plan struct {
	Packages []Package `yaml:"packages" json:"packages" validate:"min=1,dive"`
	// Dir is the directory relative artifact paths are resolved against.
	Dir string `yaml:"-" json:"-"`
}

// Load reads and validates a plan file (YAML, or JSON, which YAML accepts).
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("buildplan: read: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("buildplan: %s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("buildplan: %w", err)
	}
	p.Dir = abs
	return p, nil
}

// Parse decodes and validates plan data.
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &p, nil
}

// Marshal renders the plan as YAML.
func (p *Plan) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("buildplan: marshal: %w", err)
	}
	return data, nil
}

// Find returns the package a dependency-style reference names.
func (p *Plan) Find(ref string) (*Package, error) {
	idx, err := p.resolve(ref)
	if err != nil {
		return nil, err
	}
	return &p.Packages[idx], nil
}

func (p *Plan) resolve(ref string) (int, error) {
	var byNameVersion, byName []int
	for i, pkg := range p.Packages {
		id := pkg.Identity()
		if id.Key() == ref {
			return i, nil
		}
		if id.NameVersion() == ref {
			byNameVersion = append(byNameVersion, i)
		}
		if id.Name == ref {
			byName = append(byName, i)
		}
	}
	for _, matches := range [][]int{byNameVersion, byName} {
		switch len(matches) {
		case 0:
			continue
		case 1:
			return matches[0], nil
		}
		return -1, fmt.Errorf("buildplan: %q matches %d packages: %w", ref, len(matches), ErrAmbiguousDependency)
	}
	return -1, fmt.Errorf("buildplan: %q: %w", ref, graph.ErrDanglingDependency)
}

// ArtifactPaths returns pkg's artifacts resolved against the plan directory.
func (p *Plan) ArtifactPaths(pkg Package) []string {
	out := make([]string, len(pkg.Artifacts))
	for i, a := range pkg.Artifacts {
		if filepath.IsAbs(a) || p.Dir == "" {
			out[i] = a
		} else {
			out[i] = filepath.Join(p.Dir, a)
		}
	}
	return out
}

// Graph builds the dependency graph. Each node's namespaces are its own
// followed by those of its normal direct dependencies.
func (p *Plan) Graph() (*graph.Graph, error) {
	g := graph.New()
	for _, pkg := range p.Packages {
		n, added := g.AddNode(pkg.Identity())
		if !added {
			return nil, fmt.Errorf("buildplan: duplicate package %s", n.Key())
		}
		n.Artifacts = p.ArtifactPaths(pkg)
		n.BuildScript = pkg.BuildScript
	}

	var errs []error
	for _, pkg := range p.Packages {
		from := pkg.Identity().Key()
		n := g.Node(from)
		n.Namespaces = append(n.Namespaces, namespace(pkg))
		for _, d := range pkg.Deps {
			idx, err := p.resolve(d.Ref)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", from, err))
				continue
			}
			dep := p.Packages[idx]
			if err := g.AddEdge(from, dep.Identity().Key(), d.Kind); err != nil {
				errs = append(errs, err)
				continue
			}
			if d.Kind != "" && d.Kind != graph.DepNormal {
				continue
			}
			if ns := namespace(dep); !slices.Contains(n.Namespaces, ns) {
				n.Namespaces = append(n.Namespaces, ns)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return g, nil
}

func namespace(pkg Package) string {
	if pkg.Namespace != "" {
		return pkg.Namespace
	}
	return strings.ReplaceAll(pkg.Name, "-", "_")
}
