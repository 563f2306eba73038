package buildplan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// FromGoModule builds a plan for the Go packages matched by patterns in the
// module at dir (default "./..."), plus every non-standard package they
// import. Each package's artifact is its source directory. Standard library
// packages are left to the rule table.
func FromGoModule(ctx context.Context, dir string, patterns ...string) (*Plan, error) {
	if len(patterns) == 0 {
		patterns = []string{"./..."}
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("buildplan: %w", err)
	}
	cfg := &packages.Config{
		Context: ctx,
		Mode: packages.NeedName |
			packages.NeedImports |
			packages.NeedDeps |
			packages.NeedModule |
			packages.NeedFiles,
		Dir: abs,
	}
	roots, err := packages.Load(cfg, patterns...)
	if err != nil {
		return nil, fmt.Errorf("buildplan: load %s: %w", dir, err)
	}

	var (
		errs []error
		all  []*packages.Package
	)
	packages.Visit(roots, nil, func(p *packages.Package) {
		for _, e := range p.Errors {
			errs = append(errs, fmt.Errorf("%s: %s", p.PkgPath, e.Msg))
		}
		if !isStd(p) {
			all = append(all, p)
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("buildplan: load %s: %w", dir, err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].PkgPath < all[j].PkgPath })

	plan := &Plan{Dir: abs}
	for _, p := range all {
		pkg := Package{
			Name:      p.PkgPath,
			Namespace: p.PkgPath,
			Artifacts: []string{packageDir(p)},
		}
		if p.Module != nil && !p.Module.Main {
			pkg.Version = p.Module.Version
		}
		for _, imp := range p.Imports {
			if isStd(imp) {
				continue
			}
			path := imp.PkgPath
			if imp.Module != nil && !imp.Module.Main {
				path += "@" + imp.Module.Version
			}
			pkg.Deps = append(pkg.Deps, Dep{Ref: path})
		}
		sort.Slice(pkg.Deps, func(i, j int) bool { return pkg.Deps[i].Ref < pkg.Deps[j].Ref })
		plan.Packages = append(plan.Packages, pkg)
	}
	if len(plan.Packages) == 0 {
		return nil, fmt.Errorf("buildplan: no non-standard packages match %s in %s", strings.Join(patterns, " "), dir)
	}
	return plan, nil
}

// isStd reports whether p belongs to the standard library: it has no module
// and its first path element has no dot.
func isStd(p *packages.Package) bool {
	if p.Module != nil {
		return false
	}
	first, _, _ := strings.Cut(p.PkgPath, "/")
	return !strings.Contains(first, ".") && p.PkgPath != "command-line-arguments"
}

func packageDir(p *packages.Package) string {
	files := p.GoFiles
	if len(files) == 0 {
		files = p.OtherFiles
	}
	if len(files) == 0 {
		return p.PkgPath
	}
	return filepath.Dir(files[0])
}
