package symbol

import (
	"context"
	"fmt"
	"go/ast"
	"go/types"
	"sort"
	"strings"

	"golang.org/x/tools/go/packages"
)

// Names of synthetic records for Go constructs that have no referenced
// object of their own.
const (
	goSpawnSymbol    = "runtime.newproc"
	goCgoSymbol      = "runtime.cgocall"
	goLinknameSymbol = "go:linkname"
)

// GoSource returns the records of the Go package in dir: one defined record
// per top-level function or method it declares, and one undefined record per
// function or package-level variable of another package it references.
// Records use Go linker spelling (`os.(*File).Read`) so the demangler treats
// source and binaries alike.
func GoSource(ctx context.Context, dir string) ([]Record, error) {
	pkg, err := loadPackageForDir(ctx, dir)
	if err != nil {
		return nil, &UnsupportedFormatError{Path: dir, Cause: err}
	}

	seen := make(map[string]bool)
	var recs []Record
	add := func(name string, defined bool) {
		if name == "" {
			return
		}
		key := fmt.Sprintf("%t|%s", defined, name)
		if seen[key] {
			return
		}
		seen[key] = true
		recs = append(recs, Record{
			Name:     name,
			Defined:  defined,
			Artifact: dir,
			Scope:    ScopeLinkage,
			Kind:     KindText,
		})
	}

	for ident, obj := range pkg.TypesInfo.Defs {
		fn, ok := obj.(*types.Func)
		if !ok || ident == nil || fn.Pkg() != pkg.Types {
			continue
		}
		if sig, ok := fn.Type().(*types.Signature); ok && sig.Recv() == nil && fn.Parent() != pkg.Types.Scope() {
			continue
		}
		add(goSymbolName(fn), true)
	}

	for _, obj := range pkg.TypesInfo.Uses {
		if referenced(obj, pkg.Types) {
			add(goSymbolName(obj), false)
		}
	}

	if pkg.Imports["runtime/cgo"] != nil {
		add(goCgoSymbol, false)
	}
	for _, file := range pkg.Syntax {
		for _, imp := range file.Imports {
			if strings.Trim(imp.Path.Value, `"`) == "C" {
				add(goCgoSymbol, false)
			}
		}
		for _, group := range file.Comments {
			for _, c := range group.List {
				if strings.HasPrefix(c.Text, "//go:linkname ") {
					add(goLinknameSymbol, false)
				}
			}
		}
		ast.Inspect(file, func(n ast.Node) bool {
			if _, ok := n.(*ast.GoStmt); ok {
				add(goSpawnSymbol, false)
			}
			return true
		})
	}

	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Name != recs[j].Name {
			return recs[i].Name < recs[j].Name
		}
		return !recs[i].Defined && recs[j].Defined
	})
	return recs, nil
}

// referenced reports whether a use of obj from self counts as a reference to
// another package's code or state.
func referenced(obj types.Object, self *types.Package) bool {
	if obj == nil || obj.Pkg() == nil || obj.Pkg() == self {
		return false
	}
	if obj.Pkg().Path() == "unsafe" {
		return true
	}
	switch o := obj.(type) {
	case *types.Func:
		return true
	case *types.Var:
		return !o.IsField() && o.Parent() == o.Pkg().Scope()
	}
	return false
}

// goSymbolName spells obj the way the Go linker names it.
func goSymbolName(obj types.Object) string {
	pkgPath := escapePkgPath(obj.Pkg().Path())
	fn, ok := obj.(*types.Func)
	if !ok {
		return pkgPath + "." + obj.Name()
	}
	sig, ok := fn.Type().(*types.Signature)
	if !ok || sig.Recv() == nil {
		return pkgPath + "." + fn.Name()
	}
	recv := sig.Recv().Type()
	ptr := false
	if p, ok := recv.(*types.Pointer); ok {
		recv = p.Elem()
		ptr = true
	}
	var typeName string
	switch t := recv.(type) {
	case *types.Named:
		typeName = t.Origin().Obj().Name()
	case *types.Alias:
		typeName = t.Obj().Name()
	default:
		// Methods of unnamed interfaces.
		return pkgPath + "." + fn.Name()
	}
	if ptr {
		return pkgPath + ".(*" + typeName + ")." + fn.Name()
	}
	return pkgPath + "." + typeName + "." + fn.Name()
}

// escapePkgPath escapes dots in the last path element as the linker does,
// so gopkg.in/yaml.v3 becomes gopkg.in/yaml%2ev3.
func escapePkgPath(path string) string {
	slash := strings.LastIndexByte(path, '/')
	return path[:slash+1] + strings.ReplaceAll(path[slash+1:], ".", "%2e")
}

func loadPackageForDir(ctx context.Context, dir string) (*packages.Package, error) {
	cfg := &packages.Config{
		Context: ctx,
		Mode: packages.NeedName |
			packages.NeedSyntax |
			packages.NeedTypes |
			packages.NeedTypesInfo |
			packages.NeedImports,
		Dir: dir,
	}
	pkgs, err := packages.Load(cfg, ".")
	if err != nil {
		return nil, err
	}
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("no packages found")
	}
	pkg := pkgs[0]
	// Type errors still leave usable partial information; listing and
	// parse failures do not.
	for _, e := range pkg.Errors {
		if e.Kind == packages.ListError || e.Kind == packages.ParseError {
			return nil, e
		}
	}
	if pkg.TypesInfo == nil || pkg.Types == nil {
		if len(pkg.Errors) > 0 {
			return nil, pkg.Errors[0]
		}
		return nil, fmt.Errorf("no type info")
	}
	return pkg, nil
}
