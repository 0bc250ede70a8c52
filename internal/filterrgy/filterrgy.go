// Package filterrgy implements the package-scoped filter registry: filter
// definitions (expr- or run-bodied), visibility rules, and qualified /
// unqualified name resolution used by the expression evaluator's pipe
// dispatch.
package filterrgy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
)

// Visibility controls cross-package lookup of a filter.
type Visibility int

const (
	// VisDefault filters are visible within their own package only.
	VisDefault Visibility = iota
	// VisExport filters are visible from any package via a qualified name.
	VisExport
	// VisLocal filters are never visible outside their own package, even
	// via a qualified name.
	VisLocal
	// VisRoot filters are visible only when invoked from the root package.
	VisRoot
)

func (v Visibility) String() string {
	switch v {
	case VisExport:
		return "export"
	case VisLocal:
		return "local"
	case VisRoot:
		return "root"
	default:
		return "default"
	}
}

// ParamSpec names one declared parameter of an expr-mode filter, in
// declaration order, so positional call arguments can be bound by name.
type ParamSpec struct {
	Name    string
	Default exprlang.Expr // nil if required
}

// FilterDef is a single registered filter: either expr-bodied (evaluated
// in a fresh scope) or run-bodied (a script invoked out of process).
type FilterDef struct {
	Name       string // short, unqualified name
	Package    string // owning package's fully-qualified name
	Visibility Visibility
	Params     []ParamSpec

	// Expr-mode.
	Expr exprlang.Expr

	// Run-mode.
	RunShell string // "python", "python3", or a POSIX shell name
	RunBody  string

	Loc dfmerr.Loc

	// runner is substituted in tests; production code uses runScript.
	runner scriptRunner
}

// QualifiedName returns "<package>.<name>".
func (f *FilterDef) QualifiedName() string {
	return f.Package + "." + f.Name
}

// Registry holds every FilterDef across every loaded package.
type Registry struct {
	mu        sync.RWMutex
	filters   map[string]*FilterDef // keyed by qualified name
	byPackage map[string][]*FilterDef
	rootPkg   string
}

// New returns an empty Registry. rootPkg is the fully-qualified name of
// the root package, used to evaluate VisRoot visibility.
func New(rootPkg string) *Registry {
	return &Registry{
		filters:   map[string]*FilterDef{},
		byPackage: map[string][]*FilterDef{},
		rootPkg:   rootPkg,
	}
}

// Register adds f to the registry. It fails with dfmerr.KindDuplicateDefinition
// if a filter with the same qualified name already exists.
func (r *Registry) Register(f *FilterDef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	qn := f.QualifiedName()
	if _, exists := r.filters[qn]; exists {
		return dfmerr.At(dfmerr.KindDuplicateDefinition, f.Loc, "filter %q already defined", qn)
	}
	r.filters[qn] = f
	r.byPackage[f.Package] = append(r.byPackage[f.Package], f)
	return nil
}

// ForPackage returns every filter defined in pkg, sorted by name.
func (r *Registry) ForPackage(pkg string) []*FilterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := append([]*FilterDef(nil), r.byPackage[pkg]...)
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Lookup implements exprlang.FilterRegistry. It satisfies the pipe-
// dispatch contract: an unqualified name resolves only within
// currentPackage; a qualified "pkg.name" resolves subject to the target
// filter's visibility. Lookup reports only presence/absence; callers
// that need the precise VisibilityViolation diagnostic should use Resolve.
func (r *Registry) Lookup(name, currentPackage string) (exprlang.Filter, bool) {
	f, err := r.Resolve(name, currentPackage)
	if err != nil {
		return nil, false
	}
	return f, true
}

// Resolve is Lookup with a typed error distinguishing NameNotFound from
// VisibilityViolation.
func (r *Registry) Resolve(name, currentPackage string) (*FilterDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if pkg, short, ok := splitQualified(name); ok {
		f, exists := r.filters[pkg+"."+short]
		if !exists {
			return nil, dfmerr.New(dfmerr.KindNameNotFound, "filter %q not found", name)
		}
		if err := r.checkVisible(f, currentPackage); err != nil {
			return nil, err
		}
		return f, nil
	}

	// Unqualified: only the caller's own package is searched.
	f, exists := r.filters[currentPackage+"."+name]
	if !exists {
		return nil, dfmerr.New(dfmerr.KindNameNotFound, "filter %q not found in package %q", name, currentPackage)
	}
	return f, nil
}

func (r *Registry) checkVisible(f *FilterDef, currentPackage string) error {
	if f.Package == currentPackage {
		return nil
	}
	switch f.Visibility {
	case VisExport:
		return nil
	case VisLocal:
		return dfmerr.At(dfmerr.KindVisibilityViolation, f.Loc,
			"filter %q is local to package %q, not visible from %q", f.Name, f.Package, currentPackage)
	case VisRoot:
		if currentPackage == r.rootPkg {
			return nil
		}
		return dfmerr.At(dfmerr.KindVisibilityViolation, f.Loc,
			"filter %q is root-only, not visible from %q", f.Name, currentPackage)
	default:
		return dfmerr.At(dfmerr.KindVisibilityViolation, f.Loc,
			"filter %q has default visibility, not visible outside package %q", f.Name, f.Package)
	}
}

func splitQualified(name string) (pkg, short string, ok bool) {
	idx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", name, false
	}
	return name[:idx], name[idx+1:], true
}

var _ exprlang.Filter = (*FilterDef)(nil)

func (f *FilterDef) String() string {
	return fmt.Sprintf("filter %s (%s)", f.QualifiedName(), f.Visibility)
}
