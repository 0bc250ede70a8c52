package loader

import (
	"path/filepath"
	"strings"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// sourceUnit is one YAML file's contribution of type/task records to a
// package: either the package file's own `tasks:`/`types:` lists, or one
// fragment file's `fragment: {tasks, types}` lists.
type sourceUnit struct {
	path      string
	typeNodes []*yaml.Node
	taskNodes []*yaml.Node
	fragment  bool
	fragDef   *symbol.FragmentDef
}

// Load parses the package YAML document at path (and, transitively, its
// imports and fragments) into a symbol.Package. Non-fatal diagnostics
// (currently unused, reserved for future warning-level schema issues)
// are returned alongside a nil error; any error aborts the load.
func Load(path string, imp Importer) (*symbol.Package, []dfmerr.Marker, error) {
	return load(path, imp, map[string]bool{})
}

// load is Load with the in-progress file set threaded through so a
// package that imports itself (directly or through a chain) fails
// instead of recursing forever.
func load(path string, imp Importer, loading map[string]bool) (*symbol.Package, []dfmerr.Marker, error) {
	if loading[path] {
		return nil, nil, dfmerr.New(dfmerr.KindCycle, "recursive import of package file %q", path)
	}
	loading[path] = true
	defer delete(loading, path)

	doc, err := parseYAMLFile(imp, path)
	if err != nil {
		return nil, nil, err
	}
	pkgN := fieldValue(doc, "package")
	if pkgN == nil {
		return nil, nil, errAt(path, doc, "missing top-level package: key")
	}
	name, err := requireString(path, fieldValue(pkgN, "name"), "package name")
	if err != nil {
		return nil, nil, err
	}
	baseDir := filepath.Dir(path)
	pkg := symbol.NewPackage(name, baseDir)
	pkg.SrcInfo = locOf(path, pkgN)

	var markers []dfmerr.Marker

	if withN := fieldValue(pkgN, "with"); withN != nil {
		params, err := parseWith(path, withN)
		if err != nil {
			return nil, nil, err
		}
		pkg.Params = params
	}

	if err := loadImports(path, baseDir, pkgN, imp, pkg, loading); err != nil {
		return nil, nil, err
	}

	units := []sourceUnit{{
		path:      path,
		typeNodes: sequence(fieldValue(pkgN, "types")),
		taskNodes: sequence(fieldValue(pkgN, "tasks")),
	}}

	fragUnits, err := loadFragmentUnits(path, baseDir, pkgN, imp)
	if err != nil {
		return nil, nil, err
	}
	units = append(units, fragUnits...)

	ctx := &buildCtx{pkg: pkg, localTasks: map[string]*symbol.Task{}, localTypes: map[string]*symbol.Type{}, feeds: map[string][]string{}}

	// Pass 1: declare every type and task stub across every source unit
	// before filling any of them, so `uses`/`needs` can forward-reference
	// a sibling declared later in the same file or in another fragment.
	declaredTypes := make([][]*symbol.Type, len(units))
	declaredTasks := make([][]*symbol.Task, len(units))
	for i, u := range units {
		ctx.path = u.path
		types := make([]*symbol.Type, 0, len(u.typeNodes))
		for _, n := range u.typeNodes {
			ty, err := ctx.declareTypeStub(n)
			if err != nil {
				return nil, nil, err
			}
			types = append(types, ty)
		}
		declaredTypes[i] = types

		tasks := make([]*symbol.Task, 0, len(u.taskNodes))
		for _, n := range u.taskNodes {
			t, err := ctx.declareTaskStub(n)
			if err != nil {
				return nil, nil, err
			}
			tasks = append(tasks, t)
		}
		declaredTasks[i] = tasks
	}

	// Pass 2: fill in every field now that every name is resolvable.
	for i, u := range units {
		ctx.path = u.path
		for j, n := range u.typeNodes {
			if err := ctx.fillType(declaredTypes[i][j], n); err != nil {
				return nil, nil, err
			}
		}
		for j, n := range u.taskNodes {
			if err := ctx.fillTask(declaredTasks[i][j], n); err != nil {
				return nil, nil, err
			}
		}
	}

	// Register into the package namespace: the main file's records go
	// straight in, fragment records go through MergeFragment so the
	// resulting Package.Fragments list mirrors the source layout.
	for i, u := range units {
		if !u.fragment {
			for _, ty := range declaredTypes[i] {
				if err := pkg.AddType(ty); err != nil {
					return nil, nil, err
				}
			}
			for _, t := range declaredTasks[i] {
				if err := pkg.AddTask(t, t.IsOverride); err != nil {
					return nil, nil, err
				}
			}
			continue
		}
		u.fragDef.Types = declaredTypes[i]
		u.fragDef.Tasks = declaredTasks[i]
		if err := pkg.MergeFragment(u.fragDef); err != nil {
			return nil, nil, err
		}
	}

	if err := pkg.ApplyFeeds(ctx.feeds); err != nil {
		return nil, nil, err
	}

	if err := applyOverrides(path, pkgN, pkg); err != nil {
		return nil, nil, err
	}

	return pkg, markers, nil
}

// applyOverrides processes the package-level `overrides:` list: each
// entry names a task (or an imported package) and overlays its `with:`
// values onto the target's parameter record as pure overrides.
func applyOverrides(path string, pkgN *yaml.Node, pkg *symbol.Package) error {
	for _, item := range sequence(fieldValue(pkgN, "overrides")) {
		withN := fieldValue(item, "with")
		if withN == nil {
			return errAt(path, item, "overrides entry missing with:")
		}
		params, err := parseWith(path, withN)
		if err != nil {
			return err
		}
		if taskRef, ok := scalarString(fieldValue(item, "task")); ok {
			t, found := pkg.Tasks[taskRef]
			if !found {
				return dfmerr.At(dfmerr.KindNameNotFound, locOf(path, item), "overrides: task %q not found", taskRef)
			}
			t.Params = overlayParams(t.Params, params)
			continue
		}
		if pkgRef, ok := scalarString(fieldValue(item, "package")); ok {
			sub, found := pkg.Imports[pkgRef]
			if !found {
				return dfmerr.At(dfmerr.KindNameNotFound, locOf(path, item), "overrides: package %q not imported", pkgRef)
			}
			sub.Params = overlayParams(sub.Params, params)
			continue
		}
		return errAt(path, item, "overrides entry needs a task: or package: key")
	}
	return nil
}

// overlayParams replaces base entries mentioned in over (by name) and
// appends the rest, preserving base order.
func overlayParams(base, over []symbol.ParamDef) []symbol.ParamDef {
	out := append([]symbol.ParamDef(nil), base...)
	for _, o := range over {
		replaced := false
		for i := range out {
			if out[i].Name == o.Name {
				out[i].Default = o.Default
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, o)
		}
	}
	return out
}

func loadImports(path, baseDir string, pkgN *yaml.Node, imp Importer, pkg *symbol.Package, loading map[string]bool) error {
	importsN := fieldValue(pkgN, "imports")
	for _, item := range sequence(importsN) {
		var rel, alias string
		if s, ok := scalarString(item); ok {
			rel = s
			alias = deriveAlias(s)
		} else {
			var err error
			rel, err = requireString(path, fieldValue(item, "path"), "import path")
			if err != nil {
				return err
			}
			alias, _ = scalarString(fieldValue(item, "as"))
			if alias == "" {
				alias = deriveAlias(rel)
			}
		}
		subPath := imp.Join(baseDir, rel)
		subPkg, _, err := load(subPath, imp, loading)
		if err != nil {
			if dfmerr.KindOf(err) == dfmerr.KindCycle {
				return err
			}
			return dfmerr.Wrap(dfmerr.KindIOError, err, "importing %q", subPath)
		}
		pkg.Imports[alias] = subPkg
	}
	return nil
}

func loadFragmentUnits(path, baseDir string, pkgN *yaml.Node, imp Importer) ([]sourceUnit, error) {
	fragsN := fieldValue(pkgN, "fragments")
	if fragsN == nil {
		return nil, nil
	}
	var entries []string
	for _, item := range sequence(fragsN) {
		s, err := requireString(path, item, "fragments entry")
		if err != nil {
			return nil, err
		}
		entries = append(entries, s)
	}
	files, err := resolveFragmentPaths(imp, baseDir, entries)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "resolving fragments for %q", path)
	}

	var units []sourceUnit
	for _, fp := range files {
		fdoc, err := parseYAMLFile(imp, fp)
		if err != nil {
			return nil, err
		}
		fragN := fieldValue(fdoc, "fragment")
		if fragN == nil {
			return nil, errAt(fp, fdoc, "fragment file missing top-level fragment: key")
		}
		units = append(units, sourceUnit{
			path:      fp,
			typeNodes: sequence(fieldValue(fragN, "types")),
			taskNodes: sequence(fieldValue(fragN, "tasks")),
			fragment:  true,
			fragDef:   &symbol.FragmentDef{Path: fp, SrcInfo: locOf(fp, fragN)},
		})
	}
	return units, nil
}

// deriveAlias picks a default import alias from a relative package path.
// A generic package filename (flow.dv/flow.yaml/flow.yml) carries no
// useful name of its own, so the alias falls back to its containing
// directory in that case.
func deriveAlias(rel string) string {
	base := filepath.Base(rel)
	stem := strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(base, ".dv"), ".yaml"), ".yml")
	if stem == "flow" {
		return filepath.Base(filepath.Dir(rel))
	}
	return stem
}

func parseYAMLFile(imp Importer, path string) (*yaml.Node, error) {
	data, err := imp.Read(path)
	if err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindIOError, err, "reading %q", path)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, dfmerr.Wrap(dfmerr.KindSyntax, err, "parsing %q", path)
	}
	return &doc, nil
}
