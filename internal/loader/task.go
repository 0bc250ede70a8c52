package loader

import (
	"fmt"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// buildCtx carries the per-package state a task/type/fragment conversion
// needs to resolve forward and cross-package `uses`/`needs` references.
type buildCtx struct {
	path       string
	pkg        *symbol.Package
	localTasks map[string]*symbol.Task
	localTypes map[string]*symbol.Type
	feeds      map[string][]string // fed short name -> feeder short names

	// scopes is the stack of nested task-body sibling maps (innermost
	// last): a subtask or control-body record resolves short names
	// against its own siblings first, shadowing package-level names.
	scopes []map[string]*symbol.Task
}

// lookupScoped resolves a short name against the nested body scopes,
// innermost first, then the package-level task map.
func (c *buildCtx) lookupScoped(name string) (*symbol.Task, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if t, ok := c.scopes[i][name]; ok {
			return t, true
		}
	}
	t, ok := c.localTasks[name]
	return t, ok
}

// declareTaskStub is pass 1 of two-pass task construction: it allocates a
// placeholder *symbol.Task for every record (so `uses`/`needs` can refer
// to a sibling task regardless of declaration order) before pass 2 fills
// in every field.
func (c *buildCtx) declareTaskStub(n *yaml.Node) (*symbol.Task, error) {
	name, _, _, _, _, err := taskNameForm(c.path, n)
	if err != nil {
		return nil, err
	}
	t := &symbol.Task{
		Short:   name,
		Name:    c.pkg.Name + "." + name,
		Package: c.pkg.Name,
		SrcInfo: locOf(c.path, n),
	}
	c.localTasks[name] = t
	return t, nil
}

// taskNameForm enforces that a task record carries exactly one of the
// name/root/export/local/override keys and returns the short
// name plus the four visibility/override flags.
func taskNameForm(path string, n *yaml.Node) (name string, isRoot, isExport, isLocal, isOverride bool, err error) {
	forms := []struct {
		key string
		set *bool
	}{
		{"root", &isRoot},
		{"export", &isExport},
		{"local", &isLocal},
		{"override", &isOverride},
	}
	count := 0
	if v := fieldValue(n, "name"); v != nil {
		name, _ = scalarString(v)
		count++
	}
	for _, f := range forms {
		if v := fieldValue(n, f.key); v != nil {
			s, _ := scalarString(v)
			name = s
			*f.set = true
			count++
		}
	}
	if count == 0 {
		return "", false, false, false, false, errAt(path, n, "task record has no name (expected one of name/root/export/local/override)")
	}
	if count > 1 {
		return "", false, false, false, false, errAt(path, n, "task record %q has more than one name-form", name)
	}
	return name, isRoot, isExport, isLocal, isOverride, nil
}

// taskNameFormOptional is taskNameForm but tolerates a missing name-form
// (reporting hasName=false) for contexts (subtask and control-flow body
// records) where a positional name is an acceptable fallback. More than
// one name-form is still rejected.
func taskNameFormOptional(path string, n *yaml.Node) (name string, isRoot, isExport, isLocal, isOverride, hasName bool, err error) {
	forms := []struct {
		key string
		set *bool
	}{
		{"root", &isRoot},
		{"export", &isExport},
		{"local", &isLocal},
		{"override", &isOverride},
	}
	count := 0
	if v := fieldValue(n, "name"); v != nil {
		name, _ = scalarString(v)
		count++
	}
	for _, f := range forms {
		if v := fieldValue(n, f.key); v != nil {
			s, _ := scalarString(v)
			name = s
			*f.set = true
			count++
		}
	}
	if count > 1 {
		return "", false, false, false, false, false, errAt(path, n, "task record %q has more than one name-form", name)
	}
	return name, isRoot, isExport, isLocal, isOverride, count == 1, nil
}

// fillTask is pass 2: populate every field of an already-stubbed Task.
// Name-form presence was enforced (or positionally defaulted) by the
// matching stub pass, so the tolerant parse is used here for both
// top-level and anonymous nested records.
func (c *buildCtx) fillTask(t *symbol.Task, n *yaml.Node) error {
	_, isRoot, isExport, isLocal, isOverride, _, err := taskNameFormOptional(c.path, n)
	if err != nil {
		return err
	}
	t.IsRoot, t.IsExport, t.IsLocal, t.IsOverride = isRoot, isExport, isLocal, isOverride

	if d, _ := scalarString(fieldValue(n, "desc")); d != "" {
		t.Desc = d
	}
	if d, _ := scalarString(fieldValue(n, "doc")); d != "" {
		t.Doc = d
	}

	if usesN := fieldValue(n, "uses"); usesN != nil {
		target, err := c.resolveUsesRef(usesN)
		if err != nil {
			return err
		}
		t.Uses = target
	}

	if needsN := fieldValue(n, "needs"); needsN != nil {
		needs, err := c.resolveNeeds(needsN)
		if err != nil {
			return err
		}
		t.Needs = append(t.Needs, needs...)
	}

	if feedsN := fieldValue(n, "feeds"); feedsN != nil {
		for _, item := range sequence(feedsN) {
			s, err := requireString(c.path, item, "feeds entry")
			if err != nil {
				return err
			}
			c.feeds[s] = append(c.feeds[s], t.Short)
		}
	}

	if iffN := fieldValue(n, "iff"); iffN != nil {
		expr, err := parseExprField(c.path, iffN)
		if err != nil {
			return err
		}
		t.Iff = expr
	}

	if withN := fieldValue(n, "with"); withN != nil {
		params, err := parseWith(c.path, withN)
		if err != nil {
			return err
		}
		t.Params = params
	}

	if consumesN := fieldValue(n, "consumes"); consumesN != nil {
		pol, err := parseConsumes(c.path, consumesN)
		if err != nil {
			return err
		}
		t.Consumes = pol
	}

	if passN := fieldValue(n, "passthrough"); passN != nil {
		pol, err := parsePassthrough(c.path, passN)
		if err != nil {
			return err
		}
		t.Passthrough = pol
	}

	if rundirN := fieldValue(n, "rundir"); rundirN != nil {
		s, _ := scalarString(rundirN)
		if s == "inherit" {
			t.Rundir = symbol.RundirInherit
		} else {
			t.Rundir = symbol.RundirUnique
		}
	}

	if stratN := fieldValue(n, "strategy"); stratN != nil {
		if genN := fieldValue(stratN, "generate"); genN != nil {
			shell, _ := scalarString(fieldValue(genN, "shell"))
			run, _ := scalarString(fieldValue(genN, "run"))
			name, _ := scalarString(fieldValue(genN, "name"))
			t.Strategy = &symbol.GenerateStrategy{Shell: shell, Run: run, Name: name}
		}
	}

	if err := c.fillImpl(t, n); err != nil {
		return err
	}

	if ctrl, err := c.parseControl(n, t.Name); err != nil {
		return err
	} else if ctrl != nil {
		t.Control = ctrl
	}

	if subN := fieldValue(n, "subtasks"); subN != nil {
		subs, err := c.buildTaskList(sequence(subN), t.Name)
		if err != nil {
			return err
		}
		t.Subtasks = subs
	}

	return nil
}

// fillImpl handles the mutually-exclusive `run:`/`shell:` and `body:`
// leaf-implementation forms.
func (c *buildCtx) fillImpl(t *symbol.Task, n *yaml.Node) error {
	runN := fieldValue(n, "run")
	bodyN := fieldValue(n, "body")
	switch {
	case runN != nil && bodyN != nil:
		return errAt(c.path, n, "task %q has both run and body", t.Short)
	case runN != nil:
		run, err := requireString(c.path, runN, "run")
		if err != nil {
			return err
		}
		t.RunBody = run
		if shellN := fieldValue(n, "shell"); shellN != nil {
			sh, err := requireString(c.path, shellN, "shell")
			if err != nil {
				return err
			}
			t.Shell = sh
		} else {
			t.Shell = "sh"
		}
		t.Impl = symbol.ImplShell
	case bodyN != nil:
		callable, err := requireString(c.path, bodyN, "body")
		if err != nil {
			return err
		}
		t.Callable = callable
		t.Impl = symbol.ImplCallable
	}
	return nil
}

func (c *buildCtx) buildTaskList(nodes []*yaml.Node, parentName string) ([]*symbol.Task, error) {
	scope := map[string]*symbol.Task{}
	stubs := make([]*symbol.Task, 0, len(nodes))
	for i, rec := range nodes {
		t, err := c.declareSubtaskStub(rec, parentName, i)
		if err != nil {
			return nil, err
		}
		scope[t.Short] = t
		stubs = append(stubs, t)
	}
	c.scopes = append(c.scopes, scope)
	defer func() { c.scopes = c.scopes[:len(c.scopes)-1] }()
	for i, rec := range nodes {
		if err := c.fillTask(stubs[i], rec); err != nil {
			return nil, err
		}
	}
	return stubs, nil
}

// declareSubtaskStub is like declareTaskStub but for nested (subtask /
// control-body) records, whose qualified name is parented under the
// enclosing task rather than the package directly, and which fall back to
// a positional name when no name-form is given (control-flow bodies are
// frequently anonymous).
func (c *buildCtx) declareSubtaskStub(n *yaml.Node, parentName string, idx int) (*symbol.Task, error) {
	name, isRoot, isExport, isLocal, isOverride, hasName, err := taskNameFormOptional(c.path, n)
	if err != nil {
		return nil, err
	}
	if !hasName {
		name = fmt.Sprintf("$%d", idx)
	}
	t := &symbol.Task{
		Short:      name,
		Name:       parentName + "." + name,
		Package:    c.pkg.Name,
		IsRoot:     isRoot,
		IsExport:   isExport,
		IsLocal:    isLocal,
		IsOverride: isOverride,
		SrcInfo:    locOf(c.path, n),
	}
	c.localTasks[t.Name] = t
	return t, nil
}

// resolveUsesRef resolves a `uses:` scalar to a Task or Type, first
// checking the local package namespace, then a qualified `alias.name`
// against an imported package.
func (c *buildCtx) resolveUsesRef(n *yaml.Node) (symbol.UsesTarget, error) {
	ref, err := requireString(c.path, n, "uses")
	if err != nil {
		return nil, err
	}
	if t, ok := c.lookupScoped(ref); ok {
		return t, nil
	}
	if ty, ok := c.localTypes[ref]; ok {
		return ty, nil
	}
	return c.resolveQualified(n, ref)
}

func (c *buildCtx) resolveQualified(n *yaml.Node, ref string) (symbol.UsesTarget, error) {
	alias, short, ok := splitLast(ref)
	if !ok {
		return nil, errAt(c.path, n, "uses: %q not found in package %q", ref, c.pkg.Name)
	}
	sub, ok := c.pkg.Imports[alias]
	if !ok {
		return nil, dfmerr.At(dfmerr.KindNameNotFound, locOf(c.path, n), "uses: unknown package alias %q in %q", alias, ref)
	}
	if t, ok := sub.Tasks[short]; ok {
		return t, nil
	}
	if ty, ok := sub.Types[short]; ok {
		return ty, nil
	}
	return nil, dfmerr.At(dfmerr.KindNameNotFound, locOf(c.path, n), "uses: %q not found in package %q", short, alias)
}

// splitLast splits "a.b.c" into ("a.b", "c"); returns ok=false for an
// unqualified name.
func splitLast(s string) (prefix, last string, ok bool) {
	idx := -1
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", s, false
	}
	return s[:idx], s[idx+1:], true
}

// resolveNeeds parses `needs:`: a list of plain strings (task names,
// optionally `.needs`-suffixed to splice the referent's own needs list
// rather than depend on it directly) or `{task, block}` records.
func (c *buildCtx) resolveNeeds(n *yaml.Node) ([]symbol.NeedRef, error) {
	var out []symbol.NeedRef
	for _, item := range sequence(n) {
		if s, ok := scalarString(item); ok {
			refs, err := c.resolveNeedString(item, s, true)
			if err != nil {
				return nil, err
			}
			out = append(out, refs...)
			continue
		}
		taskRef, _ := scalarString(fieldValue(item, "task"))
		block, _ := scalarBool(fieldValue(item, "block"))
		refs, err := c.resolveNeedString(item, taskRef, block)
		if err != nil {
			return nil, err
		}
		out = append(out, refs...)
	}
	return out, nil
}

const needsSuffix = ".needs"

func (c *buildCtx) resolveNeedString(n *yaml.Node, ref string, block bool) ([]symbol.NeedRef, error) {
	if len(ref) > len(needsSuffix) && ref[len(ref)-len(needsSuffix):] == needsSuffix {
		base := ref[:len(ref)-len(needsSuffix)]
		t, err := c.lookupTask(n, base)
		if err != nil {
			return nil, err
		}
		return append([]symbol.NeedRef(nil), t.Needs...), nil
	}
	t, err := c.lookupTask(n, ref)
	if err != nil {
		return nil, err
	}
	return []symbol.NeedRef{{Task: t, Block: block}}, nil
}

func (c *buildCtx) lookupTask(n *yaml.Node, ref string) (*symbol.Task, error) {
	if t, ok := c.lookupScoped(ref); ok {
		return t, nil
	}
	alias, short, ok := splitLast(ref)
	if ok {
		if sub, ok := c.pkg.Imports[alias]; ok {
			if t, ok := sub.Tasks[short]; ok {
				return t, nil
			}
		}
	}
	return nil, dfmerr.At(dfmerr.KindNameNotFound, locOf(c.path, n), "needs: task %q not found", ref)
}

func parseExprField(path string, n *yaml.Node) (exprlang.Expr, error) {
	s, err := requireString(path, n, "expression")
	if err != nil {
		return nil, err
	}
	text := s
	if isTemplateWrapped(s) {
		text = unwrapTemplate(s)
	}
	ast, err := exprlang.Parse(text)
	if err != nil {
		return nil, dfmerr.At(dfmerr.KindSyntax, locOf(path, n), "%v", err)
	}
	return ast, nil
}

func parseConsumes(path string, n *yaml.Node) (symbol.ConsumesPolicy, error) {
	if s, ok := scalarString(n); ok {
		switch s {
		case "all":
			return symbol.ConsumesPolicy{Mode: symbol.ConsumesAll, Explicit: true}, nil
		case "none":
			return symbol.ConsumesPolicy{Mode: symbol.ConsumesNone, Explicit: true}, nil
		}
		return symbol.ConsumesPolicy{}, errAt(path, n, "consumes: unknown literal %q", s)
	}
	recs, err := parseMatchRecords(n)
	if err != nil {
		return symbol.ConsumesPolicy{}, err
	}
	return symbol.ConsumesPolicy{Mode: symbol.ConsumesList, Records: recs, Explicit: true}, nil
}

func parsePassthrough(path string, n *yaml.Node) (symbol.PassthroughPolicy, error) {
	if s, ok := scalarString(n); ok {
		switch s {
		case "all":
			return symbol.PassthroughPolicy{Mode: symbol.PassthroughAll, Explicit: true}, nil
		case "none":
			return symbol.PassthroughPolicy{Mode: symbol.PassthroughNone, Explicit: true}, nil
		case "unused":
			return symbol.PassthroughPolicy{Mode: symbol.PassthroughUnused, Explicit: true}, nil
		}
		return symbol.PassthroughPolicy{}, errAt(path, n, "passthrough: unknown literal %q", s)
	}
	recs, err := parseMatchRecords(n)
	if err != nil {
		return symbol.PassthroughPolicy{}, err
	}
	return symbol.PassthroughPolicy{Mode: symbol.PassthroughList, Records: recs, Explicit: true}, nil
}

func parseMatchRecords(n *yaml.Node) ([]symbol.MatchRecord, error) {
	var out []symbol.MatchRecord
	for _, item := range sequence(n) {
		rec := symbol.MatchRecord{}
		for _, f := range mapFields(item) {
			var v any
			if err := f.Value.Decode(&v); err != nil {
				return nil, err
			}
			rec[f.Key] = v
		}
		out = append(out, rec)
	}
	return out, nil
}
