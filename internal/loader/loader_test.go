package loader

import (
	"path"
	"testing"

	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/symbol"
)

// memImporter is an in-memory Importer fixture keyed by virtual path,
// using "/"-joined paths regardless of host OS.
type memImporter struct {
	files map[string]string
	dirs  map[string][]string
}

func newMemImporter() *memImporter {
	return &memImporter{files: map[string]string{}, dirs: map[string][]string{}}
}

func (m *memImporter) Read(p string) ([]byte, error) {
	s, ok := m.files[p]
	if !ok {
		return nil, dfmerr.New(dfmerr.KindIOError, "no such file %q", p)
	}
	return []byte(s), nil
}

func (m *memImporter) Join(dir, rel string) string {
	if path.IsAbs(rel) {
		return rel
	}
	return path.Join(dir, rel)
}

func (m *memImporter) IsDir(p string) (bool, error) {
	_, ok := m.dirs[p]
	return ok, nil
}

func (m *memImporter) ListDir(p string) ([]string, error) {
	return m.dirs[p], nil
}

func TestLoadSimplePackageWithParamInheritance(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: task_a
      with:
        p1: {type: str, value: p1_a}
        p2: {type: str, value: p2_a}
      run: echo hi
    - name: task_b
      uses: task_a
      with:
        p1: p1_b
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pkg.Name != "mypkg" {
		t.Fatalf("got package name %q", pkg.Name)
	}
	tb, ok := pkg.Tasks["task_b"]
	if !ok {
		t.Fatal("task_b not registered")
	}
	merged, err := tb.MergedParams()
	if err != nil {
		t.Fatalf("MergedParams: %v", err)
	}
	want := map[string]string{"p1": "p1_b", "p2": "p2_a"}
	if len(merged) != 2 {
		t.Fatalf("got %d merged params, want 2: %+v", len(merged), merged)
	}
	for _, p := range merged {
		if p.Default.Literal.(string) != want[p.Name] {
			t.Errorf("param %q: got %v, want %v", p.Name, p.Default.Literal, want[p.Name])
		}
	}
}

func TestLoadForwardReferenceUsesAndNeeds(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: consumer
      uses: producer
      needs: [producer]
    - name: producer
      run: echo produced
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	consumer := pkg.Tasks["consumer"]
	producer := pkg.Tasks["producer"]
	if consumer.Uses != symbol.Node(producer) {
		t.Fatalf("expected consumer.Uses to resolve to producer, forward reference failed")
	}
	if len(consumer.Needs) != 1 || consumer.Needs[0].Task != producer {
		t.Fatalf("expected consumer.Needs == [producer], got %+v", consumer.Needs)
	}
}

func TestLoadImportAndQualifiedUses(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/sub/flow.dv"] = `
package:
  name: sub
  tasks:
    - export: base
      run: echo base
`
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  imports:
    - sub/flow.dv
  tasks:
    - name: derived
      uses: sub.base
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub, ok := pkg.Imports["sub"]
	if !ok {
		t.Fatal("expected import alias 'sub'")
	}
	derived := pkg.Tasks["derived"]
	if derived.Uses != symbol.Node(sub.Tasks["base"]) {
		t.Fatal("expected derived.Uses to resolve to sub.base")
	}
}

func TestLoadFragmentMerging(t *testing.T) {
	imp := newMemImporter()
	imp.dirs["/pkg/frags"] = []string{"/pkg/frags/flow.dv", "/pkg/frags/other.txt"}
	imp.files["/pkg/frags/flow.dv"] = `
fragment:
  tasks:
    - name: extra
      run: echo extra
`
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  fragments: [frags]
  tasks:
    - name: main
      needs: [extra]
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := pkg.Tasks["extra"]; !ok {
		t.Fatal("expected fragment task 'extra' merged into package")
	}
	if len(pkg.Fragments) != 1 {
		t.Fatalf("expected 1 fragment recorded, got %d", len(pkg.Fragments))
	}
	main := pkg.Tasks["main"]
	if len(main.Needs) != 1 || main.Needs[0].Task != pkg.Tasks["extra"] {
		t.Fatalf("expected main to need extra, got %+v", main.Needs)
	}
}

func TestLoadFeedsAppliedAfterAllTasks(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: fed
      run: echo fed
    - name: feeder
      run: echo feeder
      feeds: [fed]
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	fed := pkg.Tasks["fed"]
	feeder := pkg.Tasks["feeder"]
	if len(fed.Needs) != 1 || fed.Needs[0].Task != feeder {
		t.Fatalf("expected fed.Needs == [feeder], got %+v", fed.Needs)
	}
}

func TestLoadIfControlBlock(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: gate
      if:
        cond: "${{ 1 == 1 }}"
        body:
          - name: then_task
            run: echo then
        else-body:
          - name: else_task
            run: echo else
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	gate := pkg.Tasks["gate"]
	if gate.Control == nil || gate.Control.Kind != symbol.ControlIf {
		t.Fatalf("expected an If control block, got %+v", gate.Control)
	}
	if len(gate.Control.Body) != 1 || gate.Control.Body[0].Short != "then_task" {
		t.Fatalf("unexpected if-body: %+v", gate.Control.Body)
	}
	if len(gate.Control.ElseBody) != 1 || gate.Control.ElseBody[0].Short != "else_task" {
		t.Fatalf("unexpected else-body: %+v", gate.Control.ElseBody)
	}
}

func TestLoadRepeatControlBlock(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: retry
      repeat:
        count: 5
        max-iter: 20
        until: "${{ done }}"
        state:
          done: "${{ false }}"
          attempts: "${{ 0 }}"
        feedback: "${{ fb }}"
        body:
          - name: step
            run: echo step
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctrl := pkg.Tasks["retry"].Control
	if ctrl == nil || ctrl.Kind != symbol.ControlRepeat {
		t.Fatalf("expected a Repeat control block, got %+v", ctrl)
	}
	if ctrl.Count != 5 || ctrl.MaxIter != 20 {
		t.Fatalf("count/max-iter = %d/%d, want 5/20", ctrl.Count, ctrl.MaxIter)
	}
	if ctrl.Until == nil {
		t.Fatal("until expression dropped")
	}
	if len(ctrl.State) != 2 || ctrl.State["done"] == nil || ctrl.State["attempts"] == nil {
		t.Fatalf("state expressions dropped: %+v", ctrl.State)
	}
	if ctrl.Feedback == nil {
		t.Fatal("feedback expression dropped")
	}
	if len(ctrl.Body) != 1 || ctrl.Body[0].Short != "step" {
		t.Fatalf("unexpected body: %+v", ctrl.Body)
	}
}

func TestLoadDoWhileControlBlock(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: converge
      do-while:
        until: "${{ stable }}"
        state:
          stable: "${{ false }}"
        feedback: "${{ fb }}"
        body:
          - name: pass
            run: echo pass
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ctrl := pkg.Tasks["converge"].Control
	if ctrl == nil || ctrl.Kind != symbol.ControlDoWhile {
		t.Fatalf("expected a DoWhile control block, got %+v", ctrl)
	}
	if ctrl.Until == nil {
		t.Fatal("until expression dropped")
	}
	if len(ctrl.State) != 1 || ctrl.State["stable"] == nil {
		t.Fatalf("state expressions dropped: %+v", ctrl.State)
	}
	if ctrl.Feedback == nil {
		t.Fatal("feedback expression dropped")
	}
}

func TestLoadDuplicateNameFormsRejected(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: a
      root: a
      run: echo hi
`
	_, _, err := Load("/pkg/flow.dv", imp)
	if dfmerr.KindOf(err) != dfmerr.KindSchema {
		t.Fatalf("expected SchemaError, got %v", err)
	}
}

func TestLoadConsumesAndPassthroughLiterals(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: t
      consumes: all
      passthrough: unused
      run: echo hi
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tk := pkg.Tasks["t"]
	if tk.Consumes.Mode != symbol.ConsumesAll {
		t.Fatalf("expected ConsumesAll, got %v", tk.Consumes.Mode)
	}
	if tk.Passthrough.Mode != symbol.PassthroughUnused {
		t.Fatalf("expected PassthroughUnused, got %v", tk.Passthrough.Mode)
	}
}

func TestLoadOverridesReplaceTaskParams(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: build
      with:
        mode: {type: str, value: fast}
      run: echo hi
  overrides:
    - task: build
      with:
        mode: slow
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	build := pkg.Tasks["build"]
	var mode *symbol.ParamDef
	for i := range build.Params {
		if build.Params[i].Name == "mode" {
			mode = &build.Params[i]
		}
	}
	if mode == nil || mode.Default == nil {
		t.Fatal("mode param missing after override")
	}
	if mode.Default.Literal != "slow" {
		t.Fatalf("got mode default %v, want overridden value", mode.Default.Literal)
	}
}

func TestLoadSubtaskSiblingScope(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: comp
      subtasks:
        - name: gen
          run: echo gen
        - name: use
          needs: [gen]
          run: echo use
`
	pkg, _, err := Load("/pkg/flow.dv", imp)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	comp := pkg.Tasks["comp"]
	if len(comp.Subtasks) != 2 {
		t.Fatalf("expected 2 subtasks, got %d", len(comp.Subtasks))
	}
	gen, use := comp.Subtasks[0], comp.Subtasks[1]
	if gen.Name != "mypkg.comp.gen" {
		t.Fatalf("subtask name = %q, want parented qualified name", gen.Name)
	}
	if len(use.Needs) != 1 || use.Needs[0].Task != gen {
		t.Fatalf("expected sibling-scoped needs resolution, got %+v", use.Needs)
	}
}

func TestLoadRecursiveImportRejected(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: a
  imports:
    - other/flow.dv
`
	imp.files["/pkg/other/flow.dv"] = `
package:
  name: b
  imports:
    - ../flow.dv
`
	_, _, err := Load("/pkg/flow.dv", imp)
	if dfmerr.KindOf(err) != dfmerr.KindCycle {
		t.Fatalf("expected Cycle error for recursive import, got %v", err)
	}
}

func TestLoadOverridesUnknownTaskRejected(t *testing.T) {
	imp := newMemImporter()
	imp.files["/pkg/flow.dv"] = `
package:
  name: mypkg
  tasks:
    - name: a
      run: echo hi
  overrides:
    - task: nope
      with:
        x: y
`
	_, _, err := Load("/pkg/flow.dv", imp)
	if dfmerr.KindOf(err) != dfmerr.KindNameNotFound {
		t.Fatalf("expected NameNotFound, got %v", err)
	}
}
