package exprlang

// runtimeOnlyNames are the identifiers only bound once a task actually
// runs, never available while the builder is still constructing the
// graph. An expression referencing any of these must be captured as a
// DeferredExpr instead of evaluated eagerly.
var runtimeOnlyNames = map[string]bool{
	"inputs":  true,
	"memento": true,
	"rundir":  true,
}

// DeferredExpr is an expression whose evaluation had to wait for runtime
// bindings (inputs/memento/rundir) that don't exist at build time. It
// captures the parsed AST plus a snapshot of the static scope (every
// variable and resolver binding visible at the point of capture), so it
// can be evaluated later purely by adding the runtime-only bindings.
type DeferredExpr struct {
	Source string
	AST    Expr
	// StaticVars is a frozen copy of the evaluator's variable map at
	// capture time.
	StaticVars map[string]any
	Resolver   Resolver
	Filters    FilterRegistry
	Package    string
}

// Capture parses source and returns a DeferredExpr snapshotting ev's
// current static scope. It does not evaluate the expression.
func Capture(ev *Evaluator, source string) (*DeferredExpr, error) {
	ast, err := Parse(source)
	if err != nil {
		return nil, err
	}
	vars := make(map[string]any, len(ev.Vars))
	for k, v := range ev.Vars {
		vars[k] = v
	}
	return &DeferredExpr{
		Source:     source,
		AST:        ast,
		StaticVars: vars,
		Resolver:   ev.Resolver,
		Filters:    ev.Filters,
		Package:    ev.CurrentPackage,
	}, nil
}

// NeedsDeferral reports whether e references any runtime-only name
// (inputs/memento/rundir) anywhere in its tree, meaning it cannot be
// evaluated until those bindings exist.
func NeedsDeferral(e Expr) bool {
	found := false
	Walk(e, func(n Expr) bool {
		if found {
			return false
		}
		switch t := n.(type) {
		case *ExprId:
			if runtimeOnlyNames[t.Name] {
				found = true
			}
		case *ExprHId:
			if len(t.Parts) > 0 && runtimeOnlyNames[t.Parts[0]] {
				found = true
			}
		case *ExprVar:
			if runtimeOnlyNames[t.Name] {
				found = true
			}
		}
		return !found
	})
	return found
}

// Walk invokes visit on e and every descendant node in a pre-order
// traversal, stopping a branch early when visit returns false for the
// node at its root.
func Walk(e Expr, visit func(Expr) bool) {
	if e == nil || !visit(e) {
		return
	}
	switch n := e.(type) {
	case *ExprBin:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
	case *ExprUnary:
		Walk(n.Operand, visit)
	case *ExprCall:
		for _, a := range n.Args {
			Walk(a, visit)
		}
		for _, a := range n.NamedArgs {
			Walk(a, visit)
		}
	case *ExprIndex:
		Walk(n.Base, visit)
		Walk(n.Index, visit)
	case *ExprSlice:
		Walk(n.Base, visit)
		Walk(n.Lo, visit)
		Walk(n.Hi, visit)
	case *ExprFlattenAll:
		Walk(n.Base, visit)
	case *ExprField:
		Walk(n.Base, visit)
	case *ExprPipe:
		Walk(n.Left, visit)
		Walk(n.Right, visit)
	case *ExprHId:
		if n.Default != nil {
			Walk(n.Default, visit)
		}
	}
}

// Eval evaluates the deferred expression against the captured static
// scope plus the supplied runtime bindings (inputs, memento, rundir).
func (d *DeferredExpr) Eval(runtime map[string]any) (any, error) {
	ev := &Evaluator{
		Vars:           make(map[string]any, len(d.StaticVars)+len(runtime)),
		Resolver:       d.Resolver,
		Filters:        d.Filters,
		CurrentPackage: d.Package,
	}
	for k, v := range d.StaticVars {
		ev.Vars[k] = v
	}
	for k, v := range runtime {
		ev.Vars[k] = v
	}
	return ev.Eval(d.AST)
}
