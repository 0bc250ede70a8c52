package loader

import (
	"github.com/dfateng/dfm/internal/exprlang"
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// parseControl recognizes at most one of the `if/while/do-while/repeat/
// match` control-flow blocks on a task record and builds its
// ControlDef, including the symbolic (not yet instantiated) body tasks.
func (c *buildCtx) parseControl(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	if v := fieldValue(n, "if"); v != nil {
		return c.parseIf(v, taskName)
	}
	if v := fieldValue(n, "while"); v != nil {
		return c.parseWhile(v, taskName)
	}
	if v := fieldValue(n, "do-while"); v != nil {
		return c.parseDoWhile(v, taskName)
	}
	if v := fieldValue(n, "repeat"); v != nil {
		return c.parseRepeat(v, taskName)
	}
	if v := fieldValue(n, "match"); v != nil {
		return c.parseMatch(v, taskName)
	}
	return nil, nil
}

func (c *buildCtx) parseIf(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	cond, err := parseExprField(c.path, fieldValue(n, "cond"))
	if err != nil {
		return nil, err
	}
	body, err := c.buildTaskList(sequence(fieldValue(n, "body")), taskName+".then")
	if err != nil {
		return nil, err
	}
	var elseBody []*symbol.Task
	if eb := fieldValue(n, "else-body"); eb != nil {
		elseBody, err = c.buildTaskList(sequence(eb), taskName+".else")
		if err != nil {
			return nil, err
		}
	}
	return &symbol.ControlDef{Kind: symbol.ControlIf, Cond: cond, Body: body, ElseBody: elseBody}, nil
}

func (c *buildCtx) parseWhile(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	cond, err := parseExprField(c.path, fieldValue(n, "cond"))
	if err != nil {
		return nil, err
	}
	body, err := c.buildTaskList(sequence(fieldValue(n, "body")), taskName+".body")
	if err != nil {
		return nil, err
	}
	state, err := parseExprMap(c.path, fieldValue(n, "state"))
	if err != nil {
		return nil, err
	}
	var feedback exprlang.Expr
	if fb := fieldValue(n, "feedback"); fb != nil {
		feedback, err = parseExprField(c.path, fb)
		if err != nil {
			return nil, err
		}
	}
	maxIter, _ := scalarInt(fieldValue(n, "max-iter"))
	return &symbol.ControlDef{
		Kind: symbol.ControlWhile, Cond: cond, Body: body,
		State: state, Feedback: feedback, MaxIter: maxIter,
	}, nil
}

func (c *buildCtx) parseDoWhile(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	body, err := c.buildTaskList(sequence(fieldValue(n, "body")), taskName+".body")
	if err != nil {
		return nil, err
	}
	var until exprlang.Expr
	if u := fieldValue(n, "until"); u != nil {
		until, err = parseExprField(c.path, u)
		if err != nil {
			return nil, err
		}
	}
	state, err := parseExprMap(c.path, fieldValue(n, "state"))
	if err != nil {
		return nil, err
	}
	var feedback exprlang.Expr
	if fb := fieldValue(n, "feedback"); fb != nil {
		feedback, err = parseExprField(c.path, fb)
		if err != nil {
			return nil, err
		}
	}
	maxIter, _ := scalarInt(fieldValue(n, "max-iter"))
	return &symbol.ControlDef{
		Kind: symbol.ControlDoWhile, Until: until, Body: body,
		State: state, Feedback: feedback, MaxIter: maxIter,
	}, nil
}

func (c *buildCtx) parseRepeat(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	body, err := c.buildTaskList(sequence(fieldValue(n, "body")), taskName+".body")
	if err != nil {
		return nil, err
	}
	var until exprlang.Expr
	if u := fieldValue(n, "until"); u != nil {
		until, err = parseExprField(c.path, u)
		if err != nil {
			return nil, err
		}
	}
	state, err := parseExprMap(c.path, fieldValue(n, "state"))
	if err != nil {
		return nil, err
	}
	var feedback exprlang.Expr
	if fb := fieldValue(n, "feedback"); fb != nil {
		feedback, err = parseExprField(c.path, fb)
		if err != nil {
			return nil, err
		}
	}
	count, _ := scalarInt(fieldValue(n, "count"))
	maxIter, _ := scalarInt(fieldValue(n, "max-iter"))
	return &symbol.ControlDef{
		Kind: symbol.ControlRepeat, Count: count, Until: until, Body: body,
		State: state, Feedback: feedback, MaxIter: maxIter,
	}, nil
}

func (c *buildCtx) parseMatch(n *yaml.Node, taskName string) (*symbol.ControlDef, error) {
	var cases []symbol.MatchCase
	for _, caseN := range sequence(fieldValue(n, "cases")) {
		body, err := c.buildTaskList(sequence(fieldValue(caseN, "body")), taskName+".case")
		if err != nil {
			return nil, err
		}
		whenN := fieldValue(caseN, "when")
		if whenN == nil {
			cases = append(cases, symbol.MatchCase{IsDefault: true, Body: body})
			continue
		}
		when, err := parseExprField(c.path, whenN)
		if err != nil {
			return nil, err
		}
		cases = append(cases, symbol.MatchCase{When: when, Body: body})
	}
	if defN := fieldValue(n, "default"); defN != nil {
		body, err := c.buildTaskList(sequence(defN), taskName+".default")
		if err != nil {
			return nil, err
		}
		cases = append(cases, symbol.MatchCase{IsDefault: true, Body: body})
	}
	return &symbol.ControlDef{Kind: symbol.ControlMatch, Cases: cases}, nil
}

func parseExprMap(path string, n *yaml.Node) (map[string]exprlang.Expr, error) {
	if n == nil {
		return nil, nil
	}
	out := map[string]exprlang.Expr{}
	for _, f := range mapFields(n) {
		e, err := parseExprField(path, f.Value)
		if err != nil {
			return nil, err
		}
		out[f.Key] = e
	}
	return out, nil
}
