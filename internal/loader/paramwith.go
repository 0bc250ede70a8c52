package loader

import (
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// parseWith parses a task/type/package `with:` mapping into ParamDefs in
// declaration order. Each value is either a plain literal (a pure
// override with no local type declaration) or a record
// {type, value, append?, prepend?, desc?, doc?}.
func parseWith(path string, n *yaml.Node) ([]symbol.ParamDef, error) {
	var out []symbol.ParamDef
	for _, f := range mapFields(n) {
		p, err := parseWithField(path, f.Key, f.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseWithField(path, name string, n *yaml.Node) (symbol.ParamDef, error) {
	loc := locOf(path, n)
	if isRecordForm(n) {
		kindStr, _ := scalarString(fieldValue(n, "type"))
		appendFlag, _ := scalarBool(fieldValue(n, "append"))
		prependFlag, _ := scalarBool(fieldValue(n, "prepend"))
		pathAppendFlag, _ := scalarBool(fieldValue(n, "path-append"))
		pathPrependFlag, _ := scalarBool(fieldValue(n, "path-prepend"))
		desc, _ := scalarString(fieldValue(n, "desc"))
		doc, _ := scalarString(fieldValue(n, "doc"))

		var def *symbol.ValueTemplate
		if v := fieldValue(n, "value"); v != nil {
			vt, err := valueTemplate(v)
			if err != nil {
				return symbol.ParamDef{}, err
			}
			def = &vt
		}
		return symbol.ParamDef{
			Name:        name,
			Kind:        paramKindOf(kindStr),
			Loc:         loc,
			Default:     def,
			Declared:    kindStr != "",
			Append:      appendFlag,
			Prepend:     prependFlag,
			PathAppend:  pathAppendFlag,
			PathPrepend: pathPrependFlag,
			Desc:        desc,
			Doc:         doc,
		}, nil
	}

	vt, err := valueTemplate(n)
	if err != nil {
		return symbol.ParamDef{}, err
	}
	return symbol.ParamDef{
		Name:     name,
		Kind:     symbol.ParamAny,
		Loc:      loc,
		Default:  &vt,
		Declared: false,
	}, nil
}

// isRecordForm reports whether n is a {type/value/append/...} record
// rather than a plain literal override. A mapping that contains a "type"
// or "value" key is treated as a record; any other mapping (or a scalar
// or sequence) is a plain literal value.
func isRecordForm(n *yaml.Node) bool {
	m := mapping(n)
	if m == nil {
		return false
	}
	return fieldValue(n, "type") != nil || fieldValue(n, "value") != nil
}

func paramKindOf(s string) symbol.ParamKind {
	switch s {
	case "str", "string":
		return symbol.ParamString
	case "int", "integer":
		return symbol.ParamInt
	case "bool", "boolean":
		return symbol.ParamBool
	case "list":
		return symbol.ParamList
	case "map", "dict":
		return symbol.ParamMap
	default:
		return symbol.ParamAny
	}
}
