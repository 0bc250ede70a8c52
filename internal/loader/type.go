package loader

import (
	"github.com/dfateng/dfm/internal/dfmerr"
	"github.com/dfateng/dfm/internal/symbol"
	"gopkg.in/yaml.v3"
)

// declareTypeStub is pass 1 for a `types:` record: allocate the Type so a
// later or earlier sibling's `uses:` can refer to it regardless of order.
func (c *buildCtx) declareTypeStub(n *yaml.Node) (*symbol.Type, error) {
	name, err := requireString(c.path, fieldValue(n, "name"), "type name")
	if err != nil {
		return nil, err
	}
	ty := &symbol.Type{
		Short:   name,
		Name:    c.pkg.Name + "." + name,
		SrcInfo: locOf(c.path, n),
	}
	c.localTypes[name] = ty
	return ty, nil
}

func (c *buildCtx) fillType(ty *symbol.Type, n *yaml.Node) error {
	if usesN := fieldValue(n, "uses"); usesN != nil {
		ref, err := requireString(c.path, usesN, "uses")
		if err != nil {
			return err
		}
		parent, ok := c.localTypes[ref]
		if !ok {
			return dfmerr.At(dfmerr.KindNameNotFound, locOf(c.path, usesN), "type %q uses unknown type %q", ty.Short, ref)
		}
		ty.Uses = parent
	}
	if withN := fieldValue(n, "with"); withN != nil {
		params, err := parseWith(c.path, withN)
		if err != nil {
			return err
		}
		ty.Params = params
	}
	return nil
}
