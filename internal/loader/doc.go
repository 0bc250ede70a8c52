// Package loader parses the package YAML document format into a
// symbol.Package tree using gopkg.in/yaml.v3, retaining
// yaml.Node.Line/Column so every Task/Type/ParamDef carries a SrcInfo
// usable in error markers.
package loader
