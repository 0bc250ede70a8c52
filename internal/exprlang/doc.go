// Package exprlang implements the small typed expression language shared
// by task parameter defaults, `iff` gates, control-flow conditions and
// filter bodies:
//
//	expr = or
//	or   = and ('||' and)*
//	and  = not ('&&' not)*
//	not  = '!'? cmp
//	cmp  = add (('=='|'!='|'<'|'<='|'>'|'>=') add)?
//	add  = mul (('+'|'-') mul)*
//	mul  = pipe (('*'|'/') pipe)*
//	pipe = unary ('|' call_or_id)*
//	unary = primary ('[' index_or_slice ']' | '[]' | '.' ID)*
//	primary = INT | BOOL | STRING | '$' ID | HID | CALL | '(' expr ')'
//
// Values at runtime are plain `any` holding JSON-shaped data: nil, bool,
// float64, string, []any, map[string]any: the same shape
// encoding/json produces when decoding into `any`, so data items, inputs
// and mementos round-trip through the evaluator without a bespoke value
// type.
package exprlang
