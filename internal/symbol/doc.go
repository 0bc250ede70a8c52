// Package symbol implements the static data model lowered from a loaded
// package tree: Package, Task, Type, ParamDef and FragmentDef, plus the
// uses-chain parameter-inheritance merge shared by Task and Type.
//
// This package has no notion of execution: it is the symbolic layer the
// builder (internal/builder) walks to produce an executable TaskNode DAG.
package symbol
