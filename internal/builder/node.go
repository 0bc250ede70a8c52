// Package builder lowers a resolved symbol.Package into a TaskNode DAG:
// the leaf/compound decision, rundir-stack discipline, needs wiring and
// compound expansion, with parameter resolution split into eager values
// and DeferredExprs held until run time.
package builder

import (
	"github.com/dfateng/dfm/internal/symbol"
)

// Kind distinguishes the three TaskNode shapes the builder can produce.
type Kind int

const (
	KindLeaf Kind = iota
	KindCompound
	KindControl
)

// NeedEdge is one resolved dependency: a target node plus the blocking
// flag inherited from symbol.NeedRef.
type NeedEdge struct {
	Node  Node
	Block bool
}

// Node is any member of the built TaskNode DAG.
type Node interface {
	Name() string
	Rundir() string
	Kind() Kind
	Needs() []NeedEdge
	AddNeed(n Node, block bool)
	Task() *symbol.Task
	Params() *ParamSet
	Consumes() symbol.ConsumesPolicy
	Passthrough() symbol.PassthroughPolicy
}

type base struct {
	name        string
	rundir      string
	task        *symbol.Task
	needs       []NeedEdge
	params      *ParamSet
	consumes    symbol.ConsumesPolicy
	passthrough symbol.PassthroughPolicy
}

func (b *base) Name() string                          { return b.name }
func (b *base) Rundir() string                        { return b.rundir }
func (b *base) Needs() []NeedEdge                     { return b.needs }
func (b *base) AddNeed(n Node, block bool)            { b.needs = append(b.needs, NeedEdge{Node: n, Block: block}) }
func (b *base) Task() *symbol.Task                    { return b.task }
func (b *base) Params() *ParamSet                     { return b.params }
func (b *base) Consumes() symbol.ConsumesPolicy       { return b.consumes }
func (b *base) Passthrough() symbol.PassthroughPolicy { return b.passthrough }

// LeafNode is an executable leaf TaskNode: it has
// either a shell command, a registered callable, or no body at all (a
// "null" aggregator used purely for its needs/passthrough wiring).
type LeafNode struct {
	base
}

func (n *LeafNode) Kind() Kind { return KindLeaf }

// CompoundNode is a TaskNode built from a task with subtasks (or a
// compound ancestor in its uses chain): it has no body of its own, only a
// synthetic Input node and a set of child nodes.
type CompoundNode struct {
	base
	Input    *LeafNode
	Children []Node
}

func (n *CompoundNode) Kind() Kind { return KindCompound }

// ControlNode is a TaskNode whose body is materialized at run time. The
// builder
// stops at recording the ControlDef and merged params; the runner expands
// the actual iterations.
type ControlNode struct {
	base
	Control *symbol.ControlDef
}

func (n *ControlNode) Kind() Kind { return KindControl }

var (
	_ Node = (*LeafNode)(nil)
	_ Node = (*CompoundNode)(nil)
	_ Node = (*ControlNode)(nil)
)

