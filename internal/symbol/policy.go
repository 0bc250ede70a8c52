package symbol

// RundirPolicy controls whether a task's rundir segment is pushed onto
// the builder's rundir stack.
type RundirPolicy int

const (
	RundirUnique RundirPolicy = iota
	RundirInherit
)

// ConsumesMode selects how a task filters upstream data items. The zero
// value is ConsumesAll, the default for a task that declares nothing.
type ConsumesMode int

const (
	ConsumesAll ConsumesMode = iota
	ConsumesNone
	ConsumesList
)

// PassthroughMode selects how a task forwards upstream data items. The
// zero value is PassthroughUnused, the default for a task that declares
// nothing.
type PassthroughMode int

const (
	PassthroughUnused PassthroughMode = iota
	PassthroughAll
	PassthroughNone
	PassthroughList
)

// MatchRecord is a conjunctive attribute pattern: a data item matches iff
// every key present here is attribute-equal on the item (absent fields on
// the item count as no match). Used by both Consumes and Passthrough list
// modes.
type MatchRecord map[string]any

// ConsumesPolicy is a task's `consumes:` directive. Explicit records
// whether the task declared the policy itself; a non-explicit policy
// inherits from the nearest ancestor in the uses chain that did.
type ConsumesPolicy struct {
	Mode     ConsumesMode
	Records  []MatchRecord
	Explicit bool
}

// PassthroughPolicy is a task's `passthrough:` directive. Explicit works
// as on ConsumesPolicy.
type PassthroughPolicy struct {
	Mode     PassthroughMode
	Records  []MatchRecord
	Explicit bool
}

// GenerateStrategy names a registered dynamic sub-DAG generator (the
// `strategy: generate` mechanism), invoked at build time. Callers
// register Generator implementations by name on the TaskGraphBuilder.
type GenerateStrategy struct {
	Shell string
	Run   string
	Name  string
}
