// Package logical holds the logical plan IR, its content-hash identity and
// the rewrite rules applied before physical planning.
package logical

import (
	"fmt"
	"strings"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// Node is a logical plan operator.
type Node interface {
	// Kind names the operator; part of the identity.
	Kind() string
	// Args returns the literal arguments in a fixed order; part of the identity.
	Args() []any
	Children() []Node
	Schema() types.Schema
	// WithChildren returns a copy of the node over new children.
	WithChildren(children []Node) Node
}

// LocalRelation is an in-memory, already partitioned relation.
type LocalRelation struct {
	Name       string
	Columns    types.Schema
	Partitions [][]types.Row
}

func (r *LocalRelation) Kind() string         { return "LocalRelation" }
func (r *LocalRelation) Args() []any          { return []any{r.Name, r.Columns, r.Partitions} }
func (r *LocalRelation) Children() []Node     { return nil }
func (r *LocalRelation) Schema() types.Schema { return r.Columns }

func (r *LocalRelation) WithChildren([]Node) Node {
	cp := *r
	return &cp
}

// FilterOp is a comparison used by Filter.
type FilterOp string

const (
	OpEq FilterOp = "eq"
	OpGt FilterOp = "gt"
	OpLt FilterOp = "lt"
)

// Filter keeps rows where Column <Op> Value.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
	Child  Node
}

func (f *Filter) Kind() string         { return "Filter" }
func (f *Filter) Args() []any          { return []any{f.Column, string(f.Op), f.Value} }
func (f *Filter) Children() []Node     { return []Node{f.Child} }
func (f *Filter) Schema() types.Schema { return f.Child.Schema() }

func (f *Filter) WithChildren(children []Node) Node {
	cp := *f
	cp.Child = children[0]
	return &cp
}

// DeserializeToObject adapts engine rows into native records for an
// accelerated map. It does not change the schema.
type DeserializeToObject struct {
	Child Node
}

func (d *DeserializeToObject) Kind() string         { return "DeserializeToObject" }
func (d *DeserializeToObject) Args() []any          { return nil }
func (d *DeserializeToObject) Children() []Node     { return []Node{d.Child} }
func (d *DeserializeToObject) Schema() types.Schema { return d.Child.Schema() }

func (d *DeserializeToObject) WithChildren(children []Node) Node {
	return &DeserializeToObject{Child: children[0]}
}

// SerializeFromObject converts native records back into engine rows.
type SerializeFromObject struct {
	Child Node
}

func (s *SerializeFromObject) Kind() string         { return "SerializeFromObject" }
func (s *SerializeFromObject) Args() []any          { return nil }
func (s *SerializeFromObject) Children() []Node     { return []Node{s.Child} }
func (s *SerializeFromObject) Schema() types.Schema { return s.Child.Schema() }

func (s *SerializeFromObject) WithChildren(children []Node) Node {
	return &SerializeFromObject{Child: children[0]}
}

// AcceleratedMap runs Spec's kernel over every partition of Child.
type AcceleratedMap struct {
	Spec             *types.FunctionSpec
	ConstArgs        []any
	OutputArraySizes []int
	Output           types.Schema
	Child            Node
}

func (m *AcceleratedMap) Kind() string         { return "AcceleratedMap" }
func (m *AcceleratedMap) Children() []Node     { return []Node{m.Child} }
func (m *AcceleratedMap) Schema() types.Schema { return m.Output }

func (m *AcceleratedMap) Args() []any {
	return []any{specArgs(m.Spec), m.ConstArgs, m.OutputArraySizes, m.Output}
}

func (m *AcceleratedMap) WithChildren(children []Node) Node {
	cp := *m
	cp.Child = children[0]
	return &cp
}

// specArgs flattens a FunctionSpec into literals. Function-valued fields only
// contribute their presence.
func specArgs(s *types.FunctionSpec) []any {
	if s == nil {
		return nil
	}
	var card any
	if n, ok := s.OutputCardinality.Get(); ok {
		card = n
	}
	return []any{
		s.Name,
		s.InputColumns,
		s.OutputColumns,
		s.Kernel.String(),
		s.StageCount.Present(),
		s.Dimensions.Present(),
		card,
	}
}

// Transform rewrites the tree bottom-up with rule.
func Transform(n Node, rule func(Node) Node) Node {
	children := n.Children()
	if len(children) > 0 {
		rewritten := make([]Node, len(children))
		for i, c := range children {
			rewritten[i] = Transform(c, rule)
		}
		n = n.WithChildren(rewritten)
	}
	return rule(n)
}

// EliminateSerialization removes DeserializeToObject(SerializeFromObject(x))
// pairs so chained accelerated maps see each other directly.
func EliminateSerialization(root Node) Node {
	return Transform(root, func(n Node) Node {
		if d, ok := n.(*DeserializeToObject); ok {
			if s, ok := d.Child.(*SerializeFromObject); ok {
				return s.Child
			}
		}
		return n
	})
}

// Explain renders the tree, one node per line.
func Explain(n Node) string {
	var sb strings.Builder
	explain(&sb, n, 0)
	return sb.String()
}

func explain(sb *strings.Builder, n Node, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	switch v := n.(type) {
	case *LocalRelation:
		fmt.Fprintf(sb, "%s %s %v partitions=%d", v.Kind(), v.Name, v.Columns.Names(), len(v.Partitions))
	case *Filter:
		fmt.Fprintf(sb, "%s %s %s %v", v.Kind(), v.Column, v.Op, v.Value)
	case *AcceleratedMap:
		fmt.Fprintf(sb, "%s %s kernel=%s -> %v", v.Kind(), v.Spec.Name, v.Spec.Kernel, v.Output.Names())
	default:
		sb.WriteString(n.Kind())
	}
	fmt.Fprintf(sb, " [%s]\n", Identity(n).Short())
	for _, c := range n.Children() {
		explain(sb, c, depth+1)
	}
}
