// Package exec holds the physical operators. A physical plan is executed one
// partition at a time; every call to Execute builds fresh per-partition state.
package exec

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/ChuLiYu/gpu-offload/internal/codec"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

var log = slog.Default()

var (
	// ErrUnresolved is returned when a PlanLater placeholder is executed.
	ErrUnresolved = errors.New("plan has unresolved children")
	// ErrPartitionRange is returned for a partition index outside the plan.
	ErrPartitionRange = errors.New("partition out of range")
	// ErrIteratorClosed is returned by Next after Close.
	ErrIteratorClosed = errors.New("iterator closed")
)

// RowIterator is a pull-based stream of rows.
type RowIterator interface {
	Next(ctx context.Context) (bool, error)
	// Row is valid after Next returned true.
	Row() types.Row
	Close() error
}

// Plan is a physical operator.
type Plan interface {
	Name() string
	Schema() types.Schema
	NumPartitions() int
	Children() []Plan
	WithChildren(children []Plan) Plan
	Execute(ctx context.Context, partition int) (RowIterator, error)
}

// ============================================================================
// PlanLater
// ============================================================================

// PlanLater stands in for a logical subtree a strategy left to the planner.
type PlanLater struct {
	Node logical.Node
}

func (p *PlanLater) Name() string             { return "PlanLater " + p.Node.Kind() }
func (p *PlanLater) Schema() types.Schema     { return p.Node.Schema() }
func (p *PlanLater) NumPartitions() int       { return 0 }
func (p *PlanLater) Children() []Plan         { return nil }
func (p *PlanLater) WithChildren([]Plan) Plan { return p }

func (p *PlanLater) Execute(context.Context, int) (RowIterator, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnresolved, p.Node.Kind())
}

// ============================================================================
// LocalScanExec
// ============================================================================

// LocalScanExec reads an in-memory relation.
type LocalScanExec struct {
	Relation   string
	Columns    types.Schema
	Partitions [][]types.Row
}

func (s *LocalScanExec) Name() string {
	return fmt.Sprintf("LocalScan %s %v", s.Relation, s.Columns.Names())
}
func (s *LocalScanExec) Schema() types.Schema     { return s.Columns }
func (s *LocalScanExec) NumPartitions() int       { return len(s.Partitions) }
func (s *LocalScanExec) Children() []Plan         { return nil }
func (s *LocalScanExec) WithChildren([]Plan) Plan { return s }

func (s *LocalScanExec) Execute(_ context.Context, partition int) (RowIterator, error) {
	if partition < 0 || partition >= len(s.Partitions) {
		return nil, fmt.Errorf("%w: %d of %d", ErrPartitionRange, partition, len(s.Partitions))
	}
	return &sliceIterator{rows: s.Partitions[partition], pos: -1}, nil
}

type sliceIterator struct {
	rows   []types.Row
	pos    int
	closed bool
}

func (it *sliceIterator) Next(ctx context.Context) (bool, error) {
	if it.closed {
		return false, ErrIteratorClosed
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if it.pos+1 >= len(it.rows) {
		it.pos = len(it.rows)
		return false, nil
	}
	it.pos++
	return true, nil
}

func (it *sliceIterator) Row() types.Row {
	if it.pos < 0 || it.pos >= len(it.rows) {
		return nil
	}
	return it.rows[it.pos]
}

func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

// ============================================================================
// FilterExec
// ============================================================================

// FilterExec keeps rows whose column compares true against Value.
type FilterExec struct {
	Column string
	Op     logical.FilterOp
	Value  any
	Child  Plan
}

func (f *FilterExec) Name() string {
	return fmt.Sprintf("Filter %s %s %v", f.Column, f.Op, f.Value)
}
func (f *FilterExec) Schema() types.Schema { return f.Child.Schema() }
func (f *FilterExec) NumPartitions() int   { return f.Child.NumPartitions() }
func (f *FilterExec) Children() []Plan     { return []Plan{f.Child} }

func (f *FilterExec) WithChildren(children []Plan) Plan {
	cp := *f
	cp.Child = children[0]
	return &cp
}

func (f *FilterExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	idx := f.Child.Schema().Index(f.Column)
	if idx < 0 {
		return nil, fmt.Errorf("filter: column %q not in %v", f.Column, f.Child.Schema().Names())
	}
	in, err := f.Child.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}
	return &filterIterator{in: in, idx: idx, op: f.Op, value: f.Value}, nil
}

type filterIterator struct {
	in    RowIterator
	idx   int
	op    logical.FilterOp
	value any
}

func (it *filterIterator) Next(ctx context.Context) (bool, error) {
	for {
		ok, err := it.in.Next(ctx)
		if !ok || err != nil {
			return false, err
		}
		row := it.in.Row()
		if it.idx >= len(row) {
			return false, fmt.Errorf("filter: %w: row has %d values, column %d requested", codec.ErrShapeMismatch, len(row), it.idx)
		}
		keep, err := Compare(it.op, row[it.idx], it.value)
		if err != nil {
			return false, err
		}
		if keep {
			return true, nil
		}
	}
}

func (it *filterIterator) Row() types.Row { return it.in.Row() }
func (it *filterIterator) Close() error   { return it.in.Close() }

// Compare evaluates a <op> b. Numbers compare by value across widths; other
// values only support OpEq.
func Compare(op logical.FilterOp, a, b any) (bool, error) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return decide(op, cmp.Compare(x, y))
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return decide(op, strings.Compare(x, y))
		}
	}
	if op == logical.OpEq {
		return reflect.DeepEqual(a, b), nil
	}
	return false, fmt.Errorf("filter: cannot order %T against %T", a, b)
}

func decide(op logical.FilterOp, c int) (bool, error) {
	switch op {
	case logical.OpEq:
		return c == 0, nil
	case logical.OpGt:
		return c > 0, nil
	case logical.OpLt:
		return c < 0, nil
	}
	return false, fmt.Errorf("filter: unknown operator %q", op)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// ============================================================================
// ConvertExec
// ============================================================================

// ConvertExec marks a row/object conversion boundary. Rows already carry
// native values, so it passes them through unchanged.
type ConvertExec struct {
	Kind  string
	Child Plan
}

func (c *ConvertExec) Name() string         { return c.Kind }
func (c *ConvertExec) Schema() types.Schema { return c.Child.Schema() }
func (c *ConvertExec) NumPartitions() int   { return c.Child.NumPartitions() }
func (c *ConvertExec) Children() []Plan     { return []Plan{c.Child} }

func (c *ConvertExec) WithChildren(children []Plan) Plan {
	return &ConvertExec{Kind: c.Kind, Child: children[0]}
}

func (c *ConvertExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	return c.Child.Execute(ctx, partition)
}

// ============================================================================
// Helpers
// ============================================================================

// Explain renders a physical plan, one operator per line.
func Explain(p Plan) string {
	var sb strings.Builder
	explain(&sb, p, 0)
	return sb.String()
}

func explain(sb *strings.Builder, p Plan, depth int) {
	sb.WriteString(strings.Repeat("  ", depth))
	sb.WriteString(p.Name())
	sb.WriteByte('\n')
	for _, c := range p.Children() {
		explain(sb, c, depth+1)
	}
}

// Drain executes one partition and collects every row.
func Drain(ctx context.Context, p Plan, partition int) (rows []types.Row, err error) {
	it, err := p.Execute(ctx, partition)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := it.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	for {
		ok, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return rows, nil
		}
		rows = append(rows, it.Row())
	}
}
