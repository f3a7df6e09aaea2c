// Package types defines the domain model shared by the planner, the device
// cache and the offload operator.
package types

import (
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
)

// Row is the engine-side representation of one record.
type Row []any

// Record is the native row exchanged with an accelerator session. Values are
// laid out in the order of FunctionSpec.InputColumns / OutputColumns.
type Record []any

// PlanIdentity is a SHA-256 digest of a canonical logical-plan serialization.
type PlanIdentity [32]byte

// String returns the lowercase hex form of the identity.
func (id PlanIdentity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first 12 hex characters, used in logs.
func (id PlanIdentity) Short() string {
	return id.String()[:12]
}

// IsZero reports whether id was never computed.
func (id PlanIdentity) IsZero() bool {
	return id == PlanIdentity{}
}

// ParsePlanIdentity decodes the hex form produced by String.
func ParsePlanIdentity(s string) (PlanIdentity, error) {
	var id PlanIdentity
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid plan identity %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid plan identity %q: want %d bytes, got %d", s, len(id), len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// BufferName names a device buffer inside one session, e.g. "in:x".
type BufferName string

// DevicePointer is an opaque handle to accelerator memory.
type DevicePointer uint64

// BufferMap maps named buffers to device pointers.
type BufferMap map[BufferName]DevicePointer

// Clone returns an independent copy; a nil map clones to an empty one.
func (m BufferMap) Clone() BufferMap {
	out := make(BufferMap, len(m))
	maps.Copy(out, m)
	return out
}

// InputBuffer is the buffer name holding input column col.
func InputBuffer(col string) BufferName { return BufferName("in:" + col) }

// OutputBuffer is the buffer name holding output column col.
func OutputBuffer(col string) BufferName { return BufferName("out:" + col) }

// CacheFlags records, at planning time, whether the operator's own output and
// its child's output are marked cache-eligible.
type CacheFlags struct {
	SelfCached  bool
	ChildCached bool
}

// Bits returns the packed form (child<<1)|self.
func (f CacheFlags) Bits() uint8 {
	var b uint8
	if f.SelfCached {
		b |= 1
	}
	if f.ChildCached {
		b |= 2
	}
	return b
}

// Optional is a value that may be absent. The zero value is absent.
type Optional[T any] struct {
	value T
	ok    bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

// None returns an absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

// Present reports whether a value is set.
func (o Optional[T]) Present() bool {
	return o.ok
}

// StageCountFunc derives the number of kernel stages from a row count.
type StageCountFunc func(rowCount int64) int

// DimensionFunc derives (grid, block) for one stage.
type DimensionFunc func(rowCount int64, stage int) (grid, block int)

// KernelRef identifies the accelerator program: a module (PTX/cubin resource
// path) and an entry point inside it.
type KernelRef struct {
	Module string
	Entry  string
}

func (k KernelRef) String() string {
	return k.Module + "#" + k.Entry
}

// ErrInvalidSpec is returned for malformed function specifications.
var ErrInvalidSpec = errors.New("invalid function spec")

// FunctionSpec declares an accelerated transformation. It must be supplied
// fully formed and is shared read-only by every partition task.
type FunctionSpec struct {
	Name string

	// nil means positional
	InputColumns  []string
	OutputColumns []string

	Kernel KernelRef

	StageCount        Optional[StageCountFunc]
	Dimensions        Optional[DimensionFunc]
	OutputCardinality Optional[int64]
}

// Validate reports configuration errors.
func (s *FunctionSpec) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil spec", ErrInvalidSpec)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSpec)
	}
	if s.Kernel.Module == "" || s.Kernel.Entry == "" {
		return fmt.Errorf("%w: %s: kernel reference %q is incomplete", ErrInvalidSpec, s.Name, s.Kernel)
	}
	if err := checkColumns(s.InputColumns); err != nil {
		return fmt.Errorf("%w: %s: input columns: %v", ErrInvalidSpec, s.Name, err)
	}
	if err := checkColumns(s.OutputColumns); err != nil {
		return fmt.Errorf("%w: %s: output columns: %v", ErrInvalidSpec, s.Name, err)
	}
	if n, ok := s.OutputCardinality.Get(); ok && n < 0 {
		return fmt.Errorf("%w: %s: negative output cardinality %d", ErrInvalidSpec, s.Name, n)
	}
	return nil
}

// Positional reports whether input columns are matched by position.
func (s *FunctionSpec) Positional() bool {
	return s.InputColumns == nil
}

func checkColumns(cols []string) error {
	seen := make(map[string]struct{}, len(cols))
	for i, c := range cols {
		if c == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		if _, dup := seen[c]; dup {
			return fmt.Errorf("duplicate column %q", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Dimensions is the launch geometry for one partition.
type Dimensions struct {
	Stages     int
	GridSizes  []int
	BlockSizes []int
}

// ColumnType is the declared type of a schema column.
type ColumnType string

const (
	Int64Type   ColumnType = "int64"
	Float64Type ColumnType = "float64"
	StringType  ColumnType = "string"
	// ArrayType holds []float64 values.
	ArrayType ColumnType = "array<float64>"
	// AnyType skips type checks.
	AnyType ColumnType = "any"
)

// Column is one field of a Schema.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// Schema is an ordered list of columns.
type Schema []Column

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = c.Name
	}
	return out
}
