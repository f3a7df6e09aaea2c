// Package codec converts between engine rows and the native records an
// accelerator session consumes and produces.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// ErrShapeMismatch is returned when a row or record does not fit the layout.
var ErrShapeMismatch = errors.New("row shape mismatch")

// Decoder turns an engine row into a native record.
type Decoder interface {
	Decode(row types.Row) (types.Record, error)
	Width() int
}

// Encoder turns a native record into an engine row.
type Encoder interface {
	Encode(rec types.Record) (types.Row, error)
	Width() int
}

// Columns binds a schema to an ordered column selection. It decodes by
// picking the selected columns out of a schema-shaped row and encodes by
// placing record values back at their schema positions.
type Columns struct {
	schema  types.Schema
	columns []string
	index   []int
}

// NewColumns builds a layout over schema. A nil selection is positional and
// selects every column in schema order.
func NewColumns(schema types.Schema, columns []string) (*Columns, error) {
	if columns == nil {
		columns = schema.Names()
	}
	index := make([]int, len(columns))
	for i, c := range columns {
		pos := schema.Index(c)
		if pos < 0 {
			return nil, fmt.Errorf("%w: column %q not in schema %v", ErrShapeMismatch, c, schema.Names())
		}
		index[i] = pos
	}
	return &Columns{schema: schema, columns: columns, index: index}, nil
}

// Width is the number of selected columns.
func (c *Columns) Width() int { return len(c.columns) }

// Names returns the selected columns in order.
func (c *Columns) Names() []string { return c.columns }

// Decode implements Decoder.
func (c *Columns) Decode(row types.Row) (types.Record, error) {
	if len(row) != len(c.schema) {
		return nil, fmt.Errorf("%w: row has %d values, schema has %d", ErrShapeMismatch, len(row), len(c.schema))
	}
	rec := make(types.Record, len(c.index))
	for i, pos := range c.index {
		v, err := coerce(c.schema[pos], row[pos])
		if err != nil {
			return nil, err
		}
		rec[i] = v
	}
	return rec, nil
}

// Encode implements Encoder. Columns not selected stay nil.
func (c *Columns) Encode(rec types.Record) (types.Row, error) {
	if len(rec) != len(c.index) {
		return nil, fmt.Errorf("%w: record has %d values, want %d (%s)", ErrShapeMismatch, len(rec), len(c.index), strings.Join(c.columns, ","))
	}
	row := make(types.Row, len(c.schema))
	for i, pos := range c.index {
		v, err := coerce(c.schema[pos], rec[i])
		if err != nil {
			return nil, err
		}
		row[pos] = v
	}
	return row, nil
}

// coerce checks v against col, widening plain ints to int64 and float32 to
// float64. Nil is accepted for every type.
func coerce(col types.Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case types.AnyType, "":
		return v, nil
	case types.Int64Type:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		}
	case types.Float64Type:
		switch f := v.(type) {
		case float64:
			return f, nil
		case float32:
			return float64(f), nil
		}
	case types.StringType:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case types.ArrayType:
		if a, ok := v.([]float64); ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: column %q wants %s, got %T", ErrShapeMismatch, col.Name, col.Type, v)
}
