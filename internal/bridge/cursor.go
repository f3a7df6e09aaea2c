// Package bridge defines the contract between the offload operator and an
// accelerator execution session, and ships a host emulator implementing it.
package bridge

import (
	"context"
	"errors"
	"iter"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

var (
	// ErrSessionClosed is returned when a closed cursor is used.
	ErrSessionClosed = errors.New("accelerator session closed")
	// ErrNotInitialized is returned when Advance runs before Init.
	ErrNotInitialized = errors.New("accelerator session not initialized")
	// ErrShapeMismatch reports input rows that do not fit the declared layout.
	ErrShapeMismatch = errors.New("input does not match function layout")
	// ErrKernelNotFound is a configuration error: no program for the kernel ref.
	ErrKernelNotFound = errors.New("kernel not found")
)

// Buffer map slots passed to Init.
const (
	SelfSlot  = 0
	ChildSlot = 1
)

// InitArgs is everything a session needs before launching the kernel.
type InitArgs struct {
	Rows     iter.Seq[types.Record]
	RowCount int64

	InputNames       []string
	OutputNames      []string
	ConstArgs        []any
	OutputArraySizes []int

	Flags types.CacheFlags
	// Buffers[SelfSlot] holds this plan's cached buffers, Buffers[ChildSlot]
	// the child's.
	Buffers [2]types.BufferMap

	Partition  int
	Stages     int
	GridSizes  []int
	BlockSizes []int
}

// Cursor is one partition's accelerator session.
//
// Advance moves to the next result row, running or waiting on device work as
// needed; it may block. Current returns the row Advance moved to and is only
// valid after Advance returned true. A session is used by one goroutine.
type Cursor interface {
	// Init transfers non-resident inputs and prepares the launch. Allocation
	// and transfer failures are returned, never truncated.
	Init(ctx context.Context, args InitArgs) error
	Advance(ctx context.Context) (bool, error)
	Current() types.Record
	// Detach hands the buffers this session may pass on (its own
	// allocations and those reused from the self slot) to the caller. Close
	// no longer frees them.
	Detach() types.BufferMap
	// Close releases the session and every buffer still owned by it.
	Close() error
}

// Factory creates one cursor per partition task.
type Factory interface {
	NewCursor(spec *types.FunctionSpec) (Cursor, error)
}
