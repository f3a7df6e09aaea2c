// ============================================================================
// Host Emulator - accelerator session running kernels on the CPU
// ============================================================================
//
// Package: internal/bridge
// File: emulator.go
//
// Session lifecycle:
//   NewCursor  -> kernel lookup (configuration error if unknown)
//   Init       -> shape checks, columnarize rows, resolve every input buffer:
//                   1. self slot  "in:<col>"  (this plan, previous action)
//                   2. child slot "out:<col>" (producer plan)
//                   3. upload from host
//                 then allocate fresh output buffers
//   Advance    -> first call launches every stage in order and downloads the
//                 outputs; later calls walk the staged rows
//   Detach     -> own allocations + self-slot buffers leave the session
//   Close      -> frees whatever the session still owns
//
// Cached buffers are read-only: other sessions may be reading them at the
// same time. Kernels only ever write to this session's own outputs. Buffers
// reused from the child slot belong to the child's cache entry and are never
// freed or detached here.
//
// ============================================================================

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

// Launch is the view a kernel gets of one stage.
type Launch struct {
	Stage     int
	Grid      int
	Block     int
	RowCount  int64
	OutRows   int64
	Consts    []any
	ArraySize map[string]int

	// Inputs and Outputs are the column names in function order.
	Inputs  []string
	Outputs []string

	In  map[string][]any
	Out map[string][]any
}

// Threads is grid*block.
func (l *Launch) Threads() int {
	return l.Grid * l.Block
}

// ForEachThread runs fn once per thread id, like a kernel launch. Kernels
// must bounds-check tid against the data they touch.
func (l *Launch) ForEachThread(fn func(tid int)) {
	n := l.Threads()
	for tid := 0; tid < n; tid++ {
		fn(tid)
	}
}

// Kernel is an emulated accelerator program.
type Kernel func(ctx context.Context, l *Launch) error

// Emulator is a Factory backed by a Device and a kernel registry.
type Emulator struct {
	device *Device

	mu      sync.RWMutex
	kernels map[types.KernelRef]Kernel
}

// NewEmulator returns an emulator over device with no kernels registered.
func NewEmulator(device *Device) *Emulator {
	return &Emulator{
		device:  device,
		kernels: make(map[types.KernelRef]Kernel),
	}
}

// Device returns the emulated device.
func (e *Emulator) Device() *Device {
	return e.device
}

// Register binds ref to k, replacing an earlier binding.
func (e *Emulator) Register(ref types.KernelRef, k Kernel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kernels[ref] = k
}

// NewCursor implements Factory.
func (e *Emulator) NewCursor(spec *types.FunctionSpec) (Cursor, error) {
	e.mu.RLock()
	k, ok := e.kernels[spec.Kernel]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKernelNotFound, spec.Kernel)
	}
	return &session{
		id:     uuid.New(),
		spec:   spec,
		kernel: k,
		device: e.device,
		owned:  make(types.BufferMap),
		passed: make(types.BufferMap),
	}, nil
}

type session struct {
	id     uuid.UUID
	spec   *types.FunctionSpec
	kernel Kernel
	device *Device

	args    InitArgs
	outRows int64

	inputs  map[string]types.DevicePointer
	outputs map[string]types.DevicePointer

	// owned are allocations made by this session; passed are self-slot
	// inputs reused from the cache. Both are returned by Detach.
	owned  types.BufferMap
	passed types.BufferMap

	initialized bool
	launched    bool
	closed      bool

	staged  map[string][]any
	pos     int64
	current types.Record
}

func (s *session) Init(ctx context.Context, args InitArgs) error {
	if s.closed {
		return ErrSessionClosed
	}
	if args.Stages < 1 || len(args.GridSizes) != args.Stages || len(args.BlockSizes) != args.Stages {
		return fmt.Errorf("%w: %d stages with %d grid and %d block sizes", ErrShapeMismatch, args.Stages, len(args.GridSizes), len(args.BlockSizes))
	}
	if len(args.OutputArraySizes) > 0 && len(args.OutputArraySizes) != len(args.OutputNames) {
		return fmt.Errorf("%w: %d output array sizes for %d outputs", ErrShapeMismatch, len(args.OutputArraySizes), len(args.OutputNames))
	}

	columns := make([][]any, len(args.InputNames))
	for i := range columns {
		columns[i] = make([]any, 0, args.RowCount)
	}
	var n int64
	for rec := range args.Rows {
		if len(rec) != len(args.InputNames) {
			return fmt.Errorf("%w: row %d has %d values, %s takes %d", ErrShapeMismatch, n, len(rec), s.spec.Name, len(args.InputNames))
		}
		for i, v := range rec {
			columns[i] = append(columns[i], v)
		}
		n++
	}
	if n != args.RowCount {
		return fmt.Errorf("%w: got %d rows, expected %d", ErrShapeMismatch, n, args.RowCount)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.args = args
	s.outRows = args.RowCount
	if c, ok := s.spec.OutputCardinality.Get(); ok {
		s.outRows = c
	}

	self := args.Buffers[SelfSlot]
	child := args.Buffers[ChildSlot]

	s.inputs = make(map[string]types.DevicePointer, len(args.InputNames))
	reused := 0
	for i, name := range args.InputNames {
		buf := types.InputBuffer(name)
		if ptr, ok := self[buf]; ok && s.device.Len(ptr) == int(n) {
			s.inputs[name] = ptr
			s.passed[buf] = ptr
			reused++
			continue
		}
		if ptr, ok := child[types.OutputBuffer(name)]; ok && s.device.Len(ptr) == int(n) {
			s.inputs[name] = ptr
			reused++
			continue
		}
		ptr, err := s.device.Upload(columns[i])
		if err != nil {
			return fmt.Errorf("transfer %s: %w", buf, err)
		}
		s.inputs[name] = ptr
		s.owned[buf] = ptr
	}

	s.outputs = make(map[string]types.DevicePointer, len(args.OutputNames))
	for _, name := range args.OutputNames {
		buf := types.OutputBuffer(name)
		ptr, err := s.device.Alloc(int(s.outRows))
		if err != nil {
			return fmt.Errorf("allocate %s: %w", buf, err)
		}
		s.outputs[name] = ptr
		s.owned[buf] = ptr
	}

	s.initialized = true
	log.Debug("accelerator session initialized",
		"session", s.id,
		"function", s.spec.Name,
		"partition", args.Partition,
		"rows", n,
		"reused_inputs", reused,
		"flags", args.Flags.Bits())
	return nil
}

func (s *session) launch(ctx context.Context) error {
	start := time.Now()

	in := make(map[string][]any, len(s.inputs))
	for name, ptr := range s.inputs {
		buf, ok := s.device.view(ptr)
		if !ok {
			return fmt.Errorf("input %s: %w: %d", name, ErrBadPointer, ptr)
		}
		in[name] = buf
	}
	out := make(map[string][]any, len(s.outputs))
	for name, ptr := range s.outputs {
		buf, ok := s.device.view(ptr)
		if !ok {
			return fmt.Errorf("output %s: %w: %d", name, ErrBadPointer, ptr)
		}
		out[name] = buf
	}
	arraySize := make(map[string]int, len(s.args.OutputArraySizes))
	for i, size := range s.args.OutputArraySizes {
		arraySize[s.args.OutputNames[i]] = size
	}

	for stage := 0; stage < s.args.Stages; stage++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		l := &Launch{
			Stage:     stage,
			Grid:      s.args.GridSizes[stage],
			Block:     s.args.BlockSizes[stage],
			RowCount:  s.args.RowCount,
			OutRows:   s.outRows,
			Consts:    s.args.ConstArgs,
			ArraySize: arraySize,
			Inputs:    s.args.InputNames,
			Outputs:   s.args.OutputNames,
			In:        in,
			Out:       out,
		}
		if err := s.kernel(ctx, l); err != nil {
			return fmt.Errorf("kernel %s stage %d: %w", s.spec.Kernel, stage, err)
		}
	}

	s.staged = make(map[string][]any, len(s.outputs))
	for name, ptr := range s.outputs {
		host, err := s.device.Download(ptr)
		if err != nil {
			return fmt.Errorf("download %s: %w", name, err)
		}
		s.staged[name] = host
	}

	log.Debug("kernel finished",
		"session", s.id,
		"function", s.spec.Name,
		"stages", s.args.Stages,
		"duration", time.Since(start))
	return nil
}

func (s *session) Advance(ctx context.Context) (bool, error) {
	if s.closed {
		return false, ErrSessionClosed
	}
	if !s.initialized {
		return false, ErrNotInitialized
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !s.launched {
		if err := s.launch(ctx); err != nil {
			return false, err
		}
		s.launched = true
	}
	if s.pos >= s.outRows {
		s.current = nil
		return false, nil
	}
	rec := make(types.Record, len(s.args.OutputNames))
	for i, name := range s.args.OutputNames {
		rec[i] = s.staged[name][s.pos]
	}
	s.current = rec
	s.pos++
	return true, nil
}

func (s *session) Current() types.Record {
	return s.current
}

func (s *session) Detach() types.BufferMap {
	out := make(types.BufferMap, len(s.owned)+len(s.passed))
	for name, ptr := range s.passed {
		out[name] = ptr
	}
	for name, ptr := range s.owned {
		out[name] = ptr
	}
	clear(s.owned)
	clear(s.passed)
	return out
}

func (s *session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for name, ptr := range s.owned {
		if err := s.device.Free(ptr); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("free %s: %w", name, err)
		}
	}
	clear(s.owned)
	s.staged = nil
	return firstErr
}
