// ============================================================================
// OffloadExec - accelerated map operator
// ============================================================================
//
// Package: internal/exec
// File: offload.go
//
// Per-partition state machine (no re-entry):
//
//   Init -> Materializing -> DimensionResolved -> BridgeInitialized
//        -> Streaming -> Exhausted
//   any state -> Failed
//
//   Materializing      drain the child, decode every row, count rows
//   DimensionResolved  launch geometry computed from the row count
//   BridgeInitialized  cursor created, cached buffers passed, Advance called
//                      once to prime the pipeline
//   Streaming          Next returns the primed row first, then Advances
//   Exhausted          self buffers stored in the device cache (when the
//                      operator is cache-eligible), cursor closed
//   Failed             cursor closed, nothing stored
//
// Cached buffers are leased from the device cache before Init and the
// leases end after the cursor is closed, on every exit path.
//
// ============================================================================

package exec

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/codec"
	"github.com/ChuLiYu/gpu-offload/internal/launch"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// State is the lifecycle position of one partition's execution.
type State int

const (
	StateInit State = iota
	StateMaterializing
	StateDimensionResolved
	StateBridgeInitialized
	StateStreaming
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateMaterializing:
		return "Materializing"
	case StateDimensionResolved:
		return "DimensionResolved"
	case StateBridgeInitialized:
		return "BridgeInitialized"
	case StateStreaming:
		return "Streaming"
	case StateExhausted:
		return "Exhausted"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BufferCache is the part of the device cache the operator uses. Acquired
// buffers stay valid until release is called, even across an eviction.
type BufferCache interface {
	Acquire(id types.PlanIdentity, partition int) (buffers types.BufferMap, release func())
	Store(id types.PlanIdentity, partition int, buffers types.BufferMap) error
}

// Recorder receives operator metrics.
type Recorder interface {
	OutputRow()
	CacheLookup(hit bool)
	KernelLatency(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) OutputRow()                  {}
func (nopRecorder) CacheLookup(bool)            {}
func (nopRecorder) KernelLatency(time.Duration) {}

// Env carries the services shared by every operator of a session.
type Env struct {
	Cache   BufferCache
	Bridge  bridge.Factory
	Launch  launch.Planner
	Metrics Recorder
}

func (e *Env) recorder() Recorder {
	if e.Metrics == nil {
		return nopRecorder{}
	}
	return e.Metrics
}

// Identities are the content hashes of the operator's own output and of its
// child's output.
type Identities struct {
	Self  types.PlanIdentity
	Child types.PlanIdentity
}

// OffloadConfig is fixed at planning time and shared read-only by every
// partition task.
type OffloadConfig struct {
	Spec             *types.FunctionSpec
	ConstArgs        []any
	OutputArraySizes []int
	Flags            types.CacheFlags
	IDs              Identities

	// Per-stage user overrides; zero or missing entries fall through.
	UserGrid  []int
	UserBlock []int

	Input  *codec.Columns
	Output *codec.Columns
	Schema types.Schema
}

// NewOffloadConfig binds spec to the child and output schemas.
func NewOffloadConfig(spec *types.FunctionSpec, childSchema, output types.Schema) (*OffloadConfig, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	in, err := codec.NewColumns(childSchema, spec.InputColumns)
	if err != nil {
		return nil, fmt.Errorf("%s input: %w", spec.Name, err)
	}
	out, err := codec.NewColumns(output, spec.OutputColumns)
	if err != nil {
		return nil, fmt.Errorf("%s output: %w", spec.Name, err)
	}
	return &OffloadConfig{
		Spec:   spec,
		Input:  in,
		Output: out,
		Schema: output,
	}, nil
}

// OffloadExec runs an accelerated function over each partition of Child.
type OffloadExec struct {
	Config *OffloadConfig
	Child  Plan
	Env    *Env
}

func (o *OffloadExec) Name() string {
	c := o.Config
	return fmt.Sprintf("Offload %s kernel=%s flags=%02b self=%s child=%s",
		c.Spec.Name, c.Spec.Kernel, c.Flags.Bits(), c.IDs.Self.Short(), c.IDs.Child.Short())
}
func (o *OffloadExec) Schema() types.Schema { return o.Config.Schema }
func (o *OffloadExec) NumPartitions() int   { return o.Child.NumPartitions() }
func (o *OffloadExec) Children() []Plan     { return []Plan{o.Child} }

func (o *OffloadExec) WithChildren(children []Plan) Plan {
	cp := *o
	cp.Child = children[0]
	return &cp
}

// Execute materializes the partition, launches the kernel and returns a lazy
// iterator over its results. On error the session is already closed.
func (o *OffloadExec) Execute(ctx context.Context, partition int) (RowIterator, error) {
	it := &offloadIterator{
		op:        o,
		partition: partition,
		metrics:   o.Env.recorder(),
	}
	if err := it.start(ctx); err != nil {
		return nil, it.fail(err)
	}
	return it, nil
}

type offloadIterator struct {
	op        *OffloadExec
	partition int
	metrics   Recorder

	state    State
	err      error
	rows     []types.Record
	rowCount int64
	dims     types.Dimensions
	cursor   bridge.Cursor
	leases   []func()

	primed   bool
	primedOK bool
	row      types.Row
}

func (it *offloadIterator) start(ctx context.Context) error {
	cfg := it.op.Config
	env := it.op.Env

	it.state = StateMaterializing
	if err := it.materialize(ctx); err != nil {
		return err
	}

	self := types.BufferMap{}
	child := types.BufferMap{}
	if cfg.Flags.SelfCached {
		self = it.acquire(cfg.IDs.Self)
	}
	if cfg.Flags.ChildCached {
		child = it.acquire(cfg.IDs.Child)
	}

	dims, err := env.Launch.Plan(cfg.Spec, it.rowCount, cfg.UserGrid, cfg.UserBlock)
	if err != nil {
		return err
	}
	it.dims = dims
	it.state = StateDimensionResolved

	cursor, err := env.Bridge.NewCursor(cfg.Spec)
	if err != nil {
		return err
	}
	it.cursor = cursor

	err = cursor.Init(ctx, bridge.InitArgs{
		Rows:             it.records(),
		RowCount:         it.rowCount,
		InputNames:       cfg.Input.Names(),
		OutputNames:      cfg.Output.Names(),
		ConstArgs:        cfg.ConstArgs,
		OutputArraySizes: cfg.OutputArraySizes,
		Flags:            cfg.Flags,
		Buffers:          [2]types.BufferMap{self, child},
		Partition:        it.partition,
		Stages:           dims.Stages,
		GridSizes:        dims.GridSizes,
		BlockSizes:       dims.BlockSizes,
	})
	if err != nil {
		return fmt.Errorf("init accelerator session: %w", err)
	}
	it.rows = nil
	it.state = StateBridgeInitialized

	// the priming advance launches the kernel; transfers in Init are not
	// counted
	start := time.Now()
	ok, err := cursor.Advance(ctx)
	if err != nil {
		return err
	}
	it.metrics.KernelLatency(time.Since(start))
	it.primed = true
	it.primedOK = ok

	log.Debug("offload partition ready",
		"function", cfg.Spec.Name,
		"plan", cfg.IDs.Self.Short(),
		"partition", it.partition,
		"rows", it.rowCount,
		"stages", dims.Stages,
		"flags", cfg.Flags.Bits(),
		"self_cached_buffers", len(self),
		"child_cached_buffers", len(child))
	return nil
}

func (it *offloadIterator) acquire(id types.PlanIdentity) types.BufferMap {
	buffers, release := it.op.Env.Cache.Acquire(id, it.partition)
	it.leases = append(it.leases, release)
	it.metrics.CacheLookup(len(buffers) > 0)
	return buffers
}

// releaseLeases ends the pins on cached buffers. Call after the session
// closed.
func (it *offloadIterator) releaseLeases() {
	for _, release := range it.leases {
		release()
	}
	it.leases = nil
}

// materialize drains the child iterator into decoded records.
func (it *offloadIterator) materialize(ctx context.Context) (err error) {
	in, err := it.op.Child.Execute(ctx, it.partition)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := in.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	dec := it.op.Config.Input
	for {
		ok, err := in.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		rec, err := dec.Decode(in.Row())
		if err != nil {
			return fmt.Errorf("partition %d row %d: %w", it.partition, it.rowCount, err)
		}
		it.rows = append(it.rows, rec)
		it.rowCount++
	}
	return nil
}

func (it *offloadIterator) records() iter.Seq[types.Record] {
	rows := it.rows
	return func(yield func(types.Record) bool) {
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	}
}

func (it *offloadIterator) Next(ctx context.Context) (bool, error) {
	switch it.state {
	case StateExhausted:
		return false, nil
	case StateFailed:
		return false, it.err
	}
	if err := ctx.Err(); err != nil {
		return false, it.fail(err)
	}
	it.state = StateStreaming

	var ok bool
	if it.primed {
		ok = it.primedOK
		it.primed = false
	} else {
		var err error
		ok, err = it.cursor.Advance(ctx)
		if err != nil {
			return false, it.fail(err)
		}
	}
	if !ok {
		if err := it.finish(); err != nil {
			return false, it.fail(err)
		}
		return false, nil
	}

	row, err := it.op.Config.Output.Encode(it.cursor.Current())
	if err != nil {
		return false, it.fail(err)
	}
	it.row = row
	it.metrics.OutputRow()
	return true, nil
}

func (it *offloadIterator) Row() types.Row {
	return it.row
}

// finish stores the session's buffers for a cache-eligible operator and
// releases the session.
func (it *offloadIterator) finish() error {
	cfg := it.op.Config
	if cfg.Flags.SelfCached {
		buffers := it.cursor.Detach()
		if err := it.op.Env.Cache.Store(cfg.IDs.Self, it.partition, buffers); err != nil {
			// evicted while running; the cache already released the buffers
			log.Info("device buffers not cached",
				"plan", cfg.IDs.Self.Short(),
				"partition", it.partition,
				"reason", err)
		} else {
			log.Debug("stored device buffers",
				"plan", cfg.IDs.Self.Short(),
				"partition", it.partition,
				"buffers", len(buffers))
		}
	}
	err := it.cursor.Close()
	it.cursor = nil
	it.releaseLeases()
	it.row = nil
	it.state = StateExhausted
	return err
}

// fail closes the session, releasing every buffer not handed to the cache.
func (it *offloadIterator) fail(err error) error {
	if it.state == StateFailed {
		return it.err
	}
	if it.cursor != nil {
		if cerr := it.cursor.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		it.cursor = nil
	}
	it.releaseLeases()
	log.Warn("offload partition failed",
		"function", it.op.Config.Spec.Name,
		"partition", it.partition,
		"state", it.state,
		"error", err)
	it.rows = nil
	it.row = nil
	it.state = StateFailed
	it.err = err
	return err
}

// Close abandons the partition. Results are not cached unless the iterator
// was exhausted.
func (it *offloadIterator) Close() error {
	switch it.state {
	case StateExhausted, StateFailed:
		return nil
	}
	var err error
	if it.cursor != nil {
		err = it.cursor.Close()
		it.cursor = nil
	}
	it.releaseLeases()
	it.state = StateFailed
	it.err = ErrIteratorClosed
	return err
}

// State reports where the partition is in its lifecycle.
func (it *offloadIterator) State() State {
	return it.state
}
