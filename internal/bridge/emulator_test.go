package bridge

// ============================================================================
// Host Emulator Test File
// Purpose: Verify buffer reuse, kernel launch, detach/close ownership
// ============================================================================

import (
	"context"
	"iter"
	"testing"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(values ...any) iter.Seq[types.Record] {
	return func(yield func(types.Record) bool) {
		for _, v := range values {
			if !yield(types.Record{v}) {
				return
			}
		}
	}
}

func scaleSpec() *types.FunctionSpec {
	return &types.FunctionSpec{
		Name:          "scale",
		InputColumns:  []string{"x"},
		OutputColumns: []string{"y"},
		Kernel:        ScaleKernel,
	}
}

func newEmulator(limit int64) *Emulator {
	e := NewEmulator(NewDevice(limit))
	RegisterBuiltins(e)
	return e
}

func scaleArgs(rows iter.Seq[types.Record], n int64) InitArgs {
	return InitArgs{
		Rows:        rows,
		RowCount:    n,
		InputNames:  []string{"x"},
		OutputNames: []string{"y"},
		ConstArgs:   []any{2.0},
		Stages:      1,
		GridSizes:   []int{1},
		BlockSizes:  []int{256},
	}
}

func drain(t *testing.T, c Cursor) []types.Record {
	t.Helper()
	var out []types.Record
	for {
		ok, err := c.Advance(context.Background())
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, c.Current())
	}
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestUnknownKernel(t *testing.T) {
	e := newEmulator(0)
	spec := scaleSpec()
	spec.Kernel = types.KernelRef{Module: "missing.ptx", Entry: "nope"}

	_, err := e.NewCursor(spec)
	assert.ErrorIs(t, err, ErrKernelNotFound)
}

func TestScaleRoundTrip(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)

	require.NoError(t, c.Init(context.Background(), scaleArgs(records(1.0, 2.0, 3.0), 3)))
	got := drain(t, c)
	assert.Equal(t, []types.Record{{2.0}, {4.0}, {6.0}}, got)

	st := e.Device().Stats()
	assert.Equal(t, int64(1), st.Uploads)
	assert.Equal(t, 2, st.Buffers)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, e.Device().Stats().Buffers, "close frees owned buffers")
}

func TestAdvanceBeforeInit(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)

	_, err = c.Advance(context.Background())
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestUseAfterClose(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err = c.Advance(context.Background())
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, c.Init(context.Background(), scaleArgs(records(1.0), 1)), ErrSessionClosed)
}

// ============================================================================
// Shape Validation Tests
// ============================================================================

func TestInitShapeMismatch(t *testing.T) {
	e := newEmulator(0)

	tests := []struct {
		name string
		args InitArgs
	}{
		{"row count", scaleArgs(records(1.0, 2.0), 3)},
		{"record width", func() InitArgs {
			a := scaleArgs(func(yield func(types.Record) bool) { yield(types.Record{1.0, 2.0}) }, 1)
			return a
		}()},
		{"stage dims", func() InitArgs {
			a := scaleArgs(records(1.0), 1)
			a.GridSizes = []int{1, 1}
			return a
		}()},
		{"array sizes", func() InitArgs {
			a := scaleArgs(records(1.0), 1)
			a.OutputArraySizes = []int{1, 2}
			return a
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := e.NewCursor(scaleSpec())
			require.NoError(t, err)
			defer c.Close()
			assert.ErrorIs(t, c.Init(context.Background(), tt.args), ErrShapeMismatch)
		})
	}
}

func TestInitOutOfMemory(t *testing.T) {
	// room for the input only
	e := newEmulator(3 * elementSize)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)

	err = c.Init(context.Background(), scaleArgs(records(1.0, 2.0, 3.0), 3))
	assert.ErrorIs(t, err, ErrOutOfDeviceMemory)

	require.NoError(t, c.Close())
	assert.Equal(t, 0, e.Device().Stats().Buffers)
}

// ============================================================================
// Buffer Reuse Tests
// ============================================================================

func TestDetachKeepsBuffers(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	require.NoError(t, c.Init(context.Background(), scaleArgs(records(1.0, 2.0), 2)))
	drain(t, c)

	bufs := c.Detach()
	require.NoError(t, c.Close())

	assert.Len(t, bufs, 2)
	assert.Contains(t, bufs, types.InputBuffer("x"))
	assert.Contains(t, bufs, types.OutputBuffer("y"))
	for _, ptr := range bufs {
		assert.True(t, e.Device().Resident(ptr))
	}
}

func TestReuseSelfSlot(t *testing.T) {
	e := newEmulator(0)

	first, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	require.NoError(t, first.Init(context.Background(), scaleArgs(records(1.0, 2.0), 2)))
	drain(t, first)
	cached := first.Detach()
	require.NoError(t, first.Close())

	second, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	args := scaleArgs(records(1.0, 2.0), 2)
	args.Flags = types.CacheFlags{SelfCached: true}
	args.Buffers[SelfSlot] = cached
	require.NoError(t, second.Init(context.Background(), args))

	assert.Equal(t, []types.Record{{2.0}, {4.0}}, drain(t, second))
	assert.Equal(t, int64(1), e.Device().Stats().Uploads, "second session uploads nothing")

	again := second.Detach()
	require.NoError(t, second.Close())
	in, out := types.InputBuffer("x"), types.OutputBuffer("y")
	assert.Equal(t, cached[in], again[in], "cached input is handed back")
	assert.NotEqual(t, cached[out], again[out], "outputs are never written in place")
	assert.Equal(t, 3, e.Device().Stats().Buffers)
}

func TestCachedOutputIsReadOnly(t *testing.T) {
	e := newEmulator(0)

	first, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	require.NoError(t, first.Init(context.Background(), scaleArgs(records(1.0, 2.0), 2)))
	drain(t, first)
	cached := first.Detach()
	require.NoError(t, first.Close())

	before, err := e.Device().Download(cached[types.OutputBuffer("y")])
	require.NoError(t, err)

	second, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	args := scaleArgs(records(1.0, 2.0), 2)
	args.ConstArgs = []any{10.0}
	args.Flags = types.CacheFlags{SelfCached: true}
	args.Buffers[SelfSlot] = cached
	require.NoError(t, second.Init(context.Background(), args))
	assert.Equal(t, []types.Record{{10.0}, {20.0}}, drain(t, second))
	require.NoError(t, second.Close())

	after, err := e.Device().Download(cached[types.OutputBuffer("y")])
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestReuseChildSlot(t *testing.T) {
	e := newEmulator(0)

	producer, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	require.NoError(t, producer.Init(context.Background(), scaleArgs(records(1.0, 2.0), 2)))
	drain(t, producer)
	childBufs := producer.Detach()
	require.NoError(t, producer.Close())

	consumer := scaleSpec()
	consumer.InputColumns = []string{"y"}
	consumer.OutputColumns = []string{"z"}
	c, err := e.NewCursor(consumer)
	require.NoError(t, err)

	args := scaleArgs(records(2.0, 4.0), 2)
	args.InputNames = []string{"y"}
	args.OutputNames = []string{"z"}
	args.Flags = types.CacheFlags{ChildCached: true}
	args.Buffers[ChildSlot] = childBufs
	require.NoError(t, c.Init(context.Background(), args))

	assert.Equal(t, []types.Record{{4.0}, {8.0}}, drain(t, c))
	assert.Equal(t, int64(1), e.Device().Stats().Uploads)

	own := c.Detach()
	require.NoError(t, c.Close())
	assert.NotContains(t, own, types.InputBuffer("y"), "child buffers stay with the child")
	assert.True(t, e.Device().Resident(childBufs[types.OutputBuffer("y")]))
}

// ============================================================================
// Builtin Kernel Tests
// ============================================================================

func TestSumMultiStage(t *testing.T) {
	e := newEmulator(0)
	spec := &types.FunctionSpec{
		Name:              "sum",
		Kernel:            SumKernel,
		OutputCardinality: types.Some[int64](1),
	}
	c, err := e.NewCursor(spec)
	require.NoError(t, err)
	defer c.Close()

	args := InitArgs{
		Rows:        records(int64(1), int64(2), int64(3), int64(4), int64(5)),
		RowCount:    5,
		InputNames:  []string{"v"},
		OutputNames: []string{"total"},
		Stages:      2,
		GridSizes:   []int{2, 1},
		BlockSizes:  []int{2, 1},
	}
	require.NoError(t, c.Init(context.Background(), args))
	assert.Equal(t, []types.Record{{15.0}}, drain(t, c))
}

func TestRampArrayOutput(t *testing.T) {
	e := newEmulator(0)
	spec := &types.FunctionSpec{Name: "ramp", Kernel: RampKernel}
	c, err := e.NewCursor(spec)
	require.NoError(t, err)
	defer c.Close()

	args := InitArgs{
		Rows:             records(1.0, 2.0),
		RowCount:         2,
		InputNames:       []string{"v"},
		OutputNames:      []string{"r"},
		OutputArraySizes: []int{3},
		Stages:           1,
		GridSizes:        []int{1},
		BlockSizes:       []int{32},
	}
	require.NoError(t, c.Init(context.Background(), args))
	assert.Equal(t, []types.Record{
		{[]float64{0, 1, 2}},
		{[]float64{0, 2, 4}},
	}, drain(t, c))
}

func TestAddKeepsIntegers(t *testing.T) {
	e := newEmulator(0)
	spec := &types.FunctionSpec{Name: "add", Kernel: AddKernel}
	c, err := e.NewCursor(spec)
	require.NoError(t, err)
	defer c.Close()

	rows := func(yield func(types.Record) bool) {
		_ = yield(types.Record{int64(1), int64(10)}) && yield(types.Record{int64(2), 0.5})
	}
	args := InitArgs{
		Rows:        rows,
		RowCount:    2,
		InputNames:  []string{"a", "b"},
		OutputNames: []string{"c"},
		Stages:      1,
		GridSizes:   []int{1},
		BlockSizes:  []int{8},
	}
	require.NoError(t, c.Init(context.Background(), args))
	assert.Equal(t, []types.Record{{int64(11)}, {2.5}}, drain(t, c))
}

func TestKernelErrorSurfaces(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Init(context.Background(), scaleArgs(records("nope"), 1)))
	_, err = c.Advance(context.Background())
	assert.ErrorIs(t, err, ErrKernelArgs)
}

func TestAdvanceCancelled(t *testing.T) {
	e := newEmulator(0)
	c, err := e.NewCursor(scaleSpec())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Init(context.Background(), scaleArgs(records(1.0), 1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Advance(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
