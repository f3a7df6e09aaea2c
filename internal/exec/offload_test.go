package exec

// ============================================================================
// Offload Operator Test File
// Purpose: Verify priming, cache lookup/store, failure cleanup
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/devcache"
	"github.com/ChuLiYu/gpu-offload/internal/launch"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeCursor struct {
	args     bridge.InitArgs
	consumed int

	advances int
	pos      int
	current  types.Record
	failAt   int // Advance call that errors; 0 never

	initDelay time.Duration

	owned    types.BufferMap
	detached bool
	closed   bool
}

func (c *fakeCursor) Init(_ context.Context, args bridge.InitArgs) error {
	c.args = args
	for range args.Rows {
		c.consumed++
	}
	time.Sleep(c.initDelay)
	return nil
}

func (c *fakeCursor) Advance(ctx context.Context) (bool, error) {
	c.advances++
	if c.failAt == c.advances {
		return false, errors.New("device fault")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if c.pos >= c.consumed {
		return false, nil
	}
	c.current = types.Record{float64(c.pos) * 10}
	c.pos++
	return true, nil
}

func (c *fakeCursor) Current() types.Record { return c.current }

func (c *fakeCursor) Detach() types.BufferMap {
	c.detached = true
	out := c.owned
	c.owned = nil
	return out
}

func (c *fakeCursor) Close() error {
	c.closed = true
	return nil
}

type fakeFactory struct {
	cursor *fakeCursor
	calls  int
}

func (f *fakeFactory) NewCursor(*types.FunctionSpec) (bridge.Cursor, error) {
	f.calls++
	return f.cursor, nil
}

type storeCall struct {
	id        types.PlanIdentity
	partition int
	buffers   types.BufferMap
}

type fakeCache struct {
	mu       sync.Mutex
	entries  map[types.PlanIdentity]types.BufferMap
	lookups  []types.PlanIdentity
	stores   []storeCall
	leased   int
	released int
}

func (c *fakeCache) Acquire(id types.PlanIdentity, _ int) (types.BufferMap, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups = append(c.lookups, id)
	c.leased++
	return c.entries[id].Clone(), func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.released++
	}
}

func (c *fakeCache) Store(id types.PlanIdentity, partition int, buffers types.BufferMap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stores = append(c.stores, storeCall{id, partition, buffers})
	return nil
}

type countingRecorder struct {
	rows, hits, misses, launches int
	latencies                    []time.Duration
}

func (r *countingRecorder) OutputRow() { r.rows++ }
func (r *countingRecorder) CacheLookup(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}
func (r *countingRecorder) KernelLatency(d time.Duration) {
	r.launches++
	r.latencies = append(r.latencies, d)
}

var (
	selfID  = types.PlanIdentity{1}
	childID = types.PlanIdentity{2}
)

func inputSchema() types.Schema {
	return types.Schema{{Name: "x", Type: types.Float64Type}}
}

func outputSchema() types.Schema {
	return types.Schema{{Name: "y", Type: types.Float64Type}}
}

func scanOf(rows ...types.Row) *LocalScanExec {
	return &LocalScanExec{Relation: "t", Columns: inputSchema(), Partitions: [][]types.Row{rows}}
}

func newOffload(t *testing.T, child Plan, flags types.CacheFlags, env *Env) *OffloadExec {
	t.Helper()
	spec := &types.FunctionSpec{
		Name:          "scale",
		InputColumns:  []string{"x"},
		OutputColumns: []string{"y"},
		Kernel:        bridge.ScaleKernel,
	}
	cfg, err := NewOffloadConfig(spec, child.Schema(), outputSchema())
	require.NoError(t, err)
	cfg.ConstArgs = []any{2.0}
	cfg.Flags = flags
	cfg.IDs = Identities{Self: selfID, Child: childID}
	return &OffloadExec{Config: cfg, Child: child, Env: env}
}

func fakeEnv(cursor *fakeCursor, cache *fakeCache) (*Env, *fakeFactory, *countingRecorder) {
	f := &fakeFactory{cursor: cursor}
	rec := &countingRecorder{}
	return &Env{Cache: cache, Bridge: f, Launch: launch.NewPlanner(0), Metrics: rec}, f, rec
}

// ============================================================================
// Streaming Tests
// ============================================================================

func TestOffloadPrimesOnce(t *testing.T) {
	cursor := &fakeCursor{}
	env, factory, rec := fakeEnv(cursor, &fakeCache{})
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.0}, types.Row{3.0}), types.CacheFlags{}, env)

	it, err := op.Execute(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, cursor.advances, "Execute primes exactly once")
	assert.Equal(t, StateBridgeInitialized, it.(*offloadIterator).State())

	var got []types.Row
	for {
		ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, it.Row())
	}
	require.NoError(t, it.Close())

	assert.Equal(t, []types.Row{{0.0}, {10.0}, {20.0}}, got, "primed row is not skipped")
	assert.Equal(t, 4, cursor.advances, "n rows take n+1 advances")
	assert.Equal(t, 1, factory.calls)
	assert.Equal(t, 3, rec.rows)
	assert.Equal(t, 1, rec.launches)
	assert.True(t, cursor.closed)
	assert.False(t, cursor.detached)
	assert.Equal(t, StateExhausted, it.(*offloadIterator).State())
}

func TestOffloadKernelLatencyExcludesInit(t *testing.T) {
	cursor := &fakeCursor{initDelay: 50 * time.Millisecond}
	env, _, rec := fakeEnv(cursor, &fakeCache{})
	op := newOffload(t, scanOf(types.Row{1.0}), types.CacheFlags{}, env)

	_, err := Drain(context.Background(), op, 0)
	require.NoError(t, err)

	require.Len(t, rec.latencies, 1)
	assert.Less(t, rec.latencies[0], cursor.initDelay, "uploads in Init are not kernel time")
}

func TestOffloadInitArgs(t *testing.T) {
	cursor := &fakeCursor{}
	env, _, _ := fakeEnv(cursor, &fakeCache{})
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.0}), types.CacheFlags{}, env)
	op.Config.UserBlock = []int{64}

	_, err := Drain(context.Background(), op, 0)
	require.NoError(t, err)

	a := cursor.args
	assert.Equal(t, int64(2), a.RowCount)
	assert.Equal(t, []string{"x"}, a.InputNames)
	assert.Equal(t, []string{"y"}, a.OutputNames)
	assert.Equal(t, []any{2.0}, a.ConstArgs)
	assert.Equal(t, 1, a.Stages)
	assert.Equal(t, []int{1}, a.GridSizes)
	assert.Equal(t, []int{64}, a.BlockSizes)
	assert.Empty(t, a.Buffers[bridge.SelfSlot])
	assert.Empty(t, a.Buffers[bridge.ChildSlot])
}

func TestOffloadEmptyPartition(t *testing.T) {
	cursor := &fakeCursor{owned: types.BufferMap{"out:y": 7}}
	cache := &fakeCache{}
	env, _, _ := fakeEnv(cursor, cache)
	op := newOffload(t, scanOf(), types.CacheFlags{SelfCached: true}, env)

	rows, err := Drain(context.Background(), op, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Equal(t, 1, cursor.advances)
	assert.Equal(t, []int{1}, cursor.args.GridSizes)
	require.Len(t, cache.stores, 1)
}

// ============================================================================
// Cache Tests
// ============================================================================

func TestOffloadCacheFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   types.CacheFlags
		lookups []types.PlanIdentity
		stores  int
	}{
		{"none", types.CacheFlags{}, nil, 0},
		{"self", types.CacheFlags{SelfCached: true}, []types.PlanIdentity{selfID}, 1},
		{"child", types.CacheFlags{ChildCached: true}, []types.PlanIdentity{childID}, 0},
		{"both", types.CacheFlags{SelfCached: true, ChildCached: true}, []types.PlanIdentity{selfID, childID}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cursor := &fakeCursor{owned: types.BufferMap{"in:x": 1, "out:y": 2}}
			cache := &fakeCache{entries: map[types.PlanIdentity]types.BufferMap{
				selfID:  {"in:x": 1},
				childID: {"out:x": 9},
			}}
			env, _, rec := fakeEnv(cursor, cache)
			op := newOffload(t, scanOf(types.Row{1.0}), tt.flags, env)

			_, err := Drain(context.Background(), op, 0)
			require.NoError(t, err)

			assert.Equal(t, tt.lookups, cache.lookups)
			assert.Len(t, cache.stores, tt.stores)
			assert.Equal(t, len(tt.lookups), cache.leased)
			assert.Equal(t, cache.leased, cache.released, "every lease ends with the partition")
			assert.Equal(t, len(tt.lookups), rec.hits)
			assert.Equal(t, tt.flags.SelfCached, cursor.detached)

			if tt.flags.SelfCached {
				assert.Equal(t, types.BufferMap{"in:x": 1}, cursor.args.Buffers[bridge.SelfSlot])
				assert.Equal(t, storeCall{selfID, 0, types.BufferMap{"in:x": 1, "out:y": 2}}, cache.stores[0])
			}
			if tt.flags.ChildCached {
				assert.Equal(t, types.BufferMap{"out:x": 9}, cursor.args.Buffers[bridge.ChildSlot])
			}
		})
	}
}

// ============================================================================
// Failure Tests
// ============================================================================

func TestOffloadAdvanceErrorClosesSession(t *testing.T) {
	cursor := &fakeCursor{failAt: 2, owned: types.BufferMap{"out:y": 2}}
	cache := &fakeCache{}
	env, _, _ := fakeEnv(cursor, cache)
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.0}), types.CacheFlags{SelfCached: true}, env)

	_, err := Drain(context.Background(), op, 0)
	assert.ErrorContains(t, err, "device fault")
	assert.True(t, cursor.closed)
	assert.Empty(t, cache.stores, "no partial commit")
	assert.Equal(t, 1, cache.released, "failure ends the lease")
}

func TestOffloadPrimeErrorFailsExecute(t *testing.T) {
	cursor := &fakeCursor{failAt: 1}
	env, _, _ := fakeEnv(cursor, &fakeCache{})
	op := newOffload(t, scanOf(types.Row{1.0}), types.CacheFlags{}, env)

	it, err := op.Execute(context.Background(), 0)
	assert.Nil(t, it)
	assert.ErrorContains(t, err, "device fault")
	assert.True(t, cursor.closed)
}

func TestOffloadCancellation(t *testing.T) {
	cursor := &fakeCursor{}
	cache := &fakeCache{}
	env, _, _ := fakeEnv(cursor, cache)
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.0}), types.CacheFlags{SelfCached: true}, env)

	ctx, cancel := context.WithCancel(context.Background())
	it, err := op.Execute(ctx, 0)
	require.NoError(t, err)
	ok, err := it.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	cancel()
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, cursor.closed)
	assert.Empty(t, cache.stores)

	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, context.Canceled, "no re-entry after failure")
}

func TestOffloadCloseEarly(t *testing.T) {
	cursor := &fakeCursor{}
	cache := &fakeCache{}
	env, _, _ := fakeEnv(cursor, cache)
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.0}), types.CacheFlags{SelfCached: true}, env)

	it, err := op.Execute(context.Background(), 0)
	require.NoError(t, err)
	_, err = it.Next(context.Background())
	require.NoError(t, err)
	require.NoError(t, it.Close())

	assert.True(t, cursor.closed)
	assert.False(t, cursor.detached)
	assert.Empty(t, cache.stores)
	_, err = it.Next(context.Background())
	assert.ErrorIs(t, err, ErrIteratorClosed)
}

func TestOffloadDecodeMismatch(t *testing.T) {
	cursor := &fakeCursor{}
	env, factory, _ := fakeEnv(cursor, &fakeCache{})
	op := newOffload(t, scanOf(types.Row{"not a number"}), types.CacheFlags{}, env)

	_, err := op.Execute(context.Background(), 0)
	assert.Error(t, err)
	assert.Equal(t, 0, factory.calls, "no session before materialization succeeds")
}

func TestOffloadInvalidSpec(t *testing.T) {
	_, err := NewOffloadConfig(&types.FunctionSpec{Name: "broken"}, inputSchema(), outputSchema())
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
}

// ============================================================================
// Emulator Tests
// ============================================================================

func TestOffloadWithEmulatorReusesBuffers(t *testing.T) {
	device := bridge.NewDevice(0)
	emu := bridge.NewEmulator(device)
	bridge.RegisterBuiltins(emu)
	cache := devcache.NewManager(device)
	defer cache.Close()
	require.NoError(t, cache.MarkCacheable(selfID))

	env := &Env{Cache: cache, Bridge: emu, Launch: launch.NewPlanner(0)}
	op := newOffload(t, scanOf(types.Row{1.0}, types.Row{2.5}), types.CacheFlags{SelfCached: true}, env)

	for run := 0; run < 3; run++ {
		rows, err := Drain(context.Background(), op, 0)
		require.NoError(t, err)
		assert.Equal(t, []types.Row{{2.0}, {5.0}}, rows)
	}

	st := device.Stats()
	assert.Equal(t, int64(1), st.Uploads, "input uploaded once")
	assert.Equal(t, 2, st.Buffers)
	assert.Equal(t, int64(2), st.Frees, "each warm run replaces the cached output")
	assert.Len(t, cache.Lookup(selfID, 0), 2)
	assert.Zero(t, cache.Stats().PinnedBuffers)
}

func TestOffloadWithEmulatorNoCacheLeavesNothingResident(t *testing.T) {
	device := bridge.NewDevice(0)
	emu := bridge.NewEmulator(device)
	bridge.RegisterBuiltins(emu)

	env := &Env{Cache: devcache.NewManager(device), Bridge: emu, Launch: launch.NewPlanner(0)}
	op := newOffload(t, scanOf(types.Row{1.0}), types.CacheFlags{}, env)

	_, err := Drain(context.Background(), op, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, device.Stats().Buffers)
}
