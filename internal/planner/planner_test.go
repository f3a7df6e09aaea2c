package planner

import (
	"context"
	"testing"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/devcache"
	"github.com/ChuLiYu/gpu-offload/internal/exec"
	"github.com/ChuLiYu/gpu-offload/internal/launch"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func points() *logical.LocalRelation {
	return &logical.LocalRelation{
		Name:    "points",
		Columns: types.Schema{{Name: "x", Type: types.Float64Type}},
		Partitions: [][]types.Row{
			{{1.0}, {2.0}},
			{{3.0}},
		},
	}
}

func scale(child logical.Node, in, out string, factor float64) *logical.AcceleratedMap {
	return &logical.AcceleratedMap{
		Spec: &types.FunctionSpec{
			Name:          "scale",
			InputColumns:  []string{in},
			OutputColumns: []string{out},
			Kernel:        bridge.ScaleKernel,
		},
		ConstArgs: []any{factor},
		Output:    types.Schema{{Name: out, Type: types.Float64Type}},
		Child:     &logical.DeserializeToObject{Child: child},
	}
}

type testEnv struct {
	device  *bridge.Device
	cache   *devcache.Manager
	planner *Planner
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	device := bridge.NewDevice(0)
	emu := bridge.NewEmulator(device)
	bridge.RegisterBuiltins(emu)
	cache := devcache.NewManager(device)
	t.Cleanup(cache.Close)

	env := &exec.Env{Cache: cache, Bridge: emu, Launch: launch.NewPlanner(0)}
	p := New(BasicStrategy{})
	require.NoError(t, p.Prepend(&OffloadStrategy{Cache: cache, Env: env}))
	return &testEnv{device: device, cache: cache, planner: p}
}

func TestStrategyOrder(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, []string{"offload", "basic"}, e.planner.Strategies())

	_, err := e.planner.Plan(points())
	require.NoError(t, err)
	assert.ErrorIs(t, e.planner.Append(BasicStrategy{}), ErrFrozen)
}

func TestPlanOffloadsAcceleratedMap(t *testing.T) {
	e := newTestEnv(t)
	root := &logical.SerializeFromObject{Child: scale(points(), "x", "y", 2)}

	plan, err := e.planner.Plan(root)
	require.NoError(t, err)

	conv, ok := plan.(*exec.ConvertExec)
	require.True(t, ok)
	off, ok := conv.Child.(*exec.OffloadExec)
	require.True(t, ok)
	assert.Equal(t, types.CacheFlags{}, off.Config.Flags)
	assert.Equal(t, 2, off.NumPartitions())

	out := exec.Explain(plan)
	assert.Contains(t, out, "Offload scale")
	assert.Contains(t, out, "LocalScan points")

	rows, err := exec.Drain(context.Background(), plan, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{2.0}, {4.0}}, rows)
}

func TestPlanReadsCacheFlags(t *testing.T) {
	e := newTestEnv(t)
	first := scale(points(), "x", "y", 2)
	second := scale(&logical.SerializeFromObject{Child: first}, "y", "z", 3)

	require.NoError(t, e.cache.MarkCacheable(logical.DatasetIdentity(&logical.SerializeFromObject{Child: first})))
	require.NoError(t, e.cache.MarkCacheable(logical.DatasetIdentity(&logical.SerializeFromObject{Child: second})))

	plan, err := e.planner.Plan(&logical.SerializeFromObject{Child: second})
	require.NoError(t, err)

	top := plan.(*exec.ConvertExec).Child.(*exec.OffloadExec)
	assert.Equal(t, types.CacheFlags{SelfCached: true, ChildCached: true}, top.Config.Flags)
	inner := top.Child.(*exec.OffloadExec)
	assert.Equal(t, types.CacheFlags{SelfCached: true}, inner.Config.Flags)
	assert.Equal(t, inner.Config.IDs.Self, top.Config.IDs.Child)
}

func TestPlanFlagsFixedAtPlanTime(t *testing.T) {
	e := newTestEnv(t)
	m := scale(points(), "x", "y", 2)

	plan, err := e.planner.Plan(m)
	require.NoError(t, err)
	require.NoError(t, e.cache.MarkCacheable(logical.Identity(m)))

	assert.False(t, plan.(*exec.OffloadExec).Config.Flags.SelfCached)
}

func TestPlanInvalidSpec(t *testing.T) {
	e := newTestEnv(t)
	m := scale(points(), "x", "y", 2)
	m.Spec.Kernel = types.KernelRef{}

	_, err := e.planner.Plan(m)
	assert.ErrorIs(t, err, types.ErrInvalidSpec)
}

func TestPlanUnknownInputColumn(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.planner.Plan(scale(points(), "missing", "y", 2))
	assert.Error(t, err)
}

type unknownNode struct{ logical.LocalRelation }

func (unknownNode) Kind() string { return "Unknown" }

func TestPlanNoStrategy(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.planner.Plan(&unknownNode{})
	assert.ErrorIs(t, err, ErrNoPlan)
}

func TestPlanFilter(t *testing.T) {
	e := newTestEnv(t)
	root := &logical.Filter{Column: "x", Op: logical.OpGt, Value: 1.5, Child: points()}

	plan, err := e.planner.Plan(root)
	require.NoError(t, err)
	_, ok := plan.(*exec.FilterExec)
	require.True(t, ok)

	rows, err := exec.Drain(context.Background(), plan, 0)
	require.NoError(t, err)
	assert.Equal(t, []types.Row{{2.0}}, rows)
}
