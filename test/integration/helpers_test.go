package integration

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/engine"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/stretchr/testify/require"
)

// relation builds a float64 relation x = 0..rows-1 split over partitions.
func relation(rows, partitions int) *logical.LocalRelation {
	rel := &logical.LocalRelation{
		Name:       fmt.Sprintf("seq_%d_%d", rows, partitions),
		Columns:    types.Schema{{Name: "x", Type: types.Float64Type}},
		Partitions: make([][]types.Row, partitions),
	}
	for i := 0; i < rows; i++ {
		p := i % partitions
		rel.Partitions[p] = append(rel.Partitions[p], types.Row{float64(i)})
	}
	return rel
}

// scale wraps child in SerializeFromObject(AcceleratedMap(DeserializeToObject(child))).
func scale(child logical.Node, in, out string, factor float64) logical.Node {
	return &logical.SerializeFromObject{Child: &logical.AcceleratedMap{
		Spec: &types.FunctionSpec{
			Name:          "scale_" + out,
			InputColumns:  []string{in},
			OutputColumns: []string{out},
			Kernel:        bridge.ScaleKernel,
		},
		ConstArgs: []any{factor},
		Output:    types.Schema{{Name: out, Type: types.Float64Type}},
		Child:     &logical.DeserializeToObject{Child: child},
	}}
}

func newSession(t testing.TB, config engine.Config) *engine.Session {
	t.Helper()
	s, err := engine.NewSession(config)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

func baseConfig(t testing.TB) engine.Config {
	return engine.Config{
		WorkerCount:  4,
		TaskTimeout:  5 * time.Second,
		QueueSize:    16,
		ManifestPath: filepath.Join(t.TempDir(), "device-cache.json.lz4"),
	}
}

func sum(parts [][]types.Row) float64 {
	total := 0.0
	for _, rows := range parts {
		for _, r := range rows {
			total += r[0].(float64)
		}
	}
	return total
}
