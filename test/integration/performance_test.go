// ============================================================================
// Chaining and Concurrency Test Suite
// ============================================================================
//
// Package: test/integration
// File: performance_test.go
//
// TestChainedMapsStayResident:
//   scale(scale(x)) with the inner map cached. After elimination the outer
//   map reads the inner map's output buffer straight from the device.
//
// TestConcurrentCollect:
//   after a warm-up action, many concurrent actions read the cached inputs
//   and each writes its own output buffers. Run with -race.
//
// TestConcurrentColdCollect:
//   cold actions racing on the same partitions all succeed; the last store
//   wins and the losers' buffers are freed.
//
// TestEvictWhileCollecting:
//   evicts and re-marks during running actions never fail an action;
//   leased buffers are freed once the last reader is done.
//
// TestDeviceMemoryLimit:
//   allocation failures surface as ErrOutOfDeviceMemory and free every
//   buffer of the failed partitions.
//
// ============================================================================

package integration

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestChainedMapsStayResident(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, baseConfig(t))

	inner := scale(relation(8, 2), "x", "y", 2)
	outer := scale(inner, "y", "z", 10)

	_, err := s.CacheOnDevice(inner)
	require.NoError(t, err)

	for run := 0; run < 3; run++ {
		parts, err := s.Collect(ctx, outer)
		require.NoError(t, err)
		assert.InDelta(t, 20*28.0, sum(parts), 1e-9, "run %d", run)
	}

	st := s.GetStatus()
	assert.Equal(t, int64(2), st.Device.Uploads, "only the first run uploads x; y never leaves the device")
	assert.Equal(t, 4, st.Cache.ResidentBuffers, "in:x and out:y per partition")
	assert.Equal(t, 4, st.Device.Buffers, "outer map buffers are released")
}

func TestConcurrentCollect(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, baseConfig(t))
	ds := scale(relation(1000, 8), "x", "y", 0.5)

	_, err := s.CacheOnDevice(ds)
	require.NoError(t, err)
	_, err = s.Collect(ctx, ds)
	require.NoError(t, err)

	const actions = 16
	var wg sync.WaitGroup
	errs := make(chan error, actions)
	sums := make(chan float64, actions)
	for i := 0; i < actions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parts, err := s.Collect(ctx, ds)
			if err != nil {
				errs <- err
				return
			}
			sums <- sum(parts)
		}()
	}
	wg.Wait()
	close(errs)
	close(sums)

	for err := range errs {
		t.Errorf("Collect failed: %v", err)
	}
	for got := range sums {
		assert.InDelta(t, 0.5*499500, got, 1e-6)
	}

	st := s.GetStatus()
	assert.Equal(t, int64(8), st.Device.Uploads, "only the warm-up action uploads")
	assert.Equal(t, 8, st.Cache.Partitions)
	assert.Equal(t, 16, st.Cache.ResidentBuffers, "exactly one buffer set per partition survives")
	assert.Equal(t, st.Cache.ResidentBuffers, st.Device.Buffers, "replaced outputs are freed")
	assert.Zero(t, st.Cache.PinnedBuffers)
}

func TestConcurrentColdCollect(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, baseConfig(t))
	ds := scale(relation(400, 4), "x", "y", 2)

	_, err := s.CacheOnDevice(ds)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			parts, err := s.Collect(gctx, ds)
			if err != nil {
				return err
			}
			if got := sum(parts); got != 2*79800 {
				return fmt.Errorf("sum %v", got)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st := s.GetStatus()
	assert.Equal(t, 4, st.Cache.Partitions)
	assert.Equal(t, 8, st.Cache.ResidentBuffers, "one buffer set per partition survives")
	assert.Equal(t, st.Cache.ResidentBuffers, st.Device.Buffers, "losing buffer sets are freed")
	assert.Zero(t, st.Cache.PinnedBuffers)
}

func TestEvictWhileCollecting(t *testing.T) {
	ctx := context.Background()
	s := newSession(t, baseConfig(t))
	ds := scale(relation(1000, 8), "x", "y", 0.5)

	_, err := s.CacheOnDevice(ds)
	require.NoError(t, err)
	_, err = s.Collect(ctx, ds)
	require.NoError(t, err)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for run := 0; run < 5; run++ {
				parts, err := s.Collect(gctx, ds)
				if err != nil {
					return err
				}
				if got := sum(parts); got != 0.5*499500 {
					return fmt.Errorf("sum %v", got)
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		for i := 0; i < 20; i++ {
			s.EvictFromDevice(ds)
			if _, err := s.CacheOnDevice(ds); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	st := s.GetStatus()
	assert.Zero(t, st.Cache.PinnedBuffers)
	assert.Equal(t, st.Cache.ResidentBuffers, st.Device.Buffers, "evicted buffers are freed after their last reader")

	s.EvictFromDevice(ds)
	assert.Zero(t, s.GetStatus().Device.Buffers)
}

func TestDeviceMemoryLimit(t *testing.T) {
	config := baseConfig(t)
	// room for one 10-row column, not two
	config.MemoryLimitBytes = 100
	s := newSession(t, config)

	_, err := s.Collect(context.Background(), scale(relation(10, 1), "x", "y", 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, bridge.ErrOutOfDeviceMemory)
	assert.Zero(t, s.GetStatus().Device.Buffers, "failed partition frees its uploads")
}
