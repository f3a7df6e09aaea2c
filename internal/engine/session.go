// ============================================================================
// Engine Session - execution environment coordinator
// ============================================================================
//
// Package: internal/engine
// File: session.go
//
// A Session owns one execution environment and wires:
//   - Device + Emulator: accelerator memory and kernel registry
//   - devcache.Manager:  device buffers kept between actions
//   - planner.Planner:   offload strategy ahead of the basic strategy
//   - worker.Pool:       one task per partition
//   - snapshot.Manager:  manifest of cacheable plans (optional)
//   - metrics.Collector: Prometheus instrumentation (optional)
//
// Lifecycle:
//   NewSession -> Start (restore cache marks, start workers)
//              -> Collect / CacheOnDevice / EvictFromDevice ...
//              -> Stop (stop workers, save manifest, release device memory)
//
// Device buffers do not survive the process. Only the cacheable marks are
// restored from the manifest; the first action after a restart repopulates
// the buffers.
//
// ============================================================================

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/gpu-offload/internal/bridge"
	"github.com/ChuLiYu/gpu-offload/internal/devcache"
	"github.com/ChuLiYu/gpu-offload/internal/exec"
	"github.com/ChuLiYu/gpu-offload/internal/launch"
	"github.com/ChuLiYu/gpu-offload/internal/logical"
	"github.com/ChuLiYu/gpu-offload/internal/metrics"
	"github.com/ChuLiYu/gpu-offload/internal/planner"
	"github.com/ChuLiYu/gpu-offload/internal/snapshot"
	"github.com/ChuLiYu/gpu-offload/internal/worker"
	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"github.com/google/uuid"
)

var log = slog.Default()

var (
	// ErrNotStarted is returned by Collect before Start.
	ErrNotStarted = errors.New("session not started")
	// ErrStopped is returned after Stop.
	ErrStopped = errors.New("session stopped")
)

// Config holds the session settings.
type Config struct {
	WorkerCount      int
	TaskTimeout      time.Duration
	QueueSize        int
	DefaultBlockSize int
	UserGrid         []int
	UserBlock        []int
	MemoryLimitBytes int64
	ManifestPath     string // empty disables the manifest
}

// Option customizes a Session.
type Option func(*Session)

// WithMetrics instruments the session with c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// Session is one execution environment.
type Session struct {
	mu        sync.Mutex
	config    Config
	device    *bridge.Device
	emulator  *bridge.Emulator
	cache     *devcache.Manager
	planner   *planner.Planner
	pool      *worker.Pool
	manifest  *snapshot.Manager
	metrics   *metrics.Collector
	started   bool
	stopped   bool
	startTime time.Time
}

// NewSession builds a session with the builtin kernels registered.
func NewSession(config Config, opts ...Option) (*Session, error) {
	if config.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be positive, got %d", config.WorkerCount)
	}
	if config.QueueSize < 1 {
		config.QueueSize = config.WorkerCount
	}

	device := bridge.NewDevice(config.MemoryLimitBytes)
	emulator := bridge.NewEmulator(device)
	bridge.RegisterBuiltins(emulator)

	s := &Session{
		config:   config,
		device:   device,
		emulator: emulator,
		cache:    devcache.NewManager(device),
		pool:     worker.NewPool(config.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	if config.ManifestPath != "" {
		s.manifest = snapshot.NewManager(config.ManifestPath)
	}

	env := &exec.Env{
		Cache:  s.cache,
		Bridge: s.emulator,
		Launch: launch.NewPlanner(config.DefaultBlockSize),
	}
	if s.metrics != nil {
		env.Metrics = s.metrics
		s.metrics.WatchGauges(metrics.Gauges{
			ResidentBuffers: func() float64 { return float64(s.cache.Stats().ResidentBuffers) },
			DeviceBytes:     func() float64 { return float64(s.device.Stats().UsedBytes) },
		})
	}

	s.planner = planner.New(planner.BasicStrategy{})
	if err := s.planner.Prepend(&planner.OffloadStrategy{
		Cache:     s.cache,
		Env:       env,
		UserGrid:  config.UserGrid,
		UserBlock: config.UserBlock,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start restores cache marks from the manifest and starts the workers.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.startTime = time.Now()

	if s.manifest != nil {
		restored, err := s.restoreMarks()
		if err != nil {
			return fmt.Errorf("restore manifest: %w", err)
		}
		log.Info("Cache marks restored", "plans", restored, "manifest", s.manifest.GetPath())
	}

	if err := s.pool.Start(s.config.WorkerCount); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	s.started = true

	log.Info("Session started", "workers", s.config.WorkerCount, "memory_limit", s.config.MemoryLimitBytes)
	return nil
}

func (s *Session) restoreMarks() (int, error) {
	data, err := s.manifest.Load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, hex := range data.Cacheable {
		id, err := types.ParsePlanIdentity(hex)
		if err != nil {
			log.Warn("Skipping manifest entry", "plan", hex, "error", err)
			continue
		}
		if err := s.cache.MarkCacheable(id); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// RegisterKernel binds ref to k on the session's emulator.
func (s *Session) RegisterKernel(ref types.KernelRef, k bridge.Kernel) {
	s.emulator.Register(ref, k)
}

// Plan builds the physical plan for root. Cache flags are read now.
func (s *Session) Plan(root logical.Node) (exec.Plan, error) {
	return s.planner.Plan(root)
}

// Explain renders the logical and physical plans of root.
func (s *Session) Explain(root logical.Node) (string, error) {
	plan, err := s.Plan(root)
	if err != nil {
		return "", err
	}
	return "== Logical ==\n" + logical.Explain(root) + "== Physical ==\n" + exec.Explain(plan), nil
}

// Collect plans root and runs every partition on the worker pool. Rows are
// returned per partition. The first failing partition cancels the others.
func (s *Session) Collect(ctx context.Context, root logical.Node) ([][]types.Row, error) {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return nil, ErrStopped
	case !s.started:
		s.mu.Unlock()
		return nil, ErrNotStarted
	}
	s.mu.Unlock()

	plan, err := s.Plan(root)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, plan)
}

func (s *Session) run(ctx context.Context, plan exec.Plan) ([][]types.Row, error) {
	n := plan.NumPartitions()
	out := make([][]types.Row, n)
	if n == 0 {
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reply := make(chan worker.Result, n)
	submitted := 0
	var firstErr error
	for p := 0; p < n; p++ {
		partition := p
		task := worker.Task{
			ID:        uuid.NewString(),
			Partition: partition,
			Timeout:   s.config.TaskTimeout,
			Reply:     reply,
			Run: func(ctx context.Context) ([]types.Row, error) {
				return exec.Drain(ctx, plan, partition)
			},
		}
		if err := s.pool.Submit(ctx, task); err != nil {
			firstErr = fmt.Errorf("submit partition %d: %w", partition, err)
			cancel()
			break
		}
		submitted++
	}

	for i := 0; i < submitted; i++ {
		r := <-reply
		if r.Error != nil {
			s.recordFailed()
			if firstErr == nil {
				firstErr = fmt.Errorf("partition %d (task %s): %w", r.Partition, r.TaskID, r.Error)
				cancel()
			}
			continue
		}
		s.recordCompleted(r.Duration)
		out[r.Partition] = r.Rows
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (s *Session) recordCompleted(d time.Duration) {
	if s.metrics != nil {
		s.metrics.RecordPartitionCompleted(d)
	}
}

func (s *Session) recordFailed() {
	if s.metrics != nil {
		s.metrics.RecordPartitionFailed()
	}
}

// CacheOnDevice marks the dataset produced by root as cache-eligible and
// returns its identity. Plans built afterwards keep their outputs resident.
func (s *Session) CacheOnDevice(root logical.Node) (types.PlanIdentity, error) {
	id := logical.DatasetIdentity(root)
	return id, s.MarkCacheable(id)
}

// EvictFromDevice removes the dataset produced by root from the device cache.
func (s *Session) EvictFromDevice(root logical.Node) types.PlanIdentity {
	id := logical.DatasetIdentity(root)
	s.Evict(id)
	return id
}

// MarkCacheable marks id cache-eligible.
func (s *Session) MarkCacheable(id types.PlanIdentity) error {
	return s.cache.MarkCacheable(id)
}

// Evict releases id's buffers and unmarks it.
func (s *Session) Evict(id types.PlanIdentity) {
	s.cache.Evict(id)
}

// Status is a point-in-time summary of the session.
type Status struct {
	Uptime  time.Duration
	Workers int
	Cache   devcache.Stats
	Device  bridge.DeviceStats
}

// GetStatus returns the session status.
func (s *Session) GetStatus() Status {
	s.mu.Lock()
	var uptime time.Duration
	if s.started {
		uptime = time.Since(s.startTime)
	}
	s.mu.Unlock()

	return Status{
		Uptime:  uptime,
		Workers: s.pool.GetWorkerCount(),
		Cache:   s.cache.Stats(),
		Device:  s.device.Stats(),
	}
}

// Manifest returns the current cache manifest.
func (s *Session) Manifest() snapshot.Data {
	entries := s.cache.Manifest()
	data := snapshot.Data{
		Cacheable: make([]string, 0, len(entries)),
		Entries:   make([]snapshot.Entry, 0, len(entries)),
	}
	for _, e := range entries {
		data.Cacheable = append(data.Cacheable, e.Plan)
		data.Entries = append(data.Entries, snapshot.Entry{Plan: e.Plan, Partitions: e.Partitions})
	}
	return data
}

// SaveManifest writes the manifest file, if one is configured.
func (s *Session) SaveManifest() error {
	if s.manifest == nil {
		return nil
	}
	data := s.Manifest()
	if err := s.manifest.Write(data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	log.Debug("Manifest saved", "plans", len(data.Entries), "path", s.manifest.GetPath())
	return nil
}

// Stop shuts the session down:
//  1. stop the worker pool (queued partitions finish)
//  2. save the manifest
//  3. release every cached device buffer
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		log.Info("Session already stopped")
		return
	}
	s.stopped = true
	s.mu.Unlock()

	log.Info("Stopping session...")

	s.pool.Stop()

	if err := s.SaveManifest(); err != nil {
		log.Error("Failed to save manifest", "error", err)
	}

	s.cache.Close()

	st := s.device.Stats()
	if st.Buffers != 0 {
		log.Warn("Device buffers leaked", "buffers", st.Buffers, "bytes", st.UsedBytes)
	}
	log.Info("Session stopped")
}
