// ============================================================================
// Device Memory Cache Manager
// ============================================================================
//
// Package: internal/devcache
// File: manager.go
// Purpose: process-wide registry of device buffers that outlive a single
//          partition pass.
//
// Layout:
//   cacheable  set of PlanIdentity marked by application code
//   slots      (PlanIdentity, partition) -> BufferMap
//
// Locking:
//   - mu (RWMutex) guards the cacheable set. Store and Lookup only take the
//     read side, so partition tasks never wait on each other through it.
//   - every slot has its own mutex; two tasks contend only when they write
//     the same (plan, partition) key, and then the last writer wins.
//   - Evict / Close take the write side so no Store can slip between the
//     cacheable check and the slot write of an evicted plan. Released
//     pointers are freed or parked before the lock is dropped.
//
// Ownership:
//   Buffers handed to Store belong to the manager from then on. Overwritten
//   or evicted pointers are returned to the device through the Releaser.
//
// Leases:
//   Acquire pins the pointers it hands out until the lease is released.
//   Evict, Store and Close never free a pinned pointer; it is parked in
//   doomed and freed by the last release. Store takes parked pointers back
//   when a session hands them in again.
//
// ============================================================================

package devcache

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

var log = slog.Default()

var (
	// ErrNotCacheable is returned by Store for plans that are not (or no
	// longer) marked cacheable. The buffers have been released.
	ErrNotCacheable = errors.New("plan is not marked cacheable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("device cache closed")
)

// Releaser frees device memory.
type Releaser interface {
	Free(ptr types.DevicePointer) error
}

type slotKey struct {
	id        types.PlanIdentity
	partition int
}

type slot struct {
	mu      sync.Mutex
	buffers types.BufferMap
}

// Manager is the device buffer registry. Create one per execution
// environment and share it by pointer.
type Manager struct {
	mu        sync.RWMutex
	cacheable map[types.PlanIdentity]struct{}
	closed    bool

	slots sync.Map // slotKey -> *slot

	// pinMu guards pins and doomed. Taken inside a slot mutex, never the
	// other way round.
	pinMu  sync.Mutex
	pins   map[types.DevicePointer]int
	doomed map[types.DevicePointer]types.BufferName

	releaser Releaser
}

// NewManager returns an empty registry releasing memory through r. A nil
// releaser drops pointers without freeing them.
func NewManager(r Releaser) *Manager {
	return &Manager{
		cacheable: make(map[types.PlanIdentity]struct{}),
		pins:      make(map[types.DevicePointer]int),
		doomed:    make(map[types.DevicePointer]types.BufferName),
		releaser:  r,
	}
}

// MarkCacheable adds id to the cacheable set. Idempotent.
func (m *Manager) MarkCacheable(id types.PlanIdentity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.cacheable[id]; !ok {
		m.cacheable[id] = struct{}{}
		log.Info("plan marked cacheable", "plan", id.Short())
	}
	return nil
}

// IsCacheable reports whether id is currently in the cacheable set.
func (m *Manager) IsCacheable(id types.PlanIdentity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.cacheable[id]
	return ok
}

// Evict removes id from the cacheable set and releases every partition's
// buffers for it. Evicting an unknown id is a no-op.
func (m *Manager) Evict(id types.PlanIdentity) {
	m.mu.Lock()
	delete(m.cacheable, id)
	released := m.drain(func(k slotKey) bool { return k.id == id })
	for _, buffers := range released {
		m.release(buffers, nil)
	}
	m.mu.Unlock()

	if len(released) > 0 {
		log.Info("plan evicted", "plan", id.Short(), "partitions", len(released))
	}
}

// Lookup returns a copy of the buffers stored for (id, partition), or an
// empty map. A miss is not an error: the caller transfers from host memory.
func (m *Manager) Lookup(id types.PlanIdentity, partition int) types.BufferMap {
	v, ok := m.slots.Load(slotKey{id: id, partition: partition})
	if !ok {
		return types.BufferMap{}
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers.Clone()
}

// Acquire returns the buffers stored for (id, partition) pinned on the
// device until release is called. The buffers are read-only for the holder.
// release is idempotent.
func (m *Manager) Acquire(id types.PlanIdentity, partition int) (buffers types.BufferMap, release func()) {
	v, ok := m.slots.Load(slotKey{id: id, partition: partition})
	if !ok {
		return types.BufferMap{}, func() {}
	}
	s := v.(*slot)
	s.mu.Lock()
	buffers = s.buffers.Clone()
	m.pinMu.Lock()
	for _, p := range buffers {
		m.pins[p]++
	}
	m.pinMu.Unlock()
	s.mu.Unlock()

	if len(buffers) == 0 {
		return types.BufferMap{}, func() {}
	}
	pinned := buffers.Clone()
	var once sync.Once
	return buffers, func() { once.Do(func() { m.unpin(pinned) }) }
}

func (m *Manager) unpin(buffers types.BufferMap) {
	free := make(types.BufferMap)
	m.pinMu.Lock()
	for _, p := range buffers {
		m.pins[p]--
		if m.pins[p] > 0 {
			continue
		}
		delete(m.pins, p)
		if name, ok := m.doomed[p]; ok {
			delete(m.doomed, p)
			free[name] = p
		}
	}
	m.pinMu.Unlock()

	for name, p := range free {
		m.free(name, p)
	}
}

// Store records buffers for (id, partition), replacing any earlier entry.
// Pointers of the replaced entry that are not reused are released.
func (m *Manager) Store(id types.PlanIdentity, partition int, buffers types.BufferMap) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.cacheable[id]; !ok || m.closed {
		m.release(buffers, nil)
		if m.closed {
			return ErrClosed
		}
		return ErrNotCacheable
	}

	v, _ := m.slots.LoadOrStore(slotKey{id: id, partition: partition}, &slot{})
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.buffers
	s.buffers = buffers.Clone()
	m.pinMu.Lock()
	for _, p := range buffers {
		delete(m.doomed, p)
	}
	m.pinMu.Unlock()
	m.release(old, buffers)
	return nil
}

// Close releases everything and refuses further marks and stores.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	clear(m.cacheable)
	released := m.drain(func(slotKey) bool { return true })
	for _, buffers := range released {
		m.release(buffers, nil)
	}
	m.mu.Unlock()

	log.Info("device cache closed", "released_partitions", len(released))
}

// drain removes matching slots. Caller holds mu for writing.
func (m *Manager) drain(match func(slotKey) bool) []types.BufferMap {
	var out []types.BufferMap
	m.slots.Range(func(k, v any) bool {
		key := k.(slotKey)
		if !match(key) {
			return true
		}
		m.slots.Delete(key)
		s := v.(*slot)
		s.mu.Lock()
		out = append(out, s.buffers)
		s.buffers = nil
		s.mu.Unlock()
		return true
	})
	return out
}

// release frees every pointer of buffers that does not appear in keep.
// Pinned pointers are parked until their last lease ends. Callers hold mu
// (and the slot mutex when replacing a slot) so that a parked pointer cannot
// be taken back by Store in between.
func (m *Manager) release(buffers, keep types.BufferMap) {
	if len(buffers) == 0 {
		return
	}
	kept := make(map[types.DevicePointer]struct{}, len(keep))
	for _, p := range keep {
		kept[p] = struct{}{}
	}
	for name, p := range buffers {
		if _, ok := kept[p]; ok {
			continue
		}
		m.pinMu.Lock()
		if m.pins[p] > 0 {
			m.doomed[p] = name
			m.pinMu.Unlock()
			continue
		}
		m.pinMu.Unlock()
		m.free(name, p)
	}
}

func (m *Manager) free(name types.BufferName, p types.DevicePointer) {
	if m.releaser == nil {
		return
	}
	if err := m.releaser.Free(p); err != nil {
		log.Warn("failed to free device buffer", "buffer", name, "ptr", p, "error", err)
	}
}

// Stats summarizes the registry.
type Stats struct {
	CacheablePlans  int
	Partitions      int
	ResidentBuffers int
	// PinnedBuffers are held by running sessions.
	PinnedBuffers int
}

// Stats returns a point-in-time summary.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{CacheablePlans: len(m.cacheable)}
	m.mu.RUnlock()

	m.pinMu.Lock()
	st.PinnedBuffers = len(m.pins)
	m.pinMu.Unlock()

	m.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		st.Partitions++
		st.ResidentBuffers += len(s.buffers)
		s.mu.Unlock()
		return true
	})
	return st
}

// ManifestEntry describes one cacheable plan and its resident buffers.
type ManifestEntry struct {
	Plan       string           `json:"plan"`
	Partitions map[int][]string `json:"partitions"`
}

// Manifest lists cacheable plans with the buffer names resident per
// partition, sorted by plan.
func (m *Manager) Manifest() []ManifestEntry {
	m.mu.RLock()
	byPlan := make(map[types.PlanIdentity]*ManifestEntry, len(m.cacheable))
	for id := range m.cacheable {
		byPlan[id] = &ManifestEntry{Plan: id.String(), Partitions: map[int][]string{}}
	}
	m.mu.RUnlock()

	m.slots.Range(func(k, v any) bool {
		key := k.(slotKey)
		e, ok := byPlan[key.id]
		if !ok {
			return true
		}
		s := v.(*slot)
		s.mu.Lock()
		names := make([]string, 0, len(s.buffers))
		for n := range s.buffers {
			names = append(names, string(n))
		}
		s.mu.Unlock()
		sort.Strings(names)
		e.Partitions[key.partition] = names
		return true
	})

	out := make([]ManifestEntry, 0, len(byPlan))
	for _, e := range byPlan {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Plan < out[j].Plan })
	return out
}
