package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
)

// ErrOutOfDeviceMemory is returned when an allocation exceeds the limit.
var ErrOutOfDeviceMemory = errors.New("out of device memory")

// ErrBadPointer is returned for pointers that are not resident.
var ErrBadPointer = errors.New("invalid device pointer")

// elementSize is the accounted size of one buffer element.
const elementSize = 8

// Device emulates accelerator memory in host RAM. Buffers are addressed by
// DevicePointer and only reachable through the device.
type Device struct {
	mu      sync.RWMutex
	buffers map[types.DevicePointer][]any
	next    types.DevicePointer

	limit int64
	used  int64

	uploads       atomic.Int64
	uploadedBytes atomic.Int64
	downloads     atomic.Int64
	frees         atomic.Int64
}

// NewDevice returns a device with limitBytes of memory; 0 means unlimited.
func NewDevice(limitBytes int64) *Device {
	return &Device{
		buffers: make(map[types.DevicePointer][]any),
		limit:   limitBytes,
	}
}

// Alloc reserves a zeroed buffer of n elements.
func (d *Device) Alloc(n int) (types.DevicePointer, error) {
	return d.put(make([]any, n))
}

// Upload copies values to a new device buffer (host-to-device transfer).
func (d *Device) Upload(values []any) (types.DevicePointer, error) {
	ptr, err := d.put(append([]any(nil), values...))
	if err != nil {
		return 0, err
	}
	d.uploads.Add(1)
	d.uploadedBytes.Add(int64(len(values)) * elementSize)
	return ptr, nil
}

func (d *Device) put(buf []any) (types.DevicePointer, error) {
	size := int64(len(buf)) * elementSize

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.limit > 0 && d.used+size > d.limit {
		return 0, fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrOutOfDeviceMemory, size, d.used, d.limit)
	}
	d.next++
	d.buffers[d.next] = buf
	d.used += size
	return d.next, nil
}

// view returns the live device slice; kernels write through it.
func (d *Device) view(ptr types.DevicePointer) ([]any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	buf, ok := d.buffers[ptr]
	return buf, ok
}

// Download copies a buffer back to the host (device-to-host transfer).
func (d *Device) Download(ptr types.DevicePointer) ([]any, error) {
	buf, ok := d.view(ptr)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBadPointer, ptr)
	}
	d.downloads.Add(1)
	return append([]any(nil), buf...), nil
}

// Len returns the element count of a resident buffer, or -1.
func (d *Device) Len(ptr types.DevicePointer) int {
	buf, ok := d.view(ptr)
	if !ok {
		return -1
	}
	return len(buf)
}

// Resident reports whether ptr is allocated.
func (d *Device) Resident(ptr types.DevicePointer) bool {
	_, ok := d.view(ptr)
	return ok
}

// Free releases ptr.
func (d *Device) Free(ptr types.DevicePointer) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	buf, ok := d.buffers[ptr]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadPointer, ptr)
	}
	delete(d.buffers, ptr)
	d.used -= int64(len(buf)) * elementSize
	d.frees.Add(1)
	return nil
}

// DeviceStats are cumulative transfer counters plus current usage.
type DeviceStats struct {
	Buffers       int
	UsedBytes     int64
	Uploads       int64
	UploadedBytes int64
	Downloads     int64
	Frees         int64
}

// Stats returns a snapshot of the counters.
func (d *Device) Stats() DeviceStats {
	d.mu.RLock()
	st := DeviceStats{Buffers: len(d.buffers), UsedBytes: d.used}
	d.mu.RUnlock()

	st.Uploads = d.uploads.Load()
	st.UploadedBytes = d.uploadedBytes.Load()
	st.Downloads = d.downloads.Load()
	st.Frees = d.frees.Load()
	return st
}
