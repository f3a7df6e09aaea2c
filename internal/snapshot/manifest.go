package snapshot

// ============================================================================
// Responsibilities:
// 1. Serialize the device cache manifest (cacheable plans and the buffers
//    resident per partition) to a JSON file
// 2. Atomic write (temp file + rename) so a reader never sees a torn file
// 3. Validate the schema version on load
// 4. Optional lz4 framing when the path ends in ".lz4"
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pierrec/lz4/v4"
)

var (
	ErrCorruptedSnapshot   = errors.New("manifest file is corrupted")
	ErrIncompatibleVersion = errors.New("manifest schema version is incompatible")
)

// SchemaVersion is the manifest format written by this package.
const SchemaVersion = 1

// Entry lists the resident buffers of one plan, by partition.
type Entry struct {
	Plan       string           `json:"plan"`
	Partitions map[int][]string `json:"partitions"`
}

// Data is the persisted manifest.
type Data struct {
	SchemaVer int       `json:"schema_version"`
	SavedAt   time.Time `json:"saved_at"`
	// Cacheable holds every marked plan identity, resident or not.
	Cacheable []string `json:"cacheable"`
	Entries   []Entry  `json:"entries"`
	// Checksum is CRC32-IEEE over Cacheable and Entries.
	Checksum uint32 `json:"checksum"`
}

// checksum covers the plan list and entries, not the timestamp.
func (d *Data) checksum() (uint32, error) {
	body, err := json.Marshal(struct {
		Cacheable []string `json:"cacheable"`
		Entries   []Entry  `json:"entries"`
	}{d.Cacheable, d.Entries})
	if err != nil {
		return 0, err
	}
	return crc32.ChecksumIEEE(body), nil
}

// Manager reads and writes one manifest file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for path.
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

func (m *Manager) compressed() bool {
	return strings.HasSuffix(m.path, ".lz4")
}

// Write stores data atomically:
// 1. write a temporary file (.tmp)
// 2. rename it over the manifest
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data.SchemaVer = SchemaVersion
	if data.SavedAt.IsZero() {
		data.SavedAt = time.Now().UTC()
	}
	sum, err := data.checksum()
	if err != nil {
		return fmt.Errorf("failed to checksum manifest: %w", err)
	}
	data.Checksum = sum

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if m.compressed() {
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(jsonBytes); err != nil {
			return fmt.Errorf("failed to compress manifest: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("failed to compress manifest: %w", err)
		}
		jsonBytes = buf.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// Load reads the manifest. A missing file yields an empty manifest (first
// start).
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data Data

	raw, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Data{SchemaVer: SchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read manifest: %w", err)
	}

	if m.compressed() {
		raw, err = io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
		}
	}

	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	sum, err := data.checksum()
	if err != nil || sum != data.Checksum {
		return data, fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
	}
	return data, nil
}

// Exists reports whether the manifest file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the manifest path.
func (m *Manager) GetPath() string {
	return m.path
}
