// Package covmap implements the shared-memory coverage map: a
// fixed-size, power-of-two byte array backed by a memory-mapped temp
// file so the fuzzer process can map the same bytes the harness writes
// to, without any descriptor-passing step.
package covmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultSize is the default coverage map size, matching the original
// module's AFL_MAPSIZE constant.
const DefaultSize = 64 * 1024

// ErrOutOfRange is returned when an offset falls outside the map.
var ErrOutOfRange = errors.New("covmap: offset out of range")

// Map is a shared coverage byte array. The zero value is not usable;
// construct one with New.
type Map struct {
	file *os.File
	data []byte
}

// New creates a new coverage map of the given size (must be a power of
// two and greater than zero), backed by a fresh temp file at path
// dir/confuse-cov-*. The file is not unlinked once mapped: the path is
// kept around so a separate process can open and map it by name,
// mirroring how the fuzzer side of this protocol learns the map's
// location.
func New(dir string, size int) (*Map, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("covmap: size %d is not a positive power of two", size)
	}
	f, err := os.CreateTemp(dir, "confuse-cov-*")
	if err != nil {
		return nil, fmt.Errorf("covmap: create temp file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("covmap: truncate: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("covmap: mmap: %w", err)
	}
	// Stamp a deterministic i%256 pattern over the whole map before
	// handing it back, so a fuzzer that just learned this map's path can
	// read it back and confirm the shared-memory wiring is correct. The
	// pattern is not cleared afterwards; recorded coverage is applied on
	// top of it.
	for i := range data {
		data[i] = byte(i % 256)
	}
	return &Map{file: f, data: data}, nil
}

// Open maps an existing coverage file by path, for a process that learns
// the location from a wire message rather than creating the map itself.
func Open(path string, size int) (*Map, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("covmap: open %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("covmap: mmap %s: %w", path, err)
	}
	return &Map{file: f, data: data}, nil
}

// Path returns the backing file's path.
func (m *Map) Path() string {
	return m.file.Name()
}

// Len returns the map size in bytes.
func (m *Map) Len() int {
	return len(m.data)
}

// Get reads the byte at offset.
func (m *Map) Get(offset int) (byte, error) {
	if offset < 0 || offset >= len(m.data) {
		return 0, fmt.Errorf("covmap: get %d: %w", offset, ErrOutOfRange)
	}
	return m.data[offset], nil
}

// Increment adds one to the byte at offset, with plain uint8 wraparound
// on overflow, and returns the new value.
func (m *Map) Increment(offset int) (byte, error) {
	if offset < 0 || offset >= len(m.data) {
		return 0, fmt.Errorf("covmap: increment %d: %w", offset, ErrOutOfRange)
	}
	m.data[offset]++
	return m.data[offset], nil
}

// SetOnce writes 1 to offset if it is currently zero, used by
// TraceOnce mode. It reports whether this call transitioned the byte
// from zero to one (i.e. whether this is the first hit).
func (m *Map) SetOnce(offset int) (firstHit bool, err error) {
	if offset < 0 || offset >= len(m.data) {
		return false, fmt.Errorf("covmap: set_once %d: %w", offset, ErrOutOfRange)
	}
	if m.data[offset] != 0 {
		return false, nil
	}
	m.data[offset] = 1
	return true, nil
}

// Reset zeroes every byte in the map.
func (m *Map) Reset() {
	for i := range m.data {
		m.data[i] = 0
	}
}

// Bytes returns the underlying slice. Callers must not retain it past
// Close.
func (m *Map) Bytes() []byte {
	return m.data
}

// Close unmaps the region and closes (without removing) the backing
// file.
func (m *Map) Close() error {
	var errs []error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, err)
		}
		m.data = nil
	}
	if err := m.file.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
