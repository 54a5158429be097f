// Package shm maps named shared-memory segments backed by files in a
// tmpfs directory (normally /dev/shm).
package shm

import (
	"errors"
	"os"
	"path/filepath"
	"unsafe"
)

// FilePrefix is prepended to every segment name on disk.
const FilePrefix = "datablock_"

var (
	ErrExist       = errors.New("shm: segment already exists")
	ErrNotExist    = errors.New("shm: segment does not exist")
	ErrLockTimeout = errors.New("shm: timed out waiting for segment lock")
	ErrUnsupported = errors.New("shm: shared memory is not supported on this platform")
)

// SharedMemory is one mapping of a named segment. Each process (and each
// handle within a process) owns its own mapping; the bytes are shared.
type SharedMemory struct {
	name string   // Segment name without prefix
	path string   // Backing file path
	size int      // Mapped length in bytes
	fd   uintptr  // Descriptor of the backing file
	file *os.File // Keeps fd alive for the mapping's lifetime
	mem  []byte   // The mapping itself
}

// Name returns the segment name.
func (s *SharedMemory) Name() string {
	return s.name
}

// Path returns the backing file path.
func (s *SharedMemory) Path() string {
	return s.path
}

// Size returns the mapped size in bytes.
func (s *SharedMemory) Size() int {
	return s.size
}

// Bytes returns the mapped region. It is invalid after Close.
func (s *SharedMemory) Bytes() []byte {
	return s.mem
}

// Base returns the address of the first mapped byte.
func (s *SharedMemory) Base() uintptr {
	if len(s.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.mem[0]))
}

// DefaultDir returns /dev/shm when available, the temporary directory otherwise.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SegmentPath returns the backing file path for name in dir. An empty dir
// selects DefaultDir.
func SegmentPath(dir, name string) string {
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, FilePrefix+name)
}

// Exists reports whether a segment file exists.
func Exists(dir, name string) bool {
	_, err := os.Stat(SegmentPath(dir, name))
	return err == nil
}

// Remove unlinks a segment. Existing mappings stay valid until closed.
func Remove(dir, name string) error {
	err := os.Remove(SegmentPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return ErrNotExist
	}
	return err
}
