//go:build unix

package shm

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const lockRetry = 2 * time.Millisecond

// Create exclusively creates a segment of size bytes and maps it. The
// returned segment is held under an exclusive file lock until Unlock is
// called, so attachers can wait for initialization to finish.
func Create(dir, name string, size int) (*SharedMemory, error) {
	path := SegmentPath(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrExist
		}
		return nil, fmt.Errorf("shm: create %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: lock %s: %w", path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: resize %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		size: size,
		fd:   file.Fd(),
		file: file,
		mem:  mem,
	}, nil
}

// Open maps an existing segment in full. It first waits, up to timeout, for
// a shared lock so a concurrent creator has finished sizing the file. A file
// still at size zero belongs to a creator that has not taken its lock yet,
// so Open keeps retrying until timeout. A zero timeout waits forever.
func Open(dir, name string, timeout time.Duration) (*SharedMemory, error) {
	path := SegmentPath(dir, name)
	deadline := time.Now().Add(timeout)
	for {
		wait := timeout
		if timeout > 0 {
			wait = time.Until(deadline)
			if wait <= 0 {
				return nil, ErrLockTimeout
			}
		}
		sm, err := openSized(path, name, wait)
		if !errors.Is(err, errEmpty) {
			return sm, err
		}
		time.Sleep(lockRetry)
	}
}

var errEmpty = errors.New("shm: segment is empty")

func openSized(path, name string, timeout time.Duration) (*SharedMemory, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}

	if err := flockWait(int(file.Fd()), unix.LOCK_SH, timeout); err != nil {
		file.Close()
		return nil, err
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", path, err)
	}
	size := int(info.Size())
	if size == 0 {
		file.Close()
		return nil, errEmpty
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		size: size,
		fd:   file.Fd(),
		file: file,
		mem:  mem,
	}, nil
}

// Unlock drops the creation lock taken by Create.
func (s *SharedMemory) Unlock() error {
	if s.file == nil {
		return nil
	}
	return unix.Flock(int(s.fd), unix.LOCK_UN)
}

// Close unmaps the segment and closes the backing file. The segment itself
// persists until Remove.
func (s *SharedMemory) Close() error {
	var err error
	if s.mem != nil {
		err = unix.Munmap(s.mem)
		s.mem = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
	}
	return err
}

func flockWait(fd, how int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, how|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("shm: flock: %w", err)
		}
		if timeout > 0 && time.Now().After(deadline) {
			return ErrLockTimeout
		}
		time.Sleep(lockRetry)
	}
}
