//go:build unix

package shm

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestSegment(t *testing.T, size int) (string, *SharedMemory) {
	t.Helper()
	dir := t.TempDir()
	seg, err := Create(dir, "test", size)
	require.NoError(t, err)
	require.NoError(t, seg.Unlock())
	t.Cleanup(func() {
		seg.Close()
		Remove(dir, "test")
	})
	return dir, seg
}

func TestCreateOpenShareBytes(t *testing.T) {
	dir, seg := createTestSegment(t, 4096)
	assert.Equal(t, 4096, seg.Size())
	assert.Equal(t, "test", seg.Name())
	assert.True(t, Exists(dir, "test"))
	assert.NotZero(t, seg.Base())

	other, err := Open(dir, "test", time.Second)
	require.NoError(t, err)
	defer other.Close()

	seg.Bytes()[100] = 0xAB
	assert.Equal(t, byte(0xAB), other.Bytes()[100])
	assert.Equal(t, seg.Path(), other.Path())
}

func TestCreateExclusive(t *testing.T) {
	dir, _ := createTestSegment(t, 4096)
	_, err := Create(dir, "test", 4096)
	assert.ErrorIs(t, err, ErrExist)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(t.TempDir(), "missing", time.Second)
	assert.ErrorIs(t, err, ErrNotExist)
	assert.ErrorIs(t, Remove(t.TempDir(), "missing"), ErrNotExist)
}

func TestOpenWaitsForCreator(t *testing.T) {
	dir := t.TempDir()
	seg, err := Create(dir, "held", 4096)
	require.NoError(t, err)
	defer seg.Close()

	_, err = Open(dir, "held", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, seg.Unlock())
	other, err := Open(dir, "held", time.Second)
	require.NoError(t, err)
	other.Close()
}

func TestOpenRetriesEmptySegment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(SegmentPath(dir, "empty"), nil, 0o600))

	start := time.Now()
	_, err := Open(dir, "empty", 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		seg, err := Open(dir, "empty", 2*time.Second)
		if err == nil {
			assert.Equal(t, 4096, seg.Size())
			seg.Close()
		}
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.Truncate(SegmentPath(dir, "empty"), 4096))
	assert.NoError(t, <-done)
}
