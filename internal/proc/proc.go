// Package proc answers liveness questions about other processes on the host.
package proc

import (
	"os"
	"slices"

	"github.com/shirou/gopsutil/v3/process"
)

var self = uint32(os.Getpid())

// Self returns the pid of the calling process.
func Self() uint32 { return self }

// Alive reports whether pid names a running process. A process that has
// exited but not yet been reaped (zombie) is reported dead: it can never
// release anything it holds.
func Alive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	if pid == self {
		return true
	}
	ok, err := process.PidExists(int32(pid))
	if err != nil || !ok {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := p.Status()
	if err != nil {
		// Status is unavailable on some platforms; existence is the best answer.
		return true
	}
	return !slices.Contains(status, process.Zombie)
}

// Name returns the executable name of pid, or "" if it cannot be determined.
func Name(pid uint32) string {
	if pid == 0 {
		return ""
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.Name()
	if err != nil {
		return ""
	}
	return name
}
