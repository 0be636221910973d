//go:build unix

package checkpoint

import (
	"errors"
	"syscall"
)

// processAlive reports whether pid still exists on this host. EPERM means the
// process exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
