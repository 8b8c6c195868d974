//go:build !windows

package endpoint

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// isWouldBlock reports whether err ultimately wraps EWOULDBLOCK/EAGAIN:
// a non-blocking send that would block is a retry signal, not a failure.
func isWouldBlock(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.Errno(unix.EWOULDBLOCK) || errno == syscall.Errno(unix.EAGAIN)
	}
	return false
}
