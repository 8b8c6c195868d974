//go:build windows

package endpoint

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// isWouldBlock is the Windows counterpart of the unix build: a send that
// would block surfaces as WSAEWOULDBLOCK, not as a hard failure.
func isWouldBlock(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.Errno(windows.WSAEWOULDBLOCK)
	}
	return false
}
