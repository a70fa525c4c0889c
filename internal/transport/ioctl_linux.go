//go:build linux

package transport

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl issues request req on fd with arg. A zero errno is success.
func Ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// IoctlValue issues req with an immediate integer argument.
func IoctlValue(fd int, req uintptr, v uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, v)
	if errno != 0 {
		return errno
	}
	return nil
}
