// Package shm contains the platform mapping helpers behind the frame buffer pools.
package shm

import (
	"errors"
	"os"
	"unsafe"
)

// MemMapType selects how a pool mapping is backed.
type MemMapType uint8

const (
	// MemMapTypeMemFd maps an anonymous memfd that can be handed to the driver by fd.
	MemMapTypeMemFd MemMapType = iota
	// MemMapTypeDevShmFile maps a file under /dev/shm.
	MemMapTypeDevShmFile
	// MemMapTypeHeap uses process memory only. The region has no fd.
	MemMapTypeHeap
)

func (t MemMapType) String() string {
	switch t {
	case MemMapTypeMemFd:
		return "memfd"
	case MemMapTypeDevShmFile:
		return "devshm"
	case MemMapTypeHeap:
		return "heap"
	}
	return "unknown"
}

// ErrNoSpace is returned when /dev/shm cannot hold the requested mapping.
var ErrNoSpace = errors.New("shm: not enough space left on /dev/shm")

// ErrUnsupported is returned for a map type the platform cannot provide.
var ErrUnsupported = errors.New("shm: map type not supported on this platform")

// MappedRegion represents one mapping.
type MappedRegion struct {
	Addr []byte
	Fd   int
	Name string
	Path string
	Type MemMapType
}

// Base returns the address of the first byte of the mapping.
func (r *MappedRegion) Base() uintptr {
	if r == nil || len(r.Addr) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Addr[0]))
}

// MapOptions defines options for mapping shared memory.
type MapOptions struct {
	Name string
	Size int
	Type MemMapType
}

// PageSize returns the system page size.
func PageSize() int {
	return os.Getpagesize()
}

// PageAlign rounds n up to a whole number of pages.
func PageAlign(n int) int {
	ps := PageSize()
	return (n + ps - 1) &^ (ps - 1)
}

func mapHeap(opts MapOptions) *MappedRegion {
	return &MappedRegion{
		Addr: make([]byte, opts.Size),
		Fd:   -1,
		Name: opts.Name,
		Type: MemMapTypeHeap,
	}
}
