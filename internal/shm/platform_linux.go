//go:build linux

package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

const devShm = "/dev/shm"

// MapRegion creates a zeroed shared mapping of opts.Size bytes.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid mapping size %d", opts.Size)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch opts.Type {
	case MemMapTypeHeap:
		return mapHeap(opts), nil
	case MemMapTypeMemFd:
		fd, err := unix.MemfdCreate(opts.Name, unix.MFD_CLOEXEC)
		if err != nil {
			return nil, fmt.Errorf("memfd_create: %w", err)
		}
		return mapFd(fd, "", opts)
	case MemMapTypeDevShmFile:
		path := filepath.Join(devShm, opts.Name)
		if !canCreateOnDevShm(uint64(opts.Size), path) {
			return nil, fmt.Errorf("%w: path %s size %d", ErrNoSpace, path, opts.Size)
		}
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		return mapFd(fd, path, opts)
	}
	return nil, ErrUnsupported
}

func mapFd(fd int, path string, opts MapOptions) (*MappedRegion, error) {
	cleanup := func() {
		_ = unix.Close(fd)
		if path != "" {
			_ = os.Remove(path)
		}
	}
	if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("ftruncate: %w", err)
	}
	addr, err := unix.Mmap(fd, 0, opts.Size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr: addr,
		Fd:   fd,
		Name: opts.Name,
		Path: path,
		Type: opts.Type,
	}, nil
}

// UnmapRegion unmaps the region and closes its fd.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if region.Type == MemMapTypeHeap {
		region.Addr = nil
		return nil
	}
	var errs []error
	if err := unix.Munmap(region.Addr); err != nil {
		errs = append(errs, fmt.Errorf("munmap: %w", err))
	}
	region.Addr = nil
	if region.Fd >= 0 {
		if err := unix.Close(region.Fd); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		region.Fd = -1
	}
	if region.Path != "" {
		if err := os.Remove(region.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove: %w", err))
		}
	}
	return errors.Join(errs...)
}

// canCreateOnDevShm only guards paths under /dev/shm; other paths always pass.
func canCreateOnDevShm(size uint64, path string) bool {
	if !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return false
	}
	return stat.Free >= size
}
