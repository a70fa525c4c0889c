//go:build !linux

package shm

import (
	"context"
	"fmt"
)

// MapRegion only provides heap backed regions outside Linux.
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if opts.Size <= 0 {
		return nil, fmt.Errorf("shm: invalid mapping size %d", opts.Size)
	}
	if opts.Type != MemMapTypeHeap {
		return nil, ErrUnsupported
	}
	return mapHeap(opts), nil
}

// UnmapRegion drops the heap region.
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region != nil {
		region.Addr = nil
	}
	return nil
}

func canCreateOnDevShm(size uint64, path string) bool {
	return true
}
