//go:build linux

package shm

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanCreateOnDevShm(t *testing.T) {
	// only paths on /dev/shm are checked
	assert.Equal(t, true, canCreateOnDevShm(math.MaxUint64, "sdffafds"))
	stat, err := disk.Usage("/dev/shm")
	if err != nil {
		t.Skipf("/dev/shm unavailable: %v", err)
	}
	assert.Equal(t, true, canCreateOnDevShm(stat.Free, "/dev/shm/xxx"))
	assert.Equal(t, false, canCreateOnDevShm(stat.Free+1, "/dev/shm/yyy"))
}

func TestMapRegionMemFd(t *testing.T) {
	ctx := context.Background()
	size := PageAlign(1000) * 2
	r, err := MapRegion(ctx, MapOptions{Name: "camhal-test", Size: size, Type: MemMapTypeMemFd})
	if err != nil {
		t.Skipf("memfd unavailable: %v", err)
	}
	require.Len(t, r.Addr, size)
	require.True(t, r.Fd >= 0)
	require.NotZero(t, r.Base())

	r.Addr[0] = 0xAB
	r.Addr[size-1] = 0xCD
	assert.Equal(t, byte(0xAB), r.Addr[0])

	require.NoError(t, UnmapRegion(ctx, r))
	assert.Nil(t, r.Addr)
	assert.Equal(t, -1, r.Fd)
	require.NoError(t, UnmapRegion(ctx, r))
}

func TestMapRegionDevShmRemovesFile(t *testing.T) {
	ctx := context.Background()
	r, err := MapRegion(ctx, MapOptions{Name: "camhal-test-devshm", Size: PageSize(), Type: MemMapTypeDevShmFile})
	if err != nil {
		t.Skipf("/dev/shm unavailable: %v", err)
	}
	_, err = os.Stat(r.Path)
	require.NoError(t, err)
	require.NoError(t, UnmapRegion(ctx, r))
	_, err = os.Stat("/dev/shm/camhal-test-devshm")
	assert.True(t, os.IsNotExist(err))
}
