package shm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageAlign(t *testing.T) {
	ps := PageSize()
	assert.Equal(t, 0, PageAlign(0))
	assert.Equal(t, ps, PageAlign(1))
	assert.Equal(t, ps, PageAlign(ps))
	assert.Equal(t, 2*ps, PageAlign(ps+1))
}

func TestMapRegionHeap(t *testing.T) {
	ctx := context.Background()
	r, err := MapRegion(ctx, MapOptions{Name: "heap", Size: 64, Type: MemMapTypeHeap})
	require.NoError(t, err)
	assert.Len(t, r.Addr, 64)
	assert.Equal(t, -1, r.Fd)
	assert.Equal(t, "heap", r.Type.String())
	require.NoError(t, UnmapRegion(ctx, r))

	_, err = MapRegion(ctx, MapOptions{Size: 0, Type: MemMapTypeHeap})
	assert.Error(t, err)
}
