package display

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
)

func TestSourceRect(t *testing.T) {
	r := SourceRect(transport.Crop{In2W: 240, Out2W: 480, In2H: 160, Out2H: 320})
	assert.Equal(t, Rect{X: 119, Y: 79, W: 240, H: 160}, r)

	r = SourceRect(transport.Crop{In2W: 480, Out2W: 480, In2H: 320, Out2H: 320})
	assert.Equal(t, 0, r.X)
	assert.Equal(t, 0, r.Y)
}

func TestValidate(t *testing.T) {
	p, err := shm.NewPool(context.Background(), shm.Options{
		Purpose:    shm.PurposePostview,
		RegionSize: 480 * 320 * 3 / 2,
		Count:      2,
		Extra:      1,
		MapType:    shm.MemMapTypeHeap,
	})
	require.NoError(t, err)
	defer p.Close(context.Background())

	crop := transport.Crop{In2W: 240, Out2W: 480, In2H: 160, Out2H: 320}
	ok := BlitRequest{Pool: p, Src: 0, Dst: 2, Width: 480, Height: 320, Crop: crop}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Dst = 3
	assert.True(t, errors.Is(bad.Validate(), ErrBlit))

	bad = ok
	bad.Width = 4096
	assert.True(t, errors.Is(bad.Validate(), ErrBlit))

	bad = ok
	bad.Crop = transport.Crop{}
	assert.True(t, errors.Is(bad.Validate(), ErrBlit))
}
