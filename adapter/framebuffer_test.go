package adapter

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/camera-hal/pkg/display"
	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
)

func TestBlitListLayout(t *testing.T) {
	l := mdpBlitReqList{
		Count: 1,
		Req: mdpBlitReq{
			Src:        mdpImage{Width: 480, Height: 320, Format: mdpYCrCbH2V2, Offset: 0, MemoryID: 7},
			Dst:        mdpImage{Width: 480, Height: 320, Format: mdpYCrCbH2V2, Offset: 4096, MemoryID: 7},
			SrcRect:    mdpRect{X: 119, Y: 79, W: 240, H: 160},
			DstRect:    mdpRect{W: 480, H: 320},
			Alpha:      mdpAlphaNop,
			TranspMask: mdpTranspNop,
		},
	}
	raw, err := l.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, raw, 88)

	le := binary.LittleEndian
	assert.Equal(t, uint32(1), le.Uint32(raw[0:]))
	assert.Equal(t, uint32(480), le.Uint32(raw[4:]))
	assert.Equal(t, uint32(7), le.Uint32(raw[20:]))
	assert.Equal(t, uint32(4096), le.Uint32(raw[36:]))
	assert.Equal(t, uint32(119), le.Uint32(raw[44:]))
	assert.Equal(t, uint32(480), le.Uint32(raw[68:]))
	assert.Equal(t, uint32(mdpAlphaNop), le.Uint32(raw[76:]))
	assert.Equal(t, uint32(mdpTranspNop), le.Uint32(raw[80:]))
}

func TestBlitListRejectsHeapPools(t *testing.T) {
	ctx := context.Background()
	p, err := shm.NewPool(ctx, shm.Options{
		Purpose:    shm.PurposePostview,
		RegionSize: 480 * 320 * 3 / 2,
		Count:      1,
		Extra:      1,
		MapType:    shm.MemMapTypeHeap,
	})
	require.NoError(t, err)
	defer p.Close(ctx)

	crop := transport.Crop{In2W: 240, Out2W: 480, In2H: 160, Out2H: 320}
	_, err = newBlitList(display.BlitRequest{Pool: p, Src: 0, Dst: 1, Width: 480, Height: 320, Crop: crop})
	assert.ErrorIs(t, err, ErrNoFd)

	_, err = newBlitList(display.BlitRequest{Pool: p, Src: 0, Dst: 2, Width: 480, Height: 320, Crop: crop})
	assert.ErrorIs(t, err, display.ErrBlit)
}
