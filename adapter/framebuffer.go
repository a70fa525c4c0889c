// Package adapter connects the HAL to the display compositor behind the
// framebuffer node.
package adapter

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/srediag/camera-hal/pkg/display"
)

// DefaultFramebufferPath is the framebuffer node of the primary display.
const DefaultFramebufferPath = "/dev/graphics/fb0"

const (
	// mdpYCrCbH2V2 is the compositor's semi-planar 4:2:0 format with
	// interleaved CrCb.
	mdpYCrCbH2V2 = 5
	mdpAlphaNop  = 0xff
	mdpTranspNop = 0xffffffff
)

// ErrNoFd is returned for pools that cannot be shared with the compositor.
var ErrNoFd = errors.New("adapter: pool has no shareable descriptor")

type mdpImage struct {
	Width    uint32
	Height   uint32
	Format   uint32
	Offset   uint32
	MemoryID int32
}

type mdpRect struct {
	X, Y, W, H uint32
}

type mdpBlitReq struct {
	Src        mdpImage
	Dst        mdpImage
	SrcRect    mdpRect
	DstRect    mdpRect
	Alpha      uint32
	TranspMask uint32
	Flags      uint32
}

// mdpBlitReqList is a blit list holding one request.
type mdpBlitReqList struct {
	Count uint32
	Req   mdpBlitReq
}

func newBlitList(req display.BlitRequest) (mdpBlitReqList, error) {
	if err := req.Validate(); err != nil {
		return mdpBlitReqList{}, err
	}
	fd := req.Pool.Fd()
	if fd < 0 {
		return mdpBlitReqList{}, fmt.Errorf("%w: %s pool", ErrNoFd, req.Pool.Name())
	}
	w, h := uint32(req.Width), uint32(req.Height)
	img := mdpImage{Width: w, Height: h, Format: mdpYCrCbH2V2, MemoryID: int32(fd)}
	src, dst := img, img
	src.Offset = uint32(req.Pool.Offset(req.Src))
	dst.Offset = uint32(req.Pool.Offset(req.Dst))

	r := display.SourceRect(req.Crop)
	return mdpBlitReqList{
		Count: 1,
		Req: mdpBlitReq{
			Src:        src,
			Dst:        dst,
			SrcRect:    mdpRect{X: uint32(r.X), Y: uint32(r.Y), W: uint32(r.W), H: uint32(r.H)},
			DstRect:    mdpRect{W: w, H: h},
			Alpha:      mdpAlphaNop,
			TranspMask: mdpTranspNop,
		},
	}, nil
}

// MarshalBinary encodes the list in the kernel's little-endian layout.
func (l mdpBlitReqList) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(l))
	if err := binary.Write(&buf, binary.LittleEndian, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
