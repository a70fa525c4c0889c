// Package display describes the compositor capability used to scale zoomed
// preview frames into spare pool regions.
package display

import (
	"context"
	"errors"

	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
)

// ErrBlit is returned when the compositor rejects a request.
var ErrBlit = errors.New("display: blit failed")

// Rect is a pixel rectangle.
type Rect struct {
	X, Y, W, H int
}

// BlitRequest copies the zoom window of region Src into region Dst of the
// same pool, scaling it back to Width x Height.
type BlitRequest struct {
	Pool   *shm.Pool
	Src    int
	Dst    int
	Width  int
	Height int
	Crop   transport.Crop
}

// Blitter is implemented by the display compositor.
type Blitter interface {
	Blit(ctx context.Context, req BlitRequest) error
	Close() error
}

// SourceRect is the centred window of a zoomed frame that the driver left
// in the output rectangle.
func SourceRect(crop transport.Crop) Rect {
	x := (int(crop.Out2W)-int(crop.In2W)+1)/2 - 1
	y := (int(crop.Out2H)-int(crop.In2H)+1)/2 - 1
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	return Rect{X: x, Y: y, W: int(crop.In2W), H: int(crop.In2H)}
}

// Validate checks that req fits inside its pool.
func (req BlitRequest) Validate() error {
	if req.Pool == nil || req.Pool.Closed() {
		return errors.Join(ErrBlit, errors.New("no pool"))
	}
	if req.Src < 0 || req.Src >= req.Pool.Len() || req.Dst < 0 || req.Dst >= req.Pool.Len() {
		return errors.Join(ErrBlit, errors.New("region out of range"))
	}
	if req.Width <= 0 || req.Height <= 0 || req.Width*req.Height*3/2 > req.Pool.Stride() {
		return errors.Join(ErrBlit, errors.New("bad geometry"))
	}
	r := SourceRect(req.Crop)
	if r.W <= 0 || r.H <= 0 || r.X+r.W > req.Width || r.Y+r.H > req.Height {
		return errors.Join(ErrBlit, errors.New("bad crop"))
	}
	return nil
}
