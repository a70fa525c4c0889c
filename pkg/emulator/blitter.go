package emulator

import (
	"context"
	"sync"

	"github.com/srediag/camera-hal/pkg/display"
)

// Blitter scales the zoom window with nearest neighbour sampling.
type Blitter struct {
	mu     sync.Mutex
	fail   error
	blits  int
	closed bool
}

// NewBlitter returns a working blitter.
func NewBlitter() *Blitter {
	return &Blitter{}
}

// Fail makes every later Blit return err. A nil err restores it.
func (b *Blitter) Fail(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// Blits returns the number of successful blits.
func (b *Blitter) Blits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blits
}

func (b *Blitter) Blit(ctx context.Context, req display.BlitRequest) error {
	b.mu.Lock()
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return fail
	}
	if err := req.Validate(); err != nil {
		return err
	}

	src := req.Pool.Region(req.Src)
	dst := req.Pool.Region(req.Dst)
	r := display.SourceRect(req.Crop)
	w, h := req.Width, req.Height

	for y := 0; y < h; y++ {
		sy := r.Y + y*r.H/h
		for x := 0; x < w; x++ {
			dst[y*w+x] = src[sy*w+r.X+x*r.W/w]
		}
	}
	srcUV := src[w*h:]
	dstUV := dst[w*h:]
	for y := 0; y < h/2; y++ {
		sy := r.Y/2 + y*r.H/h
		for x := 0; x < w/2; x++ {
			sx := r.X/2 + x*r.W/w
			dstUV[y*w+2*x] = srcUV[sy*w+2*sx]
			dstUV[y*w+2*x+1] = srcUV[sy*w+2*sx+1]
		}
	}

	b.mu.Lock()
	b.blits++
	b.mu.Unlock()
	return nil
}

func (b *Blitter) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (b *Blitter) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
