//go:build !linux

package adapter

import (
	"context"
	"fmt"

	"github.com/srediag/camera-hal/pkg/display"
)

// FramebufferBlitter is only available on Linux.
type FramebufferBlitter struct{}

var _ display.Blitter = (*FramebufferBlitter)(nil)

func OpenFramebuffer(path string) (*FramebufferBlitter, error) {
	return nil, fmt.Errorf("%w: framebuffer blits need linux", display.ErrBlit)
}

func (b *FramebufferBlitter) Blit(ctx context.Context, req display.BlitRequest) error {
	if _, err := newBlitList(req); err != nil {
		return err
	}
	return fmt.Errorf("%w: framebuffer blits need linux", display.ErrBlit)
}

func (b *FramebufferBlitter) Close() error { return nil }
