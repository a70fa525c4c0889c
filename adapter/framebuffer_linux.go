//go:build linux

package adapter

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/srediag/camera-hal/internal/logging"
	ioctl "github.com/srediag/camera-hal/internal/transport"
	"github.com/srediag/camera-hal/pkg/display"
)

var log = logging.New("adapter", nil)

var reqMsmfbBlit = ioctl.IOW('m', 2, 4)

// FramebufferBlitter implements display.Blitter with the MDP blit ioctl.
type FramebufferBlitter struct {
	path string

	mu     sync.Mutex
	fd     int
	closed bool
}

var _ display.Blitter = (*FramebufferBlitter)(nil)

// OpenFramebuffer opens the framebuffer node at path.
func OpenFramebuffer(path string) (*FramebufferBlitter, error) {
	if path == "" {
		path = DefaultFramebufferPath
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", display.ErrBlit, path, err)
	}
	log.Debugf("framebuffer %s opened as fd %d", path, fd)
	return &FramebufferBlitter{path: path, fd: fd}, nil
}

func (b *FramebufferBlitter) Blit(ctx context.Context, req display.BlitRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	list, err := newBlitList(req)
	if err != nil {
		return err
	}
	raw, err := list.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", display.ErrBlit, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("%w: %s closed", display.ErrBlit, b.path)
	}
	if err := ioctl.Ioctl(b.fd, reqMsmfbBlit, unsafe.Pointer(&raw[0])); err != nil {
		return fmt.Errorf("%w: %s: %v", display.ErrBlit, b.path, err)
	}
	return nil
}

func (b *FramebufferBlitter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return unix.Close(b.fd)
}
