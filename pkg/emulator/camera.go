package emulator

import (
	"context"
	"sync"
	"time"

	"github.com/srediag/camera-hal/pkg/transport"
)

// Camera bundles the emulated driver, library and blitter of one device.
// Driver is replaced on the first open after it was closed; use
// CurrentDriver once the camera is in use.
type Camera struct {
	Driver  *Driver
	Library *Library
	Blitter *Blitter

	mu      sync.Mutex
	opens   int
	openErr error
}

// CurrentDriver returns the driver handed out by the last open.
func (c *Camera) CurrentDriver() *Driver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Driver
}

// Options configures an emulated camera.
type Options struct {
	SensorName string
	Flash      bool
	// FrameInterval makes the frame pump produce frames on its own.
	FrameInterval time.Duration
}

// New returns an emulated camera.
func New(opts Options) *Camera {
	if opts.SensorName == "" {
		opts.SensorName = "emulated"
	}
	return &Camera{
		Driver:  NewDriver(transport.SensorInfo{Name: opts.SensorName, FlashEnabled: opts.Flash}),
		Library: NewLibrary(opts.FrameInterval),
		Blitter: NewBlitter(),
	}
}

// FailOpen makes the opener fail with err.
func (c *Camera) FailOpen(err error) {
	c.mu.Lock()
	c.openErr = err
	c.mu.Unlock()
}

// Opens returns how many times the driver was opened.
func (c *Camera) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

// Opener opens the emulated driver. Every open after a Close yields a fresh
// driver with the same sensor.
func (c *Camera) Opener() transport.Opener {
	return func(ctx context.Context) (transport.Driver, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.openErr != nil {
			return nil, c.openErr
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.opens++
		if c.Driver.Closed() {
			c.Driver = NewDriver(c.Driver.sensor)
		}
		return c.Driver, nil
	}
}
