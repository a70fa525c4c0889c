package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/srediag/camera-hal/adapter"
	"github.com/srediag/camera-hal/internal/server"
	"github.com/srediag/camera-hal/pkg/emulator"
	"github.com/srediag/camera-hal/pkg/hal"
	"github.com/srediag/camera-hal/pkg/lifecycle"
	"github.com/srediag/camera-hal/pkg/transport"
)

const instrumentationName = "github.com/srediag/camera-hal"

type cameraOpts struct {
	emulate       bool
	frameInterval time.Duration
	registerer    prometheus.Registerer
}

// newRegistry returns a registry that builds a camera on first use. Without
// emulate the driver and the blitter are the device nodes named in cfg, and
// the kernel RPC node must exist before a camera is built.
func newRegistry(cfg *hal.Config, opts cameraOpts) *server.Registry {
	lopts := lifecycle.Options{}
	if !opts.emulate {
		lopts.DevicePath = cfg.RPCNodePath
	}
	return lifecycle.New(func(ctx context.Context) (*hal.Hardware, error) {
		deps := hal.Deps{
			Registerer: opts.registerer,
			Tracer:     otel.Tracer(instrumentationName),
			Meter:      otel.Meter(instrumentationName),
		}
		cam := emulator.New(emulator.Options{FrameInterval: opts.frameInterval})
		deps.Library = cam.Library
		if opts.emulate {
			deps.Open = cam.Opener()
			deps.Blitter = cam.Blitter
			return hal.New(ctx, cfg, deps)
		}

		// TODO: bind the vendor imaging library once a cgo binding exists;
		// until then the device driver is paired with the emulated library.
		deps.Open = transport.DeviceOpener(transport.DeviceOptions{
			Path:          cfg.DevicePath,
			OpenRetries:   cfg.DeviceOpenRetries,
			RetryInterval: cfg.DeviceRetryInterval,
		})
		if fb, err := adapter.OpenFramebuffer(cfg.FramebufferPath); err != nil {
			log.Warnf("zoomed preview is not scaled: %v", err)
		} else {
			deps.Blitter = fb
		}
		return hal.New(ctx, cfg, deps)
	}, lopts)
}

// waitGone waits for the camera to be torn down.
func waitGone(reg *server.Registry, budget time.Duration) error {
	deadline := time.After(budget)
	for {
		changed := reg.Changed()
		if state, _ := reg.State(); state == lifecycle.Gone {
			return nil
		}
		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("camera still %s after %s", stateOf(reg), budget)
		}
	}
}

func stateOf(reg *server.Registry) lifecycle.State {
	state, _ := reg.State()
	return state
}
