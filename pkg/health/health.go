// Package health exposes liveness and readiness checks for the camera
// daemon.
package health

import (
	"errors"
	"fmt"
	"os"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMaxGoroutines is the goroutine count above which the daemon is
// reported dead.
const DefaultMaxGoroutines = 1000

// Camera is the part of a running camera the checks look at.
type Camera interface {
	TimedOut() bool
}

// Lookup returns the live camera, if any.
type Lookup func() (Camera, bool)

// Options configure the checks.
type Options struct {
	// RPCNodePath must exist for the daemon to be ready. Empty skips the check.
	RPCNodePath   string
	MaxGoroutines int
	// Registerer receives one gauge per check when set.
	Registerer prometheus.Registerer
	Namespace  string
}

var (
	errTimedOut = errors.New("camera frame timeout latched")
	errNoCamera = errors.New("no live camera")
)

// NewHandler returns an http.Handler serving /live and /ready.
func NewHandler(opts Options, lookup Lookup) healthcheck.Handler {
	if opts.MaxGoroutines <= 0 {
		opts.MaxGoroutines = DefaultMaxGoroutines
	}
	if opts.Namespace == "" {
		opts.Namespace = "camhal"
	}

	var h healthcheck.Handler
	if opts.Registerer != nil {
		h = healthcheck.NewMetricsHandler(opts.Registerer, opts.Namespace)
	} else {
		h = healthcheck.NewHandler()
	}

	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(opts.MaxGoroutines))
	h.AddLivenessCheck("frame-timeout", TimeoutCheck(lookup))
	if opts.RPCNodePath != "" {
		h.AddReadinessCheck("rpc-node", DeviceCheck(opts.RPCNodePath))
	}
	h.AddReadinessCheck("camera", CameraCheck(lookup))
	return h
}

// TimeoutCheck fails while the live camera has its timeout latch set.
func TimeoutCheck(lookup Lookup) healthcheck.Check {
	return func() error {
		cam, ok := lookup()
		if ok && cam.TimedOut() {
			return errTimedOut
		}
		return nil
	}
}

// CameraCheck fails unless a camera is live.
func CameraCheck(lookup Lookup) healthcheck.Check {
	return func() error {
		if _, ok := lookup(); !ok {
			return errNoCamera
		}
		return nil
	}
}

// DeviceCheck fails when path does not exist.
func DeviceCheck(path string) healthcheck.Check {
	return func() error {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("device %s: %w", path, err)
		}
		return nil
	}
}
