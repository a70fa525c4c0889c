//go:build !linux

package transport

import (
	"context"
	"errors"
	"time"
)

// DefaultDevicePath is the camera control node.
const DefaultDevicePath = "/dev/msm_camera/control0"

// DeviceOptions tunes how the control node is opened.
type DeviceOptions struct {
	Path          string
	OpenRetries   uint64
	RetryInterval time.Duration
}

var errNoDevice = errors.New("transport: camera control node is only available on linux")

// DeviceOpener returns an Opener that always fails outside Linux.
func DeviceOpener(opts DeviceOptions) Opener {
	return func(ctx context.Context) (Driver, error) {
		return nil, errNoDevice
	}
}
