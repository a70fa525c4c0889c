package hal

import (
	"errors"

	"github.com/srediag/camera-hal/pkg/shm"
)

var (
	// ErrAllocation reports that a pool could not be mapped or registered.
	ErrAllocation = shm.ErrAllocation
	// ErrHardware reports a failed or rejected driver or vendor call.
	ErrHardware = errors.New("hal: hardware error")
	// ErrInvalidParameter reports a parameter rejected before reaching the driver.
	ErrInvalidParameter = errors.New("hal: invalid parameter")
	// ErrTimeoutLatched reports that the driver stopped delivering frames.
	ErrTimeoutLatched = errors.New("hal: driver timed out")
	// ErrReleased is returned once the instance has been released.
	ErrReleased = errors.New("hal: camera released")
	// ErrNotSupported is returned for vendor commands the HAL does not handle.
	ErrNotSupported = errors.New("hal: not supported")
)
