// Package emulator provides an in-process camera: a kernel driver, a vendor
// imaging library and a display blitter that behave like the real ones
// closely enough to run the HAL without hardware.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
)

// ErrClosed is returned by a closed Driver.
var ErrClosed = errors.New("emulator: driver closed")

type regionKey struct {
	vaddr  uintptr
	offset uint32
}

// Driver emulates the camera control node.
type Driver struct {
	mu         sync.Mutex
	closed     bool
	sensor     transport.SensorInfo
	history    []transport.Command
	status     map[transport.CommandType]transport.Status
	errs       map[transport.CommandType]error
	dim        transport.Dimension
	crop       transport.Crop
	streaming  bool
	registered map[regionKey]shm.RegionDescriptor
	registers  int
	unregs     int
	failAfter  int

	// afBlock makes auto focus wait for cancel-auto-focus.
	afBlock  bool
	afDelay  time.Duration
	afCancel chan struct{}
	afStatus transport.Status
}

// NewDriver returns a driver reporting sensor.
func NewDriver(sensor transport.SensorInfo) *Driver {
	return &Driver{
		sensor:     sensor,
		status:     map[transport.CommandType]transport.Status{},
		errs:       map[transport.CommandType]error{},
		registered: map[regionKey]shm.RegionDescriptor{},
		failAfter:  -1,
		afCancel:   make(chan struct{}, 1),
		afStatus:   transport.StatusDone,
	}
}

// FailCommand makes every later typ command answer status. StatusSuccess
// restores normal behaviour.
func (d *Driver) FailCommand(typ transport.CommandType, status transport.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if status == transport.StatusSuccess {
		delete(d.status, typ)
		return
	}
	d.status[typ] = status
}

// FailCommandErr makes every later typ command fail with err. A nil err
// restores normal behaviour.
func (d *Driver) FailCommandErr(typ transport.CommandType, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.errs, typ)
		return
	}
	d.errs[typ] = err
}

// FailRegisterAfter lets n more registrations succeed and fails the rest.
// A negative n disables the failure.
func (d *Driver) FailRegisterAfter(n int) {
	d.mu.Lock()
	d.failAfter = n
	d.mu.Unlock()
}

// SetPictureCrop sets the crop returned for the next pictures.
func (d *Driver) SetPictureCrop(crop transport.Crop) {
	d.mu.Lock()
	d.crop = crop
	d.mu.Unlock()
}

// SetAutoFocus configures auto focus. With block set the command waits for
// cancel-auto-focus or its timeout; otherwise it answers status after delay.
func (d *Driver) SetAutoFocus(block bool, delay time.Duration, status transport.Status) {
	d.mu.Lock()
	d.afBlock = block
	d.afDelay = delay
	d.afStatus = status
	d.mu.Unlock()
}

// Control implements transport.Driver.
func (d *Driver) Control(ctx context.Context, cmd transport.Command) (transport.Response, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return transport.Response{}, ErrClosed
	}
	d.history = append(d.history, transport.Command{Type: cmd.Type, Timeout: cmd.Timeout, Payload: append([]byte(nil), cmd.Payload...)})
	if err, ok := d.errs[cmd.Type]; ok {
		d.mu.Unlock()
		return transport.Response{}, err
	}
	if st, ok := d.status[cmd.Type]; ok {
		d.mu.Unlock()
		return transport.Response{Status: st, Payload: cmd.Payload}, nil
	}

	resp := transport.Response{Status: transport.StatusSuccess, Payload: cmd.Payload}
	switch cmd.Type {
	case transport.CmdSetDimension:
		var dim transport.Dimension
		if err := dim.UnmarshalBinary(cmd.Payload); err != nil {
			d.mu.Unlock()
			return transport.Response{Status: transport.StatusInvalidParm}, nil
		}
		dim.RawPictureWidth, dim.RawPictureHeight = dim.PictureWidth, dim.PictureHeight
		d.dim = dim
		resp.Payload, _ = dim.MarshalBinary()
	case transport.CmdStartPreview:
		d.streaming = true
	case transport.CmdStopPreview, transport.CmdExit:
		d.streaming = false
	case transport.CmdCancelAutoFocus:
		select {
		case d.afCancel <- struct{}{}:
		default:
		}
	case transport.CmdSetAutoFocus:
		block, delay, status := d.afBlock, d.afDelay, d.afStatus
		d.mu.Unlock()
		return d.autoFocus(ctx, cmd, block, delay, status)
	}
	d.mu.Unlock()
	return resp, nil
}

func (d *Driver) autoFocus(ctx context.Context, cmd transport.Command, block bool, delay time.Duration, status transport.Status) (transport.Response, error) {
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	if !block {
		select {
		case <-time.After(delay):
			return transport.Response{Status: status, Payload: cmd.Payload}, nil
		case <-d.afCancel:
			return transport.Response{Status: transport.StatusCancelled, Payload: cmd.Payload}, nil
		case <-ctx.Done():
			return transport.Response{}, ctx.Err()
		}
	}
	select {
	case <-d.afCancel:
		return transport.Response{Status: transport.StatusCancelled, Payload: cmd.Payload}, nil
	case <-time.After(timeout):
		return transport.Response{Status: transport.StatusFailed, Payload: cmd.Payload}, nil
	case <-ctx.Done():
		return transport.Response{}, ctx.Err()
	}
}

// RegisterRegion implements shm.Registrar.
func (d *Driver) RegisterRegion(ctx context.Context, desc shm.RegionDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.failAfter == 0 {
		return fmt.Errorf("emulator: register %s region at %d rejected", desc.Kind, desc.Offset)
	}
	if d.failAfter > 0 {
		d.failAfter--
	}
	key := regionKey{desc.Vaddr, desc.Offset}
	if _, ok := d.registered[key]; ok {
		return fmt.Errorf("emulator: region at %d registered twice", desc.Offset)
	}
	d.registered[key] = desc
	d.registers++
	return nil
}

// UnregisterRegion implements shm.Registrar.
func (d *Driver) UnregisterRegion(ctx context.Context, desc shm.RegionDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	key := regionKey{desc.Vaddr, desc.Offset}
	if _, ok := d.registered[key]; !ok {
		return fmt.Errorf("emulator: region at %d not registered", desc.Offset)
	}
	delete(d.registered, key)
	d.unregs++
	return nil
}

// SensorInfo implements transport.Driver.
func (d *Driver) SensorInfo(ctx context.Context) (transport.SensorInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return transport.SensorInfo{}, ErrClosed
	}
	return d.sensor, nil
}

// Picture implements transport.Driver.
func (d *Driver) Picture(ctx context.Context) (transport.Crop, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return transport.Crop{}, ErrClosed
	}
	return d.crop, nil
}

// Close implements transport.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.streaming = false
	return nil
}

// Closed reports whether Close was called.
func (d *Driver) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Streaming reports whether preview was started and not stopped.
func (d *Driver) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Commands returns the command types received so far.
func (d *Driver) Commands() []transport.CommandType {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]transport.CommandType, len(d.history))
	for i, c := range d.history {
		out[i] = c.Type
	}
	return out
}

// LastCommand returns the most recent command of type typ.
func (d *Driver) LastCommand(typ transport.CommandType) (transport.Command, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.history) - 1; i >= 0; i-- {
		if d.history[i].Type == typ {
			return d.history[i], true
		}
	}
	return transport.Command{}, false
}

// Count returns how many typ commands were received.
func (d *Driver) Count(typ transport.CommandType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.history {
		if c.Type == typ {
			n++
		}
	}
	return n
}

// Dimension returns the last negotiated dimension.
func (d *Driver) Dimension() transport.Dimension {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dim
}

// Registrations returns how many regions were registered and unregistered,
// and how many are registered now.
func (d *Driver) Registrations() (registered, unregistered, live int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.registers, d.unregs, len(d.registered)
}

// RegisteredKinds counts the live registrations by kind.
func (d *Driver) RegisteredKinds() map[shm.BufferKind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[shm.BufferKind]int{}
	for _, desc := range d.registered {
		out[desc.Kind]++
	}
	return out
}
