//go:build linux

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"

	"github.com/srediag/camera-hal/internal/logging"
	ioctl "github.com/srediag/camera-hal/internal/transport"
	"github.com/srediag/camera-hal/pkg/shm"
)

// DefaultDevicePath is the camera control node.
const DefaultDevicePath = "/dev/msm_camera/control0"

const camIoctlMagic = 'm'

var (
	ptrSize = unsafe.Sizeof(uintptr(0))

	reqGetSensorInfo  = ioctl.IOR(camIoctlMagic, 1, ptrSize)
	reqRegisterPmem   = ioctl.IOW(camIoctlMagic, 2, ptrSize)
	reqUnregisterPmem = ioctl.IOW(camIoctlMagic, 3, 4)
	reqCtrlCommand    = ioctl.IOW(camIoctlMagic, 4, ptrSize)
	reqGetPicture     = ioctl.IOW(camIoctlMagic, 14, ptrSize)
)

// ctrlCmd mirrors the driver's control command header.
type ctrlCmd struct {
	typ       uint16
	length    uint16
	value     unsafe.Pointer
	status    uint16
	timeoutMs uint32
	respFd    int32
}

// pmemInfo mirrors the driver's region registration record.
type pmemInfo struct {
	typ     int32
	fd      int32
	vaddr   uintptr
	offset  uint32
	len     uint32
	yOff    uint32
	cbcrOff uint32
	active  uint8
}

type sensorInfo struct {
	name         [32]byte
	flashEnabled uint8
}

// DeviceOptions tunes how the control node is opened.
type DeviceOptions struct {
	Path          string
	OpenRetries   uint64
	RetryInterval time.Duration
}

// Device talks to the driver through its control node.
type Device struct {
	mu   sync.Mutex
	fd   int
	path string
	log  *logging.Logger
}

// OpenDevice opens the control node. The node is often still held by a
// previous client right after it exits, so EBUSY and EAGAIN are retried.
func OpenDevice(ctx context.Context, opts DeviceOptions) (*Device, error) {
	if opts.Path == "" {
		opts.Path = DefaultDevicePath
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 100 * time.Millisecond
	}
	fd := -1
	op := func() error {
		var err error
		fd, err = unix.Open(opts.Path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EBUSY) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return err
		}
		return backoff.Permanent(err)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryInterval), opts.OpenRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	return &Device{fd: fd, path: opts.Path, log: logging.New("device", nil)}, nil
}

// DeviceOpener returns an Opener for the control node.
func DeviceOpener(opts DeviceOptions) Opener {
	return func(ctx context.Context) (Driver, error) {
		return OpenDevice(ctx, opts)
	}
}

func (d *Device) handle() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return -1, fmt.Errorf("%s: %w", d.path, unix.EBADF)
	}
	return d.fd, nil
}

// Control sends one control command. The driver may rewrite the payload.
func (d *Device) Control(ctx context.Context, cmd Command) (Response, error) {
	fd, err := d.handle()
	if err != nil {
		return Response{}, err
	}
	if len(cmd.Payload) > 0xffff {
		return Response{}, fmt.Errorf("payload of %d bytes too large", len(cmd.Payload))
	}
	c := ctrlCmd{
		typ:       uint16(cmd.Type),
		length:    uint16(len(cmd.Payload)),
		timeoutMs: uint32(cmd.Timeout / time.Millisecond),
		respFd:    int32(fd),
	}
	if len(cmd.Payload) > 0 {
		c.value = unsafe.Pointer(&cmd.Payload[0])
	}
	err = ioctl.Ioctl(fd, reqCtrlCommand, unsafe.Pointer(&c))
	runtime.KeepAlive(cmd.Payload)
	if err != nil {
		d.log.Errorf("ioctl %s failed: %v", cmd.Type, err)
		return Response{}, err
	}
	return Response{Status: Status(c.status), Payload: cmd.Payload}, nil
}

func (d *Device) pmem(ctx context.Context, req uintptr, desc shm.RegionDescriptor) error {
	fd, err := d.handle()
	if err != nil {
		return err
	}
	info := pmemInfo{
		typ:     int32(desc.Kind),
		fd:      int32(desc.Fd),
		vaddr:   desc.Vaddr,
		offset:  desc.Offset,
		len:     desc.Len,
		yOff:    desc.YOffset,
		cbcrOff: desc.CbCrOffset,
	}
	if desc.Active {
		info.active = 1
	}
	return ioctl.Ioctl(fd, req, unsafe.Pointer(&info))
}

// RegisterRegion hands one pool region to the driver.
func (d *Device) RegisterRegion(ctx context.Context, desc shm.RegionDescriptor) error {
	return d.pmem(ctx, reqRegisterPmem, desc)
}

// UnregisterRegion takes a region back from the driver.
func (d *Device) UnregisterRegion(ctx context.Context, desc shm.RegionDescriptor) error {
	return d.pmem(ctx, reqUnregisterPmem, desc)
}

// SensorInfo queries the attached sensor.
func (d *Device) SensorInfo(ctx context.Context) (SensorInfo, error) {
	fd, err := d.handle()
	if err != nil {
		return SensorInfo{}, err
	}
	var info sensorInfo
	if err := ioctl.Ioctl(fd, reqGetSensorInfo, unsafe.Pointer(&info)); err != nil {
		return SensorInfo{}, err
	}
	name := info.name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return SensorInfo{Name: string(name), FlashEnabled: info.flashEnabled != 0}, nil
}

// Picture fetches the crop of the last captured picture.
func (d *Device) Picture(ctx context.Context) (Crop, error) {
	fd, err := d.handle()
	if err != nil {
		return Crop{}, err
	}
	payload := make([]byte, CropSize+3)
	c := ctrlCmd{
		length:    uint16(len(payload)),
		value:     unsafe.Pointer(&payload[0]),
		timeoutMs: uint32(DefaultTimeout / time.Millisecond),
		respFd:    int32(fd),
	}
	err = ioctl.Ioctl(fd, reqGetPicture, unsafe.Pointer(&c))
	runtime.KeepAlive(payload)
	if err != nil {
		return Crop{}, err
	}
	var crop Crop
	if err := crop.UnmarshalBinary(payload); err != nil {
		return Crop{}, err
	}
	return crop, nil
}

// Close releases the control node.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}
