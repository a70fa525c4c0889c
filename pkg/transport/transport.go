// Package transport defines the command protocol spoken with the camera
// kernel driver and the Driver interface the HAL uses to speak it.
package transport

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/srediag/camera-hal/pkg/shm"
)

// CommandType is one entry of the driver's fixed control vocabulary.
type CommandType uint16

const (
	CmdSetDimension CommandType = iota + 1
	CmdStartPreview
	CmdStopPreview
	CmdPrepareSnapshot
	CmdStartSnapshot
	CmdStopSnapshot
	CmdSetAutoFocus
	CmdCancelAutoFocus
	CmdSetFPS
	CmdSetZoom
	CmdSetBrightness
	CmdExit
)

var commandNames = map[CommandType]string{
	CmdSetDimension:    "set-dimension",
	CmdStartPreview:    "start-preview",
	CmdStopPreview:     "stop-preview",
	CmdPrepareSnapshot: "prepare-snapshot",
	CmdStartSnapshot:   "start-snapshot",
	CmdStopSnapshot:    "stop-snapshot",
	CmdSetAutoFocus:    "set-auto-focus",
	CmdCancelAutoFocus: "cancel-auto-focus",
	CmdSetFPS:          "set-fps",
	CmdSetZoom:         "set-zoom",
	CmdSetBrightness:   "set-brightness",
	CmdExit:            "exit",
}

func (c CommandType) String() string {
	if n, ok := commandNames[c]; ok {
		return n
	}
	return fmt.Sprintf("command(%d)", uint16(c))
}

// Status is the driver's verdict on a command.
type Status int32

const (
	StatusSuccess Status = iota + 1
	StatusFailed
	StatusInvalidParm
	StatusNotSupported
	// StatusDone reports that a long running command such as auto focus finished.
	StatusDone
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusInvalidParm:
		return "invalid-parm"
	case StatusNotSupported:
		return "not-supported"
	case StatusDone:
		return "done"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Command timeouts.
const (
	DefaultTimeout                       = 5 * time.Second
	PrepareSnapshotTimeout               = 1 * time.Second
	NoTimeout              time.Duration = 0
)

// Command is one control request. Payload is opaque to the transport and is
// sent length-prefixed.
type Command struct {
	Type    CommandType
	Timeout time.Duration
	Payload []byte
}

// Response carries the status and the payload as the driver left it.
type Response struct {
	Status  Status
	Payload []byte
}

// ErrCommandFailed is returned for a failed system call or an unexpected status.
var ErrCommandFailed = errors.New("transport: driver command failed")

// Driver is the kernel driver as seen by the HAL.
type Driver interface {
	shm.Registrar
	Control(ctx context.Context, cmd Command) (Response, error)
	SensorInfo(ctx context.Context) (SensorInfo, error)
	Picture(ctx context.Context) (Crop, error)
	Close() error
}

// Opener opens the driver. It runs on the bring-up goroutine.
type Opener func(ctx context.Context) (Driver, error)

// Check folds a Control result into one error. want defaults to StatusSuccess.
func Check(cmd CommandType, resp Response, err error, want ...Status) error {
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCommandFailed, cmd, err)
	}
	if len(want) == 0 {
		want = []Status{StatusSuccess}
	}
	for _, w := range want {
		if resp.Status == w {
			return nil
		}
	}
	return fmt.Errorf("%w: %s: status %s", ErrCommandFailed, cmd, resp.Status)
}

// Do sends cmd and checks it in one call.
func Do(ctx context.Context, d Driver, cmd Command, want ...Status) (Response, error) {
	resp, err := d.Control(ctx, cmd)
	return resp, Check(cmd.Type, resp, err, want...)
}

// SensorInfo describes the attached sensor.
type SensorInfo struct {
	Name         string
	FlashEnabled bool
}

// Dimension is the set-dimension payload. The driver fills in the fields it
// derives, such as the thumbnail size it will produce.
type Dimension struct {
	PictureWidth      uint16
	PictureHeight     uint16
	DisplayWidth      uint16
	DisplayHeight     uint16
	VideoWidth        uint16
	VideoHeight       uint16
	UIThumbnailWidth  uint16
	UIThumbnailHeight uint16
	ThumbnailWidth    uint16
	ThumbnailHeight   uint16
	RawPictureWidth   uint16
	RawPictureHeight  uint16
	OrigPictureDx     uint16
	OrigPictureDy     uint16
	OrigPictureWidth  uint16
	OrigPictureHeight uint16
}

// MarshalBinary encodes the dimension in the driver's little-endian layout.
func (d Dimension) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, d); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a dimension returned by the driver.
func (d *Dimension) UnmarshalBinary(data []byte) error {
	if len(data) < binary.Size(d) {
		return fmt.Errorf("transport: short dimension payload %d", len(data))
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, d)
}

// Crop describes how the driver scaled a frame. A non-zero In2 rectangle
// means the frame is zoomed.
type Crop struct {
	In1W       uint32
	Out1W      uint32
	In1H       uint32
	Out1H      uint32
	In2W       uint32
	Out2W      uint32
	In2H       uint32
	Out2H      uint32
	UpdateFlag uint8
}

// CropSize is the encoded size of a Crop.
var CropSize = binary.Size(Crop{})

// Zoomed reports whether the frame needs the zoom blit.
func (c Crop) Zoomed() bool {
	return c.In2W != 0 || c.In2H != 0
}

// MarshalBinary encodes the crop in the driver's little-endian layout.
func (c Crop) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a crop written by the driver.
func (c *Crop) UnmarshalBinary(data []byte) error {
	if len(data) < CropSize {
		return fmt.Errorf("transport: short crop payload %d", len(data))
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, c)
}

// Int32Payload encodes a scalar command argument.
func Int32Payload(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// PayloadInt32 decodes a scalar command argument.
func PayloadInt32(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("transport: short scalar payload %d", len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}
