// Package api defines the contract between the camera HAL and the media
// framework that consumes it.
package api

import (
	"context"
	"io"

	"github.com/srediag/camera-hal/pkg/shm"
)

// MsgType is a bit set of consumer message kinds.
type MsgType int32

const (
	MsgError           MsgType = 0x001
	MsgShutter         MsgType = 0x002
	MsgFocus           MsgType = 0x004
	MsgZoom            MsgType = 0x008
	MsgPreviewFrame    MsgType = 0x010
	MsgVideoFrame      MsgType = 0x020
	MsgPostviewFrame   MsgType = 0x040
	MsgRawImage        MsgType = 0x080
	MsgCompressedImage MsgType = 0x100
	MsgAll             MsgType = 0xFFFF
)

func (m MsgType) String() string {
	switch m {
	case MsgError:
		return "error"
	case MsgShutter:
		return "shutter"
	case MsgFocus:
		return "focus"
	case MsgZoom:
		return "zoom"
	case MsgPreviewFrame:
		return "preview-frame"
	case MsgVideoFrame:
		return "video-frame"
	case MsgPostviewFrame:
		return "postview-frame"
	case MsgRawImage:
		return "raw-image"
	case MsgCompressedImage:
		return "compressed-image"
	}
	return "mixed"
}

// Error codes carried in arg1 of a MsgError notification.
const (
	ErrorUnknown    int32 = 1
	ErrorServerDied int32 = 100
)

// NotifyFunc receives events without data. For MsgShutter arg1 and arg2
// are the display width and height; for MsgFocus arg1 is 1 on success.
type NotifyFunc func(msg MsgType, arg1, arg2 int32)

// DataFunc receives a buffer that stays valid until the callback returns.
type DataFunc func(msg MsgType, buf shm.Buffer)

// DataTimestampFunc receives recording frames. Each frame must be handed
// back through ReleaseRecordingFrame before the next one is delivered.
type DataTimestampFunc func(timestampNs int64, msg MsgType, buf shm.Buffer)

// CameraHardware is the operation surface of one camera.
type CameraHardware interface {
	SetCallbacks(notify NotifyFunc, data DataFunc, dataTimestamp DataTimestampFunc)
	EnableMsgType(msg MsgType)
	DisableMsgType(msg MsgType)
	MsgTypeEnabled(msg MsgType) bool

	StartPreview(ctx context.Context) error
	StopPreview(ctx context.Context) error
	PreviewEnabled() bool

	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	RecordingEnabled() bool
	ReleaseRecordingFrame(buf shm.Buffer)

	AutoFocus(ctx context.Context) error
	CancelAutoFocus(ctx context.Context) error

	TakePicture(ctx context.Context) error
	CancelPicture(ctx context.Context) error

	SetParameters(ctx context.Context, p *Parameters) error
	Parameters() *Parameters
	SendCommand(cmd, arg1, arg2 int32) error

	Dump(w io.Writer) error
	Release(ctx context.Context) error
}
