package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/hal"
	"github.com/srediag/camera-hal/pkg/lifecycle"
	"github.com/srediag/camera-hal/pkg/shm"
)

// Registry is the camera registry the daemon serves.
type Registry = lifecycle.Registry[*hal.Hardware]

// Session holds one reference to the camera and turns its callbacks into
// request/response calls.
type Session struct {
	handle *lifecycle.Handle[*hal.Hardware]
	hw     *hal.Hardware

	previewFrames atomic.Uint64
	videoFrames   atomic.Uint64

	pictureMu sync.Mutex
	jpeg      chan []byte
	errs      chan int32

	focusMu sync.Mutex
	focus   chan bool
}

// Open acquires the camera and installs the session callbacks.
func Open(ctx context.Context, reg *Registry) (*Session, error) {
	h, err := reg.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s := &Session{
		handle: h,
		hw:     h.Instance(),
		jpeg:   make(chan []byte, 1),
		errs:   make(chan int32, 1),
		focus:  make(chan bool, 1),
	}
	s.hw.SetCallbacks(s.notify, s.data, s.dataTimestamp)
	s.hw.EnableMsgType(api.MsgError | api.MsgFocus | api.MsgCompressedImage |
		api.MsgPreviewFrame | api.MsgVideoFrame)
	return s, nil
}

// Hardware returns the camera the session refers to.
func (s *Session) Hardware() *hal.Hardware {
	return s.hw
}

// Frames returns how many preview and video frames were delivered.
func (s *Session) Frames() (preview, video uint64) {
	return s.previewFrames.Load(), s.videoFrames.Load()
}

func (s *Session) notify(msg api.MsgType, arg1, _ int32) {
	switch msg {
	case api.MsgError:
		offer(s.errs, arg1)
	case api.MsgFocus:
		offer(s.focus, arg1 == 1)
	}
}

func (s *Session) data(msg api.MsgType, buf shm.Buffer) {
	switch msg {
	case api.MsgCompressedImage:
		offer(s.jpeg, append([]byte(nil), buf.Bytes()...))
	case api.MsgPreviewFrame:
		s.previewFrames.Add(1)
	}
}

// dataTimestamp hands every recording frame straight back; the daemon has
// no encoder attached.
func (s *Session) dataTimestamp(_ int64, msg api.MsgType, buf shm.Buffer) {
	if msg != api.MsgVideoFrame {
		return
	}
	s.videoFrames.Add(1)
	s.hw.ReleaseRecordingFrame(buf)
}

// Picture takes a picture and returns the jpeg. A picture still in flight
// when ctx ends is cancelled.
func (s *Session) Picture(ctx context.Context) ([]byte, error) {
	s.pictureMu.Lock()
	defer s.pictureMu.Unlock()
	drain(s.jpeg)
	drain(s.errs)

	if err := s.hw.TakePicture(ctx); err != nil {
		return nil, err
	}
	select {
	case b := <-s.jpeg:
		return b, nil
	case code := <-s.errs:
		return nil, fmt.Errorf("%w: picture failed with error %d", hal.ErrHardware, code)
	case <-ctx.Done():
		if err := s.hw.CancelPicture(context.Background()); err != nil {
			log.Warnf("cancel picture: %v", err)
		}
		return nil, ctx.Err()
	}
}

// AutoFocus runs one focus cycle and reports whether it converged.
func (s *Session) AutoFocus(ctx context.Context) (bool, error) {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	drain(s.focus)

	if err := s.hw.AutoFocus(ctx); err != nil {
		return false, err
	}
	select {
	case ok := <-s.focus:
		return ok, nil
	case <-ctx.Done():
		if err := s.hw.CancelAutoFocus(context.Background()); err != nil {
			log.Warnf("cancel autofocus: %v", err)
		}
		return false, ctx.Err()
	}
}

// Release releases the camera for every holder and drops the reference.
func (s *Session) Release(ctx context.Context) error {
	return s.handle.Release(ctx)
}

// Close drops the reference without releasing the camera.
func (s *Session) Close() {
	s.handle.Close()
}

func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func drain[T any](ch chan T) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
