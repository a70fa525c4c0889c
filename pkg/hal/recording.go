package hal

import (
	"context"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/shm"
)

// StartRecording opens the recording gate and makes sure frames flow.
func (h *Hardware) StartRecording(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	h.exchange.rec.start()
	if err := h.startPreviewInternal(ctx); err != nil {
		h.exchange.rec.stop()
		return err
	}
	h.recording = true
	return nil
}

// StopRecording unblocks the frame pump and stops the preview unless a
// preview consumer is still enabled.
func (h *Hardware) StopRecording(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	h.recording = false
	h.exchange.rec.stop()
	c := h.consumers()
	if c.data != nil && c.msgs&api.MsgPreviewFrame != 0 {
		return nil
	}
	return h.stopPreviewInternal(ctx)
}

// RecordingEnabled reports whether recording frames reach a consumer.
func (h *Hardware) RecordingEnabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recordingEnabled()
}

func (h *Hardware) recordingEnabled() bool {
	c := h.consumers()
	return h.running.Load() && h.recording && c.dataTs != nil && c.msgs&api.MsgVideoFrame != 0
}

// ReleaseRecordingFrame hands the outstanding recording frame back. It
// never blocks on the state machine.
func (h *Hardware) ReleaseRecordingFrame(buf shm.Buffer) {
	h.exchange.releaseRecordingFrame(buf)
}
