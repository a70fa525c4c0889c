package hal

import (
	"context"
	"errors"

	"github.com/srediag/camera-hal/pkg/transport"
)

// Release stops every activity and returns the hardware. The driver handle
// is closed once the frame pump and the focus worker have exited; Wait
// reports when that happened. A second Release returns ErrReleased.
func (h *Hardware) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		log.Errorf("camera released twice")
		return ErrReleased
	}
	h.released = true
	ctx, span := h.tracer.Start(ctx, "hal.Release")
	defer span.End()

	h.recording = false
	h.exchange.rec.stop()
	if err := h.stopPreviewInternal(ctx); err != nil {
		log.Warnf("release: stop preview: %v", err)
		h.running.Store(false)
	}
	h.deinitPreview()

	if err := h.snapshot.Wait(ctx); err != nil {
		log.Warnf("release: snapshot still running: %v", err)
	}
	h.lib.JpegJoin()
	h.deinitRaw(ctx)
	h.jpeg.finish()

	if !h.TimedOut() {
		if _, err := h.command(ctx, transport.CmdExit, nil, h.cfg.CommandTimeout); err != nil {
			log.Warnf("release: %v", err)
		}
	}
	if err := h.lib.ReleaseConfigThread(); err != nil {
		log.Warnf("release: config thread: %v", err)
	}

	go h.finishRelease()
	return nil
}

// finishRelease closes the driver after the workers that still use it.
func (h *Hardware) finishRelease() {
	bg := context.Background()
	_ = h.framePump.Wait(bg)
	_ = h.focus.Wait(bg)
	_ = h.snapshot.Wait(bg)

	var errs []error
	if err := h.driver.Close(); err != nil {
		errs = append(errs, err)
	}
	if h.blitter != nil {
		if err := h.blitter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warnf("release: %v", err)
	}
	h.workers.Release()
	h.cancel()
	log.Infof("camera released")
	close(h.done)
}

// Wait blocks until a released instance has closed the driver.
func (h *Hardware) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
