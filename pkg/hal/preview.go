package hal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
	"github.com/srediag/camera-hal/pkg/vendor"
)

// StartPreview allocates the preview pool, starts the frame pump and tells
// the driver to stream. It is a no-op while the preview is running.
func (h *Hardware) StartPreview(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	return h.startPreviewInternal(ctx)
}

// StopPreview stops streaming unless a recording consumer still needs frames.
func (h *Hardware) StopPreview(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if h.recordingEnabled() {
		log.Debugf("stop preview ignored while recording")
		return nil
	}
	return h.stopPreviewInternal(ctx)
}

// PreviewEnabled reports whether preview frames reach a consumer.
func (h *Hardware) PreviewEnabled() bool {
	c := h.consumers()
	return h.running.Load() && c.data != nil && c.msgs&api.MsgPreviewFrame != 0
}

func (h *Hardware) startPreviewInternal(ctx context.Context) error {
	if h.running.Load() {
		log.Debugf("preview already running")
		return nil
	}
	ctx, span := h.tracer.Start(ctx, "hal.startPreview")
	defer span.End()

	if !h.previewInit {
		if err := h.initPreview(ctx); err != nil {
			span.RecordError(err)
			return err
		}
		h.previewInit = true
	}

	h.timeoutMu.Lock()
	h.timedOut = false
	h.timeoutMu.Unlock()

	h.runningMu.Lock()
	_, err := h.command(ctx, transport.CmdStartPreview, nil, h.cfg.CommandTimeout)
	h.running.Store(err == nil)
	h.runningMu.Unlock()
	if err != nil {
		span.RecordError(err)
		h.deinitPreview()
		return err
	}
	log.Infof("preview %s started", h.session)
	return nil
}

func (h *Hardware) stopPreviewInternal(ctx context.Context) error {
	if !h.running.Load() {
		return nil
	}
	_, span := h.tracer.Start(ctx, "hal.stopPreview")
	defer span.End()

	if h.MsgTypeEnabled(api.MsgFocus) && h.consumers().notify != nil {
		if err := h.cancelAutoFocusInternal(ctx); err != nil {
			log.Warnf("cancel auto focus: %v", err)
		}
	}

	h.timeoutMu.Lock()
	h.runningMu.Lock()
	var err error
	if h.timedOut {
		log.Warnf("skipping stop preview: %v", ErrTimeoutLatched)
		h.running.Store(false)
	} else if _, err = h.command(ctx, transport.CmdStopPreview, nil, h.cfg.CommandTimeout); err == nil {
		h.running.Store(false)
	}
	h.runningMu.Unlock()
	h.timeoutMu.Unlock()

	if err != nil {
		span.RecordError(err)
		return err
	}
	h.deinitPreview()
	log.Infof("preview %s stopped", h.session)
	return nil
}

// initPreview negotiates the display size, maps the preview ring and starts
// the frame pump on it.
func (h *Hardware) initPreview(ctx context.Context) error {
	if err := h.framePump.Wait(ctx); err != nil {
		return fmt.Errorf("%w: previous frame pump still running: %v", ErrHardware, err)
	}
	if err := h.snapshotMode.Wait(ctx); err != nil {
		return fmt.Errorf("%w: snapshot still running: %v", ErrHardware, err)
	}

	w, ht := h.params.GetSize(api.KeyPreviewSize)
	h.dim.DisplayWidth, h.dim.DisplayHeight = uint16(w), uint16(ht)
	payload, err := h.dim.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHardware, err)
	}
	resp, err := h.command(ctx, transport.CmdSetDimension, payload, h.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if err := h.dim.UnmarshalBinary(resp.Payload); err != nil {
		log.Warnf("driver returned a short dimension: %v", err)
	}

	frameSize := w * ht * 3 / 2
	pool, err := shm.NewPool(ctx, shm.Options{
		Name:       "preview",
		Purpose:    shm.PurposePreview,
		RegionSize: frameSize,
		Count:      h.cfg.PreviewBufferCount,
		Extra:      h.cfg.ExtraPreviewBuffers,
		Kind:       shm.KindPreview,
		Registrar:  h.driver,
		MapType:    h.mapType,
		Meter:      h.meter,
		Tracer:     h.tracer,
	})
	if err != nil {
		log.Errorf("preview pool: %v", err)
		return err
	}

	params := vendor.PumpParams{Width: w, Height: ht}
	for i := 0; i < pool.Registered(); i++ {
		params.Frames = append(params.Frames, vendor.PumpFrame{
			Offset: pool.Offset(i),
			Fd:     pool.Fd(),
			Len:    frameSize,
		})
	}

	h.session = uuid.New()
	h.exchange.attach(pool, w, ht)
	session := h.session
	if err := h.spawn(h.framePump, func(func()) { h.runFramePump(pool, params, session) }); err != nil {
		h.exchange.detach()
		_ = pool.Close(ctx)
		return err
	}
	return nil
}

// runFramePump runs on the worker pool until the vendor library stops
// pumping, then tears the preview pool down.
func (h *Hardware) runFramePump(pool *shm.Pool, params vendor.PumpParams, session uuid.UUID) {
	ctx, span := h.tracer.Start(h.ctx, "hal.framePump", trace.WithAttributes(
		attribute.String("session", session.String()),
		attribute.Int("frames", len(params.Frames)),
	))
	defer span.End()

	log.Debugf("frame pump %s running on %d regions", session, len(params.Frames))
	if err := h.lib.RunFramePump(ctx, params); err != nil {
		span.RecordError(err)
		log.Errorf("frame pump %s: %v", session, err)
	}
	h.exchange.detach()
	if err := pool.Close(context.WithoutCancel(ctx)); err != nil {
		log.Warnf("preview pool %s: %v", session, err)
	}
	log.Debugf("frame pump %s exited", session)
}

// deinitPreview asks the frame pump to stop. The pump frees the preview
// pool when it exits.
func (h *Hardware) deinitPreview() {
	if !h.previewInit {
		return
	}
	h.lib.TerminateFramePump()
	h.previewInit = false
}
