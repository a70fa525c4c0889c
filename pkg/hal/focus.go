package hal

import (
	"context"
	"sync"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/transport"
)

// focusGate serialises the focus worker against cancellation. The worker
// holds mu across the blocking driver call, so a cancel that finds mu taken
// must interrupt the driver instead.
type focusGate struct {
	mu        sync.Mutex
	armed     bool
	cancelled bool
}

var focusModeValues = map[string]int32{
	api.FocusModeAuto:   1,
	api.FocusModeNormal: 2,
	api.FocusModeMacro:  3,
}

// AutoFocus starts one focus run. The result arrives through the focus
// notification. A run already in progress is left alone.
func (h *Hardware) AutoFocus(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if h.focus.Running() {
		log.Debugf("auto focus already running")
		return nil
	}
	if _, err := h.command(ctx, transport.CmdPrepareSnapshot, nil, h.cfg.PrepareSnapshotTimeout); err != nil {
		return err
	}

	h.focusGate.mu.Lock()
	h.focusGate.armed = true
	h.focusGate.cancelled = false
	h.focusGate.mu.Unlock()

	mode := h.params.Get(api.KeyFocusMode)
	if err := h.spawn(h.focus, func(finish func()) { h.runAutoFocus(mode, finish) }); err != nil {
		h.focusGate.mu.Lock()
		h.focusGate.armed = false
		h.focusGate.mu.Unlock()
		return err
	}
	return nil
}

// CancelAutoFocus interrupts a pending focus run.
func (h *Hardware) CancelAutoFocus(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	if !h.running.Load() || !h.MsgTypeEnabled(api.MsgFocus) || h.consumers().notify == nil {
		return nil
	}
	return h.cancelAutoFocusInternal(ctx)
}

func (h *Hardware) cancelAutoFocusInternal(ctx context.Context) error {
	if !h.sensor.HasAutoFocus {
		return nil
	}
	if h.focusGate.mu.TryLock() {
		if h.focusGate.armed {
			h.focusGate.cancelled = true
		}
		h.focusGate.mu.Unlock()
		return nil
	}
	_, err := h.command(ctx, transport.CmdCancelAutoFocus, nil, transport.NoTimeout)
	return err
}

// runAutoFocus is the focus worker. It reports exactly once, after ending
// its run so the focus callback may start the next one.
func (h *Hardware) runAutoFocus(mode string, finish func()) {
	if h.focusHook != nil {
		h.focusHook()
	}
	ctx, span := h.tracer.Start(h.ctx, "hal.autoFocus")
	defer span.End()

	var ok bool
	result := "failed"
	h.focusGate.mu.Lock()
	h.focusGate.armed = false
	switch {
	case h.focusGate.cancelled:
		h.focusGate.cancelled = false
		result = "cancelled"
	case !h.sensor.HasAutoFocus:
		result = "unsupported"
	case mode == api.FocusModeInfinity:
		ok = true
		result = "ok"
	default:
		h.runningMu.Lock()
		if h.running.Load() {
			value, known := focusModeValues[mode]
			if !known {
				value = focusModeValues[api.FocusModeAuto]
			}
			resp, err := h.driver.Control(ctx, transport.Command{
				Type:    transport.CmdSetAutoFocus,
				Timeout: h.cfg.CommandTimeout,
				Payload: transport.Int32Payload(value),
			})
			switch {
			case err != nil:
				log.Errorf("auto focus: %v", err)
			case resp.Status == transport.StatusDone:
				ok = true
				result = "ok"
			case resp.Status == transport.StatusCancelled:
				result = "cancelled"
			}
		}
		h.runningMu.Unlock()
	}
	h.focusGate.mu.Unlock()
	finish()

	h.metrics.AutoFocus.WithLabelValues(result).Inc()
	var status int32
	if ok {
		status = 1
	}
	h.notify(api.MsgFocus, status, 0)
}
