package hal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/shm"
	"github.com/srediag/camera-hal/pkg/transport"
	"github.com/srediag/camera-hal/pkg/vendor"
)

// TakePicture stops the preview and captures one picture on the snapshot
// worker. Results arrive through the shutter, raw and compressed image
// callbacks.
func (h *Hardware) TakePicture(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	ctx, span := h.tracer.Start(ctx, "hal.TakePicture")
	defer span.End()

	if err := h.snapshot.Wait(ctx); err != nil {
		return fmt.Errorf("%w: previous snapshot still running: %v", ErrHardware, err)
	}
	if _, err := h.command(ctx, transport.CmdPrepareSnapshot, nil, h.cfg.PrepareSnapshotTimeout); err != nil {
		span.RecordError(err)
		return err
	}
	if err := h.stopPreviewInternal(ctx); err != nil {
		log.Warnf("stop preview before snapshot: %v", err)
	}

	c := h.consumers()
	withJpeg := c.data != nil && c.msgs&api.MsgCompressedImage != 0
	if err := h.initRaw(ctx, withJpeg); err != nil {
		span.RecordError(err)
		h.metrics.Snapshots.WithLabelValues("failed").Inc()
		return err
	}

	h.shutterMu.Lock()
	h.shutterPending = true
	h.shutterMu.Unlock()

	h.snapshotMode.begin()
	id := uuid.New()
	h.snapMu.Lock()
	h.snapID = id
	h.snapMu.Unlock()
	if err := h.spawn(h.snapshot, func(func()) { h.runSnapshot(id) }); err != nil {
		h.snapshotMode.finish()
		h.deinitRaw(ctx)
		h.metrics.Snapshots.WithLabelValues("failed").Inc()
		return err
	}
	return nil
}

// CancelPicture asks the driver to abandon the snapshot in progress.
func (h *Hardware) CancelPicture(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrReleased
	}
	_, err := h.command(ctx, transport.CmdStopSnapshot, nil, transport.NoTimeout)
	return err
}

// initRaw negotiates the picture size and maps the snapshot pools.
func (h *Hardware) initRaw(ctx context.Context, withJpeg bool) (err error) {
	w, ht := h.params.GetSize(api.KeyPictureSize)
	tw, th := thumbnailFor(w, ht)
	h.dim.PictureWidth, h.dim.PictureHeight = uint16(w), uint16(ht)
	h.dim.UIThumbnailWidth, h.dim.UIThumbnailHeight = uint16(tw), uint16(th)
	h.dim.ThumbnailWidth, h.dim.ThumbnailHeight = uint16(tw), uint16(th)
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

	rawSize := int(h.dim.PictureWidth) * int(h.dim.PictureHeight) * 3 / 2
	thumbSize := int(h.dim.ThumbnailWidth) * int(h.dim.ThumbnailHeight) * 3 / 2

	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	h.snapDim = h.dim
	defer func() {
		if err != nil {
			h.closeSnapshotPoolsLocked(ctx)
		}
	}()

	h.rawPool, err = shm.NewPool(ctx, shm.Options{
		Name:       "snapshot",
		Purpose:    shm.PurposeSnapshot,
		RegionSize: rawSize,
		Count:      h.cfg.RawBufferCount,
		Kind:       shm.KindMainImage,
		Registrar:  h.driver,
		MapType:    h.mapType,
		Meter:      h.meter,
		Tracer:     h.tracer,
	})
	if err != nil {
		log.Errorf("snapshot pool: %v", err)
		return err
	}
	if !withJpeg {
		return nil
	}
	h.thumbPool, err = shm.NewPool(ctx, shm.Options{
		Name:       "thumbnail",
		Purpose:    shm.PurposeThumbnail,
		RegionSize: thumbSize,
		Count:      1,
		Kind:       shm.KindThumbnail,
		Registrar:  h.driver,
		MapType:    h.mapType,
		Meter:      h.meter,
		Tracer:     h.tracer,
	})
	if err != nil {
		log.Errorf("thumbnail pool: %v", err)
		return err
	}
	h.jpegPool, err = shm.NewPool(ctx, shm.Options{
		Name:       "jpeg",
		Purpose:    shm.PurposeJpeg,
		RegionSize: rawSize,
		Count:      h.cfg.JpegBufferCount,
		MapType:    h.mapType,
		Meter:      h.meter,
		Tracer:     h.tracer,
	})
	if err != nil {
		log.Errorf("jpeg pool: %v", err)
		return err
	}
	h.jpegSize = 0
	return nil
}

func (h *Hardware) deinitRaw(ctx context.Context) {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	h.closeSnapshotPoolsLocked(ctx)
}

func (h *Hardware) closeSnapshotPoolsLocked(ctx context.Context) {
	for _, p := range []**shm.Pool{&h.rawPool, &h.thumbPool, &h.jpegPool} {
		if *p == nil {
			continue
		}
		if err := (*p).Close(ctx); err != nil {
			log.Warnf("%s pool: %v", (*p).Name(), err)
		}
		*p = nil
	}
}

// runSnapshot is the snapshot worker.
func (h *Hardware) runSnapshot(id uuid.UUID) {
	ctx, span := h.tracer.Start(h.ctx, "hal.snapshot", trace.WithAttributes(
		attribute.String("snapshot", id.String()),
	))
	defer span.End()

	if _, err := h.command(ctx, transport.CmdStartSnapshot, nil, h.cfg.CommandTimeout); err != nil {
		span.RecordError(err)
		h.metrics.Snapshots.WithLabelValues("failed").Inc()
		h.notify(api.MsgError, api.ErrorUnknown, 0)
	} else {
		h.receiveRawPicture(ctx)
		h.metrics.Snapshots.WithLabelValues("ok").Inc()
	}

	h.snapshotMode.finish()
	if err := h.jpeg.Wait(ctx); err != nil {
		log.Warnf("snapshot %s: jpeg wait: %v", id, err)
	}
	h.lib.JpegJoin()
	h.deinitRaw(context.WithoutCancel(ctx))
	log.Debugf("snapshot %s done", id)
}

// receiveRawPicture crops the captured picture if it was zoomed, reports
// the shutter, delivers the raw image and starts the jpeg encoder.
func (h *Hardware) receiveRawPicture(ctx context.Context) {
	c := h.consumers()

	crop, err := h.driver.Picture(ctx)
	if err != nil {
		log.Errorf("get picture failed: %v", err)
		h.notifyShutter(transport.Crop{})
		h.notify(api.MsgError, api.ErrorUnknown, 0)
		return
	}
	crop.In1W &^= 1
	crop.In1H &^= 1
	crop.In2W &^= 1
	crop.In2H &^= 1

	h.snapMu.Lock()
	raw, thumb := h.rawPool, h.thumbPool
	dim := h.snapDim
	pad := uint32(h.cfg.JpegPadding)
	if raw != nil && thumb != nil && crop.In2W != 0 && crop.In2H != 0 &&
		crop.In2W+pad < crop.Out2W && crop.In2H+pad < crop.Out2H &&
		crop.In1W+pad < crop.Out1W && crop.In1H+pad < crop.Out1H {
		cropYUV420(thumb.Region(0), int(crop.Out2W), int(crop.Out2H), int(crop.In2W), int(crop.In2H))
		cropYUV420(raw.Region(0), int(crop.Out1W), int(crop.Out1H), int(crop.In1W), int(crop.In1H))
		dim.UIThumbnailWidth, dim.UIThumbnailHeight = uint16(crop.In2W), uint16(crop.In2H)
		dim.ThumbnailWidth, dim.ThumbnailHeight = uint16(crop.In2W), uint16(crop.In2H)
		dim.OrigPictureDx, dim.OrigPictureDy = uint16(crop.In1W), uint16(crop.In1H)
		dim.PictureWidth, dim.PictureHeight = uint16(crop.In1W), uint16(crop.In1H)
	} else {
		crop = transport.Crop{}
	}
	h.snapDim = dim
	jpegPool := h.jpegPool
	h.snapMu.Unlock()

	h.notifyShutter(crop)

	if raw != nil && c.data != nil && c.msgs&api.MsgRawImage != 0 {
		display := raw
		if thumb != nil {
			display = thumb
		}
		c.data(api.MsgRawImage, display.Buffer(0))
	}

	if jpegPool == nil || c.data == nil || c.msgs&api.MsgCompressedImage == 0 {
		return
	}
	if !h.lib.JpegInit() {
		log.Errorf("jpeg encoder init failed")
		h.notify(api.MsgError, api.ErrorUnknown, 0)
		return
	}
	h.snapMu.Lock()
	h.jpegSize = 0
	h.snapMu.Unlock()
	h.jpeg.begin()
	req := vendor.EncodeRequest{
		Dimension: dim,
		Thumbnail: thumb.Buffer(0),
		Main:      raw.Buffer(0),
		Crop:      crop,
		Exif:      exifTags(time.Now(), h.cfg.ExifMaker, h.cfg.ExifModel),
	}
	if err := h.lib.JpegEncode(req); err != nil {
		log.Errorf("jpeg encode failed: %v", err)
		h.jpeg.finish()
		h.notify(api.MsgError, api.ErrorUnknown, 0)
	}
}

// notifyShutter reports the shutter once per snapshot with the size of the
// image shown to the user.
func (h *Hardware) notifyShutter(crop transport.Crop) {
	h.shutterMu.Lock()
	defer h.shutterMu.Unlock()
	if !h.shutterPending {
		return
	}
	c := h.consumers()
	if c.notify == nil || c.msgs&api.MsgShutter == 0 {
		return
	}
	h.snapMu.Lock()
	w, ht := int32(h.snapDim.ThumbnailWidth), int32(h.snapDim.ThumbnailHeight)
	h.snapMu.Unlock()
	if crop.In2W != 0 && crop.In2H != 0 {
		w, ht = int32(crop.In2W), int32(crop.In2H)
	}
	h.shutterPending = false
	c.notify(api.MsgShutter, w, ht)
}

// onJpegFragment appends encoder output to the jpeg pool. Output beyond the
// pool capacity is dropped.
func (h *Hardware) onJpegFragment(data []byte) {
	h.snapMu.Lock()
	defer h.snapMu.Unlock()
	if h.jpegPool == nil {
		log.Warnf("jpeg fragment of %d bytes without a jpeg pool", len(data))
		return
	}
	region := h.jpegPool.Region(0)[:h.jpegPool.RegionSize()]
	n := copy(region[h.jpegSize:], data)
	if n < len(data) {
		log.Errorf("jpeg output truncated: %d of %d bytes do not fit", len(data)-n, len(data))
	}
	h.jpegSize += n
}

func (h *Hardware) onJpegDone(status vendor.JpegStatus) {
	defer h.jpeg.finish()
	if status != vendor.JpegDone {
		log.Errorf("jpeg encoding %s", status)
		h.notify(api.MsgError, api.ErrorUnknown, 0)
		return
	}
	h.snapMu.Lock()
	var buf shm.Buffer
	if h.jpegPool != nil {
		buf = h.jpegPool.Slice(0, h.jpegSize)
	}
	h.snapMu.Unlock()
	if !buf.Valid() {
		return
	}
	c := h.consumers()
	if c.data != nil && c.msgs&api.MsgCompressedImage != 0 {
		c.data(api.MsgCompressedImage, buf)
	}
}
