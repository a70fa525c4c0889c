package hal

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/srediag/camera-hal/api"
	"github.com/srediag/camera-hal/pkg/transport"
)

const (
	sensorMaxWidth  = 2592
	sensorMaxHeight = 1944

	defaultPreviewWidth  = 480
	defaultPreviewHeight = 320
	defaultPictureWidth  = 640
	defaultPictureHeight = 480

	minFPS     = 5
	maxFPS     = 31
	defaultFPS = 15

	defaultJpegQuality      = 100
	defaultThumbnailQuality = 90

	defaultBrightness = 5
	maxBrightness     = 9

	// q12 is the fixed point scale of the aspect ratio table.
	q12 = 4096

	defaultThumbnailSetting = 2
	thumbnailSmallHeight    = 144
)

type size struct {
	width, height int
}

func (s size) String() string {
	return api.FormatSize(s.width, s.height)
}

// previewSizes is ordered from largest to smallest; the board and sensor
// masks select entries most significant bit first.
var previewSizes = []size{
	{640, 480},
	{480, 320},
	{384, 288},
	{352, 288},
	{320, 240},
	{176, 144},
}

var pictureSizes = []size{
	{640, 480},
}

type thumbnailSize struct {
	aspect int
	width  int
	height int
}

// thumbnailSizes maps a picture aspect ratio in Q12 to the thumbnail the
// encoder embeds.
var thumbnailSizes = []thumbnailSize{
	{6826, 480, 288}, // 1.666667
	{6144, 432, 288}, // 1.5
	{5461, 512, 384}, // 1.333333
	{5006, 352, 288}, // 1.222222
}

var focusModes = []string{
	api.FocusModeAuto,
	api.FocusModeInfinity,
	api.FocusModeNormal,
	api.FocusModeMacro,
}

// filterPreviewSizes returns the table entries whose bit is set in mask.
func filterPreviewSizes(mask uint32) []size {
	if mask == 0 {
		return slices.Clone(previewSizes)
	}
	var out []size
	bit := uint32(1) << (len(previewSizes) - 1)
	for _, s := range previewSizes {
		if mask&bit != 0 {
			out = append(out, s)
		}
		bit >>= 1
	}
	return out
}

func joinSizes(sizes []size) string {
	parts := make([]string, len(sizes))
	for i, s := range sizes {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

func containsSize(sizes []size, w, h int) bool {
	return slices.Contains(sizes, size{w, h})
}

// thumbnailFor picks the thumbnail embedded in a w x h picture. Pictures
// taller than the default thumbnail use the aspect table; smaller ones get
// a thumbnail of fixed height.
func thumbnailFor(w, h int) (int, int) {
	if h <= 0 || w <= 0 {
		def := thumbnailSizes[defaultThumbnailSetting]
		return def.width, def.height
	}
	if h > thumbnailSizes[defaultThumbnailSetting].height {
		aspect := w * q12 / h
		for _, t := range thumbnailSizes {
			if t.aspect == aspect {
				return t.width, t.height
			}
		}
		def := thumbnailSizes[defaultThumbnailSetting]
		return def.width, def.height
	}
	return thumbnailSmallHeight * w / h, thumbnailSmallHeight
}

// isValidDimension accepts sizes the sensor can produce: multiples of 16,
// within the sensor maximum and with an aspect ratio the thumbnail table
// knows.
func isValidDimension(w, h, maxW, maxH int) bool {
	if w <= 0 || h <= 0 || w%16 != 0 || h%16 != 0 {
		return false
	}
	if w > maxW || h > maxH {
		return false
	}
	aspect := w * q12 / h
	for _, t := range thumbnailSizes {
		if t.aspect == aspect {
			return true
		}
	}
	return false
}

func frameRateValues() string {
	parts := make([]string, 0, maxFPS-minFPS+1)
	for fps := minFPS; fps <= maxFPS; fps++ {
		parts = append(parts, strconv.Itoa(fps))
	}
	return strings.Join(parts, ",")
}

// applied tracks the driver side values so commands are only sent on change.
type applied struct {
	fps        int
	zoom       int
	brightness int
}

func (h *Hardware) initDefaultParameters(ctx context.Context) {
	p := api.NewParameters()

	h.previewSizes = filterPreviewSizes(h.cfg.BoardPreviewMask & h.sensor.PreviewSizeMask)
	p.Set(api.KeySupportedPreviewSizes, joinSizes(h.previewSizes))
	pw, ph := defaultPreviewWidth, defaultPreviewHeight
	if !containsSize(h.previewSizes, pw, ph) && len(h.previewSizes) > 0 {
		pw, ph = h.previewSizes[0].width, h.previewSizes[0].height
	}
	p.SetSize(api.KeyPreviewSize, pw, ph)
	p.Set(api.KeyPreviewFormat, api.PixelFormatYUV420SP)
	p.Set(api.KeyVideoFrameFormat, api.PixelFormatYUV420SP)
	p.SetInt(api.KeyPreviewFrameRate, defaultFPS)
	p.Set(api.KeySupportedFrameRates, frameRateValues())

	h.pictureSizes = slices.Clone(pictureSizes)
	def := h.lib.DefaultSnapshotSize()
	if def.Width > 0 && def.Height > 0 && !containsSize(h.pictureSizes, def.Width, def.Height) &&
		isValidDimension(def.Width, def.Height, h.sensor.MaxWidth, h.sensor.MaxHeight) {
		h.pictureSizes = append(h.pictureSizes, size{def.Width, def.Height})
	}
	p.Set(api.KeySupportedPictureSizes, joinSizes(h.pictureSizes))
	p.SetSize(api.KeyPictureSize, defaultPictureWidth, defaultPictureHeight)
	p.Set(api.KeyPictureFormat, api.PixelFormatJpeg)
	p.Set(api.KeySupportedPictureFormats, api.PixelFormatJpeg)
	p.SetInt(api.KeyJpegQuality, defaultJpegQuality)
	p.SetInt(api.KeyJpegThumbnailQuality, defaultThumbnailQuality)
	tw, th := thumbnailFor(defaultPictureWidth, defaultPictureHeight)
	p.SetInt(api.KeyJpegThumbnailWidth, tw)
	p.SetInt(api.KeyJpegThumbnailHeight, th)
	thumbs := make([]size, 0, len(thumbnailSizes))
	for _, t := range thumbnailSizes {
		thumbs = append(thumbs, size{t.width, t.height})
	}
	p.Set(api.KeySupportedThumbnailSizes, joinSizes(thumbs))

	if h.sensor.HasAutoFocus {
		p.Set(api.KeyFocusMode, api.FocusModeAuto)
		p.Set(api.KeySupportedFocusModes, strings.Join(focusModes, ","))
	} else {
		p.Set(api.KeyFocusMode, api.FocusModeInfinity)
		p.Set(api.KeySupportedFocusModes, api.FocusModeInfinity)
	}

	p.SetInt(api.KeyZoom, 0)
	p.SetInt(api.KeyMaxZoom, h.cfg.MaxZoom)
	p.Set(api.KeyZoomSupported, strconv.FormatBool(h.cfg.MaxZoom > 0))

	p.SetInt(api.KeyBrightness, defaultBrightness)
	p.SetInt(api.KeyMaxBrightness, maxBrightness)

	h.params = p.Clone()
	h.applied = applied{fps: -1, zoom: 0, brightness: -1}
	if err := h.setParameters(ctx, p); err != nil {
		log.Errorf("failed to apply default parameters: %v", err)
	}
}

// setParameters runs every setter and returns the first failure. Later
// setters still run so that independent keys are applied.
func (h *Hardware) setParameters(ctx context.Context, p *api.Parameters) error {
	var first error
	record := func(key string, err error) {
		if err != nil && first == nil {
			first = fmt.Errorf("%s: %w", key, err)
		}
	}
	record(api.KeyPreviewSize, h.setPreviewSize(p))
	record(api.KeyPictureSize, h.setPictureSize(p))
	record(api.KeyPictureFormat, h.setPictureFormat(p))
	record(api.KeyJpegQuality, h.setJpegQuality(p))
	record(api.KeyPreviewFrameRate, h.setFps(ctx, p))
	record(api.KeyFocusMode, h.setFocusMode(p))
	record(api.KeyZoom, h.setZoom(ctx, p))
	record(api.KeyBrightness, h.setBrightness(ctx, p))
	return first
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidParameter, fmt.Sprintf(format, a...))
}

func (h *Hardware) setPreviewSize(p *api.Parameters) error {
	w, ht := p.GetSize(api.KeyPreviewSize)
	if !containsSize(h.previewSizes, w, ht) {
		return invalid("preview size %dx%d not supported", w, ht)
	}
	h.params.SetSize(api.KeyPreviewSize, w, ht)
	h.dim.DisplayWidth = uint16(w)
	h.dim.DisplayHeight = uint16(ht)
	h.dim.VideoWidth = uint16(w)
	h.dim.VideoHeight = uint16(ht)
	return nil
}

func (h *Hardware) setPictureSize(p *api.Parameters) error {
	w, ht := p.GetSize(api.KeyPictureSize)
	if !containsSize(h.pictureSizes, w, ht) || !isValidDimension(w, ht, h.sensor.MaxWidth, h.sensor.MaxHeight) {
		return invalid("picture size %dx%d not supported", w, ht)
	}
	h.params.SetSize(api.KeyPictureSize, w, ht)
	h.dim.PictureWidth = uint16(w)
	h.dim.PictureHeight = uint16(ht)
	tw, th := thumbnailFor(w, ht)
	h.params.SetInt(api.KeyJpegThumbnailWidth, tw)
	h.params.SetInt(api.KeyJpegThumbnailHeight, th)
	return nil
}

func (h *Hardware) setPictureFormat(p *api.Parameters) error {
	v, ok := p.Lookup(api.KeyPictureFormat)
	if !ok {
		return nil
	}
	if v != api.PixelFormatJpeg {
		return invalid("picture format %q not supported", v)
	}
	return nil
}

func (h *Hardware) setJpegQuality(p *api.Parameters) error {
	if _, ok := p.Lookup(api.KeyJpegQuality); ok {
		q := p.GetInt(api.KeyJpegQuality)
		if q < 1 || q > 100 {
			return invalid("jpeg quality %d out of range", q)
		}
		if err := h.lib.SetMainQuality(q); err != nil {
			return fmt.Errorf("%w: set main quality: %v", ErrHardware, err)
		}
		h.params.SetInt(api.KeyJpegQuality, q)
	}
	if _, ok := p.Lookup(api.KeyJpegThumbnailQuality); ok {
		q := p.GetInt(api.KeyJpegThumbnailQuality)
		if q < 1 || q > 100 {
			return invalid("thumbnail quality %d out of range", q)
		}
		if err := h.lib.SetThumbnailQuality(q); err != nil {
			return fmt.Errorf("%w: set thumbnail quality: %v", ErrHardware, err)
		}
		h.params.SetInt(api.KeyJpegThumbnailQuality, q)
	}
	return nil
}

func (h *Hardware) setFps(ctx context.Context, p *api.Parameters) error {
	fps := p.GetInt(api.KeyPreviewFrameRate)
	if fps < minFPS || fps > maxFPS {
		return invalid("frame rate %d out of [%d, %d]", fps, minFPS, maxFPS)
	}
	if fps == h.applied.fps {
		return nil
	}
	if _, err := h.command(ctx, transport.CmdSetFPS, transport.Int32Payload(int32(fps)), h.cfg.CommandTimeout); err != nil {
		return err
	}
	h.applied.fps = fps
	h.params.SetInt(api.KeyPreviewFrameRate, fps)
	return nil
}

func (h *Hardware) setFocusMode(p *api.Parameters) error {
	mode, ok := p.Lookup(api.KeyFocusMode)
	if !ok {
		return nil
	}
	if !slices.Contains(focusModes, mode) || (!h.sensor.HasAutoFocus && mode != api.FocusModeInfinity) {
		return invalid("focus mode %q not supported", mode)
	}
	h.params.Set(api.KeyFocusMode, mode)
	return nil
}

func (h *Hardware) setZoom(ctx context.Context, p *api.Parameters) error {
	if _, ok := p.Lookup(api.KeyZoom); !ok {
		return nil
	}
	z := p.GetInt(api.KeyZoom)
	if z < 0 || z > h.cfg.MaxZoom {
		return invalid("zoom %d out of [0, %d]", z, h.cfg.MaxZoom)
	}
	if z == h.applied.zoom {
		return nil
	}
	if _, err := h.command(ctx, transport.CmdSetZoom, transport.Int32Payload(int32(z)), h.cfg.CommandTimeout); err != nil {
		return err
	}
	h.applied.zoom = z
	h.params.SetInt(api.KeyZoom, z)
	return nil
}

func (h *Hardware) setBrightness(ctx context.Context, p *api.Parameters) error {
	if _, ok := p.Lookup(api.KeyBrightness); !ok {
		return nil
	}
	b := p.GetInt(api.KeyBrightness)
	if b < 0 || b > maxBrightness {
		return invalid("brightness %d out of [0, %d]", b, maxBrightness)
	}
	if b == h.applied.brightness {
		return nil
	}
	if _, err := h.command(ctx, transport.CmdSetBrightness, transport.Int32Payload(int32(b)), h.cfg.CommandTimeout); err != nil {
		return err
	}
	h.applied.brightness = b
	h.params.SetInt(api.KeyBrightness, b)
	return nil
}
