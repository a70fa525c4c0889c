package api

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Parameter keys understood by the HAL.
const (
	KeyPreviewSize             = "preview-size"
	KeySupportedPreviewSizes   = "preview-size-values"
	KeyPreviewFormat           = "preview-format"
	KeyPreviewFrameRate        = "preview-frame-rate"
	KeySupportedFrameRates     = "preview-frame-rate-values"
	KeyPictureSize             = "picture-size"
	KeySupportedPictureSizes   = "picture-size-values"
	KeyPictureFormat           = "picture-format"
	KeySupportedPictureFormats = "picture-format-values"
	KeyJpegQuality             = "jpeg-quality"
	KeyJpegThumbnailQuality    = "jpeg-thumbnail-quality"
	KeyJpegThumbnailWidth      = "jpeg-thumbnail-width"
	KeyJpegThumbnailHeight     = "jpeg-thumbnail-height"
	KeyFocusMode               = "focus-mode"
	KeySupportedFocusModes     = "focus-mode-values"
	KeyZoom                    = "zoom"
	KeyMaxZoom                 = "max-zoom"
	KeyZoomSupported           = "zoom-supported"
	KeyBrightness              = "luma-adaptation"
	KeyMaxBrightness           = "max-luma-adaptation"
	KeySupportedThumbnailSizes = "jpeg-thumbnail-size-values"
	KeyVideoFrameFormat        = "video-frame-format"
)

// Parameter values.
const (
	FocusModeAuto     = "auto"
	FocusModeInfinity = "infinity"
	FocusModeNormal   = "normal"
	FocusModeMacro    = "macro"

	PixelFormatJpeg     = "jpeg"
	PixelFormatYUV420SP = "yuv420sp"
)

// Parameters is a flat string keyed parameter set. It is safe for
// concurrent use.
type Parameters struct {
	m cmap.ConcurrentMap[string, string]
}

// NewParameters returns an empty set.
func NewParameters() *Parameters {
	return &Parameters{m: cmap.New[string]()}
}

// Unflatten parses the "k=v;k=v" form produced by Flatten.
func Unflatten(s string) (*Parameters, error) {
	p := NewParameters()
	if s == "" {
		return p, nil
	}
	for _, kv := range strings.Split(s, ";") {
		if kv == "" {
			continue
		}
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("api: malformed parameter %q", kv)
		}
		p.Set(k, v)
	}
	return p, nil
}

// Set stores value under key. Keys and values must not contain '=' or ';'.
func (p *Parameters) Set(key, value string) {
	p.m.Set(key, value)
}

// Get returns the value of key or "".
func (p *Parameters) Get(key string) string {
	v, _ := p.m.Get(key)
	return v
}

// Lookup returns the value of key and whether it is present.
func (p *Parameters) Lookup(key string) (string, bool) {
	return p.m.Get(key)
}

// Remove deletes key.
func (p *Parameters) Remove(key string) {
	p.m.Remove(key)
}

// SetInt stores an integer value.
func (p *Parameters) SetInt(key string, v int) {
	p.Set(key, strconv.Itoa(v))
}

// GetInt returns the integer value of key, or -1 when it is missing or not a number.
func (p *Parameters) GetInt(key string) int {
	v, ok := p.m.Get(key)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

// SetSize stores a "WxH" value.
func (p *Parameters) SetSize(key string, w, h int) {
	p.Set(key, FormatSize(w, h))
}

// GetSize parses a "WxH" value. Missing or malformed values return -1, -1.
func (p *Parameters) GetSize(key string) (w, h int) {
	w, h, err := ParseSize(p.Get(key))
	if err != nil {
		return -1, -1
	}
	return w, h
}

// Len returns the number of keys.
func (p *Parameters) Len() int {
	return p.m.Count()
}

// Keys returns the keys in sorted order.
func (p *Parameters) Keys() []string {
	keys := p.m.Keys()
	sort.Strings(keys)
	return keys
}

// Clone returns an independent copy.
func (p *Parameters) Clone() *Parameters {
	c := NewParameters()
	c.m.MSet(p.m.Items())
	return c
}

// Flatten encodes the set as "k=v;k=v" with keys in sorted order.
func (p *Parameters) Flatten() string {
	items := p.m.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(items[k])
	}
	return b.String()
}

// FormatSize renders a size as "WxH".
func FormatSize(w, h int) string {
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

// ParseSize parses "WxH".
func ParseSize(s string) (w, h int, err error) {
	ws, hs, ok := strings.Cut(s, "x")
	if !ok {
		return 0, 0, fmt.Errorf("api: malformed size %q", s)
	}
	if w, err = strconv.Atoi(ws); err != nil {
		return 0, 0, fmt.Errorf("api: malformed size %q", s)
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("api: malformed size %q", s)
	}
	return w, h, nil
}
