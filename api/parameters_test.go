package api

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParametersFlattenUnflatten(t *testing.T) {
	p := NewParameters()
	p.SetSize(KeyPreviewSize, 480, 320)
	p.SetInt(KeyJpegQuality, 100)
	p.Set(KeyFocusMode, FocusModeAuto)

	flat := p.Flatten()
	assert.Equal(t, "focus-mode=auto;jpeg-quality=100;preview-size=480x320", flat)

	q, err := Unflatten(flat)
	require.NoError(t, err)
	assert.Equal(t, 3, q.Len())
	w, h := q.GetSize(KeyPreviewSize)
	assert.Equal(t, 480, w)
	assert.Equal(t, 320, h)
	assert.Equal(t, 100, q.GetInt(KeyJpegQuality))

	_, err = Unflatten("novalue")
	assert.Error(t, err)
	empty, err := Unflatten("")
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())
}

func TestParametersMissingValues(t *testing.T) {
	p := NewParameters()
	assert.Equal(t, -1, p.GetInt(KeyZoom))
	p.Set(KeyZoom, "two")
	assert.Equal(t, -1, p.GetInt(KeyZoom))
	w, h := p.GetSize(KeyPictureSize)
	assert.Equal(t, -1, w)
	assert.Equal(t, -1, h)
	_, ok := p.Lookup(KeyPictureSize)
	assert.False(t, ok)
	p.Remove(KeyZoom)
	assert.Equal(t, "", p.Get(KeyZoom))
}

func TestParametersCloneIsIndependent(t *testing.T) {
	p := NewParameters()
	p.Set(KeyPictureFormat, PixelFormatJpeg)
	c := p.Clone()
	c.Set(KeyPictureFormat, "png")
	assert.Equal(t, PixelFormatJpeg, p.Get(KeyPictureFormat))
	assert.Equal(t, []string{KeyPictureFormat}, c.Keys())
}

func TestParametersConcurrentAccess(t *testing.T) {
	p := NewParameters()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				p.SetInt(KeyZoom, j)
				_ = p.Get(KeyFocusMode)
				_ = p.Flatten()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 99, p.GetInt(KeyZoom))
}

func TestParseSize(t *testing.T) {
	w, h, err := ParseSize("640x480")
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
	for _, bad := range []string{"", "640", "x480", "640x", "axb"} {
		_, _, err := ParseSize(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, "176x144", FormatSize(176, 144))
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "shutter", MsgShutter.String())
	assert.Equal(t, "mixed", (MsgShutter | MsgFocus).String())
}
