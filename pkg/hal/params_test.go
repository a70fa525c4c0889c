package hal

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srediag/camera-hal/pkg/vendor"
)

func TestThumbnailFor(t *testing.T) {
	for _, tc := range []struct {
		w, h   int
		tw, th int
	}{
		{640, 480, 512, 384},
		{800, 480, 480, 288},
		{720, 480, 432, 288},
		{2592, 1944, 512, 384},
		{1000, 480, 512, 384},
		{320, 240, 192, 144},
		{352, 288, 176, 144},
		{0, 0, 512, 384},
	} {
		tw, th := thumbnailFor(tc.w, tc.h)
		assert.Equal(t, tc.tw, tw, "%dx%d", tc.w, tc.h)
		assert.Equal(t, tc.th, th, "%dx%d", tc.w, tc.h)
	}
}

func TestIsValidDimension(t *testing.T) {
	assert.True(t, isValidDimension(640, 480, sensorMaxWidth, sensorMaxHeight))
	assert.True(t, isValidDimension(2048, 1536, sensorMaxWidth, sensorMaxHeight))
	assert.False(t, isValidDimension(2048, 1536, 1280, 960))
	assert.False(t, isValidDimension(650, 480, sensorMaxWidth, sensorMaxHeight))
	assert.False(t, isValidDimension(640, 640, sensorMaxWidth, sensorMaxHeight))
	assert.False(t, isValidDimension(0, 480, sensorMaxWidth, sensorMaxHeight))
}

func TestFilterPreviewSizes(t *testing.T) {
	assert.Equal(t, previewSizes, filterPreviewSizes(0))
	assert.Equal(t, previewSizes, filterPreviewSizes(0x7ff))
	assert.Equal(t, []size{{640, 480}, {176, 144}}, filterPreviewSizes(0x21))
	assert.NotContains(t, filterPreviewSizes(0x7fe), size{176, 144})
	assert.Equal(t, "640x480,176x144", joinSizes(filterPreviewSizes(0x21)))
}

func TestFrameRateValues(t *testing.T) {
	values := strings.Split(frameRateValues(), ",")
	assert.Len(t, values, maxFPS-minFPS+1)
	assert.Equal(t, "5", values[0])
	assert.Equal(t, "31", values[len(values)-1])
}

func TestCropYUV420(t *testing.T) {
	const w, h, cw, ch = 8, 4, 4, 2
	img := make([]byte, w*h*3/2)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img[y*w+x] = byte(y*16 + x)
		}
	}
	for i := 0; i < w*h/2; i++ {
		img[w*h+i] = byte(0x80 + i)
	}

	assert.True(t, cropYUV420(img, w, h, cw, ch))
	assert.Equal(t, []byte{0x02, 0x03, 0x04, 0x05, 0x12, 0x13, 0x14, 0x15}, img[:cw*ch])
	// The single chroma row of the window starts at chroma row 0, column 2.
	assert.Equal(t, []byte{0x82, 0x83, 0x84, 0x85}, img[cw*ch:cw*ch+cw])

	assert.False(t, cropYUV420(img, w, h, w+2, h))
	assert.False(t, cropYUV420(img[:10], w, h, cw, ch))
}

func TestExifTags(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	tags := exifTags(at, "acme", "x1")
	assert.Len(t, tags, 5)
	assert.Equal(t, vendor.ExifDateTimeOriginal, tags[0].ID)
	assert.Equal(t, "2024:03:09 14:05:06", tags[0].Value)
	assert.Equal(t, vendor.ExifMake, tags[3].ID)
	assert.Equal(t, "x1", tags[4].Value)

	assert.Len(t, exifTags(at, "", ""), 3)
	assert.LessOrEqual(t, len(exifTags(at, "acme", "x1")), vendor.MaxExifTags)
}
