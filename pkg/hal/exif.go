package hal

import (
	"time"

	"github.com/srediag/camera-hal/pkg/vendor"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// exifTags builds the tag table handed to the encoder for a picture taken at t.
func exifTags(t time.Time, maker, model string) []vendor.ExifTag {
	stamp := t.Format(exifTimeLayout)
	tags := []vendor.ExifTag{
		{ID: vendor.ExifDateTimeOriginal, Name: "DateTimeOriginal", Value: stamp},
		{ID: vendor.ExifDateTimeDigitized, Name: "DateTimeDigitized", Value: stamp},
		{ID: vendor.ExifDateTime, Name: "DateTime", Value: stamp},
	}
	if maker != "" {
		tags = append(tags, vendor.ExifTag{ID: vendor.ExifMake, Name: "Make", Value: maker})
	}
	if model != "" {
		tags = append(tags, vendor.ExifTag{ID: vendor.ExifModel, Name: "Model", Value: model})
	}
	if len(tags) > vendor.MaxExifTags {
		tags = tags[:vendor.MaxExifTags]
	}
	return tags
}
