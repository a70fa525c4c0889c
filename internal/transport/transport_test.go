package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIOCEncoding(t *testing.T) {
	// _IOW('m', 2, unsigned int) == 0x40046d02
	assert.Equal(t, uintptr(0x40046d02), IOW('m', 2, 4))
	// _IOR('V', 0, struct v4l2_capability) == 0x80685600
	assert.Equal(t, uintptr(0x80685600), IOR('V', 0, 104))
	// _IOWR('V', 9, struct v4l2_buffer) on 64-bit == 0xc0585609
	assert.Equal(t, uintptr(0xc0585609), IOWR('V', 9, 88))
	assert.Equal(t, uintptr(0x6d01), IO('m', 1))
}
