package hal

// cropYUV420 crops a semi-planar YUV 4:2:0 image in place to its centred
// cw x ch window. The luma plane of the result starts at 0 and its
// interleaved chroma plane follows at cw*ch.
func cropYUV420(img []byte, w, h, cw, ch int) bool {
	x := (w - cw) / 2
	y := (h - ch) / 2
	if x < 0 || y < 0 || cw <= 0 || ch <= 0 || len(img) < w*h*3/2 {
		return false
	}
	x &^= 1
	y &^= 1

	for i := 0; i < ch; i++ {
		src := (y+i)*w + x
		copy(img[i*cw:i*cw+cw], img[src:src+cw])
	}

	chroma := img[w*h:]
	dst := img[cw*ch:]
	for i := 0; i < ch/2; i++ {
		src := (y/2+i)*w + x
		copy(dst[i*cw:i*cw+cw], chroma[src:src+cw])
	}
	return true
}
