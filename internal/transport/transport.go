// Package transport contains the low-level ioctl helpers behind the driver
// and framebuffer adapters.
package transport

const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits
)

// IOC encodes an ioctl request number the way the Linux _IOC macro does.
func IOC(dir, typ, nr, size uintptr) uintptr {
	return dir<<iocDirShift | typ<<iocTypeShift | nr<<iocNrShift | size<<iocSizeShift
}

// IO is _IO.
func IO(typ, nr uintptr) uintptr { return IOC(iocNone, typ, nr, 0) }

// IOW is _IOW.
func IOW(typ, nr, size uintptr) uintptr { return IOC(iocWrite, typ, nr, size) }

// IOR is _IOR.
func IOR(typ, nr, size uintptr) uintptr { return IOC(iocRead, typ, nr, size) }

// IOWR is _IOWR.
func IOWR(typ, nr, size uintptr) uintptr { return IOC(iocRead|iocWrite, typ, nr, size) }
