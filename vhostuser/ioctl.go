package vhostuser

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctlPtr issues an ioctl(fd, req, &v) the way the teacher's device.go
// does for VDUSE/UFFD control operations, via unix.Syscall directly since
// these ioctl numbers aren't in golang.org/x/sys/unix's generated constants.
func ioctlPtr(fd int, req uintptr, v interface{}) error {
	var p unsafe.Pointer
	switch t := v.(type) {
	case *uffdioAPIStruct:
		p = unsafe.Pointer(t)
	case *uffdioRegisterStruct:
		p = unsafe.Pointer(t)
	case *uffdioRange:
		p = unsafe.Pointer(t)
	case *uffdioCopyStruct:
		p = unsafe.Pointer(t)
	case *uffdioZeropageStruct:
		p = unsafe.Pointer(t)
	default:
		return unix.EINVAL
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(p))
	if errno != 0 {
		return errno
	}
	return nil
}

// ptrToUint64 returns the address of a byte slice's backing array, used to
// build UFFDIO_COPY's src field.
func ptrToUint64(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
