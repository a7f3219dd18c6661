package vhostuser

import (
	"encoding/binary"
	"net"
	"os"
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

const maxMsgFDs = 8

// u64NoFD is bit 8 of the u64 payload used by SET_VRING_KICK/CALL/ERR to
// signal "polling mode, no eventfd follows" (§6).
const u64NoFD = 1 << 8

// conn frames vhost-user messages over a UNIX socket: 12-byte header,
// payload, and an optional SCM_RIGHTS ancillary fd array (C1, from the
// teacher's Server.oneRequest).
type conn struct {
	uc *net.UnixConn
}

func newConn(uc *net.UnixConn) *conn { return &conn{uc: uc} }

// recv reads one full message: header, payload bytes, and any fds carried
// via SCM_RIGHTS.
func (c *conn) recv() (Header, []byte, []int, error) {
	var hdr Header
	hdrBuf := make([]byte, 12)
	oob := make([]byte, syscall.CmsgSpace(maxMsgFDs*4))

	n, oobn, _, _, err := c.uc.ReadMsgUnix(hdrBuf, oob)
	if err != nil {
		return hdr, nil, nil, errors.Wrap(err, "read message header")
	}
	if n != len(hdrBuf) {
		return hdr, nil, nil, errors.Errorf("short header read: %d bytes", n)
	}
	hdr.Request = binary.LittleEndian.Uint32(hdrBuf[0:4])
	hdr.Flags = binary.LittleEndian.Uint32(hdrBuf[4:8])
	hdr.Size = binary.LittleEndian.Uint32(hdrBuf[8:12])

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return hdr, nil, nil, err
	}

	var payload []byte
	if hdr.Size > 0 {
		payload = make([]byte, hdr.Size)
		if _, err := readFull(c.uc, payload); err != nil {
			return hdr, nil, fds, errors.Wrap(err, "read message payload")
		}
	}
	return hdr, payload, fds, nil
}

func readFull(uc *net.UnixConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := uc.Read(buf[total:])
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := syscall.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, errors.Wrap(err, "parse socket control message")
	}
	var fds []int
	for _, m := range msgs {
		rights, err := syscall.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

// send writes a reply or a backend-channel request, optionally carrying fds.
func (c *conn) send(hdr Header, payload []byte, fds []int) error {
	hdr.Size = uint32(len(payload))
	buf := make([]byte, 12, 12+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Request)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.Size)
	buf = append(buf, payload...)

	var oob []byte
	if len(fds) > 0 {
		oob = syscall.UnixRights(fds...)
	}
	_, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return errors.Wrap(err, "write message")
	}
	return nil
}

// encodeLE overlays a fixed-size wire struct onto a byte slice, the same
// unsafe.Pointer trick the teacher's types.go dispatch tables use instead of
// encoding/binary field-by-field.
func encodeLE(v interface{}) []byte {
	switch p := v.(type) {
	case *U64Payload:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostVringState:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostVringAddr:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostUserLog:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostUserInflight:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostUserMemRegMsg:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostUserConfig:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	case *VhostIotlbMsg:
		return structBytes(unsafe.Pointer(p), unsafe.Sizeof(*p))
	default:
		return nil
	}
}

// decodeLE is encodeLE's inverse: it copies buf over the memory backing v.
func decodeLE(buf []byte, v interface{}) {
	switch p := v.(type) {
	case *U64Payload:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostVringState:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostVringAddr:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostUserMemory:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostUserMemRegMsg:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostUserLog:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostUserInflight:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostUserConfig:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	case *VhostIotlbMsg:
		copyStruct(unsafe.Pointer(p), unsafe.Sizeof(*p), buf)
	}
}

func structBytes(p unsafe.Pointer, size uintptr) []byte {
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(p), size))
	return out
}

// unixConnFromFD wraps a raw fd received via SCM_RIGHTS (e.g. the backend
// request channel from SET_BACKEND_REQ_FD) as a *net.UnixConn.
func unixConnFromFD(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "vhost-backend-channel")
	c, err := net.FileConn(f)
	if err != nil {
		return nil, errors.Wrap(err, "wrap backend channel fd")
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return nil, errors.New("backend channel fd is not a unix socket")
	}
	return uc, nil
}

func copyStruct(p unsafe.Pointer, size uintptr, buf []byte) {
	n := size
	if uintptr(len(buf)) < n {
		n = uintptr(len(buf))
	}
	copy(unsafe.Slice((*byte)(p), size), buf[:n])
}
