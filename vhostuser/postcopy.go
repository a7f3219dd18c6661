package vhostuser

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Userfaultfd ioctl numbers and UFFDIO_* request codes (linux/userfaultfd.h),
// grounded on the UFFD postcopy implementation in the retrieval pack: the
// same constants, typed the same way, used to fault in guest pages lazily
// during postcopy live migration (§4, supplemented feature).
const (
	uffdioAPI         = 0xc018aa3f
	uffdioRegister    = 0xc020aa00
	uffdioUnregister  = 0x8010aa01
	uffdioCopy        = 0xc028aa03
	uffdioZeropage    = 0xc020aa04

	uffdioRegisterModeMissing = 1 << 0

	_UFFD_USER_MODE_ONLY = 1
)

type uffdioAPIStruct struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioRegisterStruct struct {
	rng  uffdioRange
	mode uint64
	ioctls uint64
}

type uffdioCopyStruct struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropageStruct struct {
	rng  uffdioRange
	mode uint64
	zeropage int64
}

// postcopyListener owns the userfaultfd registered over guest memory once
// POSTCOPY_LISTEN is negotiated, and answers page faults as the frontend's
// migration source streams pages in (§4.7 "POSTCOPY", the DPDK original's
// vhost_user.c postcopy_* handlers).
type postcopyListener struct {
	fd       int
	regions  []uffdioRange
	advised  bool
	listened bool
}

// handlePostcopyAdvise implements POSTCOPY_ADVISE: open the userfaultfd and
// hand it back to the frontend as an ancillary fd, before any memory is
// registered (postcopy must be advised before SET_MEM_TABLE completes).
func (d *Device) handlePostcopyAdvise() ([]byte, []int, bool, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(_UFFD_USER_MODE_ONLY), 0, 0)
	if errno != 0 {
		return nil, nil, false, errors.Wrap(errno, "userfaultfd")
	}

	api := uffdioAPIStruct{api: 0xAA}
	if err := ioctlPtr(int(fd), uffdioAPI, &api); err != nil {
		unix.Close(int(fd))
		return nil, nil, false, errors.Wrap(err, "UFFDIO_API")
	}

	d.postc = &postcopyListener{fd: int(fd), advised: true}
	return nil, []int{int(fd)}, false, nil
}

// handlePostcopyListen implements POSTCOPY_LISTEN: registers every current
// guest-memory region for missing-page faulting. Must run after
// SET_MEM_TABLE and before the frontend stops the source VM.
func (d *Device) handlePostcopyListen() error {
	if d.postc == nil || !d.postc.advised {
		return errors.New("POSTCOPY_LISTEN before POSTCOPY_ADVISE")
	}
	for _, r := range d.mem.regions {
		rng := uffdioRange{start: r.HostUserAddr, len: r.Size}
		reg := uffdioRegisterStruct{rng: rng, mode: uffdioRegisterModeMissing}
		if err := ioctlPtr(d.postc.fd, uffdioRegister, &reg); err != nil {
			return errors.Wrapf(err, "UFFDIO_REGISTER %#x+%#x", r.HostUserAddr, r.Size)
		}
		d.postc.regions = append(d.postc.regions, rng)
	}
	d.postc.listened = true
	return nil
}

// handlePostcopyEnd implements POSTCOPY_END: unregisters every region and
// closes the userfaultfd, returning an empty ack payload.
func (d *Device) handlePostcopyEnd() ([]byte, []int, bool, error) {
	if d.postc == nil {
		return encodeLE(&U64Payload{}), nil, false, nil
	}
	for _, rng := range d.postc.regions {
		ioctlPtr(d.postc.fd, uffdioUnregister, &rng)
	}
	d.postc.Close()
	d.postc = nil
	return encodeLE(&U64Payload{}), nil, false, nil
}

func (p *postcopyListener) Close() {
	if p.fd >= 0 {
		unix.Close(p.fd)
		p.fd = -1
	}
}

// ServeFaults reads uffd_msg page-fault events from the userfaultfd and
// resolves each by copying the already-available page out of guestData, or
// zero-filling when none is supplied (streamed pages arrive out of band
// over the migration channel, outside this package's scope). Run as its own
// goroutine once POSTCOPY_LISTEN completes.
func (p *postcopyListener) ServeFaults(guestData func(addr uint64) []byte) error {
	msg := make([]byte, 32)
	for {
		n, err := unix.Read(p.fd, msg)
		if err != nil {
			return errors.Wrap(err, "read uffd event")
		}
		if n < 16 {
			continue
		}
		addr := binary.LittleEndian.Uint64(msg[8:16])
		pageAddr := addr &^ 0xfff

		data := guestData(pageAddr)
		if data != nil {
			c := uffdioCopyStruct{dst: pageAddr, src: uint64(ptrToUint64(data)), len: 4096}
			if err := ioctlPtr(p.fd, uffdioCopy, &c); err != nil {
				return errors.Wrap(err, "UFFDIO_COPY")
			}
			continue
		}
		z := uffdioZeropageStruct{rng: uffdioRange{start: pageAddr, len: 4096}}
		if err := ioctlPtr(p.fd, uffdioZeropage, &z); err != nil {
			return errors.Wrap(err, "UFFDIO_ZEROPAGE")
		}
	}
}
