package vhostuser

import (
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// logCacheSize bounds the per-queue dirty-log write-combining cache (§4.6,
// §3 Virtqueue: "a log_cache of up to 32 entries").
const logCacheSize = 32

// VirtqElem is one descriptor chain handed to the datapath handler: byte
// slices are already translated into this process's address space and
// bounds-checked against the memory table (§9 "Raw shared memory -> safe
// abstraction"). The datapath is out of scope; this is the boundary type it
// consumes.
type VirtqElem struct {
	Index uint16
	Read  [][]byte
	Write [][]byte
}

// Ring holds the split-virtqueue pointers once translated into host memory.
// Packed-ring support is intentionally not modeled: the reference datapath
// this core serves (virtio-net) only negotiates RING_F_PACKED when the
// frontend requests it, and SPEC_FULL scopes out the datapath itself; the
// split layout below is what every control-plane operation in this package
// needs to exercise (P1, P4, L2).
type Ring struct {
	Num   int
	Desc  []VringDesc
	Avail *VringAvail
	Used  *VringUsed

	availRing []uint16
	usedRing  []VringUsedElem

	availUsedEvent *uint16
	usedAvailEvent *uint16
}

func mapRing(mem *MemoryTable, addr *VhostVringAddr, num int) (Ring, error) {
	var r Ring
	r.Num = num

	descBytes := mem.FromDriverAddr(addr.DescUserAddr, uint64(num)*uint64(unsafe.Sizeof(VringDesc{})))
	if descBytes == nil {
		return r, errors.Errorf("could not map desc ring at %#x", addr.DescUserAddr)
	}
	r.Desc = unsafe.Slice((*VringDesc)(unsafe.Pointer(&descBytes[0])), num)

	usedHdr := unsafe.Sizeof(VringUsed{})
	usedBytes := mem.FromDriverAddr(addr.UsedUserAddr, uint64(usedHdr)+uint64(num)*uint64(unsafe.Sizeof(VringUsedElem{}))+2)
	if usedBytes == nil {
		return r, errors.Errorf("could not map used ring at %#x", addr.UsedUserAddr)
	}
	r.Used = (*VringUsed)(unsafe.Pointer(&usedBytes[0]))
	r.usedRing = unsafe.Slice((*VringUsedElem)(unsafe.Pointer(&usedBytes[usedHdr])), num)
	r.usedAvailEvent = (*uint16)(unsafe.Pointer(&usedBytes[int(usedHdr)+num*int(unsafe.Sizeof(VringUsedElem{}))]))

	availHdr := unsafe.Sizeof(VringAvail{})
	availBytes := mem.FromDriverAddr(addr.AvailUserAddr, uint64(availHdr)+uint64(num)*2+2)
	if availBytes == nil {
		return r, errors.Errorf("could not map avail ring at %#x", addr.AvailUserAddr)
	}
	r.Avail = (*VringAvail)(unsafe.Pointer(&availBytes[0]))
	r.availRing = unsafe.Slice((*uint16)(unsafe.Pointer(&availBytes[availHdr])), num)
	r.availUsedEvent = (*uint16)(unsafe.Pointer(&availBytes[int(availHdr)+num*2]))

	return r, nil
}

// vringNeedEvent implements virtio_ring.h's VRING_NEED_EVENT: whether the
// consumer should be signalled given an event index (event-idx negotiated).
func vringNeedEvent(eventIdx, newIdx, old uint16) bool {
	return newIdx-eventIdx-1 < newIdx-old
}

// Virtq is the per-queue control-plane and (minimal) datapath-adjacent
// state (C4, §3 "Virtqueue"). It carries the full split-ring state machine
// described in §4.4.
type Virtq struct {
	mu sync.Mutex // per-queue access lock, §5 "Queue access lock"

	index int
	vring Ring
	addr  VhostVringAddr

	size int

	kickFD, callFD, errFD int

	enabled  bool
	ready    bool
	accessOK bool

	lastAvailIdx uint16
	lastUsedIdx  uint16
	usedIdx      uint16

	signaledUsed      uint16
	signaledUsedValid bool

	inUse uint

	numaNode int

	logGuestAddr uint64
	logCache     []logCacheEntry

	inflight *queueInflight

	shadowUsed []VringUsedElem

	kickLoopStarted bool
}

type logCacheEntry struct {
	addr uint64
	val  uint64
}

func newVirtq(index int) *Virtq {
	return &Virtq{index: index, kickFD: -1, callFD: -1, errFD: -1}
}

// Ready reports the per-queue readiness predicate used by invariant I3 and
// by the dispatcher's step 7 re-check (vring_state_changed).
func (vq *Virtq) Ready() bool {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	return vq.readyLocked()
}

func (vq *Virtq) readyLocked() bool {
	return vq.vring.Desc != nil && vq.vring.Avail != nil && vq.vring.Used != nil &&
		vq.kickFD >= 0 && vq.callFD >= 0 && vq.enabled
}

// SetNum implements SET_VRING_NUM (§4.4): rejects sizes above 32768 and, for
// split rings, non-powers-of-two (B1, B2).
func (vq *Virtq) SetNum(num int) error {
	if num > 32768 {
		return errors.Errorf("vring size %d exceeds maximum 32768", num)
	}
	if num <= 0 || num&(num-1) != 0 {
		return errors.Errorf("vring size %d is not a power of two", num)
	}
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.size = num
	vq.shadowUsed = make([]VringUsedElem, num)
	vq.logCache = make([]logCacheEntry, 0, logCacheSize)
	return nil
}

// SetAddr implements SET_VRING_ADDR (§4.4): stores the addresses and
// attempts translation. A translation failure leaves access_ok=false
// (TranslationMiss) rather than returning a hard error up to the caller
// unless num hasn't been set yet.
func (vq *Virtq) SetAddr(mem *MemoryTable, addr *VhostVringAddr) error {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	vq.addr = *addr
	vq.logGuestAddr = addr.LogGuestAddr

	if vq.size == 0 {
		return errors.New("SET_VRING_ADDR before SET_VRING_NUM")
	}

	ring, err := mapRing(mem, addr, vq.size)
	if err != nil {
		// TranslationMiss: leave access_ok=false, do not propagate as a
		// protocol error (§4.4, §7 TranslationMiss).
		vq.accessOK = false
		return nil
	}
	vq.vring = ring
	vq.accessOK = true

	// Invariant 2: last_used_idx must equal used->idx when the queue
	// becomes ready; otherwise both reset to avail->idx with a warning.
	if vq.lastUsedIdx != ring.Used.Idx {
		logrus.WithFields(logrus.Fields{
			"queue":         vq.index,
			"last_used_idx": vq.lastUsedIdx,
			"used_idx":      ring.Used.Idx,
		}).Warn("last_used_idx does not match used->idx; resetting to avail->idx")
		vq.lastUsedIdx = ring.Avail.Idx
		vq.lastAvailIdx = ring.Avail.Idx
	}
	vq.usedIdx = ring.Used.Idx
	return nil
}

// SetBase implements SET_VRING_BASE.
func (vq *Virtq) SetBase(num uint16) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	vq.lastAvailIdx = num
}

// GetBase implements GET_VRING_BASE's return value and the stop transition
// of §4.4: it is the authoritative "stop" message. Closes kick/call fds,
// clears ready/access_ok, and returns last_avail_idx (P5, L2). logger may be
// nil; when set, any cached dirty-page entries are flushed before the queue
// state is torn down.
func (vq *Virtq) GetBase(logger *DirtyLog) uint16 {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	logger.FlushQueue(vq)

	base := vq.lastAvailIdx
	closeFD(&vq.kickFD)
	closeFD(&vq.callFD)
	vq.ready = false
	vq.accessOK = false
	vq.enabled = false
	vq.vring = Ring{}
	vq.shadowUsed = nil
	vq.logCache = nil
	vq.kickLoopStarted = false
	return base
}

func closeFD(fd *int) {
	if *fd >= 0 {
		unix.Close(*fd)
		*fd = -1
	}
}

// SetEnable implements SET_VRING_ENABLE. Returns an error if disabling a
// queue whose inflight tracker still has unresolved descriptors (§4.4).
func (vq *Virtq) SetEnable(enable bool) error {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	if !enable && vq.inflight != nil && vq.inflight.hasPending() {
		return errors.New("cannot disable queue with inflight descriptors pending")
	}
	vq.enabled = enable
	return nil
}

// SetKick installs the kick eventfd. If protocol features were not
// negotiated, the queue becomes implicitly enabled (§4.4).
func (vq *Virtq) SetKick(fd int, implicitEnable bool) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	closeFD(&vq.kickFD)
	vq.kickFD = fd
	if implicitEnable {
		vq.enabled = true
	}
}

func (vq *Virtq) SetCall(fd int) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	closeFD(&vq.callFD)
	vq.callFD = fd
}

func (vq *Virtq) SetErr(fd int) {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	closeFD(&vq.errFD)
	vq.errFD = fd
}

func (vq *Virtq) queueEmptyLocked() bool {
	return vq.vring.Avail.Idx == vq.lastAvailIdx
}

// PopDescriptor dequeues the next available descriptor chain and resolves
// it into host byte slices via mem (the split-ring "vu_queue_pop" path of
// §4.4/§9). Returns nil, nil when the ring is empty.
func (vq *Virtq) PopDescriptor(mem *MemoryTable) (*VirtqElem, error) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	if !vq.accessOK {
		return nil, errors.New("queue not translated")
	}
	if vq.queueEmptyLocked() {
		return nil, nil
	}
	if int(vq.inUse) >= vq.size {
		return nil, errors.New("virtqueue size exceeded")
	}

	idx := int(vq.lastAvailIdx) % vq.size
	head := vq.vring.availRing[idx]
	vq.lastAvailIdx++
	// avail_event lives at the tail of the used ring and is written by the
	// device to tell the driver when to kick next (kick suppression).
	if vq.vring.usedAvailEvent != nil {
		*vq.vring.usedAvailEvent = vq.lastAvailIdx
	}

	elem, err := vq.mapDescriptor(mem, int(head))
	if err != nil {
		return nil, err
	}
	vq.inUse++
	if vq.inflight != nil {
		vq.inflight.markInflight(int(head))
	}
	return elem, nil
}

func (vq *Virtq) mapDescriptor(mem *MemoryTable, head int) (*VirtqElem, error) {
	result := &VirtqElem{Index: uint16(head)}
	descArray := vq.vring.Desc
	desc := descArray[head]

	if desc.Flags&VringDescFIndirect != 0 {
		eltSize := uint32(unsafe.Sizeof(VringDesc{}))
		if desc.Len%eltSize != 0 {
			return nil, errors.New("indirect descriptor length not a multiple of descriptor size")
		}
		indirect := mem.GPAToHVA(desc.Addr, uint64(desc.Len))
		if indirect == nil || uint32(len(indirect)) != desc.Len {
			return nil, errors.New("out of bounds indirect descriptor table")
		}
		n := desc.Len / eltSize
		descArray = unsafe.Slice((*VringDesc)(unsafe.Pointer(&indirect[0])), n)
		desc = descArray[0]
		head = 0
	}

	for {
		segs := splitGuestRange(mem, desc.Addr, desc.Len)
		if desc.Flags&VringDescFWrite != 0 {
			result.Write = append(result.Write, segs...)
		} else {
			result.Read = append(result.Read, segs...)
		}
		if desc.Flags&VringDescFNext == 0 {
			break
		}
		head = int(desc.Next)
		if head >= len(descArray) {
			return nil, errors.New("descriptor chain index out of range")
		}
		desc = descArray[head]
	}
	return result, nil
}

func splitGuestRange(mem *MemoryTable, addr uint64, size uint32) [][]byte {
	var out [][]byte
	for size > 0 {
		seg := mem.GPAToHVA(addr, uint64(size))
		if len(seg) == 0 {
			break
		}
		out = append(out, seg)
		size -= uint32(len(seg))
		addr += uint64(len(seg))
	}
	return out
}

// PushDescriptor publishes a completed descriptor to the used ring
// (§4.4 "vu_queue_fill" + "vu_queue_flush"), logging the write for
// migration dirty-tracking when a dirty-page log is installed.
func (vq *Virtq) PushDescriptor(elem *VirtqElem, length int, logger *DirtyLog) {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	idx := int(vq.usedIdx) % vq.size
	vq.vring.usedRing[idx] = VringUsedElem{ID: uint32(elem.Index), Len: uint32(length)}

	if logger != nil && vq.logGuestAddr != 0 {
		logger.logQueueWrite(vq, uint64(idx)*uint64(unsafe.Sizeof(VringUsedElem{})), uint64(unsafe.Sizeof(VringUsedElem{})))
	}

	old := vq.usedIdx
	vq.usedIdx++
	vq.vring.Used.Idx = vq.usedIdx // store-release boundary: writes above are visible first
	vq.inUse--

	if vq.usedIdx-vq.signaledUsed < vq.usedIdx-old {
		vq.signaledUsedValid = false
	}
	if vq.inflight != nil {
		vq.inflight.clearInflight(int(elem.Index))
	}
}

// ShouldNotify implements vring_notify (§4.4): whether callFD must be
// kicked given RING_F_EVENT_IDX semantics.
func (vq *Virtq) ShouldNotify() bool {
	vq.mu.Lock()
	defer vq.mu.Unlock()

	wasValid := vq.signaledUsedValid
	old := vq.signaledUsed
	newIdx := vq.usedIdx
	vq.signaledUsed = newIdx
	vq.signaledUsedValid = true

	// used_event lives at the tail of the avail ring and is written by the
	// driver to tell the device when to interrupt next.
	if vq.vring.availUsedEvent == nil {
		return true
	}
	return !wasValid || vringNeedEvent(*vq.vring.availUsedEvent, newIdx, old)
}

func (vq *Virtq) Index() int { return vq.index }

// ClaimKickLoop returns true at most once per SET_VRING_KICK generation:
// the caller should start the kick-reading goroutine only when this returns
// true, to avoid spawning a second reader on a reconnect or repeated
// SET_VRING_ENABLE.
func (vq *Virtq) ClaimKickLoop() bool {
	vq.mu.Lock()
	defer vq.mu.Unlock()
	if vq.kickLoopStarted {
		return false
	}
	vq.kickLoopStarted = true
	return true
}
