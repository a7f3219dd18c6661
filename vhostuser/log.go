package vhostuser

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// logPageShift is VHOST_LOG_PAGE: each bit of the dirty bitmap covers one
// 4096-byte guest page (§4.6).
const logPageShift = 12

// DirtyLog is the mmap'd dirty-page bitmap installed by SET_LOG_BASE,
// written to whenever a queue touches guest memory the frontend must later
// re-scan for live migration (§4.6, C6).
type DirtyLog struct {
	mu   sync.Mutex
	data []byte
	fd   int
}

// NewDirtyLog mmaps the fd/region pair from a SET_LOG_BASE message, honoring
// the same mmap_offset+size overflow check as memory regions (B4).
func NewDirtyLog(fd int, payload *VhostUserLog) (*DirtyLog, error) {
	if payload.MmapOffset >= ^uint64(0)-payload.MmapSize+1 {
		return nil, errors.Errorf("log mmap_offset %#x overflows with size %#x", payload.MmapOffset, payload.MmapSize)
	}
	mapLen := payload.MmapSize + payload.MmapOffset
	data, err := unix.Mmap(fd, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrap(err, "mmap log region")
	}
	return &DirtyLog{data: data[payload.MmapOffset:], fd: fd}, nil
}

func (l *DirtyLog) setBit(page uint64) {
	byteIdx := page / 8
	if int(byteIdx) >= len(l.data) {
		return
	}
	bit := byte(1) << (page % 8)
	l.mu.Lock()
	l.data[byteIdx] |= bit
	l.mu.Unlock()
}

// markRange sets every page bit covering [addr, addr+size) of guest-physical
// address space.
func (l *DirtyLog) markRange(addr, size uint64) {
	if size == 0 {
		return
	}
	first := addr >> logPageShift
	last := (addr + size - 1) >> logPageShift
	for p := first; p <= last; p++ {
		l.setBit(p)
	}
}

// logQueueWrite logs a write of size bytes at byte offset off into the used
// ring of vq (guest-physical, derived from the vring's log_guest_addr),
// going through the per-queue write-combining cache first (§4.6: "a
// log_cache of up to 32 entries" avoids a bitmap write on every single
// descriptor completion when the driver dequeues in bursts).
func (l *DirtyLog) logQueueWrite(vq *Virtq, off, size uint64) {
	if l == nil {
		return
	}
	addr := vq.logGuestAddr + off

	if len(vq.logCache) >= logCacheSize {
		l.flushCache(vq)
	}
	vq.logCache = append(vq.logCache, logCacheEntry{addr: addr, val: size})
}

// flushCache drains a queue's write-combining cache into the bitmap. Called
// both when the cache fills and at queue-stop time (GET_VRING_BASE) so no
// dirty page is lost.
func (l *DirtyLog) flushCache(vq *Virtq) {
	for _, e := range vq.logCache {
		l.markRange(e.addr, e.val)
	}
	vq.logCache = vq.logCache[:0]
}

// FlushQueue is called by the dispatcher before a queue is stopped or torn
// down, to guarantee no cached dirty entry is dropped. Callers must hold
// vq's own lock; the bitmap bits themselves are still protected individually
// by DirtyLog.mu via setBit.
func (l *DirtyLog) FlushQueue(vq *Virtq) {
	if l == nil {
		return
	}
	l.flushCache(vq)
}

func (l *DirtyLog) Close() {
	if l.data != nil {
		unix.Munmap(l.data)
		l.data = nil
	}
}
