package vhostuser

import (
	"sort"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// guestPageSortThreshold is the array length at or above which the
// guest-page table is kept sorted to allow binary search (§3 Invariant 4, P3).
const guestPageSortThreshold = 255

// MemoryRegion is one hypervisor-supplied guest-memory mapping (§3).
// Invariant: HostUserAddr == mmapAddr + MmapOffset, and the mmap backing it
// is at least Size+MmapOffset bytes, block-size aligned.
type MemoryRegion struct {
	GuestPhysAddr uint64
	GuestUserAddr uint64
	HostUserAddr  uint64
	Size          uint64
	fd            int

	data []byte // the mmap'd bytes from MmapOffset on, indexed from HostUserAddr
}

// hva returns the byte slice of length n starting at host-virtual address
// hostAddr, or nil if it falls outside this region.
func (r *MemoryRegion) hva(hostAddr uint64, n uint64) []byte {
	if hostAddr < r.HostUserAddr || hostAddr+n > r.HostUserAddr+r.Size {
		return nil
	}
	off := hostAddr - r.HostUserAddr
	return r.data[off : off+n]
}

func (r *MemoryRegion) containsGPA(gpa uint64) bool {
	return gpa >= r.GuestPhysAddr && gpa < r.GuestPhysAddr+r.Size
}

func (r *MemoryRegion) unmap() {
	if r.data != nil {
		unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd > 0 {
		unix.Close(r.fd)
	}
}

// GuestPage is a page_size-aligned, physically-contiguous run produced by
// splitting a MemoryRegion (§3).
type GuestPage struct {
	GuestPhysAddr uint64
	HostIOVA      uint64
	HostUserAddr  uint64
	Size          uint64
}

// MemoryTable owns the device's mapped guest memory and the derived
// guest-page table used for GPA->HVA translation (C2).
type MemoryTable struct {
	regions    []*MemoryRegion
	guestPages []GuestPage
	sorted     bool
}

func newMemoryTable() *MemoryTable {
	return &MemoryTable{}
}

// equalTo reports whether the given incoming regions describe exactly the
// same memory layout as the current table: same count, same
// (gpa, size, uaddr) per entry in order. Used by the SET_MEM_TABLE
// hot-reconnect fast path (L1).
func (t *MemoryTable) equalTo(regions []VhostUserMemoryRegion) bool {
	if len(t.regions) != len(regions) {
		return false
	}
	for i, r := range regions {
		cur := t.regions[i]
		if cur.GuestPhysAddr != r.GuestPhysAddr || cur.Size != r.MemorySize || cur.GuestUserAddr != r.UserAddr {
			return false
		}
	}
	return true
}

func blockSize(fd int) (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	if st.Blksize <= 0 {
		return 4096, nil
	}
	return int64(st.Blksize), nil
}

func alignUp(v, align int64) int64 {
	if align <= 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// mapRegion mmaps one incoming region, honoring the overflow check of B4/§4.2:
// mmap_offset must be < -size (i.e. offset+size must not wrap a 64-bit
// unsigned value).
func mapRegion(fd int, reg *VhostUserMemoryRegion, populate bool) (*MemoryRegion, error) {
	if reg.MmapOffset >= ^uint64(0)-reg.MemorySize+1 {
		return nil, errors.Errorf("mmap_offset %#x overflows with size %#x", reg.MmapOffset, reg.MemorySize)
	}

	bs, err := blockSize(fd)
	if err != nil {
		return nil, errors.Wrap(err, "fstat for mmap block size")
	}
	mapLen := alignUp(int64(reg.MemorySize+reg.MmapOffset), bs)

	flags := unix.MAP_SHARED
	if populate {
		flags |= unix.MAP_POPULATE
	}
	data, err := unix.Mmap(fd, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap region gpa=%#x size=%#x", reg.GuestPhysAddr, reg.MemorySize)
	}
	unix.Madvise(data, unix.MADV_DONTDUMP)

	base := uint64(uintptr(unsafe.Pointer(&data[0])))
	mr := &MemoryRegion{
		GuestPhysAddr: reg.GuestPhysAddr,
		GuestUserAddr: reg.UserAddr,
		HostUserAddr:  base + reg.MmapOffset,
		Size:          reg.MemorySize,
		fd:            fd,
		data:          data[reg.MmapOffset:],
	}
	return mr, nil
}

// SetMemTable installs a new set of memory regions, replacing the current
// table unless the incoming layout is byte-identical (L1, §4.2). mapRegion
// dup's nothing: on the identical-table fast path the caller closes fds;
// otherwise each fds[i] is owned by the region mapped from it and is closed
// when that region is unmapped.
func (t *MemoryTable) SetMemTable(regions []VhostUserMemoryRegion, fds []int) (identical bool, err error) {
	if t.equalTo(regions) {
		return true, nil
	}

	for _, r := range t.regions {
		r.unmap()
	}
	t.regions = nil
	t.guestPages = nil
	t.sorted = false

	newRegions := make([]*MemoryRegion, 0, len(regions))
	for i := range regions {
		mr, err := mapRegion(fds[i], &regions[i], false)
		if err != nil {
			for _, r := range newRegions {
				r.unmap()
			}
			return false, err
		}
		newRegions = append(newRegions, mr)
	}
	t.regions = newRegions
	t.rebuildGuestPages()
	return false, nil
}

// AddRegion implements the incremental ADD_MEM_REG path (§ SPEC_FULL 4).
func (t *MemoryTable) AddRegion(fd int, reg *VhostUserMemoryRegion, maxSlots int) error {
	if len(t.regions) >= maxSlots {
		return errors.New("memory slot table full")
	}
	mr, err := mapRegion(fd, reg, false)
	if err != nil {
		return err
	}
	idx := sort.Search(len(t.regions), func(i int) bool {
		return reg.GuestPhysAddr < t.regions[i].GuestPhysAddr
	})
	t.regions = append(t.regions, nil)
	copy(t.regions[idx+1:], t.regions[idx:])
	t.regions[idx] = mr
	t.rebuildGuestPages()
	return nil
}

// RemoveRegion implements REM_MEM_REG: unmap and drop the region whose
// (gpa, size, uaddr) matches reg exactly.
func (t *MemoryTable) RemoveRegion(reg *VhostUserMemoryRegion) error {
	for i, r := range t.regions {
		if r.GuestPhysAddr == reg.GuestPhysAddr && r.Size == reg.MemorySize && r.GuestUserAddr == reg.UserAddr {
			r.unmap()
			t.regions = append(t.regions[:i], t.regions[i+1:]...)
			t.rebuildGuestPages()
			return nil
		}
	}
	return errors.New("no matching memory region")
}

func (t *MemoryTable) rebuildGuestPages() {
	const pageSize = 4096
	var pages []GuestPage
	for _, r := range t.regions {
		for off := uint64(0); off < r.Size; off += pageSize {
			sz := uint64(pageSize)
			if off+sz > r.Size {
				sz = r.Size - off
			}
			gp := GuestPage{
				GuestPhysAddr: r.GuestPhysAddr + off,
				HostUserAddr:  r.HostUserAddr + off,
				// HostIOVA tracks host-virtual in the absence of a real
				// IOMMU-backed translation layer beneath mmap; callers that
				// need a device IOVA go through the IOTLB cache instead.
				HostIOVA: r.HostUserAddr + off,
				Size:     sz,
			}
			if n := len(pages); n > 0 {
				last := &pages[n-1]
				if last.Size == gp.Size &&
					last.GuestPhysAddr+last.Size == gp.GuestPhysAddr &&
					last.HostUserAddr+last.Size == gp.HostUserAddr &&
					last.HostIOVA+last.Size == gp.HostIOVA {
					last.Size += gp.Size
					continue
				}
			}
			pages = append(pages, gp)
		}
	}
	t.guestPages = pages
	t.sorted = len(pages) >= guestPageSortThreshold
	if t.sorted {
		sort.Slice(t.guestPages, func(i, j int) bool {
			return t.guestPages[i].GuestPhysAddr < t.guestPages[j].GuestPhysAddr
		})
	}
}

// GPAToHVA resolves a guest-physical address to a host-virtual byte slice
// of length n, or nil on miss (§4.2 "GPA->HVA", P4).
func (t *MemoryTable) GPAToHVA(gpa uint64, n uint64) []byte {
	for _, r := range t.regions {
		if r.containsGPA(gpa) {
			avail := r.Size - (gpa - r.GuestPhysAddr)
			if n > avail {
				n = avail
			}
			return r.data[gpa-r.GuestPhysAddr : gpa-r.GuestPhysAddr+n]
		}
	}
	return nil
}

// FromDriverAddr resolves a driver-supplied (host-virtual, as seen by the
// frontend) address into our own mapping of the same region. Used to map
// the descriptor/avail/used ring pointers (§4.2 "MapRing").
func (t *MemoryTable) FromDriverAddr(driverAddr uint64, n uint64) []byte {
	for _, r := range t.regions {
		if driverAddr < r.GuestUserAddr || driverAddr+n > r.GuestUserAddr+r.Size {
			continue
		}
		off := driverAddr - r.GuestUserAddr
		return r.data[off : off+n]
	}
	return nil
}

// GuestPages returns the current guest-page table (read-only use by tests
// and the IOTLB miss path).
func (t *MemoryTable) GuestPages() []GuestPage { return t.guestPages }

// Sorted reports whether the guest-page table is currently kept sorted
// (P3: true once len >= 255).
func (t *MemoryTable) Sorted() bool { return t.sorted }

func (t *MemoryTable) Close() {
	for _, r := range t.regions {
		r.unmap()
	}
	t.regions = nil
	t.guestPages = nil
}
