package vhostuser

import "testing"

func TestRebuildGuestPagesMergesContiguousRuns(t *testing.T) {
	mt := newMemoryTable()
	mt.regions = []*MemoryRegion{
		{GuestPhysAddr: 0, HostUserAddr: 0x1000, Size: 8192}, // two contiguous 4096-byte pages
	}
	mt.rebuildGuestPages()

	pages := mt.GuestPages()
	if len(pages) != 1 {
		t.Fatalf("GuestPages() len = %d, want 1 (both pages should merge)", len(pages))
	}
	if pages[0].Size != 8192 {
		t.Errorf("merged page size = %d, want 8192", pages[0].Size)
	}
}

func TestRebuildGuestPagesDoesNotMergeAcrossRegions(t *testing.T) {
	mt := newMemoryTable()
	mt.regions = []*MemoryRegion{
		{GuestPhysAddr: 0, HostUserAddr: 0x1000, Size: 4096},
		// not contiguous in host-user space, even though GPA is contiguous
		{GuestPhysAddr: 4096, HostUserAddr: 0x9000, Size: 4096},
	}
	mt.rebuildGuestPages()

	pages := mt.GuestPages()
	if len(pages) != 2 {
		t.Fatalf("GuestPages() len = %d, want 2 (host addresses are not contiguous)", len(pages))
	}
}

func TestRebuildGuestPagesSortsAboveThreshold(t *testing.T) {
	mt := newMemoryTable()
	var regions []*MemoryRegion
	for i := 0; i < guestPageSortThreshold+1; i++ {
		base := uint64(i) * 0x100000
		regions = append(regions, &MemoryRegion{GuestPhysAddr: base, HostUserAddr: base, Size: 4096})
	}
	mt.regions = regions
	mt.rebuildGuestPages()

	if !mt.Sorted() {
		t.Error("Sorted() = false, want true once the guest-page table exceeds the threshold")
	}
}

func TestMemoryTableEqualTo(t *testing.T) {
	mt := newMemoryTable()
	mt.regions = []*MemoryRegion{
		{GuestPhysAddr: 0x1000, Size: 0x2000, GuestUserAddr: 0xA000},
	}
	incoming := []VhostUserMemoryRegion{
		{GuestPhysAddr: 0x1000, MemorySize: 0x2000, UserAddr: 0xA000},
	}
	if !mt.equalTo(incoming) {
		t.Error("equalTo() = false for an identical layout")
	}

	incoming[0].MemorySize = 0x3000
	if mt.equalTo(incoming) {
		t.Error("equalTo() = true for a layout that differs in size")
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want int64 }{
		{0, 4096, 0},
		{1, 4096, 4096},
		{4096, 4096, 4096},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
}
