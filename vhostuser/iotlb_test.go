package vhostuser

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

type iotlbLookupWant struct {
	Uaddr uint64
	OK    bool
}

func TestIOTLBInsertLookup(t *testing.T) {
	c := NewIOTLBCache(nil)
	c.Insert(0x1000, 0x7f0000001000, 0x1000, AccessRW)

	cases := []struct {
		name       string
		iova, size uint64
		perm       uint8
		want       iotlbLookupWant
	}{
		{"exact start", 0x1000, 0x100, AccessRO, iotlbLookupWant{0x7f0000001000, true}},
		{"offset within entry", 0x1080, 0x10, AccessRO, iotlbLookupWant{0x7f0000001080, true}},
		{"past the end", 0x2000, 0x10, AccessRO, iotlbLookupWant{0, false}},
	}
	for _, c2 := range cases {
		t.Run(c2.name, func(t *testing.T) {
			uaddr, ok := c.Lookup(c2.iova, c2.size, c2.perm)
			got := iotlbLookupWant{uaddr, ok}
			if diff := pretty.Compare(c2.want, got); diff != "" {
				t.Errorf("Lookup(%#x, %#x, %#x) mismatch (-want +got):\n%s", c2.iova, c2.size, c2.perm, diff)
			}
		})
	}
}

func TestIOTLBLookupMissCallsMissFn(t *testing.T) {
	var gotIova uint64
	var gotPerm uint8
	calls := 0
	c := NewIOTLBCache(func(iova uint64, perm uint8) {
		calls++
		gotIova, gotPerm = iova, perm
	})

	_, ok := c.Lookup(0x9000, 0x10, AccessRW)
	if ok {
		t.Fatal("Lookup on an empty cache returned ok=true")
	}
	if calls != 1 {
		t.Fatalf("missFn called %d times, want 1", calls)
	}
	if gotIova != 0x9000 || gotPerm != AccessRW {
		t.Errorf("missFn(%#x, %#x), want (%#x, %#x)", gotIova, gotPerm, 0x9000, AccessRW)
	}
}

func TestIOTLBInsertRemovesOverlap(t *testing.T) {
	c := NewIOTLBCache(nil)
	c.Insert(0x1000, 0xA000, 0x2000, AccessRW)
	c.Insert(0x1800, 0xB000, 0x100, AccessRW) // overlaps the first

	if c.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after an overlapping insert", c.Len())
	}
	uaddr, ok := c.Lookup(0x1800, 0x10, AccessRO)
	if !ok || uaddr != 0xB000 {
		t.Errorf("Lookup = (%#x, %v), want (%#x, true)", uaddr, ok, 0xB000)
	}
}

func TestIOTLBRemove(t *testing.T) {
	c := NewIOTLBCache(nil)
	c.Insert(0x1000, 0xA000, 0x1000, AccessRW)
	c.Remove(0x1000, 0x1000)

	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after Remove", c.Len())
	}
}

func TestIOTLBFIFOEviction(t *testing.T) {
	c := NewIOTLBCache(nil)
	for i := 0; i < iotlbCacheBound+10; i++ {
		iova := uint64(i) * 0x10000
		c.Insert(iova, iova, 0x1000, AccessRW)
	}
	if c.Len() != iotlbCacheBound {
		t.Fatalf("Len() = %d, want %d", c.Len(), iotlbCacheBound)
	}
	// the earliest entries should have been evicted
	if _, ok := c.Lookup(0, 0x10, AccessRO); ok {
		t.Error("oldest entry was not evicted")
	}
}

func TestIOTLBFlushAll(t *testing.T) {
	c := NewIOTLBCache(nil)
	c.Insert(0x1000, 0xA000, 0x1000, AccessRW)
	c.Insert(0x2000, 0xB000, 0x1000, AccessRW)
	c.FlushAll()
	if c.Len() != 0 {
		t.Fatalf("Len() = %d after FlushAll, want 0", c.Len())
	}
}
