package vhostuser

import "testing"

func TestRegistryAssignsLowestFreeVid(t *testing.T) {
	r := NewRegistry()
	d0 := &Device{name: "dev0"}
	d1 := &Device{name: "dev1"}

	vid0, err := r.NewDevice(d0)
	if err != nil {
		t.Fatalf("NewDevice(d0) = %v", err)
	}
	vid1, err := r.NewDevice(d1)
	if err != nil {
		t.Fatalf("NewDevice(d1) = %v", err)
	}
	if vid0 != 0 || vid1 != 1 {
		t.Fatalf("vids = (%d, %d), want (0, 1)", vid0, vid1)
	}
	if d0.vid != vid0 {
		t.Errorf("d0.vid = %d, want %d", d0.vid, vid0)
	}

	r.DestroyDevice(vid0)
	d2 := &Device{name: "dev2"}
	vid2, err := r.NewDevice(d2)
	if err != nil {
		t.Fatalf("NewDevice(d2) = %v", err)
	}
	if vid2 != vid0 {
		t.Errorf("vid2 = %d, want the freed slot %d", vid2, vid0)
	}
}

func TestRegistryGetAndLen(t *testing.T) {
	r := NewRegistry()
	d := &Device{name: "dev"}
	vid, _ := r.NewDevice(d)

	if got := r.Get(vid); got != d {
		t.Errorf("Get(%d) = %v, want %v", vid, got, d)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	if r.Get(vid+1000) != nil {
		t.Error("Get with an out-of-range vid did not return nil")
	}

	r.DestroyDevice(vid)
	if r.Len() != 0 {
		t.Errorf("Len() = %d after DestroyDevice, want 0", r.Len())
	}
	if r.Get(vid) != nil {
		t.Error("Get returned a device after DestroyDevice")
	}
}

func TestRegistryFull(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxVhostDevices; i++ {
		if _, err := r.NewDevice(&Device{}); err != nil {
			t.Fatalf("NewDevice #%d = %v, want nil", i, err)
		}
	}
	if _, err := r.NewDevice(&Device{}); err == nil {
		t.Error("NewDevice on a full registry succeeded, want an error")
	}
}
