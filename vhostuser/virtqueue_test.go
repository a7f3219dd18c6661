package vhostuser

import "testing"

func TestVringNeedEvent(t *testing.T) {
	cases := []struct {
		name              string
		eventIdx, newIdx, old uint16
		want              bool
	}{
		{"event just passed", 10, 11, 10, true},
		{"event far in the future", 10, 5, 0, false},
		{"event already passed before old", 10, 12, 11, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := vringNeedEvent(c.eventIdx, c.newIdx, c.old)
			if got != c.want {
				t.Errorf("vringNeedEvent(%d, %d, %d) = %v, want %v", c.eventIdx, c.newIdx, c.old, got, c.want)
			}
		})
	}
}

func TestSetNumRejectsOversizedRing(t *testing.T) {
	vq := newVirtq(0)
	if err := vq.SetNum(65536); err == nil {
		t.Error("SetNum(65536) succeeded, want an error (exceeds 32768)")
	}
}

func TestSetNumRejectsNonPowerOfTwo(t *testing.T) {
	vq := newVirtq(0)
	if err := vq.SetNum(100); err == nil {
		t.Error("SetNum(100) succeeded, want an error (not a power of two)")
	}
}

func TestSetNumAccepts(t *testing.T) {
	vq := newVirtq(0)
	if err := vq.SetNum(256); err != nil {
		t.Fatalf("SetNum(256) = %v, want nil", err)
	}
	if vq.size != 256 {
		t.Errorf("vq.size = %d, want 256", vq.size)
	}
	if len(vq.shadowUsed) != 256 {
		t.Errorf("len(shadowUsed) = %d, want 256", len(vq.shadowUsed))
	}
}

func TestVirtqNotReadyBeforeNegotiation(t *testing.T) {
	vq := newVirtq(0)
	if vq.Ready() {
		t.Error("a freshly constructed queue reports Ready()")
	}
}

func TestVirtqClaimKickLoopOnce(t *testing.T) {
	vq := newVirtq(0)
	if !vq.ClaimKickLoop() {
		t.Fatal("first ClaimKickLoop() = false, want true")
	}
	if vq.ClaimKickLoop() {
		t.Fatal("second ClaimKickLoop() = true, want false (already started)")
	}
}

func TestSetEnableRejectsWithPendingInflight(t *testing.T) {
	vq := newVirtq(0)
	vq.inflight = newTestQueueInflight(t, 4)
	vq.inflight.markInflight(0)

	if err := vq.SetEnable(false); err == nil {
		t.Error("SetEnable(false) succeeded with a pending inflight descriptor, want an error")
	}
	if err := vq.SetEnable(true); err != nil {
		t.Errorf("SetEnable(true) = %v, want nil (enabling is never blocked by inflight state)", err)
	}
}
