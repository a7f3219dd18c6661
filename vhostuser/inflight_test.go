package vhostuser

import (
	"testing"
	"unsafe"
)

func newTestQueueInflight(t *testing.T, num int) *queueInflight {
	t.Helper()
	hdrSize := int(unsafe.Sizeof(inflightSplitHeader{}))
	region := make([]byte, hdrSize+num*int(unsafe.Sizeof(descStateSplit{})))
	return newQueueInflight(region, num)
}

func TestInflightMarkAndClear(t *testing.T) {
	qi := newTestQueueInflight(t, 4)

	qi.markInflight(0)
	qi.markInflight(2)
	if !qi.hasPending() {
		t.Fatal("hasPending() = false after marking two descriptors")
	}

	qi.clearInflight(0)
	if !qi.hasPending() {
		t.Fatal("hasPending() = false, want true (descriptor 2 still pending)")
	}

	qi.clearInflight(2)
	if qi.hasPending() {
		t.Fatal("hasPending() = true after clearing every marked descriptor")
	}
}

func TestInflightClearUnmarkedDoesNotUnderflowPending(t *testing.T) {
	qi := newTestQueueInflight(t, 4)
	qi.markInflight(1)

	// Clearing a descriptor that was never marked must not decrement
	// pending, even though the inflight byte itself is zeroed either way
	// (Open Question decision 1).
	qi.clearInflight(3)
	if !qi.hasPending() {
		t.Fatal("hasPending() = false after clearing an unmarked descriptor, want true")
	}
	if qi.states[3].inflight != 0 {
		t.Error("clearInflight did not zero the inflight byte of an unmarked descriptor")
	}

	qi.clearInflight(1)
	if qi.hasPending() {
		t.Fatal("hasPending() = true after clearing the one marked descriptor")
	}
}

func TestInflightResubmitListOrderedByCounterDescending(t *testing.T) {
	qi := newTestQueueInflight(t, 8)

	qi.markInflight(5) // counter 1
	qi.markInflight(1) // counter 2
	qi.markInflight(3) // counter 3
	qi.clearInflight(1)

	list := qi.ResubmitList()
	if len(list) != 2 {
		t.Fatalf("ResubmitList() len = %d, want 2", len(list))
	}
	if list[0].index != 3 || list[1].index != 5 {
		t.Errorf("ResubmitList() = %+v, want index 3 before index 5 (counter descending)", list)
	}
}
