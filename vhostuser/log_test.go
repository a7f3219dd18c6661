package vhostuser

import "testing"

func newTestDirtyLog(t *testing.T, bits int) *DirtyLog {
	t.Helper()
	return &DirtyLog{data: make([]byte, (bits+7)/8), fd: -1}
}

func TestDirtyLogSetBit(t *testing.T) {
	l := newTestDirtyLog(t, 16)
	l.setBit(3)
	if l.data[0] != 1<<3 {
		t.Errorf("data[0] = %#x, want %#x", l.data[0], 1<<3)
	}
}

func TestDirtyLogMarkRangeSpansPages(t *testing.T) {
	l := newTestDirtyLog(t, 4*8)
	// a one-page-long write starting 6 bytes into page 0 spans pages 0 and 1
	l.markRange(logPageShift/2, 1<<logPageShift)

	if l.data[0]&0x1 == 0 {
		t.Error("page 0 not marked dirty")
	}
	if l.data[0]&0x2 == 0 {
		t.Error("page 1 not marked dirty")
	}
	if l.data[0]&0x4 != 0 {
		t.Error("page 2 unexpectedly marked dirty")
	}
}

func TestDirtyLogQueueWriteCacheFlushesAtBound(t *testing.T) {
	l := newTestDirtyLog(t, 64*8)
	vq := newVirtq(0)
	vq.logGuestAddr = 0
	vq.logCache = make([]logCacheEntry, 0, logCacheSize)

	for i := 0; i < logCacheSize; i++ {
		l.logQueueWrite(vq, uint64(i)<<logPageShift, 1)
	}
	if len(vq.logCache) != logCacheSize {
		t.Fatalf("logCache len = %d before the cache fills, want %d", len(vq.logCache), logCacheSize)
	}

	// one more write should trigger a flush before the append
	l.logQueueWrite(vq, uint64(logCacheSize)<<logPageShift, 1)
	if len(vq.logCache) != 1 {
		t.Fatalf("logCache len = %d after overflow, want 1 (flushed then appended)", len(vq.logCache))
	}
	if l.data[0] == 0 {
		t.Error("flushed entries never reached the bitmap")
	}
}

func TestDirtyLogFlushQueueNilSafe(t *testing.T) {
	var l *DirtyLog
	vq := newVirtq(0)
	l.FlushQueue(vq) // must not panic
}
