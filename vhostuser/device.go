package vhostuser

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// Handler is supplied by the caller and consumes descriptor chains popped
// off a ready virtqueue. The datapath itself (packet parsing, forwarding)
// is out of scope here; this is the single seam the control plane calls
// into (§1 "Excluded collaborators").
type Handler interface {
	HandleQueue(vq *Virtq, elem *VirtqElem) (length int)
}

// NotifyOps is the datapath callback vtable (§3 Device data model, §4.7
// dispatcher steps 7/9): the other seam the control plane calls into to
// start/stop the excluded datapath collaborator and its vDPA analogue.
// Implementations must not block the dispatch loop.
type NotifyOps interface {
	// NewDevice fires exactly once, the first time the device transitions
	// to ready (every negotiated vring addressed, kicked, and enabled). A
	// non-nil error leaves the device un-notified so a later readiness
	// re-check can retry.
	NewDevice(vid int) error
	// DestroyDevice fires when a previously-notified device stops (the
	// GET_VRING_BASE/RESET_DEVICE "stop" transition, or connection close).
	DestroyDevice(vid int)
	// VringStateChanged fires whenever a single queue's per-queue readiness
	// predicate flips, independent of overall device readiness.
	VringStateChanged(vid, index int, ready bool)
}

// noopNotifyOps is the default vtable for callers that only exercise the
// control plane (tests, VDUSE's shared-state-machine harness before a
// datapath is attached).
type noopNotifyOps struct{}

func (noopNotifyOps) NewDevice(int) error            { return nil }
func (noopNotifyOps) DestroyDevice(int)              {}
func (noopNotifyOps) VringStateChanged(int, int, bool) {}

// LoggingNotifyOps is a NotifyOps that only logs transitions, for backends
// run without a concrete datapath wired in (the datapath itself is an
// excluded collaborator per §1).
type LoggingNotifyOps struct {
	Logger *logrus.Entry
}

func (l LoggingNotifyOps) NewDevice(vid int) error {
	l.Logger.WithField("vid", vid).Info("new_device")
	return nil
}

func (l LoggingNotifyOps) DestroyDevice(vid int) {
	l.Logger.WithField("vid", vid).Info("destroy_device")
}

func (l LoggingNotifyOps) VringStateChanged(vid, index int, ready bool) {
	l.Logger.WithFields(logrus.Fields{"vid": vid, "queue": index, "ready": ready}).Debug("vring_state_changed")
}

// Device is one vhost-user/VDUSE backend instance: the control-plane state
// for a single virtio device (memory table, virtqueues, IOTLB cache,
// inflight tracker, dirty log, feature negotiation) plus the socket
// connection driving it. It replaces the teacher's device.go, generalized
// from a single fixed fs device to any virtio device identity.
type Device struct {
	mu sync.Mutex

	vid      int
	name     string
	maxQueue int

	uc *net.UnixConn
	c  *conn

	mem     *MemoryTable
	iotlb   *IOTLBCache
	vqs     []*Virtq
	inflt   *InflightRegion
	log     *DirtyLog
	backend *BackendChannel
	postc   *postcopyListener

	features           uint64
	advertisedFeatures uint64
	featuresFailed     bool
	protoFeatures      uint64
	vhostHlen          int
	activeVrings       int
	running            bool
	notified           bool
	ownerSet           bool
	status             uint8
	config             []byte

	handler Handler
	notify  NotifyOps
	logger  *logrus.Entry
}

// NewDevice constructs a Device ready to negotiate over uc. handler
// receives popped descriptor chains once queues become ready; it may be
// nil for a control-plane-only harness (tests).
func NewDevice(uc *net.UnixConn, name string, numQueues int, handler Handler, logger *logrus.Entry) *Device {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Device{
		vid:                -1,
		name:               name,
		maxQueue:           numQueues,
		uc:                 uc,
		c:                  newConn(uc),
		mem:                newMemoryTable(),
		handler:            handler,
		notify:             noopNotifyOps{},
		logger:             logger.WithField("device", name),
		config:             make([]byte, maxConfigSize),
		advertisedFeatures: defaultAdvertisedFeatures(),
		activeVrings:       numQueues,
		vhostHlen:          virtioNetHdrSize,
	}
	d.iotlb = NewIOTLBCache(d.onIOTLBMiss)
	d.vqs = make([]*Virtq, numQueues)
	for i := range d.vqs {
		d.vqs[i] = newVirtq(i)
	}
	return d
}

// defaultAdvertisedFeatures is the virtio feature mask this backend
// advertises (§6 "Feature bit summary"): SET_FEATURES must be a subset of
// this (Invariant 5).
func defaultAdvertisedFeatures() uint64 {
	return composeMask([]int{
		VirtioNetFCSUM, VirtioNetFGuestCSUM, VirtioNetFCtrlGuestOff, VirtioNetFMTU,
		VirtioNetFGuestTSO4, VirtioNetFGuestTSO6, VirtioNetFGuestECN, VirtioNetFGuestUFO,
		VirtioNetFHostTSO4, VirtioNetFHostTSO6, VirtioNetFHostECN, VirtioNetFHostUFO,
		VirtioNetFMrgRxbuf, VirtioNetFStatus, VirtioNetFCtrlVQ, VirtioNetFCtrlRX,
		VirtioNetFCtrlVLAN, VirtioNetFGuestAnnounce, VirtioNetFMQ,
		RingFIndirectDesc, RingFEventIdx,
		FNotifyOnEmpty, FAnyLayout, FProtocolFeatures, FLogAll, FVersion1,
		FIOMMUPlatform, FRingPacked,
	})
}

// SetNotifyOps installs the datapath callback vtable. Callers that never
// attach a concrete datapath may skip this; the device then runs with a
// no-op vtable.
func (d *Device) SetNotifyOps(notify NotifyOps) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notify = notify
}

func (d *Device) onIOTLBMiss(iova uint64, perm uint8) {
	d.mu.Lock()
	backend := d.backend
	d.mu.Unlock()
	if backend == nil {
		return
	}
	if err := backend.IOTLBMiss(iova, perm); err != nil {
		d.logger.WithError(err).Warn("failed to send IOTLB miss to frontend")
	}
}

// Close tears down every resource the device owns: mapped memory, the
// dirty log, the inflight region, and open queue fds.
func (d *Device) Close() {
	d.notifyDestroyIfRunning()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, vq := range d.vqs {
		vq.GetBase(d.log)
		vq.SetErr(-1)
	}
	if d.mem != nil {
		d.mem.Close()
	}
	if d.log != nil {
		d.log.Close()
	}
	if d.inflt != nil {
		d.inflt.Close()
	}
	if d.postc != nil {
		d.postc.Close()
	}
}

// Queue returns the Virtq for idx, or nil if out of range.
func (d *Device) Queue(idx int) *Virtq {
	if idx < 0 || idx >= len(d.vqs) {
		return nil
	}
	return d.vqs[idx]
}

// IOTLB returns the device's IOTLB cache, for transports (VDUSE) that
// resolve misses through a different ioctl than IOTLB_MSG.
func (d *Device) IOTLB() *IOTLBCache { return d.iotlb }

// SetStatus sets the virtio device status byte directly, for transports
// (VDUSE) whose SET_STATUS arrives as an ioctl request rather than a
// vhost-user message.
func (d *Device) SetStatus(status uint8) {
	d.mu.Lock()
	d.status = status
	d.mu.Unlock()
}

// Status returns the current virtio device status byte.
func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Ready reports whether every queue through the negotiated vring count has
// completed negotiation (Invariant 3: "every queue through nr_vring has
// non-NULL rings, valid kick+call fds, enabled=true"), and, when
// PROTOCOL_F_STATUS was negotiated, whether the status byte has DRIVER_OK
// set: used to decide when to fire notify_ops.new_device.
func (d *Device) Ready() bool {
	const statusDriverOK = 1 << 2
	d.mu.Lock()
	n := d.activeVrings
	waitDriverOK := d.protoFeatures&(1<<ProtocolFStatus) != 0 && d.status&statusDriverOK == 0
	d.mu.Unlock()
	if waitDriverOK || n <= 0 || n > len(d.vqs) {
		return false
	}
	for i := 0; i < n; i++ {
		if !d.vqs[i].Ready() {
			return false
		}
	}
	return true
}

// recheckReadiness implements the dispatcher's per-message steps 7 and 9
// (§4.7): fire VringStateChanged on every per-queue readiness flip, then
// fire NewDevice exactly once when the device as a whole becomes ready.
func (d *Device) recheckReadiness() {
	for i, vq := range d.vqs {
		vq.mu.Lock()
		now := vq.readyLocked()
		changed := now != vq.ready
		vq.ready = now
		vq.mu.Unlock()
		if changed {
			d.notify.VringStateChanged(d.vid, i, now)
		}
	}

	if !d.Ready() {
		return
	}
	d.mu.Lock()
	if d.notified {
		d.mu.Unlock()
		return
	}
	d.notified = true
	vid, notify := d.vid, d.notify
	d.mu.Unlock()

	if err := notify.NewDevice(vid); err != nil {
		d.logger.WithError(err).Warn("new_device rejected")
		d.mu.Lock()
		d.notified = false
		d.mu.Unlock()
		return
	}
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
}

// notifyDestroyIfRunning fires DestroyDevice and clears the running/notified
// latches when a previously-notified device stops (the GET_VRING_BASE /
// RESET_DEVICE "stop" transition of §4.4, or connection teardown).
func (d *Device) notifyDestroyIfRunning() {
	d.mu.Lock()
	wasRunning := d.running
	d.running = false
	d.notified = false
	vid, notify := d.vid, d.notify
	d.mu.Unlock()
	if wasRunning {
		notify.DestroyDevice(vid)
	}
}

// recomputeFeatureDerived updates vhost_hlen and the negotiated vring count
// from d.features (§4.7 SET_FEATURES handling). Callers must hold d.mu.
func (d *Device) recomputeFeatureDerived() {
	if d.features&(1<<VirtioNetFMrgRxbuf) != 0 || d.features&(1<<FVersion1) != 0 || d.features&(1<<FRingPacked) != 0 {
		d.vhostHlen = virtioNetHdrMrgRxbufSize
	} else {
		d.vhostHlen = virtioNetHdrSize
	}
	if d.features&(1<<VirtioNetFMQ) == 0 {
		d.activeVrings = d.maxQueue
		if d.activeVrings > 2 {
			d.activeVrings = 2
		}
	} else {
		d.activeVrings = d.maxQueue
	}
}
