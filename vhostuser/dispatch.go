package vhostuser

import (
	"context"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// mutatingRequests are dispatched only after every queue's lock has been
// acquired up front (§5 "Memory-region table: never mutated while any queue
// lock is held by another thread, because the dispatcher acquires every
// queue lock before SET_MEM_TABLE"). SET_VRING_ADDR is deliberately absent:
// per the same policy it "takes only its own queue's lock for the
// ring-invalidate step", which Virtq.SetAddr already does internally —
// pre-locking here too would deadlock against it. RESET_DEVICE similarly
// drives GetBase per queue, which self-locks.
var mutatingRequests = map[uint32]bool{
	ReqSetMemTable: true,
	ReqAddMemReg:   true,
	ReqRemMemReg:   true,
	ReqSetFeatures: true,
	ReqSetLogBase:  true,
}

// Serve runs the control-plane message loop for d until the socket closes
// or ctx is cancelled. It owns the per-device goroutine group supervising
// kick handlers (§1 "errgroup supervises the per-device goroutines" — C7).
func (d *Device) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	_ = gctx

	for {
		hdr, payload, fds, err := d.c.recv()
		if err != nil {
			d.logger.WithError(err).Debug("control channel closed")
			break
		}
		d.logger.WithFields(logrus.Fields{
			"request": reqNames[hdr.Request],
			"size":    hdr.Size,
			"fds":     len(fds),
		}).Debug("rx")

		replyPayload, replyFDs, noReply, herr := d.dispatch(g, hdr.Request, payload, fds)
		d.recheckReadiness()
		if herr != nil {
			d.logger.WithError(herr).WithField("request", reqNames[hdr.Request]).Warn("request failed")
			closeFDs(fds)
			continue
		}
		closeUnconsumedFDs(hdr.Request, fds)

		if noReply && !hdr.needReply() {
			continue
		}
		if noReply && replyPayload == nil {
			// REPLY_ACK: a u64 of 0 acknowledges success.
			ack := U64Payload{}
			replyPayload = encodeLE(&ack)
		}
		hdr.makeReply()
		if err := d.c.send(hdr, replyPayload, replyFDs); err != nil {
			d.logger.WithError(err).Warn("failed to send reply")
			break
		}
	}
	return g.Wait()
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

// closeUnconsumedFDs closes fds the handler didn't take ownership of
// (SET_VRING_KICK/CALL/ERR and friends keep their fd; most others don't
// need one at all and the frontend shouldn't have sent any).
func closeUnconsumedFDs(req uint32, fds []int) {
	switch req {
	case ReqSetVringKick, ReqSetVringCall, ReqSetVringErr, ReqSetLogFD,
		ReqSetBackendReqFD, ReqSetInflightFD, ReqSetMemTable, ReqAddMemReg,
		ReqRemMemReg, ReqSetLogBase:
		return
	default:
		closeFDs(fds)
	}
}

// dispatch implements the big opcode switch (C7, from the teacher's
// Server.oneRequest, generalized to the full request vocabulary). Returns
// the reply payload/fds and whether the request is inherently replyless
// (no REPLY_ACK negotiated and no implicit reply payload).
func (d *Device) dispatch(g *errgroup.Group, req uint32, payload []byte, fds []int) ([]byte, []int, bool, error) {
	d.mu.Lock()
	if mutatingRequests[req] {
		for _, vq := range d.vqs {
			vq.mu.Lock()
		}
	}
	unlock := func() {
		if mutatingRequests[req] {
			for _, vq := range d.vqs {
				vq.mu.Unlock()
			}
		}
		d.mu.Unlock()
	}

	switch req {
	case ReqGetFeatures:
		defer unlock()
		// GET_FEATURES queries the backend's advertisement (§4.7), not the
		// currently-negotiated subset.
		p := U64Payload{Num: d.advertisedFeatures}
		return encodeLE(&p), nil, false, nil

	case ReqSetFeatures:
		defer unlock()
		var p U64Payload
		decodeLE(payload, &p)
		if p.Num&^d.advertisedFeatures != 0 {
			d.featuresFailed = true
			return nil, nil, true, errors.Errorf("SET_FEATURES: %#x not a subset of advertised %#x", p.Num, d.advertisedFeatures)
		}
		if d.running && (p.Num^d.features)&^uint64(1<<FLogAll) != 0 {
			return nil, nil, true, errors.New("SET_FEATURES: cannot change features while running, except F_LOG_ALL")
		}
		d.features = p.Num
		d.featuresFailed = false
		d.recomputeFeatureDerived()
		return nil, nil, true, nil

	case ReqSetOwner:
		defer unlock()
		d.ownerSet = true
		return nil, nil, true, nil

	case ReqResetOwner:
		defer unlock()
		// Deprecated by the frontend-side libvhost-user long ago; honored
		// here for compatibility rather than rejected (Open Question 2).
		d.logger.Warn("RESET_OWNER is deprecated")
		d.ownerSet = false
		return nil, nil, true, nil

	case ReqGetProtocolFeatures:
		defer unlock()
		p := U64Payload{Num: d.supportedProtocolFeatures()}
		return encodeLE(&p), nil, false, nil

	case ReqSetProtocolFeatures:
		defer unlock()
		var p U64Payload
		decodeLE(payload, &p)
		if p.Num&^d.supportedProtocolFeatures() != 0 {
			return nil, nil, true, errors.Errorf("SET_PROTOCOL_FEATURES: %#x not a subset of supported %#x", p.Num, d.supportedProtocolFeatures())
		}
		d.protoFeatures = p.Num
		return nil, nil, true, nil

	case ReqGetQueueNum:
		defer unlock()
		p := U64Payload{Num: uint64(d.maxQueue)}
		return encodeLE(&p), nil, false, nil

	case ReqSetMemTable:
		defer unlock()
		return nil, nil, true, d.handleSetMemTable(payload, fds)

	case ReqAddMemReg:
		defer unlock()
		return nil, nil, true, d.handleAddMemReg(payload, fds)

	case ReqRemMemReg:
		defer unlock()
		return nil, nil, true, d.handleRemMemReg(payload)

	case ReqSetLogBase:
		defer unlock()
		return d.handleSetLogBase(payload, fds)

	case ReqSetLogFD:
		defer unlock()
		closeFDs(fds)
		return nil, nil, true, nil

	case ReqSetVringNum:
		defer unlock()
		var p VhostVringState
		decodeLE(payload, &p)
		vq := d.Queue(int(p.Index))
		if vq == nil {
			return nil, nil, true, errors.Errorf("bad queue index %d", p.Index)
		}
		return nil, nil, true, vq.SetNum(int(p.Num))

	case ReqSetVringAddr:
		defer unlock()
		var a VhostVringAddr
		decodeLE(payload, &a)
		vq := d.Queue(int(a.Index))
		if vq == nil {
			return nil, nil, true, errors.Errorf("bad queue index %d", a.Index)
		}
		return nil, nil, true, vq.SetAddr(d.mem, &a)

	case ReqSetVringBase:
		defer unlock()
		var p VhostVringState
		decodeLE(payload, &p)
		vq := d.Queue(int(p.Index))
		if vq == nil {
			return nil, nil, true, errors.Errorf("bad queue index %d", p.Index)
		}
		vq.SetBase(uint16(p.Num))
		return nil, nil, true, nil

	case ReqGetVringBase:
		var p VhostVringState
		decodeLE(payload, &p)
		vq := d.Queue(int(p.Index))
		unlock()
		if vq == nil {
			return nil, nil, true, errors.Errorf("bad queue index %d", p.Index)
		}
		base := vq.GetBase(d.log)
		d.notifyDestroyIfRunning()
		reply := VhostVringState{Index: p.Index, Num: uint32(base)}
		return encodeLE(&reply), nil, false, nil

	case ReqSetVringKick:
		defer unlock()
		return nil, nil, true, d.handleSetVringFD(g, payload, fds, vqKick)

	case ReqSetVringCall:
		defer unlock()
		return nil, nil, true, d.handleSetVringFD(g, payload, fds, vqCall)

	case ReqSetVringErr:
		defer unlock()
		return nil, nil, true, d.handleSetVringFD(g, payload, fds, vqErr)

	case ReqSetVringEnable:
		defer unlock()
		var p VhostVringState
		decodeLE(payload, &p)
		vq := d.Queue(int(p.Index))
		if vq == nil {
			return nil, nil, true, errors.Errorf("bad queue index %d", p.Index)
		}
		if err := vq.SetEnable(p.Num != 0); err != nil {
			return nil, nil, true, err
		}
		if vq.Ready() {
			d.startKickLoop(g, vq)
		}
		return nil, nil, true, nil

	case ReqIOTLBMsg:
		defer unlock()
		var m VhostIotlbMsg
		decodeLE(payload, &m)
		return nil, nil, true, d.handleIOTLB(&m)

	case ReqGetConfig:
		defer unlock()
		var c VhostUserConfig
		decodeLE(payload, &c)
		if uint64(c.Offset)+uint64(c.Size) > uint64(len(d.config)) || c.Size > maxConfigSize {
			return nil, nil, true, errors.Errorf("GET_CONFIG out of range: offset %d size %d", c.Offset, c.Size)
		}
		out := c
		copy(out.Region[:out.Size], d.config[c.Offset:c.Offset+c.Size])
		return encodeLE(&out), nil, false, nil

	case ReqSetConfig:
		defer unlock()
		var c VhostUserConfig
		decodeLE(payload, &c)
		if uint64(c.Offset)+uint64(c.Size) > uint64(len(d.config)) || c.Size > maxConfigSize {
			return nil, nil, true, errors.Errorf("SET_CONFIG out of range: offset %d size %d", c.Offset, c.Size)
		}
		copy(d.config[c.Offset:c.Offset+c.Size], c.Region[:c.Size])
		return nil, nil, true, nil

	case ReqGetInflightFD:
		defer unlock()
		var p VhostUserInflight
		decodeLE(payload, &p)
		region, err := NewInflightRegion(p.NumQueues, p.QueueSize)
		if err != nil {
			return nil, nil, false, err
		}
		d.inflt = region
		d.installInflight(region, int(p.NumQueues))
		reply := region.Payload()
		return encodeLE(&reply), []int{region.FD()}, false, nil

	case ReqSetInflightFD:
		defer unlock()
		var p VhostUserInflight
		decodeLE(payload, &p)
		if len(fds) == 0 {
			return nil, nil, true, errors.New("SET_INFLIGHT_FD without an fd")
		}
		region, err := FromFD(fds[0], &p)
		if err != nil {
			return nil, nil, true, err
		}
		d.inflt = region
		d.installInflight(region, int(p.NumQueues))
		return nil, nil, true, nil

	case ReqSetBackendReqFD:
		defer unlock()
		if len(fds) == 0 {
			return nil, nil, true, errors.New("SET_BACKEND_REQ_FD without an fd")
		}
		uc, err := unixConnFromFD(fds[0])
		if err != nil {
			return nil, nil, true, err
		}
		needAck := d.protoFeatures&(1<<ProtocolFReplyAck) != 0
		d.backend = NewBackendChannel(uc, needAck, d.logger)
		return nil, nil, true, nil

	case ReqSetStatus:
		defer unlock()
		var p U64Payload
		decodeLE(payload, &p)
		d.status = uint8(p.Num)
		return nil, nil, true, nil

	case ReqGetStatus:
		defer unlock()
		p := U64Payload{Num: uint64(d.status)}
		return encodeLE(&p), nil, false, nil

	case ReqResetDevice:
		for _, vq := range d.vqs {
			vq.GetBase(d.log)
		}
		unlock()
		d.notifyDestroyIfRunning()
		return nil, nil, true, nil

	case ReqPostcopyAdvise:
		defer unlock()
		return d.handlePostcopyAdvise()

	case ReqPostcopyListen:
		defer unlock()
		return nil, nil, true, d.handlePostcopyListen()

	case ReqPostcopyEnd:
		defer unlock()
		return d.handlePostcopyEnd()

	case ReqSendRarp, ReqNetSetMTU:
		defer unlock()
		return nil, nil, true, nil

	default:
		unlock()
		return nil, nil, true, errors.Errorf("unhandled request %s (%d)", reqNames[req], req)
	}
}

func (d *Device) supportedProtocolFeatures() uint64 {
	return composeMask([]int{
		ProtocolFMQ, ProtocolFLogShmfd, ProtocolFReplyAck, ProtocolFBackendReq,
		ProtocolFConfig, ProtocolFInflightShmfd, ProtocolFResetDevice,
		ProtocolFConfigureMemSlots, ProtocolFStatus, ProtocolFPagefault,
	})
}

func (d *Device) handleSetMemTable(payload []byte, fds []int) error {
	var m VhostUserMemory
	decodeLE(payload, &m)
	if m.Nregions > memoryBaselineNRegions {
		return errors.Errorf("SET_MEM_TABLE: nregions %d exceeds maximum %d", m.Nregions, memoryBaselineNRegions)
	}
	regions := m.Regions[:m.Nregions]
	identical, err := d.mem.SetMemTable(regions, fds)
	if err != nil {
		return errors.Wrap(err, "SET_MEM_TABLE")
	}
	if identical {
		closeFDs(fds)
	}
	d.iotlb.FlushAll()
	return nil
}

func (d *Device) handleAddMemReg(payload []byte, fds []int) error {
	var m VhostUserMemRegMsg
	decodeLE(payload, &m)
	if len(fds) == 0 {
		return errors.New("ADD_MEM_REG without an fd")
	}
	return d.mem.AddRegion(fds[0], &m.Region, memoryBaselineNRegions*4)
}

func (d *Device) handleRemMemReg(payload []byte) error {
	var m VhostUserMemRegMsg
	decodeLE(payload, &m)
	return d.mem.RemoveRegion(&m.Region)
}

func (d *Device) handleSetLogBase(payload []byte, fds []int) ([]byte, []int, bool, error) {
	var p VhostUserLog
	decodeLE(payload, &p)
	if len(fds) == 0 {
		return nil, nil, true, errors.New("SET_LOG_BASE without an fd")
	}
	log, err := NewDirtyLog(fds[0], &p)
	if err != nil {
		return nil, nil, true, err
	}
	d.log = log
	// An empty u64 reply acks the new log base even without REPLY_ACK,
	// matching the teacher's handling of this one legacy exception.
	reply := U64Payload{}
	return encodeLE(&reply), nil, false, nil
}

type vqFDKind int

const (
	vqKick vqFDKind = iota
	vqCall
	vqErr
)

func (d *Device) handleSetVringFD(g *errgroup.Group, payload []byte, fds []int, kind vqFDKind) error {
	var p U64Payload
	decodeLE(payload, &p)
	vq := d.Queue(int(p.Num & 0xff))
	if vq == nil {
		return errors.Errorf("bad queue index %d", p.Num)
	}
	fd := -1
	if p.Num&u64NoFD == 0 && len(fds) > 0 {
		fd = fds[0]
	}
	switch kind {
	case vqKick:
		// SET_VRING_KICK implicitly enables the queue unless
		// VHOST_USER_F_PROTOCOL_FEATURES was negotiated (§4.4).
		implicitEnable := d.features&(1<<FProtocolFeatures) == 0
		vq.SetKick(fd, implicitEnable)
		if vq.Ready() {
			d.startKickLoop(g, vq)
		}
	case vqCall:
		vq.SetCall(fd)
	case vqErr:
		vq.SetErr(fd)
	}
	return nil
}

// installInflight attaches the per-queue inflight trackers from region to
// the first numQueues virtqueues, under each queue's own lock so a
// concurrently-running kick loop never observes a half-set pointer.
func (d *Device) installInflight(region *InflightRegion, numQueues int) {
	for i, vq := range d.vqs {
		if i >= numQueues {
			continue
		}
		vq.mu.Lock()
		vq.inflight = region.Queue(i)
		vq.mu.Unlock()
	}
}

func (d *Device) handleIOTLB(m *VhostIotlbMsg) error {
	switch m.Type {
	case IOTLBUpdate:
		d.iotlb.Insert(m.Iova, m.Uaddr, m.Size, m.Perm)
	case IOTLBInvalidate:
		d.iotlb.Remove(m.Iova, m.Size)
	}
	return nil
}

// startKickLoop spawns (once) the goroutine reading vq's kick eventfd and
// driving the handler (§4.4 "kickMe", from the teacher's device.go).
func (d *Device) startKickLoop(g *errgroup.Group, vq *Virtq) {
	if !vq.ClaimKickLoop() {
		return
	}
	g.Go(func() error {
		return d.kickLoop(vq)
	})
}

func (d *Device) kickLoop(vq *Virtq) error {
	buf := make([]byte, 8)
	for {
		kickFD := vq.kickFD
		if kickFD < 0 {
			return nil
		}
		n, err := unix.Read(kickFD, buf)
		if err != nil {
			return errors.Wrap(err, "read kick eventfd")
		}
		if n != 8 {
			return errors.Errorf("short read on kick eventfd: %d bytes", n)
		}
		for {
			elem, err := vq.PopDescriptor(d.mem)
			if err != nil {
				d.logger.WithError(err).WithField("queue", vq.Index()).Warn("pop descriptor")
				break
			}
			if elem == nil {
				break
			}
			length := 0
			if d.handler != nil {
				length = d.handler.HandleQueue(vq, elem)
			}
			vq.PushDescriptor(elem, length, d.log)
		}
		if vq.ShouldNotify() {
			d.signalCall(vq)
		}
	}
}

func (d *Device) signalCall(vq *Virtq) {
	if vq.callFD < 0 {
		return
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	unix.Write(vq.callFD, buf)
}
