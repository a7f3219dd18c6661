package vhostuser

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BackendChannel is the reverse-direction (backend->frontend) channel
// installed by SET_BACKEND_REQ_FD (§4.9, C9): IOTLB misses, config-change
// notifications, and host-notifier region updates all flow over it, each
// followed by an ack reply from the frontend when REPLY_ACK was negotiated.
type BackendChannel struct {
	mu      sync.Mutex
	c       *conn
	needAck bool
	log     *logrus.Entry
}

// NewBackendChannel wraps the fd delivered with SET_BACKEND_REQ_FD.
func NewBackendChannel(uc *net.UnixConn, needAck bool, log *logrus.Entry) *BackendChannel {
	return &BackendChannel{c: newConn(uc), needAck: needAck, log: log}
}

func (b *BackendChannel) request(req uint32, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	hdr := Header{Request: req}
	if b.needAck {
		hdr.Flags |= flagsNeedReply
	}
	hdr.Flags |= protocolVersion

	if err := b.c.send(hdr, payload, nil); err != nil {
		return errors.Wrapf(err, "send backend request %s", backendReqName(req))
	}
	if !b.needAck {
		return nil
	}
	replyHdr, replyPayload, _, err := b.c.recv()
	if err != nil {
		return errors.Wrap(err, "read backend request ack")
	}
	if len(replyPayload) < 8 {
		return errors.New("backend ack payload too short")
	}
	var ack U64Payload
	decodeLE(replyPayload, &ack)
	if ack.Num != 0 {
		b.log.WithField("request", backendReqName(req)).Warn("frontend rejected backend request")
	}
	_ = replyHdr
	return nil
}

// IOTLBMiss sends SLAVE_IOTLB_MSG with type MISS, asking the frontend to
// supply a translation for iova (§4.3 scenario 4, §4.9).
func (b *BackendChannel) IOTLBMiss(iova uint64, perm uint8) error {
	msg := VhostIotlbMsg{Iova: iova, Perm: perm, Type: IOTLBMiss}
	return b.request(BackendReqIOTLBMsg, encodeLE(&msg))
}

// ConfigChange sends SLAVE_CONFIG_CHANGE_MSG, notifying the frontend that
// the device's virtio config space changed out of band.
func (b *BackendChannel) ConfigChange() error {
	return b.request(BackendReqConfigChangeMsg, nil)
}

// VringHostNotifier sends SLAVE_VRING_HOST_NOTIFIER_MSG for queue idx as a
// vring state whose Num is 1 when enable is set (notifier installed) and 0
// otherwise (notifier removed); no mmap area is carried.
func (b *BackendChannel) VringHostNotifier(idx uint32, enable bool) error {
	state := VhostVringState{Index: idx}
	if enable {
		state.Num = 1
	}
	return b.request(BackendReqVringHostNotifierMsg, encodeLE(&state))
}

func backendReqName(req uint32) string {
	switch req {
	case BackendReqIOTLBMsg:
		return "IOTLB_MSG"
	case BackendReqConfigChangeMsg:
		return "CONFIG_CHANGE_MSG"
	case BackendReqVringHostNotifierMsg:
		return "VRING_HOST_NOTIFIER_MSG"
	default:
		return "UNKNOWN"
	}
}
