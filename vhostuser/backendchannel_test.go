package vhostuser

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestBackendChannelIOTLBMissNoAck(t *testing.T) {
	backendSide, frontendSide := socketpairConns(t)
	defer backendSide.Close()
	defer frontendSide.Close()

	bc := NewBackendChannel(backendSide, false, logrus.NewEntry(logrus.StandardLogger()))

	done := make(chan error, 1)
	go func() { done <- bc.IOTLBMiss(0x4000, AccessRW) }()

	fc := newConn(frontendSide)
	hdr, payload, _, err := fc.recv()
	if err != nil {
		t.Fatalf("recv backend request: %v", err)
	}
	if hdr.Request != BackendReqIOTLBMsg {
		t.Errorf("Request = %d, want %d (IOTLB_MSG)", hdr.Request, BackendReqIOTLBMsg)
	}
	var msg VhostIotlbMsg
	decodeLE(payload, &msg)
	if msg.Iova != 0x4000 || msg.Type != IOTLBMiss {
		t.Errorf("decoded msg = %+v, want iova 0x4000 type MISS", msg)
	}

	if err := <-done; err != nil {
		t.Fatalf("IOTLBMiss (no ack negotiated) = %v, want nil", err)
	}
}

func TestBackendChannelConfigChangeWithAck(t *testing.T) {
	backendSide, frontendSide := socketpairConns(t)
	defer backendSide.Close()
	defer frontendSide.Close()

	bc := NewBackendChannel(backendSide, true, logrus.NewEntry(logrus.StandardLogger()))

	done := make(chan error, 1)
	go func() { done <- bc.ConfigChange() }()

	fc := newConn(frontendSide)
	hdr, _, _, err := fc.recv()
	if err != nil {
		t.Fatalf("recv backend request: %v", err)
	}
	if hdr.Request != BackendReqConfigChangeMsg {
		t.Errorf("Request = %d, want %d (CONFIG_CHANGE_MSG)", hdr.Request, BackendReqConfigChangeMsg)
	}
	if !hdr.needReply() {
		t.Error("request with needAck=true did not set NEED_REPLY")
	}

	ack := U64Payload{Num: 0}
	hdr.makeReply()
	if err := fc.send(hdr, encodeLE(&ack), nil); err != nil {
		t.Fatalf("send ack: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("ConfigChange (with ack) = %v, want nil", err)
	}
}
