package vhostuser

import (
	"context"
	"testing"
	"time"
)

// request sends req/payload over client and returns the decoded reply
// payload, mirroring the small round-trip helper the teacher's server tests
// use instead of a full frontend implementation.
func request(t *testing.T, client *conn, req uint32, payload []byte, needReply bool) []byte {
	t.Helper()
	hdr := Header{Request: req, Flags: protocolVersion}
	if needReply {
		hdr.Flags |= flagsNeedReply
	}
	if err := client.send(hdr, payload, nil); err != nil {
		t.Fatalf("send %s: %v", reqNames[req], err)
	}
	replyHdr, replyPayload, _, err := client.recv()
	if err != nil {
		t.Fatalf("recv reply to %s: %v", reqNames[req], err)
	}
	if replyHdr.Flags&flagsReply == 0 {
		t.Fatalf("reply to %s missing the REPLY flag", reqNames[req])
	}
	return replyPayload
}

func newTestDevice(t *testing.T) (*Device, *conn, func()) {
	t.Helper()
	serverConn, clientConn := socketpairConns(t)

	dev := NewDevice(serverConn, "test-dev", 2, nil, nil)
	done := make(chan error, 1)
	go func() { done <- dev.Serve(context.Background()) }()

	cleanup := func() {
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Device.Serve did not return after the client closed")
		}
	}
	return dev, newConn(clientConn), cleanup
}

func TestDispatchGetSetFeatures(t *testing.T) {
	dev, client, cleanup := newTestDevice(t)
	defer cleanup()

	// GET_FEATURES reports the backend's advertisement (§4.7), not whatever
	// was last negotiated, and that doesn't change across a SET_FEATURES.
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)
	if got.Num != dev.advertisedFeatures {
		t.Errorf("GET_FEATURES = %#x, want the advertised mask %#x", got.Num, dev.advertisedFeatures)
	}

	p := U64Payload{Num: 1 << FVersion1}
	if err := client.send(Header{Request: ReqSetFeatures, Flags: protocolVersion | flagsNeedReply}, encodeLE(&p), nil); err != nil {
		t.Fatalf("send SET_FEATURES: %v", err)
	}
	ackHdr, ackPayload, _, err := client.recv()
	if err != nil {
		t.Fatalf("recv SET_FEATURES ack: %v", err)
	}
	if ackHdr.Flags&flagsReply == 0 {
		t.Fatal("SET_FEATURES ack missing REPLY flag")
	}
	var ack U64Payload
	decodeLE(ackPayload, &ack)
	if ack.Num != 0 {
		t.Errorf("SET_FEATURES ack = %d, want 0 (success)", ack.Num)
	}

	reply = request(t, client, ReqGetFeatures, nil, false)
	decodeLE(reply, &got)
	if got.Num != dev.advertisedFeatures {
		t.Errorf("GET_FEATURES after SET_FEATURES = %#x, want the advertised mask unchanged %#x", got.Num, dev.advertisedFeatures)
	}
	if dev.features != 1<<FVersion1 {
		t.Errorf("negotiated features = %#x, want %#x", dev.features, uint64(1)<<FVersion1)
	}
}

func TestDispatchSetFeaturesRejectsBitOutsideAdvertisement(t *testing.T) {
	dev, client, cleanup := newTestDevice(t)
	defer cleanup()

	// Bit 63 is not in defaultAdvertisedFeatures.
	p := U64Payload{Num: 1 << 63}
	if err := client.send(Header{Request: ReqSetFeatures, Flags: protocolVersion | flagsNeedReply}, encodeLE(&p), nil); err != nil {
		t.Fatalf("send SET_FEATURES: %v", err)
	}
	// Out-of-mask SET_FEATURES is a handler error; the dispatcher's
	// established convention logs and drops rather than ack'ing (B5).
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)

	dev.mu.Lock()
	failed, features := dev.featuresFailed, dev.features
	dev.mu.Unlock()
	if !failed {
		t.Error("featuresFailed = false, want true after an out-of-mask SET_FEATURES")
	}
	if features == 1<<63 {
		t.Error("features was updated despite failing the subset check")
	}
}

func TestDispatchSetFeaturesRejectedWhileRunning(t *testing.T) {
	dev, client, cleanup := newTestDevice(t)
	defer cleanup()

	dev.mu.Lock()
	dev.features = 1 << FVersion1
	dev.running = true
	dev.mu.Unlock()

	p := U64Payload{Num: (1 << FVersion1) | (1 << VirtioNetFMrgRxbuf)}
	if err := client.send(Header{Request: ReqSetFeatures, Flags: protocolVersion | flagsNeedReply}, encodeLE(&p), nil); err != nil {
		t.Fatalf("send SET_FEATURES: %v", err)
	}
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)

	dev.mu.Lock()
	features := dev.features
	dev.mu.Unlock()
	if features != 1<<FVersion1 {
		t.Errorf("features = %#x, want unchanged %#x (reject while running)", features, uint64(1)<<FVersion1)
	}
}

func TestDispatchSetVringNumBadIndex(t *testing.T) {
	_, client, cleanup := newTestDevice(t)
	defer cleanup()

	p := VhostVringState{Index: 99, Num: 256}
	if err := client.send(Header{Request: ReqSetVringNum, Flags: protocolVersion | flagsNeedReply}, encodeLE(&p), nil); err != nil {
		t.Fatalf("send SET_VRING_NUM: %v", err)
	}
	// the dispatcher logs and drops malformed/erroring requests rather than
	// replying; the connection should stay open for the next request.
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)
}

func TestDispatchGetConfigOutOfRangeRejected(t *testing.T) {
	_, client, cleanup := newTestDevice(t)
	defer cleanup()

	c := VhostUserConfig{Offset: 0, Size: maxConfigSize + 1}
	if err := client.send(Header{Request: ReqGetConfig, Flags: protocolVersion | flagsNeedReply}, encodeLE(&c), nil); err != nil {
		t.Fatalf("send GET_CONFIG: %v", err)
	}
	// malformed GET_CONFIG gets no reply (handler error); confirm the
	// connection is still alive for a subsequent well-formed request.
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)
}

func TestDispatchSetVringNumWithoutReplyAck(t *testing.T) {
	_, client, cleanup := newTestDevice(t)
	defer cleanup()

	p := VhostVringState{Index: 0, Num: 256}
	if err := client.send(Header{Request: ReqSetVringNum, Flags: protocolVersion}, encodeLE(&p), nil); err != nil {
		t.Fatalf("send SET_VRING_NUM: %v", err)
	}
	// SET_VRING_NUM has no implicit reply when REPLY_ACK isn't negotiated;
	// confirm GET_FEATURES still round-trips after it.
	reply := request(t, client, ReqGetFeatures, nil, false)
	var got U64Payload
	decodeLE(reply, &got)
}
