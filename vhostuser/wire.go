// Package vhostuser implements the backend (server) side of the vhost-user
// protocol: message framing over a UNIX socket, the virtqueue lifecycle,
// guest-memory translation, dirty-page logging, inflight tracking, and the
// slave channel. Packet processing itself (the datapath) is out of scope;
// callers supply a Handler that consumes VirtqElem descriptor chains.
package vhostuser

import (
	"fmt"
	"strconv"
	"strings"
)

// Protocol feature bits. include/standard-headers/linux/vhost_types.h
const (
	ProtocolFMQ               = 0
	ProtocolFLogShmfd         = 1
	ProtocolFRarp             = 2
	ProtocolFReplyAck         = 3
	ProtocolFNetMTU           = 4
	ProtocolFBackendReq       = 5
	ProtocolFCrossEndian      = 6
	ProtocolFCryptoSession    = 7
	ProtocolFPagefault        = 8
	ProtocolFConfig           = 9
	ProtocolFBackendSendFD    = 10
	ProtocolFHostNotifier     = 11
	ProtocolFInflightShmfd    = 12
	ProtocolFResetDevice      = 13
	ProtocolFInbandNotif     = 14
	ProtocolFConfigureMemSlots = 15
	ProtocolFStatus           = 16
	ProtocolFMax              = 17
)

var protocolFeatureNames = map[int]string{
	ProtocolFMQ:                "MQ",
	ProtocolFLogShmfd:          "LOG_SHMFD",
	ProtocolFRarp:              "RARP",
	ProtocolFReplyAck:          "REPLY_ACK",
	ProtocolFNetMTU:            "NET_MTU",
	ProtocolFBackendReq:        "BACKEND_REQ",
	ProtocolFCrossEndian:       "CROSS_ENDIAN",
	ProtocolFCryptoSession:     "CRYPTO_SESSION",
	ProtocolFPagefault:         "PAGEFAULT",
	ProtocolFConfig:            "CONFIG",
	ProtocolFBackendSendFD:     "BACKEND_SEND_FD",
	ProtocolFHostNotifier:      "HOST_NOTIFIER",
	ProtocolFInflightShmfd:     "INFLIGHT_SHMFD",
	ProtocolFResetDevice:       "RESET_DEVICE",
	ProtocolFInbandNotif:       "INBAND_NOTIFICATIONS",
	ProtocolFConfigureMemSlots: "CONFIGURE_MEM_SLOTS",
	ProtocolFStatus:            "STATUS",
}

// virtio feature bits. include/standard-headers/linux/virtio_{net,ring,config}.h
const (
	VirtioNetFCSUM          = 0
	VirtioNetFGuestCSUM     = 1
	VirtioNetFCtrlGuestOff  = 2
	VirtioNetFMTU           = 3
	VirtioNetFGuestTSO4     = 7
	VirtioNetFGuestTSO6     = 8
	VirtioNetFGuestECN      = 9
	VirtioNetFGuestUFO      = 10
	VirtioNetFHostTSO4      = 11
	VirtioNetFHostTSO6      = 12
	VirtioNetFHostECN       = 13
	VirtioNetFHostUFO       = 14
	VirtioNetFMrgRxbuf      = 15
	VirtioNetFStatus        = 16
	VirtioNetFCtrlVQ        = 17
	VirtioNetFCtrlRX        = 18
	VirtioNetFCtrlVLAN      = 19
	VirtioNetFGuestAnnounce = 21
	VirtioNetFMQ            = 22

	RingFIndirectDesc = 28
	RingFEventIdx     = 29

	FNotifyOnEmpty    = 24
	FAnyLayout        = 27
	FProtocolFeatures = 30
	FLogAll           = 26
	FVersion1         = 32
	FIOMMUPlatform    = 33
	FRingPacked       = 34
)

var featureNames = map[int]string{
	VirtioNetFCSUM:          "CSUM",
	VirtioNetFGuestCSUM:     "GUEST_CSUM",
	VirtioNetFMTU:           "MTU",
	VirtioNetFGuestTSO4:     "GUEST_TSO4",
	VirtioNetFGuestTSO6:     "GUEST_TSO6",
	VirtioNetFHostTSO4:      "HOST_TSO4",
	VirtioNetFHostTSO6:      "HOST_TSO6",
	VirtioNetFMrgRxbuf:      "MRG_RXBUF",
	VirtioNetFCtrlVQ:        "CTRL_VQ",
	VirtioNetFCtrlRX:        "CTRL_RX",
	VirtioNetFGuestAnnounce: "GUEST_ANNOUNCE",
	VirtioNetFMQ:            "MQ",
	RingFIndirectDesc:       "RING_F_INDIRECT_DESC",
	RingFEventIdx:           "RING_F_EVENT_IDX",
	FNotifyOnEmpty:          "NOTIFY_ON_EMPTY",
	FAnyLayout:              "ANY_LAYOUT",
	FProtocolFeatures:       "PROTOCOL_FEATURES",
	FLogAll:                 "LOG_ALL",
	FVersion1:               "VERSION_1",
	FIOMMUPlatform:          "IOMMU_PLATFORM",
	FRingPacked:             "RING_PACKED",
}

func maskToString(names map[int]string, mask uint64) string {
	var f []string
	for j := 0; j < 64; j++ {
		m := uint64(1) << uint(j)
		if mask&m != 0 {
			nm := names[j]
			if nm == "" {
				nm = strconv.Itoa(j)
			}
			f = append(f, nm)
		}
	}
	return strings.Join(f, ",")
}

func composeMask(bits []int) uint64 {
	var mask uint64
	for _, b := range bits {
		mask |= uint64(1) << uint(b)
	}
	return mask
}

func decomposeMask(mask uint64) []int {
	var bits []int
	for j := 0; j < 64; j++ {
		if mask&(uint64(1)<<uint(j)) != 0 {
			bits = append(bits, j)
		}
	}
	return bits
}

// Request opcodes. §6 "Request vocabulary".
const (
	ReqNone                = 0
	ReqGetFeatures         = 1
	ReqSetFeatures         = 2
	ReqSetOwner            = 3
	ReqResetOwner          = 4
	ReqSetMemTable         = 5
	ReqSetLogBase          = 6
	ReqSetLogFD            = 7
	ReqSetVringNum         = 8
	ReqSetVringAddr        = 9
	ReqSetVringBase        = 10
	ReqGetVringBase        = 11
	ReqSetVringKick        = 12
	ReqSetVringCall        = 13
	ReqSetVringErr         = 14
	ReqGetProtocolFeatures = 15
	ReqSetProtocolFeatures = 16
	ReqGetQueueNum         = 17
	ReqSetVringEnable      = 18
	ReqSendRarp            = 19
	ReqNetSetMTU           = 20
	ReqSetBackendReqFD     = 21
	ReqIOTLBMsg            = 22
	ReqGetConfig           = 24
	ReqSetConfig           = 25
	ReqPostcopyAdvise      = 28
	ReqPostcopyListen      = 29
	ReqPostcopyEnd         = 30
	ReqGetInflightFD       = 31
	ReqSetInflightFD       = 32
	ReqResetDevice         = 34
	ReqAddMemReg           = 37
	ReqRemMemReg           = 38
	ReqSetStatus           = 39
	ReqGetStatus           = 40
	ReqMax                 = 41
)

var reqNames = map[uint32]string{
	ReqNone:                "NONE",
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqResetOwner:          "RESET_OWNER",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetLogBase:          "SET_LOG_BASE",
	ReqSetLogFD:            "SET_LOG_FD",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqSendRarp:            "SEND_RARP",
	ReqNetSetMTU:           "NET_SET_MTU",
	ReqSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	ReqIOTLBMsg:            "IOTLB_MSG",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
	ReqPostcopyAdvise:      "POSTCOPY_ADVISE",
	ReqPostcopyListen:      "POSTCOPY_LISTEN",
	ReqPostcopyEnd:         "POSTCOPY_END",
	ReqGetInflightFD:       "GET_INFLIGHT_FD",
	ReqSetInflightFD:       "SET_INFLIGHT_FD",
	ReqResetDevice:         "RESET_DEVICE",
	ReqAddMemReg:           "ADD_MEM_REG",
	ReqRemMemReg:           "REM_MEM_REG",
	ReqSetStatus:           "SET_STATUS",
	ReqGetStatus:           "GET_STATUS",
}

// Slave (backend->frontend) request opcodes. §4.9.
const (
	BackendReqNone                = 0
	BackendReqIOTLBMsg            = 1
	BackendReqConfigChangeMsg     = 2
	BackendReqVringHostNotifierMsg = 3
	BackendReqMax                 = 4
)

const (
	memoryBaselineNRegions = 8
	backendMaxFDs          = 8
	maxConfigSize          = 256
)

// virtio_net_hdr sizes (include/standard-headers/linux/virtio_net.h):
// vhost_hlen is the shorter header unless MRG_RXBUF, VERSION_1, or
// RING_F_PACKED is negotiated, per §4.7.
const (
	virtioNetHdrSize         = 10
	virtioNetHdrMrgRxbufSize = 12
)

// flags word bits, §4.1 and §6.
const (
	flagsVersionMask = 0x3
	flagsReply       = 0x1 << 2
	flagsNeedReply   = 0x1 << 3
)

const protocolVersion = 1

// Header is the 12-byte wire header common to every message.
type Header struct {
	Request uint32
	Flags   uint32
	Size    uint32
}

func (h *Header) needReply() bool { return h.Flags&flagsNeedReply != 0 }

func (h *Header) makeReply() {
	h.Flags &^= flagsVersionMask | flagsNeedReply
	h.Flags |= protocolVersion | flagsReply
}

type U64Payload struct {
	Num uint64
}

func (p *U64Payload) String() string { return fmt.Sprintf("{%d}", p.Num) }

type VhostVringState struct {
	Index uint32
	Num   uint32
}

func (s *VhostVringState) String() string { return fmt.Sprintf("idx %d num %d", s.Index, s.Num) }

// vring address flags, §6 "addr".
const VringFLog = 1 << 0

type VhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

func (a *VhostVringAddr) String() string {
	return fmt.Sprintf("idx %d flags %x desc %x used %x avail %x log %x",
		a.Index, a.Flags, a.DescUserAddr, a.UsedUserAddr, a.AvailUserAddr, a.LogGuestAddr)
}

// virtio_ring.h layout structs.
const (
	VringDescFNext     = 1
	VringDescFWrite    = 2
	VringDescFIndirect = 4
)

type VringDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type VringUsedElem struct {
	ID  uint32
	Len uint32
}

type VringUsed struct {
	Flags uint16
	Idx   uint16
}

type VringAvail struct {
	Flags uint16
	Idx   uint16
}

type VhostUserMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

func (r *VhostUserMemoryRegion) String() string {
	return fmt.Sprintf("guest [0x%x,+0x%x) user %x mmapoff %x",
		r.GuestPhysAddr, r.MemorySize, r.UserAddr, r.MmapOffset)
}

type VhostUserMemory struct {
	Nregions uint32
	Padding  uint32
	Regions  [memoryBaselineNRegions]VhostUserMemoryRegion
}

type VhostUserMemRegMsg struct {
	Padding uint64
	Region  VhostUserMemoryRegion
}

type VhostUserLog struct {
	MmapSize   uint64
	MmapOffset uint64
}

type VhostUserConfig struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Region [maxConfigSize]uint8
}

type VhostUserInflight struct {
	MmapSize   uint64
	MmapOffset uint64
	NumQueues  uint16
	QueueSize  uint16
}

// IOTLB message types, §6 "iotlb".
const (
	IOTLBMiss       = 1
	IOTLBUpdate     = 2
	IOTLBInvalidate = 3
	IOTLBAccessFail = 4
	IOTLBBatchBegin = 5
	IOTLBBatchEnd   = 6
)

// Permission bits for IOTLB entries, §3 "IOTLB entry".
const (
	AccessRO = 0x1
	AccessWO = 0x2
	AccessRW = 0x3
)

type VhostIotlbMsg struct {
	Iova  uint64
	Size  uint64
	Uaddr uint64
	Perm  uint8
	Type  uint8
}

func (m *VhostIotlbMsg) String() string {
	return fmt.Sprintf("iova %x size %x uaddr %x perm %x type %d", m.Iova, m.Size, m.Uaddr, m.Perm, m.Type)
}
