package host

import (
	"fmt"
	"net"
	"sync"

	"peer-wan/pkg/identity"
)

// InProcess is a reference host: state objects live in a guarded map,
// wire sends and virtual-network frames are recorded for inspection, and
// events are appended to a log. It is adequate for tests and for running
// multiple nodes in one process (spec.md's test scenarios S1/S2/S6).
type InProcess struct {
	mu sync.Mutex

	state map[stateKey][]byte

	SentPackets []SentPacket
	SentFrames  []SentFrame
	Events      []RecordedEvent
	ConfigOps   []RecordedConfigOp

	PathCheckFn func(addr identity.Address, localSocket int64, remote net.Addr) bool
}

type stateKey struct {
	typ StateObjectType
	id  StateID
}

// SentPacket records one WirePacketSend invocation.
type SentPacket struct {
	LocalSocket int64
	Remote      net.Addr
	Data        []byte
	TTL         int
}

// SentFrame records one VirtualNetworkFrame invocation.
type SentFrame struct {
	NWID      uint64
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16
	VLANID    uint16
	Frame     []byte
}

// RecordedEvent records one PostEvent invocation.
type RecordedEvent struct {
	Kind    EventKind
	Payload interface{}
}

// RecordedConfigOp records one VirtualNetworkConfig invocation.
type RecordedConfigOp struct {
	NWID   uint64
	Op     NetworkConfigOp
	Config interface{}
}

// NewInProcess constructs an empty in-memory host.
func NewInProcess() *InProcess {
	return &InProcess{state: make(map[stateKey][]byte)}
}

// Callbacks returns the Callbacks vtable bound to this InProcess instance.
func (h *InProcess) Callbacks() Callbacks {
	return Callbacks{
		StateObjectGet:       h.stateObjectGet,
		StateObjectPut:       h.stateObjectPut,
		StateObjectDelete:    h.stateObjectDelete,
		WirePacketSend:       h.wirePacketSend,
		VirtualNetworkFrame:  h.virtualNetworkFrame,
		VirtualNetworkConfig: h.virtualNetworkConfig,
		PathCheck:            h.pathCheck,
		Event:                h.event,
	}
}

func (h *InProcess) stateObjectGet(typ StateObjectType, id StateID) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.state[stateKey{typ, id}]
	if !ok {
		return nil, fmt.Errorf("host: no state object %v/%v", typ, id)
	}
	return append([]byte(nil), data...), nil
}

func (h *InProcess) stateObjectPut(typ StateObjectType, id StateID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state[stateKey{typ, id}] = append([]byte(nil), data...)
}

func (h *InProcess) stateObjectDelete(typ StateObjectType, id StateID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.state, stateKey{typ, id})
}

func (h *InProcess) wirePacketSend(localSocket int64, remote net.Addr, data []byte, ttl int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SentPackets = append(h.SentPackets, SentPacket{localSocket, remote, append([]byte(nil), data...), ttl})
	return nil
}

func (h *InProcess) virtualNetworkFrame(nwid uint64, _ interface{}, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.SentFrames = append(h.SentFrames, SentFrame{nwid, srcMAC, dstMAC, etherType, vlanID, append([]byte(nil), frame...)})
}

func (h *InProcess) virtualNetworkConfig(nwid uint64, _ interface{}, op NetworkConfigOp, config interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ConfigOps = append(h.ConfigOps, RecordedConfigOp{nwid, op, config})
}

func (h *InProcess) pathCheck(addr identity.Address, localSocket int64, remote net.Addr) bool {
	if h.PathCheckFn == nil {
		return true
	}
	return h.PathCheckFn(addr, localSocket, remote)
}

func (h *InProcess) event(kind EventKind, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Events = append(h.Events, RecordedEvent{kind, payload})
}
