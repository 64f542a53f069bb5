// Package host is the dependency-injection boundary between the node
// runtime and everything it treats as external: sockets, persistent
// storage, the tap device, and the embedding application's event sink
// (spec.md §6 "Host callback interface"). Every callback is a plain Go
// function value rather than an interface method set, mirroring the
// "plain struct of function pointers" design note in spec.md §9; missing
// optional callbacks default to permissive behavior.
package host

import (
	"net"

	"peer-wan/pkg/identity"
)

// StateObjectType tags the kind of persisted blob in a stateObject call.
type StateObjectType int

const (
	StateIdentitySecret StateObjectType = iota
	StateIdentityPublic
	StateNetworkConfig
)

// StateID is the 2xu64 id space spec.md §6 specifies for state objects.
type StateID [2]uint64

// NetworkConfigOp is the lifecycle operation passed to VirtualNetworkConfig.
type NetworkConfigOp int

const (
	NetworkConfigUp NetworkConfigOp = iota
	NetworkConfigUpdate
	NetworkConfigDown
	NetworkConfigDestroy
)

// EventKind enumerates the postEvent payload kinds (spec.md §6).
type EventKind int

const (
	EventUp EventKind = iota
	EventOnline
	EventOffline
	EventTrace
)

// Callbacks is the vtable the node orchestrator is constructed with. Every
// field is mandatory except PathCheck, which defaults to permissive
// behavior when nil, and Event, whose nil value makes PostEvent a no-op
// (spec.md §9 "Callback vtable").
type Callbacks struct {
	StateObjectGet    func(typ StateObjectType, id StateID) ([]byte, error)
	StateObjectPut    func(typ StateObjectType, id StateID, data []byte)
	StateObjectDelete func(typ StateObjectType, id StateID)

	WirePacketSend func(localSocket int64, remote net.Addr, data []byte, ttl int) error

	VirtualNetworkFrame  func(nwid uint64, userNetPtr interface{}, srcMAC, dstMAC [6]byte, etherType uint16, vlanID uint16, frame []byte)
	VirtualNetworkConfig func(nwid uint64, userNetPtr interface{}, op NetworkConfigOp, config interface{})

	// PathCheck is optional; nil means "allow every path" (spec.md §6).
	PathCheck func(ztAddress identity.Address, localSocket int64, remote net.Addr) bool

	Event func(kind EventKind, payload interface{})
}

// allowPath evaluates cb.PathCheck, defaulting to permissive when unset.
func (cb Callbacks) allowPath(addr identity.Address, localSocket int64, remote net.Addr) bool {
	if cb.PathCheck == nil {
		return true
	}
	return cb.PathCheck(addr, localSocket, remote)
}

// AllowPath is the exported form of allowPath for callers outside the package.
func (cb Callbacks) AllowPath(addr identity.Address, localSocket int64, remote net.Addr) bool {
	return cb.allowPath(addr, localSocket, remote)
}

// PostEvent invokes cb.Event if set; it is a no-op otherwise. The node
// orchestrator uses this for every ONLINE<->OFFLINE transition and for
// EVENT_UP at construction, per spec.md §6's "postEvent must be invoked
// for every transition exactly once" requirement.
func (cb Callbacks) PostEvent(kind EventKind, payload interface{}) {
	if cb.Event != nil {
		cb.Event(kind, payload)
	}
}
