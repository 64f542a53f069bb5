// Package hooks implements the embedded controller's three outward calls
// into the node runtime (spec.md §4.4): ncSendConfig, ncSendRevocation, and
// ncSendError. The wire packet format they frame is a Non-goal (spec.md §9),
// so this package frames structured envelopes and hands them to an injected
// Transport rather than serializing actual packet bytes — the same
// boundary conventionally drawn around a WireGuard peer config (built
// as a typed value and handed to pkg/wireguard's renderer/applier, never
// hand-assembled as wire bytes in pkg/api).
package hooks

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"peer-wan/pkg/identity"
	"peer-wan/pkg/node"
)

// DefaultMTU and ChunkTrailerReserve size the fragmentation used by
// ncSendConfig (spec.md §4.4: "fragments into payload-sized chunks, each
// MTU-aware; 256 bytes reserved for trailers").
const (
	DefaultMTU          = 1500
	ChunkTrailerReserve = 256
)

// SignatureType identifies the signature scheme over a ConfigChunk's bytes.
// 1 is the only defined value: ed25519 via the sending node's identity.
const SignatureTypeEd25519 = 1

// ConfigChunk is one fragment of a NETWORK_CONFIG transfer, carrying every
// field spec.md §4.4 lists.
type ConfigChunk struct {
	NWID           uint64
	ChunkLen       int
	ChunkBytes     []byte
	Flags          uint8
	ConfigUpdateID uint64
	TotalSize      int
	ChunkIndex     int
	SignatureType  uint8
	SignatureLen   int
	Signature      []byte
}

// Revocation is a single credential revocation record.
type Revocation struct {
	NWID      uint64
	Target    identity.Address
	Threshold uint64
}

// RevocationEnvelope is the NETWORK_CREDENTIALS framing spec.md §4.4
// requires: COM/capability/tag counts of zero, one revocation.
type RevocationEnvelope struct {
	COMCount        int
	CapabilityCount int
	TagCount        int
	Revocations     []Revocation
}

// WireErrorCode is the on-wire error code ncSendError maps NCErrorCode onto.
type WireErrorCode int

const (
	WireObjNotFound         WireErrorCode = 1
	WireNetworkAccessDenied WireErrorCode = 2
)

// ErrorEnvelope is delivered to a remote peer by ncSendError.
type ErrorEnvelope struct {
	NWID            uint64
	RequestPacketID uint64
	Code            WireErrorCode
}

// Transport is everything ncSendConfig/ncSendRevocation/ncSendError need
// from the node's outbound path for a non-local destination. A real
// implementation adapts this onto the node's Router the same way
// pkg/node.Router adapts onto host.Callbacks.WirePacketSend.
type Transport interface {
	SendConfigChunk(dest identity.Address, chunk ConfigChunk, isResponse bool) error
	SendConfigOK(dest identity.Address, requestPacketID uint64) error
	SendRevocation(dest identity.Address, env RevocationEnvelope) error
	SendNetworkError(dest identity.Address, env ErrorEnvelope) error
}

// LocalInstaller handles the dest == self short-circuit: installing a
// config or marking a network's error state without going out to the wire.
type LocalInstaller interface {
	InstallLocalNetworkConfig(nwid uint64, requestPacketID uint64, netconfig []byte) error
	ApplyLocalRevocation(rev Revocation) error
	MarkLocalNetworkError(nwid uint64, code node.NCErrorCode)
}

// Netconf is the embedded controller's hook set, bound to the hosting
// node's own identity (for chunk signing) and address (for the dest==self
// short-circuit).
type Netconf struct {
	Self      identity.Address
	Signer    identity.Identity
	Transport Transport
	Local     LocalInstaller
	MTU       int
}

// New constructs a Netconf hook set. mtu <= 0 selects DefaultMTU.
func New(self identity.Address, signer identity.Identity, transport Transport, local LocalInstaller, mtu int) *Netconf {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Netconf{Self: self, Signer: signer, Transport: transport, Local: local, MTU: mtu}
}

// NCSendConfig implements spec.md §4.4's ncSendConfig. netconfig is the
// already-serialized configuration dictionary (the wire encoding of a
// network.Config is outside this package's scope).
func (n *Netconf) NCSendConfig(nwid uint64, requestPacketID uint64, dest identity.Address, netconfig []byte) error {
	if dest == n.Self {
		return n.Local.InstallLocalNetworkConfig(nwid, requestPacketID, netconfig)
	}

	chunkSize := n.MTU - ChunkTrailerReserve
	if chunkSize <= 0 {
		return fmt.Errorf("hooks: MTU %d too small for trailer reserve %d", n.MTU, ChunkTrailerReserve)
	}

	updateID, err := randomNonzeroUint64()
	if err != nil {
		return fmt.Errorf("hooks: generate configUpdateId: %w", err)
	}

	total := len(netconfig)
	chunkCount := (total + chunkSize - 1) / chunkSize
	if chunkCount == 0 {
		chunkCount = 1
	}
	isResponse := requestPacketID != 0

	for i := 0; i < chunkCount; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > total {
			end = total
		}
		body := netconfig[start:end]

		sig, err := n.Signer.Sign(signingImage(nwid, updateID, uint64(total), uint64(i), body))
		if err != nil {
			return fmt.Errorf("hooks: sign chunk %d: %w", i, err)
		}

		chunk := ConfigChunk{
			NWID:           nwid,
			ChunkLen:       len(body),
			ChunkBytes:     append([]byte(nil), body...),
			Flags:          0,
			ConfigUpdateID: updateID,
			TotalSize:      total,
			ChunkIndex:     i,
			SignatureType:  SignatureTypeEd25519,
			SignatureLen:   len(sig),
			Signature:      sig,
		}
		if err := n.Transport.SendConfigChunk(dest, chunk, isResponse); err != nil {
			return fmt.Errorf("hooks: send chunk %d: %w", i, err)
		}
	}

	if isResponse {
		return n.Transport.SendConfigOK(dest, requestPacketID)
	}
	return nil
}

// signingImage builds the byte image a chunk's signature covers: enough of
// the chunk's metadata that a tampered chunk, index, or transfer cannot be
// replayed against a different position or update.
func signingImage(nwid, updateID, totalSize, chunkIndex uint64, body []byte) []byte {
	buf := make([]byte, 0, 32+len(body))
	var tmp [8]byte
	for _, v := range [4]uint64{nwid, updateID, totalSize, chunkIndex} {
		binary.BigEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	return append(buf, body...)
}

func randomNonzeroUint64() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(b[:])
		if v != 0 {
			return v, nil
		}
	}
}

// NCSendRevocation implements spec.md §4.4's ncSendRevocation.
func (n *Netconf) NCSendRevocation(dest identity.Address, rev Revocation) error {
	if dest == n.Self {
		return n.Local.ApplyLocalRevocation(rev)
	}
	env := RevocationEnvelope{Revocations: []Revocation{rev}}
	return n.Transport.SendRevocation(dest, env)
}

// NCSendError implements spec.md §4.4's ncSendError. A zero requestPacketID
// combined with a non-self destination is silently dropped: there is no
// origin packet to answer.
func (n *Netconf) NCSendError(nwid uint64, requestPacketID uint64, dest identity.Address, code node.NCErrorCode) error {
	if dest == n.Self {
		n.Local.MarkLocalNetworkError(nwid, code)
		return nil
	}
	if requestPacketID == 0 {
		return nil
	}
	return n.Transport.SendNetworkError(dest, ErrorEnvelope{
		NWID:            nwid,
		RequestPacketID: requestPacketID,
		Code:            wireErrorCode(code),
	})
}

func wireErrorCode(code node.NCErrorCode) WireErrorCode {
	switch code {
	case node.NCAccessDenied:
		return WireNetworkAccessDenied
	default: // NCObjectNotFound, NCInternalServerError
		return WireObjNotFound
	}
}
