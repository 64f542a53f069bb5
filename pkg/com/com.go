// Package com implements the Certificate of Membership: a sorted set of
// qualifiers proving current membership in a virtual network, with
// directional agreement checking, canonical signing, and a strict decoder.
package com

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sort"

	"peer-wan/pkg/identity"
)

// Reserved qualifier IDs (spec.md §3).
const (
	QualifierTimestamp = uint64(0)
	QualifierNetworkID = uint64(1)
	QualifierIssuedTo  = uint64(2)
)

// MaxQualifiers is the maximum number of qualifiers a certificate may carry.
const MaxQualifiers = 8

// MaxDeltaUnconstrained is the maxDelta value used by the ISSUED_TO qualifier.
const MaxDeltaUnconstrained = ^uint64(0)

var (
	// ErrBadEncoding is returned by Decode when qualifier IDs are not strictly ascending.
	ErrBadEncoding = errors.New("com: qualifier ids not strictly ascending")
	// ErrOverflow is returned by Decode when more than MaxQualifiers qualifiers are present.
	ErrOverflow = errors.New("com: too many qualifiers")
	// ErrInvalidType is returned by Decode on an unrecognized leading tag byte.
	ErrInvalidType = errors.New("com: invalid encoding tag")
)

// Qualifier is one (id, value, maxDelta) tuple.
type Qualifier struct {
	ID       uint64
	Value    uint64
	MaxDelta uint64
}

// VerifyResult is the tri-state outcome of Verify.
type VerifyResult int

const (
	VerifyOK VerifyResult = iota
	VerifyWaitingForWHOIS
	VerifyBad
)

// PublicKeyLookup resolves a signer's identity by address, as the topology's
// WHOIS mechanism would. A missing entry is reported via ok=false, which
// Verify maps to VerifyWaitingForWHOIS.
type PublicKeyLookup func(signer identity.Address) (identity.Identity, bool)

// Certificate is a certificate of membership: a strictly-ascending-by-ID set
// of qualifiers plus an optional detached signature.
type Certificate struct {
	qualifiers []Qualifier
	signedBy   identity.Address
	signature  []byte
}

// New builds an unsigned certificate carrying the three required qualifiers.
func New(timestamp, timestampMaxDelta, nwid uint64, issuedTo identity.Address) *Certificate {
	c := &Certificate{}
	c.SetQualifier(QualifierTimestamp, timestamp, timestampMaxDelta)
	c.SetQualifier(QualifierNetworkID, nwid, 0)
	c.SetQualifier(QualifierIssuedTo, issuedTo.Uint64(), MaxDeltaUnconstrained)
	return c
}

// SetQualifier adds or updates a qualifier, keeping the set sorted by ID, and
// invalidates any existing signature.
func (c *Certificate) SetQualifier(id, value, maxDelta uint64) {
	for i := range c.qualifiers {
		if c.qualifiers[i].ID == id {
			c.qualifiers[i].Value = value
			c.qualifiers[i].MaxDelta = maxDelta
			c.invalidateSignature()
			return
		}
	}
	c.qualifiers = append(c.qualifiers, Qualifier{ID: id, Value: value, MaxDelta: maxDelta})
	sort.Slice(c.qualifiers, func(i, j int) bool { return c.qualifiers[i].ID < c.qualifiers[j].ID })
	c.invalidateSignature()
}

func (c *Certificate) invalidateSignature() {
	c.signedBy = identity.Address{}
	c.signature = nil
}

// Qualifier returns the qualifier with the given ID, if present.
func (c *Certificate) Qualifier(id uint64) (Qualifier, bool) {
	for _, q := range c.qualifiers {
		if q.ID == id {
			return q, true
		}
	}
	return Qualifier{}, false
}

// Timestamp returns the TIMESTAMP qualifier's value, or 0 if absent.
func (c *Certificate) Timestamp() uint64 {
	q, _ := c.Qualifier(QualifierTimestamp)
	return q.Value
}

// NetworkID returns the NETWORK_ID qualifier's value, or 0 if absent.
func (c *Certificate) NetworkID() uint64 {
	q, _ := c.Qualifier(QualifierNetworkID)
	return q.Value
}

// IssuedTo returns the ISSUED_TO qualifier's value as an Address.
func (c *Certificate) IssuedTo() identity.Address {
	q, _ := c.Qualifier(QualifierIssuedTo)
	return identity.AddressFromUint64(q.Value)
}

// IsSigned reports whether the certificate carries a signature.
func (c *Certificate) IsSigned() bool {
	return !c.signedBy.IsZero()
}

// SignedBy returns the signer's address, or the zero address if unsigned.
func (c *Certificate) SignedBy() identity.Address {
	return c.signedBy
}

// AgreesWith implements the directional agreement relation (spec.md §4.2):
// for every qualifier in c, there must be a qualifier in other with the same
// ID whose value differs from c's by no more than c's maxDelta. Qualifiers
// present in other but absent from c are ignored. The comparison uses
// max(a,b)-min(a,b) rather than raw subtraction to avoid unsigned
// wraparound (see DESIGN.md).
func (c *Certificate) AgreesWith(other *Certificate) bool {
	for _, mine := range c.qualifiers {
		theirs, ok := other.Qualifier(mine.ID)
		if !ok {
			return false
		}
		lo, hi := mine.Value, theirs.Value
		if lo > hi {
			lo, hi = hi, lo
		}
		if hi-lo > mine.MaxDelta {
			return false
		}
	}
	return true
}

// canonicalImage builds the byte image that is signed and verified: tag 0x01
// followed by the qualifier count and each qualifier's three u64 fields, in
// sorted order, followed by the signer's address.
func (c *Certificate) canonicalImage(signer identity.Address) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(1)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(c.qualifiers)))
	buf.Write(countBuf[:])
	var u64buf [8]byte
	for _, q := range c.qualifiers {
		binary.BigEndian.PutUint64(u64buf[:], q.ID)
		buf.Write(u64buf[:])
		binary.BigEndian.PutUint64(u64buf[:], q.Value)
		buf.Write(u64buf[:])
		binary.BigEndian.PutUint64(u64buf[:], q.MaxDelta)
		buf.Write(u64buf[:])
	}
	buf.Write(signer[:])
	return buf.Bytes()
}

// Sign signs the certificate with with's secret key.
func (c *Certificate) Sign(with identity.Identity) error {
	img := c.canonicalImage(with.Address)
	sig, err := with.Sign(img)
	if err != nil {
		return err
	}
	c.signedBy = with.Address
	c.signature = sig
	return nil
}

// Verify recomputes the canonical image and validates the signature against
// the signer's public key, resolved via lookup. Returns VerifyWaitingForWHOIS
// if the signer is unknown, VerifyBad on cryptographic failure, VerifyOK
// otherwise.
func (c *Certificate) Verify(lookup PublicKeyLookup) VerifyResult {
	if !c.IsSigned() {
		return VerifyBad
	}
	signerID, ok := lookup(c.signedBy)
	if !ok {
		return VerifyWaitingForWHOIS
	}
	img := c.canonicalImage(c.signedBy)
	if !signerID.Verify(img, c.signature) {
		return VerifyBad
	}
	return VerifyOK
}

// Encode serializes the certificate to its wire form: tag, qualifier count,
// qualifiers, signer address, and signature (only present when signed).
func (c *Certificate) Encode() []byte {
	buf := &bytes.Buffer{}
	buf.Write(c.canonicalImage(c.signedBy))
	if c.IsSigned() {
		buf.Write(c.signature)
	}
	return buf.Bytes()
}

// Decode parses the wire form produced by Encode. Qualifier IDs must be
// strictly ascending, and no more than MaxQualifiers may be present. An
// all-zero signer address is treated as "unsigned" and must not carry a
// trailing signature.
func Decode(b []byte, signatureSize int) (*Certificate, error) {
	if len(b) < 3 {
		return nil, ErrInvalidType
	}
	if b[0] != 1 {
		return nil, ErrInvalidType
	}
	p := 1
	numQ := int(binary.BigEndian.Uint16(b[p:]))
	p += 2

	c := &Certificate{}
	var lastID uint64
	first := true
	for i := 0; i < numQ; i++ {
		if p+24 > len(b) {
			return nil, ErrInvalidType
		}
		id := binary.BigEndian.Uint64(b[p:])
		value := binary.BigEndian.Uint64(b[p+8:])
		maxDelta := binary.BigEndian.Uint64(b[p+16:])
		p += 24
		if !first && id <= lastID {
			return nil, ErrBadEncoding
		}
		first = false
		lastID = id
		if len(c.qualifiers) >= MaxQualifiers {
			return nil, ErrOverflow
		}
		c.qualifiers = append(c.qualifiers, Qualifier{ID: id, Value: value, MaxDelta: maxDelta})
	}

	if p+identity.AddressSize > len(b) {
		return nil, ErrInvalidType
	}
	var signer identity.Address
	copy(signer[:], b[p:p+identity.AddressSize])
	p += identity.AddressSize
	c.signedBy = signer

	if !signer.IsZero() {
		if p+signatureSize > len(b) {
			return nil, ErrInvalidType
		}
		c.signature = append([]byte(nil), b[p:p+signatureSize]...)
	}

	return c, nil
}
