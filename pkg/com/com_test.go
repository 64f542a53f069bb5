package com

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"peer-wan/pkg/identity"
)

func genIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestAgreementWithinDelta(t *testing.T) {
	issuedTo := identity.AddressFromUint64(0x01)
	a := New(1000, 1000, 0xdeadbeef00000001, issuedTo)
	b := New(1500, 1000, 0xdeadbeef00000001, issuedTo)
	if !a.AgreesWith(b) {
		t.Fatalf("expected agreement within timestampMaxDelta")
	}

	c := New(1000, 1000, 0xdeadbeef00000001, issuedTo)
	d := New(3000, 1000, 0xdeadbeef00000001, issuedTo)
	if c.AgreesWith(d) {
		t.Fatalf("expected disagreement beyond timestampMaxDelta")
	}
}

func TestAgreementIgnoresExtraQualifiersInOther(t *testing.T) {
	issuedTo := identity.AddressFromUint64(0x02)
	mine := New(100, 10, 42, issuedTo)
	theirs := New(105, 10, 42, issuedTo)
	theirs.SetQualifier(99, 1, 0) // qualifier unknown to mine, must be ignored
	if !mine.AgreesWith(theirs) {
		t.Fatalf("extra qualifier in other should not break agreement")
	}
}

func TestAgreementFailsOnMissingQualifier(t *testing.T) {
	issuedTo := identity.AddressFromUint64(0x03)
	mine := New(100, 10, 42, issuedTo)
	mine.SetQualifier(50, 1, 5)
	theirs := New(100, 10, 42, issuedTo) // lacks qualifier 50 entirely
	if mine.AgreesWith(theirs) {
		t.Fatalf("expected disagreement when other lacks a qualifier this cert requires")
	}
}

func TestSignVerify(t *testing.T) {
	id := genIdentity(t)
	c := New(100, 10, 1, id.Address)
	if err := c.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	lookup := func(addr identity.Address) (identity.Identity, bool) {
		if addr == id.Address {
			return identity.Identity{Address: id.Address, Public: id.Public}, true
		}
		return identity.Identity{}, false
	}
	if got := c.Verify(lookup); got != VerifyOK {
		t.Fatalf("Verify = %v, want VerifyOK", got)
	}

	c.SetQualifier(QualifierTimestamp, 200, 10)
	if got := c.Verify(lookup); got != VerifyBad {
		t.Fatalf("Verify after mutation = %v, want VerifyBad", got)
	}
}

func TestVerifyWaitingForWHOIS(t *testing.T) {
	id := genIdentity(t)
	c := New(100, 10, 1, id.Address)
	if err := c.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	unknown := func(identity.Address) (identity.Identity, bool) { return identity.Identity{}, false }
	if got := c.Verify(unknown); got != VerifyWaitingForWHOIS {
		t.Fatalf("Verify = %v, want VerifyWaitingForWHOIS", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := genIdentity(t)
	c := New(100, 10, 1, id.Address)
	c.SetQualifier(50, 7, 3)
	if err := c.Sign(id); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	encoded := c.Encode()
	decoded, err := Decode(encoded, ed25519.SignatureSize)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.SignedBy() != c.SignedBy() {
		t.Fatalf("signer mismatch after round trip")
	}
	for _, q := range c.qualifiers {
		got, ok := decoded.Qualifier(q.ID)
		if !ok || got != q {
			t.Fatalf("qualifier %d mismatch after round trip: got %+v want %+v", q.ID, got, q)
		}
	}
}

func TestDecodeRejectsOutOfOrder(t *testing.T) {
	c := New(100, 10, 1, identity.AddressFromUint64(9))
	encoded := c.Encode()
	// swap qualifier order in-place: qualifiers start at offset 3, each 24 bytes.
	first := append([]byte(nil), encoded[3:27]...)
	second := append([]byte(nil), encoded[27:51]...)
	copy(encoded[3:27], second)
	copy(encoded[27:51], first)
	if _, err := Decode(encoded, ed25519.SignatureSize); err != ErrBadEncoding {
		t.Fatalf("Decode = %v, want ErrBadEncoding", err)
	}
}

func TestDecodeRejectsOverflow(t *testing.T) {
	c := &Certificate{}
	for i := uint64(0); i < MaxQualifiers+1; i++ {
		c.qualifiers = append(c.qualifiers, Qualifier{ID: i, Value: i, MaxDelta: 0})
	}
	encoded := c.canonicalImage(identity.Address{})
	if _, err := Decode(encoded, ed25519.SignatureSize); err != ErrOverflow {
		t.Fatalf("Decode = %v, want ErrOverflow", err)
	}
}
