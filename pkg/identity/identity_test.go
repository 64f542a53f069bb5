package identity

import (
	"crypto/rand"
	"testing"
)

func TestGenerateRoundTrip(t *testing.T) {
	id, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if id.Address.IsZero() {
		t.Fatalf("generated identity has zero address")
	}

	pubStr := id.String()
	parsedPub, err := Parse(pubStr)
	if err != nil {
		t.Fatalf("Parse(public): %v", err)
	}
	if !parsedPub.Equal(id) {
		t.Fatalf("public round trip mismatch")
	}
	if parsedPub.HasSecret() {
		t.Fatalf("public-only parse should not carry a secret")
	}

	secStr, err := id.SecretString()
	if err != nil {
		t.Fatalf("SecretString: %v", err)
	}
	parsedSec, err := Parse(secStr)
	if err != nil {
		t.Fatalf("Parse(secret): %v", err)
	}
	if !parsedSec.Equal(id) || !parsedSec.HasSecret() {
		t.Fatalf("secret round trip mismatch")
	}
}

func TestAddressDeterministic(t *testing.T) {
	id, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	again, err := FromPublicKey(id.Public, Address{})
	if err != nil {
		t.Fatalf("FromPublicKey: %v", err)
	}
	if again.Address != id.Address {
		t.Fatalf("address derivation is not deterministic")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	msg := []byte("hello network")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !id.Verify(msg, sig) {
		t.Fatalf("Verify failed on valid signature")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Fatalf("Verify succeeded on tampered message")
	}
}

func TestParseInvalid(t *testing.T) {
	cases := []string{"", "not-hex:0:zz", "aabbccddee:1:00"}
	for _, c := range cases {
		if _, err := Parse(c); err == nil {
			t.Fatalf("Parse(%q) unexpectedly succeeded", c)
		}
	}
}

func TestZeroScrubsSecret(t *testing.T) {
	id, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	id.Zero()
	if id.Secret != nil {
		t.Fatalf("Zero did not clear secret slice")
	}
	if id.HasSecret() {
		t.Fatalf("HasSecret true after Zero")
	}
}
