package hooks

import (
	"bytes"
	"crypto/rand"
	"sort"
	"testing"

	"peer-wan/pkg/identity"
	"peer-wan/pkg/node"
)

type recordingTransport struct {
	chunks     []ConfigChunk
	responses  []bool
	oks        []identity.Address
	revocations []RevocationEnvelope
	errors     []ErrorEnvelope
}

func (t *recordingTransport) SendConfigChunk(dest identity.Address, chunk ConfigChunk, isResponse bool) error {
	t.chunks = append(t.chunks, chunk)
	t.responses = append(t.responses, isResponse)
	return nil
}
func (t *recordingTransport) SendConfigOK(dest identity.Address, requestPacketID uint64) error {
	t.oks = append(t.oks, dest)
	return nil
}
func (t *recordingTransport) SendRevocation(dest identity.Address, env RevocationEnvelope) error {
	t.revocations = append(t.revocations, env)
	return nil
}
func (t *recordingTransport) SendNetworkError(dest identity.Address, env ErrorEnvelope) error {
	t.errors = append(t.errors, env)
	return nil
}

type recordingLocal struct {
	installedConfigs [][]byte
	revocations      []Revocation
	errorCodes       []node.NCErrorCode
}

func (l *recordingLocal) InstallLocalNetworkConfig(nwid, requestPacketID uint64, netconfig []byte) error {
	l.installedConfigs = append(l.installedConfigs, netconfig)
	return nil
}
func (l *recordingLocal) ApplyLocalRevocation(rev Revocation) error {
	l.revocations = append(l.revocations, rev)
	return nil
}
func (l *recordingLocal) MarkLocalNetworkError(nwid uint64, code node.NCErrorCode) {
	l.errorCodes = append(l.errorCodes, code)
}

func newTestNetconf(t *testing.T) (*Netconf, identity.Identity, *recordingTransport, *recordingLocal) {
	t.Helper()
	id, err := identity.Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	transport := &recordingTransport{}
	local := &recordingLocal{}
	return New(id.Address, id, transport, local, 0), id, transport, local
}

func TestNCSendConfigLocalShortCircuit(t *testing.T) {
	n, _, transport, local := newTestNetconf(t)
	if err := n.NCSendConfig(1, 0, n.Self, []byte("config")); err != nil {
		t.Fatalf("NCSendConfig: %v", err)
	}
	if len(local.installedConfigs) != 1 || string(local.installedConfigs[0]) != "config" {
		t.Fatalf("expected local install, got %v", local.installedConfigs)
	}
	if len(transport.chunks) != 0 {
		t.Fatalf("expected no chunks sent for local destination")
	}
}

func TestNCSendConfigFragmentsAndSigns(t *testing.T) {
	n, id, transport, _ := newTestNetconf(t)
	n.MTU = 256 + 10 // chunkSize = 10 bytes
	dest := identity.AddressFromUint64(0x99)

	payload := bytes.Repeat([]byte("x"), 25)
	if err := n.NCSendConfig(42, 7, dest, payload); err != nil {
		t.Fatalf("NCSendConfig: %v", err)
	}

	if len(transport.chunks) != 3 {
		t.Fatalf("expected 3 chunks for 25 bytes / 10-byte chunks, got %d", len(transport.chunks))
	}
	var reassembled []byte
	updateID := transport.chunks[0].ConfigUpdateID
	if updateID == 0 {
		t.Fatalf("expected non-zero configUpdateId")
	}
	for i, c := range transport.chunks {
		if c.NWID != 42 {
			t.Fatalf("chunk %d: NWID = %d", i, c.NWID)
		}
		if c.ConfigUpdateID != updateID {
			t.Fatalf("chunk %d: configUpdateId changed mid-transfer", i)
		}
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d: ChunkIndex = %d", i, c.ChunkIndex)
		}
		if c.TotalSize != len(payload) {
			t.Fatalf("chunk %d: TotalSize = %d, want %d", i, c.TotalSize, len(payload))
		}
		if !transport.responses[i] {
			t.Fatalf("chunk %d: expected isResponse=true since requestPacketID != 0", i)
		}
		sig := signingImage(c.NWID, c.ConfigUpdateID, uint64(c.TotalSize), uint64(c.ChunkIndex), c.ChunkBytes)
		if !id.Verify(sig, c.Signature) {
			t.Fatalf("chunk %d: signature does not verify", i)
		}
		reassembled = append(reassembled, c.ChunkBytes...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Fatalf("reassembled payload mismatch")
	}
	if len(transport.oks) != 1 || transport.oks[0] != dest {
		t.Fatalf("expected one SendConfigOK to dest, got %v", transport.oks)
	}
}

func TestNCSendConfigUnsolicitedPush(t *testing.T) {
	n, _, transport, _ := newTestNetconf(t)
	dest := identity.AddressFromUint64(0x1)
	if err := n.NCSendConfig(1, 0, dest, []byte("cfg")); err != nil {
		t.Fatalf("NCSendConfig: %v", err)
	}
	if len(transport.oks) != 0 {
		t.Fatalf("expected no SendConfigOK for requestPacketID == 0")
	}
	if len(transport.responses) != 1 || transport.responses[0] {
		t.Fatalf("expected isResponse=false for an unsolicited push")
	}
}

func TestNCSendRevocationLocalAndRemote(t *testing.T) {
	n, _, transport, local := newTestNetconf(t)
	rev := Revocation{NWID: 1, Target: identity.AddressFromUint64(2), Threshold: 100}

	if err := n.NCSendRevocation(n.Self, rev); err != nil {
		t.Fatalf("NCSendRevocation (local): %v", err)
	}
	if len(local.revocations) != 1 {
		t.Fatalf("expected local revocation applied")
	}

	dest := identity.AddressFromUint64(3)
	if err := n.NCSendRevocation(dest, rev); err != nil {
		t.Fatalf("NCSendRevocation (remote): %v", err)
	}
	if len(transport.revocations) != 1 {
		t.Fatalf("expected one envelope sent")
	}
	env := transport.revocations[0]
	if env.COMCount != 0 || env.CapabilityCount != 0 || env.TagCount != 0 || len(env.Revocations) != 1 {
		t.Fatalf("unexpected envelope shape: %+v", env)
	}
}

func TestNCSendErrorDropsZeroRequestIDForRemote(t *testing.T) {
	n, _, transport, _ := newTestNetconf(t)
	dest := identity.AddressFromUint64(5)
	if err := n.NCSendError(1, 0, dest, node.NCObjectNotFound); err != nil {
		t.Fatalf("NCSendError: %v", err)
	}
	if len(transport.errors) != 0 {
		t.Fatalf("expected silent drop for zero requestPacketID")
	}
}

func TestNCSendErrorMapsCodes(t *testing.T) {
	n, _, transport, local := newTestNetconf(t)
	dest := identity.AddressFromUint64(6)

	cases := []struct {
		in   node.NCErrorCode
		want WireErrorCode
	}{
		{node.NCObjectNotFound, WireObjNotFound},
		{node.NCInternalServerError, WireObjNotFound},
		{node.NCAccessDenied, WireNetworkAccessDenied},
	}
	for _, c := range cases {
		if err := n.NCSendError(1, 99, dest, c.in); err != nil {
			t.Fatalf("NCSendError(%v): %v", c.in, err)
		}
	}
	if len(transport.errors) != len(cases) {
		t.Fatalf("expected %d error envelopes, got %d", len(cases), len(transport.errors))
	}
	for i, c := range cases {
		if transport.errors[i].Code != c.want {
			t.Fatalf("case %d: code = %v, want %v", i, transport.errors[i].Code, c.want)
		}
	}

	if err := n.NCSendError(1, 99, n.Self, node.NCAccessDenied); err != nil {
		t.Fatalf("NCSendError (local): %v", err)
	}
	if len(local.errorCodes) != 1 || local.errorCodes[0] != node.NCAccessDenied {
		t.Fatalf("expected local error code recorded")
	}
}

func TestConfigUpdateIDsAreFreshPerTransfer(t *testing.T) {
	n, _, transport, _ := newTestNetconf(t)
	dest := identity.AddressFromUint64(9)
	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		transport.chunks = nil
		if err := n.NCSendConfig(1, 0, dest, []byte("payload")); err != nil {
			t.Fatalf("NCSendConfig: %v", err)
		}
		id := transport.chunks[0].ConfigUpdateID
		if seen[id] {
			t.Fatalf("configUpdateId %d reused across transfers", id)
		}
		seen[id] = true
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) != 5 {
		t.Fatalf("expected 5 distinct ids, got %d", len(ids))
	}
}
