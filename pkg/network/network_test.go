package network

import "testing"

func TestJoinIdempotent(t *testing.T) {
	m := NewManager()
	nw1 := m.Join(1, nil)
	nw2 := m.Join(1, nil)
	if nw1 != nw2 {
		t.Fatalf("join should return the existing network on the second call")
	}
	if m.Count() != 1 {
		t.Fatalf("count = %d, want 1", m.Count())
	}
}

func TestLeaveIdempotent(t *testing.T) {
	m := NewManager()
	m.Join(1, nil)
	if m.Leave(1) == nil {
		t.Fatalf("expected non-nil network on first leave")
	}
	if m.Leave(1) != nil {
		t.Fatalf("expected nil on repeated leave")
	}
	if m.Count() != 0 {
		t.Fatalf("count = %d, want 0", m.Count())
	}
}

func TestNeedsConfig(t *testing.T) {
	m := NewManager()
	nw := m.Join(1, nil)
	if !nw.NeedsConfig(1000, 300) {
		t.Fatalf("network with no config should need config")
	}
	nw.SetConfig(&Config{NetworkID: 1}, 1000)
	if nw.NeedsConfig(1100, 300) {
		t.Fatalf("network configured 100 ticks ago with delay 300 should not need config yet")
	}
	if !nw.NeedsConfig(1400, 300) {
		t.Fatalf("network configured 400 ticks ago with delay 300 should need config")
	}
}

func TestNeedingConfigSnapshot(t *testing.T) {
	m := NewManager()
	stale := m.Join(1, nil)
	fresh := m.Join(2, nil)
	fresh.SetConfig(&Config{NetworkID: 2}, 1000)
	_ = stale

	need := m.NeedingConfig(1000, 300)
	if len(need) != 1 || need[0].ID != 1 {
		t.Fatalf("expected only network 1 to need config, got %+v", need)
	}
}

func TestCredentialCache(t *testing.T) {
	m := NewManager()
	nw := m.Join(1, nil)
	if _, ok := nw.Credential([5]byte{1}); ok {
		t.Fatalf("expected no cached credential initially")
	}
	nw.SetCredential([5]byte{1}, nil)
	if _, ok := nw.Credential([5]byte{1}); !ok {
		t.Fatalf("expected cached credential after SetCredential")
	}
}

func TestDeleteCredential(t *testing.T) {
	m := NewManager()
	nw := m.Join(1, nil)
	nw.SetCredential([5]byte{1}, nil)
	nw.DeleteCredential([5]byte{1})
	if _, ok := nw.Credential([5]byte{1}); ok {
		t.Fatalf("expected credential removed")
	}
	nw.DeleteCredential([5]byte{1}) // idempotent
}
