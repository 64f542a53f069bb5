package store

import (
	"errors"
	"testing"
	"time"
)

// failingBackend wraps a MemoryBackend but always fails writes, used to
// verify the shadow still updates on a persistence error.
type failingBackend struct {
	*MemoryBackend
}

func (b *failingBackend) SaveNetwork(rec NetworkRecord) error {
	return errors.New("write failed")
}

func (b *failingBackend) SaveNetworkMember(rec MemberRecord) error {
	return errors.New("write failed")
}

func TestMemoryBackendSaveAndGet(t *testing.T) {
	b := NewMemoryBackend()
	<-b.Ready()
	if err := b.SaveNetwork(NetworkRecord{NWID: 1}); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	rec, ok, err := b.GetNetwork(1)
	if err != nil || !ok || rec.NWID != 1 {
		t.Fatalf("GetNetwork = %+v, %v, %v", rec, ok, err)
	}
}

func TestGetNetworkAndMemberTriState(t *testing.T) {
	s := New(NewMemoryBackend(), 0)
	defer s.Close()

	state, _, _, err := s.GetNetworkAndMember(1, 1)
	if err != nil || state != LookupNone {
		t.Fatalf("state = %v, want LookupNone", state)
	}

	if err := s.SaveNetwork(NetworkRecord{NWID: 1}); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	state, _, _, err = s.GetNetworkAndMember(1, 1)
	if err != nil || state != LookupNetworkOnly {
		t.Fatalf("state = %v, want LookupNetworkOnly", state)
	}

	if err := s.SaveNetworkMember(MemberRecord{NWID: 1, MID: 1, Authorized: true}); err != nil {
		t.Fatalf("SaveNetworkMember: %v", err)
	}
	state, _, _, err = s.GetNetworkAndMember(1, 1)
	if err != nil || state != LookupBoth {
		t.Fatalf("state = %v, want LookupBoth", state)
	}
}

// TestSummaryRecompute implements scenario S4: three members, two
// authorized (one recently active), one deauthorized at t=5000.
func TestSummaryRecompute(t *testing.T) {
	s := New(NewMemoryBackend(), 1000)
	defer s.Close()

	if err := s.SaveNetwork(NetworkRecord{NWID: 0xdeadbeef00000001}); err != nil {
		t.Fatalf("SaveNetwork: %v", err)
	}
	nwid := uint64(0xdeadbeef00000001)
	SetClock(6000)

	members := []MemberRecord{
		{NWID: nwid, MID: 1, Authorized: true, RecentLog: []MemberLogEntry{{Timestamp: 5900}}},
		{NWID: nwid, MID: 2, Authorized: true},
		{NWID: nwid, MID: 3, Authorized: false, LastDeauthorizedTime: 5000},
	}
	for _, m := range members {
		if err := s.SaveNetworkMember(m); err != nil {
			t.Fatalf("SaveNetworkMember: %v", err)
		}
	}

	var sum Summary
	for i := 0; i < 1000; i++ {
		if got, ok := s.GetNetworkSummaryInfo(nwid); ok {
			sum = got
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sum.Total != 3 || sum.Authorized != 2 || sum.Active != 1 || sum.MostRecentDeauthTime != 5000 {
		t.Fatalf("summary = %+v, want {Total:3 Authorized:2 Active:1 MostRecentDeauthTime:5000}", sum)
	}
}

// TestSaveNetworkUpdatesShadowDespiteBackendError implements spec.md §7:
// a transient persistence fault must not stall the in-memory shadow.
func TestSaveNetworkUpdatesShadowDespiteBackendError(t *testing.T) {
	s := New(&failingBackend{NewMemoryBackend()}, 0)
	defer s.Close()

	if err := s.SaveNetwork(NetworkRecord{NWID: 1, Private: true}); err == nil {
		t.Fatalf("expected backend error to propagate")
	}
	s.storeLock.RLock()
	rec, ok := s.shadow[1]
	s.storeLock.RUnlock()
	if !ok || !rec.Private {
		t.Fatalf("expected shadow updated despite backend error, got %+v, %v", rec, ok)
	}

	if err := s.SaveNetworkMember(MemberRecord{NWID: 1, MID: 2}); err == nil {
		t.Fatalf("expected backend error to propagate")
	}
	s.summaryLock.Lock()
	_, pending := s.pending[1]
	s.summaryLock.Unlock()
	if !pending {
		t.Fatalf("expected recompute scheduled despite backend error")
	}
}

func TestEraseNetworkCascadesMembers(t *testing.T) {
	b := NewMemoryBackend()
	b.SaveNetwork(NetworkRecord{NWID: 1})
	b.SaveNetworkMember(MemberRecord{NWID: 1, MID: 1})
	if _, err := b.EraseNetwork(1); err != nil {
		t.Fatalf("EraseNetwork: %v", err)
	}
	members, _ := b.ListMembers(1)
	if len(members) != 0 {
		t.Fatalf("expected members to cascade-delete, got %d", len(members))
	}
}

func TestComputeSummaryAllocatedIPsSorted(t *testing.T) {
	sum := computeSummary([]MemberRecord{
		{MID: 1, Authorized: true, IPAssignments: []string{"10.0.0.9"}},
		{MID: 2, Authorized: true, IPAssignments: []string{"10.0.0.1"}},
	}, 0, 1000)
	if len(sum.AllocatedIPs) != 2 || sum.AllocatedIPs[0] != "10.0.0.1" {
		t.Fatalf("allocated ips not sorted: %v", sum.AllocatedIPs)
	}
}
