package node

import (
	"net"
	"testing"

	"peer-wan/pkg/host"
	"peer-wan/pkg/identity"
	"peer-wan/pkg/network"
	"peer-wan/pkg/topology"
)

type stubRouter struct {
	timerDeadline uint64
	requested     []network.ID
}

func (r *stubRouter) HandleWirePacket(int64, net.Addr, []byte) error { return nil }
func (r *stubRouter) HandleFrame(network.ID, [6]byte, [6]byte, uint16, uint16, []byte) error {
	return nil
}
func (r *stubRouter) RequestConfiguration(nwid network.ID) error {
	r.requested = append(r.requested, nwid)
	return nil
}
func (r *stubRouter) DoTimerTasks(now uint64) uint64 { return r.timerDeadline }

func newTestNode(t *testing.T) (*Node, *host.InProcess, *stubRouter) {
	t.Helper()
	h := host.NewInProcess()
	router := &stubRouter{timerDeadline: 10000}
	n, code, err := New(h.Callbacks(), router, topology.NewMemory(1), 0)
	if err != nil || code != OK {
		t.Fatalf("New: %v, %v", code, err)
	}
	return n, h, router
}

// TestIdentityPersistedAcrossReconstruction implements scenario S1.
func TestIdentityPersistedAcrossReconstruction(t *testing.T) {
	h := host.NewInProcess()
	n1, code, err := New(h.Callbacks(), nil, topology.NewMemory(1), 0)
	if err != nil || code != OK {
		t.Fatalf("New: %v, %v", code, err)
	}
	addr1 := n1.Address()

	n2, code, err := New(h.Callbacks(), nil, topology.NewMemory(1), 0)
	if err != nil || code != OK {
		t.Fatalf("New (reconstruct): %v, %v", code, err)
	}
	if n2.Address() != addr1 {
		t.Fatalf("address changed across reconstruction: %v != %v", n2.Address(), addr1)
	}
}

// TestJoinLeaveLifecycle implements scenario S2.
func TestJoinLeaveLifecycle(t *testing.T) {
	n, h, _ := newTestNode(t)
	nwid := network.ID(0xdeadbeef00000001)

	if _, code := n.Join(nwid); code != OK {
		t.Fatalf("Join = %v", code)
	}
	if len(n.Networks()) != 1 {
		t.Fatalf("expected one joined network")
	}
	if cfg := n.NetworkConfig(nwid); cfg != nil {
		t.Fatalf("expected nil config before any SetConfig")
	}

	if code := n.Leave(nwid); code != OK {
		t.Fatalf("Leave = %v", code)
	}
	found := false
	for _, ev := range h.ConfigOps {
		if ev.NWID == uint64(nwid) && ev.Op == host.NetworkConfigDestroy {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a CONFIG_DESTROY event on leave")
	}
	if len(n.Networks()) != 0 {
		t.Fatalf("expected network removed after leave")
	}
}

func TestProcessWirePacketSwallowsErrors(t *testing.T) {
	n, _, _ := newTestNode(t)
	code := n.ProcessWirePacket(100, 0, &net.UDPAddr{}, []byte{0x00})
	if code != OK {
		t.Fatalf("ProcessWirePacket = %v, want OK even on garbage", code)
	}
}

func TestProcessVirtualNetworkFrameUnknownNetwork(t *testing.T) {
	n, _, _ := newTestNode(t)
	code := n.ProcessVirtualNetworkFrame(100, network.ID(1), [6]byte{}, [6]byte{}, 0, 0, nil)
	if code != NetworkNotFound {
		t.Fatalf("ProcessVirtualNetworkFrame = %v, want NetworkNotFound", code)
	}
}

// TestBackgroundTasksDeadlineFloor implements invariant 7.
func TestBackgroundTasksDeadlineFloor(t *testing.T) {
	n, _, router := newTestNode(t)
	router.timerDeadline = 0
	code, deadline := n.ProcessBackgroundTasks(1000)
	if code != OK {
		t.Fatalf("ProcessBackgroundTasks = %v", code)
	}
	if deadline < 1000+TimerGranularity {
		t.Fatalf("deadline = %d, want >= now+TimerGranularity", deadline)
	}
}

// TestBackgroundTasksRequestsConfigForStaleNetworks implements part of
// scenario S5.
func TestBackgroundTasksRequestsConfigForStaleNetworks(t *testing.T) {
	n, _, router := newTestNode(t)
	nwid := network.ID(1)
	n.Join(nwid)

	n.ProcessBackgroundTasks(PingCheckInterval)
	found := false
	for _, id := range router.requested {
		if id == nwid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected requestConfiguration for network with no config, got %v", router.requested)
	}
}

func TestAddLocalInterfaceAddressSetSemantics(t *testing.T) {
	n, _, _ := newTestNode(t)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 1}
	if !n.AddLocalInterfaceAddress(addr) {
		t.Fatalf("first add should succeed")
	}
	if n.AddLocalInterfaceAddress(addr) {
		t.Fatalf("duplicate add should return false")
	}
}

func TestOnlineTransitionPostsEventsOnce(t *testing.T) {
	n, h, _ := newTestNode(t)
	dir := topology.NewMemory(1)
	n.topology = dir
	dir.SetAmRoot(true)

	n.ProcessBackgroundTasks(PingCheckInterval)
	n.ProcessBackgroundTasks(PingCheckInterval * 2)

	onlineEvents := 0
	for _, ev := range h.Events {
		if ev.Kind == host.EventOnline {
			onlineEvents++
		}
	}
	if onlineEvents != 1 {
		t.Fatalf("expected exactly one EVENT_ONLINE across two ticks, got %d", onlineEvents)
	}
}

func TestInstallNetworkConfigUnknownNetwork(t *testing.T) {
	n, _, _ := newTestNode(t)
	code := n.InstallNetworkConfig(network.ID(1), &network.Config{}, 100)
	if code != NetworkNotFound {
		t.Fatalf("InstallNetworkConfig = %v, want NetworkNotFound", code)
	}
}

func TestInstallNetworkConfigUpThenUpdate(t *testing.T) {
	n, h, _ := newTestNode(t)
	nwid := network.ID(2)
	nw, code := n.Join(nwid)
	if code != OK {
		t.Fatalf("Join = %v", code)
	}

	if code := n.InstallNetworkConfig(nwid, &network.Config{NetworkID: nwid, Revision: 1}, 100); code != OK {
		t.Fatalf("InstallNetworkConfig (first): %v", code)
	}
	if !nw.HasConfig() {
		t.Fatalf("expected config installed")
	}

	if code := n.InstallNetworkConfig(nwid, &network.Config{NetworkID: nwid, Revision: 2}, 200); code != OK {
		t.Fatalf("InstallNetworkConfig (second): %v", code)
	}

	var ops []host.NetworkConfigOp
	for _, ev := range h.ConfigOps {
		if ev.NWID == uint64(nwid) {
			ops = append(ops, ev.Op)
		}
	}
	if len(ops) != 2 || ops[0] != host.NetworkConfigUp || ops[1] != host.NetworkConfigUpdate {
		t.Fatalf("expected [Up, Update], got %v", ops)
	}
}

func TestRevokeCredential(t *testing.T) {
	n, _, _ := newTestNode(t)
	nwid := network.ID(3)
	nw, _ := n.Join(nwid)
	target := identity.AddressFromUint64(0x42)
	nw.SetCredential(target, nil)

	if code := n.RevokeCredential(nwid, target); code != OK {
		t.Fatalf("RevokeCredential: %v", code)
	}
	if _, ok := nw.Credential(target); ok {
		t.Fatalf("expected credential removed")
	}
	if code := n.RevokeCredential(network.ID(999), target); code != NetworkNotFound {
		t.Fatalf("RevokeCredential (unknown network) = %v, want NetworkNotFound", code)
	}
}

func TestMulticastSubscribeUnsubscribe(t *testing.T) {
	n, _, _ := newTestNode(t)
	nwid := network.ID(5)
	nw, _ := n.Join(nwid)
	mac := [6]byte{1, 2, 3, 4, 5, 6}

	if code := n.MulticastSubscribe(nwid, mac, 0); code != OK {
		t.Fatalf("MulticastSubscribe: %v", code)
	}
	groups := nw.MulticastGroups()
	if len(groups) != 1 || groups[0].MAC != mac {
		t.Fatalf("expected one subscribed group, got %+v", groups)
	}

	if code := n.MulticastSubscribe(network.ID(999), mac, 0); code != NetworkNotFound {
		t.Fatalf("MulticastSubscribe (unknown network) = %v, want NetworkNotFound", code)
	}

	if code := n.MulticastUnsubscribe(nwid, mac, 0); code != OK {
		t.Fatalf("MulticastUnsubscribe: %v", code)
	}
	if len(nw.MulticastGroups()) != 0 {
		t.Fatalf("expected group removed after unsubscribe")
	}
	if code := n.MulticastUnsubscribe(nwid, mac, 0); code != OK {
		t.Fatalf("MulticastUnsubscribe (already gone) = %v, want OK", code)
	}
}

func TestOrbitDeorbit(t *testing.T) {
	n, _, _ := newTestNode(t)
	if code := n.Orbit(0x1234, 0x42); code != OK {
		t.Fatalf("Orbit: %v", code)
	}
	moons := n.topology.Moons()
	if len(moons) != 1 || moons[0] != 0x1234 {
		t.Fatalf("expected one orbited moon, got %v", moons)
	}
	if code := n.Deorbit(0x1234); code != OK {
		t.Fatalf("Deorbit: %v", code)
	}
	if len(n.topology.Moons()) != 0 {
		t.Fatalf("expected moon removed after deorbit")
	}
}

func TestCloseZeroesIdentitySecret(t *testing.T) {
	n, h, _ := newTestNode(t)
	if !n.id.HasSecret() {
		t.Fatalf("expected node to start with a secret identity")
	}
	before := len(h.Events)
	n.Close()
	if n.id.HasSecret() {
		t.Fatalf("expected secret scrubbed after Close")
	}
	if len(h.Events) != before+1 || h.Events[len(h.Events)-1].Kind != host.EventOffline {
		t.Fatalf("expected one EVENT_OFFLINE posted by Close")
	}
}

func TestMarkNetworkErrorPostsTraceEvent(t *testing.T) {
	n, h, _ := newTestNode(t)
	before := len(h.Events)
	n.MarkNetworkError(network.ID(4), NCObjectNotFound)
	if len(h.Events) != before+1 {
		t.Fatalf("expected one new event, got %d new", len(h.Events)-before)
	}
	if h.Events[len(h.Events)-1].Kind != host.EventTrace {
		t.Fatalf("expected EventTrace, got %v", h.Events[len(h.Events)-1].Kind)
	}
}
