// Package topology defines the peer/path directory the node runtime
// consults for upstream selection and keepalive scheduling (spec.md §4
// component D). Only the directory interface and its contract are
// specified here; the wire-level path table itself is out of scope
// (spec.md §1) and is represented only through this interface.
package topology

import (
	"math/rand"
	"net"
	"sort"
	"sync"

	"peer-wan/pkg/identity"
)

// Path is one candidate route to a peer.
type Path struct {
	LocalSocket   int64
	RemoteAddress net.Addr
	LastSend      uint64
	LastReceive   uint64
	LinkQuality   int // 0-255, higher is better
	TrustedPathID uint64
	Preferred     bool
	Expired       bool
}

// Family reports the address family of the path's remote address, or 0 if unknown.
func (p Path) Family() int {
	udp, ok := p.RemoteAddress.(*net.UDPAddr)
	if !ok || udp.IP == nil {
		return 0
	}
	if udp.IP.To4() != nil {
		return 4
	}
	return 6
}

// Peer is one node this topology directory knows a path to.
type Peer struct {
	Address       identity.Address
	Public        identity.Identity // may be zero-value if not yet resolved via WHOIS
	VersionMajor  int
	VersionMinor  int
	VersionRev    int
	Role          string
	Paths         []Path
	LastReceive   uint64
	IsUpstream    bool
}

// Directory is the contract the node orchestrator uses to drive periodic
// maintenance (spec.md §4.1 "Periodic loop", step 2) and credential
// verification (COM signer lookup). A concrete implementation owns the
// actual peer/path table; this package also ships Memory, a reference
// implementation adequate for tests and small deployments.
type Directory interface {
	// UpstreamContacts returns the current upstream set and, for each, the
	// stable endpoints that should be used to contact it directly.
	UpstreamContacts() map[identity.Address][]net.Addr
	// OnlinePeers returns a snapshot of every peer currently considered
	// active, for the family-agnostic keepalive pass.
	OnlinePeers() []*Peer
	// BestUpstream returns the current best-choice upstream peer, if any is known.
	BestUpstream() (*Peer, bool)
	// DoPingAndKeepalive reports whether the given peer has had recent
	// activity on the given address family (4 or 6; 0 means any family); if not, the caller is
	// expected to send a HELLO.
	DoPingAndKeepalive(peer *Peer, family int, now uint64) bool
	// SendHello sends a HELLO to a peer via the given address (fire and
	// forget; spec.md §5 "no per-call timeout").
	SendHello(peer *Peer, addr net.Addr, now uint64)
	// RequestWhois asks the topology/packet-router layer to resolve an
	// address to a Peer (creating a pending record); used for upstream
	// addresses without an existing Peer entry.
	RequestWhois(addr identity.Address)
	// DoPeriodicTasks runs housekeeping: expiring stale paths, pruning dead peers.
	DoPeriodicTasks(now uint64)
	// Lookup resolves an address to a known identity, for COM verification.
	Lookup(addr identity.Address) (identity.Identity, bool)
	// AmRoot reports whether this node is itself an upstream/root.
	AmRoot() bool
	// AddMoon federates worldID, seeded via an initial contact address, into
	// the root set this directory consults for upstream selection.
	AddMoon(worldID uint64, seed identity.Address)
	// RemoveMoon de-federates a previously orbited moon.
	RemoveMoon(worldID uint64)
	// Moons returns the set of currently federated moon world IDs.
	Moons() []uint64
}

// Memory is a reference, in-memory Directory implementation: an
// RWMutex-guarded map of peers, matching the concurrency shape of the
// in-memory store this module's persistence layer is built from.
type Memory struct {
	mu        sync.RWMutex
	peers     map[identity.Address]*Peer
	upstreams map[identity.Address][]net.Addr
	amRoot    bool
	rng       *rand.Rand
	moons     map[uint64]identity.Address
}

// NewMemory constructs an empty Memory directory. seed drives the
// round-robin endpoint selection used by DoPingAndKeepalive's caller.
func NewMemory(seed int64) *Memory {
	return &Memory{
		peers:     make(map[identity.Address]*Peer),
		upstreams: make(map[identity.Address][]net.Addr),
		rng:       rand.New(rand.NewSource(seed)),
		moons:     make(map[uint64]identity.Address),
	}
}

// AddMoon records worldID as federated, seeded via seed's address as the
// initial contact to WHOIS, mirroring Topology::addMoon.
func (d *Memory) AddMoon(worldID uint64, seed identity.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.moons[worldID] = seed
	if _, ok := d.peers[seed]; !ok {
		d.peers[seed] = &Peer{Address: seed, IsUpstream: true}
	} else {
		d.peers[seed].IsUpstream = true
	}
}

// RemoveMoon de-federates worldID. Removing a moon that was never added is
// not an error, mirroring Topology::removeMoon's idempotent set removal.
func (d *Memory) RemoveMoon(worldID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.moons, worldID)
}

// Moons returns a snapshot of the currently federated moon world IDs.
func (d *Memory) Moons() []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]uint64, 0, len(d.moons))
	for id := range d.moons {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetUpstreams installs the bootstrapped upstream contact set.
func (d *Memory) SetUpstreams(contacts map[identity.Address][]net.Addr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upstreams = contacts
	for addr := range contacts {
		if _, ok := d.peers[addr]; !ok {
			d.peers[addr] = &Peer{Address: addr, IsUpstream: true}
		} else {
			d.peers[addr].IsUpstream = true
		}
	}
}

// SetAmRoot marks whether this node is itself an upstream.
func (d *Memory) SetAmRoot(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.amRoot = v
}

// UpsertPeer inserts or replaces a peer record, keyed by address.
func (d *Memory) UpsertPeer(p *Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[p.Address] = p
}

func (d *Memory) UpstreamContacts() map[identity.Address][]net.Addr {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[identity.Address][]net.Addr, len(d.upstreams))
	for k, v := range d.upstreams {
		out[k] = append([]net.Addr(nil), v...)
	}
	return out
}

func (d *Memory) OnlinePeers() []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out
}

func (d *Memory) BestUpstream() (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var best *Peer
	for _, p := range d.peers {
		if !p.IsUpstream {
			continue
		}
		if best == nil || p.LastReceive > best.LastReceive {
			best = p
		}
	}
	return best, best != nil
}

// DoPingAndKeepalive reports recent activity on family; the reference
// implementation treats "recent" as any path on that family (any family
// when family is 0) having sent
// within the last keepaliveWindow ticks, mirroring Peer::doPingAndKeepalive
// in the original implementation.
func (d *Memory) DoPingAndKeepalive(peer *Peer, family int, now uint64) bool {
	const keepaliveWindow = 120
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, path := range peer.Paths {
		if family != 0 && path.Family() != family {
			continue
		}
		if now-path.LastSend < keepaliveWindow {
			return true
		}
	}
	return false
}

// SendHello is fire-and-forget; the reference implementation just stamps
// LastSend on a matching path so tests can observe that a HELLO was issued.
func (d *Memory) SendHello(peer *Peer, addr net.Addr, now uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range peer.Paths {
		if sameAddr(peer.Paths[i].RemoteAddress, addr) {
			peer.Paths[i].LastSend = now
			return
		}
	}
	peer.Paths = append(peer.Paths, Path{RemoteAddress: addr, LastSend: now})
}

func (d *Memory) RequestWhois(addr identity.Address) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[addr]; !ok {
		d.peers[addr] = &Peer{Address: addr}
	}
}

func (d *Memory) DoPeriodicTasks(now uint64) {
	const pathExpiry = 3600
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		kept := p.Paths[:0]
		for _, path := range p.Paths {
			if now-path.LastReceive < pathExpiry || path.LastReceive == 0 {
				kept = append(kept, path)
			}
		}
		p.Paths = kept
	}
}

func (d *Memory) Lookup(addr identity.Address) (identity.Identity, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.peers[addr]
	if !ok || p.Public.Address.IsZero() {
		return identity.Identity{}, false
	}
	return p.Public, true
}

func (d *Memory) AmRoot() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.amRoot
}

// RandomEndpoint picks a pseudo-random endpoint of the given family from
// endpoints, round-robin seeded by the directory's PRNG (spec.md §4.1 step
// 2, "randomly chosen stable endpoint of that family").
func (d *Memory) RandomEndpoint(endpoints []net.Addr, family int) (net.Addr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(endpoints) == 0 {
		return nil, false
	}
	start := d.rng.Intn(len(endpoints))
	for k := 0; k < len(endpoints); k++ {
		addr := endpoints[(start+k)%len(endpoints)]
		if udp, ok := addr.(*net.UDPAddr); ok {
			if family == 4 && udp.IP.To4() != nil {
				return addr, true
			}
			if family == 6 && udp.IP.To4() == nil {
				return addr, true
			}
		}
	}
	return nil, false
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}
