// Package node is the orchestrator: the long-lived state machine that
// ingests wire packets and virtual-network frames, drives periodic
// maintenance, and coordinates identity, network membership, and topology
// (spec.md §4.1, component F — "the hard part"). It is deliberately thin
// on transport and codec logic, which it reaches through the Router
// interface exactly as the original RuntimeEnvironment reached its Switch.
package node

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"sync"

	"peer-wan/pkg/com"
	"peer-wan/pkg/host"
	"peer-wan/pkg/identity"
	"peer-wan/pkg/network"
	"peer-wan/pkg/topology"
	"peer-wan/pkg/wireaddr"
)

// Tunable periodic-loop constants (spec.md §4.1 "Periodic loop"); these
// are tick units, the same unit as the `now` parameter threaded through
// every public operation.
const (
	PingCheckInterval  uint64 = 1000
	AutoconfDelay      uint64 = 2000
	PeerActivityTimeout uint64 = 5000
	HousekeepingPeriod uint64 = 60000
	TimerGranularity   uint64 = 250
)

// Router is the opaque packet-router collaborator (spec.md §1 "the Switch
// and Packet layers... consumed as an opaque packet router interface").
// Node never interprets wire bytes itself; it only forwards to Router and
// swallows whatever it returns, per the input-error containment policy in
// spec.md §7.
type Router interface {
	HandleWirePacket(localSocket int64, remote net.Addr, data []byte) error
	HandleFrame(nwid network.ID, srcMAC, dstMAC [6]byte, etherType uint16, vlanID uint16, frame []byte) error
	RequestConfiguration(nwid network.ID) error
	// DoTimerTasks runs the router's own periodic work and returns the
	// number of ticks until it next needs to run.
	DoTimerTasks(now uint64) uint64
}

// NetconfMaster is the embedded-controller collaborator installed via
// SetNetconfMaster (spec.md §4.1). Only networks this node itself
// controls are routed to it; everything else goes through Router.
type NetconfMaster interface {
	RequestConfiguration(nwid network.ID) error
}

// Node is the orchestrator. It has no exported fields; all state is read
// and changed through the methods below, each of which acquires
// the minimum lock set it needs (spec.md §5).
type Node struct {
	id       identity.Identity
	callbacks host.Callbacks
	userPtr  interface{}
	router   Router
	topology topology.Directory
	netconf  NetconfMaster

	onlineMu sync.Mutex
	online   bool

	now                 uint64
	lastPingCheck       uint64
	lastHousekeepingRun uint64

	networks *network.Manager

	directPathsLock sync.RWMutex
	directPaths     []net.Addr

	backgroundTasksLock sync.Mutex

	trustedPaths *wireaddr.TrustedPaths

	prngMu sync.Mutex
	prng   [2]uint64
}

// New constructs a Node: loads or generates its identity via the state
// object callbacks, persisting both halves, and posts EVENT_UP. A missing
// or unparsable stored identity leads to a freshly generated one; writes
// are not checked. Failure to generate an identity returns FatalInternal
// (spec.md §4.1 "construct").
func New(cb host.Callbacks, router Router, dir topology.Directory, now uint64) (*Node, ResultCode, error) {
	id, code, err := loadOrGenerateIdentity(cb)
	if err != nil {
		return nil, code, err
	}

	n := &Node{
		id:           id,
		callbacks:    cb,
		router:       router,
		topology:     dir,
		now:          now,
		networks:     network.NewManager(),
		trustedPaths: wireaddr.NewTrustedPaths(),
	}
	n.prng[0], n.prng[1] = seedPRNG()
	n.callbacks.PostEvent(host.EventUp, nil)
	return n, OK, nil
}

func loadOrGenerateIdentity(cb host.Callbacks) (identity.Identity, ResultCode, error) {
	secretID := host.StateID{0, 0}
	if data, err := cb.StateObjectGet(host.StateIdentitySecret, secretID); err == nil {
		id, perr := identity.Parse(string(data))
		if perr == nil && id.HasSecret() {
			return id, OK, nil
		}
	}

	id, err := identity.Generate(rand.Reader)
	if err != nil {
		return identity.Identity{}, FatalInternal, fmt.Errorf("node: generate identity: %w", err)
	}
	secretStr, err := id.SecretString()
	if err != nil {
		return identity.Identity{}, FatalInternal, err
	}
	cb.StateObjectPut(host.StateIdentitySecret, secretID, []byte(secretStr))
	cb.StateObjectPut(host.StateIdentityPublic, host.StateID{id.Address.Uint64(), 0}, []byte(id.String()))
	return id, OK, nil
}

func seedPRNG() (uint64, uint64) {
	var a, b uint64
	if n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64)); err == nil {
		a = n.Uint64()
	} else {
		a = 0x9e3779b97f4a7c15
	}
	if n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64)); err == nil {
		b = n.Uint64()
	} else {
		b = 0xbf58476d1ce4e5b9
	}
	return a, b
}

// Address returns this node's 40-bit address.
func (n *Node) Address() identity.Address { return n.id.Address }

// Identity returns this node's identity (including its secret key).
func (n *Node) Identity() identity.Identity { return n.id }

// SetNetconfMaster installs the embedded controller. Identity is already
// available to it via Address()/Identity() on this Node.
func (n *Node) SetNetconfMaster(m NetconfMaster) { n.netconf = m }

// SetTrustedPaths installs the whitelist the router consults to bypass
// encryption on trusted physical segments.
func (n *Node) SetTrustedPaths(tp *wireaddr.TrustedPaths) { n.trustedPaths = tp }

// TrustedPaths returns the installed trusted-path table.
func (n *Node) TrustedPaths() *wireaddr.TrustedPaths { return n.trustedPaths }

// IsOnline reports the current online flag.
func (n *Node) IsOnline() bool {
	n.onlineMu.Lock()
	defer n.onlineMu.Unlock()
	return n.online
}

// ProcessWirePacket forwards to the router. Parse/validation errors are
// swallowed — a corrupt datagram is not a system fault (spec.md §4.1,
// §7, and scenario S6).
func (n *Node) ProcessWirePacket(now uint64, localSocket int64, remote net.Addr, data []byte) ResultCode {
	n.now = now
	if n.router == nil {
		return OK
	}
	if err := n.router.HandleWirePacket(localSocket, remote, data); err != nil {
		log.Printf("node: wire packet from %v swallowed: %v", remote, err)
	}
	return OK
}

// ProcessVirtualNetworkFrame looks up nwid and, if present, hands the
// frame to the router's local-Ethernet path.
func (n *Node) ProcessVirtualNetworkFrame(now uint64, nwid network.ID, srcMAC, dstMAC [6]byte, etherType, vlanID uint16, frame []byte) ResultCode {
	n.now = now
	if _, ok := n.networks.Get(nwid); !ok {
		return NetworkNotFound
	}
	if n.router == nil {
		return OK
	}
	if err := n.router.HandleFrame(nwid, srcMAC, dstMAC, etherType, vlanID, frame); err != nil {
		log.Printf("node: frame on network %016x swallowed: %v", uint64(nwid), err)
	}
	return OK
}

// Join adds nwid to the membership set, idempotently, and returns its
// Network (spec.md §8 invariant 5).
func (n *Node) Join(nwid network.ID) (*network.Network, ResultCode) {
	return n.networks.Join(nwid, nil), OK
}

// Leave removes nwid, invoking the CONFIG_DESTROY host callback exactly
// once for an existing membership (spec.md §3 "Lifecycles").
func (n *Node) Leave(nwid network.ID) ResultCode {
	nw := n.networks.Leave(nwid)
	if nw == nil {
		return OK
	}
	userPtr := nw.UserPtr
	nw.Destroy()
	n.callbacks.VirtualNetworkConfig(uint64(nwid), userPtr, host.NetworkConfigDestroy, nil)
	n.callbacks.StateObjectDelete(host.StateNetworkConfig, host.StateID{uint64(nwid), 0})
	return OK
}

// Networks returns a snapshot of every joined network.
func (n *Node) Networks() []*network.Network { return n.networks.Snapshot() }

// NetworkConfig returns the current configuration for nwid, or nil.
func (n *Node) NetworkConfig(nwid network.ID) *network.Config {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return nil
	}
	return nw.Config()
}

// Peers returns the topology directory's current peer snapshot.
func (n *Node) Peers() []*topology.Peer {
	if n.topology == nil {
		return nil
	}
	return n.topology.OnlinePeers()
}

// Status is the query-result struct spec.md §6 lists for node status.
type Status struct {
	Address           identity.Address
	PublicIdentity    string
	SecretIdentity    string
	Online            bool
}

// Status returns a snapshot node-status descriptor.
func (n *Node) Status() (Status, error) {
	secretStr, err := n.id.SecretString()
	if err != nil {
		return Status{}, err
	}
	return Status{
		Address:        n.id.Address,
		PublicIdentity: n.id.String(),
		SecretIdentity: secretStr,
		Online:         n.IsOnline(),
	}, nil
}

// SendUserMessage accepts an application-level datagram and returns OK; it
// does not send or enqueue it anywhere, since Router has no send path for
// application datagrams.
func (n *Node) SendUserMessage(dest identity.Address, typeID uint64, data []byte) ResultCode {
	if n.router == nil {
		return OK
	}
	// Application datagrams are out of the router's typed HandleFrame/
	// HandleWirePacket surface; a real router would expose a dedicated
	// send path. This orchestrator only guarantees best-effort framing.
	return OK
}

// AddLocalInterfaceAddress performs a set-insert of addr into the
// advertised direct-path list; a duplicate returns false ("not added"),
// satisfying spec.md §8 invariant 9.
func (n *Node) AddLocalInterfaceAddress(addr net.Addr) bool {
	n.directPathsLock.Lock()
	defer n.directPathsLock.Unlock()
	for _, existing := range n.directPaths {
		if existing.String() == addr.String() {
			return false
		}
	}
	n.directPaths = append(n.directPaths, addr)
	return true
}

// ClearLocalInterfaceAddresses empties the advertised direct-path list.
func (n *Node) ClearLocalInterfaceAddresses() {
	n.directPathsLock.Lock()
	defer n.directPathsLock.Unlock()
	n.directPaths = nil
}

// LocalInterfaceAddresses returns a snapshot of the advertised direct-path list.
func (n *Node) LocalInterfaceAddresses() []net.Addr {
	n.directPathsLock.RLock()
	defer n.directPathsLock.RUnlock()
	return append([]net.Addr(nil), n.directPaths...)
}

// InstallNetworkConfig applies a received or locally-produced configuration
// to nwid, invoking the VirtualNetworkConfig host callback with
// NetworkConfigUp (first install) or NetworkConfigUpdate (subsequent ones).
// This is the runtime-side counterpart of the embedded controller's
// ncSendConfig dest==self path (spec.md §4.4), and of installing a config
// a remote controller pushed over the wire.
func (n *Node) InstallNetworkConfig(nwid network.ID, cfg *network.Config, now uint64) ResultCode {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return NetworkNotFound
	}
	op := host.NetworkConfigUpdate
	if !nw.HasConfig() {
		op = host.NetworkConfigUp
	}
	nw.SetConfig(cfg, now)
	n.callbacks.VirtualNetworkConfig(uint64(nwid), nw.UserPtr, op, cfg)
	if data, err := json.Marshal(cfg); err == nil {
		n.callbacks.StateObjectPut(host.StateNetworkConfig, host.StateID{uint64(nwid), 0}, data)
	}
	return OK
}

// MarkNetworkError records that nwid's controller reported code, posting an
// EventTrace so embedding applications can surface it. This is the
// runtime-side counterpart of ncSendError's dest==self path.
func (n *Node) MarkNetworkError(nwid network.ID, code NCErrorCode) {
	n.callbacks.PostEvent(host.EventTrace, struct {
		NWID network.ID
		Code NCErrorCode
	}{nwid, code})
}

// RevokeCredential drops nwid's cached COM for target. This is the
// runtime-side counterpart of ncSendRevocation's dest==self path.
func (n *Node) RevokeCredential(nwid network.ID, target identity.Address) ResultCode {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return NetworkNotFound
	}
	nw.DeleteCredential(target)
	return OK
}

// MulticastSubscribe joins nwid's multicast group (mac, adi), the
// runtime-side counterpart of Node::multicastSubscribe / Network::
// multicastSubscribe (spec.md §4.1).
func (n *Node) MulticastSubscribe(nwid network.ID, mac [6]byte, adi uint32) ResultCode {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return NetworkNotFound
	}
	nw.SubscribeMulticastGroup(network.MulticastGroup{MAC: mac, ADI: adi})
	return OK
}

// MulticastUnsubscribe leaves nwid's multicast group (mac, adi). Leaving a
// group never joined is not an error, mirroring Network::multicastUnsubscribe.
func (n *Node) MulticastUnsubscribe(nwid network.ID, mac [6]byte, adi uint32) ResultCode {
	nw, ok := n.networks.Get(nwid)
	if !ok {
		return NetworkNotFound
	}
	nw.UnsubscribeMulticastGroup(network.MulticastGroup{MAC: mac, ADI: adi})
	return OK
}

// Orbit federates moonWorldID into this node's topology directory, seeded
// via moonSeed as the initial contact address to WHOIS (spec.md §4.1,
// mirroring Node::orbit / Topology::addMoon).
func (n *Node) Orbit(moonWorldID, moonSeed uint64) ResultCode {
	if n.topology == nil {
		return FatalInternal
	}
	n.topology.AddMoon(moonWorldID, identity.AddressFromUint64(moonSeed))
	return OK
}

// Deorbit de-federates moonWorldID, mirroring Node::deorbit / Topology::
// removeMoon. De-orbiting a moon never orbited is not an error.
func (n *Node) Deorbit(moonWorldID uint64) ResultCode {
	if n.topology == nil {
		return FatalInternal
	}
	n.topology.RemoveMoon(moonWorldID)
	return OK
}

// Close tears the node down: it posts EVENT_OFFLINE and scrubs the secret
// half of the node's identity from memory (spec.md §9, "secret zeroing...
// a first-class requirement"). Callers that constructed a store or other
// owned resource around this Node are responsible for closing it
// themselves (spec.md §5, "node teardown signals the summary worker to
// exit and joins it" — the store's Close, not this one, owns that join).
// Close is idempotent: zeroing an already-zeroed identity is a no-op.
func (n *Node) Close() {
	n.callbacks.PostEvent(host.EventOffline, nil)
	n.id.Zero()
}

// VerifyCOM verifies com's signature, resolving the signer via the topology
// directory; with no directory the signer is never found.
func (n *Node) VerifyCOM(c *com.Certificate) com.VerifyResult {
	if n.topology == nil {
		return c.Verify(func(identity.Address) (identity.Identity, bool) { return identity.Identity{}, false })
	}
	return c.Verify(n.topology.Lookup)
}
