// Package network holds the node-side view of virtual network membership:
// the per-network runtime state a Node keeps for each network it has
// joined, its credential cache, and the guarded map of all such networks
// (spec.md §3 "Network runtime state" and §4.1 join/leave).
package network

import (
	"encoding/json"
	"sort"
	"sync"

	"peer-wan/pkg/com"
	"peer-wan/pkg/identity"
)

// ID is a 64-bit virtual network identifier; its high 40 bits equal the
// address of the issuing controller node.
type ID uint64

// ControllerAddress returns the controller address encoded in the high bits of nwid.
func (id ID) ControllerAddress() identity.Address {
	return identity.AddressFromUint64(uint64(id) >> 24)
}

// Config is the authoritative, mostly-opaque network configuration as
// received from a controller. The runtime only reads the fields below;
// everything else travels in Raw untouched.
type Config struct {
	NetworkID ID              `json:"networkId"`
	Revision  uint64          `json:"revision"`
	Private   bool            `json:"private"`
	MTU       int             `json:"mtu"`
	Raw       json.RawMessage `json:"-"`
}

// MulticastGroup identifies a multicast group within a network: an
// Ethernet MAC plus an additional distinguishing identifier (ADI), mirroring
// MulticastGroup in the original implementation.
type MulticastGroup struct {
	MAC [6]byte
	ADI uint32
}

// Network is one virtual network a Node has joined. It is not safe for
// concurrent use on its own; callers reach it only through Manager, which
// serializes access via networksLock.
type Network struct {
	ID               ID
	UserPtr          interface{}
	config           *Config
	lastConfigUpdate uint64 // host time (spec ticks), 0 == never configured
	destroyed        bool

	comMu sync.RWMutex
	coms  map[identity.Address]*com.Certificate // credential cache, keyed by peer address

	mcMu    sync.RWMutex
	mcGroups map[MulticastGroup]bool
}

func newNetwork(id ID, userPtr interface{}) *Network {
	return &Network{
		ID:       id,
		UserPtr:  userPtr,
		coms:     make(map[identity.Address]*com.Certificate),
		mcGroups: make(map[MulticastGroup]bool),
	}
}

// SubscribeMulticastGroup adds g to this network's multicast subscription
// set, the runtime-side counterpart of Network::multicastSubscribe.
func (n *Network) SubscribeMulticastGroup(g MulticastGroup) {
	n.mcMu.Lock()
	defer n.mcMu.Unlock()
	n.mcGroups[g] = true
}

// UnsubscribeMulticastGroup removes g from the multicast subscription set.
// Unsubscribing from a group that was never joined is not an error.
func (n *Network) UnsubscribeMulticastGroup(g MulticastGroup) {
	n.mcMu.Lock()
	defer n.mcMu.Unlock()
	delete(n.mcGroups, g)
}

// MulticastGroups returns a snapshot of the current multicast subscription set.
func (n *Network) MulticastGroups() []MulticastGroup {
	n.mcMu.RLock()
	defer n.mcMu.RUnlock()
	out := make([]MulticastGroup, 0, len(n.mcGroups))
	for g := range n.mcGroups {
		out = append(out, g)
	}
	return out
}

// HasConfig reports whether a configuration has ever been installed.
func (n *Network) HasConfig() bool {
	return n.config != nil
}

// Config returns the current configuration, or nil if none has arrived yet.
func (n *Network) Config() *Config {
	return n.config
}

// SetConfig installs a new configuration and stamps the update time,
// mirroring NetworkConfig::setConfiguration in the original state machine.
func (n *Network) SetConfig(cfg *Config, now uint64) {
	n.config = cfg
	n.lastConfigUpdate = now
}

// LastConfigUpdate returns the host time of the last successful config install.
func (n *Network) LastConfigUpdate() uint64 {
	return n.lastConfigUpdate
}

// NeedsConfig reports whether this network's config is stale or absent
// (spec.md §4.1 step 1: `now - lastConfigUpdate >= AUTOCONF_DELAY`).
func (n *Network) NeedsConfig(now uint64, autoconfDelay uint64) bool {
	if !n.HasConfig() {
		return true
	}
	return now-n.lastConfigUpdate >= autoconfDelay
}

// SetCredential installs or replaces the cached COM for a peer.
func (n *Network) SetCredential(peer identity.Address, c *com.Certificate) {
	n.comMu.Lock()
	defer n.comMu.Unlock()
	n.coms[peer] = c
}

// Credential returns the cached COM for a peer, if any.
func (n *Network) Credential(peer identity.Address) (*com.Certificate, bool) {
	n.comMu.RLock()
	defer n.comMu.RUnlock()
	c, ok := n.coms[peer]
	return c, ok
}

// DeleteCredential drops the cached COM for peer, e.g. in response to a
// revocation (spec.md §4.4 ncSendRevocation, local destination).
func (n *Network) DeleteCredential(peer identity.Address) {
	n.comMu.Lock()
	defer n.comMu.Unlock()
	delete(n.coms, peer)
}

// AuthorizedPeers returns a sorted snapshot of the addresses this network
// currently holds a cached COM for.
func (n *Network) AuthorizedPeers() []identity.Address {
	n.comMu.RLock()
	defer n.comMu.RUnlock()
	out := make([]identity.Address, 0, len(n.coms))
	for a := range n.coms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// SendUpdatesToMembers is a fast, in-memory maintenance step run during the
// periodic tick (spec.md §4.1 step 1), holding only this network's
// credential lock. It prunes cached credentials whose peer address (the
// cache key) is rejected by the supplied predicate; it sends nothing to
// members.
func (n *Network) SendUpdatesToMembers(stillValid func(identity.Address) bool) {
	n.comMu.Lock()
	defer n.comMu.Unlock()
	for addr := range n.coms {
		if !stillValid(addr) {
			delete(n.coms, addr)
		}
	}
}

// Destroy marks the network as torn down. Manager.Leave removes it from the
// map; Node.Leave invokes the CONFIG_DESTROY host callback.
func (n *Network) Destroy() {
	n.destroyed = true
}

// Destroyed reports whether Destroy has been called.
func (n *Network) Destroyed() bool {
	return n.destroyed
}

// Manager is the networksLock-guarded map of nwid -> Network that the node
// orchestrator owns (spec.md §5 "networksLock guards the nwid -> network
// map"). It follows the same RWMutex-guarded-map shape as the reference
// in-memory store this module is adapted from.
type Manager struct {
	mu     sync.RWMutex
	byNwid map[ID]*Network
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{byNwid: make(map[ID]*Network)}
}

// Join adds nwid to the membership set if not already present, returning the
// (possibly pre-existing) Network. Idempotent per spec.md §4.1 and Invariant 5.
func (m *Manager) Join(id ID, userPtr interface{}) *Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nw, ok := m.byNwid[id]; ok {
		return nw
	}
	nw := newNetwork(id, userPtr)
	m.byNwid[id] = nw
	return nw
}

// Leave removes nwid from the membership set and returns the removed
// Network (nil if it was not present). Idempotent: leaving a network that
// does not exist is not an error.
func (m *Manager) Leave(id ID) *Network {
	m.mu.Lock()
	defer m.mu.Unlock()
	nw, ok := m.byNwid[id]
	if !ok {
		return nil
	}
	delete(m.byNwid, id)
	return nw
}

// Get returns the Network for id, if joined.
func (m *Manager) Get(id ID) (*Network, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nw, ok := m.byNwid[id]
	return nw, ok
}

// Count returns the number of joined networks.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byNwid)
}

// Snapshot returns every joined Network. The slice is owned by the caller.
func (m *Manager) Snapshot() []*Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Network, 0, len(m.byNwid))
	for _, nw := range m.byNwid {
		out = append(out, nw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NeedingConfig returns, under a single lock acquisition, every joined
// network whose config is stale or absent. Callers MUST release the
// manager's lock (this call already has) before issuing any host-callback
// I/O for the returned networks (spec.md §5 ordering guarantee).
func (m *Manager) NeedingConfig(now, autoconfDelay uint64) []*Network {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Network
	for _, nw := range m.byNwid {
		if nw.NeedsConfig(now, autoconfDelay) {
			out = append(out, nw)
		}
	}
	return out
}
