// Package wireaddr provides the small set of wire-facing address
// utilities the node orchestrator needs: zero-padded lowercase hex
// formatting for addresses and network ids (spec.md §6), and the
// CIDR-to-trust-id table setTrustedPaths installs.
package wireaddr

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"peer-wan/pkg/identity"
)

// FormatAddress renders a node address as zero-padded lowercase hex
// (spec.md §6's on-disk/wire hex formatting convention).
func FormatAddress(addr identity.Address) string {
	return fmt.Sprintf("%010x", addr.Uint64())
}

// FormatNetworkID renders a 64-bit network id the same way.
func FormatNetworkID(nwid uint64) string {
	return fmt.Sprintf("%016x", nwid)
}

// TrustedPaths is the CIDR->trust-id whitelist the router consults to
// bypass encryption on trusted physical segments (spec.md §4.1
// setTrustedPaths). It follows the same guarded-table shape as the
// teacher's NAT CIDR handling in pkg/agent/nat.go, generalized from a
// single overlay CIDR to an arbitrary set of (network, id) entries.
type TrustedPaths struct {
	mu      sync.RWMutex
	entries []trustedEntry
}

type trustedEntry struct {
	network *net.IPNet
	id      uint64
}

// NewTrustedPaths constructs an empty trusted-path table.
func NewTrustedPaths() *TrustedPaths {
	return &TrustedPaths{}
}

// Set replaces the whitelist wholesale, matching setTrustedPaths's
// "networks, ids, count" whole-table replacement semantics.
func (t *TrustedPaths) Set(networks []*net.IPNet, ids []uint64) error {
	if len(networks) != len(ids) {
		return fmt.Errorf("wireaddr: networks and ids must be the same length")
	}
	entries := make([]trustedEntry, len(networks))
	for i := range networks {
		entries[i] = trustedEntry{network: networks[i], id: ids[i]}
	}
	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	return nil
}

// Lookup returns the trust id for the first matching CIDR, if any; the
// router uses this to decide whether a path may skip encryption.
func (t *TrustedPaths) Lookup(addr net.IP) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.network.Contains(addr) {
			return e.id, true
		}
	}
	return 0, false
}

// Snapshot returns the current table sorted by CIDR string, for
// deterministic inspection/logging.
func (t *TrustedPaths) Snapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, fmt.Sprintf("%s=%d", e.network.String(), e.id))
	}
	sort.Strings(out)
	return out
}
