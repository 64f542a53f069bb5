package node

import (
	"log"
	"net"

	"peer-wan/pkg/host"
	"peer-wan/pkg/identity"
	"peer-wan/pkg/network"
)

// ProcessBackgroundTasks is the periodic driver (spec.md §4.1 "Periodic
// loop"). The config-refresh, keepalive and online-transition steps run
// only once now-lastPingCheck has reached PingCheckInterval; topology
// housekeeping runs on its own once HousekeepingPeriod has elapsed.
// backgroundTasksLock serializes whole invocations, so concurrent ticks
// degenerate to one active tick (spec.md §5).
func (n *Node) ProcessBackgroundTasks(now uint64) (ResultCode, uint64) {
	n.backgroundTasksLock.Lock()
	defer n.backgroundTasksLock.Unlock()
	n.now = now

	timeUntilNextPingCheck := PingCheckInterval
	if now-n.lastPingCheck >= PingCheckInterval {
		n.lastPingCheck = now
		if err := n.stepConfigRefresh(now); err != nil {
			return FatalInternal, 0
		}
		lastReceiveFromUpstream := n.stepPingAndKeepalive(now)
		n.stepOnlineTransition(now, lastReceiveFromUpstream)
	} else {
		timeUntilNextPingCheck = PingCheckInterval - (now - n.lastPingCheck)
	}

	if now-n.lastHousekeepingRun >= HousekeepingPeriod {
		n.lastHousekeepingRun = now
		if n.topology != nil {
			n.topology.DoPeriodicTasks(now)
		}
	}

	routerDeadline := uint64(TimerGranularity)
	if n.router != nil {
		routerDeadline = n.router.DoTimerTasks(now)
	}
	wait := timeUntilNextPingCheck
	if routerDeadline < wait {
		wait = routerDeadline
	}
	if wait < TimerGranularity {
		wait = TimerGranularity
	}
	return OK, now + wait
}

// stepConfigRefresh implements spec.md §4.1 step 1: collect the stale/
// absent-config network set under the networks lock, release, then issue
// requests. SendUpdatesToMembers runs on a Snapshot taken after the
// networks lock is released; each call holds only that network's own
// credential lock, not the networks lock.
func (n *Node) stepConfigRefresh(now uint64) error {
	needy := n.networks.NeedingConfig(now, AutoconfDelay)
	for _, nw := range n.networks.Snapshot() {
		nw.SendUpdatesToMembers(func(addr identity.Address) bool {
			if n.topology == nil {
				return true
			}
			_, ok := n.topology.Lookup(addr)
			return ok
		})
	}
	for _, nw := range needy {
		if err := n.requestConfiguration(nw.ID); err != nil {
			log.Printf("node: requestConfiguration(%016x) failed: %v", uint64(nw.ID), err)
		}
	}
	return nil
}

func (n *Node) requestConfiguration(nwid network.ID) error {
	if n.netconf != nil && nwid.ControllerAddress() == n.id.Address {
		return n.netconf.RequestConfiguration(nwid)
	}
	if n.router == nil {
		return nil
	}
	return n.router.RequestConfiguration(nwid)
}

// stepPingAndKeepalive implements spec.md §4.1 step 2, returning the
// maximum lastReceive observed across all upstream peers.
func (n *Node) stepPingAndKeepalive(now uint64) uint64 {
	if n.topology == nil {
		return 0
	}
	upstreams := n.topology.UpstreamContacts()
	var lastReceiveFromUpstream uint64

	best, haveBest := n.topology.BestUpstream()

	contacted := make(map[string]bool, len(upstreams))
	for _, peer := range n.topology.OnlinePeers() {
		if peer.LastReceive > lastReceiveFromUpstream && peer.IsUpstream {
			lastReceiveFromUpstream = peer.LastReceive
		}

		if endpoints, isUpstream := upstreams[peer.Address]; isUpstream {
			contacted[peer.Address.String()] = true
			for _, family := range [2]int{4, 6} {
				if n.topology.DoPingAndKeepalive(peer, family, now) {
					continue
				}
				mem, ok := n.topology.(interface {
					RandomEndpoint(endpoints []net.Addr, family int) (net.Addr, bool)
				})
				if ok {
					if addr, found := mem.RandomEndpoint(endpoints, family); found {
						n.topology.SendHello(peer, addr, now)
						continue
					}
				}
				if haveBest {
					for _, p := range best.Paths {
						if p.Family() == family {
							n.topology.SendHello(best, p.RemoteAddress, now)
							break
						}
					}
				}
			}
			continue
		}

		// Non-upstream, currently active peer: family-agnostic keepalive.
		if peer.LastReceive == 0 {
			continue
		}
		if !n.topology.DoPingAndKeepalive(peer, 0, now) {
			for _, p := range peer.Paths {
				n.topology.SendHello(peer, p.RemoteAddress, now)
				break
			}
		}
	}

	for addr := range upstreams {
		if !contacted[addr.String()] {
			n.topology.RequestWhois(addr)
		}
	}

	return lastReceiveFromUpstream
}

// stepOnlineTransition implements spec.md §4.1 step 3.
func (n *Node) stepOnlineTransition(now uint64, lastReceiveFromUpstream uint64) {
	amRoot := n.topology != nil && n.topology.AmRoot()
	newOnline := (now-lastReceiveFromUpstream) < PeerActivityTimeout || amRoot

	n.onlineMu.Lock()
	wasOnline := n.online
	n.online = newOnline
	n.onlineMu.Unlock()

	if newOnline == wasOnline {
		return
	}
	if newOnline {
		n.callbacks.PostEvent(host.EventOnline, nil)
	} else {
		n.callbacks.PostEvent(host.EventOffline, nil)
	}
}
