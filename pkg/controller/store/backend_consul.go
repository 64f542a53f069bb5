//go:build consul

package store

import (
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulBackend stores networks and members as individual KV entries under
// a fixed key prefix, using CAS on ModifyIndex for both network and member
// writes, the same optimistic-concurrency pattern a consul.Store.SavePlan
// uses for plan writes.
type ConsulBackend struct {
	cli   *consulapi.Client
	ready chan struct{}
}

const (
	consulNetworkPrefix = "peer-wan/controller/network/"
	consulMemberPrefix  = "peer-wan/controller/member/"
)

// NewConsulBackend dials addr (empty selects the default agent address)
// and returns a backend that is ready as soon as the client is
// constructed — Consul KV has no bulk-preload phase to gate on.
func NewConsulBackend(addr string) (*ConsulBackend, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &ConsulBackend{cli: cli, ready: ready}, nil
}

func (b *ConsulBackend) Ready() <-chan struct{} { return b.ready }

func networkKey(nwid uint64) string {
	return fmt.Sprintf("%s%016x", consulNetworkPrefix, nwid)
}

func memberKey(nwid, mid uint64) string {
	return fmt.Sprintf("%s%016x/%010x", consulMemberPrefix, nwid, mid)
}

func memberListPrefix(nwid uint64) string {
	return fmt.Sprintf("%s%016x/", consulMemberPrefix, nwid)
}

func (b *ConsulBackend) HasNetwork(nwid uint64) (bool, error) {
	kv, _, err := b.cli.KV().Get(networkKey(nwid), nil)
	return kv != nil, err
}

func (b *ConsulBackend) GetNetwork(nwid uint64) (NetworkRecord, bool, error) {
	kv, _, err := b.cli.KV().Get(networkKey(nwid), nil)
	if err != nil || kv == nil {
		return NetworkRecord{}, false, err
	}
	var rec NetworkRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return NetworkRecord{}, false, err
	}
	return rec, true, nil
}

// SaveNetwork writes rec under a CAS guard on the key's current
// ModifyIndex (0 if the key doesn't yet exist, matching consul's
// create-if-absent CAS semantics), retrying once on a lost race — the same
// shape as a conventional SavePlan, generalized from a caller-supplied
// version number to the ModifyIndex Consul already tracks per key.
func (b *ConsulBackend) SaveNetwork(rec NetworkRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := networkKey(rec.NWID)
	for attempt := 0; attempt < 2; attempt++ {
		var modifyIndex uint64
		if existing, _, err := b.cli.KV().Get(key, nil); err != nil {
			return err
		} else if existing != nil {
			modifyIndex = existing.ModifyIndex
		}
		ok, _, err := b.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: data, ModifyIndex: modifyIndex}, nil)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("consul: network %016x CAS failed (concurrent write)", rec.NWID)
}

func (b *ConsulBackend) EraseNetwork(nwid uint64) (NetworkRecord, error) {
	rec, _, _ := b.GetNetwork(nwid)
	if _, err := b.cli.KV().Delete(networkKey(nwid), nil); err != nil {
		return rec, err
	}
	_, err := b.cli.KV().DeleteTree(memberListPrefix(nwid), nil)
	return rec, err
}

func (b *ConsulBackend) GetNetworkMember(nwid, mid uint64) (MemberRecord, bool, error) {
	kv, _, err := b.cli.KV().Get(memberKey(nwid, mid), nil)
	if err != nil || kv == nil {
		return MemberRecord{}, false, err
	}
	var rec MemberRecord
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return MemberRecord{}, false, err
	}
	return rec, true, nil
}

// SaveNetworkMember writes rec under the same CAS-on-ModifyIndex guard as
// SaveNetwork.
func (b *ConsulBackend) SaveNetworkMember(rec MemberRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := memberKey(rec.NWID, rec.MID)
	for attempt := 0; attempt < 2; attempt++ {
		var modifyIndex uint64
		if existing, _, err := b.cli.KV().Get(key, nil); err != nil {
			return err
		} else if existing != nil {
			modifyIndex = existing.ModifyIndex
		}
		ok, _, err := b.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: data, ModifyIndex: modifyIndex}, nil)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("consul: member %016x/%016x CAS failed (concurrent write)", rec.NWID, rec.MID)
}

func (b *ConsulBackend) EraseNetworkMember(nwid, mid uint64) error {
	_, err := b.cli.KV().Delete(memberKey(nwid, mid), nil)
	return err
}

func (b *ConsulBackend) ListMembers(nwid uint64) ([]MemberRecord, error) {
	pairs, _, err := b.cli.KV().List(memberListPrefix(nwid), nil)
	if err != nil {
		return nil, err
	}
	out := make([]MemberRecord, 0, len(pairs))
	for _, p := range pairs {
		var rec MemberRecord
		if json.Unmarshal(p.Value, &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
