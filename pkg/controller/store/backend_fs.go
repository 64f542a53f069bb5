package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FilesystemBackend persists networks and members as individual JSON files
// under a base directory, using the exact path scheme of the original
// controller's JSONDB: `network/{nwid:016x}.json` and
// `network/{nwid:016x}/member/{mid:010x}.json` (spec.md §6). The directory
// is created with permissions restricted to the running user.
type FilesystemBackend struct {
	base string
	mu   sync.Mutex // serializes filesystem writes; reads are lock-free (os handles concurrent reads)
	ready chan struct{}
}

// NewFilesystemBackend opens base (creating it if necessary, mode 0700)
// and returns a backend that is immediately ready — the filesystem mode
// has no bulk-load phase; each read hits disk directly.
func NewFilesystemBackend(base string) (*FilesystemBackend, error) {
	if err := os.MkdirAll(filepath.Join(base, "network"), 0700); err != nil {
		return nil, err
	}
	ready := make(chan struct{})
	close(ready)
	return &FilesystemBackend{base: base, ready: ready}, nil
}

func (b *FilesystemBackend) Ready() <-chan struct{} { return b.ready }

func (b *FilesystemBackend) networkPath(nwid uint64) string {
	return filepath.Join(b.base, "network", fmt.Sprintf("%016x.json", nwid))
}

func (b *FilesystemBackend) memberDir(nwid uint64) string {
	return filepath.Join(b.base, "network", fmt.Sprintf("%016x", nwid), "member")
}

func (b *FilesystemBackend) memberPath(nwid, mid uint64) string {
	return filepath.Join(b.memberDir(nwid), fmt.Sprintf("%010x.json", mid))
}

func (b *FilesystemBackend) HasNetwork(nwid uint64) (bool, error) {
	_, err := os.Stat(b.networkPath(nwid))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

func (b *FilesystemBackend) GetNetwork(nwid uint64) (NetworkRecord, bool, error) {
	data, err := os.ReadFile(b.networkPath(nwid))
	if os.IsNotExist(err) {
		return NetworkRecord{}, false, nil
	}
	if err != nil {
		return NetworkRecord{}, false, err
	}
	var rec NetworkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return NetworkRecord{}, false, err
	}
	return rec, true, nil
}

func (b *FilesystemBackend) SaveNetwork(rec NetworkRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.memberDir(rec.NWID), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(b.networkPath(rec.NWID), data, 0600)
}

// EraseNetwork cascades to erase every member, matching spec.md §4.3's
// filesystem-mode contract, and returns the erased config (or an empty
// record if it did not exist).
func (b *FilesystemBackend) EraseNetwork(nwid uint64) (NetworkRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, _, _ := b.GetNetwork(nwid)
	if err := os.RemoveAll(filepath.Join(b.base, "network", fmt.Sprintf("%016x", nwid))); err != nil {
		return rec, err
	}
	if err := os.Remove(b.networkPath(nwid)); err != nil && !os.IsNotExist(err) {
		return rec, err
	}
	return rec, nil
}

func (b *FilesystemBackend) GetNetworkMember(nwid, mid uint64) (MemberRecord, bool, error) {
	data, err := os.ReadFile(b.memberPath(nwid, mid))
	if os.IsNotExist(err) {
		return MemberRecord{}, false, nil
	}
	if err != nil {
		return MemberRecord{}, false, err
	}
	var rec MemberRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return MemberRecord{}, false, err
	}
	return rec, true, nil
}

func (b *FilesystemBackend) SaveNetworkMember(rec MemberRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := os.MkdirAll(b.memberDir(rec.NWID), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(b.memberPath(rec.NWID, rec.MID), data, 0600)
}

func (b *FilesystemBackend) EraseNetworkMember(nwid, mid uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.memberPath(nwid, mid))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *FilesystemBackend) ListMembers(nwid uint64) ([]MemberRecord, error) {
	entries, err := os.ReadDir(b.memberDir(nwid))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]MemberRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.memberDir(nwid), e.Name()))
		if err != nil {
			continue
		}
		var rec MemberRecord
		if json.Unmarshal(data, &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, nil
}
