package host

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileState persists state objects as files under a base directory,
// following the exact path convention the original controller's JSONDB
// uses for its own persistence (`network/%.16llx[...]`): one file per
// (type, id) pair, named by the object type and the hex-encoded id tuple.
// It implements only the three state-object callbacks; callers compose it
// with an InProcess (or a real transport) for the I/O callbacks.
type FileState struct {
	base string
}

// NewFileState ensures base exists (mode 0700) and returns a FileState
// rooted there.
func NewFileState(base string) (*FileState, error) {
	if err := os.MkdirAll(base, 0700); err != nil {
		return nil, err
	}
	return &FileState{base: base}, nil
}

func (f *FileState) path(typ StateObjectType, id StateID) string {
	var name string
	switch typ {
	case StateIdentitySecret:
		name = "identity.secret"
	case StateIdentityPublic:
		name = fmt.Sprintf("identity.public.%010x", id[0])
	case StateNetworkConfig:
		name = fmt.Sprintf("network/%016x.conf", id[0])
	default:
		name = fmt.Sprintf("object.%d.%016x.%016x", typ, id[0], id[1])
	}
	return filepath.Join(f.base, name)
}

// Get reads the object; callers bind this into Callbacks.StateObjectGet.
func (f *FileState) Get(typ StateObjectType, id StateID) ([]byte, error) {
	return os.ReadFile(f.path(typ, id))
}

// Put writes the object, creating parent directories as needed.
func (f *FileState) Put(typ StateObjectType, id StateID, data []byte) {
	p := f.path(typ, id)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return
	}
	mode := os.FileMode(0600)
	if typ == StateIdentitySecret {
		mode = 0400
	}
	_ = os.WriteFile(p, data, mode)
}

// Delete removes the object; a missing file is not an error.
func (f *FileState) Delete(typ StateObjectType, id StateID) {
	_ = os.Remove(f.path(typ, id))
}
