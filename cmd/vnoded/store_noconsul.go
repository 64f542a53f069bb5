//go:build !consul

package main

import (
	"fmt"

	"peer-wan/pkg/controller/store"
)

func newConsulBackend(addr string) (store.Backend, error) {
	return nil, fmt.Errorf("vnoded: built without consul support; rebuild with -tags consul")
}
