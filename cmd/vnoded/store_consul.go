//go:build consul

package main

import "peer-wan/pkg/controller/store"

func newConsulBackend(addr string) (store.Backend, error) {
	return store.NewConsulBackend(addr)
}
