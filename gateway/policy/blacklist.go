// Package policy screens agents before any money moves: a wallet
// blacklist and an optional on-chain reputation check.
package policy

import (
	"sort"
	"strings"
	"sync"
)

// Blacklist is a concurrent set of blocked wallet addresses. Addresses
// compare case-insensitively.
type Blacklist struct {
	mu    sync.RWMutex
	addrs map[string]string
}

// NewBlacklist builds an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{addrs: make(map[string]string)}
}

func canonicalAddr(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Add records an address. Adding an existing address is a no-op.
func (b *Blacklist) Add(addr string) {
	key := canonicalAddr(addr)
	if key == "" {
		return
	}
	b.mu.Lock()
	b.addrs[key] = strings.TrimSpace(addr)
	b.mu.Unlock()
}

// Remove deletes an address, reporting whether it was present.
func (b *Blacklist) Remove(addr string) bool {
	key := canonicalAddr(addr)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.addrs[key]; !ok {
		return false
	}
	delete(b.addrs, key)
	return true
}

// Contains reports whether the address is blocked.
func (b *Blacklist) Contains(addr string) bool {
	key := canonicalAddr(addr)
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.addrs[key]
	return ok
}

// List returns the blocked addresses as first recorded, sorted.
func (b *Blacklist) List() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.addrs))
	for _, addr := range b.addrs {
		out = append(out, addr)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
