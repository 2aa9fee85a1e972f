package fraud

import (
	"context"
	"strings"
	"sync"
)

// MemoryBlacklist is an in-process blacklist of user ids, source addresses,
// and payment-method identifiers. Entries are loaded at startup and can be
// mutated at runtime by admin tooling.
type MemoryBlacklist struct {
	mu      sync.RWMutex
	users   map[string]struct{}
	ips     map[string]struct{}
	methods map[string]struct{}
}

// NewMemoryBlacklist seeds a blacklist from user id, IP, and payment-method
// lists.
func NewMemoryBlacklist(userIDs, ips, methods []string) *MemoryBlacklist {
	b := &MemoryBlacklist{
		users:   make(map[string]struct{}, len(userIDs)),
		ips:     make(map[string]struct{}, len(ips)),
		methods: make(map[string]struct{}, len(methods)),
	}
	for _, u := range userIDs {
		if u = strings.TrimSpace(u); u != "" {
			b.users[u] = struct{}{}
		}
	}
	for _, ip := range ips {
		if ip = strings.TrimSpace(ip); ip != "" {
			b.ips[ip] = struct{}{}
		}
	}
	for _, m := range methods {
		if m = strings.TrimSpace(m); m != "" {
			b.methods[m] = struct{}{}
		}
	}
	return b
}

// Contains reports whether the user, address, or payment method is blocked.
func (b *MemoryBlacklist) Contains(_ context.Context, userID, ipAddress, paymentMethod string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if _, ok := b.users[userID]; ok {
		return true, nil
	}
	if ipAddress != "" {
		if _, ok := b.ips[ipAddress]; ok {
			return true, nil
		}
	}
	if paymentMethod != "" {
		if _, ok := b.methods[paymentMethod]; ok {
			return true, nil
		}
	}
	return false, nil
}

// BlockUser adds a user id to the blacklist.
func (b *MemoryBlacklist) BlockUser(userID string) {
	b.mu.Lock()
	b.users[userID] = struct{}{}
	b.mu.Unlock()
}

// BlockIP adds a source address to the blacklist.
func (b *MemoryBlacklist) BlockIP(ip string) {
	b.mu.Lock()
	b.ips[ip] = struct{}{}
	b.mu.Unlock()
}

// BlockMethod adds a payment-method identifier to the blacklist.
func (b *MemoryBlacklist) BlockMethod(method string) {
	b.mu.Lock()
	b.methods[method] = struct{}{}
	b.mu.Unlock()
}
