// Package accounts tracks which account addresses the portfolio knows.
package accounts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	clierr "github.com/ggonzalez94/portfolio-sync/internal/errors"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const storageKey = "accounts"

// Normalize validates an EVM address and returns its checksummed form.
func Normalize(input string) (string, error) {
	raw := strings.TrimSpace(input)
	if !common.IsHexAddress(raw) {
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid account address: %s", input))
	}
	return common.HexToAddress(raw).Hex(), nil
}

// Registry combines accounts from configuration with accounts added at
// runtime, which are persisted.
type Registry struct {
	mu      sync.RWMutex
	seeded  map[string]bool
	added   map[string]bool
	storage storage.Store
}

func NewRegistry(seed []string, store storage.Store) (*Registry, error) {
	r := &Registry{seeded: map[string]bool{}, added: map[string]bool{}, storage: store}
	for _, raw := range seed {
		addr, err := Normalize(raw)
		if err != nil {
			return nil, err
		}
		r.seeded[addr] = true
	}
	return r, nil
}

// Load reads persisted accounts.
func (r *Registry) Load(ctx context.Context) error {
	if r.storage == nil {
		return nil
	}
	var stored []string
	if _, err := r.storage.Get(ctx, storageKey, &stored); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "load accounts", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range stored {
		if addr, err := Normalize(raw); err == nil {
			r.added[addr] = true
		}
	}
	return nil
}

// Has reports whether id is known. Lookup is case-insensitive.
func (r *Registry) Has(id string) bool {
	addr, err := Normalize(id)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.seeded[addr] || r.added[addr]
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.seeded)+len(r.added))
	for addr := range r.seeded {
		out = append(out, addr)
	}
	for addr := range r.added {
		if !r.seeded[addr] {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Add(ctx context.Context, input string) (string, error) {
	addr, err := Normalize(input)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.added[addr] = true
	snapshot := r.addedLocked()
	r.mu.Unlock()
	return addr, r.persist(ctx, snapshot)
}

// Remove forgets a runtime-added account. Accounts seeded from
// configuration cannot be removed.
func (r *Registry) Remove(ctx context.Context, input string) (string, error) {
	addr, err := Normalize(input)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if r.seeded[addr] {
		r.mu.Unlock()
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("account %s comes from configuration", addr))
	}
	if !r.added[addr] {
		r.mu.Unlock()
		return "", clierr.New(clierr.CodeUnknownAccount, fmt.Sprintf("unknown account %s", addr))
	}
	delete(r.added, addr)
	snapshot := r.addedLocked()
	r.mu.Unlock()
	return addr, r.persist(ctx, snapshot)
}

func (r *Registry) addedLocked() []string {
	out := make([]string, 0, len(r.added))
	for addr := range r.added {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) persist(ctx context.Context, snapshot []string) error {
	if r.storage == nil {
		return nil
	}
	if err := r.storage.Set(ctx, storageKey, snapshot); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "persist accounts", err)
	}
	return nil
}
