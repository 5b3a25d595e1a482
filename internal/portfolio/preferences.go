package portfolio

import (
	"context"
	"strings"
	"sync"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const (
	customTokensStorageKey     = "customTokens"
	tokenPreferencesStorageKey = "tokenPreferences"
)

const (
	StandardERC20  = "ERC20"
	StandardERC721 = "ERC721"
)

// Preferences holds user-added custom tokens and per-token display
// settings.
type Preferences struct {
	mu      sync.RWMutex
	custom  []model.CustomToken
	prefs   []model.TokenPreference
	storage storage.Store
}

func NewPreferences(store storage.Store) *Preferences {
	return &Preferences{storage: store}
}

func (p *Preferences) Load(ctx context.Context) error {
	if p.storage == nil {
		return nil
	}
	var custom []model.CustomToken
	if _, err := p.storage.Get(ctx, customTokensStorageKey, &custom); err != nil {
		return err
	}
	var prefs []model.TokenPreference
	if _, err := p.storage.Get(ctx, tokenPreferencesStorageKey, &prefs); err != nil {
		return err
	}
	for i := range custom {
		custom[i].Address = normalizeAddr(custom[i].Address)
		if custom[i].Standard == "" {
			custom[i].Standard = StandardERC20
		}
	}
	for i := range prefs {
		prefs[i].Address = normalizeAddr(prefs[i].Address)
	}
	p.mu.Lock()
	p.custom = custom
	p.prefs = prefs
	p.mu.Unlock()
	return nil
}

func (p *Preferences) CustomTokens() []model.CustomToken {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.CustomToken(nil), p.custom...)
}

func (p *Preferences) TokenPreferences() []model.TokenPreference {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]model.TokenPreference(nil), p.prefs...)
}

// AddCustomToken adds or replaces the token with the same address and
// chain.
func (p *Preferences) AddCustomToken(ctx context.Context, token model.CustomToken) error {
	token.Address = normalizeAddr(token.Address)
	if token.Standard == "" {
		token.Standard = StandardERC20
	}
	token.Standard = strings.ToUpper(token.Standard)
	token.TokenIDs = append([]string(nil), token.TokenIDs...)
	p.mu.Lock()
	replaced := false
	for i, existing := range p.custom {
		if sameToken(existing.Address, existing.ChainID, token.Address, token.ChainID) {
			p.custom[i] = token
			replaced = true
			break
		}
	}
	if !replaced {
		p.custom = append(p.custom, token)
	}
	snapshot := append([]model.CustomToken(nil), p.custom...)
	p.mu.Unlock()
	return p.save(ctx, customTokensStorageKey, snapshot)
}

func (p *Preferences) RemoveCustomToken(ctx context.Context, address string, chainID int64) (bool, error) {
	address = normalizeAddr(address)
	p.mu.Lock()
	kept := p.custom[:0:0]
	removed := false
	for _, existing := range p.custom {
		if sameToken(existing.Address, existing.ChainID, address, chainID) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	p.custom = kept
	snapshot := append([]model.CustomToken(nil), kept...)
	p.mu.Unlock()
	if !removed {
		return false, nil
	}
	return true, p.save(ctx, customTokensStorageKey, snapshot)
}

// SetTokenPreference upserts a preference. Legacy metadata already stored
// on the entry survives when the update omits it.
func (p *Preferences) SetTokenPreference(ctx context.Context, pref model.TokenPreference) error {
	pref.Address = normalizeAddr(pref.Address)
	p.mu.Lock()
	replaced := false
	for i, existing := range p.prefs {
		if sameToken(existing.Address, existing.ChainID, pref.Address, pref.ChainID) {
			if pref.Symbol == "" {
				pref.Symbol = existing.Symbol
			}
			if pref.Decimals == 0 {
				pref.Decimals = existing.Decimals
			}
			p.prefs[i] = pref
			replaced = true
			break
		}
	}
	if !replaced {
		p.prefs = append(p.prefs, pref)
	}
	snapshot := append([]model.TokenPreference(nil), p.prefs...)
	p.mu.Unlock()
	return p.save(ctx, tokenPreferencesStorageKey, snapshot)
}

func (p *Preferences) RemoveTokenPreference(ctx context.Context, address string, chainID int64) (bool, error) {
	address = normalizeAddr(address)
	p.mu.Lock()
	kept := p.prefs[:0:0]
	removed := false
	for _, existing := range p.prefs {
		if sameToken(existing.Address, existing.ChainID, address, chainID) {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	p.prefs = kept
	snapshot := append([]model.TokenPreference(nil), kept...)
	p.mu.Unlock()
	if !removed {
		return false, nil
	}
	return true, p.save(ctx, tokenPreferencesStorageKey, snapshot)
}

// Hints returns the ERC-20 and ERC-721 addresses discovery must check on
// chainID regardless of balance.
func (p *Preferences) Hints(chainID int64) ([]string, map[string][]string) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var erc20s []string
	erc721s := map[string][]string{}
	for _, token := range p.custom {
		if token.ChainID != chainID {
			continue
		}
		if token.Standard == StandardERC721 {
			erc721s[token.Address] = mergeIDs(erc721s[token.Address], token.TokenIDs)
			continue
		}
		erc20s = append(erc20s, token.Address)
	}
	for _, pref := range p.prefs {
		if pref.ChainID == chainID {
			erc20s = append(erc20s, pref.Address)
		}
	}
	return erc20s, erc721s
}

// Tag marks tokens as custom or hidden. The returned set lists tokens that
// must survive zero-balance filtering.
func (p *Preferences) Tag(chainID int64, tokens []model.Token) map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keep := map[string]bool{}
	for i := range tokens {
		addr := tokens[i].Address
		for _, custom := range p.custom {
			if sameToken(custom.Address, custom.ChainID, addr, chainID) {
				tokens[i].Flags.IsCustom = true
				keep[normalizeAddr(addr)] = true
			}
		}
		for _, pref := range p.prefs {
			if sameToken(pref.Address, pref.ChainID, addr, chainID) {
				tokens[i].Flags.IsHidden = pref.IsHidden
				keep[normalizeAddr(addr)] = true
			}
		}
	}
	return keep
}

func (p *Preferences) save(ctx context.Context, key string, value any) error {
	if p.storage == nil {
		return nil
	}
	return p.storage.Set(ctx, key, value)
}

func sameToken(addrA string, chainA int64, addrB string, chainB int64) bool {
	return chainA == chainB && strings.EqualFold(addrA, addrB)
}
