// Package banner keeps marketing banners received with portfolio updates.
package banner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ggonzalez94/portfolio-sync/internal/model"
	"github.com/ggonzalez94/portfolio-sync/internal/storage"
)

const storageKey = "portfolioBanners"

type stored struct {
	Banners   map[string][]model.Banner `json:"banners"`
	Dismissed map[string][]string       `json:"dismissed"`
}

// Store keeps banners per account. Banners with a known ID replace the
// previous copy; dismissed IDs stay hidden.
type Store struct {
	mu      sync.Mutex
	state   stored
	loaded  bool
	storage storage.Store
	now     func() time.Time
}

func NewStore(store storage.Store, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		state:   stored{Banners: map[string][]model.Banner{}, Dismissed: map[string][]string{}},
		storage: store,
		now:     now,
	}
}

func (s *Store) AddBanners(ctx context.Context, accountID string, banners []model.Banner) error {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	existing := s.state.Banners[accountID]
	for _, banner := range banners {
		replaced := false
		for i := range existing {
			if existing[i].ID == banner.ID {
				existing[i] = banner
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, banner)
		}
	}
	s.state.Banners[accountID] = existing
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.save(ctx, snapshot)
}

// List returns active, non-dismissed banners for the account ordered by ID.
func (s *Store) List(ctx context.Context, accountID string) ([]model.Banner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return nil, err
	}
	dismissed := map[string]bool{}
	for _, id := range s.state.Dismissed[accountID] {
		dismissed[id] = true
	}
	nowMS := s.now().UnixMilli()
	out := []model.Banner{}
	for _, banner := range s.state.Banners[accountID] {
		if dismissed[banner.ID] {
			continue
		}
		if banner.StartTime > 0 && banner.StartTime > nowMS {
			continue
		}
		if banner.EndTime > 0 && banner.EndTime < nowMS {
			continue
		}
		out = append(out, banner)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Dismiss(ctx context.Context, accountID, id string) error {
	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, existing := range s.state.Dismissed[accountID] {
		if existing == id {
			s.mu.Unlock()
			return nil
		}
	}
	s.state.Dismissed[accountID] = append(s.state.Dismissed[accountID], id)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()
	return s.save(ctx, snapshot)
}

func (s *Store) loadLocked(ctx context.Context) error {
	if s.loaded || s.storage == nil {
		s.loaded = true
		return nil
	}
	var loaded stored
	if _, err := s.storage.Get(ctx, storageKey, &loaded); err != nil {
		return err
	}
	if loaded.Banners != nil {
		s.state.Banners = loaded.Banners
	}
	if loaded.Dismissed != nil {
		s.state.Dismissed = loaded.Dismissed
	}
	s.loaded = true
	return nil
}

func (s *Store) snapshotLocked() stored {
	out := stored{Banners: map[string][]model.Banner{}, Dismissed: map[string][]string{}}
	for k, v := range s.state.Banners {
		out.Banners[k] = append([]model.Banner(nil), v...)
	}
	for k, v := range s.state.Dismissed {
		out.Dismissed[k] = append([]string(nil), v...)
	}
	return out
}

func (s *Store) save(ctx context.Context, snapshot stored) error {
	if s.storage == nil {
		return nil
	}
	return s.storage.Set(ctx, storageKey, snapshot)
}
