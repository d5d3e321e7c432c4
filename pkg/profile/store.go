package profile

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mdstack-network/mdstack/pkg/util"
)

// Store is the provider storage behind the selector. Implementations must be
// safe for use from one selector goroutine plus external reload triggers.
type Store interface {
	// Load returns all configured profiles.
	Load(ctx context.Context) ([]*Profile, error)
	// UpdateLastSetup persists a profile's last-setup timestamp.
	UpdateLastSetup(ctx context.Context, name string, ts time.Time) error
	Close() error
}

// MemoryStore keeps profiles in process memory. It backs tests and
// single-node deployments without provider storage.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

// NewMemoryStore creates a store seeded with the given profiles.
func NewMemoryStore(profiles ...*Profile) *MemoryStore {
	s := &MemoryStore{profiles: make(map[string]*Profile, len(profiles))}
	for _, p := range profiles {
		s.profiles[p.Name] = p
	}
	return s
}

// Put adds or replaces a profile (config reload path).
func (s *MemoryStore) Put(p *Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Name] = p
}

// Delete removes a profile.
func (s *MemoryStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.profiles, name)
}

// Load returns copies of all profiles, sorted by name for determinism.
func (s *MemoryStore) Load(ctx context.Context) ([]*Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateLastSetup records the setup timestamp.
func (s *MemoryStore) UpdateLastSetup(ctx context.Context, name string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[name]
	if !ok {
		return util.ErrNotFound
	}
	p.LastSetup = ts
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error { return nil }
