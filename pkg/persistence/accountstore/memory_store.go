package accountstore

import (
	"context"
	"sync"

	"github.com/go-go-golems/ehosp/pkg/accounts"
)

type usageKey struct {
	email string
	date  string
}

// MemoryStore keeps accounts and usage in process memory. Used by tests and `serve --db-driver memory`.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]accounts.Account
	usage    map[usageKey]int
}

var (
	_ accounts.Store      = &MemoryStore{}
	_ accounts.UsageStore = &MemoryStore{}
)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: map[string]accounts.Account{},
		usage:    map[usageKey]int{},
	}
}

func (s *MemoryStore) GetAccount(_ context.Context, email string) (*accounts.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[email]
	if !ok {
		return nil, accounts.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (s *MemoryStore) UpsertAccount(_ context.Context, a *accounts.Account) error {
	if a == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[a.Email]; ok && !existing.CreatedAt.IsZero() {
		c := cloneAccount(*a)
		c.CreatedAt = existing.CreatedAt
		s.accounts[a.Email] = *c
		return nil
	}
	s.accounts[a.Email] = *cloneAccount(*a)
	return nil
}

func (s *MemoryStore) UsageCount(_ context.Context, email, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey{email: email, date: date}], nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, email, date string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := usageKey{email: email, date: date}
	s.usage[k]++
	return s.usage[k], nil
}

func cloneAccount(a accounts.Account) *accounts.Account {
	out := a
	if a.Profile != nil {
		p := *a.Profile
		out.Profile = &p
	}
	return &out
}
