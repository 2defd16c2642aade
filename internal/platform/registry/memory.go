package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/rxd90/CommandBridge/internal/platform/clock"
)

type InMemoryStore struct {
	Clock clock.Clock

	mu       sync.RWMutex
	users    map[string]User
	readOnly bool
}

func NewInMemoryStore(clk clock.Clock, seed ...User) *InMemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &InMemoryStore{Clock: clk, users: make(map[string]User, len(seed))}
	s.Replace(seed)
	return s
}

// Replace swaps the whole user set, as done on a users file reload.
func (s *InMemoryStore) Replace(users []User) {
	next := make(map[string]User, len(users))
	for _, u := range users {
		u.Email = NormalizeEmail(u.Email)
		next[u.Email] = u
	}
	s.mu.Lock()
	s.users = next
	s.mu.Unlock()
}

// SetReadOnly makes Create, SetActive and SetRole fail with ErrReadOnly.
// Replace still works.
func (s *InMemoryStore) SetReadOnly(ro bool) {
	s.mu.Lock()
	s.readOnly = ro
	s.mu.Unlock()
}

func (s *InMemoryStore) ReadOnly() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readOnly
}

func (s *InMemoryStore) Get(_ context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[NormalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) List(context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *InMemoryStore) Create(_ context.Context, u User) error {
	u.Email = NormalizeEmail(u.Email)
	u.UpdatedAt = s.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return ErrReadOnly
	}
	if _, ok := s.users[u.Email]; ok {
		return ErrExists
	}
	s.users[u.Email] = u
	return nil
}

func (s *InMemoryStore) update(email, by string, fn func(*User)) (User, error) {
	email = NormalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readOnly {
		return User{}, ErrReadOnly
	}
	u, ok := s.users[email]
	if !ok {
		return User{}, ErrNotFound
	}
	fn(&u)
	u.UpdatedAt = s.Clock.Now()
	u.UpdatedBy = by
	s.users[email] = u
	return u, nil
}

func (s *InMemoryStore) SetActive(_ context.Context, email string, active bool, by string) (User, error) {
	return s.update(email, by, func(u *User) { u.Active = active })
}

func (s *InMemoryStore) SetRole(_ context.Context, email, role, by string) (User, error) {
	return s.update(email, by, func(u *User) { u.Role = role })
}
