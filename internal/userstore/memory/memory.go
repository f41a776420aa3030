// Package memory keeps identities in process memory. Deleting an identity
// runs the registered cascade callbacks so dependent stores can drop their
// rows the way the SQL schema does.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tokligence/tokligence-credits/internal/userstore"
)

// Store implements userstore.Store in memory.
type Store struct {
	mu       sync.RWMutex
	byID     map[string]*userstore.Identity
	byEmail  map[string]string
	cascades []func(id string)
}

// New returns an empty store.
func New() *Store {
	return &Store{
		byID:    make(map[string]*userstore.Identity),
		byEmail: make(map[string]string),
	}
}

// OnDelete registers fn to run after an identity is removed.
func (s *Store) OnDelete(fn func(id string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cascades = append(s.cascades, fn)
}

// Exists reports whether id is present.
func (s *Store) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

func clone(ident *userstore.Identity) *userstore.Identity {
	cp := *ident
	if ident.UpgradedAt != nil {
		t := *ident.UpgradedAt
		cp.UpgradedAt = &t
	}
	return &cp
}

func (s *Store) Create(ctx context.Context, id, email string, at time.Time) (*userstore.Identity, error) {
	if strings.TrimSpace(id) == "" {
		return nil, userstore.ErrMissingUserID
	}
	if email != "" {
		var err error
		if email, err = userstore.NormalizeEmail(email); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[id]; ok {
		return clone(existing), nil
	}
	if email != "" {
		if _, taken := s.byEmail[email]; taken {
			return nil, userstore.ErrEmailTaken
		}
	}
	at = at.UTC()
	ident := &userstore.Identity{ID: id, Email: email, Anonymous: email == "", CreatedAt: at, UpdatedAt: at}
	if email != "" {
		t := at
		ident.UpgradedAt = &t
		s.byEmail[email] = id
	}
	s.byID[id] = ident
	return clone(ident), nil
}

func (s *Store) Get(ctx context.Context, id string) (*userstore.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, nil
	}
	return clone(ident), nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*userstore.Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[email]
	if !ok {
		return nil, nil
	}
	return clone(s.byID[id]), nil
}

func (s *Store) Upgrade(ctx context.Context, id, email string, at time.Time) (*userstore.Identity, error) {
	email, err := userstore.NormalizeEmail(email)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.byID[id]
	if !ok {
		return nil, userstore.ErrNotFound
	}
	if !ident.Anonymous {
		if ident.Email == email {
			return clone(ident), nil
		}
		return nil, userstore.ErrNotAnonymous
	}
	if owner, taken := s.byEmail[email]; taken && owner != id {
		return nil, userstore.ErrEmailTaken
	}
	at = at.UTC()
	ident.Email = email
	ident.Anonymous = false
	ident.UpdatedAt = at
	ident.UpgradedAt = &at
	s.byEmail[email] = id
	return clone(ident), nil
}

func (s *Store) remove(id string) bool {
	ident, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)
	if ident.Email != "" {
		delete(s.byEmail, ident.Email)
	}
	return true
}

func (s *Store) cascade(ids []string) {
	s.mu.RLock()
	fns := append([]func(string){}, s.cascades...)
	s.mu.RUnlock()
	for _, id := range ids {
		for _, fn := range fns {
			fn(id)
		}
	}
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	removed := s.remove(id)
	s.mu.Unlock()
	if removed {
		s.cascade([]string{id})
	}
	return removed, nil
}

func (s *Store) ListStaleAnonymous(ctx context.Context, cutoff time.Time, limit int) ([]userstore.Identity, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	var out []userstore.Identity
	for _, ident := range s.byID {
		if ident.Anonymous && ident.CreatedAt.Before(cutoff) {
			out = append(out, *clone(ident))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteStaleAnonymous(ctx context.Context, ids []string, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	var deleted []string
	for _, id := range ids {
		ident, ok := s.byID[id]
		if !ok || !ident.Anonymous || !ident.CreatedAt.Before(cutoff) {
			continue
		}
		s.remove(id)
		deleted = append(deleted, id)
	}
	s.mu.Unlock()
	s.cascade(deleted)
	return deleted, nil
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }
