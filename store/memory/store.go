// Package memory provides an in-memory implementation of the custodian
// stores. It is intended for testing and development and honours the same
// uniqueness and concurrency-stamp rules as the MongoDB backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/xraph/custodian/claim"
	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

// Compile-time interface checks.
var (
	_ store.Store[string] = (*Store[string])(nil)
	_ user.Store[string]  = (*UserStore[string])(nil)
	_ role.Store[string]  = (*RoleStore[string])(nil)
)

// Store is a thread-safe in-memory store for accounts and roles.
type Store[K comparable] struct {
	mu   sync.RWMutex
	keys keytype.Adapter[K]

	users map[string]*user.User[K] // formatted key -> account
	roles map[string]*role.Role[K] // formatted key -> role

	userStore *UserStore[K]
	roleStore *RoleStore[K]
}

// New creates a new in-memory store keyed through keys.
func New[K comparable](keys keytype.Adapter[K]) *Store[K] {
	s := &Store[K]{
		keys:  keys,
		users: make(map[string]*user.User[K]),
		roles: make(map[string]*role.Role[K]),
	}
	s.roleStore = &RoleStore[K]{s: s}
	s.userStore = &UserStore[K]{Staged: user.Staged[K]{RoleChecker: s.roleStore}, s: s}
	return s
}

// Users returns the account store.
func (s *Store[K]) Users() user.Store[K] { return s.userStore }

// Roles returns the role store.
func (s *Store[K]) Roles() role.Store[K] { return s.roleStore }

// Ping is a no-op for the memory store.
func (s *Store[K]) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (s *Store[K]) Close(_ context.Context) error { return nil }

// ──────────────────────────────────────────────────
// User Store
// ──────────────────────────────────────────────────

// UserStore is the in-memory account store.
type UserStore[K comparable] struct {
	user.Staged[K]
	s *Store[K]
}

func (us *UserStore[K]) Create(_ context.Context, u *user.User[K]) error {
	s := us.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := u.Clone()
	store.PrepareCreate[K](cp, s.keys, keytype.KindUser)
	if cp.SecurityStamp == "" {
		cp.SecurityStamp = store.NewStamp()
	}
	key := s.keys.Format(cp.ID)
	if _, ok := s.users[key]; ok {
		return fmt.Errorf("user %s: %w", key, store.ErrDuplicateKey)
	}
	if err := s.checkUserUnique(key, cp); err != nil {
		return err
	}
	s.users[key] = cp
	u.ID = cp.ID
	u.ConcurrencyStamp = cp.ConcurrencyStamp
	u.SecurityStamp = cp.SecurityStamp
	return nil
}

func (us *UserStore[K]) Update(_ context.Context, u *user.User[K]) error {
	s := us.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Format(u.ID)
	existing, ok := s.users[key]
	if !ok || existing.ConcurrencyStamp != u.ConcurrencyStamp {
		return fmt.Errorf("user %s: %w", key, store.ErrConcurrencyConflict)
	}
	if err := s.checkUserUnique(key, u); err != nil {
		return err
	}
	cp := u.Clone()
	cp.ConcurrencyStamp = store.NewStamp()
	s.users[key] = cp
	u.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (us *UserStore[K]) Delete(_ context.Context, u *user.User[K]) error {
	s := us.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Format(u.ID)
	existing, ok := s.users[key]
	if !ok || existing.ConcurrencyStamp != u.ConcurrencyStamp {
		return fmt.Errorf("user %s: %w", key, store.ErrConcurrencyConflict)
	}
	delete(s.users, key)
	return nil
}

func (us *UserStore[K]) FindByID(_ context.Context, userID K) (*user.User[K], error) {
	s := us.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.keys.Format(userID)
	u, ok := s.users[key]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", key, user.ErrNotFound)
	}
	return u.Clone(), nil
}

func (us *UserStore[K]) FindByName(_ context.Context, normalizedUserName string) (*user.User[K], error) {
	u := us.s.findUser(func(u *user.User[K]) bool { return u.NormalizedUserName == normalizedUserName })
	if u == nil {
		return nil, fmt.Errorf("user name %q: %w", normalizedUserName, user.ErrNotFound)
	}
	return u, nil
}

func (us *UserStore[K]) FindByEmail(_ context.Context, normalizedEmail string) (*user.User[K], error) {
	u := us.s.findUser(func(u *user.User[K]) bool { return u.NormalizedEmail == normalizedEmail })
	if u == nil {
		return nil, fmt.Errorf("user email %q: %w", normalizedEmail, user.ErrNotFound)
	}
	return u, nil
}

func (us *UserStore[K]) FindByLogin(_ context.Context, provider, providerKey string) (*user.User[K], error) {
	u := us.s.findUser(func(u *user.User[K]) bool {
		for _, l := range u.Logins {
			if l.LoginProvider == provider && l.ProviderKey == providerKey {
				return true
			}
		}
		return false
	})
	if u == nil {
		return nil, fmt.Errorf("user login %s/%s: %w", provider, providerKey, user.ErrNotFound)
	}
	return u, nil
}

func (us *UserStore[K]) UsersInRole(_ context.Context, normalizedRole string) ([]*user.User[K], error) {
	return us.s.filterUsers(func(u *user.User[K]) bool { return u.InRole(normalizedRole) }), nil
}

func (us *UserStore[K]) UsersForClaim(_ context.Context, c claim.Claim) ([]*user.User[K], error) {
	return us.s.filterUsers(func(u *user.User[K]) bool { return claim.Index(u.Claims, c) >= 0 }), nil
}

// checkUserUnique must be called with s.mu held.
func (s *Store[K]) checkUserUnique(self string, u *user.User[K]) error {
	for key, other := range s.users {
		if key == self {
			continue
		}
		if u.NormalizedUserName != "" && other.NormalizedUserName == u.NormalizedUserName {
			return fmt.Errorf("user name %q: %w", u.NormalizedUserName, store.ErrDuplicateKey)
		}
		if u.NormalizedEmail != "" && other.NormalizedEmail == u.NormalizedEmail {
			return fmt.Errorf("user email %q: %w", u.NormalizedEmail, store.ErrDuplicateKey)
		}
	}
	return nil
}

func (s *Store[K]) findUser(match func(*user.User[K]) bool) *user.User[K] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if match(u) {
			return u.Clone()
		}
	}
	return nil
}

func (s *Store[K]) filterUsers(match func(*user.User[K]) bool) []*user.User[K] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*user.User[K], 0)
	for _, u := range s.users {
		if match(u) {
			result = append(result, u.Clone())
		}
	}
	return result
}

// ──────────────────────────────────────────────────
// Role Store
// ──────────────────────────────────────────────────

// RoleStore is the in-memory role store.
type RoleStore[K comparable] struct {
	role.Staged[K]
	s *Store[K]
}

func (rs *RoleStore[K]) Create(_ context.Context, r *role.Role[K]) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := r.Clone()
	store.PrepareCreate[K](cp, s.keys, keytype.KindRole)
	key := s.keys.Format(cp.ID)
	if _, ok := s.roles[key]; ok {
		return fmt.Errorf("role %s: %w", key, store.ErrDuplicateKey)
	}
	if err := s.checkRoleUnique(key, cp); err != nil {
		return err
	}
	s.roles[key] = cp
	r.ID = cp.ID
	r.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (rs *RoleStore[K]) Update(_ context.Context, r *role.Role[K]) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Format(r.ID)
	existing, ok := s.roles[key]
	if !ok || existing.ConcurrencyStamp != r.ConcurrencyStamp {
		return fmt.Errorf("role %s: %w", key, store.ErrConcurrencyConflict)
	}
	if err := s.checkRoleUnique(key, r); err != nil {
		return err
	}
	cp := r.Clone()
	cp.ConcurrencyStamp = store.NewStamp()
	s.roles[key] = cp
	r.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (rs *RoleStore[K]) Delete(_ context.Context, r *role.Role[K]) error {
	s := rs.s
	s.mu.Lock()
	defer s.mu.Unlock()

	key := s.keys.Format(r.ID)
	existing, ok := s.roles[key]
	if !ok || existing.ConcurrencyStamp != r.ConcurrencyStamp {
		return fmt.Errorf("role %s: %w", key, store.ErrConcurrencyConflict)
	}
	delete(s.roles, key)
	return nil
}

func (rs *RoleStore[K]) FindByID(_ context.Context, roleID K) (*role.Role[K], error) {
	s := rs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := s.keys.Format(roleID)
	r, ok := s.roles[key]
	if !ok {
		return nil, fmt.Errorf("role %s: %w", key, role.ErrNotFound)
	}
	return r.Clone(), nil
}

func (rs *RoleStore[K]) FindByName(_ context.Context, normalizedName string) (*role.Role[K], error) {
	s := rs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.NormalizedName == normalizedName {
			return r.Clone(), nil
		}
	}
	return nil, fmt.Errorf("role name %q: %w", normalizedName, role.ErrNotFound)
}

func (rs *RoleStore[K]) Exists(_ context.Context, normalizedName string) (bool, error) {
	s := rs.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.roles {
		if r.NormalizedName == normalizedName {
			return true, nil
		}
	}
	return false, nil
}

// checkRoleUnique must be called with s.mu held.
func (s *Store[K]) checkRoleUnique(self string, r *role.Role[K]) error {
	if r.NormalizedName == "" {
		return nil
	}
	for key, other := range s.roles {
		if key != self && other.NormalizedName == r.NormalizedName {
			return fmt.Errorf("role name %q: %w", r.NormalizedName, store.ErrDuplicateKey)
		}
	}
	return nil
}
