package user

import (
	"context"
	"fmt"

	"github.com/xraph/custodian/claim"
	"github.com/xraph/custodian/role"
)

// Store defines persistence operations for accounts.
//
// Create, Update and Delete are compare-and-swap writes against the
// concurrency stamp; a stale stamp yields store.ErrConcurrencyConflict and
// the caller must re-read and retry.
//
// The role, claim, login and token operations follow a mutate-then-flush
// protocol: they change only the in-memory account passed in and return.
// Nothing reaches the database until the caller issues Update with the
// same account.
type Store[K comparable] interface {
	// Create assigns an ID when absent, issues the first concurrency stamp
	// and inserts the account.
	Create(ctx context.Context, u *User[K]) error

	// Update writes u if the stored stamp still equals u.ConcurrencyStamp,
	// then sets a new stamp on u.
	Update(ctx context.Context, u *User[K]) error

	// Delete removes u under the same stamp precondition as Update.
	Delete(ctx context.Context, u *User[K]) error

	// FindByID retrieves an account by identifier.
	FindByID(ctx context.Context, userID K) (*User[K], error)

	// FindByName retrieves an account by normalized user name.
	FindByName(ctx context.Context, normalizedUserName string) (*User[K], error)

	// FindByEmail retrieves an account by normalized email.
	FindByEmail(ctx context.Context, normalizedEmail string) (*User[K], error)

	// FindByLogin retrieves the account linked to an external login.
	FindByLogin(ctx context.Context, provider, providerKey string) (*User[K], error)

	// UsersInRole returns the accounts referencing a normalized role name.
	UsersInRole(ctx context.Context, normalizedRole string) ([]*User[K], error)

	// UsersForClaim returns the accounts holding c.
	UsersForClaim(ctx context.Context, c claim.Claim) ([]*User[K], error)

	StagedOps[K]
}

// StagedOps are the mutate-then-flush operations of Store.
type StagedOps[K comparable] interface {
	AddToRole(ctx context.Context, u *User[K], normalizedRole string) error
	RemoveFromRole(ctx context.Context, u *User[K], normalizedRole string) error
	IsInRole(ctx context.Context, u *User[K], normalizedRole string) (bool, error)
	Roles(ctx context.Context, u *User[K]) ([]string, error)

	AddClaims(ctx context.Context, u *User[K], claims ...claim.Claim) error
	ReplaceClaim(ctx context.Context, u *User[K], old, replacement claim.Claim) error
	RemoveClaims(ctx context.Context, u *User[K], claims ...claim.Claim) error

	AddLogin(ctx context.Context, u *User[K], l Login) error
	RemoveLogin(ctx context.Context, u *User[K], provider, providerKey string) error
	LoginsByProvider(ctx context.Context, u *User[K], provider string) ([]Login, error)

	SetToken(ctx context.Context, u *User[K], provider, name, value string) error
	RemoveToken(ctx context.Context, u *User[K], provider, name string) error
	Token(ctx context.Context, u *User[K], provider, name string) (string, bool, error)
}

// RoleChecker reports whether a role exists. role.Store satisfies it.
type RoleChecker interface {
	Exists(ctx context.Context, normalizedName string) (bool, error)
}

// Staged implements StagedOps. Backends embed it with the role store they
// validate role references against.
type Staged[K comparable] struct {
	RoleChecker RoleChecker
}

// AddToRole stages a role reference. The role must exist.
func (s Staged[K]) AddToRole(ctx context.Context, u *User[K], normalizedRole string) error {
	if s.RoleChecker == nil {
		return fmt.Errorf("custodian: add to role %q: no role store configured", normalizedRole)
	}
	ok, err := s.RoleChecker.Exists(ctx, normalizedRole)
	if err != nil {
		return fmt.Errorf("custodian: add to role %q: %w", normalizedRole, err)
	}
	if !ok {
		return fmt.Errorf("custodian: add to role %q: %w", normalizedRole, role.ErrNotFound)
	}
	u.AddRole(normalizedRole)
	return nil
}

// RemoveFromRole stages removal of a role reference.
func (Staged[K]) RemoveFromRole(_ context.Context, u *User[K], normalizedRole string) error {
	u.RemoveRole(normalizedRole)
	return nil
}

// IsInRole reports whether u references the role.
func (Staged[K]) IsInRole(_ context.Context, u *User[K], normalizedRole string) (bool, error) {
	return u.InRole(normalizedRole), nil
}

// Roles returns the role references staged on u.
func (Staged[K]) Roles(_ context.Context, u *User[K]) ([]string, error) {
	out := make([]string, len(u.Roles))
	copy(out, u.Roles)
	return out, nil
}

// AddClaims stages claims on u.
func (Staged[K]) AddClaims(_ context.Context, u *User[K], claims ...claim.Claim) error {
	u.AddClaims(claims...)
	return nil
}

// ReplaceClaim stages a claim replacement on u.
func (Staged[K]) ReplaceClaim(_ context.Context, u *User[K], old, replacement claim.Claim) error {
	u.ReplaceClaim(old, replacement)
	return nil
}

// RemoveClaims stages claim removal on u.
func (Staged[K]) RemoveClaims(_ context.Context, u *User[K], claims ...claim.Claim) error {
	u.RemoveClaims(claims...)
	return nil
}

// AddLogin stages an external login on u.
func (Staged[K]) AddLogin(_ context.Context, u *User[K], l Login) error {
	u.AddLogin(l)
	return nil
}

// RemoveLogin stages removal of an external login.
func (Staged[K]) RemoveLogin(_ context.Context, u *User[K], provider, providerKey string) error {
	u.RemoveLogin(provider, providerKey)
	return nil
}

// LoginsByProvider returns the logins on u for one provider.
func (Staged[K]) LoginsByProvider(_ context.Context, u *User[K], provider string) ([]Login, error) {
	return u.LoginsByProvider(provider), nil
}

// SetToken stages a token on u.
func (Staged[K]) SetToken(_ context.Context, u *User[K], provider, name, value string) error {
	u.SetToken(provider, name, value)
	return nil
}

// RemoveToken stages token removal on u.
func (Staged[K]) RemoveToken(_ context.Context, u *User[K], provider, name string) error {
	u.RemoveToken(provider, name)
	return nil
}

// Token returns a token value staged on u.
func (Staged[K]) Token(_ context.Context, u *User[K], provider, name string) (string, bool, error) {
	v, ok := u.Token(provider, name)
	return v, ok, nil
}
