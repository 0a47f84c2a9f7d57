package role

import (
	"context"

	"github.com/xraph/custodian/claim"
)

// Store defines persistence operations for roles.
//
// Create, Update and Delete are compare-and-swap writes against the
// concurrency stamp. AddClaim and RemoveClaim only stage a change on the
// in-memory role; nothing is written until the caller issues Update.
type Store[K comparable] interface {
	// Create assigns an ID when absent, issues the first concurrency stamp
	// and inserts the role.
	Create(ctx context.Context, r *Role[K]) error

	// Update writes r if the stored stamp still equals r.ConcurrencyStamp,
	// then sets a new stamp on r.
	Update(ctx context.Context, r *Role[K]) error

	// Delete removes r under the same stamp precondition as Update.
	// Accounts referencing the role by name are left untouched.
	Delete(ctx context.Context, r *Role[K]) error

	// FindByID retrieves a role by identifier.
	FindByID(ctx context.Context, roleID K) (*Role[K], error)

	// FindByName retrieves a role by normalized name.
	FindByName(ctx context.Context, normalizedName string) (*Role[K], error)

	// Exists reports whether a role with the normalized name is stored.
	Exists(ctx context.Context, normalizedName string) (bool, error)

	// Claims returns the claims staged on r.
	Claims(ctx context.Context, r *Role[K]) ([]claim.Claim, error)

	// AddClaim stages c on r.
	AddClaim(ctx context.Context, r *Role[K], c claim.Claim) error

	// RemoveClaim stages removal of c from r.
	RemoveClaim(ctx context.Context, r *Role[K], c claim.Claim) error
}

// Staged implements the staged claim operations of Store. Backends embed it.
type Staged[K comparable] struct{}

// Claims returns a copy of the claims on r.
func (Staged[K]) Claims(_ context.Context, r *Role[K]) ([]claim.Claim, error) {
	return claim.Clone(r.Claims), nil
}

// AddClaim stages c on r.
func (Staged[K]) AddClaim(_ context.Context, r *Role[K], c claim.Claim) error {
	r.AddClaim(c)
	return nil
}

// RemoveClaim stages removal of c from r.
func (Staged[K]) RemoveClaim(_ context.Context, r *Role[K], c claim.Claim) error {
	r.RemoveClaim(c)
	return nil
}
