// Package role defines the Role record and its store interface.
package role

import (
	"errors"
	"maps"

	"github.com/xraph/custodian/claim"
)

// ErrNotFound is returned when a role lookup misses.
var ErrNotFound = errors.New("custodian: role not found")

// Role is a named group of accounts carrying its own claims.
type Role[K comparable] struct {
	ID               K              `json:"id"`
	Name             string         `json:"name"`
	NormalizedName   string         `json:"normalized_name"`
	ConcurrencyStamp string         `json:"concurrency_stamp"`
	Claims           []claim.Claim  `json:"claims,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Key returns the role identifier.
func (r *Role[K]) Key() K { return r.ID }

// SetKey assigns the role identifier.
func (r *Role[K]) SetKey(k K) { r.ID = k }

// Stamp returns the concurrency stamp of the last read.
func (r *Role[K]) Stamp() string { return r.ConcurrencyStamp }

// SetStamp replaces the concurrency stamp.
func (r *Role[K]) SetStamp(s string) { r.ConcurrencyStamp = s }

// AddClaim stages c on the role. Persist with Store.Update.
func (r *Role[K]) AddClaim(c claim.Claim) { r.Claims = claim.Add(r.Claims, c) }

// RemoveClaim stages removal of c. Persist with Store.Update.
func (r *Role[K]) RemoveClaim(c claim.Claim) { r.Claims = claim.Remove(r.Claims, c) }

// Clone returns a deep copy of r.
func (r *Role[K]) Clone() *Role[K] {
	cp := *r
	cp.Claims = claim.Clone(r.Claims)
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp
}
