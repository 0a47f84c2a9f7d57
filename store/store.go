// Package store defines the aggregate persistence interface and the pieces
// every backend shares: the record capability set used for
// compare-and-swap writes, concurrency stamps, and the write errors.
// Backends: MongoDB and Memory.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/user"
)

var (
	// ErrDuplicateKey is returned when a write would violate the uniqueness
	// of a normalized user name, email or role name. Nothing is written.
	ErrDuplicateKey = errors.New("custodian: duplicate key")

	// ErrConcurrencyConflict is returned when an update or delete carries a
	// stale concurrency stamp. Re-read the record and retry.
	ErrConcurrencyConflict = errors.New("custodian: concurrency conflict")
)

// Store is the aggregate persistence interface. A single backend provides
// both record stores over one key type.
type Store[K comparable] interface {
	// Users returns the account store.
	Users() user.Store[K]

	// Roles returns the role store.
	Roles() role.Store[K]

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close(ctx context.Context) error
}

// Record is the capability set the compare-and-swap writes rely on:
// an identifier and a concurrency stamp.
type Record[K comparable] interface {
	Key() K
	SetKey(K)
	Stamp() string
	SetStamp(string)
}

// Compile-time checks.
var (
	_ Record[string] = (*user.User[string])(nil)
	_ Record[string] = (*role.Role[string])(nil)
)

// NewStamp returns a fresh concurrency stamp.
func NewStamp() string { return uuid.NewString() }

// PrepareCreate assigns a key when r has none and issues the first stamp.
func PrepareCreate[K comparable](r Record[K], keys keytype.Adapter[K], kind keytype.Kind) {
	if keys.IsZero(r.Key()) {
		r.SetKey(keys.Generate(kind))
	}
	r.SetStamp(NewStamp())
}
