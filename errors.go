package custodian

import (
	"errors"

	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

var (
	// ErrUserNotFound is returned when an account lookup misses.
	ErrUserNotFound = user.ErrNotFound

	// ErrRoleNotFound is returned when a role lookup misses, and by
	// AddToRole when the role does not exist.
	ErrRoleNotFound = role.ErrNotFound

	// ErrDuplicateKey is returned when a create or update would duplicate a
	// normalized user name, email or role name.
	ErrDuplicateKey = store.ErrDuplicateKey

	// ErrConcurrencyConflict is returned when an update or delete carries a
	// stale concurrency stamp.
	ErrConcurrencyConflict = store.ErrConcurrencyConflict

	// ErrMigrationFailed is returned when a migration step aborts. The
	// ledger is left at the last completed step.
	ErrMigrationFailed = migrate.ErrMigrationFailed

	// ErrInvalidConfig is returned when connection settings are missing or
	// malformed.
	ErrInvalidConfig = errors.New("custodian: invalid config")

	// ErrUnknownKeyType is returned when no key adapter is registered for
	// the requested key type.
	ErrUnknownKeyType = errors.New("custodian: unknown key type")
)
