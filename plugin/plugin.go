// Package plugin defines the plugin system for custodian.
// Plugins are notified of lifecycle events (account created, role deleted,
// migration applied, etc.) and can react with logging or metrics.
//
// Each lifecycle hook is a separate interface so plugins opt in only
// to the events they care about. Record keys are passed in their canonical
// string form so hooks do not depend on the key type.
package plugin

import "context"

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	// Name returns a unique human-readable name for the plugin.
	Name() string
}

// ──────────────────────────────────────────────────
// Account lifecycle hooks
// ──────────────────────────────────────────────────

// UserCreated is called after an account is inserted.
type UserCreated interface {
	OnUserCreated(ctx context.Context, userID string) error
}

// UserUpdated is called after an account update commits.
type UserUpdated interface {
	OnUserUpdated(ctx context.Context, userID string) error
}

// UserDeleted is called after an account is deleted.
type UserDeleted interface {
	OnUserDeleted(ctx context.Context, userID string) error
}

// ──────────────────────────────────────────────────
// Role lifecycle hooks
// ──────────────────────────────────────────────────

// RoleCreated is called after a role is inserted.
type RoleCreated interface {
	OnRoleCreated(ctx context.Context, roleID, normalizedName string) error
}

// RoleUpdated is called after a role update commits.
type RoleUpdated interface {
	OnRoleUpdated(ctx context.Context, roleID, normalizedName string) error
}

// RoleDeleted is called after a role is deleted.
type RoleDeleted interface {
	OnRoleDeleted(ctx context.Context, roleID, normalizedName string) error
}

// ──────────────────────────────────────────────────
// Write outcome hooks
// ──────────────────────────────────────────────────

// ConcurrencyConflict is called when a write is rejected for a stale stamp.
// kind is "user" or "role".
type ConcurrencyConflict interface {
	OnConcurrencyConflict(ctx context.Context, kind, recordID string) error
}

// ──────────────────────────────────────────────────
// Migration hooks
// ──────────────────────────────────────────────────

// MigrationApplied is called after a step's documents are written and the
// ledger has advanced.
type MigrationApplied interface {
	OnMigrationApplied(ctx context.Context, version int, name string, migrated int) error
}

// MigrationFailed is called when a step aborts.
type MigrationFailed interface {
	OnMigrationFailed(ctx context.Context, version int, name string, cause error) error
}

// ──────────────────────────────────────────────────
// Shutdown hook
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
