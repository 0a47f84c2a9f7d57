package plugin

import (
	"context"
	"log/slog"
)

// Each entry keeps the plugin name next to its hook so failures can be
// attributed in logs.

type userCreatedEntry struct {
	name string
	hook UserCreated
}
type userUpdatedEntry struct {
	name string
	hook UserUpdated
}
type userDeletedEntry struct {
	name string
	hook UserDeleted
}
type roleCreatedEntry struct {
	name string
	hook RoleCreated
}
type roleUpdatedEntry struct {
	name string
	hook RoleUpdated
}
type roleDeletedEntry struct {
	name string
	hook RoleDeleted
}
type conflictEntry struct {
	name string
	hook ConcurrencyConflict
}
type migrationAppliedEntry struct {
	name string
	hook MigrationApplied
}
type migrationFailedEntry struct {
	name string
	hook MigrationFailed
}
type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry dispatches lifecycle events to plugins. Hook support is
// resolved once in Register; each Emit walks only the plugins that
// implement that hook. A nil *Registry is valid and drops every event.
type Registry struct {
	plugins []Plugin
	logger  *slog.Logger

	userCreated      []userCreatedEntry
	userUpdated      []userUpdatedEntry
	userDeleted      []userDeletedEntry
	roleCreated      []roleCreatedEntry
	roleUpdated      []roleUpdatedEntry
	roleDeleted      []roleDeletedEntry
	conflict         []conflictEntry
	migrationApplied []migrationAppliedEntry
	migrationFailed  []migrationFailedEntry
	shutdown         []shutdownEntry
}

// NewRegistry returns an empty registry. A nil logger means slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds p. Events reach plugins in the order they were
// registered.
func (r *Registry) Register(p Plugin) {
	r.plugins = append(r.plugins, p)
	name := p.Name()

	if h, ok := p.(UserCreated); ok {
		r.userCreated = append(r.userCreated, userCreatedEntry{name, h})
	}
	if h, ok := p.(UserUpdated); ok {
		r.userUpdated = append(r.userUpdated, userUpdatedEntry{name, h})
	}
	if h, ok := p.(UserDeleted); ok {
		r.userDeleted = append(r.userDeleted, userDeletedEntry{name, h})
	}
	if h, ok := p.(RoleCreated); ok {
		r.roleCreated = append(r.roleCreated, roleCreatedEntry{name, h})
	}
	if h, ok := p.(RoleUpdated); ok {
		r.roleUpdated = append(r.roleUpdated, roleUpdatedEntry{name, h})
	}
	if h, ok := p.(RoleDeleted); ok {
		r.roleDeleted = append(r.roleDeleted, roleDeletedEntry{name, h})
	}
	if h, ok := p.(ConcurrencyConflict); ok {
		r.conflict = append(r.conflict, conflictEntry{name, h})
	}
	if h, ok := p.(MigrationApplied); ok {
		r.migrationApplied = append(r.migrationApplied, migrationAppliedEntry{name, h})
	}
	if h, ok := p.(MigrationFailed); ok {
		r.migrationFailed = append(r.migrationFailed, migrationFailedEntry{name, h})
	}
	if h, ok := p.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Plugins returns the registered plugins in registration order.
func (r *Registry) Plugins() []Plugin {
	if r == nil {
		return nil
	}
	return r.plugins
}

// ──────────────────────────────────────────────────
// Account event emitters
// ──────────────────────────────────────────────────

// EmitUserCreated notifies all plugins that implement UserCreated.
func (r *Registry) EmitUserCreated(ctx context.Context, userID string) {
	if r == nil {
		return
	}
	for _, e := range r.userCreated {
		if err := e.hook.OnUserCreated(ctx, userID); err != nil {
			r.logHookError("OnUserCreated", e.name, err)
		}
	}
}

// EmitUserUpdated notifies all plugins that implement UserUpdated.
func (r *Registry) EmitUserUpdated(ctx context.Context, userID string) {
	if r == nil {
		return
	}
	for _, e := range r.userUpdated {
		if err := e.hook.OnUserUpdated(ctx, userID); err != nil {
			r.logHookError("OnUserUpdated", e.name, err)
		}
	}
}

// EmitUserDeleted notifies all plugins that implement UserDeleted.
func (r *Registry) EmitUserDeleted(ctx context.Context, userID string) {
	if r == nil {
		return
	}
	for _, e := range r.userDeleted {
		if err := e.hook.OnUserDeleted(ctx, userID); err != nil {
			r.logHookError("OnUserDeleted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Role event emitters
// ──────────────────────────────────────────────────

// EmitRoleCreated notifies all plugins that implement RoleCreated.
func (r *Registry) EmitRoleCreated(ctx context.Context, roleID, normalizedName string) {
	if r == nil {
		return
	}
	for _, e := range r.roleCreated {
		if err := e.hook.OnRoleCreated(ctx, roleID, normalizedName); err != nil {
			r.logHookError("OnRoleCreated", e.name, err)
		}
	}
}

// EmitRoleUpdated notifies all plugins that implement RoleUpdated.
func (r *Registry) EmitRoleUpdated(ctx context.Context, roleID, normalizedName string) {
	if r == nil {
		return
	}
	for _, e := range r.roleUpdated {
		if err := e.hook.OnRoleUpdated(ctx, roleID, normalizedName); err != nil {
			r.logHookError("OnRoleUpdated", e.name, err)
		}
	}
}

// EmitRoleDeleted notifies all plugins that implement RoleDeleted.
func (r *Registry) EmitRoleDeleted(ctx context.Context, roleID, normalizedName string) {
	if r == nil {
		return
	}
	for _, e := range r.roleDeleted {
		if err := e.hook.OnRoleDeleted(ctx, roleID, normalizedName); err != nil {
			r.logHookError("OnRoleDeleted", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Write outcome emitters
// ──────────────────────────────────────────────────

// EmitConcurrencyConflict notifies all plugins that implement ConcurrencyConflict.
func (r *Registry) EmitConcurrencyConflict(ctx context.Context, kind, recordID string) {
	if r == nil {
		return
	}
	for _, e := range r.conflict {
		if err := e.hook.OnConcurrencyConflict(ctx, kind, recordID); err != nil {
			r.logHookError("OnConcurrencyConflict", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Migration emitters
// ──────────────────────────────────────────────────

// EmitMigrationApplied notifies all plugins that implement MigrationApplied.
func (r *Registry) EmitMigrationApplied(ctx context.Context, version int, name string, migrated int) {
	if r == nil {
		return
	}
	for _, e := range r.migrationApplied {
		if err := e.hook.OnMigrationApplied(ctx, version, name, migrated); err != nil {
			r.logHookError("OnMigrationApplied", e.name, err)
		}
	}
}

// EmitMigrationFailed notifies all plugins that implement MigrationFailed.
func (r *Registry) EmitMigrationFailed(ctx context.Context, version int, name string, cause error) {
	if r == nil {
		return
	}
	for _, e := range r.migrationFailed {
		if err := e.hook.OnMigrationFailed(ctx, version, name, cause); err != nil {
			r.logHookError("OnMigrationFailed", e.name, err)
		}
	}
}

// EmitShutdown notifies all plugins that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	if r == nil {
		return
	}
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError records a failed hook at Warn.
// Hook errors are never propagated to the caller.
func (r *Registry) logHookError(hook, pluginName string, err error) {
	r.logger.Warn("plugin hook error",
		slog.String("hook", hook),
		slog.String("plugin", pluginName),
		slog.String("error", err.Error()),
	)
}
