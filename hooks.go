package custodian

import (
	"context"
	"errors"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/plugin"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

// hookedUsers emits lifecycle events around the writes of a user.Store.
type hookedUsers[K comparable] struct {
	user.Store[K]
	keys    keytype.Adapter[K]
	plugins *plugin.Registry
}

func (h *hookedUsers[K]) Create(ctx context.Context, u *user.User[K]) error {
	if err := h.Store.Create(ctx, u); err != nil {
		return err
	}
	h.plugins.EmitUserCreated(ctx, h.keys.Format(u.ID))
	return nil
}

func (h *hookedUsers[K]) Update(ctx context.Context, u *user.User[K]) error {
	if err := h.Store.Update(ctx, u); err != nil {
		h.conflict(ctx, err, u.ID)
		return err
	}
	h.plugins.EmitUserUpdated(ctx, h.keys.Format(u.ID))
	return nil
}

func (h *hookedUsers[K]) Delete(ctx context.Context, u *user.User[K]) error {
	if err := h.Store.Delete(ctx, u); err != nil {
		h.conflict(ctx, err, u.ID)
		return err
	}
	h.plugins.EmitUserDeleted(ctx, h.keys.Format(u.ID))
	return nil
}

func (h *hookedUsers[K]) conflict(ctx context.Context, err error, key K) {
	if errors.Is(err, store.ErrConcurrencyConflict) {
		h.plugins.EmitConcurrencyConflict(ctx, string(keytype.KindUser), h.keys.Format(key))
	}
}

// hookedRoles emits lifecycle events around the writes of a role.Store.
type hookedRoles[K comparable] struct {
	role.Store[K]
	keys    keytype.Adapter[K]
	plugins *plugin.Registry
}

func (h *hookedRoles[K]) Create(ctx context.Context, r *role.Role[K]) error {
	if err := h.Store.Create(ctx, r); err != nil {
		return err
	}
	h.plugins.EmitRoleCreated(ctx, h.keys.Format(r.ID), r.NormalizedName)
	return nil
}

func (h *hookedRoles[K]) Update(ctx context.Context, r *role.Role[K]) error {
	if err := h.Store.Update(ctx, r); err != nil {
		h.conflict(ctx, err, r.ID)
		return err
	}
	h.plugins.EmitRoleUpdated(ctx, h.keys.Format(r.ID), r.NormalizedName)
	return nil
}

func (h *hookedRoles[K]) Delete(ctx context.Context, r *role.Role[K]) error {
	if err := h.Store.Delete(ctx, r); err != nil {
		h.conflict(ctx, err, r.ID)
		return err
	}
	h.plugins.EmitRoleDeleted(ctx, h.keys.Format(r.ID), r.NormalizedName)
	return nil
}

func (h *hookedRoles[K]) conflict(ctx context.Context, err error, key K) {
	if errors.Is(err, store.ErrConcurrencyConflict) {
		h.plugins.EmitConcurrencyConflict(ctx, string(keytype.KindRole), h.keys.Format(key))
	}
}
