package mongo

import (
	"context"
	"fmt"

	"github.com/xraph/grove/drivers/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
)

var _ role.Store[string] = (*RoleStore[string])(nil)

// RoleStore is the MongoDB role store.
type RoleStore[K comparable] struct {
	role.Staged[K]
	mdb  *mongodriver.MongoDB
	col  string
	keys keytype.Adapter[K]
}

func (s *RoleStore[K]) Create(ctx context.Context, r *role.Role[K]) error {
	cp := r.Clone()
	store.PrepareCreate[K](cp, s.keys, keytype.KindRole)

	m := roleToModel(cp, s.keys)
	update, err := insertion(m)
	if err != nil {
		return fmt.Errorf("custodian: create role: %w", err)
	}
	res, err := s.mdb.NewUpdate(m).
		Collection(s.col).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(update).
		Upsert().
		Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("role %q: %w", cp.NormalizedName, store.ErrDuplicateKey)
		}
		return fmt.Errorf("custodian: create role: %w", err)
	}
	if res.MatchedCount() > 0 {
		return fmt.Errorf("role %s: %w", s.keys.Format(cp.ID), store.ErrDuplicateKey)
	}
	r.ID = cp.ID
	r.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (s *RoleStore[K]) Update(ctx context.Context, r *role.Role[K]) error {
	cas := bson.M{"_id": s.keys.Encode(r.ID), migrate.StampField: r.ConcurrencyStamp}

	var prev roleModel
	if err := s.mdb.NewFind(&prev).Collection(s.col).Filter(cas).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return fmt.Errorf("role %s: %w", s.keys.Format(r.ID), store.ErrConcurrencyConflict)
		}
		return fmt.Errorf("custodian: update role: %w", err)
	}

	cp := r.Clone()
	cp.ConcurrencyStamp = store.NewStamp()
	m := roleToModel(cp, s.keys)
	update, err := replacement(&prev, m)
	if err != nil {
		return fmt.Errorf("custodian: update role: %w", err)
	}

	res, err := s.mdb.NewUpdate(m).
		Collection(s.col).
		Filter(cas).
		SetUpdate(update).
		Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("role %q: %w", r.NormalizedName, store.ErrDuplicateKey)
		}
		return fmt.Errorf("custodian: update role: %w", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("role %s: %w", s.keys.Format(r.ID), store.ErrConcurrencyConflict)
	}
	r.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (s *RoleStore[K]) Delete(ctx context.Context, r *role.Role[K]) error {
	res, err := s.mdb.NewDelete((*roleModel)(nil)).
		Collection(s.col).
		Filter(bson.M{"_id": s.keys.Encode(r.ID), migrate.StampField: r.ConcurrencyStamp}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("custodian: delete role: %w", err)
	}
	if res.DeletedCount() == 0 {
		return fmt.Errorf("role %s: %w", s.keys.Format(r.ID), store.ErrConcurrencyConflict)
	}
	return nil
}

func (s *RoleStore[K]) FindByID(ctx context.Context, roleID K) (*role.Role[K], error) {
	return s.findOne(ctx, bson.M{"_id": s.keys.Encode(roleID)}, "role "+s.keys.Format(roleID))
}

func (s *RoleStore[K]) FindByName(ctx context.Context, normalizedName string) (*role.Role[K], error) {
	return s.findOne(ctx, bson.M{"normalized_name": normalizedName}, fmt.Sprintf("role name %q", normalizedName))
}

func (s *RoleStore[K]) Exists(ctx context.Context, normalizedName string) (bool, error) {
	n, err := s.mdb.NewFind((*roleModel)(nil)).
		Collection(s.col).
		Filter(bson.M{"normalized_name": normalizedName}).
		Count(ctx)
	if err != nil {
		return false, fmt.Errorf("custodian: count roles: %w", err)
	}
	return n > 0, nil
}

func (s *RoleStore[K]) findOne(ctx context.Context, filter bson.M, what string) (*role.Role[K], error) {
	var m roleModel
	if err := s.mdb.NewFind(&m).Collection(s.col).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%s: %w", what, role.ErrNotFound)
		}
		return nil, fmt.Errorf("custodian: find role: %w", err)
	}
	return roleFromModel(&m, s.keys)
}

// ──────────────────────────────────────────────────
// Migration role backend
// ──────────────────────────────────────────────────

type roleEnsurer[K comparable] struct {
	mdb  *mongodriver.MongoDB
	col  string
	keys keytype.Adapter[K]
}

// EnsureRole inserts the role only when no role has normalizedName. A
// concurrent insert of the same name surfaces as a duplicate key and is
// treated as success.
func (e *roleEnsurer[K]) EnsureRole(ctx context.Context, name, normalizedName string) error {
	_, err := e.mdb.NewUpdate(&roleModel{}).
		Collection(e.col).
		Filter(bson.M{"normalized_name": normalizedName}).
		SetUpdate(bson.M{"$setOnInsert": bson.M{
			"_id":              e.keys.Encode(e.keys.Generate(keytype.KindRole)),
			"name":             name,
			migrate.StampField: store.NewStamp(),
			"claims":           bson.A{},
		}}).
		Upsert().
		Exec(ctx)
	if err != nil && !mongod.IsDuplicateKeyError(err) {
		return fmt.Errorf("custodian: ensure role %q: %w", normalizedName, err)
	}
	return nil
}
