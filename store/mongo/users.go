package mongo

import (
	"context"
	"fmt"

	"github.com/xraph/grove/drivers/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/custodian/claim"
	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

var _ user.Store[string] = (*UserStore[string])(nil)

// UserStore is the MongoDB account store.
type UserStore[K comparable] struct {
	user.Staged[K]
	mdb     *mongodriver.MongoDB
	col     string
	keys    keytype.Adapter[K]
	version int
}

func (s *UserStore[K]) Create(ctx context.Context, u *user.User[K]) error {
	cp := u.Clone()
	store.PrepareCreate[K](cp, s.keys, keytype.KindUser)
	if cp.SecurityStamp == "" {
		cp.SecurityStamp = store.NewStamp()
	}

	m := userToModel(cp, s.keys, s.version)
	update, err := insertion(m)
	if err != nil {
		return fmt.Errorf("custodian: create user: %w", err)
	}
	res, err := s.mdb.NewUpdate(m).
		Collection(s.col).
		Filter(bson.M{"_id": m.ID}).
		SetUpdate(update).
		Upsert().
		Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s: %w", s.keys.Format(cp.ID), store.ErrDuplicateKey)
		}
		return fmt.Errorf("custodian: create user: %w", err)
	}
	if res.MatchedCount() > 0 {
		return fmt.Errorf("user %s: %w", s.keys.Format(cp.ID), store.ErrDuplicateKey)
	}
	u.ID = cp.ID
	u.ConcurrencyStamp = cp.ConcurrencyStamp
	u.SecurityStamp = cp.SecurityStamp
	return nil
}

func (s *UserStore[K]) Update(ctx context.Context, u *user.User[K]) error {
	cas := bson.M{"_id": s.keys.Encode(u.ID), migrate.StampField: u.ConcurrencyStamp}

	var prev userModel
	if err := s.mdb.NewFind(&prev).Collection(s.col).Filter(cas).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return fmt.Errorf("user %s: %w", s.keys.Format(u.ID), store.ErrConcurrencyConflict)
		}
		return fmt.Errorf("custodian: update user: %w", err)
	}

	cp := u.Clone()
	cp.ConcurrencyStamp = store.NewStamp()
	m := userToModel(cp, s.keys, s.version)
	update, err := replacement(&prev, m)
	if err != nil {
		return fmt.Errorf("custodian: update user: %w", err)
	}

	res, err := s.mdb.NewUpdate(m).
		Collection(s.col).
		Filter(cas).
		SetUpdate(update).
		Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("user %s: %w", s.keys.Format(u.ID), store.ErrDuplicateKey)
		}
		return fmt.Errorf("custodian: update user: %w", err)
	}
	if res.MatchedCount() == 0 {
		return fmt.Errorf("user %s: %w", s.keys.Format(u.ID), store.ErrConcurrencyConflict)
	}
	u.ConcurrencyStamp = cp.ConcurrencyStamp
	return nil
}

func (s *UserStore[K]) Delete(ctx context.Context, u *user.User[K]) error {
	res, err := s.mdb.NewDelete((*userModel)(nil)).
		Collection(s.col).
		Filter(bson.M{"_id": s.keys.Encode(u.ID), migrate.StampField: u.ConcurrencyStamp}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("custodian: delete user: %w", err)
	}
	if res.DeletedCount() == 0 {
		return fmt.Errorf("user %s: %w", s.keys.Format(u.ID), store.ErrConcurrencyConflict)
	}
	return nil
}

func (s *UserStore[K]) FindByID(ctx context.Context, userID K) (*user.User[K], error) {
	return s.findOne(ctx, bson.M{"_id": s.keys.Encode(userID)}, "user "+s.keys.Format(userID))
}

func (s *UserStore[K]) FindByName(ctx context.Context, normalizedUserName string) (*user.User[K], error) {
	return s.findOne(ctx, bson.M{"normalized_user_name": normalizedUserName}, fmt.Sprintf("user name %q", normalizedUserName))
}

func (s *UserStore[K]) FindByEmail(ctx context.Context, normalizedEmail string) (*user.User[K], error) {
	return s.findOne(ctx, bson.M{"normalized_email": normalizedEmail}, fmt.Sprintf("user email %q", normalizedEmail))
}

func (s *UserStore[K]) FindByLogin(ctx context.Context, provider, providerKey string) (*user.User[K], error) {
	f := bson.M{"logins": bson.M{"$elemMatch": bson.M{
		"login_provider": provider,
		"provider_key":   providerKey,
	}}}
	return s.findOne(ctx, f, fmt.Sprintf("user login %s/%s", provider, providerKey))
}

func (s *UserStore[K]) UsersInRole(ctx context.Context, normalizedRole string) ([]*user.User[K], error) {
	return s.findMany(ctx, bson.M{"roles": normalizedRole})
}

func (s *UserStore[K]) UsersForClaim(ctx context.Context, c claim.Claim) ([]*user.User[K], error) {
	return s.findMany(ctx, bson.M{"claims": bson.M{"$elemMatch": bson.M{
		"type":  c.Type,
		"value": c.Value,
	}}})
}

func (s *UserStore[K]) findOne(ctx context.Context, filter bson.M, what string) (*user.User[K], error) {
	var m userModel
	if err := s.mdb.NewFind(&m).Collection(s.col).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, fmt.Errorf("%s: %w", what, user.ErrNotFound)
		}
		return nil, fmt.Errorf("custodian: find user: %w", err)
	}
	return userFromModel(&m, s.keys)
}

func (s *UserStore[K]) findMany(ctx context.Context, filter bson.M) ([]*user.User[K], error) {
	var models []userModel
	err := s.mdb.NewFind(&models).
		Collection(s.col).
		Filter(filter).
		Sort(bson.D{{Key: "_id", Value: 1}}).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("custodian: find users: %w", err)
	}

	result := make([]*user.User[K], 0, len(models))
	for i := range models {
		u, err := userFromModel(&models[i], s.keys)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, nil
}
