//go:build integration

package mongo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tcmongo "github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/custodian/claim"
	"github.com/xraph/custodian/id"
	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/store/mongo"
	"github.com/xraph/custodian/user"
)

func startMongo(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcmongo.Run(ctx, "mongo:7", tcmongo.WithReplicaSet("rs0"))
	if err != nil {
		t.Fatalf("failed to start mongo container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("failed to get mongo connection string: %v", err)
	}
	return uri + "/?directConnection=true"
}

func openStore(t *testing.T, uri, database string) *mongo.Store[id.ID] {
	t.Helper()
	ctx := context.Background()

	s, err := mongo.Connect(ctx, uri, database, keytype.TypeID())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(ctx) })
	require.NoError(t, s.EnsureIndexes(ctx))
	return s
}

func TestMongoStore(t *testing.T) {
	uri := startMongo(t)
	ctx := context.Background()

	t.Run("user CRUD and CAS", func(t *testing.T) {
		s := openStore(t, uri, "crud")
		users := s.Users()

		u := &user.User[id.ID]{
			UserName:           "alice",
			NormalizedUserName: "ALICE",
			Email:              "alice@example.com",
			NormalizedEmail:    "ALICE@EXAMPLE.COM",
			Metadata:           map[string]any{"favorite_color": "blue"},
		}
		require.NoError(t, users.Create(ctx, u))
		require.False(t, u.ID.IsNil())
		require.NotEmpty(t, u.SecurityStamp)

		got, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, u.ConcurrencyStamp, got.ConcurrencyStamp)
		require.Equal(t, "blue", got.Metadata["favorite_color"])

		stale, err := users.FindByEmail(ctx, "ALICE@EXAMPLE.COM")
		require.NoError(t, err)

		got.PhoneNumber = "555"
		require.NoError(t, users.Update(ctx, got))
		require.NotEqual(t, stale.ConcurrencyStamp, got.ConcurrencyStamp)

		stale.PhoneNumber = "666"
		require.ErrorIs(t, users.Update(ctx, stale), store.ErrConcurrencyConflict)
		require.ErrorIs(t, users.Delete(ctx, stale), store.ErrConcurrencyConflict)

		require.NoError(t, users.Delete(ctx, got))
		_, err = users.FindByID(ctx, u.ID)
		require.ErrorIs(t, err, user.ErrNotFound)
	})

	t.Run("duplicate email", func(t *testing.T) {
		s := openStore(t, uri, "dup")
		users := s.Users()

		require.NoError(t, users.Create(ctx, &user.User[id.ID]{NormalizedUserName: "A", NormalizedEmail: "X@Y"}))
		err := users.Create(ctx, &user.User[id.ID]{NormalizedUserName: "B", NormalizedEmail: "X@Y"})
		require.ErrorIs(t, err, store.ErrDuplicateKey)

		_, err = users.FindByName(ctx, "B")
		require.ErrorIs(t, err, user.ErrNotFound)

		// Accounts without email do not collide.
		require.NoError(t, users.Create(ctx, &user.User[id.ID]{NormalizedUserName: "C"}))
		require.NoError(t, users.Create(ctx, &user.User[id.ID]{NormalizedUserName: "D"}))
	})

	t.Run("roles, logins and claims", func(t *testing.T) {
		s := openStore(t, uri, "rel")
		users, roles := s.Users(), s.Roles()

		admin := &role.Role[id.ID]{Name: "Admin", NormalizedName: "ADMIN"}
		require.NoError(t, roles.Create(ctx, admin))
		require.ErrorIs(t, roles.Create(ctx, &role.Role[id.ID]{Name: "admin", NormalizedName: "ADMIN"}), store.ErrDuplicateKey)

		u := &user.User[id.ID]{NormalizedUserName: "BOB"}
		require.NoError(t, users.Create(ctx, u))
		require.NoError(t, users.AddToRole(ctx, u, "ADMIN"))
		require.ErrorIs(t, users.AddToRole(ctx, u, "GHOST"), role.ErrNotFound)
		require.NoError(t, users.AddLogin(ctx, u, user.Login{LoginProvider: "github", ProviderKey: "42"}))
		require.NoError(t, users.AddClaims(ctx, u, claim.New("tier", "gold")))
		require.NoError(t, users.Update(ctx, u))

		inRole, err := users.UsersInRole(ctx, "ADMIN")
		require.NoError(t, err)
		require.Len(t, inRole, 1)

		byLogin, err := users.FindByLogin(ctx, "github", "42")
		require.NoError(t, err)
		require.Equal(t, u.ID.String(), byLogin.ID.String())

		forClaim, err := users.UsersForClaim(ctx, claim.New("tier", "gold"))
		require.NoError(t, err)
		require.Len(t, forClaim, 1)

		require.NoError(t, roles.Delete(ctx, admin))
		after, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.True(t, after.InRole("ADMIN"))
	})

	t.Run("migrates legacy accounts", func(t *testing.T) {
		s := openStore(t, uri, "legacy")

		client, err := mongod.Connect(options.Client().ApplyURI(uri))
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Disconnect(ctx) })
		raw := client.Database("legacy").Collection(mongo.DefaultUsersCollection)

		_, err = raw.InsertOne(ctx, bson.M{
			"_id":                  id.NewUserID().String(),
			"user_name":            "carol",
			"normalized_user_name": "CAROL",
			"roles":                bson.A{bson.M{"name": "Admin"}},
			"user_claims":          bson.A{bson.M{"claim_type": "tier", "claim_value": "gold"}},
			"authenticator_key":    "K",
			"shoe_size":            42,
		})
		require.NoError(t, err)

		m := s.Migrator(migrate.WithTx(s.TxRunner()))
		res, err := m.Apply(ctx)
		require.NoError(t, err)
		require.Equal(t, migrate.VersionAuthenticatorTokens, res.To)

		version, err := s.Ledger().Version(ctx)
		require.NoError(t, err)
		require.Equal(t, migrate.VersionAuthenticatorTokens, version)

		ok, err := s.Roles().Exists(ctx, "ADMIN")
		require.NoError(t, err)
		require.True(t, ok)

		carol, err := s.Users().FindByName(ctx, "CAROL")
		require.NoError(t, err)
		require.Equal(t, []string{"ADMIN"}, carol.Roles)
		require.Len(t, carol.Claims, 1)
		v, ok := carol.Token(migrate.AuthenticatorProvider, migrate.AuthenticatorKeyToken)
		require.True(t, ok)
		require.Equal(t, "K", v)
		require.EqualValues(t, 42, carol.Metadata["shoe_size"])
		require.NotEmpty(t, carol.ConcurrencyStamp)

		carol.PhoneNumber = "555"
		require.NoError(t, s.Users().Update(ctx, carol))

		again, err := m.Apply(ctx)
		require.NoError(t, err)
		require.Empty(t, again.Steps)
	})

	t.Run("ledger never decreases", func(t *testing.T) {
		s := openStore(t, uri, "ledger")
		l := s.Ledger()

		v, err := l.Version(ctx)
		require.NoError(t, err)
		require.Zero(t, v)

		require.NoError(t, l.Advance(ctx, migrate.Applied{Version: 3, Name: "c"}))
		require.NoError(t, l.Advance(ctx, migrate.Applied{Version: 1, Name: "a"}))
		v, err = l.Version(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, v)
	})

	t.Run("migration lock", func(t *testing.T) {
		s := openStore(t, uri, "lock")
		l := s.Ledger()

		require.NoError(t, l.Lock(ctx, "a"))
		require.ErrorIs(t, l.Lock(ctx, "b"), migrate.ErrLockHeld)

		// Only the holder releases.
		require.NoError(t, l.Unlock(ctx, "b"))
		require.ErrorIs(t, l.Lock(ctx, "b"), migrate.ErrLockHeld)

		require.NoError(t, l.Unlock(ctx, "a"))
		require.NoError(t, l.Lock(ctx, "b"))
		require.NoError(t, l.Unlock(ctx, "b"))

		short, err := mongo.Connect(ctx, uri, "lock", keytype.TypeID(), mongo.WithLockTTL(50*time.Millisecond))
		require.NoError(t, err)
		t.Cleanup(func() { _ = short.Close(ctx) })
		require.NoError(t, short.Ledger().Lock(ctx, "crashed"))
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, short.Ledger().Lock(ctx, "successor"), "stale lock must be taken over")
	})

	t.Run("update removes dropped fields", func(t *testing.T) {
		s := openStore(t, uri, "replace")
		users := s.Users()

		u := &user.User[id.ID]{
			NormalizedUserName: "DAN",
			Email:              "dan@example.com",
			NormalizedEmail:    "DAN@EXAMPLE.COM",
			Metadata:           map[string]any{"keep": "k", "drop": "d"},
		}
		require.NoError(t, users.Create(ctx, u))

		got, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		delete(got.Metadata, "drop")
		got.Email, got.NormalizedEmail = "", ""
		require.NoError(t, users.Update(ctx, got))

		after, err := users.FindByID(ctx, u.ID)
		require.NoError(t, err)
		require.Equal(t, map[string]any{"keep": "k"}, after.Metadata)
		_, err = users.FindByEmail(ctx, "DAN@EXAMPLE.COM")
		require.ErrorIs(t, err, user.ErrNotFound)
	})

	t.Run("keeps embedded sub-fields across writes", func(t *testing.T) {
		s := openStore(t, uri, "embedded")

		client, err := mongod.Connect(options.Client().ApplyURI(uri))
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Disconnect(ctx) })
		raw := client.Database("embedded").Collection(mongo.DefaultUsersCollection)

		key := id.NewUserID().String()
		_, err = raw.InsertOne(ctx, bson.M{
			"_id":                  key,
			"normalized_user_name": "ERIN",
			"concurrency_stamp":    "s0",
			"schema_version":       migrate.VersionAuthenticatorTokens,
			"claims":               bson.A{bson.M{"type": "tier", "value": "gold", "issuer": "LOCAL AUTHORITY"}},
			"logins":               bson.A{bson.M{"login_provider": "github", "provider_key": "7", "linked_at": "2019"}},
		})
		require.NoError(t, err)

		erin, err := s.Users().FindByName(ctx, "ERIN")
		require.NoError(t, err)
		require.Equal(t, []claim.Claim{claim.New("tier", "gold")}, erin.Claims)
		require.NoError(t, s.Users().Update(ctx, erin))

		var stored struct {
			LegacyClaims []bson.M `bson:"legacy_claims"`
			LegacyLogins []bson.M `bson:"legacy_logins"`
		}
		require.NoError(t, raw.FindOne(ctx, bson.M{"_id": key}).Decode(&stored))
		require.Len(t, stored.LegacyClaims, 1)
		require.Equal(t, "LOCAL AUTHORITY", stored.LegacyClaims[0]["issuer"])
		require.Len(t, stored.LegacyLogins, 1)
		require.Equal(t, "2019", stored.LegacyLogins[0]["linked_at"])

		// A second write does not copy the entries again.
		erin, err = s.Users().FindByName(ctx, "ERIN")
		require.NoError(t, err)
		require.NoError(t, s.Users().Update(ctx, erin))
		require.NoError(t, raw.FindOne(ctx, bson.M{"_id": key}).Decode(&stored))
		require.Len(t, stored.LegacyClaims, 1)
	})

	t.Run("from grove", func(t *testing.T) {
		mdb := mongodriver.New()
		require.NoError(t, mdb.Open(ctx, uri, mongodriver.WithDatabase("grove")))
		db, err := grove.Open(mdb)
		require.NoError(t, err)

		s := mongo.FromGrove(db, keytype.String(), mongo.WithCollections(mongo.Collections{Users: "accounts"}))
		require.NoError(t, s.EnsureIndexes(ctx))
		require.NoError(t, s.Ping(ctx))

		u := &user.User[string]{NormalizedUserName: "FRANK"}
		require.NoError(t, s.Users().Create(ctx, u))
		n, err := mdb.Collection("accounts").CountDocuments(ctx, bson.M{"_id": u.ID})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		_, err = s.Migrator().Apply(ctx)
		require.NoError(t, err)

		require.NoError(t, s.Close(ctx))
		require.Error(t, db.Ping(ctx), "Close must close the grove DB")
	})

	t.Run("ping", func(t *testing.T) {
		s := openStore(t, uri, "ping")
		require.NoError(t, s.Ping(ctx))
	})
}
