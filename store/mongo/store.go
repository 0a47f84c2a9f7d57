// Package mongo implements the custodian stores, migration ledger and
// migration document access on MongoDB.
//
// Records are read and written through grove's Mongo query builders. A
// Store is built from a connection string (Connect), from an open grove
// Mongo driver (New) or from a Grove DB using that driver (FromGrove).
// Collection names are configurable.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

// Default collection names.
const (
	DefaultUsersCollection     = "users"
	DefaultRolesCollection     = "roles"
	DefaultMigrationCollection = "migrations"
)

// Compile-time interface checks.
var (
	_ store.Store[string] = (*Store[string])(nil)
	_ migrate.Ledger      = (*Ledger)(nil)
	_ migrate.Documents   = (*Documents)(nil)
	_ migrate.TxRunner    = (*TxRunner)(nil)
)

// Collections names the collections a Store uses.
type Collections struct {
	Users      string
	Roles      string
	Migrations string
}

// DefaultCollections returns the default collection names.
func DefaultCollections() Collections {
	return Collections{
		Users:      DefaultUsersCollection,
		Roles:      DefaultRolesCollection,
		Migrations: DefaultMigrationCollection,
	}
}

func (c Collections) withDefaults() Collections {
	d := DefaultCollections()
	if c.Users == "" {
		c.Users = d.Users
	}
	if c.Roles == "" {
		c.Roles = d.Roles
	}
	if c.Migrations == "" {
		c.Migrations = d.Migrations
	}
	return c
}

// Option configures a Store.
type Option func(*config)

type config struct {
	collections    Collections
	schemaVersion  int
	connectTimeout time.Duration
	lockTTL        time.Duration
	logger         *slog.Logger
}

// DefaultLockTTL is how long a migration lock is honoured before another
// process may take it over.
const DefaultLockTTL = 10 * time.Minute

// WithCollections overrides collection names. Empty names keep defaults.
func WithCollections(c Collections) Option {
	return func(cfg *config) { cfg.collections = c }
}

// WithSchemaVersion sets the schema_version stamped on every write.
// It should equal the latest migration version.
func WithSchemaVersion(v int) Option {
	return func(cfg *config) { cfg.schemaVersion = v }
}

// WithConnectTimeout bounds the initial connection in Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(cfg *config) { cfg.connectTimeout = d }
}

// WithLockTTL sets how long a migration lock is honoured. A lock older than
// ttl is treated as abandoned by a crashed process.
func WithLockTTL(ttl time.Duration) Option {
	return func(cfg *config) { cfg.lockTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) { cfg.logger = l }
}

func buildConfig(opts []Option) config {
	cfg := config{
		collections:   DefaultCollections(),
		schemaVersion: migrate.DefaultGroup().Latest(),
		lockTTL:       DefaultLockTTL,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.collections = cfg.collections.withDefaults()
	return cfg
}

// Store is a MongoDB implementation of the custodian store.
type Store[K comparable] struct {
	mdb   *mongodriver.MongoDB
	db    *grove.DB // set when built from Grove
	owned bool      // Close disconnects mdb
	keys  keytype.Adapter[K]
	cfg   config

	userStore *UserStore[K]
	roleStore *RoleStore[K]
}

// Connect dials uri and returns a Store over database. The Store owns the
// connection and closes it on Close.
func Connect[K comparable](ctx context.Context, uri, database string, keys keytype.Adapter[K], opts ...Option) (*Store[K], error) {
	cfg := buildConfig(opts)

	openCtx := ctx
	if cfg.connectTimeout > 0 {
		var cancel context.CancelFunc
		openCtx, cancel = context.WithTimeout(ctx, cfg.connectTimeout)
		defer cancel()
	}

	mdb := mongodriver.New()
	if err := mdb.Open(openCtx, uri, mongodriver.WithDatabase(database)); err != nil {
		_ = mdb.Close()
		return nil, fmt.Errorf("custodian/mongo: connect: %w", err)
	}

	cfg.logger.Debug("custodian/mongo: connected",
		slog.String("database", mdb.DatabaseName()),
		slog.String("users", cfg.collections.Users),
		slog.String("roles", cfg.collections.Roles),
	)
	s := newStore(mdb, keys, cfg)
	s.owned = true
	return s, nil
}

// New returns a Store over an open grove Mongo driver. Close does not
// disconnect it.
func New[K comparable](mdb *mongodriver.MongoDB, keys keytype.Adapter[K], opts ...Option) *Store[K] {
	return newStore(mdb, keys, buildConfig(opts))
}

// FromGrove returns a Store sharing the connection of a Grove DB opened with
// the Mongo driver. Close closes the Grove DB.
func FromGrove[K comparable](db *grove.DB, keys keytype.Adapter[K], opts ...Option) *Store[K] {
	s := newStore(mongodriver.Unwrap(db), keys, buildConfig(opts))
	s.db = db
	return s
}

func newStore[K comparable](mdb *mongodriver.MongoDB, keys keytype.Adapter[K], cfg config) *Store[K] {
	s := &Store[K]{mdb: mdb, keys: keys, cfg: cfg}
	s.roleStore = &RoleStore[K]{mdb: mdb, col: cfg.collections.Roles, keys: keys}
	s.userStore = &UserStore[K]{
		Staged:  user.Staged[K]{RoleChecker: s.roleStore},
		mdb:     mdb,
		col:     cfg.collections.Users,
		keys:    keys,
		version: cfg.schemaVersion,
	}
	return s
}

// Users returns the account store.
func (s *Store[K]) Users() user.Store[K] { return s.userStore }

// Roles returns the role store.
func (s *Store[K]) Roles() role.Store[K] { return s.roleStore }

// Ledger returns the migration ledger and lock.
func (s *Store[K]) Ledger() *Ledger {
	ttl := s.cfg.lockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Ledger{mdb: s.mdb, col: s.cfg.collections.Migrations, ttl: ttl}
}

// Documents returns raw access to account documents for migrations.
func (s *Store[K]) Documents() *Documents {
	return &Documents{col: s.mdb.Collection(s.cfg.collections.Users)}
}

// RoleEnsurer returns the migration role backend.
func (s *Store[K]) RoleEnsurer() migrate.Roles {
	return &roleEnsurer[K]{mdb: s.mdb, col: s.cfg.collections.Roles, keys: s.keys}
}

// TxRunner returns a transaction runner on the store's client. Transactions
// need a replica set or sharded cluster.
func (s *Store[K]) TxRunner() *TxRunner { return &TxRunner{client: s.mdb.Client()} }

// Migrator returns a Migrator over this store's collections.
func (s *Store[K]) Migrator(opts ...migrate.Option) *migrate.Migrator {
	return migrate.New(s.Ledger(), s.Documents(), s.RoleEnsurer(), opts...)
}

// EnsureIndexes creates the indexes backing uniqueness and lookups.
func (s *Store[K]) EnsureIndexes(ctx context.Context) error {
	for name, models := range indexes(s.cfg.collections) {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("custodian/mongo: create %s indexes: %w", name, err)
		}
		s.cfg.logger.Debug("custodian/mongo: indexes ensured",
			slog.String("collection", name),
			slog.Int("count", len(models)),
		)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store[K]) Ping(ctx context.Context) error {
	if s.db != nil {
		return s.db.Ping(ctx)
	}
	return s.mdb.Ping(ctx)
}

// Close releases the connection when the Store owns it.
func (s *Store[K]) Close(ctx context.Context) error {
	switch {
	case s.db != nil:
		return s.db.Close()
	case s.owned:
		return s.mdb.Client().Disconnect(ctx)
	}
	return nil
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// toDoc renders a model the way the driver stores it.
func toDoc(model any) (bson.M, error) {
	raw, err := bson.Marshal(model)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// insertion builds an upsert update that writes next only when no
// document has its _id.
func insertion(next any) (bson.M, error) {
	doc, err := toDoc(next)
	if err != nil {
		return nil, err
	}
	delete(doc, "_id")
	return bson.M{"$setOnInsert": doc}, nil
}

// replacement builds an update that turns the stored prev into next: every
// field of next is set and every field only prev has is unset.
func replacement(prev, next any) (bson.M, error) {
	prevDoc, err := toDoc(prev)
	if err != nil {
		return nil, err
	}
	nextDoc, err := toDoc(next)
	if err != nil {
		return nil, err
	}
	delete(nextDoc, "_id")

	unset := bson.M{}
	for k := range prevDoc {
		if _, ok := nextDoc[k]; !ok && k != "_id" {
			unset[k] = ""
		}
	}
	update := bson.M{"$set": nextDoc}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return update, nil
}

// nonEmptyString matches documents where field holds a non-empty string.
// Partial unique indexes use it so accounts without an email do not
// collide with each other.
func nonEmptyString(field string) bson.D {
	return bson.D{{Key: field, Value: bson.D{
		{Key: "$type", Value: "string"},
		{Key: "$gt", Value: ""},
	}}}
}

// indexes returns the index definitions keyed by collection name.
func indexes(c Collections) map[string][]mongod.IndexModel {
	return map[string][]mongod.IndexModel{
		c.Users: {
			{
				Keys: bson.D{{Key: "normalized_user_name", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(nonEmptyString("normalized_user_name")),
			},
			{
				Keys: bson.D{{Key: "normalized_email", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetPartialFilterExpression(nonEmptyString("normalized_email")),
			},
			{Keys: bson.D{{Key: "roles", Value: 1}}},
			{Keys: bson.D{{Key: "claims.type", Value: 1}, {Key: "claims.value", Value: 1}}},
			{Keys: bson.D{{Key: "logins.login_provider", Value: 1}, {Key: "logins.provider_key", Value: 1}}},
			{Keys: bson.D{{Key: migrate.VersionField, Value: 1}}},
		},
		c.Roles: {
			{
				Keys:    bson.D{{Key: "normalized_name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}
}
