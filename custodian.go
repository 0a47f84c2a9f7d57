// Package custodian persists identity records (accounts, roles, claims,
// external logins and tokens) in MongoDB.
//
// Open connects, creates indexes, upgrades documents written by older
// schema versions and only then hands out the stores. Every write is a
// compare-and-swap on the record's concurrency stamp, so concurrent
// updates cannot silently overwrite each other.
//
//	ident, err := custodian.Open[custodian.ID](ctx, custodian.Config{
//	    ConnectionString: "mongodb://localhost:27017/identity",
//	})
//	u, err := ident.Users().FindByName(ctx, "ALICE")
//	u.PhoneNumber = "555-0100"
//	err = ident.Users().Update(ctx, u) // ErrConcurrencyConflict when stale
package custodian

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/grove"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/plugin"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/store/mongo"
	"github.com/xraph/custodian/user"
)

// migratable is implemented by backends that can run migrations.
type migratable interface {
	Migrator(opts ...migrate.Option) *migrate.Migrator
	EnsureIndexes(ctx context.Context) error
}

// Identity bundles the account and role stores of one backend.
type Identity[K comparable] struct {
	backend  store.Store[K]
	keys     keytype.Adapter[K]
	users    *hookedUsers[K]
	roles    *hookedRoles[K]
	migrator *migrate.Migrator
	plugins  *plugin.Registry
	logger   *slog.Logger
}

// Open connects to MongoDB, ensures indexes and applies pending migrations
// unless cfg disables them. On any error the connection is closed.
func Open[K comparable](ctx context.Context, cfg Config, opts ...Option) (*Identity[K], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	keys, err := resolveKeys[K](o.keys)
	if err != nil {
		return nil, err
	}

	s, err := mongo.Connect(ctx, cfg.ConnectionString, cfg.Database, keys, mongoOptions(cfg, o)...)
	if err != nil {
		return nil, err
	}
	ident := newIdentity[K](s, keys, o, txRunner(s, cfg))

	if err := ident.prepare(ctx, cfg); err != nil {
		_ = s.Close(ctx)
		return nil, err
	}
	return ident, nil
}

// FromGrove builds an Identity over a Grove DB opened with the Mongo
// driver. It neither creates indexes nor migrates; call EnsureIndexes and
// Migrate before serving traffic.
func FromGrove[K comparable](db *grove.DB, cfg Config, opts ...Option) (*Identity[K], error) {
	if err := cfg.validateCollections(); err != nil {
		return nil, err
	}
	o := buildOptions(opts)
	keys, err := resolveKeys[K](o.keys)
	if err != nil {
		return nil, err
	}
	s := mongo.FromGrove(db, keys, mongoOptions(cfg, o)...)
	return newIdentity[K](s, keys, o, txRunner(s, cfg)), nil
}

// New builds an Identity over any backend, such as store/memory.
// Migrations run only when the backend supports them.
func New[K comparable](s store.Store[K], opts ...Option) (*Identity[K], error) {
	o := buildOptions(opts)
	keys, err := resolveKeys[K](o.keys)
	if err != nil {
		return nil, err
	}
	return newIdentity[K](s, keys, o, nil), nil
}

func newIdentity[K comparable](s store.Store[K], keys keytype.Adapter[K], o *options, tx migrate.TxRunner) *Identity[K] {
	reg := plugin.NewRegistry(o.logger)
	for _, p := range o.plugins {
		reg.Register(p)
	}

	ident := &Identity[K]{
		backend: s,
		keys:    keys,
		users:   &hookedUsers[K]{Store: s.Users(), keys: keys, plugins: reg},
		roles:   &hookedRoles[K]{Store: s.Roles(), keys: keys, plugins: reg},
		plugins: reg,
		logger:  o.logger,
	}

	if m, ok := s.(migratable); ok {
		mopts := []migrate.Option{
			migrate.WithLogger(o.logger),
			migrate.WithGroup(o.group),
			migrate.WithPlugins(reg),
		}
		if o.normalizer != nil {
			mopts = append(mopts, migrate.WithNormalizer(o.normalizer))
		}
		if tx != nil {
			mopts = append(mopts, migrate.WithTx(tx))
		}
		ident.migrator = m.Migrator(mopts...)
	}
	return ident
}

func (i *Identity[K]) prepare(ctx context.Context, cfg Config) error {
	if !cfg.DisableIndexes {
		if err := i.EnsureIndexes(ctx); err != nil {
			return err
		}
	}
	if !cfg.DisableMigrate {
		if _, err := i.Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Users returns the account store.
func (i *Identity[K]) Users() user.Store[K] { return i.users }

// Roles returns the role store.
func (i *Identity[K]) Roles() role.Store[K] { return i.roles }

// Keys returns the key adapter in use.
func (i *Identity[K]) Keys() keytype.Adapter[K] { return i.keys }

// Plugins returns the plugin registry.
func (i *Identity[K]) Plugins() *plugin.Registry { return i.plugins }

// Migrator returns the migrator, or nil when the backend has none.
func (i *Identity[K]) Migrator() *migrate.Migrator { return i.migrator }

// Migrate applies pending migrations. It is safe to call repeatedly.
func (i *Identity[K]) Migrate(ctx context.Context) (migrate.Result, error) {
	if i.migrator == nil {
		return migrate.Result{}, nil
	}
	return i.migrator.Apply(ctx)
}

// EnsureIndexes creates the backend's indexes when it has any.
func (i *Identity[K]) EnsureIndexes(ctx context.Context) error {
	m, ok := i.backend.(migratable)
	if !ok {
		return nil
	}
	return m.EnsureIndexes(ctx)
}

// Ping checks database connectivity.
func (i *Identity[K]) Ping(ctx context.Context) error { return i.backend.Ping(ctx) }

// Close notifies plugins and releases the backend.
func (i *Identity[K]) Close(ctx context.Context) error {
	i.plugins.EmitShutdown(ctx)
	return i.backend.Close(ctx)
}

func resolveKeys[K comparable](r *keytype.Registry) (keytype.Adapter[K], error) {
	keys, ok := keytype.Lookup[K](r)
	if !ok {
		var zero K
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, zero)
	}
	return keys, nil
}

func mongoOptions(cfg Config, o *options) []mongo.Option {
	return []mongo.Option{
		mongo.WithCollections(cfg.collections()),
		mongo.WithConnectTimeout(cfg.ConnectTimeout),
		mongo.WithLockTTL(cfg.MigrationLockTTL),
		mongo.WithSchemaVersion(o.group.Latest()),
		mongo.WithLogger(o.logger),
	}
}

func txRunner[K comparable](s *mongo.Store[K], cfg Config) migrate.TxRunner {
	if !cfg.UseTransactions {
		return nil
	}
	return s.TxRunner()
}
