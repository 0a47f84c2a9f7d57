package custodian

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/xraph/custodian/store/mongo"
)

// Config holds the connection settings for Open.
type Config struct {
	// ConnectionString is a mongodb:// or mongodb+srv:// URI.
	ConnectionString string `json:"connection_string" yaml:"connection_string" mapstructure:"connection_string"`

	// Database names the database. Defaults to the database in
	// ConnectionString.
	Database string `json:"database,omitempty" yaml:"database" mapstructure:"database"`

	// UsersCollection defaults to "users".
	UsersCollection string `json:"users_collection,omitempty" yaml:"users_collection" mapstructure:"users_collection"`

	// RolesCollection defaults to "roles".
	RolesCollection string `json:"roles_collection,omitempty" yaml:"roles_collection" mapstructure:"roles_collection"`

	// MigrationCollection defaults to "migrations".
	MigrationCollection string `json:"migration_collection,omitempty" yaml:"migration_collection" mapstructure:"migration_collection"`

	// ConnectTimeout bounds the initial connection. Zero uses the driver
	// default.
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// DisableMigrate skips migrations in Open.
	DisableMigrate bool `json:"disable_migrate,omitempty" yaml:"disable_migrate" mapstructure:"disable_migrate"`

	// DisableIndexes skips index creation in Open.
	DisableIndexes bool `json:"disable_indexes,omitempty" yaml:"disable_indexes" mapstructure:"disable_indexes"`

	// UseTransactions runs each migration step in a transaction.
	// Requires a replica set or sharded cluster.
	UseTransactions bool `json:"use_transactions,omitempty" yaml:"use_transactions" mapstructure:"use_transactions"`

	// MigrationLockTTL is how long a migration lock is honoured before
	// another instance may take it over. Defaults to 10 minutes.
	MigrationLockTTL time.Duration `json:"migration_lock_ttl,omitempty" yaml:"migration_lock_ttl" mapstructure:"migration_lock_ttl"`
}

// DefaultConfig returns a Config with the default collection names.
func DefaultConfig() Config {
	return Config{
		UsersCollection:     mongo.DefaultUsersCollection,
		RolesCollection:     mongo.DefaultRolesCollection,
		MigrationCollection: mongo.DefaultMigrationCollection,
		ConnectTimeout:      10 * time.Second,
		MigrationLockTTL:    mongo.DefaultLockTTL,
	}
}

// Validate fills defaults and checks the connection settings. Errors wrap
// ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.ConnectionString == "" {
		return fmt.Errorf("%w: connection string is required", ErrInvalidConfig)
	}
	cs, err := connstring.ParseAndValidate(c.ConnectionString)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Database == "" {
		c.Database = cs.Database
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	return c.validateCollections()
}

func (c *Config) validateCollections() error {
	d := DefaultConfig()
	if c.UsersCollection == "" {
		c.UsersCollection = d.UsersCollection
	}
	if c.RolesCollection == "" {
		c.RolesCollection = d.RolesCollection
	}
	if c.MigrationCollection == "" {
		c.MigrationCollection = d.MigrationCollection
	}
	if c.UsersCollection == c.RolesCollection ||
		c.UsersCollection == c.MigrationCollection ||
		c.RolesCollection == c.MigrationCollection {
		return fmt.Errorf("%w: collection names must be distinct", ErrInvalidConfig)
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("%w: negative connect timeout", ErrInvalidConfig)
	}
	if c.MigrationLockTTL < 0 {
		return fmt.Errorf("%w: negative migration lock ttl", ErrInvalidConfig)
	}
	return nil
}

func (c Config) collections() mongo.Collections {
	return mongo.Collections{
		Users:      c.UsersCollection,
		Roles:      c.RolesCollection,
		Migrations: c.MigrationCollection,
	}
}
