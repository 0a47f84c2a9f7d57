package extension

import (
	"log/slog"

	"github.com/xraph/grove"

	"github.com/xraph/custodian"
	"github.com/xraph/custodian/id"
	"github.com/xraph/custodian/plugin"
	"github.com/xraph/custodian/store"
)

// ExtOption configures the custodian Forge extension.
type ExtOption func(*Extension)

// WithStore sets the persistence backend, bypassing Grove and the
// connection string.
func WithStore(s store.Store[id.ID]) ExtOption {
	return func(e *Extension) {
		e.store = s
	}
}

// WithGroveDB sets the Grove DB to use instead of resolving one from the
// DI container. It must be opened with the Mongo driver.
func WithGroveDB(db *grove.DB) ExtOption {
	return func(e *Extension) {
		e.db = db
	}
}

// WithConfig sets the extension configuration.
func WithConfig(cfg Config) ExtOption {
	return func(e *Extension) {
		e.config = cfg
	}
}

// WithIdentityOptions adds options passed to the Identity constructor.
func WithIdentityOptions(opts ...custodian.Option) ExtOption {
	return func(e *Extension) {
		e.identityOpts = append(e.identityOpts, opts...)
	}
}

// WithPlugin registers a lifecycle hook plugin.
func WithPlugin(x plugin.Plugin) ExtOption {
	return func(e *Extension) {
		e.plugins = append(e.plugins, x)
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) ExtOption {
	return func(e *Extension) {
		e.logger = l
	}
}

// WithDisableMigrate disables migrations on start.
func WithDisableMigrate() ExtOption {
	return func(e *Extension) {
		e.config.DisableMigrate = true
	}
}

// WithDisableIndexes disables index creation on start.
func WithDisableIndexes() ExtOption {
	return func(e *Extension) {
		e.config.DisableIndexes = true
	}
}
