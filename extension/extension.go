// Package extension provides a Forge extension entry point for custodian.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/forge"
	"github.com/xraph/grove"
	"github.com/xraph/vessel"

	"github.com/xraph/custodian"
	"github.com/xraph/custodian/id"
	"github.com/xraph/custodian/plugin"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/store"
	"github.com/xraph/custodian/user"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "custodian"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "MongoDB identity store with startup schema migrations"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts custodian as a Forge extension.
type Extension struct {
	config       Config
	ident        *custodian.Identity[id.ID]
	ownsBackend  bool
	logger       *slog.Logger
	store        store.Store[id.ID]
	db           *grove.DB
	identityOpts []custodian.Option
	plugins      []plugin.Plugin

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a custodian Forge extension with the given options.
func New(opts ...ExtOption) *Extension {
	e := &Extension{config: DefaultConfig(), ready: make(chan struct{})}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the extension name.
func (e *Extension) Name() string { return ExtensionName }

// Description returns the extension description.
func (e *Extension) Description() string { return ExtensionDescription }

// Version returns the extension version.
func (e *Extension) Version() string { return ExtensionVersion }

// Dependencies returns the list of extension names this extension depends on.
func (e *Extension) Dependencies() []string { return []string{} }

// Identity returns the underlying Identity.
func (e *Extension) Identity() *custodian.Identity[id.ID] { return e.ident }

// Ready is closed once Start has created indexes and applied migrations.
func (e *Extension) Ready() <-chan struct{} { return e.ready }

// Register implements [forge.Extension]. It builds the Identity without
// migrating and registers it and both stores in the DI container.
//
// Migrations run in Start. A store resolved from the container before then
// reads documents at whatever schema version they are stored in; wait on
// Ready before serving traffic from Register-time code.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.init(fapp); err != nil {
		return err
	}

	if err := vessel.Provide(fapp.Container(), func() (*custodian.Identity[id.ID], error) {
		return e.ident, nil
	}); err != nil {
		return fmt.Errorf("custodian: register identity in container: %w", err)
	}
	if err := vessel.Provide(fapp.Container(), func() (user.Store[id.ID], error) {
		return e.ident.Users(), nil
	}); err != nil {
		return fmt.Errorf("custodian: register user store in container: %w", err)
	}
	if err := vessel.Provide(fapp.Container(), func() (role.Store[id.ID], error) {
		return e.ident.Roles(), nil
	}); err != nil {
		return fmt.Errorf("custodian: register role store in container: %w", err)
	}

	return nil
}

func (e *Extension) init(fapp forge.App) error {
	logger := e.logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := make([]custodian.Option, 0, len(e.identityOpts)+len(e.plugins)+1)
	opts = append(opts, custodian.WithLogger(logger))
	opts = append(opts, e.identityOpts...)
	for _, x := range e.plugins {
		opts = append(opts, custodian.WithPlugin(x))
	}

	// Backend precedence: explicit store, Grove DB (option or container),
	// then the connection string.
	db := e.db
	if db == nil && e.store == nil {
		if injected, err := forge.Inject[*grove.DB](fapp.Container()); err == nil {
			db = injected
		}
	}

	var (
		ident *custodian.Identity[id.ID]
		err   error
	)
	switch {
	case e.store != nil:
		ident, err = custodian.New[id.ID](e.store, opts...)
	case db != nil:
		ident, err = custodian.FromGrove[id.ID](db, e.config.Config, opts...)
	case e.config.ConnectionString != "":
		cfg := e.config.Config
		cfg.DisableMigrate = true
		cfg.DisableIndexes = true
		ident, err = custodian.Open[id.ID](context.Background(), cfg, opts...)
		e.ownsBackend = err == nil
	default:
		return errors.New("custodian: no store, grove database or connection string configured")
	}
	if err != nil {
		return fmt.Errorf("custodian: create identity: %w", err)
	}
	e.ident = ident
	return nil
}

// Start creates indexes and runs migrations unless disabled. A migration
// failure aborts startup.
func (e *Extension) Start(ctx context.Context) error {
	if e.ident == nil {
		return errors.New("custodian: extension not initialized")
	}

	if !e.config.DisableIndexes {
		if err := e.ident.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("custodian: ensure indexes: %w", err)
		}
	}
	if !e.config.DisableMigrate {
		if _, err := e.ident.Migrate(ctx); err != nil {
			return err
		}
	}
	e.readyOnce.Do(func() { close(e.ready) })
	return nil
}

// Stop notifies plugins and closes the connection when the extension
// opened it. A shared Grove DB is left to its owner.
func (e *Extension) Stop(ctx context.Context) error {
	if e.ident == nil {
		return nil
	}
	if e.ownsBackend {
		return e.ident.Close(ctx)
	}
	e.ident.Plugins().EmitShutdown(ctx)
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.ident == nil {
		return errors.New("custodian: extension not initialized")
	}
	return e.ident.Ping(ctx)
}
