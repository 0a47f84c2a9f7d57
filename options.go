package custodian

import (
	"log/slog"

	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/plugin"
)

// Option is a functional option for Open and New.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	keys       *keytype.Registry
	plugins    []plugin.Plugin
	group      *migrate.Group
	normalizer func(string) string
}

func buildOptions(opts []Option) *options {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	if o.keys == nil {
		o.keys = keytype.Defaults()
	}
	if o.group == nil {
		o.group = migrate.DefaultGroup()
	}
	return o
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithKeyRegistry sets the registry the key adapter is resolved from.
// Defaults to keytype.Defaults().
func WithKeyRegistry(r *keytype.Registry) Option { return func(o *options) { o.keys = r } }

// WithMigrations replaces the built-in migration group.
func WithMigrations(g *migrate.Group) Option { return func(o *options) { o.group = g } }

// WithRoleNormalizer sets how migrations derive normalized role names from
// legacy display names.
func WithRoleNormalizer(fn func(string) string) Option {
	return func(o *options) { o.normalizer = fn }
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, p) }
}
