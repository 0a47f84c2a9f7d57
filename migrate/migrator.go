package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	grovemigrate "github.com/xraph/grove/migrate"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/custodian/plugin"
)

// Option configures a Migrator.
type Option func(*Migrator)

// WithLogger sets the logger used for step progress and failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Migrator) { m.logger = l }
}

// WithGroup replaces the built-in step group.
func WithGroup(g *Group) Option {
	return func(m *Migrator) { m.group = g }
}

// WithNormalizer sets the function used to derive normalized role names
// from legacy display names. Defaults to strings.ToUpper.
func WithNormalizer(fn func(string) string) Option {
	return func(m *Migrator) { m.env.Normalize = fn }
}

// WithClock overrides the clock used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Migrator) { m.env.Now = now }
}

// WithTx runs each step's document scan inside tx. The ledger advances
// after the transaction commits.
func WithTx(tx TxRunner) Option {
	return func(m *Migrator) { m.tx = tx }
}

// WithPlugins sets the registry notified of applied and failed steps.
func WithPlugins(r *plugin.Registry) Option {
	return func(m *Migrator) { m.plugins = r }
}

// Migrator applies pending steps of a Group.
type Migrator struct {
	ledger  Ledger
	docs    Documents
	env     Env
	group   *Group
	tx      TxRunner
	logger  *slog.Logger
	plugins *plugin.Registry
}

// StepResult reports one applied step.
type StepResult struct {
	Version  int
	Name     string
	Scanned  int
	Migrated int
}

// Result reports a call to Apply.
type Result struct {
	From  int
	To    int
	Steps []StepResult
}

// New creates a Migrator over the given backends.
func New(ledger Ledger, docs Documents, roles Roles, opts ...Option) *Migrator {
	m := &Migrator{
		ledger: ledger,
		docs:   docs,
		env: Env{
			Roles:     roles,
			Normalize: strings.ToUpper,
			Now:       time.Now,
			NewStamp:  uuid.NewString,
		},
		group:  DefaultGroup(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Latest returns the version documents have once every step is applied.
func (m *Migrator) Latest() int { return m.group.Latest() }

// Pending returns the steps newer than the ledger version.
func (m *Migrator) Pending(ctx context.Context) ([]*Step, error) {
	current, err := m.ledger.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read ledger: %w", ErrMigrationFailed, err)
	}
	var pending []*Step
	for _, s := range m.group.Steps() {
		if s.Version > current {
			pending = append(pending, s)
		}
	}
	return pending, nil
}

// Apply runs every pending step in ascending version order under the
// ledger's lock. It is safe to call on every start: with nothing pending it
// only reads the ledger. A process that finds the lock held waits for it,
// up to grove's lock timeout or ctx. The first failing step stops the run
// and its error wraps ErrMigrationFailed.
func (m *Migrator) Apply(ctx context.Context) (Result, error) {
	current, err := m.ledger.Version(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read ledger: %w", ErrMigrationFailed, err)
	}
	if current >= m.group.Latest() {
		return Result{From: current, To: current}, nil
	}

	exec := &executor{m: m, from: current, to: current}
	_, err = grovemigrate.NewOrchestrator(exec, m.group.inner).Migrate(ctx)
	res := exec.result()
	switch {
	case exec.failed != nil:
		return res, exec.failed
	case err != nil:
		err = fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		m.logger.Error("custodian: migration failed", slog.String("error", err.Error()))
		return res, err
	}
	return res, nil
}

func (m *Migrator) fail(ctx context.Context, s *Step, sr StepResult, err error) error {
	err = fmt.Errorf("%w: %s (v%d): %w", ErrMigrationFailed, s.Name, s.Version, err)
	m.logger.Error("custodian: migration failed",
		slog.Int("version", s.Version),
		slog.String("name", s.Name),
		slog.Int("scanned", sr.Scanned),
		slog.String("error", err.Error()),
	)
	m.plugins.EmitMigrationFailed(ctx, s.Version, s.Name, err)
	return err
}

func (m *Migrator) apply(ctx context.Context, s *Step) (StepResult, error) {
	sr := StepResult{Version: s.Version, Name: s.Name}

	run := func(ctx context.Context) error {
		sr.Scanned, sr.Migrated = 0, 0

		err := m.docs.Pending(ctx, s.Version, func(doc bson.M) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			sr.Scanned++

			changed, err := s.Up(ctx, &m.env, doc)
			if err != nil {
				return fmt.Errorf("document %v: %w", doc["_id"], err)
			}
			if changed {
				sr.Migrated++
			}
			if changed || stringField(doc, StampField) == "" {
				doc[StampField] = m.env.NewStamp()
			}

			doc[VersionField] = s.Version
			if err := m.docs.Replace(ctx, doc); err != nil {
				return fmt.Errorf("write document %v: %w", doc["_id"], err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return ctx.Err()
	}

	if m.tx != nil {
		return sr, m.tx.RunInTx(ctx, run)
	}
	return sr, run(ctx)
}
