package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/grove/driver"
	grovemigrate "github.com/xraph/grove/migrate"
)

var errNoStatements = errors.New("migrate: document migrations run no statements")

var _ grovemigrate.Executor = (*executor)(nil)

// executor runs one Apply call under grove's orchestrator. The orchestrator
// owns ordering and the lock; the Ledger answers which steps are applied.
type executor struct {
	m     *Migrator
	owner string

	from    int
	to      int
	current *StepResult
	steps   []StepResult
	failed  error
}

func (e *executor) Exec(context.Context, string, ...any) (driver.Result, error) {
	return nil, errNoStatements
}

func (e *executor) Query(context.Context, string, ...any) (driver.Rows, error) {
	return nil, errNoStatements
}

// The ledger and lock live in documents created on first write.
func (e *executor) EnsureMigrationTable(context.Context) error { return nil }
func (e *executor) EnsureLockTable(context.Context) error      { return nil }

func (e *executor) AcquireLock(ctx context.Context, lockedBy string) error {
	if err := e.m.ledger.Lock(ctx, lockedBy); err != nil {
		return err
	}
	e.owner = lockedBy
	e.m.logger.Debug("custodian: migration lock acquired", slog.String("owner", lockedBy))
	return nil
}

func (e *executor) ReleaseLock(ctx context.Context) error {
	if e.owner == "" {
		return nil
	}
	if err := e.m.ledger.Unlock(ctx, e.owner); err != nil {
		e.m.logger.Warn("custodian: release migration lock",
			slog.String("owner", e.owner),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// ListApplied reports every step at or below the ledger version.
func (e *executor) ListApplied(ctx context.Context) ([]*grovemigrate.AppliedMigration, error) {
	current, err := e.m.ledger.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	e.from, e.to = current, current

	var applied []*grovemigrate.AppliedMigration
	for _, s := range e.m.group.Steps() {
		if s.Version > current {
			break
		}
		applied = append(applied, &grovemigrate.AppliedMigration{
			Version: versionKey(s.Version),
			Name:    s.Name,
			Group:   e.m.group.Name(),
		})
	}
	return applied, nil
}

// RecordApplied advances the ledger past the step that just ran.
func (e *executor) RecordApplied(ctx context.Context, gm *grovemigrate.Migration) error {
	s, ok := e.m.group.step(gm.Version)
	if !ok {
		return fmt.Errorf("migrate: unknown step %s/%s", gm.Group, gm.Version)
	}
	err := e.m.ledger.Advance(ctx, Applied{
		Version:   s.Version,
		Name:      s.Name,
		AppliedAt: e.m.env.Now().UTC(),
	})
	if err != nil {
		e.failed = e.m.fail(ctx, s, StepResult{Version: s.Version, Name: s.Name}, fmt.Errorf("advance ledger: %w", err))
		return e.failed
	}

	sr := StepResult{Version: s.Version, Name: s.Name}
	if e.current != nil {
		sr = *e.current
		e.current = nil
	}
	e.steps = append(e.steps, sr)
	e.to = s.Version

	e.m.logger.Info("custodian: migration applied",
		slog.Int("version", sr.Version),
		slog.String("name", sr.Name),
		slog.Int("scanned", sr.Scanned),
		slog.Int("migrated", sr.Migrated),
	)
	e.m.plugins.EmitMigrationApplied(ctx, sr.Version, sr.Name, sr.Migrated)
	return nil
}

func (e *executor) RemoveApplied(context.Context, *grovemigrate.Migration) error {
	return errors.New("migrate: document migrations cannot be rolled back")
}

func (e *executor) run(ctx context.Context, s *Step) error {
	e.m.logger.Info("custodian: applying migration",
		slog.Int("version", s.Version),
		slog.String("name", s.Name),
	)
	sr, err := e.m.apply(ctx, s)
	if err != nil {
		e.failed = e.m.fail(ctx, s, sr, err)
		return e.failed
	}
	e.current = &sr
	return nil
}

func (e *executor) result() Result {
	return Result{From: e.from, To: e.to, Steps: e.steps}
}
