// Package migrate upgrades account documents written by older schema
// versions before any store is handed to callers.
//
// A Group holds versioned Steps and registers each one as a grove
// migration. The Migrator hands the group to grove's orchestrator, which
// takes the ledger's lock, lists what the Ledger already covers and runs
// the rest in version order. Each step scans the documents still below its
// version and the Ledger advances only after the whole scan has been
// written. A failing step leaves the Ledger where it was; because each
// document is stamped with the version it was migrated to, re-running the
// step on the next start only touches what is still pending.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	grovemigrate "github.com/xraph/grove/migrate"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// ErrMigrationFailed wraps every error returned by Migrator.Apply.
// The process must not serve identity traffic after receiving it.
var ErrMigrationFailed = errors.New("custodian: migration failed")

// VersionField is the per-document schema marker.
const VersionField = "schema_version"

// StampField holds the account's concurrency stamp. Migration issues a new
// stamp for every rewritten document and for documents that have none, so
// the stores can compare-and-swap on them.
const StampField = "concurrency_stamp"

// Applied records one advance of the ledger.
type Applied struct {
	Version   int       `bson:"version"`
	Name      string    `bson:"name"`
	AppliedAt time.Time `bson:"applied_at"`
}

// ErrLockHeld is returned by Ledger.Lock while another process migrates.
var ErrLockHeld = grovemigrate.ErrLockHeld

// Ledger persists the highest applied migration version.
// A missing ledger reads as version 0. Advance must never lower it.
type Ledger interface {
	Version(ctx context.Context) (int, error)
	Advance(ctx context.Context, a Applied) error

	// Lock takes the migration lock for owner. While another owner holds
	// it, Lock returns an error wrapping ErrLockHeld.
	Lock(ctx context.Context, owner string) error

	// Unlock releases the lock if owner holds it.
	Unlock(ctx context.Context, owner string) error
}

// Documents gives steps access to raw account documents.
type Documents interface {
	// Pending calls fn for each document whose VersionField is missing or
	// below version. Returning an error from fn stops the scan.
	Pending(ctx context.Context, version int, fn func(doc bson.M) error) error

	// Replace upserts doc keyed by its _id.
	Replace(ctx context.Context, doc bson.M) error
}

// Roles lets steps materialise role records referenced by legacy documents.
type Roles interface {
	// EnsureRole creates the role unless one with normalizedName exists.
	EnsureRole(ctx context.Context, name, normalizedName string) error
}

// TxRunner runs fn so that all of its writes commit together.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Env is the environment handed to each step.
type Env struct {
	Roles     Roles
	Normalize func(string) string
	Now       func() time.Time
	NewStamp  func() string
}

// Step is one versioned document transformation.
type Step struct {
	// Version is the schema version documents have after Up.
	Version int

	// Name identifies the step in logs and in the ledger.
	Name string

	// Up rewrites doc in place and reports whether anything changed.
	// It must be a no-op on a document already in the target shape and
	// must keep fields it does not understand.
	Up func(ctx context.Context, env *Env, doc bson.M) (bool, error)
}

// Group is an ordered set of steps backed by a grove migration group.
type Group struct {
	inner *grovemigrate.Group
	steps []*Step
}

// NewGroup returns an empty group.
func NewGroup(name string) *Group {
	return &Group{inner: grovemigrate.NewGroup(name)}
}

// Name returns the group name.
func (g *Group) Name() string { return g.inner.Name() }

// Register adds steps. Names must be set and versions must be positive
// and unique. Either every step is added or none is.
func (g *Group) Register(steps ...*Step) error {
	seen := make(map[int]string, len(g.steps)+len(steps))
	for _, s := range g.steps {
		seen[s.Version] = s.Name
	}
	for _, s := range steps {
		switch {
		case s == nil || s.Up == nil:
			return fmt.Errorf("migrate: %s: step without Up", g.Name())
		case s.Name == "":
			return fmt.Errorf("migrate: %s: step v%d has no name", g.Name(), s.Version)
		case s.Version <= 0:
			return fmt.Errorf("migrate: %s: step %q: version must be positive", g.Name(), s.Name)
		}
		if prev, ok := seen[s.Version]; ok {
			return fmt.Errorf("migrate: %s: version %d registered twice (%q, %q)", g.Name(), s.Version, prev, s.Name)
		}
		seen[s.Version] = s.Name
	}

	migrations := make([]*grovemigrate.Migration, len(steps))
	for i, s := range steps {
		migrations[i] = s.migration()
	}
	if err := g.inner.Register(migrations...); err != nil {
		return err
	}
	g.steps = append(g.steps, steps...)
	slices.SortFunc(g.steps, func(a, b *Step) int { return a.Version - b.Version })
	return nil
}

// MustRegister is like Register but panics on error.
func (g *Group) MustRegister(steps ...*Step) {
	if err := g.Register(steps...); err != nil {
		panic(err)
	}
}

// Steps returns the steps in ascending version order.
func (g *Group) Steps() []*Step {
	return slices.Clone(g.steps)
}

// Latest returns the highest registered version, or 0.
func (g *Group) Latest() int {
	if len(g.steps) == 0 {
		return 0
	}
	return g.steps[len(g.steps)-1].Version
}

func (g *Group) step(key string) (*Step, bool) {
	for _, s := range g.steps {
		if versionKey(s.Version) == key {
			return s, true
		}
	}
	return nil, false
}

// versionKey renders v so that grove's string ordering matches numeric order.
func versionKey(v int) string {
	return fmt.Sprintf("%019d", v)
}

func (s *Step) migration() *grovemigrate.Migration {
	return &grovemigrate.Migration{
		Name:    s.Name,
		Version: versionKey(s.Version),
		Up: func(ctx context.Context, exec grovemigrate.Executor) error {
			e, ok := exec.(*executor)
			if !ok {
				return fmt.Errorf("migrate: %s: unsupported executor %T", s.Name, exec)
			}
			return e.run(ctx, s)
		},
	}
}
