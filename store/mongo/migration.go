package mongo

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/custodian/migrate"
)

// Well-known _ids in the migrations collection.
const (
	ledgerID = "schema"
	lockID   = "lock"
)

// ledgerModel is the singleton migration ledger document.
type ledgerModel struct {
	grove.BaseModel `grove:"table:migrations" bson:"-"`
	ID              string            `grove:"id,pk"   bson:"_id"`
	Version         int               `grove:"version" bson:"version"`
	Applied         []migrate.Applied `grove:"applied" bson:"applied,omitempty"`
}

// lockModel is the migration lock document. It shares the migrations
// collection with the ledger.
type lockModel struct {
	grove.BaseModel `grove:"table:migrations" bson:"-"`
	ID              string    `grove:"id,pk"     bson:"_id"`
	Locked          bool      `grove:"locked"    bson:"locked"`
	LockedBy        string    `grove:"locked_by" bson:"locked_by,omitempty"`
	LockedAt        time.Time `grove:"locked_at" bson:"locked_at,omitempty"`
}

// Ledger is the MongoDB migration ledger and lock.
type Ledger struct {
	mdb *mongodriver.MongoDB
	col string
	ttl time.Duration
}

// Version returns the applied version, or 0 when no ledger exists.
func (l *Ledger) Version(ctx context.Context) (int, error) {
	var m ledgerModel
	if err := l.mdb.NewFind(&m).Collection(l.col).Filter(bson.M{"_id": ledgerID}).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("custodian: read ledger: %w", err)
	}
	return m.Version, nil
}

// Advance raises the ledger to a.Version and records a. $max keeps the
// version from ever going down.
func (l *Ledger) Advance(ctx context.Context, a migrate.Applied) error {
	_, err := l.mdb.NewUpdate(&ledgerModel{ID: ledgerID}).
		Collection(l.col).
		Filter(bson.M{"_id": ledgerID}).
		SetUpdate(bson.M{
			"$max":  bson.M{"version": a.Version},
			"$set":  bson.M{"updated_at": now()},
			"$push": bson.M{"applied": a},
		}).
		Upsert().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("custodian: advance ledger to %d: %w", a.Version, err)
	}
	return nil
}

// Lock takes the migration lock for owner. A lock older than the TTL is
// taken over. When the lock document exists and is held, the upsert
// collides on _id and Lock reports migrate.ErrLockHeld.
func (l *Ledger) Lock(ctx context.Context, owner string) error {
	t := now()
	filter := bson.M{
		"_id": lockID,
		"$or": bson.A{
			bson.M{"locked": false},
			bson.M{"locked_at": bson.M{"$lt": t.Add(-l.ttl)}},
		},
	}
	_, err := l.mdb.NewUpdate(&lockModel{ID: lockID}).
		Collection(l.col).
		Filter(filter).
		SetUpdate(bson.M{"$set": bson.M{
			"locked":    true,
			"locked_by": owner,
			"locked_at": t,
		}}).
		Upsert().
		Exec(ctx)
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return fmt.Errorf("custodian: migration lock: %w", migrate.ErrLockHeld)
		}
		return fmt.Errorf("custodian: migration lock: %w", err)
	}
	return nil
}

// Unlock releases the lock if owner holds it.
func (l *Ledger) Unlock(ctx context.Context, owner string) error {
	_, err := l.mdb.NewUpdate(&lockModel{ID: lockID}).
		Collection(l.col).
		Filter(bson.M{"_id": lockID, "locked_by": owner}).
		SetUpdate(bson.M{
			"$set":   bson.M{"locked": false},
			"$unset": bson.M{"locked_by": "", "locked_at": ""},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("custodian: migration unlock: %w", err)
	}
	return nil
}

// Documents gives migrations raw access to account documents. It works on
// the driver collection because steps stream schemaless documents and
// replace them whole.
type Documents struct {
	col *mongod.Collection
}

// Pending streams documents whose schema_version is missing or below
// version, in _id order.
func (d *Documents) Pending(ctx context.Context, version int, fn func(bson.M) error) error {
	filter := bson.M{"$or": bson.A{
		bson.M{migrate.VersionField: bson.M{"$exists": false}},
		bson.M{migrate.VersionField: bson.M{"$lt": version}},
	}}
	cur, err := d.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("custodian: scan documents: %w", err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return fmt.Errorf("custodian: decode document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return cur.Err()
}

// Replace upserts doc by _id.
func (d *Documents) Replace(ctx context.Context, doc bson.M) error {
	_, err := d.col.ReplaceOne(ctx, bson.M{"_id": doc["_id"]}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("custodian: replace document %v: %w", doc["_id"], err)
	}
	return nil
}

// TxRunner runs migration steps inside a MongoDB transaction.
type TxRunner struct {
	client *mongod.Client
}

// RunInTx runs fn in a session transaction. The driver retries transient
// transaction errors.
func (t *TxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := t.client.StartSession()
	if err != nil {
		return fmt.Errorf("custodian: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, fn(ctx)
	})
	return err
}
