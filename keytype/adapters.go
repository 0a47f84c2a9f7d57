package keytype

import (
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/custodian/id"
)

// ──────────────────────────────────────────────────
// TypeID
// ──────────────────────────────────────────────────

type typeIDAdapter struct{}

// TypeID returns the adapter for id.ID. Generated keys use the record kind
// as their prefix; Parse accepts any prefix.
func TypeID() Adapter[id.ID] { return typeIDAdapter{} }

func (typeIDAdapter) Generate(kind Kind) id.ID      { return id.New(id.Prefix(kind)) }
func (typeIDAdapter) IsZero(k id.ID) bool           { return k.IsNil() }
func (typeIDAdapter) Format(k id.ID) string         { return k.String() }
func (typeIDAdapter) Parse(s string) (id.ID, error) { return id.Parse(s) }
func (typeIDAdapter) Encode(k id.ID) any            { return k }

func (a typeIDAdapter) Decode(v any) (id.ID, error) {
	switch v := v.(type) {
	case id.ID:
		return v, nil
	case string:
		return a.Parse(v)
	}
	return id.Nil, fmt.Errorf("keytype: cannot decode %T into id.ID", v)
}

// ──────────────────────────────────────────────────
// ObjectID
// ──────────────────────────────────────────────────

type objectIDAdapter struct{}

// ObjectID returns the adapter for bson.ObjectID. Keys are stored natively;
// hex strings are accepted on decode for documents written by other tools.
func ObjectID() Adapter[bson.ObjectID] { return objectIDAdapter{} }

func (objectIDAdapter) Generate(Kind) bson.ObjectID   { return bson.NewObjectID() }
func (objectIDAdapter) IsZero(k bson.ObjectID) bool   { return k.IsZero() }
func (objectIDAdapter) Format(k bson.ObjectID) string { return k.Hex() }
func (objectIDAdapter) Encode(k bson.ObjectID) any    { return k }

func (objectIDAdapter) Parse(s string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(s)
	if err != nil {
		return bson.NilObjectID, fmt.Errorf("keytype: parse object id %q: %w", s, err)
	}
	return oid, nil
}

func (a objectIDAdapter) Decode(v any) (bson.ObjectID, error) {
	switch t := v.(type) {
	case bson.ObjectID:
		return t, nil
	case string:
		return a.Parse(t)
	default:
		return bson.NilObjectID, fmt.Errorf("keytype: cannot decode %T into bson.ObjectID", v)
	}
}

// ──────────────────────────────────────────────────
// UUID
// ──────────────────────────────────────────────────

type uuidAdapter struct{}

// UUID returns the adapter for uuid.UUID. Keys are stored as strings;
// BSON binary UUIDs are accepted on decode.
func UUID() Adapter[uuid.UUID] { return uuidAdapter{} }

func (uuidAdapter) Generate(Kind) uuid.UUID   { return uuid.New() }
func (uuidAdapter) IsZero(k uuid.UUID) bool   { return k == uuid.Nil }
func (uuidAdapter) Format(k uuid.UUID) string { return k.String() }
func (uuidAdapter) Encode(k uuid.UUID) any    { return k.String() }

func (uuidAdapter) Parse(s string) (uuid.UUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("keytype: parse uuid %q: %w", s, err)
	}
	return u, nil
}

func (a uuidAdapter) Decode(v any) (uuid.UUID, error) {
	switch t := v.(type) {
	case string:
		return a.Parse(t)
	case bson.Binary:
		u, err := uuid.FromBytes(t.Data)
		if err != nil {
			return uuid.Nil, fmt.Errorf("keytype: decode binary uuid: %w", err)
		}
		return u, nil
	default:
		return uuid.Nil, fmt.Errorf("keytype: cannot decode %T into uuid.UUID", v)
	}
}

// ──────────────────────────────────────────────────
// string
// ──────────────────────────────────────────────────

type stringAdapter struct{}

// String returns the adapter for plain string keys. Generated keys are
// random UUID strings.
func String() Adapter[string] { return stringAdapter{} }

func (stringAdapter) Generate(Kind) string           { return uuid.NewString() }
func (stringAdapter) IsZero(k string) bool           { return k == "" }
func (stringAdapter) Format(k string) string         { return k }
func (stringAdapter) Parse(s string) (string, error) { return s, nil }
func (stringAdapter) Encode(k string) any            { return k }

func (stringAdapter) Decode(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bson.ObjectID:
		return t.Hex(), nil
	default:
		return "", fmt.Errorf("keytype: cannot decode %T into string", v)
	}
}
