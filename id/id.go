// Package id defines the TypeID-based identifiers custodian uses by
// default for accounts and roles.
//
// An ID renders as "prefix_suffix" where the prefix names the record kind
// ("user", "role") and the suffix is a UUIDv7, so IDs sort by creation
// time. The same string form is used in JSON, in logs and in MongoDB.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Prefix is the record kind encoded in an ID.
type Prefix string

// Record kinds.
const (
	PrefixUser Prefix = "user"
	PrefixRole Prefix = "role"
)

// ID is a prefix-qualified TypeID. The zero value is Nil.
//
//nolint:recvcheck // Unmarshal methods need pointer receivers.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero ID. It marshals to an empty string in text and to null
// in BSON.
var Nil ID

// UserID identifies an account.
type UserID = ID

// RoleID identifies a role.
type RoleID = ID

// New returns a fresh ID under prefix. It panics when prefix is not a
// valid TypeID prefix.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

// NewUserID returns a fresh account ID.
func NewUserID() ID { return New(PrefixUser) }

// NewRoleID returns a fresh role ID.
func NewRoleID() ID { return New(PrefixRole) }

// Parse reads an ID of any prefix.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix reads an ID and rejects it unless its prefix is want.
func ParseWithPrefix(s string, want Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if got := parsed.Prefix(); got != want {
		return Nil, fmt.Errorf("id: parse %q: prefix %q, want %q", s, got, want)
	}
	return parsed, nil
}

// ParseUserID reads an account ID.
func ParseUserID(s string) (ID, error) { return ParseWithPrefix(s, PrefixUser) }

// ParseRoleID reads a role ID.
func ParseRoleID(s string) (ID, error) { return ParseWithPrefix(s, PrefixRole) }

// MustParse is Parse for literals; it panics on error.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return parsed
}

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the record kind, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero ID.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty input yields Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// MarshalBSONValue implements bson.ValueMarshaler. IDs are stored as their
// string form so they stay readable in the shell and sort by time.
func (i ID) MarshalBSONValue() (byte, []byte, error) {
	if !i.valid {
		return byte(bson.TypeNull), nil, nil
	}
	t, data, err := bson.MarshalValue(i.inner.String())
	return byte(t), data, err
}

// UnmarshalBSONValue implements bson.ValueUnmarshaler. BSON null and the
// empty string decode to Nil.
func (i *ID) UnmarshalBSONValue(t byte, data []byte) error {
	raw := bson.RawValue{Type: bson.Type(t), Value: data}
	if raw.Type == bson.TypeNull || raw.Type == bson.TypeUndefined {
		*i = Nil
		return nil
	}
	s, ok := raw.StringValueOK()
	if !ok {
		return fmt.Errorf("id: cannot decode BSON %s into ID", raw.Type)
	}
	return i.UnmarshalText([]byte(s))
}
