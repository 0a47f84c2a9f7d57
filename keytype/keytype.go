// Package keytype converts record keys between their Go type and the forms
// they take outside the process: a canonical string (claim values, route
// parameters, hook payloads) and a BSON value (the document _id).
//
// Adapters are installed in an explicit Registry, one per key type. The
// registry is written once at startup, before any store is built, and is
// read-only afterwards.
package keytype

import (
	"fmt"
	"reflect"
	"sync"
)

// Kind names the record kind a key is generated for. Adapters whose keys
// carry a type prefix (TypeID) use it; the others ignore it.
type Kind string

// Record kinds.
const (
	KindUser Kind = "user"
	KindRole Kind = "role"
)

// Adapter is a bidirectional converter for one key type.
type Adapter[K comparable] interface {
	// Generate returns a fresh key for a record of the given kind.
	Generate(kind Kind) K

	// IsZero reports whether k is unassigned.
	IsZero(k K) bool

	// Format renders k in its canonical string form.
	Format(k K) string

	// Parse is the inverse of Format.
	Parse(s string) (K, error)

	// Encode returns the BSON value stored in the _id field.
	Encode(k K) any

	// Decode converts a decoded _id value back into a key.
	Decode(v any) (K, error)
}

// Registry maps key types to their adapters.
// Register must only be called during startup.
type Registry struct {
	mu       sync.RWMutex
	adapters map[reflect.Type]any
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[reflect.Type]any)}
}

// Defaults returns a registry with the built-in adapters installed:
// id.ID (TypeID), bson.ObjectID, uuid.UUID and string.
func Defaults() *Registry {
	r := NewRegistry()
	Register(r, TypeID())
	Register(r, ObjectID())
	Register(r, UUID())
	Register(r, String())
	return r
}

// Register installs a for key type K, replacing any prior adapter.
func Register[K comparable](r *Registry, a Adapter[K]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[reflect.TypeFor[K]()] = a
}

// Lookup returns the adapter installed for K.
func Lookup[K comparable](r *Registry) (Adapter[K], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[reflect.TypeFor[K]()]
	if !ok {
		return nil, false
	}
	typed, ok := a.(Adapter[K])
	return typed, ok
}

// MustLookup is like Lookup but panics when no adapter is installed.
func MustLookup[K comparable](r *Registry) Adapter[K] {
	a, ok := Lookup[K](r)
	if !ok {
		panic(fmt.Sprintf("keytype: no adapter registered for %s", reflect.TypeFor[K]()))
	}
	return a
}

// Len returns the number of installed adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
