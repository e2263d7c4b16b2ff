// Package wire encodes and decodes introspect descriptors to and from a
// compact binary form, built on the packet package's codec.
//
// A value-kind ParameterDescriptor's serialized type is not itself
// encodable — reflect.Type cannot be reconstructed from an arbitrary string
// at runtime — so the wire format carries the type's registered name, and
// decoding consults a TypeRegistry the caller populates with every type it
// expects to see on the wire. This mirrors the way encoding/gob requires
// concrete types satisfying an interface to be registered before they can
// be decoded.
package wire

import (
	"fmt"
	"reflect"
	"sync"
)

// A TypeRegistry maps between a value type and the name that identifies it
// on the wire.
type TypeRegistry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
}

// NewTypeRegistry returns an empty TypeRegistry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{byName: make(map[string]reflect.Type)}
}

// Register records t under its qualified name, so it can be resolved by
// DecodeParameter. Register panics if a different type is already
// registered under the same name, since that would make decoding
// ambiguous.
func (r *TypeRegistry) Register(t reflect.Type) {
	name := TypeName(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		panic(fmt.Sprintf("wire: %q already registered to a different type", name))
	}
	r.byName[name] = t
}

// Lookup returns the type registered under name, if any.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

// TypeName renders t's wire name: its fully qualified Go name for named
// types, or its String() form for unnamed ones (built-in primitives and
// anonymous composite types).
func TypeName(t reflect.Type) string {
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}
